// store.go provides template resolution. Refs stored on document types are
// opaque to the binder; a Store turns them into DOCX bytes. The local store
// serves a directory with an in-memory cache invalidated by fsnotify, the
// backend store serves templates out of the archive storage backend.
package template

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/sello-registry/sello/internal/storage"
)

// ErrTemplateNotFound is returned when a ref does not resolve to a template.
var ErrTemplateNotFound = errors.New("template not found")

// Store resolves a template ref to its DOCX bytes.
type Store interface {
	Resolve(ctx context.Context, ref string) ([]byte, error)
}

// LocalStore serves templates from a directory. Resolved templates are cached
// per ref; a filesystem watch drops cache entries when the underlying file
// changes, so template updates take effect without a restart.
type LocalStore struct {
	root    string
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	cache map[string][]byte
}

func NewLocalStore(root string) (*LocalStore, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("template root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("template root %s is not a directory", root)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create template watcher: %w", err)
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch template root %s: %w", root, err)
	}

	s := &LocalStore{
		root:    root,
		watcher: watcher,
		cache:   make(map[string][]byte),
	}
	go s.watch()
	return s, nil
}

func (s *LocalStore) Resolve(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" || !filepath.IsLocal(ref) {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, ref)
	}

	s.mu.RLock()
	data, ok := s.cache[ref]
	s.mu.RUnlock()
	if ok {
		return data, nil
	}

	data, err := os.ReadFile(filepath.Join(s.root, ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", ref, err)
	}

	s.mu.Lock()
	s.cache[ref] = data
	s.mu.Unlock()
	return data, nil
}

// Close stops the filesystem watch.
func (s *LocalStore) Close() error {
	return s.watcher.Close()
}

func (s *LocalStore) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) ||
				ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
				s.invalidate(ev.Name)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("template watch error", "error", err)
		}
	}
}

func (s *LocalStore) invalidate(name string) {
	ref, err := filepath.Rel(s.root, name)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.cache, ref)
	s.mu.Unlock()
}

// BackendStore resolves refs out of an archive storage backend. No cache:
// blob reads are already cheap relative to rendering, and there is no change
// notification to invalidate on.
type BackendStore struct {
	backend storage.Storage
	prefix  string
}

// NewBackendStore serves templates from backend under prefix (for example
// "templates"). An empty prefix serves the backend root.
func NewBackendStore(backend storage.Storage, prefix string) *BackendStore {
	return &BackendStore{backend: backend, prefix: prefix}
}

func (s *BackendStore) Resolve(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty ref", ErrTemplateNotFound)
	}
	key := path.Join(s.prefix, ref)

	rc, err := s.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, ref)
		}
		return nil, fmt.Errorf("fetch template %s: %w", key, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", key, err)
	}
	return data, nil
}
