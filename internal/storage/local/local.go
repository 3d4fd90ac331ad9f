// Package local implements the filesystem archive backend. It is intended for
// development and single-node deployments — scan archives on local disk cannot
// be shared between engine instances. Production deployments should use one of
// the cloud backends.
//
// Object metadata (content type, checksum, original filename, submitter) is
// persisted in a sidecar JSON file next to the object, suffixed ".meta.json".
// Sidecars live inside the base path like any other file, but are invisible to
// the Storage interface: Exists and Get never report them.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sello-registry/sello/internal/config"
	"github.com/sello-registry/sello/internal/storage"
)

const metaSuffix = ".meta.json"

func init() {
	storage.Register("local", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Local, cfg.Server.BaseURL)
	})
}

// LocalStorage archives objects under a base directory on the local filesystem.
type LocalStorage struct {
	basePath      string
	serveDirectly bool
	baseURL       string
}

// sidecar is the on-disk metadata record written next to each object.
type sidecar struct {
	SHA256      string `json:"sha256"`
	ContentType string `json:"content_type,omitempty"`
	Filename    string `json:"filename,omitempty"`
	ArchivedBy  string `json:"archived_by,omitempty"`
}

// New creates a filesystem backend rooted at cfg.BasePath, creating the
// directory if needed.
func New(cfg *config.LocalStorageConfig, serverBaseURL string) (*LocalStorage, error) {
	if err := os.MkdirAll(cfg.BasePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &LocalStorage{
		basePath:      cfg.BasePath,
		serveDirectly: cfg.ServeDirectly,
		baseURL:       serverBaseURL,
	}, nil
}

func (s *LocalStorage) fullPath(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(key))
}

// Put writes the object and its metadata sidecar, overwriting both if the key
// is already in use. A failed write removes the partial object so a retry sees
// a clean slate.
func (s *LocalStorage) Put(ctx context.Context, key string, reader io.Reader, size int64, opts storage.PutOptions) (*storage.ObjectInfo, error) {
	fullPath := s.fullPath(key)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create object file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(file, hasher), reader)
	if err != nil {
		_ = os.Remove(fullPath)
		return nil, fmt.Errorf("failed to write object: %w", err)
	}

	sum := opts.SHA256
	if sum == "" {
		sum = hex.EncodeToString(hasher.Sum(nil))
	}

	meta := sidecar{
		SHA256:      sum,
		ContentType: opts.ContentType,
		Filename:    opts.Filename,
		ArchivedBy:  opts.ArchivedBy,
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(fullPath+metaSuffix, raw, 0640); err != nil {
		_ = os.Remove(fullPath)
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}

	return &storage.ObjectInfo{
		Key:          key,
		Size:         written,
		SHA256:       sum,
		ContentType:  opts.ContentType,
		Filename:     opts.Filename,
		ArchivedBy:   opts.ArchivedBy,
		LastModified: time.Now().UTC(),
	}, nil
}

// Get opens the object for reading.
func (s *LocalStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if strings.HasSuffix(key, metaSuffix) {
		return nil, storage.ErrNotFound
	}

	file, err := os.Open(s.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to open object: %w", err)
	}
	return file, nil
}

// Delete removes the object, its sidecar, and any empty parent directories
// left behind.
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	fullPath := s.fullPath(key)

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	if err := os.Remove(fullPath + metaSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete metadata: %w", err)
	}

	// Prune empty parent directories, best effort.
	dir := filepath.Dir(fullPath)
	for dir != s.basePath {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}

	return nil
}

// SignedURL returns an API-served URL when ServeDirectly is enabled, otherwise
// a file:// URL for local access. The ttl is ignored; local files do not
// expire.
func (s *LocalStorage) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", storage.ErrNotFound
	}

	if s.serveDirectly {
		return fmt.Sprintf("%s/v1/files/%s", s.baseURL, key), nil
	}
	return fmt.Sprintf("file://%s", s.fullPath(key)), nil
}

// Exists reports whether an object is present at key.
func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	if strings.HasSuffix(key, metaSuffix) {
		return false, nil
	}

	_, err := os.Stat(s.fullPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object: %w", err)
	}
	return true, nil
}

// Stat reads the object's sidecar and file attributes. Objects written by
// other tools may lack a sidecar; the checksum is then computed from the file.
func (s *LocalStorage) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	fullPath := s.fullPath(key)

	fi, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}

	info := &storage.ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
	}

	raw, err := os.ReadFile(fullPath + metaSuffix)
	switch {
	case err == nil:
		var meta sidecar
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
		info.SHA256 = meta.SHA256
		info.ContentType = meta.ContentType
		info.Filename = meta.Filename
		info.ArchivedBy = meta.ArchivedBy
	case errors.Is(err, os.ErrNotExist):
		sum, err := s.hashFile(fullPath)
		if err != nil {
			return nil, err
		}
		info.SHA256 = sum
	default:
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	return info, nil
}

func (s *LocalStorage) hashFile(fullPath string) (string, error) {
	file, err := os.Open(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to open object for checksum: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to compute checksum: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
