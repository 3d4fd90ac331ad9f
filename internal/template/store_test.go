package template

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sello-registry/sello/internal/storage"
)

// ---------------------------------------------------------------------------
// LocalStore
// ---------------------------------------------------------------------------

func newLocalStore(t *testing.T) (*LocalStore, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.docx"), []byte("version-1"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, dir
}

func TestLocalStoreResolve(t *testing.T) {
	store, _ := newLocalStore(t)

	data, err := store.Resolve(context.Background(), "a.docx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "version-1" {
		t.Errorf("got %q, want version-1", data)
	}
}

func TestLocalStoreMissingTemplate(t *testing.T) {
	store, _ := newLocalStore(t)

	_, err := store.Resolve(context.Background(), "nope.docx")
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestLocalStoreRejectsEscapingRefs(t *testing.T) {
	store, _ := newLocalStore(t)

	for _, ref := range []string{"../etc/passwd", "/etc/passwd", ""} {
		if _, err := store.Resolve(context.Background(), ref); !errors.Is(err, ErrTemplateNotFound) {
			t.Errorf("ref %q: expected ErrTemplateNotFound, got %v", ref, err)
		}
	}
}

func TestLocalStoreCacheInvalidation(t *testing.T) {
	store, dir := newLocalStore(t)

	// Prime the cache.
	if _, err := store.Resolve(context.Background(), "a.docx"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "a.docx"), []byte("version-2"), 0o644); err != nil {
		t.Fatalf("rewrite template: %v", err)
	}

	// The watch delivers asynchronously; poll until the cache entry drops.
	deadline := time.Now().Add(2 * time.Second)
	for {
		data, err := store.Resolve(context.Background(), "a.docx")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if bytes.Equal(data, []byte("version-2")) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("cache still serves the old template after rewrite")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNewLocalStoreMissingRoot(t *testing.T) {
	if _, err := NewLocalStore(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected an error for a missing root")
	}
}

// ---------------------------------------------------------------------------
// BackendStore
// ---------------------------------------------------------------------------

type fakeBackend struct {
	objects  map[string][]byte
	fetchErr error
}

func (f *fakeBackend) Put(ctx context.Context, key string, reader io.Reader, size int64, opts storage.PutOptions) (*storage.ObjectInfo, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBackend) Delete(ctx context.Context, key string) error { return nil }

func (f *fakeBackend) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeBackend) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	return nil, errors.New("not implemented")
}

func TestBackendStoreResolve(t *testing.T) {
	backend := &fakeBackend{objects: map[string][]byte{
		"templates/a.docx": []byte("blob-template"),
	}}
	store := NewBackendStore(backend, "templates")

	data, err := store.Resolve(context.Background(), "a.docx")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "blob-template" {
		t.Errorf("got %q, want blob-template", data)
	}
}

func TestBackendStoreMissingTemplate(t *testing.T) {
	store := NewBackendStore(&fakeBackend{objects: map[string][]byte{}}, "templates")

	_, err := store.Resolve(context.Background(), "a.docx")
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestBackendStoreBackendError(t *testing.T) {
	backendErr := errors.New("backend unavailable")
	store := NewBackendStore(&fakeBackend{fetchErr: backendErr}, "templates")

	_, err := store.Resolve(context.Background(), "a.docx")
	if errors.Is(err, ErrTemplateNotFound) {
		t.Error("a backend failure must not read as a missing template")
	}
	if !errors.Is(err, backendErr) {
		t.Errorf("expected the backend error, got %v", err)
	}
}
