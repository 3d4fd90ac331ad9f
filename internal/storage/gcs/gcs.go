// Package gcs implements the scan archive on Google Cloud Storage. Downloads
// use time-limited V4 signed URLs generated via the GCS signing API; the
// engine never proxies archive content. Document metadata (checksum, original
// filename, submitter) is stored as custom object metadata and the content
// type natively, so a signed-URL download serves the right headers. Supports
// Application Default Credentials, service account JSON keys, and Workload
// Identity Federation.
package gcs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	appconfig "github.com/sello-registry/sello/internal/config"
	appstorage "github.com/sello-registry/sello/internal/storage"
)

// Custom metadata keys stored with each archived object.
const (
	metaSHA256     = "sha256"
	metaFilename   = "filename"
	metaArchivedBy = "archived-by"
)

func init() {
	appstorage.Register("gcs", func(cfg *appconfig.Config) (appstorage.Storage, error) {
		return New(&cfg.Storage.GCS)
	})
}

// GCSStorage archives objects in a single GCS bucket.
type GCSStorage struct {
	client *storage.Client
	bucket string
}

// New creates a GCS archive backend.
//
// Authentication methods:
//   - "default" or empty: Application Default Credentials (env var, GCE/GKE
//     metadata service, gcloud auth application-default login)
//   - "service_account": a key file path or inline JSON
//   - "workload_identity": Workload Identity Federation (resolved through ADC)
func New(cfg *appconfig.GCSStorageConfig) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		if cfg.CredentialsFile != "" || cfg.CredentialsJSON != "" {
			authMethod = "service_account"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "service_account":
		switch {
		case cfg.CredentialsJSON != "":
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		case cfg.CredentialsFile != "":
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		default:
			return nil, fmt.Errorf("credentials_file or credentials_json is required for service_account auth")
		}
	case "workload_identity", "default":
		// ADC handles both.
	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'service_account', or 'workload_identity')", authMethod)
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStorage{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Close closes the GCS client.
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

// Put uploads the object with its document metadata, overwriting any object
// already at key.
func (s *GCSStorage) Put(ctx context.Context, key string, reader io.Reader, size int64, opts appstorage.PutOptions) (*appstorage.ObjectInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read object data: %w", err)
	}

	sum := opts.SHA256
	if sum == "" {
		digest := sha256.Sum256(data)
		sum = hex.EncodeToString(digest[:])
	}

	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	writer.ContentType = opts.ContentType
	writer.Metadata = map[string]string{metaSHA256: sum}
	if opts.Filename != "" {
		writer.Metadata[metaFilename] = opts.Filename
	}
	if opts.ArchivedBy != "" {
		writer.Metadata[metaArchivedBy] = opts.ArchivedBy
	}

	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close GCS writer: %w", err)
	}

	return &appstorage.ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		SHA256:       sum,
		ContentType:  opts.ContentType,
		Filename:     opts.Filename,
		ArchivedBy:   opts.ArchivedBy,
		LastModified: time.Now().UTC(),
	}, nil
}

// Get opens the object at key.
func (s *GCSStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, appstorage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	return reader, nil
}

// Delete removes the object at key. Missing objects are not an error.
func (s *GCSStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// SignedURL returns a V4 signed GET URL valid for ttl. Signing requires the
// service account to hold iam.serviceAccountTokenCreator, or ADC with
// signBlob permission.
func (s *GCSStorage) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", appstorage.ErrNotFound
	}

	url, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate signed URL: %w", err)
	}
	return url, nil
}

// Exists reports whether an object is present at key.
func (s *GCSStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// Stat returns the object's document metadata from its custom metadata.
// Objects archived without a checksum are read back and hashed.
func (s *GCSStorage) Stat(ctx context.Context, key string) (*appstorage.ObjectInfo, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, appstorage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object metadata: %w", err)
	}

	info := &appstorage.ObjectInfo{
		Key:          key,
		Size:         attrs.Size,
		ContentType:  attrs.ContentType,
		LastModified: attrs.Updated,
	}
	if attrs.Metadata != nil {
		info.SHA256 = attrs.Metadata[metaSHA256]
		info.Filename = attrs.Metadata[metaFilename]
		info.ArchivedBy = attrs.Metadata[metaArchivedBy]
	}

	if info.SHA256 == "" {
		reader, err := s.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to download for checksum: %w", err)
		}
		defer reader.Close()

		hasher := sha256.New()
		if _, err := io.Copy(hasher, reader); err != nil {
			return nil, fmt.Errorf("failed to compute checksum: %w", err)
		}
		info.SHA256 = hex.EncodeToString(hasher.Sum(nil))
	}

	return info, nil
}
