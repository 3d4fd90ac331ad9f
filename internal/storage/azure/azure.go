// Package azure implements the scan archive on Azure Blob Storage. Uploads go
// directly to Blob Storage; downloads are served via time-limited SAS (Shared
// Access Signature) URLs generated on demand rather than proxied through the
// engine, keeping large scan archives off its network path. Document metadata
// (checksum, original filename, submitter) is stored as blob metadata and the
// content type as a blob HTTP header, so SAS downloads serve it back. A CDN
// URL can be configured to shortcut SAS generation for public archives.
package azure

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/sello-registry/sello/internal/config"
	"github.com/sello-registry/sello/internal/storage"
)

// Blob metadata keys stored with each archived object. Azure requires
// metadata keys to be valid C identifiers, so no hyphens here.
const (
	metaSHA256     = "sha256"
	metaFilename   = "filename"
	metaArchivedBy = "archivedby"
)

func init() {
	storage.Register("azure", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Azure)
	})
}

// AzureStorage archives objects in a single blob container.
type AzureStorage struct {
	client        *azblob.Client
	containerName string
	accountName   string
	accountKey    string
	cdnURL        string
}

// New creates an Azure Blob archive backend using shared key authentication.
func New(cfg *config.AzureStorageConfig) (*AzureStorage, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return &AzureStorage{
		client:        client,
		containerName: cfg.ContainerName,
		accountName:   cfg.AccountName,
		accountKey:    cfg.AccountKey,
		cdnURL:        cfg.CDNURL,
	}, nil
}

func (s *AzureStorage) blobClient(key string) *blob.Client {
	return s.client.ServiceClient().NewContainerClient(s.containerName).NewBlobClient(key)
}

// Put uploads the blob with its document metadata, overwriting any blob
// already at key.
func (s *AzureStorage) Put(ctx context.Context, key string, reader io.Reader, size int64, opts storage.PutOptions) (*storage.ObjectInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read object data: %w", err)
	}

	sum := opts.SHA256
	if sum == "" {
		digest := sha256.Sum256(data)
		sum = hex.EncodeToString(digest[:])
	}

	metadata := map[string]*string{metaSHA256: &sum}
	if opts.Filename != "" {
		filename := opts.Filename
		metadata[metaFilename] = &filename
	}
	if opts.ArchivedBy != "" {
		archivedBy := opts.ArchivedBy
		metadata[metaArchivedBy] = &archivedBy
	}

	uploadOpts := &blockblob.UploadOptions{Metadata: metadata}
	if opts.ContentType != "" {
		contentType := opts.ContentType
		uploadOpts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}

	blockClient := s.client.ServiceClient().NewContainerClient(s.containerName).NewBlockBlobClient(key)
	if _, err := blockClient.Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), uploadOpts); err != nil {
		return nil, fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}

	return &storage.ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		SHA256:       sum,
		ContentType:  opts.ContentType,
		Filename:     opts.Filename,
		ArchivedBy:   opts.ArchivedBy,
		LastModified: time.Now().UTC(),
	}, nil
}

// Get opens the blob at key.
func (s *AzureStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.blobClient(key).DownloadStream(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to download from Azure Blob: %w", err)
	}
	return resp.Body, nil
}

// Delete removes the blob at key. Missing blobs are not an error.
func (s *AzureStorage) Delete(ctx context.Context, key string) error {
	if _, err := s.blobClient(key).Delete(ctx, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete from Azure Blob: %w", err)
	}
	return nil
}

// SignedURL returns the CDN URL when one is configured, otherwise a SAS URL
// valid for ttl. The SAS start time is backdated five minutes to tolerate
// clock skew.
func (s *AzureStorage) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", storage.ErrNotFound
	}

	if s.cdnURL != "" {
		return fmt.Sprintf("%s/%s", s.cdnURL, key), nil
	}

	credential, err := azblob.NewSharedKeyCredential(s.accountName, s.accountKey)
	if err != nil {
		return "", fmt.Errorf("failed to create credential for SAS: %w", err)
	}

	sasQueryParams, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     time.Now().UTC().Add(-5 * time.Minute),
		ExpiryTime:    time.Now().UTC().Add(ttl),
		Permissions:   (&sas.BlobPermissions{Read: true}).String(),
		ContainerName: s.containerName,
		BlobName:      key,
	}.SignWithSharedKey(credential)
	if err != nil {
		return "", fmt.Errorf("failed to generate SAS token: %w", err)
	}

	blobURL := fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s",
		s.accountName, s.containerName, url.PathEscape(key))
	return fmt.Sprintf("%s?%s", blobURL, sasQueryParams.Encode()), nil
}

// Exists reports whether a blob is present at key.
func (s *AzureStorage) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := s.blobClient(key).GetProperties(ctx, nil); err != nil {
		return false, nil
	}
	return true, nil
}

// Stat returns the blob's document metadata. Blobs archived without a
// checksum are read back and hashed; Azure natively stores MD5, not SHA256.
func (s *AzureStorage) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	props, err := s.blobClient(key).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get blob properties: %w", err)
	}

	info := &storage.ObjectInfo{Key: key}
	if props.ContentLength != nil {
		info.Size = *props.ContentLength
	}
	if props.ContentType != nil {
		info.ContentType = *props.ContentType
	}
	if props.LastModified != nil {
		info.LastModified = *props.LastModified
	}
	for k, v := range props.Metadata {
		if v == nil {
			continue
		}
		// Azure normalizes metadata key casing, so match case-insensitively.
		switch {
		case strings.EqualFold(k, metaSHA256):
			info.SHA256 = *v
		case strings.EqualFold(k, metaFilename):
			info.Filename = *v
		case strings.EqualFold(k, metaArchivedBy):
			info.ArchivedBy = *v
		}
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
