package api

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/sello-registry/sello/internal/storage"
)

// ServeFileHandler streams archived objects from the storage backend. It backs
// the URLs the local backend hands out when serve_directly is off; S3, GCS, and
// Azure serve their own presigned URLs instead. The stored content type and
// original filename are served back from the object's archive metadata.
func ServeFileHandler(storageBackend storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("filepath")
		if len(key) > 0 && key[0] == '/' {
			key = key[1:]
		}
		if key == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file path is required"})
			return
		}

		info, err := storageBackend.Stat(c.Request.Context(), key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get file metadata"})
			return
		}

		reader, err := storageBackend.Get(c.Request.Context(), key)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read file"})
			return
		}
		defer reader.Close()

		contentType := info.ContentType
		if contentType == "" {
			contentType = mime.TypeByExtension(filepath.Ext(key))
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		disposition := "attachment"
		if info.Filename != "" {
			disposition = fmt.Sprintf("attachment; filename=%q", info.Filename)
		}
		c.Header("Content-Disposition", disposition)
		c.Header("X-Checksum-SHA256", info.SHA256)
		c.DataFromReader(http.StatusOK, info.Size, contentType, reader, nil)
	}
}
