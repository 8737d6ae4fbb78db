package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArchiveUploader copies finished FITS files to S3 compatible object
// storage. It runs strictly after the writer is finalized, so a failed
// upload never damages the local output.
type ArchiveUploader struct {
	client *minio.Client
	config *ArchiveConfig
}

// NewArchiveUploader builds a client for the configured endpoint.
func NewArchiveUploader(config *ArchiveConfig) (*ArchiveUploader, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to archive endpoint %s: %w", config.Endpoint, err)
	}
	return &ArchiveUploader{client: client, config: config}, nil
}

// UploadAll uploads every named file into the configured bucket. All
// files are attempted even when some fail.
func (a *ArchiveUploader) UploadAll(ctx context.Context, paths []string) error {
	failed := 0
	for _, path := range paths {
		if err := a.upload(ctx, path); err != nil {
			log.Printf("ERROR: Archive upload of %s failed: %v", path, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d archive uploads failed", failed, len(paths))
	}
	return nil
}

func (a *ArchiveUploader) upload(ctx context.Context, path string) error {
	object := filepath.Base(path)
	if a.config.Prefix != "" {
		object = strings.TrimSuffix(a.config.Prefix, "/") + "/" + object
	}
	contentType := "application/fits"
	if strings.HasSuffix(path, ".gz") {
		contentType = "application/gzip"
	}

	start := time.Now()
	info, err := a.client.FPutObject(ctx, a.config.Bucket, object, path,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return err
	}
	log.Printf("Archived %s to %s/%s (%d bytes, etag %s) in %s",
		path, a.config.Bucket, object, info.Size, info.ETag, time.Since(start).Round(time.Millisecond))
	return nil
}
