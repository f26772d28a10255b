package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"telehealth-chat/internal/logger"
)

// GCSStore keeps attachments in a Google Cloud Storage bucket.
type GCSStore struct {
	log       *logger.Logger
	client    *gcs.Client
	bucket    string
	cdnDomain string
}

func NewGCSStore(ctx context.Context, log *logger.Logger, bucket, cdnDomain string, opts ...option.ClientOption) (*GCSStore, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("gcs: bucket name is required")
	}
	opts = append(opts, option.WithScopes(gcs.ScopeReadWrite))
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: create client: %w", err)
	}
	return &GCSStore{
		log:       log.With("component", "GCSStore"),
		client:    client,
		bucket:    bucket,
		cdnDomain: strings.TrimSpace(cdnDomain),
	}, nil
}

func (s *GCSStore) Store(ctx context.Context, data []byte, mimeType, suggestedName string) (Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	key := objectKey(suggestedName)
	resolved := ResolveMimeType(data, mimeType)

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = resolved
	w.ContentDisposition = fmt.Sprintf("inline; filename=%q", displayName(suggestedName))
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return Descriptor{}, fmt.Errorf("%w: write %s: %v", ErrStore, key, err)
	}
	if err := w.Close(); err != nil {
		return Descriptor{}, fmt.Errorf("%w: close %s: %v", ErrStore, key, err)
	}

	s.log.Debug("attachment stored", "key", key, "mime_type", resolved, "bytes", len(data))
	return Descriptor{
		Key:      key,
		URL:      s.publicURL(key),
		MimeType: resolved,
		Filename: displayName(suggestedName),
		Kind:     Classify(resolved),
	}, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return err
	}
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) publicURL(key string) string {
	if s.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", strings.TrimRight(s.cdnDomain, "/"), key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, key)
}
