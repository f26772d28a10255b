package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// LocalStore writes attachments under a directory served at a public URL prefix.
// Intended for development and single-node deployments.
type LocalStore struct {
	dir       string
	urlPrefix string
}

func NewLocalStore(dir, urlPrefix string) *LocalStore {
	if urlPrefix == "" {
		urlPrefix = "/uploads"
	}
	return &LocalStore{dir: dir, urlPrefix: strings.TrimRight(urlPrefix, "/")}
}

// Dir is the directory the store writes to.
func (s *LocalStore) Dir() string { return s.dir }

func (s *LocalStore) Store(ctx context.Context, data []byte, mimeType, suggestedName string) (Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	key := objectKey(suggestedName)
	target := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Descriptor{}, fmt.Errorf("%w: create dir: %v", ErrStore, err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return Descriptor{}, fmt.Errorf("%w: write %s: %v", ErrStore, key, err)
	}
	resolved := ResolveMimeType(data, mimeType)
	return Descriptor{
		Key:      key,
		URL:      path.Join(s.urlPrefix, key),
		MimeType: resolved,
		Filename: displayName(suggestedName),
		Kind:     Classify(resolved),
	}, nil
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	err := os.Remove(filepath.Join(s.dir, filepath.FromSlash(key)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
