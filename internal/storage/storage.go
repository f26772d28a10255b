package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"telehealth-chat/internal/models"
)

// ErrStore wraps every failure to persist an attachment payload.
var ErrStore = errors.New("attachment store failure")

// Kind routes payloads downstream. Nothing is transcoded.
type Kind string

const (
	KindMedia    Kind = "media"
	KindDocument Kind = "document"
)

// File is an uploaded payload as received from the client.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Descriptor is the durable result of storing a file.
type Descriptor struct {
	Key      string
	URL      string
	MimeType string
	Filename string
	Kind     Kind
}

// Store persists raw bytes and returns a durable descriptor.
type Store interface {
	Store(ctx context.Context, data []byte, mimeType, suggestedName string) (Descriptor, error)
	Delete(ctx context.Context, key string) error
}

// Classify maps a MIME type to media (image/video/audio) or document.
func Classify(mimeType string) Kind {
	top := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(top, "image/"), strings.HasPrefix(top, "video/"), strings.HasPrefix(top, "audio/"):
		return KindMedia
	default:
		return KindDocument
	}
}

// ResolveMimeType keeps the declared type unless it is missing or generic,
// in which case the payload is sniffed.
func ResolveMimeType(data []byte, declared string) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && !strings.EqualFold(declared, "application/octet-stream") {
		return declared
	}
	return mimetype.Detect(data).String()
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename keeps the base name and extension, replacing anything unsafe for an object key.
func SanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if base == "." || base == "/" || base == "" {
		base = "file"
	}
	base = unsafeNameChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "_")
	if base == "" || strings.HasPrefix(base, ".") && len(base) == len(path.Ext(base)) {
		base = "file" + base
	}
	return base
}

func objectKey(name string) string {
	return path.Join("chat", uuid.NewString(), SanitizeFilename(name))
}

func displayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "file"
	}
	return filepath.Base(strings.ReplaceAll(name, `\`, "/"))
}

// StoreAll stores files in order. If any file fails, objects already written
// are deleted best-effort and the error is returned; no partial result escapes.
func StoreAll(ctx context.Context, store Store, files []File) ([]Descriptor, error) {
	stored := make([]Descriptor, 0, len(files))
	for _, f := range files {
		desc, err := store.Store(ctx, f.Data, f.MimeType, f.Name)
		if err != nil {
			DeleteAll(ctx, store, stored)
			if errors.Is(err, ErrStore) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s: %v", ErrStore, displayName(f.Name), err)
		}
		stored = append(stored, desc)
	}
	return stored, nil
}

// DeleteAll removes stored objects, ignoring failures.
func DeleteAll(ctx context.Context, store Store, descs []Descriptor) {
	ctx = context.WithoutCancel(ctx)
	for _, d := range descs {
		_ = store.Delete(ctx, d.Key)
	}
}

// Attachments converts descriptors into rows ready to persist.
func Attachments(descs []Descriptor) []models.NewAttachment {
	out := make([]models.NewAttachment, 0, len(descs))
	for _, d := range descs {
		out = append(out, models.NewAttachment{Filename: d.Filename, URL: d.URL, MimeType: d.MimeType})
	}
	return out
}
