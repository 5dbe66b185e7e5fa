package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
)

// ErrSignedURLUnsupported is returned by stores that can only serve blobs
// through the service itself.
var ErrSignedURLUnsupported = errors.New("signed URLs not supported by this attachment store")

// ErrNotFound is returned by Retrieve and Delete for unknown keys.
var ErrNotFound = errors.New("attachment not found")

// FileStoreResult is the result of a file store operation.
type FileStoreResult struct {
	StorageKey string
	Size       int64
	SHA256     string
}

// Blob is a stored file opened for reading.
type Blob struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

// AttachmentStore defines the interface for file storage backends. Storage
// keys are slash separated paths chosen by the caller.
type AttachmentStore interface {
	// Store writes data under storageKey, rejecting anything larger than maxSize.
	Store(ctx context.Context, storageKey string, data io.Reader, maxSize int64, contentType string) (*FileStoreResult, error)
	// Retrieve opens the stored file.
	Retrieve(ctx context.Context, storageKey string) (*Blob, error)
	// Delete removes the stored file.
	Delete(ctx context.Context, storageKey string) error
	// GetSignedURL returns a time-limited signed download URL, if supported.
	GetSignedURL(ctx context.Context, storageKey string, expiry time.Duration) (*url.URL, error)
}

// ValidKey reports whether key is a relative path without empty or dot segments.
func ValidKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

// Loader creates an AttachmentStore from config.
type Loader func(ctx context.Context) (AttachmentStore, error)

// Plugin represents an attachment store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an attachment store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered attachment store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named attachment store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown attachment store %q; valid: %v", name, Names())
}
