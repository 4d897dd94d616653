// Package storage provides the flat key/value object store the job
// reads scene objects from and writes logs to. Backends are selected
// by URI: file:///path for a local tree, s3://bucket[/prefix] for an
// object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrUnsupportedScheme = errors.New("storage: unsupported backend scheme")
	ErrNotFound          = errors.New("storage: object not found")
)

// GetRequest names one object to fetch and the local path to place it.
type GetRequest struct {
	Key      string
	FilePath string
}

// PutRequest names one local file to upload under a key.
type PutRequest struct {
	FilePath string
	Key      string
}

// Backend is a flat object namespace.
type Backend interface {
	// Get fetches each requested object to its file path.
	Get(ctx context.Context, reqs []GetRequest) error
	// Put uploads each file under its key.
	Put(ctx context.Context, reqs []PutRequest) error
	// Read returns one object's bytes.
	Read(ctx context.Context, key string) ([]byte, error)
	// URI returns the backend's canonical URI.
	URI() string
}

// Open parses a backend URI and constructs the matching backend.
func Open(uri, region string) (Backend, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("storage: parse backend uri %q: %w", uri, err)
	}
	switch u.Scheme {
	case "file":
		path := u.Path
		if u.Host != "" {
			path = u.Host + path
		}
		if path == "" {
			return nil, fmt.Errorf("storage: file backend needs a path: %q", uri)
		}
		return newFileBackend(path)
	case "s3":
		bucket := u.Host
		if bucket == "" {
			return nil, fmt.Errorf("storage: s3 backend needs a bucket: %q", uri)
		}
		prefix := strings.TrimPrefix(u.Path, "/")
		return newS3Backend(bucket, prefix, region)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}
