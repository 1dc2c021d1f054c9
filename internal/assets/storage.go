// Package assets provides access to the raw funnel media files.
package assets

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

// ErrPathTraversal is returned when an asset path escapes the storage root.
var ErrPathTraversal = errors.New("asset path escapes storage root")

// Storage reads raw asset bytes and produces time-limited links the
// messaging provider can fetch directly.
type Storage interface {
	// Open returns the asset body and its size in bytes.
	Open(ctx context.Context, assetPath string) (io.ReadCloser, int64, error)
	// SignedURL returns a URL valid for ttl.
	SignedURL(ctx context.Context, assetPath string, ttl time.Duration) (string, error)
}

// CleanPath normalizes an asset path to a slash-separated relative key.
func CleanPath(assetPath string) (string, error) {
	p := strings.ReplaceAll(strings.TrimSpace(assetPath), "\\", "/")
	if p == "" {
		return "", errors.New("asset path is empty")
	}
	cleaned := path.Clean("/" + p)
	rel := strings.TrimPrefix(cleaned, "/")
	if rel == "" || rel == "." {
		return "", errors.New("asset path is empty")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrPathTraversal
		}
	}
	return rel, nil
}
