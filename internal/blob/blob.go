// Package blob provides the key/blob stores published sites are written to
// and served from. Keys are slash-separated paths such as
// "dashboards/globex-corp/q1-report/index.html".
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound indicates no object exists under the key.
var ErrNotFound = errors.New("blob: not found")

// ErrInvalidKey indicates a key that is empty or escapes its prefix.
var ErrInvalidKey = errors.New("blob: invalid key")

// Object is a stored blob.
type Object struct {
	Data        []byte
	ContentType string
}

// Store puts and gets blobs by key. There is no delete primitive.
type Store interface {
	// Put stores data under key and returns the object's public URL.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) (Object, error)
}

// CleanKey validates key and returns it in canonical form.
func CleanKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" || strings.HasPrefix(trimmed, "/") || strings.Contains(trimmed, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}

func publicURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
