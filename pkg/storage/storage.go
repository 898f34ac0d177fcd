// Package storage defines the opaque content store assets are written to.
package storage

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/angelmondragon/compositor-backend/pkg/contenthash"
)

// ErrNotFound is returned by Get when no object exists for the key.
var ErrNotFound = errors.New("storage object not found")

// ContentStore persists binary content under storage keys it chooses.
type ContentStore interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Pinger exposes the health-check surface of a store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ContentKey derives the content-addressed key for data under prefix, so
// writing the same bytes twice lands on the same object.
func ContentKey(prefix string, data []byte) string {
	algo, digest, _ := strings.Cut(contenthash.Sum(data), ":")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join(algo, digest[:2], digest)
	}
	return path.Join(prefix, algo, digest[:2], digest)
}
