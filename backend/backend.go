// Package backend stores the bytes of cached studies on a local volume.
package backend

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("backend: not found")

	// ErrExists is returned by Rename when the destination is already present.
	ErrExists = errors.New("backend: already exists")
)

// WalkFunc is called once per stored object. Calls are serialized.
type WalkFunc func(key string, size int64) error

// Backend is the storage volume behind the cache.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores the contents of r at key, replacing any previous value,
	// and returns the number of bytes written.
	Write(ctx context.Context, key string, r io.Reader) (int64, error)

	// Read opens the object at key. Returns ErrNotFound if it does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat returns the size of the object at key.
	Stat(ctx context.Context, key string) (int64, error)

	// Rename moves an object. It fails with ErrExists rather than replacing
	// an existing destination.
	Rename(ctx context.Context, from, to string) error

	// DeletePrefix removes every object under prefix. Missing prefixes are
	// not an error.
	DeletePrefix(ctx context.Context, prefix string) error

	// Walk visits every object under prefix.
	Walk(ctx context.Context, prefix string, fn WalkFunc) error
}
