package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/pacs-cache/telemetry"
)

// InstrumentedBackend records metrics for every call to the wrapped Backend.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend wraps b, labelling its metrics with name.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) (int64, error) {
	start := time.Now()
	n, err := ib.backend.Write(ctx, key, r)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), n)
	return n, err
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
		return nil, err
	}
	return &countingReadCloser{rc: rc, done: func(n int64, rerr error) {
		telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(rerr), time.Since(start), n)
	}}, nil
}

func (ib *InstrumentedBackend) Stat(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	size, err := ib.backend.Stat(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "stat", outcomeFromError(err), time.Since(start), 0)
	return size, err
}

func (ib *InstrumentedBackend) Rename(ctx context.Context, from, to string) error {
	start := time.Now()
	err := ib.backend.Rename(ctx, from, to)
	telemetry.RecordBackendOp(ctx, ib.name, "rename", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) DeletePrefix(ctx context.Context, prefix string) error {
	start := time.Now()
	err := ib.backend.DeletePrefix(ctx, prefix)
	telemetry.RecordBackendOp(ctx, ib.name, "delete_prefix", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Walk(ctx context.Context, prefix string, fn WalkFunc) error {
	start := time.Now()
	var total int64
	err := ib.backend.Walk(ctx, prefix, func(key string, size int64) error {
		total += size
		return fn(key, size)
	})
	telemetry.RecordBackendOp(ctx, ib.name, "walk", outcomeFromError(err), time.Since(start), total)
	return err
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExists):
		return "exists"
	default:
		return "error"
	}
}

// countingReadCloser reports bytes read when closed.
type countingReadCloser struct {
	rc   io.ReadCloser
	n    int64
	err  error
	done func(n int64, err error)
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	c.n += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		c.err = err
	}
	return n, err
}

func (c *countingReadCloser) Close() error {
	err := c.rc.Close()
	if c.done != nil {
		c.done(c.n, c.err)
		c.done = nil
	}
	return err
}

var _ Backend = (*InstrumentedBackend)(nil)
