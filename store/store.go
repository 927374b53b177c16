// Package store provides a narrow, goroutine safe interface to a blob store
// holding document content. Values are streams, so large documents can be
// stored without buffering them in memory.
//
// The S3 implementation is the one used in production. The Memory store is
// useful for testing and for running a throwaway development server.
//
// The store has no business semantics. Keys are opaque paths chosen by the
// caller, and the store never decides when something should be deleted.
package store

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when a key has no content in the store.
	ErrNotFound = errors.New("key does not exist")

	// ErrHashMismatch is returned by Put when the uploaded content does
	// not match the expected SHA-256 digest. The partial upload is removed
	// before Put returns.
	ErrHashMismatch = errors.New("content hash mismatch")

	// ErrInvalidTTL is returned by SignURL for nonpositive durations.
	ErrInvalidTTL = errors.New("invalid ttl")
)

// Store is the interface to a blob store.
//
// Put writes the content of r under the given key, overwriting any previous
// content. It returns the number of bytes stored and their SHA-256 digest.
// If expect is not empty and the computed digest differs, the upload is
// removed and ErrHashMismatch returned. Retrying a Put with the same key and
// content is safe.
//
// Delete tolerates missing keys: removing something that does not exist is
// a success.
//
// SignURL returns a presigned GET URL for the key which is valid for the
// given length of time. The URL is self-contained; the signing process does
// not need to be reachable when the URL is later used.
type Store interface {
	Put(ctx context.Context, key, contentType string, r io.Reader, expect []byte) (int64, []byte, error)
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, key string) error
	SignURL(key string, ttl time.Duration) (string, error)
	ListPrefix(ctx context.Context, prefix string) ([]string, error)
}
