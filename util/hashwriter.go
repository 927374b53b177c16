package util

import (
	"bytes"
	"crypto/sha256"
	"hash"
	"io"
)

// A HashWriter wraps an io.Writer and also calculates the SHA-256 hash of the
// bytes written. It is used by the blob stores to confirm content digests
// while an upload is streamed through.
type HashWriter struct {
	io.Writer // our io.MultiWriter
	sha256    hash.Hash
}

// NewHashWriter returns a HashWriter wrapping w.
func NewHashWriter(w io.Writer) *HashWriter {
	hw := &HashWriter{
		sha256: sha256.New(),
	}
	hw.Writer = io.MultiWriter(w, hw.sha256)
	return hw
}

// NewHashWriterPlain returns a HashWriter that does not wrap an output
// stream. It will just compute the checksum of the data written to it.
func NewHashWriterPlain() *HashWriter {
	hw := &HashWriter{
		sha256: sha256.New(),
	}
	hw.Writer = hw.sha256
	return hw
}

// Sum returns the SHA-256 hash of the bytes written so far.
func (hw *HashWriter) Sum() []byte {
	return hw.sha256.Sum(nil)
}

// Check returns the SHA-256 hash for this writer, and compares it for
// equality with the goal hash passed in. Returns true if goal matches the
// hash, false otherwise. If the goal is empty then it is treated as matching,
// and true is returned.
func (hw *HashWriter) Check(goal []byte) ([]byte, bool) {
	computed := hw.sha256.Sum(nil)
	ok := len(goal) == 0 || bytes.Equal(goal, computed)
	return computed, ok
}

// VerifyStreamHash checksums the given io.Reader and compares the checksum
// against the provided SHA-256 digest. It returns true if everything matches.
// Pass in an empty slice to skip verification. The reader is not closed when
// finished.
func VerifyStreamHash(r io.Reader, goal []byte) (bool, error) {
	if len(goal) == 0 {
		return true, nil
	}
	hw := NewHashWriterPlain()
	_, err := io.Copy(hw, r)
	_, ok := hw.Check(goal)
	return ok, err
}
