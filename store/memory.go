package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"strings"
	"sync"
	"time"

	"github.com/ivlib/docket/util"
)

// Memory implements a simple in-memory version of a store. It is intended
// mainly for testing, and for running a development server with no S3
// service available.
type Memory struct {
	m     sync.RWMutex
	store map[string]memoryBlob
}

type memoryBlob struct {
	data        []byte
	sha256      []byte
	contentType string
}

var _ Store = &Memory{}

// NewMemory returns a new, empty memory store.
func NewMemory() *Memory {
	return &Memory{store: make(map[string]memoryBlob)}
}

// Put stores the content of r under the given key. Any previous content is
// replaced.
func (ms *Memory) Put(ctx context.Context, key, contentType string, r io.Reader, expect []byte) (int64, []byte, error) {
	var buf bytes.Buffer
	hw := util.NewHashWriter(&buf)
	n, err := io.Copy(hw, r)
	if err != nil {
		return 0, nil, err
	}
	sum, ok := hw.Check(expect)
	if !ok {
		return n, sum, ErrHashMismatch
	}
	ms.m.Lock()
	ms.store[key] = memoryBlob{data: buf.Bytes(), sha256: sum, contentType: contentType}
	ms.m.Unlock()
	return n, sum, nil
}

// Open returns a reader over the content stored at the given key.
func (ms *Memory) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	ms.m.RLock()
	b, ok := ms.store[key]
	ms.m.RUnlock()
	if !ok {
		return nil, 0, ErrNotFound
	}
	return ioutil.NopCloser(bytes.NewReader(b.data)), int64(len(b.data)), nil
}

// Delete the given key from the store. It is not an error if the item does
// not exist in the store.
func (ms *Memory) Delete(ctx context.Context, key string) error {
	ms.m.Lock()
	delete(ms.store, key)
	ms.m.Unlock()
	return nil
}

// SignURL returns a fake signed URL with the expiration time embedded in it.
// The URL is enough for tests to check the key and timing behavior, but does
// not grant access to anything.
func (ms *Memory) SignURL(key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", ErrInvalidTTL
	}
	ms.m.RLock()
	_, ok := ms.store[key]
	ms.m.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	return fmt.Sprintf("memory:///%s?expires=%d", key, time.Now().Add(ttl).Unix()), nil
}

// ListPrefix returns all the key entries which begin with the given prefix.
func (ms *Memory) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	var result []string
	ms.m.RLock()
	for k := range ms.store {
		if strings.HasPrefix(k, prefix) {
			result = append(result, k)
		}
	}
	ms.m.RUnlock()
	return result, nil
}
