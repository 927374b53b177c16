package store

import (
	"context"
	"crypto/sha256"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestFS(t *testing.T) (*FileSystem, string) {
	dir, err := ioutil.TempDir("", "fs-store-test-")
	if err != nil {
		t.Fatalf("received %s, expected nil", err.Error())
	}
	return NewFileSystem(dir), dir
}

func TestFileSystemRoundTrip(t *testing.T) {
	fs, dir := newTestFS(t)
	defer os.RemoveAll(dir)
	ctx := context.Background()
	content := "scanned receipt bytes"
	goal := sha256.Sum256([]byte(content))

	n, sum, err := fs.Put(ctx, "po-1/att-1", "image/png", strings.NewReader(content), goal[:])
	if err != nil {
		t.Fatalf("received %s, expected nil", err.Error())
	}
	if n != int64(len(content)) {
		t.Errorf("Put stored %d bytes, expected %d", n, len(content))
	}
	if string(sum) != string(goal[:]) {
		t.Errorf("Put computed %x, expected %x", sum, goal)
	}

	rc, size, err := fs.Open(ctx, "po-1/att-1")
	if err != nil {
		t.Fatalf("received %s, expected nil", err.Error())
	}
	data, _ := ioutil.ReadAll(rc)
	rc.Close()
	if string(data) != content {
		t.Errorf("Read %q, expected %q", string(data), content)
	}
	if size != int64(len(content)) {
		t.Errorf("Open returned size %d, expected %d", size, len(content))
	}

	if err = fs.Delete(ctx, "po-1/att-1"); err != nil {
		t.Errorf("received %s, expected nil", err.Error())
	}
	if _, _, err = fs.Open(ctx, "po-1/att-1"); err != ErrNotFound {
		t.Errorf("received %v, expected ErrNotFound", err)
	}
	// a second delete is not an error
	if err = fs.Delete(ctx, "po-1/att-1"); err != nil {
		t.Errorf("received %s, expected nil", err.Error())
	}
}

func TestFileSystemHashMismatch(t *testing.T) {
	fs, dir := newTestFS(t)
	defer os.RemoveAll(dir)
	ctx := context.Background()
	wrong := sha256.Sum256([]byte("something else"))

	_, _, err := fs.Put(ctx, "po-1/att-1", "", strings.NewReader("content"), wrong[:])
	if err != ErrHashMismatch {
		t.Fatalf("received %v, expected ErrHashMismatch", err)
	}
	// no file under the key and no scratch file left behind
	if _, _, err = fs.Open(ctx, "po-1/att-1"); err != ErrNotFound {
		t.Errorf("received %v, expected ErrNotFound", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "scratch-*"))
	if len(matches) != 0 {
		t.Errorf("scratch files left behind: %v", matches)
	}
}

func TestFileSystemSignURL(t *testing.T) {
	fs, dir := newTestFS(t)
	defer os.RemoveAll(dir)
	ctx := context.Background()
	fs.Put(ctx, "po-1/att-1", "", strings.NewReader("x"), nil)

	if _, err := fs.SignURL("po-1/att-1", 0); err != ErrInvalidTTL {
		t.Errorf("received %v, expected ErrInvalidTTL", err)
	}
	if _, err := fs.SignURL("missing", time.Minute); err != ErrNotFound {
		t.Errorf("received %v, expected ErrNotFound", err)
	}

	url, err := fs.SignURL("po-1/att-1", 5*time.Minute)
	if err != nil {
		t.Fatalf("received %s, expected nil", err.Error())
	}
	if !strings.HasPrefix(url, "file:") {
		t.Errorf("received %s, expected a file: url", url)
	}
	if !strings.Contains(url, "expires=") {
		t.Errorf("no expiry in url %s", url)
	}
}

func TestFileSystemListPrefix(t *testing.T) {
	fs, dir := newTestFS(t)
	defer os.RemoveAll(dir)
	ctx := context.Background()
	fs.Put(ctx, "po-1/a", "", strings.NewReader("1"), nil)
	fs.Put(ctx, "po-1/b", "", strings.NewReader("2"), nil)
	fs.Put(ctx, "po-2/c", "", strings.NewReader("3"), nil)

	keys, err := fs.ListPrefix(ctx, "po-1/")
	if err != nil {
		t.Fatalf("received %s, expected nil", err.Error())
	}
	if len(keys) != 2 {
		t.Errorf("received %v, expected 2 keys", keys)
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, "po-1/") {
			t.Errorf("key %s does not have prefix po-1/", k)
		}
	}
}
