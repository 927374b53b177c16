package store

import (
	"context"
	"crypto/sha256"
	"io/ioutil"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestMemoryRoundTrip(t *testing.T) {
	ms := NewMemory()
	ctx := context.Background()
	content := "some pdf bytes, allegedly"
	goal := sha256.Sum256([]byte(content))

	n, sum, err := ms.Put(ctx, "po-1/att-1", "application/pdf", strings.NewReader(content), nil)
	if err != nil {
		t.Fatalf("received %s, expected nil", err.Error())
	}
	if n != int64(len(content)) {
		t.Errorf("Put stored %d bytes, expected %d", n, len(content))
	}
	if string(sum) != string(goal[:]) {
		t.Errorf("Put computed %x, expected %x", sum, goal)
	}

	rc, size, err := ms.Open(ctx, "po-1/att-1")
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
}

func TestMemoryHashMismatch(t *testing.T) {
	ms := NewMemory()
	ctx := context.Background()
	wrong := sha256.Sum256([]byte("something else"))

	_, _, err := ms.Put(ctx, "k", "", strings.NewReader("content"), wrong[:])
	if err != ErrHashMismatch {
		t.Fatalf("received %v, expected ErrHashMismatch", err)
	}
	// nothing should have been stored
	if _, _, err := ms.Open(ctx, "k"); err != ErrNotFound {
		t.Errorf("received %v, expected ErrNotFound", err)
	}
}

func TestMemoryDeleteMissing(t *testing.T) {
	ms := NewMemory()
	// deleting a key that was never stored is not an error
	if err := ms.Delete(context.Background(), "nothing"); err != nil {
		t.Errorf("received %s, expected nil", err.Error())
	}
}

func TestMemorySignURL(t *testing.T) {
	ms := NewMemory()
	ctx := context.Background()
	ms.Put(ctx, "po-1/att-1", "", strings.NewReader("x"), nil)

	if _, err := ms.SignURL("po-1/att-1", 0); err != ErrInvalidTTL {
		t.Errorf("received %v, expected ErrInvalidTTL", err)
	}
	if _, err := ms.SignURL("missing", time.Minute); err != ErrNotFound {
		t.Errorf("received %v, expected ErrNotFound", err)
	}

	url, err := ms.SignURL("po-1/att-1", 5*time.Minute)
	if err != nil {
		t.Fatalf("received %s, expected nil", err.Error())
	}
	i := strings.Index(url, "expires=")
	if i == -1 {
		t.Fatalf("no expiry in url %s", url)
	}
	exp, err := strconv.ParseInt(url[i+len("expires="):], 10, 64)
	if err != nil {
		t.Fatalf("bad expiry in url %s", url)
	}
	want := time.Now().Add(5 * time.Minute).Unix()
	if exp < want-2 || exp > want+2 {
		t.Errorf("url expires at %d, expected about %d", exp, want)
	}
}

func TestMemoryListPrefix(t *testing.T) {
	ms := NewMemory()
	ctx := context.Background()
	ms.Put(ctx, "po-1/a", "", strings.NewReader("1"), nil)
	ms.Put(ctx, "po-1/b", "", strings.NewReader("2"), nil)
	ms.Put(ctx, "po-2/c", "", strings.NewReader("3"), nil)

	keys, err := ms.ListPrefix(ctx, "po-1/")
	if err != nil {
		t.Fatalf("received %s, expected nil", err.Error())
	}
	if len(keys) != 2 {
		t.Errorf("received %v, expected 2 keys", keys)
	}
}
