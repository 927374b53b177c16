package store

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ivlib/docket/util"
)

// FileSystem is a file based store, for development servers that want
// durability without an S3 service. Keys become paths below the root, so the
// record/attachment key shape maps onto one directory per record.
//
// Signed URLs are file: URLs with the expiry in the query string. They are
// enough for something on the same machine; production wants the S3 store.
type FileSystem struct {
	root string
}

var _ Store = &FileSystem{}

// NewFileSystem creates a FileSystem store based at the given root path.
func NewFileSystem(root string) *FileSystem {
	return &FileSystem{root: root}
}

func (fs *FileSystem) path(key string) string {
	return filepath.Join(fs.root, filepath.FromSlash(key))
}

// Put writes the content of r to a scratch file, verifies it, and renames it
// into place. A failed upload never leaves a partial file under the key.
func (fs *FileSystem) Put(ctx context.Context, key, contentType string, r io.Reader, expect []byte) (int64, []byte, error) {
	target := fs.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, nil, err
	}
	tmp, err := ioutil.TempFile(fs.root, "scratch-")
	if err != nil {
		return 0, nil, err
	}
	defer os.Remove(tmp.Name())
	hw := util.NewHashWriter(tmp)
	n, err := io.Copy(hw, r)
	if err != nil {
		tmp.Close()
		return 0, nil, err
	}
	if err = tmp.Close(); err != nil {
		return 0, nil, err
	}
	sum, ok := hw.Check(expect)
	if !ok {
		return n, sum, ErrHashMismatch
	}
	if err = os.Rename(tmp.Name(), target); err != nil {
		return 0, nil, err
	}
	return n, sum, nil
}

// Open returns a reader over the content stored at the given key.
func (fs *FileSystem) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	f, err := os.Open(fs.path(key))
	if os.IsNotExist(err) {
		return nil, 0, ErrNotFound
	} else if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// Delete the given key from the store. It is not an error if the item does
// not exist in the store.
func (fs *FileSystem) Delete(ctx context.Context, key string) error {
	err := os.Remove(fs.path(key))
	if os.IsNotExist(err) {
		err = nil
	}
	return err
}

// SignURL returns a file: URL with the expiry embedded in it.
func (fs *FileSystem) SignURL(key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", ErrInvalidTTL
	}
	abs, err := filepath.Abs(fs.path(key))
	if err != nil {
		return "", err
	}
	if _, err = os.Stat(abs); os.IsNotExist(err) {
		return "", ErrNotFound
	} else if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return fmt.Sprintf("%s?expires=%d", u.String(), time.Now().Add(ttl).Unix()), nil
}

// ListPrefix returns all the key entries which begin with the given prefix.
func (fs *FileSystem) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	var result []string
	err := filepath.Walk(fs.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), "scratch-") {
			return nil
		}
		rel, err := filepath.Rel(fs.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			result = append(result, key)
		}
		return nil
	})
	if os.IsNotExist(err) {
		err = nil
	}
	return result, err
}
