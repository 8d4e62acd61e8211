// Package diskv implements a file transfer content store backed by diskv.
package diskv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgecmd/edgecmd/filetransfer/storage"

	"github.com/peterbourgon/diskv/v3"
)

// Diskv is a content store that keeps files in a diskv store.
// Keys map onto the directory layout of the content path so stored
// files are directly readable (and seekable) on disk.
type Diskv struct {
	d    *diskv.Diskv
	base string
}

func pathTransform(key string) *diskv.PathKey {
	parts := strings.Split(key, "/")
	return &diskv.PathKey{
		Path:     parts[:len(parts)-1],
		FileName: parts[len(parts)-1],
	}
}

func inversePathTransform(pk *diskv.PathKey) string {
	return strings.Join(append(append([]string{}, pk.Path...), pk.FileName), "/")
}

// New creates a new content store on disk at path.
func New(path string) *Diskv {
	base := filepath.Join(path, "files")
	return &Diskv{
		d: diskv.New(diskv.Options{
			BasePath:          base,
			AdvancedTransform: pathTransform,
			InverseTransform:  inversePathTransform,
			// writes land in TempDir first and are renamed into place.
			TempDir: filepath.Join(path, "tmp"),
		}),
		base: base,
	}
}

type content struct {
	*os.File
	info storage.Info
}

func (c *content) Info() storage.Info {
	return c.info
}

// Open opens the file at p.
func (s *Diskv) Open(_ context.Context, p string) (storage.Content, error) {
	key, err := storage.CleanPath(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.base, filepath.FromSlash(key)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	} else if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return &content{
		File: f,
		info: storage.Info{Path: key, Size: fi.Size(), ModTime: fi.ModTime()},
	}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Put streams r into the store at p.
func (s *Diskv) Put(_ context.Context, p string, r io.Reader) (storage.Info, error) {
	key, err := storage.CleanPath(p)
	if err != nil {
		return storage.Info{}, err
	}
	existed := s.d.Has(key)
	h := sha256.New()
	cr := &countingReader{r: io.TeeReader(r, h)}
	if err = s.d.WriteStream(key, cr, true); err != nil {
		return storage.Info{}, storage.FullError(err)
	}
	return storage.Info{
		Path:    key,
		Size:    cr.n,
		ModTime: time.Now(),
		SHA256:  hex.EncodeToString(h.Sum(nil)),
		Created: !existed,
	}, nil
}

// Delete erases the file at p.
func (s *Diskv) Delete(_ context.Context, p string) error {
	key, err := storage.CleanPath(p)
	if err != nil {
		return err
	}
	if err = s.d.Erase(key); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
