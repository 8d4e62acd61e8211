// Package fs implements a file transfer content store in a plain directory.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/edgecmd/edgecmd/filetransfer/storage"
)

// tmpPrefix prefixes in-progress uploads next to their destination.
const tmpPrefix = ".upload-"

// FS stores files below a root directory.
type FS struct {
	root string
}

// New creates a new store at root, creating the directory if needed.
func New(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &FS{root: root}, nil
}

func (s *FS) resolve(p string) (string, string, error) {
	clean, err := storage.CleanPath(p)
	if err != nil {
		return "", "", err
	}
	return clean, filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

type content struct {
	*os.File
	info storage.Info
}

func (c *content) Info() storage.Info {
	return c.info
}

// Open opens the file at p.
func (s *FS) Open(_ context.Context, p string) (storage.Content, error) {
	clean, full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, clean)
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
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, clean)
	}
	return &content{
		File: f,
		info: storage.Info{Path: clean, Size: fi.Size(), ModTime: fi.ModTime()},
	}, nil
}

// Put writes r to a temporary file in the destination directory and
// renames it over the destination.
func (s *FS) Put(_ context.Context, p string, r io.Reader) (storage.Info, error) {
	clean, full, err := s.resolve(p)
	if err != nil {
		return storage.Info{}, err
	}
	dir := filepath.Dir(full)
	if err = os.MkdirAll(dir, 0755); err != nil {
		return storage.Info{}, storage.FullError(err)
	}
	f, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return storage.Info{}, storage.FullError(err)
	}
	defer os.Remove(f.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return storage.Info{}, storage.FullError(err)
	}

	_, statErr := os.Stat(full)
	if err = os.Rename(f.Name(), full); err != nil {
		return storage.Info{}, err
	}
	return storage.Info{
		Path:    clean,
		Size:    n,
		ModTime: time.Now(),
		SHA256:  hex.EncodeToString(h.Sum(nil)),
		Created: errors.Is(statErr, os.ErrNotExist),
	}, nil
}

// Delete removes the file at p.
func (s *FS) Delete(_ context.Context, p string) error {
	_, full, err := s.resolve(p)
	if err != nil {
		return err
	}
	fi, err := os.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	if fi.IsDir() {
		return storage.ErrPermissionDenied
	}
	if err = os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
