// Package storage defines types and methods for a file transfer content store.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/edgecmd/edgecmd/topic"
)

var (
	ErrNotFound         = errors.New("file not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrStorageFull      = errors.New("storage full")
)

// Info is metadata about a stored file.
type Info struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`

	// SHA256 is the hex encoded checksum of the content when known.
	SHA256 string `json:"sha256,omitempty"`

	// Created is set by Put when no file existed at Path before.
	Created bool `json:"-"`
}

// Content is an open stored file.
type Content interface {
	io.ReadSeekCloser
	Info() Info
}

type ReadStorage interface {
	// Open opens the file at path for reading.
	// ErrNotFound is returned for a path that hasn't been stored.
	Open(ctx context.Context, path string) (Content, error)
}

type Storage interface {
	ReadStorage

	// Put stores the content of r at path.
	// Readers of path observe either the previous or the complete new
	// content, never a partial write. The last writer wins.
	Put(ctx context.Context, path string, r io.Reader) (Info, error)

	// Delete deletes the file at path.
	// Deleting a path that hasn't been stored is not an error.
	Delete(ctx context.Context, path string) error
}

// CleanPath confines p to the content namespace and returns its clean,
// slash separated form. ErrPermissionDenied is returned for empty and
// absolute paths, paths containing NUL bytes or backslashes and paths
// that resolve outside of the namespace.
func CleanPath(p string) (string, error) {
	if p == "" || strings.ContainsAny(p, "\x00\\") {
		return "", ErrPermissionDenied
	}
	if strings.HasPrefix(p, "/") || (len(p) > 1 && p[1] == ':') {
		return "", ErrPermissionDenied
	}
	c := path.Clean(p)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", ErrPermissionDenied
	}
	return c, nil
}

// ArtifactPath returns the path of a cached artifact: resource of
// operation for target, e.g. "sensor1/config_snapshot/config1".
func ArtifactPath(target topic.EntityID, operation, resource string) string {
	return path.Join(target.Slug(), operation, resource)
}

// FullError maps out of space errors to ErrStorageFull.
// Other errors are returned unchanged.
func FullError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) || strings.Contains(err.Error(), syscall.ENOSPC.Error()) {
		return ErrStorageFull
	}
	return err
}
