// Package test provides a conformance suite for file transfer content stores.
package test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/edgecmd/edgecmd/filetransfer/storage"
)

func get(t *testing.T, s storage.Storage, p string) []byte {
	t.Helper()
	c, err := s.Open(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	b, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// chunkedReader returns its content in small reads to widen the write window.
type chunkedReader struct {
	b []byte
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := 512
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.b) {
		n = len(r.b)
	}
	copy(p, r.b[:n])
	r.b = r.b[n:]
	return n, nil
}

func TestStorage(t *testing.T, newStorage func() storage.Storage) {
	s := newStorage()
	ctx := context.Background()

	t.Run("put-get", func(t *testing.T) {
		const p = "sensor1/config_snapshot/config1"
		raw := []byte("listener 1883\n")
		info, err := s.Put(ctx, p, bytes.NewReader(raw))
		if err != nil {
			t.Fatal(err)
		}
		if !info.Created {
			t.Error("expected created")
		}
		if have, want := info.Size, int64(len(raw)); have != want {
			t.Errorf("size: have: %d, want: %d", have, want)
		}
		sum := sha256.Sum256(raw)
		if have, want := info.SHA256, hex.EncodeToString(sum[:]); have != want {
			t.Errorf("sha256: have: %s, want: %s", have, want)
		}
		if have, want := get(t, s, p), raw; !bytes.Equal(have, want) {
			t.Errorf("have: %q, want: %q", have, want)
		}

		// overwrite
		raw = []byte("listener 8883\n")
		if info, err = s.Put(ctx, p, bytes.NewReader(raw)); err != nil {
			t.Fatal(err)
		}
		if info.Created {
			t.Error("expected overwrite")
		}
		if have, want := get(t, s, "sensor1/./config_snapshot/config1"), raw; !bytes.Equal(have, want) {
			t.Errorf("have: %q, want: %q", have, want)
		}
	})

	t.Run("seek", func(t *testing.T) {
		const p = "seek/file"
		if _, err := s.Put(ctx, p, bytes.NewReader([]byte("0123456789"))); err != nil {
			t.Fatal(err)
		}
		c, err := s.Open(ctx, p)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		if have, want := c.Info().Size, int64(10); have != want {
			t.Errorf("size: have: %d, want: %d", have, want)
		}
		if _, err = c.Seek(6, io.SeekStart); err != nil {
			t.Fatal(err)
		}
		b, err := io.ReadAll(c)
		if err != nil {
			t.Fatal(err)
		}
		if have, want := string(b), "6789"; have != want {
			t.Errorf("have: %q, want: %q", have, want)
		}
	})

	t.Run("delete", func(t *testing.T) {
		const p = "child1/log_upload/mosquitto"
		if _, err := s.Put(ctx, p, bytes.NewReader([]byte("log"))); err != nil {
			t.Fatal(err)
		}
		if err := s.Delete(ctx, p); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Open(ctx, p); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, have: %v", err)
		}
		// idempotent
		if err := s.Delete(ctx, p); err != nil {
			t.Errorf("second delete: %v", err)
		}
	})

	t.Run("not-found", func(t *testing.T) {
		if _, err := s.Open(ctx, "does/not/exist"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, have: %v", err)
		}
	})

	t.Run("confinement", func(t *testing.T) {
		for _, p := range []string{
			"../escape",
			"a/../../escape",
			"/etc/passwd",
			"",
			"..",
		} {
			if _, err := s.Put(ctx, p, bytes.NewReader([]byte("x"))); !errors.Is(err, storage.ErrPermissionDenied) {
				t.Errorf("put %q: expected ErrPermissionDenied, have: %v", p, err)
			}
			if _, err := s.Open(ctx, p); !errors.Is(err, storage.ErrPermissionDenied) {
				t.Errorf("open %q: expected ErrPermissionDenied, have: %v", p, err)
			}
			if err := s.Delete(ctx, p); !errors.Is(err, storage.ErrPermissionDenied) {
				t.Errorf("delete %q: expected ErrPermissionDenied, have: %v", p, err)
			}
		}
	})

	t.Run("atomic", func(t *testing.T) {
		const p = "main/firmware_update/image"
		const size = 64 * 1024
		a := bytes.Repeat([]byte{'a'}, size)
		b := bytes.Repeat([]byte{'b'}, size)
		if _, err := s.Put(ctx, p, bytes.NewReader(a)); err != nil {
			t.Fatal(err)
		}

		done := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(done)
			for i := 0; i < 20; i++ {
				content := a
				if i%2 == 0 {
					content = b
				}
				if _, err := s.Put(ctx, p, &chunkedReader{b: content}); err != nil {
					t.Error(err)
					return
				}
			}
		}()

		for reads := 0; ; reads++ {
			select {
			case <-done:
				wg.Wait()
				return
			default:
			}
			have := get(t, s, p)
			if len(have) != size || (!bytes.Equal(have, a) && !bytes.Equal(have, b)) {
				t.Errorf("read %d: partial or mixed content (%d bytes)", reads, len(have))
				wg.Wait()
				return
			}
		}
	})
}
