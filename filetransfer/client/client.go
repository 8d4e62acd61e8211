// Package client transfers files to and from a file transfer service.
package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/edgecmd/edgecmd/log/logkeys"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	// ErrTransient marks failures that may succeed when retried:
	// timeouts, network errors and server errors.
	ErrTransient = errors.New("transient transfer error")

	ErrNotFound         = errors.New("remote file not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrStorageFull      = errors.New("remote storage full")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// DefaultTimeout bounds a single transfer.
const DefaultTimeout = 5 * time.Minute

// partSuffix is appended to download destinations while in progress.
const partSuffix = ".part"

// PartialPath returns the path of the partial download of dst.
func PartialPath(dst string) string {
	return dst + partSuffix
}

// Client uploads, downloads and deletes files over HTTP.
type Client struct {
	client  *http.Client
	timeout time.Duration
	logger  log.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithTimeout sets the per transfer timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithLogger sets the client logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a new file transfer client.
func New(opts ...Option) *Client {
	c := &Client{
		client:  http.DefaultClient,
		timeout: DefaultTimeout,
		logger:  log.NopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// statusError classifies an unsuccessful HTTP response.
func statusError(resp *http.Response) error {
	var err error
	switch code := resp.StatusCode; {
	case code == http.StatusNotFound:
		err = ErrNotFound
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		err = ErrPermissionDenied
	case code == http.StatusInsufficientStorage:
		err = ErrStorageFull
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		err = ErrTransient
	default:
		return fmt.Errorf("unexpected HTTP status: %s", resp.Status)
	}
	return fmt.Errorf("%w: HTTP status: %s", err, resp.Status)
}

// transportError marks network and timeout errors as transient.
func transportError(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, transportError(err)
	}
	return resp, nil
}

// Upload stores the content of r at url.
func (c *Client) Upload(ctx context.Context, url string, r io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.do(ctx, req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload %s: %w", url, statusError(resp))
	}
	ctxlog.Logger(ctx, c.logger).Debug(logkeys.Message, "uploaded", "url", url)
	return nil
}

// UploadFile uploads the file at path to url.
func (c *Client) UploadFile(ctx context.Context, url, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.Upload(ctx, url, f)
}

// Delete deletes the file at url.
// A missing remote file is not an error.
func (c *Client) Delete(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("delete %s: %w", url, statusError(resp))
	}
	return nil
}

// Download fetches url into dst.
//
// Content is written to dst with a ".part" suffix first. When such a
// partial file exists from a previous attempt the download is resumed
// with a range request. The complete file is verified against the hex
// encoded sha256 checksum (if not empty) and renamed to dst.
// Partial files are kept on transient errors.
func (c *Client) Download(ctx context.Context, url, dst, checksum string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	logger := ctxlog.Logger(ctx, c.logger).With("url", url, logkeys.Path, dst)

	part := PartialPath(dst)
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if !strings.HasPrefix(resp.Header.Get("Content-Range"), fmt.Sprintf("bytes %d-", offset)) {
			return fmt.Errorf("download %s: %w: unexpected content range %q", url, ErrTransient, resp.Header.Get("Content-Range"))
		}
		logger.Debug(logkeys.Message, "resuming download", "offset", offset)
	case http.StatusOK:
		// the server ignored the range, start over.
		if err = f.Truncate(0); err != nil {
			return err
		}
		if _, err = f.Seek(0, io.SeekStart); err != nil {
			return err
		}
	case http.StatusRequestedRangeNotSatisfiable:
		// the remote file changed or the partial file is complete.
		// start over on the next attempt.
		f.Close()
		os.Remove(part)
		return fmt.Errorf("download %s: %w: range not satisfiable", url, ErrTransient)
	default:
		return fmt.Errorf("download %s: %w", url, statusError(resp))
	}

	if _, err = io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("download %s: %w", url, transportError(err))
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}

	if checksum != "" {
		if err = verify(part, checksum); err != nil {
			os.Remove(part)
			return fmt.Errorf("download %s: %w", url, err)
		}
	}
	if err = os.Rename(part, dst); err != nil {
		return err
	}
	logger.Debug(logkeys.Message, "downloaded")
	return nil
}

func verify(path, checksum string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha256.New()
	if _, err = io.Copy(h, f); err != nil {
		return err
	}
	if have := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(have, checksum) {
		return fmt.Errorf("%w: have %s, want %s", ErrChecksumMismatch, have, checksum)
	}
	return nil
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
