package mapper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/edgecmd/edgecmd/engine"
	"github.com/edgecmd/edgecmd/engine/storage"

	"github.com/goccy/go-json"
	"github.com/micromdm/nanolib/log"
)

// HTTPReporter posts state reports as JSON to a callback URL.
type HTTPReporter struct {
	url    string
	client *http.Client
	logger log.Logger
}

type HTTPReporterOption func(*HTTPReporter)

// WithHTTPClient configures the HTTP client used for callbacks.
func WithHTTPClient(client *http.Client) HTTPReporterOption {
	return func(r *HTTPReporter) {
		r.client = client
	}
}

// WithReporterLogger sets the reporter logger.
func WithReporterLogger(logger log.Logger) HTTPReporterOption {
	return func(r *HTTPReporter) {
		r.logger = logger
	}
}

// NewHTTPReporter creates a new reporter posting to url.
func NewHTTPReporter(url string, opts ...HTTPReporterOption) *HTTPReporter {
	r := &HTTPReporter{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: log.NopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReportState posts report to the callback URL.
func (r *HTTPReporter) ReportState(ctx context.Context, report *Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("report callback: unexpected HTTP status: %s", resp.Status)
	}
	io.Copy(io.Discard, resp.Body)
	r.logger.Debug("msg", "reported state", "command_id", report.CommandID, "status", report.Status)
	return nil
}

// ReportDumper is a Reporter middleware that dumps reports to an output writer.
type ReportDumper struct {
	next   Reporter
	mu     sync.Mutex
	output io.Writer
}

func NewReportDumper(next Reporter, output io.Writer) *ReportDumper {
	return &ReportDumper{next: next, output: output}
}

// ReportState dumps the report as a JSON line and reports to the next reporter.
func (d *ReportDumper) ReportState(ctx context.Context, r *Report) error {
	if b, err := json.Marshal(r); err == nil {
		d.mu.Lock()
		d.output.Write(append(b, '\n'))
		d.mu.Unlock()
	}
	if d.next == nil {
		return nil
	}
	return d.next.ReportState(ctx, r)
}

// StuckReporter reports stuck commands to a Reporter.
// It is meant to be used as an engine worker stuck notifier.
type StuckReporter struct {
	Reporter
}

// NotifyStuck reports c as stuck in its current state.
func (r *StuckReporter) NotifyStuck(ctx context.Context, c *storage.Command) error {
	return r.ReportState(ctx, &Report{
		Request:   Request{Target: c.Target, Operation: c.Operation},
		CommandID: c.ID,
		Status:    c.Status,
		Reason:    engine.ErrStale.Error(),
		Stuck:     true,
	})
}
