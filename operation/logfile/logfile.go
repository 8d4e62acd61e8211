// Package logfile implements the log upload operation.
package logfile

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/edgecmd/edgecmd/engine"
	ftstorage "github.com/edgecmd/edgecmd/filetransfer/storage"
	"github.com/edgecmd/edgecmd/log/logkeys"
	"github.com/edgecmd/edgecmd/operation"
	"github.com/edgecmd/edgecmd/topic"
	"github.com/edgecmd/edgecmd/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

const (
	KeyDateFrom = "dateFrom"
	KeyDateTo   = "dateTo"
	KeyLines    = "lines"
)

const (
	// DefaultLines caps the uploaded lines when a request has no limit.
	DefaultLines = 1000

	// MaxLines caps the uploaded lines of any request.
	MaxLines = 100000
)

// Participant uploads log files of a plugin file.
// Plugin file paths may be glob patterns.
type Participant struct {
	plugin  *operation.Plugin
	files   operation.Transferer
	baseURL string
	target  topic.EntityID
	logger  log.Logger
}

type Option func(*Participant)

func WithLogger(logger log.Logger) Option {
	return func(p *Participant) {
		p.logger = logger
	}
}

// WithTarget sets the entity the participant acts for.
func WithTarget(target topic.EntityID) Option {
	return func(p *Participant) {
		p.target = target
	}
}

// New creates a new log upload participant.
func New(plugin *operation.Plugin, files operation.Transferer, baseURL string, opts ...Option) *Participant {
	p := &Participant{
		plugin:  plugin,
		files:   files,
		baseURL: baseURL,
		target:  topic.MainDevice,
		logger:  log.NopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register registers the state handlers of the participant.
func (p *Participant) Register(r operation.Registrar) {
	r.RegisterHandler(workflow.OpLogUpload, workflow.StatusExecuting, engine.StateHandlerFunc(p.Upload))
}

// Start declares the log upload capability with the supported log types.
func (p *Participant) Start(ctx context.Context, d operation.Declarer) error {
	return operation.Declare(ctx, d, p.target, p.plugin.TypesParams(), workflow.OpLogUpload)
}

// Stop withdraws the log upload capability.
func (p *Participant) Stop(ctx context.Context, d operation.Declarer) error {
	return operation.Withdraw(ctx, d, p.target, workflow.OpLogUpload)
}

func parseTime(p workflow.Payload, k string) (time.Time, error) {
	s := p.String(k)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return t, fmt.Errorf("parsing %s: %w", k, err)
	}
	return t, nil
}

// Upload collects the requested log lines and uploads them.
func (p *Participant) Upload(ctx context.Context, cmd *engine.Command) (workflow.Payload, error) {
	if cmd.Target != p.target {
		return nil, nil
	}
	typ := cmd.Payload.String(operation.KeyType)
	f, err := p.plugin.Lookup(typ)
	if err != nil {
		return nil, err
	}
	from, err := parseTime(cmd.Payload, KeyDateFrom)
	if err != nil {
		return nil, err
	}
	to, err := parseTime(cmd.Payload, KeyDateTo)
	if err != nil {
		return nil, err
	}
	lines, ok := cmd.Payload.Int(KeyLines)
	if !ok || lines < 1 {
		lines = DefaultLines
	} else if lines > MaxLines {
		lines = MaxLines
	}

	paths, err := filepath.Glob(f.Path)
	if err != nil {
		return nil, fmt.Errorf("matching %s: %w", f.Path, err)
	}
	if len(paths) < 1 {
		return nil, fmt.Errorf("no log files for %s: %w", typ, os.ErrNotExist)
	}
	sort.Strings(paths)
	content, err := Collect(paths, from, to, lines)
	if err != nil {
		return nil, err
	}

	url := cmd.Payload.String(operation.KeyTedgeURL)
	if url == "" {
		url = operation.FileURL(p.baseURL, ftstorage.ArtifactPath(cmd.Target, cmd.Operation, typ+"-"+cmd.ID))
	}
	if err = p.files.Upload(ctx, url, bytes.NewReader(content)); err != nil {
		return nil, operation.TransferError(err)
	}
	ctxlog.Logger(ctx, p.logger).Debug(
		logkeys.Message, "uploaded log",
		logkeys.CommandID, cmd.ID,
		logkeys.GenericCount, len(paths),
		"url", url,
	)
	return workflow.Payload{
		workflow.KeyStatus:    workflow.StatusSuccessful,
		operation.KeyTedgeURL: url,
	}, nil
}

var lineLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
}

// lineTime parses the timestamp a log line starts with.
func lineTime(line string) (time.Time, bool) {
	fields := strings.Fields(line)
	if len(fields) < 1 {
		return time.Time{}, false
	}
	candidates := []string{strings.Trim(fields[0], "[]")}
	if len(fields) > 1 {
		candidates = append(candidates, strings.Trim(fields[0]+" "+fields[1], "[]"))
	}
	for _, c := range candidates {
		for _, layout := range lineLayouts {
			if t, err := time.Parse(layout, c); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// Collect returns the last limit lines of paths logged between from and to.
// A limit below one collects every line.
// Zero times do not bound the range. Lines without a timestamp share the
// fate of the preceding timestamped line; files without any timestamps
// are collected whole.
func Collect(paths []string, from, to time.Time, limit int) ([]byte, error) {
	var ring []string
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		include := true
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if t, ok := lineTime(line); ok {
				include = (from.IsZero() || !t.Before(from)) && (to.IsZero() || !t.After(to))
			}
			if !include {
				continue
			}
			if limit > 0 && len(ring) >= limit {
				ring = ring[1:]
			}
			ring = append(ring, line)
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	var buf bytes.Buffer
	for _, line := range ring {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
