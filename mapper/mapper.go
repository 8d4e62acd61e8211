// Package mapper is the integration surface for cloud adapters.
//
// A cloud adapter translates cloud specific operation requests into a
// Request and hands it to the Proxy. The Proxy creates the command on
// the bus, follows it to its terminal state reporting every state to a
// Reporter, and then clears it: the requester owns the cleanup.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/edgecmd/edgecmd/log/logkeys"
	"github.com/edgecmd/edgecmd/topic"
	"github.com/edgecmd/edgecmd/workflow"

	"github.com/micromdm/nanolib/log"
)

var ErrMissingOperation = errors.New("missing operation")

// Request is an operation request from a cloud adapter.
type Request struct {
	Target    topic.EntityID   `json:"target"`
	Operation string           `json:"operation"`
	Payload   workflow.Payload `json:"payload,omitempty"`

	// ExternalID is the identifier of the operation in the cloud.
	ExternalID string `json:"external_id,omitempty"`
}

// Validate checks for missing values.
func (r *Request) Validate() error {
	if r.Operation == "" {
		return ErrMissingOperation
	}
	if r.Target == "" {
		r.Target = topic.MainDevice
	}
	_, err := topic.ParseEntityID(string(r.Target))
	return err
}

// Report is a single command state reported back to the cloud.
type Report struct {
	Request
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`

	// Stuck is set for commands that exceeded the timeout of their state.
	Stuck bool `json:"stuck,omitempty"`
}

// Reporter receives the states of submitted commands.
type Reporter interface {
	ReportState(ctx context.Context, r *Report) error
}

// ReporterFunc adapts a func to a Reporter.
type ReporterFunc func(ctx context.Context, r *Report) error

// ReportState calls f(ctx, r).
func (f ReporterFunc) ReportState(ctx context.Context, r *Report) error {
	return f(ctx, r)
}

// Requester creates and follows commands.
type Requester interface {
	CreateCommand(ctx context.Context, target topic.EntityID, op string, payload workflow.Payload) (string, error)
	Observe(ctx context.Context, target topic.EntityID, op, id string) (<-chan workflow.Payload, error)
	Clear(ctx context.Context, target topic.EntityID, op, id string) error
}

// Proxy submits cloud requests as commands.
type Proxy struct {
	req      Requester
	reporter Reporter
	logger   log.Logger
	clear    bool

	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

type Option func(*Proxy)

// WithLogger sets the proxy logger.
func WithLogger(logger log.Logger) Option {
	return func(p *Proxy) {
		p.logger = logger
	}
}

// WithClear configures whether terminal commands are cleared.
// Clearing is on by default.
func WithClear(clear bool) Option {
	return func(p *Proxy) {
		p.clear = clear
	}
}

// NewProxy creates a new proxy reporting to reporter.
func NewProxy(req Requester, reporter Reporter, opts ...Option) *Proxy {
	p := &Proxy{
		req:      req,
		reporter: reporter,
		logger:   log.NopLogger,
		clear:    true,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.baseCtx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Submit creates the command for r and follows it in the background.
// The id of the new command is returned.
func (p *Proxy) Submit(ctx context.Context, r *Request) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	id, err := p.req.CreateCommand(ctx, r.Target, r.Operation, r.Payload)
	if err != nil {
		return "", fmt.Errorf("creating command: %w", err)
	}
	states, err := p.req.Observe(p.baseCtx, r.Target, r.Operation, id)
	if err != nil {
		return id, fmt.Errorf("observing command: %w", err)
	}

	logger := p.logger.With(
		logkeys.Entity, r.Target,
		logkeys.Operation, r.Operation,
		logkeys.CommandID, id,
		"external_id", r.ExternalID,
	)
	logger.Debug(logkeys.Message, "submitted command")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.follow(logger, *r, id, states)
	}()
	return id, nil
}

func (p *Proxy) follow(logger log.Logger, r Request, id string, states <-chan workflow.Payload) {
	var terminal bool
	for state := range states {
		report := &Report{
			Request:   r,
			CommandID: id,
			Status:    state.Status(),
			Reason:    state.Reason(),
		}
		report.Payload = state
		if err := p.reporter.ReportState(p.baseCtx, report); err != nil {
			logger.Info(logkeys.Message, "reporting state", logkeys.Status, report.Status, logkeys.Error, err)
		}
		terminal = workflow.IsTerminal(report.Status)
	}
	if !terminal || !p.clear {
		return
	}
	if err := p.req.Clear(p.baseCtx, r.Target, r.Operation, id); err != nil {
		logger.Info(logkeys.Message, "clearing command", logkeys.Error, err)
		return
	}
	logger.Debug(logkeys.Message, "cleared command")
}

// Close stops following commands and waits for pending reports.
func (p *Proxy) Close() {
	p.cancel()
	p.wg.Wait()
}

// Wait waits for all followed commands to finish.
func (p *Proxy) Wait() {
	p.wg.Wait()
}
