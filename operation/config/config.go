// Package config implements the configuration snapshot and update operations.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edgecmd/edgecmd/engine"
	ftstorage "github.com/edgecmd/edgecmd/filetransfer/storage"
	"github.com/edgecmd/edgecmd/log/logkeys"
	"github.com/edgecmd/edgecmd/operation"
	"github.com/edgecmd/edgecmd/topic"
	"github.com/edgecmd/edgecmd/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var operations = []string{workflow.OpConfigSnapshot, workflow.OpConfigUpdate}

// Participant uploads and applies the configuration files of a plugin file.
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
// Defaults to the main device.
func WithTarget(target topic.EntityID) Option {
	return func(p *Participant) {
		p.target = target
	}
}

// New creates a new configuration participant.
// Snapshots are uploaded below the file transfer baseURL.
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
	r.RegisterHandler(workflow.OpConfigSnapshot, workflow.StatusExecuting, engine.StateHandlerFunc(p.Snapshot))
	r.RegisterHandler(workflow.OpConfigUpdate, workflow.StatusExecuting, engine.StateHandlerFunc(p.Update))
}

// Start declares the capabilities with the supported config types.
func (p *Participant) Start(ctx context.Context, d operation.Declarer) error {
	return operation.Declare(ctx, d, p.target, p.plugin.TypesParams(), operations...)
}

// Stop withdraws the capabilities.
func (p *Participant) Stop(ctx context.Context, d operation.Declarer) error {
	return operation.Withdraw(ctx, d, p.target, operations...)
}

// Snapshot uploads the config file of the requested type.
func (p *Participant) Snapshot(ctx context.Context, cmd *engine.Command) (workflow.Payload, error) {
	if cmd.Target != p.target {
		return nil, nil
	}
	logger := ctxlog.Logger(ctx, p.logger).With(logkeys.CommandID, cmd.ID)

	typ := cmd.Payload.String(operation.KeyType)
	f, err := p.plugin.Lookup(typ)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", typ, err)
	}
	defer file.Close()

	url := cmd.Payload.String(operation.KeyTedgeURL)
	if url == "" {
		url = operation.FileURL(p.baseURL, ftstorage.ArtifactPath(cmd.Target, cmd.Operation, typ))
	}
	if err = p.files.Upload(ctx, url, file); err != nil {
		return nil, operation.TransferError(err)
	}
	logger.Debug(logkeys.Message, "uploaded config snapshot", logkeys.Path, f.Path, "url", url)
	return workflow.Payload{
		workflow.KeyStatus:    workflow.StatusSuccessful,
		operation.KeyTedgeURL: url,
		"path":                f.Path,
	}, nil
}

// Update downloads the requested config and replaces the config file.
// The file is replaced atomically once the download is complete.
func (p *Participant) Update(ctx context.Context, cmd *engine.Command) (workflow.Payload, error) {
	if cmd.Target != p.target {
		return nil, nil
	}
	logger := ctxlog.Logger(ctx, p.logger).With(logkeys.CommandID, cmd.ID)

	typ := cmd.Payload.String(operation.KeyType)
	f, err := p.plugin.Lookup(typ)
	if err != nil {
		return nil, err
	}
	url := cmd.Payload.String(operation.KeyTedgeURL)
	if url == "" {
		url = cmd.Payload.String(operation.KeyRemoteURL)
	}
	if url == "" {
		return nil, fmt.Errorf("%w: %s", operation.ErrMissingField, operation.KeyTedgeURL)
	}
	if err = os.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
		return nil, err
	}
	if err = p.files.Download(ctx, url, f.Path, cmd.Payload.String(operation.KeySHA256)); err != nil {
		return nil, operation.TransferError(err)
	}
	logger.Debug(logkeys.Message, "applied config", logkeys.Path, f.Path, "url", url)
	return workflow.Payload{
		workflow.KeyStatus: workflow.StatusSuccessful,
		"path":             f.Path,
	}, nil
}
