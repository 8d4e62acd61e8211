// Package software implements the software update and list operations
// on top of package managers.
package software

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/edgecmd/edgecmd/engine"
	"github.com/edgecmd/edgecmd/log/logkeys"
	"github.com/edgecmd/edgecmd/operation"
	"github.com/edgecmd/edgecmd/topic"
	"github.com/edgecmd/edgecmd/workflow"

	"github.com/goccy/go-json"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

const (
	KeyUpdateList          = "updateList"
	KeyModules             = "modules"
	KeyCurrentSoftwareList = "currentSoftwareList"
	KeyFailures            = "failures"
)

const (
	ActionInstall = "install"
	ActionRemove  = "remove"
)

var (
	ErrUnknownAction = errors.New("unknown module action")
	ErrModuleFailed  = errors.New("software modules failed")
)

// Module is a software module of a package manager.
type Module struct {
	Type    string `json:"type,omitempty"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	URL     string `json:"url,omitempty"`
	Action  string `json:"action,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// File is the local path of the downloaded module URL.
	File string `json:"-"`
}

// ModuleList is a list of modules of a single package manager type.
type ModuleList struct {
	Type    string   `json:"type"`
	Modules []Module `json:"modules"`
	Reason  string   `json:"reason,omitempty"`
}

// PackageManager installs and removes software modules of one type.
type PackageManager interface {
	List(ctx context.Context) ([]Module, error)
	Install(ctx context.Context, m Module) error
	Remove(ctx context.Context, m Module) error
}

// Batcher is implemented by package managers that need to prepare for
// and finalize a set of module actions.
type Batcher interface {
	Prepare(ctx context.Context) error
	Finalize(ctx context.Context) error
}

// Participant updates and lists software using package managers by type.
type Participant struct {
	managers map[string]PackageManager
	files    operation.Transferer
	target   topic.EntityID
	logger   log.Logger
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

// WithPackageManager registers m for modules of type typ.
func WithPackageManager(typ string, m PackageManager) Option {
	return func(p *Participant) {
		p.managers[typ] = m
	}
}

// New creates a new software participant.
// Module URLs are downloaded with files.
func New(files operation.Transferer, opts ...Option) *Participant {
	p := &Participant{
		managers: make(map[string]PackageManager),
		files:    files,
		target:   topic.MainDevice,
		logger:   log.NopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Participant) types() []string {
	types := make([]string, 0, len(p.managers))
	for typ := range p.managers {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Register registers the state handlers of the participant.
func (p *Participant) Register(r operation.Registrar) {
	r.RegisterHandler(workflow.OpSoftwareUpdate, workflow.StatusExecuting, engine.StateHandlerFunc(p.Update))
	r.RegisterHandler(workflow.OpSoftwareList, workflow.StatusExecuting, engine.StateHandlerFunc(p.List))
}

// Start declares the software capabilities with the supported types.
func (p *Participant) Start(ctx context.Context, d operation.Declarer) error {
	params := map[string]interface{}{"types": p.types()}
	return operation.Declare(ctx, d, p.target, params, workflow.OpSoftwareUpdate, workflow.OpSoftwareList)
}

// Stop withdraws the software capabilities.
func (p *Participant) Stop(ctx context.Context, d operation.Declarer) error {
	return operation.Withdraw(ctx, d, p.target, workflow.OpSoftwareUpdate, workflow.OpSoftwareList)
}

// decodeField decodes the JSON value of key k of payload into v.
func decodeField(payload workflow.Payload, k string, v interface{}) error {
	raw, err := json.Marshal(payload[k])
	if err != nil {
		return err
	}
	if err = json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %s: %w", k, err)
	}
	return nil
}

// updateLists returns the module lists of an update request. Requests
// carry either lists by type or a flat list of modules naming their type.
func updateLists(payload workflow.Payload) ([]ModuleList, error) {
	if _, ok := payload[KeyUpdateList]; ok {
		var updates []ModuleList
		err := decodeField(payload, KeyUpdateList, &updates)
		return updates, err
	}
	if _, ok := payload[KeyModules]; !ok {
		return nil, fmt.Errorf("%w: %s or %s", operation.ErrMissingField, KeyUpdateList, KeyModules)
	}
	var modules []Module
	if err := decodeField(payload, KeyModules, &modules); err != nil {
		return nil, err
	}
	var updates []ModuleList
	index := make(map[string]int)
	for _, m := range modules {
		i, ok := index[m.Type]
		if !ok {
			i = len(updates)
			index[m.Type] = i
			updates = append(updates, ModuleList{Type: m.Type})
		}
		updates[i].Modules = append(updates[i].Modules, m)
	}
	return updates, nil
}

// List reports the installed modules of every package manager.
func (p *Participant) List(ctx context.Context, cmd *engine.Command) (workflow.Payload, error) {
	if cmd.Target != p.target {
		return nil, nil
	}
	lists := make([]ModuleList, 0, len(p.managers))
	for _, typ := range p.types() {
		modules, err := p.managers[typ].List(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing %s modules: %w", typ, err)
		}
		if modules == nil {
			modules = []Module{}
		}
		lists = append(lists, ModuleList{Type: typ, Modules: modules})
	}
	return workflow.Payload{
		workflow.KeyStatus:     workflow.StatusSuccessful,
		KeyCurrentSoftwareList: lists,
	}, nil
}

// Update applies the module actions of the update list.
// Failed modules don't stop the update of other modules; they are
// reported with their reasons and fail the command.
func (p *Participant) Update(ctx context.Context, cmd *engine.Command) (workflow.Payload, error) {
	if cmd.Target != p.target {
		return nil, nil
	}
	logger := ctxlog.Logger(ctx, p.logger).With(logkeys.CommandID, cmd.ID)

	updates, err := updateLists(cmd.Payload)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "edgecmd-software-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	var failures []ModuleList
	var failed int
	for _, list := range updates {
		failure, err := p.update(ctx, dir, list)
		if err != nil {
			// transient download errors retry the whole update.
			return nil, err
		}
		if failure != nil {
			failed += len(failure.Modules)
			if failure.Reason != "" && len(failure.Modules) < 1 {
				failed++
			}
			failures = append(failures, *failure)
		}
	}
	if len(failures) > 0 {
		logger.Info(logkeys.Message, "software update", logkeys.GenericCount, failed, logkeys.Error, ErrModuleFailed)
		return workflow.Payload{
			workflow.KeyStatus: workflow.StatusFailed,
			workflow.KeyReason: fmt.Sprintf("%s: %d", ErrModuleFailed, failed),
			KeyFailures:        failures,
		}, nil
	}
	logger.Debug(logkeys.Message, "software update", logkeys.GenericCount, len(updates))
	return workflow.Payload{workflow.KeyStatus: workflow.StatusSuccessful}, nil
}

// update applies the actions of a single module list. The returned list
// holds the failed modules, if any.
func (p *Participant) update(ctx context.Context, dir string, list ModuleList) (*ModuleList, error) {
	mgr, ok := p.managers[list.Type]
	if !ok {
		return &ModuleList{Type: list.Type, Modules: list.Modules, Reason: fmt.Sprintf("%s: %q", operation.ErrUnknownType, list.Type)}, nil
	}
	batcher, batched := mgr.(Batcher)
	if batched {
		if err := batcher.Prepare(ctx); err != nil {
			return &ModuleList{Type: list.Type, Modules: list.Modules, Reason: "prepare: " + err.Error()}, nil
		}
	}

	failure := &ModuleList{Type: list.Type}
	for i, m := range list.Modules {
		var err error
		switch m.Action {
		case ActionInstall:
			if m.URL != "" {
				m.File = filepath.Join(dir, fmt.Sprintf("%s-%d", list.Type, i))
				if err = p.files.Download(ctx, m.URL, m.File, ""); err != nil {
					if err = operation.TransferError(err); engine.IsTransient(err) {
						return nil, err
					}
					break
				}
			}
			err = mgr.Install(ctx, m)
		case ActionRemove:
			err = mgr.Remove(ctx, m)
		default:
			err = fmt.Errorf("%w: %q", ErrUnknownAction, m.Action)
		}
		if err != nil {
			m.Reason = err.Error()
			failure.Modules = append(failure.Modules, m)
		}
	}

	if batched {
		if err := batcher.Finalize(ctx); err != nil {
			failure.Reason = "finalize: " + err.Error()
		}
	}
	if len(failure.Modules) < 1 && failure.Reason == "" {
		return nil, nil
	}
	return failure, nil
}
