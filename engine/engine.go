// Package engine implements the operation workflow engine.
//
// The engine follows every command instance on the bus, checks each new
// state against the workflow definition of the operation, and runs the
// state handlers registered for the states it owns. Retained command
// states on the bus are authoritative; the engine storage is a cache
// of the last accepted state plus a ledger of started handler executions.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgecmd/edgecmd/bus"
	"github.com/edgecmd/edgecmd/engine/storage"
	"github.com/edgecmd/edgecmd/entity"
	"github.com/edgecmd/edgecmd/log/logkeys"
	"github.com/edgecmd/edgecmd/topic"
	"github.com/edgecmd/edgecmd/utils/uuid"
	"github.com/edgecmd/edgecmd/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrUnknownTarget          = errors.New("unknown target")
	ErrCapabilityNotSupported = errors.New("capability not supported")
	ErrNoSuchWorkflow         = errors.New("no such workflow")

	// ErrTransient marks state handler failures that are retried.
	ErrTransient = errors.New("transient error")

	// ErrStale marks commands that exceeded the timeout of their state.
	ErrStale = errors.New("command stale")

	ErrHandlerPanic = errors.New("state handler panic")
)

func NewErrNoSuchWorkflow(op string) error {
	return fmt.Errorf("%w: %s", ErrNoSuchWorkflow, op)
}

// IsTransient reports whether a state handler error may be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

const (
	// DefaultTimeout is the default state timeout.
	// A workflow's configured timeout overrides this default.
	DefaultTimeout = time.Hour

	// DefaultMaxAttempts is the default bound on transient retries.
	DefaultMaxAttempts = 3
)

// ReasonCancelled is the failure reason of cancelled commands.
const ReasonCancelled = "cancelled"

// ServiceID is the entity topic id the engine publishes its own events under.
var ServiceID = topic.NewService("main", "edgecmd")

// Resolver resolves entity topic ids.
type Resolver interface {
	Resolve(id topic.EntityID) (*entity.Entity, error)
}

// CapabilityChecker reports declared capabilities.
type CapabilityChecker interface {
	Supports(id topic.EntityID, operation string) bool
}

// Storage is the command cache and execution ledger used by the engine.
type Storage interface {
	storage.Storage
	storage.ExecutionStorage
}

// Engine coordinates command workflows over the bus.
type Engine struct {
	bus     bus.Bus
	storage Storage
	defs    *workflow.Registry
	schema  topic.Schema

	resolver Resolver
	caps     CapabilityChecker
	metrics  *Metrics
	logger   log.Logger
	ider     uuid.IDer

	defaultTimeout time.Duration
	maxAttempts    int
	autoClear      bool

	// mu serializes the handling of command states.
	mu sync.Mutex

	observersMu sync.Mutex
	observers   map[storage.CommandKey][]*observer

	handlersMu sync.RWMutex
	handlers   map[string]StateHandler

	inflightMu  sync.Mutex
	inflight    map[storage.CommandKey]map[uint64]context.CancelFunc
	inflightSeq uint64
	wg          sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

// Options configure the engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRegistry checks command targets against the entity registry.
func WithRegistry(r Resolver) Option {
	return func(e *Engine) {
		e.resolver = r
	}
}

// WithCapabilities checks created commands against declared capabilities.
func WithCapabilities(c CapabilityChecker) Option {
	return func(e *Engine) {
		e.caps = c
	}
}

// WithMetrics records engine metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithDefaultTimeout configures the timeout of workflows without one.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		e.defaultTimeout = timeout
	}
}

// WithMaxAttempts configures the attempts of workflows without a bound.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		e.maxAttempts = n
	}
}

// WithIDer configures the command id generator.
func WithIDer(ider uuid.IDer) Option {
	return func(e *Engine) {
		e.ider = ider
	}
}

// WithRoot configures the topic root prefix.
func WithRoot(root string) Option {
	return func(e *Engine) {
		e.schema = topic.NewSchema(root)
	}
}

// WithAutoClear clears terminal commands created by this engine.
func WithAutoClear(autoClear bool) Option {
	return func(e *Engine) {
		e.autoClear = autoClear
	}
}

// New creates a new engine with default configurations.
func New(b bus.Bus, store Storage, defs *workflow.Registry, opts ...Option) *Engine {
	e := &Engine{
		bus:            b,
		storage:        store,
		defs:           defs,
		schema:         topic.NewSchema(""),
		logger:         log.NopLogger,
		ider:           uuid.NewUUID(),
		defaultTimeout: DefaultTimeout,
		maxAttempts:    DefaultMaxAttempts,
		observers:      make(map[storage.CommandKey][]*observer),
		handlers:       make(map[string]StateHandler),
		inflight:       make(map[storage.CommandKey]map[uint64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Schema returns the topic schema of the engine.
func (e *Engine) Schema() topic.Schema {
	return e.schema
}

// Definition returns the workflow definition for operation.
func (e *Engine) Definition(op string) (*workflow.Definition, bool) {
	return e.defs.Definition(op)
}

// Start subscribes to every command instance topic.
// Retained states are handled first which reconciles the cache.
func (e *Engine) Start(ctx context.Context) error {
	return e.bus.Subscribe(ctx, e.schema.AllCommands(), func(m *bus.Message) {
		if err := e.Handle(e.baseCtx, m.Topic, m.Payload); err != nil {
			e.logger.Debug(
				logkeys.Message, "handling command state",
				logkeys.Topic, m.Topic,
				logkeys.Error, err,
			)
		}
	})
}

// Stop unsubscribes, cancels running state handlers and waits for them.
func (e *Engine) Stop(ctx context.Context) error {
	err := e.bus.Unsubscribe(ctx, e.schema.AllCommands())
	e.cancel()
	e.wg.Wait()
	return err
}

func (e *Engine) timeout(def *workflow.Definition) time.Duration {
	if def.Timeout > 0 {
		return def.Timeout
	}
	return e.defaultTimeout
}

func (e *Engine) attempts(def *workflow.Definition) int {
	if def.MaxAttempts > 0 {
		return def.MaxAttempts
	}
	return e.maxAttempts
}

func retryPolicy(def *workflow.Definition) workflow.RetryPolicy {
	if def.RetryPolicy == "" {
		return workflow.RetryResume
	}
	return def.RetryPolicy
}

func (e *Engine) publish(ctx context.Context, key storage.CommandKey, p workflow.Payload) error {
	raw, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	return bus.Retain(ctx, e.bus, e.schema.Command(key.Target, key.Operation, key.ID), raw)
}

func (e *Engine) retrieve(ctx context.Context, key storage.CommandKey) (*storage.Command, error) {
	c, err := e.storage.RetrieveCommand(ctx, key)
	if errors.Is(err, storage.ErrCommandNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("retrieving command: %w", err)
	}
	return c, nil
}

// Handle processes the message payload received on topic t.
// Messages on topics other than command instances are ignored.
func (e *Engine) Handle(ctx context.Context, t string, payload []byte) error {
	target, ch, err := e.schema.Parse(t)
	if err != nil {
		return err
	}
	if ch.Kind != topic.ChannelCommand {
		return nil
	}
	key := storage.CommandKey{Target: target, Operation: ch.Operation, ID: ch.CommandID}
	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.Entity, target,
		logkeys.Operation, key.Operation,
		logkeys.CommandID, key.ID,
	)

	def, ok := e.defs.Definition(key.Operation)
	if !ok {
		logger.Debug(logkeys.Message, "no workflow definition")
		return nil
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		return e.cleared(ctx, logger, key)
	}

	p, err := workflow.ParsePayload(payload)
	if err == nil {
		err = p.Validate()
	}
	if err != nil {
		logger.Info(logkeys.Message, "rejecting command state", logkeys.Error, err)
		return err
	}
	status := p.Status()
	if _, ok := def.State(status); !ok {
		err = fmt.Errorf("%w: %s: %s", workflow.ErrUnknownState, key.Operation, status)
		logger.Info(logkeys.Message, "rejecting command state", logkeys.Error, err)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cached, err := e.retrieve(ctx, key)
	if err != nil {
		return err
	}

	now := time.Now()
	c := &storage.Command{CommandKey: key, Created: now}
	if cached == nil {
		if !def.InScope(target) {
			logger.Debug(logkeys.Message, "target not in workflow scope")
			return nil
		}
		if status == workflow.StatusInit {
			// commands of other requesters get the checks of CreateCommand.
			if err = e.checkTarget(target, key.Operation); err != nil {
				return e.refuse(ctx, logger, key, p, err)
			}
		}
	} else {
		if !def.CanTransition(cached.Status, status) {
			return e.reject(ctx, logger, def, cached, status)
		}
		prev, err := workflow.ParsePayload(cached.Payload)
		if err != nil {
			return fmt.Errorf("decoding cached payload: %w", err)
		}
		if prev.Status() != status {
			// a new state starts over at the first attempt.
			delete(prev, workflow.KeyAttempt)
		}
		p = p.Merge(prev)
		cc := *cached
		c = &cc
	}

	raw, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	changed := cached == nil || cached.Status != status || cached.Attempt != p.Attempt()
	c.Status = status
	c.Attempt = p.Attempt()
	c.Payload = raw
	c.Timeout = e.timeout(def)
	if changed {
		c.Updated = now
		c.Stuck = false
	}
	if err = e.storage.StoreCommand(ctx, c); err != nil {
		return fmt.Errorf("storing command: %w", err)
	}
	if changed {
		logger.Debug(
			logkeys.Message, "accepted state",
			logkeys.Status, status,
			logkeys.Attempt, c.Attempt,
		)
		e.metrics.transition(key.Operation, status)
	}
	e.notify(key, t, raw)

	if c.Terminal() {
		e.cancelInflight(key)
		if changed && c.Requester && e.autoClear {
			logger.Debug(logkeys.Message, "clearing terminal command", logkeys.Status, status)
			if err = bus.Clear(ctx, e.bus, t); err != nil {
				return fmt.Errorf("clearing command: %w", err)
			}
		}
		return nil
	}
	return e.dispatch(ctx, logger, def, c, p)
}

// reject restores the current state of a command after an illegal transition.
func (e *Engine) reject(ctx context.Context, logger log.Logger, def *workflow.Definition, cached *storage.Command, status string) error {
	err := def.CheckTransition(cached.Status, status)
	logger.Info(
		logkeys.Message, "illegal transition",
		logkeys.CurrentStatus, cached.Status,
		logkeys.AttemptedStatus, status,
		logkeys.Error, err,
	)
	e.metrics.illegal(cached.Operation)
	t := e.schema.Command(cached.Target, cached.Operation, cached.ID)
	if perr := bus.Retain(ctx, e.bus, t, cached.Payload); perr != nil {
		logger.Info(logkeys.Message, "restoring command state", logkeys.Error, perr)
	}
	return err
}

// refuse fails a new command without dispatching it.
func (e *Engine) refuse(ctx context.Context, logger log.Logger, key storage.CommandKey, p workflow.Payload, err error) error {
	logger.Info(logkeys.Message, "refusing command", logkeys.Error, err)
	if perr := e.publish(ctx, key, p.Failed(err.Error())); perr != nil {
		return fmt.Errorf("%w: publishing failure: %w", err, perr)
	}
	return err
}

// cleared forgets a command whose retained state was removed.
func (e *Engine) cleared(ctx context.Context, logger log.Logger, key storage.CommandKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelInflight(key)
	e.notify(key, e.schema.Command(key.Target, key.Operation, key.ID), nil)
	if err := e.storage.DeleteCommand(ctx, key); err != nil {
		return fmt.Errorf("deleting command: %w", err)
	}
	logger.Debug(logkeys.Message, "command cleared")
	return nil
}

// dispatch acts on a non-terminal state: running its handler or
// moving a no-op state on to its successor.
func (e *Engine) dispatch(ctx context.Context, logger log.Logger, def *workflow.Definition, c *storage.Command, p workflow.Payload) error {
	h := e.handler(c.Operation, c.Status)
	next, noop := def.NoOpSuccessor(c.Status)
	if h == nil && !noop {
		// owned by another participant
		return nil
	}

	first, err := e.storage.RecordExecution(ctx, storage.ExecutionKey{
		CommandKey: c.CommandKey,
		Status:     c.Status,
		Attempt:    c.Attempt,
	})
	if err != nil {
		return fmt.Errorf("recording execution: %w", err)
	}
	if !first {
		logger.Debug(
			logkeys.Message, "state already handled",
			logkeys.Status, c.Status,
			logkeys.Attempt, c.Attempt,
		)
		return nil
	}

	if h != nil {
		cmd, err := commandFromStorage(c)
		if err != nil {
			return err
		}
		cmd.Resume = c.Attempt > 1 && retryPolicy(def) == workflow.RetryResume
		e.run(logger, def, cmd, h)
		return nil
	}

	np := p.WithStatus(next)
	delete(np, workflow.KeyAttempt)
	logger.Debug(logkeys.Message, "proceeding", logkeys.Status, next)
	if err = e.publish(ctx, c.CommandKey, np); err != nil {
		// a redelivery of the state must proceed again.
		if cerr := e.storage.ClearExecutions(ctx, c.CommandKey); cerr != nil {
			logger.Info(logkeys.Message, "clearing executions", logkeys.Error, cerr)
		}
		return fmt.Errorf("proceeding to %s: %w", next, err)
	}
	return nil
}

func (e *Engine) track(key storage.CommandKey, cancel context.CancelFunc) uint64 {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	e.inflightSeq++
	if e.inflight[key] == nil {
		e.inflight[key] = make(map[uint64]context.CancelFunc)
	}
	e.inflight[key][e.inflightSeq] = cancel
	return e.inflightSeq
}

func (e *Engine) untrack(key storage.CommandKey, id uint64) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if cancel, ok := e.inflight[key][id]; ok {
		cancel()
		delete(e.inflight[key], id)
	}
	if len(e.inflight[key]) < 1 {
		delete(e.inflight, key)
	}
}

// cancelInflight cancels the running state handlers of key.
func (e *Engine) cancelInflight(key storage.CommandKey) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	for _, cancel := range e.inflight[key] {
		cancel()
	}
}

// run executes h in the background bounded by the state timeout.
func (e *Engine) run(logger log.Logger, def *workflow.Definition, cmd *Command, h StateHandler) {
	var ctx context.Context
	var cancel context.CancelFunc
	if timeout := e.timeout(def); timeout > 0 {
		ctx, cancel = context.WithTimeout(e.baseCtx, timeout)
	} else {
		ctx, cancel = context.WithCancel(e.baseCtx)
	}
	id := e.track(cmd.CommandKey, cancel)

	logger = logger.With(logkeys.Status, cmd.Status, logkeys.Attempt, cmd.Attempt)
	logger.Debug(logkeys.Message, "running state handler", "resume", cmd.Resume)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.untrack(cmd.CommandKey, id)
		done := e.metrics.handlerStarted(cmd.Operation, cmd.Status)
		next, err := handle(ctx, h, cmd)
		done()
		if err := e.result(logger, def, cmd, next, err); err != nil {
			logger.Info(logkeys.Message, "publishing handler result", logkeys.Error, err)
		}
	}()
}

// handle calls h turning a panic into a handler error.
func handle(ctx context.Context, h StateHandler, cmd *Command) (next workflow.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = nil, fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h.HandleState(ctx, cmd)
}

// result publishes the state following a state handler execution.
func (e *Engine) result(logger log.Logger, def *workflow.Definition, cmd *Command, next workflow.Payload, herr error) error {
	ctx := context.Background()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.baseCtx.Err() != nil {
		// stopping: let the next start run the interrupted state again.
		logger.Debug(logkeys.Message, "state handler interrupted", logkeys.Error, herr)
		return e.storage.ClearExecutions(ctx, cmd.CommandKey)
	}

	cached, err := e.retrieve(ctx, cmd.CommandKey)
	if err != nil {
		return err
	}
	if cached == nil || cached.Status != cmd.Status || cached.Attempt != cmd.Attempt {
		logger.Debug(logkeys.Message, "dropping handler result", logkeys.Error, ErrStale)
		return nil
	}
	current, err := workflow.ParsePayload(cached.Payload)
	if err != nil {
		return fmt.Errorf("decoding cached payload: %w", err)
	}

	switch {
	case herr != nil && IsTransient(herr) && cmd.Attempt < e.attempts(def):
		logger.Info(logkeys.Message, "retrying state", logkeys.Error, herr)
		if retryPolicy(def) == workflow.RetryRestart {
			if err = e.storage.ClearExecutions(ctx, cmd.CommandKey); err != nil {
				return fmt.Errorf("clearing executions: %w", err)
			}
		}
		next = current.WithAttempt(cmd.Attempt + 1)
	case herr != nil:
		logger.Info(logkeys.Message, "state handler failed", logkeys.Error, herr)
		next = current.Failed(herr.Error())
	case next == nil:
		// the handler owns the state transition
		return nil
	default:
		if next.Status() == "" {
			next = next.WithStatus(cmd.Status)
		}
		prev := current.Clone()
		if next.Status() != cmd.Status {
			delete(prev, workflow.KeyAttempt)
		}
		next = next.Merge(prev)
		if err = def.CheckTransition(cmd.Status, next.Status()); err != nil {
			logger.Info(logkeys.Message, "state handler result", logkeys.Error, err)
			next = current.Failed(err.Error())
		}
	}
	return e.publish(ctx, cmd.CommandKey, next)
}
