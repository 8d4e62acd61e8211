package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/edgecmd/edgecmd/bus"
	"github.com/edgecmd/edgecmd/engine/storage"
	"github.com/edgecmd/edgecmd/log/logkeys"
	"github.com/edgecmd/edgecmd/topic"
	"github.com/edgecmd/edgecmd/workflow"

	"github.com/micromdm/nanolib/log/ctxlog"
)

// CreateCommand starts a new command instance of operation op on target.
// The command is published in the init state with the fields of payload.
// The new command id is returned.
func (e *Engine) CreateCommand(ctx context.Context, target topic.EntityID, op string, payload workflow.Payload) (string, error) {
	if _, err := topic.ParseEntityID(string(target)); err != nil {
		return "", err
	}
	def, ok := e.defs.Definition(op)
	if !ok {
		return "", NewErrNoSuchWorkflow(op)
	}
	if err := e.checkTarget(target, op); err != nil {
		return "", err
	}
	if !def.InScope(target) {
		return "", fmt.Errorf("%w: %s: %s: not in workflow scope", ErrCapabilityNotSupported, target, op)
	}

	key := storage.CommandKey{Target: target, Operation: op, ID: e.ider.ID()}
	p := payload.WithStatus(workflow.StatusInit)
	delete(p, workflow.KeyAttempt)
	raw, err := p.Marshal()
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}

	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.Entity, target,
		logkeys.Operation, op,
		logkeys.CommandID, key.ID,
	)

	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	// cache before publishing so the requester ownership is known
	// when our own init state arrives.
	err = e.storage.StoreCommand(ctx, &storage.Command{
		CommandKey: key,
		Status:     workflow.StatusInit,
		Attempt:    1,
		Payload:    raw,
		Created:    now,
		Updated:    now,
		Timeout:    e.timeout(def),
		Requester:  true,
	})
	if err != nil {
		return "", fmt.Errorf("storing command: %w", err)
	}
	if err = bus.Retain(ctx, e.bus, e.schema.Command(target, op, key.ID), raw); err != nil {
		return "", fmt.Errorf("publishing command: %w", err)
	}
	logger.Info(logkeys.Message, "created command")
	return key.ID, nil
}

// checkTarget checks that target is registered and declares op.
func (e *Engine) checkTarget(target topic.EntityID, op string) error {
	if e.resolver != nil {
		if _, err := e.resolver.Resolve(target); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnknownTarget, target, err)
		}
	}
	if e.caps != nil && !e.caps.Supports(target, op) {
		return fmt.Errorf("%w: %s: %s", ErrCapabilityNotSupported, target, op)
	}
	return nil
}

// Command returns the cached command.
func (e *Engine) Command(ctx context.Context, target topic.EntityID, op, id string) (*Command, error) {
	key := storage.CommandKey{Target: target, Operation: op, ID: id}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	c, err := e.storage.RetrieveCommand(ctx, key)
	if err != nil {
		return nil, err
	}
	return commandFromStorage(c)
}

// Commands returns the cached commands matching filter.
func (e *Engine) Commands(ctx context.Context, filter storage.Filter) ([]*Command, error) {
	cached, err := e.storage.RetrieveCommands(ctx, filter)
	if err != nil {
		return nil, err
	}
	cmds := make([]*Command, 0, len(cached))
	for _, c := range cached {
		cmd, err := commandFromStorage(c)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// Observe streams the states of a command starting with the current one.
// The channel is closed after a terminal state, when the command is
// cleared or when ctx ends. Observing an already terminal command
// yields its final state only.
func (e *Engine) Observe(ctx context.Context, target topic.EntityID, op, id string) (<-chan workflow.Payload, error) {
	key := storage.CommandKey{Target: target, Operation: op, ID: id}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.storage.RetrieveCommand(ctx, key)
	if err != nil {
		return nil, err
	}
	o := newObserver(ctx)
	e.addObserver(key, o)
	o.q.Push(&bus.Message{Topic: e.schema.Command(target, op, id), Payload: c.Payload})
	return o.c, nil
}

// Clear removes the retained state of a command and forgets it.
func (e *Engine) Clear(ctx context.Context, target topic.EntityID, op, id string) error {
	key := storage.CommandKey{Target: target, Operation: op, ID: id}
	if err := key.Validate(); err != nil {
		return err
	}
	if err := bus.Clear(ctx, e.bus, e.schema.Command(target, op, id)); err != nil {
		return fmt.Errorf("clearing command: %w", err)
	}
	return e.cleared(ctx, ctxlog.Logger(ctx, e.logger).With(
		logkeys.Entity, target,
		logkeys.Operation, op,
		logkeys.CommandID, id,
	), key)
}

// Cancel moves a non-terminal command to the failed state.
func (e *Engine) Cancel(ctx context.Context, target topic.EntityID, op, id string) error {
	key := storage.CommandKey{Target: target, Operation: op, ID: id}
	if err := key.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.storage.RetrieveCommand(ctx, key)
	if err != nil {
		return err
	}
	if c.Terminal() {
		return fmt.Errorf("%w: %s: %s to %s", workflow.ErrIllegalTransition, op, c.Status, workflow.StatusFailed)
	}
	p, err := workflow.ParsePayload(c.Payload)
	if err != nil {
		return fmt.Errorf("decoding cached payload: %w", err)
	}
	ctxlog.Logger(ctx, e.logger).Info(
		logkeys.Message, "cancelling command",
		logkeys.Entity, target,
		logkeys.Operation, op,
		logkeys.CommandID, id,
		logkeys.Status, c.Status,
	)
	return e.publish(ctx, key, p.Failed(ReasonCancelled))
}
