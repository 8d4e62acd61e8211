package engine

import (
	"context"

	"github.com/edgecmd/edgecmd/workflow"
)

// StateHandler performs the action of a single workflow state.
//
// A non-nil payload is published as the next state of the command.
// Fields missing from it are carried over from the current state.
// Returning nil and a nil error leaves the command to the handler: it
// must publish the next state itself (e.g. from another participant).
// Errors wrapping ErrTransient or context.DeadlineExceeded are retried.
type StateHandler interface {
	HandleState(ctx context.Context, cmd *Command) (workflow.Payload, error)
}

// StateHandlerFunc adapts a func to a StateHandler.
type StateHandlerFunc func(ctx context.Context, cmd *Command) (workflow.Payload, error)

// HandleState calls f(ctx, cmd).
func (f StateHandlerFunc) HandleState(ctx context.Context, cmd *Command) (workflow.Payload, error) {
	return f(ctx, cmd)
}

func handlerKey(op, status string) string {
	return op + "/" + workflow.NormalizeStatus(status)
}

// RegisterHandler associates h with status of operation op.
// An existing handler for the same state is replaced which allows
// user supplied handlers to override built-in ones.
func (e *Engine) RegisterHandler(op, status string, h StateHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[handlerKey(op, status)] = h
	e.logger.Debug("msg", "registered handler", "operation", op, "status", status)
}

// UnregisterHandler removes the handler for status of operation op.
func (e *Engine) UnregisterHandler(op, status string) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	delete(e.handlers, handlerKey(op, status))
}

// handler returns the handler for status of operation op.
func (e *Engine) handler(op, status string) StateHandler {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	return e.handlers[handlerKey(op, status)]
}
