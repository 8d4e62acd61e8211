// Package storage defines types and primitives for workflow engine storage backends.
//
// The engine caches the last accepted state of every command instance it
// observed and keeps a ledger of the state handler executions it started.
// The retained bus messages remain authoritative: after a restart the cache
// is reconciled from the retained states.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/edgecmd/edgecmd/topic"
	"github.com/edgecmd/edgecmd/workflow"
)

var (
	ErrCommandNotFound = errors.New("command not found")

	ErrMissingTarget    = errors.New("missing target")
	ErrMissingOperation = errors.New("missing operation")
	ErrMissingCommandID = errors.New("missing command id")
	ErrEmptyCommand     = errors.New("empty command")
)

// CommandKey identifies a command instance.
type CommandKey struct {
	Target    topic.EntityID `json:"target"`
	Operation string         `json:"operation"`
	ID        string         `json:"id"`
}

// Validate checks for missing values.
func (k CommandKey) Validate() error {
	switch {
	case k.Target == "":
		return ErrMissingTarget
	case k.Operation == "":
		return ErrMissingOperation
	case k.ID == "":
		return ErrMissingCommandID
	}
	return nil
}

func (k CommandKey) String() string {
	return string(k.Target) + " " + k.Operation + " " + k.ID
}

// Escaped returns a flat key for k that contains no slashes.
// The escaped parts are joined with a pipe.
func (k CommandKey) Escaped() string {
	return url.PathEscape(string(k.Target)) + "|" + url.PathEscape(k.Operation) + "|" + url.PathEscape(k.ID)
}

// ExecutionKey identifies a single state handler execution.
type ExecutionKey struct {
	CommandKey
	Status  string
	Attempt int
}

// Escaped returns a flat key for k that contains no slashes.
func (k ExecutionKey) Escaped() string {
	return k.CommandKey.Escaped() + "|" + url.PathEscape(k.Status) + "|" + strconv.Itoa(k.Attempt)
}

// Command is the cached state of a command instance.
type Command struct {
	CommandKey

	Status  string `json:"status"`
	Attempt int    `json:"attempt"`

	// Payload is the raw JSON of the current state.
	Payload []byte `json:"payload"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`

	// Timeout after which a non-terminal command is considered stuck.
	// Zero disables the watchdog for this command.
	Timeout time.Duration `json:"timeout"`

	// Stuck is set by the watchdog once the command exceeded its timeout.
	// Any accepted transition resets it.
	Stuck bool `json:"stuck"`

	// Requester is set for commands created by this engine.
	Requester bool `json:"requester"`
}

// Validate checks for missing values.
func (c *Command) Validate() error {
	if c == nil {
		return ErrEmptyCommand
	}
	if err := c.CommandKey.Validate(); err != nil {
		return err
	}
	if c.Status == "" {
		return workflow.ErrMissingStatus
	}
	return nil
}

// Terminal reports whether c is in a terminal state.
func (c *Command) Terminal() bool {
	return workflow.IsTerminal(c.Status)
}

// Stale reports whether c exceeded its timeout at now without being flagged.
func (c *Command) Stale(now time.Time) bool {
	return !c.Stuck && !c.Terminal() && c.Timeout > 0 && c.Updated.Add(c.Timeout).Before(now)
}

// Filter selects cached commands. Empty fields match everything.
type Filter struct {
	Target    topic.EntityID
	Operation string
}

// Match reports whether c passes the filter.
func (f Filter) Match(c *Command) bool {
	if f.Target != "" && f.Target != c.Target {
		return false
	}
	if f.Operation != "" && f.Operation != c.Operation {
		return false
	}
	return true
}

type ReadStorage interface {
	// RetrieveCommand retrieves the cached command for key.
	// ErrCommandNotFound is returned for unknown commands.
	RetrieveCommand(ctx context.Context, key CommandKey) (*Command, error)

	// RetrieveCommands retrieves every cached command matching filter.
	RetrieveCommands(ctx context.Context, filter Filter) ([]*Command, error)
}

type Storage interface {
	ReadStorage

	// StoreCommand creates or replaces the cached command.
	StoreCommand(ctx context.Context, c *Command) error

	// DeleteCommand deletes the cached command and its execution ledger.
	// Deleting an unknown command is not an error.
	DeleteCommand(ctx context.Context, key CommandKey) error
}

// WorkerStorage is used by the watchdog.
type WorkerStorage interface {
	// RetrieveStaleCommands retrieves the commands that are stale at now.
	// See Command.Stale.
	RetrieveStaleCommands(ctx context.Context, now time.Time) ([]*Command, error)

	// MarkStuck flags the command as stuck.
	MarkStuck(ctx context.Context, key CommandKey) error
}

// ExecutionStorage is the ledger of started state handler executions.
type ExecutionStorage interface {
	// RecordExecution records the execution and reports whether it
	// was recorded for the first time.
	RecordExecution(ctx context.Context, key ExecutionKey) (bool, error)

	// ClearExecutions forgets every recorded execution of the command.
	ClearExecutions(ctx context.Context, key CommandKey) error
}

// AllStorage combines every engine storage interface.
type AllStorage interface {
	Storage
	WorkerStorage
	ExecutionStorage
}

// NotFound wraps ErrCommandNotFound for key.
func NotFound(key CommandKey) error {
	return fmt.Errorf("%w: %s", ErrCommandNotFound, key)
}

// ParseEscaped reverses CommandKey.Escaped.
func ParseEscaped(s string) (CommandKey, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return CommandKey{}, fmt.Errorf("invalid escaped key: %q", s)
	}
	var err error
	for i := range parts {
		if parts[i], err = url.PathUnescape(parts[i]); err != nil {
			return CommandKey{}, err
		}
	}
	return CommandKey{Target: topic.EntityID(parts[0]), Operation: parts[1], ID: parts[2]}, nil
}
