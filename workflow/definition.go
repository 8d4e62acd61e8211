package workflow

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/edgecmd/edgecmd/topic"
)

// Reserved and common state names.
const (
	StatusInit       = "init"
	StatusSuccessful = "successful"
	StatusFailed     = "failed"

	StatusScheduled   = "scheduled"
	StatusExecuting   = "executing"
	StatusDownloading = "downloading"
	StatusDownloaded  = "downloaded"
	StatusInstalling  = "installing"
)

// ActionProceed marks a state as a no-op pass-through state.
const ActionProceed = "proceed"

// Participant roles owning states.
const (
	OwnerRequester = "requester"
	OwnerEngine    = "engine"
	OwnerAgent     = "agent"
)

var (
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrUnknownState      = errors.New("unknown state")
)

// IsTerminal reports whether status is one of the terminal states.
func IsTerminal(status string) bool {
	status = NormalizeStatus(status)
	return status == StatusSuccessful || status == StatusFailed
}

// RetryPolicy determines how a retried attempt is handled.
type RetryPolicy string

const (
	// RetryResume hands the retried attempt to the state handler as a
	// resumption: partial work of previous attempts may be reused.
	RetryResume RetryPolicy = "resume"

	// RetryRestart forgets previous attempts; the state handler redoes
	// the whole action from scratch.
	RetryRestart RetryPolicy = "restart"
)

// Valid reports whether p is a known policy.
func (p RetryPolicy) Valid() bool {
	return p == RetryResume || p == RetryRestart
}

// State is a single state of a workflow definition.
type State struct {
	Name   string
	Owner  string   // role of the participant acting on this state
	Next   []string // permissible successor states
	NoOp   bool     // automatically moves to the single successor
	Action string   // free-form action name (informational)
}

// Definition is the state graph of an operation.
type Definition struct {
	Operation string

	// Scope limits the definition to these entities.
	// An empty scope applies to every entity declaring the capability.
	Scope []topic.EntityID

	// Timeout after which a command in a non-terminal state is
	// considered stuck. Zero uses the engine default.
	Timeout time.Duration

	// MaxAttempts bounds the retries of transient failures.
	// Zero uses the engine default.
	MaxAttempts int

	RetryPolicy RetryPolicy

	States map[string]*State
}

func contains(s []string, v string) bool {
	for _, i := range s {
		if i == v {
			return true
		}
	}
	return false
}

func invalid(op, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidDefinition, op, fmt.Sprintf(format, args...))
}

// Validate checks the shape of the state graph.
func (d *Definition) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if d.Operation == "" {
		return fmt.Errorf("%w: missing operation name", ErrInvalidDefinition)
	}
	op := d.Operation
	if d.RetryPolicy != "" && !d.RetryPolicy.Valid() {
		return invalid(op, "unknown retry policy %q", d.RetryPolicy)
	}
	if d.MaxAttempts < 0 {
		return invalid(op, "negative max attempts")
	}
	for _, e := range d.Scope {
		if !e.Valid() {
			return invalid(op, "invalid scope entity %q", e)
		}
	}
	for _, name := range []string{StatusInit, StatusSuccessful, StatusFailed} {
		if _, ok := d.States[name]; !ok {
			return invalid(op, "missing %s state", name)
		}
	}
	for name, s := range d.States {
		if s == nil {
			return invalid(op, "nil state %s", name)
		}
		if name != NormalizeStatus(name) {
			return invalid(op, "state name %q is not normalized", name)
		}
		if IsTerminal(name) {
			if len(s.Next) > 0 {
				return invalid(op, "terminal state %s has successors", name)
			}
			continue
		}
		if len(s.Next) < 1 {
			return invalid(op, "state %s has no successors", name)
		}
		if s.NoOp && len(s.Next) != 1 {
			return invalid(op, "no-op state %s must have exactly one successor", name)
		}
		for _, next := range s.Next {
			if next == StatusInit {
				return invalid(op, "state %s lists %s as a successor", name, StatusInit)
			}
			if _, ok := d.States[next]; !ok {
				return invalid(op, "state %s: unknown successor %s", name, next)
			}
		}
	}

	// every state must be reachable from init.
	seen := map[string]bool{StatusInit: true}
	queue := []string{StatusInit}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range d.States[cur].Next {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	for name := range d.States {
		// failed is always reachable through the escape valve.
		if !seen[name] && name != StatusFailed {
			return invalid(op, "state %s is unreachable", name)
		}
	}
	return nil
}

// State returns the named state.
func (d *Definition) State(name string) (*State, bool) {
	s, ok := d.States[NormalizeStatus(name)]
	return s, ok
}

// CanTransition reports whether a command may move from one state to another.
// Re-publishing the current state is always allowed and any non-terminal
// state may move to the failed state.
func (d *Definition) CanTransition(from, to string) bool {
	from, to = NormalizeStatus(from), NormalizeStatus(to)
	s, ok := d.States[from]
	if !ok {
		return false
	}
	if _, ok := d.States[to]; !ok {
		return false
	}
	if from == to {
		return true
	}
	if to == StatusFailed && !IsTerminal(from) {
		return true
	}
	return contains(s.Next, to)
}

// CheckTransition is CanTransition returning ErrIllegalTransition.
func (d *Definition) CheckTransition(from, to string) error {
	if !d.CanTransition(from, to) {
		return fmt.Errorf("%w: %s: %s to %s", ErrIllegalTransition, d.Operation, from, to)
	}
	return nil
}

// NoOpSuccessor returns the successor of a no-op state.
func (d *Definition) NoOpSuccessor(status string) (string, bool) {
	s, ok := d.State(status)
	if !ok || !s.NoOp || len(s.Next) != 1 {
		return "", false
	}
	return s.Next[0], true
}

// InScope reports whether the definition applies to e.
func (d *Definition) InScope(e topic.EntityID) bool {
	if len(d.Scope) == 0 {
		return true
	}
	for _, s := range d.Scope {
		if s == e {
			return true
		}
	}
	return false
}

// StateNames returns the sorted state names.
func (d *Definition) StateNames() []string {
	names := make([]string, 0, len(d.States))
	for name := range d.States {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewLinear builds a definition moving through states in order.
// The init state is a no-op leading to the first of states and every
// state leads to the next with the last one leading to successful.
func NewLinear(operation string, timeout time.Duration, states ...string) *Definition {
	d := &Definition{
		Operation: operation,
		Timeout:   timeout,
		States: map[string]*State{
			StatusSuccessful: {Name: StatusSuccessful, Owner: OwnerRequester},
			StatusFailed:     {Name: StatusFailed, Owner: OwnerRequester},
		},
	}
	prev := &State{Name: StatusInit, Owner: OwnerEngine, NoOp: true, Action: ActionProceed}
	d.States[StatusInit] = prev
	for _, name := range states {
		prev.Next = []string{name}
		s := &State{Name: name, Owner: OwnerAgent}
		d.States[name] = s
		prev = s
	}
	prev.Next = []string{StatusSuccessful}
	return d
}
