package engine

import (
	"fmt"
	"time"

	"github.com/edgecmd/edgecmd/engine/storage"
	"github.com/edgecmd/edgecmd/workflow"
)

// Command is a command instance as seen by the engine.
type Command struct {
	storage.CommandKey

	Status  string
	Attempt int
	Payload workflow.Payload

	Created time.Time
	Updated time.Time

	// Stuck is set once the command exceeded the timeout of its state.
	Stuck bool

	// Requester is set for commands created by this engine.
	Requester bool

	// Resume is set for retried attempts of workflows with the resume
	// retry policy. Handlers may reuse partial work of earlier attempts.
	Resume bool
}

// Terminal reports whether c is in a terminal state.
func (c *Command) Terminal() bool {
	return workflow.IsTerminal(c.Status)
}

func commandFromStorage(c *storage.Command) (*Command, error) {
	p, err := workflow.ParsePayload(c.Payload)
	if err != nil {
		return nil, fmt.Errorf("decoding cached payload: %s: %w", c.CommandKey, err)
	}
	return &Command{
		CommandKey: c.CommandKey,
		Status:     c.Status,
		Attempt:    c.Attempt,
		Payload:    p,
		Created:    c.Created,
		Updated:    c.Updated,
		Stuck:      c.Stuck,
		Requester:  c.Requester,
	}, nil
}
