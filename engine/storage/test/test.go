// Package test provides a conformance suite for engine storage backends.
package test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edgecmd/edgecmd/engine/storage"
	"github.com/edgecmd/edgecmd/topic"
)

func newCommand(id, status string, updated time.Time) *storage.Command {
	return &storage.Command{
		CommandKey: storage.CommandKey{
			Target:    topic.NewDevice("child1"),
			Operation: "firmware_update",
			ID:        id,
		},
		Status:  status,
		Attempt: 1,
		Payload: []byte(`{"status":"` + status + `"}`),
		Created: updated,
		Updated: updated,
		Timeout: time.Hour,
	}
}

func TestEngineStorage(t *testing.T, newStorage func() storage.AllStorage) {
	t.Run("commands", func(t *testing.T) {
		testCommands(t, newStorage())
	})

	t.Run("stale", func(t *testing.T) {
		testStale(t, newStorage())
	})

	t.Run("executions", func(t *testing.T) {
		testExecutions(t, newStorage())
	})
}

func testCommands(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	c := newCommand("c-1", "init", now)
	c.Requester = true
	if err := s.StoreCommand(ctx, c); err != nil {
		t.Fatal(err)
	}

	c2, err := s.RetrieveCommand(ctx, c.CommandKey)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := c2.Status, "init"; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}
	if have, want := c2.Payload, c.Payload; !bytes.Equal(have, want) {
		t.Errorf("have: %s, want: %s", have, want)
	}
	if !c2.Updated.Equal(now) {
		t.Errorf("updated: have: %v, want: %v", c2.Updated, now)
	}
	if have, want := c2.Timeout, time.Hour; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !c2.Requester {
		t.Error("expected requester flag")
	}

	// replace
	c.Status = "scheduled"
	c.Payload = []byte(`{"status":"scheduled"}`)
	if err = s.StoreCommand(ctx, c); err != nil {
		t.Fatal(err)
	}
	if c2, err = s.RetrieveCommand(ctx, c.CommandKey); err != nil {
		t.Fatal(err)
	}
	if have, want := c2.Status, "scheduled"; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}

	other := newCommand("c-2", "init", now)
	other.Target = topic.MainDevice
	other.Operation = "restart"
	if err = s.StoreCommand(ctx, other); err != nil {
		t.Fatal(err)
	}

	for _, test := range []struct {
		filter storage.Filter
		count  int
	}{
		{storage.Filter{}, 2},
		{storage.Filter{Target: topic.MainDevice}, 1},
		{storage.Filter{Operation: "firmware_update"}, 1},
		{storage.Filter{Target: topic.MainDevice, Operation: "firmware_update"}, 0},
	} {
		cmds, err := s.RetrieveCommands(ctx, test.filter)
		if err != nil {
			t.Fatal(err)
		}
		if have, want := len(cmds), test.count; have != want {
			t.Errorf("filter %+v: have: %d, want: %d", test.filter, have, want)
		}
	}

	if err = s.DeleteCommand(ctx, c.CommandKey); err != nil {
		t.Fatal(err)
	}
	if _, err = s.RetrieveCommand(ctx, c.CommandKey); !errors.Is(err, storage.ErrCommandNotFound) {
		t.Errorf("expected ErrCommandNotFound, have: %v", err)
	}
	// idempotent
	if err = s.DeleteCommand(ctx, c.CommandKey); err != nil {
		t.Errorf("second delete: %v", err)
	}

	if err = s.StoreCommand(ctx, &storage.Command{}); err == nil {
		t.Error("expected invalid command to fail")
	}
}

func testStale(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()
	now := time.Now()

	stale := newCommand("stale", "executing", now.Add(-2*time.Hour))
	fresh := newCommand("fresh", "executing", now.Add(-time.Minute))
	done := newCommand("done", "successful", now.Add(-2*time.Hour))
	noTimeout := newCommand("no-timeout", "executing", now.Add(-2*time.Hour))
	noTimeout.Timeout = 0
	for _, c := range []*storage.Command{stale, fresh, done, noTimeout} {
		if err := s.StoreCommand(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	cmds, err := s.RetrieveStaleCommands(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 1 || cmds[0].ID != "stale" {
		t.Fatalf("unexpected stale commands: %v", cmds)
	}

	if err = s.MarkStuck(ctx, stale.CommandKey); err != nil {
		t.Fatal(err)
	}
	c, err := s.RetrieveCommand(ctx, stale.CommandKey)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Stuck {
		t.Error("expected stuck flag")
	}
	// marking does not change the state.
	if have, want := c.Status, "executing"; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}

	// flagged only once.
	if cmds, err = s.RetrieveStaleCommands(ctx, now); err != nil {
		t.Fatal(err)
	}
	if have, want := len(cmds), 0; have != want {
		t.Errorf("have: %d, want: %d", have, want)
	}

	missing := storage.CommandKey{Target: topic.MainDevice, Operation: "restart", ID: "missing"}
	if err = s.MarkStuck(ctx, missing); !errors.Is(err, storage.ErrCommandNotFound) {
		t.Errorf("expected ErrCommandNotFound, have: %v", err)
	}
}

func testExecutions(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()
	c := newCommand("exec", "downloading", time.Now())
	if err := s.StoreCommand(ctx, c); err != nil {
		t.Fatal(err)
	}
	key := storage.ExecutionKey{CommandKey: c.CommandKey, Status: "downloading", Attempt: 1}

	first, err := s.RecordExecution(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !first {
		t.Error("expected first execution")
	}
	if first, err = s.RecordExecution(ctx, key); err != nil {
		t.Fatal(err)
	} else if first {
		t.Error("expected repeated execution")
	}

	// a new attempt is a new execution.
	key2 := key
	key2.Attempt = 2
	if first, err = s.RecordExecution(ctx, key2); err != nil {
		t.Fatal(err)
	} else if !first {
		t.Error("expected first execution of second attempt")
	}

	if err = s.ClearExecutions(ctx, c.CommandKey); err != nil {
		t.Fatal(err)
	}
	if first, err = s.RecordExecution(ctx, key); err != nil {
		t.Fatal(err)
	} else if !first {
		t.Error("expected cleared ledger")
	}

	// deleting the command clears its ledger.
	if err = s.DeleteCommand(ctx, c.CommandKey); err != nil {
		t.Fatal(err)
	}
	if first, err = s.RecordExecution(ctx, key); err != nil {
		t.Fatal(err)
	} else if !first {
		t.Error("expected ledger cleared with command")
	}
}
