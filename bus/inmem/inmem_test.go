package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/edgecmd/edgecmd/bus"
)

func recv(t *testing.T, c <-chan *bus.Message) *bus.Message {
	t.Helper()
	select {
	case m := <-c:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestRetained(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close()

	if err := bus.Retain(ctx, b, "te/device/main///cmd/restart", []byte("{}")); err != nil {
		t.Fatal(err)
	}

	c := make(chan *bus.Message, 10)
	if err := b.Subscribe(ctx, "te/+/+/+/+/cmd/+", func(m *bus.Message) { c <- m }); err != nil {
		t.Fatal(err)
	}

	m := recv(t, c)
	if !m.Retained {
		t.Error("expected retained flag on initial delivery")
	}
	if have, want := string(m.Payload), "{}"; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}

	// live message
	if err := bus.Clear(ctx, b, "te/device/main///cmd/restart"); err != nil {
		t.Fatal(err)
	}
	m = recv(t, c)
	if m.Retained || !m.Empty() {
		t.Errorf("expected live empty message, have: %+v", m)
	}
	if _, ok := b.Retained("te/device/main///cmd/restart"); ok {
		t.Error("retained message should be cleared")
	}

	// a new subscription sees nothing retained
	c2 := make(chan *bus.Message, 10)
	if err := b.Subscribe(ctx, "te/#", func(m *bus.Message) { c2 <- m }); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-c2:
		t.Errorf("unexpected message: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer b.Close()

	c := make(chan *bus.Message, 10)
	if err := b.Subscribe(ctx, "a/#", func(m *bus.Message) { c <- m }); err != nil {
		t.Fatal(err)
	}
	if err := b.Unsubscribe(ctx, "a/#"); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, &bus.Message{Topic: "a/b", Payload: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	select {
	case m := <-c:
		t.Errorf("unexpected message: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}
