package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edgecmd/edgecmd/bus"
	"github.com/edgecmd/edgecmd/bus/inmem"
	"github.com/edgecmd/edgecmd/engine/storage"
	storageinmem "github.com/edgecmd/edgecmd/engine/storage/inmem"
	"github.com/edgecmd/edgecmd/topic"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type testNotifier struct {
	mu   sync.Mutex
	keys []storage.CommandKey
}

func (n *testNotifier) NotifyStuck(_ context.Context, c *storage.Command) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keys = append(n.keys, c.CommandKey)
	return nil
}

func TestWorkerStuck(t *testing.T) {
	ctx := context.Background()
	b := inmem.New()
	defer b.Close()
	s := storageinmem.New()
	m := NewMetrics(prometheus.NewRegistry())
	n := &testNotifier{}
	w := NewWorker(s, b, WithWorkerMetrics(m), WithStuckNotifier(n))

	events := make(chan *bus.Message, 10)
	stuckTopic := topic.NewSchema("").Channel(ServiceID, StuckChannel)
	if err := b.Subscribe(ctx, stuckTopic, func(m *bus.Message) { events <- m }); err != nil {
		t.Fatal(err)
	}

	updated := time.Now().Add(-time.Hour)
	stale := &storage.Command{
		CommandKey: storage.CommandKey{Target: topic.MainDevice, Operation: testOp, ID: "stale"},
		Status:     "executing",
		Attempt:    1,
		Payload:    []byte(`{"status":"executing"}`),
		Created:    updated,
		Updated:    updated,
		Timeout:    time.Minute,
	}
	fresh := &storage.Command{
		CommandKey: storage.CommandKey{Target: topic.MainDevice, Operation: testOp, ID: "fresh"},
		Status:     "executing",
		Attempt:    1,
		Payload:    []byte(`{"status":"executing"}`),
		Created:    time.Now(),
		Updated:    time.Now(),
		Timeout:    time.Minute,
	}
	for _, c := range []*storage.Command{stale, fresh} {
		if err := s.StoreCommand(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 2; i++ {
		// stuck commands are reported once.
		if err := w.RunOnce(ctx); err != nil {
			t.Fatal(err)
		}
	}

	var ev StuckEvent
	select {
	case msg := <-events:
		if msg.Retained {
			t.Error("stuck event retained")
		}
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stuck event")
	}
	if have, want := ev.Topic, "te/device/main///cmd/test_op/stale"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := ev.Status, "executing"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := ev.Timeout, "1m0s"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	select {
	case msg := <-events:
		t.Errorf("unexpected event: %s", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}

	c, err := s.RetrieveCommand(ctx, stale.CommandKey)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Stuck {
		t.Error("command not marked stuck")
	}
	if have, want := c.Status, "executing"; have != want {
		t.Errorf("state changed: have: %v, want: %v", have, want)
	}
	if have, want := testutil.ToFloat64(m.Stuck.WithLabelValues(testOp)), float64(1); have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if have, want := len(n.keys), 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := n.keys[0], stale.CommandKey; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
