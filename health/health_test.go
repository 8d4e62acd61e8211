package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/edgecmd/edgecmd/bus/inmem"
	"github.com/edgecmd/edgecmd/topic"

	"github.com/goccy/go-json"
)

var testService = topic.NewService("main", "test")

func retainedStatus(t *testing.T, b *inmem.Broker, tp string) *Status {
	t.Helper()
	m, ok := b.Retained(tp)
	if !ok {
		t.Fatalf("no retained message on %s", tp)
	}
	s := new(Status)
	if err := json.Unmarshal(m.Payload, s); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPublisher(t *testing.T) {
	b := inmem.New()
	defer b.Close()
	p := NewPublisher(b, testService, WithRoot("x"))
	p.now = func() time.Time { return time.Unix(1700000000, 0) }

	if have, want := p.Topic(), "x/device/main/service/test/status/health"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	s := retainedStatus(t, b, p.Topic())
	if have, want := s.Status, StatusUp; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := s.PID, os.Getpid(); have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := s.Time, int64(1700000000); have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if err := p.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if have, want := retainedStatus(t, b, p.Topic()).Status, StatusDown; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestLastWill(t *testing.T) {
	m := LastWill("", testService)
	if have, want := m.Topic, "te/device/main/service/test/status/health"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !m.Retained {
		t.Error("last will not retained")
	}
	s := new(Status)
	if err := json.Unmarshal(m.Payload, s); err != nil {
		t.Fatal(err)
	}
	if have, want := s.Status, StatusDown; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestHandler(t *testing.T) {
	b := inmem.New()
	h := NewHandler(b, 100000)

	ready := func() int {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/ready", nil))
		return w.Code
	}
	if have, want := ready(), http.StatusOK; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	b.Close()
	if have, want := ready(), http.StatusServiceUnavailable; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/live", nil))
	if have, want := w.Code, http.StatusOK; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
