package mapper

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edgecmd/edgecmd/bus/inmem"
	"github.com/edgecmd/edgecmd/engine"
	"github.com/edgecmd/edgecmd/engine/storage"
	storageinmem "github.com/edgecmd/edgecmd/engine/storage/inmem"
	"github.com/edgecmd/edgecmd/topic"
	"github.com/edgecmd/edgecmd/workflow"

	"github.com/goccy/go-json"
	"github.com/micromdm/nanolib/log"
)

const testOp = "test_op"

type reportRecorder struct {
	mu      sync.Mutex
	reports []*Report
}

func (r *reportRecorder) ReportState(_ context.Context, report *Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

func (r *reportRecorder) statuses() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s []string
	for _, report := range r.reports {
		s = append(s, report.Status)
	}
	return strings.Join(s, ",")
}

func newTestEngine(t *testing.T) (*engine.Engine, *inmem.Broker) {
	t.Helper()
	defs, err := workflow.NewRegistry(workflow.NewLinear(testOp, time.Minute, workflow.StatusExecuting))
	if err != nil {
		t.Fatal(err)
	}
	b := inmem.New()
	e := engine.New(b, storageinmem.New(), defs)
	e.RegisterHandler(testOp, workflow.StatusExecuting, engine.StateHandlerFunc(func(ctx context.Context, cmd *engine.Command) (workflow.Payload, error) {
		return workflow.Payload{"status": "successful", "result": cmd.Payload.String("input")}, nil
	}))
	if err = e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		e.Stop(context.Background())
		b.Close()
	})
	return e, b
}

func TestProxySubmit(t *testing.T) {
	e, b := newTestEngine(t)
	rec := &reportRecorder{}
	var dump bytes.Buffer
	p := NewProxy(e, NewReportDumper(rec, &dump))
	defer p.Close()

	id, err := p.Submit(context.Background(), &Request{
		Operation:  testOp,
		Payload:    workflow.Payload{"input": "abc"},
		ExternalID: "cloud-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	p.Wait()

	statuses := rec.statuses()
	if !strings.HasSuffix(statuses, "successful") {
		t.Errorf("unexpected states: %s", statuses)
	}
	last := rec.reports[len(rec.reports)-1]
	if have, want := last.CommandID, id; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := last.ExternalID, "cloud-1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := last.Target, topic.MainDevice; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := last.Payload.String("result"), "abc"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// the requester cleans up.
	if _, ok := b.Retained(e.Schema().Command(topic.MainDevice, testOp, id)); ok {
		t.Error("terminal command not cleared")
	}
	if have, want := strings.Count(dump.String(), "\n"), len(rec.reports); have != want {
		t.Errorf("dumped reports: have: %v, want: %v", have, want)
	}
}

func TestProxySubmitErrors(t *testing.T) {
	e, _ := newTestEngine(t)
	p := NewProxy(e, &reportRecorder{})
	defer p.Close()
	if _, err := p.Submit(context.Background(), &Request{}); err != ErrMissingOperation {
		t.Errorf("have: %v, want: %v", err, ErrMissingOperation)
	}
	if _, err := p.Submit(context.Background(), &Request{Operation: "nope"}); err == nil {
		t.Error("expected error")
	}
}

func TestWebhook(t *testing.T) {
	e, _ := newTestEngine(t)
	rec := &reportRecorder{}
	p := NewProxy(e, rec)
	defer p.Close()
	hf := WebhookHandler(p, log.NopLogger)

	for _, test := range []struct {
		body string
		want int
	}{
		{`{"target":"device/main//","operation":"test_op","external_id":"x","payload":{"input":"y"}}`, http.StatusAccepted},
		{`{"operation":"nope"}`, http.StatusNotFound},
		{`{"target":"device/main","operation":"test_op"}`, http.StatusBadRequest},
		{`{`, http.StatusBadRequest},
	} {
		r := httptest.NewRequest("POST", "/webhook", strings.NewReader(test.body))
		w := httptest.NewRecorder()
		hf.ServeHTTP(w, r)
		if have, want := w.Code, test.want; have != want {
			t.Errorf("%s: have: %v, want: %v", test.body, have, want)
		}
	}
	p.Wait()
	if statuses := rec.statuses(); !strings.HasSuffix(statuses, "successful") {
		t.Errorf("unexpected states: %s", statuses)
	}
}

func TestHTTPReporter(t *testing.T) {
	var mu sync.Mutex
	var reports []Report
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var report Report
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if report.Status == "bad" {
			http.Error(w, "nope", http.StatusInternalServerError)
			return
		}
		mu.Lock()
		reports = append(reports, report)
		mu.Unlock()
	}))
	defer srv.Close()

	r := NewHTTPReporter(srv.URL)
	ctx := context.Background()
	err := r.ReportState(ctx, &Report{
		Request:   Request{Target: topic.MainDevice, Operation: testOp, ExternalID: "x"},
		CommandID: "c1",
		Status:    "successful",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err = r.ReportState(ctx, &Report{Status: "bad"}); err == nil {
		t.Error("expected error")
	}

	mu.Lock()
	defer mu.Unlock()
	if have, want := len(reports), 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := reports[0].ExternalID, "x"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := reports[0].CommandID, "c1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestStuckReporter(t *testing.T) {
	rec := &reportRecorder{}
	r := &StuckReporter{Reporter: rec}
	c := &storage.Command{
		CommandKey: storage.CommandKey{Target: topic.MainDevice, Operation: testOp, ID: "c1"},
		Status:     workflow.StatusExecuting,
	}
	if err := r.NotifyStuck(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if have, want := len(rec.reports), 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	report := rec.reports[0]
	if !report.Stuck {
		t.Error("report not marked stuck")
	}
	if have, want := report.CommandID, "c1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := report.Status, workflow.StatusExecuting; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
