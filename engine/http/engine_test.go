package http

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/edgecmd/edgecmd/bus"
	"github.com/edgecmd/edgecmd/bus/inmem"
	"github.com/edgecmd/edgecmd/capability"
	"github.com/edgecmd/edgecmd/engine"
	storageinmem "github.com/edgecmd/edgecmd/engine/storage/inmem"
	"github.com/edgecmd/edgecmd/entity"
	"github.com/edgecmd/edgecmd/topic"
	"github.com/edgecmd/edgecmd/workflow"

	"github.com/alexedwards/flow"
	"github.com/goccy/go-json"
	"github.com/micromdm/nanolib/log"
)

const testOp = "test_op"

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type testAPI struct {
	mux  *flow.Mux
	b    *inmem.Broker
	e    *engine.Engine
	caps *capability.Directory
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()
	defs, err := workflow.NewRegistry(workflow.NewLinear(testOp, time.Minute, workflow.StatusExecuting))
	if err != nil {
		t.Fatal(err)
	}
	a := &testAPI{mux: flow.New(), b: inmem.New()}
	reg := entity.New(a.b)
	a.caps = capability.New(a.b)
	a.e = engine.New(a.b, storageinmem.New(), defs, engine.WithRegistry(reg), engine.WithCapabilities(a.caps))
	if err = a.e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		a.e.Stop(context.Background())
		a.b.Close()
	})
	if err = a.caps.Declare(ctx, topic.MainDevice, testOp, map[string]interface{}{"types": []string{"a"}}); err != nil {
		t.Fatal(err)
	}
	if err = reg.Register(ctx, entity.Entity{TopicID: topic.NewDevice("child1")}); err != nil {
		t.Fatal(err)
	}
	HandleAPIv1("/v1", a.mux, log.NopLogger, a.e, a.caps, reg)
	return a
}

func (a *testAPI) do(method, target string, body io.Reader) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	a.mux.ServeHTTP(w, httptest.NewRequest(method, target, body))
	return w
}

func (a *testAPI) create(t *testing.T, body string) string {
	t.Helper()
	w := a.do("POST", "/v1/command/"+testOp, strings.NewReader(body))
	if have, want := w.Code, http.StatusCreated; have != want {
		t.Fatalf("create: have: %d, want: %d: %s", have, want, w.Body.String())
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID == "" {
		t.Fatal("empty id")
	}
	return resp.ID
}

func (a *testAPI) status(t *testing.T, id string) string {
	t.Helper()
	w := a.do("GET", "/v1/command/"+testOp+"/"+id, nil)
	if w.Code != http.StatusOK {
		return ""
	}
	p, err := workflow.ParsePayload(w.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return p.Status()
}

func TestCreateCommandErrors(t *testing.T) {
	a := newTestAPI(t)
	for _, test := range []struct {
		name   string
		target string
		body   string
		want   int
	}{
		{"no-workflow", "/v1/command/nope", "", http.StatusNotFound},
		{"invalid-target", "/v1/command/" + testOp + "?target=device/x", "", http.StatusBadRequest},
		{"unknown-target", "/v1/command/" + testOp + "?target=" + url.QueryEscape("device/nope//"), "", http.StatusNotFound},
		{"no-capability", "/v1/command/" + testOp + "?target=" + url.QueryEscape("device/child1//"), "", http.StatusUnprocessableEntity},
		{"bad-payload", "/v1/command/" + testOp, "[1,", http.StatusBadRequest},
	} {
		t.Run(test.name, func(t *testing.T) {
			w := a.do("POST", test.target, strings.NewReader(test.body))
			if have, want := w.Code, test.want; have != want {
				t.Errorf("have: %d, want: %d: %s", have, want, w.Body.String())
			}
		})
	}
}

func TestCommandLifecycle(t *testing.T) {
	a := newTestAPI(t)
	id := a.create(t, `{"x":"y"}`)
	eventually(t, func() bool { return a.status(t, id) == workflow.StatusExecuting })

	w := a.do("GET", "/v1/commands?operation="+testOp, nil)
	if have, want := w.Code, http.StatusOK; have != want {
		t.Fatalf("have: %d, want: %d", have, want)
	}
	var cmds []map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &cmds); err != nil {
		t.Fatal(err)
	}
	if have, want := len(cmds), 1; have != want {
		t.Fatalf("have: %d, want: %d", have, want)
	}
	if have, want := cmds[0]["id"], id; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	w = a.do("POST", "/v1/command/"+testOp+"/"+id+"/cancel", nil)
	if have, want := w.Code, http.StatusNoContent; have != want {
		t.Fatalf("cancel: have: %d, want: %d", have, want)
	}
	eventually(t, func() bool { return a.status(t, id) == workflow.StatusFailed })

	// cancelling a terminal command is not possible.
	w = a.do("POST", "/v1/command/"+testOp+"/"+id+"/cancel", nil)
	if have, want := w.Code, http.StatusUnprocessableEntity; have != want {
		t.Errorf("cancel: have: %d, want: %d", have, want)
	}

	w = a.do("DELETE", "/v1/command/"+testOp+"/"+id, nil)
	if have, want := w.Code, http.StatusNoContent; have != want {
		t.Fatalf("clear: have: %d, want: %d", have, want)
	}
	w = a.do("GET", "/v1/command/"+testOp+"/"+id, nil)
	if have, want := w.Code, http.StatusNotFound; have != want {
		t.Errorf("get: have: %d, want: %d", have, want)
	}
}

func TestObserveCommand(t *testing.T) {
	a := newTestAPI(t)
	id := a.create(t, "")
	eventually(t, func() bool { return a.status(t, id) == workflow.StatusExecuting })

	srv := httptest.NewServer(a.mux)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/v1/command/" + testOp + "/" + id + "/observe")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if have, want := resp.StatusCode, http.StatusOK; have != want {
		t.Fatalf("have: %d, want: %d", have, want)
	}

	tp := a.e.Schema().Command(topic.MainDevice, testOp, id)
	if err = bus.Retain(context.Background(), a.b, tp, []byte(`{"status":"successful"}`)); err != nil {
		t.Fatal(err)
	}

	var statuses []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		p, err := workflow.ParsePayload(scanner.Bytes())
		if err != nil {
			t.Fatal(err)
		}
		statuses = append(statuses, p.Status())
	}
	if err = scanner.Err(); err != nil {
		t.Fatal(err)
	}
	if have, want := strings.Join(statuses, ","), "executing,successful"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestDirectories(t *testing.T) {
	a := newTestAPI(t)

	w := a.do("GET", "/v1/capabilities", nil)
	if have, want := w.Code, http.StatusOK; have != want {
		t.Fatalf("have: %d, want: %d", have, want)
	}
	var caps map[string]map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &caps); err != nil {
		t.Fatal(err)
	}
	if _, ok := caps[testOp]["types"]; !ok {
		t.Errorf("missing capability params: %v", caps)
	}

	w = a.do("GET", "/v1/entities", nil)
	if have, want := w.Code, http.StatusOK; have != want {
		t.Fatalf("have: %d, want: %d", have, want)
	}
	var entities []map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &entities); err != nil {
		t.Fatal(err)
	}
	ids := make(map[interface{}]bool)
	for _, e := range entities {
		ids[e["@topic-id"]] = true
	}
	for _, id := range []string{"device/main//", "device/child1//"} {
		if !ids[id] {
			t.Errorf("missing entity %s: %v", id, entities)
		}
	}
}
