// Package test runs operation participants against an engine, an
// in-memory bus and a file transfer service.
package test

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edgecmd/edgecmd/bus/inmem"
	"github.com/edgecmd/edgecmd/capability"
	"github.com/edgecmd/edgecmd/engine"
	storageinmem "github.com/edgecmd/edgecmd/engine/storage/inmem"
	"github.com/edgecmd/edgecmd/filetransfer/client"
	fthttp "github.com/edgecmd/edgecmd/filetransfer/http"
	"github.com/edgecmd/edgecmd/filetransfer/storage/fs"
	"github.com/edgecmd/edgecmd/topic"
	"github.com/edgecmd/edgecmd/workflow"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
)

// Env is a started engine with a file transfer service.
type Env struct {
	Bus    *inmem.Broker
	Engine *engine.Engine
	Caps   *capability.Directory
	Store  *fs.FS
	Client *client.Client

	srv *httptest.Server
}

// New creates and starts a new test environment with the built-in
// workflow definitions. The environment is stopped at test cleanup.
func New(t *testing.T, opts ...engine.Option) *Env {
	t.Helper()
	defs, err := workflow.NewRegistry(workflow.Builtin()...)
	if err != nil {
		t.Fatal(err)
	}
	store, err := fs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mux := flow.New()
	fthttp.HandleFiles("/files", mux, log.NopLogger, store)

	env := &Env{
		Bus:    inmem.New(),
		Store:  store,
		Client: client.New(client.WithTimeout(5 * time.Second)),
		srv:    httptest.NewServer(mux),
	}
	env.Caps = capability.New(env.Bus)
	opts = append([]engine.Option{engine.WithCapabilities(env.Caps)}, opts...)
	env.Engine = engine.New(env.Bus, storageinmem.New(), defs, opts...)
	if err = env.Engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		env.Engine.Stop(context.Background())
		env.Bus.Close()
		env.srv.Close()
	})
	return env
}

// FilesURL returns the base URL of the file transfer service.
func (env *Env) FilesURL() string {
	return env.srv.URL + "/files"
}

// Put stores content at path of the file transfer service.
func (env *Env) Put(t *testing.T, path, content string) {
	t.Helper()
	if _, err := env.Store.Put(context.Background(), path, strings.NewReader(content)); err != nil {
		t.Fatal(err)
	}
}

// Get returns the content at path of the file transfer service.
func (env *Env) Get(t *testing.T, path string) string {
	t.Helper()
	c, err := env.Store.Open(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	b, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

// Run creates a command of op on the main device and returns its
// terminal state payload.
func (env *Env) Run(t *testing.T, op string, payload workflow.Payload) workflow.Payload {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if payload == nil {
		payload = make(workflow.Payload)
	}
	id, err := env.Engine.CreateCommand(ctx, topic.MainDevice, op, payload)
	if err != nil {
		t.Fatal(err)
	}
	states, err := env.Engine.Observe(ctx, topic.MainDevice, op, id)
	if err != nil {
		t.Fatal(err)
	}
	var last workflow.Payload
	for p := range states {
		last = p
	}
	if last == nil || !workflow.IsTerminal(last.Status()) {
		t.Fatalf("command %s did not terminate: %v", id, last)
	}
	return last
}
