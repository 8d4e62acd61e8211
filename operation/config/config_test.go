package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/edgecmd/edgecmd/operation"
	"github.com/edgecmd/edgecmd/operation/test"
	"github.com/edgecmd/edgecmd/topic"
	"github.com/edgecmd/edgecmd/workflow"
)

func newParticipant(t *testing.T, env *test.Env) (*Participant, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tedge.toml")
	if err := os.WriteFile(path, []byte("[mqtt]\nport = 1883\n"), 0644); err != nil {
		t.Fatal(err)
	}
	pluginPath := filepath.Join(dir, "plugin.toml")
	plugin := "[[files]]\npath = \"" + path + "\"\ntype = \"tedge.toml\"\n"
	if err := os.WriteFile(pluginPath, []byte(plugin), 0644); err != nil {
		t.Fatal(err)
	}
	pl, err := operation.LoadPlugin(pluginPath)
	if err != nil {
		t.Fatal(err)
	}
	p := New(pl, env.Client, env.FilesURL())
	p.Register(env.Engine)
	if err = p.Start(context.Background(), env.Caps); err != nil {
		t.Fatal(err)
	}
	return p, path
}

func TestCapabilities(t *testing.T) {
	env := test.New(t)
	p, _ := newParticipant(t, env)
	params, ok := env.Caps.Params(topic.MainDevice, workflow.OpConfigSnapshot)
	if !ok {
		t.Fatal("config_snapshot not declared")
	}
	types, _ := params["types"].([]string)
	if have, want := strings.Join(types, ","), "tedge.toml"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if err := p.Stop(context.Background(), env.Caps); err != nil {
		t.Fatal(err)
	}
	if env.Caps.Supports(topic.MainDevice, workflow.OpConfigUpdate) {
		t.Error("config_update not withdrawn")
	}
}

func TestSnapshot(t *testing.T) {
	env := test.New(t)
	newParticipant(t, env)

	p := env.Run(t, workflow.OpConfigSnapshot, workflow.Payload{"type": "tedge.toml"})
	if have, want := p.Status(), workflow.StatusSuccessful; have != want {
		t.Fatalf("have: %v, want: %v: %s", have, want, p.Reason())
	}
	if have, want := p.String(operation.KeyTedgeURL), env.FilesURL()+"/main/config_snapshot/tedge.toml"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := env.Get(t, "main/config_snapshot/tedge.toml"), "[mqtt]\nport = 1883\n"; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}

	p = env.Run(t, workflow.OpConfigSnapshot, workflow.Payload{"type": "nope"})
	if have, want := p.Status(), workflow.StatusFailed; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if !strings.Contains(p.Reason(), operation.ErrUnknownType.Error()) {
		t.Errorf("unexpected reason: %s", p.Reason())
	}
}

func TestUpdate(t *testing.T) {
	env := test.New(t)
	_, path := newParticipant(t, env)
	env.Put(t, "main/config_update/tedge.toml", "[mqtt]\nport = 8883\n")

	p := env.Run(t, workflow.OpConfigUpdate, workflow.Payload{
		"type":     "tedge.toml",
		"tedgeUrl": env.FilesURL() + "/main/config_update/tedge.toml",
	})
	if have, want := p.Status(), workflow.StatusSuccessful; have != want {
		t.Fatalf("have: %v, want: %v: %s", have, want, p.Reason())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := string(b), "[mqtt]\nport = 8883\n"; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}

	// a missing remote file fails without touching the config.
	p = env.Run(t, workflow.OpConfigUpdate, workflow.Payload{
		"type":     "tedge.toml",
		"tedgeUrl": env.FilesURL() + "/main/config_update/missing",
	})
	if have, want := p.Status(), workflow.StatusFailed; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if b, _ = os.ReadFile(path); string(b) != "[mqtt]\nport = 8883\n" {
		t.Errorf("config changed: %q", b)
	}

	p = env.Run(t, workflow.OpConfigUpdate, workflow.Payload{"type": "tedge.toml"})
	if have, want := p.Status(), workflow.StatusFailed; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if !strings.Contains(p.Reason(), operation.ErrMissingField.Error()) {
		t.Errorf("unexpected reason: %s", p.Reason())
	}
}
