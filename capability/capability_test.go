package capability

import (
	"context"
	"testing"
	"time"

	"github.com/edgecmd/edgecmd/bus"
	"github.com/edgecmd/edgecmd/bus/inmem"
	"github.com/edgecmd/edgecmd/topic"
)

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

func TestListFromRetained(t *testing.T) {
	ctx := context.Background()
	b := inmem.New()
	defer b.Close()

	if err := bus.Retain(ctx, b, "te/device/main///cmd/software_update", []byte(`{"type":["apt"]}`)); err != nil {
		t.Fatal(err)
	}
	if err := bus.Retain(ctx, b, "te/device/main///cmd/restart", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	// command instances are not capabilities.
	if err := bus.Retain(ctx, b, "te/device/main///cmd/restart/c1", []byte(`{"status":"init"}`)); err != nil {
		t.Fatal(err)
	}

	d := New(b)
	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return d.List(topic.MainDevice).Len() == 2 })

	it := d.List(topic.MainDevice)
	var ops []string
	for it.Next() {
		ops = append(ops, it.Capability().Operation)
	}
	if have, want := len(ops), 2; have != want {
		t.Fatalf("have: %d, want: %d", have, want)
	}
	if ops[0] != "restart" || ops[1] != "software_update" {
		t.Errorf("unexpected operations: %v", ops)
	}

	// restartable
	it.Reset()
	if !it.Next() || it.Capability().Operation != "restart" {
		t.Error("iterator did not restart")
	}

	// withdrawn by another participant.
	if err := bus.Clear(ctx, b, "te/device/main///cmd/restart"); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return !d.Supports(topic.MainDevice, "restart") })

	params, ok := d.Params(topic.MainDevice, "software_update")
	if !ok {
		t.Fatal("software_update not declared")
	}
	types, ok := params["type"].([]interface{})
	if !ok || len(types) != 1 || types[0] != "apt" {
		t.Errorf("unexpected params: %v", params)
	}
}

func TestDeclareWithdraw(t *testing.T) {
	ctx := context.Background()
	b := inmem.New()
	defer b.Close()
	d := New(b)

	child := topic.NewDevice("child1")
	if err := d.Declare(ctx, child, "config_snapshot", map[string]interface{}{"types": []string{"mosquitto"}}); err != nil {
		t.Fatal(err)
	}
	if !d.Supports(child, "config_snapshot") {
		t.Error("expected capability")
	}
	if _, ok := b.Retained("te/device/child1///cmd/config_snapshot"); !ok {
		t.Error("capability not retained")
	}

	if err := d.Withdraw(ctx, child, "config_snapshot"); err != nil {
		t.Fatal(err)
	}
	if d.Supports(child, "config_snapshot") {
		t.Error("capability not withdrawn")
	}
	if _, ok := b.Retained("te/device/child1///cmd/config_snapshot"); ok {
		t.Error("capability still retained")
	}
	if d.List(child).Next() {
		t.Error("expected empty list")
	}

	if err := d.Declare(ctx, "device/x", "restart", nil); err == nil {
		t.Error("expected invalid identifier")
	}
}

func TestParamsCopied(t *testing.T) {
	ctx := context.Background()
	b := inmem.New()
	defer b.Close()
	d := New(b)

	params := map[string]interface{}{"types": "apt"}
	if err := d.Declare(ctx, topic.MainDevice, "software_update", params); err != nil {
		t.Fatal(err)
	}
	params["types"] = "snap"

	p, ok := d.Params(topic.MainDevice, "software_update")
	if !ok {
		t.Fatal("capability not declared")
	}
	if have, want := p["types"], "apt"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	p["types"] = "snap"

	it := d.List(topic.MainDevice)
	if !it.Next() {
		t.Fatal("empty list")
	}
	if have, want := it.Capability().Params["types"], "apt"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	it.Capability().Params["types"] = "snap"
	if p, _ = d.Params(topic.MainDevice, "software_update"); p["types"] != "apt" {
		t.Errorf("directory state changed: %v", p)
	}
}
