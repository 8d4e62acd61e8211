package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgecmd/edgecmd/bus/inmem"
	"github.com/edgecmd/edgecmd/capability"
	"github.com/edgecmd/edgecmd/engine/storage"
	storageinmem "github.com/edgecmd/edgecmd/engine/storage/inmem"
	"github.com/edgecmd/edgecmd/entity"
	"github.com/edgecmd/edgecmd/topic"
	"github.com/edgecmd/edgecmd/workflow"
)

func TestCreateCommandErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testRegistry(t))
	reg := entity.New(env.b)
	caps := capability.New(env.b)
	env.e = New(env.b, env.s, testRegistry(t), WithRegistry(reg), WithCapabilities(caps))

	child := topic.NewDevice("child1")
	if err := reg.Register(ctx, entity.Entity{TopicID: child}); err != nil {
		t.Fatal(err)
	}
	if err := caps.Declare(ctx, topic.MainDevice, testOp, nil); err != nil {
		t.Fatal(err)
	}

	for _, test := range []struct {
		name   string
		target topic.EntityID
		op     string
		want   error
	}{
		{"invalid", "device/main", testOp, topic.ErrInvalidIdentifier},
		{"no-workflow", topic.MainDevice, "unknown_op", ErrNoSuchWorkflow},
		{"unknown-target", topic.NewDevice("nope"), testOp, ErrUnknownTarget},
		{"no-capability", child, testOp, ErrCapabilityNotSupported},
		{"ok", topic.MainDevice, testOp, nil},
	} {
		t.Run(test.name, func(t *testing.T) {
			id, err := env.e.CreateCommand(ctx, test.target, test.op, nil)
			if !errors.Is(err, test.want) {
				t.Fatalf("have: %v, want: %v", err, test.want)
			}
			if err != nil {
				return
			}
			if id == "" {
				t.Fatal("empty command id")
			}
			c, err := env.e.Command(ctx, test.target, test.op, id)
			if err != nil {
				t.Fatal(err)
			}
			if !c.Requester {
				t.Error("requester flag not set")
			}
			if have, want := env.retainedStatus(env.topic(test.op, id)), workflow.StatusInit; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
		})
	}
}

func TestCreateForcesInit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testRegistry(t))
	id, err := env.e.CreateCommand(ctx, topic.MainDevice, testOp, workflow.Payload{
		"status":  "successful",
		"attempt": 4,
		"x":       "y",
	})
	if err != nil {
		t.Fatal(err)
	}
	p := env.retained(env.topic(testOp, id))
	if have, want := p.Status(), workflow.StatusInit; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := p.Attempt(), 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := p.String("x"), "y"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func collect(t *testing.T, c <-chan workflow.Payload) []string {
	t.Helper()
	var statuses []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case p, ok := <-c:
			if !ok {
				return statuses
			}
			statuses = append(statuses, p.Status())
		case <-timeout:
			t.Fatalf("observer not closed: %v", statuses)
			return nil
		}
	}
}

func TestObserve(t *testing.T) {
	ctx := context.Background()
	env := newStartedEnv(t, testRegistry(t))
	id, err := env.e.CreateCommand(ctx, topic.MainDevice, testOp, nil)
	if err != nil {
		t.Fatal(err)
	}
	c, err := env.e.Observe(ctx, topic.MainDevice, testOp, id)
	if err != nil {
		t.Fatal(err)
	}
	tp := env.topic(testOp, id)
	eventually(t, func() bool { return env.retainedStatus(tp) == workflow.StatusExecuting })

	// the agent owning executing finishes the command.
	env.publish(t, tp, `{"status":"successful"}`)
	statuses := collect(t, c)
	if len(statuses) < 2 {
		t.Fatalf("too few states: %v", statuses)
	}
	if have, want := statuses[len(statuses)-1], workflow.StatusSuccessful; have != want {
		t.Errorf("last state: have: %v, want: %v", have, want)
	}
	for i := 1; i < len(statuses); i++ {
		if statuses[i] == statuses[i-1] {
			t.Errorf("duplicate state: %v", statuses)
		}
	}

	// observing a terminal command yields its final state.
	eventually(t, func() bool {
		cmd, err := env.e.Command(ctx, topic.MainDevice, testOp, id)
		return err == nil && cmd.Terminal()
	})
	if c, err = env.e.Observe(ctx, topic.MainDevice, testOp, id); err != nil {
		t.Fatal(err)
	}
	statuses = collect(t, c)
	if have, want := len(statuses), 1; have != want {
		t.Fatalf("have: %v, want: %v", statuses, want)
	}

	if _, err = env.e.Observe(ctx, topic.MainDevice, testOp, "nope"); !errors.Is(err, storage.ErrCommandNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrCommandNotFound)
	}
}

func TestObserveContext(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, testRegistry(t))
	id, err := env.e.CreateCommand(ctx, topic.MainDevice, testOp, nil)
	if err != nil {
		t.Fatal(err)
	}
	octx, cancel := context.WithCancel(ctx)
	c, err := env.e.Observe(octx, topic.MainDevice, testOp, id)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	// the current state may or may not have been delivered.
	if statuses := collect(t, c); len(statuses) > 1 {
		t.Errorf("unexpected states: %v", statuses)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	env := newStartedEnv(t, testRegistry(t))
	id, err := env.e.CreateCommand(ctx, topic.MainDevice, testOp, nil)
	if err != nil {
		t.Fatal(err)
	}
	c, err := env.e.Observe(ctx, topic.MainDevice, testOp, id)
	if err != nil {
		t.Fatal(err)
	}
	tp := env.topic(testOp, id)
	eventually(t, func() bool { return env.retainedStatus(tp) == workflow.StatusExecuting })

	if err = env.e.Clear(ctx, topic.MainDevice, testOp, id); err != nil {
		t.Fatal(err)
	}
	if _, ok := env.b.Retained(tp); ok {
		t.Error("command still retained")
	}
	if _, err = env.e.Command(ctx, topic.MainDevice, testOp, id); !errors.Is(err, storage.ErrCommandNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrCommandNotFound)
	}
	// observers are closed on clear.
	collect(t, c)
}

func TestAutoClear(t *testing.T) {
	ctx := context.Background()
	env := newStartedEnv(t, testRegistry(t), WithAutoClear(true))
	env.e.RegisterHandler(testOp, workflow.StatusExecuting, StateHandlerFunc(func(ctx context.Context, cmd *Command) (workflow.Payload, error) {
		return workflow.Payload{"status": "successful"}, nil
	}))

	id, err := env.e.CreateCommand(ctx, topic.MainDevice, testOp, nil)
	if err != nil {
		t.Fatal(err)
	}
	tp := env.topic(testOp, id)
	eventually(t, func() bool {
		_, retained := env.b.Retained(tp)
		_, err := env.e.Command(ctx, topic.MainDevice, testOp, id)
		return !retained && errors.Is(err, storage.ErrCommandNotFound)
	})

	// commands of other requesters are left alone.
	other := env.topic(testOp, "other")
	env.publish(t, other, `{"status":"init"}`)
	eventually(t, func() bool {
		cmd, err := env.e.Command(ctx, topic.MainDevice, testOp, "other")
		return err == nil && cmd.Status == workflow.StatusSuccessful
	})
	if have, want := env.retainedStatus(other), workflow.StatusSuccessful; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

// newCheckedEnv creates a started engine checking targets against an
// entity registry and a capability directory.
func newCheckedEnv(t *testing.T) (*testEnv, *entity.Registry, *capability.Directory) {
	t.Helper()
	env := &testEnv{b: inmem.New(), s: storageinmem.New()}
	reg := entity.New(env.b, entity.WithAutoRegistration(false))
	caps := capability.New(env.b)
	env.e = New(env.b, env.s, testRegistry(t), WithRegistry(reg), WithCapabilities(caps))
	if err := env.e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		env.e.Stop(context.Background())
		env.b.Close()
	})
	return env, reg, caps
}

func TestBusCommandChecks(t *testing.T) {
	ctx := context.Background()
	env, reg, caps := newCheckedEnv(t)
	var runs int32
	env.e.RegisterHandler(testOp, workflow.StatusExecuting, StateHandlerFunc(func(ctx context.Context, cmd *Command) (workflow.Payload, error) {
		atomic.AddInt32(&runs, 1)
		return workflow.Payload{"status": "successful"}, nil
	}))

	child := topic.NewDevice("child1")
	if err := reg.Register(ctx, entity.Entity{TopicID: child}); err != nil {
		t.Fatal(err)
	}
	if err := caps.Declare(ctx, child, testOp, nil); err != nil {
		t.Fatal(err)
	}
	if err := reg.Deregister(ctx, child); err != nil {
		t.Fatal(err)
	}
	if err := caps.Declare(ctx, topic.MainDevice, testOp, nil); err != nil {
		t.Fatal(err)
	}
	if err := caps.Withdraw(ctx, topic.MainDevice, testOp); err != nil {
		t.Fatal(err)
	}

	for _, test := range []struct {
		name   string
		target topic.EntityID
		want   error
	}{
		{"deregistered", child, ErrUnknownTarget},
		{"withdrawn", topic.MainDevice, ErrCapabilityNotSupported},
	} {
		t.Run(test.name, func(t *testing.T) {
			tp := env.e.Schema().Command(test.target, testOp, "other-"+test.name)
			env.publish(t, tp, `{"status":"init"}`)
			eventually(t, func() bool { return env.retainedStatus(tp) == workflow.StatusFailed })
			if reason := env.retained(tp).Reason(); !strings.Contains(reason, test.want.Error()) {
				t.Errorf("unexpected reason: %q", reason)
			}
		})
	}
	if have, want := atomic.LoadInt32(&runs), int32(0); have != want {
		t.Errorf("handler runs: have: %v, want: %v", have, want)
	}
}

func TestWithdrawWhileInflight(t *testing.T) {
	ctx := context.Background()
	env, _, caps := newCheckedEnv(t)
	started := make(chan struct{})
	release := make(chan struct{})
	env.e.RegisterHandler(testOp, workflow.StatusExecuting, StateHandlerFunc(func(ctx context.Context, cmd *Command) (workflow.Payload, error) {
		close(started)
		<-release
		return workflow.Payload{"status": "successful"}, nil
	}))
	if err := caps.Declare(ctx, topic.MainDevice, testOp, nil); err != nil {
		t.Fatal(err)
	}

	id, err := env.e.CreateCommand(ctx, topic.MainDevice, testOp, nil)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not started")
	}
	c, err := env.e.Observe(ctx, topic.MainDevice, testOp, id)
	if err != nil {
		t.Fatal(err)
	}

	if err = caps.Withdraw(ctx, topic.MainDevice, testOp); err != nil {
		t.Fatal(err)
	}
	if _, err = env.e.CreateCommand(ctx, topic.MainDevice, testOp, nil); !errors.Is(err, ErrCapabilityNotSupported) {
		t.Errorf("have: %v, want: %v", err, ErrCapabilityNotSupported)
	}

	// the command in flight still finishes.
	close(release)
	statuses := collect(t, c)
	if len(statuses) < 1 {
		t.Fatal("no states observed")
	}
	if have, want := statuses[len(statuses)-1], workflow.StatusSuccessful; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestDeregisteredTarget(t *testing.T) {
	ctx := context.Background()
	env, reg, caps := newCheckedEnv(t)
	child := topic.NewDevice("child1")
	if err := reg.Register(ctx, entity.Entity{TopicID: child}); err != nil {
		t.Fatal(err)
	}
	if err := caps.Declare(ctx, child, testOp, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.e.CreateCommand(ctx, child, testOp, nil); err != nil {
		t.Fatal(err)
	}

	if err := reg.Deregister(ctx, child); err != nil {
		t.Fatal(err)
	}
	if _, err := env.e.CreateCommand(ctx, child, testOp, nil); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("have: %v, want: %v", err, ErrUnknownTarget)
	}
}
