package engine

import (
	"bytes"
	"context"

	"github.com/edgecmd/edgecmd/bus"
	"github.com/edgecmd/edgecmd/engine/storage"
	"github.com/edgecmd/edgecmd/workflow"
)

// observer streams the states of a single command.
// States are queued so the engine never waits on a slow reader.
type observer struct {
	ctx  context.Context
	c    chan workflow.Payload
	q    *bus.Queue
	last []byte
	done bool
}

func newObserver(ctx context.Context) *observer {
	o := &observer{ctx: ctx, c: make(chan workflow.Payload)}
	o.q = bus.NewQueue(o.deliver)
	go func() {
		<-o.q.Done()
		close(o.c)
	}()
	return o
}

// deliver runs on the queue goroutine.
func (o *observer) deliver(m *bus.Message) {
	if o.done {
		return
	}
	if m.Empty() {
		// cleared
		o.stop()
		return
	}
	if bytes.Equal(m.Payload, o.last) {
		return
	}
	o.last = m.Payload
	p, err := workflow.ParsePayload(m.Payload)
	if err != nil {
		return
	}
	select {
	case o.c <- p:
	case <-o.ctx.Done():
		o.stop()
		return
	}
	if workflow.IsTerminal(p.Status()) {
		o.stop()
	}
}

func (o *observer) stop() {
	o.done = true
	o.q.Close()
}

func (e *Engine) addObserver(key storage.CommandKey, o *observer) {
	e.observersMu.Lock()
	e.observers[key] = append(e.observers[key], o)
	e.observersMu.Unlock()
	go func() {
		select {
		case <-o.ctx.Done():
			o.q.Close()
		case <-o.q.Done():
		}
		e.removeObserver(key, o)
	}()
}

func (e *Engine) removeObserver(key storage.CommandKey, o *observer) {
	e.observersMu.Lock()
	defer e.observersMu.Unlock()
	obs := e.observers[key]
	for i, v := range obs {
		if v == o {
			obs = append(obs[:i], obs[i+1:]...)
			break
		}
	}
	if len(obs) < 1 {
		delete(e.observers, key)
		return
	}
	e.observers[key] = obs
}

// notify hands the raw state to the observers of key.
// An empty state closes the observers.
func (e *Engine) notify(key storage.CommandKey, t string, raw []byte) {
	e.observersMu.Lock()
	defer e.observersMu.Unlock()
	for _, o := range e.observers[key] {
		o.q.Push(&bus.Message{Topic: t, Payload: raw})
	}
}
