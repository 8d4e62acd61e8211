// Package inmem implements an in-process bus with retained message support.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/edgecmd/edgecmd/bus"
)

type subscription struct {
	filter string
	q      *bus.Queue
}

// Broker is an in-memory message broker.
type Broker struct {
	mu       sync.RWMutex
	retained map[string]*bus.Message
	subs     []*subscription
	closed   bool
}

// New creates a new in-memory broker.
func New() *Broker {
	return &Broker{retained: make(map[string]*bus.Message)}
}

func copyMessage(m *bus.Message, retained bool) *bus.Message {
	c := *m
	c.Payload = append([]byte(nil), m.Payload...)
	c.Retained = retained
	return &c
}

// Publish delivers m to all matching subscriptions and updates the retained store.
func (b *Broker) Publish(_ context.Context, m *bus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}
	if m.Retained {
		if m.Empty() {
			delete(b.retained, m.Topic)
		} else {
			b.retained[m.Topic] = copyMessage(m, true)
		}
	}
	for _, s := range b.subs {
		if bus.MatchTopic(s.filter, m.Topic) {
			s.q.Push(copyMessage(m, false))
		}
	}
	return nil
}

// Subscribe registers h for filter and delivers matching retained messages.
func (b *Broker) Subscribe(_ context.Context, filter string, h bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.ErrClosed
	}
	s := &subscription{filter: filter, q: bus.NewQueue(h)}
	b.subs = append(b.subs, s)

	var topics []string
	for t := range b.retained {
		if bus.MatchTopic(filter, t) {
			topics = append(topics, t)
		}
	}
	sort.Strings(topics)
	for _, t := range topics {
		s.q.Push(copyMessage(b.retained[t], true))
	}
	return nil
}

// Unsubscribe removes all subscriptions for filters.
func (b *Broker) Unsubscribe(_ context.Context, filters ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keep []*subscription
	for _, s := range b.subs {
		if in(filters, s.filter) {
			s.q.Close()
			continue
		}
		keep = append(keep, s)
	}
	b.subs = keep
	return nil
}

func in(s []string, v string) bool {
	for _, i := range s {
		if i == v {
			return true
		}
	}
	return false
}

// Retained returns the retained message for topic.
func (b *Broker) Retained(topic string) (*bus.Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.retained[topic]
	if !ok {
		return nil, false
	}
	return copyMessage(m, true), true
}

// RetainedTopics returns the sorted retained topics matching filter.
func (b *Broker) RetainedTopics(filter string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var topics []string
	for t := range b.retained {
		if bus.MatchTopic(filter, t) {
			topics = append(topics, t)
		}
	}
	sort.Strings(topics)
	return topics
}

// IsConnected is always true for an open broker.
func (b *Broker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close stops all subscriptions.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.q.Close()
	}
	b.subs = nil
	b.closed = true
}
