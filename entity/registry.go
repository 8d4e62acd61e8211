package entity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/edgecmd/edgecmd/bus"
	"github.com/edgecmd/edgecmd/log/logkeys"
	"github.com/edgecmd/edgecmd/topic"

	"github.com/micromdm/nanolib/log"
)

// Registry tracks the entities registered on the bus.
// The main device is always present.
type Registry struct {
	mu       sync.RWMutex
	entities map[topic.EntityID]*Entity

	bus    bus.Bus
	schema topic.Schema
	logger log.Logger
	auto   bool
}

// Option configures the registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger log.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRoot sets the topic root prefix.
func WithRoot(root string) Option {
	return func(r *Registry) {
		r.schema = topic.NewSchema(root)
	}
}

// WithAutoRegistration toggles the synthesis of entities for messages
// on canonical topics of unregistered entities. Enabled by default.
func WithAutoRegistration(auto bool) Option {
	return func(r *Registry) {
		r.auto = auto
	}
}

// New creates a new registry on b.
func New(b bus.Bus, opts ...Option) *Registry {
	r := &Registry{
		entities: make(map[topic.EntityID]*Entity),
		bus:      b,
		schema:   topic.NewSchema(""),
		logger:   log.NopLogger,
		auto:     true,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.entities[topic.MainDevice] = mainDevice()
	return r
}

func mainDevice() *Entity {
	return &Entity{TopicID: topic.MainDevice, Type: TypeDevice}
}

// Start subscribes to the entity topics of the bus.
func (r *Registry) Start(ctx context.Context) error {
	return r.bus.Subscribe(ctx, r.schema.AllEntityTopics(), r.handle)
}

// Stop unsubscribes from the bus.
func (r *Registry) Stop(ctx context.Context) error {
	return r.bus.Unsubscribe(ctx, r.schema.AllEntityTopics())
}

func (r *Registry) handle(m *bus.Message) {
	id, ch, err := r.schema.Parse(m.Topic)
	if err != nil {
		r.logger.Debug(logkeys.Message, "parse topic", logkeys.Topic, m.Topic, logkeys.Error, err)
		return
	}
	if ch.Kind == topic.ChannelRegistration {
		r.handleRegistration(id, m)
		return
	}
	if r.auto && !m.Empty() {
		r.autoRegister(context.Background(), id)
	}
}

func (r *Registry) handleRegistration(id topic.EntityID, m *bus.Message) {
	logger := r.logger.With(logkeys.Entity, id)
	if m.Empty() {
		r.remove(id)
		logger.Debug(logkeys.Message, "deregistered")
		return
	}
	e, err := ParsePayload(id, m.Payload)
	if err != nil {
		logger.Info(logkeys.Message, "parse registration", logkeys.Error, err)
		return
	}
	// parents may arrive after their children during a retained scan.
	r.mu.Lock()
	r.entities[id] = e
	r.mu.Unlock()
	logger.Debug(logkeys.Message, "registered", "type", e.Type)
}

// autoRegister synthesizes a minimal entity for a canonical id.
func (r *Registry) autoRegister(ctx context.Context, id topic.EntityID) {
	if !id.IsCanonical() {
		return
	}
	var missing []*Entity
	r.mu.Lock()
	// a service implies its device.
	for _, cur := range []topic.EntityID{id.Device(), id} {
		if _, ok := r.entities[cur]; ok {
			continue
		}
		e := &Entity{TopicID: cur, Auto: true}
		if err := e.normalize(); err != nil {
			continue
		}
		r.entities[cur] = e
		missing = append(missing, e)
	}
	r.mu.Unlock()

	for _, e := range missing {
		r.logger.Info(logkeys.Message, "auto-registered", logkeys.Entity, e.TopicID)
		if err := r.publish(ctx, e); err != nil {
			r.logger.Info(logkeys.Message, "publish registration", logkeys.Entity, e.TopicID, logkeys.Error, err)
		}
	}
}

func (r *Registry) publish(ctx context.Context, e *Entity) error {
	payload, err := e.MarshalPayload()
	if err != nil {
		return err
	}
	return bus.Retain(ctx, r.bus, r.schema.Registration(e.TopicID), payload)
}

func (r *Registry) remove(id topic.EntityID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == topic.MainDevice {
		r.entities[id] = mainDevice()
		return
	}
	delete(r.entities, id)
}

// Register upserts entities and publishes their retained registrations.
// Explicit parents must be registered already or be part of entities.
func (r *Registry) Register(ctx context.Context, entities ...Entity) error {
	batch := make(map[topic.EntityID]bool, len(entities))
	records := make([]*Entity, 0, len(entities))
	for i := range entities {
		e := entities[i].clone()
		if err := e.normalize(); err != nil {
			return err
		}
		batch[e.TopicID] = true
		records = append(records, e)
	}
	r.mu.RLock()
	for _, e := range records {
		if e.Parent == "" || batch[e.Parent] {
			continue
		}
		if _, ok := r.entities[e.Parent]; !ok {
			r.mu.RUnlock()
			return fmt.Errorf("%w: %s: %s", ErrUnknownParent, e.TopicID, e.Parent)
		}
	}
	r.mu.RUnlock()

	for _, e := range records {
		if err := r.publish(ctx, e); err != nil {
			return fmt.Errorf("publish registration %s: %w", e.TopicID, err)
		}
		r.mu.Lock()
		r.entities[e.TopicID] = e
		r.mu.Unlock()
	}
	return nil
}

// Deregister clears the retained registration of id.
func (r *Registry) Deregister(ctx context.Context, id topic.EntityID) error {
	if _, err := topic.ParseEntityID(string(id)); err != nil {
		return err
	}
	if err := bus.Clear(ctx, r.bus, r.schema.Registration(id)); err != nil {
		return fmt.Errorf("clear registration %s: %w", id, err)
	}
	r.remove(id)
	return nil
}

// Resolve returns the entity registered for id.
func (r *Registry) Resolve(id topic.EntityID) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.clone(), nil
}

// Entities returns every registered entity sorted by topic id.
func (r *Registry) Entities() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		ret = append(ret, e.clone())
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].TopicID < ret[j].TopicID })
	return ret
}

// Children returns the entities whose parent is id.
func (r *Registry) Children(id topic.EntityID) []*Entity {
	var ret []*Entity
	for _, e := range r.Entities() {
		if e.Parent == id {
			ret = append(ret, e)
		}
	}
	return ret
}

// IsNotFound reports whether err is a resolve miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
