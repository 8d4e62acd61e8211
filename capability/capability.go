// Package capability implements the directory of operations supported by entities.
//
// A capability is the retained message on "<entity>/cmd/<operation>".
// Its payload carries operation specific parameters such as the
// supported package or configuration types. Clearing the retained
// message withdraws the capability.
package capability

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/edgecmd/edgecmd/bus"
	"github.com/edgecmd/edgecmd/log/logkeys"
	"github.com/edgecmd/edgecmd/topic"

	"github.com/goccy/go-json"
	"github.com/micromdm/nanolib/log"
)

// Capability is a declaration that an entity supports an operation.
type Capability struct {
	Entity    topic.EntityID
	Operation string
	Params    map[string]interface{}
}

// Directory tracks capability declarations on the bus.
type Directory struct {
	mu   sync.RWMutex
	caps map[topic.EntityID]map[string]map[string]interface{}

	bus    bus.Bus
	schema topic.Schema
	logger log.Logger
}

// Option configures the directory.
type Option func(*Directory)

// WithLogger sets the directory logger.
func WithLogger(logger log.Logger) Option {
	return func(d *Directory) {
		d.logger = logger
	}
}

// WithRoot sets the topic root prefix.
func WithRoot(root string) Option {
	return func(d *Directory) {
		d.schema = topic.NewSchema(root)
	}
}

// New creates a new capability directory on b.
func New(b bus.Bus, opts ...Option) *Directory {
	d := &Directory{
		caps:   make(map[topic.EntityID]map[string]map[string]interface{}),
		bus:    b,
		schema: topic.NewSchema(""),
		logger: log.NopLogger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start subscribes to the capability topics of the bus.
func (d *Directory) Start(ctx context.Context) error {
	return d.bus.Subscribe(ctx, d.schema.AllCapabilities(), d.handle)
}

// Stop unsubscribes from the bus.
func (d *Directory) Stop(ctx context.Context) error {
	return d.bus.Unsubscribe(ctx, d.schema.AllCapabilities())
}

func decodeParams(raw []byte) (map[string]interface{}, error) {
	params := make(map[string]interface{})
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		return nil, err
	}
	if params == nil {
		params = make(map[string]interface{})
	}
	return params, nil
}

func (d *Directory) handle(m *bus.Message) {
	id, ch, err := d.schema.Parse(m.Topic)
	if err != nil || ch.Kind != topic.ChannelCapability {
		return
	}
	logger := d.logger.With(logkeys.Entity, id, logkeys.Operation, ch.Operation)
	if m.Empty() {
		d.remove(id, ch.Operation)
		logger.Debug(logkeys.Message, "capability withdrawn")
		return
	}
	params, err := decodeParams(m.Payload)
	if err != nil {
		logger.Info(logkeys.Message, "decode capability", logkeys.Error, err)
		return
	}
	d.set(id, ch.Operation, params)
	logger.Debug(logkeys.Message, "capability declared")
}

func (d *Directory) set(id topic.EntityID, op string, params map[string]interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops, ok := d.caps[id]
	if !ok {
		ops = make(map[string]map[string]interface{})
		d.caps[id] = ops
	}
	ops[op] = copyParams(params)
}

func copyParams(params map[string]interface{}) map[string]interface{} {
	c := make(map[string]interface{}, len(params))
	for k, v := range params {
		c[k] = v
	}
	return c
}

func (d *Directory) remove(id topic.EntityID, op string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.caps[id], op)
	if len(d.caps[id]) == 0 {
		delete(d.caps, id)
	}
}

// Declare publishes the retained capability of op for id.
// Any prior declaration of the same pair is replaced.
func (d *Directory) Declare(ctx context.Context, id topic.EntityID, op string, params map[string]interface{}) error {
	if _, err := topic.ParseEntityID(string(id)); err != nil {
		return err
	}
	if params == nil {
		params = make(map[string]interface{})
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode capability: %w", err)
	}
	if err = bus.Retain(ctx, d.bus, d.schema.Capability(id, op), payload); err != nil {
		return fmt.Errorf("declare %s on %s: %w", op, id, err)
	}
	d.set(id, op, params)
	return nil
}

// Withdraw clears the retained capability of op for id.
// Commands in flight are not affected.
func (d *Directory) Withdraw(ctx context.Context, id topic.EntityID, op string) error {
	if _, err := topic.ParseEntityID(string(id)); err != nil {
		return err
	}
	if err := bus.Clear(ctx, d.bus, d.schema.Capability(id, op)); err != nil {
		return fmt.Errorf("withdraw %s on %s: %w", op, id, err)
	}
	d.remove(id, op)
	return nil
}

// Supports reports whether id declared op.
func (d *Directory) Supports(id topic.EntityID, op string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.caps[id][op]
	return ok
}

// Params returns the parameters declared for op on id.
func (d *Directory) Params(id topic.EntityID, op string) (map[string]interface{}, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.caps[id][op]
	if !ok {
		return nil, false
	}
	return copyParams(p), true
}

// List returns an iterator over a snapshot of the capabilities of id
// sorted by operation.
func (d *Directory) List(id topic.EntityID) *Iterator {
	d.mu.RLock()
	defer d.mu.RUnlock()
	caps := make([]Capability, 0, len(d.caps[id]))
	for op, params := range d.caps[id] {
		caps = append(caps, Capability{Entity: id, Operation: op, Params: copyParams(params)})
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Operation < caps[j].Operation })
	return &Iterator{caps: caps, i: -1}
}

// Iterator iterates over a capability snapshot.
type Iterator struct {
	caps []Capability
	i    int
}

// Next advances the iterator and reports whether a capability is available.
func (it *Iterator) Next() bool {
	if it.i < len(it.caps) {
		it.i++
	}
	return it.i < len(it.caps)
}

// Capability returns the current capability.
func (it *Iterator) Capability() Capability {
	if it.i < 0 || it.i >= len(it.caps) {
		return Capability{}
	}
	return it.caps[it.i]
}

// Reset rewinds the iterator to its first capability.
func (it *Iterator) Reset() {
	it.i = -1
}

// Len returns the number of capabilities in the snapshot.
func (it *Iterator) Len() int {
	return len(it.caps)
}
