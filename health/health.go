// Package health publishes the health status of a service on the bus and
// exposes HTTP liveness and readiness checks.
package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/edgecmd/edgecmd/bus"
	"github.com/edgecmd/edgecmd/log/logkeys"
	"github.com/edgecmd/edgecmd/topic"

	"github.com/goccy/go-json"
	"github.com/heptiolabs/healthcheck"
	"github.com/micromdm/nanolib/log"
)

const (
	StatusUp   = "up"
	StatusDown = "down"
)

var ErrNotConnected = errors.New("bus not connected")

// Status is the payload of a health channel message.
type Status struct {
	Status string `json:"status"`
	PID    int    `json:"pid,omitempty"`
	Time   int64  `json:"time,omitempty"`
}

// LastWill returns the message the broker publishes on the health
// channel of service when the connection is lost.
func LastWill(root string, service topic.EntityID) *bus.Message {
	payload, _ := json.Marshal(&Status{Status: StatusDown})
	return &bus.Message{
		Topic:    topic.NewSchema(root).Health(service),
		Payload:  payload,
		Retained: true,
		QoS:      bus.DefaultQoS,
	}
}

// Publisher publishes the health status of a single service.
type Publisher struct {
	pub     bus.Publisher
	service topic.EntityID
	schema  topic.Schema
	logger  log.Logger
	now     func() time.Time
}

type Option func(*Publisher)

func WithLogger(logger log.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithRoot configures the topic root prefix.
func WithRoot(root string) Option {
	return func(p *Publisher) {
		p.schema = topic.NewSchema(root)
	}
}

// NewPublisher creates a new health publisher for service.
func NewPublisher(pub bus.Publisher, service topic.EntityID, opts ...Option) *Publisher {
	p := &Publisher{
		pub:     pub,
		service: service,
		schema:  topic.NewSchema(""),
		logger:  log.NopLogger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Topic returns the health channel topic of the service.
func (p *Publisher) Topic() string {
	return p.schema.Health(p.service)
}

func (p *Publisher) publish(ctx context.Context, status string) error {
	payload, err := json.Marshal(&Status{
		Status: status,
		PID:    os.Getpid(),
		Time:   p.now().Unix(),
	})
	if err != nil {
		return err
	}
	if err = bus.Retain(ctx, p.pub, p.Topic(), payload); err != nil {
		return fmt.Errorf("publishing health status %s: %w", status, err)
	}
	p.logger.Debug(logkeys.Message, "published health", logkeys.Status, status, logkeys.Topic, p.Topic())
	return nil
}

// Start publishes the up status.
func (p *Publisher) Start(ctx context.Context) error {
	return p.publish(ctx, StatusUp)
}

// Stop publishes the down status.
func (p *Publisher) Stop(ctx context.Context) error {
	return p.publish(ctx, StatusDown)
}

// ConnectedCheck fails while c is not connected to the broker.
func ConnectedCheck(c bus.ConnectionChecker) healthcheck.Check {
	return func() error {
		if c.IsConnected() {
			return nil
		}
		return ErrNotConnected
	}
}

// NewHandler creates the HTTP liveness and readiness handler.
// Its /live endpoint checks for goroutine leaks, /ready checks the bus
// connection.
func NewHandler(c bus.ConnectionChecker, maxGoroutines int) healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	if c != nil {
		h.AddReadinessCheck("bus", ConnectedCheck(c))
	}
	return h
}
