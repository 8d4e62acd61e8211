// Package paho implements a bus using the Eclipse Paho MQTT client.
package paho

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgecmd/edgecmd/bus"
	"github.com/edgecmd/edgecmd/log/logkeys"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/micromdm/nanolib/log"
)

// ErrNoBroker is returned when no broker URL was configured.
var ErrNoBroker = errors.New("no broker configured")

const (
	DefaultConnectTimeout = 30 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

type subscription struct {
	qos byte
	q   *bus.Queue
}

// Client is an MQTT bus.
type Client struct {
	client MQTT.Client
	logger log.Logger
	qos    byte

	mu   sync.Mutex
	subs map[string]*subscription
}

type config struct {
	broker         string
	clientID       string
	username       string
	password       string
	will           *bus.Message
	connectTimeout time.Duration
	qos            byte
	logger         log.Logger
}

// Option configures the client.
type Option func(*config)

// WithBroker sets the broker URL, e.g. "tcp://localhost:1883".
func WithBroker(url string) Option {
	return func(c *config) {
		c.broker = url
	}
}

// WithClientID sets the MQTT client ID.
func WithClientID(id string) Option {
	return func(c *config) {
		c.clientID = id
	}
}

// WithCredentials sets the broker username and password.
func WithCredentials(username, password string) Option {
	return func(c *config) {
		c.username = username
		c.password = password
	}
}

// WithLastWill registers m as the message the broker publishes on our
// behalf when the connection is lost ungracefully.
func WithLastWill(m *bus.Message) Option {
	return func(c *config) {
		c.will = m
	}
}

// WithConnectTimeout sets the connection timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) {
		c.connectTimeout = d
	}
}

// WithQoS sets the QoS used for subscriptions and messages that leave it unset.
func WithQoS(qos byte) Option {
	return func(c *config) {
		c.qos = qos
	}
}

// WithLogger sets the client logger.
func WithLogger(logger log.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// New creates a new (not yet connected) MQTT bus client.
func New(opts ...Option) (*Client, error) {
	cfg := &config{
		connectTimeout: DefaultConnectTimeout,
		qos:            bus.DefaultQoS,
		logger:         log.NopLogger,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.broker == "" {
		return nil, ErrNoBroker
	}

	c := &Client{
		logger: cfg.logger,
		qos:    cfg.qos,
		subs:   make(map[string]*subscription),
	}

	mqttOpts := MQTT.NewClientOptions()
	mqttOpts.AddBroker(cfg.broker)
	mqttOpts.SetClientID(cfg.clientID)
	if cfg.username != "" {
		mqttOpts.SetUsername(cfg.username)
	}
	if cfg.password != "" {
		mqttOpts.SetPassword(cfg.password)
	}
	if cfg.will != nil {
		mqttOpts.SetBinaryWill(cfg.will.Topic, cfg.will.Payload, cfg.qos, cfg.will.Retained)
	}
	mqttOpts.SetConnectTimeout(cfg.connectTimeout)
	mqttOpts.SetAutoReconnect(true)
	// subscriptions are restored in the connect handler.
	mqttOpts.SetCleanSession(true)
	mqttOpts.SetOnConnectHandler(c.onConnect)
	mqttOpts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(mqttOpts)
	return c, nil
}

func (c *Client) onConnect(client MQTT.Client) {
	optionsReader := client.OptionsReader()
	logger := c.logger.With("client_id", optionsReader.ClientID())

	c.mu.Lock()
	defer c.mu.Unlock()
	for filter, s := range c.subs {
		// not waiting on the token: we're on the client's connect path.
		client.Subscribe(filter, s.qos, c.messageHandler(s.q))
	}
	logger.Info(logkeys.Message, "connected to broker", logkeys.GenericCount, len(c.subs))
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	optionsReader := client.OptionsReader()
	c.logger.Info(
		logkeys.Message, "connection lost",
		"client_id", optionsReader.ClientID(),
		logkeys.Error, err,
	)
}

func (c *Client) messageHandler(q *bus.Queue) MQTT.MessageHandler {
	return func(_ MQTT.Client, msg MQTT.Message) {
		q.Push(&bus.Message{
			Topic:    msg.Topic(),
			Payload:  msg.Payload(),
			Retained: msg.Retained(),
			QoS:      msg.Qos(),
		})
	}
}

// wait waits for token to complete or ctx to be done.
func wait(ctx context.Context, token MQTT.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect connects to the broker.
func (c *Client) Connect(ctx context.Context) error {
	if err := wait(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

// Publish publishes m.
func (c *Client) Publish(ctx context.Context, m *bus.Message) error {
	qos := m.QoS
	if qos == 0 {
		qos = c.qos
	}
	if err := wait(ctx, c.client.Publish(m.Topic, qos, m.Retained, m.Payload)); err != nil {
		return fmt.Errorf("publishing to %s: %w", m.Topic, err)
	}
	return nil
}

// Subscribe subscribes h to filter.
func (c *Client) Subscribe(ctx context.Context, filter string, h bus.Handler) error {
	s := &subscription{qos: c.qos, q: bus.NewQueue(h)}
	c.mu.Lock()
	if old, ok := c.subs[filter]; ok {
		old.q.Close()
	}
	c.subs[filter] = s
	c.mu.Unlock()
	if err := wait(ctx, c.client.Subscribe(filter, s.qos, c.messageHandler(s.q))); err != nil {
		return fmt.Errorf("subscribing to %s: %w", filter, err)
	}
	c.logger.Debug(logkeys.Message, "subscribed", logkeys.Topic, filter)
	return nil
}

// Unsubscribe removes subscriptions for filters.
func (c *Client) Unsubscribe(ctx context.Context, filters ...string) error {
	c.mu.Lock()
	for _, filter := range filters {
		if s, ok := c.subs[filter]; ok {
			s.q.Close()
			delete(c.subs, filter)
		}
	}
	c.mu.Unlock()
	if err := wait(ctx, c.client.Unsubscribe(filters...)); err != nil {
		return fmt.Errorf("unsubscribing: %w", err)
	}
	return nil
}

// IsConnected reports whether the client is connected to the broker.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect gracefully disconnects from the broker.
// The last will is not published on a graceful disconnect.
func (c *Client) Disconnect() {
	c.client.Disconnect(disconnectQuiesce)
	c.mu.Lock()
	defer c.mu.Unlock()
	for filter, s := range c.subs {
		s.q.Close()
		delete(c.subs, filter)
	}
}
