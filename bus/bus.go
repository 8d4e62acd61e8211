// Package bus defines the publish/subscribe substrate used by all participants.
//
// The bus is modelled on MQTT: topics are slash separated, subscriptions
// use the "+" and "#" wildcards and publishers may ask the broker to retain
// the last message of a topic. Retained messages are delivered to every new
// matching subscription. Publishing an empty retained payload clears the
// retained message of a topic.
package bus

import (
	"context"
	"errors"
	"strings"
)

// ErrClosed is returned when using a closed bus.
var ErrClosed = errors.New("bus closed")

// DefaultQoS is the QoS used when a message does not specify one.
const DefaultQoS byte = 1

// Message is a single bus message.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
	QoS      byte
}

// Empty reports whether m has no payload.
// An empty retained message clears the retained state of a topic.
func (m *Message) Empty() bool {
	return m == nil || len(m.Payload) == 0
}

// Handler receives messages for a subscription.
// Handlers of a single subscription are called sequentially in delivery order.
type Handler func(*Message)

// Publisher publishes messages.
type Publisher interface {
	Publish(ctx context.Context, m *Message) error
}

// Subscriber manages subscriptions.
type Subscriber interface {
	// Subscribe registers h for all topics matching filter.
	// Retained messages matching filter are delivered to h.
	Subscribe(ctx context.Context, filter string, h Handler) error

	// Unsubscribe removes all subscriptions for filters.
	Unsubscribe(ctx context.Context, filters ...string) error
}

// Bus is a publisher and a subscriber.
type Bus interface {
	Publisher
	Subscriber
}

// ConnectionChecker reports the connection state of a bus.
type ConnectionChecker interface {
	IsConnected() bool
}

// Retain publishes payload retained on topic.
func Retain(ctx context.Context, p Publisher, topic string, payload []byte) error {
	return p.Publish(ctx, &Message{Topic: topic, Payload: payload, Retained: true, QoS: DefaultQoS})
}

// Clear clears the retained message on topic.
func Clear(ctx context.Context, p Publisher, topic string) error {
	return p.Publish(ctx, &Message{Topic: topic, Retained: true, QoS: DefaultQoS})
}

// MatchTopic reports whether topic matches the subscription filter
// using MQTT wildcard rules.
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	// topics beginning with $ are not matched by leading wildcards.
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		switch {
		case f == "#":
			// "#" also matches the parent level.
			return i == len(fs)-1
		case i >= len(ts):
			return false
		case f == "+":
			continue
		case f != ts[i]:
			return false
		}
	}
	return len(fs) == len(ts)
}
