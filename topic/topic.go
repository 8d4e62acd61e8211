// Package topic implements the topic naming scheme shared by all participants.
//
// Every addressable entity is identified by a four segment topic id of the
// form <kind>/<id>/<component-kind>/<component-id>. Trailing segments may be
// empty to mean "not applicable", e.g. the main device is "device/main//".
// Topics are composed of a root prefix, the entity topic id and an optional
// channel: nothing for registration, "cmd/<op>" for capabilities,
// "cmd/<op>/<id>" for command instances and "status/health" for health.
package topic

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidIdentifier is returned for entity topic ids that do not
	// conform to the four segment scheme.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrNotInRoot is returned when parsing a topic outside of the root prefix.
	ErrNotInRoot = errors.New("topic not in root")
)

// DefaultRoot is the default topic root prefix.
const DefaultRoot = "te"

// EntityID is a four segment entity topic identifier.
type EntityID string

// MainDevice is the topic id of the main device.
const MainDevice EntityID = "device/main//"

const segments = 4

func validSegment(s string) bool {
	return !strings.ContainsAny(s, "+#\x00")
}

// ParseEntityID parses and validates s as an entity topic id.
func ParseEntityID(s string) (EntityID, error) {
	parts := strings.Split(s, "/")
	if len(parts) != segments {
		return "", fmt.Errorf("%w: %q: want %d segments, have %d", ErrInvalidIdentifier, s, segments, len(parts))
	}
	for _, p := range parts {
		if !validSegment(p) {
			return "", fmt.Errorf("%w: %q: invalid character", ErrInvalidIdentifier, s)
		}
	}
	if parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: %q: empty root segments", ErrInvalidIdentifier, s)
	}
	// component kind and id are either both present or both absent.
	if (parts[2] == "") != (parts[3] == "") {
		return "", fmt.Errorf("%w: %q: incomplete component segments", ErrInvalidIdentifier, s)
	}
	return EntityID(s), nil
}

// NewDevice returns the topic id of the device with id.
func NewDevice(id string) EntityID {
	return EntityID("device/" + id + "//")
}

// NewService returns the topic id of service name running on device id.
func NewService(device, name string) EntityID {
	return EntityID("device/" + device + "/service/" + name)
}

func (e EntityID) parts() []string {
	p := strings.SplitN(string(e), "/", segments)
	for len(p) < segments {
		p = append(p, "")
	}
	return p
}

// Valid reports whether e conforms to the topic id scheme.
func (e EntityID) Valid() bool {
	_, err := ParseEntityID(string(e))
	return err == nil
}

// IsDevice reports whether e is a device (no component segments) in the "device" kind.
func (e EntityID) IsDevice() bool {
	p := e.parts()
	return p[0] == "device" && p[2] == "" && p[3] == ""
}

// IsService reports whether e is a service of a device.
func (e EntityID) IsService() bool {
	p := e.parts()
	return p[0] == "device" && p[2] == "service" && p[3] != ""
}

// IsCanonical reports whether e uses the default device/service shape.
func (e EntityID) IsCanonical() bool {
	return e.IsDevice() || e.IsService()
}

// Device returns the topic id of the device e belongs to.
// For non-canonical ids the empty id is returned.
func (e EntityID) Device() EntityID {
	if !e.IsCanonical() {
		return ""
	}
	return NewDevice(e.parts()[1])
}

// DefaultParent returns the parent implied by the canonical shape of e.
// Services belong to their device and child devices to the main device.
// The main device and non-canonical ids have no default parent.
func (e EntityID) DefaultParent() EntityID {
	switch {
	case e.IsService():
		return e.Device()
	case e == MainDevice:
		return ""
	case e.IsDevice():
		return MainDevice
	}
	return ""
}

// Slug returns a path friendly name for e: the non-empty segments after the
// kind joined by an underscore. For example "device/sensor1//" is "sensor1".
func (e EntityID) Slug() string {
	var s []string
	for _, p := range e.parts()[1:] {
		if p != "" {
			s = append(s, p)
		}
	}
	return strings.Join(s, "_")
}

// ChannelKind identifies what a topic is used for.
type ChannelKind int

const (
	ChannelOther ChannelKind = iota
	ChannelRegistration
	ChannelCapability
	ChannelCommand
	ChannelHealth
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelRegistration:
		return "registration"
	case ChannelCapability:
		return "capability"
	case ChannelCommand:
		return "command"
	case ChannelHealth:
		return "health"
	default:
		return "other"
	}
}

// Channel is the parsed channel part of a topic.
type Channel struct {
	Kind      ChannelKind
	Operation string // for capability and command channels
	CommandID string // for command channels
	Raw       string // channel segments as they appeared
}

// Schema composes and parses topics under a root prefix.
type Schema struct {
	Root string
}

// NewSchema creates a topic schema for root.
// An empty root uses DefaultRoot.
func NewSchema(root string) Schema {
	if root == "" {
		root = DefaultRoot
	}
	return Schema{Root: strings.TrimSuffix(root, "/")}
}

// Registration returns the registration topic for e.
func (s Schema) Registration(e EntityID) string {
	return s.Root + "/" + string(e)
}

// Capability returns the capability topic for operation on e.
func (s Schema) Capability(e EntityID, operation string) string {
	return s.Root + "/" + string(e) + "/cmd/" + operation
}

// Command returns the topic of a command instance.
func (s Schema) Command(e EntityID, operation, id string) string {
	return s.Capability(e, operation) + "/" + id
}

// Health returns the health status topic for e.
func (s Schema) Health(e EntityID) string {
	return s.Root + "/" + string(e) + "/status/health"
}

// Channel returns an arbitrary channel topic for e.
func (s Schema) Channel(e EntityID, channel string) string {
	return s.Root + "/" + string(e) + "/" + channel
}

// AllRegistrations is a subscription filter for all registration topics.
func (s Schema) AllRegistrations() string {
	return s.Root + "/+/+/+/+"
}

// AllCapabilities is a subscription filter for all capability topics.
func (s Schema) AllCapabilities() string {
	return s.Root + "/+/+/+/+/cmd/+"
}

// AllCommands is a subscription filter for all command instance topics.
func (s Schema) AllCommands() string {
	return s.Root + "/+/+/+/+/cmd/+/+"
}

// AllEntityTopics is a subscription filter for every topic below root.
func (s Schema) AllEntityTopics() string {
	return s.Root + "/#"
}

// Parse splits t into its entity topic id and channel.
func (s Schema) Parse(t string) (EntityID, Channel, error) {
	if !strings.HasPrefix(t, s.Root+"/") {
		return "", Channel{}, fmt.Errorf("%w: %s", ErrNotInRoot, t)
	}
	parts := strings.Split(t[len(s.Root)+1:], "/")
	if len(parts) < segments {
		return "", Channel{}, fmt.Errorf("%w: %q: too few segments", ErrInvalidIdentifier, t)
	}
	id, err := ParseEntityID(strings.Join(parts[:segments], "/"))
	if err != nil {
		return "", Channel{}, err
	}
	rest := parts[segments:]
	ch := Channel{Raw: strings.Join(rest, "/")}
	switch {
	case len(rest) == 0:
		ch.Kind = ChannelRegistration
	case len(rest) == 2 && rest[0] == "cmd" && rest[1] != "":
		ch.Kind = ChannelCapability
		ch.Operation = rest[1]
	case len(rest) == 3 && rest[0] == "cmd" && rest[1] != "" && rest[2] != "":
		ch.Kind = ChannelCommand
		ch.Operation = rest[1]
		ch.CommandID = rest[2]
	case len(rest) == 2 && rest[0] == "status" && rest[1] == "health":
		ch.Kind = ChannelHealth
	}
	return id, ch, nil
}
