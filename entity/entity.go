// Package entity implements the registry of devices and services.
package entity

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/edgecmd/edgecmd/topic"

	"github.com/goccy/go-json"
)

var (
	// ErrNotFound is returned when resolving an unknown entity.
	ErrNotFound = errors.New("entity not found")

	// ErrUnknownParent is returned when an explicit parent is not registered.
	ErrUnknownParent = errors.New("unknown parent")

	// ErrInvalidType is returned for unknown entity types.
	ErrInvalidType = errors.New("invalid entity type")
)

// Type is the type of an entity.
type Type string

const (
	TypeDevice      Type = "device"
	TypeChildDevice Type = "child-device"
	TypeService     Type = "service"
)

// Valid reports whether t is a known entity type.
func (t Type) Valid() bool {
	return t == TypeDevice || t == TypeChildDevice || t == TypeService
}

// registration payload fields.
const (
	keyType       = "@type"
	keyParent     = "@parent"
	keyExternalID = "@id"
	keyKind       = "type"
	keyName       = "name"
)

// Entity is a registered device or service.
type Entity struct {
	TopicID    topic.EntityID
	Type       Type
	Parent     topic.EntityID // weak reference, may be empty
	ExternalID string
	Kind       string // free-form type label
	Name       string

	// Metadata holds every other field of the registration.
	Metadata map[string]interface{}

	// Auto is set for entities synthesized from traffic on their topics.
	Auto bool
}

// ShapeType returns the entity type implied by the shape of id.
func ShapeType(id topic.EntityID) Type {
	switch {
	case id == topic.MainDevice:
		return TypeDevice
	case id.IsService():
		return TypeService
	default:
		return TypeChildDevice
	}
}

// normalize fills defaults and checks e.
func (e *Entity) normalize() error {
	if _, err := topic.ParseEntityID(string(e.TopicID)); err != nil {
		return err
	}
	if e.Type == "" {
		e.Type = ShapeType(e.TopicID)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, e.Type)
	}
	if e.Parent != "" {
		if _, err := topic.ParseEntityID(string(e.Parent)); err != nil {
			return fmt.Errorf("parent: %w", err)
		}
	} else if e.TopicID != topic.MainDevice {
		e.Parent = e.TopicID.DefaultParent()
	}
	return nil
}

// MarshalPayload encodes the registration payload of e.
func (e *Entity) MarshalPayload() ([]byte, error) {
	m := make(map[string]interface{}, len(e.Metadata)+5)
	for k, v := range e.Metadata {
		m[k] = v
	}
	m[keyType] = string(e.Type)
	if e.Parent != "" {
		m[keyParent] = string(e.Parent)
	}
	if e.ExternalID != "" {
		m[keyExternalID] = e.ExternalID
	}
	if e.Kind != "" {
		m[keyKind] = e.Kind
	}
	if e.Name != "" {
		m[keyName] = e.Name
	}
	return json.Marshal(m)
}

// ParsePayload decodes a registration payload for id.
func ParsePayload(id topic.EntityID, raw []byte) (*Entity, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding registration: %w", err)
	}
	e := &Entity{TopicID: id, Metadata: make(map[string]interface{})}
	str := func(k string) string {
		s, _ := m[k].(string)
		return s
	}
	e.Type = Type(str(keyType))
	e.Parent = topic.EntityID(str(keyParent))
	e.ExternalID = str(keyExternalID)
	e.Kind = str(keyKind)
	e.Name = str(keyName)
	for k, v := range m {
		switch k {
		case keyType, keyParent, keyExternalID, keyKind, keyName:
		default:
			e.Metadata[k] = v
		}
	}
	if err := e.normalize(); err != nil {
		return nil, err
	}
	return e, nil
}

// MarshalJSON encodes e for API consumers.
func (e *Entity) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TopicID    topic.EntityID         `json:"@topic-id"`
		Type       Type                   `json:"@type"`
		Parent     topic.EntityID         `json:"@parent,omitempty"`
		ExternalID string                 `json:"@id,omitempty"`
		Kind       string                 `json:"type,omitempty"`
		Name       string                 `json:"name,omitempty"`
		Metadata   map[string]interface{} `json:"metadata,omitempty"`
		Auto       bool                   `json:"auto,omitempty"`
	}{e.TopicID, e.Type, e.Parent, e.ExternalID, e.Kind, e.Name, e.Metadata, e.Auto})
}

func (e *Entity) clone() *Entity {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
