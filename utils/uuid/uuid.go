// Package uuid provides command identifier generation and test utilities.
package uuid

import (
	"sync"

	"github.com/google/uuid"
)

// IDers generate identifiers.
type IDer interface {
	ID() string
}

// DefaultPrefix marks command ids created by this service.
const DefaultPrefix = "edgecmd-"

// UUID is an ID generator utilizing a UUID.
type UUID struct {
	prefix string
}

// NewUUID creates a new UUID ID generator using DefaultPrefix.
func NewUUID() *UUID {
	return &UUID{prefix: DefaultPrefix}
}

// NewPrefixedUUID creates a new UUID ID generator with ids starting with prefix.
func NewPrefixedUUID(prefix string) *UUID {
	return &UUID{prefix: prefix}
}

// ID generates a new UUID ID.
func (u *UUID) ID() string {
	return u.prefix + uuid.NewString()
}

// StaticID is an ID generator thats cycles through provided IDs.
type StaticIDs struct {
	mu  sync.Mutex
	ids []string
	i   int
}

// NewStaticID creates a new static ID generator.
func NewStaticIDs(ids ...string) *StaticIDs {
	return &StaticIDs{ids: ids}
}

// ID returns the next ID.
// It will continually cycle through the IDs.
func (s *StaticIDs) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.ids[s.i%len(s.ids)]
	s.i++
	return id
}
