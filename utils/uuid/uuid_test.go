package uuid

import (
	"strings"
	"testing"
)

func TestUUIDUnique(t *testing.T) {
	u := NewUUID()
	if u.ID() == u.ID() {
		t.Error("UUIDs are not unique")
	}
}

func TestStaticIDs(t *testing.T) {
	u := NewStaticIDs("A", "B")
	for _, expected := range []string{"A", "B", "A", "B", "A"} {
		if have, want := u.ID(), expected; have != want {
			t.Errorf("unexpected ID: have: %v, want: %v", have, want)
		}
	}
}

func TestPrefix(t *testing.T) {
	if id := NewUUID().ID(); !strings.HasPrefix(id, DefaultPrefix) {
		t.Errorf("missing prefix: %s", id)
	}
	if id := NewPrefixedUUID("c8y-").ID(); !strings.HasPrefix(id, "c8y-") {
		t.Errorf("missing prefix: %s", id)
	}
}
