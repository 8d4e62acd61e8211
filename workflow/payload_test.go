package workflow

import (
	"errors"
	"testing"
)

func TestParsePayloadKeepsUnknownFields(t *testing.T) {
	raw := []byte(`{"status":"init","modules":[{"type":"apt","name":"collectd","version":"5.7","action":"install"}],"x":12345678901234567890,"nested":{"a":1.50}}`)
	p, err := ParsePayload(raw)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := p.Status(), StatusInit; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}

	next := p.WithStatus(StatusExecuting)
	out, err := next.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	p2, err := ParsePayload(out)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := p2.Status(), StatusExecuting; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}
	// big integers and decimals must survive unchanged.
	if have, want := p2["x"].(interface{ String() string }).String(), "12345678901234567890"; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}
	nested, ok := p2["nested"].(map[string]interface{})
	if !ok {
		t.Fatalf("nested: unexpected type %T", p2["nested"])
	}
	if have, want := nested["a"].(interface{ String() string }).String(), "1.50"; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}
	// the original must not be modified.
	if have, want := p.Status(), StatusInit; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}
}

func TestParsePayloadErrors(t *testing.T) {
	if _, err := ParsePayload(nil); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("expected ErrEmptyPayload, have: %v", err)
	}
	if _, err := ParsePayload([]byte("null")); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("expected ErrEmptyPayload, have: %v", err)
	}
	if _, err := ParsePayload([]byte("[1]")); err == nil {
		t.Error("expected error for non-object payload")
	}
	p, err := ParsePayload([]byte(`{"reason":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if err = p.Validate(); !errors.Is(err, ErrMissingStatus) {
		t.Errorf("expected ErrMissingStatus, have: %v", err)
	}
}

func TestAttempt(t *testing.T) {
	for _, test := range []struct {
		raw     string
		attempt int
	}{
		{`{"status":"init"}`, 1},
		{`{"status":"init","attempt":3}`, 3},
		{`{"status":"init","attempt":"2"}`, 2},
		{`{"status":"init","attempt":0}`, 1},
		{`{"status":"init","attempt":"x"}`, 1},
	} {
		p, err := ParsePayload([]byte(test.raw))
		if err != nil {
			t.Fatal(err)
		}
		if have, want := p.Attempt(), test.attempt; have != want {
			t.Errorf("%s: have: %d, want: %d", test.raw, have, want)
		}
	}
	p := Payload{}.WithAttempt(4)
	if have, want := p.Attempt(), 4; have != want {
		t.Errorf("have: %d, want: %d", have, want)
	}
}

func TestMerge(t *testing.T) {
	prev := Payload{"status": "init", "x": "keep", "y": "old"}
	next := Payload{"status": "executing", "y": "new"}
	m := next.Merge(prev)
	if have, want := m.String("x"), "keep"; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}
	if have, want := m.String("y"), "new"; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}
	if have, want := m.Status(), StatusExecuting; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}
	if _, ok := next["x"]; ok {
		t.Error("merge modified its receiver")
	}
}

func TestStatusNormalized(t *testing.T) {
	p := Payload{"status": " Successful "}
	if have, want := p.Status(), StatusSuccessful; have != want {
		t.Errorf("have: %q, want: %q", have, want)
	}
	if !IsTerminal("FAILED") {
		t.Error("FAILED should be terminal")
	}
}
