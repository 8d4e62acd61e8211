package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Well-known payload fields.
const (
	KeyStatus  = "status"
	KeyReason  = "reason"
	KeyAttempt = "attempt"
)

var (
	// ErrEmptyPayload is returned when parsing an empty payload.
	ErrEmptyPayload = errors.New("empty payload")

	// ErrMissingStatus is returned for payloads without a status.
	ErrMissingStatus = errors.New("missing status")
)

// Payload is the open JSON document of a command state.
// Values are decoded as strings, json.Number, bools, nil,
// []interface{} or map[string]interface{}.
type Payload map[string]interface{}

// ParsePayload decodes raw JSON into a Payload.
// Numbers are kept as json.Number so they are re-encoded verbatim.
func ParsePayload(raw []byte) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyPayload
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if p == nil {
		return nil, ErrEmptyPayload
	}
	return p, nil
}

// Marshal encodes p as JSON.
func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// NormalizeStatus returns the canonical (lower-case) form of a status name.
func NormalizeStatus(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// String returns the string value of key k or the empty string.
func (p Payload) String(k string) string {
	if s, ok := p[k].(string); ok {
		return s
	}
	return ""
}

// Status returns the normalized status of p.
func (p Payload) Status() string {
	return NormalizeStatus(p.String(KeyStatus))
}

// Reason returns the failure reason of p.
func (p Payload) Reason() string {
	return p.String(KeyReason)
}

// Int returns the integer value of key k.
// Numbers and numeric strings are accepted.
func (p Payload) Int(k string) (int, bool) {
	switch v := p[k].(type) {
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case string:
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// Attempt returns the attempt counter of p.
// Payloads without an attempt are the first attempt.
func (p Payload) Attempt() int {
	if n, ok := p.Int(KeyAttempt); ok && n > 0 {
		return n
	}
	return 1
}

// Validate checks that p is a usable state payload.
func (p Payload) Validate() error {
	if p == nil {
		return ErrEmptyPayload
	}
	if p.Status() == "" {
		return ErrMissingStatus
	}
	return nil
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, v := range t {
			m[k] = deepCopy(v)
		}
		return m
	case Payload:
		return map[string]interface{}(t.Clone())
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, v := range t {
			s[i] = deepCopy(v)
		}
		return s
	default:
		return v
	}
}

// Clone returns a deep copy of p.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	c := make(Payload, len(p))
	for k, v := range p {
		c[k] = deepCopy(v)
	}
	return c
}

// With returns a copy of p with k set to v.
func (p Payload) With(k string, v interface{}) Payload {
	c := p.Clone()
	if c == nil {
		c = make(Payload)
	}
	c[k] = v
	return c
}

// WithStatus returns a copy of p with the status set.
func (p Payload) WithStatus(status string) Payload {
	return p.With(KeyStatus, status)
}

// WithAttempt returns a copy of p with the attempt counter set.
func (p Payload) WithAttempt(n int) Payload {
	return p.With(KeyAttempt, json.Number(strconv.Itoa(n)))
}

// Failed returns a copy of p in the failed state with reason.
func (p Payload) Failed(reason string) Payload {
	return p.WithStatus(StatusFailed).With(KeyReason, reason)
}

// Merge returns a copy of p with every field of prev that p lacks.
// This carries fields a participant did not understand into the next state.
func (p Payload) Merge(prev Payload) Payload {
	c := p.Clone()
	if c == nil {
		c = make(Payload)
	}
	for k, v := range prev {
		if _, ok := c[k]; !ok {
			c[k] = deepCopy(v)
		}
	}
	return c
}
