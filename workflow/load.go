package workflow

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/edgecmd/edgecmd/topic"
)

// top-level keys of a workflow file. all other tables are states.
const (
	tomlOperation   = "operation"
	tomlTimeout     = "timeout"
	tomlMaxAttempts = "max_attempts"
	tomlRetryPolicy = "retry_policy"
	tomlScope       = "scope"
)

// scopeAll applies a definition to every entity declaring the capability.
const scopeAll = "*"

type tomlState struct {
	Owner     string   `toml:"owner"`
	Action    string   `toml:"action"`
	Next      []string `toml:"next"`
	OnSuccess string   `toml:"on_success"`
	OnError   string   `toml:"on_error"`
}

func parseTimeout(v interface{}) (time.Duration, error) {
	switch t := v.(type) {
	case int64:
		return time.Duration(t) * time.Second, nil
	case string:
		return time.ParseDuration(t)
	default:
		return 0, fmt.Errorf("unsupported timeout type %T", v)
	}
}

// Parse reads a TOML workflow definition from r.
func Parse(r io.Reader) (*Definition, error) {
	var raw map[string]toml.Primitive
	md, err := toml.NewDecoder(r).Decode(&raw)
	if err != nil {
		return nil, fmt.Errorf("decoding toml: %w", err)
	}

	d := &Definition{States: make(map[string]*State)}
	for key, prim := range raw {
		switch key {
		case tomlOperation:
			err = md.PrimitiveDecode(prim, &d.Operation)
		case tomlMaxAttempts:
			err = md.PrimitiveDecode(prim, &d.MaxAttempts)
		case tomlRetryPolicy:
			err = md.PrimitiveDecode(prim, &d.RetryPolicy)
		case tomlTimeout:
			var v interface{}
			if err = md.PrimitiveDecode(prim, &v); err == nil {
				d.Timeout, err = parseTimeout(v)
			}
		case tomlScope:
			var scope []string
			if err = md.PrimitiveDecode(prim, &scope); err == nil {
				for _, s := range scope {
					if s == scopeAll {
						d.Scope = nil
						break
					}
					var e topic.EntityID
					if e, err = topic.ParseEntityID(s); err != nil {
						break
					}
					d.Scope = append(d.Scope, e)
				}
			}
		default:
			var ts tomlState
			if err = md.PrimitiveDecode(prim, &ts); err != nil {
				break
			}
			name := NormalizeStatus(key)
			s := &State{
				Name:   name,
				Owner:  ts.Owner,
				Action: ts.Action,
			}
			s.NoOp = ts.Action == ActionProceed
			successors := append(ts.Next, ts.OnSuccess)
			if !s.NoOp || NormalizeStatus(ts.OnError) != StatusFailed {
				// failed is reachable from any state without naming it.
				successors = append(successors, ts.OnError)
			}
			for _, next := range successors {
				next = NormalizeStatus(next)
				if next != "" && !contains(s.Next, next) {
					s.Next = append(s.Next, next)
				}
			}
			d.States[name] = s
		}
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", key, err)
		}
	}
	if err = d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// LoadFile loads a workflow definition from a TOML file.
func LoadFile(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// LoadDir loads every "*.toml" workflow definition in dir.
func LoadDir(dir string) ([]*Definition, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.toml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var defs []*Definition
	for _, path := range paths {
		d, err := LoadFile(path)
		if err != nil {
			return defs, err
		}
		defs = append(defs, d)
	}
	return defs, nil
}
