// Package operation holds the plumbing shared by the built-in operation
// participants: handler registration, capability declaration, plugin
// files and file transfer error mapping.
package operation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/edgecmd/edgecmd/engine"
	"github.com/edgecmd/edgecmd/filetransfer/client"
	"github.com/edgecmd/edgecmd/topic"

	"github.com/BurntSushi/toml"
)

var (
	ErrUnknownType  = errors.New("unknown type")
	ErrMissingField = errors.New("missing field")
)

// Well-known payload fields of the built-in operations.
const (
	KeyType      = "type"
	KeyTedgeURL  = "tedgeUrl"
	KeyRemoteURL = "remoteUrl"
	KeySHA256    = "sha256"
)

// Registrar registers state handlers.
type Registrar interface {
	RegisterHandler(op, status string, h engine.StateHandler)
}

// Declarer declares and withdraws capabilities.
type Declarer interface {
	Declare(ctx context.Context, id topic.EntityID, op string, params map[string]interface{}) error
	Withdraw(ctx context.Context, id topic.EntityID, op string) error
}

// Transferer moves files to and from the file transfer service.
type Transferer interface {
	Upload(ctx context.Context, url string, r io.Reader) error
	Download(ctx context.Context, url, dst, checksum string) error
}

// Declare declares every operation in ops on target with params.
func Declare(ctx context.Context, d Declarer, target topic.EntityID, params map[string]interface{}, ops ...string) error {
	for _, op := range ops {
		if err := d.Declare(ctx, target, op, params); err != nil {
			return fmt.Errorf("declaring %s: %w", op, err)
		}
	}
	return nil
}

// Withdraw withdraws every operation in ops from target.
func Withdraw(ctx context.Context, d Declarer, target topic.EntityID, ops ...string) error {
	var errs []error
	for _, op := range ops {
		if err := d.Withdraw(ctx, target, op); err != nil {
			errs = append(errs, fmt.Errorf("withdrawing %s: %w", op, err))
		}
	}
	return errors.Join(errs...)
}

// TransferError marks transient file transfer errors as retryable
// state handler errors.
func TransferError(err error) error {
	if err != nil && client.IsTransient(err) {
		return fmt.Errorf("%w: %w", engine.ErrTransient, err)
	}
	return err
}

// FileURL returns the URL of path below the file transfer base URL.
func FileURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

// File is a single file of a plugin configuration.
type File struct {
	Path string `toml:"path"`
	Type string `toml:"type"`
}

// Plugin is the configuration of files a participant manages, e.g.:
//
//	[[files]]
//	path = "/etc/tedge/tedge.toml"
//	type = "tedge.toml"
type Plugin struct {
	Files []File `toml:"files"`
}

// LoadPlugin reads a TOML plugin file.
func LoadPlugin(path string) (*Plugin, error) {
	p := new(Plugin)
	if _, err := toml.DecodeFile(path, p); err != nil {
		return nil, fmt.Errorf("loading plugin file %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("plugin file %s: %w", path, err)
	}
	return p, nil
}

func (p *Plugin) validate() error {
	seen := make(map[string]bool)
	for i, f := range p.Files {
		if f.Path == "" {
			return fmt.Errorf("file %d: %w: path", i, ErrMissingField)
		}
		if f.Type == "" {
			// the path doubles as type.
			p.Files[i].Type = f.Path
		}
		if seen[p.Files[i].Type] {
			return fmt.Errorf("file %d: duplicate type %q", i, p.Files[i].Type)
		}
		seen[p.Files[i].Type] = true
	}
	return nil
}

// Types returns the sorted types of the plugin files.
func (p *Plugin) Types() []string {
	types := make([]string, 0, len(p.Files))
	for _, f := range p.Files {
		types = append(types, f.Type)
	}
	sort.Strings(types)
	return types
}

// Lookup returns the file of type typ.
func (p *Plugin) Lookup(typ string) (File, error) {
	for _, f := range p.Files {
		if f.Type == typ {
			return f, nil
		}
	}
	return File{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
}

// TypesParams returns capability params advertising the plugin types.
func (p *Plugin) TypesParams() map[string]interface{} {
	return map[string]interface{}{"types": p.Types()}
}
