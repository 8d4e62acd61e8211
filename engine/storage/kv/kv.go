// Package kv implements a workflow engine storage backend using a key-value interface.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edgecmd/edgecmd/engine/storage"

	"github.com/goccy/go-json"
	"github.com/micromdm/nanolib/storage/kv"
)

const (
	keyPfxCmd  = "cmd|"
	keyPfxExec = "exec|"
)

// KV is a workflow engine storage backend using a key-value interface.
type KV struct {
	mu sync.RWMutex
	b  kv.KeysPrefixTraversingBucket
}

// New creates a new key-value workflow engine storage backend.
func New(b kv.KeysPrefixTraversingBucket) *KV {
	return &KV{b: b}
}

func (s *KV) getCommand(ctx context.Context, key string) (*storage.Command, error) {
	raw, err := s.b.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c := new(storage.Command)
	if err = json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("unmarshal command %s: %w", key, err)
	}
	return c, nil
}

func (s *KV) setCommand(ctx context.Context, c *storage.Command) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return s.b.Set(ctx, keyPfxCmd+c.Escaped(), raw)
}

// StoreCommand implements the storage interface method.
func (s *KV) StoreCommand(ctx context.Context, c *storage.Command) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setCommand(ctx, c)
}

// RetrieveCommand implements the storage interface method.
func (s *KV) RetrieveCommand(ctx context.Context, key storage.CommandKey) (*storage.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.getCommand(ctx, keyPfxCmd+key.Escaped())
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, storage.NotFound(key)
	}
	return c, err
}

// allCommands returns every stored command matching f.
func (s *KV) allCommands(ctx context.Context, f func(*storage.Command) bool) ([]*storage.Command, error) {
	var keys []string
	for k := range s.b.KeysPrefix(ctx, keyPfxCmd, nil) {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var ret []*storage.Command
	for _, k := range keys {
		c, err := s.getCommand(ctx, k)
		if errors.Is(err, kv.ErrKeyNotFound) {
			continue
		} else if err != nil {
			return ret, err
		}
		if f(c) {
			ret = append(ret, c)
		}
	}
	return ret, nil
}

// RetrieveCommands implements the storage interface method.
func (s *KV) RetrieveCommands(ctx context.Context, filter storage.Filter) ([]*storage.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allCommands(ctx, filter.Match)
}

func (s *KV) clearExecutions(ctx context.Context, key storage.CommandKey) error {
	var keys []string
	for k := range s.b.KeysPrefix(ctx, keyPfxExec+key.Escaped()+"|", nil) {
		keys = append(keys, k)
	}
	return kv.DeleteSlice(ctx, s.b, keys)
}

// DeleteCommand implements the storage interface method.
func (s *KV) DeleteCommand(ctx context.Context, key storage.CommandKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.clearExecutions(ctx, key); err != nil {
		return fmt.Errorf("clearing executions: %w", err)
	}
	err := s.b.Delete(ctx, keyPfxCmd+key.Escaped())
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil
	}
	return err
}

// RetrieveStaleCommands implements the storage interface method.
func (s *KV) RetrieveStaleCommands(ctx context.Context, now time.Time) ([]*storage.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allCommands(ctx, func(c *storage.Command) bool { return c.Stale(now) })
}

// MarkStuck implements the storage interface method.
func (s *KV) MarkStuck(ctx context.Context, key storage.CommandKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.getCommand(ctx, keyPfxCmd+key.Escaped())
	if errors.Is(err, kv.ErrKeyNotFound) {
		return storage.NotFound(key)
	} else if err != nil {
		return err
	}
	c.Stuck = true
	return s.setCommand(ctx, c)
}

// RecordExecution implements the storage interface method.
func (s *KV) RecordExecution(ctx context.Context, key storage.ExecutionKey) (bool, error) {
	k := keyPfxExec + key.Escaped()
	s.mu.Lock()
	defer s.mu.Unlock()
	found, err := s.b.Has(ctx, k)
	if err != nil {
		return false, err
	} else if found {
		return false, nil
	}
	return true, s.b.Set(ctx, k, []byte(time.Now().UTC().Format(time.RFC3339)))
}

// ClearExecutions implements the storage interface method.
func (s *KV) ClearExecutions(ctx context.Context, key storage.CommandKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearExecutions(ctx, key)
}
