package software

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Plugin is a package manager backed by an executable using the
// sm-plugin command line protocol:
//
//	<plugin> list
//	<plugin> prepare
//	<plugin> install <name> [--module-version <version>] [--file <path>]
//	<plugin> remove <name> [--module-version <version>]
//	<plugin> finalize
//
// list prints one "<name>\t<version>" line per installed module.
type Plugin struct {
	Path string
}

func (p *Plugin) run(ctx context.Context, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.Path, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", filepath.Base(p.Path), args[0], err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func moduleArgs(action string, m Module) []string {
	args := []string{action, m.Name}
	if m.Version != "" {
		args = append(args, "--module-version", m.Version)
	}
	if m.File != "" {
		args = append(args, "--file", m.File)
	}
	return args
}

// List runs the list command of the plugin.
func (p *Plugin) List(ctx context.Context) ([]Module, error) {
	out, err := p.run(ctx, "list")
	if err != nil {
		return nil, err
	}
	var modules []Module
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		name, version, _ := strings.Cut(line, "\t")
		modules = append(modules, Module{Name: name, Version: version})
	}
	return modules, scanner.Err()
}

// Install runs the install command of the plugin.
func (p *Plugin) Install(ctx context.Context, m Module) error {
	_, err := p.run(ctx, moduleArgs(ActionInstall, m)...)
	return err
}

// Remove runs the remove command of the plugin.
func (p *Plugin) Remove(ctx context.Context, m Module) error {
	_, err := p.run(ctx, moduleArgs(ActionRemove, m)...)
	return err
}

// Prepare runs the prepare command of the plugin.
func (p *Plugin) Prepare(ctx context.Context) error {
	_, err := p.run(ctx, "prepare")
	return err
}

// Finalize runs the finalize command of the plugin.
func (p *Plugin) Finalize(ctx context.Context) error {
	_, err := p.run(ctx, "finalize")
	return err
}

// LoadPlugins returns a plugin for every executable in dir keyed by
// its file name, which is the module type it manages.
func LoadPlugins(dir string) (map[string]*Plugin, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	plugins := make(map[string]*Plugin)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		if info.IsDir() || info.Mode()&0111 == 0 {
			continue
		}
		plugins[entry.Name()] = &Plugin{Path: filepath.Join(dir, entry.Name())}
	}
	return plugins, nil
}

// WithPlugins registers plugins as package managers.
func WithPlugins(plugins map[string]*Plugin) Option {
	return func(p *Participant) {
		for typ, plugin := range plugins {
			p.managers[typ] = plugin
		}
	}
}
