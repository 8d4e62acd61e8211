package main

import (
	"context"
	"fmt"

	"github.com/edgecmd/edgecmd/operation"
	"github.com/edgecmd/edgecmd/operation/config"
	"github.com/edgecmd/edgecmd/operation/firmware"
	"github.com/edgecmd/edgecmd/operation/logfile"
	"github.com/edgecmd/edgecmd/operation/software"

	"github.com/micromdm/nanolib/log"
)

// participant is a built-in operation participant.
type participant interface {
	Register(r operation.Registrar)
	Start(ctx context.Context, d operation.Declarer) error
	Stop(ctx context.Context, d operation.Declarer) error
}

type participantConfig struct {
	filesURL          string
	configPlugin      string
	logPlugin         string
	smPluginDir       string
	firmwareCache     string
	firmwareInstaller string
}

// setupParticipants creates the participants enabled in cfg.
func setupParticipants(cfg *participantConfig, files operation.Transferer, logger log.Logger) ([]participant, error) {
	var ps []participant
	if cfg.configPlugin != "" {
		pl, err := operation.LoadPlugin(cfg.configPlugin)
		if err != nil {
			return nil, err
		}
		ps = append(ps, config.New(pl, files, cfg.filesURL,
			config.WithLogger(logger.With("participant", "config")),
		))
	}
	if cfg.logPlugin != "" {
		pl, err := operation.LoadPlugin(cfg.logPlugin)
		if err != nil {
			return nil, err
		}
		ps = append(ps, logfile.New(pl, files, cfg.filesURL,
			logfile.WithLogger(logger.With("participant", "log")),
		))
	}
	if cfg.smPluginDir != "" {
		plugins, err := software.LoadPlugins(cfg.smPluginDir)
		if err != nil {
			return nil, fmt.Errorf("loading software plugins: %w", err)
		}
		ps = append(ps, software.New(files,
			software.WithPlugins(plugins),
			software.WithLogger(logger.With("participant", "software")),
		))
	}
	if cfg.firmwareCache != "" && cfg.firmwareInstaller != "" {
		ps = append(ps, firmware.New(files,
			&firmware.ExecInstaller{Path: cfg.firmwareInstaller},
			cfg.firmwareCache,
			firmware.WithLogger(logger.With("participant", "firmware")),
		))
	}
	return ps, nil
}
