// weft - a Matrix chat client backend.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var exampleConfig []byte

type Config struct {
	// Homeserver is the base URL of the Matrix homeserver, e.g.
	// https://matrix.example.com
	Homeserver string `yaml:"homeserver"`

	// DataDir holds the session database and the media cache. Defaults to
	// the platform user data directory.
	DataDir string `yaml:"data_dir"`

	Logging LoggingConfig `yaml:"logging"`
}

type LoggingConfig struct {
	// Level is a zerolog level name (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	level zerolog.Level
}

func (c *LoggingConfig) ZerologLevel() zerolog.Level {
	return c.level
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	if c.Homeserver == "" {
		return fmt.Errorf("homeserver is not set")
	}
	if c.DataDir == "" {
		baseDir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("failed to determine data directory: %w", err)
		}
		c.DataDir = filepath.Join(baseDir, "weft")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	level, err := zerolog.ParseLevel(c.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	c.Logging.level = level
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err = os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		if err = os.WriteFile(path, exampleConfig, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write example config: %w", err)
		}
		return nil, fmt.Errorf("no config found, wrote example to %s - edit it and retry", path)
	} else if err != nil {
		return nil, err
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// watchConfig reloads the config file on change and applies the log level
// live. Other fields require a restart; a broken edit is logged and the
// running config stays in effect.
func watchConfig(path string, log zerolog.Logger, apply func(*Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path || !event.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				cfg, err := loadConfig(path)
				if err != nil {
					log.Warn().Err(err).Msg("Config changed but reload failed, keeping old config")
					continue
				}
				log.Info().Str("log_level", cfg.Logging.Level).Msg("Config reloaded")
				apply(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()
	return watcher, nil
}
