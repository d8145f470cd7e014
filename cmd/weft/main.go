// weft - a Matrix chat client backend.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/weftchat/weft/pkg/session"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyConfigPath
	contextKeyLogger
	contextKeyStore
)

func getConfig(ctx *cli.Context) *Config {
	return ctx.Context.Value(contextKeyConfig).(*Config)
}

func getConfigPath(ctx *cli.Context) string {
	return ctx.Context.Value(contextKeyConfigPath).(string)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(zerolog.Logger)
}

func getStore(ctx *cli.Context) *session.Store {
	return ctx.Context.Value(contextKeyStore).(*session.Store)
}

func defaultConfigPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "weft", "config.yaml")
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx.String("config"))
	if err != nil {
		return err
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger().
		Level(cfg.Logging.ZerologLevel())
	store, err := session.NewStore(filepath.Join(cfg.DataDir, "weft.db"), log)
	if err != nil {
		return err
	}
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyConfigPath, ctx.String("config"))
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	newCtx = context.WithValue(newCtx, contextKeyStore, store)
	ctx.Context = newCtx
	return nil
}

func requiresAuth(ctx *cli.Context) error {
	if err := prepareApp(ctx); err != nil {
		return err
	}
	_, found, err := getStore(ctx).GetCredentials(ctx.Context, getConfig(ctx).Homeserver)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("you are not logged in - run 'weft login' first")
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:    "weft",
		Usage:   "Matrix chat client backend",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: defaultConfigPath(),
			},
		},
		Commands: []*cli.Command{
			loginCommand,
			logoutCommand,
			runCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
