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
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/weftchat/weft/pkg/matrix"
	"github.com/weftchat/weft/pkg/mediacache"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Start the sync engine",
	Before: requiresAuth,
	Action: cmdRun,
}

func cmdRun(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	store := getStore(ctx)
	defer store.Close()

	creds, _, err := store.GetCredentials(ctx.Context, cfg.Homeserver)
	if err != nil {
		return err
	}

	transport, err := matrix.NewTransport(cfg.Homeserver, log)
	if err != nil {
		return err
	}
	client := matrix.NewClient(transport, creds, log)
	media, err := mediacache.New(filepath.Join(cfg.DataDir, "media"), transport, log)
	if err != nil {
		return err
	}
	syncer := matrix.NewSyncer(client, store.ForUser(creds.UserID), log)

	zerolog.SetGlobalLevel(cfg.Logging.ZerologLevel())
	watcher, err := watchConfig(getConfigPath(ctx), log, func(newCfg *Config) {
		zerolog.SetGlobalLevel(newCfg.Logging.ZerologLevel())
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, live reload disabled")
	} else {
		defer watcher.Close()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		syncer.Stop()
	}()

	go consumeResponses(ctx.Context, syncer, media, log)

	log.Info().
		Str("homeserver", cfg.Homeserver).
		Str("user_id", string(creds.UserID)).
		Msg("Starting sync")
	if err = syncer.Run(ctx.Context); err != nil {
		return fmt.Errorf("sync loop failed: %w", err)
	}
	return nil
}

// consumeResponses drains the syncer sink. This binary has no UI; the
// responses are logged, and avatar media is pre-fetched into the cache so
// a frontend attaching later gets instant files.
func consumeResponses(ctx context.Context, syncer *matrix.Syncer, media *mediacache.Cache, log zerolog.Logger) {
	for resp := range syncer.Responses() {
		switch r := resp.(type) {
		case matrix.Rooms:
			log.Info().Int("rooms", len(r.Rooms)).Msg("Initial room set loaded")
		case matrix.NewRooms:
			for _, room := range r.Rooms {
				log.Info().Str("room_id", string(room.ID)).Str("name", room.Name()).Msg("New room")
			}
		case matrix.RoomMessages:
			log.Debug().Str("room_id", string(r.Room)).Int("count", len(r.Messages)).Msg("New messages")
		case matrix.RoomName:
			log.Debug().Str("room_id", string(r.Room)).Str("name", r.Name).Msg("Room renamed")
		case matrix.RoomTopic:
			log.Debug().Str("room_id", string(r.Room)).Msg("Room topic changed")
		case matrix.RoomAvatarChanged:
			if r.Avatar != "" {
				if _, err := media.Fetch(ctx, r.Avatar); err != nil {
					log.Warn().Err(err).Str("room_id", string(r.Room)).Msg("Failed to cache room avatar")
				}
			}
		case matrix.RoomMemberEvent:
			log.Debug().
				Str("room_id", string(r.Room)).
				Str("user_id", string(r.UserID)).
				Bool("joined", r.Joined).
				Msg("Membership change")
		case matrix.MessagesRedacted:
			log.Debug().Str("room_id", string(r.Room)).Int("count", len(r.Events)).Msg("Messages redacted")
		case matrix.TypingUpdate:
			log.Debug().Str("room_id", string(r.Room)).Int("count", len(r.Users)).Msg("Typing update")
		case matrix.ReceiptsUpdated:
			log.Debug().Str("room_id", string(r.Room)).Msg("Read receipts updated")
		case matrix.RoomsLeft:
			log.Info().Int("count", len(r.Rooms)).Msg("Left rooms")
		case matrix.SyncError:
			log.Warn().Err(r.Err).Int("attempt", r.Attempt).Msg("Sync attempt failed")
		}
	}
}
