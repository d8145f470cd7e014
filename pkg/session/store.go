// weft - a Matrix chat client backend.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package session persists the login credentials and the sync cursor in a
// local SQLite database, so restarts resume incrementally instead of
// redoing a full initial sync.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"github.com/weftchat/weft/pkg/matrix"
)

type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
}

func NewStore(path string, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDialect(path, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	log = log.With().Str("component", "session").Logger()
	db.Log = dbutil.ZeroLogger(log)
	store := &Store{db: db, log: log}
	if err = store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS session (
			homeserver TEXT NOT NULL,
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			access_token TEXT NOT NULL,
			created_ts BIGINT NOT NULL,
			PRIMARY KEY (homeserver, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			user_id TEXT NOT NULL PRIMARY KEY,
			since_token TEXT,
			last_success_ts BIGINT,
			last_error TEXT,
			updated_ts BIGINT NOT NULL
		)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure session schema: %w", err)
		}
	}
	return nil
}

// PutCredentials stores or replaces the credential tuple for a homeserver.
// One row per (homeserver, user) pair; re-login overwrites the token.
func (s *Store) PutCredentials(ctx context.Context, homeserver string, creds matrix.Credentials) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO session (homeserver, user_id, device_id, access_token, created_ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (homeserver, user_id) DO UPDATE SET
			device_id=excluded.device_id,
			access_token=excluded.access_token,
			created_ts=excluded.created_ts
	`, homeserver, creds.UserID, creds.DeviceID, creds.AccessToken, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}
	return nil
}

// GetCredentials returns the stored credentials for a homeserver, or
// (zero, false) when no login has been saved yet.
func (s *Store) GetCredentials(ctx context.Context, homeserver string) (matrix.Credentials, bool, error) {
	var userID, deviceID, accessToken string
	err := s.db.QueryRow(ctx,
		`SELECT user_id, device_id, access_token FROM session WHERE homeserver=$1`,
		homeserver,
	).Scan(&userID, &deviceID, &accessToken)
	if err == sql.ErrNoRows {
		return matrix.Credentials{}, false, nil
	} else if err != nil {
		return matrix.Credentials{}, false, err
	}
	return matrix.Credentials{
		UserID:      id.UserID(userID),
		DeviceID:    id.DeviceID(deviceID),
		AccessToken: accessToken,
	}, true, nil
}

// Clear drops the stored session and sync cursor for a homeserver. The
// next run performs a fresh login and a full initial sync.
func (s *Store) Clear(ctx context.Context, homeserver string) error {
	var userID string
	err := s.db.QueryRow(ctx,
		`SELECT user_id FROM session WHERE homeserver=$1`, homeserver,
	).Scan(&userID)
	if err == sql.ErrNoRows {
		return nil
	} else if err != nil {
		return err
	}
	if _, err = s.db.Exec(ctx, `DELETE FROM sync_state WHERE user_id=$1`, userID); err != nil {
		return fmt.Errorf("failed to clear sync state: %w", err)
	}
	if _, err = s.db.Exec(ctx, `DELETE FROM session WHERE homeserver=$1`, homeserver); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// UserStore binds the sync cursor rows to one user so the same database
// can hold sessions on multiple homeservers. It satisfies
// matrix.SinceStore.
type UserStore struct {
	*Store
	userID id.UserID
}

func (s *Store) ForUser(userID id.UserID) *UserStore {
	return &UserStore{Store: s, userID: userID}
}

func (s *UserStore) GetSince(ctx context.Context) (string, error) {
	var token sql.NullString
	err := s.db.QueryRow(ctx,
		`SELECT since_token FROM sync_state WHERE user_id=$1`, s.userID,
	).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to load since-token: %w", err)
	}
	if !token.Valid {
		return "", nil
	}
	return token.String, nil
}

// SetSince records a successful sync pass: the new cursor, the success
// timestamp, and a cleared error column.
func (s *UserStore) SetSince(ctx context.Context, since string) error {
	nowMS := time.Now().UnixMilli()
	_, err := s.db.Exec(ctx, `
		INSERT INTO sync_state (user_id, since_token, last_success_ts, last_error, updated_ts)
		VALUES ($1, $2, $3, NULL, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			since_token=excluded.since_token,
			last_success_ts=excluded.last_success_ts,
			last_error=NULL,
			updated_ts=excluded.updated_ts
	`, s.userID, since, nowMS, nowMS)
	return err
}

// SetSinceError records a failed sync pass without touching the cursor,
// so the retry resumes from the same point.
func (s *UserStore) SetSinceError(ctx context.Context, errMsg string) error {
	nowMS := time.Now().UnixMilli()
	_, err := s.db.Exec(ctx, `
		INSERT INTO sync_state (user_id, since_token, last_error, updated_ts)
		VALUES ($1, NULL, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			last_error=excluded.last_error,
			updated_ts=excluded.updated_ts
	`, s.userID, errMsg, nowMS)
	return err
}
