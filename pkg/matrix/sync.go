// weft - a Matrix chat client backend.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package matrix

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

const (
	// incrementalPollTimeout is the server-side long-poll window for
	// since-token syncs. The initial sync uses timeout=0 with a narrow
	// filter instead.
	incrementalPollTimeout = 30 * time.Second

	// longPollMargin is added client-side on top of the requested server
	// timeout so a healthy long poll is never cut off by our own deadline.
	longPollMargin = 10 * time.Second

	// initialSyncClientTimeout bounds the full-state initial sync, which
	// returns immediately but can carry a large payload.
	initialSyncClientTimeout = 2 * time.Minute

	// retryDelay is the flat wait after a non-rate-limit sync failure.
	retryDelay = 10 * time.Second

	// defaultInitialSyncLimit is the per-room timeline page limit of the
	// initial sync filter.
	defaultInitialSyncLimit = 20
)

// Response is one typed variant delivered to the consumer sink. The sink
// is an opaque channel target; rendering is somebody else's problem.
type Response interface{ isResponse() }

// Rooms is the full room set produced by the initial sync.
type Rooms struct{ Rooms []*Room }

// NewRooms carries rooms that appeared during an incremental sync.
type NewRooms struct{ Rooms []*Room }

type RoomMessages struct {
	Room     id.RoomID
	Messages []*Message
}

type RoomName struct {
	Room id.RoomID
	Name string
}

type RoomTopic struct {
	Room  id.RoomID
	Topic string
}

type RoomAvatarChanged struct {
	Room   id.RoomID
	Avatar string
}

type RoomMemberEvent struct {
	MemberEvent
}

type MessagesRedacted struct {
	Room   id.RoomID
	Events []id.EventID
}

type TypingUpdate struct {
	Room  id.RoomID
	Users []id.UserID
}

type ReceiptsUpdated struct {
	Room id.RoomID
}

type RoomsLeft struct {
	Rooms []id.RoomID
}

// SyncError reports a failed sync attempt so the consumer can show a
// "retrying" state. The cursor is not advanced on failure.
type SyncError struct {
	Err     error
	Attempt int
}

func (Rooms) isResponse()             {}
func (NewRooms) isResponse()          {}
func (RoomMessages) isResponse()      {}
func (RoomName) isResponse()          {}
func (RoomTopic) isResponse()         {}
func (RoomAvatarChanged) isResponse() {}
func (RoomMemberEvent) isResponse()   {}
func (MessagesRedacted) isResponse()  {}
func (TypingUpdate) isResponse()      {}
func (ReceiptsUpdated) isResponse()   {}
func (RoomsLeft) isResponse()         {}
func (SyncError) isResponse()         {}

// SinceStore persists the opaque since-token across restarts so sync
// resumes incrementally instead of re-fetching full state.
type SinceStore interface {
	GetSince(ctx context.Context) (string, error)
	SetSince(ctx context.Context, since string) error
}

// Syncer drives the long-poll sync loop: one dedicated worker goroutine
// calls Run, reconciles each response into the client's room set, and
// emits typed responses. Failures retry with the same since-token, so
// every sync window is delivered at least once; the timeline's
// deduplication rule absorbs the duplicates.
type Syncer struct {
	log        zerolog.Logger
	client     *Client
	reconciler *Reconciler
	store      SinceStore

	responses chan Response
	stop      chan struct{}
	stopOnce  sync.Once

	initialLimit int

	gapWG sync.WaitGroup
}

func NewSyncer(client *Client, store SinceStore, log zerolog.Logger) *Syncer {
	return &Syncer{
		log:          log.With().Str("component", "sync").Logger(),
		client:       client,
		reconciler:   NewReconciler(client.UserID(), log),
		store:        store,
		responses:    make(chan Response, 64),
		stop:         make(chan struct{}),
		initialLimit: defaultInitialSyncLimit,
	}
}

// Responses returns the dispatch sink. Responses still in flight when the
// syncer shuts down are dropped, not processed.
func (s *Syncer) Responses() <-chan Response {
	return s.responses
}

// Stop signals the loop to exit. The shutdown check runs at the top of
// every iteration and also interrupts an in-progress backoff sleep.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// backoffDelay is the escalating wait after a rate-limit response:
// 10·2^attempt seconds, attempt starting at 0.
func backoffDelay(attempt int) time.Duration {
	return time.Duration(10*(1<<attempt)) * time.Second
}

// Run executes the sync state machine until Stop is called or the context
// is cancelled. A missing persisted cursor means initial full sync;
// afterwards the loop goes incremental and relies on the server-side long
// poll for pacing.
func (s *Syncer) Run(ctx context.Context) error {
	since, err := s.store.GetSince(ctx)
	if err != nil {
		return err
	}
	attempt := 0
	for {
		select {
		case <-s.stop:
			s.gapWG.Wait()
			return nil
		case <-ctx.Done():
			s.gapWG.Wait()
			return ctx.Err()
		default:
		}

		initial := since == ""
		resp, err := s.syncOnce(ctx, since, initial)
		if err != nil {
			wait := retryDelay
			if IsRateLimited(err) {
				wait = backoffDelay(attempt)
			}
			attempt++
			s.log.Warn().Err(err).
				Int("attempt", attempt).
				Dur("retry_in", wait).
				Bool("initial", initial).
				Msg("Sync failed, will retry with same since-token")
			s.dispatch(SyncError{Err: err, Attempt: attempt})
			select {
			case <-time.After(wait):
			case <-s.stop:
				s.gapWG.Wait()
				return nil
			case <-ctx.Done():
				s.gapWG.Wait()
				return ctx.Err()
			}
			continue
		}
		attempt = 0

		delta := s.reconciler.ApplySync(s.client.Rooms(), resp, since, initial)
		s.dispatchDelta(delta, initial)
		s.fillGaps(ctx, delta.Gaps)

		since = resp.NextBatch
		if err = s.store.SetSince(ctx, since); err != nil {
			s.log.Warn().Err(err).Msg("Failed to persist since-token")
		}
	}
}

func (s *Syncer) syncOnce(ctx context.Context, since string, initial bool) (*SyncResponse, error) {
	query := url.Values{}
	var clientTimeout time.Duration
	if initial {
		// No long poll: return immediately, but keep the payload small
		// with a narrow filter.
		query.Set("timeout", "0")
		query.Set("filter", initialSyncFilter(s.initialLimit))
		clientTimeout = initialSyncClientTimeout
	} else {
		query.Set("since", since)
		query.Set("timeout", strconv.FormatInt(incrementalPollTimeout.Milliseconds(), 10))
		clientTimeout = incrementalPollTimeout + longPollMargin
	}

	start := time.Now()
	var resp SyncResponse
	if err := s.client.Transport().Request(ctx, "GET", "/sync", query, nil, &resp, clientTimeout); err != nil {
		return nil, err
	}
	s.log.Debug().
		Bool("initial", initial).
		Int("joined", len(resp.Rooms.Join)).
		Int("invited", len(resp.Rooms.Invite)).
		Int("left", len(resp.Rooms.Leave)).
		Dur("elapsed", time.Since(start)).
		Msg("Sync response received")
	return &resp, nil
}

func (s *Syncer) dispatchDelta(delta *SyncDelta, initial bool) {
	if initial {
		s.dispatch(Rooms{Rooms: s.client.Rooms().All()})
	} else if len(delta.NewRooms) > 0 {
		s.dispatch(NewRooms{Rooms: delta.NewRooms})
	}
	for roomID, msgs := range delta.Messages {
		s.dispatch(RoomMessages{Room: roomID, Messages: msgs})
	}
	for roomID, name := range delta.Names {
		s.dispatch(RoomName{Room: roomID, Name: name})
	}
	for roomID, topic := range delta.Topics {
		s.dispatch(RoomTopic{Room: roomID, Topic: topic})
	}
	for roomID, avatar := range delta.Avatars {
		s.dispatch(RoomAvatarChanged{Room: roomID, Avatar: avatar})
	}
	for _, member := range delta.Members {
		s.dispatch(RoomMemberEvent{MemberEvent: member})
	}
	for roomID, events := range delta.Redactions {
		s.dispatch(MessagesRedacted{Room: roomID, Events: events})
	}
	for roomID, users := range delta.Typing {
		s.dispatch(TypingUpdate{Room: roomID, Users: users})
	}
	for _, roomID := range delta.Receipts {
		s.dispatch(ReceiptsUpdated{Room: roomID})
	}
	if len(delta.LeftRooms) > 0 {
		s.dispatch(RoomsLeft{Rooms: delta.LeftRooms})
	}
}

// fillGaps backfills limited timelines in background tasks, one per room.
// Each task runs its loop to the terminal boundary/empty-chunk condition;
// the timeline lock serializes its inserts against the next sync pass.
func (s *Syncer) fillGaps(ctx context.Context, gaps []Gap) {
	for _, gap := range gaps {
		room, ok := s.client.Rooms().Get(gap.Room)
		if !ok {
			continue
		}
		s.gapWG.Add(1)
		go func(gap Gap, room *Room) {
			defer s.gapWG.Done()
			msgs, err := s.client.Paginator().FillGap(ctx, gap.Room, gap.From, gap.To)
			if err != nil {
				s.log.Warn().Err(err).
					Str("room_id", string(gap.Room)).
					Msg("Gap fill failed")
			}
			if added := room.Timeline.AddAll(msgs); len(added) > 0 {
				s.dispatch(RoomMessages{Room: gap.Room, Messages: added})
			}
		}(gap, room)
	}
}

func (s *Syncer) dispatch(resp Response) {
	select {
	case s.responses <- resp:
	case <-s.stop:
		// Shutting down: drop instead of blocking on a gone consumer.
	}
}

// initialSyncFilter builds the inline filter for the initial sync: room
// state restricted to m.room.* types, timeline to plain messages and
// stickers (m.call.* excluded to cut payload size), ephemeral and presence
// suppressed entirely.
func initialSyncFilter(limit int) string {
	type typeFilter struct {
		Types    []string `json:"types,omitempty"`
		NotTypes []string `json:"not_types,omitempty"`
		Limit    int      `json:"limit,omitempty"`
	}
	filter := map[string]any{
		"room": map[string]any{
			"state": typeFilter{
				Types: []string{"m.room.*"},
			},
			"timeline": typeFilter{
				Types:    []string{evtRoomMessage, evtSticker},
				NotTypes: []string{"m.call.*"},
				Limit:    limit,
			},
			"ephemeral": typeFilter{
				NotTypes: []string{"*"},
			},
		},
		"presence": typeFilter{
			NotTypes: []string{"*"},
		},
	}
	encoded, _ := json.Marshal(filter)
	return string(encoded)
}
