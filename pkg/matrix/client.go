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
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// sendRetries is how many times one logical send is retried before the
// failure surfaces. The transaction ID stays the same across retries so
// the server deduplicates.
const sendRetries = 3

// Credentials is the (access_token, user_id, device_id) tuple the engine
// consumes. Produced by Login or restored from the session store.
type Credentials struct {
	UserID      id.UserID
	DeviceID    id.DeviceID
	AccessToken string
}

// RoomSet is the cross-room collection. Its lock only covers insertion,
// removal and iteration of whole rooms; in-room mutation is serialized by
// each Room's own locks.
type RoomSet struct {
	mu    sync.RWMutex
	rooms map[id.RoomID]*Room
}

func NewRoomSet() *RoomSet {
	return &RoomSet{rooms: make(map[id.RoomID]*Room)}
}

func (s *RoomSet) Get(roomID id.RoomID) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	return room, ok
}

func (s *RoomSet) GetOrCreate(roomID id.RoomID) (room *Room, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		room = NewRoom(roomID)
		s.rooms[roomID] = room
		created = true
	}
	return room, created
}

func (s *RoomSet) Remove(roomID id.RoomID) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

func (s *RoomSet) All() []*Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		out = append(out, room)
	}
	return out
}

func (s *RoomSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// Client is the owned session context: transport, credentials, the room
// set, and the user-initiated commands. It is passed explicitly to the
// sync loop driver instead of living behind package-level state.
type Client struct {
	log       zerolog.Logger
	transport *Transport
	paginator *Paginator
	creds     Credentials
	rooms     *RoomSet

	txnCounter atomic.Int64
}

func NewClient(transport *Transport, creds Credentials, log zerolog.Logger) *Client {
	transport.SetAccessToken(creds.AccessToken)
	return &Client{
		log:       log.With().Str("component", "client").Logger(),
		transport: transport,
		paginator: NewPaginator(transport, log),
		creds:     creds,
		rooms:     NewRoomSet(),
	}
}

// Login performs a password login and returns the credential tuple. It is
// the only authentication flow the engine touches; everything else assumes
// a valid access token.
func Login(ctx context.Context, transport *Transport, user, password string, deviceID id.DeviceID) (Credentials, error) {
	req := &loginRequest{
		Type:                     "m.login.password",
		User:                     user,
		Password:                 password,
		DeviceID:                 string(deviceID),
		InitialDeviceDisplayName: "weft",
	}
	var resp loginResponse
	if err := transport.Request(ctx, "POST", "/login", nil, req, &resp, 0); err != nil {
		return Credentials{}, fmt.Errorf("login failed: %w", err)
	}
	creds := Credentials{
		UserID:      id.UserID(resp.UserID),
		DeviceID:    id.DeviceID(resp.DeviceID),
		AccessToken: resp.AccessToken,
	}
	transport.SetAccessToken(creds.AccessToken)
	return creds, nil
}

func (c *Client) UserID() id.UserID {
	return c.creds.UserID
}

func (c *Client) Rooms() *RoomSet {
	return c.rooms
}

func (c *Client) Room(roomID id.RoomID) (*Room, bool) {
	return c.rooms.Get(roomID)
}

func (c *Client) Transport() *Transport {
	return c.transport
}

func (c *Client) Paginator() *Paginator {
	return c.paginator
}

func (c *Client) nextTxnID() string {
	return fmt.Sprintf("weft-%d-%d", time.Now().UnixMilli(), c.txnCounter.Add(1))
}

// SendMessage queues a local pending message, then sends it with retries.
// The pending entry (no event ID yet) is visible immediately; once the
// server acknowledges, the entry is spliced into the authoritative list by
// the weak-identity rule, whether the ack or the sync echo arrives first.
func (c *Client) SendMessage(ctx context.Context, roomID id.RoomID, msgtype, body string) (id.EventID, error) {
	room, ok := c.rooms.Get(roomID)
	if !ok {
		return "", fmt.Errorf("unknown room %s", roomID)
	}
	pending := &Message{
		Sender:   c.creds.UserID,
		Room:     roomID,
		Type:     msgtype,
		Body:     body,
		Date:     time.Now(),
		Receipts: make(map[id.UserID]int64),
	}
	room.Timeline.Add(pending)

	txnID := c.nextTxnID()
	path := fmt.Sprintf("/rooms/%s/send/m.room.message/%s", url.PathEscape(string(roomID)), txnID)
	reqBody := map[string]string{"msgtype": msgtype, "body": body}

	var resp sendResponse
	var err error
	for attempt := 0; attempt < sendRetries; attempt++ {
		if err = c.transport.Request(ctx, "PUT", path, nil, reqBody, &resp, 0); err == nil {
			break
		}
		c.log.Warn().Err(err).
			Str("room_id", string(roomID)).
			Str("txn_id", txnID).
			Int("attempt", attempt+1).
			Msg("Message send failed, retrying")
	}
	if err != nil {
		return "", fmt.Errorf("failed to send message after %d attempts: %w", sendRetries, err)
	}

	ack := *pending
	ack.ID = id.EventID(resp.EventID)
	room.Timeline.Add(&ack)
	return ack.ID, nil
}

// Redact sends a redaction for the given event and applies it locally.
func (c *Client) Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) error {
	txnID := c.nextTxnID()
	path := fmt.Sprintf("/rooms/%s/redact/%s/%s",
		url.PathEscape(string(roomID)), url.PathEscape(string(eventID)), txnID)
	var reqBody any
	if reason != "" {
		reqBody = map[string]string{"reason": reason}
	} else {
		reqBody = map[string]string{}
	}
	if err := c.transport.Request(ctx, "PUT", path, nil, reqBody, nil, 0); err != nil {
		return fmt.Errorf("failed to redact event: %w", err)
	}
	if room, ok := c.rooms.Get(roomID); ok {
		room.Timeline.ApplyRedaction(eventID)
	}
	return nil
}

// MarkRead posts an m.read receipt for the given event.
func (c *Client) MarkRead(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	path := fmt.Sprintf("/rooms/%s/receipt/m.read/%s",
		url.PathEscape(string(roomID)), url.PathEscape(string(eventID)))
	if err := c.transport.Request(ctx, "POST", path, nil, map[string]string{}, nil, 0); err != nil {
		return fmt.Errorf("failed to send read receipt: %w", err)
	}
	if room, ok := c.rooms.Get(roomID); ok {
		room.Timeline.ApplyReceipt(eventID, c.creds.UserID, time.Now().UnixMilli())
	}
	return nil
}

// SendTyping reports the local user's typing state to a room.
func (c *Client) SendTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error {
	path := fmt.Sprintf("/rooms/%s/typing/%s",
		url.PathEscape(string(roomID)), url.PathEscape(string(c.creds.UserID)))
	reqBody := map[string]any{"typing": typing}
	if typing {
		reqBody["timeout"] = timeout.Milliseconds()
	}
	if err := c.transport.Request(ctx, "PUT", path, nil, reqBody, nil, 0); err != nil {
		return fmt.Errorf("failed to send typing notification: %w", err)
	}
	return nil
}

// JoinRoom accepts an invite or joins a public room. The membership
// transition itself arrives through the next sync.
func (c *Client) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	path := fmt.Sprintf("/rooms/%s/join", url.PathEscape(string(roomID)))
	if err := c.transport.Request(ctx, "POST", path, nil, map[string]string{}, nil, 0); err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}
	return nil
}

func (c *Client) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	path := fmt.Sprintf("/rooms/%s/leave", url.PathEscape(string(roomID)))
	if err := c.transport.Request(ctx, "POST", path, nil, map[string]string{}, nil, 0); err != nil {
		return fmt.Errorf("failed to leave room: %w", err)
	}
	return nil
}

// SetFavourite adds or removes the m.favourite tag through the room tag
// account-data endpoint; the local tag state follows the next sync.
func (c *Client) SetFavourite(ctx context.Context, roomID id.RoomID, favourite bool) error {
	path := fmt.Sprintf("/user/%s/rooms/%s/tags/m.favourite",
		url.PathEscape(string(c.creds.UserID)), url.PathEscape(string(roomID)))
	var err error
	if favourite {
		err = c.transport.Request(ctx, "PUT", path, nil, map[string]any{"order": 0.5}, nil, 0)
	} else {
		err = c.transport.Request(ctx, "DELETE", path, nil, nil, nil, 0)
	}
	if err != nil {
		return fmt.Errorf("failed to update room tag: %w", err)
	}
	return nil
}

// LoadHistory backfills older messages into a room's timeline until at
// least want room messages have been added or the server history is
// exhausted. When the room has no pagination token yet, tokens are seeded
// from the newest known event's context.
func (c *Client) LoadHistory(ctx context.Context, roomID id.RoomID, want int) ([]*Message, error) {
	room, ok := c.rooms.Get(roomID)
	if !ok {
		return nil, fmt.Errorf("unknown room %s", roomID)
	}
	from := room.PrevBatch()
	if from == "" {
		newest := room.Timeline.Newest()
		if newest == nil || newest.ID == "" {
			return nil, nil
		}
		start, _, err := c.paginator.SeedTokens(ctx, roomID, newest.ID)
		if err != nil {
			return nil, err
		}
		from = start
	}
	msgs, end, err := c.paginator.FetchBackward(ctx, roomID, from, want)
	if err != nil {
		return nil, err
	}
	room.Timeline.AddHead(msgs)
	if end != "" {
		room.SetPrevBatch(end)
	}
	return msgs, nil
}
