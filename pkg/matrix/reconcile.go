// weft - a Matrix chat client backend.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package matrix

import (
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"
)

// Reconciler merges sync payloads into the locally-held room set. It is
// driven exclusively by the sync loop, so it never races with itself;
// per-room serialization against user commands is provided by the Room and
// Timeline locks.
type Reconciler struct {
	userID id.UserID
	log    zerolog.Logger
}

func NewReconciler(userID id.UserID, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		userID: userID,
		log:    log.With().Str("component", "reconciler").Logger(),
	}
}

// MemberEvent records a membership transition for dispatch.
type MemberEvent struct {
	Room   id.RoomID
	UserID id.UserID
	Member *Member // nil on leave
	Joined bool
}

// Gap describes a limited timeline that needs forward gap-filling: events
// between From (the cursor of the previous sync) and To (the new
// prev_batch) were omitted by the server.
type Gap struct {
	Room id.RoomID
	From string
	To   string
}

// SyncDelta is everything one sync response changed, collected for
// dispatch to the response sink.
type SyncDelta struct {
	NewRooms   []*Room
	Messages   map[id.RoomID][]*Message
	Names      map[id.RoomID]string
	Topics     map[id.RoomID]string
	Avatars    map[id.RoomID]string
	Members    []MemberEvent
	Redactions map[id.RoomID][]id.EventID
	Typing     map[id.RoomID][]id.UserID
	Receipts   []id.RoomID
	LeftRooms  []id.RoomID
	Gaps       []Gap
}

func newSyncDelta() *SyncDelta {
	return &SyncDelta{
		Messages:   make(map[id.RoomID][]*Message),
		Names:      make(map[id.RoomID]string),
		Topics:     make(map[id.RoomID]string),
		Avatars:    make(map[id.RoomID]string),
		Redactions: make(map[id.RoomID][]id.EventID),
		Typing:     make(map[id.RoomID][]id.UserID),
	}
}

// ApplySync reconciles one sync response into the room set. since is the
// cursor the response was requested with; it becomes the From token of any
// timeline gap. initial selects full reconciliation (first sync after
// login) versus the incremental path; the mechanics are shared, the flag
// only affects gap detection, which is meaningless without a previous
// window.
func (r *Reconciler) ApplySync(set *RoomSet, resp *SyncResponse, since string, initial bool) *SyncDelta {
	delta := newSyncDelta()

	for rid, chunk := range resp.Rooms.Join {
		r.applyJoined(set, id.RoomID(rid), chunk, since, initial, delta)
	}
	for rid, chunk := range resp.Rooms.Invite {
		r.applyInvited(set, id.RoomID(rid), chunk, delta)
	}
	for rid, chunk := range resp.Rooms.Leave {
		r.applyLeft(set, id.RoomID(rid), chunk, delta)
	}
	r.applyAccountData(set, resp.AccountData.Events)
	return delta
}

func (r *Reconciler) applyJoined(set *RoomSet, roomID id.RoomID, chunk joinedRoomChunk, since string, initial bool, delta *SyncDelta) {
	room, isNew := set.GetOrCreate(roomID)
	wasJoined := room.Membership() == MembershipJoined
	room.SetJoined()

	for i := range chunk.State.Events {
		r.applyRoomEvent(room, &chunk.State.Events[i], delta, isNew)
	}

	// Name derivation runs over the state-event list when the room is first
	// materialized. Later explicit m.room.name / canonical-alias events
	// update it through applyRoomEvent; membership-derived names are not
	// recomputed on every incremental member change.
	if isNew || !wasJoined {
		room.SetName(r.DeriveRoomName(chunk.State.Events))
	}

	var msgs []*Message
	for i := range chunk.Timeline.Events {
		ev := &chunk.Timeline.Events[i]
		if ev.ID == "" {
			// Structurally required field missing: skip the event, not
			// the whole response.
			r.log.Debug().Str("room_id", string(roomID)).Str("type", ev.Type).
				Msg("Skipping timeline event without event_id")
			continue
		}
		if SupportedTimelineEvent(ev) {
			msgs = append(msgs, ParseMessage(roomID, ev))
		} else {
			r.applyRoomEvent(room, ev, delta, false)
		}
	}
	if added := room.Timeline.AddAll(msgs); len(added) > 0 {
		delta.Messages[roomID] = append(delta.Messages[roomID], added...)
	}

	if chunk.Timeline.PrevBatch != "" {
		if isNew || room.PrevBatch() == "" {
			room.SetPrevBatch(chunk.Timeline.PrevBatch)
		}
		// A limited timeline on a room we already track means the server
		// omitted events between the previous cursor and this window.
		if chunk.Timeline.Limited && !isNew && !initial && since != "" {
			delta.Gaps = append(delta.Gaps, Gap{
				Room: roomID,
				From: since,
				To:   chunk.Timeline.PrevBatch,
			})
		}
	}

	// Servers report absolute unread counts; replace, never increment.
	room.SetUnreadCounts(chunk.UnreadNotifications.Notification, chunk.UnreadNotifications.Highlight)

	r.applyEphemeral(room, chunk.Ephemeral.Events, delta)
	r.applyRoomAccountData(room, chunk.AccountData.Events)

	if isNew {
		delta.NewRooms = append(delta.NewRooms, room)
	}
}

func (r *Reconciler) applyInvited(set *RoomSet, roomID id.RoomID, chunk invitedRoomChunk, delta *SyncDelta) {
	// A room is Invited only when the stripped state carries an
	// m.room.member invite for us; the inviter is that event's sender.
	var inviter id.UserID
	for i := range chunk.InviteState.Events {
		ev := &chunk.InviteState.Events[i]
		if ev.Type != evtRoomMember || ev.stateKey() != string(r.userID) {
			continue
		}
		if gjson.GetBytes(ev.Content, "membership").String() == "invite" {
			inviter = id.UserID(ev.Sender)
		}
	}
	if inviter == "" {
		return
	}

	room, isNew := set.GetOrCreate(roomID)
	if room.Membership() == MembershipJoined {
		// Never silently reverse a joined room to invited.
		return
	}
	room.SetInvited(inviter)
	room.SetName(r.DeriveRoomName(chunk.InviteState.Events))
	for i := range chunk.InviteState.Events {
		r.applyRoomEvent(room, &chunk.InviteState.Events[i], delta, true)
	}
	if isNew {
		delta.NewRooms = append(delta.NewRooms, room)
	}
}

func (r *Reconciler) applyLeft(set *RoomSet, roomID id.RoomID, chunk leftRoomChunk, delta *SyncDelta) {
	room, ok := set.Get(roomID)
	if !ok {
		return
	}
	room.SetLeft(r.leaveReason(chunk))
	delta.LeftRooms = append(delta.LeftRooms, roomID)
}

// leaveReason extracts a kick reason, best-effort: the protocol does not
// guarantee it is retrievable this way. It is only present when the last
// timeline event is somebody else kicking us with a custom reason.
func (r *Reconciler) leaveReason(chunk leftRoomChunk) LeaveReason {
	events := chunk.Timeline.Events
	if len(events) == 0 {
		return LeaveReason{}
	}
	last := &events[len(events)-1]
	if last.Type != evtRoomMember || last.stateKey() != string(r.userID) || last.Sender == string(r.userID) {
		return LeaveReason{}
	}
	content := gjson.ParseBytes(last.Content)
	if content.Get("membership").String() != "leave" {
		return LeaveReason{}
	}
	reason := content.Get("reason").String()
	if reason == "" {
		return LeaveReason{}
	}
	return LeaveReason{Kicked: true, Text: reason}
}

// applyRoomEvent folds one non-message event into the room and records the
// change in the delta. quiet suppresses dispatch for state replayed while
// materializing a new room.
func (r *Reconciler) applyRoomEvent(room *Room, ev *RawEvent, delta *SyncDelta, quiet bool) {
	parsed := ParseEvent(room.ID, ev)
	switch parsed.Kind {
	case EventName:
		name := gjson.GetBytes(parsed.Content, "name").String()
		if name != "" {
			room.SetName(name)
			if !quiet {
				delta.Names[room.ID] = name
			}
		}
	case EventTopic:
		topic := gjson.GetBytes(parsed.Content, "topic").String()
		room.SetTopic(topic)
		if !quiet {
			delta.Topics[room.ID] = topic
		}
	case EventAvatar:
		avatar := gjson.GetBytes(parsed.Content, "url").String()
		room.SetAvatar(avatar)
		if !quiet {
			delta.Avatars[room.ID] = avatar
		}
	case EventCanonicalAlias:
		room.SetAlias(gjson.GetBytes(parsed.Content, "alias").String())
	case EventMember:
		r.applyMemberEvent(room, ev, &parsed, delta, quiet)
	case EventPowerLevels:
		r.applyPowerLevels(room, parsed.Content)
	case EventRedaction:
		if parsed.Redacts != "" && room.Timeline.ApplyRedaction(parsed.Redacts) && !quiet {
			delta.Redactions[room.ID] = append(delta.Redactions[room.ID], parsed.Redacts)
		}
	case EventSticker, EventUnsupported:
		// Stickers are handled by the message path; anything else is noise.
	}
}

func (r *Reconciler) applyMemberEvent(room *Room, ev *RawEvent, parsed *Event, delta *SyncDelta, quiet bool) {
	membership := gjson.GetBytes(parsed.Content, "membership").String()
	target := id.UserID(parsed.StateKey)
	if target == "" {
		target = parsed.Sender
	}
	switch membership {
	case "join":
		member := ParseMember(ev)
		if member == nil {
			return
		}
		room.PutMember(member)
		if !quiet {
			delta.Members = append(delta.Members, MemberEvent{
				Room:   room.ID,
				UserID: member.UID,
				Member: member,
				Joined: true,
			})
		}
	case "leave", "ban":
		if target == r.userID {
			room.SetLeft(LeaveReason{})
			delta.LeftRooms = append(delta.LeftRooms, room.ID)
			return
		}
		room.RemoveMember(target)
		if !quiet {
			delta.Members = append(delta.Members, MemberEvent{
				Room:   room.ID,
				UserID: target,
				Joined: false,
			})
		}
	}
}

// applyPowerLevels replaces all power-level data with the event's users map
// and users_default. Last event wins, nothing is merged.
func (r *Reconciler) applyPowerLevels(room *Room, content []byte) {
	users := make(map[id.UserID]int)
	gjson.GetBytes(content, "users").ForEach(func(key, value gjson.Result) bool {
		users[id.UserID(key.String())] = int(value.Int())
		return true
	})
	room.SetPowerLevels(users, int(gjson.GetBytes(content, "users_default").Int()))
}

func (r *Reconciler) applyEphemeral(room *Room, events []RawEvent, delta *SyncDelta) {
	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case evtTyping:
			users := []id.UserID{}
			gjson.GetBytes(ev.Content, "user_ids").ForEach(func(_, value gjson.Result) bool {
				users = append(users, id.UserID(value.String()))
				return true
			})
			delta.Typing[room.ID] = users
		case evtReceipt:
			if r.applyReceipts(room, ev.Content) {
				delta.Receipts = append(delta.Receipts, room.ID)
			}
		case evtFullyRead:
			// Some homeservers deliver the fully-read marker in the
			// ephemeral list instead of room account data. Both fold the
			// same way.
			target := gjson.GetBytes(ev.Content, "event_id").String()
			if target != "" && room.Timeline.MarkFullyRead(id.EventID(target), r.userID) {
				delta.Receipts = append(delta.Receipts, room.ID)
			}
		}
	}
}

// applyReceipts consumes an m.receipt event: event-id → m.read → per-user
// {ts}. Receipts for events not in the local store are dropped; some
// homeservers send zero timestamps, which are kept rather than discarded.
func (r *Reconciler) applyReceipts(room *Room, content []byte) bool {
	applied := false
	gjson.ParseBytes(content).ForEach(func(eventID, receipts gjson.Result) bool {
		receipts.Get(`m\.read`).ForEach(func(user, data gjson.Result) bool {
			ts := data.Get("ts").Int()
			if room.Timeline.ApplyReceipt(id.EventID(eventID.String()), id.UserID(user.String()), ts) {
				applied = true
			}
			return true
		})
		return true
	})
	return applied
}

func (r *Reconciler) applyRoomAccountData(room *Room, events []RawEvent) {
	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case evtFullyRead:
			target := gjson.GetBytes(ev.Content, "event_id").String()
			if target != "" {
				room.Timeline.MarkFullyRead(id.EventID(target), r.userID)
			}
		case evtTag:
			// m.favourite under content.tags marks the room favourite.
			// Last m.tag event wins wholesale, tags are not merged.
			if gjson.GetBytes(ev.Content, `tags.m\.favourite`).Exists() {
				room.SetTag(RoomTagFavourite)
			} else {
				room.SetTag(RoomTagNone)
			}
		}
	}
}

// applyAccountData recomputes direct-chat flags from the account-wide
// m.direct mapping (user-id → array of room-ids). Every room mentioned in
// any array is direct; every other known room is not.
func (r *Reconciler) applyAccountData(set *RoomSet, events []RawEvent) {
	for i := range events {
		ev := &events[i]
		if ev.Type != evtDirect {
			continue
		}
		direct := make(map[id.RoomID]bool)
		gjson.ParseBytes(ev.Content).ForEach(func(_, roomIDs gjson.Result) bool {
			roomIDs.ForEach(func(_, rid gjson.Result) bool {
				direct[id.RoomID(rid.String())] = true
				return true
			})
			return true
		})
		for _, room := range set.All() {
			room.SetDirect(direct[room.ID])
		}
	}
}

// DeriveRoomName reproduces the room display-name heuristic over a
// state-event list:
//
//  1. a non-empty m.room.name wins,
//  2. else a canonical alias,
//  3. else a name built from the other members, in the order they are
//     encountered in the list (not sorted): none → "EMPTY ROOM", one →
//     that member, two → "a and b", more → "a and Others".
//
// The literal strings are load-bearing for user expectations; do not
// restyle them.
func (r *Reconciler) DeriveRoomName(events []RawEvent) string {
	var name, alias string
	var others []string
	for i := range events {
		ev := &events[i]
		content := gjson.ParseBytes(ev.Content)
		switch ev.Type {
		case evtRoomName:
			if n := content.Get("name").String(); n != "" {
				name = n
			}
		case evtCanonicalAlias:
			if a := content.Get("alias").String(); a != "" {
				alias = a
			}
		case evtRoomMember:
			switch content.Get("membership").String() {
			case "join":
				if ev.Sender == string(r.userID) {
					continue
				}
				if dn := content.Get("displayname").String(); dn != "" {
					others = append(others, dn)
				} else {
					others = append(others, ev.Sender)
				}
			case "invite":
				if ev.stateKey() == string(r.userID) {
					continue
				}
				if dn := content.Get("displayname").String(); dn != "" {
					others = append(others, dn)
				} else {
					others = append(others, ev.stateKey())
				}
			}
		}
	}
	if name != "" {
		return name
	}
	if alias != "" {
		return alias
	}
	switch len(others) {
	case 0:
		return "EMPTY ROOM"
	case 1:
		return others[0]
	case 2:
		return others[0] + " and " + others[1]
	default:
		return others[0] + " and Others"
	}
}
