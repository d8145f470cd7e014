// weft - a Matrix chat client backend.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package matrix

import (
	"encoding/json"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"
)

// Membership is the client's relationship to a room. A room is in exactly
// one membership state at a time; transitions only happen on explicit
// m.room.member events, never silently.
type Membership int

const (
	MembershipNone Membership = iota
	MembershipJoined
	MembershipInvited
	MembershipLeft
)

func (m Membership) String() string {
	switch m {
	case MembershipJoined:
		return "joined"
	case MembershipInvited:
		return "invited"
	case MembershipLeft:
		return "left"
	default:
		return "none"
	}
}

// RoomTag is the subset of m.tag content the client cares about.
type RoomTag int

const (
	RoomTagNone RoomTag = iota
	RoomTagFavourite
)

// LeaveReason carries a best-effort kick reason extracted from the last
// timeline event of a left room. The protocol does not guarantee the reason
// is retrievable this way, so Kicked=false with empty Text is the common case.
type LeaveReason struct {
	Kicked bool
	Text   string
}

// Member is a joined room member within the currently-known state window.
// Lazy-loaded member lists are not necessarily complete.
type Member struct {
	UID    id.UserID
	Alias  string
	Avatar string
}

// DisplayName returns the member's display name, falling back to the user ID.
func (m *Member) DisplayName() string {
	if m.Alias != "" {
		return m.Alias
	}
	return string(m.UID)
}

// Room is the locally-held reconciliation of one Matrix room. Metadata
// fields are guarded by mu; the message list has its own lock inside
// Timeline so pagination results and incremental updates cannot interleave
// destructively.
type Room struct {
	ID id.RoomID

	mu          sync.RWMutex
	name        string
	topic       string
	avatar      string
	alias       string
	membership  Membership
	tag         RoomTag
	inviter     id.UserID
	leaveReason LeaveReason
	direct      bool

	members map[id.UserID]*Member

	// Unread counters are absolute values reported by the server and are
	// replaced wholesale on each sync, never incremented locally.
	notifications int
	highlight     int

	// Power levels from the latest m.room.power_levels event. Last one wins,
	// no merging.
	powerLevels  map[id.UserID]int
	defaultLevel int

	// prevBatch marks the oldest loaded point of the timeline.
	prevBatch string

	Timeline *Timeline
}

func NewRoom(roomID id.RoomID) *Room {
	return &Room{
		ID:       roomID,
		members:  make(map[id.UserID]*Member),
		Timeline: NewTimeline(),
	}
}

func (r *Room) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

func (r *Room) SetName(name string) {
	r.mu.Lock()
	r.name = name
	r.mu.Unlock()
}

func (r *Room) Topic() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topic
}

func (r *Room) SetTopic(topic string) {
	r.mu.Lock()
	r.topic = topic
	r.mu.Unlock()
}

func (r *Room) Avatar() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.avatar
}

func (r *Room) SetAvatar(avatar string) {
	r.mu.Lock()
	r.avatar = avatar
	r.mu.Unlock()
}

func (r *Room) Alias() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.alias
}

func (r *Room) SetAlias(alias string) {
	r.mu.Lock()
	r.alias = alias
	r.mu.Unlock()
}

func (r *Room) Membership() Membership {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.membership
}

func (r *Room) Inviter() id.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inviter
}

func (r *Room) LeaveReason() LeaveReason {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leaveReason
}

func (r *Room) SetJoined() {
	r.mu.Lock()
	r.membership = MembershipJoined
	r.inviter = ""
	r.mu.Unlock()
}

func (r *Room) SetInvited(inviter id.UserID) {
	r.mu.Lock()
	r.membership = MembershipInvited
	r.inviter = inviter
	r.mu.Unlock()
}

func (r *Room) SetLeft(reason LeaveReason) {
	r.mu.Lock()
	r.membership = MembershipLeft
	r.leaveReason = reason
	r.mu.Unlock()
}

func (r *Room) Tag() RoomTag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tag
}

func (r *Room) SetTag(tag RoomTag) {
	r.mu.Lock()
	r.tag = tag
	r.mu.Unlock()
}

func (r *Room) Direct() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.direct
}

func (r *Room) SetDirect(direct bool) {
	r.mu.Lock()
	r.direct = direct
	r.mu.Unlock()
}

func (r *Room) Member(uid id.UserID) *Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[uid]
}

func (r *Room) Members() []*Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Room) PutMember(m *Member) {
	r.mu.Lock()
	r.members[m.UID] = m
	r.mu.Unlock()
}

// RemoveMember drops a member on leave. Members are removed, not tombstoned.
func (r *Room) RemoveMember(uid id.UserID) {
	r.mu.Lock()
	delete(r.members, uid)
	r.mu.Unlock()
}

func (r *Room) UnreadCounts() (notifications, highlight int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.notifications, r.highlight
}

func (r *Room) SetUnreadCounts(notifications, highlight int) {
	r.mu.Lock()
	r.notifications = notifications
	r.highlight = highlight
	r.mu.Unlock()
}

func (r *Room) PowerLevel(uid id.UserID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if lvl, ok := r.powerLevels[uid]; ok {
		return lvl
	}
	return r.defaultLevel
}

// SetPowerLevels replaces all power-level data from the latest
// m.room.power_levels state event.
func (r *Room) SetPowerLevels(users map[id.UserID]int, usersDefault int) {
	r.mu.Lock()
	r.powerLevels = users
	r.defaultLevel = usersDefault
	r.mu.Unlock()
}

func (r *Room) PrevBatch() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prevBatch
}

func (r *Room) SetPrevBatch(token string) {
	r.mu.Lock()
	r.prevBatch = token
	r.mu.Unlock()
}

// Message is one timeline entry. ID is empty for locally-authored messages
// that the server has not acknowledged yet; it is filled in when the send
// acknowledgment (or the sync echo) supplies the real event ID.
type Message struct {
	ID     id.EventID
	Sender id.UserID
	Room   id.RoomID
	Type   string
	Body   string
	Date   time.Time

	URL   string
	Thumb string

	Format        string
	FormattedBody string

	InReplyTo id.EventID
	Replaces  id.EventID

	Redacted bool

	// Receipts maps user ID to read timestamp in unix milliseconds. Some
	// homeservers report zero timestamps; those are kept as-is.
	Receipts map[id.UserID]int64
}

// SameMessage is the weak identity predicate used for deduplication. When
// both messages carry a server-assigned event ID, identity is the ID;
// otherwise it falls back to (sender, body). The fallback is what lets a
// locally-queued message and its server echo collapse into one entry before
// an ID is assigned. Do not reimplement this ad hoc at call sites.
func SameMessage(a, b *Message) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ID != "" && b.ID != "" {
		return a.ID == b.ID
	}
	return a.Sender == b.Sender && a.Body == b.Body
}

// EventKind is the closed set of non-message room events the reconciler
// consumes. Produced once by the parser so the reconciler can switch
// exhaustively instead of comparing type strings everywhere.
type EventKind int

const (
	EventUnsupported EventKind = iota
	EventName
	EventTopic
	EventAvatar
	EventCanonicalAlias
	EventMember
	EventRedaction
	EventPowerLevels
	EventSticker
)

func (k EventKind) String() string {
	switch k {
	case EventName:
		return "name"
	case EventTopic:
		return "topic"
	case EventAvatar:
		return "avatar"
	case EventCanonicalAlias:
		return "canonical_alias"
	case EventMember:
		return "member"
	case EventRedaction:
		return "redaction"
	case EventPowerLevels:
		return "power_levels"
	case EventSticker:
		return "sticker"
	default:
		return "unsupported"
	}
}

// Event is a transient non-message room event. It is consumed immediately
// by the reconciler and not persisted as its own entity.
type Event struct {
	Kind     EventKind
	Room     id.RoomID
	Sender   id.UserID
	Type     string
	StateKey string
	Content  json.RawMessage
	Redacts  id.EventID
}
