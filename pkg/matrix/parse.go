// weft - a Matrix chat client backend.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package matrix

import (
	"time"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"
)

// Parsing is deliberately defensive: a malformed field falls back to an
// empty string or zero value instead of failing the whole sync batch. The
// one structurally required field is the event ID; events without one are
// skipped by the reconciler, not parsed into half-identities.

const (
	evtRoomMessage    = "m.room.message"
	evtSticker        = "m.sticker"
	evtRoomName       = "m.room.name"
	evtRoomTopic      = "m.room.topic"
	evtRoomAvatar     = "m.room.avatar"
	evtCanonicalAlias = "m.room.canonical_alias"
	evtRoomMember     = "m.room.member"
	evtRedaction      = "m.room.redaction"
	evtPowerLevels    = "m.room.power_levels"
	evtTyping         = "m.typing"
	evtReceipt        = "m.receipt"
	evtFullyRead      = "m.fully_read"
	evtDirect         = "m.direct"
	evtTag            = "m.tag"
)

// SupportedTimelineEvent reports whether a timeline event becomes a Message.
// Everything else is either a state Event or dropped (m.call.* is filtered
// out server-side as well, see the sync filter).
func SupportedTimelineEvent(ev *RawEvent) bool {
	return ev.Type == evtRoomMessage || ev.Type == evtSticker
}

// ParseMessage converts a raw m.room.message or m.sticker event into a
// Message.
func ParseMessage(roomID id.RoomID, ev *RawEvent) *Message {
	content := gjson.ParseBytes(ev.Content)
	msg := &Message{
		ID:       id.EventID(ev.ID),
		Sender:   id.UserID(ev.Sender),
		Room:     roomID,
		Type:     content.Get("msgtype").String(),
		Body:     content.Get("body").String(),
		Date:     eventTimestamp(ev, time.Now()),
		Redacted: len(ev.Unsigned.RedactedBecause) > 0,
		Receipts: make(map[id.UserID]int64),
	}
	if ev.Type == evtSticker {
		msg.Type = evtSticker
	}

	switch msg.Type {
	case "m.text", "m.notice", "m.emote":
		msg.Format = content.Get("format").String()
		msg.FormattedBody = content.Get("formatted_body").String()
		msg.InReplyTo = id.EventID(content.Get(`m\.relates_to.m\.in_reply_to.event_id`).String())
		if content.Get(`m\.relates_to.rel_type`).String() == "m.replace" {
			msg.Replaces = id.EventID(content.Get(`m\.relates_to.event_id`).String())
			if newBody := content.Get(`m\.new_content.body`); newBody.Exists() {
				msg.Body = newBody.String()
			}
		}
	case "m.image", "m.file", "m.video", "m.audio", evtSticker:
		msg.URL = content.Get("url").String()
		msg.Thumb = content.Get("info.thumbnail_url").String()
		if msg.Thumb == "" {
			msg.Thumb = msg.URL
		}
	default:
		// Unknown msgtypes pass through with the raw body only.
	}
	return msg
}

// ParseMember returns a Member for m.room.member events with
// membership == "join", nil otherwise.
func ParseMember(ev *RawEvent) *Member {
	content := gjson.ParseBytes(ev.Content)
	if content.Get("membership").String() != "join" {
		return nil
	}
	uid := ev.stateKey()
	if uid == "" {
		uid = ev.Sender
	}
	return &Member{
		UID:    id.UserID(uid),
		Alias:  content.Get("displayname").String(),
		Avatar: content.Get("avatar_url").String(),
	}
}

// ParseEvent converts a raw non-message room event into a typed Event.
func ParseEvent(roomID id.RoomID, ev *RawEvent) Event {
	return Event{
		Kind:     eventKind(ev.Type),
		Room:     roomID,
		Sender:   id.UserID(ev.Sender),
		Type:     ev.Type,
		StateKey: ev.stateKey(),
		Content:  ev.Content,
		Redacts:  id.EventID(ev.Redacts),
	}
}

func eventKind(stype string) EventKind {
	switch stype {
	case evtRoomName:
		return EventName
	case evtRoomTopic:
		return EventTopic
	case evtRoomAvatar:
		return EventAvatar
	case evtCanonicalAlias:
		return EventCanonicalAlias
	case evtRoomMember:
		return EventMember
	case evtRedaction:
		return EventRedaction
	case evtPowerLevels:
		return EventPowerLevels
	case evtSticker:
		return EventSticker
	default:
		return EventUnsupported
	}
}

// eventTimestamp derives the message date. origin_server_ts (unix ms) is
// preferred; when absent, the legacy unsigned.age field is subtracted from
// now. Age is relative to sync-response-render time, not event time, so the
// fallback is an approximation and skews under slow networks.
func eventTimestamp(ev *RawEvent, now time.Time) time.Time {
	if ev.OriginServerTS > 0 {
		return time.UnixMilli(ev.OriginServerTS)
	}
	if ev.Unsigned.Age > 0 {
		return now.Add(-time.Duration(ev.Unsigned.Age) * time.Millisecond)
	}
	return now
}
