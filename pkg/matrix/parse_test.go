package matrix

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/id"
)

const testRoomID = id.RoomID("!room:example.com")

func rawEvent(eventID, evType, sender string, content string) *RawEvent {
	return &RawEvent{
		ID:             eventID,
		Type:           evType,
		Sender:         sender,
		Content:        json.RawMessage(content),
		OriginServerTS: 1700000000000,
	}
}

func TestParseMessage_Text(t *testing.T) {
	ev := rawEvent("$a", "m.room.message", "@alice:example.com", `{
		"msgtype": "m.text",
		"body": "hello",
		"format": "org.matrix.custom.html",
		"formatted_body": "<b>hello</b>"
	}`)
	msg := ParseMessage(testRoomID, ev)
	assert.Equal(t, id.EventID("$a"), msg.ID)
	assert.Equal(t, "m.text", msg.Type)
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, "org.matrix.custom.html", msg.Format)
	assert.Equal(t, "<b>hello</b>", msg.FormattedBody)
	assert.Equal(t, time.UnixMilli(1700000000000), msg.Date)
	assert.False(t, msg.Redacted)
}

func TestParseMessage_Reply(t *testing.T) {
	ev := rawEvent("$a", "m.room.message", "@alice:example.com", `{
		"msgtype": "m.text",
		"body": "> quoted\n\nreply",
		"m.relates_to": {"m.in_reply_to": {"event_id": "$target"}}
	}`)
	msg := ParseMessage(testRoomID, ev)
	assert.Equal(t, id.EventID("$target"), msg.InReplyTo)
}

func TestParseMessage_Edit(t *testing.T) {
	ev := rawEvent("$a", "m.room.message", "@alice:example.com", `{
		"msgtype": "m.text",
		"body": "* fixed",
		"m.relates_to": {"rel_type": "m.replace", "event_id": "$orig"},
		"m.new_content": {"msgtype": "m.text", "body": "fixed"}
	}`)
	msg := ParseMessage(testRoomID, ev)
	assert.Equal(t, id.EventID("$orig"), msg.Replaces)
	assert.Equal(t, "fixed", msg.Body, "edits carry the replacement body, not the fallback")
}

func TestParseMessage_ImageThumbFallback(t *testing.T) {
	withThumb := rawEvent("$a", "m.room.message", "@alice:example.com", `{
		"msgtype": "m.image",
		"body": "cat.png",
		"url": "mxc://example.com/full",
		"info": {"thumbnail_url": "mxc://example.com/thumb"}
	}`)
	msg := ParseMessage(testRoomID, withThumb)
	assert.Equal(t, "mxc://example.com/full", msg.URL)
	assert.Equal(t, "mxc://example.com/thumb", msg.Thumb)

	noThumb := rawEvent("$b", "m.room.message", "@alice:example.com", `{
		"msgtype": "m.image",
		"body": "cat.png",
		"url": "mxc://example.com/full"
	}`)
	msg = ParseMessage(testRoomID, noThumb)
	assert.Equal(t, "mxc://example.com/full", msg.Thumb, "full image doubles as its own thumbnail")
}

func TestParseMessage_Sticker(t *testing.T) {
	ev := rawEvent("$a", "m.sticker", "@alice:example.com", `{
		"body": "wave",
		"url": "mxc://example.com/sticker"
	}`)
	msg := ParseMessage(testRoomID, ev)
	assert.Equal(t, "m.sticker", msg.Type)
	assert.Equal(t, "mxc://example.com/sticker", msg.URL)
}

func TestParseMessage_RedactedBecause(t *testing.T) {
	ev := rawEvent("$a", "m.room.message", "@alice:example.com", `{}`)
	ev.Unsigned.RedactedBecause = json.RawMessage(`{"type":"m.room.redaction"}`)
	msg := ParseMessage(testRoomID, ev)
	assert.True(t, msg.Redacted)
	assert.Empty(t, msg.Body)
}

func TestParseMember(t *testing.T) {
	join := rawEvent("$a", "m.room.member", "@alice:example.com", `{
		"membership": "join",
		"displayname": "Alice",
		"avatar_url": "mxc://example.com/ava"
	}`)
	join.StateKey = ptr.Ptr("@alice:example.com")
	member := ParseMember(join)
	require.NotNil(t, member)
	assert.Equal(t, id.UserID("@alice:example.com"), member.UID)
	assert.Equal(t, "Alice", member.Alias)
	assert.Equal(t, "mxc://example.com/ava", member.Avatar)
	assert.Equal(t, "Alice", member.DisplayName())

	leave := rawEvent("$b", "m.room.member", "@alice:example.com", `{"membership": "leave"}`)
	assert.Nil(t, ParseMember(leave))

	// Missing state_key falls back to the sender.
	noKey := rawEvent("$c", "m.room.member", "@bob:example.com", `{"membership": "join"}`)
	member = ParseMember(noKey)
	require.NotNil(t, member)
	assert.Equal(t, id.UserID("@bob:example.com"), member.UID)
	assert.Equal(t, "@bob:example.com", member.DisplayName(), "no displayname falls back to the user ID")
}

func TestEventTimestamp(t *testing.T) {
	now := time.UnixMilli(2000000000000)

	withTS := &RawEvent{OriginServerTS: 1700000000000}
	assert.Equal(t, time.UnixMilli(1700000000000), eventTimestamp(withTS, now))

	// origin_server_ts wins over age when both are present.
	withTS.Unsigned.Age = 5000
	assert.Equal(t, time.UnixMilli(1700000000000), eventTimestamp(withTS, now))

	ageOnly := &RawEvent{Unsigned: rawUnsigned{Age: 60000}}
	assert.Equal(t, now.Add(-time.Minute), eventTimestamp(ageOnly, now))

	neither := &RawEvent{}
	assert.Equal(t, now, eventTimestamp(neither, now))
}

func TestEventKind(t *testing.T) {
	assert.Equal(t, EventName, eventKind("m.room.name"))
	assert.Equal(t, EventMember, eventKind("m.room.member"))
	assert.Equal(t, EventRedaction, eventKind("m.room.redaction"))
	assert.Equal(t, EventPowerLevels, eventKind("m.room.power_levels"))
	assert.Equal(t, EventUnsupported, eventKind("m.call.invite"))
}

func TestSupportedTimelineEvent(t *testing.T) {
	assert.True(t, SupportedTimelineEvent(&RawEvent{Type: "m.room.message"}))
	assert.True(t, SupportedTimelineEvent(&RawEvent{Type: "m.sticker"}))
	assert.False(t, SupportedTimelineEvent(&RawEvent{Type: "m.room.member"}))
	assert.False(t, SupportedTimelineEvent(&RawEvent{Type: "m.call.invite"}))
}
