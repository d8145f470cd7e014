package matrix

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func tlMsg(eventID, sender, body string, ts int64) *Message {
	return &Message{
		ID:       id.EventID(eventID),
		Sender:   id.UserID(sender),
		Room:     "!room:example.com",
		Type:     "m.text",
		Body:     body,
		Date:     time.UnixMilli(ts),
		Receipts: make(map[id.UserID]int64),
	}
}

func TestTimelineAdd_KeepsDateOrder(t *testing.T) {
	tl := NewTimeline()
	assert.True(t, tl.Add(tlMsg("$c", "@a:x", "third", 3000)))
	assert.True(t, tl.Add(tlMsg("$a", "@a:x", "first", 1000)))
	assert.True(t, tl.Add(tlMsg("$b", "@a:x", "second", 2000)))

	msgs := tl.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, id.EventID("$a"), msgs[0].ID)
	assert.Equal(t, id.EventID("$b"), msgs[1].ID)
	assert.Equal(t, id.EventID("$c"), msgs[2].ID)
}

func TestTimelineAdd_Idempotent(t *testing.T) {
	tl := NewTimeline()
	msg := tlMsg("$a", "@a:x", "hi", 1000)
	assert.True(t, tl.Add(msg))
	assert.False(t, tl.Add(tlMsg("$a", "@a:x", "hi", 1000)))
	assert.Equal(t, 1, tl.Len())

	// Same ID with a different body is still the same message.
	assert.False(t, tl.Add(tlMsg("$a", "@a:x", "edited elsewhere", 1000)))
	assert.Equal(t, 1, tl.Len())
}

func TestTimelineAdd_MatchesWithoutIDs(t *testing.T) {
	tl := NewTimeline()
	pending := tlMsg("", "@me:x", "hello", 1000)
	assert.True(t, tl.Add(pending))
	// Same sender and body without IDs on either side is a duplicate.
	assert.False(t, tl.Add(tlMsg("", "@me:x", "hello", 1500)))
	// A different sender with the same body is not.
	assert.True(t, tl.Add(tlMsg("", "@other:x", "hello", 2000)))
}

func TestTimelineAdd_EchoSplice(t *testing.T) {
	tl := NewTimeline()
	pending := tlMsg("", "@me:x", "hello", 1000)
	pending.Receipts[id.UserID("@other:x")] = 500
	require.True(t, tl.Add(pending))

	echo := tlMsg("$srv", "@me:x", "hello", 1100)
	assert.False(t, tl.Add(echo), "echo should splice, not insert")
	require.Equal(t, 1, tl.Len())

	stored := tl.Messages()[0]
	assert.Equal(t, id.EventID("$srv"), stored.ID)
	assert.Equal(t, int64(500), stored.Receipts["@other:x"], "receipts on the pending entry survive the splice")
}

func TestTimelineAdd_EchoSpliceEitherOrder(t *testing.T) {
	// Server echo via sync may land before the send ack applies its copy.
	tl := NewTimeline()
	require.True(t, tl.Add(tlMsg("$srv", "@me:x", "hello", 1000)))
	assert.False(t, tl.Add(tlMsg("", "@me:x", "hello", 900)))
	assert.Equal(t, 1, tl.Len())
	assert.Equal(t, id.EventID("$srv"), tl.Messages()[0].ID)
}

func TestTimelineAddHead(t *testing.T) {
	tl := NewTimeline()
	require.True(t, tl.Add(tlMsg("$d", "@a:x", "newest", 4000)))

	older := []*Message{
		tlMsg("$a", "@a:x", "one", 1000),
		tlMsg("$b", "@a:x", "two", 2000),
		tlMsg("$c", "@a:x", "three", 3000),
	}
	assert.Equal(t, 3, tl.AddHead(older))
	// Re-adding the same page is a no-op.
	assert.Equal(t, 0, tl.AddHead(older))

	msgs := tl.Messages()
	require.Len(t, msgs, 4)
	for i, want := range []id.EventID{"$a", "$b", "$c", "$d"} {
		assert.Equal(t, want, msgs[i].ID)
	}
}

func TestTimelineAddAll_ReturnsOnlyNew(t *testing.T) {
	tl := NewTimeline()
	require.True(t, tl.Add(tlMsg("$a", "@a:x", "one", 1000)))

	added := tl.AddAll([]*Message{
		tlMsg("$a", "@a:x", "one", 1000),
		tlMsg("$b", "@a:x", "two", 2000),
	})
	require.Len(t, added, 1)
	assert.Equal(t, id.EventID("$b"), added[0].ID)
}

func TestTimelineApplyRedaction_KeepsMessageInPlace(t *testing.T) {
	tl := NewTimeline()
	require.True(t, tl.Add(tlMsg("$a", "@a:x", "one", 1000)))
	require.True(t, tl.Add(tlMsg("$b", "@a:x", "two", 2000)))

	assert.True(t, tl.ApplyRedaction("$a"))
	assert.False(t, tl.ApplyRedaction("$missing"))

	msgs := tl.Messages()
	require.Len(t, msgs, 2, "redacted messages are retained, not removed")
	assert.True(t, msgs[0].Redacted)
	assert.Equal(t, id.EventID("$a"), msgs[0].ID)
	assert.False(t, msgs[1].Redacted)
}

func TestTimelineApplyReceipt(t *testing.T) {
	tl := NewTimeline()
	require.True(t, tl.Add(tlMsg("$a", "@a:x", "one", 1000)))

	assert.True(t, tl.ApplyReceipt("$a", "@b:x", 1234))
	assert.True(t, tl.ApplyReceipt("$a", "@c:x", 0), "zero timestamps are recorded as-is")
	assert.False(t, tl.ApplyReceipt("$gone", "@b:x", 1234))

	msg := tl.Find("$a")
	require.NotNil(t, msg)
	assert.Equal(t, int64(1234), msg.Receipts["@b:x"])
	ts, ok := msg.Receipts["@c:x"]
	assert.True(t, ok)
	assert.Equal(t, int64(0), ts)

	// A newer receipt for the same user overwrites.
	assert.True(t, tl.ApplyReceipt("$a", "@b:x", 5678))
	assert.Equal(t, int64(5678), msg.Receipts["@b:x"])
}

func TestTimelineNewestAndFind(t *testing.T) {
	tl := NewTimeline()
	assert.Nil(t, tl.Newest())
	require.True(t, tl.Add(tlMsg("$a", "@a:x", "one", 1000)))
	require.True(t, tl.Add(tlMsg("$b", "@a:x", "two", 2000)))

	assert.Equal(t, id.EventID("$b"), tl.Newest().ID)
	assert.Nil(t, tl.Find("$nope"))
	assert.Equal(t, id.EventID("$a"), tl.Find("$a").ID)
}
