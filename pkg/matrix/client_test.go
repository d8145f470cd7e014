package matrix

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	transport, err := NewTransport(srv.URL, zerolog.Nop())
	require.NoError(t, err)
	return NewClient(transport, Credentials{UserID: testSelfID, DeviceID: "DEV", AccessToken: "tok"}, zerolog.Nop())
}

func TestSendMessage_AckSplicesPending(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Contains(t, r.URL.Path, "/send/m.room.message/")
		json.NewEncoder(w).Encode(&sendResponse{EventID: "$srv"})
	})
	room, _ := client.Rooms().GetOrCreate("!r:x")

	eventID, err := client.SendMessage(context.Background(), "!r:x", "m.text", "hello")
	require.NoError(t, err)
	assert.Equal(t, id.EventID("$srv"), eventID)

	// The pending entry and the ack collapse into one message.
	require.Equal(t, 1, room.Timeline.Len())
	msg := room.Timeline.Newest()
	assert.Equal(t, id.EventID("$srv"), msg.ID)
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, testSelfID, msg.Sender)
}

func TestSendMessage_RetriesWithSameTxnID(t *testing.T) {
	var txnIDs []string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		txnIDs = append(txnIDs, parts[len(parts)-1])
		if len(txnIDs) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(&sendResponse{EventID: "$srv"})
	})
	client.Rooms().GetOrCreate("!r:x")

	_, err := client.SendMessage(context.Background(), "!r:x", "m.text", "hello")
	require.NoError(t, err)
	require.Len(t, txnIDs, 3)
	assert.Equal(t, txnIDs[0], txnIDs[1], "retries must reuse the transaction ID for server-side dedup")
	assert.Equal(t, txnIDs[0], txnIDs[2])
}

func TestSendMessage_UnknownRoom(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an unknown room")
	})
	_, err := client.SendMessage(context.Background(), "!nope:x", "m.text", "hello")
	assert.Error(t, err)
}

func TestRedact_AppliesLocally(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/redact/")
		json.NewEncoder(w).Encode(map[string]string{"event_id": "$red"})
	})
	room, _ := client.Rooms().GetOrCreate("!r:x")
	room.Timeline.Add(tlMsg("$m1", "@alice:x", "oops", 1000))

	require.NoError(t, client.Redact(context.Background(), "!r:x", "$m1", "mistake"))
	msg := room.Timeline.Find("$m1")
	require.NotNil(t, msg)
	assert.True(t, msg.Redacted)
}

func TestMarkRead_AppliesLocally(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/receipt/m.read/")
		w.Write([]byte(`{}`))
	})
	room, _ := client.Rooms().GetOrCreate("!r:x")
	room.Timeline.Add(tlMsg("$m1", "@alice:x", "hi", 1000))

	require.NoError(t, client.MarkRead(context.Background(), "!r:x", "$m1"))
	msg := room.Timeline.Find("$m1")
	require.NotNil(t, msg)
	_, ok := msg.Receipts[testSelfID]
	assert.True(t, ok)
}

func TestSetFavourite(t *testing.T) {
	var gotMethod, gotBody string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/tags/m.favourite")
		gotMethod = r.Method
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Write([]byte(`{}`))
	})
	client.Rooms().GetOrCreate("!r:x")

	require.NoError(t, client.SetFavourite(context.Background(), "!r:x", true))
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.JSONEq(t, `{"order": 0.5}`, gotBody)

	require.NoError(t, client.SetFavourite(context.Background(), "!r:x", false))
	assert.Equal(t, http.MethodDelete, gotMethod)
}

func TestSendTyping(t *testing.T) {
	var gotBody string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/typing/")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Write([]byte(`{}`))
	})

	require.NoError(t, client.SendTyping(context.Background(), "!r:x", true, 20*time.Second))
	assert.JSONEq(t, `{"typing": true, "timeout": 20000}`, gotBody)

	require.NoError(t, client.SendTyping(context.Background(), "!r:x", false, 0))
	assert.JSONEq(t, `{"typing": false}`, gotBody)
}

func TestLoadHistory_UsesPrevBatch(t *testing.T) {
	h := &historyServer{events: historyEvents(20), pageCap: 5}
	client := testClient(t, h.handler())
	room, _ := client.Rooms().GetOrCreate("!r:x")
	room.SetPrevBatch("tok-20")

	msgs, err := client.LoadHistory(context.Background(), "!r:x", 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(msgs), 10)
	assert.Equal(t, len(msgs), room.Timeline.Len())
	assert.NotEqual(t, "tok-20", room.PrevBatch(), "the oldest-point token must advance")
}

func TestLoadHistory_SeedsTokensFromContext(t *testing.T) {
	h := &historyServer{events: historyEvents(6), pageCap: 5}
	base := h.handler()
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/context/") {
			json.NewEncoder(w).Encode(&contextResponse{Start: "tok-6", End: "tok-6"})
			return
		}
		base(w, r)
	})
	room, _ := client.Rooms().GetOrCreate("!r:x")
	room.Timeline.Add(tlMsg("$anchor", "@alice:x", "newest", 99000))

	msgs, err := client.LoadHistory(context.Background(), "!r:x", 4)
	require.NoError(t, err)
	assert.NotEmpty(t, msgs)
	assert.Equal(t, len(msgs)+1, room.Timeline.Len())
}

func TestLoadHistory_NoAnchorNoTokens(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected without a pagination anchor")
	})
	client.Rooms().GetOrCreate("!r:x")

	msgs, err := client.LoadHistory(context.Background(), "!r:x", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
