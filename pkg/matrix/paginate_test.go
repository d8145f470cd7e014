package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

// historyServer fakes /rooms/{id}/messages over a fixed chronological
// event list, serving at most pageCap events per request regardless of the
// requested limit. Tokens are "tok-N" where N is the chronological index
// of the boundary.
type historyServer struct {
	events   []RawEvent
	pageCap  int
	requests []histRequest
}

type histRequest struct {
	dir   string
	from  string
	to    string
	limit int
}

func (h *historyServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		req := histRequest{dir: q.Get("dir"), from: q.Get("from"), to: q.Get("to"), limit: limit}
		h.requests = append(h.requests, req)

		pos := len(h.events)
		if req.from != "tok-start" {
			fmt.Sscanf(req.from, "tok-%d", &pos)
		}

		var resp messagesResponse
		resp.Start = req.from
		switch req.dir {
		case "b":
			// Reverse chronological from pos downward.
			n := min(min(limit, h.pageCap), pos)
			for i := pos - 1; i >= pos-n; i-- {
				resp.Chunk = append(resp.Chunk, h.events[i])
			}
			if n > 0 {
				resp.End = fmt.Sprintf("tok-%d", pos-n)
			}
		case "f":
			if req.from == "tok-start" {
				pos = 0
			}
			n := min(min(limit, h.pageCap), len(h.events)-pos)
			for i := pos; i < pos+n; i++ {
				resp.Chunk = append(resp.Chunk, h.events[i])
			}
			resp.End = fmt.Sprintf("tok-%d", pos+n)
			if resp.End == req.to || pos+n == len(h.events) {
				resp.End = req.to
			}
		}
		json.NewEncoder(w).Encode(&resp)
	}
}

func historyEvents(n int) []RawEvent {
	events := make([]RawEvent, n)
	for i := range events {
		events[i] = messageEvent(fmt.Sprintf("$h%d", i), "@alice:x", fmt.Sprintf("msg %d", i), int64(1000*(i+1)))
	}
	return events
}

func testPaginator(t *testing.T, h *historyServer) *Paginator {
	t.Helper()
	srv := httptest.NewServer(h.handler())
	t.Cleanup(srv.Close)
	transport, err := NewTransport(srv.URL, zerolog.Nop())
	require.NoError(t, err)
	return NewPaginator(transport, zerolog.Nop())
}

func TestFetchBackward(t *testing.T) {
	h := &historyServer{events: historyEvents(20), pageCap: 3}
	p := testPaginator(t, h)

	msgs, end, err := p.FetchBackward(context.Background(), "!r:x", "tok-20", 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(msgs), 10)

	// Ascending order after the paginator's re-reversal.
	for i := 1; i < len(msgs); i++ {
		assert.True(t, !msgs[i].Date.Before(msgs[i-1].Date), "messages must ascend")
	}
	assert.Equal(t, id.EventID("$h19"), msgs[len(msgs)-1].ID)
	assert.Equal(t, fmt.Sprintf("tok-%d", 20-len(msgs)), end)

	// The requested limit doubles per page.
	require.GreaterOrEqual(t, len(h.requests), 2)
	assert.Equal(t, 10, h.requests[0].limit)
	assert.Equal(t, 20, h.requests[1].limit)
	for _, req := range h.requests {
		assert.Equal(t, "b", req.dir)
	}
}

func TestFetchBackward_ExhaustedHistory(t *testing.T) {
	h := &historyServer{events: historyEvents(4), pageCap: 3}
	p := testPaginator(t, h)

	msgs, _, err := p.FetchBackward(context.Background(), "!r:x", "tok-4", 50)
	require.NoError(t, err)
	assert.Len(t, msgs, 4, "running out of history terminates cleanly")
}

func TestFillGap(t *testing.T) {
	h := &historyServer{events: historyEvents(10), pageCap: 4}
	p := testPaginator(t, h)

	msgs, err := p.FillGap(context.Background(), "!r:x", "tok-start", "tok-10")
	require.NoError(t, err)
	require.Len(t, msgs, 10)

	seen := make(map[id.EventID]bool)
	for i, msg := range msgs {
		assert.False(t, seen[msg.ID], "gap fill must not duplicate events")
		seen[msg.ID] = true
		if i > 0 {
			assert.True(t, !msg.Date.Before(msgs[i-1].Date))
		}
	}
	for _, req := range h.requests {
		assert.Equal(t, "f", req.dir)
		assert.Equal(t, "tok-10", req.to)
	}
}

func TestFillGap_TerminatesWhenEndStopsAdvancing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A stuck server keeps returning the same chunk and end token.
		json.NewEncoder(w).Encode(&messagesResponse{
			End:   "stuck",
			Chunk: []RawEvent{messageEvent("$same", "@alice:x", "hi", 1000)},
		})
	}))
	defer srv.Close()
	transport, err := NewTransport(srv.URL, zerolog.Nop())
	require.NoError(t, err)
	p := NewPaginator(transport, zerolog.Nop())

	msgs, err := p.FillGap(context.Background(), "!r:x", "stuck", "somewhere-else")
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "an unchanged end token terminates the loop")
}

func TestSeedTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/context/")
		json.NewEncoder(w).Encode(&contextResponse{Start: "ctx-start", End: "ctx-end"})
	}))
	defer srv.Close()
	transport, err := NewTransport(srv.URL, zerolog.Nop())
	require.NoError(t, err)
	p := NewPaginator(transport, zerolog.Nop())

	start, end, err := p.SeedTokens(context.Background(), "!r:x", "$anchor")
	require.NoError(t, err)
	assert.Equal(t, "ctx-start", start)
	assert.Equal(t, "ctx-end", end)
}
