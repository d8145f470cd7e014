package matrix

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

const (
	// backFetchStartLimit is the page size of the first backward request;
	// it doubles on every further page so deep history converges quickly.
	backFetchStartLimit = 10
	backFetchMaxLimit   = 500

	// gapPageSize is the fixed page size for forward gap-filling.
	gapPageSize = 40

	// maxPaginationPages is a hard cap on pages per run. Termination is
	// normally the empty-chunk or boundary condition; the cap only guards
	// against a server that keeps handing out fresh tokens forever.
	maxPaginationPages = 256
)

// Paginator pages through /messages and /context. Each run is an explicit
// loop with an accumulator; an empty chunk always terminates immediately.
type Paginator struct {
	transport *Transport
	log       zerolog.Logger
}

func NewPaginator(transport *Transport, log zerolog.Logger) *Paginator {
	return &Paginator{
		transport: transport,
		log:       log.With().Str("component", "paginator").Logger(),
	}
}

// FetchBackward retrieves at least want room-message-typed events older
// than the from token (dir=b), doubling the requested limit on each page
// until the target is met or the server is exhausted. Messages are
// returned in ascending date order together with the new oldest-point
// token.
func (p *Paginator) FetchBackward(ctx context.Context, roomID id.RoomID, from string, want int) ([]*Message, string, error) {
	var acc []*Message
	limit := backFetchStartLimit
	end := from
	for page := 0; page < maxPaginationPages; page++ {
		resp, err := p.messages(ctx, roomID, end, "", "b", limit)
		if err != nil {
			return acc, end, err
		}
		if len(resp.Chunk) == 0 {
			// Exhausted history is a normal termination, not an error.
			break
		}
		for i := range resp.Chunk {
			ev := &resp.Chunk[i]
			if ev.ID == "" || !SupportedTimelineEvent(ev) {
				continue
			}
			acc = append(acc, ParseMessage(roomID, ev))
		}
		prev := end
		end = resp.End
		if len(acc) >= want || end == "" || end == prev {
			break
		}
		if limit < backFetchMaxLimit {
			limit *= 2
		}
	}
	// dir=b chunks are reverse chronological; flip to ascending.
	reverseMessages(acc)
	p.log.Debug().
		Str("room_id", string(roomID)).
		Int("fetched", len(acc)).
		Int("wanted", want).
		Msg("Backward fetch complete")
	return acc, end, nil
}

// FillGap walks forward (dir=f) from the from token toward the to
// boundary, so a limited sync timeline leaves no silent hole in the local
// history. Terminates when the returned end token reaches the boundary,
// stops advancing, or the server returns an empty chunk.
func (p *Paginator) FillGap(ctx context.Context, roomID id.RoomID, from, to string) ([]*Message, error) {
	var acc []*Message
	cursor := from
	for page := 0; page < maxPaginationPages; page++ {
		resp, err := p.messages(ctx, roomID, cursor, to, "f", gapPageSize)
		if err != nil {
			return acc, err
		}
		if len(resp.Chunk) == 0 {
			break
		}
		for i := range resp.Chunk {
			ev := &resp.Chunk[i]
			if ev.ID == "" || !SupportedTimelineEvent(ev) {
				continue
			}
			acc = append(acc, ParseMessage(roomID, ev))
		}
		if resp.End == "" || resp.End == to || resp.End == cursor {
			break
		}
		cursor = resp.End
	}
	p.log.Debug().
		Str("room_id", string(roomID)).
		Int("fetched", len(acc)).
		Msg("Gap fill complete")
	return acc, nil
}

// SeedTokens fetches the context of a known event to obtain pagination
// tokens for a room that has no prev_batch yet (e.g. restored from a
// persisted cursor without history).
func (p *Paginator) SeedTokens(ctx context.Context, roomID id.RoomID, eventID id.EventID) (start, end string, err error) {
	path := fmt.Sprintf("/rooms/%s/context/%s", url.PathEscape(string(roomID)), url.PathEscape(string(eventID)))
	query := url.Values{"limit": {"1"}}
	var resp contextResponse
	if err = p.transport.Request(ctx, "GET", path, query, nil, &resp, 0); err != nil {
		return "", "", fmt.Errorf("failed to fetch event context: %w", err)
	}
	return resp.Start, resp.End, nil
}

func (p *Paginator) messages(ctx context.Context, roomID id.RoomID, from, to, dir string, limit int) (*messagesResponse, error) {
	query := url.Values{
		"dir":   {dir},
		"limit": {strconv.Itoa(limit)},
	}
	if from != "" {
		query.Set("from", from)
	}
	if to != "" {
		query.Set("to", to)
	}
	path := fmt.Sprintf("/rooms/%s/messages", url.PathEscape(string(roomID)))
	var resp messagesResponse
	if err := p.transport.Request(ctx, "GET", path, query, nil, &resp, 0); err != nil {
		return nil, fmt.Errorf("failed to page room messages: %w", err)
	}
	return &resp, nil
}

func reverseMessages(msgs []*Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
