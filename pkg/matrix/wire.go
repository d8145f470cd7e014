package matrix

import (
	"encoding/json"
)

// Wire structs for the Matrix Client-Server API payloads the engine
// consumes. Only the fields the reconciler actually reads are declared;
// everything else stays in raw content blobs.

// RawEvent is a single room event as it appears on the wire, before the
// parser turns it into a Message or Event.
type RawEvent struct {
	ID             string          `json:"event_id"`
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	Redacts        string          `json:"redacts,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Unsigned       rawUnsigned     `json:"unsigned"`
}

type rawUnsigned struct {
	// Age is the legacy relative age of the event in milliseconds at
	// response-render time. Only used when origin_server_ts is missing.
	Age             int64           `json:"age"`
	RedactedBecause json.RawMessage `json:"redacted_because,omitempty"`
}

func (e *RawEvent) stateKey() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

type eventList struct {
	Events []RawEvent `json:"events"`
}

type timelineChunk struct {
	Events    []RawEvent `json:"events"`
	Limited   bool       `json:"limited"`
	PrevBatch string     `json:"prev_batch"`
}

type unreadCounts struct {
	Highlight    int `json:"highlight_count"`
	Notification int `json:"notification_count"`
}

type joinedRoomChunk struct {
	State               eventList     `json:"state"`
	Timeline            timelineChunk `json:"timeline"`
	Ephemeral           eventList     `json:"ephemeral"`
	AccountData         eventList     `json:"account_data"`
	UnreadNotifications unreadCounts  `json:"unread_notifications"`
}

type invitedRoomChunk struct {
	InviteState eventList `json:"invite_state"`
}

type leftRoomChunk struct {
	State    eventList     `json:"state"`
	Timeline timelineChunk `json:"timeline"`
}

// SyncResponse is the /sync payload: state, timeline and ephemeral changes
// across all rooms since a given cursor.
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join   map[string]joinedRoomChunk  `json:"join"`
		Invite map[string]invitedRoomChunk `json:"invite"`
		Leave  map[string]leftRoomChunk    `json:"leave"`
	} `json:"rooms"`
	AccountData eventList `json:"account_data"`
}

// messagesResponse is the /rooms/{id}/messages payload. For dir=b the chunk
// is in reverse chronological order; for dir=f it is chronological.
type messagesResponse struct {
	Start string     `json:"start"`
	End   string     `json:"end"`
	Chunk []RawEvent `json:"chunk"`
}

// contextResponse is the /rooms/{id}/context/{eventId} payload, used to seed
// pagination tokens around a known event.
type contextResponse struct {
	Start        string     `json:"start"`
	End          string     `json:"end"`
	EventsBefore []RawEvent `json:"events_before"`
	Event        RawEvent   `json:"event"`
	EventsAfter  []RawEvent `json:"events_after"`
}

type loginRequest struct {
	Type                     string `json:"type"`
	User                     string `json:"user"`
	Password                 string `json:"password"`
	DeviceID                 string `json:"device_id,omitempty"`
	InitialDeviceDisplayName string `json:"initial_device_display_name,omitempty"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

type sendResponse struct {
	EventID string `json:"event_id"`
}

type errorResponse struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}
