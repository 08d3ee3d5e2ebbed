package domain

import (
	"time"
)

// EntryMode says how a queued client learns about its admission.
type EntryMode string

const (
	ModeStream EntryMode = "stream" // live push connection held by OwnerProcessID
	ModePoll   EntryMode = "poll"   // status endpoint only
)

type Entry struct {
	EventID        string    `json:"event_id"`
	UserID         string    `json:"user_id"`
	Sequence       int64     `json:"sequence"`
	OwnerProcessID string    `json:"owner_process_id"`
	Mode           EntryMode `json:"mode"`
}

type ChannelState string

const (
	StateWaiting  ChannelState = "WAITING"
	StateAdmitted ChannelState = "ADMITTED"
)

type EventStatus string

const (
	EventOpen   EventStatus = "OPEN"
	EventClosed EventStatus = "CLOSED"
)

type Credential struct {
	UserID    string    `json:"userId"`
	EventID   string    `json:"eventId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type MessageKind string

const (
	KindAdmit MessageKind = "admit"
	KindRank  MessageKind = "rank"
)

// DispatchMessage is routed to the dispatch stream of the process that
// owns the client's connection.
type DispatchMessage struct {
	UserID  string
	EventID string
	Kind    MessageKind
	Rank    int64
	Mode    EntryMode
}

// Delivery is a DispatchMessage together with the id the stream assigned to it.
type Delivery struct {
	ID      string
	Message DispatchMessage
}

type PendingDelivery struct {
	ID       string
	Consumer string
	Idle     time.Duration
	Retries  int64
}

// Frame is what a client receives over its push connection.
type Frame struct {
	Event   string       `json:"event,omitempty"`
	Status  ChannelState `json:"status,omitempty"`
	UserID  string       `json:"userId"`
	EventID string       `json:"eventId,omitempty"`
	Rank    *int64       `json:"rank,omitempty"`
	Token   string       `json:"token,omitempty"`

	// Ping frames carry no payload and are written as transport heartbeats.
	Ping bool `json:"-"`
}

type PollState string

const (
	PollAdmitted  PollState = "ADMITTED"
	PollWaiting   PollState = "WAITING"
	PollNotQueued PollState = "NOT_QUEUED"
)

type PollStatus struct {
	State       PollState `json:"state"`
	Rank        *int64    `json:"rank,omitempty"`
	Token       string    `json:"token,omitempty"`
	PollAfterMs int64     `json:"pollAfterMs"`
}

// QueueStats represents queue statistics
type QueueStats struct {
	EventID        string      `json:"event_id"`
	Waiting        int64       `json:"waiting"`
	RemainingSlots int64       `json:"remaining_slots"`
	Status         EventStatus `json:"status"`
	Entered        int64       `json:"entered"`
}
