package channel

import (
	"sync"
	"time"

	"github.com/anousonefs/ticket-gate/internal/domain"
)

const DefaultOutboxSize = 16

type Options struct {
	OutboxSize  int
	MaxLifetime time.Duration
}

// Registry holds the live push channels of this process, one per user.
type Registry struct {
	mu          sync.Mutex
	channels    map[string]*Channel
	onClose     func(Snapshot)
	outboxSize  int
	maxLifetime time.Duration
}

func NewRegistry(opts Options) *Registry {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}
	return &Registry{
		channels:    map[string]*Channel{},
		outboxSize:  opts.OutboxSize,
		maxLifetime: opts.MaxLifetime,
	}
}

// OnClose sets the function called with the final state of every channel
// that closes.
func (r *Registry) OnClose(hook func(Snapshot)) {
	r.mu.Lock()
	r.onClose = hook
	r.mu.Unlock()
}

func (r *Registry) hook() func(Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onClose
}

// Register binds a new WAITING channel for the user. A user may hold one
// live connection per process.
func (r *Registry) Register(userID, eventID string, conn Conn) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[userID]; ok {
		return nil, domain.ErrDuplicateConnection
	}

	c := &Channel{
		userID:   userID,
		eventID:  eventID,
		conn:     conn,
		registry: r,
		outbox:   make(chan domain.Frame, r.outboxSize),
		done:     make(chan struct{}),
		state:    domain.StateWaiting,
	}
	c.outbox <- domain.Frame{Event: "connected", UserID: userID, EventID: eventID}
	r.channels[userID] = c
	return c, nil
}

func (r *Registry) Lookup(userID string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[userID]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Heartbeat queues a ping on every channel. A failed ping closes the channel.
func (r *Registry) Heartbeat() {
	for _, c := range r.snapshot() {
		_ = c.Push(domain.Frame{UserID: c.userID, Ping: true})
	}
}

// Enrolled returns the state of every open channel that holds a queue entry.
func (r *Registry) Enrolled() []Snapshot {
	var out []Snapshot
	for _, c := range r.snapshot() {
		c.mu.Lock()
		if c.enrolled && !c.closed {
			out = append(out, Snapshot{UserID: c.userID, EventID: c.eventID, State: c.state, Enrolled: true})
		}
		c.mu.Unlock()
	}
	return out
}

// CloseAll closes every channel, running the close hook for each.
func (r *Registry) CloseAll(reason Reason) {
	for _, c := range r.snapshot() {
		c.Close(reason)
	}
}

func (r *Registry) snapshot() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	return out
}

func (r *Registry) remove(c *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[c.userID] == c {
		delete(r.channels, c.userID)
	}
}
