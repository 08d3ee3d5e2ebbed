package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/anousonefs/ticket-gate/internal/domain"
)

// Conn is the transport side of a client's push connection.
type Conn interface {
	Send(ctx context.Context, f domain.Frame) error
	Ping(ctx context.Context) error
	// Done is closed when the client goes away.
	Done() <-chan struct{}
	Close() error
}

type Reason string

const (
	ReasonDisconnect Reason = "disconnect"
	ReasonError      Reason = "error"
	ReasonTimeout    Reason = "timeout"
	ReasonSlow       Reason = "slow"
	ReasonLeave      Reason = "leave"
	ReasonShutdown   Reason = "shutdown"
	ReasonRejected   Reason = "rejected"
	// ReasonExpired closes a channel whose queue entry no longer exists.
	ReasonExpired Reason = "expired"
)

var ErrAlreadyAdmitted = errors.New("channel already admitted")

// Snapshot is the last state of a channel, handed to the close hook.
type Snapshot struct {
	UserID   string
	EventID  string
	State    domain.ChannelState
	Enrolled bool
	Reason   Reason
}

// Channel is one client's live push connection. A single goroutine (Run)
// writes to the connection; everything else goes through the outbox.
type Channel struct {
	userID   string
	eventID  string
	conn     Conn
	registry *Registry
	outbox   chan domain.Frame
	done     chan struct{}
	once     sync.Once

	mu       sync.Mutex
	state    domain.ChannelState
	enrolled bool
	closed   bool
}

func (c *Channel) UserID() string  { return c.userID }
func (c *Channel) EventID() string { return c.eventID }

func (c *Channel) State() domain.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the channel has been closed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Enroll marks the channel as holding a queue entry, so closing it cleans
// the entry up. It returns false if the channel closed first.
func (c *Channel) Enroll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.enrolled = true
	return true
}

// Admit flips the channel to ADMITTED. It fails with
// domain.ErrChannelClosed once the channel is closed and with
// ErrAlreadyAdmitted on a second call.
func (c *Channel) Admit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrChannelClosed
	}
	if c.state == domain.StateAdmitted {
		return ErrAlreadyAdmitted
	}
	c.state = domain.StateAdmitted
	return nil
}

// Push queues a frame for the writer. It never blocks: a client that cannot
// keep up is disconnected.
func (c *Channel) Push(f domain.Frame) error {
	select {
	case <-c.done:
		return domain.ErrChannelClosed
	default:
	}

	select {
	case c.outbox <- f:
		return nil
	default:
		slog.Warn("Client outbox full, closing channel", "userID", c.userID, "eventID", c.eventID)
		c.Close(ReasonSlow)
		return domain.ErrChannelClosed
	}
}

// Run writes queued frames to the connection until the channel closes, the
// client goes away, ctx is cancelled or maxLifetime passes.
func (c *Channel) Run(ctx context.Context) {
	defer c.conn.Close()

	var timeout <-chan time.Time
	if c.registry.maxLifetime > 0 {
		timer := time.NewTimer(c.registry.maxLifetime)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-c.done:
			c.drain(ctx)
			return
		case <-ctx.Done():
			c.Close(ReasonShutdown)
			return
		case <-c.conn.Done():
			c.Close(ReasonDisconnect)
			return
		case <-timeout:
			c.Close(ReasonTimeout)
			return
		case f := <-c.outbox:
			if err := c.write(ctx, f); err != nil {
				slog.Debug("Failed to write to client", "userID", c.userID, "error", err)
				c.Close(ReasonError)
				return
			}
		}
	}
}

// drain flushes frames queued before an explicit close, such as the final
// ADMITTED frame.
func (c *Channel) drain(ctx context.Context) {
	for {
		select {
		case f := <-c.outbox:
			if f.Ping {
				continue
			}
			if err := c.write(ctx, f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Channel) write(ctx context.Context, f domain.Frame) error {
	if f.Ping {
		return c.conn.Ping(ctx)
	}
	return c.conn.Send(ctx, f)
}

// Close is the only cleanup path of a channel. It runs once no matter how
// many of disconnect, error, timeout or shutdown race to trigger it.
func (c *Channel) Close(reason Reason) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		snap := Snapshot{
			UserID:   c.userID,
			EventID:  c.eventID,
			State:    c.state,
			Enrolled: c.enrolled,
			Reason:   reason,
		}
		c.mu.Unlock()

		c.registry.remove(c)

		slog.Info("Client channel closed", "userID", c.userID, "eventID", c.eventID, "state", snap.State, "reason", reason)
		if hook := c.registry.hook(); hook != nil {
			hook(snap)
		}
		close(c.done)
	})
}
