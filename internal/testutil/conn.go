package testutil

import (
	"context"
	"sync"

	"github.com/anousonefs/ticket-gate/internal/domain"
)

// FakeConn records what a channel writes to its client.
type FakeConn struct {
	mu      sync.Mutex
	frames  []domain.Frame
	pings   int
	PingErr error
	SendErr error

	done      chan struct{}
	closeOnce sync.Once
}

func NewFakeConn() *FakeConn {
	return &FakeConn{done: make(chan struct{})}
}

func (c *FakeConn) Send(_ context.Context, f domain.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *FakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PingErr != nil {
		return c.PingErr
	}
	c.pings++
	return nil
}

func (c *FakeConn) Done() <-chan struct{} { return c.done }

// Close simulates the client going away.
func (c *FakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *FakeConn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *FakeConn) Frames() []domain.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// Last returns the most recent frame with the given status, if any.
func (c *FakeConn) Last(status domain.ChannelState) (domain.Frame, bool) {
	frames := c.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Status == status {
			return frames[i], true
		}
	}
	return domain.Frame{}, false
}

func (c *FakeConn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}
