package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anousonefs/ticket-gate/internal/clock"
	"github.com/anousonefs/ticket-gate/internal/domain"
)

// MemStreams is an in-memory stand-in for the per-process dispatch streams.
// Idle times come from the supplied clock so reclaim can be tested without
// sleeping.
type MemStreams struct {
	mu         sync.Mutex
	clock      clock.Clock
	seq        int64
	boxes      map[string]*memBox
	PublishErr error
}

type memBox struct {
	unread    []domain.Delivery
	pending   []*memPending
	published []domain.DispatchMessage
}

type memPending struct {
	delivery    domain.Delivery
	consumer    string
	deliveredAt time.Time
	retries     int64
}

func NewMemStreams(clk clock.Clock) *MemStreams {
	return &MemStreams{clock: clk, boxes: map[string]*memBox{}}
}

func (s *MemStreams) box(owner string) *memBox {
	b, ok := s.boxes[owner]
	if !ok {
		b = &memBox{}
		s.boxes[owner] = b
	}
	return b
}

func (s *MemStreams) Publish(_ context.Context, owner string, msg domain.DispatchMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PublishErr != nil {
		return "", s.PublishErr
	}
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	b := s.box(owner)
	b.unread = append(b.unread, domain.Delivery{ID: id, Message: msg})
	b.published = append(b.published, msg)
	return id, nil
}

// Published returns every message ever published to the owner's stream.
func (s *MemStreams) Published(owner string) []domain.DispatchMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.box(owner)
	out := make([]domain.DispatchMessage, len(b.published))
	copy(out, b.published)
	return out
}

// PendingCount returns how many delivered messages of owner are not acked.
func (s *MemStreams) PendingCount(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.box(owner).pending)
}

// Mailbox returns the consumer side of owner's stream.
func (s *MemStreams) Mailbox(owner, consumer string) *MemMailbox {
	return &MemMailbox{streams: s, owner: owner, consumer: consumer}
}

type MemMailbox struct {
	streams  *MemStreams
	owner    string
	consumer string
}

func (m *MemMailbox) Ensure(context.Context) error {
	m.streams.mu.Lock()
	m.streams.box(m.owner)
	m.streams.mu.Unlock()
	return nil
}

func (m *MemMailbox) Read(_ context.Context, count int64) ([]domain.Delivery, error) {
	s := m.streams
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.box(m.owner)
	n := int(count)
	if n <= 0 || n > len(b.unread) {
		n = len(b.unread)
	}
	out := b.unread[:n:n]
	b.unread = b.unread[n:]
	now := s.clock.Now()
	for _, d := range out {
		b.pending = append(b.pending, &memPending{delivery: d, consumer: m.consumer, deliveredAt: now, retries: 1})
	}
	return out, nil
}

func (m *MemMailbox) Ack(_ context.Context, ids ...string) error {
	s := m.streams
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.box(m.owner)
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := b.pending[:0]
	for _, p := range b.pending {
		if !drop[p.delivery.ID] {
			kept = append(kept, p)
		}
	}
	b.pending = kept
	return nil
}

func (m *MemMailbox) Pending(_ context.Context, count int64) ([]domain.PendingDelivery, error) {
	s := m.streams
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var out []domain.PendingDelivery
	for _, p := range s.box(m.owner).pending {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		out = append(out, domain.PendingDelivery{
			ID:       p.delivery.ID,
			Consumer: p.consumer,
			Idle:     now.Sub(p.deliveredAt),
			Retries:  p.retries,
		})
	}
	return out, nil
}

func (m *MemMailbox) Claim(_ context.Context, minIdle time.Duration, ids ...string) ([]domain.Delivery, error) {
	s := m.streams
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	now := s.clock.Now()
	var out []domain.Delivery
	for _, p := range s.box(m.owner).pending {
		if !want[p.delivery.ID] || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = m.consumer
		p.deliveredAt = now
		p.retries++
		out = append(out, p.delivery)
	}
	return out, nil
}
