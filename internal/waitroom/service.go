package waitroom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anousonefs/ticket-gate/internal/channel"
	"github.com/anousonefs/ticket-gate/internal/clock"
	"github.com/anousonefs/ticket-gate/internal/domain"
	"github.com/anousonefs/ticket-gate/internal/eventclient"
)

const (
	memberWaiting  = "waiting"
	memberAdmitted = "admitted"

	cleanupTimeout = 5 * time.Second
	reapBatch      = 500
)

type Store interface {
	Enqueue(ctx context.Context, eventID, userID, owner string, mode domain.EntryMode) (int64, error)
	Rank(ctx context.Context, eventID, userID string) (int64, bool, error)
	RemoveEntry(ctx context.Context, eventID, userID, owner string) (bool, error)
	Release(ctx context.Context, eventID, userID, owner string) (bool, error)
	Complete(ctx context.Context, eventID, userID string) (bool, error)
	Forget(ctx context.Context, eventID, userID string) error
	MemberState(ctx context.Context, eventID, userID string) (string, error)
	IsSeeded(ctx context.Context, eventID string) (bool, error)
	Seed(ctx context.Context, eventID string, capacity int64, status domain.EventStatus) error
	EventStatus(ctx context.Context, eventID string) (domain.EventStatus, error)
	Touch(ctx context.Context, eventID string, userIDs ...string) error
	Untrack(ctx context.Context, eventID, userID string) error
	Stale(ctx context.Context, eventID string, cutoff time.Time, limit int64) ([]string, error)
	TrackedEvents(ctx context.Context) ([]string, error)
	PruneTrackedEvent(ctx context.Context, eventID string) error
}

type Credentials interface {
	Get(ctx context.Context, userID string) (*domain.Credential, error)
	Consume(ctx context.Context, userID, token, eventID string) (*domain.Credential, error)
	Revoke(ctx context.Context, userID string) error
}

type Events interface {
	Lookup(ctx context.Context, eventID string) (*eventclient.Event, error)
}

type Config struct {
	// ProcessID names this process's dispatch stream. It must survive
	// restarts for unacknowledged admissions to be recovered.
	ProcessID string
	// StaleAfter is how long an entry may go without a poll or a heartbeat
	// from its owner before it is reaped.
	StaleAfter time.Duration
}

// Service ties the waiting line, the local channels and the credential
// store together into the operations clients see.
type Service struct {
	store    Store
	creds    Credentials
	events   Events
	registry *channel.Registry
	clock    clock.Clock
	cfg      Config
}

func NewService(store Store, creds Credentials, events Events, registry *channel.Registry, clk clock.Clock, cfg Config) *Service {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	s := &Service{
		store:    store,
		creds:    creds,
		events:   events,
		registry: registry,
		clock:    clk,
		cfg:      cfg,
	}
	registry.OnClose(s.onClose)
	return s
}

// Connect opens a push channel for the user and puts them in line. The
// caller runs the returned channel's writer.
func (s *Service) Connect(ctx context.Context, userID, eventID string, conn channel.Conn) (*channel.Channel, error) {
	if err := s.ensureEvent(ctx, eventID); err != nil {
		return nil, err
	}

	ch, err := s.registry.Register(userID, eventID, conn)
	if err != nil {
		return nil, err
	}

	seq, err := s.store.Enqueue(ctx, eventID, userID, s.cfg.ProcessID, domain.ModeStream)
	if err != nil {
		ch.Close(channel.ReasonRejected)
		return nil, err
	}

	if !ch.Enroll() {
		// gone before enrollment, so the close hook skipped the entry
		s.cleanup(eventID, userID, ch.State(), s.cfg.ProcessID)
		return nil, domain.ErrChannelClosed
	}

	slog.Info("Client entered queue", "userID", userID, "eventID", eventID, "sequence", seq)
	return ch, nil
}

// EnterPolling puts the user in line without a push channel. The client
// learns about its admission through Status.
func (s *Service) EnterPolling(ctx context.Context, userID, eventID string) (*domain.PollStatus, error) {
	if err := s.ensureEvent(ctx, eventID); err != nil {
		return nil, err
	}

	seq, err := s.store.Enqueue(ctx, eventID, userID, s.cfg.ProcessID, domain.ModePoll)
	if err != nil {
		return nil, err
	}

	slog.Info("Poll client entered queue", "userID", userID, "eventID", eventID, "sequence", seq)
	return s.Status(ctx, userID, eventID)
}

// Status answers a poll: admitted with the credential, waiting with the
// 0-based rank, or not queued. Each answer tells the client when to ask again.
func (s *Service) Status(ctx context.Context, userID, eventID string) (*domain.PollStatus, error) {
	cred, err := s.creds.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cred != nil && cred.EventID == eventID {
		s.touch(ctx, eventID, userID)
		return &domain.PollStatus{State: domain.PollAdmitted, Token: cred.Token, PollAfterMs: 1000}, nil
	}

	rank, ok, err := s.store.Rank(ctx, eventID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		state, err := s.store.MemberState(ctx, eventID, userID)
		if err != nil {
			return nil, err
		}
		if state != memberAdmitted {
			return &domain.PollStatus{State: domain.PollNotQueued, PollAfterMs: 5000}, nil
		}
		// promoted, but the credential is still on its way
		s.touch(ctx, eventID, userID)
		var head int64
		return &domain.PollStatus{State: domain.PollWaiting, Rank: &head, PollAfterMs: 500}, nil
	}

	status, err := s.store.EventStatus(ctx, eventID)
	if err != nil {
		return nil, err
	}
	s.touch(ctx, eventID, userID)
	return &domain.PollStatus{State: domain.PollWaiting, Rank: &rank, PollAfterMs: pollAfter(rank, status)}, nil
}

// pollAfter spreads polls out the further back a client is.
func pollAfter(rank int64, status domain.EventStatus) int64 {
	if status != "" && status != domain.EventOpen {
		return 30000
	}
	switch {
	case rank <= 10:
		return 1000
	case rank <= 100:
		return 3000
	case rank <= 1000:
		return 10000
	default:
		return 30000
	}
}

func (s *Service) touch(ctx context.Context, eventID, userID string) {
	if err := s.store.Touch(ctx, eventID, userID); err != nil {
		slog.Error("Failed to refresh entry", "userID", userID, "eventID", eventID, "error", err)
	}
}

// KeepAlive refreshes the entries of every enrolled local channel so Reap
// leaves them alone. It runs with the channel heartbeat.
func (s *Service) KeepAlive(ctx context.Context) {
	byEvent := make(map[string][]string)
	for _, snap := range s.registry.Enrolled() {
		byEvent[snap.EventID] = append(byEvent[snap.EventID], snap.UserID)
	}
	for eventID, userIDs := range byEvent {
		if err := s.store.Touch(ctx, eventID, userIDs...); err != nil {
			slog.Error("Failed to refresh channels", "eventID", eventID, "count", len(userIDs), "error", err)
		}
	}
}

// Leave takes the user out of line, or gives back their slot if they were
// already admitted.
func (s *Service) Leave(ctx context.Context, userID, eventID string) error {
	if ch, ok := s.registry.Lookup(userID); ok && ch.EventID() == eventID {
		ch.Close(channel.ReasonLeave)
		return nil
	}

	state, err := s.store.MemberState(ctx, eventID, userID)
	if err != nil {
		return err
	}
	switch state {
	case memberWaiting:
		s.cleanup(eventID, userID, domain.StateWaiting, "")
	case memberAdmitted:
		s.cleanup(eventID, userID, domain.StateAdmitted, "")
		if err := s.creds.Revoke(ctx, userID); err != nil {
			slog.Error("Failed to revoke credential", "userID", userID, "error", err)
		}
	default:
		return domain.ErrNotQueued
	}
	return s.store.Untrack(ctx, eventID, userID)
}

// Complete is called once the admitted user has been let into the protected
// flow. The credential is used up and the slot stays taken.
func (s *Service) Complete(ctx context.Context, userID, eventID, token string) error {
	if _, err := s.creds.Consume(ctx, userID, token, eventID); err != nil {
		return err
	}

	ok, err := s.store.Complete(ctx, eventID, userID)
	if err != nil {
		return err
	}
	if !ok {
		slog.Warn("Completed a credential without an admission", "userID", userID, "eventID", eventID)
	}

	if ch, found := s.registry.Lookup(userID); found && ch.EventID() == eventID {
		ch.Close(channel.ReasonLeave)
		return nil
	}
	if err := s.store.Untrack(ctx, eventID, userID); err != nil {
		return err
	}
	return s.store.Forget(ctx, eventID, userID)
}

// Reap drops entries nobody kept alive: poll clients that stopped polling
// and channels whose process stopped sending heartbeats. Waiting ones leave
// the line; admitted ones give their slot back and lose their credential.
func (s *Service) Reap(ctx context.Context) (int, error) {
	eventIDs, err := s.store.TrackedEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tracked events: %w", err)
	}

	cutoff := s.clock.Now().Add(-s.cfg.StaleAfter)
	reaped := 0
	for _, eventID := range eventIDs {
		stale, err := s.store.Stale(ctx, eventID, cutoff, reapBatch)
		if err != nil {
			slog.Error("Failed to list stale entries", "eventID", eventID, "error", err)
			continue
		}

		for _, userID := range stale {
			if s.holdsOpen(userID, eventID) {
				// ours and still open; the heartbeat has not caught up yet
				s.touch(ctx, eventID, userID)
				continue
			}

			state, err := s.store.MemberState(ctx, eventID, userID)
			if err != nil {
				slog.Error("Failed to get member state", "eventID", eventID, "userID", userID, "error", err)
				continue
			}
			switch state {
			case memberWaiting:
				s.cleanup(eventID, userID, domain.StateWaiting, "")
			case memberAdmitted:
				s.cleanup(eventID, userID, domain.StateAdmitted, "")
				if err := s.creds.Revoke(ctx, userID); err != nil {
					slog.Error("Failed to revoke credential", "userID", userID, "error", err)
				}
			}
			if err := s.store.Untrack(ctx, eventID, userID); err != nil {
				slog.Error("Failed to untrack entry", "eventID", eventID, "userID", userID, "error", err)
				continue
			}
			reaped++
		}

		if err := s.store.PruneTrackedEvent(ctx, eventID); err != nil {
			slog.Error("Failed to prune tracked event", "eventID", eventID, "error", err)
		}
	}

	if reaped > 0 {
		slog.Info("Reaped stale entries", "count", reaped)
	}
	return reaped, nil
}

// holdsOpen reports whether this process has an open channel for the entry.
func (s *Service) holdsOpen(userID, eventID string) bool {
	ch, ok := s.registry.Lookup(userID)
	if !ok || ch.EventID() != eventID {
		return false
	}
	select {
	case <-ch.Done():
		return false
	default:
		return true
	}
}

func (s *Service) onClose(snap channel.Snapshot) {
	if !snap.Enrolled {
		return
	}
	s.cleanup(snap.EventID, snap.UserID, snap.State, s.cfg.ProcessID)
}

// cleanup applies the store side of a client going away: a waiting entry
// is removed, an admission returns its slot. A promotion racing the
// disconnect shows up as a failed removal and is released instead. A
// non-empty owner limits both to an entry that owner made.
func (s *Service) cleanup(eventID, userID string, state domain.ChannelState, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if state == domain.StateWaiting {
		removed, err := s.store.RemoveEntry(ctx, eventID, userID, owner)
		if err != nil {
			slog.Error("Failed to remove queue entry", "eventID", eventID, "userID", userID, "error", err)
			return
		}
		if removed {
			slog.Info("Client left queue", "eventID", eventID, "userID", userID)
			return
		}
	}

	released, err := s.store.Release(ctx, eventID, userID, owner)
	if err != nil {
		slog.Error("Failed to release slot", "eventID", eventID, "userID", userID, "error", err)
		return
	}
	if released {
		slog.Info("Admission slot released", "eventID", eventID, "userID", userID)
	}
}

// ensureEvent seeds the event's counter from the event service the first
// time anyone queues for it.
func (s *Service) ensureEvent(ctx context.Context, eventID string) error {
	seeded, err := s.store.IsSeeded(ctx, eventID)
	if err != nil {
		return err
	}
	if seeded {
		return nil
	}

	event, err := s.events.Lookup(ctx, eventID)
	if err != nil {
		if errors.Is(err, domain.ErrEventNotFound) {
			return err
		}
		return fmt.Errorf("failed to look up event %s: %w", eventID, err)
	}
	return s.store.Seed(ctx, eventID, event.SeatCount, event.Status)
}
