package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/anousonefs/ticket-gate/internal/channel"
	"github.com/anousonefs/ticket-gate/internal/domain"
)

type Publisher interface {
	Publish(ctx context.Context, owner string, msg domain.DispatchMessage) (string, error)
}

// Inbox is the consumer side of a process's dispatch stream.
type Inbox interface {
	Ensure(ctx context.Context) error
	Read(ctx context.Context, count int64) ([]domain.Delivery, error)
	Ack(ctx context.Context, ids ...string) error
	Pending(ctx context.Context, count int64) ([]domain.PendingDelivery, error)
	Claim(ctx context.Context, minIdle time.Duration, ids ...string) ([]domain.Delivery, error)
}

// memberAdmitted is the membership an admission must still hold when its
// message is handled.
const memberAdmitted = "admitted"

// Members reads queue membership, so an admission that was released while
// its message sat in the stream is not acted on.
type Members interface {
	MemberState(ctx context.Context, eventID, userID string) (string, error)
}

type Credentials interface {
	Issue(ctx context.Context, userID, eventID string) (*domain.Credential, error)
	Get(ctx context.Context, userID string) (*domain.Credential, error)
	Revoke(ctx context.Context, userID string) error
}

// Notifier mirrors admissions to a secondary push channel.
type Notifier interface {
	Admitted(ctx context.Context, userID, eventID string) error
}

type ConsumerConfig struct {
	Batch           int64
	StaleAfter      time.Duration
	ReclaimInterval time.Duration
	Backoff         time.Duration
}

// Consumer turns deliveries on this process's stream into pushes on the
// channels it holds.
type Consumer struct {
	inbox    Inbox
	registry *channel.Registry
	members  Members
	creds    Credentials
	notifier Notifier
	cfg      ConsumerConfig
}

func NewConsumer(inbox Inbox, registry *channel.Registry, members Members, creds Credentials, notifier Notifier, cfg ConsumerConfig) *Consumer {
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = cfg.StaleAfter
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Consumer{inbox: inbox, registry: registry, members: members, creds: creds, notifier: notifier, cfg: cfg}
}

// Handle applies one delivery. A nil error means the delivery may be acked;
// an error leaves it pending for a later reclaim. Handling the same delivery
// twice has no further effect.
func (c *Consumer) Handle(ctx context.Context, d domain.Delivery) error {
	msg := d.Message
	if msg.UserID == "" || msg.EventID == "" {
		slog.Warn("Dropping invalid dispatch message", "id", d.ID)
		return nil
	}

	switch msg.Kind {
	case domain.KindRank:
		c.pushRank(msg)
		return nil
	case domain.KindAdmit, "":
		if msg.Mode == domain.ModePoll {
			return c.admitPoller(ctx, msg)
		}
		return c.admit(ctx, msg)
	default:
		slog.Warn("Unknown dispatch message kind", "id", d.ID, "kind", msg.Kind)
		return nil
	}
}

func (c *Consumer) admit(ctx context.Context, msg domain.DispatchMessage) error {
	ch, ok := c.registry.Lookup(msg.UserID)
	if !ok || ch.EventID() != msg.EventID {
		slog.Debug("No local channel for admission", "userID", msg.UserID, "eventID", msg.EventID)
		return nil
	}
	if ch.State() == domain.StateAdmitted {
		return nil
	}

	held, err := c.held(ctx, msg)
	if err != nil {
		return err
	}
	if !held {
		// the entry was reaped or cleaned while the message waited
		slog.Warn("Admission no longer held, closing channel", "userID", msg.UserID, "eventID", msg.EventID)
		ch.Close(channel.ReasonExpired)
		return nil
	}

	cred, err := c.creds.Issue(ctx, msg.UserID, msg.EventID)
	if err != nil {
		return err
	}
	if err := ch.Admit(); err != nil {
		if errors.Is(err, domain.ErrChannelClosed) {
			// its cleanup already returned the slot
			if err := c.creds.Revoke(ctx, msg.UserID); err != nil {
				slog.Error("Failed to revoke credential", "userID", msg.UserID, "error", err)
			}
			return nil
		}
		// admitted by another delivery; the token just issued replaced the
		// one it pushed
		c.pushAdmitted(ch, msg, cred)
		return nil
	}

	c.pushAdmitted(ch, msg, cred)
	slog.Info("Client admitted", "userID", msg.UserID, "eventID", msg.EventID)
	c.notify(ctx, msg)
	return nil
}

func (c *Consumer) pushAdmitted(ch *channel.Channel, msg domain.DispatchMessage, cred *domain.Credential) {
	if err := ch.Push(domain.Frame{
		Status:  domain.StateAdmitted,
		UserID:  msg.UserID,
		EventID: msg.EventID,
		Token:   cred.Token,
	}); err != nil {
		slog.Warn("Failed to push admission", "userID", msg.UserID, "error", err)
	}
}

func (c *Consumer) admitPoller(ctx context.Context, msg domain.DispatchMessage) error {
	held, err := c.held(ctx, msg)
	if err != nil {
		return err
	}
	if !held {
		slog.Warn("Admission no longer held, dropping", "userID", msg.UserID, "eventID", msg.EventID)
		return nil
	}

	existing, err := c.creds.Get(ctx, msg.UserID)
	if err != nil {
		return err
	}
	if existing != nil && existing.EventID == msg.EventID {
		return nil
	}
	if _, err := c.creds.Issue(ctx, msg.UserID, msg.EventID); err != nil {
		return err
	}

	slog.Info("Poll client admitted", "userID", msg.UserID, "eventID", msg.EventID)
	c.notify(ctx, msg)
	return nil
}

// held reports whether the user still holds the admission the message is about.
func (c *Consumer) held(ctx context.Context, msg domain.DispatchMessage) (bool, error) {
	state, err := c.members.MemberState(ctx, msg.EventID, msg.UserID)
	if err != nil {
		return false, err
	}
	return state == memberAdmitted, nil
}

func (c *Consumer) pushRank(msg domain.DispatchMessage) {
	ch, ok := c.registry.Lookup(msg.UserID)
	if !ok || ch.EventID() != msg.EventID || ch.State() != domain.StateWaiting {
		return
	}
	rank := msg.Rank
	_ = ch.Push(domain.Frame{
		Status:  domain.StateWaiting,
		UserID:  msg.UserID,
		EventID: msg.EventID,
		Rank:    &rank,
	})
}

func (c *Consumer) notify(ctx context.Context, msg domain.DispatchMessage) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Admitted(ctx, msg.UserID, msg.EventID); err != nil {
		slog.Error("Failed to mirror admission", "userID", msg.UserID, "error", err)
	}
}

// process handles deliveries and acks the ones that succeeded.
func (c *Consumer) process(ctx context.Context, deliveries []domain.Delivery) int {
	acked := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		if err := c.Handle(ctx, d); err != nil {
			slog.Error("Failed to handle dispatch message", "id", d.ID, "userID", d.Message.UserID, "error", err)
			continue
		}
		acked = append(acked, d.ID)
	}
	if err := c.inbox.Ack(ctx, acked...); err != nil {
		slog.Error("Failed to ack dispatch messages", "count", len(acked), "error", err)
	}
	return len(acked)
}

// Recover claims deliveries that stayed unacknowledged longer than
// StaleAfter, for instance because the process crashed mid-handling, and
// handles them again. Younger pending deliveries are left alone.
func (c *Consumer) Recover(ctx context.Context) (int, error) {
	pending, err := c.inbox.Pending(ctx, c.cfg.Batch)
	if err != nil {
		return 0, err
	}

	var stale []string
	for _, p := range pending {
		if p.Idle >= c.cfg.StaleAfter {
			stale = append(stale, p.ID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	claimed, err := c.inbox.Claim(ctx, c.cfg.StaleAfter, stale...)
	if err != nil {
		return 0, err
	}
	n := c.process(ctx, claimed)
	slog.Info("Reclaimed stale dispatch messages", "claimed", len(claimed), "handled", n)
	return n, nil
}

// Run consumes the stream until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		err := c.inbox.Ensure(ctx)
		if err == nil {
			break
		}
		slog.Error("Failed to prepare dispatch stream", "error", err)
		if !c.sleep(ctx) {
			return
		}
	}

	if _, err := c.Recover(ctx); err != nil {
		slog.Error("Failed to recover dispatch messages", "error", err)
	}

	reclaim := time.NewTicker(c.cfg.ReclaimInterval)
	defer reclaim.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reclaim.C:
			if _, err := c.Recover(ctx); err != nil {
				slog.Error("Failed to recover dispatch messages", "error", err)
			}
		default:
		}

		deliveries, err := c.inbox.Read(ctx, c.cfg.Batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Failed to read dispatch stream", "error", err)
			if isNoGroup(err) {
				_ = c.inbox.Ensure(ctx)
			}
			if !c.sleep(ctx) {
				return
			}
			continue
		}
		if len(deliveries) > 0 {
			c.process(ctx, deliveries)
		}
	}
}

func (c *Consumer) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.cfg.Backoff):
		return true
	}
}
