package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anousonefs/ticket-gate/internal/domain"
)

// Streams publishes to the dispatch stream of any process.
//
// Streams are never trimmed: a trim drops entries whether or not they were
// acknowledged. Their length stays bounded because acked entries are
// deleted and entries of a process that stopped are reaped from the queue,
// which ends its traffic.
type Streams struct {
	redis *redis.Client
}

func NewStreams(redis *redis.Client) *Streams {
	return &Streams{redis: redis}
}

func (s *Streams) Publish(ctx context.Context, owner string, msg domain.DispatchMessage) (string, error) {
	id, err := s.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(owner),
		Values: encode(msg),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", owner, err)
	}
	return id, nil
}

// Mailbox is this process's own dispatch stream, read through a consumer
// group so unacknowledged deliveries survive a crash.
type Mailbox struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

// NewMailbox returns the mailbox of processID. Reads wait up to block for
// new entries; a negative block returns immediately.
func NewMailbox(redis *redis.Client, processID string, block time.Duration) *Mailbox {
	stream := StreamKey(processID)
	return &Mailbox{
		redis:    redis,
		stream:   stream,
		group:    groupName(stream),
		consumer: consumerName(processID),
		block:    block,
	}
}

func (m *Mailbox) Ensure(ctx context.Context) error {
	err := m.redis.XGroupCreateMkStream(ctx, m.stream, m.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", m.group, err)
	}
	return nil
}

func (m *Mailbox) Read(ctx context.Context, count int64) ([]domain.Delivery, error) {
	streams, err := m.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    m.group,
		Consumer: m.consumer,
		Streams:  []string{m.stream, ">"},
		Count:    count,
		Block:    m.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []domain.Delivery
	for _, stream := range streams {
		out = append(out, m.deliveries(stream.Messages)...)
	}
	return out, nil
}

func (m *Mailbox) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := m.redis.TxPipeline()
	pipe.XAck(ctx, m.stream, m.group, ids...)
	pipe.XDel(ctx, m.stream, ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack deliveries: %w", err)
	}
	return nil
}

func (m *Mailbox) Pending(ctx context.Context, count int64) ([]domain.PendingDelivery, error) {
	pending, err := m.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: m.stream,
		Group:  m.group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending deliveries: %w", err)
	}

	out := make([]domain.PendingDelivery, 0, len(pending))
	for _, p := range pending {
		out = append(out, domain.PendingDelivery{
			ID:       p.ID,
			Consumer: p.Consumer,
			Idle:     p.Idle,
			Retries:  p.RetryCount,
		})
	}
	return out, nil
}

// Claim takes over pending deliveries that have been idle for at least
// minIdle, whichever consumer they were delivered to.
func (m *Mailbox) Claim(ctx context.Context, minIdle time.Duration, ids ...string) ([]domain.Delivery, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	messages, err := m.redis.XClaim(ctx, &redis.XClaimArgs{
		Stream:   m.stream,
		Group:    m.group,
		Consumer: m.consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim deliveries: %w", err)
	}
	return m.deliveries(messages), nil
}

func (m *Mailbox) deliveries(messages []redis.XMessage) []domain.Delivery {
	out := make([]domain.Delivery, 0, len(messages))
	for _, xm := range messages {
		msg, err := decode(xm.Values)
		if err != nil {
			// handed on anyway so the consumer acks it
			slog.Warn("Malformed dispatch message", "stream", m.stream, "id", xm.ID, "error", err)
			msg = domain.DispatchMessage{}
		}
		out = append(out, domain.Delivery{ID: xm.ID, Message: msg})
	}
	return out
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
