package admission

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anousonefs/ticket-gate/internal/dispatch"
	"github.com/anousonefs/ticket-gate/internal/domain"
)

type Queue interface {
	WaitingEvents(ctx context.Context) ([]string, error)
	EventStatus(ctx context.Context, eventID string) (domain.EventStatus, error)
	HeadOfLine(ctx context.Context, eventID string, n int64) ([]domain.Entry, error)
	Waiting(ctx context.Context, eventID string) ([]domain.Entry, error)
	PruneEvent(ctx context.Context, eventID string) error
	Reserve(ctx context.Context, eventID string, n int64) (int64, error)
	Restore(ctx context.Context, eventID string, n int64) error
	Admit(ctx context.Context, eventID, userID string) (bool, error)
}

type Config struct {
	Batch   int64
	Workers int
}

// Promoter is the admission decision loop. Every process runs one; they
// cooperate through atomic store operations, so a slot is never granted
// twice no matter how many promoters run the same tick.
type Promoter struct {
	queue     Queue
	publisher dispatch.Publisher
	cfg       Config
}

func NewPromoter(queue Queue, publisher dispatch.Publisher, cfg Config) *Promoter {
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	return &Promoter{queue: queue, publisher: publisher, cfg: cfg}
}

// Run promotes every interval until ctx is cancelled.
func (p *Promoter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if n := p.Tick(ctx); n > 0 {
				slog.Info("Promoted clients", "count", n, "elapsed", time.Since(start))
			}
		}
	}
}

// Tick runs one promotion round over every event with waiting entries and
// returns how many entries it admitted.
func (p *Promoter) Tick(ctx context.Context) int {
	eventIDs, err := p.queue.WaitingEvents(ctx)
	if err != nil {
		slog.Error("Failed to list waiting events", "error", err)
		return 0
	}

	var (
		wg       sync.WaitGroup
		promoted atomic.Int64
	)
	semaphore := make(chan struct{}, p.cfg.Workers)

	for _, eventID := range eventIDs {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(eventID string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			n, err := p.promoteEvent(ctx, eventID)
			if err != nil {
				slog.Error("Failed to promote event", "eventID", eventID, "error", err)
			}
			promoted.Add(int64(n))
		}(eventID)
	}

	wg.Wait()
	return int(promoted.Load())
}

func (p *Promoter) promoteEvent(ctx context.Context, eventID string) (int, error) {
	status, err := p.queue.EventStatus(ctx, eventID)
	if err != nil {
		return 0, err
	}
	// events seeded before statuses were tracked have none
	if status != "" && status != domain.EventOpen {
		return 0, nil
	}

	head, err := p.queue.HeadOfLine(ctx, eventID, p.cfg.Batch)
	if err != nil {
		return 0, err
	}
	if len(head) == 0 {
		return 0, p.queue.PruneEvent(ctx, eventID)
	}

	granted, err := p.queue.Reserve(ctx, eventID, int64(len(head)))
	if err != nil || granted == 0 {
		return 0, err
	}

	var admitted int64
	for _, entry := range head {
		if admitted == granted {
			break
		}

		ok, err := p.queue.Admit(ctx, eventID, entry.UserID)
		if err != nil {
			slog.Error("Failed to admit entry", "eventID", eventID, "userID", entry.UserID, "error", err)
			continue
		}
		if !ok {
			// left or promoted elsewhere since HeadOfLine
			continue
		}
		admitted++

		// a lost publish leaves the slot held until the client goes away
		if _, err := p.publisher.Publish(ctx, entry.OwnerProcessID, domain.DispatchMessage{
			UserID:  entry.UserID,
			EventID: eventID,
			Kind:    domain.KindAdmit,
			Mode:    entry.Mode,
		}); err != nil {
			slog.Error("Failed to dispatch admission", "eventID", eventID, "userID", entry.UserID, "owner", entry.OwnerProcessID, "error", err)
		}
	}

	if unused := granted - admitted; unused > 0 {
		if err := p.queue.Restore(ctx, eventID, unused); err != nil {
			return int(admitted), err
		}
	}
	return int(admitted), nil
}
