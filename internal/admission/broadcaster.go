package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/anousonefs/ticket-gate/internal/dispatch"
	"github.com/anousonefs/ticket-gate/internal/domain"
)

// Broadcaster sends every live waiting client its current rank, routed to
// the process that holds the connection.
type Broadcaster struct {
	queue     Queue
	publisher dispatch.Publisher
	workers   int
}

func NewBroadcaster(queue Queue, publisher dispatch.Publisher, workers int) *Broadcaster {
	if workers <= 0 {
		workers = 10
	}
	return &Broadcaster{queue: queue, publisher: publisher, workers: workers}
}

func (b *Broadcaster) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}

// Tick publishes one rank update per waiting stream entry and returns the
// number published.
func (b *Broadcaster) Tick(ctx context.Context) int {
	eventIDs, err := b.queue.WaitingEvents(ctx)
	if err != nil {
		slog.Error("Failed to list waiting events", "error", err)
		return 0
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sent int
	)
	semaphore := make(chan struct{}, b.workers)

	for _, eventID := range eventIDs {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(eventID string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			n := b.broadcastEvent(ctx, eventID)
			mu.Lock()
			sent += n
			mu.Unlock()
		}(eventID)
	}

	wg.Wait()
	return sent
}

func (b *Broadcaster) broadcastEvent(ctx context.Context, eventID string) int {
	entries, err := b.queue.Waiting(ctx, eventID)
	if err != nil {
		slog.Error("Failed to get waiting entries", "eventID", eventID, "error", err)
		return 0
	}

	sent := 0
	for rank, entry := range entries {
		if entry.Mode != domain.ModeStream {
			continue
		}
		_, err := b.publisher.Publish(ctx, entry.OwnerProcessID, domain.DispatchMessage{
			UserID:  entry.UserID,
			EventID: eventID,
			Kind:    domain.KindRank,
			Rank:    int64(rank),
			Mode:    entry.Mode,
		})
		if err != nil {
			slog.Error("Failed to dispatch rank", "eventID", eventID, "userID", entry.UserID, "error", err)
			continue
		}
		sent++
	}
	return sent
}
