package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anousonefs/ticket-gate/internal/clock"
	"github.com/anousonefs/ticket-gate/internal/domain"
)

const (
	waitingEventsKey = "waiting_events"
	seenEventsKey    = "seen_events"
	slotsKey         = "entry_slots"
	eventStatusKey   = "event_status"

	memberWaiting   = "waiting"
	memberAdmitted  = "admitted"
	memberCompleted = "completed"
)

func waitingKey(eventID string) string { return fmt.Sprintf("waiting:%s", eventID) }
func recordKey(eventID string) string  { return fmt.Sprintf("waiting_record:%s", eventID) }
func membersKey(eventID string) string { return fmt.Sprintf("queue_members:%s", eventID) }
func seqKey(eventID string) string     { return fmt.Sprintf("queue_seq:%s", eventID) }
func ownersKey(eventID string) string  { return fmt.Sprintf("queue_owner:%s", eventID) }

// seenKey holds the last time each active entry was known to be alive.
func seenKey(eventID string) string { return fmt.Sprintf("queue_seen:%s", eventID) }

// record is the per-entry data that does not fit in the waiting ZSET.
type record struct {
	Owner string           `json:"owner"`
	Mode  domain.EntryMode `json:"mode"`
}

// Store is the shared waiting line. All state lives in Redis so any number
// of gate processes can enqueue, rank and promote concurrently.
type Store struct {
	redis *redis.Client
	clock clock.Clock
}

func NewStore(redis *redis.Client, clk clock.Clock) *Store {
	return &Store{redis: redis, clock: clk}
}

// Enqueue appends the user to the event's waiting line and returns the
// sequence it was assigned. A user may hold one active entry per event.
// The entry starts out as seen now.
func (s *Store) Enqueue(ctx context.Context, eventID, userID, owner string, mode domain.EntryMode) (int64, error) {
	rec, err := json.Marshal(record{Owner: owner, Mode: mode})
	if err != nil {
		return 0, err
	}

	keys := []string{
		membersKey(eventID), seqKey(eventID), waitingKey(eventID), recordKey(eventID), waitingEventsKey,
		ownersKey(eventID), seenKey(eventID), seenEventsKey,
	}
	seq, err := enqueueScript.Run(ctx, s.redis, keys, userID, string(rec), eventID, owner, s.clock.Now().UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("enqueue(event: %v, user: %v): %w", eventID, userID, err)
	}
	if seq < 0 {
		return 0, domain.ErrAlreadyQueued
	}
	return seq, nil
}

// Rank returns the 0-based position of the user among entries still waiting.
func (s *Store) Rank(ctx context.Context, eventID, userID string) (int64, bool, error) {
	rank, err := s.redis.ZRank(ctx, waitingKey(eventID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get rank: %w", err)
	}
	return rank, true, nil
}

// RemoveEntry drops a waiting user's bookkeeping. It reports false when the
// user was not waiting, which includes users promoted a moment ago, or when
// owner is set and the entry belongs to another process.
func (s *Store) RemoveEntry(ctx context.Context, eventID, userID, owner string) (bool, error) {
	keys := []string{membersKey(eventID), waitingKey(eventID), recordKey(eventID), seenKey(eventID), ownersKey(eventID)}
	n, err := removeScript.Run(ctx, s.redis, keys, userID, owner).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to remove entry: %w", err)
	}
	return n > 0, nil
}

// HeadOfLine returns the n lowest-sequence waiting entries in order.
// n <= 0 returns the whole line.
func (s *Store) HeadOfLine(ctx context.Context, eventID string, n int64) ([]domain.Entry, error) {
	stop := n - 1
	if n <= 0 {
		stop = -1
	}

	members, err := s.redis.ZRangeWithScores(ctx, waitingKey(eventID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get head of line: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	userIDs := make([]string, 0, len(members))
	for _, m := range members {
		userIDs = append(userIDs, fmt.Sprint(m.Member))
	}

	raw, err := s.redis.HMGet(ctx, recordKey(eventID), userIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get entry records: %w", err)
	}

	entries := make([]domain.Entry, 0, len(members))
	for i, m := range members {
		entry := domain.Entry{
			EventID:  eventID,
			UserID:   userIDs[i],
			Sequence: int64(m.Score),
			Mode:     domain.ModeStream,
		}
		if str, ok := raw[i].(string); ok {
			var rec record
			if err := json.Unmarshal([]byte(str), &rec); err != nil {
				slog.Error("Failed to unmarshal queue entry record", "eventID", eventID, "userID", entry.UserID, "error", err)
			} else {
				entry.OwnerProcessID = rec.Owner
				if rec.Mode != "" {
					entry.Mode = rec.Mode
				}
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Waiting returns every waiting entry of the event in rank order.
func (s *Store) Waiting(ctx context.Context, eventID string) ([]domain.Entry, error) {
	return s.HeadOfLine(ctx, eventID, 0)
}

// Reserve atomically takes up to n slots from the event's counter and
// returns how many it got.
func (s *Store) Reserve(ctx context.Context, eventID string, n int64) (int64, error) {
	granted, err := reserveScript.Run(ctx, s.redis, []string{slotsKey}, eventID, n).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to reserve slots: %w", err)
	}
	return granted, nil
}

// Restore gives back reserved slots that were not used.
func (s *Store) Restore(ctx context.Context, eventID string, n int64) error {
	if n <= 0 {
		return nil
	}
	if err := s.redis.HIncrBy(ctx, slotsKey, eventID, n).Err(); err != nil {
		return fmt.Errorf("failed to restore slots: %w", err)
	}
	return nil
}

// Admit moves a waiting user to admitted. False means the entry is gone or
// was already promoted by another process.
func (s *Store) Admit(ctx context.Context, eventID, userID string) (bool, error) {
	keys := []string{membersKey(eventID), waitingKey(eventID), recordKey(eventID)}
	n, err := admitScript.Run(ctx, s.redis, keys, userID).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to admit entry: %w", err)
	}
	return n == 1, nil
}

// Release ends an admission that was never completed and returns its slot.
// Only the first call for a given admission returns the slot. A non-empty
// owner limits the release to entries made by that process.
func (s *Store) Release(ctx context.Context, eventID, userID, owner string) (bool, error) {
	keys := []string{membersKey(eventID), slotsKey, seenKey(eventID), ownersKey(eventID)}
	n, err := releaseScript.Run(ctx, s.redis, keys, userID, eventID, owner).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release slot: %w", err)
	}
	return n == 1, nil
}

// Complete records that the admitted user consumed the slot.
func (s *Store) Complete(ctx context.Context, eventID, userID string) (bool, error) {
	n, err := completeScript.Run(ctx, s.redis, []string{membersKey(eventID)}, userID).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to complete admission: %w", err)
	}
	return n == 1, nil
}

// MemberState returns "waiting", "admitted", "completed" or "" for the user.
func (s *Store) MemberState(ctx context.Context, eventID, userID string) (string, error) {
	state, err := s.redis.HGet(ctx, membersKey(eventID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return state, err
}

// PruneEvent forgets an event once nobody is waiting for it.
func (s *Store) PruneEvent(ctx context.Context, eventID string) error {
	return pruneScript.Run(ctx, s.redis, []string{waitingKey(eventID), waitingEventsKey}, eventID).Err()
}

// WaitingEvents lists events that may have waiting entries.
func (s *Store) WaitingEvents(ctx context.Context) ([]string, error) {
	return s.redis.SMembers(ctx, waitingEventsKey).Result()
}

// IsSeeded reports whether the event's admission counter exists.
func (s *Store) IsSeeded(ctx context.Context, eventID string) (bool, error) {
	return s.redis.HExists(ctx, slotsKey, eventID).Result()
}

// Seed initialises the event's counter and status once; later calls keep
// the existing values.
func (s *Store) Seed(ctx context.Context, eventID string, capacity int64, status domain.EventStatus) error {
	if capacity < 0 {
		capacity = 0
	}
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, slotsKey, eventID, capacity)
		pipe.HSetNX(ctx, eventStatusKey, eventID, string(status))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to seed event %s: %w", eventID, err)
	}
	return nil
}

func (s *Store) Slots(ctx context.Context, eventID string) (int64, error) {
	n, err := s.redis.HGet(ctx, slotsKey, eventID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *Store) EventStatus(ctx context.Context, eventID string) (domain.EventStatus, error) {
	status, err := s.redis.HGet(ctx, eventStatusKey, eventID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return domain.EventStatus(status), nil
}

func (s *Store) SetEventStatus(ctx context.Context, eventID string, status domain.EventStatus) error {
	return s.redis.HSet(ctx, eventStatusKey, eventID, string(status)).Err()
}

// Touch records that the users' entries are still alive. Users without an
// active entry are ignored.
func (s *Store) Touch(ctx context.Context, eventID string, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	now := float64(s.clock.Now().UnixMilli())
	members := make([]redis.Z, len(userIDs))
	for i, id := range userIDs {
		members[i] = redis.Z{Score: now, Member: id}
	}
	return s.redis.ZAddXX(ctx, seenKey(eventID), members...).Err()
}

func (s *Store) Untrack(ctx context.Context, eventID, userID string) error {
	return s.redis.ZRem(ctx, seenKey(eventID), userID).Err()
}

// TrackedEvents lists events that may have entries to reap.
func (s *Store) TrackedEvents(ctx context.Context) ([]string, error) {
	return s.redis.SMembers(ctx, seenEventsKey).Result()
}

// Stale returns up to limit users of the event whose entries were last seen
// at or before cutoff.
func (s *Store) Stale(ctx context.Context, eventID string, cutoff time.Time, limit int64) ([]string, error) {
	return s.redis.ZRangeByScore(ctx, seenKey(eventID), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: limit,
	}).Result()
}

// Stats returns statistics about the event's queue
func (s *Store) Stats(ctx context.Context, eventID string) (*domain.QueueStats, error) {
	pipe := s.redis.Pipeline()
	waitingCmd := pipe.ZCard(ctx, waitingKey(eventID))
	slotsCmd := pipe.HGet(ctx, slotsKey, eventID)
	statusCmd := pipe.HGet(ctx, eventStatusKey, eventID)
	seqCmd := pipe.Get(ctx, seqKey(eventID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}

	slots, _ := slotsCmd.Int64()
	entered, _ := seqCmd.Int64()
	return &domain.QueueStats{
		EventID:        eventID,
		Waiting:        waitingCmd.Val(),
		RemainingSlots: slots,
		Status:         domain.EventStatus(statusCmd.Val()),
		Entered:        entered,
	}, nil
}

// Clean removes every waiting entry of an event and its bookkeeping.
// Admitted users keep their slots.
func (s *Store) Clean(ctx context.Context, eventID string) (int, error) {
	keys := []string{
		waitingKey(eventID), recordKey(eventID), membersKey(eventID),
		ownersKey(eventID), seenKey(eventID), waitingEventsKey,
	}
	n, err := cleanScript.Run(ctx, s.redis, keys, eventID).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to clean queue: %w", err)
	}

	slog.Info("Queue cleaned successfully", "eventID", eventID, "entriesRemoved", n)
	return n, nil
}

// Forget drops a completed membership so the user may queue again.
func (s *Store) Forget(ctx context.Context, eventID, userID string) error {
	err := forgetScript.Run(ctx, s.redis, []string{membersKey(eventID), seenKey(eventID), ownersKey(eventID)}, userID).Err()
	if err != nil {
		return fmt.Errorf("failed to forget member: %w", err)
	}
	return nil
}

// PruneTrackedEvent stops reaping an event once it has no tracked entries.
func (s *Store) PruneTrackedEvent(ctx context.Context, eventID string) error {
	return pruneScript.Run(ctx, s.redis, []string{seenKey(eventID), seenEventsKey}, eventID).Err()
}
