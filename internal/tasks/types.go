package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	TypeReapEntries    = "queue:reap"
	TypeNotifyAdmitted = "notify:admitted"

	QueueCritical = "critical"
	QueueDefault  = "default"
)

// Task payloads
type ReapEntriesPayload struct {
	Reason string `json:"reason,omitempty"`
}

type NotifyAdmittedPayload struct {
	UserID  string `json:"user_id"`
	EventID string `json:"event_id"`
}

func NewNotifyAdmittedTask(userID, eventID string) (*asynq.Task, error) {
	payload, err := json.Marshal(NotifyAdmittedPayload{UserID: userID, EventID: eventID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeNotifyAdmitted, payload, asynq.Queue(QueueCritical), asynq.MaxRetry(3)), nil
}

func NewReapEntriesTask() (*asynq.Task, error) {
	payload, err := json.Marshal(ReapEntriesPayload{Reason: "scheduled"})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeReapEntries, payload, asynq.Queue(QueueDefault), asynq.MaxRetry(0)), nil
}

type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Mirror schedules the PubNub copy of an admission so the consumer never
// waits on a third-party call.
type Mirror struct {
	client Enqueuer
}

func NewMirror(client Enqueuer) *Mirror {
	return &Mirror{client: client}
}

func (m *Mirror) Admitted(ctx context.Context, userID, eventID string) error {
	task, err := NewNotifyAdmittedTask(userID, eventID)
	if err != nil {
		return err
	}
	if _, err := m.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("m.client.EnqueueContext(%v): %w", TypeNotifyAdmitted, err)
	}
	return nil
}
