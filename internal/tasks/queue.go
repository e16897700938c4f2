// ABOUTME: Producer side of the async task queue backed by the store's task table
// ABOUTME: Request handlers enqueue side effects here instead of running them inline

package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/2389/keygate/internal/store"
)

// Task kinds.
const (
	KindSendVerification = "send_verification"
	KindDeleteUser       = "delete_user"
)

// Queue schedules side effects for the worker.
type Queue interface {
	SendVerification(ctx context.Context, username string) error
	DeleteUser(ctx context.Context, username string) error
}

// userPayload is the body of every task addressed to a user.
type userPayload struct {
	Username string `json:"username"`
}

// StoreQueue persists tasks in a store.TaskStore.
type StoreQueue struct {
	store  store.TaskStore
	logger *slog.Logger
}

// NewStoreQueue creates a queue writing to s.
func NewStoreQueue(s store.TaskStore, logger *slog.Logger) *StoreQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreQueue{store: s, logger: logger.With("component", "tasks")}
}

// SendVerification schedules the verification email for username.
func (q *StoreQueue) SendVerification(ctx context.Context, username string) error {
	return q.enqueue(ctx, KindSendVerification, userPayload{Username: username})
}

// DeleteUser schedules the cascading deletion of username and its keys.
func (q *StoreQueue) DeleteUser(ctx context.Context, username string) error {
	return q.enqueue(ctx, KindDeleteUser, userPayload{Username: username})
}

func (q *StoreQueue) enqueue(ctx context.Context, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	task := &store.Task{Kind: kind, Payload: data}
	if err := q.store.EnqueueTask(ctx, task); err != nil {
		return fmt.Errorf("enqueueing %s: %w", kind, err)
	}
	q.logger.Debug("task enqueued", "task_id", task.ID, "kind", kind)
	return nil
}
