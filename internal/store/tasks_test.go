// ABOUTME: Tests for the durable task table
// ABOUTME: Covers leasing, redelivery after a lapsed lease, retry and burial

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTasks_Lifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		_, err := s.ClaimTask(ctx, now, time.Minute)
		require.ErrorIs(t, err, ErrNotFound)

		task := &Task{Kind: "send_verification", Payload: []byte(`{"username":"abc"}`), RunAt: now}
		require.NoError(t, s.EnqueueTask(ctx, task))
		require.NotEqual(t, uuid.Nil, task.ID)
		assert.Equal(t, TaskPending, task.Status)

		claimed, err := s.ClaimTask(ctx, now, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, task.ID, claimed.ID)
		assert.Equal(t, 1, claimed.Attempts)
		assert.Equal(t, `{"username":"abc"}`, string(claimed.Payload))

		// Leased: not due again until the lease lapses.
		_, err = s.ClaimTask(ctx, now.Add(30*time.Second), time.Minute)
		require.ErrorIs(t, err, ErrNotFound)

		redelivered, err := s.ClaimTask(ctx, now.Add(2*time.Minute), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 2, redelivered.Attempts)

		require.NoError(t, s.RetryTask(ctx, task.ID, now.Add(time.Hour), "smtp down"))
		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, TaskPending, got.Status)
		assert.Equal(t, "smtp down", got.LastError)
		_, err = s.ClaimTask(ctx, now.Add(59*time.Minute), time.Minute)
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.CompleteTask(ctx, task.ID))
		got, err = s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, TaskDone, got.Status)
		assert.Empty(t, got.LastError)
		_, err = s.ClaimTask(ctx, now.Add(2*time.Hour), time.Minute)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTasks_OldestFirstAndBury(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		newer := &Task{Kind: "b", RunAt: now.Add(-time.Second)}
		older := &Task{Kind: "a", RunAt: now.Add(-time.Minute)}
		require.NoError(t, s.EnqueueTask(ctx, newer))
		require.NoError(t, s.EnqueueTask(ctx, older))

		first, err := s.ClaimTask(ctx, now, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "a", first.Kind)

		require.NoError(t, s.BuryTask(ctx, first.ID, "gave up"))
		got, err := s.GetTask(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, TaskDead, got.Status)
		assert.Equal(t, "gave up", got.LastError)

		second, err := s.ClaimTask(ctx, now.Add(2*time.Minute), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "b", second.Kind)
	})
}

func TestTasks_UnknownID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id := uuid.New()
		assert.ErrorIs(t, s.CompleteTask(ctx, id), ErrNotFound)
		assert.ErrorIs(t, s.RetryTask(ctx, id, time.Now(), ""), ErrNotFound)
		assert.ErrorIs(t, s.BuryTask(ctx, id, ""), ErrNotFound)
		_, err := s.GetTask(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
