// ABOUTME: Bounded retry helper for persisting records under freshly generated ids
// ABOUTME: Fails closed with NotSavedError once the retry budget is spent

package store

import (
	"context"
	"errors"
	"fmt"
)

// DefaultTries bounds PersistUnique when callers pass zero.
const DefaultTries = 10

// NotSavedError reports a conditional write that lost a race or ran out of retries.
// Obj is the record that could not be persisted.
type NotSavedError struct {
	Obj any
	Err error
}

func (e *NotSavedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%T not saved: %v", e.Obj, e.Err)
	}
	return fmt.Sprintf("%T not saved", e.Obj)
}

func (e *NotSavedError) Unwrap() error {
	return e.Err
}

// NotSaved wraps a failed write of obj.
func NotSaved(obj any, err error) *NotSavedError {
	return &NotSavedError{Obj: obj, Err: err}
}

// PersistUnique assigns a fresh id to obj and saves it, retrying while save reports
// ErrConditionFailed. Other errors are returned as-is. After tries attempts it
// returns a *NotSavedError and never loops further.
func PersistUnique[T any](ctx context.Context, obj T, tries int, assign func(T), save func(context.Context, T) error) error {
	if tries <= 0 {
		tries = DefaultTries
	}
	var lastErr error
	for range tries {
		assign(obj)
		err := save(ctx, obj)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConditionFailed) {
			return err
		}
		lastErr = err
	}
	return NotSaved(obj, lastErr)
}
