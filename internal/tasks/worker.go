// ABOUTME: Consumer side of the task queue: a pool of pollers leasing and running tasks
// ABOUTME: Failed tasks are retried with exponential backoff and buried after MaxAttempts

package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/keygate/internal/keys"
	"github.com/2389/keygate/internal/mail"
	"github.com/2389/keygate/internal/store"
	"github.com/2389/keygate/internal/users"
)

// Defaults applied by NewWorker for zero Options fields.
const (
	DefaultWorkers      = 2
	DefaultPollInterval = time.Second
	DefaultLease        = time.Minute
	DefaultMaxAttempts  = 3
	DefaultBackoff      = 30 * time.Second
)

// Deps are the collaborators task handlers need. They are built once by the
// caller and handed to NewWorker.
type Deps struct {
	Tasks    store.TaskStore
	Users    *users.Manager
	Keys     *keys.Manager
	Mail     mail.Sender
	Envelope mail.Envelope
	// BaseURL prefixes links sent to users, e.g. https://auth.example.com.
	BaseURL string
	Logger  *slog.Logger
}

// Options tune the worker pool.
type Options struct {
	Workers      int
	PollInterval time.Duration
	// Lease is how long a claimed task stays invisible to other pollers.
	Lease       time.Duration
	MaxAttempts int
	Backoff     time.Duration
	Now         func() time.Time
}

// Handler runs one task. Returning a permanent error buries the task at once.
type Handler func(ctx context.Context, payload []byte) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Worker claims tasks and dispatches them to handlers by kind.
type Worker struct {
	deps     Deps
	opts     Options
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewWorker creates a worker with handlers for every task kind.
func NewWorker(deps Deps, opts Options) *Worker {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		deps:   deps,
		opts:   opts,
		logger: logger.With("component", "worker"),
	}
	w.handlers = map[string]Handler{
		KindSendVerification: w.sendVerification,
		KindDeleteUser:       w.deleteUser,
	}
	return w
}

// Run polls until ctx is cancelled. A task interrupted by shutdown is
// redelivered once its lease lapses.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "workers", w.opts.Workers, "poll_interval", w.opts.PollInterval)
	g, ctx := errgroup.WithContext(ctx)
	for i := range w.opts.Workers {
		g.Go(func() error {
			w.poll(ctx, i)
			return nil
		})
	}
	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) poll(ctx context.Context, id int) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything that is due before sleeping again.
		for ctx.Err() == nil {
			processed, err := w.RunOnce(ctx)
			if err != nil {
				w.logger.Error("claiming task failed", "poller", id, "error", err)
				break
			}
			if !processed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and runs at most one due task. It reports whether a task was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	task, err := w.deps.Tasks.ClaimTask(ctx, w.opts.Now(), w.opts.Lease)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	w.process(ctx, task)
	return true, nil
}

func (w *Worker) process(ctx context.Context, task *store.Task) {
	logger := w.logger.With("task_id", task.ID, "kind", task.Kind, "attempt", task.Attempts)

	var err error
	if handler, ok := w.handlers[task.Kind]; ok {
		err = handler(ctx, task.Payload)
	} else {
		err = Permanent(fmt.Errorf("unknown task kind %q", task.Kind))
	}

	// Bookkeeping outlives shutdown so a finished task is not redelivered.
	bookCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if err := w.deps.Tasks.CompleteTask(bookCtx, task.ID); err != nil {
			logger.Error("marking task done failed", "error", err)
			return
		}
		logger.Debug("task done")
	case IsPermanent(err) || task.Attempts >= w.opts.MaxAttempts:
		if buryErr := w.deps.Tasks.BuryTask(bookCtx, task.ID, err.Error()); buryErr != nil {
			logger.Error("burying task failed", "error", buryErr)
			return
		}
		logger.Error("task failed permanently", "error", err)
	default:
		runAt := w.opts.Now().Add(w.backoff(task.Attempts))
		if retryErr := w.deps.Tasks.RetryTask(bookCtx, task.ID, runAt, err.Error()); retryErr != nil {
			logger.Error("rescheduling task failed", "error", retryErr)
			return
		}
		logger.Warn("task failed, will retry", "error", err, "run_at", runAt)
	}
}

// backoff doubles per attempt: Backoff, 2*Backoff, 4*Backoff...
func (w *Worker) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return w.opts.Backoff << (attempts - 1)
}
