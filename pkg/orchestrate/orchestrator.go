// Package orchestrate runs extraction, summarization and insight-mining as
// background tasks: a bounded queue, a fixed worker pool, deterministic
// task identity with a dedup window, single-flight execution per
// (user, conversation, kind), and bounded exponential-backoff retries.
package orchestrate

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/liliang-cn/mnemo/pkg/core"
	"golang.org/x/sync/singleflight"
)

// Store is the subset of *core.Store the orchestrator depends on.
type Store interface {
	InsertTask(ctx context.Context, t core.Task) error
	GetTask(ctx context.Context, id string) (*core.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status core.TaskStatus, attempts int, lastErr string, updatedAt int64) error
	SweepTerminalTasks(ctx context.Context, olderThan int64) (int64, error)
}

// Handler runs one task to completion. Its error is classified through the
// core error taxonomy to decide retry behavior.
type Handler func(ctx context.Context, t core.Task) error

// Config bounds queueing, concurrency and retry behavior.
type Config struct {
	QueueCapacity  int
	NumWorkers     int
	DedupWindow    time.Duration
	MaxAttempts    map[core.TaskKind]int
	TaskTimeout    map[core.TaskKind]time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	RetentionAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueCapacity: 256,
		NumWorkers:    max(1, runtime.GOMAXPROCS(0)),
		DedupWindow:   30 * time.Second,
		MaxAttempts: map[core.TaskKind]int{
			core.TaskExtract:   3,
			core.TaskSummarize: 2,
			core.TaskInsights:  2,
			core.TaskCorrect:   3,
		},
		TaskTimeout: map[core.TaskKind]time.Duration{
			core.TaskExtract:   15 * time.Second,
			core.TaskSummarize: 20 * time.Second,
			core.TaskInsights:  20 * time.Second,
			core.TaskCorrect:   15 * time.Second,
		},
		BackoffBase:    100 * time.Millisecond,
		BackoffCap:     2 * time.Second,
		RetentionAfter: 24 * time.Hour,
	}
}

type envelope struct {
	task core.Task
}

// Orchestrator runs submitted tasks against registered handlers.
type Orchestrator struct {
	store    Store
	cfg      Config
	handlers map[core.TaskKind]Handler
	logger   core.Logger
	now      func() int64

	queue chan envelope
	sf    singleflight.Group

	dedupMu sync.Mutex
	dedup   map[string]time.Time

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(store Store, cfg Config, logger core.Logger, now func() int64) *Orchestrator {
	if logger == nil {
		logger = core.NopLogger()
	}
	return &Orchestrator{
		store:    store,
		cfg:      cfg,
		handlers: make(map[core.TaskKind]Handler),
		logger:   logger,
		now:      now,
		queue:    make(chan envelope, cfg.QueueCapacity),
		dedup:    make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// RegisterHandler wires a handler for a task kind. Must be called before Start.
func (o *Orchestrator) RegisterHandler(kind core.TaskKind, h Handler) {
	o.handlers[kind] = h
}

// Start launches the worker pool.
func (o *Orchestrator) Start() {
	for i := 0; i < o.cfg.NumWorkers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
}

// Stop signals workers to finish their current task and exit, then waits
// for them.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

// Submit enqueues a task. Within the dedup window, an identical
// (kind, userID, conversationID, payloadHash) submission returns the
// already-queued task's ID instead of creating a second one. A full queue
// returns ErrOverload immediately rather than blocking the caller.
func (o *Orchestrator) Submit(ctx context.Context, kind core.TaskKind, userID, conversationID, payloadHash string) (string, error) {
	taskID := core.TaskID(kind, userID, conversationID, payloadHash)

	o.dedupMu.Lock()
	if until, ok := o.dedup[taskID]; ok && o.now() < until.Unix() {
		o.dedupMu.Unlock()
		return taskID, nil
	}
	o.dedup[taskID] = time.Unix(o.now(), 0).Add(o.cfg.DedupWindow)
	o.dedupMu.Unlock()

	now := o.now()
	t := core.Task{
		ID: taskID, Kind: kind, UserID: userID, ConversationID: conversationID,
		PayloadHash: payloadHash, Status: core.StatusQueued, CreatedAt: now, UpdatedAt: now,
	}

	select {
	case o.queue <- envelope{task: t}:
	default:
		o.dedupMu.Lock()
		delete(o.dedup, taskID)
		o.dedupMu.Unlock()
		return "", core.ErrOverload
	}

	if err := o.store.InsertTask(ctx, t); err != nil {
		if isConflict(err) {
			return taskID, nil
		}
		return "", err
	}
	return taskID, nil
}

func isConflict(err error) bool {
	return err != nil && (err == core.ErrConflict || unwrapIs(err, core.ErrConflict))
}

func unwrapIs(err, target error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Status returns a task's current record.
func (o *Orchestrator) Status(ctx context.Context, taskID string) (*core.Task, error) {
	return o.store.GetTask(ctx, taskID)
}

// Sweep deletes terminal tasks past the retention window. Intended to be
// called periodically (the caller owns the schedule, e.g. via a ticker
// task submitted to this same orchestrator or an external cron).
func (o *Orchestrator) Sweep(ctx context.Context) (int64, error) {
	return o.store.SweepTerminalTasks(ctx, o.now()-int64(o.cfg.RetentionAfter.Seconds()))
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case env := <-o.queue:
			o.run(env.task)
		}
	}
}

func (o *Orchestrator) run(t core.Task) {
	defer func() {
		if r := recover(); r != nil {
			o.finish(t, core.StatusFailed, t.Attempts+1, fmt.Sprintf("panic: %v", r))
		}
	}()

	handler, ok := o.handlers[t.Kind]
	if !ok {
		o.finish(t, core.StatusFailed, t.Attempts+1, "no handler registered for task kind")
		return
	}

	maxAttempts := o.cfg.MaxAttempts[t.Kind]
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	timeout := o.cfg.TaskTimeout[t.Kind]
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	sfKey := string(t.Kind) + "/" + t.UserID + "/" + t.ConversationID
	coalesce := t.Kind == core.TaskExtract || t.Kind == core.TaskSummarize

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		o.setStatus(ctx, t, core.StatusRunning, attempt, "")

		var err error
		if coalesce {
			_, err, _ = o.sf.Do(sfKey, func() (any, error) {
				return nil, handler(ctx, t)
			})
		} else {
			err = handler(ctx, t)
		}
		cancel()

		if err == nil {
			o.finish(t, core.StatusCompleted, attempt, "")
			return
		}

		lastErr = err
		if unwrapIs(err, core.ErrFatal) || unwrapIs(err, core.ErrUnsafe) || unwrapIs(err, core.ErrCancelled) {
			break
		}
		if !unwrapIs(err, core.ErrTransient) {
			// Unclassified errors are treated as fatal rather than
			// retried indefinitely against an unknown failure mode.
			break
		}
		if attempt < maxAttempts {
			o.sleepBackoff(attempt)
		}
	}

	o.finish(t, core.StatusFailed, attempts, errString(lastErr))
}

func (o *Orchestrator) sleepBackoff(attempt int) {
	d := o.cfg.BackoffBase * time.Duration(1<<uint(attempt-1))
	if d > o.cfg.BackoffCap {
		d = o.cfg.BackoffCap
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-o.stopCh:
	}
}

func (o *Orchestrator) setStatus(ctx context.Context, t core.Task, status core.TaskStatus, attempts int, lastErr string) {
	if err := o.store.UpdateTaskStatus(ctx, t.ID, status, attempts, lastErr, o.now()); err != nil {
		o.logger.Warn("failed to update task status", "task_id", t.ID, "error", err)
	}
}

func (o *Orchestrator) finish(t core.Task, status core.TaskStatus, attempts int, lastErr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.setStatus(ctx, t, status, attempts, lastErr)
	if status == core.StatusFailed {
		o.logger.Error("task failed", "task_id", t.ID, "kind", t.Kind, "error", lastErr)
	} else {
		o.logger.Debug("task completed", "task_id", t.ID, "kind", t.Kind)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
