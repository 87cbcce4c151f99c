// Package worker runs all background tasks on a single FIFO worker
// goroutine with cooperative cancellation and shared status reporting.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is the externally visible worker state.
type Status struct {
	IsRunning     bool    `json:"is_running"`
	CurrentAction string  `json:"current_action"`
	Progress      float64 `json:"progress"`
	Message       string  `json:"message"`
	LastAction    string  `json:"last_action"`
	QueueLength   int     `json:"queue_length"`
}

// TaskFunc is the body of a queued task. It must poll h.Stopped() at
// loop boundaries and return ErrInterrupted when asked to stop.
type TaskFunc func(ctx context.Context, h *Handle) error

// ErrInterrupted is returned by tasks that observed a stop request and
// unwound cleanly.
var ErrInterrupted = errors.New("task interrupted")

// Task is one queued unit of work. Processor tags group tasks for
// cancellation: stopping a processor stops any running task carrying
// its tag.
type Task struct {
	Name      string
	Processor string
	Fn        TaskFunc
}

// Handle is passed to a running task for progress and stop checks.
type Handle struct {
	w         *Worker
	processor string
	deadline  time.Time
}

// Progress reports task progress (0-100) with an optional message.
// Callers should coalesce; every call takes the status lock.
func (h *Handle) Progress(pct float64, message string) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	h.w.mu.Lock()
	h.w.status.Progress = pct
	if message != "" {
		h.w.status.Message = message
	}
	h.w.mu.Unlock()
	h.w.notifyStatus()
}

// Stopped reports whether the task should unwind. True when the task's
// processor received a stop signal or the wall-clock budget expired.
func (h *Handle) Stopped() bool {
	if !h.deadline.IsZero() && time.Now().After(h.deadline) {
		return true
	}
	return h.w.signals.IsStopRequested(h.processor)
}

// Signals tracks per-processor stop requests.
type Signals struct {
	mu    sync.Mutex
	flags map[string]bool
}

// NewSignals creates an empty signal table.
func NewSignals() *Signals {
	return &Signals{flags: make(map[string]bool)}
}

// SignalStop requests that tasks of the given processor stop.
func (s *Signals) SignalStop(processor string) {
	s.mu.Lock()
	s.flags[processor] = true
	s.mu.Unlock()
}

// IsStopRequested reports whether a stop is pending for the processor.
func (s *Signals) IsStopRequested(processor string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags[processor]
}

// Clear resets the processor's stop flag.
func (s *Signals) Clear(processor string) {
	s.mu.Lock()
	delete(s.flags, processor)
	s.mu.Unlock()
}

// Worker consumes the FIFO task queue.
type Worker struct {
	mu      sync.Mutex
	queue   []Task
	status  Status
	current string // running task's processor tag
	wake    chan struct{}
	signals *Signals

	onStatus func(Status)
	logger   zerolog.Logger
}

// New creates a worker. onStatus, when non-nil, receives a status copy
// after every change (used to push over the websocket hub).
func New(logger zerolog.Logger, onStatus func(Status)) *Worker {
	return &Worker{
		wake:     make(chan struct{}, 1),
		signals:  NewSignals(),
		onStatus: onStatus,
		logger:   logger.With().Str("component", "worker").Logger(),
	}
}

// Signals exposes the stop-signal table shared with API handlers.
func (w *Worker) Signals() *Signals {
	return w.signals
}

// Submit enqueues a task. It never blocks.
func (w *Worker) Submit(t Task) {
	w.mu.Lock()
	w.queue = append(w.queue, t)
	w.status.QueueLength = len(w.queue)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	w.notifyStatus()
}

// Status returns a copy of the current status.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// StopCurrent signals the currently running task's processor to stop.
// It reports whether a task was running.
func (w *Worker) StopCurrent() bool {
	w.mu.Lock()
	running := w.status.IsRunning
	processor := w.current
	w.mu.Unlock()

	if !running || processor == "" {
		return false
	}
	w.signals.SignalStop(processor)
	return true
}

// Run consumes the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Msg("task worker started")
	for {
		task, ok := w.pop()
		if !ok {
			select {
			case <-ctx.Done():
				w.logger.Info().Msg("task worker stopped")
				return
			case <-w.wake:
				continue
			}
		}
		w.runTask(ctx, task)
	}
}

func (w *Worker) pop() (Task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return Task{}, false
	}
	t := w.queue[0]
	w.queue = w.queue[1:]
	w.status.QueueLength = len(w.queue)
	return t, true
}

func (w *Worker) runTask(ctx context.Context, t Task) {
	w.mu.Lock()
	w.status.IsRunning = true
	w.status.CurrentAction = t.Name
	w.status.Progress = 0
	w.status.Message = ""
	w.current = t.Processor
	w.mu.Unlock()
	w.notifyStatus()

	start := time.Now()
	err := w.invoke(ctx, t)

	w.mu.Lock()
	w.status.IsRunning = false
	w.status.LastAction = t.Name
	w.status.CurrentAction = ""
	w.current = ""
	switch {
	case err == nil:
		w.status.Progress = 100
		w.status.Message = "处理完成"
	case isInterrupted(err):
		w.status.Message = "任务已成功中断"
	default:
		w.status.Message = fmt.Sprintf("出错: %v", err)
	}
	w.mu.Unlock()

	// A consumed stop signal never leaks into the next task.
	w.signals.Clear(t.Processor)
	w.notifyStatus()

	if err != nil && !isInterrupted(err) {
		w.logger.Error().Err(err).Str("task", t.Name).Dur("elapsed", time.Since(start)).Msg("task failed")
		return
	}
	w.logger.Info().Str("task", t.Name).Dur("elapsed", time.Since(start)).Msg("task finished")
}

func (w *Worker) invoke(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	h := &Handle{w: w, processor: t.Processor}
	if e := t.Fn(ctx, h); e != nil {
		return e
	}
	if h.Stopped() {
		return ErrInterrupted
	}
	return nil
}

func isInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}

func (w *Worker) notifyStatus() {
	if w.onStatus == nil {
		return
	}
	w.onStatus(w.Status())
}
