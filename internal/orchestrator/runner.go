package orchestrator

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/astrid-app/astrid-agent/internal/logging"
	"github.com/astrid-app/astrid-agent/internal/webhook"
	"github.com/astrid-app/astrid-agent/internal/workflow"
)

// Runner executes orchestrator operations in the background. Operations on
// the same task run one at a time in submission order; different tasks run
// concurrently. A panicking operation is logged and does not take down the
// process.
type Runner struct {
	orch   *Orchestrator
	ctx    context.Context
	wg     conc.WaitGroup
	locks  *keyedMutex
	logger *logging.Logger
}

// NewRunner creates a Runner whose operations run under ctx.
func NewRunner(ctx context.Context, orch *Orchestrator, logger *logging.Logger) *Runner {
	return &Runner{
		orch:   orch,
		ctx:    ctx,
		locks:  newKeyedMutex(),
		logger: logging.OrNop(logger).With("component", "runner"),
	}
}

// Start begins a workflow for taskID in the background.
func (r *Runner) Start(taskID, aiService string) {
	r.Submit(taskID, "start", func(ctx context.Context) error {
		_, err := r.orch.Start(ctx, taskID, aiService)
		return err
	})
}

// Comment handles c in the background.
func (r *Runner) Comment(c workflow.Comment) {
	r.Submit(c.TaskID, "comment", func(ctx context.Context) error {
		return r.orch.HandleComment(ctx, c)
	})
}

// RuntimeEvent applies ev in the background.
func (r *Runner) RuntimeEvent(ev webhook.Event) {
	r.Submit(ev.TaskID, "runtime_event", func(ctx context.Context) error {
		return r.orch.HandleRuntimeEvent(ctx, ev)
	})
}

// CI records a CI status in the background.
func (r *Runner) CI(taskID, status string) {
	r.Submit(taskID, "ci", func(ctx context.Context) error {
		return r.orch.ReportCI(ctx, taskID, status)
	})
}

// Submit runs fn while holding taskID's lock.
func (r *Runner) Submit(taskID, op string, fn func(ctx context.Context) error) {
	slot := r.locks.reserve(taskID)
	r.wg.Go(func() {
		defer slot.unlock()
		slot.lock()

		log := r.logger.WithTask(taskID).With("op", op)
		var pc panics.Catcher
		pc.Try(func() {
			if err := fn(r.ctx); err != nil {
				log.Error("operation failed", "error", err)
			}
		})
		if rec := pc.Recovered(); rec != nil {
			log.Error("operation panicked", "panic", rec.Value, "stack", string(rec.Stack))
		}
	})
}

// Wait blocks until every submitted operation has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// keyedMutex hands out FIFO turns per key.
type keyedMutex struct {
	mu    sync.Mutex
	tails map[string]*turn
}

// turn is one queued holder of a key. It may run once prev has finished.
type turn struct {
	k    *keyedMutex
	key  string
	prev chan struct{}
	done chan struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{tails: make(map[string]*turn)}
}

// reserve queues a turn for key immediately, preserving submission order
// even though the turn is taken later on another goroutine.
func (k *keyedMutex) reserve(key string) *turn {
	k.mu.Lock()
	defer k.mu.Unlock()

	t := &turn{k: k, key: key, done: make(chan struct{})}
	if tail, ok := k.tails[key]; ok {
		t.prev = tail.done
	}
	k.tails[key] = t
	return t
}

func (t *turn) lock() {
	if t.prev != nil {
		<-t.prev
	}
}

func (t *turn) unlock() {
	t.k.mu.Lock()
	if t.k.tails[t.key] == t {
		delete(t.k.tails, t.key)
	}
	t.k.mu.Unlock()
	close(t.done)
}
