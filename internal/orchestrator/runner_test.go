package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/astrid-app/astrid-agent/internal/workflow"
)

func TestRunner_SerializesPerTask(t *testing.T) {
	r := NewRunner(context.Background(), nil, nil)

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 20; i++ {
		r.Submit("t1", "op", func(context.Context) error {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
			return nil
		})
	}
	r.Wait()

	if overlap.Load() {
		t.Error("operations for the same task overlapped")
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v, want submission order", order)
		}
	}
}

func TestRunner_TasksRunConcurrently(t *testing.T) {
	r := NewRunner(context.Background(), nil, nil)

	release := make(chan struct{})
	started := make(chan string, 2)
	for _, id := range []string{"a", "b"} {
		r.Submit(id, "op", func(context.Context) error {
			started <- id
			<-release
			return nil
		})
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("different tasks should not block each other")
		}
	}
	close(release)
	r.Wait()
}

func TestRunner_RecoversPanics(t *testing.T) {
	r := NewRunner(context.Background(), nil, nil)

	var after atomic.Bool
	r.Submit("t1", "boom", func(context.Context) error { panic("boom") })
	r.Submit("t1", "next", func(context.Context) error {
		after.Store(true)
		return nil
	})
	r.Wait()

	if !after.Load() {
		t.Error("a panic should release the task lock for the next operation")
	}
}

func TestRunner_Comment(t *testing.T) {
	h := newHarness(t)
	h.putTask(t, "t2")
	h.putWorkflow(t, "t2", workflow.StatusTesting, workflow.Metadata{Plan: testPlan()})

	r := NewRunner(context.Background(), h.orch, nil)
	r.Start("t1", "")
	r.Comment(workflow.Comment{TaskID: "t2", AuthorID: creator, Content: "ship it"})
	r.Wait()

	if wf := h.workflow(t, "t1"); wf.Status != workflow.StatusAwaitingApproval {
		t.Errorf("t1 Status = %s, want AWAITING_APPROVAL", wf.Status)
	}
	if wf := h.workflow(t, "t2"); wf.Status != workflow.StatusCompleted {
		t.Errorf("t2 Status = %s, want COMPLETED", wf.Status)
	}
}
