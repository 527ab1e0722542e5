package schedule_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"caseline/internal/agents"
	"caseline/internal/domain"
	"caseline/internal/schedule"
)

func newScheduler(t *testing.T) (*schedule.Scheduler, *agents.Registry) {
	t.Helper()
	reg := agents.NewRegistry(nil)
	s := schedule.New(reg)
	return s, reg
}

func registerCollector(t *testing.T, reg *agents.Registry, id string) {
	t.Helper()
	if _, err := reg.Register(domain.AgentAssignment{AgentID: id, Capability: domain.CapabilityCollection}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestAssignBindsIdleAgent(t *testing.T) {
	s, reg := newScheduler(t)
	registerCollector(t, reg, "c1")
	task, err := s.Assign("inv-1", domain.CapabilityCollection, "crawl forums", domain.PriorityHigh)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if task.Status != domain.TaskInProgress || task.AgentID == nil || *task.AgentID != "c1" {
		t.Fatalf("task not bound: %+v", task)
	}
	a, err := reg.Get("c1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != domain.AgentBusy || a.CurrentTaskID == nil || *a.CurrentTaskID != task.ID {
		t.Fatalf("agent not flipped busy: %+v", a)
	}
}

func TestAssignQueuesWithoutAgent(t *testing.T) {
	s, reg := newScheduler(t)
	task, err := s.Assign("inv-1", domain.CapabilityCollection, "crawl forums", domain.PriorityHigh)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.TaskPending || task.AgentID != nil {
		t.Fatalf("expected queued pending task, got %+v", task)
	}
	// a new idle agent picks it up without a new command
	registerCollector(t, reg, "c1")
	bound := s.DispatchPending()
	if len(bound) != 1 || bound[0].ID != task.ID || *bound[0].AgentID != "c1" {
		t.Fatalf("dispatch bound %+v", bound)
	}
}

func TestDispatchOrdersByPriority(t *testing.T) {
	s, reg := newScheduler(t)
	low, _ := s.Assign("inv-1", domain.CapabilityCollection, "low", domain.PriorityLow)
	crit, _ := s.Assign("inv-1", domain.CapabilityCollection, "critical", domain.PriorityCritical)
	registerCollector(t, reg, "c1")
	bound := s.DispatchPending()
	if len(bound) != 1 || bound[0].ID != crit.ID {
		t.Fatalf("expected critical task first, got %+v", bound)
	}
	if got, _ := s.Get(low.ID); got.Status != domain.TaskPending {
		t.Fatalf("low task should stay queued, got %s", got.Status)
	}
}

func TestAgentNeverHoldsTwoOpenTasks(t *testing.T) {
	s, reg := newScheduler(t)
	registerCollector(t, reg, "c1")
	first, _ := s.Assign("inv-1", domain.CapabilityCollection, "one", domain.PriorityMedium)
	second, _ := s.Assign("inv-1", domain.CapabilityCollection, "two", domain.PriorityMedium)
	if second.Status != domain.TaskPending {
		t.Fatalf("second task should queue while agent is busy, got %s", second.Status)
	}
	open := 0
	for _, task := range s.List("inv-1", true) {
		if task.AgentID != nil && *task.AgentID == "c1" {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("agent holds %d open tasks, want 1", open)
	}
	if _, _, err := s.Complete(first.ID, true, "ref-1", ""); err != nil {
		t.Fatal(err)
	}
	bound := s.DispatchPending()
	if len(bound) != 1 || bound[0].ID != second.ID {
		t.Fatalf("completion should free the agent for the queued task, got %+v", bound)
	}
}

func TestStaleIdleReportCannotDoubleBind(t *testing.T) {
	s, reg := newScheduler(t)
	registerCollector(t, reg, "c1")
	first, _ := s.Assign("inv-1", domain.CapabilityCollection, "one", domain.PriorityMedium)
	if first.Status != domain.TaskInProgress {
		t.Fatalf("first task should bind, got %s", first.Status)
	}
	// the registry takes status reports at face value; a stale idle report
	// must not give the agent a second open task
	if _, err := reg.UpdateStatus("c1", domain.AgentIdle, nil); err != nil {
		t.Fatal(err)
	}
	second, _ := s.Assign("inv-1", domain.CapabilityCollection, "two", domain.PriorityMedium)
	if second.Status != domain.TaskPending || second.AgentID != nil {
		t.Fatalf("second task should queue despite the idle report, got %+v", second)
	}
	open := 0
	for _, task := range s.List("inv-1", true) {
		if task.AgentID != nil && *task.AgentID == "c1" {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("agent holds %d non-terminal tasks, want 1", open)
	}
	// once the real work resolves, the queued task binds normally
	if _, _, err := s.Complete(first.ID, true, "", ""); err != nil {
		t.Fatal(err)
	}
	bound := s.DispatchPending()
	if len(bound) != 1 || bound[0].ID != second.ID {
		t.Fatalf("completion should free the agent for the queued task, got %+v", bound)
	}
}

func TestCompleteIsAtomicWithAgentRelease(t *testing.T) {
	s, reg := newScheduler(t)
	registerCollector(t, reg, "c1")
	task, _ := s.Assign("inv-1", domain.CapabilityCollection, "work", domain.PriorityMedium)
	done, applied, err := s.Complete(task.ID, true, "evidence-7", "")
	if err != nil || !applied {
		t.Fatalf("complete: applied=%v err=%v", applied, err)
	}
	if done.Status != domain.TaskCompleted || done.ResolvedAt == nil || *done.ResultRef != "evidence-7" {
		t.Fatalf("unexpected terminal task: %+v", done)
	}
	a, _ := reg.Get("c1")
	if a.Status != domain.AgentIdle || a.Metrics.TasksCompleted != 1 || a.Metrics.SuccessRate != 1.0 {
		t.Fatalf("agent outcome not recorded: %+v", a)
	}
}

func TestLateReportIgnored(t *testing.T) {
	s, reg := newScheduler(t)
	registerCollector(t, reg, "c1")
	task, _ := s.Assign("inv-1", domain.CapabilityCollection, "work", domain.PriorityMedium)
	if _, err := s.Cancel(task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, applied, err := s.Complete(task.ID, true, "late", "")
	if err != nil {
		t.Fatalf("late report should not error: %v", err)
	}
	if applied || got.Status != domain.TaskCancelled {
		t.Fatalf("late report must be a no-op, got applied=%v status=%s", applied, got.Status)
	}
	if _, _, err := s.ReportProgress(task.ID, 50); err != nil {
		t.Fatalf("late progress should not error: %v", err)
	}
	// cancelled work is not an outcome
	a, _ := reg.Get("c1")
	if a.Metrics.TasksCompleted != 0 || a.Status != domain.AgentIdle {
		t.Fatalf("cancel should free the agent without scoring it: %+v", a)
	}
}

func TestCancelTerminalFails(t *testing.T) {
	s, reg := newScheduler(t)
	registerCollector(t, reg, "c1")
	task, _ := s.Assign("inv-1", domain.CapabilityCollection, "work", domain.PriorityMedium)
	if _, _, err := s.Complete(task.ID, false, "", "agent crashed"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Cancel(task.ID); !errors.Is(err, schedule.ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
}

func TestUnknownTask(t *testing.T) {
	s, _ := newScheduler(t)
	if _, err := s.Get("ghost"); !errors.Is(err, schedule.ErrUnknownTask) {
		t.Fatalf("expected unknown task, got %v", err)
	}
	if _, _, err := s.Complete("ghost", true, "", ""); !errors.Is(err, schedule.ErrUnknownTask) {
		t.Fatalf("expected unknown task, got %v", err)
	}
}

func TestProgressClamped(t *testing.T) {
	s, reg := newScheduler(t)
	registerCollector(t, reg, "c1")
	task, _ := s.Assign("inv-1", domain.CapabilityCollection, "work", domain.PriorityMedium)
	got, applied, err := s.ReportProgress(task.ID, 250)
	if err != nil || !applied {
		t.Fatalf("progress: %v", err)
	}
	if got.Progress != 100 {
		t.Fatalf("progress = %d, want clamped to 100", got.Progress)
	}
}

func TestBatchAllOrFailReportsFailingMember(t *testing.T) {
	s, reg := newScheduler(t)
	for _, id := range []string{"c1", "c2", "c3"} {
		registerCollector(t, reg, id)
	}
	t1, _ := s.Assign("inv-1", domain.CapabilityCollection, "shard 1", domain.PriorityHigh)
	t2, _ := s.Assign("inv-1", domain.CapabilityCollection, "shard 2", domain.PriorityHigh)
	t3, _ := s.Assign("inv-1", domain.CapabilityCollection, "shard 3", domain.PriorityHigh)
	batch, err := s.Batch([]string{t1.ID, t2.ID, t3.ID}, schedule.AllOrFail)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	go func() {
		s.Complete(t1.ID, true, "", "")
		s.Complete(t2.ID, false, "", "source unreachable")
		s.Complete(t3.ID, true, "", "")
	}()
	result, err := batch.AwaitAll(context.Background(), 5*time.Second)
	if err == nil {
		t.Fatal("all-or-fail batch with a failure should fail")
	}
	if len(result.Failed) != 1 || result.Failed[0].ID != t2.ID {
		t.Fatalf("failing member should be exactly task 2, got %+v", result.Failed)
	}
	if len(result.Succeeded) != 2 {
		t.Fatalf("expected 2 successes, got %d", len(result.Succeeded))
	}
}

func TestBatchBestEffort(t *testing.T) {
	s, reg := newScheduler(t)
	registerCollector(t, reg, "c1")
	registerCollector(t, reg, "c2")
	t1, _ := s.Assign("inv-1", domain.CapabilityCollection, "shard 1", domain.PriorityHigh)
	t2, _ := s.Assign("inv-1", domain.CapabilityCollection, "shard 2", domain.PriorityHigh)
	batch, err := s.Batch([]string{t1.ID, t2.ID}, schedule.BestEffort)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		s.Complete(t1.ID, false, "", "blocked")
		s.Complete(t2.ID, true, "", "")
	}()
	result, err := batch.AwaitAll(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("best-effort batch with one success should pass: %v", err)
	}
	if len(result.Failed) != 1 || len(result.Succeeded) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestBatchTimeoutFailsOpenMembers(t *testing.T) {
	s, reg := newScheduler(t)
	registerCollector(t, reg, "c1")
	t1, _ := s.Assign("inv-1", domain.CapabilityCollection, "shard 1", domain.PriorityHigh)
	// queued member with no agent available
	t2, _ := s.Assign("inv-1", domain.CapabilityCollection, "shard 2", domain.PriorityHigh)
	batch, err := s.Batch([]string{t1.ID, t2.ID}, schedule.AllOrFail)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Complete(t1.ID, true, "", ""); err != nil {
		t.Fatal(err)
	}
	result, err := batch.AwaitAll(context.Background(), 50*time.Millisecond)
	if err == nil {
		t.Fatal("timed-out batch should fail under all-or-fail")
	}
	if !result.TimedOut {
		t.Fatal("result should report the timeout")
	}
	got, _ := s.Get(t2.ID)
	if got.Status != domain.TaskFailed || got.FailureReason != schedule.FailureTimeout {
		t.Fatalf("open member should be failed with timeout reason, got %+v", got)
	}
}

func TestBatchUnknownMember(t *testing.T) {
	s, _ := newScheduler(t)
	if _, err := s.Batch([]string{"ghost"}, schedule.AllOrFail); !errors.Is(err, schedule.ErrUnknownTask) {
		t.Fatalf("expected unknown task, got %v", err)
	}
}
