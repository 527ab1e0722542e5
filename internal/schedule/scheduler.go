// Package schedule assigns units of work to agents from the shared pool,
// tracks in-flight tasks, and aggregates fan-out batches.
package schedule

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"caseline/internal/agents"
	"caseline/internal/domain"
)

var (
	ErrUnknownTask    = errors.New("unknown task")
	ErrNotCancellable = errors.New("task is already terminal")
)

// FailureTimeout is the failure reason stamped on batch members that were
// still open when the batch deadline passed.
const FailureTimeout = "timeout"

var priorityRank = map[domain.TaskPriority]int{
	domain.PriorityCritical: 0,
	domain.PriorityHigh:     1,
	domain.PriorityMedium:   2,
	domain.PriorityLow:      3,
}

// Scheduler owns every task. Terminal tasks are immutable; late reports
// against them are accepted and ignored.
type Scheduler struct {
	mu       sync.Mutex
	registry *agents.Registry
	tasks    map[string]*domain.Task
	pending  []string       // queued task ids in arrival order
	inflight map[string]int // agent id -> open task count, enforces capacity
	watchers map[string][]chan domain.Task
	Now      func() time.Time
}

func New(registry *agents.Registry) *Scheduler {
	return &Scheduler{
		registry: registry,
		tasks:    make(map[string]*domain.Task),
		inflight: make(map[string]int),
		watchers: make(map[string][]chan domain.Task),
		Now:      time.Now,
	}
}

func (s *Scheduler) now() time.Time { return s.Now() }

func (s *Scheduler) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// Assign creates a task and binds it to an idle agent of the capability
// class if one exists; otherwise the task waits in Pending with no agent
// bound until DispatchPending finds one.
func (s *Scheduler) Assign(investigationID string, capability domain.CapabilityClass, description string, priority domain.TaskPriority) (domain.Task, error) {
	if priority == "" {
		priority = domain.PriorityMedium
	}
	if _, ok := priorityRank[priority]; !ok {
		return domain.Task{}, fmt.Errorf("invalid priority %q", priority)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &domain.Task{
		ID:              uuid.New().String(),
		InvestigationID: investigationID,
		Capability:      capability,
		Description:     description,
		Priority:        priority,
		Status:          domain.TaskPending,
		CreatedAt:       s.stamp(),
	}
	s.tasks[t.ID] = t
	if !s.bindLocked(t) {
		s.pending = append(s.pending, t.ID)
	}
	return *t, nil
}

// bindLocked attempts to attach an idle agent, earliest registration
// first. The registry is a cache of externally reported status, so a
// candidate the scheduler still has open work on is skipped regardless of
// what status was reported for it; an agent holds at most one
// non-terminal task.
func (s *Scheduler) bindLocked(t *domain.Task) bool {
	pool := s.registry.IdleByCapability(t.Capability)
	best := ""
	for _, id := range pool {
		if s.inflight[id] > 0 {
			continue
		}
		best = id
		break
	}
	if best == "" {
		return false
	}
	agentID := best
	t.AgentID = &agentID
	t.Status = domain.TaskInProgress
	s.inflight[agentID]++
	if _, err := s.registry.UpdateStatus(agentID, domain.AgentBusy, &t.ID); err != nil {
		// registry refused the bind; leave the task queued
		t.AgentID = nil
		t.Status = domain.TaskPending
		s.inflight[agentID]--
		return false
	}
	return true
}

// DispatchPending binds queued tasks to whatever idle agents exist now.
// Called after agent registration or release. Returns the newly bound
// tasks, highest priority first.
func (s *Scheduler) DispatchPending() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	// stable order: priority rank, then arrival
	ordered := append([]string(nil), s.pending...)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0; j-- {
			a, b := s.tasks[ordered[j-1]], s.tasks[ordered[j]]
			if priorityRank[b.Priority] < priorityRank[a.Priority] {
				ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
			}
		}
	}
	var bound []domain.Task
	var remaining []string
	for _, id := range ordered {
		t := s.tasks[id]
		if t.Status != domain.TaskPending {
			continue
		}
		if s.bindLocked(t) {
			bound = append(bound, *t)
		} else {
			remaining = append(remaining, id)
		}
	}
	s.pending = remaining
	return bound
}

// Get returns a copy of one task.
func (s *Scheduler) Get(taskID string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return domain.Task{}, ErrUnknownTask
	}
	return *t, nil
}

// List snapshots tasks for one investigation; openOnly restricts to
// non-terminal states.
func (s *Scheduler) List(investigationID string, openOnly bool) []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if investigationID != "" && t.InvestigationID != investigationID {
			continue
		}
		if openOnly && t.Status.Terminal() {
			continue
		}
		out = append(out, *t)
	}
	return out
}

// ReportProgress records a progress percentage for an in-flight task.
// Reports against terminal tasks are ignored.
func (s *Scheduler) ReportProgress(taskID string, percent int) (domain.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return domain.Task{}, false, ErrUnknownTask
	}
	if t.Status.Terminal() {
		return *t, false, nil
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	t.Progress = percent
	return *t, true, nil
}

// Complete resolves a task. The agent flip back to idle and the outcome
// recording happen under the scheduler lock so no reader observes a
// finished task with a still-busy agent. A report against an already
// terminal task is an idempotent no-op (applied=false).
func (s *Scheduler) Complete(taskID string, success bool, resultRef, failureReason string) (domain.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return domain.Task{}, false, ErrUnknownTask
	}
	if t.Status.Terminal() {
		return *t, false, nil
	}
	if success {
		t.Status = domain.TaskCompleted
		t.Progress = 100
	} else {
		t.Status = domain.TaskFailed
		t.FailureReason = failureReason
	}
	if resultRef != "" {
		ref := resultRef
		t.ResultRef = &ref
	}
	resolved := s.stamp()
	t.ResolvedAt = &resolved
	s.releaseAgentLocked(t, success)
	s.notifyLocked(*t)
	return *t, true, nil
}

// Cancel marks a Pending or InProgress task Cancelled. Cancellation is
// advisory to the agent but authoritative for bookkeeping.
func (s *Scheduler) Cancel(taskID string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return domain.Task{}, ErrUnknownTask
	}
	if t.Status.Terminal() {
		return *t, ErrNotCancellable
	}
	t.Status = domain.TaskCancelled
	resolved := s.stamp()
	t.ResolvedAt = &resolved
	s.releaseAgentLocked(t, false)
	s.notifyLocked(*t)
	return *t, nil
}

func (s *Scheduler) releaseAgentLocked(t *domain.Task, success bool) {
	if t.AgentID == nil {
		// still queued; drop it from the pending list
		for i, id := range s.pending {
			if id == t.ID {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
		return
	}
	agentID := *t.AgentID
	if s.inflight[agentID] > 0 {
		s.inflight[agentID]--
	}
	duration := s.taskDuration(t)
	if t.Status == domain.TaskCancelled {
		// a cancelled task is not an outcome; just free the agent
		_, _ = s.registry.UpdateStatus(agentID, domain.AgentIdle, nil)
		return
	}
	_, _ = s.registry.RecordOutcome(agentID, t.ID, success, duration)
}

func (s *Scheduler) taskDuration(t *domain.Task) time.Duration {
	created, err := time.Parse(time.RFC3339, t.CreatedAt)
	if err != nil {
		return 0
	}
	d := s.now().UTC().Sub(created)
	if d < 0 {
		return 0
	}
	return d
}

func (s *Scheduler) notifyLocked(t domain.Task) {
	for _, ch := range s.watchers[t.ID] {
		select {
		case ch <- t:
		default:
		}
	}
	delete(s.watchers, t.ID)
}

func (s *Scheduler) watch(taskID string) chan domain.Task {
	ch := make(chan domain.Task, 1)
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if ok && t.Status.Terminal() {
		ch <- *t
	} else {
		s.watchers[taskID] = append(s.watchers[taskID], ch)
	}
	s.mu.Unlock()
	return ch
}

// failOutstanding stamps Timeout on any still-open member of a batch.
func (s *Scheduler) failOutstanding(taskIDs []string) []domain.Task {
	var failed []domain.Task
	s.mu.Lock()
	for _, id := range taskIDs {
		t, ok := s.tasks[id]
		if !ok || t.Status.Terminal() {
			continue
		}
		t.Status = domain.TaskFailed
		t.FailureReason = FailureTimeout
		resolved := s.stamp()
		t.ResolvedAt = &resolved
		s.releaseAgentLocked(t, false)
		s.notifyLocked(*t)
		failed = append(failed, *t)
	}
	s.mu.Unlock()
	return failed
}
