package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"caseline/internal/domain"
)

// BatchPolicy selects how partial failure is judged.
type BatchPolicy string

const (
	// AllOrFail fails the batch if any member fails.
	AllOrFail BatchPolicy = "all-or-fail"
	// BestEffort succeeds if at least one member completed, reporting
	// failures alongside successes.
	BestEffort BatchPolicy = "best-effort"
)

// BatchResult is the joint outcome of a fan-out.
type BatchResult struct {
	Succeeded []domain.Task
	Failed    []domain.Task
	TimedOut  bool
}

func (r BatchResult) ok(policy BatchPolicy) bool {
	switch policy {
	case BestEffort:
		return len(r.Succeeded) > 0
	default:
		return len(r.Failed) == 0 && len(r.Succeeded) > 0
	}
}

// Batch groups tasks dispatched together for await-all semantics.
type Batch struct {
	scheduler *Scheduler
	taskIDs   []string
	policy    BatchPolicy
}

// Batch creates a handle over existing tasks. Every id must be known.
func (s *Scheduler) Batch(taskIDs []string, policy BatchPolicy) (*Batch, error) {
	if len(taskIDs) == 0 {
		return nil, errors.New("batch requires at least one task")
	}
	if policy == "" {
		policy = AllOrFail
	}
	if policy != AllOrFail && policy != BestEffort {
		return nil, fmt.Errorf("invalid batch policy %q", policy)
	}
	s.mu.Lock()
	for _, id := range taskIDs {
		if _, ok := s.tasks[id]; !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
		}
	}
	s.mu.Unlock()
	return &Batch{scheduler: s, taskIDs: append([]string(nil), taskIDs...), policy: policy}, nil
}

// AwaitAll blocks until every member resolves or the timeout elapses.
// On timeout any still-open member is failed with reason Timeout so the
// batch never blocks forward progress. The error is non-nil when the
// batch fails under its policy; the result always carries the member
// outcomes either way.
func (b *Batch) AwaitAll(ctx context.Context, timeout time.Duration) (BatchResult, error) {
	merged := make(chan domain.Task, len(b.taskIDs))
	for _, id := range b.taskIDs {
		ch := b.scheduler.watch(id)
		go func() { merged <- <-ch }()
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	resolved := make(map[string]domain.Task, len(b.taskIDs))
	timedOut := false
	for len(resolved) < len(b.taskIDs) {
		select {
		case t := <-merged:
			resolved[t.ID] = t
		case <-ctx.Done():
			for _, t := range b.scheduler.failOutstanding(b.outstanding(resolved)) {
				resolved[t.ID] = t
			}
			out := b.collect(resolved)
			return out, ctx.Err()
		case <-deadline.C:
			timedOut = true
			for _, t := range b.scheduler.failOutstanding(b.outstanding(resolved)) {
				resolved[t.ID] = t
			}
		}
	}
	out := b.collect(resolved)
	out.TimedOut = timedOut
	if !out.ok(b.policy) {
		return out, fmt.Errorf("batch failed under %s policy (%d succeeded, %d failed)",
			b.policy, len(out.Succeeded), len(out.Failed))
	}
	return out, nil
}

func (b *Batch) outstanding(resolved map[string]domain.Task) []string {
	var out []string
	for _, id := range b.taskIDs {
		if _, done := resolved[id]; !done {
			out = append(out, id)
		}
	}
	return out
}

func (b *Batch) collect(resolved map[string]domain.Task) BatchResult {
	var result BatchResult
	for _, id := range b.taskIDs {
		t, ok := resolved[id]
		if !ok {
			var err error
			t, err = b.scheduler.Get(id)
			if err != nil {
				continue
			}
		}
		if t.Status == domain.TaskCompleted {
			result.Succeeded = append(result.Succeeded, t)
		} else {
			result.Failed = append(result.Failed, t)
		}
	}
	return result
}
