// Package agents tracks the shared worker-agent pool. The registry is a
// cache of last-known agent state reported from outside, not an authority
// over agent behaviour, so status transitions are unconstrained.
package agents

import (
	"errors"
	"sync"
	"time"

	"caseline/internal/domain"
)

var (
	ErrDuplicateAgent = errors.New("agent already registered")
	ErrUnknownAgent   = errors.New("unknown agent")
)

// ChangeFunc receives a copy of the assignment after every mutation.
type ChangeFunc func(domain.AgentAssignment)

// Registry is the single source of truth for agent descriptors. It is
// shared across investigations; all mutation runs under one lock so an
// agent can never be marked busy for two tasks at once.
type Registry struct {
	mu       sync.Mutex
	agents   map[string]*domain.AgentAssignment
	order    []string // registration order, used for scheduling tie-breaks
	Now      func() time.Time
	onChange ChangeFunc
}

func NewRegistry(onChange ChangeFunc) *Registry {
	return &Registry{
		agents:   make(map[string]*domain.AgentAssignment),
		Now:      time.Now,
		onChange: onChange,
	}
}

func (r *Registry) now() string {
	return r.Now().UTC().Format(time.RFC3339)
}

func (r *Registry) notify(a domain.AgentAssignment) {
	if r.onChange != nil {
		r.onChange(a)
	}
}

// Register adds a new agent descriptor. The id must be unused.
func (r *Registry) Register(a domain.AgentAssignment) (domain.AgentAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.AgentID == "" {
		return domain.AgentAssignment{}, errors.New("agent id is required")
	}
	if _, exists := r.agents[a.AgentID]; exists {
		return domain.AgentAssignment{}, ErrDuplicateAgent
	}
	if a.Status == "" {
		a.Status = domain.AgentIdle
	}
	if a.Metrics.TasksCompleted == 0 {
		a.Metrics.SuccessRate = 1.0
	}
	now := r.now()
	a.AssignedAt = now
	a.UpdatedAt = now
	stored := a
	r.agents[a.AgentID] = &stored
	r.order = append(r.order, a.AgentID)
	r.notify(stored)
	return stored, nil
}

// Remove detaches an agent from the pool.
func (r *Registry) Remove(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; !ok {
		return ErrUnknownAgent
	}
	delete(r.agents, agentID)
	for i, id := range r.order {
		if id == agentID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// UpdateStatus records externally observed agent state. taskID binds or
// clears the agent's current task reference.
func (r *Registry) UpdateStatus(agentID string, status domain.AgentStatus, taskID *string) (domain.AgentAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return domain.AgentAssignment{}, ErrUnknownAgent
	}
	a.Status = status
	a.CurrentTaskID = taskID
	a.UpdatedAt = r.now()
	r.notify(*a)
	return *a, nil
}

// RecordOutcome folds one finished task into the agent's metrics and
// returns it to the idle pool. The whole update is atomic under the
// registry lock.
func (r *Registry) RecordOutcome(agentID, taskID string, success bool, duration time.Duration) (domain.AgentAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return domain.AgentAssignment{}, ErrUnknownAgent
	}
	m := &a.Metrics
	total := float64(m.AverageTaskSecs)*float64(m.TasksCompleted) + duration.Seconds()
	m.TasksCompleted++
	m.AverageTaskSecs = total / float64(m.TasksCompleted)
	if !success {
		m.ErrorCount++
	}
	m.SuccessRate = float64(m.TasksCompleted-m.ErrorCount) / float64(m.TasksCompleted)
	a.Status = domain.AgentIdle
	a.CurrentTaskID = nil
	a.UpdatedAt = r.now()
	r.notify(*a)
	return *a, nil
}

// Get returns a copy of one agent.
func (r *Registry) Get(agentID string) (domain.AgentAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return domain.AgentAssignment{}, ErrUnknownAgent
	}
	return *a, nil
}

// List snapshots the pool, optionally filtered by capability class.
func (r *Registry) List(capability domain.CapabilityClass) []domain.AgentAssignment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AgentAssignment, 0, len(r.order))
	for _, id := range r.order {
		a := r.agents[id]
		if capability != "" && a.Capability != capability {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// IdleByCapability returns idle agent ids of the class in registration
// order, the scheduler's selection pool.
func (r *Registry) IdleByCapability(capability domain.CapabilityClass) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, id := range r.order {
		a := r.agents[id]
		if a.Capability == capability && a.Status == domain.AgentIdle {
			out = append(out, id)
		}
	}
	return out
}
