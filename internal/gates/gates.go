// Package gates tracks human-approval requests that block transitions or
// actions. A request resolves exactly once: by a human, or by the system
// when its deadline passes.
package gates

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"caseline/internal/domain"
)

var (
	ErrUnknownApproval = errors.New("unknown approval")
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// ResolveFunc observes every resolution, human or timeout.
type ResolveFunc func(domain.ApprovalRequest)

// Manager owns all approval requests across investigations.
type Manager struct {
	mu        sync.Mutex
	approvals map[string]*domain.ApprovalRequest
	timers    map[string]*time.Timer
	Now       func() time.Time
	onResolve ResolveFunc
}

func NewManager(onResolve ResolveFunc) *Manager {
	return &Manager{
		approvals: make(map[string]*domain.ApprovalRequest),
		timers:    make(map[string]*time.Timer),
		Now:       time.Now,
		onResolve: onResolve,
	}
}

func (m *Manager) stamp() string {
	return m.Now().UTC().Format(time.RFC3339)
}

// Request opens a gate. A zero timeout means the gate waits forever for a
// human; otherwise it auto-denies with the system-timeout resolver when
// the deadline passes.
func (m *Manager) Request(investigationID, action string, timeout time.Duration) (domain.ApprovalRequest, error) {
	if action == "" {
		return domain.ApprovalRequest{}, errors.New("action is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	req := &domain.ApprovalRequest{
		ID:              uuid.New().String(),
		InvestigationID: investigationID,
		Action:          action,
		RequestedAt:     m.stamp(),
	}
	if timeout > 0 {
		deadline := m.Now().UTC().Add(timeout).Format(time.RFC3339)
		req.TimeoutAt = &deadline
		id := req.ID
		m.timers[id] = time.AfterFunc(timeout, func() { m.expire(id) })
	}
	m.approvals[req.ID] = req
	return *req, nil
}

// Resolve settles a gate. Callers cannot re-resolve a terminal request;
// an unresolved request past its deadline is already denied, so a late
// human resolution gets ErrAlreadyResolved too.
func (m *Manager) Resolve(approvalID string, approved bool, resolver string) (domain.ApprovalRequest, error) {
	m.mu.Lock()
	req, ok := m.approvals[approvalID]
	if !ok {
		m.mu.Unlock()
		return domain.ApprovalRequest{}, ErrUnknownApproval
	}
	if req.Resolution != nil {
		m.mu.Unlock()
		return *req, ErrAlreadyResolved
	}
	if req.Expired(m.Now().UTC()) {
		m.denyLocked(req)
		out := *req
		m.mu.Unlock()
		m.notify(out)
		return out, ErrAlreadyResolved
	}
	req.Resolution = &domain.ApprovalResolution{
		Approved:   approved,
		Resolver:   resolver,
		ResolvedAt: m.stamp(),
	}
	m.stopTimerLocked(approvalID)
	out := *req
	m.mu.Unlock()
	m.notify(out)
	return out, nil
}

// expire is the timer callback; it re-checks state because a human may
// have won the race.
func (m *Manager) expire(approvalID string) {
	m.mu.Lock()
	req, ok := m.approvals[approvalID]
	if !ok || req.Resolution != nil {
		m.mu.Unlock()
		return
	}
	m.denyLocked(req)
	out := *req
	m.mu.Unlock()
	m.notify(out)
}

func (m *Manager) denyLocked(req *domain.ApprovalRequest) {
	req.Resolution = &domain.ApprovalResolution{
		Approved:   false,
		Resolver:   domain.TimeoutResolver,
		ResolvedAt: m.stamp(),
	}
	m.stopTimerLocked(req.ID)
}

func (m *Manager) stopTimerLocked(approvalID string) {
	if timer, ok := m.timers[approvalID]; ok {
		timer.Stop()
		delete(m.timers, approvalID)
	}
}

func (m *Manager) notify(req domain.ApprovalRequest) {
	if m.onResolve != nil {
		m.onResolve(req)
	}
}

// Get returns a copy of one request, lazily denying it if its deadline
// already passed.
func (m *Manager) Get(approvalID string) (domain.ApprovalRequest, error) {
	m.mu.Lock()
	req, ok := m.approvals[approvalID]
	if !ok {
		m.mu.Unlock()
		return domain.ApprovalRequest{}, ErrUnknownApproval
	}
	if req.Expired(m.Now().UTC()) {
		m.denyLocked(req)
		out := *req
		m.mu.Unlock()
		m.notify(out)
		return out, nil
	}
	out := *req
	m.mu.Unlock()
	return out, nil
}

// Open returns the unresolved, unexpired requests for an investigation
// (empty id matches all). Expired requests encountered here are denied on
// the spot.
func (m *Manager) Open(investigationID string) []domain.ApprovalRequest {
	m.mu.Lock()
	var open []domain.ApprovalRequest
	var lapsed []domain.ApprovalRequest
	for _, req := range m.approvals {
		if (investigationID != "" && req.InvestigationID != investigationID) || req.Resolution != nil {
			continue
		}
		if req.Expired(m.Now().UTC()) {
			m.denyLocked(req)
			lapsed = append(lapsed, *req)
			continue
		}
		open = append(open, *req)
	}
	m.mu.Unlock()
	for _, req := range lapsed {
		m.notify(req)
	}
	return open
}

// List snapshots every request for an investigation, resolved or not.
func (m *Manager) List(investigationID string) []domain.ApprovalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ApprovalRequest
	for _, req := range m.approvals {
		if investigationID == "" || req.InvestigationID == investigationID {
			out = append(out, *req)
		}
	}
	return out
}
