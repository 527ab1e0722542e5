// Package orchestrate is the single authoritative owner of investigation
// workflow state. Every mutation funnels through the Core, which serializes
// requests per investigation, persists before broadcasting, and hands each
// resulting event to the distribution hub.
package orchestrate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"caseline/internal/agents"
	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/gates"
	"caseline/internal/phase"
	"caseline/internal/schedule"
	"caseline/internal/stream"
)

// Store is the load/save contract the core persists through.
type Store interface {
	SaveInvestigation(ctx context.Context, inv domain.Investigation) error
	GetInvestigation(ctx context.Context, id string) (domain.Investigation, error)
	ListInvestigations(ctx context.Context) ([]domain.Investigation, error)
	InsertTransition(ctx context.Context, rec domain.TransitionRecord) error
	UpsertTask(ctx context.Context, t domain.Task) error
	UpsertApproval(ctx context.Context, a domain.ApprovalRequest) error
	AppendEvent(ctx context.Context, e domain.Event) (int64, error)
	LatestSeq(ctx context.Context, investigationID string) (int64, error)
}

// invState is the in-memory authority for one investigation. inv always
// holds the last durably saved snapshot; mu is the per-investigation
// single-writer serialization point.
type invState struct {
	mu  sync.Mutex
	inv domain.Investigation
	seq int64
}

type Core struct {
	store Store
	cfg   *config.Config
	log   *zap.Logger

	registry  *agents.Registry
	scheduler *schedule.Scheduler
	gates     *gates.Manager
	hub       *stream.Hub

	mu   sync.Mutex
	invs map[string]*invState

	Now func() time.Time
}

// New wires the engine components together and warm-starts from whatever
// the store already holds.
func New(st Store, cfg *config.Config, log *zap.Logger) (*Core, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Core{
		store: st,
		cfg:   cfg,
		log:   log,
		invs:  make(map[string]*invState),
		Now:   time.Now,
	}
	c.registry = agents.NewRegistry(func(a domain.AgentAssignment) {
		log.Debug("agent status",
			zap.String("agent_id", a.AgentID), zap.String("status", string(a.Status)))
	})
	c.scheduler = schedule.New(c.registry)
	c.gates = gates.NewManager(c.approvalResolved)
	c.hub = stream.NewHub(c.Snapshot, cfg.Engine.SubscriberBuffer, log)

	ctx := context.Background()
	existing, err := st.ListInvestigations(ctx)
	if err != nil {
		return nil, err
	}
	for _, inv := range existing {
		seq, err := st.LatestSeq(ctx, inv.ID)
		if err != nil {
			return nil, err
		}
		c.invs[inv.ID] = &invState{inv: inv, seq: seq}
	}
	return c, nil
}

func (c *Core) Registry() *agents.Registry { return c.registry }

func (c *Core) Scheduler() *schedule.Scheduler { return c.scheduler }

func (c *Core) Gates() *gates.Manager { return c.gates }

func (c *Core) Hub() *stream.Hub { return c.hub }

func (c *Core) stamp() string {
	return c.Now().UTC().Format(time.RFC3339)
}

func (c *Core) state(investigationID string) (*invState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.invs[investigationID]
	if !ok {
		return nil, ErrUnknownInvestigation
	}
	return st, nil
}

// saveWithRetry re-saves an already computed mutation until it lands or
// the retry budget runs out. The mutation itself is never recomputed.
func (c *Core) saveWithRetry(ctx context.Context, inv domain.Investigation) error {
	retries := c.cfg.Engine.PersistRetries
	var err error
	for attempt := 1; attempt <= retries; attempt++ {
		if err = c.store.SaveInvestigation(ctx, inv); err == nil {
			return nil
		}
		c.log.Warn("investigation save failed",
			zap.String("investigation_id", inv.ID), zap.Int("attempt", attempt), zap.Error(err))
	}
	return &PersistenceError{Attempts: retries, Err: err}
}

// emitLocked appends one event to the durable log and only then hands it
// to the hub. Caller holds st.mu. A failed append costs observers one
// notification, never durable state.
func (c *Core) emitLocked(ctx context.Context, st *invState, evtType string, payload map[string]any) {
	event := domain.Event{
		Seq:             st.seq + 1,
		Type:            evtType,
		InvestigationID: st.inv.ID,
		Timestamp:       c.stamp(),
		Payload:         payload,
	}
	var id int64
	var err error
	for attempt := 1; attempt <= c.cfg.Engine.PersistRetries; attempt++ {
		if id, err = c.store.AppendEvent(ctx, event); err == nil {
			break
		}
	}
	if err != nil {
		c.log.Error("event append failed",
			zap.String("investigation_id", st.inv.ID), zap.String("type", evtType), zap.Error(err))
		return
	}
	event.ID = id
	st.seq = event.Seq
	c.hub.Publish(event)
}

func (c *Core) persistTask(ctx context.Context, t domain.Task) {
	for attempt := 1; attempt <= c.cfg.Engine.PersistRetries; attempt++ {
		if err := c.store.UpsertTask(ctx, t); err == nil {
			return
		} else if attempt == c.cfg.Engine.PersistRetries {
			c.log.Error("task save failed", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
}

func (c *Core) persistApproval(ctx context.Context, a domain.ApprovalRequest) {
	for attempt := 1; attempt <= c.cfg.Engine.PersistRetries; attempt++ {
		if err := c.store.UpsertApproval(ctx, a); err == nil {
			return
		} else if attempt == c.cfg.Engine.PersistRetries {
			c.log.Error("approval save failed", zap.String("approval_id", a.ID), zap.Error(err))
		}
	}
}

// CreateInvestigation opens a new aggregate in the initial phase.
func (c *Core) CreateInvestigation(ctx context.Context, title string, targets []string, actor string) (domain.Investigation, error) {
	now := c.stamp()
	inv := domain.Investigation{
		ID:    uuid.New().String(),
		Title: title,
		Phase: string(phase.Initial),
		PhaseHistory: []domain.PhaseEntry{
			{Phase: string(phase.Initial), EnteredAt: now, Actor: actor},
		},
		Targets:   append([]string(nil), targets...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.saveWithRetry(ctx, inv); err != nil {
		return domain.Investigation{}, err
	}
	st := &invState{inv: inv}
	c.mu.Lock()
	if _, exists := c.invs[inv.ID]; exists {
		c.mu.Unlock()
		return domain.Investigation{}, ErrDuplicateID
	}
	c.invs[inv.ID] = st
	c.mu.Unlock()

	st.mu.Lock()
	c.emitLocked(ctx, st, domain.EventInvestigationNew, map[string]any{
		"title": title, "phase": inv.Phase,
	})
	st.mu.Unlock()
	c.log.Info("investigation created", zap.String("investigation_id", inv.ID), zap.String("title", title))
	return inv.Clone(), nil
}

// GetInvestigation returns the last durable snapshot of one aggregate.
func (c *Core) GetInvestigation(investigationID string) (domain.Investigation, error) {
	st, err := c.state(investigationID)
	if err != nil {
		return domain.Investigation{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inv.Clone(), nil
}

// ListInvestigations returns every known aggregate, newest first.
func (c *Core) ListInvestigations() []domain.Investigation {
	c.mu.Lock()
	states := make([]*invState, 0, len(c.invs))
	for _, st := range c.invs {
		states = append(states, st)
	}
	c.mu.Unlock()
	out := make([]domain.Investigation, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.inv.Clone())
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out
}

// TransitionRequest is one phase-change command.
type TransitionRequest struct {
	InvestigationID string
	Target          phase.Phase
	Reason          string
	RequestedBy     string
	Confirm         bool
}

// TransitionPhase validates and applies one phase change. Every attempt,
// accepted or rejected, lands in the transition audit log. Rejections are
// typed so the caller knows the exact remedy.
func (c *Core) TransitionPhase(ctx context.Context, req TransitionRequest) (domain.Investigation, error) {
	st, err := c.state(req.InvestigationID)
	if err != nil {
		return domain.Investigation{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	current := phase.Phase(st.inv.Phase)
	audit := func(accepted bool, errMsg string) {
		rec := domain.TransitionRecord{
			InvestigationID: req.InvestigationID,
			FromPhase:       string(current),
			ToPhase:         string(req.Target),
			Reason:          req.Reason,
			RequestedBy:     req.RequestedBy,
			Accepted:        accepted,
			Error:           errMsg,
			Timestamp:       c.stamp(),
		}
		if err := c.store.InsertTransition(ctx, rec); err != nil {
			c.log.Warn("transition audit write failed", zap.Error(err))
		}
	}

	switch phase.Validate(current, req.Target, req.Confirm) {
	case phase.NoOp:
		audit(false, ErrNoOpTransition.Error())
		return st.inv.Clone(), ErrNoOpTransition
	case phase.Unknown, phase.Illegal:
		verr := &IllegalTransitionError{From: current, To: req.Target, Legal: phase.Legal(current)}
		audit(false, verr.Error())
		c.emitLocked(ctx, st, domain.EventIllegalTransition, map[string]any{
			"attempted_to":       string(req.Target),
			"legal_destinations": phase.Strings(verr.Legal),
		})
		return st.inv.Clone(), verr
	case phase.NeedsConfirmation:
		verr := &ConfirmationRequiredError{From: current, To: req.Target}
		audit(false, verr.Error())
		return st.inv.Clone(), verr
	}

	// an unresolved, unexpired gate blocks every transition out of the
	// current phase; expired gates are denied by this very check
	if open := c.gates.Open(req.InvestigationID); len(open) > 0 {
		verr := &ApprovalPendingError{ApprovalID: open[0].ID, Action: open[0].Action}
		audit(false, verr.Error())
		return st.inv.Clone(), verr
	}

	now := c.stamp()
	staged := st.inv.Clone()
	if n := len(staged.PhaseHistory); n > 0 && staged.PhaseHistory[n-1].ExitedAt == nil {
		exited := now
		staged.PhaseHistory[n-1].ExitedAt = &exited
	}
	staged.PhaseHistory = append(staged.PhaseHistory, domain.PhaseEntry{
		Phase:     string(req.Target),
		EnteredAt: now,
		Actor:     req.RequestedBy,
	})
	staged.Phase = string(req.Target)
	staged.UpdatedAt = now

	if err := c.saveWithRetry(ctx, staged); err != nil {
		audit(false, err.Error())
		return st.inv.Clone(), err
	}
	st.inv = staged
	audit(true, "")
	c.emitLocked(ctx, st, domain.EventPhaseChanged, map[string]any{
		"from":   string(current),
		"to":     string(req.Target),
		"reason": req.Reason,
		"actor":  req.RequestedBy,
	})
	c.log.Info("phase changed",
		zap.String("investigation_id", req.InvestigationID),
		zap.String("from", string(current)), zap.String("to", string(req.Target)))
	return staged.Clone(), nil
}

// RegisterAgent attaches a worker to the pool and immediately drains any
// queued work it can take.
func (c *Core) RegisterAgent(ctx context.Context, a domain.AgentAssignment) (domain.AgentAssignment, error) {
	registered, err := c.registry.Register(a)
	if err != nil {
		return domain.AgentAssignment{}, err
	}
	for _, t := range c.scheduler.DispatchPending() {
		c.announceTask(ctx, t, domain.EventTaskAssigned, map[string]any{
			"task_id": t.ID, "agent_id": deref(t.AgentID),
		}, domain.AgentBusy)
	}
	return registered, nil
}

// RemoveAgent detaches a worker from the pool.
func (c *Core) RemoveAgent(agentID string) error {
	return c.registry.Remove(agentID)
}

// UpdateAgentStatus records externally observed agent state. When the
// agent is bound to a task, the change is announced on that task's
// investigation stream; otherwise there is no stream to announce on.
func (c *Core) UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) (domain.AgentAssignment, error) {
	current, err := c.registry.Get(agentID)
	if err != nil {
		return domain.AgentAssignment{}, err
	}
	updated, err := c.registry.UpdateStatus(agentID, status, current.CurrentTaskID)
	if err != nil {
		return domain.AgentAssignment{}, err
	}
	if current.CurrentTaskID != nil {
		if t, err := c.scheduler.Get(*current.CurrentTaskID); err == nil {
			if st, err := c.state(t.InvestigationID); err == nil {
				st.mu.Lock()
				c.emitLocked(ctx, st, domain.EventAgentStatusChanged, map[string]any{
					"agent_id": agentID, "status": string(status),
				})
				st.mu.Unlock()
			}
		}
	}
	return updated, nil
}

// AssignTask creates one unit of work. It binds an idle agent when one
// exists and queues otherwise; either way the caller gets the task back
// without blocking.
func (c *Core) AssignTask(ctx context.Context, investigationID string, capability domain.CapabilityClass, description string, priority domain.TaskPriority) (domain.Task, error) {
	st, err := c.state(investigationID)
	if err != nil {
		return domain.Task{}, err
	}
	t, err := c.scheduler.Assign(investigationID, capability, description, priority)
	if err != nil {
		return domain.Task{}, err
	}
	st.mu.Lock()
	c.persistTask(ctx, t)
	c.emitLocked(ctx, st, domain.EventTaskAssigned, map[string]any{
		"task_id": t.ID, "agent_id": deref(t.AgentID), "status": string(t.Status),
	})
	if t.AgentID != nil {
		c.emitLocked(ctx, st, domain.EventAgentStatusChanged, map[string]any{
			"agent_id": *t.AgentID, "status": string(domain.AgentBusy),
		})
	}
	st.mu.Unlock()
	return t, nil
}

// ReportTaskProgress records a percentage from the executing agent.
// Reports against terminal tasks are accepted and dropped.
func (c *Core) ReportTaskProgress(ctx context.Context, taskID string, percent int) (domain.Task, error) {
	t, applied, err := c.scheduler.ReportProgress(taskID, percent)
	if err != nil {
		return domain.Task{}, err
	}
	if applied {
		c.announceTask(ctx, t, domain.EventTaskProgress, map[string]any{
			"task_id": t.ID, "percent": t.Progress,
		}, "")
	}
	return t, nil
}

// ReportTaskResult resolves a task with the agent's outcome and hands any
// freed capacity to the pending queue. A result for an already terminal
// task is idempotently ignored.
func (c *Core) ReportTaskResult(ctx context.Context, taskID string, success bool, resultRef, failureReason string) (domain.Task, error) {
	t, applied, err := c.scheduler.Complete(taskID, success, resultRef, failureReason)
	if err != nil {
		return domain.Task{}, err
	}
	if !applied {
		return t, nil
	}
	c.announceTask(ctx, t, domain.EventTaskCompleted, map[string]any{
		"task_id": t.ID, "success": success,
	}, domain.AgentIdle)
	for _, bound := range c.scheduler.DispatchPending() {
		c.announceTask(ctx, bound, domain.EventTaskAssigned, map[string]any{
			"task_id": bound.ID, "agent_id": deref(bound.AgentID),
		}, domain.AgentBusy)
	}
	return t, nil
}

// CancelTask marks a task cancelled. The agent may still report later;
// that report is ignored.
func (c *Core) CancelTask(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := c.scheduler.Cancel(taskID)
	if err != nil {
		return domain.Task{}, err
	}
	c.announceTask(ctx, t, domain.EventTaskCompleted, map[string]any{
		"task_id": t.ID, "success": false, "status": string(t.Status),
	}, domain.AgentIdle)
	return t, nil
}

// TaskSpec describes one member of a fan-out batch.
type TaskSpec struct {
	Capability  domain.CapabilityClass
	Description string
	Priority    domain.TaskPriority
}

// RunBatch fans specs out as tasks and suspends until every member
// resolves or the timeout closes the stragglers.
func (c *Core) RunBatch(ctx context.Context, investigationID string, specs []TaskSpec, policy schedule.BatchPolicy, timeout time.Duration) (schedule.BatchResult, error) {
	if timeout <= 0 {
		timeout = c.cfg.Engine.DefaultBatchTimeout
	}
	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		t, err := c.AssignTask(ctx, investigationID, spec.Capability, spec.Description, spec.Priority)
		if err != nil {
			return schedule.BatchResult{}, err
		}
		ids = append(ids, t.ID)
	}
	batch, err := c.scheduler.Batch(ids, policy)
	if err != nil {
		return schedule.BatchResult{}, err
	}
	result, awaitErr := batch.AwaitAll(ctx, timeout)
	// stragglers were closed by the scheduler; observers still need to hear it
	for _, t := range result.Failed {
		if t.FailureReason == schedule.FailureTimeout {
			c.announceTask(ctx, t, domain.EventTaskCompleted, map[string]any{
				"task_id": t.ID, "success": false, "failure_reason": t.FailureReason,
			}, domain.AgentIdle)
		}
	}
	return result, awaitErr
}

// RequestApproval opens a human gate on the investigation. A zero timeout
// takes the configured default; a negative timeout disables the deadline
// so the gate waits for a human indefinitely.
func (c *Core) RequestApproval(ctx context.Context, investigationID, action string, timeout time.Duration) (domain.ApprovalRequest, error) {
	st, err := c.state(investigationID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if timeout == 0 {
		timeout = c.cfg.Engine.DefaultApprovalTimeout
	}
	if timeout < 0 {
		timeout = 0
	}
	req, err := c.gates.Request(investigationID, action, timeout)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	st.mu.Lock()
	c.persistApproval(ctx, req)
	c.emitLocked(ctx, st, domain.EventApprovalRequested, map[string]any{
		"approval_id": req.ID, "action": req.Action,
	})
	st.mu.Unlock()
	return req, nil
}

// ResolveApproval settles a gate by human decision. Event emission and
// persistence run through the same path as timeout denials.
func (c *Core) ResolveApproval(approvalID string, approved bool, resolver string) (domain.ApprovalRequest, error) {
	return c.gates.Resolve(approvalID, approved, resolver)
}

// approvalResolved is the gate manager's resolution callback. It runs
// asynchronously because resolutions can surface while a core operation
// already holds the investigation lock.
func (c *Core) approvalResolved(req domain.ApprovalRequest) {
	go func() {
		ctx := context.Background()
		st, err := c.state(req.InvestigationID)
		if err != nil {
			c.log.Warn("approval resolved for unknown investigation",
				zap.String("approval_id", req.ID))
			return
		}
		st.mu.Lock()
		defer st.mu.Unlock()
		c.persistApproval(ctx, req)
		c.emitLocked(ctx, st, domain.EventApprovalResolved, map[string]any{
			"approval_id": req.ID,
			"approved":    req.Resolution.Approved,
			"resolver":    req.Resolution.Resolver,
		})
	}()
}

// Snapshot assembles the full observable state of one investigation.
func (c *Core) Snapshot(investigationID string) (domain.Snapshot, error) {
	st, err := c.state(investigationID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	st.mu.Lock()
	inv := st.inv.Clone()
	seq := st.seq
	st.mu.Unlock()
	return domain.Snapshot{
		Investigation: inv,
		Agents:        c.registry.List(""),
		OpenTasks:     c.scheduler.List(investigationID, true),
		OpenApprovals: c.gates.Open(investigationID),
		LastSeq:       seq,
		TakenAt:       c.stamp(),
	}, nil
}

// Subscribe attaches a live observer; the first delivery is always a
// fresh snapshot.
func (c *Core) Subscribe(investigationID string) (*stream.Subscriber, error) {
	if _, err := c.state(investigationID); err != nil {
		return nil, err
	}
	return c.hub.Subscribe(investigationID)
}

func (c *Core) Unsubscribe(sub *stream.Subscriber) {
	c.hub.Unsubscribe(sub)
}

// StateRequest answers an explicit state query with a snapshot event.
func (c *Core) StateRequest(investigationID string) (domain.Event, error) {
	if _, err := c.state(investigationID); err != nil {
		return domain.Event{}, err
	}
	return c.hub.StateRequest(investigationID)
}

// announceTask persists one task shape and emits its event inside the
// owning investigation's serialization point.
func (c *Core) announceTask(ctx context.Context, t domain.Task, evtType string, payload map[string]any, agentStatus domain.AgentStatus) {
	st, err := c.state(t.InvestigationID)
	if err != nil {
		c.log.Warn("task event for unknown investigation", zap.String("task_id", t.ID))
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	c.persistTask(ctx, t)
	c.emitLocked(ctx, st, evtType, payload)
	if agentStatus != "" && t.AgentID != nil {
		c.emitLocked(ctx, st, domain.EventAgentStatusChanged, map[string]any{
			"agent_id": *t.AgentID, "status": string(agentStatus),
		})
	}
}

func deref(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
