package domain

import "time"

// CapabilityClass is the category of work an agent can perform.
type CapabilityClass string

const (
	CapabilityPlanning   CapabilityClass = "planning"
	CapabilityCollection CapabilityClass = "collection"
	CapabilityAnalysis   CapabilityClass = "analysis"
	CapabilitySynthesis  CapabilityClass = "synthesis"
	CapabilityReporting  CapabilityClass = "reporting"
)

// Capabilities lists every valid capability class.
func Capabilities() []CapabilityClass {
	return []CapabilityClass{
		CapabilityPlanning,
		CapabilityCollection,
		CapabilityAnalysis,
		CapabilitySynthesis,
		CapabilityReporting,
	}
}

// AgentStatus is the last-known externally observed state of an agent.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentActive    AgentStatus = "active"
	AgentBusy      AgentStatus = "busy"
	AgentError     AgentStatus = "error"
	AgentCompleted AgentStatus = "completed"
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status is immutable.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskPriority orders competing work.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// PerformanceMetrics accumulates per-agent outcome statistics.
// SuccessRate is completed-without-error over TasksCompleted and is 1.0
// while TasksCompleted is zero.
type PerformanceMetrics struct {
	TasksCompleted  int     `json:"tasks_completed"`
	SuccessRate     float64 `json:"success_rate"`
	AverageTaskSecs float64 `json:"average_task_secs"`
	ErrorCount      int     `json:"error_count"`
}

// AgentAssignment binds a worker agent to the shared pool.
type AgentAssignment struct {
	AgentID       string             `json:"agent_id"`
	Name          string             `json:"name,omitempty"`
	Capability    CapabilityClass    `json:"capability" enum:"planning,collection,analysis,synthesis,reporting"`
	Status        AgentStatus        `json:"status" enum:"idle,active,busy,error,completed"`
	CurrentTaskID *string            `json:"current_task_id,omitempty"`
	Metrics       PerformanceMetrics `json:"metrics"`
	AssignedAt    string             `json:"assigned_at" format:"date-time"`
	UpdatedAt     string             `json:"updated_at" format:"date-time"`
}

// Task is one unit of work issued to at most one agent.
type Task struct {
	ID              string          `json:"id"`
	InvestigationID string          `json:"investigation_id"`
	AgentID         *string         `json:"agent_id,omitempty"`
	Capability      CapabilityClass `json:"capability" enum:"planning,collection,analysis,synthesis,reporting"`
	Description     string          `json:"description"`
	Priority        TaskPriority    `json:"priority" enum:"low,medium,high,critical"`
	Status          TaskStatus      `json:"status" enum:"pending,in_progress,completed,failed,cancelled"`
	Progress        int             `json:"progress"`
	ResultRef       *string         `json:"result_ref,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	ResolvedAt      *string         `json:"resolved_at,omitempty" format:"date-time"`
}

// ApprovalResolution records the terminal outcome of an approval request.
type ApprovalResolution struct {
	Approved   bool   `json:"approved"`
	Resolver   string `json:"resolver"`
	ResolvedAt string `json:"resolved_at" format:"date-time"`
}

// TimeoutResolver marks approvals denied by expiry rather than a human.
const TimeoutResolver = "system-timeout"

// ApprovalRequest is a human gate blocking a transition or action.
type ApprovalRequest struct {
	ID              string              `json:"id"`
	InvestigationID string              `json:"investigation_id"`
	Action          string              `json:"action"`
	RequestedAt     string              `json:"requested_at" format:"date-time"`
	TimeoutAt       *string             `json:"timeout_at,omitempty" format:"date-time"`
	Resolution      *ApprovalResolution `json:"resolution,omitempty"`
}

// Resolved reports whether the request is terminal.
func (a ApprovalRequest) Resolved() bool { return a.Resolution != nil }

// Expired reports whether an unresolved request passed its deadline at now.
func (a ApprovalRequest) Expired(now time.Time) bool {
	if a.Resolution != nil || a.TimeoutAt == nil {
		return false
	}
	deadline, err := time.Parse(time.RFC3339, *a.TimeoutAt)
	if err != nil {
		return false
	}
	return now.After(deadline)
}

// PhaseEntry is one row of an investigation's phase history.
type PhaseEntry struct {
	Phase     string  `json:"phase"`
	EnteredAt string  `json:"entered_at" format:"date-time"`
	ExitedAt  *string `json:"exited_at,omitempty" format:"date-time"`
	Actor     string  `json:"actor"`
}

// TransitionRecord is the immutable audit entry for a transition attempt.
type TransitionRecord struct {
	InvestigationID string `json:"investigation_id"`
	FromPhase       string `json:"from_phase"`
	ToPhase         string `json:"to_phase"`
	Reason          string `json:"reason,omitempty"`
	RequestedBy     string `json:"requested_by"`
	Accepted        bool   `json:"accepted"`
	Error           string `json:"error,omitempty"`
	Timestamp       string `json:"timestamp" format:"date-time"`
}

// EvidenceRef points at externally owned collected evidence.
type EvidenceRef struct {
	ID       string         `json:"id"`
	Source   string         `json:"source,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	AddedAt  string         `json:"added_at" format:"date-time"`
}

// Investigation is the root aggregate. Only the orchestration core mutates it.
type Investigation struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Phase        string        `json:"phase"`
	PhaseHistory []PhaseEntry  `json:"phase_history"`
	Targets      []string      `json:"targets,omitempty"`
	Requirements []string      `json:"requirements,omitempty"`
	Evidence     []EvidenceRef `json:"evidence,omitempty"`
	Assessments  []string      `json:"assessments,omitempty"`
	Reports      []string      `json:"reports,omitempty"`
	CreatedAt    string        `json:"created_at" format:"date-time"`
	UpdatedAt    string        `json:"updated_at" format:"date-time"`
}

// Clone returns a deep copy so the core can stage a mutation before it is
// durably saved.
func (inv Investigation) Clone() Investigation {
	out := inv
	out.PhaseHistory = append([]PhaseEntry(nil), inv.PhaseHistory...)
	out.Targets = append([]string(nil), inv.Targets...)
	out.Requirements = append([]string(nil), inv.Requirements...)
	out.Assessments = append([]string(nil), inv.Assessments...)
	out.Reports = append([]string(nil), inv.Reports...)
	out.Evidence = append([]EvidenceRef(nil), inv.Evidence...)
	return out
}

// Event is one entry of the engine's outbound event stream. Events for a
// single investigation are totally ordered by Seq.
type Event struct {
	ID              int64          `json:"id,omitempty"`
	Seq             int64          `json:"seq"`
	Type            string         `json:"type"`
	InvestigationID string         `json:"investigation_id"`
	Timestamp       string         `json:"timestamp" format:"date-time"`
	Payload         map[string]any `json:"payload,omitempty"`
}

// Outbound event types.
const (
	EventPhaseChanged       = "phase_changed"
	EventIllegalTransition  = "illegal_transition"
	EventTaskAssigned       = "task_assigned"
	EventTaskProgress       = "task_progress"
	EventTaskCompleted      = "task_completed"
	EventApprovalRequested  = "approval_requested"
	EventApprovalResolved   = "approval_resolved"
	EventAgentStatusChanged = "agent_status_changed"
	EventSnapshot           = "workflow_snapshot"
	EventInvestigationNew   = "investigation_created"
)

// Snapshot is the complete observable workflow state of one investigation,
// sufficient to start observing without replaying history.
type Snapshot struct {
	Investigation Investigation     `json:"investigation"`
	Agents        []AgentAssignment `json:"agents"`
	OpenTasks     []Task            `json:"open_tasks"`
	OpenApprovals []ApprovalRequest `json:"open_approvals"`
	LastSeq       int64             `json:"last_seq"`
	TakenAt       string            `json:"taken_at" format:"date-time"`
}
