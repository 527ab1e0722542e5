package server

import (
	"caseline/internal/domain"
)

// Request payloads

type CreateInvestigationRequest struct {
	Title   string   `json:"title"`
	Targets []string `json:"targets,omitempty"`
	Actor   string   `json:"actor,omitempty"`
}

type TransitionRequest struct {
	TargetPhase string `json:"target_phase" enum:"initial,source_collection,source_validation,requirement_definition,requirement_validation,collection_execution,analysis,synthesis,ready_to_report,completed,error"`
	Reason      string `json:"reason,omitempty"`
	RequestedBy string `json:"requested_by"`
	Confirm     bool   `json:"confirm,omitempty"`
}

type AssignTaskRequest struct {
	Capability  string `json:"capability" enum:"planning,collection,analysis,synthesis,reporting"`
	Description string `json:"description"`
	Priority    string `json:"priority,omitempty" enum:"low,medium,high,critical"`
}

type BatchRequest struct {
	Tasks          []AssignTaskRequest `json:"tasks"`
	Policy         string              `json:"policy,omitempty" enum:"all-or-fail,best-effort"`
	TimeoutSeconds int                 `json:"timeout_seconds,omitempty"`
}

type BatchResponse struct {
	Succeeded []domain.Task `json:"succeeded,omitempty"`
	Failed    []domain.Task `json:"failed,omitempty"`
	TimedOut  bool          `json:"timed_out"`
	OK        bool          `json:"ok"`
}

type ProgressRequest struct {
	Percent int `json:"percent" minimum:"0" maximum:"100"`
}

type TaskResultRequest struct {
	Success       bool   `json:"success"`
	ResultRef     string `json:"result_ref,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

type RegisterAgentRequest struct {
	AgentID    string `json:"agent_id"`
	Name       string `json:"name,omitempty"`
	Capability string `json:"capability" enum:"planning,collection,analysis,synthesis,reporting"`
}

type UpdateAgentStatusRequest struct {
	Status string `json:"status" enum:"idle,active,busy,error,completed"`
}

type RequestApprovalRequest struct {
	Action         string `json:"action"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type ResolveApprovalRequest struct {
	Approved bool   `json:"approved"`
	Resolver string `json:"resolver"`
}

// Response envelopes for list endpoints

type InvestigationListResponse struct {
	Investigations []domain.Investigation `json:"investigations"`
}

type TaskListResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type AgentListResponse struct {
	Agents []domain.AgentAssignment `json:"agents"`
}

type ApprovalListResponse struct {
	Approvals []domain.ApprovalRequest `json:"approvals"`
}

type TransitionListResponse struct {
	Transitions []domain.TransitionRecord `json:"transitions"`
}

type EventListResponse struct {
	Events []domain.Event `json:"events"`
	Cursor int64          `json:"cursor"`
}
