// Package store persists the engine's durable state: investigation
// aggregates, the append-only event log, transition audit rows, and the
// last-known shape of tasks and approvals.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"caseline/internal/domain"
)

type Store struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// SaveInvestigation upserts the full aggregate. The JSON payload is the
// source of truth; the indexed columns exist for listing.
func (s Store) SaveInvestigation(ctx context.Context, inv domain.Investigation) error {
	payload, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO investigations(id,title,phase,payload_json,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, phase=excluded.phase, payload_json=excluded.payload_json, updated_at=excluded.updated_at`,
		inv.ID, inv.Title, inv.Phase, string(payload), inv.CreatedAt, inv.UpdatedAt)
	return err
}

func (s Store) GetInvestigation(ctx context.Context, id string) (domain.Investigation, error) {
	var payload string
	err := s.DB.QueryRowContext(ctx, `SELECT payload_json FROM investigations WHERE id=?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return domain.Investigation{}, ErrNotFound
	}
	if err != nil {
		return domain.Investigation{}, err
	}
	var inv domain.Investigation
	if err := json.Unmarshal([]byte(payload), &inv); err != nil {
		return domain.Investigation{}, err
	}
	return inv, nil
}

func (s Store) ListInvestigations(ctx context.Context) ([]domain.Investigation, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT payload_json FROM investigations ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Investigation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var inv domain.Investigation
		if err := json.Unmarshal([]byte(payload), &inv); err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, nil
}

// InsertTransition appends one audit row. Rejected attempts are recorded
// the same as accepted ones.
func (s Store) InsertTransition(ctx context.Context, rec domain.TransitionRecord) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO transitions(investigation_id,from_phase,to_phase,reason,requested_by,accepted,error,ts) VALUES (?,?,?,?,?,?,?,?)`,
		rec.InvestigationID, rec.FromPhase, rec.ToPhase, nullable(rec.Reason), rec.RequestedBy, boolInt(rec.Accepted), nullable(rec.Error), rec.Timestamp)
	return err
}

func (s Store) ListTransitions(ctx context.Context, investigationID string, limit int) ([]domain.TransitionRecord, error) {
	query := `SELECT investigation_id,from_phase,to_phase,COALESCE(reason,''),requested_by,accepted,COALESCE(error,''),ts FROM transitions WHERE investigation_id=? ORDER BY id DESC`
	args := []any{investigationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionRecord
	for rows.Next() {
		var rec domain.TransitionRecord
		var accepted int
		if err := rows.Scan(&rec.InvestigationID, &rec.FromPhase, &rec.ToPhase, &rec.Reason, &rec.RequestedBy, &accepted, &rec.Error, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Accepted = accepted != 0
		res = append(res, rec)
	}
	return res, nil
}

func (s Store) UpsertTask(ctx context.Context, t domain.Task) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO tasks(id,investigation_id,agent_id,capability,description,priority,status,progress,result_ref,failure_reason,created_at,resolved_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET agent_id=excluded.agent_id, status=excluded.status, progress=excluded.progress, result_ref=excluded.result_ref, failure_reason=excluded.failure_reason, resolved_at=excluded.resolved_at`,
		t.ID, t.InvestigationID, nullableStringPtr(t.AgentID), string(t.Capability), t.Description, string(t.Priority), string(t.Status),
		t.Progress, nullableStringPtr(t.ResultRef), nullable(t.FailureReason), t.CreatedAt, nullableStringPtr(t.ResolvedAt))
	return err
}

func (s Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id,investigation_id,agent_id,capability,description,priority,status,progress,result_ref,failure_reason,created_at,resolved_at FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (s Store) ListTasks(ctx context.Context, investigationID string, openOnly bool) ([]domain.Task, error) {
	clauses := []string{"investigation_id=?"}
	args := []any{investigationID}
	if openOnly {
		clauses = append(clauses, "status IN ('pending','in_progress')")
	}
	query := `SELECT id,investigation_id,agent_id,capability,description,priority,status,progress,result_ref,failure_reason,created_at,resolved_at FROM tasks WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

func scanTask(scan func(...any) error) (domain.Task, error) {
	var t domain.Task
	var agentID, resultRef, failureReason, resolvedAt sql.NullString
	var capability, priority, status string
	err := scan(&t.ID, &t.InvestigationID, &agentID, &capability, &t.Description, &priority, &status, &t.Progress, &resultRef, &failureReason, &t.CreatedAt, &resolvedAt)
	if err != nil {
		return t, err
	}
	t.Capability = domain.CapabilityClass(capability)
	t.Priority = domain.TaskPriority(priority)
	t.Status = domain.TaskStatus(status)
	if agentID.Valid {
		t.AgentID = &agentID.String
	}
	if resultRef.Valid {
		t.ResultRef = &resultRef.String
	}
	if failureReason.Valid {
		t.FailureReason = failureReason.String
	}
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.String
	}
	return t, nil
}

func (s Store) UpsertApproval(ctx context.Context, a domain.ApprovalRequest) error {
	var approved any
	var resolver, resolvedAt any
	if a.Resolution != nil {
		approved = boolInt(a.Resolution.Approved)
		resolver = a.Resolution.Resolver
		resolvedAt = a.Resolution.ResolvedAt
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO approvals(id,investigation_id,action,requested_at,timeout_at,approved,resolver,resolved_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET approved=excluded.approved, resolver=excluded.resolver, resolved_at=excluded.resolved_at`,
		a.ID, a.InvestigationID, a.Action, a.RequestedAt, nullableStringPtr(a.TimeoutAt), approved, resolver, resolvedAt)
	return err
}

func (s Store) ListApprovals(ctx context.Context, investigationID string) ([]domain.ApprovalRequest, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,investigation_id,action,requested_at,timeout_at,approved,resolver,resolved_at FROM approvals WHERE investigation_id=? ORDER BY requested_at ASC, id ASC`, investigationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		var a domain.ApprovalRequest
		var timeoutAt, resolver, resolvedAt sql.NullString
		var approved sql.NullInt64
		if err := rows.Scan(&a.ID, &a.InvestigationID, &a.Action, &a.RequestedAt, &timeoutAt, &approved, &resolver, &resolvedAt); err != nil {
			return nil, err
		}
		if timeoutAt.Valid {
			a.TimeoutAt = &timeoutAt.String
		}
		if approved.Valid {
			a.Resolution = &domain.ApprovalResolution{
				Approved:   approved.Int64 != 0,
				Resolver:   resolver.String,
				ResolvedAt: resolvedAt.String,
			}
		}
		res = append(res, a)
	}
	return res, nil
}

// AppendEvent persists one stream event and returns its global id. Seq is
// assigned by the caller; the unique (investigation_id, seq) constraint
// rejects out-of-order writes.
func (s Store) AppendEvent(ctx context.Context, e domain.Event) (int64, error) {
	var payload any
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return 0, err
		}
		payload = string(data)
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO events(seq,type,investigation_id,ts,payload_json) VALUES (?,?,?,?,?)`,
		e.Seq, e.Type, e.InvestigationID, e.Timestamp, payload)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// EventsAfter returns events with global ids greater than the cursor in
// ascending order. An empty investigationID matches every investigation.
func (s Store) EventsAfter(ctx context.Context, limit int, cursor int64, investigationID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if investigationID != "" {
		clauses = append(clauses, "investigation_id=?")
		args = append(args, investigationID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,seq,type,investigation_id,ts,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.Seq, &e.Type, &e.InvestigationID, &e.Timestamp, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, err
			}
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestSeq returns the highest persisted seq for an investigation, 0 for
// a fresh one.
func (s Store) LatestSeq(ctx context.Context, investigationID string) (int64, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM events WHERE investigation_id=?`, investigationID)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// LatestEventID returns the most recent global event id.
func (s Store) LatestEventID(ctx context.Context) (int64, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// GetWebhookCursor reads a named delivery cursor, 0 when absent.
func (s Store) GetWebhookCursor(ctx context.Context, name string) (int64, error) {
	var cursor int64
	err := s.DB.QueryRowContext(ctx, `SELECT last_event_id FROM webhook_cursors WHERE name=?`, name).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cursor, err
}

func (s Store) SetWebhookCursor(ctx context.Context, name string, cursor int64, now string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(name,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`, name, cursor, now)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
