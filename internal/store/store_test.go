package store_test

import (
	"context"
	"errors"
	"testing"

	"caseline/internal/domain"
	"caseline/internal/store"
)

func openStore(t *testing.T) store.Store {
	t.Helper()
	db, err := store.Open(store.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.Store{DB: db}
}

func TestInvestigationRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	inv := domain.Investigation{
		ID:    "inv-1",
		Title: "supply chain breach",
		Phase: "source_collection",
		PhaseHistory: []domain.PhaseEntry{
			{Phase: "initial", EnteredAt: "2024-01-01T00:00:00Z", Actor: "operator"},
		},
		Targets:   []string{"registry.example.com"},
		CreatedAt: "2024-01-01T00:00:00Z",
		UpdatedAt: "2024-01-01T00:05:00Z",
	}
	if err := s.SaveInvestigation(ctx, inv); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetInvestigation(ctx, "inv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != inv.Title || got.Phase != inv.Phase || len(got.PhaseHistory) != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	// upsert replaces the aggregate
	inv.Phase = "source_validation"
	if err := s.SaveInvestigation(ctx, inv); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetInvestigation(ctx, "inv-1")
	if got.Phase != "source_validation" {
		t.Fatalf("upsert did not replace phase: %s", got.Phase)
	}
	if _, err := s.GetInvestigation(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEventLogOrdering(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for seq := int64(1); seq <= 3; seq++ {
		if _, err := s.AppendEvent(ctx, domain.Event{
			Seq:             seq,
			Type:            domain.EventTaskProgress,
			InvestigationID: "inv-1",
			Timestamp:       "2024-01-01T00:00:00Z",
			Payload:         map[string]any{"progress": seq * 10},
		}); err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
	}
	// duplicate seq for the same investigation must be rejected
	if _, err := s.AppendEvent(ctx, domain.Event{Seq: 2, Type: "x", InvestigationID: "inv-1", Timestamp: "2024-01-01T00:00:00Z"}); err == nil {
		t.Fatal("duplicate seq should violate the unique constraint")
	}
	// same seq on another investigation is fine
	if _, err := s.AppendEvent(ctx, domain.Event{Seq: 2, Type: "x", InvestigationID: "inv-2", Timestamp: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("independent streams should not collide: %v", err)
	}
	events, err := s.EventsAfter(ctx, 10, 0, "inv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, e.Seq)
		}
	}
	after, err := s.EventsAfter(ctx, 10, events[1].ID, "inv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 1 || after[0].Seq != 3 {
		t.Fatalf("cursor should skip consumed events: %+v", after)
	}
	seq, err := s.LatestSeq(ctx, "inv-1")
	if err != nil || seq != 3 {
		t.Fatalf("latest seq = %d err %v", seq, err)
	}
	if seq, _ := s.LatestSeq(ctx, "fresh"); seq != 0 {
		t.Fatalf("fresh investigation seq = %d, want 0", seq)
	}
}

func TestTransitionAudit(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	recs := []domain.TransitionRecord{
		{InvestigationID: "inv-1", FromPhase: "initial", ToPhase: "source_collection", RequestedBy: "operator", Accepted: true, Timestamp: "2024-01-01T00:00:00Z"},
		{InvestigationID: "inv-1", FromPhase: "source_collection", ToPhase: "analysis", RequestedBy: "operator", Accepted: false, Error: "illegal transition", Timestamp: "2024-01-01T00:01:00Z"},
	}
	for _, rec := range recs {
		if err := s.InsertTransition(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	got, err := s.ListTransitions(ctx, "inv-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	// newest first
	if got[0].Accepted || got[0].Error != "illegal transition" {
		t.Fatalf("rejected attempt should be first and carry its error: %+v", got[0])
	}
}

func TestTaskPersistence(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	agent := "c1"
	task := domain.Task{
		ID:              "t1",
		InvestigationID: "inv-1",
		AgentID:         &agent,
		Capability:      domain.CapabilityCollection,
		Description:     "crawl forums",
		Priority:        domain.PriorityHigh,
		Status:          domain.TaskInProgress,
		Progress:        40,
		CreatedAt:       "2024-01-01T00:00:00Z",
	}
	if err := s.UpsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	resolved := "2024-01-01T00:10:00Z"
	ref := "evidence-9"
	task.Status = domain.TaskCompleted
	task.Progress = 100
	task.ResultRef = &ref
	task.ResolvedAt = &resolved
	if err := s.UpsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskCompleted || got.ResultRef == nil || *got.ResultRef != "evidence-9" {
		t.Fatalf("terminal state not persisted: %+v", got)
	}
	open, err := s.ListTasks(ctx, "inv-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Fatalf("completed task listed as open: %+v", open)
	}
}

func TestApprovalPersistence(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	deadline := "2024-01-01T01:00:00Z"
	req := domain.ApprovalRequest{
		ID:              "ap-1",
		InvestigationID: "inv-1",
		Action:          "report",
		RequestedAt:     "2024-01-01T00:00:00Z",
		TimeoutAt:       &deadline,
	}
	if err := s.UpsertApproval(ctx, req); err != nil {
		t.Fatal(err)
	}
	req.Resolution = &domain.ApprovalResolution{Approved: false, Resolver: domain.TimeoutResolver, ResolvedAt: deadline}
	if err := s.UpsertApproval(ctx, req); err != nil {
		t.Fatal(err)
	}
	got, err := s.ListApprovals(ctx, "inv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Resolution == nil || got[0].Resolution.Resolver != domain.TimeoutResolver {
		t.Fatalf("resolution not persisted: %+v", got)
	}
}

func TestWebhookCursor(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	cursor, err := s.GetWebhookCursor(ctx, "hook-1")
	if err != nil || cursor != 0 {
		t.Fatalf("missing cursor should read 0, got %d err %v", cursor, err)
	}
	if err := s.SetWebhookCursor(ctx, "hook-1", 42, "2024-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetWebhookCursor(ctx, "hook-1", 43, "2024-01-01T00:01:00Z"); err != nil {
		t.Fatal(err)
	}
	cursor, err = s.GetWebhookCursor(ctx, "hook-1")
	if err != nil || cursor != 43 {
		t.Fatalf("cursor = %d err %v, want 43", cursor, err)
	}
}
