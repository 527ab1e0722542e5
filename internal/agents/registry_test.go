package agents_test

import (
	"errors"
	"testing"
	"time"

	"caseline/internal/agents"
	"caseline/internal/domain"
)

func frozenRegistry(onChange agents.ChangeFunc) *agents.Registry {
	r := agents.NewRegistry(onChange)
	r.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return r
}

func TestRegisterDuplicate(t *testing.T) {
	r := frozenRegistry(nil)
	if _, err := r.Register(domain.AgentAssignment{AgentID: "a1", Capability: domain.CapabilityCollection}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := r.Register(domain.AgentAssignment{AgentID: "a1", Capability: domain.CapabilityCollection})
	if !errors.Is(err, agents.ErrDuplicateAgent) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestFreshAgentSuccessRate(t *testing.T) {
	r := frozenRegistry(nil)
	a, err := r.Register(domain.AgentAssignment{AgentID: "a1", Capability: domain.CapabilityAnalysis})
	if err != nil {
		t.Fatal(err)
	}
	if a.Metrics.SuccessRate != 1.0 {
		t.Fatalf("zero-task success rate = %v, want 1.0", a.Metrics.SuccessRate)
	}
	if a.Status != domain.AgentIdle {
		t.Fatalf("fresh agent status = %s, want idle", a.Status)
	}
}

func TestRecordOutcomeMetrics(t *testing.T) {
	r := frozenRegistry(nil)
	if _, err := r.Register(domain.AgentAssignment{AgentID: "a1", Capability: domain.CapabilityAnalysis}); err != nil {
		t.Fatal(err)
	}
	a, err := r.RecordOutcome("a1", "t1", false, 4*time.Second)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if a.Metrics.SuccessRate != 0.0 {
		t.Fatalf("one failure out of one: success rate = %v, want 0.0", a.Metrics.SuccessRate)
	}
	a, err = r.RecordOutcome("a1", "t2", true, 8*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if a.Metrics.SuccessRate != 0.5 {
		t.Fatalf("one of two succeeded: success rate = %v, want 0.5", a.Metrics.SuccessRate)
	}
	if a.Metrics.AverageTaskSecs != 6.0 {
		t.Fatalf("average = %v, want 6.0", a.Metrics.AverageTaskSecs)
	}
	if a.Status != domain.AgentIdle || a.CurrentTaskID != nil {
		t.Fatal("outcome should return the agent to idle with no bound task")
	}
}

func TestUnknownAgent(t *testing.T) {
	r := frozenRegistry(nil)
	if _, err := r.UpdateStatus("ghost", domain.AgentBusy, nil); !errors.Is(err, agents.ErrUnknownAgent) {
		t.Fatalf("expected unknown agent, got %v", err)
	}
	if _, err := r.RecordOutcome("ghost", "t", true, time.Second); !errors.Is(err, agents.ErrUnknownAgent) {
		t.Fatalf("expected unknown agent, got %v", err)
	}
	if err := r.Remove("ghost"); !errors.Is(err, agents.ErrUnknownAgent) {
		t.Fatalf("expected unknown agent, got %v", err)
	}
}

func TestEveryMutationNotifies(t *testing.T) {
	var seen []domain.AgentStatus
	r := frozenRegistry(func(a domain.AgentAssignment) { seen = append(seen, a.Status) })
	if _, err := r.Register(domain.AgentAssignment{AgentID: "a1", Capability: domain.CapabilityReporting}); err != nil {
		t.Fatal(err)
	}
	task := "t1"
	if _, err := r.UpdateStatus("a1", domain.AgentBusy, &task); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RecordOutcome("a1", task, true, time.Second); err != nil {
		t.Fatal(err)
	}
	want := []domain.AgentStatus{domain.AgentIdle, domain.AgentBusy, domain.AgentIdle}
	if len(seen) != len(want) {
		t.Fatalf("got %d notifications, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("notification %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestIdleSelectionPool(t *testing.T) {
	r := frozenRegistry(nil)
	for _, id := range []string{"c1", "c2", "c3"} {
		if _, err := r.Register(domain.AgentAssignment{AgentID: id, Capability: domain.CapabilityCollection}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.Register(domain.AgentAssignment{AgentID: "p1", Capability: domain.CapabilityPlanning}); err != nil {
		t.Fatal(err)
	}
	task := "t1"
	if _, err := r.UpdateStatus("c2", domain.AgentBusy, &task); err != nil {
		t.Fatal(err)
	}
	pool := r.IdleByCapability(domain.CapabilityCollection)
	if len(pool) != 2 || pool[0] != "c1" || pool[1] != "c3" {
		t.Fatalf("idle pool = %v, want [c1 c3] in registration order", pool)
	}
	if got := r.List(domain.CapabilityPlanning); len(got) != 1 {
		t.Fatalf("capability filter returned %d agents", len(got))
	}
	if got := r.List(""); len(got) != 4 {
		t.Fatalf("unfiltered list returned %d agents", len(got))
	}
}
