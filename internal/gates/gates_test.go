package gates_test

import (
	"errors"
	"testing"
	"time"

	"caseline/internal/domain"
	"caseline/internal/gates"
)

func TestRequestAndResolve(t *testing.T) {
	m := gates.NewManager(nil)
	req, err := m.Request("inv-1", "transition:analysis->synthesis", 0)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Resolved() || req.TimeoutAt != nil {
		t.Fatalf("fresh request should be open with no deadline: %+v", req)
	}
	got, err := m.Resolve(req.ID, true, "lead-analyst")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !got.Resolved() || !got.Resolution.Approved || got.Resolution.Resolver != "lead-analyst" {
		t.Fatalf("unexpected resolution: %+v", got.Resolution)
	}
}

func TestResolveTwiceFails(t *testing.T) {
	m := gates.NewManager(nil)
	req, _ := m.Request("inv-1", "report", 0)
	if _, err := m.Resolve(req.ID, false, "reviewer"); err != nil {
		t.Fatal(err)
	}
	got, err := m.Resolve(req.ID, true, "reviewer")
	if !errors.Is(err, gates.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if got.Resolution.Approved {
		t.Fatal("second resolution must not overwrite the first")
	}
}

func TestUnknownApproval(t *testing.T) {
	m := gates.NewManager(nil)
	if _, err := m.Resolve("ghost", true, "x"); !errors.Is(err, gates.ErrUnknownApproval) {
		t.Fatalf("expected ErrUnknownApproval, got %v", err)
	}
	if _, err := m.Get("ghost"); !errors.Is(err, gates.ErrUnknownApproval) {
		t.Fatalf("expected ErrUnknownApproval, got %v", err)
	}
}

func TestTimeoutAutoDenies(t *testing.T) {
	resolved := make(chan domain.ApprovalRequest, 1)
	m := gates.NewManager(func(r domain.ApprovalRequest) { resolved <- r })
	req, err := m.Request("inv-1", "destructive-collection", 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-resolved:
		if got.ID != req.ID {
			t.Fatalf("resolved wrong request: %s", got.ID)
		}
		if got.Resolution.Approved || got.Resolution.Resolver != domain.TimeoutResolver {
			t.Fatalf("timeout must deny with the system resolver: %+v", got.Resolution)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	if _, err := m.Resolve(req.ID, true, "late-human"); !errors.Is(err, gates.ErrAlreadyResolved) {
		t.Fatalf("late human resolution should fail, got %v", err)
	}
}

func TestLazyExpiryOnRead(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := gates.NewManager(nil)
	m.Now = func() time.Time { return now }
	req, err := m.Request("inv-1", "report", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	// the wall-clock timer has a minute to go, but the frozen clock jumps past it
	now = now.Add(2 * time.Minute)
	got, err := m.Get(req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Resolved() || got.Resolution.Resolver != domain.TimeoutResolver {
		t.Fatalf("read past the deadline should deny: %+v", got)
	}
}

func TestOpenSkipsResolvedAndLapsed(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := gates.NewManager(nil)
	m.Now = func() time.Time { return now }
	settled, _ := m.Request("inv-1", "a", 0)
	lapsing, _ := m.Request("inv-1", "b", time.Minute)
	open, _ := m.Request("inv-1", "c", time.Hour)
	other, _ := m.Request("inv-2", "d", 0)
	if _, err := m.Resolve(settled.ID, true, "human"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(10 * time.Minute)
	got := m.Open("inv-1")
	if len(got) != 1 || got[0].ID != open.ID {
		t.Fatalf("open = %+v, want only %s", got, open.ID)
	}
	if lapsed, _ := m.Get(lapsing.ID); !lapsed.Resolved() {
		t.Fatal("lapsed request should have been denied during the sweep")
	}
	if all := m.List("inv-2"); len(all) != 1 || all[0].ID != other.ID {
		t.Fatalf("list filter broken: %+v", all)
	}
}
