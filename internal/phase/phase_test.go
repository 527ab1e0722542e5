package phase_test

import (
	"testing"

	"caseline/internal/phase"
)

func TestForwardProgression(t *testing.T) {
	order := phase.All()
	// every forward neighbour up to ReadyToReport->Completed is legal
	for i := 0; i < len(order)-2; i++ {
		from, to := order[i], order[i+1]
		if got := phase.Validate(from, to, false); got != phase.OK {
			t.Fatalf("forward %s -> %s: got %v, want OK", from, to, got)
		}
	}
}

func TestErrorReachableFromAnywhere(t *testing.T) {
	for _, p := range phase.All() {
		if p == phase.Error || p == phase.Completed {
			continue
		}
		if got := phase.Validate(p, phase.Error, false); got != phase.OK {
			t.Fatalf("%s -> error: got %v, want OK", p, got)
		}
	}
}

func TestIllegalSkipsAhead(t *testing.T) {
	if got := phase.Validate(phase.Initial, phase.Analysis, false); got != phase.Illegal {
		t.Fatalf("initial -> analysis: got %v, want Illegal", got)
	}
	legal := phase.Legal(phase.Initial)
	if len(legal) != 2 {
		t.Fatalf("unexpected legal set for initial: %v", legal)
	}
}

func TestRegressionNeedsConfirmation(t *testing.T) {
	if got := phase.Validate(phase.Analysis, phase.CollectionExecution, false); got != phase.NeedsConfirmation {
		t.Fatalf("unconfirmed regression: got %v", got)
	}
	// identical request with the token succeeds
	if got := phase.Validate(phase.Analysis, phase.CollectionExecution, true); got != phase.OK {
		t.Fatalf("confirmed regression: got %v", got)
	}
}

func TestRestartEdges(t *testing.T) {
	for _, terminal := range []phase.Phase{phase.Completed, phase.Error} {
		if got := phase.Validate(terminal, phase.Initial, true); got != phase.OK {
			t.Fatalf("%s -> initial with token: got %v", terminal, got)
		}
		if got := phase.Validate(terminal, phase.Initial, false); got != phase.NeedsConfirmation {
			t.Fatalf("%s -> initial without token: got %v", terminal, got)
		}
	}
	if got := phase.Validate(phase.Completed, phase.Analysis, true); got != phase.Illegal {
		t.Fatalf("completed is terminal apart from restart: got %v", got)
	}
}

func TestSelfTransitionIsNoOp(t *testing.T) {
	if got := phase.Validate(phase.Analysis, phase.Analysis, false); got != phase.NoOp {
		t.Fatalf("self transition: got %v", got)
	}
}

func TestUnknownPhase(t *testing.T) {
	if got := phase.Validate(phase.Initial, phase.Phase("daydreaming"), false); got != phase.Unknown {
		t.Fatalf("unknown destination: got %v", got)
	}
	if phase.Valid("daydreaming") {
		t.Fatal("daydreaming should not validate")
	}
	if phase.Index("daydreaming") != -1 {
		t.Fatal("unknown phase should have index -1")
	}
}

func TestRegressiveOrdering(t *testing.T) {
	if !phase.Regressive(phase.Synthesis, phase.Analysis) {
		t.Fatal("synthesis -> analysis should be regressive")
	}
	if phase.Regressive(phase.Analysis, phase.Synthesis) {
		t.Fatal("analysis -> synthesis should not be regressive")
	}
}
