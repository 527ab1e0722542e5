// Package phase defines the investigation pipeline phases and the legal
// transition graph between them. Validation is pure: it never touches
// engine state beyond what the caller passes in.
package phase

// Phase is one named stage of the investigation pipeline.
type Phase string

const (
	Initial               Phase = "initial"
	SourceCollection      Phase = "source_collection"
	SourceValidation      Phase = "source_validation"
	RequirementDefinition Phase = "requirement_definition"
	RequirementValidation Phase = "requirement_validation"
	CollectionExecution   Phase = "collection_execution"
	Analysis              Phase = "analysis"
	Synthesis             Phase = "synthesis"
	ReadyToReport         Phase = "ready_to_report"
	Completed             Phase = "completed"
	Error                 Phase = "error"
)

// pipeline is the canonical order. Regression is defined against this order.
var pipeline = []Phase{
	Initial,
	SourceCollection,
	SourceValidation,
	RequirementDefinition,
	RequirementValidation,
	CollectionExecution,
	Analysis,
	Synthesis,
	ReadyToReport,
	Completed,
	Error,
}

// transitions maps each phase to its legal destinations: the next pipeline
// stage, one step back for correction, and Error from anywhere. Completed
// and Error are terminal except for an explicit restart to Initial.
var transitions = map[Phase][]Phase{
	Initial:               {SourceCollection, Error},
	SourceCollection:      {SourceValidation, Initial, Error},
	SourceValidation:      {RequirementDefinition, SourceCollection, Error},
	RequirementDefinition: {RequirementValidation, SourceValidation, Error},
	RequirementValidation: {CollectionExecution, RequirementDefinition, Error},
	CollectionExecution:   {Analysis, RequirementValidation, Error},
	Analysis:              {Synthesis, CollectionExecution, Error},
	Synthesis:             {ReadyToReport, Analysis, Error},
	ReadyToReport:         {Completed, Synthesis, Error},
	Completed:             {Initial},
	Error:                 {Initial},
}

// All returns every phase in pipeline order.
func All() []Phase {
	return append([]Phase(nil), pipeline...)
}

// Valid reports whether p is a member of the closed phase set.
func Valid(p Phase) bool {
	_, ok := transitions[p]
	return ok
}

// Index returns the pipeline position of p, or -1 for an unknown phase.
func Index(p Phase) int {
	for i, candidate := range pipeline {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Legal returns the legal destinations from p.
func Legal(p Phase) []Phase {
	return append([]Phase(nil), transitions[p]...)
}

// Regressive reports whether moving from -> to goes to an earlier pipeline
// stage. Error never counts as a forward stage, so leaving it is regressive
// only by the restart edge, which points at Initial anyway.
func Regressive(from, to Phase) bool {
	fi, ti := Index(from), Index(to)
	if fi < 0 || ti < 0 {
		return false
	}
	return ti < fi
}

// Strings converts a phase slice for error payloads and event bodies.
func Strings(phases []Phase) []string {
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = string(p)
	}
	return out
}

// Check is the transition validator verdict.
type Check int

const (
	// OK means the transition is legal as requested.
	OK Check = iota
	// NoOp means the destination equals the current phase.
	NoOp
	// Illegal means the destination is not in the legal set; consult Legal.
	Illegal
	// NeedsConfirmation means the move is regressive and the caller did not
	// supply an explicit confirmation token.
	NeedsConfirmation
	// Unknown means the destination is not a member of the phase set at all.
	Unknown
)

// Validate decides whether current -> target is allowed. confirmed is the
// caller's explicit token for regressive moves. Approval gating is layered
// on top by the orchestration core; this function is policy over the graph
// only.
func Validate(current, target Phase, confirmed bool) Check {
	if !Valid(target) {
		return Unknown
	}
	if target == current {
		return NoOp
	}
	legal := false
	for _, dest := range transitions[current] {
		if dest == target {
			legal = true
			break
		}
	}
	if !legal {
		return Illegal
	}
	if Regressive(current, target) && !confirmed {
		return NeedsConfirmation
	}
	return OK
}
