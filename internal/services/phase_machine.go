package services

import (
	"context"
	"fmt"

	"masterflow/backend/internal/flowerr"
	"masterflow/backend/pkg/models"
)

// PendingGapCounter supplies the live unresolved-gap count a decision-point
// phase branches on. The count must come from the source of truth, never a
// cached summary.
type PendingGapCounter interface {
	PendingGaps(ctx context.Context, domainFlowID string) (int, error)
}

// PhaseSpec declares one phase in a family's fixed ordered list.
type PhaseSpec struct {
	Name    string
	Next    string // empty for the terminal phase
	CanSkip bool
	// Decision, when set, makes this a decision point: the machine branches
	// on the live pending-gap count instead of following Next.
	Decision *DecisionSpec
}

// DecisionSpec names the two branches of a decision point.
type DecisionSpec struct {
	WhenPending string // next phase when unresolved gaps remain
	WhenReady   string // next phase when nothing is pending
}

// phasePlans is the closed set of per-family phase lists. It is data, not
// behavior: NewPhaseMachine validates it once at startup so a malformed plan
// can never be reached at execution time.
var phasePlans = map[models.FlowType][]PhaseSpec{
	models.FlowTypeCollection: {
		{Name: "initialization", Next: "asset_selection"},
		{Name: "asset_selection", Next: "auto_enrichment"},
		{Name: "auto_enrichment", Next: "gap_analysis", CanSkip: true},
		{Name: "gap_analysis", Next: "questionnaire_generation",
			Decision: &DecisionSpec{WhenPending: "questionnaire_generation", WhenReady: "finalization"}},
		{Name: "questionnaire_generation", Next: "manual_collection"},
		{Name: "manual_collection", Next: "finalization"},
		{Name: "finalization"},
	},
	models.FlowTypeDiscovery: {
		{Name: "initialization", Next: "source_scan"},
		{Name: "source_scan", Next: "asset_inventory"},
		{Name: "asset_inventory", Next: "classification"},
		{Name: "classification", Next: "finalization"},
		{Name: "finalization"},
	},
	models.FlowTypeAssessment: {
		{Name: "initialization", Next: "data_validation"},
		{Name: "data_validation", Next: "readiness_scoring"},
		{Name: "readiness_scoring", Next: "report_assembly"},
		{Name: "report_assembly", Next: "finalization"},
		{Name: "finalization"},
	},
}

// PhaseMachine validates transitions and computes next phases from the fixed
// per-family plans. Ordinary phases advance to their declared next; decision
// points branch on the live gap count.
type PhaseMachine struct {
	plans map[models.FlowType][]PhaseSpec
	gaps  PendingGapCounter
}

// NewPhaseMachine builds a machine over the closed plan set and validates
// every plan. A broken plan is a programming error surfaced at startup.
func NewPhaseMachine(gaps PendingGapCounter) (*PhaseMachine, error) {
	m := &PhaseMachine{plans: phasePlans, gaps: gaps}
	if err := m.validatePlans(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PhaseMachine) validatePlans() error {
	for family, plan := range m.plans {
		if len(plan) == 0 {
			return fmt.Errorf("phase plan for %s is empty", family)
		}
		names := make(map[string]bool, len(plan))
		for _, spec := range plan {
			if names[spec.Name] {
				return fmt.Errorf("phase plan for %s repeats phase %s", family, spec.Name)
			}
			names[spec.Name] = true
		}
		terminal := 0
		for _, spec := range plan {
			if spec.Next == "" {
				terminal++
				continue
			}
			if !names[spec.Next] {
				return fmt.Errorf("phase plan for %s: %s points at unknown phase %s", family, spec.Name, spec.Next)
			}
			if spec.Decision != nil {
				if !names[spec.Decision.WhenPending] || !names[spec.Decision.WhenReady] {
					return fmt.Errorf("phase plan for %s: decision on %s names an unknown phase", family, spec.Name)
				}
			}
		}
		if terminal != 1 {
			return fmt.Errorf("phase plan for %s must have exactly one terminal phase, has %d", family, terminal)
		}
	}
	return nil
}

// FirstPhase returns the entry phase for a family.
func (m *PhaseMachine) FirstPhase(family models.FlowType) (string, error) {
	plan, ok := m.plans[family]
	if !ok {
		return "", flowerr.New(flowerr.KindValidation, "unknown flow type %q", family)
	}
	return plan[0].Name, nil
}

// Spec returns the declaration of one phase within a family's plan.
func (m *PhaseMachine) Spec(family models.FlowType, phase string) (*PhaseSpec, error) {
	plan, ok := m.plans[family]
	if !ok {
		return nil, flowerr.New(flowerr.KindValidation, "unknown flow type %q", family)
	}
	for i := range plan {
		if plan[i].Name == phase {
			return &plan[i], nil
		}
	}
	return nil, flowerr.New(flowerr.KindValidation, "phase %q is not part of the %s plan", phase, family)
}

// phaseIndex returns a phase's position in the plan, or -1.
func (m *PhaseMachine) phaseIndex(family models.FlowType, phase string) int {
	for i, spec := range m.plans[family] {
		if spec.Name == phase {
			return i
		}
	}
	return -1
}

// ValidateTransition checks that executing phase now is legal for the flow's
// current position. The current phase may be re-run; an earlier completed
// phase only with force (the audit-logged rerun path); a later phase never.
func (m *PhaseMachine) ValidateTransition(family models.FlowType, currentPhase, phase string, force bool) error {
	if _, err := m.Spec(family, phase); err != nil {
		return err
	}
	cur := m.phaseIndex(family, currentPhase)
	req := m.phaseIndex(family, phase)
	if cur < 0 {
		return flowerr.New(flowerr.KindValidation, "flow is at unknown phase %q", currentPhase)
	}
	switch {
	case req == cur:
		return nil
	case req < cur && !force:
		return flowerr.New(flowerr.KindValidation,
			"phase %q is behind the current phase %q; re-running requires force", phase, currentPhase)
	case req < cur:
		return nil
	default:
		return flowerr.New(flowerr.KindValidation,
			"phase %q is ahead of the current phase %q", phase, currentPhase)
	}
}

// NextPhase computes the phase that follows a completed phase. For decision
// points it asks for a fresh pending-gap count and picks a branch; for the
// terminal phase it returns "".
func (m *PhaseMachine) NextPhase(ctx context.Context, family models.FlowType, phase, domainFlowID string) (string, error) {
	spec, err := m.Spec(family, phase)
	if err != nil {
		return "", err
	}
	if spec.Decision == nil {
		return spec.Next, nil
	}
	pending, err := m.gaps.PendingGaps(ctx, domainFlowID)
	if err != nil {
		return "", fmt.Errorf("pending gap count for decision at %s: %w", phase, err)
	}
	if pending > 0 {
		return spec.Decision.WhenPending, nil
	}
	return spec.Decision.WhenReady, nil
}

// IsTerminal reports whether a phase is the family's terminal phase.
func (m *PhaseMachine) IsTerminal(family models.FlowType, phase string) bool {
	spec, err := m.Spec(family, phase)
	return err == nil && spec.Next == "" && spec.Decision == nil
}

// Progress returns the completion percentage after finishing a phase.
func (m *PhaseMachine) Progress(family models.FlowType, phase string) float64 {
	plan, ok := m.plans[family]
	if !ok || len(plan) == 0 {
		return 0
	}
	idx := m.phaseIndex(family, phase)
	if idx < 0 {
		return 0
	}
	return float64(idx+1) / float64(len(plan)) * 100
}
