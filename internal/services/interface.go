// Package services contains the orchestration core: the phase state machine,
// the executor gateway, the incremental gap analyzer, the recovery handler,
// and the orchestrator facade composing them.
package services

import (
	"context"

	"masterflow/backend/pkg/models"
)

// Logger is the narrow logging interface components depend on.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// FlowContext identifies the flow a phase executes for.
type FlowContext struct {
	FlowID       string               `json:"flow_id"`
	DomainFlowID string               `json:"domain_flow_id"`
	FlowType     models.FlowType      `json:"flow_type"`
	Tenant       models.TenantContext `json:"tenant"`
}

// PhaseOutcome is the normalized result shape returned by the external
// phase-execution capability.
type PhaseOutcome struct {
	Status    string         `json:"status"` // success | failed
	Data      map[string]any `json:"data,omitempty"`
	NextPhase *string        `json:"next_phase,omitempty"`
	Insights  []string       `json:"insights,omitempty"`
}

// PhaseExecutor is the seam to the external phase-execution capability. It
// may take seconds to many minutes; implementations must honor ctx deadlines
// and must fail fast with a distinguishable error when the capability is
// unavailable rather than fabricating a result.
type PhaseExecutor interface {
	Execute(ctx context.Context, flowCtx FlowContext, phase string, input map[string]any) (*PhaseOutcome, error)
}

// DependencyProvider exposes the asset dependency graph. Used only by the
// thorough-mode gap analyzer; never mutated by it.
type DependencyProvider interface {
	GetDependencies(ctx context.Context, assetID string) ([]string, error)
}
