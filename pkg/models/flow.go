// Package models defines the domain models for the flow orchestration service.
package models

import (
	"time"
)

// FlowType identifies which workflow family a flow belongs to.
type FlowType string

const (
	FlowTypeDiscovery  FlowType = "discovery"
	FlowTypeCollection FlowType = "collection"
	FlowTypeAssessment FlowType = "assessment"
)

// KnownFlowTypes lists every family the orchestrator accepts.
var KnownFlowTypes = []FlowType{FlowTypeDiscovery, FlowTypeCollection, FlowTypeAssessment}

// FlowStatus represents the lifecycle state of a master flow.
type FlowStatus string

const (
	FlowStatusInitializing FlowStatus = "initializing"
	FlowStatusRunning      FlowStatus = "running"
	FlowStatusPaused       FlowStatus = "paused"
	FlowStatusCompleted    FlowStatus = "completed"
	FlowStatusFailed       FlowStatus = "failed"
	FlowStatusCancelled    FlowStatus = "cancelled"
)

// Terminal reports whether the status permits no further phase execution.
func (s FlowStatus) Terminal() bool {
	return s == FlowStatusCompleted || s == FlowStatusFailed || s == FlowStatusCancelled
}

// TransitionStatus is the outcome recorded for a single phase transition.
type TransitionStatus string

const (
	TransitionInitializing TransitionStatus = "initializing"

	TransitionStarted   TransitionStatus = "started"
	TransitionCompleted TransitionStatus = "completed"
	TransitionSkipped   TransitionStatus = "skipped"
	TransitionFailed    TransitionStatus = "failed"
	TransitionPaused    TransitionStatus = "paused"
	TransitionResumed   TransitionStatus = "resumed"
	TransitionCancelled TransitionStatus = "cancelled"
)

// PhaseTransition is one entry in the append-only audit trail.
type PhaseTransition struct {
	Phase     string            `json:"phase"`
	Status    TransitionStatus  `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checkpoint is a persisted snapshot enabling resumption after pause or
// crash. The last entry in MasterFlow.Checkpoints is the latest resumable
// state.
type Checkpoint struct {
	CheckpointID string         `json:"checkpoint_id"`
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ErrorEvent is one entry in a flow's error history.
type ErrorEvent struct {
	Phase            string    `json:"phase"`
	ErrorKind        string    `json:"error_kind"`
	Message          string    `json:"message"`
	Recoverable      bool      `json:"recoverable"`
	RecoveryStrategy string    `json:"recovery_strategy,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// PhaseResult is the structured output of a completed phase, kept so a
// retried execute call can replay it without re-executing.
type PhaseResult struct {
	Phase       string         `json:"phase"`
	Status      string         `json:"status"`
	Data        map[string]any `json:"data,omitempty"`
	NextPhase   *string        `json:"next_phase,omitempty"`
	Insights    []string       `json:"insights,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// MasterFlow is the tenant-scoped registry record and single source of truth
// for a workflow's status and history.
type MasterFlow struct {
	ID             string        `json:"id"`
	Tenant         TenantContext `json:"tenant"`
	FlowType       FlowType      `json:"flow_type"`
	FlowStatus     FlowStatus    `json:"flow_status"`
	FlowName       string        `json:"flow_name"`
	IdempotencyKey string        `json:"idempotency_key"`

	Configuration map[string]any `json:"configuration,omitempty"`

	// PhaseTransitions is append-only: entries are never rewritten.
	PhaseTransitions []PhaseTransition `json:"phase_transitions"`
	// ExecutionTimes maps phase name to its last observed duration.
	ExecutionTimes map[string]time.Duration `json:"execution_times,omitempty"`
	Checkpoints    []Checkpoint             `json:"checkpoints,omitempty"`
	ErrorHistory   []ErrorEvent             `json:"error_history,omitempty"`
	// PhaseResults holds the latest completed result per phase.
	PhaseResults map[string]PhaseResult `json:"phase_results,omitempty"`

	// Version guards optimistic concurrency on every mutation.
	Version int64 `json:"version"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"-"`
}

// LatestCheckpoint returns the most recent checkpoint, or nil if none exists.
func (m *MasterFlow) LatestCheckpoint() *Checkpoint {
	if len(m.Checkpoints) == 0 {
		return nil
	}
	return &m.Checkpoints[len(m.Checkpoints)-1]
}

// LastTransition returns the most recent transition entry, or nil.
func (m *MasterFlow) LastTransition() *PhaseTransition {
	if len(m.PhaseTransitions) == 0 {
		return nil
	}
	return &m.PhaseTransitions[len(m.PhaseTransitions)-1]
}

// DomainFlow is the family-specific record holding phase payload, linked 1:1
// to its MasterFlow. MasterFlow is authoritative on status conflicts.
type DomainFlow struct {
	ID           string   `json:"id"`
	MasterFlowID string   `json:"master_flow_id"`
	FlowFamily   FlowType `json:"flow_family"`

	CurrentPhase       string     `json:"current_phase"`
	Status             FlowStatus `json:"status"`
	ProgressPercentage float64    `json:"progress_percentage"`

	Payload  map[string]any `json:"payload,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
