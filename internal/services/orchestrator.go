package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"masterflow/backend/internal/flowerr"
	"masterflow/backend/internal/repository"
	"masterflow/backend/pkg/models"
)

// Orchestrator is the public entry point for flow coordination. It owns its
// collaborators explicitly; nothing is reached through package-level state.
type Orchestrator struct {
	pool     repository.TxBeginner
	masters  repository.MasterFlowStore
	domains  repository.DomainFlowStore
	gaps     repository.GapStore
	machine  *PhaseMachine
	executor PhaseExecutor
	analyzer *GapAnalyzer
	recovery *RecoveryHandler
	logger   Logger
	tracer   trace.Tracer

	phaseDuration metric.Float64Histogram
}

// NewOrchestrator creates an Orchestrator. pool may be nil when the stores
// handle their own transactionality (unit tests with mocks).
func NewOrchestrator(
	pool repository.TxBeginner,
	masters repository.MasterFlowStore,
	domains repository.DomainFlowStore,
	gaps repository.GapStore,
	machine *PhaseMachine,
	executor PhaseExecutor,
	analyzer *GapAnalyzer,
	recovery *RecoveryHandler,
	logger Logger,
) *Orchestrator {
	phaseDuration, err := otel.Meter("masterflow/orchestrator").Float64Histogram(
		"masterflow.phase.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall-clock duration of phase executions"))
	if err != nil {
		logger.Warn("phase duration histogram unavailable", "error", err)
	}
	return &Orchestrator{
		pool:          pool,
		masters:       masters,
		domains:       domains,
		gaps:          gaps,
		machine:       machine,
		executor:      executor,
		analyzer:      analyzer,
		recovery:      recovery,
		logger:        logger,
		tracer:        otel.Tracer("masterflow/orchestrator"),
		phaseDuration: phaseDuration,
	}
}

// CreateFlowRequest carries everything needed to register a new flow.
type CreateFlowRequest struct {
	FlowType       models.FlowType
	FlowName       string
	IdempotencyKey string
	Configuration  map[string]any
	// InitialState seeds the domain flow payload (asset ids, field mappings).
	InitialState map[string]any
	// Tx, when non-nil, is a caller-owned transaction: the registry issues
	// no commit of its own.
	Tx repository.Querier
}

// CreateFlow registers a master flow and its domain counterpart atomically.
// The master flow is flushed first so the domain row's foreign key is
// satisfiable.
func (o *Orchestrator) CreateFlow(ctx context.Context, tenant models.TenantContext, req CreateFlowRequest) (*models.MasterFlow, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.create_flow",
		trace.WithAttributes(attribute.String("flow.type", string(req.FlowType))))
	defer span.End()

	if !tenant.Valid() {
		return nil, o.fail(span, flowerr.New(flowerr.KindValidation, "tenant context is incomplete"))
	}
	firstPhase, err := o.machine.FirstPhase(req.FlowType)
	if err != nil {
		return nil, o.fail(span, err)
	}
	if req.FlowName == "" {
		return nil, o.fail(span, flowerr.New(flowerr.KindValidation, "flow name is required"))
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	} else if existing, err := o.masters.GetByIdempotencyKey(ctx, tenant, req.IdempotencyKey); err != nil {
		return nil, o.fail(span, err)
	} else if existing != nil {
		return nil, o.fail(span, flowerr.New(flowerr.KindDuplicateFlow,
			"flow with idempotency key %q already exists", req.IdempotencyKey))
	}

	now := time.Now().UTC()
	master := &models.MasterFlow{
		ID:             uuid.New().String(),
		Tenant:         tenant,
		FlowType:       req.FlowType,
		FlowStatus:     models.FlowStatusInitializing,
		FlowName:       req.FlowName,
		IdempotencyKey: req.IdempotencyKey,
		Configuration:  req.Configuration,
		PhaseTransitions: []models.PhaseTransition{{
			Phase:     firstPhase,
			Status:    models.TransitionInitializing,
			Timestamp: now,
		}},
	}
	domain := &models.DomainFlow{
		ID:           uuid.New().String(),
		MasterFlowID: master.ID,
		FlowFamily:   req.FlowType,
		CurrentPhase: firstPhase,
		Status:       models.FlowStatusInitializing,
		Payload:      req.InitialState,
	}

	q := req.Tx
	var own pgx.Tx
	if q == nil && o.pool != nil {
		tx, err := o.pool.Begin(ctx)
		if err != nil {
			return nil, o.fail(span, fmt.Errorf("begin create transaction: %w", err))
		}
		defer tx.Rollback(ctx)
		q = tx
		own = tx
	}

	if err := o.masters.Create(ctx, q, master); err != nil {
		return nil, o.fail(span, err)
	}
	if err := o.domains.Create(ctx, q, domain); err != nil {
		return nil, o.fail(span, err)
	}

	if own != nil {
		if err := own.Commit(ctx); err != nil {
			return nil, o.fail(span, fmt.Errorf("commit create transaction: %w", err))
		}
	}

	o.logger.Info("flow created", "flow_id", master.ID, "flow_type", master.FlowType,
		"client_account_id", tenant.ClientAccountID)
	span.SetAttributes(attribute.String("flow.id", master.ID))
	return master, nil
}

// ExecutePhase validates, claims, and runs one phase of a flow, persisting
// the transition and the structured result. A retried call on an already
// completed phase replays the stored result unless force is set.
func (o *Orchestrator) ExecutePhase(ctx context.Context, tenant models.TenantContext, flowID, phase string, input map[string]any, force bool) (*models.PhaseResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute_phase",
		trace.WithAttributes(attribute.String("flow.id", flowID), attribute.String("flow.phase", phase)))
	defer span.End()

	master, err := o.masters.Get(ctx, tenant, flowID)
	if err != nil {
		return nil, o.fail(span, err)
	}

	switch master.FlowStatus {
	case models.FlowStatusCancelled:
		return nil, o.fail(span, flowerr.New(flowerr.KindValidation, "flow %s is cancelled", flowID))
	case models.FlowStatusCompleted:
		if !force {
			if prior, ok := master.PhaseResults[phase]; ok {
				return &prior, nil
			}
			return nil, o.fail(span, flowerr.New(flowerr.KindValidation, "flow %s is completed", flowID))
		}
	case models.FlowStatusPaused:
		return nil, o.fail(span, flowerr.New(flowerr.KindValidation, "flow %s is paused; resume it first", flowID))
	case models.FlowStatusFailed:
		if !force {
			return nil, o.fail(span, flowerr.New(flowerr.KindValidation,
				"flow %s is failed; re-run requires force", flowID))
		}
	}

	// Idempotent replay: a completed phase returns its stored result without
	// re-executing or appending anything.
	if prior, ok := master.PhaseResults[phase]; ok && !force {
		return &prior, nil
	}

	domain, err := o.domains.GetByMasterFlowID(ctx, master.ID)
	if err != nil {
		return nil, o.fail(span, err)
	}
	if err := o.machine.ValidateTransition(master.FlowType, domain.CurrentPhase, phase, force); err != nil {
		return nil, o.fail(span, err)
	}

	// A phase already in flight rejects fast rather than blocking.
	if last := master.LastTransition(); last != nil && last.Status == models.TransitionStarted {
		return nil, o.fail(span, flowerr.New(flowerr.KindConflict,
			"flow %s is already executing phase %s", flowID, last.Phase))
	}

	// Claim the phase with an optimistic write; a concurrent claimant loses
	// the version race and fails with a conflict.
	master.FlowStatus = models.FlowStatusRunning
	master.PhaseTransitions = append(master.PhaseTransitions, models.PhaseTransition{
		Phase:     phase,
		Status:    models.TransitionStarted,
		Timestamp: time.Now().UTC(),
	})
	if err := o.masters.Update(ctx, master); err != nil {
		return nil, o.fail(span, err)
	}

	spec, err := o.machine.Spec(master.FlowType, phase)
	if err != nil {
		return nil, o.fail(span, err)
	}

	if spec.CanSkip && skipRequested(master.Configuration, phase) {
		return o.skipPhase(ctx, span, master, domain, phase)
	}

	flowCtx := FlowContext{
		FlowID:       master.ID,
		DomainFlowID: domain.ID,
		FlowType:     master.FlowType,
		Tenant:       tenant,
	}

	var cached *models.PhaseResult
	if prior, ok := master.PhaseResults[phase]; ok {
		cached = &prior
	}

	started := time.Now()
	outcome, events, execErr := o.recovery.Execute(ctx, o.executor, flowCtx, phase, input, cached)
	elapsed := time.Since(started)
	if o.phaseDuration != nil {
		o.phaseDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("flow.type", string(master.FlowType)),
			attribute.String("flow.phase", phase),
			attribute.Bool("flow.phase_failed", execErr != nil)))
	}

	if execErr != nil {
		return nil, o.failPhase(ctx, span, master, phase, events, execErr)
	}

	// A decision-point phase recomputes gaps from the store before the
	// branch is chosen, so the count reflects this execution's writes.
	if spec.Decision != nil {
		analysis, err := o.analyzer.Analyze(ctx, domain.ID, analysisTargets(outcome, domain), analysisMode(master.Configuration))
		if err != nil {
			return nil, o.failPhase(ctx, span, master, phase, events,
				flowerr.Wrap(flowerr.KindTransientExecution, err, "gap recomputation failed for phase %s", phase))
		}
		if outcome.Data == nil {
			outcome.Data = map[string]any{}
		}
		outcome.Data["gap_analysis"] = analysis
	}

	next, err := o.machine.NextPhase(ctx, master.FlowType, phase, domain.ID)
	if err != nil {
		return nil, o.failPhase(ctx, span, master, phase, events,
			flowerr.Wrap(flowerr.KindTransientExecution, err, "next phase computation failed"))
	}

	result := models.PhaseResult{
		Phase:       phase,
		Status:      outcome.Status,
		Data:        outcome.Data,
		Insights:    outcome.Insights,
		CompletedAt: time.Now().UTC(),
	}
	if next != "" {
		result.NextPhase = &next
	}

	terminal := next == ""
	persistErr := o.mutateMaster(ctx, master, func(m *models.MasterFlow) {
		now := time.Now().UTC()
		m.PhaseTransitions = append(m.PhaseTransitions, models.PhaseTransition{
			Phase: phase, Status: models.TransitionCompleted, Timestamp: now,
		})
		if next != "" {
			m.PhaseTransitions = append(m.PhaseTransitions, models.PhaseTransition{
				Phase: next, Status: models.TransitionInitializing, Timestamp: now,
			})
		}
		if m.ExecutionTimes == nil {
			m.ExecutionTimes = map[string]time.Duration{}
		}
		m.ExecutionTimes[phase] = elapsed
		if m.PhaseResults == nil {
			m.PhaseResults = map[string]models.PhaseResult{}
		}
		m.PhaseResults[phase] = result
		m.ErrorHistory = append(m.ErrorHistory, events...)
		m.Checkpoints = append(m.Checkpoints, models.Checkpoint{
			CheckpointID: uuid.New().String(),
			Type:         "phase_boundary",
			Payload:      map[string]any{"phase": phase, "next_phase": next},
			CreatedAt:    now,
		})
		switch {
		case terminal:
			m.FlowStatus = models.FlowStatusCompleted
		case m.FlowStatus == models.FlowStatusPaused:
			// A pause that arrived mid-phase is honored at this boundary.
		default:
			m.FlowStatus = models.FlowStatusRunning
		}
	})
	if persistErr != nil {
		return nil, o.fail(span, persistErr)
	}

	if next != "" {
		domain.CurrentPhase = next
	}
	domain.Status = master.FlowStatus
	domain.ProgressPercentage = o.machine.Progress(master.FlowType, phase)
	if err := o.domains.Update(ctx, domain); err != nil {
		return nil, o.fail(span, err)
	}

	o.logger.Info("phase completed", "flow_id", master.ID, "phase", phase,
		"next_phase", next, "duration", elapsed)
	return &result, nil
}

// Pause writes a checkpoint and sets status paused. It is cooperative: a
// phase already in flight finishes its work and the pause takes effect at
// that phase boundary.
func (o *Orchestrator) Pause(ctx context.Context, tenant models.TenantContext, flowID string) (*models.MasterFlow, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.pause",
		trace.WithAttributes(attribute.String("flow.id", flowID)))
	defer span.End()

	master, err := o.masters.Get(ctx, tenant, flowID)
	if err != nil {
		return nil, o.fail(span, err)
	}
	if master.FlowStatus.Terminal() {
		return nil, o.fail(span, flowerr.New(flowerr.KindValidation,
			"flow %s is %s and cannot be paused", flowID, master.FlowStatus))
	}
	if master.FlowStatus == models.FlowStatusPaused {
		return master, nil
	}

	domain, err := o.domains.GetByMasterFlowID(ctx, master.ID)
	if err != nil {
		return nil, o.fail(span, err)
	}

	err = o.mutateMaster(ctx, master, func(m *models.MasterFlow) {
		now := time.Now().UTC()
		m.FlowStatus = models.FlowStatusPaused
		m.PhaseTransitions = append(m.PhaseTransitions, models.PhaseTransition{
			Phase: domain.CurrentPhase, Status: models.TransitionPaused, Timestamp: now,
		})
		m.Checkpoints = append(m.Checkpoints, models.Checkpoint{
			CheckpointID: uuid.New().String(),
			Type:         "pause",
			Payload:      map[string]any{"phase": domain.CurrentPhase},
			CreatedAt:    now,
		})
	})
	if err != nil {
		return nil, o.fail(span, err)
	}

	domain.Status = models.FlowStatusPaused
	if err := o.domains.Update(ctx, domain); err != nil {
		return nil, o.fail(span, err)
	}
	o.logger.Info("flow paused", "flow_id", flowID, "phase", domain.CurrentPhase)
	return master, nil
}

// Resume validates the flow is paused and re-enters execution at the last
// incomplete phase, carrying the resume payload as phase input.
func (o *Orchestrator) Resume(ctx context.Context, tenant models.TenantContext, flowID string, resumePayload map[string]any) (*models.PhaseResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.resume",
		trace.WithAttributes(attribute.String("flow.id", flowID)))
	defer span.End()

	master, err := o.masters.Get(ctx, tenant, flowID)
	if err != nil {
		return nil, o.fail(span, err)
	}
	if master.FlowStatus != models.FlowStatusPaused {
		return nil, o.fail(span, flowerr.New(flowerr.KindValidation,
			"flow %s is %s, not paused", flowID, master.FlowStatus))
	}

	domain, err := o.domains.GetByMasterFlowID(ctx, master.ID)
	if err != nil {
		return nil, o.fail(span, err)
	}

	err = o.mutateMaster(ctx, master, func(m *models.MasterFlow) {
		m.FlowStatus = models.FlowStatusRunning
		m.PhaseTransitions = append(m.PhaseTransitions, models.PhaseTransition{
			Phase: domain.CurrentPhase, Status: models.TransitionResumed, Timestamp: time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, o.fail(span, err)
	}

	o.logger.Info("flow resumed", "flow_id", flowID, "phase", domain.CurrentPhase)
	return o.ExecutePhase(ctx, tenant, flowID, domain.CurrentPhase, resumePayload, false)
}

// FlowSnapshot is the composite status view returned to callers.
type FlowSnapshot struct {
	Master      *models.MasterFlow `json:"master"`
	Domain      *models.DomainFlow `json:"domain"`
	PendingGaps int                `json:"pending_gaps"`
}

// GetFlowStatus returns the flow's registry record, domain record, and a
// fresh pending-gap count. A flow owned by another tenant reads as missing.
func (o *Orchestrator) GetFlowStatus(ctx context.Context, tenant models.TenantContext, flowID string) (*FlowSnapshot, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.get_flow_status",
		trace.WithAttributes(attribute.String("flow.id", flowID)))
	defer span.End()

	master, err := o.masters.Get(ctx, tenant, flowID)
	if err != nil {
		return nil, o.fail(span, err)
	}
	domain, err := o.domains.GetByMasterFlowID(ctx, master.ID)
	if err != nil {
		return nil, o.fail(span, err)
	}
	pending, err := o.gaps.CountPending(ctx, domain.ID)
	if err != nil {
		return nil, o.fail(span, err)
	}
	return &FlowSnapshot{Master: master, Domain: domain, PendingGaps: pending}, nil
}

// ListFlows returns all of the tenant's flows.
func (o *Orchestrator) ListFlows(ctx context.Context, tenant models.TenantContext) ([]*models.MasterFlow, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.list_flows")
	defer span.End()
	flows, err := o.masters.List(ctx, tenant)
	if err != nil {
		return nil, o.fail(span, err)
	}
	return flows, nil
}

// DeleteFlow cancels a flow. Soft deletion preserves the audit trail and
// hides the flow from reads; hard deletion is irreversible and refused for
// completed flows, whose terminal business records still reference them.
func (o *Orchestrator) DeleteFlow(ctx context.Context, tenant models.TenantContext, flowID string, softDelete bool, reason string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.delete_flow",
		trace.WithAttributes(attribute.String("flow.id", flowID), attribute.Bool("flow.soft_delete", softDelete)))
	defer span.End()

	master, err := o.masters.Get(ctx, tenant, flowID)
	if err != nil {
		return o.fail(span, err)
	}

	if softDelete {
		domain, err := o.domains.GetByMasterFlowID(ctx, master.ID)
		if err != nil {
			return o.fail(span, err)
		}
		err = o.mutateMaster(ctx, master, func(m *models.MasterFlow) {
			now := time.Now().UTC()
			m.FlowStatus = models.FlowStatusCancelled
			m.DeletedAt = &now
			m.PhaseTransitions = append(m.PhaseTransitions, models.PhaseTransition{
				Phase:     domain.CurrentPhase,
				Status:    models.TransitionCancelled,
				Timestamp: now,
				Metadata:  map[string]string{"reason": reason},
			})
		})
		if err != nil {
			return o.fail(span, err)
		}
		o.logger.Info("flow cancelled", "flow_id", flowID, "reason", reason)
		return nil
	}

	if master.FlowStatus == models.FlowStatusCompleted {
		return o.fail(span, flowerr.New(flowerr.KindValidation,
			"flow %s has terminal business records; use soft delete", flowID))
	}

	var q repository.Querier
	if o.pool != nil {
		tx, err := o.pool.Begin(ctx)
		if err != nil {
			return o.fail(span, fmt.Errorf("begin delete transaction: %w", err))
		}
		defer tx.Rollback(ctx)
		q = tx
		if err := o.domains.DeleteByMasterFlowID(ctx, q, master.ID); err != nil {
			return o.fail(span, err)
		}
		if err := o.masters.HardDelete(ctx, q, tenant, flowID); err != nil {
			return o.fail(span, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return o.fail(span, fmt.Errorf("commit delete transaction: %w", err))
		}
	} else {
		if err := o.domains.DeleteByMasterFlowID(ctx, nil, master.ID); err != nil {
			return o.fail(span, err)
		}
		if err := o.masters.HardDelete(ctx, nil, tenant, flowID); err != nil {
			return o.fail(span, err)
		}
	}

	o.logger.Info("flow hard-deleted", "flow_id", flowID)
	return nil
}

// ResolveGap records a supplied value for a gap and moves it to resolved.
func (o *Orchestrator) ResolveGap(ctx context.Context, tenant models.TenantContext, flowID, assetID, fieldID, value string) error {
	return o.settleGap(ctx, tenant, flowID, assetID, fieldID, value, models.GapStatusResolved)
}

// WaiveGap marks a gap as explicitly skipped by the user.
func (o *Orchestrator) WaiveGap(ctx context.Context, tenant models.TenantContext, flowID, assetID, fieldID string) error {
	return o.settleGap(ctx, tenant, flowID, assetID, fieldID, "", models.GapStatusWaived)
}

func (o *Orchestrator) settleGap(ctx context.Context, tenant models.TenantContext, flowID, assetID, fieldID, value string, status models.GapStatus) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.settle_gap",
		trace.WithAttributes(attribute.String("flow.id", flowID), attribute.String("gap.field_id", fieldID)))
	defer span.End()

	master, err := o.masters.Get(ctx, tenant, flowID)
	if err != nil {
		return o.fail(span, err)
	}
	domain, err := o.domains.GetByMasterFlowID(ctx, master.ID)
	if err != nil {
		return o.fail(span, err)
	}

	if value != "" && o.analyzer != nil {
		if path, ok := fieldPathFor(fieldID); ok {
			if err := o.analyzer.assets.UpsertFieldValue(ctx, assetID, path, models.SourceCustomAttribute, value); err != nil {
				return o.fail(span, err)
			}
		}
	}
	if err := o.gaps.SetStatus(ctx, domain.ID, assetID, fieldID, status); err != nil {
		return o.fail(span, err)
	}
	o.logger.Info("gap settled", "flow_id", flowID, "asset_id", assetID,
		"field_id", fieldID, "status", status)
	return nil
}

// skipPhase advances past a skippable phase without invoking the gateway,
// still appending a skipped transition for auditability.
func (o *Orchestrator) skipPhase(ctx context.Context, span trace.Span, master *models.MasterFlow, domain *models.DomainFlow, phase string) (*models.PhaseResult, error) {
	next, err := o.machine.NextPhase(ctx, master.FlowType, phase, domain.ID)
	if err != nil {
		return nil, o.fail(span, err)
	}

	result := models.PhaseResult{
		Phase:       phase,
		Status:      "skipped",
		CompletedAt: time.Now().UTC(),
	}
	if next != "" {
		result.NextPhase = &next
	}
	terminal := next == ""

	err = o.mutateMaster(ctx, master, func(m *models.MasterFlow) {
		now := time.Now().UTC()
		m.PhaseTransitions = append(m.PhaseTransitions, models.PhaseTransition{
			Phase: phase, Status: models.TransitionSkipped, Timestamp: now,
		})
		if next != "" {
			m.PhaseTransitions = append(m.PhaseTransitions, models.PhaseTransition{
				Phase: next, Status: models.TransitionInitializing, Timestamp: now,
			})
		}
		if m.PhaseResults == nil {
			m.PhaseResults = map[string]models.PhaseResult{}
		}
		m.PhaseResults[phase] = result
		m.Checkpoints = append(m.Checkpoints, models.Checkpoint{
			CheckpointID: uuid.New().String(),
			Type:         "phase_boundary",
			Payload:      map[string]any{"phase": phase, "next_phase": next, "skipped": true},
			CreatedAt:    now,
		})
		if terminal {
			m.FlowStatus = models.FlowStatusCompleted
		} else {
			m.FlowStatus = models.FlowStatusRunning
		}
	})
	if err != nil {
		return nil, o.fail(span, err)
	}

	if next != "" {
		domain.CurrentPhase = next
	}
	domain.Status = master.FlowStatus
	domain.ProgressPercentage = o.machine.Progress(master.FlowType, phase)
	if err := o.domains.Update(ctx, domain); err != nil {
		return nil, o.fail(span, err)
	}

	o.logger.Info("phase skipped", "flow_id", master.ID, "phase", phase, "next_phase", next)
	return &result, nil
}

// failPhase persists a failed transition and the error events, sets the flow
// to failed, and surfaces the original error.
func (o *Orchestrator) failPhase(ctx context.Context, span trace.Span, master *models.MasterFlow, phase string, events []models.ErrorEvent, execErr error) error {
	persistErr := o.mutateMaster(ctx, master, func(m *models.MasterFlow) {
		m.PhaseTransitions = append(m.PhaseTransitions, models.PhaseTransition{
			Phase:     phase,
			Status:    models.TransitionFailed,
			Timestamp: time.Now().UTC(),
			Metadata:  map[string]string{"error_code": flowerr.CodeOf(execErr)},
		})
		if len(events) > 0 {
			m.ErrorHistory = append(m.ErrorHistory, events...)
		} else {
			m.ErrorHistory = append(m.ErrorHistory, models.ErrorEvent{
				Phase:       phase,
				ErrorKind:   flowerr.KindOf(execErr).String(),
				Message:     execErr.Error(),
				Recoverable: flowerr.Retryable(execErr),
				Timestamp:   time.Now().UTC(),
			})
		}
		m.FlowStatus = models.FlowStatusFailed
	})
	if persistErr != nil {
		o.logger.Error("failed to persist phase failure", "flow_id", master.ID,
			"phase", phase, "error", persistErr)
	}
	o.logger.Error("phase failed", "flow_id", master.ID, "phase", phase,
		"error_code", flowerr.CodeOf(execErr), "error", execErr)
	return o.fail(span, execErr)
}

// mutateMaster applies the mutation and writes the flow back under its
// version guard. On a version race it re-reads the flow and reapplies the
// mutation; the appends are commutative so reapplication is safe. This is
// what lets a cooperative pause land mid-phase without losing either write.
func (o *Orchestrator) mutateMaster(ctx context.Context, master *models.MasterFlow, mutate func(*models.MasterFlow)) error {
	const attempts = 3
	for i := 0; ; i++ {
		mutate(master)
		err := o.masters.Update(ctx, master)
		if err == nil {
			return nil
		}
		if !flowerr.IsConflict(err) || i >= attempts-1 {
			return err
		}
		fresh, getErr := o.masters.Get(ctx, master.Tenant, master.ID)
		if getErr != nil {
			return getErr
		}
		if fresh.FlowStatus == models.FlowStatusCancelled {
			return flowerr.New(flowerr.KindValidation, "flow %s was cancelled", master.ID)
		}
		*master = *fresh
	}
}

func (o *Orchestrator) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, flowerr.CodeOf(err))
	return err
}

// skipRequested reads the per-phase skip flag from the flow configuration.
func skipRequested(configuration map[string]any, phase string) bool {
	if configuration == nil {
		return false
	}
	v, ok := configuration["skip_"+phase].(bool)
	return ok && v
}

// analysisTargets extracts the changed asset set from the executor outcome,
// falling back to the domain flow's full asset list.
func analysisTargets(outcome *PhaseOutcome, domain *models.DomainFlow) []string {
	if outcome != nil {
		if raw, ok := outcome.Data["changed_assets"].([]any); ok && len(raw) > 0 {
			ids := make([]string, 0, len(raw))
			for _, v := range raw {
				if s, ok := v.(string); ok {
					ids = append(ids, s)
				}
			}
			if len(ids) > 0 {
				return ids
			}
		}
	}
	if raw, ok := domain.Payload["asset_ids"].([]any); ok {
		ids := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids
	}
	return nil
}

// analysisMode picks thorough when the flow asked for dependency-aware
// recomputation.
func analysisMode(configuration map[string]any) AnalyzeMode {
	if v, ok := configuration["thorough_analysis"].(bool); ok && v {
		return ModeThorough
	}
	return ModeFast
}

// fieldPathFor maps a field id to its probe path in the required-field table.
func fieldPathFor(fieldID string) (string, bool) {
	for _, f := range requiredFields {
		if f.FieldID == fieldID {
			return f.Path, true
		}
	}
	return "", false
}
