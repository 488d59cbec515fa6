package services

import (
	"context"
	"time"

	"masterflow/backend/internal/flowerr"
	"masterflow/backend/pkg/models"
)

// RecoveryStrategy names how a transient execution failure is handled.
type RecoveryStrategy string

const (
	StrategyRetryWithFallback   RecoveryStrategy = "retry_with_fallback"
	StrategySkipAndContinue     RecoveryStrategy = "skip_and_continue"
	StrategyUseCachedResult     RecoveryStrategy = "use_cached_result"
	StrategyGracefulDegradation RecoveryStrategy = "graceful_degradation"
)

// strategyTable selects a recovery strategy by (flow family, error kind).
// Only transient failures consult it. Everything else, including a missing
// or unreachable executor, surfaces immediately: the execution capability
// is mandatory and its absence is never papered over with a fabricated or
// stale result.
var strategyTable = map[models.FlowType]map[flowerr.Kind]RecoveryStrategy{
	models.FlowTypeCollection: {
		flowerr.KindTransientExecution: StrategyRetryWithFallback,
	},
	models.FlowTypeDiscovery: {
		flowerr.KindTransientExecution: StrategySkipAndContinue,
	},
	models.FlowTypeAssessment: {
		flowerr.KindTransientExecution: StrategyGracefulDegradation,
	},
}

// RecoveryHandler classifies execution failures and applies the selected
// strategy. Every attempt and its outcome is reported back to the caller as
// error events for the flow's error history.
type RecoveryHandler struct {
	maxRetries int
	backoff    time.Duration
	logger     Logger
}

// NewRecoveryHandler creates a RecoveryHandler. Non-positive maxRetries gets
// the default of 2 additional attempts.
func NewRecoveryHandler(maxRetries int, backoff time.Duration, logger Logger) *RecoveryHandler {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &RecoveryHandler{maxRetries: maxRetries, backoff: backoff, logger: logger}
}

// StrategyFor returns the configured strategy for a family and error kind.
func (h *RecoveryHandler) StrategyFor(family models.FlowType, kind flowerr.Kind) RecoveryStrategy {
	if byKind, ok := strategyTable[family]; ok {
		if strategy, ok := byKind[kind]; ok {
			return strategy
		}
	}
	return StrategyRetryWithFallback
}

// Execute runs one phase attempt through the executor with recovery. cached
// is the phase's prior completed result, if any, for the use-cached-result
// strategy. The returned events are in attempt order and must be appended to
// the flow's error history regardless of the final outcome.
func (h *RecoveryHandler) Execute(
	ctx context.Context,
	executor PhaseExecutor,
	flowCtx FlowContext,
	phase string,
	input map[string]any,
	cached *models.PhaseResult,
) (*PhaseOutcome, []models.ErrorEvent, error) {
	var events []models.ErrorEvent

	outcome, err := executor.Execute(ctx, flowCtx, phase, input)
	if err == nil {
		return outcome, events, nil
	}

	kind := flowerr.KindOf(err)
	if !flowerr.Retryable(err) {
		events = append(events, newErrorEvent(phase, kind, err, false, ""))
		return nil, events, err
	}

	strategy := h.StrategyFor(flowCtx.FlowType, kind)
	// A real prior result beats a fabricated skip or degraded placeholder.
	if strategy != StrategyRetryWithFallback && cached != nil {
		strategy = StrategyUseCachedResult
	}
	events = append(events, newErrorEvent(phase, kind, err, true, strategy))

	switch strategy {
	case StrategyRetryWithFallback:
		for attempt := 1; attempt <= h.maxRetries; attempt++ {
			select {
			case <-ctx.Done():
				return nil, events, flowerr.Wrap(flowerr.KindTransientExecution, ctx.Err(),
					"phase %s cancelled during retry", phase)
			case <-time.After(h.backoff * time.Duration(attempt)):
			}

			h.logger.Info("retrying phase execution",
				"flow_id", flowCtx.FlowID, "phase", phase, "attempt", attempt)
			outcome, err = executor.Execute(ctx, flowCtx, phase, input)
			if err == nil {
				return outcome, events, nil
			}
			kind = flowerr.KindOf(err)
			events = append(events, newErrorEvent(phase, kind, err, flowerr.Retryable(err), strategy))
			if kind != flowerr.KindTransientExecution {
				// The failure changed class mid-retry; surface it rather than
				// papering over it with a stale result.
				return nil, events, err
			}
		}
		// Retries exhausted; fall back to the cached result if one exists.
		if cached != nil {
			h.logger.Warn("retries exhausted, serving cached phase result",
				"flow_id", flowCtx.FlowID, "phase", phase)
			return cachedOutcome(cached), events, nil
		}
		return nil, events, err

	case StrategyUseCachedResult:
		if cached != nil {
			h.logger.Warn("serving cached phase result after transient failure",
				"flow_id", flowCtx.FlowID, "phase", phase)
			return cachedOutcome(cached), events, nil
		}
		return nil, events, err

	case StrategySkipAndContinue:
		h.logger.Warn("skipping phase after transient executor failure",
			"flow_id", flowCtx.FlowID, "phase", phase)
		return &PhaseOutcome{
			Status: "success",
			Data:   map[string]any{"skipped": true, "reason": err.Error()},
		}, events, nil

	case StrategyGracefulDegradation:
		h.logger.Warn("degrading phase result after executor failure",
			"flow_id", flowCtx.FlowID, "phase", phase)
		return &PhaseOutcome{
			Status:   "success",
			Data:     map[string]any{"degraded": true, "reason": err.Error()},
			Insights: []string{"phase completed in degraded mode; rerun when the executor recovers"},
		}, events, nil
	}

	return nil, events, err
}

func newErrorEvent(phase string, kind flowerr.Kind, err error, recoverable bool, strategy RecoveryStrategy) models.ErrorEvent {
	return models.ErrorEvent{
		Phase:            phase,
		ErrorKind:        kind.String(),
		Message:          err.Error(),
		Recoverable:      recoverable,
		RecoveryStrategy: string(strategy),
		Timestamp:        time.Now().UTC(),
	}
}

func cachedOutcome(cached *models.PhaseResult) *PhaseOutcome {
	return &PhaseOutcome{
		Status:    cached.Status,
		Data:      cached.Data,
		NextPhase: cached.NextPhase,
		Insights:  cached.Insights,
	}
}
