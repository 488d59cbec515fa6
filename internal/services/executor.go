package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"masterflow/backend/internal/flowerr"
)

// HTTPPhaseExecutor invokes the external phase-execution capability over
// HTTP. The capability is mandatory for correctness: when it is absent or
// unreachable the gateway fails fast with a distinguishable error kind and
// never fabricates a result.
type HTTPPhaseExecutor struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPPhaseExecutor creates a new HTTPPhaseExecutor. timeout bounds a
// single phase execution; zero means the caller's ctx deadline governs alone.
func NewHTTPPhaseExecutor(url string, timeout time.Duration) *HTTPPhaseExecutor {
	return &HTTPPhaseExecutor{
		url:     url,
		client:  &http.Client{},
		timeout: timeout,
	}
}

type executeRequest struct {
	Flow       FlowContext    `json:"flow"`
	Phase      string         `json:"phase"`
	PhaseInput map[string]any `json:"phase_input,omitempty"`
}

type executeFailure struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// Execute runs one phase and normalizes the result/error shape. Transport
// failures and 5xx map to transient errors, a missing capability to
// executor-unavailable, and business failure payloads to permanent errors.
func (e *HTTPPhaseExecutor) Execute(ctx context.Context, flowCtx FlowContext, phase string, input map[string]any) (*PhaseOutcome, error) {
	if e.url == "" {
		return nil, flowerr.New(flowerr.KindExecutorUnavailable, "phase executor is not configured")
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	body, err := json.Marshal(executeRequest{Flow: flowCtx, Phase: phase, PhaseInput: input})
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, flowerr.Wrap(flowerr.KindTransientExecution, err,
				"phase %s timed out against executor", phase)
		}
		return nil, flowerr.Wrap(flowerr.KindExecutorUnavailable, err,
			"phase executor unreachable at %s", e.url)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var outcome PhaseOutcome
		if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
			return nil, flowerr.Wrap(flowerr.KindTransientExecution, err,
				"undecodable executor response for phase %s", phase)
		}
		if outcome.Status == "failed" {
			return nil, flowerr.New(flowerr.KindPermanentExecution,
				"executor reported failure for phase %s", phase)
		}
		return &outcome, nil
	case resp.StatusCode == http.StatusServiceUnavailable, resp.StatusCode == http.StatusNotFound:
		return nil, flowerr.New(flowerr.KindExecutorUnavailable,
			"phase executor returned %d for phase %s", resp.StatusCode, phase)
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return nil, flowerr.New(flowerr.KindTransientExecution,
			"executor returned %d for phase %s", resp.StatusCode, phase)
	default:
		var failure executeFailure
		if err := json.NewDecoder(resp.Body).Decode(&failure); err == nil {
			if failure.Retryable {
				return nil, flowerr.New(flowerr.KindTransientExecution,
					"executor rejected phase %s: %s", phase, failure.Error)
			}
			if failure.Error != "" {
				return nil, flowerr.New(flowerr.KindPermanentExecution,
					"executor rejected phase %s with status %d: %s", phase, resp.StatusCode, failure.Error)
			}
		}
		return nil, flowerr.New(flowerr.KindPermanentExecution,
			"executor rejected phase %s with status %d", phase, resp.StatusCode)
	}
}
