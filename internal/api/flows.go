// Package api contains the HTTP handlers for the flow orchestration service.
// The handlers translate JSON to orchestrator calls and error kinds to HTTP
// statuses; validation beyond that and authentication live elsewhere.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"masterflow/backend/internal/flowerr"
	"masterflow/backend/internal/services"
	"masterflow/backend/pkg/models"
)

// Server holds the dependencies for the API server.
type Server struct {
	Orch *services.Orchestrator
}

// NewServer creates a new Server.
func NewServer(orch *services.Orchestrator) *Server {
	return &Server{Orch: orch}
}

// RegisterHandlers mounts the flow routes on an echo group.
func RegisterHandlers(g *echo.Group, s *Server) {
	g.POST("/flows", s.CreateFlow)
	g.GET("/flows", s.ListFlows)
	g.GET("/flows/:id", s.GetFlowStatus)
	g.DELETE("/flows/:id", s.DeleteFlow)
	g.POST("/flows/:id/phases/:phase", s.ExecutePhase)
	g.POST("/flows/:id/pause", s.Pause)
	g.POST("/flows/:id/resume", s.Resume)
	g.POST("/flows/:id/gaps/resolve", s.ResolveGap)
	g.POST("/flows/:id/gaps/waive", s.WaiveGap)
}

// tenantFrom reads the caller-supplied tenant triple. The upstream gateway
// owns authenticating it; the orchestrator only scopes by it.
func tenantFrom(c echo.Context) models.TenantContext {
	return models.TenantContext{
		ClientAccountID: c.Request().Header.Get("X-Client-Account-ID"),
		EngagementID:    c.Request().Header.Get("X-Engagement-ID"),
		UserID:          c.Request().Header.Get("X-User-ID"),
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respondErr maps error kinds to HTTP statuses with a stable code in the
// body so callers never string-match.
func respondErr(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch flowerr.KindOf(err) {
	case flowerr.KindNotFound:
		status = http.StatusNotFound
	case flowerr.KindConflict, flowerr.KindDuplicateFlow:
		status = http.StatusConflict
	case flowerr.KindValidation:
		status = http.StatusBadRequest
	case flowerr.KindExecutorUnavailable:
		status = http.StatusBadGateway
	case flowerr.KindTransientExecution:
		status = http.StatusServiceUnavailable
	case flowerr.KindPermanentExecution:
		status = http.StatusUnprocessableEntity
	}
	return c.JSON(status, errorBody{Code: flowerr.CodeOf(err), Message: err.Error()})
}

type createFlowRequest struct {
	FlowType       models.FlowType `json:"flow_type"`
	FlowName       string          `json:"flow_name"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Configuration  map[string]any  `json:"configuration,omitempty"`
	InitialState   map[string]any  `json:"initial_state,omitempty"`
}

// CreateFlow registers a new flow.
// (POST /api/v1/flows)
func (s *Server) CreateFlow(c echo.Context) error {
	ctx := c.Request().Context()

	var req createFlowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	flow, err := s.Orch.CreateFlow(ctx, tenantFrom(c), services.CreateFlowRequest{
		FlowType:       req.FlowType,
		FlowName:       req.FlowName,
		IdempotencyKey: req.IdempotencyKey,
		Configuration:  req.Configuration,
		InitialState:   req.InitialState,
	})
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, flow)
}

type executePhaseRequest struct {
	Input map[string]any `json:"input,omitempty"`
	Force bool           `json:"force,omitempty"`
}

// ExecutePhase runs one phase of a flow.
// (POST /api/v1/flows/:id/phases/:phase)
func (s *Server) ExecutePhase(c echo.Context) error {
	ctx := c.Request().Context()

	var req executePhaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	result, err := s.Orch.ExecutePhase(ctx, tenantFrom(c), c.Param("id"), c.Param("phase"), req.Input, req.Force)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// Pause suspends a flow at the next phase boundary.
// (POST /api/v1/flows/:id/pause)
func (s *Server) Pause(c echo.Context) error {
	flow, err := s.Orch.Pause(c.Request().Context(), tenantFrom(c), c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, flow)
}

type resumeRequest struct {
	Payload map[string]any `json:"payload,omitempty"`
}

// Resume re-enters a paused flow at its last incomplete phase.
// (POST /api/v1/flows/:id/resume)
func (s *Server) Resume(c echo.Context) error {
	var req resumeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	result, err := s.Orch.Resume(c.Request().Context(), tenantFrom(c), c.Param("id"), req.Payload)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// GetFlowStatus returns the composite flow snapshot.
// (GET /api/v1/flows/:id)
func (s *Server) GetFlowStatus(c echo.Context) error {
	snapshot, err := s.Orch.GetFlowStatus(c.Request().Context(), tenantFrom(c), c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, snapshot)
}

// ListFlows returns the tenant's flows.
// (GET /api/v1/flows)
func (s *Server) ListFlows(c echo.Context) error {
	flows, err := s.Orch.ListFlows(c.Request().Context(), tenantFrom(c))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, flows)
}

type deleteFlowRequest struct {
	Soft   bool   `json:"soft"`
	Reason string `json:"reason,omitempty"`
}

// DeleteFlow soft-cancels or hard-deletes a flow.
// (DELETE /api/v1/flows/:id)
func (s *Server) DeleteFlow(c echo.Context) error {
	req := deleteFlowRequest{Soft: true}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	if err := s.Orch.DeleteFlow(c.Request().Context(), tenantFrom(c), c.Param("id"), req.Soft, req.Reason); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type gapRequest struct {
	AssetID string `json:"asset_id"`
	FieldID string `json:"field_id"`
	Value   string `json:"value,omitempty"`
}

// ResolveGap supplies data for a gap and marks it resolved.
// (POST /api/v1/flows/:id/gaps/resolve)
func (s *Server) ResolveGap(c echo.Context) error {
	var req gapRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	if err := s.Orch.ResolveGap(c.Request().Context(), tenantFrom(c), c.Param("id"), req.AssetID, req.FieldID, req.Value); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// WaiveGap marks a gap as explicitly skipped by the user.
// (POST /api/v1/flows/:id/gaps/waive)
func (s *Server) WaiveGap(c echo.Context) error {
	var req gapRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	if err := s.Orch.WaiveGap(c.Request().Context(), tenantFrom(c), c.Param("id"), req.AssetID, req.FieldID); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
