package services

import (
	"context"
	"time"

	"masterflow/backend/internal/repository"
	"masterflow/backend/pkg/models"
)

// AnalyzeMode selects how far a recomputation reaches.
type AnalyzeMode int

const (
	// ModeFast recomputes only the assets that changed.
	ModeFast AnalyzeMode = iota
	// ModeThorough additionally walks the dependency graph around each
	// changed asset, bounded by depth and visit budget, so second-order
	// readiness effects are not missed.
	ModeThorough
)

// RequiredField declares one field every asset must have, its probe path,
// and its static priority classification.
type RequiredField struct {
	FieldID  string
	Path     string
	Priority models.GapPriority
}

// requiredFields is the static field-to-priority table.
var requiredFields = []RequiredField{
	{FieldID: "operating_system", Path: "os.name", Priority: models.GapPriorityCritical},
	{FieldID: "os_version", Path: "os.version", Priority: models.GapPriorityHigh},
	{FieldID: "cpu_count", Path: "hardware.cpu_count", Priority: models.GapPriorityHigh},
	{FieldID: "memory_gb", Path: "hardware.memory_gb", Priority: models.GapPriorityHigh},
	{FieldID: "storage_gb", Path: "hardware.storage_gb", Priority: models.GapPriorityMedium},
	{FieldID: "environment", Path: "deployment.environment", Priority: models.GapPriorityCritical},
	{FieldID: "network_zone", Path: "network.zone", Priority: models.GapPriorityMedium},
	{FieldID: "owner", Path: "governance.owner", Priority: models.GapPriorityMedium},
	{FieldID: "criticality", Path: "governance.criticality", Priority: models.GapPriorityLow},
	{FieldID: "backup_policy", Path: "operations.backup_policy", Priority: models.GapPriorityLow},
}

// AnalysisResult summarizes one recomputation pass.
type AnalysisResult struct {
	AssetsAnalyzed int      `json:"assets_analyzed"`
	TrueGaps       int      `json:"true_gaps"`
	ErroredAssets  []string `json:"errored_assets,omitempty"`
	// Truncated records that the dependency walk hit its depth or visit
	// budget and degraded by stopping early rather than failing.
	Truncated bool `json:"truncated"`
}

// GapAnalyzer computes, per asset, whether required data is present across
// the recognized source categories, with a confidence score per gap. Its
// output feeds the state machine's auto-progression decision.
type GapAnalyzer struct {
	assets repository.AssetDataStore
	gaps   repository.GapStore
	deps   DependencyProvider

	maxDepth   int
	maxVisited int
	logger     Logger
}

// NewGapAnalyzer creates a GapAnalyzer. maxDepth/maxVisited bound the
// thorough-mode dependency walk; non-positive values get the defaults
// (3 hops, 10000 assets).
func NewGapAnalyzer(assets repository.AssetDataStore, gaps repository.GapStore, deps DependencyProvider, maxDepth, maxVisited int, logger Logger) *GapAnalyzer {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	if maxVisited <= 0 {
		maxVisited = 10000
	}
	return &GapAnalyzer{
		assets:     assets,
		gaps:       gaps,
		deps:       deps,
		maxDepth:   maxDepth,
		maxVisited: maxVisited,
		logger:     logger,
	}
}

// PendingGaps returns a fresh count of unresolved true gaps for a flow,
// straight from the gap rows.
func (a *GapAnalyzer) PendingGaps(ctx context.Context, domainFlowID string) (int, error) {
	return a.gaps.CountPending(ctx, domainFlowID)
}

// Analyze recomputes gaps for the changed assets and, in thorough mode, for
// every dependent asset reachable within the depth and visit budgets. A
// failure on one asset marks it and continues; the batch never aborts.
func (a *GapAnalyzer) Analyze(ctx context.Context, domainFlowID string, changed []string, mode AnalyzeMode) (*AnalysisResult, error) {
	result := &AnalysisResult{}

	targets := changed
	if mode == ModeThorough {
		expanded, truncated, err := a.expandDependents(ctx, changed)
		if err != nil {
			return nil, err
		}
		targets = expanded
		result.Truncated = truncated
	}

	for _, assetID := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		trueGaps, err := a.analyzeAsset(ctx, domainFlowID, assetID)
		if err != nil {
			a.logger.Error("gap analysis failed for asset",
				"domain_flow_id", domainFlowID, "asset_id", assetID, "error", err)
			result.ErroredAssets = append(result.ErroredAssets, assetID)
			if markErr := a.gaps.MarkAssetError(ctx, domainFlowID, assetID, err.Error()); markErr != nil {
				a.logger.Error("failed to record asset analysis error",
					"asset_id", assetID, "error", markErr)
			}
			continue
		}
		result.AssetsAnalyzed++
		result.TrueGaps += trueGaps
	}

	return result, nil
}

// analyzeAsset recomputes every required field for one asset and replaces its
// gap rows wholesale.
func (a *GapAnalyzer) analyzeAsset(ctx context.Context, domainFlowID, assetID string) (int, error) {
	now := time.Now().UTC()
	gaps := make([]models.Gap, 0, len(requiredFields))
	trueGaps := 0

	for _, field := range requiredFields {
		gap := models.Gap{
			DomainFlowID: domainFlowID,
			AssetID:      assetID,
			FieldID:      field.FieldID,
			Priority:     field.Priority,
			Status:       models.GapStatusUnresolved,
			AnalyzedAt:   now,
		}

		// Probe sources in descending confidence order, stop at first hit.
		best := 0.0
		for _, source := range models.ProbeOrder {
			value, ok, err := a.assets.Lookup(ctx, assetID, field.Path, source)
			if err != nil {
				return 0, err
			}
			if !ok {
				continue
			}
			confidence := models.SourceConfidence(source)
			gap.DataFound = append(gap.DataFound, models.DataHit{
				SourceType: source,
				FieldPath:  field.Path,
				Value:      value,
				Confidence: confidence,
			})
			best = confidence
			break
		}

		gap.IsTrueGap = len(gap.DataFound) == 0
		gap.ConfidenceScore = 1 - best
		if gap.IsTrueGap {
			trueGaps++
		}
		gaps = append(gaps, gap)
	}

	if err := a.gaps.ReplaceForAsset(ctx, domainFlowID, assetID, gaps); err != nil {
		return 0, err
	}
	return trueGaps, nil
}

// expandDependents walks the dependency graph outward from the changed
// assets with a visited set and explicit depth/budget counters. Cycles are
// handled by the visited set; exceeding a bound truncates the walk instead
// of failing.
func (a *GapAnalyzer) expandDependents(ctx context.Context, changed []string) ([]string, bool, error) {
	type frontier struct {
		assetID string
		depth   int
	}

	visited := make(map[string]bool, len(changed))
	order := make([]string, 0, len(changed))
	queue := make([]frontier, 0, len(changed))
	truncated := false

	for _, id := range changed {
		if visited[id] {
			continue
		}
		visited[id] = true
		order = append(order, id)
		queue = append(queue, frontier{assetID: id, depth: 0})
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.depth >= a.maxDepth {
			continue
		}

		dependents, err := a.deps.GetDependencies(ctx, cur.assetID)
		if err != nil {
			return nil, false, err
		}
		for _, dep := range dependents {
			if visited[dep] {
				continue
			}
			if len(visited) >= a.maxVisited {
				truncated = true
				a.logger.Warn("dependency walk truncated at visit budget",
					"budget", a.maxVisited, "asset_id", cur.assetID)
				return order, truncated, nil
			}
			visited[dep] = true
			order = append(order, dep)
			queue = append(queue, frontier{assetID: dep, depth: cur.depth + 1})
		}
	}

	return order, truncated, nil
}
