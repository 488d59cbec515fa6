// Package repository provides tenant-scoped persistence for master flows,
// domain flows, gaps, and asset field values.
package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"masterflow/backend/pkg/models"
)

// Querier is the subset of pgx behavior shared by *pgxpool.Pool and pgx.Tx.
// Store methods that participate in a caller-owned transaction accept one; a
// nil Querier means the store uses its own pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner opens transactions; satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// MasterFlowStore persists the flow registry. Every read and write is scoped
// by the tenant triple; a flow belonging to another tenant is reported as
// not found.
type MasterFlowStore interface {
	// Create inserts a new master flow. Pass a Querier to participate in a
	// caller-owned transaction (the store issues no commit of its own).
	Create(ctx context.Context, q Querier, flow *models.MasterFlow) error
	// Get retrieves a flow by id within the tenant scope.
	Get(ctx context.Context, tenant models.TenantContext, flowID string) (*models.MasterFlow, error)
	// GetByIdempotencyKey retrieves a flow by its idempotency key, or nil if
	// none exists for the tenant.
	GetByIdempotencyKey(ctx context.Context, tenant models.TenantContext, key string) (*models.MasterFlow, error)
	// Update writes the flow back guarded by its Version; a stale version
	// fails with a conflict and increments nothing.
	Update(ctx context.Context, flow *models.MasterFlow) error
	// List returns all non-deleted flows for a tenant.
	List(ctx context.Context, tenant models.TenantContext) ([]*models.MasterFlow, error)
	// HardDelete removes the flow row irreversibly.
	HardDelete(ctx context.Context, q Querier, tenant models.TenantContext, flowID string) error
}

// DomainFlowStore persists the family-specific flow records.
type DomainFlowStore interface {
	Create(ctx context.Context, q Querier, flow *models.DomainFlow) error
	GetByMasterFlowID(ctx context.Context, masterFlowID string) (*models.DomainFlow, error)
	Update(ctx context.Context, flow *models.DomainFlow) error
	DeleteByMasterFlowID(ctx context.Context, q Querier, masterFlowID string) error
}

// GapStore persists per-asset, per-field gap records. A recomputation
// replaces an asset's gaps wholesale; partial patches are not supported.
type GapStore interface {
	// ReplaceForAsset atomically supersedes all gap rows for one asset.
	ReplaceForAsset(ctx context.Context, domainFlowID, assetID string, gaps []models.Gap) error
	// CountPending returns a fresh count of unresolved true gaps for a flow.
	CountPending(ctx context.Context, domainFlowID string) (int, error)
	// ListByFlow returns all gap rows for a flow ordered by asset and field.
	ListByFlow(ctx context.Context, domainFlowID string) ([]models.Gap, error)
	// SetStatus moves one gap to resolved or waived.
	SetStatus(ctx context.Context, domainFlowID, assetID, fieldID string, status models.GapStatus) error
	// MarkAssetError records that analysis failed for an asset so it can be
	// excluded from the readiness aggregate without aborting the batch.
	MarkAssetError(ctx context.Context, domainFlowID, assetID, message string) error
}

// AssetDataStore reads discovered field values across the recognized source
// categories. Lookup is the analyzer's probe primitive.
type AssetDataStore interface {
	// Lookup returns the value for (asset, field path) in one source
	// category, with ok=false when the source has nothing.
	Lookup(ctx context.Context, assetID, fieldPath string, source models.SourceType) (value string, ok bool, err error)
	// UpsertFieldValue writes a discovered value; used by enrichment and the
	// seed command.
	UpsertFieldValue(ctx context.Context, assetID, fieldPath string, source models.SourceType, value string) error
}
