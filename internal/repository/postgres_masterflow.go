package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"masterflow/backend/internal/flowerr"
	"masterflow/backend/pkg/models"
)

// PostgresMasterFlowStore is a PostgreSQL implementation of MasterFlowStore.
type PostgresMasterFlowStore struct {
	db *pgxpool.Pool
}

// NewPostgresMasterFlowStore creates a new PostgresMasterFlowStore.
func NewPostgresMasterFlowStore(db *pgxpool.Pool) *PostgresMasterFlowStore {
	return &PostgresMasterFlowStore{db: db}
}

func (s *PostgresMasterFlowStore) querier(q Querier) Querier {
	if q != nil {
		return q
	}
	return s.db
}

const masterFlowColumns = `id, tenant_client_account_id, tenant_engagement_id, tenant_user_id,
	flow_type, flow_status, flow_name, idempotency_key, configuration,
	phase_transitions, execution_times, checkpoints, error_history, phase_results,
	version, created_at, updated_at, deleted_at`

// Create inserts a new master flow. A unique-key violation on the tenant's
// idempotency key is reported as a duplicate flow.
func (s *PostgresMasterFlowStore) Create(ctx context.Context, q Querier, flow *models.MasterFlow) error {
	cols, err := marshalMasterFlowJSON(flow)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	flow.CreatedAt = now
	flow.UpdatedAt = now
	flow.Version = 1

	_, err = s.querier(q).Exec(ctx, `INSERT INTO master_flows (`+masterFlowColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,NULL)`,
		flow.ID, flow.Tenant.ClientAccountID, flow.Tenant.EngagementID, flow.Tenant.UserID,
		flow.FlowType, flow.FlowStatus, flow.FlowName, flow.IdempotencyKey, cols.configuration,
		cols.transitions, cols.executionTimes, cols.checkpoints, cols.errorHistory, cols.phaseResults,
		flow.Version, flow.CreatedAt, flow.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return flowerr.Wrap(flowerr.KindDuplicateFlow, err,
				"flow with idempotency key %q already exists", flow.IdempotencyKey)
		}
		return fmt.Errorf("insert master flow: %w", err)
	}
	return nil
}

// Get retrieves a flow by id within the tenant scope. A flow owned by
// another tenant is indistinguishable from a missing one.
func (s *PostgresMasterFlowStore) Get(ctx context.Context, tenant models.TenantContext, flowID string) (*models.MasterFlow, error) {
	row := s.db.QueryRow(ctx, `SELECT `+masterFlowColumns+` FROM master_flows
		WHERE id = $1 AND tenant_client_account_id = $2 AND tenant_engagement_id = $3
		AND deleted_at IS NULL`,
		flowID, tenant.ClientAccountID, tenant.EngagementID)
	flow, err := scanMasterFlow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, flowerr.New(flowerr.KindNotFound, "flow %s not found", flowID)
		}
		return nil, fmt.Errorf("get master flow: %w", err)
	}
	return flow, nil
}

// GetByIdempotencyKey retrieves a flow by its idempotency key, or nil.
func (s *PostgresMasterFlowStore) GetByIdempotencyKey(ctx context.Context, tenant models.TenantContext, key string) (*models.MasterFlow, error) {
	row := s.db.QueryRow(ctx, `SELECT `+masterFlowColumns+` FROM master_flows
		WHERE idempotency_key = $1 AND tenant_client_account_id = $2 AND tenant_engagement_id = $3
		AND deleted_at IS NULL`,
		key, tenant.ClientAccountID, tenant.EngagementID)
	flow, err := scanMasterFlow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get master flow by idempotency key: %w", err)
	}
	return flow, nil
}

// Update writes the flow back guarded by its version. Concurrent writers to
// the same flow serialize here: the loser's version is stale and the write
// fails with a conflict.
func (s *PostgresMasterFlowStore) Update(ctx context.Context, flow *models.MasterFlow) error {
	cols, err := marshalMasterFlowJSON(flow)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `UPDATE master_flows SET
		flow_status = $1, flow_name = $2, configuration = $3, phase_transitions = $4,
		execution_times = $5, checkpoints = $6, error_history = $7, phase_results = $8,
		version = version + 1, updated_at = $9, deleted_at = $10
		WHERE id = $11 AND tenant_client_account_id = $12 AND tenant_engagement_id = $13
		AND version = $14`,
		flow.FlowStatus, flow.FlowName, cols.configuration, cols.transitions,
		cols.executionTimes, cols.checkpoints, cols.errorHistory, cols.phaseResults,
		now, flow.DeletedAt,
		flow.ID, flow.Tenant.ClientAccountID, flow.Tenant.EngagementID, flow.Version)
	if err != nil {
		return fmt.Errorf("update master flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return flowerr.New(flowerr.KindConflict,
			"flow %s was modified concurrently (version %d is stale)", flow.ID, flow.Version)
	}
	flow.Version++
	flow.UpdatedAt = now
	return nil
}

// List returns all non-deleted flows for a tenant, newest first.
func (s *PostgresMasterFlowStore) List(ctx context.Context, tenant models.TenantContext) ([]*models.MasterFlow, error) {
	rows, err := s.db.Query(ctx, `SELECT `+masterFlowColumns+` FROM master_flows
		WHERE tenant_client_account_id = $1 AND tenant_engagement_id = $2 AND deleted_at IS NULL
		ORDER BY created_at DESC`,
		tenant.ClientAccountID, tenant.EngagementID)
	if err != nil {
		return nil, fmt.Errorf("list master flows: %w", err)
	}
	defer rows.Close()

	var flows []*models.MasterFlow
	for rows.Next() {
		flow, err := scanMasterFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan master flow: %w", err)
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

// HardDelete removes the flow row irreversibly.
func (s *PostgresMasterFlowStore) HardDelete(ctx context.Context, q Querier, tenant models.TenantContext, flowID string) error {
	tag, err := s.querier(q).Exec(ctx, `DELETE FROM master_flows
		WHERE id = $1 AND tenant_client_account_id = $2 AND tenant_engagement_id = $3`,
		flowID, tenant.ClientAccountID, tenant.EngagementID)
	if err != nil {
		return fmt.Errorf("hard delete master flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return flowerr.New(flowerr.KindNotFound, "flow %s not found", flowID)
	}
	return nil
}

type masterFlowJSON struct {
	configuration  []byte
	transitions    []byte
	executionTimes []byte
	checkpoints    []byte
	errorHistory   []byte
	phaseResults   []byte
}

func marshalMasterFlowJSON(flow *models.MasterFlow) (*masterFlowJSON, error) {
	var cols masterFlowJSON
	var err error
	if cols.configuration, err = json.Marshal(flow.Configuration); err != nil {
		return nil, fmt.Errorf("marshal configuration: %w", err)
	}
	if cols.transitions, err = json.Marshal(flow.PhaseTransitions); err != nil {
		return nil, fmt.Errorf("marshal phase transitions: %w", err)
	}
	if cols.executionTimes, err = json.Marshal(flow.ExecutionTimes); err != nil {
		return nil, fmt.Errorf("marshal execution times: %w", err)
	}
	if cols.checkpoints, err = json.Marshal(flow.Checkpoints); err != nil {
		return nil, fmt.Errorf("marshal checkpoints: %w", err)
	}
	if cols.errorHistory, err = json.Marshal(flow.ErrorHistory); err != nil {
		return nil, fmt.Errorf("marshal error history: %w", err)
	}
	if cols.phaseResults, err = json.Marshal(flow.PhaseResults); err != nil {
		return nil, fmt.Errorf("marshal phase results: %w", err)
	}
	return &cols, nil
}

func scanMasterFlow(row pgx.Row) (*models.MasterFlow, error) {
	var flow models.MasterFlow
	var configuration, transitions, executionTimes, checkpoints, errorHistory, phaseResults []byte

	err := row.Scan(&flow.ID, &flow.Tenant.ClientAccountID, &flow.Tenant.EngagementID, &flow.Tenant.UserID,
		&flow.FlowType, &flow.FlowStatus, &flow.FlowName, &flow.IdempotencyKey, &configuration,
		&transitions, &executionTimes, &checkpoints, &errorHistory, &phaseResults,
		&flow.Version, &flow.CreatedAt, &flow.UpdatedAt, &flow.DeletedAt)
	if err != nil {
		return nil, err
	}

	for _, col := range []struct {
		raw []byte
		dst any
	}{
		{configuration, &flow.Configuration},
		{transitions, &flow.PhaseTransitions},
		{executionTimes, &flow.ExecutionTimes},
		{checkpoints, &flow.Checkpoints},
		{errorHistory, &flow.ErrorHistory},
		{phaseResults, &flow.PhaseResults},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("unmarshal master flow column: %w", err)
		}
	}
	return &flow, nil
}
