package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"masterflow/backend/internal/flowerr"
	"masterflow/backend/pkg/models"
)

func newTestMasterFlow(tenant models.TenantContext, key string) *models.MasterFlow {
	return &models.MasterFlow{
		ID:             uuid.New().String(),
		Tenant:         tenant,
		FlowType:       models.FlowTypeCollection,
		FlowStatus:     models.FlowStatusInitializing,
		FlowName:       "test flow",
		IdempotencyKey: key,
		Configuration:  map[string]any{"thorough_analysis": true},
		PhaseTransitions: []models.PhaseTransition{{
			Phase:     "initialization",
			Status:    models.TransitionInitializing,
			Timestamp: time.Now().UTC(),
		}},
	}
}

func TestPostgresStores(t *testing.T) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	schema, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatal(err)
	}

	masters := NewPostgresMasterFlowStore(pool)
	domains := NewPostgresDomainFlowStore(pool)
	gaps := NewPostgresGapStore(pool)
	assets := NewPostgresAssetDataStore(pool)

	tenant := models.TenantContext{ClientAccountID: "acct-1", EngagementID: "eng-1", UserID: "user-1"}

	t.Run("master flow create and get round trip", func(t *testing.T) {
		flow := newTestMasterFlow(tenant, "round-trip")
		require.NoError(t, masters.Create(ctx, nil, flow))
		assert.Equal(t, int64(1), flow.Version)

		got, err := masters.Get(ctx, tenant, flow.ID)
		require.NoError(t, err)
		assert.Equal(t, flow.FlowName, got.FlowName)
		assert.Equal(t, flow.FlowType, got.FlowType)
		assert.Equal(t, flow.Tenant, got.Tenant)
		assert.Equal(t, true, got.Configuration["thorough_analysis"])
		require.Len(t, got.PhaseTransitions, 1)
		assert.Equal(t, "initialization", got.PhaseTransitions[0].Phase)
	})

	t.Run("duplicate idempotency key rejected", func(t *testing.T) {
		first := newTestMasterFlow(tenant, "dup-key")
		require.NoError(t, masters.Create(ctx, nil, first))

		second := newTestMasterFlow(tenant, "dup-key")
		err := masters.Create(ctx, nil, second)
		assert.Equal(t, flowerr.KindDuplicateFlow, flowerr.KindOf(err))

		// The same key under another tenant is a different flow.
		other := models.TenantContext{ClientAccountID: "acct-2", EngagementID: "eng-2", UserID: "u"}
		third := newTestMasterFlow(other, "dup-key")
		assert.NoError(t, masters.Create(ctx, nil, third))
	})

	t.Run("get by idempotency key", func(t *testing.T) {
		flow := newTestMasterFlow(tenant, "lookup-key")
		require.NoError(t, masters.Create(ctx, nil, flow))

		got, err := masters.GetByIdempotencyKey(ctx, tenant, "lookup-key")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, flow.ID, got.ID)

		missing, err := masters.GetByIdempotencyKey(ctx, tenant, "no-such-key")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("stale version update conflicts", func(t *testing.T) {
		flow := newTestMasterFlow(tenant, "cas")
		require.NoError(t, masters.Create(ctx, nil, flow))

		winner, err := masters.Get(ctx, tenant, flow.ID)
		require.NoError(t, err)
		loser, err := masters.Get(ctx, tenant, flow.ID)
		require.NoError(t, err)

		winner.FlowStatus = models.FlowStatusRunning
		require.NoError(t, masters.Update(ctx, winner))
		assert.Equal(t, int64(2), winner.Version)

		loser.FlowStatus = models.FlowStatusPaused
		err = masters.Update(ctx, loser)
		assert.Equal(t, flowerr.KindConflict, flowerr.KindOf(err))

		got, err := masters.Get(ctx, tenant, flow.ID)
		require.NoError(t, err)
		assert.Equal(t, models.FlowStatusRunning, got.FlowStatus, "the loser wrote nothing")
	})

	t.Run("tenant isolation", func(t *testing.T) {
		flow := newTestMasterFlow(tenant, "isolated")
		require.NoError(t, masters.Create(ctx, nil, flow))

		other := models.TenantContext{ClientAccountID: "acct-9", EngagementID: "eng-9", UserID: "u"}
		_, err := masters.Get(ctx, other, flow.ID)
		assert.Equal(t, flowerr.KindNotFound, flowerr.KindOf(err))

		flows, err := masters.List(ctx, other)
		require.NoError(t, err)
		assert.Empty(t, flows)
	})

	t.Run("soft deleted flow hidden from reads", func(t *testing.T) {
		flow := newTestMasterFlow(tenant, "soft-delete")
		require.NoError(t, masters.Create(ctx, nil, flow))

		now := time.Now().UTC()
		flow.DeletedAt = &now
		flow.FlowStatus = models.FlowStatusCancelled
		require.NoError(t, masters.Update(ctx, flow))

		_, err := masters.Get(ctx, tenant, flow.ID)
		assert.Equal(t, flowerr.KindNotFound, flowerr.KindOf(err))

		got, err := masters.GetByIdempotencyKey(ctx, tenant, "soft-delete")
		require.NoError(t, err)
		assert.Nil(t, got, "the key is free for reuse after soft deletion")
	})

	t.Run("domain flow linked one to one", func(t *testing.T) {
		master := newTestMasterFlow(tenant, "domain-link")
		require.NoError(t, masters.Create(ctx, nil, master))

		domain := &models.DomainFlow{
			ID:           uuid.New().String(),
			MasterFlowID: master.ID,
			FlowFamily:   models.FlowTypeCollection,
			CurrentPhase: "initialization",
			Status:       models.FlowStatusInitializing,
			Payload:      map[string]any{"asset_ids": []any{"vm-1"}},
		}
		require.NoError(t, domains.Create(ctx, nil, domain))

		got, err := domains.GetByMasterFlowID(ctx, master.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ID, got.ID)
		assert.Equal(t, []any{"vm-1"}, got.Payload["asset_ids"])

		second := &models.DomainFlow{
			ID:           uuid.New().String(),
			MasterFlowID: master.ID,
			FlowFamily:   models.FlowTypeCollection,
			CurrentPhase: "initialization",
			Status:       models.FlowStatusInitializing,
		}
		assert.Error(t, domains.Create(ctx, nil, second), "a second domain flow per master is rejected")

		got.CurrentPhase = "asset_selection"
		got.ProgressPercentage = 28.5
		require.NoError(t, domains.Update(ctx, got))
		updated, err := domains.GetByMasterFlowID(ctx, master.ID)
		require.NoError(t, err)
		assert.Equal(t, "asset_selection", updated.CurrentPhase)
		assert.InDelta(t, 28.5, updated.ProgressPercentage, 0.001)
	})

	t.Run("hard delete removes master and domain", func(t *testing.T) {
		master := newTestMasterFlow(tenant, "hard-delete")
		require.NoError(t, masters.Create(ctx, nil, master))
		domain := &models.DomainFlow{
			ID:           uuid.New().String(),
			MasterFlowID: master.ID,
			FlowFamily:   models.FlowTypeCollection,
			CurrentPhase: "initialization",
			Status:       models.FlowStatusInitializing,
		}
		require.NoError(t, domains.Create(ctx, nil, domain))

		tx, err := pool.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, domains.DeleteByMasterFlowID(ctx, tx, master.ID))
		require.NoError(t, masters.HardDelete(ctx, tx, tenant, master.ID))
		require.NoError(t, tx.Commit(ctx))

		_, err = masters.Get(ctx, tenant, master.ID)
		assert.Equal(t, flowerr.KindNotFound, flowerr.KindOf(err))
		_, err = domains.GetByMasterFlowID(ctx, master.ID)
		assert.Equal(t, flowerr.KindNotFound, flowerr.KindOf(err))
	})

	t.Run("gap replace carries forward resolutions", func(t *testing.T) {
		master := newTestMasterFlow(tenant, "gap-carry")
		require.NoError(t, masters.Create(ctx, nil, master))
		domain := &models.DomainFlow{
			ID:           uuid.New().String(),
			MasterFlowID: master.ID,
			FlowFamily:   models.FlowTypeCollection,
			CurrentPhase: "gap_analysis",
			Status:       models.FlowStatusRunning,
		}
		require.NoError(t, domains.Create(ctx, nil, domain))

		now := time.Now().UTC()
		gapRow := func(fieldID string, trueGap bool) models.Gap {
			return models.Gap{
				DomainFlowID: domain.ID,
				AssetID:      "vm-1",
				FieldID:      fieldID,
				Priority:     models.GapPriorityHigh,
				Status:       models.GapStatusUnresolved,
				IsTrueGap:    trueGap,
				AnalyzedAt:   now,
			}
		}

		require.NoError(t, gaps.ReplaceForAsset(ctx, domain.ID, "vm-1", []models.Gap{
			gapRow("os_version", true),
			gapRow("cpu_count", true),
		}))
		pending, err := gaps.CountPending(ctx, domain.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, pending)

		require.NoError(t, gaps.SetStatus(ctx, domain.ID, "vm-1", "os_version", models.GapStatusResolved))
		pending, err = gaps.CountPending(ctx, domain.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, pending)

		// Recompute: os_version is still a true gap, so the user's resolution
		// survives the wholesale replacement.
		require.NoError(t, gaps.ReplaceForAsset(ctx, domain.ID, "vm-1", []models.Gap{
			gapRow("os_version", true),
			gapRow("cpu_count", true),
		}))
		rows, err := gaps.ListByFlow(ctx, domain.ID)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		byField := map[string]models.Gap{}
		for _, g := range rows {
			byField[g.FieldID] = g
		}
		assert.Equal(t, models.GapStatusResolved, byField["os_version"].Status)
		assert.Equal(t, models.GapStatusUnresolved, byField["cpu_count"].Status)

		// Once data appears, the field is no longer a gap and the stale
		// resolution is dropped with it.
		filled := gapRow("os_version", false)
		filled.DataFound = []models.DataHit{{
			SourceType: models.SourceCanonicalColumn,
			FieldPath:  "os.version",
			Value:      "22.04",
			Confidence: 1.0,
		}}
		require.NoError(t, gaps.ReplaceForAsset(ctx, domain.ID, "vm-1", []models.Gap{
			filled,
			gapRow("cpu_count", true),
		}))
		rows, err = gaps.ListByFlow(ctx, domain.ID)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		for _, g := range rows {
			if g.FieldID == "os_version" {
				assert.False(t, g.IsTrueGap)
				assert.Equal(t, models.GapStatusUnresolved, g.Status)
				require.Len(t, g.DataFound, 1)
				assert.Equal(t, "22.04", g.DataFound[0].Value)
			}
		}
	})

	t.Run("set status on missing gap", func(t *testing.T) {
		err := gaps.SetStatus(ctx, uuid.New().String(), "no-asset", "no-field", models.GapStatusWaived)
		assert.Equal(t, flowerr.KindNotFound, flowerr.KindOf(err))
	})

	t.Run("asset analysis error upsert", func(t *testing.T) {
		master := newTestMasterFlow(tenant, "gap-errors")
		require.NoError(t, masters.Create(ctx, nil, master))
		domain := &models.DomainFlow{
			ID:           uuid.New().String(),
			MasterFlowID: master.ID,
			FlowFamily:   models.FlowTypeCollection,
			CurrentPhase: "gap_analysis",
			Status:       models.FlowStatusRunning,
		}
		require.NoError(t, domains.Create(ctx, nil, domain))

		require.NoError(t, gaps.MarkAssetError(ctx, domain.ID, "vm-2", "lookup timed out"))
		require.NoError(t, gaps.MarkAssetError(ctx, domain.ID, "vm-2", "lookup refused"))

		var message string
		err := pool.QueryRow(ctx, `SELECT message FROM gap_analysis_errors
			WHERE domain_flow_id = $1 AND asset_id = $2`, domain.ID, "vm-2").Scan(&message)
		require.NoError(t, err)
		assert.Equal(t, "lookup refused", message)
	})

	t.Run("asset field lookup", func(t *testing.T) {
		require.NoError(t, assets.UpsertFieldValue(ctx, "vm-3", "os.name", models.SourceCanonicalColumn, "Ubuntu"))

		value, ok, err := assets.Lookup(ctx, "vm-3", "os.name", models.SourceCanonicalColumn)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "Ubuntu", value)

		_, ok, err = assets.Lookup(ctx, "vm-3", "os.name", models.SourceCustomAttribute)
		require.NoError(t, err)
		assert.False(t, ok, "each source category is probed independently")

		require.NoError(t, assets.UpsertFieldValue(ctx, "vm-3", "os.name", models.SourceCanonicalColumn, "Debian"))
		value, ok, err = assets.Lookup(ctx, "vm-3", "os.name", models.SourceCanonicalColumn)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "Debian", value, "upsert overwrites")
	})
}
