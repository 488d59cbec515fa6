package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"masterflow/backend/internal/config"
	"masterflow/backend/internal/logging"
	"masterflow/backend/internal/repository"
	"masterflow/backend/internal/services"
	"masterflow/backend/pkg/models"
)

func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	// 1. Apply schema
	ddl, err := os.ReadFile("migrations/001_init.sql")
	if err != nil {
		log.Fatalf("Failed to read schema: %v", err)
	}
	if _, err := pool.Exec(ctx, string(ddl)); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}
	logger.Info("Schema applied")

	masterStore := repository.NewPostgresMasterFlowStore(pool)
	domainStore := repository.NewPostgresDomainFlowStore(pool)
	gapStore := repository.NewPostgresGapStore(pool)
	assetStore := repository.NewPostgresAssetDataStore(pool)

	tenant := models.TenantContext{
		ClientAccountID: "local-client",
		EngagementID:    "local-engagement",
		UserID:          "seed-script",
	}

	// 2. Check for an existing seed flow to prevent duplicates
	existing, err := masterStore.GetByIdempotencyKey(ctx, tenant, "seed-collection-flow")
	if err != nil {
		log.Fatalf("Failed to check existing flows: %v", err)
	}
	if existing != nil {
		logger.Info("Seed flow already exists", "flow_id", existing.ID)
		return
	}

	// 3. Seed assets with field values across several source categories
	assets := []struct {
		id     string
		values map[string]models.SourceType
	}{
		{"vm-web-01", map[string]models.SourceType{
			"os.name":                "canonical_column",
			"os.version":             "canonical_column",
			"hardware.cpu_count":     "enrichment_table",
			"deployment.environment": "environment_metadata",
		}},
		{"db-orders-01", map[string]models.SourceType{
			"os.name":          "canonical_column",
			"governance.owner": "custom_attribute",
		}},
		{"app-billing", map[string]models.SourceType{
			"deployment.environment": "canonical_app_rollup",
		}},
	}
	for _, a := range assets {
		for path, source := range a.values {
			if err := assetStore.UpsertFieldValue(ctx, a.id, path, source, "seeded-"+path); err != nil {
				log.Fatalf("Failed to seed field value for %s: %v", a.id, err)
			}
		}
	}
	logger.Info("Seeded asset field values", "assets", len(assets))

	// 4. Create the demo collection flow through the orchestrator
	analyzer := services.NewGapAnalyzer(assetStore, gapStore,
		services.NewHTTPDependencyProvider(cfg.Executor.URL),
		cfg.Analyzer.MaxDepth, cfg.Analyzer.MaxVisited, logger)
	machine, err := services.NewPhaseMachine(analyzer)
	if err != nil {
		log.Fatalf("Phase plans invalid: %v", err)
	}
	orch := services.NewOrchestrator(pool, masterStore, domainStore, gapStore,
		machine, services.NewHTTPPhaseExecutor(cfg.Executor.URL, cfg.Executor.Timeout),
		analyzer, services.NewRecoveryHandler(0, 0, logger), logger)

	flow, err := orch.CreateFlow(ctx, tenant, services.CreateFlowRequest{
		FlowType:       models.FlowTypeCollection,
		FlowName:       "Demo Collection",
		IdempotencyKey: "seed-collection-flow",
		Configuration:  map[string]any{"thorough_analysis": true},
		InitialState: map[string]any{
			"asset_ids": []any{"vm-web-01", "db-orders-01", "app-billing"},
		},
	})
	if err != nil {
		log.Fatalf("Failed to create seed flow: %v", err)
	}

	logger.Info("Seeding complete!", "flow_id", flow.ID)
}
