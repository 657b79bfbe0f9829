package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/contextgraph/contextgraph/internal/config"
	"github.com/contextgraph/contextgraph/internal/db"
	"github.com/contextgraph/contextgraph/internal/repository"
	"github.com/contextgraph/contextgraph/internal/verifier"
)

// verify walks every tenant hash chain and reports the first break it finds.
// Exit code 0 means every chain is intact; 1 means at least one is broken.
func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	migrationsPath := flag.String("migrations", "", "run migrations from this directory before verifying")
	tenant := flag.String("tenant", "", "verify a single tenant instead of all")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup database connection
	cfg, err := config.LoadDBConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	conn, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer conn.Close()

	if *migrationsPath != "" {
		if err := db.RunMigrations(ctx, conn.Pool, *migrationsPath); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	}

	events := repository.NewEventRepository(conn.Pool)
	v := verifier.New(events)

	var reports []verifier.Report
	if *tenant != "" {
		report, err := v.VerifyTenant(ctx, *tenant)
		if err != nil {
			log.Fatalf("Failed to verify tenant %s: %v", *tenant, err)
		}
		reports = append(reports, report)
	} else {
		reports, err = v.VerifyAll(ctx)
		if err != nil {
			log.Fatalf("Failed to verify chains: %v", err)
		}
	}

	broken := 0
	for _, report := range reports {
		if report.Intact {
			log.Printf("[verify] tenant %s: %d events, chain intact", report.TenantID, report.Events)
			continue
		}
		broken++
		log.Printf("[verify] tenant %s: BROKEN at position %d: %s", report.TenantID, report.BreakPosition, report.BreakReason)
	}
	if broken > 0 {
		os.Exit(1)
	}
}
