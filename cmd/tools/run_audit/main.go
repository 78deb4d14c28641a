package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/petra/site-audit/internal/ai"
	"github.com/petra/site-audit/internal/audits"
	"github.com/petra/site-audit/internal/db"
)

func main() {
	siteRef := flag.String("site", "", "Site to audit (id, URL, or name from sites.yaml)")
	auditType := flag.String("audit", "", "Single audit type to run (empty = all configured for the site)")
	noAI := flag.Bool("no-ai", false, "Skip AI copy and embedding generation")
	flag.Parse()

	if *siteRef == "" {
		log.Fatal("Please provide a site using the -site flag")
	}

	registry, err := audits.LoadRegistry("internal/audits/config/sites.yaml")
	if err != nil {
		log.Fatalf("Failed to load site registry: %v", err)
	}
	site, err := registry.FindSite(*siteRef)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	var enricher audits.Enricher
	if !*noAI {
		enricher = ai.NewOllamaClient(os.Getenv("OLLAMA_HOST"), "", "")
	}

	runner := audits.NewRunner(db.NewStore(pool), audits.GlobalAuditFactory, enricher)

	log.Printf("Starting audit for site: %s", site.URL)
	if *auditType != "" {
		run, err := runner.RunAudit(ctx, *site, *auditType)
		if err != nil {
			log.Fatalf("Audit failed: %v", err)
		}
		log.Printf("Audit finished. Pages: %d, Created: %d, Updated: %d, Outdated: %d",
			run.PagesScanned, run.SuggestionsCreated, run.SuggestionsUpdated, run.SuggestionsOutdated)
		return
	}

	runs, err := runner.RunAll(ctx, *site)
	for _, run := range runs {
		log.Printf("%s: status=%s pages=%d created=%d updated=%d outdated=%d",
			run.AuditType, run.Status, run.PagesScanned,
			run.SuggestionsCreated, run.SuggestionsUpdated, run.SuggestionsOutdated)
	}
	if err != nil {
		log.Fatalf("One or more audits failed: %v", err)
	}
}
