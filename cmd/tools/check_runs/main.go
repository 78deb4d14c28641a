package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/petra/site-audit/internal/db"
)

func main() {
	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	runs, err := db.NewStore(pool).ListAuditRuns(ctx, nil, 10)
	if err != nil {
		log.Fatal(err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Site", "Audit", "Status", "Pages", "Created", "Updated", "Outdated", "Duration", "Started At"})

	for _, run := range runs {
		duration := "Running..."
		if run.FinishedAt != nil {
			duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
		}

		t.AppendRow(table.Row{
			run.SiteURL, run.AuditType, run.Status, run.PagesScanned,
			run.SuggestionsCreated, run.SuggestionsUpdated, run.SuggestionsOutdated,
			duration, run.StartedAt.Format("15:04:05"),
		})
	}
	t.Render()
}
