package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/mmdatafocus/estate_backend/config"
	"github.com/mmdatafocus/estate_backend/ledger"
	"github.com/mmdatafocus/estate_backend/models"
	"github.com/mmdatafocus/estate_backend/utils"
	"github.com/mmdatafocus/estate_backend/workflow"
)

// reconcile-ledger cross-checks local signatures against the ledger and writes
// reconciliation_reports rows. It never changes agreement state.
func main() {
	anchor := flag.Bool("anchor", false, "Retry ledger anchoring for unanchored distributions instead of only reporting them")
	limit := flag.Int("limit", 500, "Distributions loaded per page; every distribution is checked")
	distributionID := flag.String("distribution-id", "", "Optional: only re-anchor this distribution, then exit")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	ledgerClient, err := ledger.New(config.LedgerDriver())
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledger client: %v\n", err)
		os.Exit(1)
	}
	if closer, ok := ledgerClient.(interface{ Close() }); ok {
		defer closer.Close()
	}

	// No sender: reconciliation and anchoring never email anyone.
	svc := workflow.NewService(db, ledgerClient, nil, models.NewGormDirectory(db), logger)
	ctx := utils.SetCorrelationIdInContext(context.Background(), uuid.NewString())

	if *distributionID != "" {
		d, err := svc.AnchorDistribution(ctx, *distributionID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "anchor %s: %v\n", *distributionID, err)
			os.Exit(1)
		}
		fmt.Printf("distribution %s anchored at %v\n", d.ID, utils.DereferencePtr(d.AnchoredAt))
		return
	}

	r := workflow.NewReconciler(svc)
	r.AutoAnchor = *anchor
	r.Limit = *limit
	summary, err := r.RunPass(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))
	if len(summary.Reports) > 0 {
		os.Exit(2)
	}
}
