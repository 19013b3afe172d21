package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/odyssey-erp/odyssey-inventory/internal/inventory"
)

// Reconciler is the inventory service surface the reconcile command drives.
type Reconciler interface {
	Reconcile(ctx context.Context, variantID, warehouseID int64) (inventory.ReconcileReport, error)
	ReconcileAll(ctx context.Context, concurrency int) ([]inventory.ReconcileReport, error)
}

// ReconcileCLI runs ledger reconciliation from the command line.
type ReconcileCLI struct {
	svc Reconciler
}

// NewReconcileCLI constructs the command helper.
func NewReconcileCLI(svc Reconciler) (*ReconcileCLI, error) {
	if svc == nil {
		return nil, errors.New("reconcile cli: service required")
	}
	return &ReconcileCLI{svc: svc}, nil
}

// ReconcileOptions defines available flags for the reconcile command.
type ReconcileOptions struct {
	VariantID   int64
	WarehouseID int64
	All         bool
	Concurrency int
	JSONOutput  bool
	Stdout      io.Writer
	Stderr      io.Writer
}

// ReconcileSummary describes the JSON response for reconcile.
type ReconcileSummary struct {
	OK       bool                        `json:"ok"`
	Keys     int                         `json:"keys"`
	Findings []ReconcileSummaryFinding   `json:"findings"`
	Reports  []inventory.ReconcileReport `json:"reports,omitempty"`
}

// ReconcileSummaryFinding is one finding with its stock key.
type ReconcileSummaryFinding struct {
	VariantID   int64  `json:"variant_id"`
	WarehouseID int64  `json:"warehouse_id"`
	Check       string `json:"check"`
	Scope       string `json:"scope"`
	Expected    string `json:"expected"`
	Actual      string `json:"actual"`
}

// ReconcileCommand executes reconcile and prints the outcome. It exits 0
// when consistent, 10 when drift was found and 1 on failure.
func (c *ReconcileCLI) ReconcileCommand(ctx context.Context, opts ReconcileOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	single := opts.VariantID > 0 && opts.WarehouseID > 0
	if opts.All == single {
		_, _ = fmt.Fprintln(opts.Stderr, "reconcile: pass either --variant and --warehouse, or --all")
		return 1
	}

	var reports []inventory.ReconcileReport
	var err error
	if single {
		var report inventory.ReconcileReport
		report, err = c.svc.Reconcile(ctx, opts.VariantID, opts.WarehouseID)
		reports = []inventory.ReconcileReport{report}
	} else {
		reports, err = c.svc.ReconcileAll(ctx, opts.Concurrency)
	}
	if err != nil && !errors.Is(err, inventory.ErrLedgerInconsistency) {
		_, _ = fmt.Fprintf(opts.Stderr, "reconcile: %v\n", err)
		return 1
	}

	summary := buildReconcileSummary(reports, single)
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "reconcile: encode json: %v\n", err)
			return 1
		}
	} else {
		renderReconcileHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return 10
	}
	return 0
}

func buildReconcileSummary(reports []inventory.ReconcileReport, withReports bool) ReconcileSummary {
	findings := make([]ReconcileSummaryFinding, 0)
	for _, r := range reports {
		for _, f := range r.Findings {
			findings = append(findings, ReconcileSummaryFinding{
				VariantID:   r.VariantID,
				WarehouseID: r.WarehouseID,
				Check:       f.Check,
				Scope:       f.Scope,
				Expected:    f.Expected,
				Actual:      f.Actual,
			})
		}
	}
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].VariantID != findings[j].VariantID {
			return findings[i].VariantID < findings[j].VariantID
		}
		return findings[i].WarehouseID < findings[j].WarehouseID
	})
	summary := ReconcileSummary{OK: len(findings) == 0, Keys: len(reports), Findings: findings}
	if withReports {
		summary.Reports = reports
	}
	return summary
}

func renderReconcileHuman(out io.Writer, summary ReconcileSummary) {
	_, _ = fmt.Fprintf(out, "Reconciled %d stock key(s)\n", summary.Keys)
	for _, r := range summary.Reports {
		for _, b := range r.Balances {
			_, _ = fmt.Fprintf(out, "  variant %d warehouse %d location %d: on hand %s, reserved %s, available %s\n",
				b.VariantID, b.WarehouseID, b.LocationID, b.QtyOnHand.String(), b.QtyReserved.String(), b.QtyAvailable.String())
		}
	}
	if summary.OK {
		_, _ = fmt.Fprintln(out, "Ledger and projections agree.")
		return
	}
	_, _ = fmt.Fprintf(out, "%d finding(s):\n", len(summary.Findings))
	for _, f := range summary.Findings {
		_, _ = fmt.Fprintf(out, "  - [%s] %s: expected %s, got %s\n", f.Check, f.Scope, f.Expected, f.Actual)
	}
}
