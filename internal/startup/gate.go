// Package startup verifies the configured release level's invariants before
// any component accepts work; a failed gate exits the process (§4.16).
package startup

import (
	"fmt"
	"log"

	"github.com/denisbrodbeck/machineid"

	"confluence-engine/pkg/config"
	"confluence-engine/pkg/db"
)

// requiredUniqueIndexes names every uniqueness/check constraint the production
// contract depends on (§6 "Persisted uniqueness and check constraints").
// Unnamed UNIQUE(...) table constraints are verified by name from
// sqlite_master's auto-generated sqlite_autoindex_* entries instead, where
// noted.
var requiredUniqueIndexes = []string{
	"idx_trades_broker_order_id",
}

// requiredUniqueTables lists tables whose UNIQUE(...) constraints are
// declared inline rather than as named indexes; presence is checked via
// sqlite_master's autoindex entries for that table.
var requiredUniqueTables = []string{
	"signals",
	"signal_deliveries",
	"trades",
	"exit_signals",
	"exit_intents",
}

// Result is the startup gate's full verdict: Ready only if every check
// passed. Failures names each check that did not.
type Result struct {
	Ready    bool
	NodeID   string
	Failures []string
}

// GateReadiness is supplied by the caller: one bool per core gate
// (confluence zone analyzer, sizing, validation, execution) the spec
// requires be explicit booleans, not implicit from absence of error.
type GateReadiness map[string]bool

// Check runs every startup invariant for cfg against database and the
// supplied core-gate readiness flags, returning a Result the caller logs
// and, on failure, exits the process on.
func Check(cfg *config.Config, database *db.Database, gates GateReadiness) Result {
	var failures []string

	nodeID, err := machineid.ID()
	if err != nil {
		nodeID = "unknown"
		failures = append(failures, fmt.Sprintf("machine id: %v", err))
	}

	if cfg.ProductionMode {
		if !cfg.OrderExecutionEnabled {
			failures = append(failures, "production mode requires orderExecutionEnabled")
		}
		if cfg.PersistTickEvents && !cfg.AsyncEventWriterEnabled {
			failures = append(failures, "persistTickEvents requires asyncEventWriterEnabled")
		}
		if cfg.ReleaseReadiness != "PROD_READY" {
			failures = append(failures, fmt.Sprintf("production mode requires releaseReadiness=PROD_READY, got %q", cfg.ReleaseReadiness))
		}
	}

	if missing := missingIndexes(database); len(missing) > 0 {
		failures = append(failures, fmt.Sprintf("missing unique indexes: %v", missing))
	}
	if missing := missingUniqueConstraints(database); len(missing) > 0 {
		failures = append(failures, fmt.Sprintf("tables missing a unique constraint: %v", missing))
	}

	for name, ready := range gates {
		if !ready {
			failures = append(failures, fmt.Sprintf("core gate %q not ready", name))
		}
	}

	return Result{Ready: len(failures) == 0, NodeID: nodeID, Failures: failures}
}

// MustCheck runs Check and exits the process on failure, logging the node
// id and every failure reason first.
func MustCheck(cfg *config.Config, database *db.Database, gates GateReadiness) Result {
	result := Check(cfg, database, gates)
	log.Printf("startup: node=%s ready=%v", result.NodeID, result.Ready)
	if !result.Ready {
		for _, f := range result.Failures {
			log.Printf("startup: gate failure: %s", f)
		}
		log.Fatal("startup: gate failed, refusing to start")
	}
	return result
}

func missingIndexes(database *db.Database) []string {
	var missing []string
	for _, name := range requiredUniqueIndexes {
		var found string
		err := database.DB.QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'index' AND name = ?`, name,
		).Scan(&found)
		if err != nil {
			missing = append(missing, name)
		}
	}
	return missing
}

func missingUniqueConstraints(database *db.Database) []string {
	var missing []string
	for _, table := range requiredUniqueTables {
		var count int
		err := database.DB.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND tbl_name = ? AND name LIKE 'sqlite_autoindex_%'`, table,
		).Scan(&count)
		if err != nil || count == 0 {
			missing = append(missing, table)
		}
	}
	return missing
}
