// Command ledger-audit reconciles each owner's item balances against the
// signed sum of their ledger entries and reports any drift.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/agrous/stock-ledger/internal/bootstrap"
	"github.com/agrous/stock-ledger/internal/config"
	"github.com/agrous/stock-ledger/internal/core/service"
	"github.com/agrous/stock-ledger/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	owners := flag.StringSlice("owner", nil, "owner id to audit (repeatable)")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall timeout")
	flag.Parse()

	if len(*owners) == 0 {
		fmt.Fprintln(os.Stderr, "at least one --owner is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New("info").WithError(err).Fatal("failed to load config")
	}
	log := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	backends, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open storage")
	}

	audit := service.NewAuditService(backends.Inventory, backends.Locker, log)

	exitCode := 0
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	for _, owner := range *owners {
		report, err := audit.Reconcile(ctx, owner)
		if errors.Is(err, service.ErrAuditInProgress) {
			log.WithField("owner_id", owner).Warn("audit already running, skipped")
			exitCode = 1
			continue
		}
		if err != nil {
			logging.LogError(log, "ledger-audit", "main", "reconcile", owner, err)
			exitCode = 1
			continue
		}

		enc.Encode(report)
		if !report.Consistent() {
			exitCode = 1
		}
	}

	// os.Exit skips deferred calls
	backends.Close()
	os.Exit(exitCode)
}
