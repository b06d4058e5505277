package main

import (
	"context"
	"golang.org/x/exp/slices"
	"log"
	"purchasekit/internal/repositories"
	"strconv"
	"strings"
	"time"
)

const (
	ledgerReporterTimeout = 1 * time.Minute
)

func startLedgerReporter(ctx context.Context, repo *repositories.TransactionRepository, interval time.Duration, infoLog, errorLog *log.Logger) {
	if repo == nil || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		runOnce := func() {
			runCtx, cancel := context.WithTimeout(ctx, ledgerReporterTimeout)
			counts, err := repo.CountByState(runCtx)
			cancel()
			if err != nil {
				if errorLog != nil {
					errorLog.Printf("ledger reporter: failed to count transactions: %v", err)
				}
			} else if len(counts) > 0 && infoLog != nil {
				infoLog.Printf("ledger reporter: %s", formatCounts(counts))
			}
		}

		runOnce()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runOnce()
			}
		}
	}()
}

func formatCounts(counts map[string]int) string {
	states := make([]string, 0, len(counts))
	for state := range counts {
		states = append(states, state)
	}
	slices.Sort(states)
	parts := make([]string, 0, len(states))
	for _, state := range states {
		parts = append(parts, state+"="+strconv.Itoa(counts[state]))
	}
	return strings.Join(parts, " ")
}
