package app

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

const dryRunEnv = "BILLSYNC_DRY_RUN"

var (
	dryRunFlag atomic.Bool
	dryRunOnce sync.Once
)

// detectDryRun accepts any strconv.ParseBool spelling; anything else leaves dry run off.
func detectDryRun() {
	on, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(dryRunEnv)))
	dryRunFlag.Store(err == nil && on)
}

// InDryRun reports whether scheduled runs should aggregate without contacting the ledger.
func InDryRun() bool {
	dryRunOnce.Do(detectDryRun)
	return dryRunFlag.Load()
}

// RefreshDryRun updates the cached flag after environment changes.
func RefreshDryRun() {
	dryRunOnce.Do(func() {})
	detectDryRun()
}
