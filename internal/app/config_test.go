package app

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/billsync/internal/bills"
	"github.com/odyssey-erp/billsync/internal/dates"
	"github.com/odyssey-erp/billsync/internal/ledger"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.LedgerTimeout)
	require.Equal(t, 500*time.Millisecond, cfg.LedgerRetryBackoff)
	require.Equal(t, []string{"6240"}, cfg.LedgerDuplicateNameCodes)
	require.Equal(t, []string{"6000"}, cfg.LedgerNameInUseCodes)
	require.Equal(t, ledger.DefaultInvalidTokenSentinel, cfg.LedgerInvalidTokenSentinel)
	require.Equal(t, 10, cfg.SyncConcurrency)
	require.Equal(t, "*/30 * * * *", cfg.SyncSchedule)
	require.False(t, cfg.IsProduction())

	parser, err := cfg.DateParser()
	require.NoError(t, err)
	require.Equal(t, dates.DefaultOrder, parser.Order())

	policy, err := cfg.GroupingPolicy("")
	require.NoError(t, err)
	require.Equal(t, bills.DefaultPolicy(), policy)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("LEDGER_REALM_ID", "123")
	t.Setenv("LEDGER_DUPLICATE_NAME_CODES", "6240,6241")
	t.Setenv("DATE_LAYOUTS", "DD/MM/YYYY,YYYY-MM-DD")
	t.Setenv("SYNC_CONCURRENCY", "4")
	t.Setenv("DEFAULT_EXPENSE_ACCOUNT", "Purchases")
	t.Setenv("POLICY_GROUP_BY_DOCUMENT", "false")
	t.Setenv("POLICY_GROUP_BY_WEEK", "true")
	t.Setenv("POLICY_MAX_LINES_PER_BILL", "5")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	lc := cfg.LedgerConfig()
	require.Equal(t, "123", lc.RealmID)
	require.Equal(t, []string{"6240", "6241"}, lc.DuplicateNameCodes)

	ec, err := cfg.EngineConfig()
	require.NoError(t, err)
	require.Equal(t, 4, ec.Concurrency)
	require.Equal(t, "Purchases", ec.Resolve.ExpenseAccountName)
	require.Equal(t, "SERVIZIO IMPORT", ec.Resolve.DefaultItemName)
	require.Equal(t, []string{dates.LayoutEU, dates.LayoutISO}, ec.Dates.Order())

	policy, err := cfg.GroupingPolicy("")
	require.NoError(t, err)
	require.Equal(t, bills.StrategyCalendarWeek, policy.Strategy())
	require.Equal(t, 5, policy.MaxLinesPerBill)
	require.True(t, policy.MergeLinesSharingAccountAndTax)
}

func TestConfigValidation(t *testing.T) {
	cases := map[string][2]string{
		"schedule":    {"SYNC_SCHEDULE", "every tuesday"},
		"layout":      {"DATE_LAYOUTS", "YYYY/DD/MM"},
		"ambiguity":   {"DATE_AMBIGUITY", "guess"},
		"concurrency": {"SYNC_CONCURRENCY", "0"},
		"log level":   {"LOG_LEVEL", "loud"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			_, err := LoadConfig()
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestGroupingPolicyFileThenOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_lines_per_bill: 20\noverflow: spill\n"), 0o600))
	t.Setenv("GROUPING_POLICY_FILE", path)
	t.Setenv("POLICY_OVERFLOW", "reject")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	policy, err := cfg.GroupingPolicy("")
	require.NoError(t, err)
	require.Equal(t, 20, policy.MaxLinesPerBill)
	require.Equal(t, bills.OverflowReject, policy.Overflow)

	t.Setenv("POLICY_MAX_LINES_PER_BILL", "-1")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	_, err = cfg.GroupingPolicy("")
	require.ErrorIs(t, err, bills.ErrInvalidPolicy)
}

func TestTokenProviderPrefersFile(t *testing.T) {
	cfg := &Config{LedgerAccessToken: "static"}
	require.Equal(t, ledger.StaticToken("static"), cfg.TokenProvider())

	cfg.LedgerTokenFile = "/run/secrets/token"
	require.Equal(t, ledger.FileToken{Path: "/run/secrets/token"}, cfg.TokenProvider())
}

func TestNewLoggerLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, &Config{LogFormat: "json", LogLevel: "warn"})
	logger.Info("hidden")
	logger.Warn("shown", slog.String("component", "test"))
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"msg":"shown"`)
	require.Contains(t, buf.String(), `"component":"test"`)

	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestDryRunFlag(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"1", true},
		{"true", true},
		{"TRUE", true},
		{" t ", true},
		{"0", false},
		{"false", false},
		{"yes", false},
		{"", false},
	}
	for _, tc := range cases {
		t.Run(tc.value, func(t *testing.T) {
			t.Setenv(dryRunEnv, tc.value)
			RefreshDryRun()
			require.Equal(t, tc.want, InDryRun())
		})
	}
	t.Setenv(dryRunEnv, "")
	RefreshDryRun()
	require.False(t, InDryRun())
}
