package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"

	"github.com/odyssey-erp/billsync/internal/billsync"
	"github.com/odyssey-erp/billsync/internal/bills"
	"github.com/odyssey-erp/billsync/internal/dates"
	"github.com/odyssey-erp/billsync/internal/ledger"
	"github.com/odyssey-erp/billsync/internal/resolve"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("app: invalid configuration")

// Config holds runtime configuration for the sync engine, the CLI and the worker.
type Config struct {
	AppEnv string `envconfig:"APP_ENV" default:"development"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty" validate:"oneof=pretty text json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	LedgerBaseURL              string        `envconfig:"LEDGER_BASE_URL" default:"https://sandbox-quickbooks.api.intuit.com" validate:"required,url"`
	LedgerRealmID              string        `envconfig:"LEDGER_REALM_ID"`
	LedgerMinorVersion         string        `envconfig:"LEDGER_MINOR_VERSION" default:"65"`
	LedgerTimeout              time.Duration `envconfig:"LEDGER_TIMEOUT" default:"5s" validate:"gt=0"`
	LedgerRetryBackoff         time.Duration `envconfig:"LEDGER_RETRY_BACKOFF" default:"500ms" validate:"gte=0"`
	LedgerDuplicateNameCodes   []string      `envconfig:"LEDGER_DUPLICATE_NAME_CODES" default:"6240"`
	LedgerNameInUseCodes       []string      `envconfig:"LEDGER_NAME_IN_USE_CODES" default:"6000"`
	LedgerInvalidTokenSentinel string        `envconfig:"LEDGER_INVALID_TOKEN_SENTINEL" default:"invalid_token_handled_gracefully"`
	LedgerAccessToken          string        `envconfig:"LEDGER_ACCESS_TOKEN"`
	LedgerTokenFile            string        `envconfig:"LEDGER_TOKEN_FILE"`

	DateLayouts   []string `envconfig:"DATE_LAYOUTS" default:"YYYY-MM-DD,MM/DD/YYYY,DD/MM/YYYY"`
	DateAmbiguity string   `envconfig:"DATE_AMBIGUITY" default:"reject" validate:"oneof=reject prefer-first"`

	GroupingPolicyFile string `envconfig:"GROUPING_POLICY_FILE"`
	// Policy overrides applied after the file; unset values keep the file or default.
	PolicyGroupByVendor   *bool   `envconfig:"POLICY_GROUP_BY_VENDOR"`
	PolicyGroupByDocument *bool   `envconfig:"POLICY_GROUP_BY_DOCUMENT"`
	PolicyGroupByWeek     *bool   `envconfig:"POLICY_GROUP_BY_WEEK"`
	PolicyDateTolerance   *int    `envconfig:"POLICY_DATE_TOLERANCE_DAYS"`
	PolicyMaxLines        *int    `envconfig:"POLICY_MAX_LINES_PER_BILL"`
	PolicyMergeLines      *bool   `envconfig:"POLICY_MERGE_LINES"`
	PolicyOverflow        *string `envconfig:"POLICY_OVERFLOW"`

	SyncConcurrency    int  `envconfig:"SYNC_CONCURRENCY" default:"10" validate:"gte=1,lte=64"`
	RetryAfterRecovery bool `envconfig:"RETRY_AFTER_RECOVERY" default:"false"`

	DefaultItemName       string `envconfig:"DEFAULT_ITEM_NAME" default:"SERVIZIO IMPORT"`
	DefaultItemType       string `envconfig:"DEFAULT_ITEM_TYPE" default:"Service"`
	DefaultExpenseAccount string `envconfig:"DEFAULT_EXPENSE_ACCOUNT"`
	DefaultIncomeAccount  string `envconfig:"DEFAULT_INCOME_ACCOUNT"`

	RedisAddr      string        `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	EntityCacheTTL time.Duration `envconfig:"ENTITY_CACHE_TTL" default:"24h" validate:"gte=0"`

	SyncSchedule string `envconfig:"SYNC_SCHEDULE" default:"*/30 * * * *"`
	SyncSource   string `envconfig:"SYNC_SOURCE"`
	OpsAddr      string `envconfig:"OPS_ADDR" default:":9090"`
}

var configValidator = validator.New()

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field bounds, the cron schedule and the date layouts.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if err := configValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%w: %s fails %s", ErrInvalidConfig, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if strings.TrimSpace(c.SyncSchedule) != "" {
		if _, err := cron.ParseStandard(c.SyncSchedule); err != nil {
			return fmt.Errorf("%w: SYNC_SCHEDULE: %v", ErrInvalidConfig, err)
		}
	}
	if _, err := c.DateParser(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}

// DateParser builds the parser for DATE_LAYOUTS and DATE_AMBIGUITY.
func (c *Config) DateParser() (*dates.Parser, error) {
	return dates.NewParser(c.DateLayouts, dates.AmbiguityMode(c.DateAmbiguity))
}

// LedgerConfig maps the LEDGER_* settings onto the client configuration.
func (c *Config) LedgerConfig() ledger.Config {
	return ledger.Config{
		BaseURL:              c.LedgerBaseURL,
		RealmID:              c.LedgerRealmID,
		MinorVersion:         c.LedgerMinorVersion,
		Timeout:              c.LedgerTimeout,
		RetryBackoff:         c.LedgerRetryBackoff,
		InvalidTokenSentinel: c.LedgerInvalidTokenSentinel,
		DuplicateNameCodes:   c.LedgerDuplicateNameCodes,
		NameInUseCodes:       c.LedgerNameInUseCodes,
	}
}

// TokenProvider prefers the token file, which is re-read on every call.
func (c *Config) TokenProvider() ledger.TokenProvider {
	if strings.TrimSpace(c.LedgerTokenFile) != "" {
		return ledger.FileToken{Path: c.LedgerTokenFile}
	}
	return ledger.StaticToken(c.LedgerAccessToken)
}

// ResolvePolicy returns the entity defaults used when creating or falling back.
func (c *Config) ResolvePolicy() resolve.Policy {
	policy := resolve.DefaultPolicy()
	if c.DefaultItemName != "" {
		policy.DefaultItemName = c.DefaultItemName
	}
	if c.DefaultItemType != "" {
		policy.DefaultItemType = c.DefaultItemType
	}
	policy.ExpenseAccountName = c.DefaultExpenseAccount
	policy.IncomeAccountName = c.DefaultIncomeAccount
	return policy
}

// EngineConfig assembles the engine settings.
func (c *Config) EngineConfig() (billsync.Config, error) {
	parser, err := c.DateParser()
	if err != nil {
		return billsync.Config{}, err
	}
	return billsync.Config{
		Concurrency:        c.SyncConcurrency,
		RetryAfterRecovery: c.RetryAfterRecovery,
		Dates:              parser,
		Resolve:            c.ResolvePolicy(),
	}, nil
}

// GroupingPolicy loads path (or GROUPING_POLICY_FILE when path is empty) over the defaults,
// then applies POLICY_* overrides.
func (c *Config) GroupingPolicy(path string) (bills.GroupingPolicy, error) {
	policy := bills.DefaultPolicy()
	if path == "" {
		path = c.GroupingPolicyFile
	}
	if path != "" {
		loaded, err := bills.LoadPolicy(path, policy)
		if err != nil {
			return bills.GroupingPolicy{}, err
		}
		policy = loaded
	}
	if c.PolicyGroupByVendor != nil {
		policy.GroupByVendor = *c.PolicyGroupByVendor
	}
	if c.PolicyGroupByDocument != nil {
		policy.GroupByVendorAndDocumentNumber = *c.PolicyGroupByDocument
	}
	if c.PolicyGroupByWeek != nil {
		policy.GroupByCalendarWeek = *c.PolicyGroupByWeek
	}
	if c.PolicyDateTolerance != nil {
		policy.DateToleranceDays = *c.PolicyDateTolerance
	}
	if c.PolicyMaxLines != nil {
		policy.MaxLinesPerBill = *c.PolicyMaxLines
	}
	if c.PolicyMergeLines != nil {
		policy.MergeLinesSharingAccountAndTax = *c.PolicyMergeLines
	}
	if c.PolicyOverflow != nil {
		policy.Overflow = bills.OverflowMode(*c.PolicyOverflow)
	}
	policy = policy.WithDefaults()
	if err := policy.Validate(); err != nil {
		return bills.GroupingPolicy{}, err
	}
	return policy, nil
}
