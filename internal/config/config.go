// Package config loads the bot configuration from viper, the legacy
// environment variables, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Veraticus/agent-ledger/internal/common"
	"github.com/Veraticus/agent-ledger/internal/report"
	"github.com/spf13/viper"
)

// Config is the validated runtime configuration.
type Config struct {
	Logging  LoggingConfig
	Telegram TelegramConfig
	Database DatabaseConfig
	Metrics  MetricsConfig
	Report   ReportConfig
	LLM      LLMConfig
	Ingest   IngestConfig
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelegramConfig holds transport settings.
type TelegramConfig struct {
	Token          string        `mapstructure:"token"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	OperatorChatID int64         `mapstructure:"operator_chat_id"`
}

// DatabaseConfig locates the ledger database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address of the /metrics server; empty disables it.
	Listen string `mapstructure:"listen"`
}

// ReportConfig configures the daily report and the workbook template.
type ReportConfig struct {
	TemplatePath string        `mapstructure:"template_path"`
	Layout       report.Layout `mapstructure:"layout"`
	Hour         int           `mapstructure:"hour"`
}

// LLMConfig configures the classification oracle.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	Temperature float64       `mapstructure:"temperature"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RateLimit   int           `mapstructure:"rate_limit"`
	MaxTokens   int           `mapstructure:"max_tokens"`
}

// IngestConfig sizes the update worker pool.
type IngestConfig struct {
	Workers int `mapstructure:"workers"`
}

// EnvPrefix prefixes environment overrides, as in LEDGERBOT_LLM_MODEL.
const EnvPrefix = "LEDGERBOT"

// ConfigureEnv makes every key overridable from the environment.
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	layout := report.DefaultLayout()

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	// Empty defaults make these keys visible to environment overrides.
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.operator_chat_id", 0)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("metrics.listen", "")

	v.SetDefault("telegram.poll_timeout", 30*time.Second)
	v.SetDefault("database.path", "data/ledger.db")
	v.SetDefault("report.hour", 9)
	v.SetDefault("report.template_path", "data/Agent_Model_v2.xlsx")
	v.SetDefault("report.layout.summary_sheet", layout.SummarySheet)
	v.SetDefault("report.layout.balance_cell", layout.BalanceCell)
	v.SetDefault("report.layout.pending_total_cell", layout.PendingTotalCell)
	v.SetDefault("report.layout.pending_count_cell", layout.PendingCountCell)
	v.SetDefault("report.layout.unknown_count_cell", layout.UnknownCountCell)
	v.SetDefault("report.layout.adjustments_cell", layout.AdjustmentsCell)
	v.SetDefault("report.layout.pending_sheet", layout.PendingSheet)
	v.SetDefault("report.layout.pending_start_row", layout.PendingStartRow)
	v.SetDefault("report.layout.pending_columns.reference", layout.PendingColumns.Reference)
	v.SetDefault("report.layout.pending_columns.amount", layout.PendingColumns.Amount)
	v.SetDefault("report.layout.pending_columns.created", layout.PendingColumns.Created)
	v.SetDefault("report.layout.pending_columns.note", layout.PendingColumns.Note)
	v.SetDefault("report.layout.unknown_sheet", layout.UnknownSheet)
	v.SetDefault("report.layout.unknown_start_row", layout.UnknownStartRow)
	v.SetDefault("report.layout.unknown_columns.received", layout.UnknownColumns.Received)
	v.SetDefault("report.layout.unknown_columns.sender", layout.UnknownColumns.Sender)
	v.SetDefault("report.layout.unknown_columns.reason", layout.UnknownColumns.Reason)
	v.SetDefault("report.layout.unknown_columns.text", layout.UnknownColumns.Text)
	v.SetDefault("report.layout.unknown_columns.file", layout.UnknownColumns.File)
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay", time.Second)
	v.SetDefault("llm.rate_limit", 50)
	v.SetDefault("llm.max_tokens", 300)
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("ingest.workers", 1)
}

// Load reads the configuration from v.
// It follows this precedence:
// 1. Viper configuration (from config file or LEDGERBOT_ env vars)
// 2. Legacy environment variables (BOT_TOKEN, MY_CHAT_ID, ...)
// 3. Default values
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}

	if cfg.Telegram.Token == "" {
		cfg.Telegram.Token = os.Getenv("BOT_TOKEN")
	}
	if cfg.Telegram.OperatorChatID == 0 {
		if raw := os.Getenv("MY_CHAT_ID"); raw != "" {
			id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: MY_CHAT_ID %q is not a chat id", common.ErrInvalidConfig, raw)
			}
			cfg.Telegram.OperatorChatID = id
		}
	}
	if !explicit(v, "report.hour") {
		if raw := os.Getenv("MORNING_HOUR"); raw != "" {
			hour, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("%w: MORNING_HOUR %q is not an hour", common.ErrInvalidConfig, raw)
			}
			cfg.Report.Hour = hour
		}
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = apiKeyFromEnv(cfg.LLM.Provider)
	}

	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.Report.TemplatePath = ExpandPath(cfg.Report.TemplatePath)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// explicit reports whether key was set by the config file or its own
// environment variable rather than a default.
func explicit(v *viper.Viper, key string) bool {
	if v.InConfig(key) {
		return true
	}
	env := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	_, ok := os.LookupEnv(env)
	return ok
}

func apiKeyFromEnv(provider string) string {
	names := []string{"ANTHROPIC_KEY", "ANTHROPIC_API_KEY"}
	if strings.EqualFold(provider, "openai") {
		names = []string{"OPENAI_API_KEY"}
	}
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func (c *Config) validate() error {
	if c.Report.Hour < 0 || c.Report.Hour > 23 {
		return fmt.Errorf("%w: report.hour must be 0-23, got %d", common.ErrInvalidConfig, c.Report.Hour)
	}
	if c.LLM.MaxRetries < 1 {
		return fmt.Errorf("%w: llm.max_retries must be at least 1", common.ErrInvalidConfig)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("%w: llm.timeout must be positive", common.ErrInvalidConfig)
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("%w: ingest.workers must be at least 1", common.ErrInvalidConfig)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path", common.ErrMissingConfig)
	}
	return nil
}

// RequireServe checks the settings only the long-running bot needs.
func (c *Config) RequireServe() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("%w: telegram.token (or BOT_TOKEN)", common.ErrMissingConfig)
	}
	if c.Telegram.OperatorChatID == 0 {
		return fmt.Errorf("%w: telegram.operator_chat_id (or MY_CHAT_ID)", common.ErrMissingConfig)
	}
	return c.RequireOracle()
}

// RequireOracle checks the settings needed to classify messages.
func (c *Config) RequireOracle() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("%w: llm.api_key (or ANTHROPIC_KEY / OPENAI_API_KEY)", common.ErrMissingConfig)
	}
	return nil
}

// ExpandPath expands a leading ~ and $VAR references in path.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return os.ExpandEnv(path)
}
