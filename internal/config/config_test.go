package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Veraticus/agent-ledger/internal/common"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets the direct fallbacks so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"BOT_TOKEN", "MY_CHAT_ID", "MORNING_HOUR", "ANTHROPIC_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "LEDGERBOT_REPORT_HOUR"} {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	ConfigureEnv(v)
	return v
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(newViper())
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Report.Hour)
	assert.Equal(t, "data/ledger.db", cfg.Database.Path)
	assert.Equal(t, "data/Agent_Model_v2.xlsx", cfg.Report.TemplatePath)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, 60*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 3, cfg.LLM.MaxRetries)
	assert.Equal(t, 1, cfg.Ingest.Workers)
	assert.Equal(t, "Summary", cfg.Report.Layout.SummarySheet)
	assert.Equal(t, "B1", cfg.Report.Layout.BalanceCell)
	assert.Equal(t, 2, cfg.Report.Layout.PendingStartRow)
	assert.Equal(t, "D", cfg.Report.Layout.UnknownColumns.Text)
	assert.Equal(t, "E", cfg.Report.Layout.UnknownColumns.File)

	require.ErrorIs(t, cfg.RequireServe(), common.ErrMissingConfig)
}

func TestLoad_LegacyEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("MY_CHAT_ID", "-100200")
	t.Setenv("MORNING_HOUR", "7")
	t.Setenv("ANTHROPIC_KEY", "sk-test")

	cfg, err := Load(newViper())
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, int64(-100200), cfg.Telegram.OperatorChatID)
	assert.Equal(t, 7, cfg.Report.Hour)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.NoError(t, cfg.RequireServe())
}

func TestLoad_ConfigFileWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("MORNING_HOUR", "7")
	t.Setenv("OPENAI_API_KEY", "sk-openai")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
report:
  hour: 18
  layout:
    balance_cell: C3
llm:
  provider: openai
  timeout: 15s
telegram:
  operator_chat_id: 42
`), 0o600))

	v := newViper()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 18, cfg.Report.Hour)
	assert.Equal(t, "C3", cfg.Report.Layout.BalanceCell)
	assert.Equal(t, "B2", cfg.Report.Layout.PendingTotalCell)
	assert.Equal(t, 15*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, "sk-openai", cfg.LLM.APIKey)
	assert.Equal(t, int64(42), cfg.Telegram.OperatorChatID)
}

func TestLoad_PrefixedEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("LEDGERBOT_REPORT_HOUR", "6")
	t.Setenv("MORNING_HOUR", "7")
	t.Setenv("LEDGERBOT_INGEST_WORKERS", "4")

	cfg, err := Load(newViper())
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Report.Hour)
	assert.Equal(t, 4, cfg.Ingest.Workers)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		env  map[string]string
		name string
	}{
		{name: "hour out of range", env: map[string]string{"MORNING_HOUR": "25"}},
		{name: "hour not a number", env: map[string]string{"MORNING_HOUR": "nine"}},
		{name: "bad chat id", env: map[string]string{"MY_CHAT_ID": "me"}},
		{name: "no workers", env: map[string]string{"LEDGERBOT_INGEST_WORKERS": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(newViper())
			require.ErrorIs(t, err, common.ErrInvalidConfig)
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	t.Setenv("LEDGER_DIR", "/srv/ledger")

	assert.Equal(t, "", ExpandPath(""))
	assert.Equal(t, filepath.Join(home, "ledger.db"), ExpandPath("~/ledger.db"))
	assert.Equal(t, home, ExpandPath("~"))
	assert.Equal(t, "/srv/ledger/ledger.db", ExpandPath("$LEDGER_DIR/ledger.db"))
}
