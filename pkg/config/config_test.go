package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/malbeclabs/querypilot/pkg/config"
	"github.com/malbeclabs/querypilot/pkg/datasource"
	"github.com/malbeclabs/querypilot/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
server:
  listenAddr: 127.0.0.1:9000
  corsOrigins: ["http://localhost:5173"]
  heartbeatInterval: 10s
dataSources:
  - id: warehouse
    driver: clickhouse
    clickhouse:
      addr: localhost:9000
      database: default
      username: reader
      password: ${CH_PASSWORD}
    tables:
      - id: sales
        description: one row per order line
  - id: lake
    driver: duckdb
models:
  cloud:
    model: claude-sonnet-4-5
  local:
    baseURL: http://localhost:11434/v1
    model: llama3.1
  routes:
    classify: local
    generate: cloud
pipeline:
  maxSqlRetries: 3
  stageTimeout: 20s
  retry:
    maxAttempts: 3
    baseDelay: 250ms
`

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestConfig_Parse(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse(strings.NewReader(sample), env(map[string]string{"CH_PASSWORD": "s3cret"}))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.Server.HeartbeatInterval)
	require.Len(t, cfg.DataSources, 2)
	assert.Equal(t, datasource.DriverClickHouse, cfg.DataSources[0].Driver)
	assert.Equal(t, "s3cret", cfg.DataSources[0].ClickHouse.Password)
	assert.Equal(t, llm.TierLocal, cfg.Models.Routes[llm.StageClassify])
	assert.Equal(t, "claude-sonnet-4-5", cfg.Models.Cloud.Model)
	assert.Equal(t, 3, cfg.Pipeline.MaxSqlRetries)
	assert.Equal(t, 20*time.Second, cfg.Pipeline.StageTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.Retry.BaseDelay)

	// defaults
	assert.Equal(t, config.StagesModel, cfg.Pipeline.Stages)
	assert.Equal(t, config.HistoryMemory, cfg.History.Driver)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.TTL)
	assert.Equal(t, 5, cfg.Pipeline.MaxCandidates)
	assert.False(t, cfg.Kafka.Enabled())

	ann := cfg.Annotations()
	assert.Equal(t, "one row per order line", ann["warehouse"]["sales"].Description)
	assert.NotContains(t, ann, "lake")
}

func TestConfig_Parse_EnvOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse(strings.NewReader(sample), env(map[string]string{
		config.EnvAnthropicAPIKey: "sk-test",
		config.EnvHistoryDSN:      "postgres://localhost/history",
		config.EnvKafkaBrokers:    "k1:9092, k2:9092,",
		config.EnvStages:          "rules",
		config.EnvMaxSqlRetries:   "1",
		config.EnvListenAddr:      ":7000",
	}))
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.Models.Cloud.APIKey)
	assert.Equal(t, config.HistoryPostgres, cfg.History.Driver)
	assert.Equal(t, "postgres://localhost/history", cfg.History.DSN)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "querypilot.events", cfg.Kafka.Topic)
	assert.Equal(t, 1, cfg.Kafka.Partitions)
	assert.Equal(t, config.StagesRules, cfg.Pipeline.Stages)
	assert.Equal(t, 1, cfg.Pipeline.MaxSqlRetries)
	assert.Equal(t, ":7000", cfg.Server.ListenAddr)

	_, err = config.Parse(strings.NewReader(sample), env(map[string]string{config.EnvMaxSqlRetries: "many"}))
	require.ErrorContains(t, err, config.EnvMaxSqlRetries)
}

func TestConfig_Parse_CloudModelFromEnvOnly(t *testing.T) {
	t.Parallel()

	doc := "dataSources:\n  - id: db\n    driver: postgres\n    dsn: postgres://localhost/db\n"
	cfg, err := config.Parse(strings.NewReader(doc), env(map[string]string{config.EnvAnthropicAPIKey: "sk-test"}))
	require.NoError(t, err)
	require.NotNil(t, cfg.Models.Cloud)
	assert.NotEmpty(t, cfg.Models.Cloud.Model)
	assert.Nil(t, cfg.Models.Local)
}

func TestConfig_Validate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "no data sources",
			doc:  "models:\n  cloud:\n    model: m\n",
			want: "at least one data source is required",
		},
		{
			name: "unknown driver",
			doc:  "dataSources:\n  - id: a\n    driver: oracle\nmodels:\n  cloud: {}\n",
			want: `unknown driver "oracle"`,
		},
		{
			name: "duplicate ids",
			doc:  "dataSources:\n  - id: a\n    driver: duckdb\n  - id: a\n    driver: duckdb\nmodels:\n  cloud: {}\n",
			want: `duplicate data source id "a"`,
		},
		{
			name: "clickhouse without addr",
			doc:  "dataSources:\n  - id: a\n    driver: clickhouse\nmodels:\n  cloud: {}\n",
			want: "clickhouse addr is required",
		},
		{
			name: "no models",
			doc:  "dataSources:\n  - id: a\n    driver: duckdb\n",
			want: "a cloud or local model is required",
		},
		{
			name: "local without url",
			doc:  "dataSources:\n  - id: a\n    driver: duckdb\nmodels:\n  local:\n    model: llama\n",
			want: "local model base url is required",
		},
		{
			name: "bad route tier",
			doc:  "dataSources:\n  - id: a\n    driver: duckdb\nmodels:\n  cloud: {}\n  routes:\n    generate: edge\n",
			want: `unknown tier "edge"`,
		},
		{
			name: "bad route stage",
			doc:  "dataSources:\n  - id: a\n    driver: duckdb\nmodels:\n  cloud: {}\n  routes:\n    execute: cloud\n",
			want: `unknown stage "execute"`,
		},
		{
			name: "postgres history without dsn",
			doc:  "dataSources:\n  - id: a\n    driver: duckdb\nmodels:\n  cloud: {}\nhistory:\n  driver: postgres\n",
			want: "history dsn is required",
		},
		{
			name: "unknown field",
			doc:  "dataSources:\n  - id: a\n    driver: duckdb\n    port: 1\nmodels:\n  cloud: {}\n",
			want: "field port not found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.Parse(strings.NewReader(tt.doc), env(nil))
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestConfig_Load(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "querypilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dataSources:\n  - id: lake\n    driver: duckdb\nmodels:\n  local:\n    baseURL: http://localhost:11434/v1\n    model: llama3.1\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "lake", cfg.DataSources[0].ID)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "failed to open config")
}
