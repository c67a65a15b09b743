// Package config loads the service configuration from a YAML file, with
// environment overrides applied on top.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/querypilot/pkg/datasource"
	"github.com/malbeclabs/querypilot/pkg/llm"
	"gopkg.in/yaml.v3"
)

const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"

	EnvListenAddr      = "QUERYPILOT_LISTEN_ADDR"
	EnvMetricsAddr     = "QUERYPILOT_METRICS_ADDR"
	EnvCloudModel      = "QUERYPILOT_CLOUD_MODEL"
	EnvLocalModel      = "QUERYPILOT_LOCAL_MODEL"
	EnvLocalModelURL   = "QUERYPILOT_LOCAL_MODEL_URL"
	EnvStages          = "QUERYPILOT_STAGES"
	EnvHistoryDSN      = "QUERYPILOT_HISTORY_DSN"
	EnvKafkaBrokers    = "QUERYPILOT_KAFKA_BROKERS"
	EnvKafkaTopic      = "QUERYPILOT_KAFKA_TOPIC"
	EnvMaxSqlRetries   = "QUERYPILOT_MAX_SQL_RETRIES"
	EnvAmbiguityMargin = "QUERYPILOT_AMBIGUITY_MARGIN"
)

const (
	defaultListenAddr    = "0.0.0.0:3010"
	defaultMetricsAddr   = "0.0.0.0:8080"
	defaultCloudModel    = "claude-haiku-4-5-20251001"
	defaultKafkaTopic    = "querypilot.events"
	defaultSessionTTL    = 30 * time.Minute
	defaultMaxCandidates = 5
)

// StagesMode selects the implementation of the classifier, selector and
// analyzer. SQL generation always uses a model.
type StagesMode string

const (
	StagesModel StagesMode = "model"
	StagesRules StagesMode = "rules"
)

type HistoryDriver string

const (
	HistoryMemory   HistoryDriver = "memory"
	HistoryPostgres HistoryDriver = "postgres"
)

type Config struct {
	Server      Server       `yaml:"server"`
	DataSources []DataSource `yaml:"dataSources"`
	Models      Models       `yaml:"models"`
	Pipeline    Pipeline     `yaml:"pipeline"`
	Sessions    Sessions     `yaml:"sessions"`
	History     History      `yaml:"history"`
	Kafka       Kafka        `yaml:"kafka"`
}

type Server struct {
	ListenAddr        string        `yaml:"listenAddr"`
	MetricsAddr       string        `yaml:"metricsAddr"`
	CORSOrigins       []string      `yaml:"corsOrigins"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
	MCP               bool          `yaml:"mcp"`
}

type DataSource struct {
	ID     string            `yaml:"id"`
	Driver datasource.Driver `yaml:"driver"`
	// DSN is used by the postgres and duckdb drivers.
	DSN        string                      `yaml:"dsn"`
	ClickHouse datasource.ClickHouseConfig `yaml:"clickhouse"`
	// Tables annotates loaded tables with descriptions for table selection.
	Tables []datasource.Table `yaml:"tables"`
}

type Models struct {
	Cloud *ModelEndpoint `yaml:"cloud"`
	Local *ModelEndpoint `yaml:"local"`
	// Routes maps a stage (classify, select, generate, analyze) to a tier.
	Routes map[string]llm.Tier `yaml:"routes"`
}

type ModelEndpoint struct {
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"baseURL"`
	APIKey    string `yaml:"apiKey"`
	MaxTokens int64  `yaml:"maxTokens"`
}

type Pipeline struct {
	Stages             StagesMode    `yaml:"stages"`
	MaxSqlRetries      int           `yaml:"maxSqlRetries"`
	AmbiguityMargin    float64       `yaml:"ambiguityMargin"`
	MaxCandidates      int           `yaml:"maxCandidates"`
	StageTimeout       time.Duration `yaml:"stageTimeout"`
	QueryTimeout       time.Duration `yaml:"queryTimeout"`
	MaxRows            int           `yaml:"maxRows"`
	RowLimit           int           `yaml:"rowLimit"`
	HistoryTurns       int           `yaml:"historyTurns"`
	MaxConcurrentTurns int           `yaml:"maxConcurrentTurns"`
	SchemaCacheTTL     time.Duration `yaml:"schemaCacheTTL"`
	Retry              Retry         `yaml:"retry"`
}

type Retry struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
}

type Sessions struct {
	TTL time.Duration `yaml:"ttl"`
}

type History struct {
	Driver HistoryDriver `yaml:"driver"`
	DSN    string        `yaml:"dsn"`
}

// Kafka configures the event mirror. It is disabled when no brokers are set.
type Kafka struct {
	Brokers           []string `yaml:"brokers"`
	Topic             string   `yaml:"topic"`
	EnsureTopic       bool     `yaml:"ensureTopic"`
	Partitions        int      `yaml:"partitions"`
	ReplicationFactor int      `yaml:"replicationFactor"`
}

func (k Kafka) Enabled() bool { return len(k.Brokers) > 0 }

// Load reads the file at path, expanding ${VAR} references, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	return Parse(f, os.LookupEnv)
}

// Parse decodes a config from r. lookup resolves environment variables.
func Parse(r io.Reader, lookup func(string) (string, bool)) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	expanded := os.Expand(string(raw), func(key string) string {
		v, _ := lookup(key)
		return v
	})

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewBufferString(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvListenAddr, &c.Server.ListenAddr)
	set(EnvMetricsAddr, &c.Server.MetricsAddr)
	set(EnvKafkaTopic, &c.Kafka.Topic)

	if v, ok := lookup(EnvAnthropicAPIKey); ok && v != "" {
		if c.Models.Cloud == nil {
			c.Models.Cloud = &ModelEndpoint{}
		}
		c.Models.Cloud.APIKey = v
	}
	if v, ok := lookup(EnvCloudModel); ok && v != "" {
		if c.Models.Cloud == nil {
			c.Models.Cloud = &ModelEndpoint{}
		}
		c.Models.Cloud.Model = v
	}
	if v, ok := lookup(EnvLocalModelURL); ok && v != "" {
		if c.Models.Local == nil {
			c.Models.Local = &ModelEndpoint{}
		}
		c.Models.Local.BaseURL = v
	}
	if v, ok := lookup(EnvLocalModel); ok && v != "" {
		if c.Models.Local == nil {
			c.Models.Local = &ModelEndpoint{}
		}
		c.Models.Local.Model = v
	}
	if v, ok := lookup(EnvStages); ok && v != "" {
		c.Pipeline.Stages = StagesMode(v)
	}
	if v, ok := lookup(EnvHistoryDSN); ok && v != "" {
		c.History.Driver = HistoryPostgres
		c.History.DSN = v
	}
	if v, ok := lookup(EnvKafkaBrokers); ok && v != "" {
		c.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, b)
			}
		}
	}
	if v, ok := lookup(EnvMaxSqlRetries); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxSqlRetries, err)
		}
		c.Pipeline.MaxSqlRetries = n
	}
	if v, ok := lookup(EnvAmbiguityMargin); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvAmbiguityMargin, err)
		}
		c.Pipeline.AmbiguityMargin = f
	}
	return nil
}

// Validate checks the config and fills defaults. Defaults of the pipeline,
// registry and executor knobs are left to those packages.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = defaultListenAddr
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = defaultMetricsAddr
	}

	if len(c.DataSources) == 0 {
		return errors.New("at least one data source is required")
	}
	seen := make(map[string]struct{}, len(c.DataSources))
	for i, ds := range c.DataSources {
		if ds.ID == "" {
			return fmt.Errorf("data source %d: id is required", i)
		}
		if _, ok := seen[ds.ID]; ok {
			return fmt.Errorf("duplicate data source id %q", ds.ID)
		}
		seen[ds.ID] = struct{}{}
		if !ds.Driver.Valid() {
			return fmt.Errorf("data source %s: unknown driver %q", ds.ID, ds.Driver)
		}
		switch ds.Driver {
		case datasource.DriverClickHouse:
			if ds.ClickHouse.Addr == "" {
				return fmt.Errorf("data source %s: clickhouse addr is required", ds.ID)
			}
		case datasource.DriverPostgres:
			if ds.DSN == "" {
				return fmt.Errorf("data source %s: dsn is required", ds.ID)
			}
		case datasource.DriverDuckDB:
			// an empty dsn opens an in-memory database
		}
	}

	if c.Models.Cloud == nil && c.Models.Local == nil {
		return errors.New("a cloud or local model is required")
	}
	if c.Models.Cloud != nil && c.Models.Cloud.Model == "" {
		c.Models.Cloud.Model = defaultCloudModel
	}
	if c.Models.Local != nil {
		if c.Models.Local.BaseURL == "" {
			return errors.New("local model base url is required")
		}
		if c.Models.Local.Model == "" {
			return errors.New("local model name is required")
		}
	}
	for stage, tier := range c.Models.Routes {
		switch stage {
		case llm.StageClassify, llm.StageSelect, llm.StageGenerate, llm.StageAnalyze:
		default:
			return fmt.Errorf("unknown stage %q in model routes", stage)
		}
		switch tier {
		case llm.TierCloud, llm.TierLocal:
		default:
			return fmt.Errorf("unknown tier %q for stage %q", tier, stage)
		}
	}

	switch c.Pipeline.Stages {
	case "":
		c.Pipeline.Stages = StagesModel
	case StagesModel, StagesRules:
	default:
		return fmt.Errorf("unknown stages mode %q", c.Pipeline.Stages)
	}
	if c.Pipeline.MaxCandidates == 0 {
		c.Pipeline.MaxCandidates = defaultMaxCandidates
	}
	if c.Pipeline.MaxCandidates < 0 {
		return errors.New("max candidates must be positive")
	}

	if c.Sessions.TTL == 0 {
		c.Sessions.TTL = defaultSessionTTL
	}
	if c.Sessions.TTL < 0 {
		return errors.New("session ttl must be positive")
	}

	switch c.History.Driver {
	case "":
		c.History.Driver = HistoryMemory
	case HistoryMemory:
	case HistoryPostgres:
		if c.History.DSN == "" {
			return errors.New("history dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown history driver %q", c.History.Driver)
	}

	if c.Kafka.Enabled() {
		if c.Kafka.Topic == "" {
			c.Kafka.Topic = defaultKafkaTopic
		}
		if c.Kafka.Partitions == 0 {
			c.Kafka.Partitions = 1
		}
		if c.Kafka.ReplicationFactor == 0 {
			c.Kafka.ReplicationFactor = 1
		}
	}
	return nil
}

// Annotations returns the table annotations keyed by data source then table
// id, in the shape the schema registry takes.
func (c *Config) Annotations() map[string]map[string]datasource.Table {
	out := make(map[string]map[string]datasource.Table)
	for _, ds := range c.DataSources {
		if len(ds.Tables) == 0 {
			continue
		}
		tables := make(map[string]datasource.Table, len(ds.Tables))
		for _, t := range ds.Tables {
			tables[t.ID] = t
		}
		out[ds.ID] = tables
	}
	return out
}
