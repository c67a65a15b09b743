// Package app wires the configured data sources, model endpoints, stages
// and stores into a running pipeline.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/querypilot/pkg/config"
	"github.com/malbeclabs/querypilot/pkg/conversation"
	"github.com/malbeclabs/querypilot/pkg/datasource"
	"github.com/malbeclabs/querypilot/pkg/history"
	"github.com/malbeclabs/querypilot/pkg/llm"
	"github.com/malbeclabs/querypilot/pkg/pipeline"
	"github.com/malbeclabs/querypilot/pkg/pipeline/stages"
	"github.com/malbeclabs/querypilot/pkg/sqlcheck"
	"github.com/malbeclabs/querypilot/pkg/stream"
	"github.com/twmb/franz-go/pkg/kgo"
)

const kafkaFlushTimeout = 5 * time.Second

type App struct {
	log *slog.Logger

	Registry     *datasource.Registry
	Executor     *datasource.Executor
	Router       *llm.Router
	History      history.Store
	Sessions     *conversation.Manager
	Hub          *stream.Hub
	Orchestrator *pipeline.Orchestrator

	kafka *kgo.Client
}

// New builds every component named in cfg. On error, whatever was already
// opened is closed.
func New(ctx context.Context, log *slog.Logger, cfg *config.Config) (_ *App, err error) {
	a := &App{log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	sources, err := openSources(ctx, log, cfg.DataSources)
	if err != nil {
		return nil, err
	}
	a.Registry, err = datasource.NewRegistry(datasource.RegistryConfig{
		Logger:         log,
		Sources:        sources,
		Annotations:    cfg.Annotations(),
		SchemaCacheTTL: cfg.Pipeline.SchemaCacheTTL,
	})
	if err != nil {
		for _, s := range sources {
			_ = s.Close()
		}
		return nil, fmt.Errorf("failed to create schema registry: %w", err)
	}
	a.Executor, err = datasource.NewExecutor(datasource.ExecutorConfig{
		Logger:   log,
		Registry: a.Registry,
		Timeout:  cfg.Pipeline.QueryTimeout,
		MaxRows:  cfg.Pipeline.MaxRows,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	a.Router, err = newRouter(log, cfg.Models)
	if err != nil {
		return nil, err
	}
	set, err := newStages(log, a.Router, cfg.Pipeline)
	if err != nil {
		return nil, err
	}

	switch cfg.History.Driver {
	case config.HistoryPostgres:
		store, err := history.NewPostgresStore(ctx, history.PostgresConfig{Logger: log, DSN: cfg.History.DSN})
		if err != nil {
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		a.History = store
	default:
		a.History = history.NewMemoryStore()
	}

	a.Sessions, err = conversation.NewManager(conversation.ManagerConfig{
		Logger:     log,
		History:    a.History,
		SessionTTL: cfg.Sessions.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	a.Hub = stream.NewHub(log, 0)
	sinks := stream.Sinks{a.Hub}
	if cfg.Kafka.Enabled() {
		sink, err := a.openKafka(ctx, cfg.Kafka)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	rowLimit := cfg.Pipeline.RowLimit
	if rowLimit <= 0 {
		rowLimit = a.Executor.MaxRows()
	}
	a.Orchestrator, err = pipeline.NewOrchestrator(pipeline.Config{
		Logger:             log,
		Classifier:         set.classifier,
		Selector:           set.selector,
		Generator:          set.generator,
		Validator:          sqlcheck.New(rowLimit),
		Executor:           a.Executor,
		Analyzer:           set.analyzer,
		Schemas:            a.Registry,
		Sink:               sinks,
		History:            a.History,
		MaxSqlRetries:      cfg.Pipeline.MaxSqlRetries,
		AmbiguityMargin:    cfg.Pipeline.AmbiguityMargin,
		StageTimeout:       cfg.Pipeline.StageTimeout,
		Retry:              pipeline.RetryPolicy{MaxAttempts: cfg.Pipeline.Retry.MaxAttempts, BaseDelay: cfg.Pipeline.Retry.BaseDelay},
		HistoryTurns:       cfg.Pipeline.HistoryTurns,
		MaxConcurrentTurns: cfg.Pipeline.MaxConcurrentTurns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	log.Info("app: ready",
		"dataSources", a.Registry.IDs(),
		"stages", cfg.Pipeline.Stages,
		"history", cfg.History.Driver,
		"kafka", cfg.Kafka.Enabled(),
	)
	return a, nil
}

// Close stops accepting turns, waits for running ones and releases every
// connection.
func (a *App) Close() {
	if a.Orchestrator != nil {
		a.Orchestrator.Close()
	}
	if a.Sessions != nil {
		a.Sessions.Close()
	}
	if a.kafka != nil {
		ctx, cancel := context.WithTimeout(context.Background(), kafkaFlushTimeout)
		if err := a.kafka.Flush(ctx); err != nil {
			a.log.Warn("app: failed to flush kafka mirror", "error", err)
		}
		cancel()
		a.kafka.Close()
	}
	if a.History != nil {
		if err := a.History.Close(); err != nil {
			a.log.Error("app: failed to close history store", "error", err)
		}
	}
	if a.Registry != nil {
		if err := a.Registry.Close(); err != nil {
			a.log.Error("app: failed to close data sources", "error", err)
		}
	}
}

// Ready checks every data source is reachable.
func (a *App) Ready(ctx context.Context) error {
	return a.Registry.Ping(ctx)
}

func (a *App) openKafka(ctx context.Context, cfg config.Kafka) (stream.Sink, error) {
	client, err := stream.NewKafkaClient(cfg.Brokers)
	if err != nil {
		return nil, err
	}
	a.kafka = client
	if cfg.EnsureTopic {
		if err := stream.EnsureTopic(ctx, client, cfg.Topic, cfg.Partitions, cfg.ReplicationFactor); err != nil {
			return nil, err
		}
	}
	sink, err := stream.NewKafkaSink(stream.KafkaSinkConfig{Logger: a.log, Producer: client, Topic: cfg.Topic})
	if err != nil {
		return nil, err
	}
	a.log.Info("app: mirroring events to kafka", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return sink, nil
}

func openSources(ctx context.Context, log *slog.Logger, cfgs []config.DataSource) ([]datasource.Source, error) {
	sources := make([]datasource.Source, 0, len(cfgs))
	closeAll := func() {
		for _, s := range sources {
			_ = s.Close()
		}
	}
	for _, ds := range cfgs {
		var (
			src datasource.Source
			err error
		)
		switch ds.Driver {
		case datasource.DriverClickHouse:
			src, err = datasource.NewClickHouseSource(ctx, log, ds.ID, ds.ClickHouse)
		case datasource.DriverPostgres:
			src, err = datasource.NewPostgresSource(ctx, log, ds.ID, ds.DSN)
		case datasource.DriverDuckDB:
			src, err = datasource.NewDuckDBSource(log, ds.ID, ds.DSN)
		default:
			err = fmt.Errorf("unknown driver %q", ds.Driver)
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to open data source %s: %w", ds.ID, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func newRouter(log *slog.Logger, cfg config.Models) (*llm.Router, error) {
	var clients []llm.Client
	if cfg.Cloud != nil {
		c, err := llm.NewAnthropicClient(llm.AnthropicConfig{
			Logger:    log,
			Model:     cfg.Cloud.Model,
			MaxTokens: cfg.Cloud.MaxTokens,
			APIKey:    cfg.Cloud.APIKey,
			BaseURL:   cfg.Cloud.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create cloud model client: %w", err)
		}
		clients = append(clients, c)
	}
	if cfg.Local != nil {
		c, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			Logger:    log,
			BaseURL:   cfg.Local.BaseURL,
			APIKey:    cfg.Local.APIKey,
			Model:     cfg.Local.Model,
			MaxTokens: cfg.Local.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create local model client: %w", err)
		}
		clients = append(clients, c)
	}
	router, err := llm.NewRouter(cfg.Routes, clients...)
	if err != nil {
		return nil, fmt.Errorf("failed to create model router: %w", err)
	}
	return router, nil
}

type stageSet struct {
	classifier pipeline.IntentClassifier
	selector   pipeline.TableSelector
	generator  pipeline.SqlGenerator
	analyzer   pipeline.ResultAnalyzer
}

func newStages(log *slog.Logger, router *llm.Router, cfg config.Pipeline) (stageSet, error) {
	var set stageSet
	generator, err := stages.NewLLMGenerator(log, router.For(llm.StageGenerate))
	if err != nil {
		return set, fmt.Errorf("failed to create sql generator: %w", err)
	}
	set.generator = generator

	if cfg.Stages == config.StagesRules {
		set.classifier = stages.KeywordClassifier{}
		set.selector = stages.LexicalSelector{MaxCandidates: cfg.MaxCandidates}
		set.analyzer = stages.RuleAnalyzer{}
		return set, nil
	}

	classifier, err := stages.NewLLMClassifier(log, router.For(llm.StageClassify))
	if err != nil {
		return set, fmt.Errorf("failed to create intent classifier: %w", err)
	}
	selector, err := stages.NewLLMSelector(log, router.For(llm.StageSelect), cfg.MaxCandidates)
	if err != nil {
		return set, fmt.Errorf("failed to create table selector: %w", err)
	}
	analyzer, err := stages.NewLLMAnalyzer(log, router.For(llm.StageAnalyze))
	if err != nil {
		return set, fmt.Errorf("failed to create result analyzer: %w", err)
	}
	set.classifier, set.selector, set.analyzer = classifier, selector, analyzer
	return set, nil
}
