package datasource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/dgraph-io/ristretto"
)

const (
	defaultSchemaCacheTTL     = 10 * time.Minute
	defaultSchemaLoadPoolSize = 8
)

var ErrUnknownDataSource = errors.New("unknown data source")

type RegistryConfig struct {
	Logger  *slog.Logger
	Sources []Source

	// Annotations adds descriptions to loaded tables and columns, keyed by
	// data source id then table id.
	Annotations map[string]map[string]Table

	SchemaCacheTTL     time.Duration
	SchemaLoadPoolSize int
}

func (c *RegistryConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if len(c.Sources) == 0 {
		return errors.New("at least one source is required")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for _, s := range c.Sources {
		if s.ID() == "" {
			return errors.New("source id is required")
		}
		if _, ok := seen[s.ID()]; ok {
			return fmt.Errorf("duplicate source id %q", s.ID())
		}
		seen[s.ID()] = struct{}{}
	}
	if c.SchemaCacheTTL == 0 {
		c.SchemaCacheTTL = defaultSchemaCacheTTL
	}
	if c.SchemaLoadPoolSize == 0 {
		c.SchemaLoadPoolSize = defaultSchemaLoadPoolSize
	}
	return nil
}

// Registry is the schema/connection provider: it resolves data source ids to
// sources and serves their schemas from a cache.
type Registry struct {
	log *slog.Logger
	cfg RegistryConfig

	sources map[string]Source
	cache   *ristretto.Cache
	pool    pond.ResultPool[Schema]

	// one load in flight per source
	loadMu map[string]*sync.Mutex
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create schema cache: %w", err)
	}
	sources := make(map[string]Source, len(cfg.Sources))
	loadMu := make(map[string]*sync.Mutex, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources[s.ID()] = s
		loadMu[s.ID()] = &sync.Mutex{}
	}
	return &Registry{
		log:     cfg.Logger,
		cfg:     cfg,
		sources: sources,
		cache:   cache,
		pool:    pond.NewResultPool[Schema](cfg.SchemaLoadPoolSize),
		loadMu:  loadMu,
	}, nil
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Source(id string) (Source, error) {
	s, ok := r.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDataSource, id)
	}
	return s, nil
}

// Schema returns the schema of one source, loading it on a cache miss.
func (r *Registry) Schema(ctx context.Context, id string) (Schema, error) {
	src, err := r.Source(id)
	if err != nil {
		return Schema{}, err
	}
	if val, ok := r.cache.Get(id); ok {
		return val.(Schema), nil
	}

	mu := r.loadMu[id]
	mu.Lock()
	defer mu.Unlock()
	if val, ok := r.cache.Get(id); ok {
		return val.(Schema), nil
	}

	start := time.Now()
	schema, err := src.LoadSchema(ctx)
	if err != nil {
		return Schema{}, fmt.Errorf("failed to load schema for %s: %w", id, err)
	}
	r.annotate(&schema)
	r.log.Debug("datasource: schema loaded", "id", id, "tables", len(schema.Tables), "duration", time.Since(start))

	r.cache.SetWithTTL(id, schema, 1, r.cfg.SchemaCacheTTL)
	r.cache.Wait()
	return schema, nil
}

// Schemas loads the schemas of several sources in parallel. No ids means
// every registered source.
func (r *Registry) Schemas(ctx context.Context, ids []string) ([]Schema, error) {
	if len(ids) == 0 {
		ids = r.IDs()
	}
	for _, id := range ids {
		if _, err := r.Source(id); err != nil {
			return nil, err
		}
	}
	if len(ids) == 1 {
		s, err := r.Schema(ctx, ids[0])
		if err != nil {
			return nil, err
		}
		return []Schema{s}, nil
	}

	group := r.pool.NewGroupContext(ctx)
	for _, id := range ids {
		group.SubmitErr(func() (Schema, error) {
			return r.Schema(ctx, id)
		})
	}
	schemas, err := group.Wait()
	if err != nil {
		return nil, err
	}
	return schemas, nil
}

// Ping checks every source is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	var errs []error
	for _, id := range r.IDs() {
		if err := r.sources[id].Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) Invalidate(id string) {
	r.cache.Del(id)
	r.cache.Wait()
}

func (r *Registry) Close() error {
	r.pool.StopAndWait()
	r.cache.Close()
	var errs []error
	for _, s := range r.sources {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) annotate(schema *Schema) {
	notes, ok := r.cfg.Annotations[schema.DataSourceID]
	if !ok {
		return
	}
	for i := range schema.Tables {
		t := &schema.Tables[i]
		note, ok := notes[t.ID]
		if !ok {
			continue
		}
		if note.Description != "" {
			t.Description = note.Description
		}
		for j := range t.Columns {
			if c, ok := note.Column(t.Columns[j].Name); ok && c.Description != "" {
				t.Columns[j].Description = c.Description
			}
		}
	}
}
