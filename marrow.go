// Package marrow is a messaging backbone core. It stores messages from
// any platform under content-derived identifiers, manages did:key
// identities for signing and verification, and runs a scheduled pipeline
// that extracts entities from stored messages into a deduplicated
// knowledge layer. Everything persists in one embedded SQLite database.
package marrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marrowlabs/marrow/config"
	"github.com/marrowlabs/marrow/extract"
	"github.com/marrowlabs/marrow/store"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// Backbone bundles the store, the extraction pipeline and the sweeper
// behind one handle.
type Backbone struct {
	store    *store.Store
	pipeline *extract.Pipeline
	sweeper  *extract.Sweeper
	log      *zap.Logger
}

type options struct {
	logger    *zap.Logger
	extractor extract.Extractor
}

// Option adjusts New.
type Option func(*options)

// WithLogger replaces the logger built from the configured log level.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithExtractor replaces the extractor built from the configured
// provider.
func WithExtractor(e extract.Extractor) Option {
	return func(o *options) { o.extractor = e }
}

// New opens the backbone described by cfg. A nil cfg loads the default
// configuration file and environment overrides.
func New(cfg *config.Config, opts ...Option) (*Backbone, error) {
	if cfg == nil {
		loaded, err := config.LoadConfig("")
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		built, err := newLogger(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		logger = built
	}

	st, err := store.New(cfg.Store.Path, store.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	extractor := o.extractor
	if extractor == nil {
		built, err := buildExtractor(cfg.Extraction)
		if err != nil {
			st.Close()
			return nil, err
		}
		extractor = built
	}

	pipeline := extract.NewPipeline(extractor, extract.PipelineConfig{
		Timeout:   time.Duration(cfg.Extraction.TimeoutSec) * time.Second,
		BatchSize: cfg.Extraction.BatchSize,
		Logger:    logger,
	})
	sweeper := extract.NewSweeper(st, pipeline, extract.SweeperConfig{
		Schedule:   cfg.Extraction.Schedule,
		SweepLimit: cfg.Extraction.SweepLimit,
		Logger:     logger,
	})

	return &Backbone{store: st, pipeline: pipeline, sweeper: sweeper, log: logger}, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func buildExtractor(cfg config.ExtractionConfig) (extract.Extractor, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultOpenAIBaseURL
		}
		return extract.NewOpenAIExtractor(extract.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: baseURL,
			Model:   cfg.Model,
		}), nil
	case "anthropic":
		return extract.NewAnthropicExtractor(extract.AnthropicConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		}), nil
	case "exec":
		return extract.NewExecExtractor(cfg.Command), nil
	default:
		return nil, fmt.Errorf("unknown extraction provider %q", cfg.Provider)
	}
}

// IngestInput describes one message arriving from a platform importer.
type IngestInput = store.IngestInput

// Ingest upserts the account (and thread, when given) and stores the
// message, all in one transaction. Message identifiers are
// content-derived, so replaying the same input converges on the same
// rows.
func (b *Backbone) Ingest(in IngestInput) (*store.Message, error) {
	return b.store.Ingest(in)
}

// Store exposes the storage engine.
func (b *Backbone) Store() *store.Store { return b.store }

// Pipeline exposes the extraction pipeline.
func (b *Backbone) Pipeline() *extract.Pipeline { return b.pipeline }

// Sweeper exposes the extraction sweeper.
func (b *Backbone) Sweeper() *extract.Sweeper { return b.sweeper }

// Start begins scheduled extraction sweeps.
func (b *Backbone) Start(ctx context.Context) error {
	return b.sweeper.Start(ctx)
}

// Stop halts scheduled sweeps.
func (b *Backbone) Stop() {
	b.sweeper.Stop()
}

// SweepOnce runs one extraction sweep immediately.
func (b *Backbone) SweepOnce(ctx context.Context) (*extract.SweepReport, error) {
	return b.sweeper.SweepOnce(ctx)
}

// ForceExtract re-extracts the given messages regardless of progress
// markers.
func (b *Backbone) ForceExtract(ctx context.Context, messageIDs []string) (*extract.SweepReport, error) {
	return b.sweeper.ForceExtract(ctx, messageIDs)
}

// Close stops the sweeper and releases the store.
func (b *Backbone) Close() error {
	b.sweeper.Stop()
	return b.store.Close()
}
