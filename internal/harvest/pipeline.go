// Package harvest ties the extraction components together for one chat
// session and serialises harvest runs through a single-worker queue.
package harvest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/castlist/internal/analysis"
	"github.com/scrypster/castlist/internal/boundary"
	"github.com/scrypster/castlist/internal/llm"
	"github.com/scrypster/castlist/internal/resolver"
	"github.com/scrypster/castlist/internal/storage"
	"github.com/scrypster/castlist/pkg/types"
)

// Config holds Pipeline configuration. Zero values select the component
// defaults.
type Config struct {
	// Session keys the roster in the store.
	Session string

	CacheCapacity int
	Threshold     int
	Retries       int
	Counter       llm.TokenCounter

	// Store persists the roster after every change. Optional.
	Store storage.RosterStore

	Boundary boundary.Config
	Logger   *zap.Logger
}

// Report summarises one harvest run.
type Report struct {
	resolver.Result
	Messages    int           `json:"messages"`
	Extractions int           `json:"extractions"`
	Duration    time.Duration `json:"duration"`
}

// Stats is the diagnostic view of a pipeline.
type Stats struct {
	Session string             `json:"session"`
	Backend string             `json:"backend"`
	Cache   analysis.CacheStats `json:"cache"`
	Roster  resolver.Stats     `json:"roster"`
	Errors  map[string]int     `json:"errors"`
}

// Pipeline owns the cache, splitter, resolver and error boundary of one chat
// session. Construct one per session; nothing is shared between pipelines
// except the gateway and store the caller passes in.
type Pipeline struct {
	session  string
	gateway  *llm.Gateway
	cache    *analysis.Cache
	splitter *analysis.Splitter
	resolver *resolver.Resolver
	boundary *boundary.Boundary
	store    storage.RosterStore
	logger   *zap.Logger
}

// NewPipeline builds a Pipeline around gateway.
func NewPipeline(gateway *llm.Gateway, cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Session == "" {
		cfg.Session = "default"
	}
	logger = logger.With(zap.String("session", cfg.Session))

	bcfg := cfg.Boundary
	if bcfg.Logger == nil {
		bcfg.Logger = logger
	}
	b := boundary.New(bcfg)
	cache := analysis.NewCache(cfg.CacheCapacity)

	p := &Pipeline{
		session: cfg.Session,
		gateway: gateway,
		cache:   cache,
		splitter: analysis.NewSplitter(analysis.SplitterConfig{
			Gateway:  gateway,
			Cache:    cache,
			Boundary: b,
			Counter:  cfg.Counter,
			Retries:  cfg.Retries,
			Logger:   logger,
		}),
		resolver: resolver.New(resolver.Config{Threshold: cfg.Threshold, Logger: logger}),
		boundary: b,
		store:    cfg.Store,
		logger:   logger,
	}

	b.Register(boundary.KindDataFormat, func(ctx context.Context, err *boundary.ClassifiedError) {
		logger.Info("clearing analysis cache after data format failure", zap.String("module", err.Module))
		cache.Clear()
	})
	return p
}

// Session returns the session key.
func (p *Pipeline) Session() string { return p.session }

// Gateway returns the gateway the pipeline sends prompts through.
func (p *Pipeline) Gateway() *llm.Gateway { return p.gateway }

// Load replaces the in-memory roster with the stored one. Without a store it
// does nothing.
func (p *Pipeline) Load(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	chars, err := boundary.Run(ctx, p.boundary, "storage", func(ctx context.Context) ([]*types.Character, error) {
		return p.store.LoadRoster(ctx, p.session)
	}, boundary.Options[[]*types.Character]{Retries: 2})
	if err != nil {
		return err
	}
	p.resolver.Load(chars)
	p.logger.Info("roster loaded", zap.Int("characters", len(chars)))
	return nil
}

// Analyze extracts characters from batch, using the current roster as the
// known-character context.
func (p *Pipeline) Analyze(ctx context.Context, batch []string) ([]types.Extraction, error) {
	return p.splitter.Analyze(ctx, batch, p.resolver.KnownContext(), 0)
}

// Reconcile folds extractions into the roster without saving it.
func (p *Pipeline) Reconcile(extractions []types.Extraction) resolver.Result {
	return p.resolver.Reconcile(extractions)
}

// Harvest analyses batch, reconciles the result into the roster and saves it.
// A failed analysis leaves the roster untouched.
func (p *Pipeline) Harvest(ctx context.Context, batch []string) (Report, error) {
	start := time.Now()

	extractions, err := p.Analyze(ctx, batch)
	if err != nil {
		return Report{Messages: len(batch), Duration: time.Since(start)}, err
	}

	report := Report{
		Result:      p.resolver.Reconcile(extractions),
		Messages:    len(batch),
		Extractions: len(extractions),
	}
	err = p.save(ctx)
	report.Duration = time.Since(start)

	p.logger.Info("harvest complete",
		zap.Int("messages", report.Messages),
		zap.Int("extractions", report.Extractions),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("merged", report.Merged),
		zap.Int("skipped", report.Skipped),
		zap.Duration("duration", report.Duration))
	return report, err
}

// Merge folds source into target and saves the roster.
func (p *Pipeline) Merge(ctx context.Context, source, target string) error {
	_, err := boundary.Run(ctx, p.boundary, "resolver", func(context.Context) (struct{}, error) {
		return struct{}{}, p.resolver.Merge(source, target)
	}, boundary.Options[struct{}]{})
	if err != nil {
		return err
	}
	return p.save(ctx)
}

// UndoLastMerge reverses the most recent merge and saves the roster. It
// reports false when there is nothing to undo.
func (p *Pipeline) UndoLastMerge(ctx context.Context) (bool, error) {
	undone, err := boundary.Run(ctx, p.boundary, "resolver", func(context.Context) (bool, error) {
		return p.resolver.UndoLastMerge()
	}, boundary.Options[bool]{})
	if err != nil || !undone {
		return false, err
	}
	return true, p.save(ctx)
}

// SetIgnored flags or unflags a character and saves the roster.
func (p *Pipeline) SetIgnored(ctx context.Context, name string, ignored bool) error {
	_, err := boundary.Run(ctx, p.boundary, "resolver", func(context.Context) (struct{}, error) {
		return struct{}{}, p.resolver.SetIgnored(name, ignored)
	}, boundary.Options[struct{}]{})
	if err != nil {
		return err
	}
	return p.save(ctx)
}

// GetEntity returns a copy of the character with the given name or alias.
func (p *Pipeline) GetEntity(name string) (*types.Character, bool) {
	return p.resolver.Get(name)
}

// ListEntities returns copies of all characters in roster order.
func (p *Pipeline) ListEntities() []*types.Character {
	return p.resolver.List()
}

// Reset drops cached analyses and the error history, as on a context switch.
// The roster is kept.
func (p *Pipeline) Reset() {
	p.cache.Clear()
	p.boundary.ClearHistory()
}

// Errors returns the retained failures, oldest first.
func (p *Pipeline) Errors() []*boundary.ClassifiedError {
	return p.boundary.History()
}

// Stats returns cache, roster and error counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Session: p.session,
		Backend: p.gateway.Identity(p.gateway.Active()),
		Cache:   p.cache.Stats(),
		Roster:  p.resolver.Stats(),
		Errors:  p.boundary.Counts(),
	}
}

func (p *Pipeline) save(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	_, err := boundary.Run(ctx, p.boundary, "storage", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.store.SaveRoster(ctx, p.session, p.resolver.Snapshot())
	}, boundary.Options[struct{}]{Retries: 2})
	return err
}
