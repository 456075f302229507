// Package analysis turns batches of chat messages into character extractions.
//
// The Splitter keeps every prompt inside the active backend's context window
// by halving oversized batches and analysing the halves concurrently. Leaf
// batches are answered from the Cache when possible, otherwise sent through
// the gateway and parser under the error boundary's retry policy.
package analysis

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/castlist/internal/boundary"
	"github.com/scrypster/castlist/internal/llm"
	"github.com/scrypster/castlist/pkg/types"
)

const (
	// DefaultRetries is the number of extra attempts for a leaf batch.
	DefaultRetries = 3

	minPromptTokens = 1000
	maxPromptTokens = 25000

	moduleName = "analysis"
)

// Gateway is the subset of *llm.Gateway the splitter needs.
type Gateway interface {
	Invoke(ctx context.Context, backend llm.Backend, prompt string) (string, error)
	Active() llm.Backend
	Identity(backend llm.Backend) string
	ContextWindow(ctx context.Context, backend llm.Backend) int
}

// SplitterConfig wires a Splitter to its collaborators.
type SplitterConfig struct {
	Gateway  Gateway
	Cache    *Cache
	Boundary *boundary.Boundary

	// Counter measures prompts. Nil selects the 4-characters-per-token estimate.
	Counter llm.TokenCounter

	// Retries is the number of extra attempts per leaf batch (default: 3).
	Retries int

	Logger *zap.Logger
}

// Splitter analyses batches of messages.
type Splitter struct {
	gateway  Gateway
	cache    *Cache
	boundary *boundary.Boundary
	counter  llm.TokenCounter
	retries  int
	logger   *zap.Logger
}

// NewSplitter creates a Splitter. Missing cache, boundary and counter are
// replaced with defaults.
func NewSplitter(cfg SplitterConfig) *Splitter {
	if cfg.Cache == nil {
		cfg.Cache = NewCache(DefaultCacheCapacity)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Boundary == nil {
		cfg.Boundary = boundary.New(boundary.Config{Logger: cfg.Logger})
	}
	if cfg.Counter == nil {
		cfg.Counter = llm.EstimateCounter{}
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	return &Splitter{
		gateway:  cfg.Gateway,
		cache:    cfg.Cache,
		boundary: cfg.Boundary,
		counter:  cfg.Counter,
		retries:  cfg.Retries,
		logger:   cfg.Logger,
	}
}

// MaxPromptTokens is the prompt budget for a context window: half the window,
// clamped to [1000, 25000]. The other half is left for the response.
func MaxPromptTokens(window int) int {
	budget := window / 2
	if budget < minPromptTokens {
		return minPromptTokens
	}
	if budget > maxPromptTokens {
		return maxPromptTokens
	}
	return budget
}

// Analyze extracts characters from batch. known is the known-character block
// included in every prompt and depth is the recursion depth of this call
// (0 for callers).
//
// A batch whose prompt exceeds the budget is split at its midpoint and both
// halves are analysed concurrently; the result is the first half's
// extractions followed by the second half's. A failure in either half cancels
// the other and is returned. A single message over budget is sent as-is.
func (s *Splitter) Analyze(ctx context.Context, batch []string, known string, depth int) ([]types.Extraction, error) {
	if len(batch) == 0 {
		return []types.Extraction{}, nil
	}
	backend := s.gateway.Active()
	budget := MaxPromptTokens(s.gateway.ContextWindow(ctx, backend))
	return s.analyze(ctx, backend, budget, batch, known, depth)
}

func (s *Splitter) analyze(ctx context.Context, backend llm.Backend, budget int, batch []string, known string, depth int) ([]types.Extraction, error) {
	prompt := llm.BuildExtractionPrompt(batch, known)
	tokens := s.counter.CountTokens(prompt)

	if tokens > budget && len(batch) > 1 {
		mid := len(batch) / 2
		s.logger.Debug("splitting batch",
			zap.Int("messages", len(batch)),
			zap.Int("tokens", tokens),
			zap.Int("budget", budget),
			zap.Int("depth", depth))

		var first, second []types.Extraction
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			first, err = s.analyze(gctx, backend, budget, batch[:mid], known, depth+1)
			return err
		})
		g.Go(func() error {
			var err error
			second, err = s.analyze(gctx, backend, budget, batch[mid:], known, depth+1)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}

		out := make([]types.Extraction, 0, len(first)+len(second))
		out = append(out, first...)
		return append(out, second...), nil
	}

	if tokens > budget {
		s.logger.Warn("single message exceeds prompt budget, sending as-is",
			zap.Int("tokens", tokens),
			zap.Int("budget", budget))
	}
	return s.analyzeLeaf(ctx, backend, batch, prompt)
}

func (s *Splitter) analyzeLeaf(ctx context.Context, backend llm.Backend, batch []string, prompt string) ([]types.Extraction, error) {
	key := CacheKey(llm.JoinBatch(batch), s.gateway.Identity(backend))
	if cached, ok := s.cache.Get(key); ok {
		s.logger.Debug("analysis cache hit", zap.Int("messages", len(batch)))
		return cached, nil
	}

	extractions, err := boundary.Run(ctx, s.boundary, moduleName, func(ctx context.Context) ([]types.Extraction, error) {
		raw, err := s.gateway.Invoke(ctx, backend, prompt)
		if err != nil {
			return nil, err
		}
		resp, err := llm.ParseCharacters(raw)
		if err != nil {
			return nil, err
		}
		return resp.Characters, nil
	}, boundary.Options[[]types.Extraction]{Retries: s.retries})
	if err != nil {
		return nil, err
	}

	s.cache.Put(key, extractions)
	return extractions, nil
}
