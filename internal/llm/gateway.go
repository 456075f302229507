package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scrypster/castlist/internal/boundary"
)

// DefaultContextWindow is assumed when a backend cannot report its context size.
const DefaultContextWindow = 4096

// Backend selects one of the two invocation targets.
type Backend int

const (
	// BackendPrimary is the host-integrated chat completion model.
	BackendPrimary Backend = iota
	// BackendLocal is a locally hosted Ollama model server.
	BackendLocal
)

func (b Backend) String() string {
	switch b {
	case BackendPrimary:
		return "primary"
	case BackendLocal:
		return "local"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

// ParseBackend converts "primary" or "local" (also "ollama") to a Backend.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary", "":
		return BackendPrimary, nil
	case "local", "ollama":
		return BackendLocal, nil
	default:
		return 0, fmt.Errorf("unsupported backend: %q", s)
	}
}

// Sampling holds the generation parameters sent with every extraction call.
type Sampling struct {
	Temperature       float64
	TopP              float64
	TopK              int
	MinP              float64
	RepetitionPenalty float64
}

// DefaultSampling returns the low-temperature settings used for structured output.
func DefaultSampling() Sampling {
	return Sampling{
		Temperature:       0.3,
		TopP:              0.9,
		TopK:              40,
		MinP:              0.05,
		RepetitionPenalty: 1.1,
	}
}

// CompletionRequest is what a Provider receives for one call.
type CompletionRequest struct {
	Prompt        string
	Sampling      Sampling
	MaxTokens     int
	ContextWindow int
	Stop          []string
}

// Provider is one backend's transport. The primary backend is usually the
// host's chat completion function; the local backend is OllamaBackend.
type Provider interface {
	// Complete returns the raw completion text.
	Complete(ctx context.Context, req CompletionRequest) (string, error)

	// ContextWindow reports the model's context size in tokens.
	ContextWindow(ctx context.Context) (int, error)

	// Model returns the selected model identifier, or "" if none is selected.
	Model() string
}

// MaxResponseTokens is the response budget for a backend context window.
func MaxResponseTokens(window int) int {
	return max(4000, window/4)
}

// GatewayConfig holds Gateway configuration.
type GatewayConfig struct {
	// Active is the backend used by Invoke callers that do not choose one.
	Active Backend

	// Sampling overrides DefaultSampling when non-zero.
	Sampling Sampling

	// RequestsPerSecond limits calls across both backends; 0 disables the limit.
	RequestsPerSecond float64

	Breaker CircuitBreakerConfig
	Logger  *zap.Logger
}

// Gateway sends prompts to the primary or local backend with fixed sampling,
// so the caller's own generation settings never leak into extraction.
type Gateway struct {
	mu        sync.RWMutex
	providers map[Backend]Provider
	breakers  map[Backend]*CircuitBreaker
	active    Backend

	sampling Sampling
	limiter  *rate.Limiter
	breaker  CircuitBreakerConfig
	logger   *zap.Logger
}

// NewGateway creates a Gateway with no backends attached.
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Sampling == (Sampling{}) {
		cfg.Sampling = DefaultSampling()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Gateway{
		providers: make(map[Backend]Provider),
		breakers:  make(map[Backend]*CircuitBreaker),
		active:    cfg.Active,
		sampling:  cfg.Sampling,
		limiter:   rate.NewLimiter(limit, 1),
		breaker:   cfg.Breaker,
		logger:    cfg.Logger,
	}
}

// SetProvider attaches p as the transport for backend. A nil p detaches it.
func (g *Gateway) SetProvider(backend Backend, p Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p == nil {
		delete(g.providers, backend)
		delete(g.breakers, backend)
		return
	}
	g.providers[backend] = p
	bc := g.breaker
	bc.Name = backend.String()
	bc.Logger = g.logger
	g.breakers[backend] = NewCircuitBreaker(bc)
}

// SetActive selects the backend used by Active callers.
func (g *Gateway) SetActive(backend Backend) {
	g.mu.Lock()
	g.active = backend
	g.mu.Unlock()
}

// Active returns the selected backend.
func (g *Gateway) Active() Backend {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

// Sampling returns the sampling parameters sent with every call.
func (g *Gateway) Sampling() Sampling { return g.sampling }

// Identity returns "backend:model", used to key cached analyses.
func (g *Gateway) Identity(backend Backend) string {
	model := ""
	if p, _ := g.provider(backend); p != nil {
		model = p.Model()
	}
	return backend.String() + ":" + model
}

// ContextWindow reports the backend's context size, falling back to
// DefaultContextWindow when the backend cannot say.
func (g *Gateway) ContextWindow(ctx context.Context, backend Backend) int {
	p, _ := g.provider(backend)
	if p == nil {
		return DefaultContextWindow
	}
	window, err := p.ContextWindow(ctx)
	if err != nil || window <= 0 {
		if err != nil {
			g.logger.Debug("context window lookup failed", zap.Stringer("backend", backend), zap.Error(err))
		}
		return DefaultContextWindow
	}
	return window
}

// Breaker returns the circuit breaker guarding backend, or nil.
func (g *Gateway) Breaker(backend Backend) *CircuitBreaker {
	_, cb := g.provider(backend)
	return cb
}

// Invoke sends prompt to backend and returns the raw response text.
//
// Errors:
//   - *boundary.UnavailableError if the backend is not attached or its circuit is open
//   - *boundary.ConfigurationError if the local backend has no model selected
//   - *boundary.BackendError on transport failure or a non-success response
//   - *boundary.ParseError if the backend answered with empty text
func (g *Gateway) Invoke(ctx context.Context, backend Backend, prompt string) (string, error) {
	p, cb := g.provider(backend)
	if p == nil {
		return "", &boundary.UnavailableError{Backend: backend.String()}
	}
	if backend == BackendLocal && p.Model() == "" {
		return "", &boundary.ConfigurationError{Setting: "local model", Msg: "no model selected for the local backend"}
	}

	window := g.ContextWindow(ctx, backend)
	req := CompletionRequest{
		Prompt:        prompt,
		Sampling:      g.sampling,
		MaxTokens:     MaxResponseTokens(window),
		ContextWindow: window,
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}

	result, err := cb.Execute(ctx, func() (any, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return "", classifyTransportError(backend, err)
	}

	text, _ := result.(string)
	if strings.TrimSpace(text) == "" {
		return "", boundary.NewParseError(text, errEmptyResponse)
	}
	return text, nil
}

func (g *Gateway) provider(backend Backend) (Provider, *CircuitBreaker) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.providers[backend], g.breakers[backend]
}

// classifyTransportError keeps taxonomy errors as they are and wraps anything
// else as a BackendError.
func classifyTransportError(backend Backend, err error) error {
	if errors.Is(err, ErrCircuitOpen) {
		return &boundary.UnavailableError{Backend: backend.String(), Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var (
		backendErr     *boundary.BackendError
		unavailableErr *boundary.UnavailableError
		cfgErr         *boundary.ConfigurationError
		parseErr       *boundary.ParseError
	)
	if errors.As(err, &backendErr) || errors.As(err, &unavailableErr) || errors.As(err, &cfgErr) || errors.As(err, &parseErr) {
		return err
	}
	return &boundary.BackendError{Backend: backend.String(), Err: err}
}
