package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/scrypster/castlist/internal/boundary"
)

// OllamaConfig holds Ollama backend configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama API (default: http://localhost:11434)
	BaseURL string

	// Model is the selected model. It has no default: the local backend refuses
	// to run until one is chosen.
	Model string

	// Timeout is the per-request timeout (default: 120s)
	Timeout time.Duration
}

// OllamaBackend is the local Provider. It calls /api/generate with JSON
// format forced and streaming off, and reads the model's context size from
// /api/show.
type OllamaBackend struct {
	client  *api.Client
	baseURL string
	timeout time.Duration

	mu      sync.RWMutex
	model   string
	windows map[string]int
}

// NewOllamaBackend creates an Ollama backend with the given configuration.
func NewOllamaBackend(config OllamaConfig) (*OllamaBackend, error) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, &boundary.ConfigurationError{Setting: "ollama url", Msg: err.Error()}
	}
	return &OllamaBackend{
		client:  api.NewClient(base, &http.Client{Timeout: config.Timeout}),
		baseURL: config.BaseURL,
		timeout: config.Timeout,
		model:   config.Model,
		windows: make(map[string]int),
	}, nil
}

// Model returns the selected model name.
func (o *OllamaBackend) Model() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.model
}

// SelectModel switches the model used for generation.
func (o *OllamaBackend) SelectModel(model string) {
	o.mu.Lock()
	o.model = strings.TrimSpace(model)
	o.mu.Unlock()
}

// Complete implements Provider.
func (o *OllamaBackend) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	model := o.Model()
	if model == "" {
		return "", &boundary.ConfigurationError{Setting: "local model", Msg: "no model selected for the local backend"}
	}

	options := map[string]any{
		"temperature":    req.Sampling.Temperature,
		"top_p":          req.Sampling.TopP,
		"top_k":          req.Sampling.TopK,
		"min_p":          req.Sampling.MinP,
		"repeat_penalty": req.Sampling.RepetitionPenalty,
		"num_predict":    req.MaxTokens,
	}
	if req.ContextWindow > 0 {
		options["num_ctx"] = req.ContextWindow
	}
	if len(req.Stop) > 0 {
		options["stop"] = req.Stop
	}

	stream := false
	genReq := &api.GenerateRequest{
		Model:   model,
		Prompt:  req.Prompt,
		Stream:  &stream,
		Format:  json.RawMessage(`"json"`),
		Options: options,
	}

	var out strings.Builder
	err := o.client.Generate(ctx, genReq, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", o.wrapError(err)
	}
	return out.String(), nil
}

// ContextWindow implements Provider. The value comes from the model's
// "<arch>.context_length" info, else its num_ctx parameter, and is cached per
// model.
func (o *OllamaBackend) ContextWindow(ctx context.Context) (int, error) {
	model := o.Model()
	if model == "" {
		return 0, &boundary.ConfigurationError{Setting: "local model", Msg: "no model selected for the local backend"}
	}

	o.mu.RLock()
	window, ok := o.windows[model]
	o.mu.RUnlock()
	if ok {
		return window, nil
	}

	resp, err := o.client.Show(ctx, &api.ShowRequest{Model: model})
	if err != nil {
		return 0, o.wrapError(err)
	}

	window = contextLengthFromShow(resp)
	if window <= 0 {
		window = DefaultContextWindow
	}

	o.mu.Lock()
	o.windows[model] = window
	o.mu.Unlock()
	return window, nil
}

// ListModels returns the names of the models installed on the server.
func (o *OllamaBackend) ListModels(ctx context.Context) ([]string, error) {
	resp, err := o.client.List(ctx)
	if err != nil {
		return nil, o.wrapError(err)
	}
	models := make([]string, len(resp.Models))
	for i, m := range resp.Models {
		models[i] = m.Name
	}
	return models, nil
}

func (o *OllamaBackend) wrapError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return &boundary.BackendError{
			Backend:    "local",
			StatusCode: statusErr.StatusCode,
			Body:       statusErr.ErrorMessage,
			Err:        err,
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &boundary.BackendError{Backend: "local", Err: fmt.Errorf("ollama at %s: %w", o.baseURL, err)}
}

func contextLengthFromShow(resp *api.ShowResponse) int {
	if resp == nil {
		return 0
	}
	for key, value := range resp.ModelInfo {
		if !strings.HasSuffix(key, ".context_length") {
			continue
		}
		switch v := value.(type) {
		case float64:
			return int(v)
		case int:
			return v
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return int(n)
			}
		}
	}
	for _, line := range strings.Split(resp.Parameters, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "num_ctx" {
			if n, err := strconv.Atoi(fields[1]); err == nil {
				return n
			}
		}
	}
	return 0
}

var _ Provider = (*OllamaBackend)(nil)
