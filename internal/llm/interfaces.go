package llm

import "context"

// ProviderFunc adapts a plain completion function, such as a host
// application's generate call, into a Provider with a fixed context window.
type ProviderFunc struct {
	Fn     func(ctx context.Context, req CompletionRequest) (string, error)
	Window int
	Name   string
}

// Complete implements Provider.
func (f ProviderFunc) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return f.Fn(ctx, req)
}

// ContextWindow implements Provider.
func (f ProviderFunc) ContextWindow(ctx context.Context) (int, error) {
	if f.Window <= 0 {
		return DefaultContextWindow, nil
	}
	return f.Window, nil
}

// Model implements Provider.
func (f ProviderFunc) Model() string { return f.Name }

var _ Provider = ProviderFunc{}
