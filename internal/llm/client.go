package llm

import "context"

// Client is the interface all generation providers implement. Providers
// are stateless: every call carries the full prompt and parameters.
type Client interface {
	// Generate sends prompt to the provider and returns the completion
	// text. Failures are *GenerationError values.
	Generate(ctx context.Context, prompt string, params Params) (string, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
