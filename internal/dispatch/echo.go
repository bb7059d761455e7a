package dispatch

import "context"

// EchoProvider is a deployment-free Provider used when no upstream LLM
// adapter is configured (local development, integration tests): it
// returns the input message verbatim at a fixed simulated cost.
type EchoProvider struct {
	CostPerCallMicros int64
}

// Complete implements Provider.
func (p EchoProvider) Complete(ctx context.Context, model, message string, maxTokens int64) (Completion, error) {
	return Completion{Text: message, ActualMicros: p.CostPerCallMicros}, nil
}
