package embedding

import "context"

// Provider generates embedding vectors for text. Implementations wrap a
// remote embedding API and may be slow or fail; callers that need a latency
// bound should go through Generator instead of calling a Provider directly.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
