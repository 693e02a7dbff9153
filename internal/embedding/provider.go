package embedding

import "context"

// Provider turns text into a fixed-length vector. Identical input must yield
// vectors with cosine similarity close to 1.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
