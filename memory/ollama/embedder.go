package ollama

import (
	"context"
	"fmt"

	"github.com/ollama/ollama/api"

	"github.com/mnemod/mnemod/memory"
)

type Model string

const (
	ModelMXBAI Model = "mxbai-embed-large"
)

// DimensionsMXBAI is the output width of mxbai-embed-large.
const DimensionsMXBAI = 1024

type embedder struct {
	client     *api.Client
	model      Model
	dimensions int
}

// NewEmbedder creates an embedder backed by a local Ollama instance
// (host resolved from the environment, OLLAMA_HOST).
func NewEmbedder(model Model, dimensions int) (memory.Embedder, error) {
	cli, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, err
	}
	if dimensions <= 0 {
		dimensions = DimensionsMXBAI
	}
	return &embedder{client: cli, model: model, dimensions: dimensions}, nil
}

func (e *embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: string(e.model),
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return resp.Embeddings[0], nil
}

func (e *embedder) Dimensions() int {
	return e.dimensions
}
