package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// defaultTitanModelID is the embedding model used when none is configured.
const defaultTitanModelID = "amazon.titan-embed-text-v2:0"

// InvokeClient is the subset of the Bedrock runtime client the embedder
// uses. It exists so tests can substitute a fake.
type InvokeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// TitanEmbedder implements Embedder with Amazon Titan text embeddings over
// the Bedrock runtime.
type TitanEmbedder struct {
	client  InvokeClient
	modelID string
}

// NewTitanEmbedder creates an embedder. An empty modelID selects
// amazon.titan-embed-text-v2:0.
func NewTitanEmbedder(client InvokeClient, modelID string) *TitanEmbedder {
	if modelID == "" {
		modelID = defaultTitanModelID
	}
	return &TitanEmbedder{client: client, modelID: modelID}
}

// NewTitanEmbedderFromConfig builds the runtime client from an
// already-resolved AWS config.
func NewTitanEmbedderFromConfig(cfg aws.Config, modelID string) *TitanEmbedder {
	return NewTitanEmbedder(bedrockruntime.NewFromConfig(cfg), modelID)
}

type titanRequest struct {
	InputText string `json:"inputText"`
}

type titanResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed implements Embedder.
func (e *TitanEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(titanRequest{InputText: text})
	if err != nil {
		return nil, fmt.Errorf("pgstore: marshal embed request: %w", err)
	}

	out, err := e.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(e.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: invoke %s: %w", e.modelID, err)
	}

	var resp titanResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("pgstore: decode embed response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("pgstore: empty embedding from %s", e.modelID)
	}
	return resp.Embedding, nil
}

// Ensure TitanEmbedder implements Embedder at compile time.
var _ Embedder = (*TitanEmbedder)(nil)
