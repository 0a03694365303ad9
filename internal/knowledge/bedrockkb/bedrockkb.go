// Package bedrockkb implements knowledge.Retriever on top of Amazon Bedrock
// Knowledge Bases via the agent runtime Retrieve API.
package bedrockkb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	agtypes "github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"

	"github.com/MrWong99/sonicbridge/internal/knowledge"
)

// defaultTopK is used when the query does not cap result count.
const defaultTopK = 5

// RetrieveClient is the subset of the agent runtime client used by this
// package. It exists so tests can substitute a fake.
type RetrieveClient interface {
	Retrieve(ctx context.Context, params *bedrockagentruntime.RetrieveInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveOutput, error)
}

// Retriever queries one Bedrock knowledge base.
type Retriever struct {
	client RetrieveClient
	kbID   string
}

// New creates a Retriever for the knowledge base kbID.
func New(client RetrieveClient, kbID string) *Retriever {
	return &Retriever{client: client, kbID: kbID}
}

// NewFromConfig builds the agent runtime client from an already-resolved AWS
// config.
func NewFromConfig(cfg aws.Config, kbID string) *Retriever {
	return New(bedrockagentruntime.NewFromConfig(cfg), kbID)
}

// Retrieve implements knowledge.Retriever.
func (r *Retriever) Retrieve(ctx context.Context, q knowledge.Query) ([]knowledge.Hit, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	out, err := r.client.Retrieve(ctx, &bedrockagentruntime.RetrieveInput{
		KnowledgeBaseId: aws.String(r.kbID),
		RetrievalQuery:  &agtypes.KnowledgeBaseQuery{Text: aws.String(q.Text)},
		RetrievalConfiguration: &agtypes.KnowledgeBaseRetrievalConfiguration{
			VectorSearchConfiguration: &agtypes.KnowledgeBaseVectorSearchConfiguration{
				NumberOfResults: aws.Int32(int32(topK)),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bedrockkb: retrieve from %s: %w", r.kbID, err)
	}

	hits := make([]knowledge.Hit, 0, len(out.RetrievalResults))
	for _, res := range out.RetrievalResults {
		if res.Content == nil || res.Content.Text == nil {
			continue
		}
		h := knowledge.Hit{Content: *res.Content.Text}
		if res.Score != nil {
			h.Score = *res.Score
		}
		if loc := res.Location; loc != nil && loc.S3Location != nil && loc.S3Location.Uri != nil {
			h.Source = *loc.S3Location.Uri
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// Ensure Retriever implements knowledge.Retriever at compile time.
var _ knowledge.Retriever = (*Retriever)(nil)
