// Package bedrock implements the modelstream.Provider interface on top of
// the Amazon Bedrock runtime's bidirectional invocation stream.
//
// Request payloads are wrapped in bidirectional-stream chunk events and
// response chunks are unwrapped back into raw payload bytes; the Nova Sonic
// event JSON inside those payloads passes through untouched.
package bedrock

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/MrWong99/sonicbridge/pkg/provider/modelstream"
)

// Compile-time assertions that Provider and stream satisfy the modelstream
// interfaces.
var _ modelstream.Provider = (*Provider)(nil)
var _ modelstream.Stream = (*stream)(nil)

// defaultEventBuf is the buffer depth of the response event channel. Response
// events are small (audio chunks are base64 inside JSON), so a generous
// buffer smooths over consumer scheduling jitter.
const defaultEventBuf = 64

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithClient overrides the Bedrock runtime client. Primarily used in tests
// to point at a stub implementation.
func WithClient(c InvokeClient) Option {
	return func(p *Provider) { p.client = c }
}

// InvokeClient is the subset of the Bedrock runtime client used by this
// package. It exists so tests can substitute a fake.
type InvokeClient interface {
	InvokeModelWithBidirectionalStream(ctx context.Context, params *bedrockruntime.InvokeModelWithBidirectionalStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithBidirectionalStreamOutput, error)
}

// Provider implements modelstream.Provider for Amazon Bedrock.
type Provider struct {
	client InvokeClient
}

// New creates a Provider from an already-resolved AWS config.
func New(cfg aws.Config, opts ...Option) *Provider {
	p := &Provider{client: bedrockruntime.NewFromConfig(cfg)}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Load resolves the default AWS credential chain for region and returns a
// ready Provider. Use [New] when the caller already holds an aws.Config.
func Load(ctx context.Context, region string) (*Provider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return New(cfg), nil
}

// Open implements modelstream.Provider. It starts a bidirectional invocation
// against cfg.ModelID and spawns a goroutine that unwraps response chunks
// onto the Events channel.
func (p *Provider) Open(ctx context.Context, cfg modelstream.SessionConfig) (modelstream.Stream, error) {
	out, err := p.client.InvokeModelWithBidirectionalStream(ctx, &bedrockruntime.InvokeModelWithBidirectionalStreamInput{
		ModelId: aws.String(cfg.ModelID),
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: open bidirectional stream: %w", err)
	}

	s := &stream{
		es:      out.GetStream(),
		eventCh: make(chan []byte, defaultEventBuf),
	}
	go s.receiveLoop()
	return s, nil
}

type stream struct {
	es      *bedrockruntime.InvokeModelWithBidirectionalStreamEventStream
	eventCh chan []byte

	mu     sync.Mutex
	errVal error
	closed bool
}

// receiveLoop drains the SDK event stream, forwarding chunk payloads to
// eventCh. It owns eventCh and closes it on exit.
func (s *stream) receiveLoop() {
	defer close(s.eventCh)

	for ev := range s.es.Events() {
		chunk, ok := ev.(*brtypes.InvokeModelWithBidirectionalStreamOutputMemberChunk)
		if !ok || len(chunk.Value.Bytes) == 0 {
			continue
		}
		s.eventCh <- chunk.Value.Bytes
	}

	if err := s.es.Err(); err != nil {
		s.setErr(fmt.Errorf("bedrock: response stream: %w", err))
	}
}

// Send implements modelstream.Stream.
func (s *stream) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("bedrock: stream closed")
	}
	s.mu.Unlock()

	err := s.es.Send(ctx, &brtypes.InvokeModelWithBidirectionalStreamInputMemberChunk{
		Value: brtypes.BidirectionalInputPayloadPart{Bytes: payload},
	})
	if err != nil {
		return fmt.Errorf("bedrock: send: %w", err)
	}
	return nil
}

// Events implements modelstream.Stream.
func (s *stream) Events() <-chan []byte { return s.eventCh }

// Err implements modelstream.Stream.
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// Close implements modelstream.Stream. Idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.es.Close()
}
