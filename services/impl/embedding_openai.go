package impl

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sitespeak/kb-engine/models"
	"github.com/sitespeak/kb-engine/services"
	"github.com/sony/gobreaker"
)

// EmbeddingOptions configures the OpenAI embedding provider.
type EmbeddingOptions struct {
	Model      string
	Dimensions int
	MaxRetries uint64
}

func DefaultEmbeddingOptions() EmbeddingOptions {
	return EmbeddingOptions{
		Model:      string(openai.SmallEmbedding3),
		Dimensions: 1536,
		MaxRetries: 3,
	}
}

type openaiEmbedder struct {
	client  *openai.Client
	opts    EmbeddingOptions
	breaker *gobreaker.CircuitBreaker
}

// NewOpenAIEmbedder wraps the OpenAI embeddings endpoint behind a circuit
// breaker so a flapping upstream fails fast instead of stalling crawls.
func NewOpenAIEmbedder(client *openai.Client, opts EmbeddingOptions) services.EmbeddingProvider {
	if opts.Model == "" {
		opts.Model = string(openai.SmallEmbedding3)
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = 1536
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "openai-embeddings",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("circuit %s: %s -> %s", name, from, to)
		},
	})
	return &openaiEmbedder{client: client, opts: opts, breaker: breaker}
}

func (e *openaiEmbedder) Dimensions() int { return e.opts.Dimensions }
func (e *openaiEmbedder) Model() string   { return e.opts.Model }

func (e *openaiEmbedder) EmbedText(ctx context.Context, text string) ([]float32, int, error) {
	vectors, tokens, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, 0, err
	}
	return vectors[0], tokens, nil
}

func (e *openaiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, int, error) {
	if len(texts) == 0 {
		return nil, 0, nil
	}

	var vectors [][]float32
	tokens := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
	), e.opts.MaxRetries), ctx)

	err := backoff.Retry(func() error {
		out, err := e.breaker.Execute(func() (interface{}, error) {
			return e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input:      texts,
				Model:      openai.EmbeddingModel(e.opts.Model),
				Dimensions: e.opts.Dimensions,
			})
		})
		if err != nil {
			if e.breaker.State() == gobreaker.StateOpen {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		resp := out.(openai.EmbeddingResponse)
		if len(resp.Data) != len(texts) {
			return backoff.Permanent(fmt.Errorf("embedding count mismatch: want %d, got %d", len(texts), len(resp.Data)))
		}
		vectors = make([][]float32, len(resp.Data))
		for _, item := range resp.Data {
			vectors[item.Index] = item.Embedding
		}
		tokens = resp.Usage.PromptTokens
		return nil
	}, policy)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: embeddings: %v", models.ErrTransientIO, err)
	}
	return vectors, tokens, nil
}
