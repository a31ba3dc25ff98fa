// Package providers defines the common interfaces and types used by the LLM
// provider adapters (OpenAI, Anthropic, Gemini).
//
// Each provider lives in its own sub-package and implements ChatProvider.
// Providers that support vector embeddings additionally implement
// EmbeddingProvider.
//
// Streaming is pull-based: the gateway asks for the next chunk only after the
// previous one has been written to the caller, so upstream reads are never
// pipelined ahead of outward writes.
package providers

import (
	"context"
	"errors"
	"time"

	"github.com/nulpointcorp/semantic-gateway/internal/conversation"
)

type (
	// ChatRequest is the normalized completion request sent to a provider.
	// The provider always streams.
	ChatRequest struct {
		Model       string
		Turns       []conversation.Turn
		Temperature *float64
		TopP        *float64
		MaxTokens   int
		APIKey      string
		RequestID   string
	}

	// EmbeddingRequest — normalized embedding request.
	EmbeddingRequest struct {
		// Input is the list of texts to embed. Always at least one element.
		Input []string
		// Model is the provider-native model name (e.g. "text-embedding-3-small").
		Model     string
		APIKey    string
		RequestID string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int
		Embedding []float32
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// EmbeddingResponse — normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}
)

// ChatProvider is an upstream completion API.
//
// StreamChat returns an error only when the request is rejected before any
// update is produced (auth failure, rate limit, unknown model). Failures after
// that surface through ChunkStream.Err.
type ChatProvider interface {
	Name() string
	StreamChat(ctx context.Context, req *ChatRequest) (ChunkStream, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingProvider is an optional interface implemented by providers that
// support the embeddings API.
type EmbeddingProvider interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// ChunkStream is a finite, non-restartable sequence of non-empty text chunks.
//
//	for s.Next() {
//		write(s.Chunk())
//	}
//	if err := s.Err(); err != nil { ... }
//
// Close must always be called; it releases the upstream connection and is
// safe to call before the stream is exhausted.
type ChunkStream interface {
	Next() bool
	Chunk() string
	Err() error
	Close() error
}

// ProviderTimeout bounds connection setup and response headers for upstream
// HTTP clients. Streamed bodies are bounded by the request context instead.
const ProviderTimeout = 30 * time.Second

// StatusCoder is implemented by provider errors that carry an upstream HTTP
// status.
type StatusCoder interface {
	HTTPStatus() int
}

// ErrNoCredentials is returned when neither the request nor the adapter
// carries an upstream API key.
var ErrNoCredentials = errors.New("providers: no API key configured")

// HTTPStatusOf returns the upstream status carried by err, or 0.
func HTTPStatusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}
