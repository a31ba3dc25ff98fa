package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/nulpointcorp/semantic-gateway/internal/conversation"
	"github.com/nulpointcorp/semantic-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = providers.OpenAI
)

// Provider streams chat completions and computes embeddings through the
// official OpenAI SDK. The API key is normally supplied per request; the key
// given to New is only used for health probes.
type Provider struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Provider)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}

	for _, o := range opts {
		o(p)
	}

	httpClient := providers.NewHTTPClient()
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(httpClient.Transport, p.baseURL)
	}

	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.apiKey == "" {
		return providers.ErrNoCredentials
	}
	if _, err := p.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
	}
	return nil
}

// StreamChat opens a streaming chat completion. Request-level failures
// (bad key, rate limit, unknown model) are returned here; failures after the
// first byte surface through the stream's Err.
func (p *Provider) StreamChat(ctx context.Context, req *providers.ChatRequest) (providers.ChunkStream, error) {
	opts, err := p.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, buildParams(req), opts...)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, toProviderError(err)
	}

	return providers.NewTextStream(&chunkSource{stream: stream}), nil
}

func buildParams(req *providers.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Turns))
	for _, t := range req.Turns {
		msgs = append(msgs, toSDKMessage(t))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

func toSDKMessage(t conversation.Turn) openaiSDK.ChatCompletionMessageParamUnion {
	if t.Role == conversation.RoleAssistant {
		return openaiSDK.AssistantMessage(t.Text)
	}
	return openaiSDK.UserMessage(t.Text)
}

// chunkSource exposes each chat.completion.chunk as one update. Only the
// first choice is read; the gateway never asks for n > 1.
type chunkSource struct {
	stream *ssestream.Stream[openaiSDK.ChatCompletionChunk]
	frags  []providers.Fragment
}

func (s *chunkSource) Next() bool { return s.stream.Next() }

func (s *chunkSource) Current() []providers.Fragment {
	s.frags = s.frags[:0]
	chunk := s.stream.Current()
	for _, c := range chunk.Choices {
		if c.Index != 0 {
			continue
		}
		if c.Delta.Content != "" {
			s.frags = append(s.frags, providers.Fragment{Kind: providers.FragmentText, Text: c.Delta.Content})
		}
		if c.Delta.Refusal != "" {
			s.frags = append(s.frags, providers.Fragment{Kind: providers.FragmentRefusal, Text: c.Delta.Refusal})
		}
		if len(c.Delta.ToolCalls) > 0 {
			s.frags = append(s.frags, providers.Fragment{Kind: providers.FragmentOther})
		}
	}
	return s.frags
}

func (s *chunkSource) Err() error {
	if err := s.stream.Err(); err != nil {
		return toProviderError(err)
	}
	return nil
}

func (s *chunkSource) Close() error { return s.stream.Close() }

// Embed implements providers.EmbeddingProvider.
func (p *Provider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	}

	opts, err := p.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Embeddings.New(ctx, params, opts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	data := make([]providers.EmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		f32 := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			f32[j] = float32(v)
		}
		data[i] = providers.EmbeddingData{
			Index:     int(d.Index),
			Embedding: f32,
		}
	}

	return &providers.EmbeddingResponse{
		Model: resp.Model,
		Data:  data,
		Usage: providers.Usage{
			InputTokens: int(resp.Usage.PromptTokens),
		},
	}, nil
}

func (p *Provider) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("openai: %w", providers.ErrNoCredentials)
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "openai_error",
		}
	}
	return err
}

// baseURLTransport rewrites SDK requests onto a custom base URL, keeping the
// SDK's own path (e.g. /v1/chat/completions) under the configured prefix.
type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
		u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
	}

	r2.URL = &u2
	return t.rt.RoundTrip(r2)
}
