package anthropic

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/nulpointcorp/semantic-gateway/internal/conversation"
	"github.com/nulpointcorp/semantic-gateway/internal/providers"
)

const (
	providerName     = providers.Anthropic
	defaultMaxTokens = 4096
)

// Provider implements providers.ChatProvider for Anthropic (official SDK).
type Provider struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// New creates a new Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey}
	for _, o := range opts {
		o(p)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(providers.NewHTTPClient()),
		option.WithMaxRetries(0),
	}
	if p.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = anthropic.NewClient(clientOpts...)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.apiKey == "" {
		return providers.ErrNoCredentials
	}
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) StreamChat(ctx context.Context, req *providers.ChatRequest) (providers.ChunkStream, error) {
	opts, err := p.requestOptions(req.APIKey)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, buildParams(req), opts...)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, toProviderError(err)
	}

	return providers.NewTextStream(&eventSource{stream: stream}), nil
}

func buildParams(req *providers.ChatRequest) anthropic.MessageNewParams {
	msgs := make([]anthropic.MessageParam, 0, len(req.Turns))
	for _, t := range req.Turns {
		msgs = append(msgs, toSDKMessage(t))
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}

	return params
}

func toSDKMessage(t conversation.Turn) anthropic.MessageParam {
	if t.Role == conversation.RoleAssistant {
		return anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Text))
	}
	return anthropic.NewUserMessage(anthropic.NewTextBlock(t.Text))
}

// eventSource turns Messages API stream events into updates. Only
// content_block_delta events carry fragments.
type eventSource struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	frags  []providers.Fragment
}

func (s *eventSource) Next() bool { return s.stream.Next() }

func (s *eventSource) Current() []providers.Fragment {
	s.frags = s.frags[:0]

	ev, ok := s.stream.Current().AsAny().(anthropic.ContentBlockDeltaEvent)
	if !ok {
		return s.frags
	}

	switch d := ev.Delta.AsAny().(type) {
	case anthropic.TextDelta:
		s.frags = append(s.frags, providers.Fragment{Kind: providers.FragmentText, Text: d.Text})
	case anthropic.ThinkingDelta:
		s.frags = append(s.frags, providers.Fragment{Kind: providers.FragmentReasoning, Text: d.Thinking})
	default:
		s.frags = append(s.frags, providers.Fragment{Kind: providers.FragmentOther})
	}
	return s.frags
}

func (s *eventSource) Err() error {
	if err := s.stream.Err(); err != nil {
		return toProviderError(err)
	}
	return nil
}

func (s *eventSource) Close() error { return s.stream.Close() }

func (p *Provider) requestOptions(overrideKey string) ([]option.RequestOption, error) {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic: %w", providers.ErrNoCredentials)
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
