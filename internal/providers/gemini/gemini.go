package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/semantic-gateway/internal/conversation"
	"github.com/nulpointcorp/semantic-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = providers.Gemini
)

// Provider implements providers.ChatProvider and providers.EmbeddingProvider
// for Google Gemini (official GenAI SDK).
type Provider struct {
	apiKey     string
	baseURL    string
	client     *genai.Client
	httpClient *http.Client
	base       string
	apiVersion string
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a new Gemini Provider. A client bound to apiKey is built
// eagerly; per-request keys get their own client.
func New(ctx context.Context, apiKey string, opts ...Option) *Provider {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: providers.NewHTTPClient(),
	}
	for _, o := range opts {
		o(p)
	}

	p.base, p.apiVersion = splitBaseURLAndVersion(p.baseURL)

	if p.apiKey != "" {
		if client, err := p.newClient(ctx, p.apiKey); err == nil {
			p.client = client
		}
	}

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.apiKey == "" {
		return providers.ErrNoCredentials
	}
	client, err := p.clientForKey(ctx, "")
	if err != nil {
		return err
	}
	if _, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

// StreamChat opens a streamGenerateContent call. The first response is
// pulled eagerly so request-level errors are returned here rather than from
// the stream.
func (p *Provider) StreamChat(ctx context.Context, req *providers.ChatRequest) (providers.ChunkStream, error) {
	client, err := p.clientForKey(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(req)
	next, stop := iter.Pull2(client.Models.GenerateContentStream(ctx, req.Model, contents, cfg))

	src := &pullSource{next: next, stop: stop}
	first, err, ok := next()
	if ok && err != nil {
		stop()
		return nil, toProviderError(err)
	}
	if ok {
		src.pending = first
		src.hasPending = true
	}

	return providers.NewTextStream(src), nil
}

func buildContentsAndConfig(req *providers.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := make([]*genai.Content, 0, len(req.Turns))
	for _, t := range req.Turns {
		role := genai.Role(genai.RoleUser)
		if t.Role == conversation.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}

	if req.Temperature == nil && req.TopP == nil && req.MaxTokens == 0 {
		return contents, nil
	}

	cfg := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*req.TopP))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return contents, cfg
}

// pullSource reads the SDK's range-over-func stream one response at a time.
type pullSource struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()

	pending    *genai.GenerateContentResponse
	hasPending bool

	cur   *genai.GenerateContentResponse
	err   error
	done  bool
	frags []providers.Fragment
}

func (s *pullSource) Next() bool {
	if s.hasPending {
		s.cur, s.pending, s.hasPending = s.pending, nil, false
		return true
	}
	if s.done {
		return false
	}
	resp, err, ok := s.next()
	if !ok {
		s.done = true
		return false
	}
	if err != nil {
		s.err = toProviderError(err)
		s.done = true
		return false
	}
	s.cur = resp
	return true
}

func (s *pullSource) Current() []providers.Fragment {
	s.frags = s.frags[:0]
	if s.cur == nil || len(s.cur.Candidates) == 0 {
		return s.frags
	}
	c := s.cur.Candidates[0]
	if c == nil || c.Content == nil {
		return s.frags
	}
	for _, part := range c.Content.Parts {
		switch {
		case part == nil:
		case part.Thought:
			s.frags = append(s.frags, providers.Fragment{Kind: providers.FragmentReasoning, Text: part.Text})
		case part.Text != "":
			s.frags = append(s.frags, providers.Fragment{Kind: providers.FragmentText, Text: part.Text})
		default:
			s.frags = append(s.frags, providers.Fragment{Kind: providers.FragmentOther})
		}
	}
	return s.frags
}

func (s *pullSource) Err() error { return s.err }

func (s *pullSource) Close() error {
	s.done = true
	s.stop()
	return nil
}

// Embed implements providers.EmbeddingProvider.
// All input strings are sent in a single EmbedContent call as a batch of Contents.
func (p *Provider) Embed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	contents := make([]*genai.Content, len(req.Input))
	for i, text := range req.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	client, err := p.clientForKey(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}

	resp, err := client.Models.EmbedContent(ctx, req.Model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: embed: %w", toProviderError(err))
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("gemini: embed: empty response")
	}

	data := make([]providers.EmbeddingData, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		data[i] = providers.EmbeddingData{
			Index:     i,
			Embedding: emb.Values,
		}
	}

	return &providers.EmbeddingResponse{
		Model: req.Model,
		Data:  data,
	}, nil
}

func (p *Provider) clientForKey(ctx context.Context, overrideKey string) (*genai.Client, error) {
	key := overrideKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w", providers.ErrNoCredentials)
	}
	if key == p.apiKey && p.client != nil {
		return p.client, nil
	}
	client, err := p.newClient(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	return client, nil
}

func (p *Provider) newClient(ctx context.Context, key string) (*genai.Client, error) {
	return genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.base, APIVersion: p.apiVersion},
	})
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

// looksLikeAPIVersion matches path segments such as v1 or v1beta.
func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// ProviderError is a structured error returned by the Gemini API (SDK wrapper).
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
		}
	}
	return err
}
