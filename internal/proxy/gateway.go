// Package proxy is the streaming chat completion gateway.
//
// The Gateway authenticates the caller, normalizes the conversation and, for
// short conversations, consults the semantic cache before opening a streaming
// completion upstream. Live answers are forwarded chunk by chunk and, when the
// stream completes, written back to the cache.
//
// Key design constraints:
//   - One request is one sequential pipeline. Nothing is read from upstream
//     before the previous chunk has been flushed to the caller.
//   - Cache failures never fail a request; the request is served live.
//   - Upstream calls are single-attempt.
//   - Logger, metrics, cache and rate limiter are optional and nil-safe.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/semantic-gateway/internal/cache"
	"github.com/nulpointcorp/semantic-gateway/internal/conversation"
	"github.com/nulpointcorp/semantic-gateway/internal/credentials"
	"github.com/nulpointcorp/semantic-gateway/internal/logger"
	"github.com/nulpointcorp/semantic-gateway/internal/metrics"
	"github.com/nulpointcorp/semantic-gateway/internal/providers"
	"github.com/nulpointcorp/semantic-gateway/internal/ratelimit"
	"github.com/nulpointcorp/semantic-gateway/pkg/apierr"
)

const (
	routeChat = "chat_completions"

	defaultStreamTimeout = 5 * time.Minute
	writeBackTimeout     = 5 * time.Second

	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// GatewayOptions holds the collaborators of a Gateway. Catalog and Resolver
// are required; everything else is optional.
type GatewayOptions struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger

	// Catalog is the supported-model allowlist and model routing table.
	Catalog *providers.Catalog

	// Resolver determines the caller's provider key.
	Resolver *credentials.Resolver

	// Credentials backs the user preference endpoints. When nil they answer 503.
	Credentials credentials.Store

	// Semantic is the answer cache. Caching is enabled only when it is set
	// and CachingEnabled is true.
	Semantic       *cache.Semantic
	Policy         *cache.Policy
	CachingEnabled bool

	// StreamTimeout bounds one streamed completion. Default: 5m.
	StreamTimeout time.Duration

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry
}

// Gateway is the HTTP front of the service. All dependencies are injected so
// they can be replaced with doubles in unit tests.
type Gateway struct {
	providers map[string]providers.ChatProvider
	catalog   *providers.Catalog
	resolver  *credentials.Resolver
	creds     credentials.Store
	semantic  *cache.Semantic
	policy    *cache.Policy
	health    *HealthChecker
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry

	streamTimeout time.Duration

	// Optional dependencies, nil-safe when not configured.
	rpmLimiter *ratelimit.RPMLimiter
	reqLogger  *logger.Logger

	// CORS allowed origins. Empty slice means deny all; ["*"] means allow all.
	corsOrigins []string
}

// NewGateway creates a Gateway serving the given providers, keyed by
// provider name.
func NewGateway(baseCtx context.Context, provs map[string]providers.ChatProvider, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	streamTimeout := opts.StreamTimeout
	if streamTimeout <= 0 {
		streamTimeout = defaultStreamTimeout
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = credentials.NewResolver(credentials.ModeBearer, nil, nil, log)
	}

	gw := &Gateway{
		providers:     provs,
		catalog:       opts.Catalog,
		resolver:      resolver,
		creds:         opts.Credentials,
		policy:        opts.Policy,
		baseCtx:       baseCtx,
		log:           log,
		metrics:       opts.Metrics,
		streamTimeout: streamTimeout,
	}
	if opts.CachingEnabled && opts.Semantic != nil {
		gw.semantic = opts.Semantic
		if gw.policy == nil {
			gw.policy = cache.NewPolicy(1, nil)
		}
	}

	if len(provs) > 0 {
		components := make(map[string]func(context.Context) error)
		if gw.semantic != nil {
			components["vector_store"] = gw.semantic.Ping
		}
		if gw.creds != nil {
			components["credential_store"] = gw.creds.Ping
		}
		gw.health = NewHealthChecker(baseCtx, provs, components, gw.metrics)
	}

	return gw
}

// SetRateLimiter injects the per-caller RPM limiter.
func (g *Gateway) SetRateLimiter(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async request logger.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// CachingEnabled reports whether the semantic cache is active.
func (g *Gateway) CachingEnabled() bool { return g.semantic != nil }

// Close stops background health probes.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// ── Wire types ────────────────────────────────────────────────────────────────

type (
	inboundRequest struct {
		Model       string                 `json:"model"`
		Messages    []conversation.Message `json:"messages"`
		Stream      bool                   `json:"stream"`
		Temperature *float64               `json:"temperature"`
		TopP        *float64               `json:"top_p"`
		MaxTokens   int                    `json:"max_tokens"`
	}

	chunkDelta struct {
		Content string `json:"content"`
	}

	chunkChoice struct {
		Index int        `json:"index"`
		Delta chunkDelta `json:"delta"`
	}

	chunkEvent struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []chunkChoice `json:"choices"`
	}
)

var sseDone = []byte("data: [DONE]\n\n")

// formatChunk renders one outward SSE event.
func formatChunk(id, model, text string) []byte {
	data, _ := json.Marshal(chunkEvent{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chunkChoice{{Delta: chunkDelta{Content: text}}},
	})
	out := make([]byte, 0, len(data)+8)
	out = append(out, "data: "...)
	out = append(out, data...)
	return append(out, '\n', '\n')
}

// exchange carries the per-request facts reported once the response is done.
type exchange struct {
	start    time.Time
	reqID    string
	provider string
	model    string
	username string
	turns    int
	cached   bool
	chunks   int
	outcome  string
}

// dispatchChat is the handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	ex := &exchange{start: time.Now(), provider: "unknown", outcome: metrics.OutcomeRejected}
	ex.reqID, _ = ctx.UserValue("request_id").(string)
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if streaming {
			return // finalised by the stream writer
		}
		g.finish(ex, ctx.Response.StatusCode())
	}()

	// 1. Credentials.
	res, ok := g.resolver.Resolve(ctx, &ctx.Request.Header)
	ex.username = res.Username
	if !ok {
		g.log.InfoContext(ctx, "unauthorized",
			slog.String("request_id", ex.reqID),
			slog.String("mode", string(g.resolver.Mode())),
		)
		apierr.WriteUnauthorized(ctx)
		return
	}

	// 2. Body.
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if !req.Stream {
		apierr.WriteBadRequest(ctx, "only streaming requests are supported; set 'stream' to true")
		return
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = res.PreferredModel
	}
	if model == "" {
		apierr.WriteBadRequest(ctx, "field 'model' is required")
		return
	}
	ex.model = model
	if !g.catalog.Supported(model) {
		apierr.WriteUnsupportedModel(ctx, model)
		return
	}

	turns := conversation.Normalize(req.Messages)
	if len(turns) == 0 {
		apierr.WriteBadRequest(ctx, "'messages' must contain at least one user or assistant message")
		return
	}
	ex.turns = len(turns)

	providerName := g.catalog.ProviderFor(model)
	ex.provider = providerName
	prov, ok := g.providers[providerName]
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			fmt.Sprintf("provider %q is not configured", providerName),
			apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	// 3. Rate limit check (RPM).
	if !g.allowRate(ctx, ex, res) {
		apierr.WriteRateLimit(ctx)
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", ex.reqID),
		slog.String("model", model),
		slog.String("provider", providerName),
		slog.Int("turns", len(turns)),
	)

	// 4. Cache check.
	eligible := g.semantic != nil && g.policy.EligibleFor(model, len(turns))
	var (
		fingerprint string
		vec         []float32
	)
	if !eligible {
		g.recordLookup(metrics.LookupSkipped)
	} else {
		fingerprint = conversation.Fingerprint(turns)
		answer, hit, v := g.cacheCheck(ctx, ex.reqID, res.APIKey, fingerprint)
		if hit {
			ex.cached = true
			ex.outcome = metrics.OutcomeCacheHit
			ex.chunks = g.replay(ctx, model, answer)
			return
		}
		vec = v
	}

	// 5. Open the upstream stream. Failures here still get a JSON error.
	streamCtx, cancel := context.WithTimeout(g.baseCtx, g.streamTimeout)
	stream, err := prov.StreamChat(streamCtx, &providers.ChatRequest{
		Model:       model,
		Turns:       turns,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		APIKey:      res.APIKey,
		RequestID:   ex.reqID,
	})
	if err != nil {
		cancel()
		ex.outcome = metrics.OutcomeUpstreamErr
		g.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", ex.reqID),
			slog.String("provider", providerName),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(ex.start)),
		)
		g.recordProviderError(providerName, err)
		apierr.WriteUpstream(ctx, err)
		return
	}

	// 6. Stream live.
	streaming = true
	writeSSEHeaders(ctx)
	if eligible {
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}

	wb := writeBack{fingerprint: fingerprint, vector: vec, model: model}
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer stream.Close()

		g.pump(w, ex, stream, wb)
		g.finish(ex, fasthttp.StatusOK)
	})
}

// writeBack is what a completed live stream needs to populate the cache.
// A nil vector means the cache check did not run and nothing is stored.
type writeBack struct {
	fingerprint string
	vector      []float32
	model       string
}

// pump forwards upstream chunks until the stream ends, the caller goes away
// or upstream fails. The fasthttp request context must not be used here.
func (g *Gateway) pump(w *bufio.Writer, ex *exchange, stream providers.ChunkStream, wb writeBack) {
	id := uuid.NewString()
	aggregate := wb.vector != nil
	var answer strings.Builder

	for stream.Next() {
		chunk := stream.Chunk()
		if err := writeFlush(w, formatChunk(id, ex.model, chunk)); err != nil {
			g.abort(ex, metrics.OutcomeDisconnect, "client_disconnected", err)
			return
		}
		if ex.chunks == 0 && g.metrics != nil {
			g.metrics.ObserveFirstChunk(ex.provider, time.Since(ex.start))
		}
		ex.chunks++
		if aggregate {
			answer.WriteString(chunk)
		}
	}

	if err := stream.Err(); err != nil {
		g.recordProviderError(ex.provider, err)
		g.abort(ex, metrics.OutcomeUpstreamErr, "stream_aborted", err)
		return
	}

	if err := writeFlush(w, sseDone); err != nil {
		g.abort(ex, metrics.OutcomeDisconnect, "client_disconnected", err)
		return
	}
	ex.outcome = metrics.OutcomeCompleted

	if aggregate {
		g.storeAnswer(ex, wb, answer.String())
	}
}

func (g *Gateway) abort(ex *exchange, outcome, event string, err error) {
	ex.outcome = outcome
	g.log.WarnContext(g.baseCtx, event,
		slog.String("request_id", ex.reqID),
		slog.String("provider", ex.provider),
		slog.Int("chunks", ex.chunks),
		slog.String("error", err.Error()),
	)
}

// cacheCheck embeds the fingerprint and looks it up. Any failure is logged
// and reported as a miss without a vector, which also disables write-back.
func (g *Gateway) cacheCheck(ctx context.Context, reqID, apiKey, fingerprint string) (answer string, hit bool, vec []float32) {
	lookupCtx, cancel := context.WithTimeout(ctx, providers.ProviderTimeout)
	defer cancel()

	embedStart := time.Now()
	vec, err := g.semantic.Embed(lookupCtx, apiKey, fingerprint)
	if g.metrics != nil {
		g.metrics.ObserveEmbedding(time.Since(embedStart))
	}
	if err != nil {
		g.log.WarnContext(ctx, "cache_lookup_error",
			slog.String("request_id", reqID),
			slog.String("stage", "embed"),
			slog.String("error", err.Error()),
		)
		g.recordLookup(metrics.LookupError)
		return "", false, nil
	}

	answer, hit, err = g.semantic.Lookup(lookupCtx, vec)
	if err != nil {
		g.log.WarnContext(ctx, "cache_lookup_error",
			slog.String("request_id", reqID),
			slog.String("stage", "lookup"),
			slog.String("error", err.Error()),
		)
		g.recordLookup(metrics.LookupError)
		return "", false, nil
	}
	if hit {
		g.log.DebugContext(ctx, "cache_hit", slog.String("request_id", reqID))
		g.recordLookup(metrics.LookupHit)
		return answer, true, vec
	}
	g.recordLookup(metrics.LookupMiss)
	return "", false, vec
}

// replay answers from the cache: one chunk with the stored text, then the
// end marker.
func (g *Gateway) replay(ctx *fasthttp.RequestCtx, model, answer string) int {
	writeSSEHeaders(ctx)
	ctx.Response.Header.Set("X-Cache", xCacheHIT)

	body := formatChunk(uuid.NewString(), model, answer)
	body = append(body, sseDone...)
	ctx.SetBody(body)
	return 1
}

func (g *Gateway) storeAnswer(ex *exchange, wb writeBack, answer string) {
	ctx, cancel := context.WithTimeout(g.baseCtx, writeBackTimeout)
	defer cancel()

	err := g.semantic.Store(ctx, wb.fingerprint, answer, wb.vector, wb.model)
	if g.metrics != nil {
		g.metrics.RecordCacheWrite(err == nil)
	}
	if err != nil {
		g.log.WarnContext(ctx, "cache_store_error",
			slog.String("request_id", ex.reqID),
			slog.String("error", err.Error()),
		)
		return
	}
	g.log.DebugContext(ctx, "cache_stored",
		slog.String("request_id", ex.reqID),
		slog.Int("answer_len", len(answer)),
	)
}

func (g *Gateway) allowRate(ctx context.Context, ex *exchange, res credentials.Resolution) bool {
	if g.rpmLimiter == nil {
		return true
	}
	allowed, err := g.rpmLimiter.Allow(ctx, ratelimit.CallerKey(res.APIKey, res.Username))
	switch {
	case err != nil:
		g.log.WarnContext(ctx, "rate_limit_unavailable",
			slog.String("request_id", ex.reqID),
			slog.String("error", err.Error()),
		)
		g.recordRateLimit("error")
	case !allowed:
		g.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", ex.reqID),
			slog.String("provider", ex.provider),
		)
		g.recordRateLimit("blocked")
	default:
		g.recordRateLimit("allowed")
	}
	return allowed
}

// finish records metrics and the request log entry. It runs exactly once per
// chat request, from the handler or from the stream writer.
func (g *Gateway) finish(ex *exchange, status int) {
	latency := time.Since(ex.start)

	if g.metrics != nil {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeChat, status, latency)
		g.metrics.RecordCompletion(ex.provider, ex.outcome)
		g.metrics.AddChunks(ex.provider, ex.chunks)
	}

	if g.reqLogger == nil {
		return
	}
	latencyMs := latency.Milliseconds()
	if latencyMs > int64(^uint32(0)) {
		latencyMs = int64(^uint32(0))
	}
	g.reqLogger.Log(logger.RequestLog{
		RequestID: ex.reqID,
		Provider:  ex.provider,
		Model:     ex.model,
		Username:  ex.username,
		Outcome:   ex.outcome,
		Status:    uint16(status),
		Cached:    ex.cached,
		TurnCount: uint16(min(ex.turns, int(^uint16(0)))),
		Chunks:    uint32(ex.chunks),
		LatencyMs: uint32(latencyMs),
		CreatedAt: ex.start,
	})
}

func (g *Gateway) recordLookup(result string) {
	if g.metrics != nil {
		g.metrics.RecordCacheLookup(result)
	}
}

func (g *Gateway) recordRateLimit(result string) {
	if g.metrics != nil {
		g.metrics.RecordRateLimit(result)
	}
}

func (g *Gateway) recordProviderError(provider string, err error) {
	if g.metrics == nil {
		return
	}
	g.metrics.RecordProviderError(provider, providers.HTTPStatusOf(err))
}

func writeSSEHeaders(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)
}

func writeFlush(w *bufio.Writer, b []byte) error {
	if _, err := w.Write(b); err != nil {
		return err
	}
	return w.Flush()
}
