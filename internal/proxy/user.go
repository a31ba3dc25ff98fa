package proxy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/semantic-gateway/internal/credentials"
	"github.com/nulpointcorp/semantic-gateway/pkg/apierr"
)

type (
	modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}

	modelList struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}

	apiKeyStatus struct {
		HasAPIKey bool   `json:"has_api_key"`
		APIKey    string `json:"api_key,omitempty"`
	}

	preferredModel struct {
		Model string `json:"model"`
	}
)

// handleModels lists the allowlist in the OpenAI /v1/models shape.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	models := g.catalog.Models()
	out := modelList{Object: "list", Data: make([]modelEntry, 0, len(models))}
	for _, m := range models {
		out.Data = append(out.Data, modelEntry{ID: m, Object: "model", OwnedBy: g.catalog.ProviderFor(m)})
	}
	writeJSON(ctx, out)
}

// identify returns the caller's username, or writes the rejection and
// returns "".
func (g *Gateway) identify(ctx *fasthttp.RequestCtx) string {
	if g.creds == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"user preferences are not available", apierr.TypeServerError, apierr.CodeInternalError)
		return ""
	}
	username := g.resolver.Identify(&ctx.Request.Header)
	if username == "" {
		apierr.WriteUnauthorized(ctx)
	}
	return username
}

// handlePutAPIKey stores the X-API-KEY header as the caller's provider key.
func (g *Gateway) handlePutAPIKey(ctx *fasthttp.RequestCtx) {
	username := g.identify(ctx)
	if username == "" {
		return
	}

	key := strings.TrimSpace(string(ctx.Request.Header.Peek(credentials.HeaderAPIKey)))
	if key == "" {
		apierr.WriteBadRequest(ctx, "header '"+credentials.HeaderAPIKey+"' is required")
		return
	}

	if err := g.creds.SaveAPIKey(ctx, username, key); err != nil {
		g.storeFailed(ctx, "save_api_key", username, err)
		return
	}
	g.log.InfoContext(ctx, "api_key_saved",
		slog.String("username", username),
		slog.String("api_key", credentials.MaskKey(key)),
	)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (g *Gateway) handleGetAPIKey(ctx *fasthttp.RequestCtx) {
	username := g.identify(ctx)
	if username == "" {
		return
	}

	cred, ok := g.credential(ctx, username)
	if !ok {
		return
	}
	out := apiKeyStatus{}
	if cred != nil && cred.APIKey != "" {
		out.HasAPIKey = true
		out.APIKey = credentials.MaskKey(cred.APIKey)
	}
	writeJSON(ctx, out)
}

// handlePutModel stores the caller's preferred model. Only allowlisted
// models are accepted.
func (g *Gateway) handlePutModel(ctx *fasthttp.RequestCtx) {
	username := g.identify(ctx)
	if username == "" {
		return
	}

	var body preferredModel
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	model := strings.TrimSpace(body.Model)
	if model == "" {
		apierr.WriteBadRequest(ctx, "field 'model' is required")
		return
	}
	if !g.catalog.Supported(model) {
		apierr.WriteUnsupportedModel(ctx, model)
		return
	}

	if err := g.creds.SavePreferredModel(ctx, username, model); err != nil {
		g.storeFailed(ctx, "save_preferred_model", username, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (g *Gateway) handleGetModel(ctx *fasthttp.RequestCtx) {
	username := g.identify(ctx)
	if username == "" {
		return
	}

	cred, ok := g.credential(ctx, username)
	if !ok {
		return
	}
	out := preferredModel{}
	if cred != nil {
		out.Model = cred.PreferredModel
	}
	writeJSON(ctx, out)
}

// credential loads the stored credential. A missing record is (nil, true).
func (g *Gateway) credential(ctx *fasthttp.RequestCtx, username string) (*credentials.Credential, bool) {
	cred, err := g.creds.Get(ctx, username)
	switch {
	case err == nil:
		return cred, true
	case errors.Is(err, credentials.ErrNotFound):
		return nil, true
	default:
		g.storeFailed(ctx, "get_credential", username, err)
		return nil, false
	}
}

func (g *Gateway) storeFailed(ctx *fasthttp.RequestCtx, op, username string, err error) {
	g.log.ErrorContext(ctx, "credential_store_error",
		slog.String("op", op),
		slog.String("username", username),
		slog.String("error", err.Error()),
	)
	apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
		"credential store unavailable", apierr.TypeServerError, apierr.CodeInternalError)
}
