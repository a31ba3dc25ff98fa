package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nulpointcorp/semantic-gateway/internal/auth"
)

// Mode selects where the caller's API key is read from.
type Mode string

const (
	// ModeBearer reads "Authorization: Bearer <key>".
	ModeBearer Mode = "bearer"
	// ModeAPIKey reads the X-API-KEY header.
	ModeAPIKey Mode = "apikey"
)

// HeaderAPIKey is the header consulted in ModeAPIKey.
const HeaderAPIKey = "X-API-KEY"

// ParseMode maps a config value onto a Mode. Matching is case-insensitive.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeBearer, "":
		return ModeBearer, nil
	case ModeAPIKey:
		return ModeAPIKey, nil
	}
	return "", fmt.Errorf("credentials: unknown compatibility mode %q", s)
}

// Headers is the read-only view of request headers the resolver needs.
// fasthttp's RequestHeader satisfies it.
type Headers interface {
	Peek(key string) []byte
}

// Resolution is the outcome of a successful resolve.
type Resolution struct {
	APIKey         string
	PreferredModel string
	// Username is empty for anonymous callers.
	Username string
}

// Resolver determines the upstream API key for a request.
type Resolver struct {
	mode     Mode
	store    Store
	verifier *auth.Verifier
	log      *slog.Logger
}

// NewResolver builds a resolver. A nil store or verifier disables the stored
// credential fallback.
func NewResolver(mode Mode, store Store, verifier *auth.Verifier, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{mode: mode, store: store, verifier: verifier, log: log}
}

// Mode returns the configured compatibility mode.
func (r *Resolver) Mode() Mode { return r.mode }

// Identify returns the normalized username carried by the request's identity
// token, or "" for anonymous callers.
func (r *Resolver) Identify(h Headers) string {
	if h == nil || r.verifier == nil {
		return ""
	}
	return NormalizeUsername(r.verifier.FromHeader(string(h.Peek("Authorization"))))
}

// Resolve returns the API key to use. A key presented in the request header
// always wins; otherwise an authenticated username falls back to its stored
// key. ok is false when no key could be found.
func (r *Resolver) Resolve(ctx context.Context, h Headers) (res Resolution, ok bool) {
	res.Username = r.Identify(h)
	res.APIKey = r.headerKey(h, res.Username != "")

	if res.Username != "" && r.store != nil {
		cred, err := r.store.Get(ctx, res.Username)
		switch {
		case err == nil:
			res.PreferredModel = cred.PreferredModel
			if res.APIKey == "" {
				res.APIKey = cred.APIKey
			}
		case errors.Is(err, ErrNotFound):
		default:
			r.log.WarnContext(ctx, "credential_lookup_failed",
				slog.String("username", res.Username),
				slog.String("error", err.Error()),
			)
		}
	}

	return res, res.APIKey != ""
}

// headerKey reads the caller-supplied key. In bearer mode an Authorization
// header that already authenticated the caller is an identity token, not a
// provider key.
func (r *Resolver) headerKey(h Headers, identified bool) string {
	if h == nil {
		return ""
	}
	if r.mode == ModeAPIKey {
		return strings.TrimSpace(string(h.Peek(HeaderAPIKey)))
	}
	if identified {
		return ""
	}
	return auth.BearerToken(string(h.Peek("Authorization")))
}

// MaskKey hides all but the last four characters of an API key.
func MaskKey(key string) string {
	const visible = 4
	if len(key) <= visible {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-visible) + key[len(key)-visible:]
}
