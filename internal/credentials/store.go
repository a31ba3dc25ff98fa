// Package credentials resolves the upstream API key for a request and keeps
// the per-user settings (stored API key, preferred model) behind a pluggable
// Store.
package credentials

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when no record exists for a user.
var ErrNotFound = errors.New("credentials: not found")

// Credential is the stored record of one user. Empty fields are unset.
type Credential struct {
	Username       string
	APIKey         string
	PreferredModel string
}

// Store persists credentials keyed by normalized username.
type Store interface {
	Get(ctx context.Context, username string) (*Credential, error)
	SaveAPIKey(ctx context.Context, username, apiKey string) error
	SavePreferredModel(ctx context.Context, username, model string) error
	Ping(ctx context.Context) error
}

// NormalizeUsername lower-cases and trims a username so that lookups are
// case-insensitive.
func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
