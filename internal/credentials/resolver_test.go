package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/semantic-gateway/internal/auth"
)

type headerMap map[string]string

func (h headerMap) Peek(key string) []byte {
	v, ok := h[key]
	if !ok {
		return nil
	}
	return []byte(v)
}

func identityToken(t *testing.T, v *auth.Verifier, user string) string {
	t.Helper()
	tok, err := v.Issue(user, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return "Bearer " + tok
}

func TestResolver_BearerMode(t *testing.T) {
	r := NewResolver(ModeBearer, nil, nil, nil)

	res, ok := r.Resolve(context.Background(), headerMap{"Authorization": "Bearer sk-123"})
	if !ok || res.APIKey != "sk-123" {
		t.Fatalf("expected sk-123, got %+v ok=%v", res, ok)
	}

	if _, ok := r.Resolve(context.Background(), headerMap{"X-API-KEY": "sk-123"}); ok {
		t.Fatal("bearer mode must ignore X-API-KEY")
	}
	if _, ok := r.Resolve(context.Background(), headerMap{}); ok {
		t.Fatal("expected no key")
	}
}

func TestResolver_APIKeyMode(t *testing.T) {
	r := NewResolver(ModeAPIKey, nil, nil, nil)

	res, ok := r.Resolve(context.Background(), headerMap{"X-API-KEY": " sk-abc "})
	if !ok || res.APIKey != "sk-abc" {
		t.Fatalf("expected sk-abc, got %+v ok=%v", res, ok)
	}
	if _, ok := r.Resolve(context.Background(), headerMap{"Authorization": "Bearer sk-abc"}); ok {
		t.Fatal("apikey mode must ignore Authorization")
	}
}

func TestResolver_StoredFallback(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.SaveAPIKey(ctx, "alice", "sk-stored")
	_ = store.SavePreferredModel(ctx, "alice", "gpt-4o")

	v := auth.NewVerifier("secret")
	r := NewResolver(ModeAPIKey, store, v, nil)

	res, ok := r.Resolve(ctx, headerMap{"Authorization": identityToken(t, v, "Alice")})
	if !ok {
		t.Fatal("expected stored key")
	}
	if res.APIKey != "sk-stored" || res.PreferredModel != "gpt-4o" || res.Username != "alice" {
		t.Fatalf("unexpected resolution %+v", res)
	}

	res, ok = r.Resolve(ctx, headerMap{
		"Authorization": identityToken(t, v, "alice"),
		"X-API-KEY":     "sk-header",
	})
	if !ok || res.APIKey != "sk-header" {
		t.Fatalf("header key must win, got %+v", res)
	}
	if res.PreferredModel != "gpt-4o" {
		t.Fatalf("preferred model must still be resolved, got %q", res.PreferredModel)
	}
}

func TestResolver_BearerIdentityIsNotAKey(t *testing.T) {
	ctx := context.Background()
	v := auth.NewVerifier("secret")
	r := NewResolver(ModeBearer, NewMemoryStore(), v, nil)

	if res, ok := r.Resolve(ctx, headerMap{"Authorization": identityToken(t, v, "bob")}); ok {
		t.Fatalf("identity token without stored key must not resolve, got %+v", res)
	}
}

func TestResolver_UnknownUser(t *testing.T) {
	v := auth.NewVerifier("secret")
	r := NewResolver(ModeAPIKey, NewMemoryStore(), v, nil)

	if _, ok := r.Resolve(context.Background(), headerMap{"Authorization": identityToken(t, v, "ghost")}); ok {
		t.Fatal("expected no key for unknown user")
	}
}

type failingStore struct{ MemoryStore }

func (*failingStore) Get(context.Context, string) (*Credential, error) {
	return nil, errors.New("store down")
}

func TestResolver_StoreErrorKeepsHeaderKey(t *testing.T) {
	v := auth.NewVerifier("secret")
	r := NewResolver(ModeAPIKey, &failingStore{}, v, nil)

	res, ok := r.Resolve(context.Background(), headerMap{
		"Authorization": identityToken(t, v, "alice"),
		"X-API-KEY":     "sk-header",
	})
	if !ok || res.APIKey != "sk-header" {
		t.Fatalf("expected header key despite store failure, got %+v", res)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeBearer, "Bearer": ModeBearer, "APIKEY": ModeAPIKey} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("basic"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestMaskKey(t *testing.T) {
	tests := map[string]string{
		"sk-1234567890": "*********7890",
		"abcd":          "****",
		"":              "",
	}
	for in, want := range tests {
		if got := MaskKey(in); got != want {
			t.Errorf("MaskKey(%q) = %q, want %q", in, got, want)
		}
	}
}
