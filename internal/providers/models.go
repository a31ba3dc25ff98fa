package providers

import (
	"sort"
	"strings"
)

// Provider names used by the model routing table.
const (
	OpenAI    = "openai"
	Anthropic = "anthropic"
	Gemini    = "gemini"
)

// ModelAliases maps well-known model names to provider names. Models on the
// allowlist that are missing here route to the catalog's default provider.
var ModelAliases = map[string]string{
	// ─── OpenAI ───────────────────────────────────────────────────────────────
	"gpt-4":         OpenAI,
	"gpt-4o":        OpenAI,
	"gpt-4o-mini":   OpenAI,
	"gpt-4-turbo":   OpenAI,
	"gpt-3.5-turbo": OpenAI,
	"gpt-4.1":       OpenAI,
	"gpt-4.1-mini":  OpenAI,
	"gpt-4.1-nano":  OpenAI,
	"o1":            OpenAI,
	"o1-mini":       OpenAI,
	"o3":            OpenAI,
	"o3-mini":       OpenAI,
	"o4-mini":       OpenAI,

	// ─── Anthropic ────────────────────────────────────────────────────────────
	"claude-3-5-sonnet":          Anthropic,
	"claude-3-5-sonnet-20241022": Anthropic,
	"claude-3-5-haiku":           Anthropic,
	"claude-3-5-haiku-20241022":  Anthropic,
	"claude-3-7-sonnet":          Anthropic,
	"claude-3-7-sonnet-20250219": Anthropic,
	"claude-opus-4":              Anthropic,
	"claude-sonnet-4":            Anthropic,
	"claude-opus-4-5":            Anthropic,
	"claude-sonnet-4-5":          Anthropic,
	"claude-haiku-4-5":           Anthropic,

	// ─── Google AI Studio ─────────────────────────────────────────────────────
	"gemini-1.5-pro":        Gemini,
	"gemini-1.5-flash":      Gemini,
	"gemini-2.0-flash":      Gemini,
	"gemini-2.0-flash-lite": Gemini,
	"gemini-2.5-pro":        Gemini,
	"gemini-2.5-flash":      Gemini,
}

// Catalog is the immutable supported-model allowlist plus the routing from
// model to provider.
type Catalog struct {
	models          []string
	set             map[string]struct{}
	defaultProvider string
}

// NewCatalog builds a catalog from the allowlist. Blank and duplicate entries
// are ignored; the listing order of Models follows first appearance.
func NewCatalog(models []string, defaultProvider string) *Catalog {
	if defaultProvider == "" {
		defaultProvider = OpenAI
	}
	c := &Catalog{
		set:             make(map[string]struct{}, len(models)),
		defaultProvider: defaultProvider,
	}
	for _, m := range models {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, dup := c.set[m]; dup {
			continue
		}
		c.set[m] = struct{}{}
		c.models = append(c.models, m)
	}
	return c
}

// Supported reports whether model is on the allowlist. Matching is exact.
func (c *Catalog) Supported(model string) bool {
	if c == nil {
		return false
	}
	_, ok := c.set[model]
	return ok
}

// Models returns a copy of the allowlist.
func (c *Catalog) Models() []string {
	if c == nil {
		return nil
	}
	out := make([]string, len(c.models))
	copy(out, c.models)
	return out
}

// ProviderFor returns the provider name that serves model.
func (c *Catalog) ProviderFor(model string) string {
	if name, ok := ModelAliases[model]; ok {
		return name
	}
	return c.defaultProvider
}

// Providers lists the distinct providers needed to serve the allowlist,
// sorted by name.
func (c *Catalog) Providers() []string {
	seen := make(map[string]struct{})
	for _, m := range c.models {
		seen[c.ProviderFor(m)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ParseModelList splits an allowlist string on '|' or ','.
func ParseModelList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == '|' || r == ',' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
