// Package settings resolves model names to providers and credentials.
package settings

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider names understood by the executor router.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderRemote    = "remote"
)

var (
	// ErrUnknownModel is returned when the model is not in the catalog.
	ErrUnknownModel = errors.New("unknown model")
	// ErrMissingAPIKey is returned when the model's provider has no credential configured.
	ErrMissingAPIKey = errors.New("missing API key")
)

// Model is one catalog entry.
type Model struct {
	Name      string `yaml:"name"`
	Provider  string `yaml:"provider"`
	APIKeyEnv string `yaml:"api_key_env"` // empty means no credential is required
	MaxTokens int    `yaml:"max_tokens"`
}

// Catalog is the on-disk format of the model catalog file.
type Catalog struct {
	Models []Model `yaml:"models"`
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() *Catalog {
	return &Catalog{Models: []Model{
		{Name: "claude-sonnet-4-5", Provider: ProviderAnthropic, APIKeyEnv: "ANTHROPIC_API_KEY", MaxTokens: 8192},
		{Name: "claude-opus-4-1", Provider: ProviderAnthropic, APIKeyEnv: "ANTHROPIC_API_KEY", MaxTokens: 8192},
		{Name: "claude-haiku-4-5", Provider: ProviderAnthropic, APIKeyEnv: "ANTHROPIC_API_KEY", MaxTokens: 4096},
		{Name: "gpt-4o", Provider: ProviderOpenAI, APIKeyEnv: "OPENAI_API_KEY", MaxTokens: 4096},
		{Name: "gpt-4o-mini", Provider: ProviderOpenAI, APIKeyEnv: "OPENAI_API_KEY", MaxTokens: 4096},
	}}
}

// ReadCatalog parses a YAML catalog file.
func ReadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model catalog: %w", err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parsing model catalog: %w", err)
	}
	return &cat, nil
}

// Provider answers model validation and credential lookups.
type Provider struct {
	models    map[string]Model
	lookupEnv func(string) (string, bool)
}

// Option configures a Provider.
type Option func(*Provider)

// WithLookupEnv replaces os.LookupEnv, mainly for tests.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(p *Provider) { p.lookupEnv = fn }
}

// New builds a Provider from a catalog.
func New(cat *Catalog, opts ...Option) (*Provider, error) {
	if cat == nil {
		cat = DefaultCatalog()
	}
	p := &Provider{
		models:    make(map[string]Model, len(cat.Models)),
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, m := range cat.Models {
		if m.Name == "" {
			return nil, fmt.Errorf("model catalog: entry without name")
		}
		switch m.Provider {
		case ProviderAnthropic, ProviderOpenAI, ProviderRemote:
		default:
			return nil, fmt.Errorf("model catalog: %s: unsupported provider %q", m.Name, m.Provider)
		}
		if _, dup := p.models[m.Name]; dup {
			return nil, fmt.Errorf("model catalog: duplicate model %q", m.Name)
		}
		p.models[m.Name] = m
	}
	return p, nil
}

// Load reads the catalog at path, or the default catalog when path is empty.
func Load(path string, opts ...Option) (*Provider, error) {
	cat := DefaultCatalog()
	if path != "" {
		var err error
		if cat, err = ReadCatalog(path); err != nil {
			return nil, err
		}
	}
	return New(cat, opts...)
}

// ValidateModel returns the catalog entry for name, or ErrUnknownModel /
// ErrMissingAPIKey.
func (p *Provider) ValidateModel(name string) (Model, error) {
	m, ok := p.models[name]
	if !ok {
		return Model{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	if m.APIKeyEnv != "" {
		if key, ok := p.lookupEnv(m.APIKeyEnv); !ok || strings.TrimSpace(key) == "" {
			return Model{}, fmt.Errorf("%w: model %q requires %s", ErrMissingAPIKey, name, m.APIKeyEnv)
		}
	}
	return m, nil
}

// APIKey returns the credential configured for a model, if any.
func (p *Provider) APIKey(name string) string {
	m, ok := p.models[name]
	if !ok || m.APIKeyEnv == "" {
		return ""
	}
	key, _ := p.lookupEnv(m.APIKeyEnv)
	return strings.TrimSpace(key)
}

// Models lists catalog entries sorted by name.
func (p *Provider) Models() []Model {
	out := make([]Model, 0, len(p.models))
	for _, m := range p.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
