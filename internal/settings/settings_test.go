package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestValidateModel(t *testing.T) {
	t.Parallel()

	p, err := New(DefaultCatalog(), WithLookupEnv(envOf(map[string]string{
		"ANTHROPIC_API_KEY": "sk-ant",
		"OPENAI_API_KEY":    "  ",
	})))
	require.NoError(t, err)

	m, err := p.ValidateModel("claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, m.Provider)
	assert.Equal(t, "sk-ant", p.APIKey("claude-sonnet-4-5"))

	_, err = p.ValidateModel("unknown-model")
	require.ErrorIs(t, err, ErrUnknownModel)
	assert.Contains(t, err.Error(), "model")

	_, err = p.ValidateModel("gpt-4o")
	require.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestRemoteModelNeedsNoKey(t *testing.T) {
	t.Parallel()

	p, err := New(&Catalog{Models: []Model{{Name: "valid-model", Provider: ProviderRemote}}},
		WithLookupEnv(envOf(nil)))
	require.NoError(t, err)

	_, err = p.ValidateModel("valid-model")
	require.NoError(t, err)
	assert.Empty(t, p.APIKey("valid-model"))
}

func TestNewRejectsBadCatalog(t *testing.T) {
	t.Parallel()

	_, err := New(&Catalog{Models: []Model{{Name: "x", Provider: "mystery"}}})
	require.Error(t, err)

	_, err = New(&Catalog{Models: []Model{
		{Name: "x", Provider: ProviderRemote},
		{Name: "x", Provider: ProviderRemote},
	}})
	require.Error(t, err)

	_, err = New(&Catalog{Models: []Model{{Provider: ProviderRemote}}})
	require.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
models:
  - name: local
    provider: remote
  - name: claude-haiku-4-5
    provider: anthropic
    api_key_env: MY_KEY
    max_tokens: 1024
`), 0o644))

	p, err := Load(path, WithLookupEnv(envOf(map[string]string{"MY_KEY": "k"})))
	require.NoError(t, err)

	models := p.Models()
	require.Len(t, models, 2)
	assert.Equal(t, "claude-haiku-4-5", models[0].Name)
	assert.Equal(t, 1024, models[0].MaxTokens)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
