package llm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"lexpipe/internal/tester"
)

func stubFactory(name string) func(model string, tokenCap int) ClientFactory {
	return func(model string, tokenCap int) ClientFactory {
		return func(context.Context, int) (Client, error) {
			return NewFakeClient(name + ":" + model), nil
		}
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	r := fakeRegistration("m1", "free", false, NewFakeClient("fake:m1"), nil)
	tester.NoErr(t, reg.Register(r))
	tester.Err(t, reg.Register(r))
}

func TestRegistryOrderedMovesLocalLast(t *testing.T) {
	reg := NewRegistry()
	local := fakeRegistration("local", "local", true, NewFakeClient("fake:local"), nil)
	remote1 := fakeRegistration("r1", "free", false, NewFakeClient("fake:r1"), nil)
	remote2 := fakeRegistration("r2", "free", false, NewFakeClient("fake:r2"), nil)
	tester.NoErr(t, reg.Register(remote1))
	tester.NoErr(t, reg.Register(local))
	tester.NoErr(t, reg.Register(remote2))

	ordered := reg.Ordered()
	tester.Eq(t, len(ordered), 3)
	tester.Eq(t, ordered[0].Model, "r1")
	tester.Eq(t, ordered[1].Model, "r2")
	tester.Eq(t, ordered[2].Model, "local")
}

const catalogYAML = `models:
  - provider: gemini
    model: gemini-2.0-flash
    tier: free
    level: middle
    max_tokens: 1000000
    rate_limit:
      rpm: 15
      rpd: 1500
      tpm: 1000000
  - provider: groq
    model: llama-3.1-8b-instant
    tier: free
    level: low
    max_tokens: 128000
    rate_limit:
      rpm: 30
      rpd: 14400
  - provider: ollama
    model: llama3.1:8b
    tier: local
    level: low
    max_tokens: 8192
`

func TestLoadCatalogOrdersAndLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	tester.NoErr(t, os.WriteFile(path, []byte(catalogYAML), 0o644))

	providers := ProviderSet{
		"gemini": stubFactory("gemini"),
		"groq":   stubFactory("groq"),
		"ollama": stubFactory("ollama"),
	}
	reg, skipped, err := LoadCatalog(path, providers)
	tester.NoErr(t, err)
	tester.Eq(t, len(skipped), 0)
	tester.Eq(t, reg.Len(), 3)

	ordered := reg.Ordered()
	tester.Eq(t, ordered[0].Model, "gemini-2.0-flash")
	tester.Eq(t, ordered[0].RateLimit.RPM, 15)
	tester.Eq(t, ordered[0].RateLimit.TPM, 1000000)
	tester.Eq(t, ordered[1].Model, "llama-3.1-8b-instant")
	tester.Eq(t, ordered[1].RateLimit.TPM, 0)
	tester.True(t, ordered[2].Local, "ollama entry should be local")
}

func TestLoadCatalogSkipsUnconfiguredProviders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	tester.NoErr(t, os.WriteFile(path, []byte(catalogYAML), 0o644))

	providers := ProviderSet{"ollama": stubFactory("ollama")}
	reg, skipped, err := LoadCatalog(path, providers)
	tester.NoErr(t, err)
	tester.Eq(t, len(skipped), 2)
	tester.Eq(t, reg.Len(), 1)
}

func TestLoadCatalogRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	tester.NoErr(t, os.WriteFile(path, []byte("models: []\n"), 0o644))
	_, _, err := LoadCatalog(path, ProviderSet{"ollama": stubFactory("ollama")})
	tester.Err(t, err)
}

func TestBuildRegistryDefaultsNeedOllamaOnly(t *testing.T) {
	reg, skipped, err := BuildRegistry(CatalogOptions{OllamaModel: "llama3.1:8b"})
	tester.NoErr(t, err)
	tester.True(t, len(skipped) > 0, "remote providers without keys should be skipped")
	tester.Eq(t, reg.Len(), 1)
	only := reg.Ordered()[0]
	tester.Eq(t, only.Provider, "ollama")
	tester.True(t, only.Local, "fallback entry should be local")
}

func TestBuildRegistryKeepsConfiguredRemotes(t *testing.T) {
	reg, _, err := BuildRegistry(CatalogOptions{
		GeminiAPIKey: "k1",
		GroqAPIKey:   "k2",
	})
	tester.NoErr(t, err)
	ordered := reg.Ordered()
	tester.True(t, len(ordered) >= 5, "expected gemini+groq models plus fallback, got %d", len(ordered))
	tester.Eq(t, ordered[0].Provider, "gemini")
	tester.True(t, ordered[len(ordered)-1].Local, "fallback should be ordered last")
}
