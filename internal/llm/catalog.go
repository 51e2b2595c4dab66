package llm

import (
	"context"
	"fmt"
)

// CatalogOptions names the credentials and endpoints available to this
// process. Providers without credentials are left out of the cascade.
type CatalogOptions struct {
	GeminiAPIKey      string
	GroqAPIKey        string
	GroqEndpoint      string
	AnthropicAPIKey   string
	AnthropicEndpoint string
	OllamaEndpoint    string
	OllamaModel       string
	// CatalogPath points at a models.yaml overriding the built-in
	// model table. Empty means use defaults.
	CatalogPath string
}

// BuildRegistry assembles the cascade's model registry: the catalog file
// when one is configured, otherwise the built-in defaults. The returned
// skipped list names catalog entries whose provider had no credentials.
func BuildRegistry(opts CatalogOptions) (*Registry, []string, error) {
	providers := opts.providerSet()
	if opts.CatalogPath != "" {
		return LoadCatalog(opts.CatalogPath, providers)
	}

	reg := NewRegistry()
	var skipped []string
	for _, d := range defaultModelTable {
		build, ok := providers[d.provider]
		if !ok {
			skipped = append(skipped, d.provider+"/"+d.model)
			continue
		}
		model := d.model
		if d.provider == "ollama" && model == "" {
			model = opts.OllamaModel
			if model == "" {
				model = "llama3.1:8b"
			}
		}
		err := reg.Register(ModelRegistration{
			Provider:  d.provider,
			Tier:      d.tier,
			Model:     model,
			Level:     d.level,
			MaxTokens: d.maxTokens,
			Local:     d.provider == "ollama",
			RateLimit: d.limits,
			Factory:   build(model, d.maxTokens),
		})
		if err != nil {
			return nil, nil, err
		}
	}
	if reg.Len() == 0 {
		return nil, nil, fmt.Errorf("no providers configured: set an API key or an ollama endpoint")
	}
	return reg, skipped, nil
}

// providerSet maps configured provider names to client factories.
func (o CatalogOptions) providerSet() ProviderSet {
	ps := ProviderSet{}
	if o.GeminiAPIKey != "" {
		key := o.GeminiAPIKey
		ps["gemini"] = func(model string, tokenCap int) ClientFactory {
			return func(ctx context.Context, _ int) (Client, error) {
				return NewGeminiClient(ctx, key, model, tokenCap)
			}
		}
	}
	if o.GroqAPIKey != "" {
		key, endpoint := o.GroqAPIKey, o.GroqEndpoint
		ps["groq"] = func(model string, tokenCap int) ClientFactory {
			return func(context.Context, int) (Client, error) {
				return NewGroqClient(key, endpoint, model, tokenCap)
			}
		}
	}
	if o.AnthropicAPIKey != "" {
		key, endpoint := o.AnthropicAPIKey, o.AnthropicEndpoint
		ps["anthropic"] = func(model string, tokenCap int) ClientFactory {
			return func(context.Context, int) (Client, error) {
				return NewAnthropicClient(key, endpoint, model, tokenCap)
			}
		}
	}
	endpoint, fallback := o.OllamaEndpoint, o.OllamaModel
	ps["ollama"] = func(model string, tokenCap int) ClientFactory {
		return func(context.Context, int) (Client, error) {
			if model == "" {
				model = fallback
			}
			return NewOllamaClient(endpoint, model, tokenCap)
		}
	}
	return ps
}

// defaultModelTable is the built-in cascade order: preferred free-tier
// remote models first, the local fallback last. Limits mirror each
// provider's published free-tier quotas.
var defaultModelTable = []struct {
	provider  string
	tier      string
	model     string
	level     ModelLevel
	maxTokens int
	limits    *RateLimitConfig
}{
	{
		provider: "gemini", tier: "free", model: "gemini-2.0-flash",
		level: ModelLevelMiddle, maxTokens: 1_000_000,
		limits: &RateLimitConfig{RPM: 15, RPD: 1500, TPM: 1_000_000},
	},
	{
		provider: "gemini", tier: "free", model: "gemini-2.0-flash-lite",
		level: ModelLevelLow, maxTokens: 1_000_000,
		limits: &RateLimitConfig{RPM: 30, RPD: 1500, TPM: 1_000_000},
	},
	{
		provider: "groq", tier: "free", model: "llama-3.3-70b-versatile",
		level: ModelLevelHigh, maxTokens: 128_000,
		limits: &RateLimitConfig{RPM: 30, RPD: 1000, TPM: 12_000},
	},
	{
		provider: "groq", tier: "free", model: "llama-3.1-8b-instant",
		level: ModelLevelLow, maxTokens: 128_000,
		limits: &RateLimitConfig{RPM: 30, RPD: 14_400, TPM: 6_000},
	},
	{
		provider: "anthropic", tier: "paid", model: "claude-3-5-haiku-latest",
		level: ModelLevelMiddle, maxTokens: 200_000,
		limits: &RateLimitConfig{RPM: 50, RPD: 0, TPM: 50_000},
	},
	{
		provider: "ollama", tier: "local", model: "",
		level: ModelLevelLow, maxTokens: 8192,
		limits: nil,
	},
}
