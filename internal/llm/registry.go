package llm

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ModelLevel is a coarse capability class used when ordering a cascade.
type ModelLevel string

const (
	ModelLevelLow    ModelLevel = "low"
	ModelLevelMiddle ModelLevel = "middle"
	ModelLevelHigh   ModelLevel = "high"
	ModelLevelXHigh  ModelLevel = "xhigh"
)

// ClientFactory builds the provider client for a registered model. It is
// called lazily, the first time the cascade reaches the model.
type ClientFactory func(ctx context.Context, tokenCap int) (Client, error)

// RateLimitConfig carries a model's published request and token limits.
// Zero values disable the corresponding dimension.
type RateLimitConfig struct {
	RPM int
	RPD int
	TPM int
}

// ModelRegistration describes one model a cascade may call: who serves
// it, which tier it belongs to, its limits, and how to build its client.
type ModelRegistration struct {
	Provider  string
	Tier      string
	Model     string
	Level     ModelLevel
	MaxTokens int
	Local     bool
	RateLimit *RateLimitConfig
	Factory   ClientFactory
}

// Key identifies a registration within a registry.
func (r ModelRegistration) Key() string {
	return r.Provider + "/" + r.Model + "@" + r.Tier
}

// Registry holds model registrations in cascade order: preferred models
// first, the local fallback last.
type Registry struct {
	mu    sync.Mutex
	regs  []ModelRegistration
	index map[string]int
}

func NewRegistry() *Registry {
	return &Registry{index: map[string]int{}}
}

// Register appends a model to the cascade order. Registering the same
// provider/model/tier twice is an error.
func (r *Registry) Register(reg ModelRegistration) error {
	if reg.Provider == "" || reg.Model == "" {
		return fmt.Errorf("registry: provider and model are required")
	}
	if reg.Factory == nil {
		return fmt.Errorf("registry: %s has no factory", reg.Key())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.index[reg.Key()]; dup {
		return fmt.Errorf("registry: duplicate registration %s", reg.Key())
	}
	r.index[reg.Key()] = len(r.regs)
	r.regs = append(r.regs, reg)
	return nil
}

// Ordered returns the registrations in registration order with local
// fallbacks moved to the end, remote models keeping their relative order.
func (r *Registry) Ordered() []ModelRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ModelRegistration, len(r.regs))
	copy(out, r.regs)
	sort.SliceStable(out, func(i, j int) bool {
		return !out[i].Local && out[j].Local
	})
	return out
}

// Len reports how many models are registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regs)
}

// catalogFile is the on-disk shape of a models.yaml catalog.
type catalogFile struct {
	Models []catalogEntry `yaml:"models"`
}

type catalogEntry struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	Tier      string `yaml:"tier"`
	Level     string `yaml:"level"`
	MaxTokens int    `yaml:"max_tokens"`
	RateLimit *struct {
		RPM int `yaml:"rpm"`
		RPD int `yaml:"rpd"`
		TPM int `yaml:"tpm"`
	} `yaml:"rate_limit"`
}

// ProviderSet maps provider names to client factories so a catalog file
// can reference providers without knowing how they are constructed.
type ProviderSet map[string]func(model string, tokenCap int) ClientFactory

// LoadCatalog reads a models.yaml file and registers every entry against
// the matching provider factory. Entries naming an unconfigured provider
// are skipped so one missing API key does not sink the whole cascade.
func LoadCatalog(path string, providers ProviderSet) (*Registry, []string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read catalog: %w", err)
	}
	var cf catalogFile
	if err := yaml.Unmarshal(b, &cf); err != nil {
		return nil, nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if len(cf.Models) == 0 {
		return nil, nil, fmt.Errorf("catalog %s lists no models", path)
	}

	reg := NewRegistry()
	var skipped []string
	for _, e := range cf.Models {
		name := strings.ToLower(strings.TrimSpace(e.Provider))
		build, ok := providers[name]
		if !ok {
			skipped = append(skipped, e.Provider+"/"+e.Model)
			continue
		}
		m := ModelRegistration{
			Provider:  name,
			Tier:      normalizeTier(e.Tier, "free"),
			Model:     e.Model,
			Level:     ModelLevel(e.Level),
			MaxTokens: e.MaxTokens,
			Local:     name == "ollama",
			Factory:   build(e.Model, e.MaxTokens),
		}
		if m.Level == "" {
			m.Level = ModelLevelMiddle
		}
		if e.RateLimit != nil {
			m.RateLimit = &RateLimitConfig{RPM: e.RateLimit.RPM, RPD: e.RateLimit.RPD, TPM: e.RateLimit.TPM}
		}
		if err := reg.Register(m); err != nil {
			return nil, nil, err
		}
	}
	if reg.Len() == 0 {
		return nil, nil, fmt.Errorf("catalog %s: no usable models after provider filtering", path)
	}
	return reg, skipped, nil
}

func normalizeTier(tier, fallback string) string {
	t := strings.ToLower(strings.TrimSpace(tier))
	if t == "" {
		return strings.ToLower(strings.TrimSpace(fallback))
	}
	return t
}
