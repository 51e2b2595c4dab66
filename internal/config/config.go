package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every knob the pipeline stages read. Values resolve
// env var -> default; CLI flags override individual fields after Load.
type Config struct {
	DataDir      string
	Jurisdiction string
	DatabaseURL  string
	Workers      int

	Cascade  CascadeConfig
	Loader   LoaderConfig
	Dedup    DedupConfig
	Embed    EmbedConfig
	Rank     RankConfig
	Archive  ArchiveConfig
	Provider ProviderConfig
}

type CascadeConfig struct {
	// Strategy is "rate", "rotation" or "" (auto by worker count).
	Strategy            string
	ValidationRetries   int
	RemoteTimeout       time.Duration
	LocalTimeout        time.Duration
	PreferredRetryEvery time.Duration
	ProbeAfterAttempts  int
	CatalogPath         string
	ResponseCacheDir    string
}

type ProviderConfig struct {
	GeminiAPIKey      string
	GroqAPIKey        string
	GroqEndpoint      string
	AnthropicAPIKey   string
	AnthropicEndpoint string
	OllamaEndpoint    string
	OllamaModel       string
}

type LoaderConfig struct {
	BatchSize int
}

type DedupConfig struct {
	Permutations int
	Threshold    float64
	MinTextLen   int
	Truncations  []int
}

type EmbedConfig struct {
	Backend    string
	Model      string
	FlushEvery int
	TopK       int
	Threshold  float64
	IndexMode  string
	TrainSize  int
	NProbe     int
}

type RankConfig struct {
	Endpoint  string
	Model     string
	Threshold float64
}

type ArchiveConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Load reads .env when present and resolves the full configuration from the
// environment. A missing .env is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:      firstNonEmpty(strings.TrimSpace(os.Getenv("LEXPIPE_DATA_DIR")), "data"),
		Jurisdiction: firstNonEmpty(strings.TrimSpace(os.Getenv("LEXPIPE_JURISDICTION")), "us"),
		DatabaseURL: firstNonEmpty(
			strings.TrimSpace(os.Getenv("LEXPIPE_DATABASE_URL")),
			strings.TrimSpace(os.Getenv("DATABASE_URL")),
		),
		Workers: resolveInt("LEXPIPE_WORKERS", 1),
		Cascade: CascadeConfig{
			Strategy:            strings.ToLower(strings.TrimSpace(os.Getenv("LEXPIPE_CASCADE_STRATEGY"))),
			ValidationRetries:   resolveInt("LEXPIPE_VALIDATION_RETRIES", 2),
			RemoteTimeout:       resolveDuration("LEXPIPE_REMOTE_TIMEOUT", 30*time.Second),
			LocalTimeout:        resolveDuration("LEXPIPE_LOCAL_TIMEOUT", 90*time.Second),
			PreferredRetryEvery: resolveDuration("LEXPIPE_PREFERRED_RETRY_EVERY", 10*time.Minute),
			ProbeAfterAttempts:  resolveInt("LEXPIPE_PROBE_AFTER_ATTEMPTS", 100),
			CatalogPath:         strings.TrimSpace(os.Getenv("LEXPIPE_MODELS_FILE")),
			ResponseCacheDir:    strings.TrimSpace(os.Getenv("LEXPIPE_RESPONSE_CACHE_DIR")),
		},
		Loader: LoaderConfig{
			BatchSize: resolveInt("LEXPIPE_BATCH_SIZE", 500),
		},
		Dedup: DedupConfig{
			Permutations: resolveInt("LEXPIPE_MINHASH_PERMS", 128),
			Threshold:    resolveFloat("LEXPIPE_DEDUP_THRESHOLD", 0.95),
			MinTextLen:   resolveInt("LEXPIPE_DEDUP_MIN_TEXT", 50),
			Truncations:  resolveInts("LEXPIPE_DEDUP_TRUNCATIONS", []int{2000, 3000}),
		},
		Embed: EmbedConfig{
			Backend:    firstNonEmpty(strings.TrimSpace(os.Getenv("LEXPIPE_EMBED_BACKEND")), "gemini"),
			Model:      firstNonEmpty(strings.TrimSpace(os.Getenv("LEXPIPE_EMBED_MODEL")), "text-embedding-004"),
			FlushEvery: resolveInt("LEXPIPE_EMBED_FLUSH_EVERY", 100),
			TopK:       resolveInt("LEXPIPE_SIMILAR_TOP_K", 10),
			Threshold:  resolveFloat("LEXPIPE_SIMILAR_THRESHOLD", 0.8),
			IndexMode:  firstNonEmpty(strings.ToLower(strings.TrimSpace(os.Getenv("LEXPIPE_INDEX_MODE"))), "auto"),
			TrainSize:  resolveInt("LEXPIPE_IVF_TRAIN_SIZE", 5000),
			NProbe:     resolveInt("LEXPIPE_IVF_NPROBE", 10),
		},
		Rank: RankConfig{
			Endpoint:  firstNonEmpty(strings.TrimSpace(os.Getenv("LEXPIPE_RANK_ENDPOINT")), "http://localhost:8085"),
			Model:     firstNonEmpty(strings.TrimSpace(os.Getenv("LEXPIPE_RANK_MODEL")), "cross-encoder/nli-deberta-v3-base"),
			Threshold: resolveFloat("LEXPIPE_RANK_THRESHOLD", 0.2),
		},
		Archive:  loadArchiveConfig(),
		Provider: loadProviderConfig(),
	}
	return cfg, nil
}

func loadProviderConfig() ProviderConfig {
	return ProviderConfig{
		GeminiAPIKey: firstNonEmpty(
			strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
			strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")),
		),
		GroqAPIKey:        strings.TrimSpace(os.Getenv("GROQ_API_KEY")),
		GroqEndpoint:      firstNonEmpty(strings.TrimSpace(os.Getenv("GROQ_ENDPOINT")), "https://api.groq.com/openai/v1"),
		AnthropicAPIKey:   strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
		AnthropicEndpoint: firstNonEmpty(strings.TrimSpace(os.Getenv("ANTHROPIC_ENDPOINT")), "https://api.anthropic.com"),
		OllamaEndpoint:    firstNonEmpty(strings.TrimSpace(os.Getenv("OLLAMA_ENDPOINT")), "http://localhost:11434"),
		OllamaModel:       firstNonEmpty(strings.TrimSpace(os.Getenv("OLLAMA_MODEL")), "llama3.1:8b"),
	}
}

func loadArchiveConfig() ArchiveConfig {
	endpoint := strings.TrimSpace(os.Getenv("ARCHIVE_S3_ENDPOINT"))
	return ArchiveConfig{
		Enabled:   endpoint != "",
		Endpoint:  endpoint,
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARCHIVE_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARCHIVE_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARCHIVE_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARCHIVE_S3_BUCKET")), "lexpipe-artifacts"),
		UseSSL:    resolveBool("ARCHIVE_S3_USE_SSL", false),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func resolveInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func resolveFloat(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}

func resolveBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func resolveDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return v
}

func resolveInts(key string, def []int) []int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return def
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return def
	}
	return out
}
