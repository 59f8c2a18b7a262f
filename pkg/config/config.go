// Package config holds the env-driven settings for the Rampart gateway.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds global settings for the Rampart gateway.
// Every field can be set via environment variables or programmatically.
type Config struct {
	// === Core ===
	Port string // HTTP listen port (env: RAMPART_PORT, default: "8090")

	// === Detection thresholds (0.0 - 1.0) ===
	// Tune these to balance security against false positives.
	BlockThreshold float64 // Risk at or above this blocks (default: 0.5)
	WarnThreshold  float64 // Risk at or above this flags for review (default: 0.3)

	// === Detection pipeline ===
	FastMode        bool // Skip the ML path entirely, patterns only (default: false)
	MaxScanBytes    int  // Pattern matcher input bound; longer inputs truncate (default: 131072)
	MLTimeoutMs     int  // Hard per-inference timeout before degraded fallback (default: 100)
	MLMaxConcurrent int  // Concurrent inference bound (default: 8)

	// === Models ===
	ModelPath    string // ONNX injection classifier directory (env: RAMPART_MODEL_PATH)
	NERModelPath string // ONNX token-classification model for PII NER (env: RAMPART_NER_MODEL_PATH)
	OnnxLibPath  string // onnxruntime shared library, empty = pure-Go backend

	// === Semantic detector (optional ML layer) ===
	EnableSemantics bool   // Vector-similarity detector (default: false)
	EmbedderURL     string // ollama-compatible embedding endpoint
	EmbedderModel   string // embedding model name

	// === Verdict cache ===
	VerdictCacheTTL time.Duration // TTL for cached classifier verdicts (default: 5m)

	// === Output scanning ===
	TrustedDomains []string // URL allowlist for the exfiltration scanner (suffix match)

	// === Pattern tables ===
	PatternsPath string // custom YAML pattern table; empty = built-in tables

	// === Policy ===
	PolicyPath     string // YAML policy file; empty = built-in default policy
	RedisAddr      string // redis for the policy store and PII vault; empty = in-process only
	PolicyRedisKey string // key holding the YAML policy document (default: "rampart:policy")

	// === Upstream provider ===
	ProviderBaseURL string // OpenAI-compatible API base (default: https://api.openai.com/v1)
	ProviderAPIKey  string // bearer key for the provider
	ProviderModel   string // default model when the request names none
	RefusalMessage  string // body returned in place of blocked content

	// === PII vault ===
	VaultTTL time.Duration // token lifetime for tokenize-mode redaction (default: 1h)

	// === Persistence ===
	PostgresDSN        string // decision audit sink; empty = log sink
	PersistMaxInFlight int    // bound on concurrent async persists (default: 64)
}

// NewDefaultConfig builds a Config from the environment with sensible
// defaults for everything unset.
func NewDefaultConfig() *Config {
	cfg := &Config{
		Port: GetEnv("RAMPART_PORT", "8090"),

		BlockThreshold: GetEnvFloat("RAMPART_BLOCK_THRESHOLD", 0.5),
		WarnThreshold:  GetEnvFloat("RAMPART_WARN_THRESHOLD", 0.3),

		FastMode:        GetEnvBool("RAMPART_FAST_MODE", false),
		MaxScanBytes:    clampInt(GetEnvInt("RAMPART_MAX_SCAN_BYTES", 128*1024), 1024, 10*1024*1024),
		MLTimeoutMs:     clampInt(GetEnvInt("RAMPART_ML_TIMEOUT_MS", 100), 10, 60000),
		MLMaxConcurrent: clampInt(GetEnvInt("RAMPART_ML_MAX_CONCURRENT", 8), 1, 256),

		ModelPath:    GetEnv("RAMPART_MODEL_PATH", ""),
		NERModelPath: GetEnv("RAMPART_NER_MODEL_PATH", ""),
		OnnxLibPath:  GetEnv("RAMPART_ONNX_LIB", ""),

		EnableSemantics: GetEnvBool("RAMPART_ENABLE_SEMANTICS", false),
		EmbedderURL:     GetEnv("RAMPART_EMBEDDER_URL", "http://localhost:11434"),
		EmbedderModel:   GetEnv("RAMPART_EMBEDDER_MODEL", "nomic-embed-text"),

		VerdictCacheTTL: time.Duration(GetEnvInt("RAMPART_VERDICT_CACHE_TTL_SECONDS", 300)) * time.Second,

		TrustedDomains: GetEnvSlice("RAMPART_TRUSTED_DOMAINS", []string{
			"github.com", "githubusercontent.com", "stackoverflow.com",
			"wikipedia.org", "golang.org", "pkg.go.dev",
		}),

		PatternsPath: GetEnv("RAMPART_PATTERNS_FILE", ""),

		PolicyPath:     GetEnv("RAMPART_POLICY_FILE", ""),
		RedisAddr:      GetEnv("RAMPART_REDIS_ADDR", ""),
		PolicyRedisKey: GetEnv("RAMPART_POLICY_REDIS_KEY", "rampart:policy"),

		ProviderBaseURL: detectProviderBaseURL(),
		ProviderAPIKey:  GetEnv("RAMPART_PROVIDER_API_KEY", os.Getenv("OPENAI_API_KEY")),
		ProviderModel:   GetEnv("RAMPART_PROVIDER_MODEL", "gpt-4o-mini"),
		RefusalMessage: GetEnv("RAMPART_REFUSAL_MESSAGE",
			"This request was blocked by the gateway security policy."),

		VaultTTL: time.Duration(GetEnvInt("RAMPART_VAULT_TTL_SECONDS", 3600)) * time.Second,

		PostgresDSN:        GetEnv("RAMPART_POSTGRES_DSN", ""),
		PersistMaxInFlight: clampInt(GetEnvInt("RAMPART_PERSIST_MAX_IN_FLIGHT", 64), 1, 4096),
	}

	return cfg
}

// NewStrictConfig lowers thresholds for deployments that prefer false
// positives over misses.
func NewStrictConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.BlockThreshold = 0.35
	cfg.WarnThreshold = 0.15
	cfg.FastMode = false
	return cfg
}

// NewPermissiveConfig raises thresholds for low-friction deployments where
// only high-confidence attacks should block.
func NewPermissiveConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.BlockThreshold = 0.7
	cfg.WarnThreshold = 0.5
	return cfg
}

// detectProviderBaseURL picks the upstream API base. An explicit URL wins;
// otherwise the presence of a provider key selects the matching endpoint,
// falling back to a local ollama server.
func detectProviderBaseURL() string {
	if u := os.Getenv("RAMPART_PROVIDER_BASE_URL"); u != "" {
		return u
	}
	if os.Getenv("RAMPART_PROVIDER_API_KEY") != "" || os.Getenv("OPENAI_API_KEY") != "" {
		return "https://api.openai.com/v1"
	}
	if os.Getenv("GROQ_API_KEY") != "" {
		return "https://api.groq.com/openai/v1"
	}
	return "http://localhost:11434/v1"
}

// clampInt bounds val to [min, max].
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

// IsProduction reports whether RAMPART_ENV marks this as a production
// deployment.
func IsProduction() bool {
	env := strings.ToLower(os.Getenv("RAMPART_ENV"))
	return env == "production" || env == "prod"
}

// Validate checks the configuration for values that cannot work. Production
// deployments additionally require the provider key when proxying; in
// development missing secrets warn instead of failing.
func (c *Config) Validate() error {
	var problems []string

	if c.BlockThreshold < 0 || c.BlockThreshold > 1 {
		problems = append(problems, fmt.Sprintf("RAMPART_BLOCK_THRESHOLD out of range: %v", c.BlockThreshold))
	}
	if c.WarnThreshold < 0 || c.WarnThreshold > 1 {
		problems = append(problems, fmt.Sprintf("RAMPART_WARN_THRESHOLD out of range: %v", c.WarnThreshold))
	}
	if c.WarnThreshold > c.BlockThreshold {
		problems = append(problems, fmt.Sprintf("warn threshold %v exceeds block threshold %v", c.WarnThreshold, c.BlockThreshold))
	}
	if c.MLTimeoutMs <= 0 {
		problems = append(problems, "RAMPART_ML_TIMEOUT_MS must be positive")
	}

	if c.ProviderAPIKey == "" {
		if IsProduction() && !strings.HasPrefix(c.ProviderBaseURL, "http://localhost") {
			problems = append(problems, "RAMPART_PROVIDER_API_KEY required in production for non-local providers")
		} else {
			log.Printf("[STARTUP] Warning: no provider API key set; /v1/proxy will fail against authenticated upstreams")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// MustValidate exits the process when the configuration cannot work. Call
// once at startup before serving.
func (c *Config) MustValidate() {
	if err := c.Validate(); err != nil {
		log.Fatalf("[STARTUP] FATAL: %v", err)
	}
	log.Println("[STARTUP] Configuration validated")
}

// Environment parsing helpers, exported for use by other packages.

// GetEnv returns the value of an environment variable or a default.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvBool returns the boolean value of an environment variable or a default.
func GetEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvFloat returns the float64 value of an environment variable or a default.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

// GetEnvInt returns the integer value of an environment variable or a default.
func GetEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// GetEnvSlice returns a comma-separated list from an environment variable or
// a default. Empty elements are dropped.
func GetEnvSlice(key string, defaultValue []string) []string {
	if v := os.Getenv(key); v != "" {
		var parts []string
		for _, p := range strings.Split(v, ",") {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		if len(parts) > 0 {
			return parts
		}
	}
	return defaultValue
}
