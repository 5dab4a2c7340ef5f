package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Mode string

const (
	ModeLocal Mode = "local"
	ModeGCP   Mode = "gcp"
)

type Config struct {
	Mode Mode

	Port     string
	LogLevel string

	GCPProjectID string
	GCPLocation  string
	ModelName    string
	UseMockLLM   bool // true = use mock even on GCP

	// Retrieval backends. When PrimaryURL is empty the generative backend
	// (knowledge base + LLM) answers instead.
	PrimaryURL           string
	SecondaryURL         string
	BackendTimeout       time.Duration
	DefaultMinConfidence float64
	EnhanceWithLLM       bool

	KnowledgeFile string // YAML corpus; empty = built-in seed
	PersonasFile  string // YAML persona overrides; empty = built-in profiles
	EmbeddingDim  int

	// Storage
	StorageBackend string // "memory" or "firestore"
	KVBackend      string // "none", "sqlite" or "firestore"
	SQLitePath     string

	CacheMaxEntries int
	FallbackTTL     time.Duration

	MaxActiveSessions int
	IdleTimeout       time.Duration
	SweepEvery        time.Duration

	AnalyticsBuffer int
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getFloatEnv(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Load reads .env (if present) and all env vars and builds the config.
func Load() (*Config, error) {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	var mode Mode
	switch strings.ToLower(getEnv("ROTEIROS_MODE", "local")) {
	case "gcp":
		mode = ModeGCP
	default:
		mode = ModeLocal
	}

	cfg := &Config{
		Mode: mode,

		Port:     getEnv("ROTEIROS_PORT", "8080"),
		LogLevel: getEnv("ROTEIROS_LOG_LEVEL", "info"),

		GCPProjectID: getEnv("ROTEIROS_GCP_PROJECT", ""),
		GCPLocation:  getEnv("ROTEIROS_GCP_LOCATION", "us-central1"),
		ModelName:    getEnv("ROTEIROS_MODEL_NAME", "gemini-2.5-flash-lite"),
		UseMockLLM:   getBoolEnv("ROTEIROS_USE_MOCK_LLM", mode == ModeLocal),

		PrimaryURL:           getEnv("ROTEIROS_PRIMARY_URL", ""),
		SecondaryURL:         getEnv("ROTEIROS_SECONDARY_URL", ""),
		BackendTimeout:       getDurationEnv("ROTEIROS_BACKEND_TIMEOUT", 8*time.Second),
		DefaultMinConfidence: getFloatEnv("ROTEIROS_MIN_CONFIDENCE", 0.3),
		EnhanceWithLLM:       getBoolEnv("ROTEIROS_ENHANCE_WITH_LLM", false),

		KnowledgeFile: getEnv("ROTEIROS_KNOWLEDGE_FILE", ""),
		PersonasFile:  getEnv("ROTEIROS_PERSONAS_FILE", ""),
		EmbeddingDim:  getIntEnv("ROTEIROS_EMBEDDING_DIM", 1024),

		StorageBackend: getEnv("ROTEIROS_STORAGE_BACKEND", "memory"),
		KVBackend:      getEnv("ROTEIROS_KV_BACKEND", "none"),
		SQLitePath:     getEnv("ROTEIROS_SQLITE_PATH", "roteiros.db"),

		CacheMaxEntries: getIntEnv("ROTEIROS_CACHE_MAX_ENTRIES", 2000),
		FallbackTTL:     getDurationEnv("ROTEIROS_FALLBACK_TTL", 5*time.Minute),

		MaxActiveSessions: getIntEnv("ROTEIROS_MAX_ACTIVE_SESSIONS", 1000),
		IdleTimeout:       getDurationEnv("ROTEIROS_IDLE_TIMEOUT", 30*time.Minute),
		SweepEvery:        getDurationEnv("ROTEIROS_SWEEP_EVERY", time.Minute),

		AnalyticsBuffer: getIntEnv("ROTEIROS_ANALYTICS_BUFFER", 256),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the combinations that cannot work at runtime.
func (c *Config) Validate() error {
	needsProject := c.Mode == ModeGCP || c.StorageBackend == "firestore" || c.KVBackend == "firestore"
	if needsProject && c.GCPProjectID == "" {
		return fmt.Errorf("ROTEIROS_GCP_PROJECT must be set for gcp mode or firestore storage")
	}
	switch c.StorageBackend {
	case "memory", "firestore":
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	switch c.KVBackend {
	case "none", "sqlite", "firestore":
	default:
		return fmt.Errorf("unknown kv backend %q", c.KVBackend)
	}
	if c.DefaultMinConfidence < 0 || c.DefaultMinConfidence > 1 {
		return fmt.Errorf("ROTEIROS_MIN_CONFIDENCE must be within [0,1], got %v", c.DefaultMinConfidence)
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("ROTEIROS_CACHE_MAX_ENTRIES must be positive")
	}
	return nil
}
