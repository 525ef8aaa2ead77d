// Package config loads process configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/foliosai/folios/internal/artifact"
)

type Config struct {
	Env          string
	ListenAddr   string
	ArtifactRoot string

	Store     StoreConfig
	Mirror    artifact.S3Config
	MirrorOn  bool
	Runtime   RuntimeConfig
	Providers ProvidersConfig
}

type StoreConfig struct {
	// SQLitePath is the default backend. PostgresDSN, when set, wins.
	SQLitePath  string
	PostgresDSN string
}

type RuntimeConfig struct {
	PollInterval     time.Duration
	DispatchInterval time.Duration
	HarvestInterval  time.Duration
	MaxRetries       int
	// MaxAttempts bounds execution tasks per request. Attempts past the
	// first are appended by the retry sweep.
	MaxAttempts int
	BackoffBase time.Duration
	Staleness   time.Duration
}

type ProviderConfig struct {
	APIKey            string
	Model             string
	MaxConcurrent     int
	RequestsPerMinute int
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig
	// UseCLIBinaries routes cli-mode providers through their local
	// binaries instead of direct API calls.
	UseCLIBinaries bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "local"
	}

	cfg := &Config{
		Env:          env,
		ListenAddr:   listenAddr(),
		ArtifactRoot: firstNonEmpty(os.Getenv("FOLIOS_ARTIFACT_ROOT"), "./artifacts"),
		Store: StoreConfig{
			SQLitePath:  firstNonEmpty(os.Getenv("FOLIOS_SQLITE_PATH"), "./folios.db"),
			PostgresDSN: strings.TrimSpace(os.Getenv("FOLIOS_POSTGRES_DSN")),
		},
		Runtime: RuntimeConfig{
			PollInterval:     envDuration("FOLIOS_POLL_INTERVAL", 30*time.Second),
			DispatchInterval: envDuration("FOLIOS_DISPATCH_INTERVAL", time.Minute),
			HarvestInterval:  envDuration("FOLIOS_HARVEST_INTERVAL", 30*time.Second),
			MaxRetries:       envInt("FOLIOS_MAX_RETRIES", 5),
			MaxAttempts:      envInt("FOLIOS_MAX_ATTEMPTS", 2),
			BackoffBase:      envDuration("FOLIOS_BACKOFF_BASE", 500*time.Millisecond),
			Staleness:        envDuration("FOLIOS_STALENESS_WINDOW", 24*time.Hour),
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				APIKey:            strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
				Model:             strings.TrimSpace(os.Getenv("FOLIOS_OPENAI_MODEL")),
				MaxConcurrent:     envInt("FOLIOS_OPENAI_MAX_CONCURRENT", 0),
				RequestsPerMinute: envInt("FOLIOS_OPENAI_RPM", 0),
			},
			Anthropic: ProviderConfig{
				APIKey:            strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
				Model:             strings.TrimSpace(os.Getenv("FOLIOS_ANTHROPIC_MODEL")),
				MaxConcurrent:     envInt("FOLIOS_ANTHROPIC_MAX_CONCURRENT", 0),
				RequestsPerMinute: envInt("FOLIOS_ANTHROPIC_RPM", 0),
			},
			Gemini: ProviderConfig{
				APIKey:            strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
				Model:             strings.TrimSpace(os.Getenv("FOLIOS_GEMINI_MODEL")),
				MaxConcurrent:     envInt("FOLIOS_GEMINI_MAX_CONCURRENT", 0),
				RequestsPerMinute: envInt("FOLIOS_GEMINI_RPM", 0),
			},
			UseCLIBinaries: envBool("FOLIOS_USE_CLI_BINARIES", false),
		},
	}

	cfg.Mirror, cfg.MirrorOn = loadMirrorConfig()

	if cfg.Runtime.MaxRetries <= 0 {
		return nil, fmt.Errorf("config: FOLIOS_MAX_RETRIES must be positive")
	}
	if cfg.Runtime.MaxAttempts <= 0 {
		return nil, fmt.Errorf("config: FOLIOS_MAX_ATTEMPTS must be positive")
	}
	return cfg, nil
}

func listenAddr() string {
	addr := firstNonEmpty(os.Getenv("FOLIOS_LISTEN_ADDR"), os.Getenv("PORT"), ":8090")
	if !strings.HasPrefix(addr, ":") && !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	return addr
}

func loadMirrorConfig() (artifact.S3Config, bool) {
	endpoint := strings.TrimSpace(os.Getenv("FOLIOS_S3_ENDPOINT"))
	if endpoint == "" {
		return artifact.S3Config{}, false
	}
	return artifact.S3Config{
		Endpoint:  endpoint,
		Region:    firstNonEmpty(os.Getenv("FOLIOS_S3_REGION"), "us-east-1"),
		AccessKey: firstNonEmpty(os.Getenv("FOLIOS_S3_ACCESS_KEY"), os.Getenv("MINIO_ROOT_USER")),
		SecretKey: firstNonEmpty(os.Getenv("FOLIOS_S3_SECRET_KEY"), os.Getenv("MINIO_ROOT_PASSWORD")),
		Bucket:    firstNonEmpty(os.Getenv("FOLIOS_S3_BUCKET"), "folios-artifacts"),
		UseSSL:    envBool("FOLIOS_S3_USE_SSL", false),
	}, true
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
