package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the decomposition service
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Scoring    ScoringConfig    `mapstructure:"scoring"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	Ticketing  TicketingConfig  `mapstructure:"ticketing"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	Listen         string        `mapstructure:"listen"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type    string              `mapstructure:"type"` // openai or openai-compatible
	APIKey  string              `mapstructure:"api_key"`
	BaseURL string              `mapstructure:"base_url"`
	Models  map[string]LLMModel `mapstructure:"models"`
	Timeout time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model to use for different operations
type LLMRoutingConfig struct {
	Decompose  string `mapstructure:"decompose"`  // full-epic decomposition
	Regenerate string `mapstructure:"regenerate"` // single-story regeneration
	Fallback   string `mapstructure:"fallback"`
}

// EmbeddingConfig contains embedding backend settings
type EmbeddingConfig struct {
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ScoringConfig carries the quality score weights and the duplicate threshold.
// Weights are configuration so experiments can rebalance without a deploy.
type ScoringConfig struct {
	DistinctnessWeight    float64 `mapstructure:"distinctness_weight"`
	CriteriaDensityWeight float64 `mapstructure:"criteria_density_weight"`
	StructureWeight       float64 `mapstructure:"structure_weight"`
	WarningPenaltyWeight  float64 `mapstructure:"warning_penalty_weight"`
	DuplicateThreshold    float64 `mapstructure:"duplicate_threshold"`
}

// GuardrailsConfig bounds regeneration volume and spend.
type GuardrailsConfig struct {
	PerRunLimit int    `mapstructure:"per_run_limit"`
	DailyLimit  int    `mapstructure:"daily_limit"`
	ResetCron   string `mapstructure:"reset_cron"`
}

// TicketingConfig points at the external ticketing system.
type TicketingConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig contains Redis connection settings (optional, run locks)
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

// DSN builds a Postgres connection string from the config.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, host, port, p.DBName, ssl)
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("storyforge")
	viper.SetConfigType("yaml")
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("STORYFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// Config file is optional; defaults plus env are a valid setup.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("general.debug", false)
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.listen", ":10020")
	viper.SetDefault("general.default_timeout", "60s")

	viper.SetDefault("llm.routing.decompose", "gpt-4o-mini")
	viper.SetDefault("llm.routing.regenerate", "gpt-4o-mini")
	viper.SetDefault("llm.routing.fallback", "gpt-4o-mini")

	viper.SetDefault("embedding.model", "text-embedding-3-small")
	viper.SetDefault("embedding.dimensions", 64)
	viper.SetDefault("embedding.timeout", "20s")

	viper.SetDefault("scoring.distinctness_weight", 0.35)
	viper.SetDefault("scoring.criteria_density_weight", 0.25)
	viper.SetDefault("scoring.structure_weight", 0.25)
	viper.SetDefault("scoring.warning_penalty_weight", 0.15)
	viper.SetDefault("scoring.duplicate_threshold", 0.85)

	viper.SetDefault("guardrails.per_run_limit", 20)
	viper.SetDefault("guardrails.daily_limit", 100)
	viper.SetDefault("guardrails.reset_cron", "0 0 * * *")

	viper.SetDefault("ticketing.timeout", "15s")

	viper.SetDefault("storage.postgres.host", "")
	viper.SetDefault("storage.postgres.port", "5432")
	viper.SetDefault("storage.postgres.sslmode", "disable")
	viper.SetDefault("storage.redis.host", "")
	viper.SetDefault("storage.redis.port", "6379")
	viper.SetDefault("storage.redis.db", 0)

	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.metrics_port", 9090)
}

// overrideFromEnv overrides configuration with environment variables
func overrideFromEnv() {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		viper.Set("llm.providers.openai.api_key", apiKey)
		viper.Set("llm.providers.openai.type", "openai")
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		viper.Set("storage.postgres.url", url)
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		viper.Set("storage.postgres.host", host)
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		viper.Set("storage.postgres.port", port)
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		viper.Set("storage.postgres.user", user)
	}
	if pass := os.Getenv("POSTGRES_PASSWORD"); pass != "" {
		viper.Set("storage.postgres.password", pass)
	}
	if db := os.Getenv("POSTGRES_DB"); db != "" {
		viper.Set("storage.postgres.dbname", db)
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		viper.Set("storage.redis.host", host)
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		viper.Set("storage.redis.port", port)
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		viper.Set("storage.redis.password", password)
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			viper.Set("storage.redis.db", n)
		}
	}
	if tok := os.Getenv("TICKETING_TOKEN"); tok != "" {
		viper.Set("ticketing.token", tok)
	}
	if url := os.Getenv("TICKETING_BASE_URL"); url != "" {
		viper.Set("ticketing.base_url", url)
	}
	if secret := os.Getenv("STORYFORGE_JWT_SECRET"); secret != "" {
		viper.Set("general.jwt_secret", secret)
	}
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Scoring.DuplicateThreshold <= 0 || config.Scoring.DuplicateThreshold > 1 {
		return fmt.Errorf("scoring.duplicate_threshold must be in (0,1]")
	}
	if config.Guardrails.PerRunLimit <= 0 || config.Guardrails.DailyLimit <= 0 {
		return fmt.Errorf("guardrail limits must be positive")
	}

	// Routing models must exist in some provider when providers are configured.
	if len(config.LLM.Providers) > 0 {
		routingModels := []string{
			config.LLM.Routing.Decompose,
			config.LLM.Routing.Regenerate,
			config.LLM.Routing.Fallback,
		}
		for _, model := range routingModels {
			if model == "" {
				continue
			}
			found := false
			for _, provider := range config.LLM.Providers {
				if len(provider.Models) == 0 {
					// Providers declared via env only carry an API key; routing
					// names are passed through as API model names.
					found = true
					break
				}
				for _, providerModel := range provider.Models {
					if providerModel.Name == model {
						found = true
						break
					}
				}
				if found {
					break
				}
			}
			if !found {
				return fmt.Errorf("routing model '%s' not found in any provider", model)
			}
		}
	}

	return nil
}
