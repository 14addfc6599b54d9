package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the grading service.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	NATSSubject string

	AIProvider      string
	OpenAIAPIKey    string
	AIBaseURL       string
	AIModel         string
	AIMaxTokens     int
	AITemperature   float64
	OllamaServerURL string

	GradingCooldown      time.Duration
	GradingTextTimeout   time.Duration
	GradingVisionTimeout time.Duration
	GradingMaxRetries    int
	GradingBackoffBase   time.Duration
	GradingBackoffMax    time.Duration
	MaxSubmissionBytes   int64

	PricePromptPerMillion     float64
	PriceCompletionPerMillion float64

	RubricCacheTTL time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRADER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "gema-grader")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("nats.subject", "grading.results")
	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.max_tokens", 4096)
	v.SetDefault("ai.temperature", 0.1)
	v.SetDefault("ollama.server_url", "http://localhost:11434")
	v.SetDefault("grading.cooldown", "5s")
	v.SetDefault("grading.text_timeout", "28s")
	v.SetDefault("grading.vision_timeout", "48s")
	v.SetDefault("grading.max_retries", 3)
	v.SetDefault("grading.backoff_base", "60s")
	v.SetDefault("grading.backoff_max", "300s")
	v.SetDefault("grading.max_submission_bytes", 10*1024*1024)
	v.SetDefault("pricing.prompt_per_million", 0.15)
	v.SetDefault("pricing.completion_per_million", 0.60)
	v.SetDefault("rubric.cache_ttl", "24h")

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"grading.cooldown",
		"grading.text_timeout",
		"grading.vision_timeout",
		"grading.backoff_base",
		"grading.backoff_max",
		"rubric.cache_ttl",
	} {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed < 0 {
			return Config{}, fmt.Errorf("%s must not be negative", key)
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:     v.GetString("app.name"),
		AppEnv:      v.GetString("app.env"),
		AppPort:     v.GetString("app.port"),
		DatabaseURL: v.GetString("database.url"),
		RedisURL:    v.GetString("redis.url"),
		NATSURL:     v.GetString("nats.url"),
		NATSSubject: v.GetString("nats.subject"),

		AIProvider:      strings.ToLower(v.GetString("ai.provider")),
		OpenAIAPIKey:    v.GetString("openai_api_key"),
		AIBaseURL:       v.GetString("ai.base_url"),
		AIModel:         v.GetString("ai.model"),
		AIMaxTokens:     v.GetInt("ai.max_tokens"),
		AITemperature:   v.GetFloat64("ai.temperature"),
		OllamaServerURL: v.GetString("ollama.server_url"),

		GradingCooldown:      durations["grading.cooldown"],
		GradingTextTimeout:   durations["grading.text_timeout"],
		GradingVisionTimeout: durations["grading.vision_timeout"],
		GradingMaxRetries:    v.GetInt("grading.max_retries"),
		GradingBackoffBase:   durations["grading.backoff_base"],
		GradingBackoffMax:    durations["grading.backoff_max"],
		MaxSubmissionBytes:   v.GetInt64("grading.max_submission_bytes"),

		PricePromptPerMillion:     v.GetFloat64("pricing.prompt_per_million"),
		PriceCompletionPerMillion: v.GetFloat64("pricing.completion_per_million"),

		RubricCacheTTL: durations["rubric.cache_ttl"],
	}

	switch cfg.AIProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return Config{}, fmt.Errorf("openai api key must be provided")
		}
	case "ollama":
	default:
		return Config{}, fmt.Errorf("unsupported ai provider %q", cfg.AIProvider)
	}

	if cfg.GradingMaxRetries < 0 {
		cfg.GradingMaxRetries = 0
	}

	if cfg.AIMaxTokens <= 0 {
		cfg.AIMaxTokens = 4096
	}

	return cfg, nil
}
