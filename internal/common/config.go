package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Render   RenderConfig
	LLM      LLMConfig
	Pipeline PipelineConfig
	Registry RegistryConfig
}

// RenderConfig holds page-rendering configuration
type RenderConfig struct {
	Pdftotext      string // binary name or absolute path; if empty -> "pdftotext"
	Pdftoppm       string // binary name or absolute path; if empty -> "pdftoppm"
	Pdfimages      string // binary name or absolute path; if empty -> "pdfimages"
	DPI            int    // rasterization DPI, default 300
	MaxImageDim    int    // longest side of the model-visible raster, default 2000
	TextConfidence float32
	PreferText     bool
	CacheSize      int // per-run document cache entries
}

// LLMConfig holds model-client configuration
type LLMConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float32
	Timeout     time.Duration
}

// PipelineConfig holds coordinator bounds and retry behavior
type PipelineConfig struct {
	MaxModelCalls int64
	MaxRenders    int64
	MaxAttempts   int
	BackoffBase   time.Duration
	PrimePages    int
}

// RegistryConfig bounds the run-cancellation registry
type RegistryConfig struct {
	Capacity int
	TTL      time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Render: RenderConfig{
			Pdftotext:      getEnv("PDFTOTEXT_BIN", "pdftotext"),
			Pdftoppm:       getEnv("PDFTOPPM_BIN", "pdftoppm"),
			Pdfimages:      getEnv("PDFIMAGES_BIN", "pdfimages"),
			DPI:            getEnvAsInt("RENDER_DPI", 300),
			MaxImageDim:    getEnvAsInt("RENDER_MAX_IMAGE_DIM", 2000),
			TextConfidence: getEnvAsFloat32("RENDER_TEXT_CONFIDENCE", 0.70),
			PreferText:     getEnvAsBool("RENDER_PREFER_TEXT", true),
			CacheSize:      getEnvAsInt("RENDER_CACHE_SIZE", 8),
		},
		LLM: LLMConfig{
			BaseURL:     getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
			Model:       getEnv("LLM_MODEL", "gpt-4o-mini"),
			APIKey:      getEnv("LLM_API_KEY", ""),
			Temperature: getEnvAsFloat32("LLM_TEMPERATURE", 0.0),
			Timeout:     getEnvAsDuration("LLM_TIMEOUT", 45*time.Second),
		},
		Pipeline: PipelineConfig{
			MaxModelCalls: int64(getEnvAsInt("PIPELINE_MAX_MODEL_CALLS", 6)),
			MaxRenders:    int64(getEnvAsInt("PIPELINE_MAX_RENDERS", 2)),
			MaxAttempts:   getEnvAsInt("PIPELINE_MAX_ATTEMPTS", 3),
			BackoffBase:   getEnvAsDuration("PIPELINE_BACKOFF_BASE", 500*time.Millisecond),
			PrimePages:    getEnvAsInt("PIPELINE_PRIME_PAGES", 2),
		},
		Registry: RegistryConfig{
			Capacity: getEnvAsInt("RUN_REGISTRY_CAPACITY", 512),
			TTL:      getEnvAsDuration("RUN_REGISTRY_TTL", 30*time.Minute),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "LLM_API_KEY is required", ErrInvalidInput)
	}
	if c.Pipeline.MaxModelCalls <= 0 || c.Pipeline.MaxRenders <= 0 {
		return NewAppError("CONFIG_ERROR", "pipeline bounds must be positive", ErrInvalidInput)
	}
	if c.Render.TextConfidence < 0 || c.Render.TextConfidence > 1 {
		return NewAppError("CONFIG_ERROR", "RENDER_TEXT_CONFIDENCE must be in [0,1]", ErrInvalidInput)
	}
	return nil
}
