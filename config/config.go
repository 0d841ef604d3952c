package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string
	CacheDir  string // per-user usage snapshot files, default: usage_logs

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitRPM int64 // recording requests per minute per user, default: 60

	// Bootstrap
	RunMigrate  bool
	AdminUserID int64 // seeded as admin when RUN_MIGRATE=true, 0 = skip

	// Unit prices, USD
	TokenPrice         float64    // per 1000 chat tokens
	ImagePrices        [3]float64 // 256x256, 512x512, 1024x1024
	VisionTokenPrice   float64    // per 1000 vision tokens
	TTSPrices          [2]float64 // tts-1, tts-1-hd, per 1000 characters
	TranscriptionPrice float64    // per minute
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		CacheDir:             getEnv("CACHE_DIR", "usage_logs"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		RunMigrate:           os.Getenv("RUN_MIGRATE") == "true",
	}

	rpmStr := getEnv("DEFAULT_RATE_LIMIT_RPM", "60")
	rpm, err := strconv.ParseInt(rpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_RPM: %w", err)
	}
	cfg.DefaultRateLimitRPM = rpm

	if idStr := os.Getenv("ADMIN_USER_ID"); idStr != "" {
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ADMIN_USER_ID: %w", err)
		}
		cfg.AdminUserID = id
	}

	cfg.TokenPrice, err = getEnvFloat("TOKEN_PRICE", 0.002)
	if err != nil {
		return nil, err
	}
	cfg.VisionTokenPrice, err = getEnvFloat("VISION_TOKEN_PRICE", 0.01)
	if err != nil {
		return nil, err
	}
	cfg.TranscriptionPrice, err = getEnvFloat("TRANSCRIPTION_PRICE", 0.006)
	if err != nil {
		return nil, err
	}

	imagePrices, err := parsePriceList("IMAGE_PRICES", getEnv("IMAGE_PRICES", "0.016,0.018,0.02"), 3)
	if err != nil {
		return nil, err
	}
	copy(cfg.ImagePrices[:], imagePrices)

	ttsPrices, err := parsePriceList("TTS_PRICES", getEnv("TTS_PRICES", "0.015,0.030"), 2)
	if err != nil {
		return nil, err
	}
	copy(cfg.TTSPrices[:], ttsPrices)

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

// parsePriceList parses a comma-separated price string like "0.016,0.018,0.02".
func parsePriceList(key, value string, want int) ([]float64, error) {
	parts := strings.Split(value, ",")
	if len(parts) != want {
		return nil, fmt.Errorf("invalid %s: expected %d comma-separated prices, got %d", key, want, len(parts))
	}
	prices := make([]float64, 0, want)
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		prices = append(prices, f)
	}
	return prices, nil
}
