package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds every environment-driven setting the server needs.
type Config struct {
	// Server
	Port string

	// Gemini API
	GeminiAPIKey string
	GeminiModel  string

	// Redis (rate limit counters)
	RedisHost     string
	RedisPort     string
	RedisUsername string
	RedisPassword string
	RedisUseTLS   bool

	// Supabase (generated image storage + history records)
	SupabaseURL            string
	SupabaseServiceKey     string
	SupabaseStorageBaseURL string

	// Quota
	DailyGenerationLimit int
	DevMode              bool
	ExemptReferer        string

	// Proxy
	ProxyAllowedHosts []string
}

var globalConfig *Config

// LoadConfig reads the .env file (if present) and the environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  .env file not found, using environment variables")
	}

	useTLS := true
	if tlsStr := os.Getenv("REDIS_USE_TLS"); tlsStr != "" {
		if parsed, err := strconv.ParseBool(tlsStr); err == nil {
			useTLS = parsed
		}
	}

	dailyLimit := 2
	if limitStr := os.Getenv("DAILY_GENERATION_LIMIT"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			dailyLimit = parsed
		}
	}

	devMode := false
	if devStr := os.Getenv("DEV_MODE"); devStr != "" {
		if parsed, err := strconv.ParseBool(devStr); err == nil {
			devMode = parsed
		}
	}

	globalConfig = &Config{
		Port: getEnv("PORT", "8080"),

		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.5-flash-image"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisUsername: getEnv("REDIS_USERNAME", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisUseTLS:   useTLS,

		SupabaseURL:            getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:     getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBaseURL: getEnv("SUPABASE_STORAGE_BASE_URL", ""),

		DailyGenerationLimit: dailyLimit,
		DevMode:              devMode,
		ExemptReferer:        getEnv("EXEMPT_REFERER", ""),

		ProxyAllowedHosts: splitHosts(getEnv("PROXY_ALLOWED_HOSTS", "")),
	}

	if err := globalConfig.validate(); err != nil {
		return nil, err
	}

	log.Println("✅ Configuration loaded successfully")
	log.Printf("   Redis: %s:%s (TLS: %v)", globalConfig.RedisHost, globalConfig.RedisPort, globalConfig.RedisUseTLS)
	log.Printf("   Gemini: %s", globalConfig.GeminiModel)
	log.Printf("   Quota: %d generations per day (dev mode: %v)", globalConfig.DailyGenerationLimit, globalConfig.DevMode)
	if globalConfig.SupabaseURL != "" {
		log.Printf("   Storage: %s", globalConfig.SupabaseURL)
	} else {
		log.Printf("   Storage: disabled, generated images returned inline")
	}

	return globalConfig, nil
}

// GetConfig returns the loaded configuration.
func GetConfig() *Config {
	if globalConfig == nil {
		log.Fatal("❌ Config not loaded. Call LoadConfig() first.")
	}
	return globalConfig
}

func (c *Config) validate() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.RedisHost == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitHosts(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		if h := strings.TrimSpace(p); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// GetRedisAddr builds the Redis connection string.
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// MediaHosts lists the hosts the image proxy is allowed to fetch from:
// the configured allowlist plus the storage host when storage is enabled.
func (c *Config) MediaHosts() []string {
	hosts := append([]string{}, c.ProxyAllowedHosts...)
	for _, raw := range []string{c.SupabaseStorageBaseURL, c.SupabaseURL} {
		if raw == "" {
			continue
		}
		if h := hostOf(raw); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

func hostOf(rawURL string) string {
	rest := rawURL
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	if idx := strings.IndexAny(rest, "/:"); idx >= 0 {
		rest = rest[:idx]
	}
	return rest
}
