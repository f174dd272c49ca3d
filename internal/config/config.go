package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Storage: "postgres" or "memory"
	StoreBackend string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// JWT
	JWTSecret string

	// Gemini AI
	GeminiAPIKey         string
	GeminiModel          string
	GeminiConcurrentReqs int
	ChatReplyTimeout     time.Duration

	// Daily quiz
	QuizMaxTotal           int
	QuizMaxPerConversation int
	QuizJobConcurrency     int

	// Observability
	OTelStdout bool

	// Frontend
	FrontendURL string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	storeBackend := getEnvOrDefault("STORE_BACKEND", "postgres")

	cfg := &Config{
		Port:                   getEnvOrDefault("PORT", "8080"),
		Env:                    getEnvOrDefault("ENV", "development"),
		StoreBackend:           storeBackend,
		RedisURL:               mustGetEnv("REDIS_URL"),
		JWTSecret:              mustGetEnv("JWT_SECRET"),
		GeminiAPIKey:           mustGetEnv("GEMINI_API_KEY"),
		GeminiModel:            getEnvOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiConcurrentReqs:   getEnvAsIntOrDefault("GEMINI_CONCURRENT_REQUESTS", 5),
		ChatReplyTimeout:       getEnvAsDurationOrDefault("CHAT_REPLY_TIMEOUT", 45*time.Second),
		QuizMaxTotal:           getEnvAsIntOrDefault("QUIZ_MAX_TOTAL", 10),
		QuizMaxPerConversation: getEnvAsIntOrDefault("QUIZ_MAX_PER_CONVERSATION", 5),
		QuizJobConcurrency:     getEnvAsIntOrDefault("QUIZ_JOB_CONCURRENCY", 4),
		OTelStdout:             getEnvOrDefault("OTEL_STDOUT", "false") == "true",
		FrontendURL:            getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
	}

	// The in-memory store needs no database.
	if storeBackend == "postgres" {
		cfg.DatabaseURL = mustGetEnv("DATABASE_URL")
	}

	return cfg
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvAsDurationOrDefault accepts Go durations ("30s") or bare seconds ("30").
// "0" disables whatever the duration bounds.
func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
