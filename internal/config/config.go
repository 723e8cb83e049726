package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every knob the proxy reads from the environment.
type Config struct {
	// Server
	Host string
	Port int

	// Database
	DBPath     string
	DBPoolSize int

	// Security
	AdminToken string

	// Backend (local inference server)
	BackendURL           string
	BackendMaxConcurrent int
	BackendTimeout       time.Duration

	// Upload
	MaxUploadSizeMB  int
	AllowedImageMIME []string

	// Logging
	LogLevel string
}

// Load reads configuration from the environment, optionally seeded by a
// ".env" file in the working directory. A missing .env file is not an
// error; unknown keys in it are ignored.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}

	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8080),

		DBPath:     envOr("DB_PATH", "./infergate.db"),
		DBPoolSize: envInt("DB_POOL_SIZE", 20),

		AdminToken: os.Getenv("ADMIN_TOKEN"),

		BackendURL:           envOr("BACKEND_URL", "http://127.0.0.1:11434"),
		BackendMaxConcurrent: envInt("BACKEND_MAX_CONCURRENT", 1),
		BackendTimeout:       envDuration("BACKEND_TIMEOUT_MS", 5*time.Minute),

		MaxUploadSizeMB:  envInt("MAX_UPLOAD_SIZE_MB", 25),
		AllowedImageMIME: envList("ALLOWED_IMAGE_MIME", []string{"image/png", "image/jpeg", "image/webp", "image/gif"}),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

// Validate fails fast on configuration that would make the server
// insecure or non-functional.
func (c *Config) Validate() error {
	if c.AdminToken == "" {
		return errMissing("ADMIN_TOKEN")
	}
	if c.BackendURL == "" {
		return errMissing("BACKEND_URL")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
