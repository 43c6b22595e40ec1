package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr    string
	PublicURL   string // base URL Canvas reaches us at, e.g. https://livelearn.example.com
	FrontendURL string // SPA base the launch flow redirects to

	DBDriver string
	DBDSN    string

	BlobBasePath string // question images

	AuthHMACSecret string
	AuthTokenTTL   time.Duration

	AdminUser     string
	AdminPassHash string // bcrypt

	CORSOrigins []string

	// Optional; sessions are kept in SQL when empty.
	RedisURL string

	LogLevel  string
	LogFormat string

	RateLimitPerMin int
	CanvasTimeout   time.Duration
	EnableMetrics   bool

	ToolTitle       string
	ToolDescription string
}

// FromEnv reads configuration from the process environment. A .env file in
// the working directory is loaded first when present; real env vars win.
func FromEnv() Config {
	_ = godotenv.Load()

	pub := strings.TrimSuffix(os.Getenv("PUBLIC_URL"), "/")
	if pub == "" {
		pub = "http://localhost:8080"
	}
	return Config{
		HTTPAddr:    envOr("HTTP_ADDR", ":8080"),
		PublicURL:   pub,
		FrontendURL: strings.TrimSuffix(envOr("FRONTEND_URL", "http://localhost:3000"), "/"),

		DBDriver:     envOr("DB_DRIVER", "sqlite"),
		DBDSN:        envOr("DB_DSN", ""),
		BlobBasePath: envOr("BLOB_BASE_PATH", "./data"),

		AuthHMACSecret: envOr("AUTH_HMAC_SECRET", "livelearn-dev-secret"),
		AuthTokenTTL:   envDuration("AUTH_TOKEN_TTL", 8*time.Hour),

		AdminUser:     envOr("ADMIN_USER", "admin"),
		AdminPassHash: os.Getenv("ADMIN_PASS_HASH"),

		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000"),
		RedisURL:    os.Getenv("REDIS_URL"),

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "json"),

		RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 120),
		CanvasTimeout:   envDuration("CANVAS_TIMEOUT", 15*time.Second),
		EnableMetrics:   envBool("ENABLE_METRICS", true),

		ToolTitle:       envOr("LTI_TOOL_TITLE", "LiveLearn"),
		ToolDescription: envOr("LTI_TOOL_DESCRIPTION", "Live classroom polls with gradebook sync"),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func envInt(k string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(k)); err == nil {
		return n
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(k)); err == nil && d > 0 {
		return d
	}
	return def
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
