package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBFile      string
	AdminAddr   string
	APIAddr     string
	BaseURL     string
	AuthSecret  string
	TokenExpiry time.Duration

	// Connection lifecycle.
	AuthTimeout      time.Duration
	SendBuffer       int
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	MaxFrameSize     int64
	MaxContentLength int
	AllowedOrigins   []string

	AdminPasswordHash string
	// AdminPassword is only read by CLI commands talking to the admin API.
	AdminPassword string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	LogLevel string
	Env      string
}

// Load reads configuration from the environment. Values from the dotenv file
// named by ENV_FILE (".env" by default) are applied first and never override
// variables that are already set.
func Load(cliMode bool) (*Config, error) {
	if err := godotenv.Load(getEnv("ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	var err error
	cfg := &Config{
		DBFile:            getEnv("COURIER_DB", "courier.db"),
		AdminAddr:         getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:           getEnv("API_ADDR", ":8080"),
		BaseURL:           getEnv("BASE_URL", "http://localhost:8080"),
		AuthSecret:        os.Getenv("AUTH_SECRET"),
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		AdminPassword:     os.Getenv("ADMIN_PASSWORD"),
		AllowedOrigins:    splitList(os.Getenv("ALLOWED_ORIGINS")),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisPrefix:       getEnv("REDIS_PREFIX", "courier:"),
		VAPIDPublicKey:    os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:   os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubject:      getEnv("VAPID_SUBJECT", "mailto:admin@localhost"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		Env:               getEnv("ENV", "PROD"),
	}

	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"TOKEN_EXPIRY", "24h", &cfg.TokenExpiry},
		{"AUTH_TIMEOUT", "10s", &cfg.AuthTimeout},
		{"WRITE_TIMEOUT", "10s", &cfg.WriteTimeout},
		{"PING_INTERVAL", "54s", &cfg.PingInterval},
		{"PONG_TIMEOUT", "60s", &cfg.PongTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(getEnv(d.key, d.fallback)); err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
	}

	if cfg.SendBuffer, err = strconv.Atoi(getEnv("SEND_BUFFER", "256")); err != nil {
		return nil, fmt.Errorf("SEND_BUFFER: %w", err)
	}
	if cfg.MaxContentLength, err = strconv.Atoi(getEnv("MAX_CONTENT_LENGTH", "4000")); err != nil {
		return nil, fmt.Errorf("MAX_CONTENT_LENGTH: %w", err)
	}
	if cfg.MaxFrameSize, err = strconv.ParseInt(getEnv("MAX_FRAME_SIZE", "65536"), 10, 64); err != nil {
		return nil, fmt.Errorf("MAX_FRAME_SIZE: %w", err)
	}
	if cfg.RedisDB, err = strconv.Atoi(getEnv("REDIS_DB", "0")); err != nil {
		return nil, fmt.Errorf("REDIS_DB: %w", err)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.AuthTimeout <= 0 {
		return fmt.Errorf("AUTH_TIMEOUT must be greater than 0")
	}

	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be greater than 0")
	}

	if c.PongTimeout <= c.PingInterval {
		return fmt.Errorf("PONG_TIMEOUT (%s) must be greater than PING_INTERVAL (%s)", c.PongTimeout, c.PingInterval)
	}

	if c.MaxContentLength <= 0 {
		return fmt.Errorf("MAX_CONTENT_LENGTH must be greater than 0")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

// PushEnabled reports whether Web Push credentials are configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
