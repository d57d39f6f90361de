package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigFileEnv names an optional dotenv-style file layered under the environment.
const ConfigFileEnv = "DINOX_CONFIG_FILE"

// Config holds everything the gateway needs at startup.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	DinoXToken        string
	DinoXBaseURL      string
	DinoXModel        string
	DinoXPollAttempts int
	DinoXPollInterval time.Duration
	DinoXHTTPTimeout  time.Duration
	DinoXFailOpen     bool

	DatabaseDSN string
	RedisAddr   string

	JWTSecret   string
	JWTAudience string
}

func defaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DINOX_BASE_URL", "https://api.deepdataspace.com/v2")
	v.SetDefault("DINOX_MODEL", "DINO-X-1.0")
	v.SetDefault("DINOX_POLL_ATTEMPTS", 30)
	v.SetDefault("DINOX_POLL_INTERVAL", time.Second)
	v.SetDefault("DINOX_HTTP_TIMEOUT", 60*time.Second)
	v.SetDefault("DINOX_FAIL_OPEN", true)
	v.SetDefault("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=dinox port=5432 sslmode=disable")
	v.SetDefault("REDIS_ADDR", "redis:6379")
	v.SetDefault("JWT_SECRET", "dev-secret")
}

// Load reads configuration from the environment, falling back to the file
// named by DINOX_CONFIG_FILE and then to built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	if path := strings.TrimSpace(os.Getenv(ConfigFileEnv)); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		HTTPAddr:          v.GetString("HTTP_ADDR"),
		GRPCAddr:          v.GetString("GRPC_ADDR"),
		DinoXToken:        strings.TrimSpace(v.GetString("DINOX_API_TOKEN")),
		DinoXBaseURL:      strings.TrimRight(v.GetString("DINOX_BASE_URL"), "/"),
		DinoXModel:        v.GetString("DINOX_MODEL"),
		DinoXPollAttempts: v.GetInt("DINOX_POLL_ATTEMPTS"),
		DinoXPollInterval: v.GetDuration("DINOX_POLL_INTERVAL"),
		DinoXHTTPTimeout:  v.GetDuration("DINOX_HTTP_TIMEOUT"),
		DinoXFailOpen:     v.GetBool("DINOX_FAIL_OPEN"),
		DatabaseDSN:       v.GetString("DATABASE_DSN"),
		RedisAddr:         v.GetString("REDIS_ADDR"),
		JWTSecret:         v.GetString("JWT_SECRET"),
		JWTAudience:       v.GetString("JWT_AUDIENCE"),
	}

	if cfg.DinoXPollAttempts <= 0 {
		return nil, fmt.Errorf("DINOX_POLL_ATTEMPTS must be positive, got %d", cfg.DinoXPollAttempts)
	}
	if cfg.DinoXPollInterval < 0 {
		return nil, fmt.Errorf("DINOX_POLL_INTERVAL must not be negative, got %s", cfg.DinoXPollInterval)
	}
	return cfg, nil
}
