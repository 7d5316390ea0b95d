package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type TransportMode string

const (
	TransportStdio TransportMode = "stdio"
	TransportHTTP  TransportMode = "http"
)

const defaultEnvFile = "env.dbx-sql"

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	Transport     TransportConfig
	Warehouse     WarehouseConfig
	Pool          PoolConfig
	Limits        LimitsConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name    string
	Version string
}

type TransportConfig struct {
	Mode              TransportMode
	Address           string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

type WarehouseConfig struct {
	ServerHostname string
	HTTPPath       string
	AccessToken    string
	Port           int
}

// LogValue keeps the access token out of log output.
func (c WarehouseConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("server_hostname", c.ServerHostname),
		slog.String("http_path", c.HTTPPath),
		slog.String("access_token", "[redacted]"),
		slog.Int("port", c.Port),
	)
}

type PoolConfig struct {
	Size           int
	AcquireTimeout time.Duration
	QueueDepth     int
	IdleCeiling    time.Duration
	DialTimeout    time.Duration
	ProbeTimeout   time.Duration
	SweepInterval  time.Duration
}

type LimitsConfig struct {
	DefaultStatementTimeout time.Duration
	MaxStatementTimeout     time.Duration
	DefaultRowLimit         int
	MaxRowLimit             int
	MaxResultBytes          int64
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required bool
	Tokens   string
}

// LoadFromEnv loads the optional dotenv credentials file before reading the
// process environment. The default file name matches the demo's env.dbx-sql.
func LoadFromEnv(serviceName string) (Config, error) {
	envFile := defaultEnvFile
	if raw, ok := os.LookupEnv("SQLBRIDGE_ENV_FILE"); ok {
		envFile = strings.TrimSpace(raw)
	}
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return Config{}, fmt.Errorf("load env file %q: %w", envFile, err)
			}
		}
	}
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("SQLBRIDGE_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid SQLBRIDGE_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, "SQLBRIDGE_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SQLBRIDGE_SERVICE_VERSION", &cfg.Service.Version); err != nil {
		return Config{}, err
	}
	if err := applyTransportMode(lookup, "SQLBRIDGE_TRANSPORT", &cfg.Transport.Mode); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SQLBRIDGE_HTTP_ADDR", &cfg.Transport.Address); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLBRIDGE_HTTP_READ_TIMEOUT", &cfg.Transport.ReadTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLBRIDGE_HTTP_WRITE_TIMEOUT", &cfg.Transport.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLBRIDGE_HTTP_IDLE_TIMEOUT", &cfg.Transport.IdleTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLBRIDGE_HTTP_READ_HEADER_TIMEOUT", &cfg.Transport.ReadHeaderTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLBRIDGE_SHUTDOWN_TIMEOUT", &cfg.Transport.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DATABRICKS_SERVER_HOSTNAME", &cfg.Warehouse.ServerHostname); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DATABRICKS_HTTP_PATH", &cfg.Warehouse.HTTPPath); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DATABRICKS_ACCESS_TOKEN", &cfg.Warehouse.AccessToken); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "DATABRICKS_PORT", &cfg.Warehouse.Port); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLBRIDGE_POOL_SIZE", &cfg.Pool.Size); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLBRIDGE_POOL_ACQUIRE_TIMEOUT", &cfg.Pool.AcquireTimeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLBRIDGE_POOL_QUEUE_DEPTH", &cfg.Pool.QueueDepth); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLBRIDGE_POOL_IDLE_CEILING", &cfg.Pool.IdleCeiling); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLBRIDGE_POOL_DIAL_TIMEOUT", &cfg.Pool.DialTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLBRIDGE_POOL_PROBE_TIMEOUT", &cfg.Pool.ProbeTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLBRIDGE_POOL_SWEEP_INTERVAL", &cfg.Pool.SweepInterval); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLBRIDGE_STATEMENT_TIMEOUT", &cfg.Limits.DefaultStatementTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLBRIDGE_MAX_STATEMENT_TIMEOUT", &cfg.Limits.MaxStatementTimeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLBRIDGE_ROW_LIMIT", &cfg.Limits.DefaultRowLimit); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLBRIDGE_MAX_ROW_LIMIT", &cfg.Limits.MaxRowLimit); err != nil {
		return Config{}, err
	}
	if err := applyInt64(lookup, "SQLBRIDGE_MAX_RESULT_BYTES", &cfg.Limits.MaxResultBytes); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "SQLBRIDGE_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "SQLBRIDGE_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "SQLBRIDGE_AUTH_REQUIRED", &cfg.Auth.Required); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SQLBRIDGE_AUTH_TOKENS", &cfg.Auth.Tokens); err != nil {
		return Config{}, err
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if cfg.Warehouse.ServerHostname == "" {
		return fmt.Errorf("DATABRICKS_SERVER_HOSTNAME is required")
	}
	if cfg.Warehouse.HTTPPath == "" {
		return fmt.Errorf("DATABRICKS_HTTP_PATH is required")
	}
	if cfg.Warehouse.AccessToken == "" {
		return fmt.Errorf("DATABRICKS_ACCESS_TOKEN is required")
	}
	if cfg.Transport.Mode == TransportHTTP && cfg.Transport.Address == "" {
		return fmt.Errorf("http address is required")
	}
	if cfg.Pool.Size < 1 {
		return fmt.Errorf("pool size must be at least 1")
	}
	if cfg.Pool.QueueDepth < 0 {
		return fmt.Errorf("pool queue depth must not be negative")
	}
	if cfg.Limits.MaxRowLimit < cfg.Limits.DefaultRowLimit {
		return fmt.Errorf("max row limit must not be below the default row limit")
	}
	if cfg.Limits.MaxStatementTimeout < cfg.Limits.DefaultStatementTimeout {
		return fmt.Errorf("max statement timeout must not be below the default statement timeout")
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "sqlbridge-mcp", Version: "dev"},
		Transport: TransportConfig{
			Mode:              TransportStdio,
			Address:           ":8080",
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Pool: PoolConfig{
			Size:           4,
			AcquireTimeout: 15 * time.Second,
			QueueDepth:     16,
			IdleCeiling:    5 * time.Minute,
			DialTimeout:    30 * time.Second,
			ProbeTimeout:   3 * time.Second,
			SweepInterval:  time.Minute,
		},
		Limits: LimitsConfig{
			DefaultStatementTimeout: 30 * time.Second,
			MaxStatementTimeout:     2 * time.Minute,
			DefaultRowLimit:         1000,
			MaxRowLimit:             10000,
			MaxResultBytes:          4 << 20,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required: false,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.Transport.Mode = TransportHTTP
		cfg.Transport.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
	case ProfileProd:
		cfg.Transport.Mode = TransportHTTP
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyTransportMode(lookup LookupFunc, key string, dst *TransportMode) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	mode := TransportMode(strings.ToLower(strings.TrimSpace(raw)))
	switch mode {
	case TransportStdio, TransportHTTP:
		*dst = mode
		return nil
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt64(lookup LookupFunc, key string, dst *int64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
