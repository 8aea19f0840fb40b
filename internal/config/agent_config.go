// Package config loads the Agent's connection configuration: seed
// addresses, TLS, authenticator selection, pool sizing, and poll intervals
// (SPEC_FULL.md §4.13, §4.18), the way the teacher's internal/config.Config
// is built from viper-bound env vars and an optional file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// TLSConfig carries the observable TLS options (spec.md §6.4).
type TLSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	RootCAFile    string `mapstructure:"root_ca_file"`
	AcceptAllCerts bool  `mapstructure:"accept_all_certs"`
	ClientCertFile string `mapstructure:"client_cert_file"`
	ClientKeyFile  string `mapstructure:"client_key_file"`
}

// AuthConfig selects and parameterizes the Authenticator (spec.md §6.4,
// §9 "Authenticator polymorphism").
type AuthConfig struct {
	// Mechanism is "password" or "certificate".
	Mechanism string `mapstructure:"mechanism" validate:"required,oneof=password certificate"`
	Username  string `mapstructure:"username" validate:"required_if=Mechanism password"`
	Password  string `mapstructure:"password"`
}

// CompressionConfig mirrors spec.md §6.4's defaults.
type CompressionConfig struct {
	MinSize  int     `mapstructure:"min_size"`
	MinRatio float64 `mapstructure:"min_ratio"`
}

// KVConfig bounds KV pool sizing and timeouts (spec.md §6.4).
type KVConfig struct {
	NumConnections         int           `mapstructure:"num_connections" validate:"min=1"`
	ConnectTimeout         time.Duration `mapstructure:"connect_timeout"`
	ConnectThrottlePeriod  time.Duration `mapstructure:"connect_throttle_period"`
	BootstrapTimeout       time.Duration `mapstructure:"bootstrap_timeout"`
}

// HTTPConfig bounds the shared HTTP client's pooling (spec.md §6.4).
type HTTPConfig struct {
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_connections_per_host" validate:"min=1"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_connection_timeout"`
	TCPKeepAlive        time.Duration `mapstructure:"tcp_keep_alive"`
	MaxRedirects        int           `mapstructure:"max_redirects"`
}

// DistributedCoordinationConfig configures the optional Redis-backed
// cross-process coalescing backend (SPEC_FULL.md §4.14).
type DistributedCoordinationConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	RedisURL string `mapstructure:"redis_url" validate:"required_if=Enabled true"`
}

// LogConfig mirrors internal/logging.Config's shape for a single source of
// truth under viper.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AgentConfig is the root operator-supplied configuration for one Agent
// (SPEC_FULL.md §4.13, §4.18).
type AgentConfig struct {
	// SeedAddresses is a plain host:port list, resolved as-is (SPEC_FULL.md
	// §4.18 — no Kubernetes-specific discovery).
	SeedAddresses []string `mapstructure:"seed_addresses" validate:"required,min=1,dive,hostname_port"`
	BucketName    string   `mapstructure:"bucket_name"`

	TLS         TLSConfig                     `mapstructure:"tls"`
	Auth        AuthConfig                     `mapstructure:"auth" validate:"required"`
	Compression CompressionConfig              `mapstructure:"compression"`
	KV          KVConfig                       `mapstructure:"kv"`
	HTTP        HTTPConfig                     `mapstructure:"http"`
	Coordination DistributedCoordinationConfig `mapstructure:"coordination"`
	Log         LogConfig                      `mapstructure:"log"`

	ConfigPollInterval time.Duration `mapstructure:"config_poll_interval"`
}

// Load reads configPath (if non-empty) and environment variables (prefixed
// GOCBCOREX_, with "." replaced by "_") into an AgentConfig, applying
// defaults first and validating the result.
func Load(configPath string) (*AgentConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GOCBCOREX")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: failed to read config file: %w", err)
			}
		}
	}

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bucket_name", "")
	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.accept_all_certs", false)
	v.SetDefault("auth.mechanism", "password")
	v.SetDefault("compression.min_size", 32)
	v.SetDefault("compression.min_ratio", 0.83)
	v.SetDefault("kv.num_connections", 1)
	v.SetDefault("kv.connect_timeout", "10s")
	v.SetDefault("kv.connect_throttle_period", "5s")
	v.SetDefault("kv.bootstrap_timeout", "7s")
	v.SetDefault("http.max_idle_connections_per_host", 32)
	v.SetDefault("http.idle_connection_timeout", "1s")
	v.SetDefault("http.tcp_keep_alive", "30s")
	v.SetDefault("http.max_redirects", 10)
	v.SetDefault("coordination.enabled", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("config_poll_interval", "2500ms")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("hostname_port", validateHostnamePort)
	return v
}

func validateHostnamePort(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	idx := strings.LastIndex(s, ":")
	return idx > 0 && idx < len(s)-1
}

// Validate runs struct-tag validation over cfg (SPEC_FULL.md §4.13:
// go-playground/validator/v10 applied to operator-supplied connection
// config, the same library the teacher uses for request validation).
func Validate(cfg *AgentConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if cfg.Auth.Mechanism == "certificate" && cfg.TLS.ClientCertFile == "" {
		return fmt.Errorf("auth.mechanism=certificate requires tls.client_cert_file")
	}
	return nil
}
