package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Client    ClientConfig    `yaml:"client" envconfig:"CLIENT"`
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ClientConfig configures the open flow and its activation client
type ClientConfig struct {
	ServiceURL      string        `yaml:"service_url" envconfig:"SERVICE_URL"`
	Timeout         time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	Retry           RetryConfig   `yaml:"retry" envconfig:"RETRY"`
	MaxEnvelopeSize int64         `yaml:"max_envelope_size" envconfig:"MAX_ENVELOPE_SIZE"`
	SignalTimeout   time.Duration `yaml:"signal_timeout" envconfig:"SIGNAL_TIMEOUT"`
	CertificatePins []string      `yaml:"certificate_pins" envconfig:"CERTIFICATE_PINS"`
	CACertFile      string        `yaml:"ca_cert_file" envconfig:"CA_CERT_FILE"`
	// ReleaseSigningSecret enables verification of key-release signatures
	ReleaseSigningSecret string `yaml:"release_signing_secret" envconfig:"RELEASE_SIGNING_SECRET"`
}

// RetryConfig controls retries of transport failures
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	InitialDelay time.Duration `yaml:"initial_delay" envconfig:"INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" envconfig:"MAX_DELAY"`
	Multiplier   float64       `yaml:"multiplier" envconfig:"MULTIPLIER"`
}

// ServerConfig contains HTTP server configuration for the activation service
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	MaxBodySize     int64         `yaml:"max_body_size" envconfig:"MAX_BODY_SIZE"`
	MaxUploadSize   int64         `yaml:"max_upload_size" envconfig:"MAX_UPLOAD_SIZE"`
	TLSCertFile     string        `yaml:"tls_cert_file" envconfig:"TLS_CERT_FILE"`
	TLSKeyFile      string        `yaml:"tls_key_file" envconfig:"TLS_KEY_FILE"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig locates the activation database and the secret that seals
// content keys at rest
type StorageConfig struct {
	Path   string `yaml:"path" envconfig:"DB_PATH"`
	Secret string `yaml:"secret" envconfig:"SECRET"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	// AdminAPIKeys enables the /admin routes when non-empty
	AdminAPIKeys []string `yaml:"admin_api_keys" envconfig:"ADMIN_API_KEYS"`
	// TrustedProxies lists the peers (addresses or CIDRs) whose
	// X-Forwarded-For and X-Real-IP headers are honored. Empty trusts none.
	TrustedProxies []string `yaml:"trusted_proxies" envconfig:"TRUSTED_PROXIES"`
	// ReleaseSigningSecret makes the service sign every released key
	ReleaseSigningSecret string `yaml:"release_signing_secret" envconfig:"RELEASE_SIGNING_SECRET"`
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address becomes a
// single-host prefix.
func (s SecurityConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, entry := range s.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// RateLimitConfig contains rate limiting configuration for activation routes
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// TelemetryConfig selects the OpenTelemetry exporters
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Tracing     string `yaml:"tracing" envconfig:"TRACING"` // stdout|none
	Metrics     string `yaml:"metrics" envconfig:"METRICS"` // prometheus|none
}

// Load builds the configuration from defaults, the YAML file (if any) and
// BYBX_* environment variables, in increasing precedence
func Load() (*Config, error) {
	cfg := Default()

	if path := getConfigFilePath(); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadFile builds the configuration from defaults and a single YAML file,
// without consulting the environment
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile overlays the YAML file at path on c. Keys missing from the file
// keep their current value.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, c)
}

// Validate checks the settings shared by every binary
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Client.ServiceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("client.service_url %q must be an http(s) URL", c.Client.ServiceURL))
	}
	if c.Client.Timeout <= 0 {
		errs = append(errs, errors.New("client.timeout must be positive"))
	}
	if c.Client.SignalTimeout <= 0 {
		errs = append(errs, errors.New("client.signal_timeout must be positive"))
	}
	if c.Client.MaxEnvelopeSize <= 0 {
		errs = append(errs, errors.New("client.max_envelope_size must be positive"))
	}
	if r := c.Client.Retry; r.MaxAttempts < 1 || r.Multiplier < 1 || r.InitialDelay < 0 || r.MaxDelay < r.InitialDelay {
		errs = append(errs, errors.New("client.retry needs max_attempts >= 1, multiplier >= 1 and max_delay >= initial_delay"))
	}
	if n := len(c.Client.ReleaseSigningSecret); n > 0 && n < MinSigningSecretLength {
		errs = append(errs, fmt.Errorf("client.release_signing_secret must be at least %d bytes", MinSigningSecretLength))
	}
	for _, pin := range c.Client.CertificatePins {
		if len(pin) != 64 {
			errs = append(errs, fmt.Errorf("client.certificate_pins: %q is not a hex SHA-256", pin))
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		errs = append(errs, fmt.Errorf("logging.output %q is not one of console, file, both", c.Logging.Output))
	}
	if c.Logging.Output != "console" && c.Logging.FilePath == "" {
		errs = append(errs, errors.New("logging.file_path is required when logging to a file"))
	}
	// JSON is the only log format
	c.Logging.Format = "json"

	switch c.Telemetry.Tracing {
	case "stdout", "none":
	default:
		errs = append(errs, fmt.Errorf("telemetry.tracing %q is not one of stdout, none", c.Telemetry.Tracing))
	}
	switch c.Telemetry.Metrics {
	case "prometheus", "none":
	default:
		errs = append(errs, fmt.Errorf("telemetry.metrics %q is not one of prometheus, none", c.Telemetry.Metrics))
	}

	return errors.Join(errs...)
}

// ValidateServer additionally checks the activation service settings
func (c *Config) ValidateServer() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server read and write timeouts must be positive"))
	}
	if c.Server.MaxBodySize <= 0 {
		errs = append(errs, errors.New("server.max_body_size must be positive"))
	}
	if c.Server.MaxUploadSize <= 0 {
		errs = append(errs, errors.New("server.max_upload_size must be positive"))
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("server.tls_cert_file and server.tls_key_file must be set together"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if len(c.Storage.Secret) < MinStorageSecretLength {
		errs = append(errs, fmt.Errorf("storage.secret must be at least %d bytes", MinStorageSecretLength))
	}
	if c.Security.RateLimit.Enabled && (c.Security.RateLimit.RPS <= 0 || c.Security.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("security.rate_limit needs positive rps and burst when enabled"))
	}
	if n := len(c.Security.ReleaseSigningSecret); n > 0 && n < MinSigningSecretLength {
		errs = append(errs, fmt.Errorf("security.release_signing_secret must be at least %d bytes", MinSigningSecretLength))
	}
	if _, err := c.Security.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, fmt.Errorf("security.trusted_proxies: %w", err))
	}

	return errors.Join(errs...)
}

// getConfigFilePath returns the config file named by BYBX_CONFIG_FILE, or
// the first file found in the usual locations
func getConfigFilePath() string {
	if path := os.Getenv(EnvPrefix + "_CONFIG_FILE"); path != "" {
		return path
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			ServiceURL:      DefaultServiceURL,
			Timeout:         DefaultClientTimeout,
			MaxEnvelopeSize: DefaultMaxEnvelopeSize,
			SignalTimeout:   DefaultSignalTimeout,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
			},
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  30 * time.Second,
			MaxBodySize:     64 << 10,
			MaxUploadSize:   DefaultMaxEnvelopeSize,
		},
		Storage: StorageConfig{
			Path: DefaultStoragePath,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     10,
				Burst:   20,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/bybx.log",
		},
		Telemetry: TelemetryConfig{
			ServiceName: AppName,
			Tracing:     "none",
			Metrics:     "prometheus",
		},
	}
}
