package factory

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opd-ai/codedrop/code"
	"github.com/opd-ai/codedrop/interfaces"
	"github.com/opd-ai/codedrop/limits"
	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
)

// Validation constants for configuration bounds checking.
const (
	// MinNetworkTimeout is the minimum allowed network timeout in milliseconds.
	MinNetworkTimeout = 100
	// MaxNetworkTimeout is the maximum allowed network timeout in milliseconds (10 minutes).
	MaxNetworkTimeout = 600000
	// MinRetryAttempts is the minimum allowed retry attempts.
	MinRetryAttempts = 0
	// MaxRetryAttempts is the maximum allowed retry attempts.
	MaxRetryAttempts = 100
)

// Transport kinds accepted in TransportConfig.Kind.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
	TransportMemory    = "memory"
)

// CodeConfig selects the rendezvous code format.
type CodeConfig struct {
	Alphabet string `toml:"alphabet"`
	Length   int    `toml:"length"`
}

// DirectoryConfig is the file form of interfaces.DirectoryConfig.
type DirectoryConfig struct {
	Backend          string `toml:"backend"`
	URL              string `toml:"url"`
	Path             string `toml:"path"`
	TTLMs            int64  `toml:"ttl_ms"`
	RequestTimeoutMs int64  `toml:"request_timeout_ms"`
	RetryAttempts    int    `toml:"retry_attempts"`
}

// TransportConfig selects how sessions are established.
type TransportConfig struct {
	Kind          string   `toml:"kind"`
	ListenAddress string   `toml:"listen_address"`
	AdvertiseHost string   `toml:"advertise_host"`
	UseSTUN       bool     `toml:"use_stun"`
	STUNServers   []string `toml:"stun_servers"`
	// UseUPnP asks the gateway to forward the listener's TCP port.
	UseUPnP bool `toml:"use_upnp"`
	// UPnPLeaseMs is the requested mapping lifetime; zero is permanent.
	UPnPLeaseMs int64 `toml:"upnp_lease_ms"`
	// ConnectTimeoutMs bounds the receiver's connect phase.
	ConnectTimeoutMs int64 `toml:"connect_timeout_ms"`
}

// TransferConfig tunes the send side.
type TransferConfig struct {
	ChunkSize       int   `toml:"chunk_size"`
	ChunkIntervalMs int64 `toml:"chunk_interval_ms"`
	// CloseGraceMs is how long a sender waits for the receiver to close
	// after set-complete.
	CloseGraceMs int64 `toml:"close_grace_ms"`
}

// ShareConfig controls connect link generation.
type ShareConfig struct {
	LinkBase string `toml:"link_base"`
}

// Config is the complete client configuration.
type Config struct {
	LogLevel  string          `toml:"log_level"`
	Code      CodeConfig      `toml:"code"`
	Directory DirectoryConfig `toml:"directory"`
	Transport TransportConfig `toml:"transport"`
	Transfer  TransferConfig  `toml:"transfer"`
	Share     ShareConfig     `toml:"share"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
//
// Default Value Rationale:
//   - Directory: process-local memory backend, so a client works in-process
//     without any service
//   - RequestTimeout: 5000ms with 3 retries for remote directories
//   - Transport: TCP on an ephemeral port
//   - ConnectTimeout: 10000ms, seconds rather than minutes
//   - ChunkSize: 16 KiB, the low end of typical channel buffers
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Code: CodeConfig{
			Alphabet: code.Numeric.String(),
			Length:   code.DefaultLength,
		},
		Directory: DirectoryConfig{
			Backend:          interfaces.BackendMemory,
			RequestTimeoutMs: 5000,
			RetryAttempts:    3,
		},
		Transport: TransportConfig{
			Kind:             TransportTCP,
			ListenAddress:    ":0",
			ConnectTimeoutMs: 10000,
			UPnPLeaseMs:      3600000,
		},
		Transfer: TransferConfig{
			ChunkSize:    limits.DefaultChunkSize,
			CloseGraceMs: 5000,
		},
		Share: ShareConfig{
			LinkBase: "codedrop://receive",
		},
	}
}

// LoadConfig builds a configuration from defaults, the TOML file at path
// (skipped when path is empty) and the environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logConfigurationInfo(cfg)
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if _, err := code.ParseAlphabet(c.Code.Alphabet); err != nil {
		return err
	}
	if c.Code.Length < code.MinLength || c.Code.Length > code.MaxLength {
		return fmt.Errorf("code length %d not in [%d, %d]", c.Code.Length, code.MinLength, code.MaxLength)
	}
	if err := c.DirectoryConfig().Validate(); err != nil {
		return err
	}
	switch c.Transport.Kind {
	case TransportTCP, TransportWebSocket, TransportMemory:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport.Kind)
	}
	if c.Transport.ConnectTimeoutMs < 0 || c.Transport.UPnPLeaseMs < 0 ||
		c.Transfer.ChunkIntervalMs < 0 || c.Transfer.CloseGraceMs < 0 {
		return interfaces.ErrInvalidTimeout
	}
	if err := limits.ValidateChunkSize(c.Transfer.ChunkSize); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// DirectoryConfig converts the directory section to its runtime form.
func (c *Config) DirectoryConfig() interfaces.DirectoryConfig {
	return interfaces.DirectoryConfig{
		Backend:        c.Directory.Backend,
		TTL:            time.Duration(c.Directory.TTLMs) * time.Millisecond,
		Path:           c.Directory.Path,
		URL:            c.Directory.URL,
		RequestTimeout: time.Duration(c.Directory.RequestTimeoutMs) * time.Millisecond,
		RetryAttempts:  c.Directory.RetryAttempts,
	}
}

// ConnectTimeout returns the receiver's connect phase bound.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Transport.ConnectTimeoutMs) * time.Millisecond
}

// ChunkInterval returns the optional pause between chunks.
func (c *Config) ChunkInterval() time.Duration {
	return time.Duration(c.Transfer.ChunkIntervalMs) * time.Millisecond
}

// CloseGrace returns how long a sender lingers after set-complete.
func (c *Config) CloseGrace() time.Duration {
	return time.Duration(c.Transfer.CloseGraceMs) * time.Millisecond
}

// applyEnvironmentOverrides updates configuration based on environment variables.
// It checks for CODEDROP_* environment variables and overrides values if valid ones are found.
func applyEnvironmentOverrides(cfg *Config) {
	parseStringSetting("CODEDROP_CODE_ALPHABET", &cfg.Code.Alphabet)
	parseIntSetting("CODEDROP_CODE_LENGTH", code.MinLength, code.MaxLength, &cfg.Code.Length)

	parseStringSetting("CODEDROP_DIRECTORY_BACKEND", &cfg.Directory.Backend)
	parseStringSetting("CODEDROP_DIRECTORY_URL", &cfg.Directory.URL)
	parseStringSetting("CODEDROP_DIRECTORY_PATH", &cfg.Directory.Path)
	parseInt64Setting("CODEDROP_DIRECTORY_TTL", 0, 365*24*3600*1000, &cfg.Directory.TTLMs)
	parseInt64Setting("CODEDROP_NETWORK_TIMEOUT", MinNetworkTimeout, MaxNetworkTimeout, &cfg.Directory.RequestTimeoutMs)
	parseIntSetting("CODEDROP_RETRY_ATTEMPTS", MinRetryAttempts, MaxRetryAttempts, &cfg.Directory.RetryAttempts)

	parseStringSetting("CODEDROP_TRANSPORT", &cfg.Transport.Kind)
	parseStringSetting("CODEDROP_LISTEN_ADDRESS", &cfg.Transport.ListenAddress)
	parseStringSetting("CODEDROP_ADVERTISE_HOST", &cfg.Transport.AdvertiseHost)
	parseBoolSetting("CODEDROP_USE_STUN", &cfg.Transport.UseSTUN)
	parseListSetting("CODEDROP_STUN_SERVERS", &cfg.Transport.STUNServers)
	parseBoolSetting("CODEDROP_USE_UPNP", &cfg.Transport.UseUPnP)
	parseInt64Setting("CODEDROP_UPNP_LEASE", 0, 7*24*3600*1000, &cfg.Transport.UPnPLeaseMs)
	parseInt64Setting("CODEDROP_CONNECT_TIMEOUT", MinNetworkTimeout, MaxNetworkTimeout, &cfg.Transport.ConnectTimeoutMs)

	parseIntSetting("CODEDROP_CHUNK_SIZE", limits.MinChunkSize, limits.MaxChunkSize, &cfg.Transfer.ChunkSize)
	parseInt64Setting("CODEDROP_CHUNK_INTERVAL", 0, MaxNetworkTimeout, &cfg.Transfer.ChunkIntervalMs)
	parseInt64Setting("CODEDROP_CLOSE_GRACE", 0, MaxNetworkTimeout, &cfg.Transfer.CloseGraceMs)

	parseStringSetting("CODEDROP_LOG_LEVEL", &cfg.LogLevel)
}

// parseStringSetting copies a non-empty environment variable into target.
func parseStringSetting(envVar string, target *string) {
	if value := os.Getenv(envVar); value != "" {
		*target = value
	}
}

// parseListSetting splits a comma-separated environment variable into
// target, dropping empty entries. A value with no entries is ignored.
func parseListSetting(envVar string, target *[]string) {
	value := os.Getenv(envVar)
	if value == "" {
		return
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "parseListSetting",
			"env_var":  envVar,
			"value":    value,
		}).Warn("Environment variable has no entries, using default")
		return
	}
	*target = items
}

// parseBoolSetting updates target from envVar. It logs a warning if parsing
// fails and only updates target if parsing succeeds.
func parseBoolSetting(envVar string, target *bool) {
	value := os.Getenv(envVar)
	if value == "" {
		return
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseBoolSetting",
			"env_var":     envVar,
			"value":       value,
			"error":       err.Error(),
			"using_value": *target,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	*target = parsed
}

// parseIntSetting updates target from envVar when the value parses and
// lies within [lo, hi]. Invalid values are logged and ignored.
func parseIntSetting(envVar string, lo, hi int, target *int) {
	value := os.Getenv(envVar)
	if value == "" {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseIntSetting",
			"env_var":     envVar,
			"value":       value,
			"error":       err.Error(),
			"using_value": *target,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	if parsed < lo || parsed > hi {
		logrus.WithFields(logrus.Fields{
			"function":    "parseIntSetting",
			"env_var":     envVar,
			"value":       parsed,
			"min":         lo,
			"max":         hi,
			"using_value": *target,
		}).Warn("Environment variable out of bounds, using default")
		return
	}
	*target = parsed
}

// parseInt64Setting is parseIntSetting for millisecond fields.
func parseInt64Setting(envVar string, lo, hi int64, target *int64) {
	value := os.Getenv(envVar)
	if value == "" {
		return
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseInt64Setting",
			"env_var":     envVar,
			"value":       value,
			"error":       err.Error(),
			"using_value": *target,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	if parsed < lo || parsed > hi {
		logrus.WithFields(logrus.Fields{
			"function":    "parseInt64Setting",
			"env_var":     envVar,
			"value":       parsed,
			"min":         lo,
			"max":         hi,
			"using_value": *target,
		}).Warn("Environment variable out of bounds, using default")
		return
	}
	*target = parsed
}

// logConfigurationInfo logs the effective configuration.
func logConfigurationInfo(cfg *Config) {
	logrus.WithFields(logrus.Fields{
		"function":          "LoadConfig",
		"code_alphabet":     cfg.Code.Alphabet,
		"code_length":       cfg.Code.Length,
		"directory_backend": cfg.Directory.Backend,
		"transport":         cfg.Transport.Kind,
		"use_stun":          cfg.Transport.UseSTUN,
		"use_upnp":          cfg.Transport.UseUPnP,
		"chunk_size":        cfg.Transfer.ChunkSize,
	}).Info("Configuration loaded")
}
