package ice

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pion/logging"
	"gopkg.in/yaml.v3"

	"github.com/aethiopicuschan/tsunagu/stun"
)

const (
	defaultCheckInterval = 20 * time.Millisecond
	defaultReceiveQueue  = 64
)

// Config holds the settings of a Connection.
type Config struct {
	// Controlling is the initial role.
	Controlling bool

	// RoleNegotiation lets a role conflict be resolved by the tie-breaker
	// comparison. When false the role is fixed and conflicts fail Connect.
	RoleNegotiation bool

	// MaxRetries and RTO configure retransmission of every STUN request.
	MaxRetries int
	RTO        time.Duration

	// CheckInterval paces connectivity checks.
	CheckInterval time.Duration

	// STUNServer ("host:port") is queried for server-reflexive candidates.
	STUNServer string

	// Components is the number of components (1 for a single data stream).
	Components int

	// HostAddresses overrides interface enumeration.
	HostAddresses []net.IP

	// IPv6 enables IPv6 host candidates during interface enumeration.
	IPv6 bool

	// ReceiveQueue bounds the number of buffered inbound datagrams.
	ReceiveQueue int

	LoggerFactory logging.LoggerFactory
}

// Option configures a Connection.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		RoleNegotiation: true,
		MaxRetries:      stun.DefaultMaxRetries,
		RTO:             stun.DefaultRTO,
		CheckInterval:   defaultCheckInterval,
		Components:      1,
		ReceiveQueue:    defaultReceiveQueue,
	}
}

// WithControlling fixes the role. Combine with WithRoleNegotiation(true),
// placed after it, to use the role as a starting point only.
func WithControlling(controlling bool) Option {
	return func(c *Config) {
		c.Controlling = controlling
		c.RoleNegotiation = false
	}
}

func WithRoleNegotiation(enabled bool) Option {
	return func(c *Config) { c.RoleNegotiation = enabled }
}

func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

func WithRTO(d time.Duration) Option {
	return func(c *Config) { c.RTO = d }
}

func WithCheckInterval(d time.Duration) Option {
	return func(c *Config) { c.CheckInterval = d }
}

func WithSTUNServer(addr string) Option {
	return func(c *Config) { c.STUNServer = addr }
}

func WithComponents(n int) Option {
	return func(c *Config) { c.Components = n }
}

func WithHostAddresses(addrs ...net.IP) Option {
	return func(c *Config) { c.HostAddresses = append([]net.IP(nil), addrs...) }
}

func WithIPv6(enabled bool) Option {
	return func(c *Config) { c.IPv6 = enabled }
}

func WithReceiveQueue(n int) Option {
	return func(c *Config) { c.ReceiveQueue = n }
}

func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(c *Config) { c.LoggerFactory = f }
}

func (c *Config) validate() error {
	switch {
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: negative max retries", ErrImproperlyConfigured)
	case c.RTO <= 0:
		return fmt.Errorf("%w: rto must be positive", ErrImproperlyConfigured)
	case c.CheckInterval <= 0:
		return fmt.Errorf("%w: check interval must be positive", ErrImproperlyConfigured)
	case c.Components < 1 || c.Components > 256:
		return fmt.Errorf("%w: components must be within 1-256", ErrImproperlyConfigured)
	case c.ReceiveQueue < 1:
		return fmt.Errorf("%w: receive queue must be positive", ErrImproperlyConfigured)
	}
	return nil
}

// fileConfig is the YAML form of Config.
type fileConfig struct {
	Controlling     *bool         `yaml:"controlling"`
	RoleNegotiation *bool         `yaml:"role_negotiation"`
	MaxRetries      *int          `yaml:"max_retries"`
	RTO             time.Duration `yaml:"rto"`
	CheckInterval   time.Duration `yaml:"check_interval"`
	STUNServer      string        `yaml:"stun_server"`
	Components      int           `yaml:"components"`
	HostAddresses   []string      `yaml:"host_addresses"`
	IPv6            bool          `yaml:"ipv6"`
	ReceiveQueue    int           `yaml:"receive_queue"`
	LogLevel        string        `yaml:"log_level"`
}

// LoadConfigFile reads a YAML configuration file and returns the options it
// describes. Unset keys keep their defaults.
func LoadConfigFile(path string) ([]Option, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfigFile for an in-memory document.
func ParseConfig(data []byte) ([]Option, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("ice: parsing config: %w", err)
	}

	var opts []Option
	if fc.Controlling != nil {
		opts = append(opts, WithControlling(*fc.Controlling))
	}
	if fc.RoleNegotiation != nil {
		opts = append(opts, WithRoleNegotiation(*fc.RoleNegotiation))
	}
	if fc.MaxRetries != nil {
		opts = append(opts, WithMaxRetries(*fc.MaxRetries))
	}
	if fc.RTO != 0 {
		opts = append(opts, WithRTO(fc.RTO))
	}
	if fc.CheckInterval != 0 {
		opts = append(opts, WithCheckInterval(fc.CheckInterval))
	}
	if fc.STUNServer != "" {
		opts = append(opts, WithSTUNServer(fc.STUNServer))
	}
	if fc.Components != 0 {
		opts = append(opts, WithComponents(fc.Components))
	}
	if len(fc.HostAddresses) > 0 {
		ips := make([]net.IP, 0, len(fc.HostAddresses))
		for _, s := range fc.HostAddresses {
			ip := net.ParseIP(s)
			if ip == nil {
				return nil, fmt.Errorf("ice: parsing config: invalid host address %q", s)
			}
			ips = append(ips, ip)
		}
		opts = append(opts, WithHostAddresses(ips...))
	}
	if fc.IPv6 {
		opts = append(opts, WithIPv6(true))
	}
	if fc.ReceiveQueue != 0 {
		opts = append(opts, WithReceiveQueue(fc.ReceiveQueue))
	}
	if fc.LogLevel != "" {
		level, err := parseLogLevel(fc.LogLevel)
		if err != nil {
			return nil, err
		}
		factory := logging.NewDefaultLoggerFactory()
		factory.DefaultLogLevel = level
		opts = append(opts, WithLoggerFactory(factory))
	}
	return opts, nil
}

func parseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	}
	return logging.LogLevelDisabled, fmt.Errorf("ice: parsing config: unknown log level %q", s)
}
