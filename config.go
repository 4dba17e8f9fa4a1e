package rudp

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds the tunable parameters from the external interface
// table. Zero-value Config is invalid; use NewConfig or LoadConfig.
type Config struct {
	Host string
	Port int

	MTU int

	InitialWindow int

	MinRTO time.Duration
	MaxRTO time.Duration

	MaxRetries int

	PingInterval        time.Duration
	ConnectionTimeout   time.Duration
	ReassemblyTTL       time.Duration
	MaintenanceInterval time.Duration
}

func defaultConfig() *Config {
	return &Config{
		Host:                "0.0.0.0",
		MTU:                 1400,
		InitialWindow:       65535,
		MinRTO:              1 * time.Second,
		MaxRTO:              60 * time.Second,
		MaxRetries:          5,
		PingInterval:        15 * time.Second,
		ConnectionTimeout:   60 * time.Second,
		ReassemblyTTL:       30 * time.Second,
		MaintenanceInterval: 100 * time.Millisecond,
	}
}

// Option mutates a Config; used by NewConfig for programmatic setup
// without a config file.
type Option func(*Config)

func WithHost(host string) Option       { return func(c *Config) { c.Host = host } }
func WithPort(port int) Option          { return func(c *Config) { c.Port = port } }
func WithMTU(mtu int) Option            { return func(c *Config) { c.MTU = mtu } }
func WithInitialWindow(w int) Option    { return func(c *Config) { c.InitialWindow = w } }
func WithRTOBounds(min, max time.Duration) Option {
	return func(c *Config) { c.MinRTO, c.MaxRTO = min, max }
}
func WithMaxRetries(n int) Option { return func(c *Config) { c.MaxRetries = n } }
func WithPingInterval(d time.Duration) Option {
	return func(c *Config) { c.PingInterval = d }
}
func WithConnectionTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectionTimeout = d }
}
func WithReassemblyTTL(d time.Duration) Option {
	return func(c *Config) { c.ReassemblyTTL = d }
}
func WithMaintenanceInterval(d time.Duration) Option {
	return func(c *Config) { c.MaintenanceInterval = d }
}

// NewConfig builds a Config from defaults plus the given options,
// without touching any file or environment variable.
func NewConfig(opts ...Option) *Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// LoadConfig reads the configuration table from path (YAML/JSON/TOML,
// whatever viper's format sniffing resolves) and from RUDP_-prefixed
// environment variables, falling back to spec defaults for anything
// unset. An empty path skips the file and returns defaults overridden
// only by environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RUDP")
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("host", def.Host)
	v.SetDefault("port", def.Port)
	v.SetDefault("mtu", def.MTU)
	v.SetDefault("initial_window", def.InitialWindow)
	v.SetDefault("min_rto", def.MinRTO)
	v.SetDefault("max_rto", def.MaxRTO)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("ping_interval", def.PingInterval)
	v.SetDefault("connection_timeout", def.ConnectionTimeout)
	v.SetDefault("reassembly_ttl", def.ReassemblyTTL)
	v.SetDefault("maintenance_interval", def.MaintenanceInterval)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "rudp: loading config from %s", path)
		}
	}

	cfg := &Config{
		Host:                v.GetString("host"),
		Port:                v.GetInt("port"),
		MTU:                 v.GetInt("mtu"),
		InitialWindow:       v.GetInt("initial_window"),
		MinRTO:              v.GetDuration("min_rto"),
		MaxRTO:              v.GetDuration("max_rto"),
		MaxRetries:          v.GetInt("max_retries"),
		PingInterval:        v.GetDuration("ping_interval"),
		ConnectionTimeout:   v.GetDuration("connection_timeout"),
		ReassemblyTTL:       v.GetDuration("reassembly_ttl"),
		MaintenanceInterval: v.GetDuration("maintenance_interval"),
	}

	if cfg.MTU <= HeaderSize {
		return nil, errors.Errorf("rudp: mtu %d too small, must exceed header size %d", cfg.MTU, HeaderSize)
	}
	return cfg, nil
}
