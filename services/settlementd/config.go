package settlementd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"agentescrow/cardano"
	"agentescrow/secrets"
	"agentescrow/services/settlementd/handlers"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses the TOML form.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for settlementd.
type Config struct {
	Database   DatabaseConfig              `yaml:"database" toml:"database"`
	Blockfrost map[string]BlockfrostConfig `yaml:"blockfrost" toml:"blockfrost"`
	Secrets    SecretsConfig               `yaml:"secrets" toml:"secrets"`
	Handlers   map[string]HandlerConfig    `yaml:"handlers" toml:"handlers"`
	Lease      LeaseConfig                 `yaml:"lease" toml:"lease"`
	Retry      RetryConfig                 `yaml:"retry" toml:"retry"`
	Tx         TxConfig                    `yaml:"tx" toml:"tx"`
	Admin      AdminConfig                 `yaml:"admin" toml:"admin"`
	Logging    LoggingConfig               `yaml:"logging" toml:"logging"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver       string `yaml:"driver" toml:"driver"`
	DSN          string `yaml:"dsn" toml:"dsn"`
	Path         string `yaml:"path" toml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
}

// BlockfrostConfig configures the provider for one network. Entries are keyed
// by network name.
type BlockfrostConfig struct {
	ProjectID         string   `yaml:"project_id" toml:"project_id"`
	ProjectIDEnv      string   `yaml:"project_id_env" toml:"project_id_env"`
	BaseURL           string   `yaml:"base_url" toml:"base_url"`
	RequestsPerSecond float64  `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int      `yaml:"burst" toml:"burst"`
	Timeout           Duration `yaml:"timeout" toml:"timeout"`
}

// SecretsConfig wires the wallet secret backend.
type SecretsConfig struct {
	Backend        string `yaml:"backend" toml:"backend"`
	BasePath       string `yaml:"base_path" toml:"base_path"`
	PassphraseName string `yaml:"passphrase_name" toml:"passphrase_name"`
}

// HandlerConfig tunes one periodic handler.
type HandlerConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
	Batch    int      `yaml:"batch" toml:"batch"`
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled" toml:"enabled"`
}

// On reports whether the handler should be scheduled.
func (h HandlerConfig) On() bool {
	return h.Enabled == nil || *h.Enabled
}

// LeaseConfig controls wallet lease expiry.
type LeaseConfig struct {
	TTL           Duration `yaml:"ttl" toml:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval" toml:"sweep_interval"`
}

// RetryConfig shapes the in-process backoff policy.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
	Initial     Duration `yaml:"initial" toml:"initial"`
	Multiplier  float64  `yaml:"multiplier" toml:"multiplier"`
	Max         Duration `yaml:"max" toml:"max"`
}

// TxConfig tunes transaction construction and confirmation.
type TxConfig struct {
	ProductTag          string   `yaml:"product_tag" toml:"product_tag"`
	ValiditySlack       Duration `yaml:"validity_slack" toml:"validity_slack"`
	ConfirmationTimeout Duration `yaml:"confirmation_timeout" toml:"confirmation_timeout"`
	Parallelism         int      `yaml:"parallelism" toml:"parallelism"`
}

// AdminConfig exposes the operator surface.
type AdminConfig struct {
	Listen          string `yaml:"listen" toml:"listen"`
	BearerToken     string `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file" toml:"bearer_token_file"`
}

// LoggingConfig controls the optional rotated log file.
type LoggingConfig struct {
	File  string `yaml:"file" toml:"file"`
	Level string `yaml:"level" toml:"level"`
}

// HandlerNames lists every schedulable handler in registration order.
var HandlerNames = []string{
	handlers.NameDecision,
	handlers.NameSubmitResult,
	handlers.NameRequestRefund,
	handlers.NameCancelRefund,
	handlers.NameCollectRefund,
	handlers.NameWithdraw,
	handlers.NameCollateral,
	handlers.NameRegister,
	handlers.NameDeregister,
	handlers.NameSync,
}

var defaultIntervals = map[string]time.Duration{
	handlers.NameDecision:   time.Minute,
	handlers.NameCollateral: 2 * time.Minute,
	handlers.NameRegister:   2 * time.Minute,
	handlers.NameDeregister: 2 * time.Minute,
	handlers.NameSync:       20 * time.Second,
}

// LoadConfig reads configuration from the supplied path. Files ending in
// .toml are decoded as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := cfg.normaliseBlockfrost(); err != nil {
		return cfg, fmt.Errorf("blockfrost: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		cfg.Database.Path = "settlementd.db"
	}
	if cfg.Secrets.Backend == "" {
		cfg.Secrets.Backend = string(secrets.BackendEnv)
	}
	if cfg.Handlers == nil {
		cfg.Handlers = map[string]HandlerConfig{}
	}
	for _, name := range HandlerNames {
		h := cfg.Handlers[name]
		if h.Interval.Duration == 0 {
			h.Interval.Duration = 30 * time.Second
			if d, ok := defaultIntervals[name]; ok {
				h.Interval.Duration = d
			}
		}
		if h.Batch <= 0 {
			h.Batch = 10
		}
		cfg.Handlers[name] = h
	}
	if cfg.Lease.TTL.Duration == 0 {
		cfg.Lease.TTL.Duration = 10 * time.Minute
	}
	if cfg.Lease.SweepInterval.Duration == 0 {
		cfg.Lease.SweepInterval.Duration = time.Minute
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.Initial.Duration == 0 {
		cfg.Retry.Initial.Duration = 500 * time.Millisecond
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Retry.Max.Duration == 0 {
		cfg.Retry.Max.Duration = 10 * time.Second
	}
	if cfg.Tx.ProductTag == "" {
		cfg.Tx.ProductTag = "Masumi"
	}
	if cfg.Tx.ValiditySlack.Duration == 0 {
		cfg.Tx.ValiditySlack.Duration = 5 * time.Minute
	}
	if cfg.Tx.ConfirmationTimeout.Duration == 0 {
		cfg.Tx.ConfirmationTimeout.Duration = handlers.DefaultConfirmationTimeout
	}
	if cfg.Tx.Parallelism <= 0 {
		cfg.Tx.Parallelism = 4
	}
	if cfg.Admin.Listen == "" {
		cfg.Admin.Listen = ":7090"
	}
}

func validateConfig(cfg Config) error {
	switch strings.ToLower(cfg.Database.Driver) {
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Database.DSN) == "" {
			return fmt.Errorf("database.dsn must be configured for postgres")
		}
	case "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if len(cfg.Blockfrost) == 0 {
		return fmt.Errorf("at least one blockfrost network must be configured")
	}
	for name, bf := range cfg.Blockfrost {
		if _, err := cardano.ParseNetwork(name); err != nil {
			return fmt.Errorf("blockfrost.%s: %w", name, err)
		}
		if bf.ProjectID == "" {
			return fmt.Errorf("blockfrost.%s: project_id must be configured", name)
		}
	}
	switch secrets.Backend(cfg.Secrets.Backend) {
	case secrets.BackendEnv:
	case secrets.BackendFilesystem:
		if strings.TrimSpace(cfg.Secrets.BasePath) == "" {
			return fmt.Errorf("secrets.base_path must be configured for the filesystem backend")
		}
	default:
		return fmt.Errorf("unsupported secrets backend %q", cfg.Secrets.Backend)
	}
	for name := range cfg.Handlers {
		if !knownHandler(name) {
			return fmt.Errorf("unknown handler %q", name)
		}
	}
	if cfg.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	if cfg.Lease.TTL.Duration < cfg.Tx.ValiditySlack.Duration {
		return fmt.Errorf("lease.ttl must not be shorter than tx.validity_slack")
	}
	return nil
}

func knownHandler(name string) bool {
	for _, n := range HandlerNames {
		if n == name {
			return true
		}
	}
	return false
}

func (c *Config) normaliseBlockfrost() error {
	for name, bf := range c.Blockfrost {
		bf.ProjectID = strings.TrimSpace(bf.ProjectID)
		if bf.ProjectID == "" && strings.TrimSpace(bf.ProjectIDEnv) != "" {
			value := strings.TrimSpace(os.Getenv(bf.ProjectIDEnv))
			if value == "" {
				return fmt.Errorf("%s: project_id_env %s is empty", name, bf.ProjectIDEnv)
			}
			bf.ProjectID = value
		}
		c.Blockfrost[name] = bf
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
		if token == "" {
			return fmt.Errorf("bearer_token_file %s is empty", path)
		}
	}
	a.BearerToken = token
	return nil
}
