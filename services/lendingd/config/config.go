package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"nhblend/native/lending"
	"nhblend/observability/logging"
	"nhblend/services/oracle"
)

// EnvJWTSecret overrides auth.jwt_secret so the secret can stay out of the file.
const EnvJWTSecret = "LENDINGD_JWT_SECRET"

const (
	defaultListen          = ":9444"
	defaultStatePath       = "./data/lending"
	defaultAuditDSN        = "file:lending-audit.db?_pragma=busy_timeout(5000)"
	defaultShutdownTimeout = 5 * time.Second
)

// Duration wraps time.Duration for human readable YAML values.
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
	raw := strings.TrimSpace(value.Value)
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

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress   string          `yaml:"listen"`
	ParamsPath      string          `yaml:"params"`
	Custody         string          `yaml:"custody"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"`
	TLS             TLSConfig       `yaml:"tls"`
	Auth            AuthConfig      `yaml:"auth"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Events          EventsConfig    `yaml:"events"`
	Log             LogConfig       `yaml:"log"`
	Telemetry       TelemetryConfig `yaml:"telemetry"`
	State           StateConfig     `yaml:"state"`
	Audit           AuditConfig     `yaml:"audit"`
	Oracle          OracleConfig    `yaml:"oracle"`
	Genesis         []Credit        `yaml:"genesis"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig controls bearer JWT verification.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	JWTSecret  string   `yaml:"jwt_secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	ScopeClaim string   `yaml:"scope_claim"`
	ClockSkew  Duration `yaml:"clock_skew"`
}

// RateLimitConfig throttles each caller. Zero disables the limiter.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// EventsConfig governs the websocket event stream. AllowedOrigins holds host
// patterns such as "dash.example.com" or "*.example.com"; browsers on any
// other origin are refused unless they share the listener's host.
type EventsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level    string             `yaml:"level"`
	Env      string             `yaml:"env"`
	Requests bool               `yaml:"requests"`
	File     logging.FileConfig `yaml:"file"`
}

type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Metrics     bool    `yaml:"metrics"`
	Traces      bool    `yaml:"traces"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// StateConfig selects the key/value backend behind the engine.
type StateConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type AuditConfig struct {
	DSN       string `yaml:"dsn"`
	ExportDir string `yaml:"export_dir"`
}

// OracleConfig drives the price aggregation loop feeding the engine.
type OracleConfig struct {
	Sources  []oracle.SourceConfig `yaml:"sources"`
	Assets   []string              `yaml:"assets"`
	Interval Duration              `yaml:"interval"`
	MaxAge   Duration              `yaml:"max_age"`
	MinFeeds int                   `yaml:"min_feeds"`
	// SnapshotPath persists samples and medians to SQLite when set.
	SnapshotPath string `yaml:"snapshot_path"`
}

// Credit seeds a bank balance at startup. Only the in-memory backend applies
// it unconditionally; persistent backends apply it once on an empty store.
type Credit struct {
	Asset   string `yaml:"asset"`
	Address string `yaml:"address"`
	Amount  string `yaml:"amount"`
}

// Load reads the YAML configuration from disk, applies the environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{ListenAddress: defaultListen}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		cfg.Auth.JWTSecret = secret
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// CustodyAddress is the account holding pooled liquidity and collateral.
func (cfg Config) CustodyAddress() common.Address {
	return common.HexToAddress(cfg.Custody)
}

// Credits parses the genesis balances.
func (cfg Config) Credits() ([]ParsedCredit, error) {
	out := make([]ParsedCredit, 0, len(cfg.Genesis))
	for i, credit := range cfg.Genesis {
		amount, ok := new(big.Int).SetString(credit.Amount, 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("genesis[%d]: invalid amount %q", i, credit.Amount)
		}
		out = append(out, ParsedCredit{
			Asset:   credit.Asset,
			Address: common.HexToAddress(credit.Address),
			Amount:  amount,
		})
	}
	return out, nil
}

// ParsedCredit is a validated genesis balance.
type ParsedCredit struct {
	Asset   string
	Address common.Address
	Amount  *big.Int
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.ParamsPath = strings.TrimSpace(cfg.ParamsPath)
	cfg.Custody = strings.TrimSpace(cfg.Custody)
	if cfg.ShutdownTimeout.Duration <= 0 {
		cfg.ShutdownTimeout.Duration = defaultShutdownTimeout
	}
	cfg.TLS.normalize()

	cfg.Auth.JWTSecret = strings.TrimSpace(cfg.Auth.JWTSecret)
	cfg.Auth.Issuer = strings.TrimSpace(cfg.Auth.Issuer)
	cfg.Auth.Audience = strings.TrimSpace(cfg.Auth.Audience)
	if cfg.Auth.ScopeClaim = strings.TrimSpace(cfg.Auth.ScopeClaim); cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}

	origins := make([]string, 0, len(cfg.Events.AllowedOrigins))
	for _, origin := range cfg.Events.AllowedOrigins {
		if trimmed := strings.ToLower(strings.TrimSpace(origin)); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.Events.AllowedOrigins = origins

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	cfg.Log.Env = strings.TrimSpace(cfg.Log.Env)

	cfg.State.Backend = strings.ToLower(strings.TrimSpace(cfg.State.Backend))
	if cfg.State.Backend == "" {
		cfg.State.Backend = "memory"
	}
	cfg.State.Path = strings.TrimSpace(cfg.State.Path)
	if cfg.State.Path == "" && cfg.State.Backend != "memory" {
		cfg.State.Path = defaultStatePath
	}

	cfg.Audit.DSN = strings.TrimSpace(cfg.Audit.DSN)
	if cfg.Audit.DSN == "" {
		cfg.Audit.DSN = defaultAuditDSN
	}
	cfg.Audit.ExportDir = strings.TrimSpace(cfg.Audit.ExportDir)

	assets := make([]string, 0, len(cfg.Oracle.Assets))
	for _, asset := range cfg.Oracle.Assets {
		if normalized := lending.NormalizeAsset(asset); normalized != "" {
			assets = append(assets, normalized)
		}
	}
	cfg.Oracle.Assets = assets
	if cfg.Oracle.Interval.Duration <= 0 {
		cfg.Oracle.Interval.Duration = 30 * time.Second
	}
	if cfg.Oracle.MaxAge.Duration <= 0 {
		cfg.Oracle.MaxAge.Duration = 2 * time.Minute
	}
	if cfg.Oracle.MinFeeds <= 0 {
		cfg.Oracle.MinFeeds = 1
	}
	cfg.Oracle.SnapshotPath = strings.TrimSpace(cfg.Oracle.SnapshotPath)

	for i := range cfg.Genesis {
		cfg.Genesis[i].Asset = lending.NormalizeAsset(cfg.Genesis[i].Asset)
		cfg.Genesis[i].Address = strings.TrimSpace(cfg.Genesis[i].Address)
		cfg.Genesis[i].Amount = strings.TrimSpace(cfg.Genesis[i].Amount)
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.ParamsPath == "" {
		return fmt.Errorf("params path required")
	}
	if !common.IsHexAddress(cfg.Custody) {
		return fmt.Errorf("custody must be a hex address")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth: jwt_secret or %s required when auth is enabled", EnvJWTSecret)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	for _, origin := range cfg.Events.AllowedOrigins {
		if _, err := filepath.Match(origin, ""); err != nil {
			return fmt.Errorf("events: allowed origin %q: %w", origin, err)
		}
	}
	switch cfg.State.Backend {
	case "memory", "leveldb", "bolt":
	default:
		return fmt.Errorf("state: unknown backend %q", cfg.State.Backend)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	if len(cfg.Oracle.Sources) > 0 && len(cfg.Oracle.Assets) == 0 {
		return fmt.Errorf("oracle: assets required when sources are configured")
	}
	for i, credit := range cfg.Genesis {
		if credit.Asset == "" {
			return fmt.Errorf("genesis[%d]: asset required", i)
		}
		if !common.IsHexAddress(credit.Address) {
			return fmt.Errorf("genesis[%d]: address must be hex", i)
		}
	}
	if _, err := cfg.Credits(); err != nil {
		return err
	}
	return nil
}

func (cfg *TLSConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
	cfg.ClientCAPath = strings.TrimSpace(cfg.ClientCAPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	return nil
}

// MTLSEnabled reports whether mutual TLS verification is configured.
func (cfg TLSConfig) MTLSEnabled() bool {
	return strings.TrimSpace(cfg.ClientCAPath) != ""
}
