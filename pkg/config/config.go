// Package config loads tier process configuration from a YAML file with
// CLUSO_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-bigraph/pkg/auth"
	"github.com/dd0wney/cluso-bigraph/pkg/validation"
)

// Tier kinds
const (
	KindHub   = "hub"
	KindMid   = "mid"
	KindCloud = "cloud"
)

// Defaults applied by ApplyDefaults
const (
	DefaultDataDir        = "./data"
	DefaultInboxSize      = 256
	DefaultPendingSize    = 64
	DefaultBrokerKind     = "redis"
	DefaultRedisAddr      = "localhost:6379"
	DefaultEngineBinary   = "bridge"
	DefaultEngineTimeout  = 15 * time.Second
	DefaultOracleModel    = "openai/gpt-4o-mini"
	DefaultOracleTimeout  = 60 * time.Second
	DefaultMaxSteps       = 10
	DefaultAuditBuffer    = 1000
	DefaultAdminAddr      = ":9090"
	DefaultTokenTTL       = 24 * time.Hour
	DefaultRefreshWindow  = 2 * time.Second
	DefaultSnapshotPrefix = "master/"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
)

// Config is the full tier process configuration
type Config struct {
	Tier       TierConfig       `yaml:"tier"`
	Broker     BrokerConfig     `yaml:"broker"`
	Engine     EngineConfig     `yaml:"engine"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Escalation EscalationConfig `yaml:"escalation"`
	Audit      AuditConfig      `yaml:"audit"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Admin      AdminConfig      `yaml:"admin"`
	Schema     SchemaConfig     `yaml:"schema"`
	Log        LogConfig        `yaml:"log"`
}

// TierConfig identifies the tier and where it keeps local state
type TierConfig struct {
	Kind string `yaml:"kind"`
	ID   string `yaml:"id"`
	// ParentMid is the mid a hub escalates to. Empty sends hub escalations
	// straight to the cloud.
	ParentMid   string `yaml:"parent_mid"`
	DataDir     string `yaml:"data_dir"`
	SeedFile    string `yaml:"seed_file"`
	InboxSize   int    `yaml:"inbox_size"`
	PendingSize int    `yaml:"pending_size"`
}

// BrokerConfig selects the transport
type BrokerConfig struct {
	Kind     string `yaml:"kind"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Ingress  string `yaml:"ingress"`
	Egress   string `yaml:"egress"`
}

// EngineConfig configures the rule engine subprocess
type EngineConfig struct {
	Binary  string        `yaml:"binary"`
	Timeout time.Duration `yaml:"timeout"`
}

// OracleConfig configures the decision oracle
type OracleConfig struct {
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	OllamaBinary string        `yaml:"ollama_binary"`
	Timeout      time.Duration `yaml:"timeout"`
}

// EscalationConfig bounds the decision loop
type EscalationConfig struct {
	MaxSteps int `yaml:"max_steps"`
	// RefreshWindow is how long `tierd author` listens for region pushes
	// after asking the cloud for a refresh.
	RefreshWindow time.Duration `yaml:"refresh_window"`
}

// AuditConfig configures the escalation audit trail
type AuditConfig struct {
	BufferSize  int    `yaml:"buffer_size"`
	PostgresURL string `yaml:"postgres_url"`
}

// SnapshotConfig configures master graph uploads. An empty bucket disables
// them.
type SnapshotConfig struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// AdminConfig configures the metrics and health listener. An empty address
// disables it.
type AdminConfig struct {
	Addr string `yaml:"addr"`
	// TokenSecret enables bearer-token checks on the admin routes
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	TLS         TLSConfig     `yaml:"tls"`
}

// TLSConfig serves the admin listener over HTTPS. SelfSigned generates a
// certificate at startup when no files are given.
type TLSConfig struct {
	CertFile     string   `yaml:"cert_file"`
	KeyFile      string   `yaml:"key_file"`
	ClientCAFile string   `yaml:"client_ca_file"`
	SelfSigned   bool     `yaml:"self_signed"`
	Hosts        []string `yaml:"hosts"`
}

// SchemaConfig points at an optional property schema file
type SchemaConfig struct {
	File string `yaml:"file"`
}

// LogConfig sets the process logger. The level is re-read on SIGHUP.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path (if non-empty), applies environment overrides and
// defaults, and validates the result
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if cfg, err = Parse(f); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields
func (c *Config) ApplyDefaults() {
	c.Tier.DataDir = validation.DefaultOr(c.Tier.DataDir, DefaultDataDir)
	c.Tier.InboxSize = validation.DefaultOrInt(c.Tier.InboxSize, DefaultInboxSize)
	c.Tier.PendingSize = validation.DefaultOrInt(c.Tier.PendingSize, DefaultPendingSize)
	if c.Tier.Kind == KindCloud {
		c.Tier.ID = validation.DefaultOr(c.Tier.ID, KindCloud)
	}

	c.Broker.Kind = validation.DefaultOr(c.Broker.Kind, DefaultBrokerKind)
	if c.Broker.Kind == "redis" {
		c.Broker.Addr = validation.DefaultOr(c.Broker.Addr, DefaultRedisAddr)
	}

	c.Engine.Binary = validation.DefaultOr(c.Engine.Binary, DefaultEngineBinary)
	c.Engine.Timeout = validation.DefaultOrDuration(c.Engine.Timeout, DefaultEngineTimeout)

	c.Oracle.Model = validation.DefaultOr(c.Oracle.Model, DefaultOracleModel)
	c.Oracle.Timeout = validation.DefaultOrDuration(c.Oracle.Timeout, DefaultOracleTimeout)

	c.Escalation.MaxSteps = validation.DefaultOrInt(c.Escalation.MaxSteps, DefaultMaxSteps)
	c.Escalation.RefreshWindow = validation.DefaultOrDuration(c.Escalation.RefreshWindow, DefaultRefreshWindow)

	c.Audit.BufferSize = validation.DefaultOrInt(c.Audit.BufferSize, DefaultAuditBuffer)

	c.Log.Level = validation.DefaultOr(c.Log.Level, DefaultLogLevel)
	c.Log.Format = validation.DefaultOr(c.Log.Format, DefaultLogFormat)

	if c.Admin.TokenSecret != "" {
		c.Admin.TokenTTL = validation.DefaultOrDuration(c.Admin.TokenTTL, DefaultTokenTTL)
	}

	if c.Snapshot.Bucket != "" {
		c.Snapshot.Prefix = validation.DefaultOr(c.Snapshot.Prefix, DefaultSnapshotPrefix)
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	return validation.NewConfigValidator("config").
		OneOf("tier.kind", c.Tier.Kind, []string{KindHub, KindMid, KindCloud}).
		TierID("tier.id", c.Tier.ID).
		When(c.Tier.ParentMid != "", func(v *validation.ConfigValidator) {
			v.TierID("tier.parent_mid", c.Tier.ParentMid)
		}).
		When(c.Tier.ParentMid != "" && c.Tier.Kind != KindHub, func(v *validation.ConfigValidator) {
			v.Custom("tier.parent_mid", func() error { return errors.New("only a hub has a parent mid") })
		}).
		Positive("tier.inbox_size", c.Tier.InboxSize).
		Positive("tier.pending_size", c.Tier.PendingSize).
		OneOf("broker.kind", c.Broker.Kind, []string{"memory", "redis", "nng", "zmq"}).
		When(c.Broker.Kind == "redis", func(v *validation.ConfigValidator) {
			v.Required("broker.addr", c.Broker.Addr)
			v.NonNegative("broker.db", c.Broker.DB)
		}).
		When(c.Broker.Kind == "nng" || c.Broker.Kind == "zmq", func(v *validation.ConfigValidator) {
			v.Required("broker.ingress", c.Broker.Ingress)
			v.Required("broker.egress", c.Broker.Egress)
		}).
		MinDuration("engine.timeout", c.Engine.Timeout, 100*time.Millisecond).
		When(c.Tier.Kind == KindHub, func(v *validation.ConfigValidator) {
			v.Required("engine.binary", c.Engine.Binary)
		}).
		When(c.Tier.Kind != KindHub, func(v *validation.ConfigValidator) {
			v.Required("oracle.model", c.Oracle.Model)
			v.MinDuration("oracle.timeout", c.Oracle.Timeout, 100*time.Millisecond)
			v.RangeInt("escalation.max_steps", c.Escalation.MaxSteps, 1, 100)
		}).
		Positive("audit.buffer_size", c.Audit.BufferSize).
		OneOf("log.level", c.Log.Level, []string{"debug", "info", "warn", "error"}).
		OneOf("log.format", c.Log.Format, []string{"json", "text"}).
		When(c.Admin.TokenSecret != "", func(v *validation.ConfigValidator) {
			v.Custom("admin.token_secret", func() error {
				if len(c.Admin.TokenSecret) < auth.MinSecretLength {
					return auth.ErrShortSecret
				}
				return nil
			})
			v.MinDuration("admin.token_ttl", c.Admin.TokenTTL, time.Minute)
		}).
		When((c.Admin.TLS.CertFile == "") != (c.Admin.TLS.KeyFile == ""), func(v *validation.ConfigValidator) {
			v.Custom("admin.tls", func() error { return errors.New("cert_file and key_file must be set together") })
		}).
		Validate()
}

// StatePath is the canonical graph file for this tier
func (c *Config) StatePath() string {
	return filepath.Join(c.Tier.DataDir, fmt.Sprintf("%s_%s_state.cbor", c.Tier.Kind, c.Tier.ID))
}

// RulesDir is the pending rule directory for this tier
func (c *Config) RulesDir() string {
	return filepath.Join(c.Tier.DataDir, "rules", c.Tier.ID)
}

// ArchiveDir is the badger rule archive for this tier
func (c *Config) ArchiveDir() string {
	return filepath.Join(c.Tier.DataDir, "archive", c.Tier.ID)
}

// LookupFunc matches os.LookupEnv
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from CLUSO_* variables
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	strs := map[string]*string{
		"CLUSO_TIER_KIND":           &c.Tier.Kind,
		"CLUSO_TIER_ID":             &c.Tier.ID,
		"CLUSO_PARENT_MID":          &c.Tier.ParentMid,
		"CLUSO_DATA_DIR":            &c.Tier.DataDir,
		"CLUSO_SEED_FILE":           &c.Tier.SeedFile,
		"CLUSO_BROKER_KIND":         &c.Broker.Kind,
		"CLUSO_BROKER_ADDR":         &c.Broker.Addr,
		"CLUSO_BROKER_PASSWORD":     &c.Broker.Password,
		"CLUSO_BROKER_INGRESS":      &c.Broker.Ingress,
		"CLUSO_BROKER_EGRESS":       &c.Broker.Egress,
		"CLUSO_ENGINE_BINARY":       &c.Engine.Binary,
		"CLUSO_ORACLE_MODEL":        &c.Oracle.Model,
		"CLUSO_ORACLE_API_KEY":      &c.Oracle.APIKey,
		"CLUSO_ORACLE_BASE_URL":     &c.Oracle.BaseURL,
		"CLUSO_AUDIT_POSTGRES_URL":  &c.Audit.PostgresURL,
		"CLUSO_SNAPSHOT_BUCKET":     &c.Snapshot.Bucket,
		"CLUSO_SNAPSHOT_ENDPOINT":   &c.Snapshot.Endpoint,
		"CLUSO_SNAPSHOT_ACCESS_KEY": &c.Snapshot.AccessKey,
		"CLUSO_SNAPSHOT_SECRET_KEY": &c.Snapshot.SecretKey,
		"CLUSO_ADMIN_ADDR":          &c.Admin.Addr,
		"CLUSO_ADMIN_TOKEN_SECRET":  &c.Admin.TokenSecret,
		"CLUSO_ADMIN_TLS_CERT":      &c.Admin.TLS.CertFile,
		"CLUSO_ADMIN_TLS_KEY":       &c.Admin.TLS.KeyFile,
		"CLUSO_SCHEMA_FILE":         &c.Schema.File,
		"CLUSO_LOG_LEVEL":           &c.Log.Level,
		"CLUSO_LOG_FORMAT":          &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CLUSO_BROKER_DB":    &c.Broker.DB,
		"CLUSO_MAX_STEPS":    &c.Escalation.MaxSteps,
		"CLUSO_PENDING_SIZE": &c.Tier.PendingSize,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"CLUSO_ENGINE_TIMEOUT": &c.Engine.Timeout,
		"CLUSO_ORACLE_TIMEOUT": &c.Oracle.Timeout,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}
