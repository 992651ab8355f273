package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dd0wney/cluso-bigraph/pkg/audit"
	"github.com/dd0wney/cluso-bigraph/pkg/auth"
	"github.com/dd0wney/cluso-bigraph/pkg/bigraph"
	"github.com/dd0wney/cluso-bigraph/pkg/config"
	"github.com/dd0wney/cluso-bigraph/pkg/engine"
	"github.com/dd0wney/cluso-bigraph/pkg/logging"
	"github.com/dd0wney/cluso-bigraph/pkg/metrics"
	"github.com/dd0wney/cluso-bigraph/pkg/oracle"
	"github.com/dd0wney/cluso-bigraph/pkg/rules"
	"github.com/dd0wney/cluso-bigraph/pkg/snapshot"
	"github.com/dd0wney/cluso-bigraph/pkg/tier"
	clusotls "github.com/dd0wney/cluso-bigraph/pkg/tls"
	"github.com/dd0wney/cluso-bigraph/pkg/transport"
)

// loadConfig reads the config file and environment, then applies command
// line overrides. kind is empty for tools that only need the broker.
func loadConfig(kind string) (*config.Config, error) {
	cfg := &config.Config{}
	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		cfg, err = config.Parse(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configPath, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if kind != "" {
		cfg.Tier.Kind = kind
	}
	override(&cfg.Tier.ID, tierID)
	override(&cfg.Tier.ParentMid, parentMid)
	override(&cfg.Tier.DataDir, dataDir)
	override(&cfg.Tier.SeedFile, seedFile)
	override(&cfg.Admin.Addr, adminAddr)
	override(&cfg.Broker.Kind, brokerKind)
	override(&cfg.Broker.Addr, brokerAddr)
	override(&cfg.Log.Level, logLevel)
	override(&cfg.Log.Format, logFormat)

	cfg.ApplyDefaults()
	return cfg, nil
}

func override(dst *string, flag string) {
	if flag != "" {
		*dst = flag
	}
}

func newLogger(cfg *config.Config) *logging.StreamLogger {
	return logging.New(os.Stderr, logging.ParseFormat(cfg.Log.Format), logging.ParseLevel(cfg.Log.Level))
}

func loadSchema(path string) (*bigraph.Schema, error) {
	if path == "" {
		return bigraph.DefaultSchema(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schema: %w", err)
	}
	defer f.Close()
	return bigraph.LoadSchema(f)
}

func openBroker(ctx context.Context, cfg *config.Config, logger logging.Logger) (transport.Broker, error) {
	return transport.Open(ctx, transport.Options{
		Kind:     cfg.Broker.Kind,
		Addr:     cfg.Broker.Addr,
		Password: cfg.Broker.Password,
		DB:       cfg.Broker.DB,
		Ingress:  cfg.Broker.Ingress,
		Egress:   cfg.Broker.Egress,
	}, logger)
}

func newOracle(cfg *config.Config) (oracle.Oracle, error) {
	return oracle.New(cfg.Oracle.Model, oracle.Options{
		APIKey:       cfg.Oracle.APIKey,
		BaseURL:      cfg.Oracle.BaseURL,
		OllamaBinary: cfg.Oracle.OllamaBinary,
	})
}

// newGuard returns nil when no token secret is configured
func newGuard(cfg *config.Config) (*auth.Guard, error) {
	if cfg.Admin.TokenSecret == "" {
		return nil, nil
	}
	tokens, err := auth.NewTokenManager(cfg.Admin.TokenSecret, cfg.Admin.TokenTTL)
	if err != nil {
		return nil, err
	}
	return auth.NewGuard(tokens, cfg.Tier.ID), nil
}

// closers runs cleanups in reverse order
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// runTier returns the RunE of a tier command
func runTier(kind string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig(kind)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		base := newLogger(cfg)
		logger := base.With(logging.Tier(kind), logging.String("tier_id", cfg.Tier.ID))

		var cleanup closers
		defer cleanup.run()

		broker, err := openBroker(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("open broker: %w", err)
		}
		cleanup.add(func() { _ = broker.Close() })

		schema, err := loadSchema(cfg.Schema.File)
		if err != nil {
			return err
		}

		reg := metrics.NewRegistry()
		acfg := tier.FromConfig(cfg)
		acfg.Schema = schema
		opts := []tier.Option{tier.WithLogger(logger), tier.WithMetrics(reg)}

		var auditLog *audit.MemoryLogger
		var auditDB *audit.PostgresStore

		if kind == config.KindHub {
			eng := engine.NewSubprocess(cfg.Engine.Binary, logger)
			eng.Timeout = cfg.Engine.Timeout
			opts = append(opts, tier.WithEngine(eng))
		} else {
			o, err := newOracle(cfg)
			if err != nil {
				return err
			}
			archive, err := rules.OpenArchive(rules.ArchiveConfig{
				Path:       cfg.ArchiveDir(),
				SyncWrites: true,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			cleanup.add(func() { _ = archive.Close() })

			auditLog = audit.NewMemoryLogger(cfg.Audit.BufferSize)
			var trail audit.Logger = auditLog
			if cfg.Audit.PostgresURL != "" {
				auditDB, err = audit.NewPostgresStore(ctx, cfg.Audit.PostgresURL)
				if err != nil {
					return fmt.Errorf("open audit store: %w", err)
				}
				cleanup.add(func() { _ = auditDB.Close() })
				trail = audit.Multi(auditLog, auditDB)
			}
			opts = append(opts, tier.WithOracle(o), tier.WithArchive(archive), tier.WithAudit(trail))
		}

		if kind == config.KindCloud && cfg.Snapshot.Bucket != "" {
			s := cfg.Snapshot
			client, err := snapshot.NewS3Client(ctx, snapshot.Options{
				Bucket:       s.Bucket,
				Prefix:       s.Prefix,
				Region:       s.Region,
				Endpoint:     s.Endpoint,
				AccessKey:    s.AccessKey,
				SecretKey:    s.SecretKey,
				UsePathStyle: s.UsePathStyle,
			})
			if err != nil {
				return fmt.Errorf("snapshot client: %w", err)
			}
			opts = append(opts, tier.WithSnapshots(snapshot.NewS3Archiver(client, s.Bucket, s.Prefix, logger)))
		}

		agent, err := tier.NewAgent(acfg, broker, opts...)
		if err != nil {
			return err
		}

		if cfg.Admin.Addr != "" {
			guard, err := newGuard(cfg)
			if err != nil {
				return err
			}
			if guard == nil {
				logger.Warn("admin routes are unauthenticated; set admin.token_secret")
			}
			srv, err := newAdminServer(cfg.Admin.Addr, adminDeps{
				kind:    kind,
				agent:   agent,
				broker:  broker,
				metrics: reg,
				audit:   auditLog,
				auditDB: auditDB,
				guard:   guard,
				logger:  logger,
			})
			if err != nil {
				return err
			}
			tlsConfig, err := clusotls.ServerConfig(clusotls.Config{
				CertFile:     cfg.Admin.TLS.CertFile,
				KeyFile:      cfg.Admin.TLS.KeyFile,
				ClientCAFile: cfg.Admin.TLS.ClientCAFile,
				SelfSigned:   cfg.Admin.TLS.SelfSigned,
				Hosts:        cfg.Admin.TLS.Hosts,
			})
			if err != nil {
				return fmt.Errorf("admin tls: %w", err)
			}
			srv.SetTLSConfig(tlsConfig)
			srv.SetReloadFunc(func() error { return reloadLogLevel(kind, base) })
			go func() {
				if err := srv.Run(ctx); err != nil {
					logger.Error("admin listener failed", logging.Error(err))
				}
			}()
		}

		return agent.Run(ctx)
	}
}

// reloadLogLevel re-reads the configured log level; other settings need a
// restart
func reloadLogLevel(kind string, l *logging.StreamLogger) error {
	cfg, err := loadConfig(kind)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.SetLevel(logging.ParseLevel(cfg.Log.Level))
	return nil
}
