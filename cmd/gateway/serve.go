package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dagbolade/hook-gateway/internal/approval"
	"github.com/dagbolade/hook-gateway/internal/auth"
	"github.com/dagbolade/hook-gateway/internal/budget"
	"github.com/dagbolade/hook-gateway/internal/config"
	"github.com/dagbolade/hook-gateway/internal/eventlog"
	"github.com/dagbolade/hook-gateway/internal/gateway"
	"github.com/dagbolade/hook-gateway/internal/hook"
	"github.com/dagbolade/hook-gateway/internal/hookscripts"
	"github.com/dagbolade/hook-gateway/internal/notify"
	"github.com/dagbolade/hook-gateway/internal/policy"
	"github.com/dagbolade/hook-gateway/internal/server"
	"github.com/dagbolade/hook-gateway/internal/storage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
		defer stop()

		log.Info().Int("port", cfg.Server.Port).Str("db", cfg.Storage.DBPath).Msg("starting hook gateway")
		if err := serve(ctx, cfg); err != nil {
			return err
		}
		log.Info().Msg("gateway stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

type components struct {
	db        *sql.DB
	broker    *notify.Broker
	queue     *approval.Queue
	engine    *policy.Engine
	gateway   *gateway.Gateway
	server    *server.Server
	forwarder *notify.PubSubForwarder
}

func serve(ctx context.Context, cfg config.Config) error {
	c, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.gateway.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.server.Start()
	})

	if c.forwarder != nil {
		sub := c.broker.Subscribe()
		g.Go(func() error {
			if err := c.forwarder.Run(gctx, sub); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("pubsub forwarder: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return shutdown(c, cfg.Server.ShutdownTimeout)
	})

	return g.Wait()
}

// shutdown stops admitting hook calls first so blocked callers get their
// default decision before the listener goes away.
func shutdown(c *components, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := c.gateway.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	c.broker.Close()
	return errors.Join(errs...)
}

func build(ctx context.Context, cfg config.Config) (*components, error) {
	db, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	c := &components{db: db, broker: notify.NewBroker(cfg.Notify.Buffer)}

	health := gateway.NewHealth()
	events := eventlog.NewSQLiteStore(db)

	ledger := budget.NewLedger(budget.NewSQLiteStore(db),
		budget.WithFailureHandler(health.Flag),
		budget.WithRolloverHandler(gateway.RolloverRecorder(events, c.broker, health)),
	)

	c.queue = approval.NewQueue(approval.NewSQLiteStore(db), c.broker, cfg.Gateway.ApprovalExpiry,
		approval.WithFailureHandler(health.Flag),
	)

	c.engine, err = policy.NewEngine(ctx, policy.NewSQLiteStore(db))
	if err != nil {
		c.close()
		return nil, fmt.Errorf("policy engine: %w", err)
	}
	if path := cfg.Storage.PolicyFile; path != "" {
		if err := c.engine.SyncSeedFile(ctx, path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("policy file not loaded")
		}
		if err := c.engine.WatchSeedFile(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("policy file not watched")
		}
	}

	if cfg.Notify.PubSubTopic != "" {
		c.forwarder, err = notify.NewPubSubForwarder(ctx, cfg.Notify.PubSubProject, cfg.Notify.PubSubTopic)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("pubsub forwarder: %w", err)
		}
	}

	users, err := auth.ParseUsers(cfg.Auth.Users)
	if err != nil {
		c.close()
		return nil, err
	}
	authManager := auth.NewManager(auth.Config{
		JWTSecret:       cfg.Auth.JWTSecret,
		TokenExpiration: 12 * time.Hour,
		RequireAuth:     cfg.Auth.RequireAuth,
		Users:           users,
	})
	log.Info().Bool("required", cfg.Auth.RequireAuth).Int("users", len(users)).Bool("hook_token", cfg.Auth.HookToken != "").
		Msg("auth configured")

	c.gateway, err = gateway.New(gateway.Config{
		WaitTimeout:         cfg.Gateway.WaitTimeout,
		MaxWaitTimeout:      cfg.Gateway.MaxWaitTimeout,
		DefaultAction:       hook.Decision(cfg.Gateway.DefaultAction),
		ExpireOnWaitTimeout: cfg.Gateway.ExpireOnWaitTimeout,
		EventRetention:      cfg.Gateway.EventRetention,
		ApprovalRetention:   cfg.Gateway.ApprovalRetention,
		RetentionInterval:   cfg.Gateway.RetentionInterval,
	}, gateway.Deps{
		Events:    events,
		Policies:  c.engine,
		Budgets:   ledger,
		Approvals: c.queue,
		Publisher: c.broker,
		Hooks:     newInstaller(cfg),
		Health:    health,
	})
	if err != nil {
		c.close()
		return nil, err
	}

	c.server = server.New(server.Config{
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		HookToken:       cfg.Auth.HookToken,
	}, server.Deps{
		Gateway:   c.gateway,
		Events:    events,
		Approvals: c.queue,
		Budgets:   ledger,
		Policies:  c.engine,
		Broker:    c.broker,
		Auth:      authManager,
	})

	return c, nil
}

func (c *components) close() {
	if c.forwarder != nil {
		if err := c.forwarder.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close pubsub forwarder")
		}
	}
	if c.engine != nil {
		if err := c.engine.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close policy watcher")
		}
	}
	if c.queue != nil {
		if err := c.queue.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close approval queue")
		}
	}
	c.broker.Close()
	if err := c.db.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close database")
	}
}

func newInstaller(cfg config.Config) *hookscripts.Installer {
	// the forwarder must outlive the longest gateway wait
	return hookscripts.NewInstaller(cfg.Hooks.Dir, cfg.HookURL(), cfg.Gateway.MaxWaitTimeout+5*time.Second)
}
