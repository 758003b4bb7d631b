package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/orbitd/internal/approval"
	"github.com/fyrsmithlabs/orbitd/internal/config"
	"github.com/fyrsmithlabs/orbitd/internal/events"
	"github.com/fyrsmithlabs/orbitd/internal/executor"
	"github.com/fyrsmithlabs/orbitd/internal/github"
	httpserver "github.com/fyrsmithlabs/orbitd/internal/http"
	"github.com/fyrsmithlabs/orbitd/internal/inference"
	"github.com/fyrsmithlabs/orbitd/internal/logging"
	"github.com/fyrsmithlabs/orbitd/internal/metrics"
	"github.com/fyrsmithlabs/orbitd/internal/orchestrator"
	"github.com/fyrsmithlabs/orbitd/internal/secrets"
	"github.com/fyrsmithlabs/orbitd/internal/store"
	"github.com/fyrsmithlabs/orbitd/internal/telemetry"
	"github.com/fyrsmithlabs/orbitd/internal/tools"
	"github.com/fyrsmithlabs/orbitd/internal/workspace"
)

const instrumentationPrefix = "github.com/fyrsmithlabs/orbitd/"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orbitd daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadWithFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

// run wires every component and blocks until ctx is cancelled:
//  1. telemetry and logging
//  2. the NATS-backed store (embedded server optional)
//  3. approval gate, tools, agents and the execution loop
//  4. the orchestrator and its optional pull request finalizer
//  5. the HTTP API, served until shutdown
func run(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry, version))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	if err := tel.Err(); err != nil {
		logger.Warn(ctx, "telemetry degraded, continuing without export", zap.Error(err))
	}

	logger.Info(ctx, "starting orbitd",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("finalization", cfg.FinalizationEnabled()))

	nc, closeNATS, err := connectNATS(ctx, cfg.NATS, logger)
	if err != nil {
		return err
	}
	defer closeNATS()

	st, err := store.NewNATS(nc, store.NATSConfig{
		Bucket:      cfg.NATS.Bucket,
		QueueStream: cfg.NATS.QueueStream,
	})
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	pub := events.NewPublisher(st, logger.Named("events"))

	redactor, err := secrets.NewRedactor(secrets.Options{
		Enabled:       cfg.Secrets.Enabled,
		AllowlistPath: cfg.Secrets.AllowlistPath,
	})
	if err != nil {
		return fmt.Errorf("init redactor: %w", err)
	}

	gate := approval.New(st, pub, approval.Config{
		Timeout:      cfg.Approval.Timeout.Duration(),
		PollInterval: cfg.Approval.PollInterval.Duration(),
		RiskyTools:   cfg.Approval.RiskyTools,
	},
		approval.WithRedactor(redactor),
		approval.WithMetrics(m),
		approval.WithLogger(logger.Named("approval")))

	toolReg := tools.NewBuiltinRegistry(tools.BuiltinDeps{KV: st, Events: pub, Asker: gate})

	agentReg, err := loadAgents(cfg.Agents.Dir)
	if err != nil {
		return err
	}

	client, err := inference.NewAnthropic(inference.AnthropicConfig{
		APIKey:       cfg.Anthropic.APIKey.Value(),
		BaseURL:      cfg.Anthropic.BaseURL,
		DefaultModel: cfg.Anthropic.DefaultModel,
		MaxTokens:    cfg.Anthropic.MaxTokens,
		Timeout:      cfg.Anthropic.Timeout.Duration(),
	})
	if err != nil {
		return fmt.Errorf("init inference client: %w", err)
	}

	loop, err := executor.New(executor.Config{
		Client:        client,
		Tools:         toolReg,
		Gate:          gate,
		Events:        pub,
		Redactor:      redactor,
		Metrics:       m,
		Logger:        logger,
		Tracer:        tel.Tracer(instrumentationPrefix + "internal/executor"),
		MaxIterations: cfg.Orchestrator.MaxIterations,
		MaxTokens:     cfg.Anthropic.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("init execution loop: %w", err)
	}

	var finalizer orchestrator.Finalizer
	if cfg.FinalizationEnabled() {
		ghClient, err := github.NewClient(ctx, cfg.GitHub.Token, cfg.GitHub.APIURL)
		if err != nil {
			return fmt.Errorf("init github client: %w", err)
		}
		finalizer = github.New(ghClient, st, cfg.GitHub, github.WithLogger(logger.Named("github")))
	} else {
		logger.Info(ctx, "github token not set, pull request finalization disabled")
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Store:     st,
		Events:    pub,
		Agents:    agentReg,
		Loop:      loop,
		Resolver:  workspace.DirResolver{Root: cfg.Workspace.Root},
		Finalizer: finalizer,
		Answers:   gate,
		Redactor:  redactor,
		Metrics:   m,
		Logger:    logger,
		Tracer:    tel.Tracer(instrumentationPrefix + "internal/orchestrator"),
		Config:    cfg.Orchestrator,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	srv, err := httpserver.NewServer(httpserver.Deps{
		Service:  orch,
		PubSub:   st,
		Agents:   agentReg,
		Gatherer: prometheus.DefaultGatherer,
		Metrics:  httpserver.NewHTTPMetrics(tel.Meter(instrumentationPrefix+"internal/http"), logger),
		Logger:   logger,
	}, &httpserver.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("init http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		store.RunJanitor(gctx, st, cfg.NATS.SweepInterval.Duration(), func(err error) {
			logger.Warn(gctx, "expired key sweep failed", zap.Error(err))
		})
		return nil
	})
	g.Go(func() error {
		return orch.Run(gctx)
	})
	if cfg.Agents.Dir != "" && cfg.Agents.Watch {
		g.Go(func() error {
			return agentReg.Watch(gctx, cfg.Agents.Dir, logger.Named("agents"))
		})
	}
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info(context.WithoutCancel(ctx), "shutdown complete")
	return nil
}

// connectNATS dials cfg.URL, or starts an in-process server when
// cfg.Embedded is set. The returned func closes whatever was opened.
func connectNATS(ctx context.Context, cfg config.NATSConfig, logger *logging.Logger) (*nats.Conn, func(), error) {
	url := cfg.URL
	shutdown := func() {}
	if cfg.Embedded {
		ns, err := store.StartEmbedded(store.EmbeddedOptions{StoreDir: cfg.StoreDir})
		if err != nil {
			return nil, nil, err
		}
		url = ns.ClientURL()
		shutdown = ns.Shutdown
		logger.Info(ctx, "embedded nats server started", zap.String("url", url))
	}

	nc, err := nats.Connect(url,
		nats.Name("orbitd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Duration()),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		shutdown()
		return nil, nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	logger.Info(ctx, "connected to nats", zap.String("url", url))

	return nc, func() {
		nc.Close()
		shutdown()
	}, nil
}
