package settlementd

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"agentescrow/cardano"
	"agentescrow/cardano/blockfrost"
	"agentescrow/lease"
	"agentescrow/observability/logging"
	telemetry "agentescrow/observability/otel"
	"agentescrow/retry"
	"agentescrow/scheduler"
	"agentescrow/secrets"
	"agentescrow/services/settlementd/handlers"
	"agentescrow/store"
	"agentescrow/wallet"
)

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settlementd/config.yaml", "path to settlementd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("SETTLEMENTD_ENV"))
	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service: "settlementd",
		Env:     env,
		Level:   logging.ParseLevel(cfg.Logging.Level),
		File:    cfg.Logging.File,
	})
	defer logCloser.Close()

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "settlementd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
		SampleRatio: telemetry.ParseSampleRatio(os.Getenv("OTEL_TRACES_SAMPLER_ARG")),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := store.Open(store.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	repo := store.New(db, time.Now)

	providers, err := buildProviders(cfg.Blockfrost)
	if err != nil {
		return err
	}

	secretManager, err := secrets.NewManager(secrets.Config{
		Backend:        secrets.Backend(cfg.Secrets.Backend),
		BasePath:       cfg.Secrets.BasePath,
		PassphraseName: cfg.Secrets.PassphraseName,
	})
	if err != nil {
		return fmt.Errorf("init secrets: %w", err)
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Initial:     cfg.Retry.Initial.Duration,
		Multiplier:  cfg.Retry.Multiplier,
		Max:         cfg.Retry.Max.Duration,
	}
	handlerEnv := &handlers.Env{
		Repo:      repo,
		Leases:    lease.NewManager(repo, cfg.Lease.TTL.Duration, policy),
		Providers: providers,
		Wallets:   wallet.NewOpener(secretManager, nil),
		Policy:    policy,
		Tx: handlers.TxSettings{
			ProductTag:          cfg.Tx.ProductTag,
			ValiditySlack:       cfg.Tx.ValiditySlack.Duration,
			ConfirmationTimeout: cfg.Tx.ConfirmationTimeout.Duration,
			Parallelism:         cfg.Tx.Parallelism,
		},
		Clock:  time.Now,
		Logger: logger,
	}

	sched := scheduler.New(scheduler.Config{Logger: logger})
	if err := registerHandlers(sched, cfg, handlerEnv, logger); err != nil {
		return err
	}

	adminServer := NewAdminServer(sched, cfg.Admin.BearerToken, logger)
	httpServer := &http.Server{
		Addr:         cfg.Admin.Listen,
		Handler:      adminServer.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(stopCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Wait()

	errs := make(chan error, 1)
	go func() {
		logger.Info("settlementd admin listening", slog.String("addr", cfg.Admin.Listen))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		stop()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func buildProviders(cfg map[string]BlockfrostConfig) (map[cardano.Network]cardano.Provider, error) {
	providers := make(map[cardano.Network]cardano.Provider, len(cfg))
	for name, bf := range cfg {
		network, err := cardano.ParseNetwork(name)
		if err != nil {
			return nil, err
		}
		client, err := blockfrost.New(blockfrost.Config{
			Network:           network,
			BaseURL:           bf.BaseURL,
			ProjectID:         bf.ProjectID,
			RequestsPerSecond: bf.RequestsPerSecond,
			Burst:             bf.Burst,
			Timeout:           bf.Timeout.Duration,
		})
		if err != nil {
			return nil, fmt.Errorf("blockfrost %s: %w", network, err)
		}
		providers[network] = client
		slog.Info("blockfrost provider configured",
			slog.String("network", string(network)),
			logging.MaskField("project_id", bf.ProjectID))
	}
	return providers, nil
}

// newHandler maps a handler name to its worker.
func newHandler(name string, env *handlers.Env, batch int) (handlers.Handler, error) {
	switch name {
	case handlers.NameDecision:
		return handlers.NewDecision(env, batch), nil
	case handlers.NameSubmitResult:
		return handlers.NewSubmitResult(env, batch), nil
	case handlers.NameRequestRefund:
		return handlers.NewRequestRefund(env, batch), nil
	case handlers.NameCancelRefund:
		return handlers.NewCancelRefund(env, batch), nil
	case handlers.NameCollectRefund:
		return handlers.NewCollectRefund(env, batch), nil
	case handlers.NameWithdraw:
		return handlers.NewWithdraw(env, batch), nil
	case handlers.NameCollateral:
		return handlers.NewCollateral(env, batch), nil
	case handlers.NameRegister:
		return handlers.NewRegister(env, batch), nil
	case handlers.NameDeregister:
		return handlers.NewDeregister(env, batch), nil
	case handlers.NameSync:
		return handlers.NewSync(env, batch), nil
	default:
		return nil, fmt.Errorf("unknown handler %q", name)
	}
}

// registerHandlers schedules every enabled handler plus the lease janitor.
func registerHandlers(sched *scheduler.Scheduler, cfg Config, env *handlers.Env, logger *slog.Logger) error {
	for _, name := range HandlerNames {
		hc := cfg.Handlers[name]
		if !hc.On() {
			logger.Info("handler disabled", slog.String("handler", name))
			continue
		}
		h, err := newHandler(name, env, hc.Batch)
		if err != nil {
			return err
		}
		if err := sched.Register(name, hc.Interval.Duration, runFunc(h)); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	janitor := handlers.NewJanitor(env)
	if err := sched.Register(janitor.Name(), cfg.Lease.SweepInterval.Duration, runFunc(janitor)); err != nil {
		return fmt.Errorf("register %s: %w", janitor.Name(), err)
	}
	return nil
}

func runFunc(h handlers.Handler) scheduler.RunFunc {
	return func(ctx context.Context) error {
		_, err := h.Run(ctx)
		return err
	}
}
