package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/grafana/pyroscope-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"copy-mirror/internal/adapters"
	"copy-mirror/internal/api"
	"copy-mirror/internal/config"
	"copy-mirror/internal/domain"
	"copy-mirror/internal/execution"
	"copy-mirror/internal/ingestion"
	"copy-mirror/internal/learner"
	"copy-mirror/internal/logging"
	"copy-mirror/internal/observability"
	"copy-mirror/internal/pipeline"
	"copy-mirror/internal/simulation"
	"copy-mirror/internal/storage"
	chstore "copy-mirror/internal/storage/clickhouse"
	"copy-mirror/internal/storage/memory"
	"copy-mirror/internal/storage/migrations"
	pgstore "copy-mirror/internal/storage/postgres"
)

type flags struct {
	mode          string
	liveConfirm   string
	configPath    string
	envFile       string
	useMemory     bool
	postgresDSN   string
	clickhouseDSN string
	source        string
	httpAddr      string
}

func main() {
	var f flags
	flag.StringVar(&f.mode, "mode", "shadow", "Execution mode at startup: shadow or live")
	flag.StringVar(&f.liveConfirm, "live-confirm", "", "Confirmation phrase for --mode live (prompted when empty)")
	flag.StringVar(&f.configPath, "config", "", "YAML config file")
	flag.StringVar(&f.envFile, "env-file", "", "dotenv file loaded before the environment")
	flag.BoolVar(&f.useMemory, "use-memory", false, "Use in-memory storage")
	flag.StringVar(&f.postgresDSN, "postgres-dsn", "", "PostgreSQL connection string")
	flag.StringVar(&f.clickhouseDSN, "clickhouse-dsn", "", "ClickHouse connection string")
	flag.StringVar(&f.source, "source", "", "Source adapter: ws or kafka")
	flag.StringVar(&f.httpAddr, "http-addr", "", "Operator API listen address")
	flag.Parse()

	if err := run(f); err != nil {
		fmt.Fprintf(os.Stderr, "mirror: %v\n", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	settings, err := config.Load(f.configPath, f.envFile)
	if err != nil {
		return err
	}
	if f.postgresDSN != "" {
		settings.PostgresDSN = f.postgresDSN
	}
	if f.clickhouseDSN != "" {
		settings.ClickhouseDSN = f.clickhouseDSN
	}
	if f.source != "" {
		settings.SourceKind = f.source
	}
	if f.httpAddr != "" {
		settings.HTTPAddr = f.httpAddr
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	if f.mode != "shadow" && f.mode != "live" {
		return fmt.Errorf("--mode must be shadow or live, got %q", f.mode)
	}

	logger := logging.New(settings.LogLevel, settings.LogFormat)
	log := logger.WithField("cmd", "mirror")

	if settings.PyroscopeURL != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "copy-mirror",
			ServerAddress:   settings.PyroscopeURL,
			Tags:            map[string]string{"source": settings.SourceName},
			Logger:          logger.WithField("component", "pyroscope"),
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return fmt.Errorf("start profiler: %w", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics("copy_mirror")

	repo, analytics, ready, closeStores, err := openStores(ctx, f.useMemory, settings, log)
	if err != nil {
		return err
	}
	defer closeStores()

	target := adapters.NewHTTPTarget(adapters.HTTPTargetConfig{
		BaseURL:    settings.TargetBaseURL,
		APIKey:     settings.TargetAPIKey,
		RatePerSec: settings.TargetRatePerSec,
		Timeout:    settings.AdapterTimeout(),
		Retry: adapters.RetryPolicy{
			MaxRetries:      settings.AdapterMaxRetries,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
	})
	var depth simulation.DepthSource = target
	if settings.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: settings.RedisAddr})
		defer client.Close()
		cached := adapters.NewCachedDepth(target, client, settings.DepthCacheTTL(), logger)
		if err := cached.Ping(ctx); err != nil {
			log.WithError(err).Warn("depth cache unreachable, reads fall through to the venue")
		}
		depth = cached
	}

	src, closeSource, err := openSource(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	var publisher ingestion.Publisher
	if settings.SignalsTopic != "" && len(settings.KafkaBrokers) > 0 {
		pub := adapters.NewKafkaPublisher(settings.KafkaBrokers, settings.SignalsTopic)
		defer pub.Close()
		publisher = pub
	}

	core, err := pipeline.NewCore(ctx, settings, pipeline.CoreDeps{
		Repo:    repo,
		Catalog: target,
		Depth:   depth,
		Clock:   simulation.RealClock{},
		Mode:    domain.ModeShadow,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	learn, err := learner.New(learner.Options{
		Config:  pipeline.LearnerConfig(settings),
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	if err := learn.Restore(ctx, repo); err != nil {
		return fmt.Errorf("restore learner: %w", err)
	}

	if !core.Restored {
		equity, err := core.Ledger.Equity(ctx)
		if err != nil {
			return fmt.Errorf("equity: %w", err)
		}
		core.Breaker.Reset(equity)
	}

	router := execution.NewRouter(execution.RouterOptions{
		Submitter: target,
		Limits: execution.RiskLimits{
			MaxPositionUSD:      settings.MaxPositionUSD,
			MaxTotalExposureUSD: settings.MaxTotalExposureUSD,
			DailyLossLimitUSD:   settings.DailyLossLimitUSD,
		},
		OrdersPerMinute: settings.LiveOrdersPerMinute,
		Logger:          logger,
		Metrics:         metrics,
	})

	ing := ingestion.NewIngestor(ingestion.Options{
		Repo:      repo,
		Source:    src.Name(),
		Publisher: publisher,
		Logger:    logger,
		Metrics:   metrics,
	})

	runID := uuid.NewString()
	if err := pipeline.RecordRun(ctx, repo, runID, domain.ModeShadow, settings.DefaultLatency(), settings, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	p, err := pipeline.New(pipeline.Options{
		Repo:       repo,
		Mapper:     core.Mapper,
		Simulator:  core.Simulator,
		Ledger:     core.Ledger,
		Controller: core.Controller,
		Breaker:    core.Breaker,
		Router:     router,
		Learner:    learn,
		Outcomes:   target,
		Marks:      depth,
		Analytics:  analytics,
		RunID:      runID,
		Delay:      settings.DefaultLatency(),
		Workers:    settings.SimulationWorkers,
		Now:        time.Now,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}

	if f.mode == "live" {
		phrase := f.liveConfirm
		if phrase == "" {
			if phrase, err = prompt(execution.ConfirmationPhrase); err != nil {
				return err
			}
		}
		if err := p.EnterLive(phrase); err != nil {
			return fmt.Errorf("enter live: %w", err)
		}
	}

	server := api.NewServer(api.Options{
		Addr:     settings.HTTPAddr,
		Operator: p,
		Metrics:  metrics.Handler(),
		Ready:    ready,
		Logger:   logger,
	})

	log.WithFields(logrus.Fields{
		"run_id": runID,
		"source": src.Name(),
		"mode":   f.mode,
		"delay":  settings.DefaultLatency(),
	}).Info("mirror starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return p.Run(gctx, ing, src, settings.PollInterval()) })

	err = g.Wait()
	switch {
	case errors.Is(err, pipeline.ErrFatalPersistence):
		log.WithError(err).Error("persistence failed, stopping")
		return err
	case err != nil && !errors.Is(err, context.Canceled):
		return err
	}
	log.Info("mirror stopped")
	return nil
}

func openStores(ctx context.Context, useMemory bool, s config.Settings, log logrus.FieldLogger) (storage.Repository, storage.AnalyticsStore, func(context.Context) error, func(), error) {
	if useMemory || s.PostgresDSN == "" {
		log.Info("using in-memory storage")
		return memory.NewRepository(), memory.NewAnalyticsStore(), nil, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, s.PostgresDSN)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	applied, err := migrations.RunPostgresMigrations(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}
	if len(applied) > 0 {
		log.WithField("versions", applied).Info("postgres migrations applied")
	}
	closers := []func(){pool.Close}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	ready := func(ctx context.Context) error { return pool.Ping(ctx) }

	var analytics storage.AnalyticsStore
	if s.ClickhouseDSN != "" {
		if err := migrations.CreateClickhouseDatabase(ctx, s.ClickhouseDSN); err != nil {
			closeAll()
			return nil, nil, nil, nil, err
		}
		conn, err := chstore.NewConn(ctx, s.ClickhouseDSN)
		if err != nil {
			closeAll()
			return nil, nil, nil, nil, err
		}
		closers = append(closers, func() { _ = conn.Close() })
		if err := migrations.RunClickhouseMigrations(ctx, conn); err != nil {
			closeAll()
			return nil, nil, nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		analytics = chstore.NewAnalyticsStore(conn)
	}
	return pgstore.NewRepository(pool), analytics, ready, closeAll, nil
}

type closingSource interface {
	adapters.SourceAdapter
	Close() error
}

func openSource(ctx context.Context, s config.Settings, logger logrus.FieldLogger) (closingSource, func(), error) {
	var src closingSource
	switch s.SourceKind {
	case "kafka":
		src = adapters.NewKafkaSource(adapters.KafkaSourceConfig{
			Name:      s.SourceName,
			Brokers:   s.KafkaBrokers,
			GroupID:   s.KafkaGroupID,
			Topic:     s.KafkaTopic,
			BatchSize: 500,
			MaxWait:   s.PollInterval(),
		}, logger)
	case "ws":
		cfg := adapters.DefaultWSSourceConfig()
		cfg.Name = s.SourceName
		cfg.URL = s.SourceWSURL
		cfg.Wallets = s.Wallets
		ws, err := adapters.NewWSSource(ctx, cfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect source: %w", err)
		}
		src = ws
	default:
		return nil, nil, fmt.Errorf("unknown source %q", s.SourceKind)
	}
	return src, func() { _ = src.Close() }, nil
}

func prompt(phrase string) (string, error) {
	fmt.Fprintf(os.Stderr, "LIVE mode places real orders. Type %q to continue: ", phrase)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read confirmation: %w", err)
	}
	return strings.TrimSpace(line), nil
}
