package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"copy-mirror/internal/adapters"
	"copy-mirror/internal/config"
	"copy-mirror/internal/domain"
	"copy-mirror/internal/learner"
	"copy-mirror/internal/logging"
	"copy-mirror/internal/observability"
	"copy-mirror/internal/pipeline"
	"copy-mirror/internal/reporting"
	"copy-mirror/internal/storage"
	chstore "copy-mirror/internal/storage/clickhouse"
	"copy-mirror/internal/storage/memory"
	"copy-mirror/internal/storage/migrations"
	pgstore "copy-mirror/internal/storage/postgres"
)

const signalPage = 1000

func main() {
	latencies := flag.String("run-latencies", "", "Comma separated delays in ms (default from config)")
	seed := flag.Int64("seed", 0, "Learner seed, 0 keeps the configured seed")
	adaptive := flag.Bool("adaptive", false, "Learn parameters during each replay instead of using the configured ones")
	useMemory := flag.Bool("use-memory", false, "Read trades from --input instead of PostgreSQL")
	postgresDSN := flag.String("postgres-dsn", "", "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "ClickHouse connection string for sweep results")
	input := flag.String("input", "", "JSON lines of raw trades")
	venue := flag.String("venue", "", "JSON venue fixture (instruments, books, outcomes); default is the configured target")
	source := flag.String("source", "", "Signal source to replay from PostgreSQL (default from config)")
	configPath := flag.String("config", "", "YAML config file")
	envFile := flag.String("env-file", "", "dotenv file loaded before the environment")
	format := flag.String("format", "table", "Output format: table, json, csv or markdown")
	output := flag.String("output", "", "Write the report to this file instead of stdout")
	flag.Parse()

	settings, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(settings.LogLevel, settings.LogFormat)
	log := logger.WithField("cmd", "replay")

	if *latencies != "" {
		ms, err := parseLatencies(*latencies)
		if err != nil {
			log.Fatalf("--run-latencies: %v", err)
		}
		settings.SweepLatenciesMs = ms
	}
	if *seed != 0 {
		settings.LearningSeed = *seed
	}
	if *postgresDSN != "" {
		settings.PostgresDSN = *postgresDSN
	}
	if *clickhouseDSN != "" {
		settings.ClickhouseDSN = *clickhouseDSN
	}
	if *source != "" {
		settings.SourceName = *source
	}
	if err := settings.Validate(); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	trades, err := loadTrades(ctx, *useMemory, *input, settings)
	if err != nil {
		log.Fatalf("load trades: %v", err)
	}
	if len(trades) == 0 {
		log.Fatal("no trades to replay")
	}

	target, outcomes, err := openVenue(*venue, settings)
	if err != nil {
		log.Fatalf("venue: %v", err)
	}

	var analytics storage.AnalyticsStore = memory.NewAnalyticsStore()
	if settings.ClickhouseDSN != "" {
		if err := migrations.CreateClickhouseDatabase(ctx, settings.ClickhouseDSN); err != nil {
			log.Fatalf("clickhouse: %v", err)
		}
		conn, err := chstore.NewConn(ctx, settings.ClickhouseDSN)
		if err != nil {
			log.Fatalf("clickhouse: %v", err)
		}
		defer conn.Close()
		if err := migrations.RunClickhouseMigrations(ctx, conn); err != nil {
			log.Fatalf("clickhouse migrations: %v", err)
		}
		analytics = chstore.NewAnalyticsStore(conn)
	}

	opts := pipeline.SweepOptions{
		Trades:    trades,
		Source:    settings.SourceName,
		Target:    target,
		Outcomes:  outcomes,
		Settings:  settings,
		Analytics: analytics,
		Logger:    logger,
		Metrics:   observability.Nop{},
	}
	if *adaptive {
		opts.NewLearner = func() (*learner.Learner, error) {
			return learner.New(learner.Options{Config: pipeline.LearnerConfig(settings), Logger: logger})
		}
	}

	log.WithFields(logrus.Fields{
		"trades":    len(trades),
		"latencies": settings.SweepLatenciesMs,
		"seed":      settings.LearningSeed,
		"adaptive":  *adaptive,
	}).Info("sweep starting")

	results, err := pipeline.Sweep(ctx, opts)
	if err != nil {
		log.Fatalf("sweep: %v", err)
	}

	runIDs := make([]string, len(results))
	for i, r := range results {
		runIDs[i] = r.RunID
	}
	report, err := reporting.NewGenerator(analytics).Generate(ctx, runIDs, trades, settings.LearningSeed, *adaptive)
	if err != nil {
		log.Fatalf("generate report: %v", err)
	}

	var w io.Writer = os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			log.Fatalf("create output: %v", err)
		}
		defer f.Close()
		w = f
	}
	if err := writeReport(w, *format, report); err != nil {
		log.Fatalf("write report: %v", err)
	}
}

func writeReport(w io.Writer, format string, r *reporting.Report) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "csv":
		_, err := io.WriteString(w, reporting.RenderCSV(r.Latency))
		return err
	case "markdown", "md":
		_, err := io.WriteString(w, reporting.RenderMarkdown(r))
		return err
	case "table", "":
		return printTable(w, r)
	}
	return fmt.Errorf("unknown format %q", format)
}

func parseLatencies(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ms, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid latency %q: %w", part, err)
		}
		if ms < 0 {
			return nil, fmt.Errorf("negative latency %d", ms)
		}
		out = append(out, ms)
	}
	if len(out) == 0 {
		return nil, errors.New("no latencies")
	}
	return out, nil
}

func loadTrades(ctx context.Context, useMemory bool, input string, s config.Settings) ([]domain.RawTrade, error) {
	if useMemory || input != "" {
		if input == "" {
			return nil, errors.New("--input is required with --use-memory")
		}
		f, err := os.Open(input)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return adapters.ReadTrades(f)
	}

	if s.PostgresDSN == "" {
		return nil, errors.New("--postgres-dsn or --input is required")
	}
	pool, err := pgstore.NewPool(ctx, s.PostgresDSN)
	if err != nil {
		return nil, err
	}
	defer pool.Close()
	return storedTrades(ctx, pgstore.NewRepository(pool), s.SourceName)
}

// storedTrades reads every signal of source back as raw trades. The signal
// id stands in for the trade id so fills of one trade stay distinct.
func storedTrades(ctx context.Context, r storage.SignalReader, source string) ([]domain.RawTrade, error) {
	var out []domain.RawTrade
	var after int64
	for {
		page, err := r.ListSignals(ctx, source, after, signalPage)
		if err != nil {
			return nil, fmt.Errorf("list signals: %w", err)
		}
		for _, sig := range page {
			out = append(out, domain.RawTrade{
				TradeID:         sig.SignalID,
				Wallet:          sig.Wallet,
				InstrumentRef:   sig.InstrumentRef,
				InstrumentTitle: sig.InstrumentTitle,
				Side:            sig.Side,
				Action:          sig.Action,
				Price:           sig.Price,
				Size:            sig.Size,
				Timestamp:       sig.Timestamp,
				ExpiresAt:       sig.ExpiresAt,
				Strike:          sig.Strike,
			})
			after = sig.Sequence
		}
		if len(page) < signalPage {
			return out, nil
		}
	}
}

func openVenue(path string, s config.Settings) (adapters.TargetAdapter, adapters.OutcomeSource, error) {
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		t, err := adapters.LoadStaticTarget(f)
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil
	}
	if s.TargetBaseURL == "" {
		return nil, nil, errors.New("--venue or target_base_url is required")
	}
	t := adapters.NewHTTPTarget(adapters.HTTPTargetConfig{
		BaseURL:    s.TargetBaseURL,
		APIKey:     s.TargetAPIKey,
		RatePerSec: s.TargetRatePerSec,
		Timeout:    s.AdapterTimeout(),
		Retry:      adapters.DefaultRetryPolicy(),
	})
	return t, t, nil
}

func printTable(w io.Writer, r *reporting.Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "delay_ms\tsignals\tfilled\tpartial\tmissed\texpired\tunavailable\tfill_rate\tslip_bps\tshortfall_bps\tpnl\t")
	for _, l := range r.Latency {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%.3f\t%.1f\t%.1f\t%.2f\t\n",
			l.DelayMs, l.Signals, l.Filled, l.Partial, l.Missed, l.Expired, l.Unavailable,
			l.FillRate, l.AvgSlippageBps, l.AvgShortfallBps, l.RealizedPnL)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, d := range r.Degradation {
		delta := time.Duration(d.DelayMs-d.BaselineDelayMs) * time.Millisecond
		fmt.Fprintf(w, "+%s: fill rate %+.3f, slippage %+.1f bps, shortfall %+.1f bps, pnl %+.2f\n",
			delta, d.FillRateDelta, d.SlippageDeltaBps, d.ShortfallDeltaBps, d.PnLDelta)
	}
	return nil
}
