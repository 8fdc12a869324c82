package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gxo-labs/jsonl/internal/config"
	"github.com/gxo-labs/jsonl/internal/diagnostics"
	"github.com/gxo-labs/jsonl/internal/emitter"
	"github.com/gxo-labs/jsonl/internal/logger"
	"github.com/gxo-labs/jsonl/internal/metrics"
	"github.com/gxo-labs/jsonl/internal/secrets"
	"github.com/gxo-labs/jsonl/internal/tracing"
	"github.com/gxo-labs/jsonl/internal/verbosity"
	jsonl "github.com/gxo-labs/jsonl/pkg/jsonl/v1"
	jsonllog "github.com/gxo-labs/jsonl/pkg/jsonl/v1/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// stdinPath reads events from standard input.
const stdinPath = "-"

type replayOptions struct {
	configPath  string
	verbosity   int
	metricsAddr string
	recap       bool
}

func newReplayCmd() *cobra.Command {
	opts := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay [flags] file...",
		Short: "Emit recorded events as JSON Lines",
		Long: `Replay reads recorded engine events, one JSON object per line, and emits
them through the full pipeline to stdout. Each file is replayed concurrently
by its own producer, so records of one file keep their order. Use "-" to read
standard input.

The first SIGINT or SIGTERM stops reading and drains buffered records; a
second one abandons them.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, opts, args)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to a configuration YAML file")
	cmd.Flags().IntVarP(&opts.verbosity, "verbose", "v", 0, "Verbosity level; overrides the configured one")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().BoolVar(&opts.recap, "recap", false, "Emit a play_recap tallied from the replayed results at the end")
	return cmd
}

func runReplay(cmd *cobra.Command, opts *replayOptions, files []string) error {
	if err := checkInputs(files); err != nil {
		return withExitCode(ExitUsageError, err)
	}

	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.LoadFromFile(opts.configPath)
		if err != nil {
			return withExitCode(ExitFailure, err)
		}
		cfg = loaded
	}
	level := cfg.GetVerbosity()
	if cmd.Flags().Changed("verbose") {
		lvl, err := verbosity.ParseLevel(opts.verbosity)
		if err != nil {
			return withExitCode(ExitUsageError, err)
		}
		level = lvl
	}

	log := logger.NewLogger(cfg.GetLogLevel(), cfg.GetLogFormat(), cmd.ErrOrStderr())
	log = log.With("jsonl_version", Version)
	log.Debugf("Verbosity: %d", level)
	log.Debugf("Inputs: %v", files)

	out := bufio.NewWriter(cmd.OutOrStdout())
	metricsProvider := metrics.NewPrometheusRegistryProvider()
	tracerProvider := tracing.NewProviderFromEnv(cmd.Context(), log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Error shutting down tracer provider: %v", err)
		}
	}()

	router := diagnostics.NewChannelRouter(DefaultDiagnosticBufferSize, log)
	listener := diagnostics.NewLogListener(router, log)
	go listener.Start(context.Background())
	defer func() {
		router.Close()
		<-listener.Done()
	}()

	e, err := emitter.New(log, emitterOptions(cfg, out, level, router, metricsProvider, tracerProvider)...)
	if err != nil {
		return withExitCode(ExitFailure, fmt.Errorf("create emitter: %w", err))
	}

	stopMetrics := serveMetrics(opts.metricsAddr, metricsProvider, log)
	defer stopMetrics()

	readCtx, cancelRead := context.WithCancel(cmd.Context())
	defer cancelRead()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var (
		sigMu          sync.Mutex
		receivedSignal os.Signal
		wg             sync.WaitGroup
	)
	handlerDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case sig := <-sigChan:
				sigMu.Lock()
				first := receivedSignal == nil
				receivedSignal = sig
				sigMu.Unlock()
				if first {
					log.Warnf("Received signal: %v. Draining buffered records...", sig)
					cancelRead()
					continue
				}
				log.Warnf("Received second signal: %v. Abandoning buffered records.", sig)
				e.Abort()
				return
			case <-handlerDone:
				return
			}
		}
	}()

	r := &replayer{e: e, level: level, log: log}
	bad, replayErr := replayFiles(readCtx, r, cmd, files)
	if opts.recap && readCtx.Err() == nil {
		e.EmitTalliedRecap(level)
	}

	report := e.Close(context.Background())
	close(handlerDone)
	wg.Wait()
	if report.Detached {
		log.Warnf("Output writer did not stop in time; skipping final flush.")
	} else if err := out.Flush(); err != nil {
		log.Warnf("Error flushing output: %v", err)
	}

	stats := e.Stats()
	log.Infof("Replay finished. Emitted=%d, Written=%d, Dropped=%d, Discarded=%d, Invalid=%d",
		stats.Emitted, report.Written, stats.Dropped, report.Discarded, stats.InvalidEvents)

	sigMu.Lock()
	finalSignal := receivedSignal
	sigMu.Unlock()
	return determineExit(report, bad, replayErr, finalSignal, log)
}

func checkInputs(files []string) error {
	stdin := 0
	for _, f := range files {
		if f == stdinPath {
			stdin++
		}
	}
	if stdin > 1 {
		return errors.New("standard input can only be replayed once")
	}
	return nil
}

// replayFiles runs one producer per input and returns the total number of
// lines skipped.
func replayFiles(ctx context.Context, r *replayer, cmd *cobra.Command, files []string) (int, error) {
	var (
		mu  sync.Mutex
		bad int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, path := range files {
		path := path
		g.Go(func() error {
			n, err := replayFile(gctx, r, cmd, path)
			mu.Lock()
			bad += n
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	return bad, err
}

func replayFile(ctx context.Context, r *replayer, cmd *cobra.Command, path string) (int, error) {
	if path == stdinPath {
		return r.replayStream(ctx, cmd.InOrStdin(), "stdin", producerName(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()
	r.log.Debugf("Replaying %s", path)
	return r.replayStream(ctx, f, path, producerName(path))
}

func emitterOptions(
	cfg *config.Config,
	out *bufio.Writer,
	level verbosity.Level,
	router diagnostics.Router,
	metricsProvider *metrics.PrometheusRegistryProvider,
	tracerProvider *tracing.OtelTracerProvider,
) []jsonl.Option {
	sinkCfg := cfg.GetSinkConfig()
	cleanerCfg := cfg.GetCleanerConfig(nil)
	opts := []jsonl.Option{
		jsonl.WithWriter(out),
		jsonl.WithSinkPolicy(jsonl.SinkPolicy{
			BufferCapacity:     sinkCfg.Capacity,
			BackpressurePolicy: string(sinkCfg.Policy),
			BlockTimeout:       sinkCfg.BlockTimeout,
			DrainTimeout:       sinkCfg.DrainTimeout,
			WriteAttempts:      sinkCfg.WriteAttempts,
			WriteRetryDelay:    sinkCfg.WriteRetryDelay,
		}),
		jsonl.WithDefaultVerbosity(level),
		jsonl.WithDiagnosticRouter(router),
		jsonl.WithActionWarnings(cfg.GetActionWarnings()),
		jsonl.WithRedactedKeywords(cleanerCfg.RedactedKeywords),
		jsonl.WithDenylist(cleanerCfg.Denylist),
		jsonl.WithPalette(cfg.GetPalette()),
		jsonl.WithSecretTracker(secrets.NewSecretTracker()),
		jsonl.WithMetricsRegistryProvider(metricsProvider),
		jsonl.WithTracerProvider(tracerProvider),
	}
	if keys := cfg.GetSecretEnv(); len(keys) > 0 {
		opts = append(opts, jsonl.WithSecretsProvider(secrets.NewEnvProvider(), keys...))
	}
	return opts
}

// serveMetrics exposes the registry over HTTP when addr is set. The returned
// function shuts the server down.
func serveMetrics(addr string, provider *metrics.PrometheusRegistryProvider, log jsonllog.Logger) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(provider.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Infof("Serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warnf("Error shutting down metrics server: %v", err)
		}
	}
}

func determineExit(report jsonl.DrainReport, bad int, replayErr error, sig os.Signal, log jsonllog.Logger) error {
	if sig != nil {
		switch sig {
		case syscall.SIGINT:
			log.Warnf("Replay interrupted by signal: SIGINT")
			return withExitCode(ExitSigInt, nil)
		case syscall.SIGTERM:
			log.Warnf("Replay terminated by signal: SIGTERM")
			return withExitCode(ExitSigTerm, nil)
		default:
			log.Warnf("Replay terminated by signal: %v", sig)
			return withExitCode(ExitFailure, nil)
		}
	}
	if replayErr != nil {
		return withExitCode(ExitFailure, replayErr)
	}
	if report.TimedOut || report.Aborted || report.Discarded > 0 {
		return withExitCode(ExitFailure, fmt.Errorf("output is incomplete: %d record(s) discarded", report.Discarded))
	}
	if report.Dropped > 0 {
		log.Warnf("%d record(s) were dropped by the backpressure policy.", report.Dropped)
	}
	if bad > 0 {
		return withExitCode(ExitFailure, fmt.Errorf("%d input line(s) could not be replayed", bad))
	}
	return nil
}
