package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nomis52/searchfan/dispatch"
	"github.com/nomis52/searchfan/logging"
	"github.com/nomis52/searchfan/metrics"
	"github.com/nomis52/searchfan/searcher"
)

const jobName = "searchfan"

// separator closes each result block on stdout.
const separator = "----------------------------------------"

type Args struct {
	ConfigPath  string
	MaxParallel int // 0 means use the configured value
}

// usageError is a fatal error raised before any work starts. It triggers a
// usage hint on stderr in addition to the error message.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func main() {
	if err := doMain(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ue *usageError
		if errors.As(err, &ue) {
			printUsage()
		}
		os.Exit(1)
	}
}

func doMain() error {
	args, err := parseArgs()
	if err != nil {
		return err
	}

	cfg := DefaultConfig()
	if args.ConfigPath != "" {
		cfg, err = LoadConfig(args.ConfigPath)
		if err != nil {
			return fmt.Errorf("Error loading config: %w", err)
		}
	}
	if args.MaxParallel != 0 {
		cfg.Dispatch.MaxParallel = args.MaxParallel
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	queries, err := readQueries(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading queries: %w", err)
	}
	if len(queries) == 0 {
		return &usageError{"no queries on standard input"}
	}

	command := append([]string{cfg.Search.Command}, cfg.Search.Args...)
	search, err := searcher.New(command, searcher.WithLogger(logger.Logger))
	if err != nil {
		return err
	}

	runner := dispatch.New(search.Search,
		dispatch.WithMaxParallel(cfg.Dispatch.MaxParallel),
		dispatch.WithLogger(logger.Logger),
	)

	parallelism := runner.EffectiveParallelism(len(queries))
	logger.Info("starting search batch",
		"queries", len(queries),
		"parallelism", parallelism,
		"command", cfg.Search.Command)

	ctx := context.Background()
	start := time.Now()
	results, err := runner.Run(ctx, queries)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	printResults(os.Stdout, results)

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	logger.Info("search batch complete",
		"queries", len(results),
		"failed", failed,
		"duration", elapsed)

	if cfg.Monitoring.VictoriaMetricsURL != "" {
		logger.Info("pushing metrics", "url", cfg.Monitoring.VictoriaMetricsURL)
		if err := pushRunMetrics(ctx, cfg, len(results), failed, parallelism, elapsed); err != nil {
			// A metrics backend outage must not fail the batch.
			logger.Error("failed to push metrics", "error", err)
		}
	}

	if failed > 0 && cfg.Behavior.FailOnQueryError {
		return fmt.Errorf("%d of %d queries failed", failed, len(results))
	}
	return nil
}

func parseArgs() (Args, error) {
	configPath := flag.String("config", "", "Path to config file")
	configPathShort := flag.String("c", "", "Path to config file (shorthand)")
	flag.Parse()

	args := Args{ConfigPath: *configPath}
	if args.ConfigPath == "" {
		args.ConfigPath = *configPathShort
	}

	if flag.NArg() > 1 {
		return Args{}, &usageError{fmt.Sprintf("expected at most one positional argument, got %d", flag.NArg())}
	}
	if flag.NArg() == 1 {
		n, err := strconv.Atoi(flag.Arg(0))
		if err != nil {
			return Args{}, &usageError{fmt.Sprintf("invalid parallelism %q", flag.Arg(0))}
		}
		if n < 1 {
			return Args{}, &usageError{fmt.Sprintf("parallelism must be at least 1, got %d", n)}
		}
		args.MaxParallel = n
	}
	return args, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-c config.yaml] [parallelism]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Reads newline-delimited search queries from standard input, runs each through")
	fmt.Fprintln(os.Stderr, "the configured search command, and prints the results in input order.")
}

// readQueries reads newline-delimited queries, skipping blank lines.
func readQueries(r io.Reader) ([]string, error) {
	var queries []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		queries = append(queries, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return queries, nil
}

// printResults writes one labeled block per query, in input order. Failed
// queries keep whatever output their command produced, followed by the error.
func printResults(w io.Writer, results []dispatch.Result) {
	for _, res := range results {
		fmt.Fprintf(w, "### %s\n", res.Item)
		if res.Output != "" {
			fmt.Fprint(w, res.Output)
			if !strings.HasSuffix(res.Output, "\n") {
				fmt.Fprintln(w)
			}
		}
		if res.Err != nil {
			fmt.Fprintf(w, "error: %v\n", res.Err)
		}
		fmt.Fprintln(w, separator)
	}
}

// pushRunMetrics registers the run's summary metrics and pushes them to the
// configured remote write endpoint.
func pushRunMetrics(ctx context.Context, cfg Config, total, failed, parallelism int, elapsed time.Duration) error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("getting hostname: %w", err)
	}

	client := metrics.NewClient(cfg.Monitoring.VictoriaMetricsURL,
		metrics.WithPrefix(cfg.Monitoring.MetricsPrefix),
		metrics.WithJob(jobName),
		metrics.WithInstance(hostname),
	)

	queriesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queries_total",
		Help: "Number of queries dispatched in this run.",
	})
	queryFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "query_failures_total",
		Help: "Number of queries whose search command failed.",
	})
	runDuration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "run_duration_seconds",
		Help: "Wall-clock duration of the batch.",
	})
	workers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parallelism",
		Help: "Effective number of concurrent workers.",
	})
	client.MustRegister(queriesTotal, queryFailures, runDuration, workers)

	queriesTotal.Add(float64(total))
	queryFailures.Add(float64(failed))
	runDuration.Set(elapsed.Seconds())
	workers.Set(float64(parallelism))

	return client.Push(ctx)
}
