// Command etl analyzes an uploaded statistics file, maps its columns and
// ingests it into the fact store.
//
// Usage:
//
//	etl -config statload.yaml -job up-1 -file stats.csv -auto-map
//	etl -job up-1 -file stats.csv -map "0=INDICATOR_NAME,1=TIME,3=INDICATOR_VALUE"
//	etl -config statload.yaml -watch
//
// The processing job is printed as JSON on stdout. Exit codes: 0 completed,
// 1 failed or internal error, 2 usage or bad request, 3 not found.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"statload/internal/config"
	"statload/internal/metrics"
	"statload/internal/metrics/datadog"
	"statload/internal/model"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "statload/internal/storage/all"
)

// runRequest is the parsed command line of one run.
type runRequest struct {
	Job       string
	File      string
	AutoMap   bool
	Mappings  []manualMapping
	BatchSize int
	Direction string
	Timeout   time.Duration
}

type manualMapping struct {
	Column int
	Type   string
}

// runner executes requests against a configured pipeline.
type runner interface {
	Run(ctx context.Context, req runRequest) (model.ProcessingJob, error)
	Watch(ctx context.Context, req runRequest, out io.Writer) error
	Close()
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	loadConfig  func(path string) (config.Config, error)
	initMetrics func(ctx context.Context, jobName string, m config.Metrics) (func(), error)
	newRunner   func(cfg config.Config, verbose bool) (runner, error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig:  config.Load,
		initMetrics: initMetrics,
		newRunner:   newPipeline,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("etl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfgPath := fs.String("config", "", "config file (JSON or YAML); defaults are used when empty")
	job := fs.String("job", "", "upload job id")
	file := fs.String("file", "", "file inside the upload job to analyze; empty reuses the latest analysis")
	autoMap := fs.Bool("auto-map", false, "accept every classifier suggestion before ingesting")
	mapFlag := fs.String("map", "", `explicit mappings "col=TYPE,col=TYPE"`)
	batchSize := fs.Int("batch-size", 0, "rows per batch (default from config)")
	direction := fs.String("direction", "", "optional direction tag stored on every fact")
	timeout := fs.Duration("timeout", 0, "job timeout (default from config)")
	watch := fs.Bool("watch", false, "watch the upload root and ingest new files until interrupted")
	validate := fs.Bool("validate", false, "validate the configuration and exit")
	metricsBackend := fs.String("metrics-backend", "", "metrics backend: datadog|none (default from config or METRICS_BACKEND)")
	verbose := fs.Bool("v", false, "enable verbose logs")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !*validate && !*watch && strings.TrimSpace(*job) == "" {
		fmt.Fprintln(stderr, "usage: etl -job <upload-job> [-file name] [-auto-map | -map col=TYPE,...] | etl -watch")
		return 2
	}
	mappings, err := parseMappings(*mapFlag)
	if err != nil {
		fmt.Fprintf(stderr, "usage: -map: %v\n", err)
		return 2
	}

	cfg, err := deps.loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	issues := cfg.Validate()
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(stderr, "configuration is invalid: %s\n", *cfgPath)
		return 1
	}
	if *validate {
		fmt.Fprintln(stdout, "configuration is valid")
		return 0
	}

	// Decide metrics backend: flag → config → env.
	mc := cfg.Metrics
	if *metricsBackend != "" {
		mc.Backend = *metricsBackend
	}
	if mc.Backend == "" {
		mc.Backend = os.Getenv("METRICS_BACKEND")
	}
	cleanup, err := deps.initMetrics(ctx, "statload", mc)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	r, err := deps.newRunner(cfg, *verbose)
	if err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	defer r.Close()

	req := runRequest{
		Job:       strings.TrimSpace(*job),
		File:      strings.TrimSpace(*file),
		AutoMap:   *autoMap,
		Mappings:  mappings,
		BatchSize: *batchSize,
		Direction: *direction,
		Timeout:   *timeout,
	}

	if *watch {
		if err := r.Watch(ctx, req, stdout); err != nil {
			fmt.Fprintf(stderr, "watch: %v\n", err)
			return 1
		}
		return 0
	}

	start := time.Now()
	pj, err := r.Run(ctx, req)
	if err != nil {
		fmt.Fprintf(stderr, "run: %s: %v\n", model.Code(err), err)
		return exitCode(err)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(pj); err != nil {
		fmt.Fprintf(stderr, "encode job: %v\n", err)
		return 1
	}
	if *verbose {
		log.Printf("completed job=%s status=%s in %s", pj.ID, pj.Status, time.Since(start).Truncate(time.Millisecond))
	}
	if pj.Status != model.JobCompleted {
		return 1
	}
	return 0
}

func exitCode(err error) int {
	switch model.Code(err) {
	case model.CodeNotFound:
		return 3
	case model.CodeBadRequest:
		return 2
	default:
		return 1
	}
}

// parseMappings parses "col=TYPE,col=TYPE". Types are checked by the
// mapping store.
func parseMappings(s string) ([]manualMapping, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []manualMapping
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		col, typ, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%q: want col=TYPE", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(col))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%q: column must be a non-negative integer", part)
		}
		out = append(out, manualMapping{Column: n, Type: strings.TrimSpace(typ)})
	}
	return out, nil
}

// metricsBackend is a metrics.Backend that must be closed to flush.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// Seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = metrics.SetBackend
	logPrintf         = log.Printf
)

// initMetrics installs the backend named by m.Backend and returns its
// cleanup. The returned func is never nil.
func initMetrics(ctx context.Context, jobName string, m config.Metrics) (func(), error) {
	noop := func() {}
	switch strings.ToLower(strings.TrimSpace(m.Backend)) {
	case "", "none", "noop":
		return noop, nil

	case "datadog", "dd":
		// Datadog buffers and submits on its own ticker; Close stops the
		// loop and performs the final flush.
		tags := datadog.ParseTagsCSV(m.Tags)
		if extra := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")); len(extra) > 0 {
			tags = append(tags, extra...)
		}
		flushEvery, _ := time.ParseDuration(strings.TrimSpace(m.FlushEvery))
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       tags,
			FlushEvery: flushEvery,
		})
		if err != nil {
			return noop, err
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close/flush error: %v", err)
			}
		}, nil

	default:
		return noop, fmt.Errorf("unknown metrics backend %q", m.Backend)
	}
}
