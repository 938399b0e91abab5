package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"statload/internal/config"
	"statload/internal/metrics"
	"statload/internal/metrics/datadog"
	"statload/internal/model"
)

// fakeRunner records the last request and returns a configurable job.
type fakeRunner struct {
	job    model.ProcessingJob
	err    error
	calls  atomic.Int64
	closed atomic.Int64

	mu      sync.Mutex
	lastReq runRequest
}

func (r *fakeRunner) Run(ctx context.Context, req runRequest) (model.ProcessingJob, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.lastReq = req
	r.mu.Unlock()
	return r.job, r.err
}

func (r *fakeRunner) Watch(ctx context.Context, req runRequest, out io.Writer) error {
	r.calls.Add(1)
	return r.err
}

func (r *fakeRunner) Close() { r.closed.Add(1) }

// fakeMetricsBackend is a deterministic metrics backend used by initMetrics tests.
type fakeMetricsBackend struct {
	closeErr error
	closed   atomic.Int64
}

func (b *fakeMetricsBackend) IncCounter(string, float64, metrics.Labels)       {}
func (b *fakeMetricsBackend) ObserveHistogram(string, float64, metrics.Labels) {}

func (b *fakeMetricsBackend) Close() error {
	b.closed.Add(1)
	return b.closeErr
}

func TestRunMain_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		args          []string
		wantStderrSub string
	}{
		{name: "missing_job", args: []string{}, wantStderrSub: "usage: etl -job"},
		{name: "blank_job", args: []string{"-job", "   "}, wantStderrSub: "usage: etl -job"},
		{name: "unknown_flag_is_usage_error", args: []string{"-nope"}, wantStderrSub: "flag provided but not defined"},
		{name: "bad_map", args: []string{"-job", "j", "-map", "x=TIME"}, wantStderrSub: "column must be a non-negative integer"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer

			// Each seam fatals if called: usage failures short-circuit before
			// any side effects.
			code := runMain(context.Background(), tc.args, &stdout, &stderr, appDeps{
				loadConfig: func(string) (config.Config, error) {
					t.Fatalf("loadConfig must not be called on usage errors")
					return config.Config{}, nil
				},
				newRunner: func(config.Config, bool) (runner, error) {
					t.Fatalf("newRunner must not be called on usage errors")
					return &fakeRunner{}, nil
				},
				initMetrics: func(context.Context, string, config.Metrics) (func(), error) {
					t.Fatalf("initMetrics must not be called on usage errors")
					return func() {}, nil
				},
			})

			if code != 2 {
				t.Fatalf("exit code=%d, want 2; stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if stdout.Len() != 0 {
				t.Fatalf("stdout=%q, want empty", stdout.String())
			}
		})
	}
}

func TestRunMain_FullFlow(t *testing.T) {
	t.Parallel()

	completed := model.ProcessingJob{ID: "p-1", Status: model.JobCompleted, Message: "processed 3 rows, saved 3 facts, quality 1.00"}
	failed := model.ProcessingJob{ID: "p-2", Status: model.JobFailed, Message: "CsvAnalysis not found"}

	tests := []struct {
		name             string
		loadErr          error
		badConfig        bool
		initMetricsErr   error
		newRunnerErr     error
		job              model.ProcessingJob
		runErr           error
		wantCode         int
		wantStderrSub    string
		wantStdoutSub    string
		wantRunnerCalls  int64
		wantCleanupCalls int64
	}{
		{name: "load_config_error", loadErr: errors.New("no such file"), wantCode: 1, wantStderrSub: "load config:"},
		{name: "invalid_config", badConfig: true, wantCode: 1, wantStderrSub: "configuration is invalid"},
		{name: "init_metrics_error", initMetricsErr: errors.New("metrics unavailable"), wantCode: 1, wantStderrSub: "init metrics:"},
		{name: "new_runner_error_runs_cleanup", newRunnerErr: errors.New("db down"), wantCode: 1, wantStderrSub: "init: db down", wantCleanupCalls: 1},
		{name: "not_found", runErr: model.NotFoundf("upload file x"), wantCode: 3, wantStderrSub: "run: NOT_FOUND", wantRunnerCalls: 1, wantCleanupCalls: 1},
		{name: "bad_request", runErr: model.BadRequestf("unknown dimension type"), wantCode: 2, wantStderrSub: "run: BAD_REQUEST", wantRunnerCalls: 1, wantCleanupCalls: 1},
		{name: "job_failed", job: failed, wantCode: 1, wantStdoutSub: `"status": "FAILED"`, wantRunnerCalls: 1, wantCleanupCalls: 1},
		{name: "success", job: completed, wantCode: 0, wantStdoutSub: `"status": "COMPLETED"`, wantRunnerCalls: 1, wantCleanupCalls: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			fr := &fakeRunner{job: tc.job, err: tc.runErr}

			var cleanupCalls atomic.Int64
			deps := appDeps{
				loadConfig: func(path string) (config.Config, error) {
					if path != "cfg.yaml" {
						t.Fatalf("loadConfig path=%q, want %q", path, "cfg.yaml")
					}
					cfg := config.Defaults()
					if tc.badConfig {
						cfg.ConfidenceThreshold = 2
					}
					return cfg, tc.loadErr
				},
				initMetrics: func(ctx context.Context, jobName string, m config.Metrics) (func(), error) {
					if jobName != "statload" || m.Backend != "none" {
						t.Fatalf("initMetrics job=%q backend=%q", jobName, m.Backend)
					}
					if tc.initMetricsErr != nil {
						return func() {}, tc.initMetricsErr
					}
					return func() { cleanupCalls.Add(1) }, nil
				},
				newRunner: func(config.Config, bool) (runner, error) {
					if tc.newRunnerErr != nil {
						return nil, tc.newRunnerErr
					}
					return fr, nil
				},
			}

			code := runMain(
				context.Background(),
				[]string{"-config", "cfg.yaml", "-metrics-backend", "none", "-job", "up-1", "-file", "a.csv", "-map", "0=INDICATOR_NAME, 2=indicator_value", "-batch-size", "50"},
				&stdout,
				&stderr,
				deps,
			)

			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if tc.wantStderrSub != "" && !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if tc.wantStdoutSub != "" && !strings.Contains(stdout.String(), tc.wantStdoutSub) {
				t.Fatalf("stdout=%q, want contains %q", stdout.String(), tc.wantStdoutSub)
			}
			if got := fr.calls.Load(); got != tc.wantRunnerCalls {
				t.Fatalf("runner calls=%d, want %d", got, tc.wantRunnerCalls)
			}
			if got := cleanupCalls.Load(); got != tc.wantCleanupCalls {
				t.Fatalf("cleanup calls=%d, want %d", got, tc.wantCleanupCalls)
			}
			if tc.wantRunnerCalls == 1 {
				if fr.closed.Load() != 1 {
					t.Fatalf("runner not closed")
				}
				want := runRequest{
					Job: "up-1", File: "a.csv", BatchSize: 50,
					Mappings: []manualMapping{{Column: 0, Type: "INDICATOR_NAME"}, {Column: 2, Type: "indicator_value"}},
				}
				if fmt.Sprint(fr.lastReq) != fmt.Sprint(want) {
					t.Fatalf("request=%+v, want %+v", fr.lastReq, want)
				}
			}
		})
	}
}

func TestRunMain_ValidateOnly(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"-validate"}, &stdout, &stderr, appDeps{
		loadConfig: func(string) (config.Config, error) { return config.Defaults(), nil },
		initMetrics: func(context.Context, string, config.Metrics) (func(), error) {
			t.Fatalf("initMetrics must not be called with -validate")
			return nil, nil
		},
		newRunner: func(config.Config, bool) (runner, error) {
			t.Fatalf("newRunner must not be called with -validate")
			return nil, nil
		},
	})
	if code != 0 || !strings.Contains(stdout.String(), "configuration is valid") {
		t.Fatalf("code=%d stdout=%q stderr=%q", code, stdout.String(), stderr.String())
	}
}

func TestParseMappings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    []manualMapping
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "0=TIME", want: []manualMapping{{0, "TIME"}}},
		{in: " 1 = LOCATION ,,3=UNIT", want: []manualMapping{{1, "LOCATION"}, {3, "UNIT"}}},
		{in: "TIME", wantErr: true},
		{in: "-1=TIME", wantErr: true},
	}
	for _, tc := range tests {
		got, err := parseMappings(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("parseMappings(%q) err=%v wantErr=%v", tc.in, err, tc.wantErr)
		}
		if fmt.Sprint(got) != fmt.Sprint(tc.want) {
			t.Fatalf("parseMappings(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

// The initMetrics tests swap package-level seams and do not run in parallel.

func TestInitMetrics_None_DoesNotMutateGlobalState(t *testing.T) {
	oldSet := setMetricsBackend
	defer func() { setMetricsBackend = oldSet }()
	setMetricsBackend = func(metrics.Backend) {
		t.Fatalf("setMetricsBackend must not be called for none/noop")
	}

	for _, name := range []string{"", "none", "noop"} {
		cleanup, err := initMetrics(context.Background(), "job", config.Metrics{Backend: name})
		if err != nil || cleanup == nil {
			t.Fatalf("initMetrics(%q) cleanup=%v err=%v", name, cleanup != nil, err)
		}
		cleanup()
	}
}

func TestInitMetrics_Unknown(t *testing.T) {
	cleanup, err := initMetrics(context.Background(), "job", config.Metrics{Backend: "statsd"})
	if err == nil || !strings.Contains(err.Error(), "unknown metrics backend") {
		t.Fatalf("err=%v, want unknown backend", err)
	}
	cleanup()
}

func TestInitMetrics_Datadog_WiresBackendAndCloses(t *testing.T) {
	b := &fakeMetricsBackend{}

	var (
		newCalls atomic.Int64
		setCalls atomic.Int64
		gotOpts  datadog.Options
	)

	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	defer func() {
		newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog
	}()

	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		newCalls.Add(1)
		gotOpts = opts
		return b, nil
	}
	setMetricsBackend = func(metrics.Backend) { setCalls.Add(1) }

	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	t.Setenv("METRICS_TAGS", "team:stats")
	cleanup, err := initMetrics(context.Background(), "jobA", config.Metrics{Backend: "datadog", FlushEvery: "15s", Tags: "env:test"})
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}

	if gotOpts.JobName != "jobA" || gotOpts.FlushEvery != 15*time.Second {
		t.Fatalf("datadog options=%+v", gotOpts)
	}
	if fmt.Sprint(gotOpts.Tags) != "[env:test team:stats]" {
		t.Fatalf("tags=%v", gotOpts.Tags)
	}
	if newCalls.Load() != 1 || setCalls.Load() != 1 {
		t.Fatalf("new=%d set=%d, want 1/1", newCalls.Load(), setCalls.Load())
	}

	cleanup()
	if b.closed.Load() != 1 {
		t.Fatalf("backend closed=%d, want 1", b.closed.Load())
	}
	if logged.Len() != 0 {
		t.Fatalf("unexpected log output: %q", logged.String())
	}
}

func TestInitMetrics_Datadog_CloseErrorIsLogged(t *testing.T) {
	b := &fakeMetricsBackend{closeErr: errors.New("flush failed")}

	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	defer func() {
		newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog
	}()

	newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) { return b, nil }
	setMetricsBackend = func(metrics.Backend) {}

	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	cleanup, err := initMetrics(context.Background(), "job", config.Metrics{Backend: "dd"})
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	cleanup()
	if !strings.Contains(logged.String(), "flush failed") {
		t.Fatalf("log=%q, want close error", logged.String())
	}
}

func TestInitMetrics_Datadog_InitError(t *testing.T) {
	oldNew, oldSet := newDatadogBackend, setMetricsBackend
	defer func() { newDatadogBackend, setMetricsBackend = oldNew, oldSet }()

	newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) {
		return nil, errors.New("no api key")
	}
	setMetricsBackend = func(metrics.Backend) { t.Fatalf("must not install a failed backend") }

	cleanup, err := initMetrics(context.Background(), "job", config.Metrics{Backend: "datadog"})
	if err == nil || cleanup == nil {
		t.Fatalf("err=%v cleanup=%v", err, cleanup != nil)
	}
}

// End to end over the real pipeline with in-memory storage.
func TestPipeline_AnalyzeMapIngest(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "up-1"), 0o755); err != nil {
		t.Fatal(err)
	}
	csv := "Indicator,Year,Country,Value\n" +
		"GDP,2020,Germany,3.8\n" +
		"GDP,2021,Germany,4.2\n" +
		"CPI,2021,France,1.6\n"
	if err := os.WriteFile(filepath.Join(root, "up-1", "stats.csv"), []byte(csv), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Defaults()
	cfg.Storage.Kind = "memory"
	cfg.UploadRoot = root

	deps := defaultDeps()
	deps.loadConfig = func(string) (config.Config, error) { return cfg, nil }

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"-job", "up-1", "-file", "stats.csv", "-auto-map", "-metrics-backend", "none"}, &stdout, &stderr, deps)
	if code != 0 {
		t.Fatalf("code=%d stderr=%s stdout=%s", code, stderr.String(), stdout.String())
	}

	var job model.ProcessingJob
	if err := json.Unmarshal(stdout.Bytes(), &job); err != nil {
		t.Fatalf("stdout is not a job: %v\n%s", err, stdout.String())
	}
	if job.Status != model.JobCompleted || job.RecordsProcessed != 3 || job.ErrorCount != 0 || job.FactsSaved != 3 {
		t.Fatalf("job=%+v", job)
	}
	if job.Message != "processed 3 rows, saved 3 facts, quality 1.00" {
		t.Fatalf("message=%q", job.Message)
	}
}

func TestPipeline_MissingUpload(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	cfg.Storage.Kind = "memory"
	cfg.UploadRoot = t.TempDir()

	r, err := newPipeline(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	_, err = r.Run(context.Background(), runRequest{Job: "up-1", File: "missing.csv"})
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err=%v, want not found", err)
	}
	if exitCode(err) != 3 {
		t.Fatalf("exitCode=%d want 3", exitCode(err))
	}
}
