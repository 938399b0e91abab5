// Command probe analyzes statistical CSV files and suggests how their columns
// map to dimensions.
//
// Two input modes:
//
//   - -path <file>: analyze a local CSV or HTML file without storage.
//   - -job <id> [-file <name>]: analyze an uploaded file under the configured
//     upload root and persist the analysis in the configured repository.
//
// Output modes
//
//   - Default mode: prints the analysis as JSON on stdout. With -suggest the
//     JSON object carries the suggested mappings as well.
//   - Report mode (-report): prints the column report (and with -suggest the
//     mapping explanation) as plain text instead of JSON.
//   - Summary mode (-summary, job mode only): prints the dimension summary of
//     the job's mapped file as JSON.
//   - Table listing (-html-tables <file>): lists HTML tables to pick from.
//
// # DSN overrides
//
// The repository DSN comes from the config file and STATLOAD_STORAGE_DSN. For
// Docker Compose and CI the command also accepts, in order of precedence:
//
//  1. -dsn flag
//  2. DSN env var
//  3. DSN_HOST / DSN_PORT / DSN_USER / DSN_PASSWORD / DSN_DB component vars
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"statload/internal/classify"
	"statload/internal/config"
	"statload/internal/extracthtml"
	"statload/internal/filestore"
	"statload/internal/layout"
	"statload/internal/mapping"
	"statload/internal/model"
	csvparser "statload/internal/parser/csv"
	"statload/internal/probe"
	"statload/internal/storage"

	_ "statload/internal/storage/all"
)

func main() {
	var (
		flagConfig  = flag.String("config", "", "Config file (JSON or YAML); defaults are used when empty")
		flagPath    = flag.String("path", "", "Local CSV or HTML file to analyze without storage")
		flagJob     = flag.String("job", "", "Upload job id (job mode)")
		flagFile    = flag.String("file", "", "File name inside the upload job; required unless -summary")
		flagSuggest = flag.Bool("suggest", false, "Include suggested column mappings")
		flagReport  = flag.Bool("report", false, "Print a text report (suppresses JSON output)")
		flagSummary = flag.Bool("summary", false, "Print the dimension summary of the job's mapped file")
		flagTables  = flag.String("html-tables", "", "List the tables of an HTML file and exit")
		flagPretty  = flag.Bool("pretty", true, "Pretty-print JSON output")
		flagDSN     = flag.String("dsn", "", "Override storage DSN (highest priority)")
	)
	flag.Parse()

	if *flagTables != "" {
		if err := listTables(os.Stdout, *flagTables); err != nil {
			log.Fatalf("probe: %v", err)
		}
		return
	}

	if strings.TrimSpace(*flagPath) == "" && strings.TrimSpace(*flagJob) == "" {
		fmt.Fprintln(os.Stderr, "missing -path or -job")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("probe: %v", err)
	}
	issues := cfg.Validate()
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cls, err := classify.New(cfg)
	if err != nil {
		log.Fatalf("probe: %v", err)
	}

	var out any
	switch {
	case *flagPath != "":
		a, err := probe.AnalyzeFile(ctx, *flagPath, probe.OptionsFrom(cfg))
		if err != nil {
			exit(err)
		}
		out = render(a, cls, *flagSuggest, *flagReport)

	default:
		dsn, ok, err := resolveDSNOverride(cfg.Storage.Kind, strings.TrimSpace(*flagDSN))
		if err != nil {
			log.Fatalf("dsn override: %v", err)
		}
		if ok {
			cfg.Storage.DSN = dsn
		}
		out, err = probeJob(ctx, cfg, cls, *flagJob, *flagFile, *flagSuggest, *flagReport, *flagSummary)
		if err != nil {
			exit(err)
		}
	}

	if s, ok := out.(string); ok {
		fmt.Fprintln(os.Stdout, strings.TrimRight(s, "\n"))
		return
	}
	enc := json.NewEncoder(os.Stdout)
	if *flagPretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(out); err != nil {
		log.Fatalf("encode output: %v", err)
	}
}

// probeResult is the JSON shape of -suggest output.
type probeResult struct {
	Analysis    model.CsvAnalysis     `json:"analysis"`
	Suggestions []model.ColumnMapping `json:"suggestions"`
}

func render(a model.CsvAnalysis, cls *classify.Classifier, suggest, report bool) any {
	var sugg []model.ColumnMapping
	if suggest {
		sugg = cls.Suggest(a)
	}
	if report {
		rep := probe.FormatReport(a)
		if suggest {
			rep += "\n" + classify.Explain(a, sugg)
		}
		return rep
	}
	if suggest {
		return probeResult{Analysis: a, Suggestions: sugg}
	}
	return a
}

func probeJob(ctx context.Context, cfg config.Config, cls *classify.Classifier, job, file string, suggest, report, summary bool) (any, error) {
	repo, err := storage.New(ctx, storage.Config{
		Kind:    cfg.Storage.Kind,
		DSN:     cfg.Storage.DSN,
		Migrate: cfg.Storage.Migrate,
		Options: cfg.Storage.Options,
	})
	if err != nil {
		return nil, err
	}
	defer repo.Close()

	files := filestore.NewLocal(cfg.UploadRoot)
	if summary {
		store := &mapping.Store{Repo: repo, Classifier: cls, Threshold: cfg.ConfidenceThreshold}
		sm := &layout.Summarizer{Mappings: store, Source: csvparser.Source{Files: files}}
		return sm.Summarize(ctx, job)
	}
	if file == "" {
		return nil, model.BadRequestf("-file is required with -job")
	}

	an := &probe.Analyzer{Repo: repo, Files: files, Options: probe.OptionsFrom(cfg)}
	a, err := an.Analyze(ctx, job, file)
	if err != nil {
		return nil, err
	}
	return render(a, cls, suggest, report), nil
}

func listTables(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return extracthtml.DebugPrintTables(w, f, "")
}

// exit prints err with its taxonomy code and exits 3 for NOT_FOUND, 2 for
// BAD_REQUEST and 1 otherwise.
func exit(err error) {
	code := model.Code(err)
	fmt.Fprintf(os.Stderr, "probe: %s: %v\n", code, err)
	switch code {
	case model.CodeNotFound:
		os.Exit(3)
	case model.CodeBadRequest:
		os.Exit(2)
	default:
		os.Exit(1)
	}
}
