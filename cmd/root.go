package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/evalcore/topk/config"
	"github.com/evalcore/topk/dataset"
	"github.com/evalcore/topk/engine"
	"github.com/evalcore/topk/mockexec"
	"github.com/evalcore/topk/orchestrator"
	"github.com/evalcore/topk/persistence"
	"github.com/evalcore/topk/scoring"
)

// We want to cheat as little as possible, so we grab the start time ASAP.
var startTime = time.Now()

// startupParams holds every flag the CLI accepts plus the loggers and
// monitor that Setup derives from them.
type startupParams struct {
	verbose bool

	configFile  string
	datasetFile string
	datasetName string
	evaluation  string
	variants    []string

	kMin, kMax                int
	epsilon                   float64
	maxDatapoints, batchSize  int
	variantFailThreshold      float64
	evaluatorFailThreshold    float64
	concurrency               int
	cacheMode                 string
	scoringFunction           string
	alpha                     float64
	gridResolution            int

	store       string
	storeDSN    string
	monitorAddr string
	traceFile   string

	// Derived during Setup.
	out    *log.Logger
	verb   *log.Logger
	trace  *log.Logger
	traceJ JSONLogger
	mon    *monitor
}

// JSONLogger is a simple interface for JSON logging (matches json.Encoder)
// with a nil/no-op implementation.
type JSONLogger interface {
	Encode(v interface{}) error
	SetIndent(prefix, indent string)
}

// DiscardJSON does nothing.
type DiscardJSON struct{}

func (n *DiscardJSON) Encode(interface{}) error { return nil }
func (n *DiscardJSON) SetIndent(string, string) {}

// Setup handles initialization based on supplied parameters.
func (s *startupParams) Setup() error {
	s.out = log.New(os.Stdout, "", 0)

	if s.verbose {
		s.verb = log.New(os.Stdout, "", 0)
	} else {
		s.verb = log.New(ioutil.Discard, "", 0)
	}

	if len(s.traceFile) > 0 {
		f, err := os.Create(s.traceFile)
		if err != nil {
			return err
		}
		s.trace = log.New(f, "", 0)
		s.traceJ = json.NewEncoder(f)
	} else {
		s.trace = log.New(ioutil.Discard, "", 0)
		s.traceJ = &DiscardJSON{}
	}

	return nil
}

func (s *startupParams) dump(out *log.Logger) {
	out.Printf("Verbose:                %v\n", s.verbose)
	out.Printf("Config:                 %s\n", s.configFile)
	out.Printf("Evaluation:             %s\n", s.evaluation)
	out.Printf("Dataset:                %s (file=%s)\n", s.datasetName, s.datasetFile)
	out.Printf("Variants:               %s\n", strings.Join(s.variants, ","))
	out.Printf("K:                      [%d, %d]\n", s.kMin, s.kMax)
	out.Printf("Epsilon:                %v\n", s.epsilon)
	out.Printf("Max Datapoints:         %d\n", s.maxDatapoints)
	out.Printf("Batch Size:             %d\n", s.batchSize)
	out.Printf("Concurrency:            %d\n", s.concurrency)
	out.Printf("Cache Mode:             %s\n", s.cacheMode)
	out.Printf("Store:                  %s\n", s.store)
	out.Printf("Monitor Addr:           %s\n", s.monitorAddr)
}

// Report writes the current parameters to the default log.
func (s *startupParams) Report() { s.dump(s.out) }

// Trace writes a report to the trace output.
func (s *startupParams) Trace() { s.dump(s.trace) }

// PanicIf panics when err is non-nil. Execute uses it for flag-wiring errors
// and runEvaluation for the trace write; nothing recovers the panic.
func PanicIf(err error) {
	if err != nil {
		panic(err)
	}
}

const cmdHelp = `topk runs adaptive top-k variant evaluations against a
dataset. Features include:

- Betting-based anytime-valid confidence sequences per variant/evaluator
- An adaptive stopping rule that can halt before the dataset is exhausted
- A live progress monitor (expvar, Prometheus, websocket)
`

type topkCmd func(*startupParams) error

func runTopkCmd(sp *startupParams, f topkCmd) error {
	if err := sp.Setup(); err != nil {
		return err
	}

	sp.out.Printf("topk\n")

	if sp.mon != nil {
		sp.mon = newMonitor(sp.monitorAddr)
		if err := sp.mon.Start(); err != nil {
			return err
		}
		defer sp.mon.Stop()
	}

	return f(sp)
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(); it only needs to happen
// once.
func Execute() {
	sp := &startupParams{}

	var cmd = &cobra.Command{
		Use:   "topk",
		Short: "Adaptive top-k variant evaluation engine",
		Long:  cmdHelp,
	}

	pf := cmd.PersistentFlags()
	pf.BoolVarP(&sp.verbose, "verbose", "v", false, "Verbose logging")
	pf.StringVarP(&sp.traceFile, "trace", "t", "", "Optional JSON trace file for the final task output")

	// RUN
	var runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run a top-k evaluation to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			sp.mon = &monitor{}
			return runTopkCmd(sp, runEvaluation)
		},
	}
	cmd.AddCommand(runCmd)

	pf = runCmd.PersistentFlags()
	pf.StringVarP(&sp.configFile, "config", "c", "", "YAML file describing evaluations and scoring functions")
	pf.StringVarP(&sp.evaluation, "evaluation", "e", "", "Name of the evaluation to run (looked up in --config)")
	pf.StringVarP(&sp.datasetFile, "dataset-file", "f", "", "JSON-Lines dataset file")
	pf.StringVarP(&sp.datasetName, "dataset-name", "n", "dataset", "Name to register the dataset file under")
	pf.StringSliceVarP(&sp.variants, "variant", "V", nil, "Variant name (repeatable)")
	pf.IntVar(&sp.kMin, "k-min", 1, "Minimum k to accept")
	pf.IntVar(&sp.kMax, "k-max", 1, "Maximum k to accept")
	pf.Float64Var(&sp.epsilon, "epsilon", 0.0, "Minimum separation required between the kept and excluded groups")
	pf.IntVar(&sp.maxDatapoints, "max-datapoints", 0, "Maximum datapoints to draw (0 = unbounded)")
	pf.IntVar(&sp.batchSize, "batch-size", 0, "Datapoints drawn per batch (0 = concurrency)")
	pf.Float64Var(&sp.variantFailThreshold, "variant-failure-threshold", 0.05, "Variant failure-rate CS lower bound that marks it Failed")
	pf.Float64Var(&sp.evaluatorFailThreshold, "evaluator-failure-threshold", 0.05, "Evaluator failure-rate CS lower bound that halts the run")
	pf.IntVar(&sp.concurrency, "concurrency", 5, "Bounded worker-pool size per batch")
	pf.StringVar(&sp.cacheMode, "cache", "on", "Inference cache mode: on, off, readonly")
	pf.StringVar(&sp.scoringFunction, "scoring", string(scoring.AverageEvaluatorScore), "Scoring function name")
	pf.Float64Var(&sp.alpha, "alpha", 0.05, "Confidence sequence error tolerance")
	pf.IntVar(&sp.gridResolution, "grid-resolution", 101, "Betting confidence sequence grid resolution")
	pf.StringVar(&sp.store, "store", "memory", "Task store backend: memory, pebble, postgres")
	pf.StringVar(&sp.storeDSN, "store-dsn", "", "Pebble directory or Postgres DSN, depending on --store")
	pf.StringVar(&sp.monitorAddr, "addr", ":8000", "Address (ip:port) the monitor listens at")

	PanicIf(runCmd.MarkPersistentFlagRequired("config"))
	PanicIf(runCmd.MarkPersistentFlagRequired("evaluation"))
	PanicIf(runCmd.MarkPersistentFlagRequired("dataset-file"))
	PanicIf(runCmd.MarkPersistentFlagRequired("variant"))

	// GRAPH
	var graphCmd = &cobra.Command{
		Use:   "graph",
		Short: "Output a graphviz description of the last run's variant domination graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			// The trace file is this command's input: skip Setup, which
			// would truncate it, and write only the graph to stdout.
			sp.out = log.New(os.Stdout, "", 0)
			return graphFromTraceFile(sp)
		},
	}
	cmd.AddCommand(graphCmd)
	pf = graphCmd.PersistentFlags()
	pf.StringVarP(&sp.traceFile, "trace", "t", "", "JSON trace file written by a previous run")
	PanicIf(graphCmd.MarkPersistentFlagRequired("trace"))

	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// buildOrchestrator wires an Orchestrator from CLI flags: YAML config
// lookup, an in-memory dataset.Registry fed from a JSON-Lines file, a mock
// executor pair (pending a real inference/evaluator transport), and the
// selected task store.
func buildOrchestrator(sp *startupParams) (*orchestrator.Orchestrator, error) {
	lookup, err := config.LoadYAMLFile(sp.configFile)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", sp.configFile)
	}

	reader, err := dataset.NewJSONLinesReader(sp.datasetFile)
	if err != nil {
		return nil, errors.Wrapf(err, "reading dataset file %s", sp.datasetFile)
	}
	defer reader.Close()

	var items []interface{}
	for {
		dp, ok, err := reader.Next(context.Background())
		if err != nil {
			return nil, errors.Wrap(err, "scanning dataset file")
		}
		if !ok {
			break
		}
		items = append(items, dp.Input)
	}

	registry := dataset.NewRegistry()
	registry.Register(sp.datasetName, items)

	var store persistence.TaskStore
	switch sp.store {
	case "memory":
		store = persistence.NewMemoryStore()
	case "pebble":
		db, err := persistence.OpenPebbleStore(sp.storeDSN)
		if err != nil {
			return nil, errors.Wrap(err, "opening pebble task store")
		}
		store = db
	case "postgres":
		db, err := persistence.OpenPostgresStore(sp.storeDSN)
		if err != nil {
			return nil, errors.Wrap(err, "opening postgres task store")
		}
		store = db
	default:
		return nil, errors.Errorf("unknown --store %q", sp.store)
	}

	inf := mockexec.NewInference(nil, nil)
	ev := mockexec.NewEvaluator(nil, nil)

	return &orchestrator.Orchestrator{
		Config:         lookup,
		Datasets:       registry,
		Inference:      inf,
		Evaluator:      ev,
		Store:          store,
		Progress:       sp.mon,
		Alpha:          sp.alpha,
		GridResolution: sp.gridResolution,
	}, nil
}

func parseCacheMode(s string) (engine.CacheMode, error) {
	switch strings.ToLower(s) {
	case "on", "":
		return engine.CacheOn, nil
	case "off":
		return engine.CacheOff, nil
	case "readonly":
		return engine.CacheReadOnly, nil
	default:
		return engine.CacheOn, errors.Errorf("unknown --cache mode %q", s)
	}
}
