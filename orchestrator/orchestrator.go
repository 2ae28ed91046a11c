// Package orchestrator is the top-level entry point for a top-k evaluation
// run: it validates parameters, resolves the evaluation's configured
// evaluators and scoring function, constructs and drives a SamplingLoop,
// optionally persists task state, and reports the final output.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/evalcore/topk/betting"
	"github.com/evalcore/topk/config"
	"github.com/evalcore/topk/engine"
	"github.com/evalcore/topk/persistence"
	"github.com/evalcore/topk/scoring"
	"github.com/evalcore/topk/stopping"
	"github.com/evalcore/topk/tracker"
)

// Sentinel errors surfaced for configuration-level failures, matching the
// teacher's pattern of declaring a handful of errors.New sentinels callers
// can compare against with errors.Is / errors.Cause rather than inspecting
// message text.
var (
	ErrUnknownEvaluation = errors.New("orchestrator: unknown evaluation")
	ErrUnknownDataset    = errors.New("orchestrator: unknown dataset")
	ErrInvalidParams     = errors.New("orchestrator: invalid parameters")
)

// DefaultTimeout bounds a run when the caller's context carries no deadline.
const DefaultTimeout = time.Hour

// RunTopKEvaluationParams is the validated input to Run, matching §6 of the
// evaluation contract.
type RunTopKEvaluationParams struct {
	EvaluationName string
	DatasetName    string
	VariantNames   []string

	KMin, KMax int
	Epsilon    float64

	MaxDatapoints int // 0 means unbounded
	BatchSize     int // 0 means "= Concurrency"

	VariantFailureThreshold   float64
	EvaluatorFailureThreshold float64
	Concurrency               int

	InferenceCache  engine.CacheMode
	ScoringFunction scoring.Function
}

func (p RunTopKEvaluationParams) validate() error {
	if p.EvaluationName == "" {
		return errors.Wrap(ErrInvalidParams, "evaluation_name is required")
	}
	if p.DatasetName == "" {
		return errors.Wrap(ErrInvalidParams, "dataset_name is required")
	}
	if p.KMin < 1 {
		return errors.Wrapf(ErrInvalidParams, "k_min must be >= 1, got %d", p.KMin)
	}
	if p.KMax < p.KMin {
		return errors.Wrapf(ErrInvalidParams, "k_max (%d) must be >= k_min (%d)", p.KMax, p.KMin)
	}
	if len(p.VariantNames) < p.KMax {
		return errors.Wrapf(ErrInvalidParams, "%d variant_names is fewer than k_max (%d)", len(p.VariantNames), p.KMax)
	}
	if p.Epsilon < 0 || p.Epsilon > 1 {
		return errors.Wrapf(ErrInvalidParams, "epsilon must be in [0,1], got %v", p.Epsilon)
	}
	if p.VariantFailureThreshold < 0 || p.VariantFailureThreshold > 1 {
		return errors.Wrapf(ErrInvalidParams, "variant_failure_threshold must be in [0,1], got %v", p.VariantFailureThreshold)
	}
	if p.EvaluatorFailureThreshold < 0 || p.EvaluatorFailureThreshold > 1 {
		return errors.Wrapf(ErrInvalidParams, "evaluator_failure_threshold must be in [0,1], got %v", p.EvaluatorFailureThreshold)
	}
	if p.Concurrency < 1 {
		return errors.Wrapf(ErrInvalidParams, "concurrency must be >= 1, got %d", p.Concurrency)
	}
	return nil
}

// TopKTaskOutput is the final, JSON-serializable snapshot of a run.
type TopKTaskOutput struct {
	EvaluationRunID        string                        `json:"evaluation_run_id"`
	VariantStatus          map[string]tracker.Status     `json:"variant_status"`
	VariantPerformance     map[string]*betting.BettingCS `json:"variant_performance"`
	VariantFailures        map[string]*betting.BettingCS `json:"variant_failures"`
	EvaluatorFailures      map[string]*betting.BettingCS `json:"evaluator_failures"`
	StoppingReason         string                        `json:"stopping_reason"`
	StoppingDetail         interface{}                   `json:"stopping_detail,omitempty"`
	NumDatapointsProcessed int                           `json:"num_datapoints_processed"`
	PerformanceDrift       float64                       `json:"performance_drift"`
}

// DatasetFactory resolves a dataset name to a DatasetReader, the concrete
// analogue of the spec's DatasetReader.iter(name).
type DatasetFactory interface {
	Open(ctx context.Context, name string) (engine.DatasetReader, error)
}

// Orchestrator wires configuration lookup, dataset resolution, executors,
// and optional durable persistence into runnable SamplingLoops.
type Orchestrator struct {
	Config     config.ConfigLookup
	Datasets   DatasetFactory
	Inference  engine.InferenceExecutor
	Evaluator  engine.EvaluatorExecutor
	Store      persistence.TaskStore // optional; nil disables persistence
	Progress   engine.ProgressSink   // optional
	Alpha      float64
	GridResolution int
}

// Run validates params, resolves the evaluation's evaluators/scoring
// function, drives a SamplingLoop to completion, and returns the final
// output. Internal invariant violations from the statistics packages are
// recovered here and turned into an error return rather than a crash.
func (o *Orchestrator) Run(ctx context.Context, params RunTopKEvaluationParams) (out *TopKTaskOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("orchestrator: internal invariant violation: %v", r)
			out = nil
		}
	}()

	if err := params.validate(); err != nil {
		return nil, err
	}

	evalCfg, cfgErr := o.Config.Evaluation(params.EvaluationName)
	if cfgErr != nil {
		return nil, errors.Wrapf(ErrUnknownEvaluation, "%s: %v", params.EvaluationName, cfgErr)
	}

	scoringFn := params.ScoringFunction
	if scoringFn == "" {
		scoringFn = evalCfg.FunctionName
	}

	runID := uuid.Must(uuid.NewV7()).String()

	if o.Store != nil {
		if err := o.Store.Put(ctx, persistence.Task{TaskID: runID, State: persistence.StateQueued}); err != nil {
			return nil, errors.Wrap(err, "orchestrator: recording queued task")
		}
	}

	runCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	dataset, err := o.Datasets.Open(runCtx, params.DatasetName)
	if err != nil {
		return nil, errors.Wrapf(ErrUnknownDataset, "%s: %v", params.DatasetName, err)
	}

	if o.Store != nil {
		if err := o.Store.Put(runCtx, persistence.Task{TaskID: runID, State: persistence.StateRunning}); err != nil {
			return nil, errors.Wrap(err, "orchestrator: recording running task")
		}
	}

	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = params.Concurrency
	}

	cfg := engine.Config{
		VariantNames:              params.VariantNames,
		Evaluators:                evalCfg.Evaluators,
		KMin:                      params.KMin,
		KMax:                      params.KMax,
		Epsilon:                   params.Epsilon,
		MaxDatapoints:             params.MaxDatapoints,
		BatchSize:                 batchSize,
		VariantFailureThreshold:   params.VariantFailureThreshold,
		EvaluatorFailureThreshold: params.EvaluatorFailureThreshold,
		Concurrency:               params.Concurrency,
		Cache:                     params.InferenceCache,
		ScoringFunction:           scoringFn,
		Alpha:                     o.Alpha,
		GridResolution:            o.GridResolution,
	}

	loop, err := engine.New(cfg, dataset, o.Inference, o.Evaluator, o.Progress)
	if err != nil {
		return nil, errors.Wrap(err, "orchestrator: constructing sampling loop")
	}

	result, err := loop.Run(runCtx)
	if err != nil {
		if o.Store != nil {
			_ = o.Store.Put(ctx, persistence.Task{TaskID: runID, State: persistence.StateFailed, FailedError: err.Error()})
		}
		return nil, errors.Wrap(err, "orchestrator: running sampling loop")
	}

	output := buildOutput(runID, result)

	if o.Store != nil {
		payload, marshalErr := marshalOutput(output)
		if marshalErr != nil {
			return nil, errors.Wrap(marshalErr, "orchestrator: encoding completed payload")
		}
		if err := o.Store.Put(ctx, persistence.Task{TaskID: runID, State: persistence.StateCompleted, CompletedPayload: payload}); err != nil {
			return nil, errors.Wrap(err, "orchestrator: recording completed task")
		}
	}

	return output, nil
}

func buildOutput(runID string, result *engine.Result) *TopKTaskOutput {
	performance := make(map[string]*betting.BettingCS, len(result.Variants))
	failures := make(map[string]*betting.BettingCS, len(result.Variants))
	for name, vt := range result.Variants {
		performance[name] = vt.Performance
		failures[name] = vt.Failures
	}

	evaluatorFailures := make(map[string]*betting.BettingCS, len(result.Evaluators))
	for name, et := range result.Evaluators {
		evaluatorFailures[name] = et.Failures
	}

	var detail interface{}
	dec := result.StoppingDecision
	switch dec.Reason {
	case stopping.ReasonTopKFound:
		detail = map[string]interface{}{"k": dec.K, "top_variants": dec.TopVariants}
	case stopping.ReasonTooManyVariantsFailed:
		detail = map[string]interface{}{"num_failed": dec.NumFailed}
	case stopping.ReasonEvaluatorsFailed:
		detail = map[string]interface{}{"evaluators_failed": dec.EvaluatorsFailed}
	}

	return &TopKTaskOutput{
		EvaluationRunID:        runID,
		VariantStatus:          result.VariantStatus,
		VariantPerformance:     performance,
		VariantFailures:        failures,
		EvaluatorFailures:      evaluatorFailures,
		StoppingReason:         string(dec.Reason),
		StoppingDetail:         detail,
		NumDatapointsProcessed: result.NumDatapoints,
		PerformanceDrift:       result.PerformanceDrift,
	}
}

func marshalOutput(output *TopKTaskOutput) (json.RawMessage, error) {
	b, err := json.Marshal(output)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
