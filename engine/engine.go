// Package engine drives the batched draw-infer-score-update sampling loop:
// it owns the variant and evaluator trackers exclusively, fans inference and
// evaluator calls out over a bounded worker pool, and applies updates in a
// deterministic order between batches.
package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/evalcore/topk/ring"
	"github.com/evalcore/topk/scoring"
	"github.com/evalcore/topk/stopping"
	"github.com/evalcore/topk/tracker"
)

// driftWindow is the number of recent batches over which PerformanceDrift is
// measured.
const driftWindow = 20

// CacheMode controls how an InferenceExecutor treats its response cache.
type CacheMode int

// Recognized cache modes for inference calls.
const (
	CacheOn CacheMode = iota
	CacheOff
	CacheReadOnly
)

// Datapoint is one input/expected pair drawn from a dataset, tagged with its
// position in the dataset's iteration order (used for deterministic update
// ordering, never for re-fetching).
type Datapoint struct {
	Index    int
	Input    interface{}
	Expected interface{}
}

// DatasetReader yields a dataset's datapoints in a fixed order. Next returns
// ok=false once the dataset is exhausted; it never re-orders or repeats a
// datapoint within a single run.
type DatasetReader interface {
	Next(ctx context.Context) (dp Datapoint, ok bool, err error)
}

// InferenceExecutor runs a variant against a single datapoint.
type InferenceExecutor interface {
	Run(ctx context.Context, variantName string, input interface{}, cache CacheMode) (output interface{}, err error)
}

// EvaluatorExecutor scores a variant's output for a single datapoint.
type EvaluatorExecutor interface {
	Run(ctx context.Context, evaluatorName string, dp Datapoint, output interface{}) (score float64, err error)
}

// ProgressSink receives best-effort progress notifications. A nil Sink
// passed to SamplingLoop disables reporting; implementations must not block
// the sampling loop for long.
type ProgressSink interface {
	BatchComplete(batchIndex, processed int, decision stopping.Decision)
}

// Config bundles everything a SamplingLoop needs beyond the dataset and
// executors, mirroring the validated fields of RunTopKEvaluationParams that
// govern the loop itself (the rest — evaluation/dataset names — are resolved
// by the orchestrator before the loop is constructed).
type Config struct {
	VariantNames []string
	Evaluators   []string

	KMin, KMax                int
	Epsilon                   float64
	MaxDatapoints             int // 0 means unbounded
	BatchSize                 int
	VariantFailureThreshold   float64
	EvaluatorFailureThreshold float64
	Concurrency               int
	Cache                     CacheMode
	ScoringFunction           scoring.Function
	Alpha                     float64
	GridResolution            int
}

// Result is the terminal snapshot produced by Run.
type Result struct {
	VariantStatus    map[string]tracker.Status
	Variants         map[string]*tracker.VariantTracker
	Evaluators       map[string]*tracker.EvaluatorTracker
	StoppingDecision stopping.Decision
	NumDatapoints    int

	// PerformanceDrift is the change in mean active-variant performance
	// estimate between the oldest and newest halves of the last
	// driftWindow batches; 0 until that many batches have completed.
	PerformanceDrift float64
}

// SamplingLoop owns the variant/evaluator trackers for one run and drives
// the draw-infer-score-update pipeline to a stopping decision.
type SamplingLoop struct {
	cfg       Config
	dataset   DatasetReader
	inference InferenceExecutor
	evaluator EvaluatorExecutor
	progress  ProgressSink

	variants       map[string]*tracker.VariantTracker
	evaluatorState map[string]*tracker.EvaluatorTracker
	rule           *stopping.Rule
	drift          *ring.CircularFloat
}

// workItem is one unit of fan-out work: a (variant, datapoint) pair whose
// worker runs the inference call and then, if it succeeds, that sample's
// evaluator calls.
type workItem struct {
	variant string
	dp      Datapoint
}

type sampleResult struct {
	variant        string
	dp             Datapoint
	evaluatorScore map[string]float64
	anyFailure     bool
	evaluatorFail  map[string]bool
}

// New constructs a SamplingLoop with fresh, zero-sample trackers for every
// configured variant and evaluator.
func New(cfg Config, dataset DatasetReader, inference InferenceExecutor, evaluator EvaluatorExecutor, progress ProgressSink) (*SamplingLoop, error) {
	if len(cfg.VariantNames) < cfg.KMax {
		return nil, errors.Errorf("engine: %d variants is fewer than k_max (%d)", len(cfg.VariantNames), cfg.KMax)
	}
	if cfg.Concurrency < 1 {
		return nil, errors.Errorf("engine: concurrency must be >= 1, got %d", cfg.Concurrency)
	}
	if !scoring.Valid(cfg.ScoringFunction) {
		return nil, errors.Errorf("engine: unknown scoring function %q", cfg.ScoringFunction)
	}

	rule, err := stopping.New(cfg.KMin, cfg.KMax, cfg.Epsilon, cfg.VariantFailureThreshold, cfg.EvaluatorFailureThreshold)
	if err != nil {
		return nil, errors.Wrap(err, "engine: building stopping rule")
	}

	variants := make(map[string]*tracker.VariantTracker, len(cfg.VariantNames))
	for _, name := range cfg.VariantNames {
		vt, err := tracker.NewVariantTracker(name, cfg.Evaluators, cfg.Alpha, cfg.GridResolution)
		if err != nil {
			return nil, errors.Wrapf(err, "engine: creating tracker for variant %s", name)
		}
		variants[name] = vt
	}

	evalState := make(map[string]*tracker.EvaluatorTracker, len(cfg.Evaluators))
	for _, name := range cfg.Evaluators {
		et, err := tracker.NewEvaluatorTracker(name, cfg.Alpha, cfg.GridResolution)
		if err != nil {
			return nil, errors.Wrapf(err, "engine: creating tracker for evaluator %s", name)
		}
		evalState[name] = et
	}

	return &SamplingLoop{
		cfg:            cfg,
		dataset:        dataset,
		inference:      inference,
		evaluator:      evaluator,
		progress:       progress,
		variants:       variants,
		evaluatorState: evalState,
		rule:           rule,
		drift:          ring.NewCircularFloat(driftWindow),
	}, nil
}

// recordDrift feeds the current mean active-variant performance estimate
// into the drift window; called once per completed batch.
func (s *SamplingLoop) recordDrift() {
	var sum float64
	var n int
	for _, vt := range s.variants {
		if vt.Status() == tracker.Active {
			sum += vt.Performance.MeanEst
			n++
		}
	}
	if n == 0 {
		return
	}
	s.drift.Add(sum / float64(n))
}

// Run drives the sampling loop to a terminal StoppingRule decision.
func (s *SamplingLoop) Run(ctx context.Context) (*Result, error) {
	processed := 0
	batchIndex := 0

	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "engine: run cancelled")
		default:
		}

		batchSize := s.cfg.BatchSize
		if s.cfg.MaxDatapoints > 0 {
			if remaining := s.cfg.MaxDatapoints - processed; remaining < batchSize {
				batchSize = remaining
			}
		}
		if batchSize <= 0 {
			dec, err := s.rule.Evaluate(s.sortedVariants(), s.sortedEvaluators(), true)
			if err != nil {
				return nil, errors.Wrap(err, "engine: evaluating stopping rule at dataset exhaustion")
			}
			return s.snapshot(dec, processed), nil
		}

		batch, exhausted, err := s.drawBatch(ctx, batchSize)
		if err != nil {
			return nil, errors.Wrap(err, "engine: drawing batch")
		}

		if len(batch) > 0 {
			results, err := s.runBatch(ctx, batch)
			if err != nil {
				return nil, errors.Wrap(err, "engine: running batch")
			}
			s.applyResults(results)
			processed += len(batch)
			s.recordDrift()
		}

		dec, err := s.rule.Evaluate(s.sortedVariants(), s.sortedEvaluators(), exhausted && len(batch) == 0)
		if err != nil {
			return nil, errors.Wrap(err, "engine: evaluating stopping rule")
		}

		if s.progress != nil {
			s.progress.BatchComplete(batchIndex, processed, dec)
		}
		batchIndex++

		if dec.Terminal {
			return s.snapshot(dec, processed), nil
		}

		if exhausted {
			dec, err := s.rule.Evaluate(s.sortedVariants(), s.sortedEvaluators(), true)
			if err != nil {
				return nil, errors.Wrap(err, "engine: evaluating stopping rule at dataset exhaustion")
			}
			return s.snapshot(dec, processed), nil
		}
	}
}

func (s *SamplingLoop) drawBatch(ctx context.Context, batchSize int) ([]Datapoint, bool, error) {
	batch := make([]Datapoint, 0, batchSize)
	for len(batch) < batchSize {
		dp, ok, err := s.dataset.Next(ctx)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return batch, true, nil
		}
		batch = append(batch, dp)
	}
	return batch, false, nil
}

// runBatch schedules one inference task per (active variant, datapoint)
// pair over a bounded worker pool, chaining each successful inference into
// its evaluator tasks on the same worker, and collects all results behind a
// single WaitGroup batch barrier — grounded on the teacher's chain-advance
// fan-out (goroutines draining work, wg.Wait() as the barrier).
func (s *SamplingLoop) runBatch(ctx context.Context, batch []Datapoint) ([]sampleResult, error) {
	active := s.sortedActiveVariantNames()

	items := make(chan workItem, len(active)*len(batch))
	for _, v := range active {
		for _, dp := range batch {
			items <- workItem{variant: v, dp: dp}
		}
	}
	close(items)

	results := make([]sampleResult, 0, len(active)*len(batch))
	var mu sync.Mutex
	var wg sync.WaitGroup

	workerCount := s.cfg.Concurrency
	if total := len(active) * len(batch); workerCount > total {
		workerCount = total
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case item, ok := <-items:
					if !ok {
						return
					}
					res := s.runOne(ctx, item)
					mu.Lock()
					results = append(results, res)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return results, nil
}

func (s *SamplingLoop) runOne(ctx context.Context, item workItem) sampleResult {
	res := sampleResult{
		variant:        item.variant,
		dp:             item.dp,
		evaluatorScore: make(map[string]float64),
		evaluatorFail:  make(map[string]bool),
	}

	output, err := s.inference.Run(ctx, item.variant, item.dp.Input, s.cfg.Cache)
	if err != nil {
		res.anyFailure = true
		return res
	}

	names := make([]string, len(s.cfg.Evaluators))
	copy(names, s.cfg.Evaluators)
	sort.Strings(names)

	for _, name := range names {
		score, err := s.evaluator.Run(ctx, name, item.dp, output)
		if err != nil {
			res.evaluatorFail[name] = true
			res.anyFailure = true
			continue
		}
		res.evaluatorFail[name] = false
		res.evaluatorScore[name] = score
	}
	return res
}

// applyResults replays sample results in deterministic (variant-name,
// datapoint-index, evaluator-name) order, updates the per-evaluator failure
// trackers, and rescoring each touched variant.
func (s *SamplingLoop) applyResults(results []sampleResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].variant != results[j].variant {
			return results[i].variant < results[j].variant
		}
		return results[i].dp.Index < results[j].dp.Index
	})

	touched := make(map[string]bool)
	for _, res := range results {
		vt := s.variants[res.variant]
		if err := vt.Record(res.evaluatorScore, res.anyFailure); err != nil {
			panic(errors.Wrapf(err, "engine: recording variant %s", res.variant))
		}
		touched[res.variant] = true

		evalNames := make([]string, 0, len(res.evaluatorFail))
		for name := range res.evaluatorFail {
			evalNames = append(evalNames, name)
		}
		sort.Strings(evalNames)
		for _, name := range evalNames {
			if err := s.evaluatorState[name].Record(res.evaluatorFail[name]); err != nil {
				panic(errors.Wrapf(err, "engine: recording evaluator %s", name))
			}
		}
	}

	touchedNames := make([]string, 0, len(touched))
	for name := range touched {
		touchedNames = append(touchedNames, name)
	}
	sort.Strings(touchedNames)
	for _, name := range touchedNames {
		_ = scoring.Apply(s.cfg.ScoringFunction, s.variants[name], s.cfg.Alpha)
	}
}

func (s *SamplingLoop) sortedVariants() []*tracker.VariantTracker {
	out := make([]*tracker.VariantTracker, 0, len(s.variants))
	for _, vt := range s.variants {
		out = append(out, vt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *SamplingLoop) sortedActiveVariantNames() []string {
	names := make([]string, 0, len(s.variants))
	for name, vt := range s.variants {
		if vt.Status() == tracker.Active {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *SamplingLoop) sortedEvaluators() []*tracker.EvaluatorTracker {
	out := make([]*tracker.EvaluatorTracker, 0, len(s.evaluatorState))
	for _, et := range s.evaluatorState {
		out = append(out, et)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *SamplingLoop) snapshot(dec stopping.Decision, processed int) *Result {
	status := make(map[string]tracker.Status, len(s.variants))
	for name, vt := range s.variants {
		status[name] = vt.Status()
	}
	return &Result{
		VariantStatus:     status,
		Variants:          s.variants,
		Evaluators:        s.evaluatorState,
		StoppingDecision:  dec,
		NumDatapoints:     processed,
		PerformanceDrift:  s.drift.Drift(),
	}
}
