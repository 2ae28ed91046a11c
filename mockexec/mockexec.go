// Package mockexec provides deterministic inference/evaluator fakes for
// demos and tests. Nothing here is a production inference backend: scores
// are supplied up front by the caller, never computed.
package mockexec

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/evalcore/topk/engine"
)

// Inference is a deterministic InferenceExecutor. Outputs maps a variant
// name to the fixed output it returns for every datapoint; FailVariants
// names variants whose every call fails. CacheOn calls are served from an
// internal cache keyed by (variant, input) so a repeated datapoint does not
// re-invoke the underlying call counter.
type Inference struct {
	Outputs      map[string]interface{}
	FailVariants map[string]bool

	calls   int64
	inFlight int64
	maxInFlight int64

	cacheMu sync.Mutex
	cache   map[cacheKey]interface{}
}

type cacheKey struct {
	variant string
	input   interface{}
}

// NewInference constructs an Inference mock.
func NewInference(outputs map[string]interface{}, failVariants map[string]bool) *Inference {
	return &Inference{
		Outputs:      outputs,
		FailVariants: failVariants,
		cache:        make(map[cacheKey]interface{}),
	}
}

// Calls reports how many times Run actually executed (cache hits excluded).
func (m *Inference) Calls() int64 { return atomic.LoadInt64(&m.calls) }

// MaxInFlight reports the highest number of concurrent Run calls observed.
func (m *Inference) MaxInFlight() int64 { return atomic.LoadInt64(&m.maxInFlight) }

// Run implements engine.InferenceExecutor.
func (m *Inference) Run(ctx context.Context, variantName string, input interface{}, cache engine.CacheMode) (interface{}, error) {
	key := cacheKey{variant: variantName, input: input}
	if cache == engine.CacheOn || cache == engine.CacheReadOnly {
		m.cacheMu.Lock()
		out, ok := m.cache[key]
		m.cacheMu.Unlock()
		if ok {
			return out, nil
		}
	}

	inFlight := atomic.AddInt64(&m.inFlight, 1)
	defer atomic.AddInt64(&m.inFlight, -1)
	for {
		max := atomic.LoadInt64(&m.maxInFlight)
		if inFlight <= max || atomic.CompareAndSwapInt64(&m.maxInFlight, max, inFlight) {
			break
		}
	}

	atomic.AddInt64(&m.calls, 1)

	if m.FailVariants[variantName] {
		return nil, errors.Errorf("mockexec: variant %s configured to fail", variantName)
	}

	out, ok := m.Outputs[variantName]
	if !ok {
		return nil, errors.Errorf("mockexec: no configured output for variant %s", variantName)
	}

	if cache == engine.CacheOn {
		m.cacheMu.Lock()
		m.cache[key] = out
		m.cacheMu.Unlock()
	}
	return out, nil
}

// Evaluator is a deterministic EvaluatorExecutor. Scores maps a variant
// output to the fixed score it produces; FailEvaluators names evaluators
// that fail on every call, whatever output they are given.
type Evaluator struct {
	Scores        map[interface{}]float64
	FailEvaluators map[string]bool

	calls       int64
	inFlight    int64
	maxInFlight int64
}

// NewEvaluator constructs an Evaluator mock.
func NewEvaluator(scores map[interface{}]float64, failEvaluators map[string]bool) *Evaluator {
	return &Evaluator{Scores: scores, FailEvaluators: failEvaluators}
}

// Calls reports how many times Run executed.
func (m *Evaluator) Calls() int64 { return atomic.LoadInt64(&m.calls) }

// MaxInFlight reports the highest number of concurrent Run calls observed.
func (m *Evaluator) MaxInFlight() int64 { return atomic.LoadInt64(&m.maxInFlight) }

// Run implements engine.EvaluatorExecutor.
func (m *Evaluator) Run(ctx context.Context, evaluatorName string, dp engine.Datapoint, output interface{}) (float64, error) {
	inFlight := atomic.AddInt64(&m.inFlight, 1)
	defer atomic.AddInt64(&m.inFlight, -1)
	for {
		max := atomic.LoadInt64(&m.maxInFlight)
		if inFlight <= max || atomic.CompareAndSwapInt64(&m.maxInFlight, max, inFlight) {
			break
		}
	}

	atomic.AddInt64(&m.calls, 1)

	if m.FailEvaluators[evaluatorName] {
		return 0, errors.Errorf("mockexec: evaluator %s configured to fail", evaluatorName)
	}

	score, ok := m.Scores[output]
	if !ok {
		return 0, errors.Errorf("mockexec: no configured score for output %v", output)
	}
	return score, nil
}
