package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/evalcore/topk/dataset"
	"github.com/evalcore/topk/engine"
	"github.com/evalcore/topk/mockexec"
	"github.com/evalcore/topk/scoring"
	"github.com/evalcore/topk/stopping"
	"github.com/evalcore/topk/tracker"
)

func baseConfig(variants []string, evaluators []string, kMin, kMax int, epsilon float64) engine.Config {
	return engine.Config{
		VariantNames:              variants,
		Evaluators:                evaluators,
		KMin:                      kMin,
		KMax:                      kMax,
		Epsilon:                   epsilon,
		MaxDatapoints:             200,
		BatchSize:                 5,
		VariantFailureThreshold:   0.10,
		EvaluatorFailureThreshold: 0.05,
		Concurrency:               3,
		Cache:                     engine.CacheOn,
		ScoringFunction:           scoring.AverageEvaluatorScore,
		Alpha:                     0.05,
		GridResolution:            51,
	}
}

func items(n int) []interface{} {
	out := make([]interface{}, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestSamplingLoopClearWinner(t *testing.T) {
	assert := assert.New(t)

	cfg := baseConfig([]string{"v0", "v1", "v2"}, []string{"e"}, 1, 1, 0.0)
	ds := dataset.NewSliceReader(items(200))
	inf := mockexec.NewInference(map[string]interface{}{"v0": "out0", "v1": "out1", "v2": "out2"}, nil)
	ev := mockexec.NewEvaluator(map[interface{}]float64{"out0": 0.9, "out1": 0.5, "out2": 0.4}, nil)

	loop, err := engine.New(cfg, ds, inf, ev, nil)
	assert.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := loop.Run(ctx)
	assert.NoError(err)
	assert.Equal(stopping.ReasonTopKFound, res.StoppingDecision.Reason)
	assert.Equal(1, res.StoppingDecision.K)
	assert.Equal([]string{"v0"}, res.StoppingDecision.TopVariants)
	assert.Equal(tracker.Include, res.VariantStatus["v0"])
	assert.Equal(tracker.Exclude, res.VariantStatus["v1"])
	assert.Equal(tracker.Exclude, res.VariantStatus["v2"])
}

func TestSamplingLoopDatasetExhaustedWithoutSeparation(t *testing.T) {
	assert := assert.New(t)

	cfg := baseConfig([]string{"v0", "v1"}, []string{"e"}, 1, 1, 0.05)
	cfg.MaxDatapoints = 50
	cfg.BatchSize = 10
	ds := dataset.NewSliceReader(items(50))
	inf := mockexec.NewInference(map[string]interface{}{"v0": "out0", "v1": "out1"}, nil)
	ev := mockexec.NewEvaluator(map[interface{}]float64{"out0": 0.5, "out1": 0.5}, nil)

	loop, err := engine.New(cfg, ds, inf, ev, nil)
	assert.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := loop.Run(ctx)
	assert.NoError(err)
	assert.Equal(stopping.ReasonDatasetExhausted, res.StoppingDecision.Reason)
	assert.NotEqual(tracker.Include, res.VariantStatus["v0"])
	assert.NotEqual(tracker.Include, res.VariantStatus["v1"])
	assert.Equal(50, res.NumDatapoints)
}

func TestSamplingLoopEvaluatorCrashes(t *testing.T) {
	assert := assert.New(t)

	cfg := baseConfig([]string{"v0", "v1"}, []string{"flaky"}, 1, 1, 0.05)
	ds := dataset.NewSliceReader(items(200))
	inf := mockexec.NewInference(map[string]interface{}{"v0": "out0", "v1": "out1"}, nil)
	ev := mockexec.NewEvaluator(map[interface{}]float64{"out0": 0.5, "out1": 0.5}, map[string]bool{"flaky": true})

	loop, err := engine.New(cfg, ds, inf, ev, nil)
	assert.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := loop.Run(ctx)
	assert.NoError(err)
	assert.Equal(stopping.ReasonEvaluatorsFailed, res.StoppingDecision.Reason)
	assert.Equal([]string{"flaky"}, res.StoppingDecision.EvaluatorsFailed)
}

func TestSamplingLoopTooManyVariantsFailed(t *testing.T) {
	assert := assert.New(t)

	cfg := baseConfig([]string{"variant_a", "variant_b", "variant_c"}, []string{"e"}, 2, 2, 0.0)
	cfg.VariantFailureThreshold = 0.10
	ds := dataset.NewSliceReader(items(200))
	inf := mockexec.NewInference(
		map[string]interface{}{"variant_c": "outc"},
		map[string]bool{"variant_a": true, "variant_b": true},
	)
	ev := mockexec.NewEvaluator(map[interface{}]float64{"outc": 0.7}, nil)

	loop, err := engine.New(cfg, ds, inf, ev, nil)
	assert.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := loop.Run(ctx)
	assert.NoError(err)
	assert.Equal(stopping.ReasonTooManyVariantsFailed, res.StoppingDecision.Reason)
	assert.Equal(2, res.StoppingDecision.NumFailed)
}

func TestSamplingLoopCachingAvoidsRepeatCalls(t *testing.T) {
	assert := assert.New(t)

	cfg := baseConfig([]string{"v0", "v1"}, []string{"e"}, 1, 1, 0.0)
	cfg.MaxDatapoints = 5
	cfg.BatchSize = 5
	ds := dataset.NewSliceReader(items(5))
	inf := mockexec.NewInference(map[string]interface{}{"v0": "out0", "v1": "out1"}, nil)
	ev := mockexec.NewEvaluator(map[interface{}]float64{"out0": 0.9, "out1": 0.1}, nil)

	loop, err := engine.New(cfg, ds, inf, ev, nil)
	assert.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = loop.Run(ctx)
	assert.NoError(err)

	firstCalls := inf.Calls()
	assert.Equal(int64(10), firstCalls) // 2 variants * 5 datapoints, all unique

	// A second run against a dataset drawing the same 5 inputs again, same
	// inference mock (same cache): no new calls should be recorded since
	// every (variant, input) pair was already cached.
	ds2 := dataset.NewSliceReader(items(5))
	loop2, err := engine.New(cfg, ds2, inf, ev, nil)
	assert.NoError(err)
	_, err = loop2.Run(ctx)
	assert.NoError(err)
	assert.Equal(firstCalls, inf.Calls())
}

func TestSamplingLoopConcurrencyBoundHonored(t *testing.T) {
	assert := assert.New(t)

	cfg := baseConfig([]string{"v0", "v1", "v2"}, []string{"e"}, 1, 1, 0.0)
	cfg.Concurrency = 3
	cfg.BatchSize = 3
	cfg.MaxDatapoints = 9
	ds := dataset.NewSliceReader(items(9))
	inf := mockexec.NewInference(map[string]interface{}{"v0": "out0", "v1": "out1", "v2": "out2"}, nil)
	ev := mockexec.NewEvaluator(map[interface{}]float64{"out0": 0.9, "out1": 0.5, "out2": 0.4}, nil)

	loop, err := engine.New(cfg, ds, inf, ev, nil)
	assert.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = loop.Run(ctx)
	assert.NoError(err)

	assert.LessOrEqual(inf.MaxInFlight(), int64(cfg.Concurrency))
}
