package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/evalcore/topk/config"
	"github.com/evalcore/topk/dataset"
	"github.com/evalcore/topk/engine"
	"github.com/evalcore/topk/mockexec"
	"github.com/evalcore/topk/orchestrator"
	"github.com/evalcore/topk/persistence"
	"github.com/evalcore/topk/scoring"
	"github.com/evalcore/topk/tracker"
)

func items(n int) []interface{} {
	out := make([]interface{}, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func newOrchestrator(store persistence.TaskStore, inf engine.InferenceExecutor, ev engine.EvaluatorExecutor) (*orchestrator.Orchestrator, *dataset.Registry) {
	lookup := config.NewYAMLLookup(
		map[string]config.EvaluationConfig{
			"summarization": {Evaluators: []string{"e"}, FunctionName: scoring.AverageEvaluatorScore},
		},
		nil,
	)
	registry := dataset.NewRegistry()

	return &orchestrator.Orchestrator{
		Config:         lookup,
		Datasets:       registry,
		Inference:      inf,
		Evaluator:      ev,
		Store:          store,
		Alpha:          0.05,
		GridResolution: 51,
	}, registry
}

func TestOrchestratorRunClearWinner(t *testing.T) {
	assert := assert.New(t)

	inf := mockexec.NewInference(map[string]interface{}{"v0": "out0", "v1": "out1", "v2": "out2"}, nil)
	ev := mockexec.NewEvaluator(map[interface{}]float64{"out0": 0.9, "out1": 0.5, "out2": 0.4}, nil)
	store := persistence.NewMemoryStore()

	o, registry := newOrchestrator(store, inf, ev)
	registry.Register("ds", items(200))

	params := orchestrator.RunTopKEvaluationParams{
		EvaluationName: "summarization",
		DatasetName:    "ds",
		VariantNames:   []string{"v0", "v1", "v2"},
		KMin:           1,
		KMax:           1,
		MaxDatapoints:  200,
		BatchSize:      5,
		Concurrency:    3,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := o.Run(ctx, params)
	assert.NoError(err)
	assert.NotEmpty(out.EvaluationRunID)
	assert.Equal("TopKFound", out.StoppingReason)
	assert.Equal(tracker.Include, out.VariantStatus["v0"])

	stored, err := store.Get(ctx, out.EvaluationRunID)
	assert.NoError(err)
	assert.Equal(persistence.StateCompleted, stored.State)
	assert.NotEmpty(stored.CompletedPayload)
}

func TestOrchestratorRejectsInvalidParams(t *testing.T) {
	assert := assert.New(t)

	inf := mockexec.NewInference(nil, nil)
	ev := mockexec.NewEvaluator(nil, nil)
	o, registry := newOrchestrator(nil, inf, ev)
	registry.Register("ds", items(10))

	params := orchestrator.RunTopKEvaluationParams{
		EvaluationName: "summarization",
		DatasetName:    "ds",
		VariantNames:   []string{"v0"},
		KMin:           2,
		KMax:           1,
		Concurrency:    1,
	}

	_, err := o.Run(context.Background(), params)
	assert.ErrorIs(err, orchestrator.ErrInvalidParams)
}

func TestOrchestratorRejectsUnknownEvaluation(t *testing.T) {
	assert := assert.New(t)

	inf := mockexec.NewInference(nil, nil)
	ev := mockexec.NewEvaluator(nil, nil)
	o, registry := newOrchestrator(nil, inf, ev)
	registry.Register("ds", items(10))

	params := orchestrator.RunTopKEvaluationParams{
		EvaluationName: "bogus",
		DatasetName:    "ds",
		VariantNames:   []string{"v0"},
		KMin:           1,
		KMax:           1,
		Concurrency:    1,
	}

	_, err := o.Run(context.Background(), params)
	assert.ErrorIs(err, orchestrator.ErrUnknownEvaluation)
}

func TestOrchestratorRejectsUnknownDataset(t *testing.T) {
	assert := assert.New(t)

	inf := mockexec.NewInference(nil, nil)
	ev := mockexec.NewEvaluator(nil, nil)
	o, _ := newOrchestrator(nil, inf, ev)

	params := orchestrator.RunTopKEvaluationParams{
		EvaluationName: "summarization",
		DatasetName:    "missing",
		VariantNames:   []string{"v0"},
		KMin:           1,
		KMax:           1,
		Concurrency:    1,
	}

	_, err := o.Run(context.Background(), params)
	assert.ErrorIs(err, orchestrator.ErrUnknownDataset)
}
