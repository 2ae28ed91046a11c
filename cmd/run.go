package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/evalcore/topk/orchestrator"
	"github.com/evalcore/topk/scoring"
)

// runEvaluation is the "run" command's action: build an Orchestrator from
// flags and drive one evaluation to completion, writing the final task
// output to the trace file (if any) and a summary to stdout.
func runEvaluation(sp *startupParams) error {
	sp.Report()

	cacheMode, err := parseCacheMode(sp.cacheMode)
	if err != nil {
		return err
	}

	o, err := buildOrchestrator(sp)
	if err != nil {
		return errors.Wrap(err, "building orchestrator")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	params := orchestrator.RunTopKEvaluationParams{
		EvaluationName:            sp.evaluation,
		DatasetName:               sp.datasetName,
		VariantNames:              sp.variants,
		KMin:                      sp.kMin,
		KMax:                      sp.kMax,
		Epsilon:                   sp.epsilon,
		MaxDatapoints:             sp.maxDatapoints,
		BatchSize:                 sp.batchSize,
		VariantFailureThreshold:   sp.variantFailThreshold,
		EvaluatorFailureThreshold: sp.evaluatorFailThreshold,
		Concurrency:               sp.concurrency,
		InferenceCache:            cacheMode,
		ScoringFunction:           scoring.Function(sp.scoringFunction),
	}

	sp.out.Printf("Starting evaluation %q over dataset %q (%d variants)\n", sp.evaluation, sp.datasetName, len(sp.variants))

	out, err := o.Run(ctx, params)
	if err != nil {
		return errors.Wrap(err, "running evaluation")
	}

	elapsed := time.Since(startTime).Seconds()
	sp.out.Printf("DONE: run=%s reason=%s datapoints=%d elapsed=%.2fs\n", out.EvaluationRunID, out.StoppingReason, out.NumDatapointsProcessed, elapsed)
	for name, status := range out.VariantStatus {
		sp.out.Printf("  %-20s %s\n", name, status)
	}

	PanicIf(sp.traceJ.Encode(out))

	return nil
}
