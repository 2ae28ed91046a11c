package tracker

import (
	"github.com/pkg/errors"

	"github.com/evalcore/topk/betting"
)

// EvaluatorTracker holds one evaluator's failure CS: the binary indicator
// "this evaluator failed on any sample it was asked to score."
type EvaluatorTracker struct {
	Name     string
	Failures *betting.BettingCS
}

// NewEvaluatorTracker creates a tracker with zero samples and the trivial
// CS [0,1] for the failure indicator.
func NewEvaluatorTracker(name string, alpha float64, gridResolution int) (*EvaluatorTracker, error) {
	if name == "" {
		return nil, errors.New("tracker: evaluator name must not be empty")
	}

	failures, err := betting.New(name+"/failures", alpha, gridResolution)
	if err != nil {
		return nil, errors.Wrapf(err, "tracker: creating failure CS for evaluator %s", name)
	}

	return &EvaluatorTracker{
		Name:     name,
		Failures: failures,
	}, nil
}

// Record updates the failure CS with 1 (evaluator errored on this sample)
// or 0 (evaluator succeeded).
func (e *EvaluatorTracker) Record(failed bool) error {
	val := 0.0
	if failed {
		val = 1.0
	}
	if err := e.Failures.Update(val); err != nil {
		return errors.Wrapf(err, "tracker: updating evaluator %s failures", e.Name)
	}
	return nil
}

// OverThreshold reports whether this evaluator's failure rate lower bound
// has crossed the given threshold.
func (e *EvaluatorTracker) OverThreshold(threshold float64) bool {
	return e.Failures.CSLower > threshold
}
