// Package scoring maps a variant's per-evaluator confidence sequences to a
// single aggregate performance confidence sequence. The scoring function is
// modeled as a small closed enumeration (a tagged variant), dispatched by a
// switch, rather than an interface open to third-party implementations.
package scoring

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/evalcore/topk/betting"
	"github.com/evalcore/topk/tracker"
)

// Function identifies a scoring function. AverageEvaluatorScore is
// presently the only defined member of this enumeration.
type Function string

// AverageEvaluatorScore averages, across a variant's configured evaluators,
// the evaluator's mean/lower/upper CS bounds. This is a heuristic
// aggregation: it does not preserve the formal anytime-valid coverage of
// the individual per-evaluator CSes (that would require a Bonferroni
// correction across evaluators), but matches how the stopping rule's
// ε-separation check is specified to operate.
const AverageEvaluatorScore Function = "AverageEvaluatorScore"

// Valid reports whether fn is a recognized scoring function.
func Valid(fn Function) bool {
	switch fn {
	case AverageEvaluatorScore:
		return true
	default:
		return false
	}
}

// Apply recomputes vt.Performance from vt.PerEvaluator using the named
// scoring function. It is the only way a variant's aggregate performance CS
// changes; VariantTracker.Record never touches it directly.
func Apply(fn Function, vt *tracker.VariantTracker, alpha float64) error {
	switch fn {
	case AverageEvaluatorScore:
		return applyAverageEvaluatorScore(vt, alpha)
	default:
		return errors.Errorf("scoring: unknown scoring function %q", fn)
	}
}

func applyAverageEvaluatorScore(vt *tracker.VariantTracker, alpha float64) error {
	if len(vt.PerEvaluator) == 0 {
		return errors.Errorf("scoring: variant %s has no configured evaluators", vt.Name)
	}

	names := make([]string, 0, len(vt.PerEvaluator))
	for ev := range vt.PerEvaluator {
		names = append(names, ev)
	}
	sort.Strings(names)

	means := make([]float64, len(names))
	lowers := make([]float64, len(names))
	uppers := make([]float64, len(names))
	minCount := int64(-1)

	for i, ev := range names {
		cs := vt.PerEvaluator[ev]
		means[i] = cs.MeanEst
		lowers[i] = cs.CSLower
		uppers[i] = cs.CSUpper
		if minCount < 0 || cs.Count < minCount {
			minCount = cs.Count
		}
	}

	meanEst := stat.Mean(means, nil)
	lower := stat.Mean(lowers, nil)
	upper := stat.Mean(uppers, nil)

	vt.Performance = betting.Snapshot(vt.Name+"/performance", alpha, meanEst, lower, upper, minCount)
	return nil
}
