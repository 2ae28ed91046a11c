// Package tracker holds the per-variant and per-evaluator statistical state
// of a top-k run: one BettingCS per tracked quantity, plus the lifecycle
// status of each variant.
package tracker

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/evalcore/topk/betting"
)

// Status is a variant's lifecycle state. Transitions are monotone in the
// excluding direction: once non-Active, a variant never returns to Active.
type Status int

// Variant lifecycle states.
const (
	Active Status = iota
	Include
	Exclude
	Failed
)

// String renders a Status for logs and JSON.
func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Include:
		return "Include"
	case Exclude:
		return "Exclude"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// MarshalJSON renders Status as its string name.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// VariantTracker holds one variant's performance CS, per-evaluator CSes, and
// failure CS. Status is only ever changed through SetStatus, which is
// intended to be called exclusively by the stopping rule evaluator — the
// tracker itself never decides its own status.
type VariantTracker struct {
	Name string

	status Status

	PerEvaluator map[string]*betting.BettingCS
	Performance  *betting.BettingCS
	Failures     *betting.BettingCS
}

// NewVariantTracker creates a tracker with zero samples and the trivial CS
// [0,1] for every evaluator plus the failure indicator.
func NewVariantTracker(name string, evaluatorNames []string, alpha float64, gridResolution int) (*VariantTracker, error) {
	if name == "" {
		return nil, errors.New("tracker: variant name must not be empty")
	}

	perEval := make(map[string]*betting.BettingCS, len(evaluatorNames))
	for _, ev := range evaluatorNames {
		cs, err := betting.New(name+"/"+ev, alpha, gridResolution)
		if err != nil {
			return nil, errors.Wrapf(err, "tracker: creating per-evaluator CS for %s/%s", name, ev)
		}
		perEval[ev] = cs
	}

	failures, err := betting.New(name+"/failures", alpha, gridResolution)
	if err != nil {
		return nil, errors.Wrapf(err, "tracker: creating failure CS for %s", name)
	}

	return &VariantTracker{
		Name:         name,
		status:       Active,
		PerEvaluator: perEval,
		Performance:  betting.Snapshot(name+"/performance", alpha, 0.5, 0, 1, 0),
		Failures:     failures,
	}, nil
}

// Status returns the variant's current lifecycle status.
func (v *VariantTracker) Status() Status {
	return v.status
}

// SetStatus moves the variant to a new status. An Active variant may move to
// any status; once a variant holds a terminal status (Include, Exclude or
// Failed) any move to a different status, Active included, is refused, and
// re-setting the same terminal status is a no-op. This enforces the
// monotone-in-the-excluding-direction invariant regardless of caller.
func (v *VariantTracker) SetStatus(next Status) error {
	if v.status != Active {
		if v.status == next {
			return nil
		}
		return errors.Errorf("tracker: variant %s status %s is terminal, cannot move to %s", v.Name, v.status, next)
	}
	v.status = next
	return nil
}

// OverFailureThreshold reports whether this variant's failure rate lower
// bound has crossed the given threshold.
func (v *VariantTracker) OverFailureThreshold(threshold float64) bool {
	return v.Failures.CSLower > threshold
}

// Record updates (a) each per-evaluator CS with its score, where present,
// and (b) the failure CS with 1 or 0. Evaluators absent from
// evaluatorScores (because inference failed, or that evaluator itself
// failed) are left untouched for this sample.
func (v *VariantTracker) Record(evaluatorScores map[string]float64, anyFailure bool) error {
	// Deterministic order: sorted evaluator names, matching the sampling
	// loop's documented (variant, datapoint, evaluator) update ordering.
	names := make([]string, 0, len(v.PerEvaluator))
	for ev := range v.PerEvaluator {
		names = append(names, ev)
	}
	sort.Strings(names)

	for _, ev := range names {
		score, ok := evaluatorScores[ev]
		if !ok {
			continue
		}
		if err := v.PerEvaluator[ev].Update(score); err != nil {
			return errors.Wrapf(err, "tracker: updating %s/%s", v.Name, ev)
		}
	}

	failVal := 0.0
	if anyFailure {
		failVal = 1.0
	}
	if err := v.Failures.Update(failVal); err != nil {
		return errors.Wrapf(err, "tracker: updating %s failures", v.Name)
	}
	return nil
}
