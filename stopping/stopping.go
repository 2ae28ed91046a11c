// Package stopping implements the global stopping-rule evaluator: the
// decision, made strictly between batches, of whether to continue
// sampling, exclude or fail variants, or terminate the run.
package stopping

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/evalcore/topk/tracker"
)

// Reason tags why a run terminated (or that it should continue).
type Reason string

// Recognized stopping reasons. ReasonNone means "keep sampling."
const (
	ReasonNone                  Reason = ""
	ReasonEvaluatorsFailed      Reason = "EvaluatorsFailed"
	ReasonTooManyVariantsFailed Reason = "TooManyVariantsFailed"
	ReasonTopKFound             Reason = "TopKFound"
	ReasonDatasetExhausted      Reason = "DatasetExhausted"
)

// Decision is the outcome of one StoppingRule evaluation.
type Decision struct {
	Reason   Reason `json:"reason"`
	Terminal bool   `json:"terminal"`

	EvaluatorsFailed []string `json:"evaluators_failed,omitempty"`
	NumFailed        int      `json:"num_failed,omitempty"`
	K                int      `json:"k,omitempty"`
	TopVariants      []string `json:"top_variants,omitempty"`
}

// Rule holds the parameters governing stopping decisions.
type Rule struct {
	KMin, KMax                int
	Epsilon                   float64
	VariantFailureThreshold   float64
	EvaluatorFailureThreshold float64
}

// New validates and constructs a Rule.
func New(kMin, kMax int, epsilon, variantFailureThreshold, evaluatorFailureThreshold float64) (*Rule, error) {
	if kMin < 1 {
		return nil, errors.Errorf("stopping: k_min must be >= 1, got %d", kMin)
	}
	if kMax < kMin {
		return nil, errors.Errorf("stopping: k_max (%d) must be >= k_min (%d)", kMax, kMin)
	}
	if epsilon < 0 || epsilon > 1 {
		return nil, errors.Errorf("stopping: epsilon must be in [0,1], got %v", epsilon)
	}
	if variantFailureThreshold < 0 || variantFailureThreshold > 1 {
		return nil, errors.Errorf("stopping: variant_failure_threshold must be in [0,1], got %v", variantFailureThreshold)
	}
	if evaluatorFailureThreshold < 0 || evaluatorFailureThreshold > 1 {
		return nil, errors.Errorf("stopping: evaluator_failure_threshold must be in [0,1], got %v", evaluatorFailureThreshold)
	}
	return &Rule{
		KMin:                      kMin,
		KMax:                      kMax,
		Epsilon:                   epsilon,
		VariantFailureThreshold:   variantFailureThreshold,
		EvaluatorFailureThreshold: evaluatorFailureThreshold,
	}, nil
}

// Evaluate runs the ordered checks of §4.5 against the current tracker
// state and, where a check fires, mutates variant statuses accordingly.
// datasetExhausted signals that the sampling loop has no more datapoints
// to draw for this run.
func (r *Rule) Evaluate(variants []*tracker.VariantTracker, evaluators []*tracker.EvaluatorTracker, datasetExhausted bool) (Decision, error) {
	if len(variants) < r.KMax {
		return Decision{}, errors.Errorf("stopping: %d variants is fewer than k_max (%d)", len(variants), r.KMax)
	}

	sorted := make([]*tracker.VariantTracker, len(variants))
	copy(sorted, variants)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	// Apply the Active -> Failed transition (§4.2) before any other check,
	// since TooManyVariantsFailed depends on an up-to-date Failed count.
	for _, v := range sorted {
		if v.Status() == tracker.Active && v.OverFailureThreshold(r.VariantFailureThreshold) {
			if err := v.SetStatus(tracker.Failed); err != nil {
				return Decision{}, errors.Wrap(err, "stopping: marking variant failed")
			}
		}
	}

	// 1. EvaluatorsFailed
	if dec, fired := r.checkEvaluatorsFailed(evaluators); fired {
		return dec, nil
	}

	// 2. TooManyVariantsFailed
	if dec, fired := r.checkTooManyVariantsFailed(sorted); fired {
		return dec, nil
	}

	// 3. Exclusions, then re-check (2).
	if err := r.applyExclusions(sorted); err != nil {
		return Decision{}, err
	}
	if dec, fired := r.checkTooManyVariantsFailed(sorted); fired {
		return dec, nil
	}

	// 4. TopKFound
	if dec, fired, err := r.checkTopKFound(sorted); err != nil {
		return Decision{}, err
	} else if fired {
		return dec, nil
	}

	// 5. DatasetExhausted
	if datasetExhausted {
		return Decision{Reason: ReasonDatasetExhausted, Terminal: true}, nil
	}

	return Decision{Reason: ReasonNone, Terminal: false}, nil
}

func (r *Rule) checkEvaluatorsFailed(evaluators []*tracker.EvaluatorTracker) (Decision, bool) {
	sorted := make([]*tracker.EvaluatorTracker, len(evaluators))
	copy(sorted, evaluators)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var names []string
	for _, e := range sorted {
		if e.OverThreshold(r.EvaluatorFailureThreshold) {
			names = append(names, e.Name)
		}
	}
	if len(names) == 0 {
		return Decision{}, false
	}
	return Decision{Reason: ReasonEvaluatorsFailed, Terminal: true, EvaluatorsFailed: names}, true
}

func (r *Rule) checkTooManyVariantsFailed(sorted []*tracker.VariantTracker) (Decision, bool) {
	failed := 0
	for _, v := range sorted {
		if v.Status() == tracker.Failed {
			failed++
		}
	}
	if failed > len(sorted)-r.KMin {
		return Decision{Reason: ReasonTooManyVariantsFailed, Terminal: true, NumFailed: failed}, true
	}
	return Decision{}, false
}

// applyExclusions marks Active variants Exclude per §4.2: a variant cannot
// remain a top-k_max candidate once k_max other Active variants are
// provably ahead of it. Decisions are computed against a fixed snapshot of
// the Active set taken at the start of the pass so the outcome does not
// depend on iteration order.
func (r *Rule) applyExclusions(sorted []*tracker.VariantTracker) error {
	active := activeOf(sorted)
	nActive := len(active)

	toExclude := make([]*tracker.VariantTracker, 0)
	for _, v := range active {
		beatenBy := 0
		for _, other := range active {
			if other == v {
				continue
			}
			if v.Performance.CSUpper < other.Performance.CSLower {
				beatenBy++
			}
		}
		if beatenBy >= nActive-r.KMax {
			toExclude = append(toExclude, v)
		}
	}

	for _, v := range toExclude {
		if err := v.SetStatus(tracker.Exclude); err != nil {
			return errors.Wrap(err, "stopping: excluding dominated variant")
		}
	}
	return nil
}

// checkTopKFound looks for the largest k in [KMin, KMax] whose top-k Active
// variants (ranked by score_lower, ties broken lexicographically by name)
// are ε-separated from every other Active variant.
func (r *Rule) checkTopKFound(sorted []*tracker.VariantTracker) (Decision, bool, error) {
	active := activeOf(sorted)
	if len(active) == 0 {
		return Decision{}, false, nil
	}

	ranked := make([]*tracker.VariantTracker, len(active))
	copy(ranked, active)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Performance.CSLower != ranked[j].Performance.CSLower {
			return ranked[i].Performance.CSLower > ranked[j].Performance.CSLower
		}
		return ranked[i].Name < ranked[j].Name
	})

	maxK := r.KMax
	if maxK > len(ranked) {
		maxK = len(ranked)
	}

	for k := maxK; k >= r.KMin; k-- {
		top := ranked[:k]
		rest := ranked[k:]

		minTopLower := top[0].Performance.CSLower
		for _, v := range top {
			if v.Performance.CSLower < minTopLower {
				minTopLower = v.Performance.CSLower
			}
		}

		separated := true
		if len(rest) > 0 {
			maxRestUpper := rest[0].Performance.CSUpper
			for _, v := range rest {
				if v.Performance.CSUpper > maxRestUpper {
					maxRestUpper = v.Performance.CSUpper
				}
			}
			if r.Epsilon == 0 {
				separated = minTopLower > maxRestUpper
			} else {
				separated = minTopLower >= maxRestUpper+r.Epsilon
			}
		}

		if !separated {
			continue
		}

		names := make([]string, 0, k)
		for _, v := range top {
			names = append(names, v.Name)
		}
		sort.Strings(names)

		for _, v := range top {
			if err := v.SetStatus(tracker.Include); err != nil {
				return Decision{}, false, errors.Wrap(err, "stopping: marking top-k variant included")
			}
		}
		for _, v := range rest {
			if err := v.SetStatus(tracker.Exclude); err != nil {
				return Decision{}, false, errors.Wrap(err, "stopping: excluding non-top-k variant")
			}
		}

		return Decision{Reason: ReasonTopKFound, Terminal: true, K: k, TopVariants: names}, true, nil
	}

	return Decision{}, false, nil
}

func activeOf(sorted []*tracker.VariantTracker) []*tracker.VariantTracker {
	active := make([]*tracker.VariantTracker, 0, len(sorted))
	for _, v := range sorted {
		if v.Status() == tracker.Active {
			active = append(active, v)
		}
	}
	return active
}
