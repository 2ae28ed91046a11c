// Package betting implements betting-based confidence sequences (CS): an
// anytime-valid confidence interval for a bounded mean in [0,1], built from
// hedged martingale wealth processes over a grid of candidate means. See
// Waudby-Smith & Ramdas for the underlying theory; this package follows the
// variance-regularized bet sizing rule.
package betting

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// DefaultGridResolution is the number of equispaced grid points (including
// the trimmed endpoints) used when none is supplied.
const DefaultGridResolution = 101

// clipConst bounds the bet fraction so that 1 + lambda*(x-m) (and its
// symmetric counterpart) never goes negative for x, m in [0,1].
const clipConst = 0.5

// BettingCS is an anytime-valid confidence sequence over a bounded mean.
// All fields are a read-only snapshot except through Update.
type BettingCS struct {
	Name  string
	Alpha float64

	Count               int64
	MeanEst             float64
	MeanRegularized     float64
	VarianceRegularized float64
	CSLower             float64
	CSUpper             float64

	grid         []float64 // candidate means, open interval (0,1)
	wealthUpper  []float64 // grows when x < m: bets mean < m, refutes candidates above the mean
	wealthLower  []float64 // grows when x > m: bets mean > m, refutes candidates below the mean
	sumX, sumXSq float64
}

// New returns a BettingCS with the trivial confidence sequence [0,1] and no
// samples incorporated. gridResolution is the number of equispaced points
// spanning [0,1] before the endpoints are trimmed; values <= 2 fall back to
// DefaultGridResolution.
func New(name string, alpha float64, gridResolution int) (*BettingCS, error) {
	if alpha <= 0 || alpha >= 1 {
		return nil, errors.Errorf("betting: alpha must be in (0,1), got %v", alpha)
	}
	if gridResolution <= 2 {
		gridResolution = DefaultGridResolution
	}

	full := make([]float64, gridResolution)
	floats.Span(full, 0, 1)
	grid := full[1 : len(full)-1] // trim 0 and 1 to avoid log(0)/div-by-zero

	wu := make([]float64, len(grid))
	wl := make([]float64, len(grid))
	for i := range wu {
		wu[i] = 1
		wl[i] = 1
	}

	return &BettingCS{
		Name:    name,
		Alpha:   alpha,
		MeanEst: 0.5,
		CSLower: 0,
		CSUpper: 1,

		grid:                grid,
		wealthUpper:         wu,
		wealthLower:         wl,
		MeanRegularized:     0.5,
		VarianceRegularized: 0.25,
	}, nil
}

// Snapshot builds a read-only BettingCS-shaped value from already-computed
// bounds, used by the scoring package to publish a derived aggregate CS
// (one that is not itself updated sample-by-sample through the betting
// process). Calling Update on the result is an error.
func Snapshot(name string, alpha, meanEst, lower, upper float64, count int64) *BettingCS {
	return &BettingCS{
		Name:                name,
		Alpha:               alpha,
		Count:               count,
		MeanEst:             meanEst,
		MeanRegularized:     meanEst,
		VarianceRegularized: meanEst * (1 - meanEst),
		CSLower:             lower,
		CSUpper:             upper,
	}
}

// Update incorporates one observation x in [0,1].
func (b *BettingCS) Update(x float64) error {
	if len(b.grid) == 0 {
		return errors.Errorf("betting[%s]: cannot Update a derived snapshot", b.Name)
	}
	if x < 0 || x > 1 {
		return errors.Errorf("betting[%s]: observation %v out of [0,1]", b.Name, x)
	}

	t := b.Count // number of samples incorporated so far, predictable for this bet
	n := float64(t + 1)

	// Predictable shrinkage mean/variance from the t prior samples.
	muHat := (0.5 + b.sumX) / n
	sumSqDev := b.sumXSq - 2*muHat*b.sumX + float64(t)*muHat*muHat
	varHat := (0.25 + sumSqDev) / n
	if varHat < 1e-6 {
		varHat = 1e-6
	}

	lambdaCommon := math.Sqrt(2 * math.Log(2/b.Alpha) / (n * varHat))

	threshold := 1 / b.Alpha
	for i, m := range b.grid {
		lambdaMinus := math.Min(lambdaCommon, clipConst/m)
		lambdaPlus := math.Min(lambdaCommon, clipConst/(1-m))

		multMinus := 1 + lambdaMinus*(x-m)
		if multMinus < 0 {
			multMinus = 0
		}
		multPlus := 1 + lambdaPlus*(m-x)
		if multPlus < 0 {
			multPlus = 0
		}

		b.wealthLower[i] = saturatingMul(b.wealthLower[i], multMinus)
		b.wealthUpper[i] = saturatingMul(b.wealthUpper[i], multPlus)

		// Once a grid point is refuted it stays refuted: a betting wealth
		// process is reset only by starting a new BettingCS, never by a
		// later observation resurrecting a rejected candidate mean.
		if b.wealthLower[i] >= threshold {
			b.wealthLower[i] = math.MaxFloat64
		}
		if b.wealthUpper[i] >= threshold {
			b.wealthUpper[i] = math.MaxFloat64
		}
	}

	b.sumX += x
	b.sumXSq += x * x
	b.Count++
	b.MeanEst = b.sumX / float64(b.Count)

	nAfter := float64(b.Count + 1)
	muHatAfter := (0.5 + b.sumX) / nAfter
	sumSqDevAfter := b.sumXSq - 2*muHatAfter*b.sumX + float64(b.Count)*muHatAfter*muHatAfter
	b.MeanRegularized = muHatAfter
	b.VarianceRegularized = (0.25 + sumSqDevAfter) / nAfter

	b.recomputeCS(threshold)
	return nil
}

func (b *BettingCS) recomputeCS(threshold float64) {
	lower, upper := math.NaN(), math.NaN()
	for i, m := range b.grid {
		if b.wealthLower[i] < threshold && b.wealthUpper[i] < threshold {
			if math.IsNaN(lower) || m < lower {
				lower = m
			}
			if math.IsNaN(upper) || m > upper {
				upper = m
			}
		}
	}

	if math.IsNaN(lower) {
		// Every grid point refuted: a pathological, grid-resolution-driven
		// edge case. Conservatively collapse onto the empirical mean rather
		// than report an empty interval.
		lower, upper = b.MeanEst, b.MeanEst
	}

	// Defensive clamp: the empirical mean must always lie within the
	// reported interval, even if grid discretization nudged the betting
	// envelope inward of it.
	if b.MeanEst < lower {
		lower = b.MeanEst
	}
	if b.MeanEst > upper {
		upper = b.MeanEst
	}

	b.CSLower = clamp01(lower)
	b.CSUpper = clamp01(upper)
}

func saturatingMul(w, mult float64) float64 {
	product := w * mult
	if math.IsInf(product, 1) || math.IsNaN(product) {
		return math.MaxFloat64
	}
	return product
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Width reports the current CS width, a convenience for monitoring/logging.
func (b *BettingCS) Width() float64 {
	return b.CSUpper - b.CSLower
}
