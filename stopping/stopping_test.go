package stopping

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/evalcore/topk/betting"
	"github.com/evalcore/topk/tracker"
)

func mustVariant(t *testing.T, name string, lower, mean, upper float64, count int64) *tracker.VariantTracker {
	t.Helper()
	vt, err := tracker.NewVariantTracker(name, []string{"e"}, 0.05, 51)
	assert.NoError(t, err)
	vt.Performance = betting.Snapshot(name+"/performance", 0.05, mean, lower, upper, count)
	return vt
}

func TestNewRejectsBadParams(t *testing.T) {
	assert := assert.New(t)

	_, err := New(0, 2, 0.05, 0.5, 0.5)
	assert.Error(err)

	_, err = New(3, 2, 0.05, 0.5, 0.5)
	assert.Error(err)

	_, err = New(1, 2, 1.5, 0.5, 0.5)
	assert.Error(err)

	_, err = New(1, 2, 0.05, 1.5, 0.5)
	assert.Error(err)

	_, err = New(1, 2, 0.05, 0.5, 1.5)
	assert.Error(err)

	r, err := New(1, 2, 0.05, 0.5, 0.5)
	assert.NoError(err)
	assert.NotNil(r)
}

func TestEvaluateContinuesWhenNothingFires(t *testing.T) {
	assert := assert.New(t)
	r, err := New(1, 1, 0.1, 0.9, 0.9)
	assert.NoError(err)

	v0 := mustVariant(t, "v0", 0.4, 0.5, 0.6, 10)
	v1 := mustVariant(t, "v1", 0.45, 0.5, 0.55, 10)

	dec, err := r.Evaluate([]*tracker.VariantTracker{v0, v1}, nil, false)
	assert.NoError(err)
	assert.Equal(ReasonNone, dec.Reason)
	assert.False(dec.Terminal)
	assert.Equal(tracker.Active, v0.Status())
	assert.Equal(tracker.Active, v1.Status())
}

func TestEvaluateEvaluatorsFailed(t *testing.T) {
	assert := assert.New(t)
	r, err := New(1, 1, 0.1, 0.9, 0.1)
	assert.NoError(err)

	et, err := tracker.NewEvaluatorTracker("flaky", 0.05, 51)
	assert.NoError(err)
	for i := 0; i < 50; i++ {
		assert.NoError(et.Record(true))
	}

	v0 := mustVariant(t, "v0", 0.4, 0.5, 0.6, 10)

	dec, err := r.Evaluate([]*tracker.VariantTracker{v0}, []*tracker.EvaluatorTracker{et}, false)
	assert.NoError(err)
	assert.Equal(ReasonEvaluatorsFailed, dec.Reason)
	assert.True(dec.Terminal)
	assert.Equal([]string{"flaky"}, dec.EvaluatorsFailed)
}

func TestEvaluateTooManyVariantsFailed(t *testing.T) {
	assert := assert.New(t)
	r, err := New(2, 2, 0.1, 0.1, 0.9)
	assert.NoError(err)

	v0 := mustVariant(t, "v0", 0.4, 0.5, 0.6, 10)
	v1 := mustVariant(t, "v1", 0.4, 0.5, 0.6, 10)
	for i := 0; i < 50; i++ {
		assert.NoError(v0.Record(map[string]float64{"e": 0.5}, true))
		assert.NoError(v1.Record(map[string]float64{"e": 0.5}, true))
	}
	v2 := mustVariant(t, "v2", 0.4, 0.5, 0.6, 10)

	dec, err := r.Evaluate([]*tracker.VariantTracker{v0, v1, v2}, nil, false)
	assert.NoError(err)
	assert.Equal(ReasonTooManyVariantsFailed, dec.Reason)
	assert.True(dec.Terminal)
	assert.Equal(2, dec.NumFailed)
	assert.Equal(tracker.Failed, v0.Status())
	assert.Equal(tracker.Failed, v1.Status())
}

func TestEvaluateAppliesExclusions(t *testing.T) {
	assert := assert.New(t)
	r, err := New(1, 1, 0.0, 0.9, 0.9)
	assert.NoError(err)

	winner := mustVariant(t, "winner", 0.8, 0.9, 1.0, 10)
	loser := mustVariant(t, "loser", 0.0, 0.1, 0.2, 10)

	dec, err := r.Evaluate([]*tracker.VariantTracker{winner, loser}, nil, false)
	assert.NoError(err)
	assert.Equal(ReasonTopKFound, dec.Reason)
	assert.Equal(1, dec.K)
	assert.Equal([]string{"winner"}, dec.TopVariants)
	assert.Equal(tracker.Include, winner.Status())
	assert.Equal(tracker.Exclude, loser.Status())
}

func TestEvaluateTopKFoundPrefersLargestK(t *testing.T) {
	assert := assert.New(t)
	r, err := New(1, 2, 0.0, 0.9, 0.9)
	assert.NoError(err)

	a := mustVariant(t, "a", 0.8, 0.9, 1.0, 10)
	b := mustVariant(t, "b", 0.7, 0.8, 0.9, 10)
	c := mustVariant(t, "c", 0.0, 0.1, 0.2, 10)

	dec, err := r.Evaluate([]*tracker.VariantTracker{a, b, c}, nil, false)
	assert.NoError(err)
	assert.Equal(ReasonTopKFound, dec.Reason)
	assert.Equal(2, dec.K)
	assert.Equal([]string{"a", "b"}, dec.TopVariants)
	assert.Equal(tracker.Include, a.Status())
	assert.Equal(tracker.Include, b.Status())
	assert.Equal(tracker.Exclude, c.Status())
}

func TestEvaluateDatasetExhaustedLeavesActiveUnresolved(t *testing.T) {
	assert := assert.New(t)
	r, err := New(1, 1, 0.5, 0.9, 0.9)
	assert.NoError(err)

	v0 := mustVariant(t, "v0", 0.45, 0.5, 0.55, 10)
	v1 := mustVariant(t, "v1", 0.40, 0.5, 0.60, 10)

	dec, err := r.Evaluate([]*tracker.VariantTracker{v0, v1}, nil, true)
	assert.NoError(err)
	assert.Equal(ReasonDatasetExhausted, dec.Reason)
	assert.True(dec.Terminal)
	assert.Equal(tracker.Active, v0.Status())
	assert.Equal(tracker.Active, v1.Status())
}

func TestEvaluateRejectsTooFewVariants(t *testing.T) {
	assert := assert.New(t)
	r, err := New(1, 3, 0.1, 0.9, 0.9)
	assert.NoError(err)

	v0 := mustVariant(t, "v0", 0.4, 0.5, 0.6, 10)
	_, err = r.Evaluate([]*tracker.VariantTracker{v0}, nil, false)
	assert.Error(err)
}
