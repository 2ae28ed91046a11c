package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewVariantTrackerStartsActive(t *testing.T) {
	assert := assert.New(t)

	vt, err := NewVariantTracker("v0", []string{"exact_match", "helpfulness"}, 0.05, 51)
	assert.NoError(err)
	assert.Equal(Active, vt.Status())
	assert.Len(vt.PerEvaluator, 2)
	assert.Equal(int64(0), vt.Failures.Count)
}

func TestVariantTrackerRejectsEmptyName(t *testing.T) {
	assert := assert.New(t)

	_, err := NewVariantTracker("", []string{"e"}, 0.05, 51)
	assert.Error(err)
}

func TestVariantTrackerRecordUpdatesPresentEvaluatorsOnly(t *testing.T) {
	assert := assert.New(t)

	vt, err := NewVariantTracker("v0", []string{"a", "b"}, 0.05, 51)
	assert.NoError(err)

	assert.NoError(vt.Record(map[string]float64{"a": 0.9}, false))
	assert.Equal(int64(1), vt.PerEvaluator["a"].Count)
	assert.Equal(int64(0), vt.PerEvaluator["b"].Count)
	assert.Equal(int64(1), vt.Failures.Count)
	assert.Equal(0.0, vt.Failures.MeanEst)
}

func TestVariantTrackerRecordFailure(t *testing.T) {
	assert := assert.New(t)

	vt, err := NewVariantTracker("v0", []string{"a"}, 0.05, 51)
	assert.NoError(err)

	assert.NoError(vt.Record(map[string]float64{}, true))
	assert.Equal(int64(0), vt.PerEvaluator["a"].Count)
	assert.Equal(int64(1), vt.Failures.Count)
	assert.Equal(1.0, vt.Failures.MeanEst)
}

func TestSetStatusIsMonotone(t *testing.T) {
	assert := assert.New(t)

	vt, err := NewVariantTracker("v0", []string{"a"}, 0.05, 51)
	assert.NoError(err)

	assert.NoError(vt.SetStatus(Exclude))
	assert.Equal(Exclude, vt.Status())

	// Moving back to Active must fail.
	assert.Error(vt.SetStatus(Active))
	assert.Equal(Exclude, vt.Status())

	// Re-setting the same terminal status is a harmless no-op.
	assert.NoError(vt.SetStatus(Exclude))

	// Moving from one terminal status to another must fail.
	assert.Error(vt.SetStatus(Include))
}

func TestOverFailureThreshold(t *testing.T) {
	assert := assert.New(t)

	vt, err := NewVariantTracker("v0", []string{"a"}, 0.05, 51)
	assert.NoError(err)

	assert.False(vt.OverFailureThreshold(0.05))
	for i := 0; i < 50; i++ {
		assert.NoError(vt.Record(map[string]float64{"a": 0.5}, true))
	}
	assert.True(vt.OverFailureThreshold(0.05))
}

func TestStatusJSON(t *testing.T) {
	assert := assert.New(t)

	b, err := Include.MarshalJSON()
	assert.NoError(err)
	assert.Equal(`"Include"`, string(b))
}
