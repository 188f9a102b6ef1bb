package thermal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Params {
	return Params{
		Group:     0,
		TrCoil:    38.3,
		TrMagnet:  25.0,
		TauCoil:   2.8,
		TauMagnet: 900.0,
		TLimit:    130.0,
		THeadroom: 10.0,
		ZNominal:  4.0,
		ZShunt:    0.0,
		AT20C:     0.0039,
		AT35C:     0.0041,
		IsScale:   4.0,
		VsScale:   20.0,
		IsChan:    0,
		VsChan:    1,
	}
}

func testGlobal() Global {
	return Global{TAmbient: 50, THysteresis: 5, TWindow: 1}
}

func silence(n int) ([]float64, []float64) {
	return make([]float64, n), make([]float64, n)
}

func constantDrive(n int, v, i float64) ([]float64, []float64) {
	vs := make([]float64, n)
	is := make([]float64, n)
	for k := 0; k < n; k++ {
		vs[k] = v
		is[k] = i
	}
	return vs, is
}

// normDrive returns normalized (v, i) sample amplitudes, equal in
// magnitude, whose product against the given full-scale parameters
// dissipates approximately watts (before the coil resistance
// correction is applied).
func normDrive(watts, vScale, iScale float64) (vNorm, iNorm float64) {
	amp := math.Sqrt(watts / (vScale * iScale))
	return amp, amp
}

// Scenario 1: cold start, silence.
func TestColdStartSilence(t *testing.T) {
	sp := New("Left Front", testParams(), testGlobal())
	v, i := silence(4096)
	for period := 0; period < 10; period++ {
		gain, err := sp.Step(v, i, 4096.0/48000.0)
		require.NoError(t, err)
		assert.Equal(t, 0.0, gain)
	}
	assert.InDelta(t, 50.0, sp.TCoil, 1e-6)
	assert.InDelta(t, 50.0, sp.TMagnet, 1e-6)
	assert.Equal(t, StateNominal, sp.State())
}

// Scenario 2: thermal build-up under sustained power engages the
// controller and bounds the ceiling at or below the safe-mode floor
// once the coil has settled near its (sub-limit) steady state.
func TestThermalBuildUpEngages(t *testing.T) {
	p := testParams()
	vNorm, iNorm := normDrive(1.25, p.VsScale, p.IsScale) // settles just above the engage threshold, short of TLimit
	sp := New("Left Front", p, testGlobal())
	v, i := constantDrive(4096, vNorm, iNorm)

	dt := 4096.0 / 48000.0
	engageThreshold := p.TLimit - p.THeadroom // 120
	engagedAt := -1
	steps := int(30.0/dt) + 1
	for period := 0; period < steps; period++ {
		_, err := sp.Step(v, i, dt)
		require.NoError(t, err)
		if engagedAt < 0 && math.Max(sp.TCoil, sp.TMagnet) >= engageThreshold {
			engagedAt = period
		}
	}
	require.GreaterOrEqual(t, engagedAt, 0, "controller never engaged")

	settleSeconds := 20.0
	stepsToSettle := int(settleSeconds / dt)
	sp2 := New("Left Front", p, testGlobal())
	for period := 0; period <= stepsToSettle; period++ {
		_, err := sp2.Step(v, i, dt)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, sp2.Gain, -18.0+1e-9)
}

// Scenario 3: hysteresis keeps the controller engaged until T_hot falls
// below the disengage threshold, then relaxation resumes.
func TestHysteresisHoldsUntilDisengageThreshold(t *testing.T) {
	p := testParams()
	g := testGlobal()
	sp := New("Left Front", p, g)
	sp.TCoil = 125
	sp.TMagnet = 125
	sp.Gain = -12
	sp.hystLatched = true
	sp.everStepped = true
	sp.state = StateEngaged

	v, i := silence(4096)
	dt := 4096.0 / 48000.0

	disengage := p.TLimit - p.THeadroom - g.THysteresis // 115
	for period := 0; period < 2000; period++ {
		prevGain := sp.Gain
		_, err := sp.Step(v, i, dt)
		require.NoError(t, err)
		if math.Max(sp.TCoil, sp.TMagnet) >= disengage {
			assert.LessOrEqual(t, sp.Gain, prevGain, "gain must not increase while still in the hysteresis band")
		}
	}
}

// Invariant 1: monotone-safe.
func TestMonotoneSafe(t *testing.T) {
	p := testParams()
	sp := New("Left Front", p, testGlobal())
	vNorm, iNorm := normDrive(1.25, p.VsScale, p.IsScale)
	v, i := constantDrive(4096, vNorm, iNorm)
	dt := 4096.0 / 48000.0
	threshold := p.TLimit - p.THeadroom

	for period := 0; period < 500; period++ {
		prevGain := sp.Gain
		prevHot := math.Max(sp.TCoil, sp.TMagnet)
		_, err := sp.Step(v, i, dt)
		require.NoError(t, err)
		if prevHot >= threshold {
			assert.LessOrEqual(t, sp.Gain, prevGain)
		}
	}
}

// Invariant 3: silence converges monotonically to ambient without
// undershoot.
func TestConvergesToAmbient(t *testing.T) {
	p := testParams()
	g := testGlobal()
	sp := New("Left Front", p, g)
	sp.TCoil = 90
	sp.TMagnet = 80
	sp.everStepped = true

	v, i := silence(4096)
	dt := 4096.0 / 48000.0

	// Run for five magnet time constants so the slower node settles too.
	periods := int(5.0*p.TauMagnet/dt) + 1
	prevCoil, prevMagnet := sp.TCoil, sp.TMagnet
	for period := 0; period < periods; period++ {
		_, err := sp.Step(v, i, dt)
		require.NoError(t, err)
		assert.LessOrEqual(t, sp.TCoil, prevCoil+1e-9)
		assert.LessOrEqual(t, sp.TMagnet, prevMagnet+1e-9)
		assert.GreaterOrEqual(t, sp.TCoil, g.TAmbient-1e-9)
		assert.GreaterOrEqual(t, sp.TMagnet, g.TAmbient-1e-9)
		prevCoil, prevMagnet = sp.TCoil, sp.TMagnet
	}
	assert.InDelta(t, g.TAmbient, sp.TCoil, 0.5)
	assert.InDelta(t, g.TAmbient, sp.TMagnet, 0.5)
}

// Invariant 4: step response asymptotes to T_amb + P*tr within epsilon
// after 5 time constants. The coil resistance correction is disabled
// here (AT20C=AT35C=0) to isolate the pure single-pole asymptote from
// the temperature-dependent power correction covered separately by
// TestThermalBuildUpEngages.
func TestStepResponseAsymptote(t *testing.T) {
	p := testParams()
	p.AT20C, p.AT35C = 0, 0
	g := testGlobal()
	sp := New("Left Front", p, g)
	vNorm, iNorm := normDrive(1.5, p.VsScale, p.IsScale)
	watts := vNorm * p.VsScale * iNorm * p.IsScale
	v, i := constantDrive(4096, vNorm, iNorm)
	dt := 4096.0 / 48000.0

	steps := int(5.0 * p.TauCoil / dt) + 10
	for period := 0; period < steps; period++ {
		_, err := sp.Step(v, i, dt)
		require.NoError(t, err)
	}
	expectedCoil := g.TAmbient + watts*p.TrCoil
	assert.InDelta(t, expectedCoil, sp.TCoil, 1.0)
}

// Invariant 5: idempotence, dt=0 is a no-op.
func TestIdempotentZeroDt(t *testing.T) {
	p := testParams()
	sp := New("Left Front", p, testGlobal())
	vNorm, iNorm := normDrive(1.25, p.VsScale, p.IsScale)
	v, i := constantDrive(4096, vNorm, iNorm)
	_, err := sp.Step(v, i, 4096.0/48000.0)
	require.NoError(t, err)

	coilBefore, magnetBefore, gainBefore := sp.TCoil, sp.TMagnet, sp.Gain
	gain, err := sp.Step(v, i, 0)
	require.NoError(t, err)
	assert.Equal(t, gainBefore, gain)
	assert.Equal(t, coilBefore, sp.TCoil)
	assert.Equal(t, magnetBefore, sp.TMagnet)
}

func TestNonFiniteSampleIsFault(t *testing.T) {
	sp := New("Left Front", testParams(), testGlobal())
	v := []float64{math.NaN(), 0.1}
	i := []float64{0.2, 0.3}
	_, err := sp.Step(v, i, 4096.0/48000.0)
	require.Error(t, err)
}

func TestNegativeDtIsFault(t *testing.T) {
	sp := New("Left Front", testParams(), testGlobal())
	v, i := silence(16)
	_, err := sp.Step(v, i, -0.01)
	require.Error(t, err)
}

// Scenario 5: rate change. Reaches the same steady state within
// tolerance at 96kHz vs 48kHz for a sustained-power test.
func TestRateInvariance(t *testing.T) {
	p := testParams()
	g := testGlobal()
	vNorm, iNorm := normDrive(1.0, p.VsScale, p.IsScale)

	run := func(sampleRate float64) float64 {
		sp := New("Left Front", p, g)
		v, i := constantDrive(4096, vNorm, iNorm)
		dt := 4096.0 / sampleRate
		steps := int(6.0*p.TauCoil/dt) + 10
		for period := 0; period < steps; period++ {
			_, err := sp.Step(v, i, dt)
			require.NoError(t, err)
		}
		return sp.TCoil
	}

	t48 := run(48000)
	t96 := run(96000)
	assert.InDelta(t, t48, t96, 0.5)
}

func TestSkipAheadDecaysTowardAmbient(t *testing.T) {
	p := testParams()
	g := testGlobal()
	sp := New("Left Front", p, g)
	sp.TCoil = 100
	sp.TMagnet = 90
	sp.everStepped = true

	sp.SkipAhead(7200) // two hours idle, 8 magnet time constants
	assert.InDelta(t, g.TAmbient, sp.TCoil, 0.1)
	assert.InDelta(t, g.TAmbient, sp.TMagnet, 0.1)
	assert.Equal(t, 0.0, sp.Gain)
}

func TestSkipAheadNoop(t *testing.T) {
	sp := New("Left Front", testParams(), testGlobal())
	sp.TCoil = 70
	before := sp.TCoil
	sp.SkipAhead(0)
	assert.Equal(t, before, sp.TCoil)
}
