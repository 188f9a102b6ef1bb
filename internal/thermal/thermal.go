// Package thermal implements the per-channel two-thermal-mass speaker model:
// a voice-coil node and a magnet node, each a first-order low-pass filter of
// instantaneous dissipated power, driving a gain ceiling that tracks the
// thermal envelope and fails safe.
package thermal

import (
	"fmt"
	"math"
)

// State is the coarse operating state of one speaker's thermal loop.
type State int

const (
	StateCold State = iota
	StateNominal
	StateEngaged
	StateCooling
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateNominal:
		return "nominal"
	case StateEngaged:
		return "engaged"
	case StateCooling:
		return "cooling"
	default:
		return "unknown"
	}
}

// Global thermal parameters, shared by every speaker and captured once at
// startup. Immutable for the process lifetime.
type Global struct {
	TAmbient   float64 // °C
	THysteresis float64 // °C
	TWindow    float64 // s, energy-averaging window
}

// Params are the static, per-speaker parameters parsed from configuration.
type Params struct {
	Group      int
	TrCoil     float64 // °C/W
	TrMagnet   float64 // °C/W
	TauCoil    float64 // s
	TauMagnet  float64 // s
	TLimit     float64 // °C, absolute coil temperature limit
	THeadroom  float64 // °C, backoff headroom below TLimit
	ZNominal   float64 // Ω
	ZShunt     float64 // Ω, series shunt correction
	AT20C      float64 // 1/°C, copper TCR anchor at 20°C
	AT35C      float64 // 1/°C, copper TCR anchor at 35°C
	IsScale    float64 // A full-scale
	VsScale    float64 // V full-scale
	IsChan     int
	VsChan     int
}

// Speaker owns the mutable thermal state for one voice coil + magnet pair.
// It is not safe for concurrent use: the supervisor is its single owner.
type Speaker struct {
	Name   string
	Params Params
	global Global

	TCoil   float64
	TMagnet float64
	Gain    float64 // dB, always <= 0

	energy float64 // leaky-integrated |P| over global.TWindow, not used for the gain ceiling

	state        State
	hystLatched  bool
	everStepped  bool
}

// Tuning constants for the gain-ceiling controller. Chosen to bound the
// per-period step so gain changes never audibly pump.
const (
	// FloorGainDB mirrors the kernel safe-mode level; it is also used
	// by internal/supervisor as the pessimistic starting ceiling on a
	// warm boot, before the first real measurement corrects it.
	FloorGainDB      = -18.0
	maxStepDownDB    = 6.0 // maximum attenuation applied in one period
	maxStepUpDB      = 1.0 // maximum relaxation applied in one period
	proportionalGain = 2.0 // dB of extra attenuation per °C over the engage threshold
)

// New creates a speaker in the Cold state with both nodes initialised to
// ambient, satisfying the T_coil >= T_amb, T_magnet >= T_amb invariant.
func New(name string, params Params, global Global) *Speaker {
	return &Speaker{
		Name:   name,
		Params: params,
		global: global,

		TCoil:   global.TAmbient,
		TMagnet: global.TAmbient,
		Gain:    0,
		state:   StateCold,
	}
}

// State returns the speaker's current coarse state.
func (s *Speaker) State() State { return s.state }

// engageThreshold is the coil/magnet temperature at which the controller
// must begin attenuating.
func (s *Speaker) engageThreshold() float64 {
	return s.Params.TLimit - s.Params.THeadroom
}

// disengageThreshold is the temperature the hysteresis band requires
// T_hot to fall below before relaxation resumes.
func (s *Speaker) disengageThreshold() float64 {
	return s.engageThreshold() - s.global.THysteresis
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// coilResistanceCorrection interpolates (and, outside [20,35]°C,
// extrapolates) the copper temperature coefficient of resistance between
// the two calibration anchors and returns the multiplicative correction to
// apply to the measured current so that the model's estimate of dissipated
// power does not shrink as the coil heats and its true resistance rises.
//
// This resolves an ambiguity in the source parameter set: a_t_20c/a_t_35c
// are treated as the effective-resistance correction, not a full physical
// TCR model.
func coilResistanceCorrection(aT20, aT35, tCoil float64) float64 {
	slope := (aT35 - aT20) / 15.0
	alpha := aT20 + slope*(tCoil-20.0)
	return 1.0 + alpha*(tCoil-20.0)
}

// Step advances the model by one capture period. vNorm and iNorm are
// deinterleaved, normalised ([-1,1)) sample slices of equal length for this
// speaker's V/ISENSE channels; dt is the elapsed wall-clock time in
// seconds for the period. It returns the new gain ceiling in dB.
//
// dt == 0 is a documented no-op: thermal state and gain ceiling are left
// unchanged and the current gain is returned.
func (s *Speaker) Step(vNorm, iNorm []float64, dt float64) (float64, error) {
	if dt < 0 {
		return s.Gain, fmt.Errorf("negative dt %v", dt)
	}
	if dt == 0 {
		return s.Gain, nil
	}
	if len(vNorm) != len(iNorm) || len(vNorm) == 0 {
		return s.Gain, fmt.Errorf("mismatched or empty sample slices (v=%d i=%d)", len(vNorm), len(iNorm))
	}

	var pSum float64
	for k := range vNorm {
		v := vNorm[k] * s.Params.VsScale
		i := iNorm[k] * s.Params.IsScale
		if !isFinite(v) || !isFinite(i) {
			return s.Gain, fmt.Errorf("non-finite sample at index %d (v=%v i=%v)", k, v, i)
		}
		vCorrected := v - i*s.Params.ZShunt
		correction := coilResistanceCorrection(s.Params.AT20C, s.Params.AT35C, s.TCoil)
		iEffective := i * correction
		pSum += math.Abs(vCorrected * iEffective)
	}
	pAvg := pSum / float64(len(vNorm))

	s.integrate(pAvg, dt)
	s.updateEnergy(pAvg, dt)

	if tHot := math.Max(s.TCoil, s.TMagnet); tHot >= s.Params.TLimit {
		return s.Gain, fmt.Errorf("temperature %.1f°C reached hard-fault ceiling %.1f°C", tHot, s.Params.TLimit)
	}

	s.updateGainCeiling()

	if !s.everStepped {
		s.everStepped = true
		if s.state == StateCold {
			s.state = StateNominal
		}
	}

	return s.Gain, nil
}

// integrate applies the two independent single-pole low-pass filters
// (coil, magnet) driven by the same average dissipated power.
func (s *Speaker) integrate(pAvg, dt float64) {
	decayCoil := math.Exp(-dt / s.Params.TauCoil)
	decayMagnet := math.Exp(-dt / s.Params.TauMagnet)

	tAmb := s.global.TAmbient
	s.TCoil = tAmb + (s.TCoil-tAmb)*decayCoil + pAvg*s.Params.TrCoil*(1-decayCoil)
	s.TMagnet = tAmb + (s.TMagnet-tAmb)*decayMagnet + pAvg*s.Params.TrMagnet*(1-decayMagnet)

	if s.TCoil < tAmb {
		s.TCoil = tAmb
	}
	if s.TMagnet < tAmb {
		s.TMagnet = tAmb
	}
}

// updateEnergy maintains a leaky-integrated dissipation statistic over the
// configured averaging window. It does not participate in the gain-ceiling
// decision; internal/supervisor sums it across speakers for idle detection.
func (s *Speaker) updateEnergy(pAvg, dt float64) {
	window := s.global.TWindow
	if window <= 0 {
		s.energy = pAvg
		return
	}
	decay := math.Exp(-dt / window)
	s.energy = s.energy*decay + pAvg*(1-decay)
}

// Energy returns the leaky-windowed average dissipated power, in watts.
func (s *Speaker) Energy() float64 { return s.energy }

// updateGainCeiling implements the hysteresis-banded attenuate/relax
// controller described in 4.1. It never allows the gain to increase while
// T_hot is at or above the engage threshold (the monotone-safe invariant).
func (s *Speaker) updateGainCeiling() {
	tHot := math.Max(s.TCoil, s.TMagnet)
	engage := s.engageThreshold()
	disengage := s.disengageThreshold()

	switch {
	case tHot >= engage:
		s.hystLatched = true
		over := tHot - engage
		reduction := math.Min(proportionalGain*over, maxStepDownDB)
		s.Gain = math.Max(s.Gain-reduction, FloorGainDB)
		s.state = StateEngaged

	case s.hystLatched && tHot >= disengage:
		// Hold: stay engaged, no relaxation, no further attenuation.
		s.state = StateEngaged

	default:
		s.hystLatched = false
		if s.Gain < 0 {
			s.Gain = math.Min(s.Gain+maxStepUpDB, 0)
			if s.Gain >= -0.001 {
				s.Gain = 0
			}
		}
		if s.Gain == 0 {
			s.state = StateNominal
		} else {
			s.state = StateCooling
		}
	}
}

// SkipAhead advances the thermal state analytically for an elapsed wall
// clock gap during which no periods were consumed (idle, suspend/resume,
// or a large scheduling stall) rather than replaying each missed period.
// Power dissipation during the gap is assumed to be zero, matching the
// idle-detection precondition under which the supervisor calls this. The
// gain ceiling is then recomputed unclamped by the ordinary per-step rate
// limits, since this models a genuine multi-period catch-up rather than a
// single period.
func (s *Speaker) SkipAhead(elapsed float64) {
	if elapsed <= 0 {
		return
	}
	s.integrate(0, elapsed)
	s.updateEnergy(0, elapsed)

	tHot := math.Max(s.TCoil, s.TMagnet)
	engage := s.engageThreshold()
	disengage := s.disengageThreshold()

	switch {
	case tHot >= engage:
		s.hystLatched = true
		s.state = StateEngaged
	case s.hystLatched && tHot >= disengage:
		s.state = StateEngaged
	default:
		s.hystLatched = false
		s.Gain = 0
		s.state = StateNominal
	}
}
