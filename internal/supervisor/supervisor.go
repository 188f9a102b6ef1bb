// Package supervisor is the safety supervisor control loop of spec.md
// §4.4: capture -> model update -> gain-ceiling arbitration -> mixer
// writes -> idle/wake decisions -> interlock heartbeat. It is the
// single owner of speaker state and the only writer to the mixer
// surface after init (spec.md §5).
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/linuxaudio/speakersafetyd/internal/blackbox"
	"github.com/linuxaudio/speakersafetyd/internal/capture"
	"github.com/linuxaudio/speakersafetyd/internal/config"
	"github.com/linuxaudio/speakersafetyd/internal/fault"
	"github.com/linuxaudio/speakersafetyd/internal/interlock"
	"github.com/linuxaudio/speakersafetyd/internal/mixer"
	"github.com/linuxaudio/speakersafetyd/internal/telemetry"
	"github.com/linuxaudio/speakersafetyd/internal/thermal"
)

// idleNoiseFloor is the windowed average power (watts, post
// vs_scale/is_scale conversion), summed over all speakers, below which
// a period is considered silent for the purposes of activity detection.
const idleNoiseFloor = 0.05

// idlePeriodsThreshold is the number of consecutive silent periods
// across all speakers before the supervisor enters idle polling.
const idlePeriodsThreshold = 200

// idlePollInterval is how often the supervisor polls for playback
// activity while idle. It is longer than one capture period (about
// 85ms at 4096 frames / 48kHz); each tick sends an interlock keepalive
// in place of the per-period one.
const idlePollInterval = 250 * time.Millisecond

// maxTransientFaults bounds repeated transient capture failures before
// they escalate to fatal, per spec.md §7.
const maxTransientFaults = 20

// maxModelFaultStreak bounds sustained per-speaker model-domain faults
// (non-finite samples, negative dt) before escalating to fatal, per
// spec.md §7's "sustained fault across the hysteresis window escalates
// to fatal." The source does not give the window a concrete period
// count, so this mirrors maxTransientFaults's magnitude.
const maxModelFaultStreak = 20

// speakerUnit binds a thermal model instance to its static config and
// mixer routing.
type speakerUnit struct {
	model      *thermal.Speaker
	cfg        config.Speaker
	faultStreak int
}

// Supervisor owns all speaker state and drives the control loop.
type Supervisor struct {
	log *slog.Logger
	cfg *config.Config

	pipeline  *capture.Pipeline
	surface   *mixer.Surface
	lock      *interlock.Interlock
	recorder  *blackbox.Recorder
	metrics   *telemetry.Metrics
	speakers  []*speakerUnit

	maxReduction   *float64 // nil disables the debug fault check
	onceAllNominal bool

	transientFaults int
	idleStreak      int
	idle            bool

	// mu guards concurrent reads of speaker thermal/gain state from
	// Status() against the control loop's writes in step()/pollIdle().
	mu        sync.RWMutex
	startedAt time.Time
}

// Options bundles the collaborators wired by cmd/speakersafetyd.
type Options struct {
	Config     *config.Config
	Pipeline   *capture.Pipeline
	Surface    *mixer.Surface
	Interlock  *interlock.Interlock
	Recorder   *blackbox.Recorder // nil disables blackbox recording
	Metrics    *telemetry.Metrics // nil disables telemetry
	Log        *slog.Logger
	ColdBoot   bool
	MaxRedDB   *float64 // --max-reduction, nil disables
}

// New builds a Supervisor from parsed configuration and its opened
// collaborators. Speakers start with ceilings at 0dB on cold boot, or
// at a pessimistic floor on warm boot until the first real measurement
// corrects them (SPEC_FULL.md §3).
func New(opts Options) *Supervisor {
	global := thermal.Global{
		TAmbient:    opts.Config.Globals.TAmbient,
		THysteresis: opts.Config.Globals.THysteresis,
		TWindow:     opts.Config.Globals.TWindow,
	}

	sup := &Supervisor{
		log:          opts.Log,
		cfg:          opts.Config,
		pipeline:     opts.Pipeline,
		surface:      opts.Surface,
		lock:         opts.Interlock,
		recorder:     opts.Recorder,
		metrics:      opts.Metrics,
		maxReduction: opts.MaxRedDB,
		startedAt:    time.Now(),
	}

	groups := make(map[int][]string)
	for _, sp := range opts.Config.Speakers {
		params := thermal.Params{
			Group: sp.Group, TrCoil: sp.TrCoil, TrMagnet: sp.TrMagnet,
			TauCoil: sp.TauCoil, TauMagnet: sp.TauMagnet,
			TLimit: sp.TLimit, THeadroom: sp.THeadroom,
			ZNominal: sp.ZNominal, ZShunt: sp.ZShunt,
			AT20C: sp.AT20C, AT35C: sp.AT35C,
			IsScale: sp.IsScale, VsScale: sp.VsScale,
			IsChan: sp.IsChan, VsChan: sp.VsChan,
		}
		model := thermal.New(sp.Name, params, global)
		if !opts.ColdBoot {
			// Warm boot: assume the speaker may already be near its
			// limit until the first real measurement corrects it.
			model.Gain = thermal.FloorGainDB
		}
		unit := &speakerUnit{model: model, cfg: sp}
		sup.speakers = append(sup.speakers, unit)
		groups[sp.Group] = append(groups[sp.Group], sp.Name)
	}
	sort.Slice(sup.speakers, func(i, j int) bool { return sup.speakers[i].cfg.Name < sup.speakers[j].cfg.Name })

	for group, names := range groups {
		sup.surface.RegisterGroup(group, names...)
	}

	return sup
}

// Run executes the control loop until ctx is cancelled or a fatal
// fault occurs. On return the interlock has always been surrendered.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.surface.EnableSense(true); err != nil {
		s.surrender()
		return err
	}
	defer s.surface.EnableSense(false)

	if err := s.runFirstPeriod(ctx); err != nil {
		s.surrender()
		return err
	}
	if err := s.lock.Unlock(); err != nil {
		s.surrender()
		return err
	}
	s.recordState(ctx, telemetry.StateRunning)

	for {
		select {
		case <-ctx.Done():
			s.surrender()
			return nil
		default:
		}

		if s.idle {
			keepIdle, err := s.pollIdle(ctx)
			if err != nil {
				s.surrender()
				return err
			}
			if keepIdle {
				continue
			}
			s.idle = false
			s.log.Info("resuming capture after idle")
			if err := s.pipeline.Reopen(); err != nil {
				s.surrender()
				return err
			}
		}

		if err := s.step(ctx); err != nil {
			var fe *fault.Error
			if !asFaultError(err, &fe) || fe.IsFatal() {
				s.surrender()
				return err
			}
			// Transient/model faults already converged to a safer
			// output inside step(); continue the loop.
		}
	}
}

// runFirstPeriod blocks for the first successful capture period, which
// is a precondition for unlocking the interlock (spec.md §4.5).
func (s *Supervisor) runFirstPeriod(ctx context.Context) error {
	for {
		if err := s.step(ctx); err != nil {
			var fe *fault.Error
			if !asFaultError(err, &fe) || fe.IsFatal() {
				return err
			}
			continue
		}
		return nil
	}
}

// step runs one full iteration: capture -> model -> arbitration ->
// mixer write -> blackbox -> keepalive.
func (s *Supervisor) step(ctx context.Context) error {
	period, err := s.pipeline.ReadPeriod()
	if err != nil {
		return s.handleCaptureFault(ctx, err)
	}
	s.transientFaults = 0

	totalPower := 0.0
	ceilings := make(map[string]float64, len(s.speakers))
	snapshots := make([]blackbox.SpeakerSnapshot, 0, len(s.speakers))

	if err := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, u := range s.speakers {
			v := period.Samples[u.cfg.VsChan]
			i := period.Samples[u.cfg.IsChan]

			gain, err := u.model.Step(v, i, period.Dt)
			if err != nil {
				s.log.Error("model fault", "speaker", u.cfg.Name, "error", err)
				if s.metrics != nil {
					s.metrics.RecordModelFault(ctx, u.cfg.Name)
				}
				gain = thermal.FloorGainDB
				u.model.Gain = gain
				u.faultStreak++
				if u.faultStreak > maxModelFaultStreak {
					return fault.Escalate(fault.Model(u.cfg.Name, fmt.Errorf("sustained model fault: %w", err)))
				}
			} else {
				u.faultStreak = 0
			}
			ceilings[u.cfg.Name] = gain
			totalPower += u.model.Energy()

			if s.metrics != nil {
				s.metrics.RecordSpeaker(ctx, u.cfg.Name, u.model.TCoil, u.model.TMagnet, gain)
			}
			snapshots = append(snapshots, blackbox.SpeakerSnapshot{
				Name: u.cfg.Name, Group: u.cfg.Group,
				TCoil: u.model.TCoil, TMagnet: u.model.TMagnet,
				GainDB: gain, State: u.model.State().String(),
			})

			if s.maxReduction != nil {
				if err := s.checkMaxReduction(u, gain); err != nil {
					return err
				}
			}
		}
		return nil
	}(); err != nil {
		return err
	}

	if err := s.writeGains(ceilings); err != nil {
		return err
	}

	if s.recorder != nil {
		interleaved := deinterleave(period, s.cfg.Globals.Channels)
		s.recorder.Push(s.pipeline.SampleRate(), s.cfg.Globals.Channels, interleaved, snapshots)
	}

	if err := s.lock.Keepalive(); err != nil {
		return err
	}

	s.updateIdleTracking(totalPower)
	return nil
}

// writeGains applies group-min arbitration (spec.md §4.1 "Group
// arbitration") and issues the mixer writes, satisfying testable
// property 1 (monotone-safe) and 2 (group-linked writes never
// diverge).
func (s *Supervisor) writeGains(ceilings map[string]float64) error {
	if !s.cfg.Globals.LinkGains {
		for _, u := range s.speakers {
			if err := s.surface.SetGain(u.cfg.Name, u.cfg.Group, ceilings[u.cfg.Name]); err != nil {
				return err
			}
		}
		return nil
	}

	groupMin := make(map[int]float64)
	for _, u := range s.speakers {
		g := ceilings[u.cfg.Name]
		if cur, ok := groupMin[u.cfg.Group]; !ok || g < cur {
			groupMin[u.cfg.Group] = g
		}
	}
	written := make(map[int]bool)
	for _, u := range s.speakers {
		if written[u.cfg.Group] {
			continue
		}
		written[u.cfg.Group] = true
		if err := s.surface.SetGain(u.cfg.Name, u.cfg.Group, groupMin[u.cfg.Group]); err != nil {
			return err
		}
	}
	return nil
}

// checkMaxReduction implements SPEC_FULL.md §3's --max-reduction debug
// flag: once every speaker has reached nominal gain at least once, any
// subsequent ceiling below the configured threshold is treated as a
// fault, for regression testing against a known-good thermal envelope.
func (s *Supervisor) checkMaxReduction(u *speakerUnit, gain float64) error {
	allNominal := true
	for _, other := range s.speakers {
		if other.model.State() != thermal.StateNominal {
			allNominal = false
			break
		}
	}
	if allNominal {
		s.onceAllNominal = true
	}
	if s.onceAllNominal && gain < -*s.maxReduction {
		return fmt.Errorf("gain reduction on %s exceeded --max-reduction threshold: %.2fdB < -%.2fdB",
			u.cfg.Name, gain, *s.maxReduction)
	}
	return nil
}

// handleCaptureFault classifies a capture-pipeline error per spec.md
// §7: transient errors (xrun, short read) are recovered by reopening;
// repeated transient failure beyond a threshold escalates to fatal.
func (s *Supervisor) handleCaptureFault(ctx context.Context, err error) error {
	if s.metrics != nil {
		s.metrics.RecordCaptureFault(ctx)
	}
	s.transientFaults++
	s.log.Warn("capture fault, reopening", "error", err, "consecutive", s.transientFaults)
	if s.transientFaults > maxTransientFaults {
		return fault.Escalate(fault.Capture(fmt.Errorf("exceeded %d consecutive transient capture faults: %w", maxTransientFaults, err)))
	}
	if reErr := s.pipeline.Reopen(); reErr != nil {
		return fault.Audio("capture reopen", reErr)
	}
	return fault.Capture(err)
}

// updateIdleTracking implements spec.md §4.4's activity detection:
// after idlePeriodsThreshold consecutive periods below the noise
// floor, the supervisor stops calling for captures.
func (s *Supervisor) updateIdleTracking(totalPower float64) {
	if totalPower < idleNoiseFloor {
		s.idleStreak++
	} else {
		s.idleStreak = 0
	}
	if s.idleStreak >= idlePeriodsThreshold {
		s.log.Info("entering idle: no playback activity detected")
		s.idle = true
		s.idleStreak = 0
		if err := s.pipeline.Close(); err != nil {
			s.log.Warn("error closing capture device before idle", "error", err)
		}
		s.recordState(context.Background(), telemetry.StateIdle)
	}
}

// pollIdle sleeps one polling interval, sends the interlock keepalive
// (idle never releases the interlock, spec.md §4.4), advances thermal
// state analytically via SkipAhead, and reports whether the
// supervisor should keep idling. A keepalive failure is an interlock
// fault and always fatal.
func (s *Supervisor) pollIdle(ctx context.Context) (keepIdle bool, err error) {
	select {
	case <-ctx.Done():
		return false, nil
	case <-time.After(idlePollInterval):
	}

	s.mu.Lock()
	for _, u := range s.speakers {
		u.model.SkipAhead(idlePollInterval.Seconds())
	}
	s.mu.Unlock()
	if err := s.lock.Keepalive(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Supervisor) surrender() {
	s.recordState(context.Background(), telemetry.StateFaulted)
	if err := s.lock.Surrender(); err != nil {
		s.log.Error("failed to surrender interlock", "error", err)
	}
	if s.recorder != nil {
		if err := s.recorder.Preserve("supervisor exit"); err != nil {
			s.log.Warn("failed to preserve blackbox", "error", err)
		}
	}
	s.pipeline.Close()
}

// Status reports a point-in-time snapshot for the /status introspection
// endpoint. Safe to call concurrently with the control loop.
func (s *Supervisor) Status(sessionID string) telemetry.StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := "running"
	if s.idle {
		state = "idle"
	}
	speakers := make([]telemetry.SpeakerStatus, 0, len(s.speakers))
	for _, u := range s.speakers {
		speakers = append(speakers, telemetry.SpeakerStatus{
			Name: u.cfg.Name, State: u.model.State().String(),
			TCoil: u.model.TCoil, TMagnet: u.model.TMagnet, GainDB: u.model.Gain,
		})
	}
	return telemetry.StatusSnapshot{
		SessionID: sessionID,
		UptimeS:   time.Since(s.startedAt).Seconds(),
		State:     state,
		Speakers:  speakers,
	}
}

func (s *Supervisor) recordState(ctx context.Context, state telemetry.SupervisorState) {
	if s.metrics != nil {
		s.metrics.RecordState(ctx, state)
	}
}

// deinterleave rebuilds the raw interleaved int16 buffer from a
// deinterleaved Period for blackbox storage; the model itself only
// ever sees normalized floats.
func deinterleave(p capture.Period, channels int) []int16 {
	if channels == 0 || len(p.Samples) == 0 {
		return nil
	}
	frames := len(p.Samples[0])
	out := make([]int16, frames*channels)
	for c := 0; c < channels && c < len(p.Samples); c++ {
		for f := 0; f < frames; f++ {
			v := math.Round(p.Samples[c][f] * 32768.0)
			out[f*channels+c] = int16(math.Max(-32768, math.Min(32767, v)))
		}
	}
	return out
}

func asFaultError(err error, target **fault.Error) bool {
	fe, ok := err.(*fault.Error)
	if ok {
		*target = fe
	}
	return ok
}
