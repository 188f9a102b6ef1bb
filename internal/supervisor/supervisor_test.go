package supervisor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linuxaudio/speakersafetyd/internal/alsactl"
	"github.com/linuxaudio/speakersafetyd/internal/capture"
	"github.com/linuxaudio/speakersafetyd/internal/config"
	"github.com/linuxaudio/speakersafetyd/internal/interlock"
	"github.com/linuxaudio/speakersafetyd/internal/mixer"
	"github.com/linuxaudio/speakersafetyd/internal/thermal"
)

const unlockElement = "Speaker Volume Unlock"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testSpeaker(name string, group, vsChan, isChan int) config.Speaker {
	return config.Speaker{
		Name: name, Group: group,
		TrCoil: 5.0, TrMagnet: 3.0,
		TauCoil: 2.0, TauMagnet: 60.0,
		TLimit: 100.0, THeadroom: 20.0,
		ZNominal: 8.0, ZShunt: 0.1,
		AT20C: 0.00393, AT35C: 0.00393,
		IsScale: 5.0, VsScale: 25.0,
		VsChan: vsChan, IsChan: isChan,
	}
}

func testConfig(speakers ...config.Speaker) *config.Config {
	return &config.Config{
		Globals: config.Globals{
			TAmbient: 25.0, THysteresis: 5.0, TWindow: 1.0,
			Channels: 2 * len(speakers), Period: 4096, LinkGains: true,
		},
		Controls: config.Controls{
			VSense: "VSense Switch", ISense: "ISense Switch",
			AmpGain: "Amp Gain", Volume: "Master Volume",
		},
		Speakers: speakers,
	}
}

func newFakeElems() map[string]*alsactl.FakeElem {
	return map[string]*alsactl.FakeElem{
		"VSense Switch": {Bool: false},
		"ISense Switch": {Bool: false},
		"Amp Gain":      {Int: 0, Min: -60, Max: 0, Step: 1, MinDB: -60, MaxDB: 0},
		"Master Volume": {Int: 0, Min: -60, Max: 0, Step: 1, MinDB: -60, MaxDB: 0},
		unlockElement:   {Int: 0},
	}
}

func newSurface(t *testing.T, elems map[string]*alsactl.FakeElem, linkGains bool) (*mixer.Surface, alsactl.Card) {
	t.Helper()
	card := alsactl.NewFakeCard(elems)
	surface, err := mixer.New(card, map[string]string{
		mixer.RoleVSense:  "VSense Switch",
		mixer.RoleISense:  "ISense Switch",
		mixer.RoleAmpGain: "Amp Gain",
		mixer.RoleVolume:  "Master Volume",
	}, linkGains)
	require.NoError(t, err)
	return surface, card
}

func newPipeline(t *testing.T, channels int) *capture.Pipeline {
	t.Helper()
	p, err := capture.Open("hint", channels, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func newInterlock(t *testing.T, card alsactl.Card) *interlock.Interlock {
	t.Helper()
	lock, err := interlock.Open(card, unlockElement)
	require.NoError(t, err)
	return lock
}

func TestNewColdBootStartsSpeakersAtZeroGain(t *testing.T) {
	cfg := testConfig(testSpeaker("Left", 0, 0, 1))
	elems := newFakeElems()
	surface, _ := newSurface(t, elems, true)

	sup := New(Options{
		Config: cfg, Surface: surface, Log: discardLogger(), ColdBoot: true,
	})

	require.Len(t, sup.speakers, 1)
	assert.Equal(t, 0.0, sup.speakers[0].model.Gain)
}

func TestNewWarmBootStartsSpeakersAtFloorGain(t *testing.T) {
	cfg := testConfig(testSpeaker("Left", 0, 0, 1))
	elems := newFakeElems()
	surface, _ := newSurface(t, elems, true)

	sup := New(Options{
		Config: cfg, Surface: surface, Log: discardLogger(), ColdBoot: false,
	})

	require.Len(t, sup.speakers, 1)
	assert.Equal(t, thermal.FloorGainDB, sup.speakers[0].model.Gain)
}

func TestNewRegistersGroupsOnSurface(t *testing.T) {
	cfg := testConfig(
		testSpeaker("Left", 1, 0, 1),
		testSpeaker("Right", 1, 2, 3),
	)
	elems := newFakeElems()
	surface, _ := newSurface(t, elems, true)

	New(Options{Config: cfg, Surface: surface, Log: discardLogger(), ColdBoot: true})

	assert.Equal(t, []string{"Left", "Right"}, surface.GroupMembers(1))
}

func TestWriteGainsUnlinkedWritesEachSpeakerIndependently(t *testing.T) {
	cfg := testConfig(
		testSpeaker("Left", 1, 0, 1),
		testSpeaker("Right", 1, 2, 3),
	)
	cfg.Globals.LinkGains = false
	elems := newFakeElems()
	surface, _ := newSurface(t, elems, false)
	sup := New(Options{Config: cfg, Surface: surface, Log: discardLogger(), ColdBoot: true})

	err := sup.writeGains(map[string]float64{"Left": -3.0, "Right": -9.0})
	require.NoError(t, err)

	left, ok := surface.LastGain("Left")
	require.True(t, ok)
	assert.Equal(t, -3.0, left)
	right, ok := surface.LastGain("Right")
	require.True(t, ok)
	assert.Equal(t, -9.0, right)
}

func TestWriteGainsLinkedAppliesGroupMinimumToBothMembers(t *testing.T) {
	cfg := testConfig(
		testSpeaker("Left", 1, 0, 1),
		testSpeaker("Right", 1, 2, 3),
	)
	cfg.Globals.LinkGains = true
	elems := newFakeElems()
	surface, _ := newSurface(t, elems, true)
	sup := New(Options{Config: cfg, Surface: surface, Log: discardLogger(), ColdBoot: true})

	err := sup.writeGains(map[string]float64{"Left": -3.0, "Right": -9.0})
	require.NoError(t, err)

	left, ok := surface.LastGain("Left")
	require.True(t, ok)
	right, ok := surface.LastGain("Right")
	require.True(t, ok)
	assert.Equal(t, -9.0, left)
	assert.Equal(t, -9.0, right)
}

func TestCheckMaxReductionIgnoresGainBeforeAnyNominalPass(t *testing.T) {
	cfg := testConfig(testSpeaker("Left", 0, 0, 1))
	elems := newFakeElems()
	surface, _ := newSurface(t, elems, true)
	sup := New(Options{Config: cfg, Surface: surface, Log: discardLogger(), ColdBoot: true})
	max := 6.0
	sup.maxReduction = &max

	// speaker is still in StateCold: onceAllNominal must stay false.
	err := sup.checkMaxReduction(sup.speakers[0], -30.0)
	require.NoError(t, err)
	assert.False(t, sup.onceAllNominal)
}

func TestCheckMaxReductionTriggersAfterNominalIsReached(t *testing.T) {
	cfg := testConfig(testSpeaker("Left", 0, 0, 1))
	elems := newFakeElems()
	surface, _ := newSurface(t, elems, true)
	sup := New(Options{Config: cfg, Surface: surface, Log: discardLogger(), ColdBoot: true})
	max := 6.0
	sup.maxReduction = &max

	silence := make([]float64, 8)
	_, err := sup.speakers[0].model.Step(silence, silence, 0.01)
	require.NoError(t, err)
	require.Equal(t, thermal.StateNominal, sup.speakers[0].model.State())

	err = sup.checkMaxReduction(sup.speakers[0], -30.0)
	assert.Error(t, err)
}

func TestDeinterleaveRebuildsRawBuffer(t *testing.T) {
	period := capture.Period{
		Dt: 0.01,
		Samples: [][]float64{
			{0.0, 0.5},
			{-0.5, 1.0},
		},
	}
	out := deinterleave(period, 2)
	require.Len(t, out, 4)
	assert.Equal(t, int16(0), out[0])
	assert.Equal(t, int16(-16384), out[1])
	assert.Equal(t, int16(16384), out[2])
	assert.Equal(t, int16(32767), out[3])
}

func TestDeinterleaveEmptySamplesReturnsNil(t *testing.T) {
	assert.Nil(t, deinterleave(capture.Period{}, 2))
}

func TestPollIdleAdvancesModelsAndKeepsAlive(t *testing.T) {
	cfg := testConfig(testSpeaker("Left", 0, 0, 1))
	elems := newFakeElems()
	surface, card := newSurface(t, elems, true)
	lock := newInterlock(t, card)
	sup := New(Options{Config: cfg, Surface: surface, Interlock: lock, Log: discardLogger(), ColdBoot: true})

	before := sup.speakers[0].model.TCoil
	keepIdle, err := sup.pollIdle(context.Background())
	require.NoError(t, err)
	assert.True(t, keepIdle)
	// SkipAhead with zero dissipation only ever cools or holds temperature.
	assert.LessOrEqual(t, sup.speakers[0].model.TCoil, before+1e-9)
}

func TestPollIdleReturnsFalseWithoutErrorOnContextCancellation(t *testing.T) {
	cfg := testConfig(testSpeaker("Left", 0, 0, 1))
	elems := newFakeElems()
	surface, card := newSurface(t, elems, true)
	lock := newInterlock(t, card)
	sup := New(Options{Config: cfg, Surface: surface, Interlock: lock, Log: discardLogger(), ColdBoot: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	keepIdle, err := sup.pollIdle(ctx)
	require.NoError(t, err)
	assert.False(t, keepIdle)
}

func TestPollIdleTreatsInterlockFailureAsFatal(t *testing.T) {
	cfg := testConfig(testSpeaker("Left", 0, 0, 1))
	elems := newFakeElems()
	surface, card := newSurface(t, elems, true)
	lock := newInterlock(t, card)
	sup := New(Options{Config: cfg, Surface: surface, Interlock: lock, Log: discardLogger(), ColdBoot: true})

	// The interlock control disappears from the driver underneath us
	// (e.g. the kernel module unloaded); Keepalive must now fail and
	// pollIdle must surface that as a fatal error, not silent recovery.
	delete(elems, unlockElement)

	keepIdle, err := sup.pollIdle(context.Background())
	assert.Error(t, err)
	assert.False(t, keepIdle)
}

func TestUpdateIdleTrackingEntersIdleAfterThreshold(t *testing.T) {
	cfg := testConfig(testSpeaker("Left", 0, 0, 1))
	elems := newFakeElems()
	surface, _ := newSurface(t, elems, true)
	sup := New(Options{Config: cfg, Surface: surface, Log: discardLogger(), ColdBoot: true})
	sup.pipeline = newPipeline(t, cfg.Globals.Channels)

	for i := 0; i < idlePeriodsThreshold-1; i++ {
		sup.updateIdleTracking(0.0)
		assert.False(t, sup.idle, "must not go idle before threshold at iteration %d", i)
	}
	sup.updateIdleTracking(0.0)
	assert.True(t, sup.idle)
}

func TestUpdateIdleTrackingResetsStreakOnActivity(t *testing.T) {
	cfg := testConfig(testSpeaker("Left", 0, 0, 1))
	elems := newFakeElems()
	surface, _ := newSurface(t, elems, true)
	sup := New(Options{Config: cfg, Surface: surface, Log: discardLogger(), ColdBoot: true})
	sup.pipeline = newPipeline(t, cfg.Globals.Channels)

	for i := 0; i < idlePeriodsThreshold-1; i++ {
		sup.updateIdleTracking(0.0)
	}
	sup.updateIdleTracking(1.0) // activity resets the streak
	assert.False(t, sup.idle)
	assert.Equal(t, 0, sup.idleStreak)
}

func TestHandleCaptureFaultEscalatesAfterRepeatedFailures(t *testing.T) {
	cfg := testConfig(testSpeaker("Left", 0, 0, 1))
	elems := newFakeElems()
	surface, _ := newSurface(t, elems, true)
	sup := New(Options{Config: cfg, Surface: surface, Log: discardLogger(), ColdBoot: true})
	sup.pipeline = newPipeline(t, cfg.Globals.Channels)

	var lastErr error
	for i := 0; i <= maxTransientFaults; i++ {
		lastErr = sup.handleCaptureFault(context.Background(), assertErr)
	}

	require.Error(t, lastErr)
	var fe interface{ IsFatal() bool }
	require.ErrorAs(t, lastErr, &fe)
	assert.True(t, fe.IsFatal())
	assert.Equal(t, maxTransientFaults+1, sup.transientFaults)
}

func TestHandleCaptureFaultBelowThresholdIsRecoverable(t *testing.T) {
	cfg := testConfig(testSpeaker("Left", 0, 0, 1))
	elems := newFakeElems()
	surface, _ := newSurface(t, elems, true)
	sup := New(Options{Config: cfg, Surface: surface, Log: discardLogger(), ColdBoot: true})
	sup.pipeline = newPipeline(t, cfg.Globals.Channels)

	err := sup.handleCaptureFault(context.Background(), assertErr)
	require.Error(t, err)
	var fe interface{ IsFatal() bool }
	require.ErrorAs(t, err, &fe)
	assert.False(t, fe.IsFatal())
}

func TestRunExitsCleanlyAndSurrendersOnContextCancellation(t *testing.T) {
	cfg := testConfig(testSpeaker("Left", 0, 0, 1))
	elems := newFakeElems()
	surface, card := newSurface(t, elems, true)
	lock := newInterlock(t, card)
	sup := New(Options{
		Config: cfg, Surface: surface, Interlock: lock, Log: discardLogger(), ColdBoot: true,
	})
	sup.pipeline = newPipeline(t, cfg.Globals.Channels)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := sup.Run(ctx)
	assert.NoError(t, err)

	// surrender() writes safe-mode (0) back to the interlock element.
	assert.Equal(t, 0, elems[unlockElement].Int)
}

// assertErr is a stand-in transient error; its identity does not matter
// to handleCaptureFault.
var assertErr = errUnavailable{}

type errUnavailable struct{}

func (errUnavailable) Error() string { return "capture stream unavailable" }
