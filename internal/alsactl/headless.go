//go:build headless || !linux || !cgo

// headless.go - fake control/capture backend for tests and non-Linux
// development builds, mirroring the teacher's headless stub pattern
// (audio_backend_headless.go): same interface, no real hardware I/O.

package alsactl

import (
	"fmt"
	"math"
	"sync"
)

// FakeElem seeds one control element in a FakeCard.
type FakeElem struct {
	Bool     bool
	Int      int
	Min, Max int
	Step     int
	Enum     int
	Choices  []string
	MinDB    float64
	MaxDB    float64
}

// FakeCard is an in-memory Card used by tests and by non-Linux builds.
type FakeCard struct {
	mu    sync.Mutex
	elems map[string]*FakeElem
}

// NewFakeCard returns a FakeCard seeded with elems, keyed by element name.
func NewFakeCard(elems map[string]*FakeElem) *FakeCard {
	return &FakeCard{elems: elems}
}

func (f *FakeCard) get(name string) (*FakeElem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.elems[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return e, nil
}

func (f *FakeCard) ReadInt(elem string) (int, error) {
	e, err := f.get(elem)
	if err != nil {
		return 0, err
	}
	return e.Int, nil
}

func (f *FakeCard) WriteInt(elem string, v int) error {
	e, err := f.get(elem)
	if err != nil {
		return err
	}
	f.mu.Lock()
	e.Int = v
	f.mu.Unlock()
	return nil
}

func (f *FakeCard) ReadBool(elem string) (bool, error) {
	e, err := f.get(elem)
	if err != nil {
		return false, err
	}
	return e.Bool, nil
}

func (f *FakeCard) WriteBool(elem string, v bool) error {
	e, err := f.get(elem)
	if err != nil {
		return err
	}
	f.mu.Lock()
	e.Bool = v
	f.mu.Unlock()
	return nil
}

func (f *FakeCard) ReadEnum(elem string) (int, error) {
	e, err := f.get(elem)
	if err != nil {
		return 0, err
	}
	return e.Enum, nil
}

func (f *FakeCard) WriteEnum(elem string, v int) error {
	e, err := f.get(elem)
	if err != nil {
		return err
	}
	f.mu.Lock()
	e.Enum = v
	f.mu.Unlock()
	return nil
}

func (f *FakeCard) EnumChoices(elem string) ([]string, error) {
	e, err := f.get(elem)
	if err != nil {
		return nil, err
	}
	return e.Choices, nil
}

func (f *FakeCard) IntRange(elem string) (int, int, int, error) {
	e, err := f.get(elem)
	if err != nil {
		return 0, 0, 0, err
	}
	step := e.Step
	if step == 0 {
		step = 1
	}
	return e.Min, e.Max, step, nil
}

func (f *FakeCard) DBRange(elem string) (float64, float64, error) {
	e, err := f.get(elem)
	if err != nil {
		return 0, 0, err
	}
	return e.MinDB, e.MaxDB, nil
}

// IntToDB and DBToInt implement a straight linear mapping over
// [Min,Max]<->[MinDB,MaxDB], which is sufficient for tests that don't
// exercise a real driver's TLV table.
func (f *FakeCard) IntToDB(elem string, val int) (float64, error) {
	e, err := f.get(elem)
	if err != nil {
		return 0, err
	}
	if e.Max == e.Min {
		return e.MinDB, nil
	}
	frac := float64(val-e.Min) / float64(e.Max-e.Min)
	return e.MinDB + frac*(e.MaxDB-e.MinDB), nil
}

func (f *FakeCard) DBToInt(elem string, db float64, roundDown bool) (int, error) {
	e, err := f.get(elem)
	if err != nil {
		return 0, err
	}
	if e.MaxDB == e.MinDB {
		return e.Min, nil
	}
	frac := (db - e.MinDB) / (e.MaxDB - e.MinDB)
	raw := float64(e.Min) + frac*float64(e.Max-e.Min)
	if roundDown {
		return int(math.Floor(raw)), nil // floor biases toward the conservative (lower) step
	}
	return int(raw + 0.5), nil
}

func (f *FakeCard) Lock(elem string) error {
	_, err := f.get(elem)
	return err
}

func (f *FakeCard) Close() error { return nil }

// OpenCard returns a card backed by process-local defaults; real
// deployments never take this path (see card_alsa.go).
func OpenCard(name string) (Card, error) {
	return NewFakeCard(map[string]*FakeElem{}), nil
}

// FakeCapture generates silence at a fixed rate, for tests that exercise
// the capture pipeline without real hardware.
type FakeCapture struct {
	channels int
	rate     int
	closed   bool
}

// NewFakeCapture returns a FakeCapture that always yields silent frames.
func NewFakeCapture(channels, rate int) *FakeCapture {
	return &FakeCapture{channels: channels, rate: rate}
}

func (f *FakeCapture) Read(buf []int16) (int, error) {
	if f.closed {
		return 0, fmt.Errorf("alsactl: capture closed")
	}
	for i := range buf {
		buf[i] = 0
	}
	return len(buf) / f.channels, nil
}

func (f *FakeCapture) SampleRate() int { return f.rate }

func (f *FakeCapture) Close() error {
	f.closed = true
	return nil
}

// OpenCapture returns a FakeCapture; real deployments never take this
// path (see pcm_alsa.go).
func OpenCapture(device string, channels, periodFrames int) (CaptureStream, error) {
	return NewFakeCapture(channels, 48000), nil
}
