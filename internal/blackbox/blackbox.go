// Package blackbox implements the rotating diagnostic recorder of
// spec.md §4.5 and §6: the last N seconds of (per-channel V, I,
// T_coil, T_magnet, gain_ceiling) kept as an in-memory ring buffer and
// written as a .meta/.raw pair to a private state directory on fatal
// preservation.
package blackbox

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// maxBlocks bounds the ring buffer to roughly 30s at 4096 frames /
// 48kHz, matching the original daemon's blackbox window.
const maxBlocks = 330

// SpeakerSnapshot is one speaker's state at the moment a block was
// pushed.
type SpeakerSnapshot struct {
	Name     string  `json:"name"`
	Group    int     `json:"group"`
	TCoil    float64 `json:"t_coil"`
	TMagnet  float64 `json:"t_magnet"`
	GainDB   float64 `json:"gain_db"`
	State    string  `json:"state"`
}

type block struct {
	sampleRate int
	channels   int
	interleave []int16
	speakers   []SpeakerSnapshot
}

// Recorder is a bounded ring buffer of recent capture periods plus the
// per-speaker state observed at each one.
type Recorder struct {
	dir      string
	machine  string
	globals  Globals
	blocks   []block
}

// Globals carries the process-wide config values written into the
// .meta header, mirroring blackbox.rs's embedding of Globals in the
// preserved record.
type Globals struct {
	TAmbient    float64
	THysteresis float64
	Channels    int
}

// New returns a Recorder that will write into dir on Preserve. dir is
// created (mode 0700, per spec.md §6) if it does not already exist.
func New(dir, machine string, globals Globals) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("blackbox: create state dir %s: %w", dir, err)
	}
	return &Recorder{dir: dir, machine: machine, globals: globals}, nil
}

// Push appends one capture period's interleaved samples and per-speaker
// snapshots, evicting the oldest block once the ring buffer is full.
func (r *Recorder) Push(sampleRate, channels int, interleaved []int16, speakers []SpeakerSnapshot) {
	if len(r.blocks) >= maxBlocks {
		r.blocks = r.blocks[1:]
	}
	r.blocks = append(r.blocks, block{
		sampleRate: sampleRate,
		channels:   channels,
		interleave: append([]int16(nil), interleaved...),
		speakers:   speakers,
	})
}

// Reset discards all buffered blocks, e.g. after a clean restart.
func (r *Recorder) Reset() {
	r.blocks = r.blocks[:0]
}

type metaBlock struct {
	SampleRate  int               `json:"sample_rate"`
	SampleCount int               `json:"sample_count"`
	Speakers    []SpeakerSnapshot `json:"speakers"`
}

type meta struct {
	Message     string      `json:"message"`
	Machine     string      `json:"machine"`
	SampleRate  int         `json:"sample_rate"`
	Channels    int         `json:"channels"`
	TAmbient    float64     `json:"t_ambient"`
	THysteresis float64     `json:"t_hysteresis"`
	Blocks      []metaBlock `json:"blocks"`
}

// Preserve writes the current ring buffer to <dir>/<timestamp>.meta and
// <dir>/<timestamp>.raw. Called on fatal fault, per spec.md §4.5.
func (r *Recorder) Preserve(reason string) error {
	if len(r.blocks) == 0 {
		return nil
	}

	stamp := time.Now().Format(time.RFC3339)
	metaPath := filepath.Join(r.dir, stamp+".meta")
	rawPath := filepath.Join(r.dir, stamp+".raw")

	rawFile, err := os.Create(rawPath)
	if err != nil {
		return fmt.Errorf("blackbox: create %s: %w", rawPath, err)
	}
	defer rawFile.Close()

	m := meta{
		Message:     reason,
		Machine:     r.machine,
		SampleRate:  r.blocks[0].sampleRate,
		Channels:    r.globals.Channels,
		TAmbient:    r.globals.TAmbient,
		THysteresis: r.globals.THysteresis,
	}

	for _, blk := range r.blocks {
		if err := binary.Write(rawFile, binary.LittleEndian, blk.interleave); err != nil {
			return fmt.Errorf("blackbox: write %s: %w", rawPath, err)
		}
		sampleCount := 0
		if blk.channels > 0 {
			sampleCount = len(blk.interleave) / blk.channels
		}
		m.Blocks = append(m.Blocks, metaBlock{
			SampleRate:  blk.sampleRate,
			SampleCount: sampleCount,
			Speakers:    blk.speakers,
		})
	}

	metaFile, err := os.Create(metaPath)
	if err != nil {
		return fmt.Errorf("blackbox: create %s: %w", metaPath, err)
	}
	defer metaFile.Close()

	enc := json.NewEncoder(metaFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("blackbox: encode %s: %w", metaPath, err)
	}
	return nil
}
