// Package capture implements the sense capture pipeline of spec.md
// §4.3: it opens the V/I PCM device at a configured period size and
// channel count, reads fixed-size period frames, deinterleaves
// channels, and hands the model normalized [-1,1) float64 slices for
// each speaker's voltage- and current-sense channel.
package capture

import (
	"github.com/linuxaudio/speakersafetyd/internal/alsactl"
	"github.com/linuxaudio/speakersafetyd/internal/fault"
)

const fullScaleS16 = 32768.0

// Period is one deinterleaved capture period: dt in seconds and, per
// channel index, the normalized samples for that period.
type Period struct {
	Dt      float64
	Samples [][]float64 // Samples[channel][sample]
}

// Pipeline owns the open capture stream and the fixed geometry (period
// size, channel count) it was opened with.
type Pipeline struct {
	device       string
	channels     int
	periodFrames int

	stream alsactl.CaptureStream
	buf    []int16
}

// Open opens device for channels-channel interleaved capture at
// periodFrames frames per period.
func Open(device string, channels, periodFrames int) (*Pipeline, error) {
	stream, err := alsactl.OpenCapture(device, channels, periodFrames)
	if err != nil {
		return nil, fault.Audio(device, err)
	}
	return &Pipeline{
		device:       device,
		channels:     channels,
		periodFrames: periodFrames,
		stream:       stream,
		buf:          make([]int16, channels*periodFrames),
	}, nil
}

// Reopen closes the current stream (if any) and opens a fresh one with
// the same geometry, per spec.md §4.3's "a short read (xrun) reopens
// the device" and §7's transient-capture-error recovery.
func (p *Pipeline) Reopen() error {
	if p.stream != nil {
		p.stream.Close()
	}
	stream, err := alsactl.OpenCapture(p.device, p.channels, p.periodFrames)
	if err != nil {
		return fault.Audio(p.device, err)
	}
	p.stream = stream
	return nil
}

// SampleRate returns the rate currently negotiated with the device.
func (p *Pipeline) SampleRate() int {
	return p.stream.SampleRate()
}

// ReadPeriod blocks until one full period is available, deinterleaves
// it, and returns normalized per-channel samples plus dt = period /
// sample_rate as required by spec.md §4.3. A short read or xrun
// returns alsactl.ErrXrun with no Period; the caller must not apply
// any thermal update for that call and should Reopen before retrying,
// per spec.md §4.3: "no thermal state update is performed on partial
// data."
func (p *Pipeline) ReadPeriod() (Period, error) {
	n, err := p.stream.Read(p.buf)
	if err != nil {
		return Period{}, err
	}

	rate := p.stream.SampleRate()
	dt := float64(p.periodFrames) / float64(rate)

	samples := make([][]float64, p.channels)
	for c := range samples {
		samples[c] = make([]float64, n)
	}
	for frame := 0; frame < n; frame++ {
		base := frame * p.channels
		for c := 0; c < p.channels; c++ {
			samples[c][frame] = float64(p.buf[base+c]) / fullScaleS16
		}
	}
	return Period{Dt: dt, Samples: samples}, nil
}

// Close releases the underlying stream.
func (p *Pipeline) Close() error {
	if p.stream == nil {
		return nil
	}
	return p.stream.Close()
}
