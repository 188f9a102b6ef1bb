// Package alsactl is the thin ALSA binding layer underneath the mixer and
// capture packages. It exposes just enough of libasound's control (mixer)
// and PCM APIs to read/write named elements and to run a blocking,
// period-aligned capture stream; everything else (dB<->raw conversion
// policy, deinterleaving, typed variants) lives above it.
package alsactl

import "errors"

// ErrXrun is returned by CaptureStream.Read when the capture stream
// overran (a short read); the caller must reopen the stream.
var ErrXrun = errors.New("alsactl: capture buffer overrun (xrun)")

// ErrNotFound is returned when a named control element does not exist on
// the card.
var ErrNotFound = errors.New("alsactl: control element not found")

// Card is a handle to one sound card's control (mixer) interface. All
// named elements referenced by internal/mixer are resolved through it.
type Card interface {
	ReadInt(elem string) (int, error)
	WriteInt(elem string, val int) error
	ReadBool(elem string) (bool, error)
	WriteBool(elem string, val bool) error
	ReadEnum(elem string) (int, error)
	WriteEnum(elem string, val int) error
	EnumChoices(elem string) ([]string, error)

	// IntRange returns the advertised [min,max] and step for an integer
	// control, queried once and cached by the caller.
	IntRange(elem string) (min, max, step int, err error)

	// DBRange returns the control's advertised dB range.
	DBRange(elem string) (minDB, maxDB float64, err error)

	// IntToDB and DBToInt implement the driver's raw<->dB conversion
	// table for gain-bearing controls.
	IntToDB(elem string, val int) (float64, error)
	DBToInt(elem string, db float64, roundDown bool) (int, error)

	// Lock marks an element locked so no other process may write it
	// (best effort; enforcement is left to udev/file permissions).
	Lock(elem string) error

	Close() error
}

// CaptureStream is a blocking, period-aligned interleaved PCM capture
// handle over the V/ISENSE stream.
type CaptureStream interface {
	// Read blocks until exactly one period is available and returns the
	// number of frames read. A short read or overrun returns ErrXrun; the
	// caller must discard the partial buffer and reopen the stream.
	Read(buf []int16) (frames int, err error)

	// SampleRate returns the rate currently negotiated with the device.
	// It may change across reopens.
	SampleRate() int

	Close() error
}
