// Package fault defines the error taxonomy speakersafetyd uses to decide
// whether a failure converges to a safer output or must surrender the
// interlock and exit.
package fault

import "fmt"

// Kind classifies an error into one of the daemon's recovery paths.
type Kind int

const (
	// KindConfig is a configuration-file problem: missing key, out of
	// range, channel collision. Fatal at startup, before the interlock
	// is ever unlocked.
	KindConfig Kind = iota
	// KindAudio is an audio-subsystem problem: PCM open failure, control
	// not found, permission denied. Fatal wherever encountered.
	KindAudio
	// KindCapture is a transient capture problem: xrun, short read,
	// unexpected rate change. Recovered by reopening the stream.
	KindCapture
	// KindModel is a model-domain fault: non-finite samples, negative
	// dt, temperature past the hard-fault ceiling. Recovered locally by
	// forcing the gain ceiling to its minimum.
	KindModel
	// KindInterlock is a failure to reach the kernel driver. Always fatal.
	KindInterlock
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAudio:
		return "audio"
	case KindCapture:
		return "capture"
	case KindModel:
		return "model"
	case KindInterlock:
		return "interlock"
	default:
		return "unknown"
	}
}

// Error is a taxonomy-tagged error. Section/Key/Element are optional
// context, populated by the layer that detected the fault.
type Error struct {
	Kind      Kind
	Section   string
	Key       string
	Element   string
	Err       error
	escalated bool // set when a normally-recoverable kind has become fatal by persisting
}

func (e *Error) Error() string {
	switch {
	case e.Section != "" && e.Key != "":
		return fmt.Sprintf("%s: %s/%s: %v", e.Kind, e.Section, e.Key, e.Err)
	case e.Element != "":
		return fmt.Sprintf("%s: control %q: %v", e.Kind, e.Element, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether an error of this kind can never be handled by
// converging to a safer gain and must instead cause the process to exit.
func (k Kind) Fatal() bool {
	switch k {
	case KindConfig, KindAudio, KindInterlock:
		return true
	default:
		return false
	}
}

// IsFatal reports whether this specific error must cause the process
// to exit, either because its kind is always fatal or because it has
// been marked as an escalation of a normally-recoverable kind that has
// persisted past its recovery threshold (spec.md §7's "sustained fault
// ... escalates to fatal").
func (e *Error) IsFatal() bool {
	return e.Kind.Fatal() || e.escalated
}

// Escalate wraps err (typically produced by Capture or Model) as a
// fatal error of the same kind, for use once a recoverable fault has
// persisted beyond its threshold.
func Escalate(err error) error {
	fe, ok := err.(*Error)
	if !ok {
		return err
	}
	escalated := *fe
	escalated.escalated = true
	return &escalated
}

// Config wraps err as a configuration fault naming section/key.
func Config(section, key string, err error) error {
	return &Error{Kind: KindConfig, Section: section, Key: key, Err: err}
}

// Audio wraps err as an audio-subsystem fault naming the mixer element
// or device involved.
func Audio(element string, err error) error {
	return &Error{Kind: KindAudio, Element: element, Err: err}
}

// Capture wraps err as a transient capture-pipeline fault.
func Capture(err error) error {
	return &Error{Kind: KindCapture, Err: err}
}

// Model wraps err as a model-domain fault for the named speaker.
func Model(speaker string, err error) error {
	return &Error{Kind: KindModel, Element: speaker, Err: err}
}

// Interlock wraps err as an interlock-communication fault.
func Interlock(err error) error {
	return &Error{Kind: KindInterlock, Err: err}
}
