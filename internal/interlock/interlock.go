// Package interlock implements the kernel handshake of spec.md §4.5
// and §6: an "unlock safe-mode" write at start, a periodic keepalive at
// capture-period cadence, and a "return to safe-mode" write at
// shutdown or on fatal fault, all via a dedicated integer mixer
// control (grounded on the "Speaker Volume Unlock" control in the
// original daemon's mixer handshake).
package interlock

import (
	"github.com/linuxaudio/speakersafetyd/internal/alsactl"
	"github.com/linuxaudio/speakersafetyd/internal/fault"
)

// unlockMagic is written to the interlock control to raise outputs
// from boot-time safe-mode; any other value (including 0) tells the
// driver to hold or return to safe-mode.
const unlockMagic = -557728235 // 0xdec1be15 as a signed 32-bit control value

const safeModeValue = 0

// Interlock is a handle to the kernel driver's safe-mode control
// element.
type Interlock struct {
	card    alsactl.Card
	element string
}

// Open resolves the named interlock element on card. Failure is fatal
// per spec.md §7 (interlock faults are always fatal).
func Open(card alsactl.Card, element string) (*Interlock, error) {
	if _, err := card.ReadInt(element); err != nil {
		return nil, fault.Interlock(err)
	}
	return &Interlock{card: card, element: element}, nil
}

// Unlock raises outputs from boot-time safe-mode. Called once, after
// the first successful capture period has produced a gain ceiling
// (spec.md §4.5).
func (i *Interlock) Unlock() error {
	if err := i.card.WriteInt(i.element, unlockMagic); err != nil {
		return fault.Interlock(err)
	}
	return nil
}

// Keepalive confirms liveness to the driver. The supervisor calls it
// once per capture period while capturing and once per idle poll while
// idle; if keepalives stop arriving, the driver returns outputs to
// safe-mode autonomously (spec.md §6).
func (i *Interlock) Keepalive() error {
	if err := i.card.WriteInt(i.element, unlockMagic); err != nil {
		return fault.Interlock(err)
	}
	return nil
}

// Surrender returns outputs to safe-mode. Called on any unrecoverable
// fault before the process exits, and on graceful shutdown (spec.md
// §4.5, §5's cancellation policy).
func (i *Interlock) Surrender() error {
	if err := i.card.WriteInt(i.element, safeModeValue); err != nil {
		return fault.Interlock(err)
	}
	return nil
}
