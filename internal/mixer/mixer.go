// Package mixer is the typed view over mixer elements described in
// spec.md §4.2 and §9's "mixer polymorphism" design note: a tagged
// variant over integer-range, boolean and named-enumeration controls,
// with dB<->raw conversion and group-linked gain writes layered on top
// of the raw alsactl.Card binding.
package mixer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/linuxaudio/speakersafetyd/internal/alsactl"
	"github.com/linuxaudio/speakersafetyd/internal/fault"
)

// Kind tags a control's variant.
type Kind int

const (
	KindInteger Kind = iota
	KindBoolean
	KindEnumerated
)

// Roles are the logical mixer roles named in spec.md §3 Globals and §6
// Controls: vsense enable, isense enable, amp gain, speaker volume.
const (
	RoleVSense  = "vsense"
	RoleISense  = "isense"
	RoleAmpGain = "amp_gain"
	RoleVolume  = "volume"
)

// Element is a resolved, typed handle to one named mixer control.
type Element struct {
	Name string
	Kind Kind

	min, max, step int
	minDB, maxDB   float64
}

// Surface is the mixer control surface for one card: a role -> element
// name map plus group-linked gain writing.
type Surface struct {
	card alsactl.Card

	mu       sync.Mutex
	elements map[string]*Element // by role name
	groups   map[int][]string    // group id -> speaker names sharing amp_gain
	linkGain bool

	lastGain map[string]float64 // speaker name -> last written dB, for arbitration/testing
}

// New resolves the configured control roles against card and returns a
// Surface. Failure to resolve any control is fatal per spec.md §4.2 and
// §7 (audio subsystem errors are fatal at startup).
func New(card alsactl.Card, roles map[string]string, linkGain bool) (*Surface, error) {
	s := &Surface{
		card:     card,
		elements: make(map[string]*Element),
		groups:   make(map[int][]string),
		linkGain: linkGain,
		lastGain: make(map[string]float64),
	}
	for role, name := range roles {
		el, err := resolve(card, role, name)
		if err != nil {
			return nil, err
		}
		s.elements[role] = el
	}
	return s, nil
}

func resolve(card alsactl.Card, role, name string) (*Element, error) {
	el := &Element{Name: name}
	switch role {
	case RoleVSense, RoleISense:
		el.Kind = KindBoolean
		if _, err := card.ReadBool(name); err != nil {
			return nil, fault.Audio(fmt.Sprintf("resolve control %q for role %q", name, role), err)
		}
	case RoleAmpGain, RoleVolume:
		el.Kind = KindInteger
		min, max, step, err := card.IntRange(name)
		if err != nil {
			return nil, fault.Audio(fmt.Sprintf("query range of %q for role %q", name, role), err)
		}
		minDB, maxDB, err := card.DBRange(name)
		if err != nil {
			return nil, fault.Audio(fmt.Sprintf("query dB range of %q for role %q", name, role), err)
		}
		el.min, el.max, el.step = min, max, step
		el.minDB, el.maxDB = minDB, maxDB
	default:
		el.Kind = KindEnumerated
		if _, err := card.EnumChoices(name); err != nil {
			return nil, fault.Audio(fmt.Sprintf("resolve control %q for role %q", name, role), err)
		}
	}
	if err := card.Lock(name); err != nil {
		return nil, fault.Audio(fmt.Sprintf("lock control %q", name), err)
	}
	return el, nil
}

// RegisterGroup records that speaker names share a gain group; when
// link_gains is true, SetGroupGain broadcasts one value to all of them.
func (s *Surface) RegisterGroup(group int, speakerNames ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group] = append(s.groups[group], speakerNames...)
}

// EnableSense enables or disables VSENSE/ISENSE capture, per spec.md
// §4.2: "must enable V/ISENSE capture at startup and disable it at
// shutdown".
func (s *Surface) EnableSense(enable bool) error {
	for _, role := range []string{RoleVSense, RoleISense} {
		el, ok := s.elements[role]
		if !ok {
			continue
		}
		if err := s.card.WriteBool(el.Name, enable); err != nil {
			return fault.Audio(fmt.Sprintf("write %q=%v", el.Name, enable), err)
		}
	}
	return nil
}

// SetGain converts db to the underlying raw step (rounding toward the
// conservative, lower-gain direction on ambiguity, per spec.md §4.2)
// and writes it to the amp_gain control for a single speaker, or, if
// link_gains is configured and speakerName belongs to a group, to
// every member of that group before returning — satisfying the
// "atomic from the perspective of one control-loop iteration"
// requirement in spec.md §4.2 and testable property 2 in §8.
func (s *Surface) SetGain(speakerName string, group int, db float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.elements[RoleAmpGain]
	if !ok {
		return fault.Audio("write gain", fmt.Errorf("no amp_gain control configured"))
	}

	targets := []string{speakerName}
	if s.linkGain {
		if members, ok := s.groups[group]; ok && len(members) > 0 {
			targets = members
		}
	}

	raw, err := s.card.DBToInt(el.Name, db, true)
	if err != nil {
		return fault.Audio(fmt.Sprintf("convert %.2fdB for %q", db, el.Name), err)
	}
	if raw < el.min {
		raw = el.min
	}
	if raw > el.max {
		raw = el.max
	}

	for _, name := range targets {
		if err := s.card.WriteInt(el.Name, raw); err != nil {
			return fault.Audio(fmt.Sprintf("write gain to %q for %s", el.Name, name), err)
		}
		s.lastGain[name] = db
	}
	return nil
}

// LastGain returns the most recently written gain for a speaker, or
// (0, false) if none has been written yet.
func (s *Surface) LastGain(speakerName string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lastGain[speakerName]
	return v, ok
}

// GroupMembers returns the sorted member list for a group id, for
// deterministic iteration in tests and logging.
func (s *Surface) GroupMembers(group int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := append([]string(nil), s.groups[group]...)
	sort.Strings(members)
	return members
}

// Close releases the underlying card handle.
func (s *Surface) Close() error {
	return s.card.Close()
}
