// Package config loads and validates the INI-shaped configuration
// described in spec.md §6: a [Globals] section, a [Controls] section
// mapping logical mixer roles to element names, and one
// [Speaker/<name>] section per channel.
package config

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/linuxaudio/speakersafetyd/internal/fault"
)

// Globals mirrors spec.md §3's process-wide immutable globals.
type Globals struct {
	VisensePCM  int
	TAmbient    float64
	THysteresis float64
	TWindow     float64
	Channels    int
	Period      int
	LinkGains   bool
	UclampMax   int
}

// defaultInterlockElement is the kernel interlock control name used by
// the original daemon ("Speaker Volume Unlock" in the source driver's
// mixer map). spec.md §3's Globals role map names only the four
// audio-path roles below; the interlock element is a separate,
// optionally overridable name since it addresses the kernel driver
// rather than the codec.
const defaultInterlockElement = "Speaker Volume Unlock"

// Controls maps the logical mixer roles named in spec.md §6 to mixer
// element names.
type Controls struct {
	VSense    string
	ISense    string
	AmpGain   string
	Volume    string
	Interlock string
}

// Speaker mirrors one [Speaker/<name>] section's static parameters
// (spec.md §3, §6).
type Speaker struct {
	Name      string
	Group     int
	TrCoil    float64
	TrMagnet  float64
	TauCoil   float64
	TauMagnet float64
	TLimit    float64
	THeadroom float64
	ZNominal  float64
	ZShunt    float64
	AT20C     float64
	AT35C     float64
	IsScale   float64
	VsScale   float64
	IsChan    int
	VsChan    int
}

// Config is the fully parsed and validated configuration.
type Config struct {
	Globals  Globals
	Controls Controls
	Speakers []Speaker
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Config("", "", fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader parses configuration from an already-open reader, for
// tests and embedding.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fault.Config("", "", fmt.Errorf("read config: %w", err))
	}
	raw, err := ini.Load(data)
	if err != nil {
		return nil, fault.Config("", "", fmt.Errorf("parse ini: %w", err))
	}

	cfg := &Config{}

	g := raw.Section("Globals")
	cfg.Globals = Globals{
		VisensePCM:  g.Key("visense_pcm").MustInt(0),
		TAmbient:    g.Key("t_ambient").MustFloat64(0),
		THysteresis: g.Key("t_hysteresis").MustFloat64(0),
		TWindow:     g.Key("t_window").MustFloat64(0),
		Channels:    g.Key("channels").MustInt(0),
		Period:      g.Key("period").MustInt(0),
		LinkGains:   g.Key("link_gains").MustBool(false),
		UclampMax:   g.Key("uclamp_max").MustInt(1024),
	}

	c := raw.Section("Controls")
	cfg.Controls = Controls{
		VSense:    c.Key("vsense").String(),
		ISense:    c.Key("isense").String(),
		AmpGain:   c.Key("amp_gain").String(),
		Volume:    c.Key("volume").String(),
		Interlock: c.Key("interlock").MustString(defaultInterlockElement),
	}

	for _, sec := range raw.Sections() {
		name, ok := strings.CutPrefix(sec.Name(), "Speaker/")
		if !ok {
			continue
		}
		sp := Speaker{
			Name:      name,
			Group:     sec.Key("group").MustInt(0),
			TrCoil:    sec.Key("tr_coil").MustFloat64(0),
			TrMagnet:  sec.Key("tr_magnet").MustFloat64(0),
			TauCoil:   sec.Key("tau_coil").MustFloat64(0),
			TauMagnet: sec.Key("tau_magnet").MustFloat64(0),
			TLimit:    sec.Key("t_limit").MustFloat64(0),
			THeadroom: sec.Key("t_headroom").MustFloat64(0),
			ZNominal:  sec.Key("z_nominal").MustFloat64(0),
			ZShunt:    sec.Key("z_shunt").MustFloat64(0),
			AT20C:     sec.Key("a_t_20c").MustFloat64(0),
			AT35C:     sec.Key("a_t_35c").MustFloat64(0),
			IsScale:   sec.Key("is_scale").MustFloat64(0),
			VsScale:   sec.Key("vs_scale").MustFloat64(0),
			IsChan:    sec.Key("is_chan").MustInt(-1),
			VsChan:    sec.Key("vs_chan").MustInt(-1),
		}
		cfg.Speakers = append(cfg.Speakers, sp)
	}
	sort.Slice(cfg.Speakers, func(i, j int) bool { return cfg.Speakers[i].Name < cfg.Speakers[j].Name })

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces spec.md §3's invariants: channel count equals the
// sum of referenced sense channels, indices are bijective and each
// less than N, and every referenced control name is non-empty.
func (c *Config) Validate() error {
	if len(c.Speakers) == 0 {
		return fault.Config("Speaker", "", fmt.Errorf("at least one [Speaker/<name>] section is required"))
	}
	if c.Globals.Channels != 2*len(c.Speakers) {
		return fault.Config("Globals", "channels", fmt.Errorf(
			"channels=%d must equal 2 * speaker count (%d)", c.Globals.Channels, 2*len(c.Speakers)))
	}
	if c.Globals.Period <= 0 {
		return fault.Config("Globals", "period", fmt.Errorf("period must be positive, got %d", c.Globals.Period))
	}

	seen := make(map[int]string, c.Globals.Channels)
	for _, sp := range c.Speakers {
		if sp.VsChan < 0 || sp.VsChan >= c.Globals.Channels {
			return fault.Config("Speaker/"+sp.Name, "vs_chan", fmt.Errorf("vs_chan=%d out of range [0,%d)", sp.VsChan, c.Globals.Channels))
		}
		if sp.IsChan < 0 || sp.IsChan >= c.Globals.Channels {
			return fault.Config("Speaker/"+sp.Name, "is_chan", fmt.Errorf("is_chan=%d out of range [0,%d)", sp.IsChan, c.Globals.Channels))
		}
		if sp.VsChan == sp.IsChan {
			return fault.Config("Speaker/"+sp.Name, "vs_chan", fmt.Errorf("vs_chan and is_chan must differ, both %d", sp.VsChan))
		}
		if prior, dup := seen[sp.VsChan]; dup {
			return fault.Config("Speaker/"+sp.Name, "vs_chan", fmt.Errorf("channel %d already claimed by %s", sp.VsChan, prior))
		}
		seen[sp.VsChan] = sp.Name
		if prior, dup := seen[sp.IsChan]; dup {
			return fault.Config("Speaker/"+sp.Name, "is_chan", fmt.Errorf("channel %d already claimed by %s", sp.IsChan, prior))
		}
		seen[sp.IsChan] = sp.Name

		if sp.TauCoil <= 0 || sp.TauMagnet <= 0 {
			return fault.Config("Speaker/"+sp.Name, "tau_coil", fmt.Errorf("time constants must be positive"))
		}
		if sp.TLimit <= sp.THeadroom {
			return fault.Config("Speaker/"+sp.Name, "t_headroom", fmt.Errorf("t_headroom must be less than t_limit"))
		}
	}
	if len(seen) != c.Globals.Channels {
		return fault.Config("Globals", "channels", fmt.Errorf(
			"%d channels referenced but channels=%d", len(seen), c.Globals.Channels))
	}

	for role, name := range map[string]string{
		"vsense": c.Controls.VSense, "isense": c.Controls.ISense,
		"amp_gain": c.Controls.AmpGain, "volume": c.Controls.Volume,
	} {
		if name == "" {
			return fault.Config("Controls", role, fmt.Errorf("required control mapping is empty"))
		}
	}
	return nil
}
