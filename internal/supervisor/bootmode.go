package supervisor

import (
	"log/slog"
	"os"
)

// DefaultFlagPath is the sentinel file used to distinguish first boot
// from a restart after a crash, per SPEC_FULL.md §3's "cold boot vs
// warm boot" supplement.
const DefaultFlagPath = "/run/speakersafetyd.flag"

// DetectBootMode reports whether this is a cold boot (the flag file
// did not exist and was just created) or a warm boot (it already
// existed, or it could not be tested/written, in which case the
// daemon conservatively assumes warm boot so it doesn't reset ceilings
// to 0dB on a speaker that may already be hot).
func DetectBootMode(flagPath string, log *slog.Logger) (cold bool) {
	if _, err := os.Stat(flagPath); err == nil {
		log.Info("startup mode: warm boot")
		return false
	} else if !os.IsNotExist(err) {
		log.Warn("failed to test flag file, continuing as warm boot", "error", err)
		return false
	}

	if err := os.WriteFile(flagPath, []byte("started"), 0o644); err != nil {
		log.Warn("failed to write flag file, continuing as warm boot", "error", err)
		return false
	}
	log.Info("startup mode: cold boot")
	return true
}
