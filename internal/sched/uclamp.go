// Package sched sets a CPU-frequency utilization clamp on the calling
// process, per spec.md §5: "may set a real-time scheduling class and
// an uclamp_max CPU-frequency ceiling to keep the loop jitter-bounded
// without provoking unnecessary boost."
package sched

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// schedAttr mirrors struct sched_attr from linux/sched/types.h, laid
// out exactly as the kernel expects for sched_setattr(2)/sched_getattr(2).
type schedAttr struct {
	size          uint32
	schedPolicy   uint32
	schedFlags    uint64
	schedNice     int32
	schedPriority uint32
	schedRuntime  uint64
	schedDeadline uint64
	schedPeriod   uint64
	schedUtilMin  uint32
	schedUtilMax  uint32
}

const (
	flagKeepPolicy   = 0x08
	flagKeepParams   = 0x10
	flagUtilClampMin = 0x20
	flagUtilClampMax = 0x40
)

// SetUclampMax sets this process's uclamp_max to max (0-1024, spec.md
// §6's uclamp_max range) while leaving uclamp_min, policy and priority
// untouched via SCHED_FLAG_KEEP_POLICY|KEEP_PARAMS. Failure is
// logged-and-continue by the caller: a missing uclamp capability
// degrades jitter bounding, not safety.
func SetUclampMax(max int) error {
	var attr schedAttr
	attr.size = uint32(unsafe.Sizeof(attr))

	if _, _, errno := unix.Syscall6(unix.SYS_SCHED_GETATTR, 0, uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr), 0, 0, 0); errno != 0 {
		return fmt.Errorf("sched: sched_getattr: %w", errno)
	}

	attr.schedFlags = flagKeepPolicy | flagKeepParams | flagUtilClampMin | flagUtilClampMax
	attr.schedUtilMax = uint32(max)

	if _, _, errno := unix.Syscall(unix.SYS_SCHED_SETATTR, 0, uintptr(unsafe.Pointer(&attr)), 0); errno != 0 {
		return fmt.Errorf("sched: sched_setattr: %w", errno)
	}
	return nil
}
