//go:build linux

package probe

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// load averages are fixed point with 16 fractional bits
const loadScale = 1 << 16

func hostSample(numCPU int) (Sample, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return Sample{}, fmt.Errorf("sysinfo: %w", err)
	}
	return fromSysinfo(&info, numCPU), nil
}

func fromSysinfo(info *unix.Sysinfo_t, numCPU int) Sample {
	s := Sample{Memory: 1, CPU: 1}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	if total := uint64(info.Totalram) * unit; total > 0 {
		free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
		s.Memory = float64(free) / float64(total)
	}
	if numCPU > 0 {
		load1 := float64(info.Loads[0]) / loadScale
		s.CPU = 1 - load1/float64(numCPU)
	}
	return s
}
