//go:build linux

package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestFromSysinfo(t *testing.T) {
	info := &unix.Sysinfo_t{Unit: 1024}
	info.Totalram = 1000
	info.Freeram = 200
	info.Bufferram = 50
	info.Loads[0] = 2 * loadScale

	s := fromSysinfo(info, 4)
	assert.InDelta(t, 0.25, s.Memory, 1e-9)
	assert.InDelta(t, 0.5, s.CPU, 1e-9)

	overloaded := &unix.Sysinfo_t{}
	overloaded.Loads[0] = 16 * loadScale
	s = fromSysinfo(overloaded, 4)
	assert.Equal(t, 1.0, s.Memory, "unknown total memory reads as idle")
	assert.Less(t, s.CPU, 0.0, "clamped later by Sample")
}
