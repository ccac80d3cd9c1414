// Package probe reports how much memory and CPU headroom the device has, so
// background sync work can back off instead of competing with the user.
package probe

import (
	"context"
	"math"
	"runtime"
	"runtime/debug"
)

// Sample is a point-in-time reading. Both values are in [0, 1], where 1
// means the resource is idle.
type Sample struct {
	Memory float64 `json:"memory"`
	CPU    float64 `json:"cpu"`
}

// Headroom is the tighter of the two resources.
func (s Sample) Headroom() float64 {
	return math.Min(clamp(s.Memory), clamp(s.CPU))
}

// Probe is the resource-probe collaborator consumed by the batcher.
type Probe interface {
	Sample(ctx context.Context) (Sample, error)
}

// Func adapts a function to Probe.
type Func func(ctx context.Context) (Sample, error)

func (f Func) Sample(ctx context.Context) (Sample, error) { return f(ctx) }

// Static always returns the same sample. Useful in tests and on platforms
// without a system probe.
type Static Sample

func (s Static) Sample(context.Context) (Sample, error) { return Sample(s), nil }

// Unlimited reports full headroom.
var Unlimited Probe = Static{Memory: 1, CPU: 1}

// System samples the host. On Linux it reads sysinfo(2); elsewhere only the
// Go heap is taken into account.
type System struct {
	numCPU int
}

// NewSystem returns a probe for the current host.
func NewSystem() *System {
	return &System{numCPU: runtime.NumCPU()}
}

func (p *System) Sample(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	s, err := hostSample(p.numCPU)
	if err != nil {
		return Sample{}, err
	}
	s.Memory = math.Min(s.Memory, heapHeadroom())
	s.Memory, s.CPU = clamp(s.Memory), clamp(s.CPU)
	return s, nil
}

// heapHeadroom compares the Go heap against the soft memory limit, if one
// is set (GOMEMLIMIT or debug.SetMemoryLimit).
func heapHeadroom() float64 {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return 1
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return 1 - float64(m.HeapAlloc)/float64(limit)
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
