// Package version implements the vector clocks offsync uses as the logical
// version of every operation.
//
// Each device increments its own counter when it records a mutation. Two
// clocks are then related in one of four ways:
//
//	a := version.NewVectorClockFromMap(map[string]uint64{"laptop": 2})
//	b := version.NewVectorClockFromMap(map[string]uint64{"phone": 1})
//	a.Relate(b) // version.Concurrent
//
//	c := version.Join(a, b)
//	c.Increment("phone")
//	c.Relate(a) // version.After
//
// Concurrent clocks mean the operations were made without knowledge of each
// other, which is when conflict resolution runs. Rank, the sum of all
// counters, is the scalar version used for ordering pending work and for the
// last-writer-wins tie-break.
package version
