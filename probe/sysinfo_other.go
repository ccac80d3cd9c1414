//go:build !linux

package probe

func hostSample(int) (Sample, error) {
	return Sample{Memory: 1, CPU: 1}, nil
}
