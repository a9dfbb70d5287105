//go:build !linux && !darwin && !windows

package async

import "github.com/teranos/metronome/errors"

var errMetricsUnsupported = errors.New("memory stats not supported on this platform")

func getMemoryStats() (total uint64, available uint64, err error) {
	return 0, 0, errMetricsUnsupported
}

func getProcessRSS() (uint64, error) {
	return 0, errMetricsUnsupported
}
