//go:build !linux

package telemetry

import "fmt"

// NewSerialSink is only implemented on Linux.
func NewSerialSink(path string, baud int) (Sink, error) {
	return nil, fmt.Errorf("serial downlink is not supported on this platform")
}
