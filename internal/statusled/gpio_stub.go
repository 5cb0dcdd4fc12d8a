//go:build !linux

package statusled

import "fmt"

// OpenLine is only implemented on Linux.
func OpenLine(chip string, offset int) (Line, error) {
	return nil, fmt.Errorf("statusled: gpio unsupported on this platform")
}
