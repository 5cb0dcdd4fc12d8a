//go:build !linux

package actuator

import "fmt"

// OpenPWM is only implemented on Linux.
func OpenPWM(chip, channel int) (Driver, error) {
	return nil, fmt.Errorf("actuator: pwm unsupported on this platform")
}
