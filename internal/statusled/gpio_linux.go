//go:build linux

package statusled

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

type gpiodLine struct {
	line *gpiocdev.Line
}

// OpenLine requests the given GPIO line as an output via the Linux GPIO
// character device.
func OpenLine(chip string, offset int) (Line, error) {
	line, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("airbrake-fc-led"))
	if err != nil {
		return nil, fmt.Errorf("statusled: request %s line %d: %w", chip, offset, err)
	}
	return &gpiodLine{line: line}, nil
}

func (g *gpiodLine) SetValue(v int) error {
	return g.line.SetValue(v)
}

func (g *gpiodLine) Close() error {
	_ = g.line.SetValue(0)
	return g.line.Close()
}
