// Package actuator drives the airbrake servo. The flight controller hands it
// a deployment angle each tick; the actuator converts that to a servo pulse
// width and pushes it to the PWM backend.
package actuator

import (
	"fmt"
	"sync"
)

// Driver is the minimal interface the actuator needs from a PWM backend.
// Pulse widths are microseconds at the standard 50 Hz servo frame.
//
// Close should be best-effort and leave the servo retracted.
type Driver interface {
	SetPulseUs(us int) error
	Close() error
}

// Config maps deployment angles onto servo pulse widths.
type Config struct {
	MinPulseUs  int     // pulse at 0 degrees (retracted)
	MaxPulseUs  int     // pulse at MaxAngleDeg
	MaxAngleDeg float64 // mechanical travel
}

func (c Config) withDefaults() Config {
	if c.MinPulseUs == 0 {
		c.MinPulseUs = 1000
	}
	if c.MaxPulseUs == 0 {
		c.MaxPulseUs = 2000
	}
	if c.MaxAngleDeg == 0 {
		c.MaxAngleDeg = 90
	}
	return c
}

// Servo owns a Driver and exposes the angle-level command interface.
// Safe for concurrent use.
type Servo struct {
	cfg Config

	mu      sync.Mutex
	drv     Driver
	lastDeg float64
}

// NewServo wraps drv and immediately commands the retracted position.
func NewServo(cfg Config, drv Driver) (*Servo, error) {
	cfg = cfg.withDefaults()
	if cfg.MinPulseUs >= cfg.MaxPulseUs {
		return nil, fmt.Errorf("actuator: min pulse %d must be < max pulse %d", cfg.MinPulseUs, cfg.MaxPulseUs)
	}
	if cfg.MaxAngleDeg <= 0 {
		return nil, fmt.Errorf("actuator: max angle must be > 0")
	}
	s := &Servo{cfg: cfg, drv: drv, lastDeg: -1}
	if err := s.SetAngle(0); err != nil {
		return nil, err
	}
	return s, nil
}

// SetAngle commands a deployment angle in degrees, clamped to the mechanical
// range. Repeating the current angle is a no-op so the PWM backend is not
// rewritten every tick.
func (s *Servo) SetAngle(deg float64) error {
	if deg < 0 {
		deg = 0
	}
	if deg > s.cfg.MaxAngleDeg {
		deg = s.cfg.MaxAngleDeg
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if deg == s.lastDeg {
		return nil
	}
	if err := s.drv.SetPulseUs(s.pulseUs(deg)); err != nil {
		return err
	}
	s.lastDeg = deg
	return nil
}

// Angle returns the last commanded angle.
func (s *Servo) Angle() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDeg
}

// Close retracts the brake and releases the backend.
func (s *Servo) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.drv.SetPulseUs(s.cfg.MinPulseUs)
	return s.drv.Close()
}

func (s *Servo) pulseUs(deg float64) int {
	span := float64(s.cfg.MaxPulseUs - s.cfg.MinPulseUs)
	return s.cfg.MinPulseUs + int(span*deg/s.cfg.MaxAngleDeg+0.5)
}
