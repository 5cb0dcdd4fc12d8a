// Package hw polls the onboard sensors over I2C and assembles the per-tick
// frame the control loop consumes. The current board revision carries a
// BMP280 static-port barometer and an ICM-20948 accel/gyro; the one physical
// IMU backs both the fused primary sample (software attitude, shared baro
// altitude) and the raw secondary sample.
package hw

import (
	"context"
	"fmt"
	"sync"
	"time"

	"airbrake-fc/internal/i2c"
	"airbrake-fc/internal/sensors"
	"airbrake-fc/internal/sensors/bmp280"
	"airbrake-fc/internal/sensors/icm20948"
)

type Config struct {
	// I2CBus selects /dev/i2c-<n>. Defaults to 1.
	I2CBus   int
	BaroAddr uint16
	IMUAddr  uint16

	// SeaLevelHPa references barometric altitude.
	SeaLevelHPa float64
}

func (c Config) withDefaults() Config {
	if c.I2CBus == 0 {
		c.I2CBus = 1
	}
	if c.BaroAddr == 0 {
		c.BaroAddr = bmp280.DefaultAddress()
	}
	if c.IMUAddr == 0 {
		c.IMUAddr = icm20948.DefaultAddress()
	}
	if c.SeaLevelHPa == 0 {
		c.SeaLevelHPa = sensors.DefaultSeaLevelHPa
	}
	return c
}

// Sample staleness beyond which a source is reported invalid; the controller's
// own debounce decides what to do about it.
const (
	imuStale  = 250 * time.Millisecond
	baroStale = 500 * time.Millisecond
)

type baroDevice interface {
	ReadSample(seaLevelHPa float64) (sensors.BaroSample, error)
}

type imuDevice interface {
	Read() (icm20948.Sample, error)
}

// Board owns the I2C bus and keeps the most recent sensor frame. It satisfies
// the control loop's Source: FrameAt ignores mission time and always hands out
// the latest frame.
type Board struct {
	cfg Config

	bus  *i2c.Bus
	baro baroDevice
	imu  imuDevice

	filter *tiltFilter

	mu      sync.RWMutex
	frame   sensors.Frame
	imuAt   time.Time
	baroAt  time.Time
	lastErr string

	baroFailures int
	baroReinitAt time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config) *Board {
	return &Board{
		cfg:    cfg.withDefaults(),
		filter: newTiltFilter(),
		stopCh: make(chan struct{}),
	}
}

// newWithDevices wires injected devices; tests use it to skip bus bring-up.
func newWithDevices(cfg Config, baro baroDevice, imu imuDevice) *Board {
	b := New(cfg)
	b.baro = baro
	b.imu = imu
	return b
}

// Start opens the bus, probes both sensors and launches the poll loop. Unlike
// the web or telemetry layers, a missing sensor is fatal here: flying blind is
// not a degraded mode.
func (b *Board) Start(ctx context.Context) error {
	if b.baro == nil || b.imu == nil {
		busPath := fmt.Sprintf("/dev/i2c-%d", b.cfg.I2CBus)
		bus, err := i2c.Open(busPath)
		if err != nil {
			return fmt.Errorf("hw: open %s: %w", busPath, err)
		}
		imu, err := icm20948.New(bus.Dev(b.cfg.IMUAddr))
		if err != nil {
			_ = bus.Close()
			return fmt.Errorf("hw: imu init: %w", err)
		}
		baro, err := bmp280.New(bus.Dev(b.cfg.BaroAddr))
		if err != nil {
			_ = bus.Close()
			return fmt.Errorf("hw: baro init: %w", err)
		}
		b.bus = bus
		b.imu = imu
		b.baro = baro
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(ctx)
	}()
	return nil
}

func (b *Board) Close() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
	if b.bus != nil {
		_ = b.bus.Close()
		b.bus = nil
	}
}

// FrameAt returns the latest frame with validity degraded by staleness.
func (b *Board) FrameAt(time.Duration) (sensors.Frame, bool) {
	now := time.Now()
	b.mu.RLock()
	defer b.mu.RUnlock()
	fr := b.frame
	if b.imuAt.IsZero() || now.Sub(b.imuAt) > imuStale {
		fr.IMU.Valid = false
		fr.IMU2.Valid = false
	}
	if b.baroAt.IsZero() || now.Sub(b.baroAt) > baroStale {
		fr.Baro.Valid = false
	}
	return fr, true
}

// LastError reports the most recent sensor read failure, if any.
func (b *Board) LastError() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

func (b *Board) run(ctx context.Context) {
	imuTick := time.NewTicker(20 * time.Millisecond)  // 50 Hz
	baroTick := time.NewTicker(50 * time.Millisecond) // 20 Hz
	defer imuTick.Stop()
	defer baroTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-imuTick.C:
			b.pollIMU(time.Now().UTC())
		case <-baroTick.C:
			b.pollBaro(time.Now().UTC())
		}
	}
}

func (b *Board) pollIMU(now time.Time) {
	s, err := b.imu.Read()
	if err != nil {
		b.setErr("imu: " + err.Error())
		return
	}
	q := b.filter.step(s, now)

	b.mu.Lock()
	b.frame.IMU = sensors.IMUSample{
		Quat:     q,
		AccelG:   [3]float64{s.Ax, s.Ay, s.Az},
		BaroAltM: b.frame.Baro.AltitudeM,
		Valid:    true,
	}
	b.frame.IMU2 = sensors.SecondaryIMUSample{
		AccelG:       [3]float64{s.Ax, s.Ay, s.Az},
		GyroDps:      [3]float64{s.Gx, s.Gy, s.Gz},
		TemperatureC: s.TempC,
		Valid:        true,
	}
	b.imuAt = now
	b.lastErr = ""
	b.mu.Unlock()
}

func (b *Board) pollBaro(now time.Time) {
	sample, err := b.baro.ReadSample(b.cfg.SeaLevelHPa)
	if err != nil {
		b.baroFailures++
		b.setErr("baro: " + err.Error())
		b.maybeReinitBaro(now)
		return
	}
	b.baroFailures = 0

	b.mu.Lock()
	b.frame.Baro = sample
	b.frame.IMU.BaroAltM = sample.AltitudeM
	b.baroAt = now
	b.lastErr = ""
	b.mu.Unlock()
}

// maybeReinitBaro re-probes the barometer after persistent failures. Some
// BMP280 boards wedge after a bus glitch and only recover on re-init.
func (b *Board) maybeReinitBaro(now time.Time) {
	if b.bus == nil || b.baroFailures < 10 || now.Sub(b.baroReinitAt) < 2*time.Second {
		return
	}
	b.baroReinitAt = now
	if d, err := bmp280.New(b.bus.Dev(b.cfg.BaroAddr)); err == nil {
		b.baro = d
		b.baroFailures = 0
	} else {
		b.setErr("baro reinit: " + err.Error())
	}
}

func (b *Board) setErr(msg string) {
	b.mu.Lock()
	b.lastErr = msg
	b.mu.Unlock()
}
