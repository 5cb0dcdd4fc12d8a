// Package icm20948 drives the secondary accelerometer/gyro over I2C.
//
// Probe by WHO_AM_I (0xEA), then burst-read the contiguous
// accel/gyro/temperature block from bank 0.
package icm20948

import (
	"fmt"
	"time"

	"airbrake-fc/internal/i2c"
)

var sleep = time.Sleep

const (
	addrDefault = 0x68

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regPwrMgmt1   = 0x06
	bitReset      = 0x80
	regAccelXoutH = 0x2D // contiguous accel+gyro+temp block
	regIntEnable  = 0x38

	// Bank 2.
	bank2           = 2
	regGyroSmplrt   = 0x00
	regGyroConfig   = 0x01
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14

	fsGyro2000dps = 0x06
	fsAccel8g     = 0x04
)

type Sample struct {
	Time time.Time
	// Accel in G.
	Ax, Ay, Az float64
	// Gyro in deg/s.
	Gx, Gy, Gz float64
	// Die temperature in C.
	TempC float64
}

type Device struct {
	dev regIO

	curBank byte
	// scales based on configured full-scale.
	scaleAccel float64
	scaleGyro  float64
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

func DefaultAddress() uint16 { return addrDefault }

func New(dev *i2c.Dev) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	return newWithIO(dev)
}

func newWithIO(dev regIO) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("icm20948: dev is nil")
	}
	d := &Device{dev: dev, curBank: 0xFF}

	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}

	if err := d.init(); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Device) init() error {
	// Bank 0.
	if err := d.setBank(0); err != nil {
		return err
	}

	// Disable interrupts (default, but be explicit).
	_ = d.dev.WriteReg(regIntEnable, 0x00)

	// Reset.
	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("icm20948: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)

	// Wake + PLL clock.
	// From ICM-20948 register map: CLKSEL[2:0] should be 1..5 for full gyro performance.
	if err := d.dev.WriteReg(regPwrMgmt1, 0x01); err != nil {
		return fmt.Errorf("icm20948: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	// Full-scale ranges sized for powered flight: boost exceeds 4g easily
	// and the airframe can roll fast, so accel=8g, gyro=2000dps, 100Hz.
	if err := d.setBank(bank2); err != nil {
		return err
	}

	// Sample rate divider. ICM base is 1125 Hz.
	// sampRate = 1125/(div+1). For ~100Hz -> div = 10.
	div := byte(1125/100 - 1)
	_ = d.dev.WriteReg(regGyroSmplrt, div)
	_ = d.dev.WriteReg(regAccelSmplrt2, div)

	if err := d.dev.WriteReg(regGyroConfig, fsGyro2000dps); err != nil {
		return fmt.Errorf("icm20948: gyro config failed: %w", err)
	}
	if err := d.dev.WriteReg(regAccelConfig, fsAccel8g); err != nil {
		return fmt.Errorf("icm20948: accel config failed: %w", err)
	}

	// Return to bank 0 for reads.
	if err := d.setBank(0); err != nil {
		return err
	}

	d.scaleAccel = 8.0 / 32768.0
	d.scaleGyro = 2000.0 / 32768.0
	return nil
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.dev.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

func (d *Device) Read() (Sample, error) {
	if d == nil {
		return Sample{}, fmt.Errorf("icm20948: device is nil")
	}
	// Ensure bank 0.
	if err := d.setBank(0); err != nil {
		return Sample{}, err
	}

	buf := make([]byte, 14)
	if err := d.dev.ReadReg(regAccelXoutH, buf); err != nil {
		return Sample{}, fmt.Errorf("icm20948: read sensors failed: %w", err)
	}

	ax := int16(buf[0])<<8 | int16(buf[1])
	ay := int16(buf[2])<<8 | int16(buf[3])
	az := int16(buf[4])<<8 | int16(buf[5])
	gx := int16(buf[6])<<8 | int16(buf[7])
	gy := int16(buf[8])<<8 | int16(buf[9])
	gz := int16(buf[10])<<8 | int16(buf[11])
	tr := int16(buf[12])<<8 | int16(buf[13])

	return Sample{
		Time: time.Now(),
		Ax:   float64(ax) * d.scaleAccel,
		Ay:   float64(ay) * d.scaleAccel,
		Az:   float64(az) * d.scaleAccel,
		Gx:   float64(gx) * d.scaleGyro,
		Gy:   float64(gy) * d.scaleGyro,
		Gz:   float64(gz) * d.scaleGyro,
		// Register map: T(C) = (raw - roomOffset)/sensitivity + 21.
		TempC: float64(tr-21)/333.87 + 21.0,
	}, nil
}
