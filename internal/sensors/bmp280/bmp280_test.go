package bmp280

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

type fakeI2C struct {
	// Simple register model.
	regs map[byte][]byte

	// Calibration read behavior.
	calibReads int
	calibSeq   [][]byte

	writes []writeOp
}

type writeOp struct {
	reg byte
	val byte
}

func (f *fakeI2C) ReadRegU8(reg byte) (byte, error) {
	b, ok := f.regs[reg]
	if !ok || len(b) < 1 {
		return 0, errors.New("no reg")
	}
	return b[0], nil
}

func (f *fakeI2C) ReadReg(reg byte, dst []byte) error {
	if reg == regCalib00 {
		f.calibReads++
		idx := f.calibReads - 1
		if idx < len(f.calibSeq) {
			copy(dst, f.calibSeq[idx])
			return nil
		}
		// Default to zeros.
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}

	b, ok := f.regs[reg]
	if !ok {
		return errors.New("no reg")
	}
	copy(dst, b)
	return nil
}

func (f *fakeI2C) WriteReg(reg, value byte) error {
	f.writes = append(f.writes, writeOp{reg: reg, val: value})
	return nil
}

func TestNew_RetriesCalibrationAfterReset(t *testing.T) {
	oldSleep := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = oldSleep })

	calibZero := make([]byte, calibLen)
	calibOK := make([]byte, calibLen)
	binary.LittleEndian.PutUint16(calibOK[0:2], 27504) // digT1
	binary.LittleEndian.PutUint16(calibOK[6:8], 36477) // digP1
	binary.LittleEndian.PutUint16(calibOK[2:4], 26435) // digT2 (non-zero, optional)
	binary.LittleEndian.PutUint16(calibOK[8:10], 2855) // digP2 (non-zero, optional)

	f := &fakeI2C{
		regs: map[byte][]byte{
			regID: {chipIDBMP280},
		},
		calibSeq: [][]byte{calibZero, calibOK},
	}

	_, err := newWithIO(f)
	if err != nil {
		t.Fatalf("expected New to succeed, got %v", err)
	}
	if f.calibReads < 2 {
		t.Fatalf("expected calibration to be retried, reads=%d", f.calibReads)
	}
}

func TestReadSample_DatasheetExample(t *testing.T) {
	oldSleep := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = oldSleep })

	// Compensation example from the BMP280 datasheet: expected output is
	// 25.08 C and 100653.27 Pa.
	neg := func(v int) uint16 { return uint16(0x10000 - v) }
	calib := make([]byte, calibLen)
	binary.LittleEndian.PutUint16(calib[0:2], 27504)        // digT1
	binary.LittleEndian.PutUint16(calib[2:4], 26435)        // digT2
	binary.LittleEndian.PutUint16(calib[4:6], neg(1000))    // digT3
	binary.LittleEndian.PutUint16(calib[6:8], 36477)        // digP1
	binary.LittleEndian.PutUint16(calib[8:10], neg(10685))  // digP2
	binary.LittleEndian.PutUint16(calib[10:12], 3024)       // digP3
	binary.LittleEndian.PutUint16(calib[12:14], 2855)       // digP4
	binary.LittleEndian.PutUint16(calib[14:16], 140)        // digP5
	binary.LittleEndian.PutUint16(calib[16:18], neg(7))     // digP6
	binary.LittleEndian.PutUint16(calib[18:20], 15500)      // digP7
	binary.LittleEndian.PutUint16(calib[20:22], neg(14600)) // digP8
	binary.LittleEndian.PutUint16(calib[22:24], 6000)       // digP9

	f := &fakeI2C{
		regs: map[byte][]byte{
			regID: {chipIDBMP280},
			// adcP=415148, adcT=519888, packed msb/lsb/xlsb.
			regPressMsb: {0x65, 0x5A, 0xC0, 0x7E, 0xED, 0x00},
		},
		calibSeq: [][]byte{calib},
	}

	d, err := newWithIO(f)
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}

	s, err := d.ReadSample(1013.25)
	if err != nil {
		t.Fatalf("ReadSample: %v", err)
	}
	if !s.Valid {
		t.Fatalf("sample not valid")
	}
	if s.TemperatureC < 24.9 || s.TemperatureC > 25.3 {
		t.Fatalf("TemperatureC=%v want ~25.08", s.TemperatureC)
	}
	if s.PressurePa < 100500 || s.PressurePa > 100800 {
		t.Fatalf("PressurePa=%v want ~100653", s.PressurePa)
	}
	if s.AltitudeM < 40 || s.AltitudeM > 70 {
		t.Fatalf("AltitudeM=%v want ~56", s.AltitudeM)
	}
}

func TestNew_FailsOnInvalidCalibration(t *testing.T) {
	oldSleep := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = oldSleep })

	calibZero := make([]byte, calibLen)
	f := &fakeI2C{
		regs: map[byte][]byte{
			regID: {chipIDBMP280},
		},
		calibSeq: [][]byte{calibZero, calibZero, calibZero},
	}

	_, err := newWithIO(f)
	if err == nil {
		t.Fatalf("expected invalid calibration error")
	}
}
