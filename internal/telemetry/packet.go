// Package telemetry frames controller state into the binary downlink format
// and fans finished frames out to the configured sinks (UDP, serial, log
// file).
//
// Frame layout, little-endian:
//
//	0xAB 0xCD | type u8 | seq u16 | timestamp_ms u32 | present u8
//	[baro]    temp_c f32, press_pa f32, alt_m f32
//	[imu]     quat 4xf32, accel_g 3xf32, baro_alt_m f32
//	[imu2]    accel_g 3xf32, gyro_dps 3xf32, temp_c f32
//	[system]  state u8, flags u32
//	[control] cmd_deg f32, agl_m f32, vz_mps f32, mach f32, tilt_deg f32,
//	          tta_s f32, apogee_m f32
//	crc32 u32 (IEEE, over everything before it)
//
// Sections appear in present-bit order; absent sections are skipped entirely.
package telemetry

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
)

const (
	magic0 = 0xAB
	magic1 = 0xCD
)

// TypeData is the packet type for periodic state records.
const TypeData uint8 = 0x01

// Present marks which sections a packet carries.
type Present uint8

const (
	PresentBaro Present = 1 << iota
	PresentIMU
	PresentIMU2
	PresentSystem
	PresentControl
)

type BaroSection struct {
	TempC   float32
	PressPa float32
	AltM    float32
}

type IMUSection struct {
	Quat     [4]float32
	AccelG   [3]float32
	BaroAltM float32
}

type IMU2Section struct {
	AccelG  [3]float32
	GyroDps [3]float32
	TempC   float32
}

type SystemSection struct {
	State uint8
	Flags uint32
}

type ControlSection struct {
	CmdDeg  float32
	AGLM    float32
	VzMps   float32
	Mach    float32
	TiltDeg float32
	TtaS    float32
	ApogeeM float32
}

// Packet is one telemetry record.
type Packet struct {
	Type        uint8
	Seq         uint16
	TimestampMs uint32
	Present     Present

	Baro    BaroSection
	IMU     IMUSection
	IMU2    IMU2Section
	System  SystemSection
	Control ControlSection
}

// Marshal frames p, including the trailing CRC.
func (p Packet) Marshal() []byte {
	b := make([]byte, 0, 128)
	b = append(b, magic0, magic1, p.Type)
	b = binary.LittleEndian.AppendUint16(b, p.Seq)
	b = binary.LittleEndian.AppendUint32(b, p.TimestampMs)
	b = append(b, byte(p.Present))

	putF := func(v float32) {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}

	if p.Present&PresentBaro != 0 {
		putF(p.Baro.TempC)
		putF(p.Baro.PressPa)
		putF(p.Baro.AltM)
	}
	if p.Present&PresentIMU != 0 {
		for _, v := range p.IMU.Quat {
			putF(v)
		}
		for _, v := range p.IMU.AccelG {
			putF(v)
		}
		putF(p.IMU.BaroAltM)
	}
	if p.Present&PresentIMU2 != 0 {
		for _, v := range p.IMU2.AccelG {
			putF(v)
		}
		for _, v := range p.IMU2.GyroDps {
			putF(v)
		}
		putF(p.IMU2.TempC)
	}
	if p.Present&PresentSystem != 0 {
		b = append(b, p.System.State)
		b = binary.LittleEndian.AppendUint32(b, p.System.Flags)
	}
	if p.Present&PresentControl != 0 {
		putF(p.Control.CmdDeg)
		putF(p.Control.AGLM)
		putF(p.Control.VzMps)
		putF(p.Control.Mach)
		putF(p.Control.TiltDeg)
		putF(p.Control.TtaS)
		putF(p.Control.ApogeeM)
	}

	return binary.LittleEndian.AppendUint32(b, crc32.ChecksumIEEE(b))
}

// Unmarshal parses one frame, verifying magic and CRC. It returns the number
// of bytes consumed, so frames can be parsed out of a concatenated batch.
func Unmarshal(b []byte) (Packet, int, error) {
	const headerLen = 10
	if len(b) < headerLen+4 {
		return Packet{}, 0, fmt.Errorf("frame too short: %d bytes", len(b))
	}
	if b[0] != magic0 || b[1] != magic1 {
		return Packet{}, 0, fmt.Errorf("bad magic %02x %02x", b[0], b[1])
	}

	var p Packet
	p.Type = b[2]
	p.Seq = binary.LittleEndian.Uint16(b[3:])
	p.TimestampMs = binary.LittleEndian.Uint32(b[5:])
	p.Present = Present(b[9])

	i := headerLen
	need := func(n int) error {
		if len(b) < i+n+4 {
			return fmt.Errorf("frame truncated at offset %d", i)
		}
		return nil
	}
	getF := func() float32 {
		v := math.Float32frombits(binary.LittleEndian.Uint32(b[i:]))
		i += 4
		return v
	}

	if p.Present&PresentBaro != 0 {
		if err := need(12); err != nil {
			return Packet{}, 0, err
		}
		p.Baro.TempC = getF()
		p.Baro.PressPa = getF()
		p.Baro.AltM = getF()
	}
	if p.Present&PresentIMU != 0 {
		if err := need(32); err != nil {
			return Packet{}, 0, err
		}
		for j := range p.IMU.Quat {
			p.IMU.Quat[j] = getF()
		}
		for j := range p.IMU.AccelG {
			p.IMU.AccelG[j] = getF()
		}
		p.IMU.BaroAltM = getF()
	}
	if p.Present&PresentIMU2 != 0 {
		if err := need(28); err != nil {
			return Packet{}, 0, err
		}
		for j := range p.IMU2.AccelG {
			p.IMU2.AccelG[j] = getF()
		}
		for j := range p.IMU2.GyroDps {
			p.IMU2.GyroDps[j] = getF()
		}
		p.IMU2.TempC = getF()
	}
	if p.Present&PresentSystem != 0 {
		if err := need(5); err != nil {
			return Packet{}, 0, err
		}
		p.System.State = b[i]
		i++
		p.System.Flags = binary.LittleEndian.Uint32(b[i:])
		i += 4
	}
	if p.Present&PresentControl != 0 {
		if err := need(28); err != nil {
			return Packet{}, 0, err
		}
		p.Control.CmdDeg = getF()
		p.Control.AGLM = getF()
		p.Control.VzMps = getF()
		p.Control.Mach = getF()
		p.Control.TiltDeg = getF()
		p.Control.TtaS = getF()
		p.Control.ApogeeM = getF()
	}

	want := binary.LittleEndian.Uint32(b[i:])
	if got := crc32.ChecksumIEEE(b[:i]); got != want {
		return Packet{}, 0, fmt.Errorf("crc mismatch: got %08x want %08x", got, want)
	}
	return p, i + 4, nil
}
