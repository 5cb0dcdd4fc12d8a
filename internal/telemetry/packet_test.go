package telemetry

import (
	"testing"
)

func fullPacket(seq uint16) Packet {
	return Packet{
		Type:        TypeData,
		Seq:         seq,
		TimestampMs: 123456,
		Present:     PresentBaro | PresentIMU | PresentIMU2 | PresentSystem | PresentControl,
		Baro:        BaroSection{TempC: 21.5, PressPa: 100800, AltM: 120.5},
		IMU: IMUSection{
			Quat:     [4]float32{0.7071, 0, -0.7071, 0},
			AccelG:   [3]float32{1.02, 0.01, -0.02},
			BaroAltM: 121.0,
		},
		IMU2: IMU2Section{
			AccelG:  [3]float32{0.99, 0, 0},
			GyroDps: [3]float32{0.5, -0.25, 0.1},
			TempC:   30,
		},
		System:  SystemSection{State: 4, Flags: 0x3F},
		Control: ControlSection{CmdDeg: 30, AGLM: 450, VzMps: 80, Mach: 0.27, TiltDeg: 4.5, TtaS: 6.2, ApogeeM: 3120},
	}
}

func TestPacket_RoundTrip(t *testing.T) {
	in := fullPacket(7)
	b := in.Marshal()

	out, n, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if n != len(b) {
		t.Fatalf("consumed %d bytes, frame is %d", n, len(b))
	}
	if out != in {
		t.Fatalf("round trip\n got %+v\nwant %+v", out, in)
	}
}

func TestPacket_PartialPresence(t *testing.T) {
	in := Packet{
		Type:        TypeData,
		Seq:         1,
		TimestampMs: 50,
		Present:     PresentSystem | PresentControl,
		System:      SystemSection{State: 8, Flags: 0x40},
		Control:     ControlSection{CmdDeg: 0, TiltDeg: 85},
	}
	b := in.Marshal()

	// Header (10) + system (5) + control (28) + crc (4).
	if len(b) != 47 {
		t.Fatalf("frame length=%d want 47", len(b))
	}
	out, _, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if out != in {
		t.Fatalf("round trip\n got %+v\nwant %+v", out, in)
	}
}

func TestUnmarshal_RejectsCorruption(t *testing.T) {
	b := fullPacket(0).Marshal()

	bad := append([]byte(nil), b...)
	bad[0] = 0x00
	if _, _, err := Unmarshal(bad); err == nil {
		t.Fatalf("expected bad-magic error")
	}

	bad = append([]byte(nil), b...)
	bad[len(bad)-10] ^= 0xFF
	if _, _, err := Unmarshal(bad); err == nil {
		t.Fatalf("expected crc error")
	}

	if _, _, err := Unmarshal(b[:8]); err == nil {
		t.Fatalf("expected short-frame error")
	}
}

func TestUnmarshal_Concatenated(t *testing.T) {
	var batch []byte
	for seq := uint16(0); seq < 3; seq++ {
		batch = append(batch, fullPacket(seq).Marshal()...)
	}

	var seqs []uint16
	for len(batch) > 0 {
		p, n, err := Unmarshal(batch)
		if err != nil {
			t.Fatalf("Unmarshal() error: %v", err)
		}
		seqs = append(seqs, p.Seq)
		batch = batch[n:]
	}
	if len(seqs) != 3 || seqs[0] != 0 || seqs[1] != 1 || seqs[2] != 2 {
		t.Fatalf("sequence numbers=%v want [0 1 2]", seqs)
	}
}
