package replay

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"airbrake-fc/internal/sensors"
)

type fakeSleeper struct {
	slept []time.Duration
}

func (fs *fakeSleeper) Sleep(d time.Duration) {
	fs.slept = append(fs.slept, d)
}

func sampleFrame(altM float64) sensors.Frame {
	return sensors.Frame{
		Baro: sensors.BaroSample{
			TemperatureC: 21.5,
			PressurePa:   100800,
			AltitudeM:    altM,
			Valid:        true,
		},
		IMU: sensors.IMUSample{
			Quat:     [4]float64{0.7071067811865476, 0, -0.7071067811865476, 0},
			AccelG:   [3]float64{1, 0.01, -0.02},
			BaroAltM: altM + 0.5,
			Valid:    true,
		},
		IMU2: sensors.SecondaryIMUSample{
			AccelG:       [3]float64{0.99, 0, 0},
			GyroDps:      [3]float64{0.1, -0.2, 0.3},
			TemperatureC: 30,
			Valid:        false,
		},
	}
}

func TestFrameCodec_RoundTripExact(t *testing.T) {
	in := sampleFrame(123.456789)
	out, err := decodeFrame(encodeFrame(in))
	if err != nil {
		t.Fatalf("decodeFrame() error: %v", err)
	}
	if out != in {
		t.Fatalf("frame round trip\n got %+v\nwant %+v", out, in)
	}
}

func TestReaderReadAll(t *testing.T) {
	frame := sampleFrame(10)
	var sb strings.Builder
	sb.WriteString("\n# comment\n\nSTART\n")
	sb.WriteString("1000000,")
	sb.WriteString(hexOf(frame))
	sb.WriteString("\n")

	recs, err := NewReader(strings.NewReader(sb.String())).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records=%d want 2", len(recs))
	}
	if !recs[0].Start {
		t.Fatalf("first record is not a START marker")
	}
	if recs[1].At != 1*time.Millisecond {
		t.Fatalf("at=%s want 1ms", recs[1].At)
	}
	if recs[1].Frame != frame {
		t.Fatalf("frame mismatch\n got %+v\nwant %+v", recs[1].Frame, frame)
	}
}

func TestReaderReadAll_Invalid(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{"MissingComma", "12345"},
		{"EmptyTimestamp", ",abcd"},
		{"NegativeTimestamp", "-1," + hexOf(sampleFrame(0))},
		{"BadHex", "0,zz"},
		{"ShortFrame", "0,ab"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewReader(strings.NewReader(tc.line + "\n")).ReadAll(); err == nil {
				t.Fatalf("expected error for %q", tc.line)
			}
		})
	}
}

func TestPlay_WaitsBetweenRecords(t *testing.T) {
	fs := &fakeSleeper{}
	recs := []Record{
		{At: 1 * time.Second, Start: true},
		{At: 1 * time.Second, Frame: sampleFrame(0)},
		{At: 1*time.Second + 100*time.Nanosecond, Frame: sampleFrame(1)},
		{At: 2 * time.Second, Start: true},
		{At: 2*time.Second + 50*time.Nanosecond, Frame: sampleFrame(2)},
	}

	var alts []float64
	err := Play(recs, 1.0, false, fs, func(fr sensors.Frame) error {
		alts = append(alts, fr.Baro.AltitudeM)
		return nil
	})
	if err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if len(alts) != 3 || alts[0] != 0 || alts[1] != 1 || alts[2] != 2 {
		t.Fatalf("altitudes=%v want [0 1 2]", alts)
	}
	// One wait inside the first origin; the START marker resets timing so
	// the record after it plays immediately.
	if len(fs.slept) != 1 || fs.slept[0] != 100*time.Nanosecond {
		t.Fatalf("sleeps=%v want [100ns]", fs.slept)
	}
}

func TestPlay_SpeedScalesWaits(t *testing.T) {
	fs := &fakeSleeper{}
	recs := []Record{
		{At: 0, Frame: sampleFrame(0)},
		{At: 100 * time.Nanosecond, Frame: sampleFrame(1)},
	}
	if err := Play(recs, 2.0, false, fs, func(sensors.Frame) error { return nil }); err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if len(fs.slept) != 1 || fs.slept[0] != 50*time.Nanosecond {
		t.Fatalf("sleeps=%v want [50ns]", fs.slept)
	}
}

func TestSource_FrameAt(t *testing.T) {
	recs := []Record{
		{Start: true},
		{At: 0, Frame: sampleFrame(0)},
		{At: 100 * time.Millisecond, Frame: sampleFrame(1)},
		{At: 200 * time.Millisecond, Frame: sampleFrame(2)},
	}
	src, err := NewSource(recs, 1.0, false)
	if err != nil {
		t.Fatalf("NewSource() error: %v", err)
	}

	fr, ok := src.FrameAt(150 * time.Millisecond)
	if !ok || fr.Baro.AltitudeM != 1 {
		t.Fatalf("frame at 150ms: alt=%v ok=%v want 1 true", fr.Baro.AltitudeM, ok)
	}
	fr, ok = src.FrameAt(200 * time.Millisecond)
	if !ok || fr.Baro.AltitudeM != 2 {
		t.Fatalf("frame at 200ms: alt=%v ok=%v want 2 true", fr.Baro.AltitudeM, ok)
	}
	// Past the end without looping: the last frame, flagged exhausted.
	if _, ok = src.FrameAt(300 * time.Millisecond); ok {
		t.Fatalf("expected exhausted source past the end")
	}
}

func TestSource_SpeedAndLoop(t *testing.T) {
	recs := []Record{
		{At: 0, Frame: sampleFrame(0)},
		{At: 100 * time.Millisecond, Frame: sampleFrame(1)},
	}
	src, err := NewSource(recs, 2.0, true)
	if err != nil {
		t.Fatalf("NewSource() error: %v", err)
	}
	// 50ms elapsed at 2x = 100ms into the log.
	if fr, ok := src.FrameAt(50 * time.Millisecond); !ok || fr.Baro.AltitudeM != 1 {
		t.Fatalf("frame at 50ms x2: alt=%v ok=%v want 1 true", fr.Baro.AltitudeM, ok)
	}
	// Looping never exhausts.
	if _, ok := src.FrameAt(10 * time.Second); !ok {
		t.Fatalf("looping source reported exhausted")
	}
}

func hexOf(fr sensors.Frame) string {
	return hex.EncodeToString(encodeFrame(fr))
}
