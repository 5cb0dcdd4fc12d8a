package sensors

import (
	"math"
	"testing"
)

func TestPressureAltitudeM(t *testing.T) {
	// Sea-level pressure gives ~0 m.
	if got := PressureAltitudeM(101200, 1012.0); math.Abs(got) > 0.01 {
		t.Fatalf("sea level altitude: got %v want ~0", got)
	}

	// Lower pressure gives a higher altitude.
	lo := PressureAltitudeM(90000, 1012.0)
	hi := PressureAltitudeM(80000, 1012.0)
	if !(hi > lo && lo > 0) {
		t.Fatalf("altitude ordering: got lo=%v hi=%v", lo, hi)
	}

	// ~1000 hPa at reference 1013.25 is roughly 110 m.
	got := PressureAltitudeM(100000, 1013.25)
	if got < 100 || got > 120 {
		t.Fatalf("altitude at 1000 hPa: got %v want ~110", got)
	}
}

func TestPressureAltitudeM_Invalid(t *testing.T) {
	if got := PressureAltitudeM(0, 1012.0); !math.IsNaN(got) {
		t.Fatalf("zero pressure: got %v want NaN", got)
	}
	if got := PressureAltitudeM(101325, 0); !math.IsNaN(got) {
		t.Fatalf("zero reference: got %v want NaN", got)
	}
}
