package sim

import (
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"airbrake-fc/internal/fusion"
	"airbrake-fc/internal/quat"
	"airbrake-fc/internal/sensors"
)

// Script is a deterministic, script-driven flight description. The simulator
// interpolates the keyframes and synthesizes the sensor frames a real stack
// would produce for that trajectory.
//
// Time is expressed as Go duration strings (e.g. "0s", "250ms", "10s").
// If Duration is zero, it is derived from the latest keyframe time.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 30s
//	ground_alt_m: 120
//	sea_level_hpa: 1012.0
//	keyframes:
//	  - t: 0s
//	    agl_m: 0
//	    tilt_deg: 0
//	    tilt_az_deg: 0
//	    az_mps2: 0
//	    temp_c: 15
//	  - t: 2s
//	    agl_m: 120
//	    az_mps2: 60
//	    baro_fault: true
//
// Keyframes must be sorted by non-decreasing t. Numeric fields interpolate
// linearly (the tilt azimuth along the shortest angular path); fault flags
// apply from a keyframe until the next one.
//
// Keep this struct stable: scripts are test fixtures.
type Script struct {
	Version     int           `yaml:"version"`
	Duration    time.Duration `yaml:"duration"`
	GroundAltM  float64       `yaml:"ground_alt_m"`
	SeaLevelHPa float64       `yaml:"sea_level_hpa"`
	Keyframes   []Keyframe    `yaml:"keyframes"`
}

// Keyframe is a time-stamped point on the simulated trajectory.
type Keyframe struct {
	T              time.Duration `yaml:"t"`
	AGLM           float64       `yaml:"agl_m"`
	TiltDeg        float64       `yaml:"tilt_deg"`
	TiltAzDeg      float64       `yaml:"tilt_az_deg"`
	AzMps2         float64       `yaml:"az_mps2"`
	TempC          float64       `yaml:"temp_c"`
	IMUAltOffsetM  float64       `yaml:"imu_alt_offset_m"`
	BaroFault      bool          `yaml:"baro_fault"`
	IMUFault       bool          `yaml:"imu_fault"`
	SecondaryFault bool          `yaml:"secondary_fault"`
}

// Flight is the validated, runtime representation. Use FrameAt to compute the
// deterministic sensor frame at a given elapsed time.
type Flight struct {
	script Script
	// Derived duration (script.Duration or max keyframe time).
	duration time.Duration
}

// LoadScript reads and unmarshals a YAML flight script from path.
func LoadScript(path string) (Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Script{}, err
	}
	return ParseScriptYAML(b)
}

// ParseScriptYAML parses a YAML flight script.
func ParseScriptYAML(b []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Script{}, err
	}
	return s, nil
}

// NewFlight validates script and returns a runtime Flight.
func NewFlight(script Script) (*Flight, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported script version %d", script.Version)
	}
	if len(script.Keyframes) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}
	for i := range script.Keyframes {
		if script.Keyframes[i].T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && script.Keyframes[i].T < script.Keyframes[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
	}
	if script.SeaLevelHPa == 0 {
		script.SeaLevelHPa = sensors.DefaultSeaLevelHPa
	}
	if script.SeaLevelHPa < 0 {
		return nil, fmt.Errorf("sea_level_hpa must be > 0")
	}

	dur := script.Duration
	if dur <= 0 {
		dur = maxKeyframeTime(script)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration is required (or deriveable from keyframes)")
	}

	return &Flight{script: script, duration: dur}, nil
}

// Duration returns the effective script duration.
func (f *Flight) Duration() time.Duration {
	if f == nil {
		return 0
	}
	return f.duration
}

// FrameAt computes the sensor frame at elapsed.
//
// If loop is true, elapsed wraps around Duration(). Otherwise elapsed is
// clamped to [0, Duration()].
func (f *Flight) FrameAt(elapsed time.Duration, loop bool) sensors.Frame {
	if f == nil {
		return sensors.Frame{}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if f.duration > 0 {
		if loop {
			elapsed = elapsed % f.duration
		} else if elapsed > f.duration {
			elapsed = f.duration
		}
	}

	kf0, kf1, alpha := selectSegment(f.script.Keyframes, elapsed)

	agl := lerp(kf0.AGLM, kf1.AGLM, alpha)
	tilt := lerp(kf0.TiltDeg, kf1.TiltDeg, alpha)
	tiltAz := lerpAngleDeg(kf0.TiltAzDeg, kf1.TiltAzDeg, alpha)
	az := lerp(kf0.AzMps2, kf1.AzMps2, alpha)
	tempC := lerp(tempOrDefault(kf0), tempOrDefault(kf1), alpha)
	imuOff := lerp(kf0.IMUAltOffsetM, kf1.IMUAltOffsetM, alpha)

	altM := f.script.GroundAltM + agl

	// Attitude: yaw to the tilt azimuth, then pitch the nose down from
	// vertical by the tilt angle.
	q := quat.Mul(
		quat.AxisAngle([3]float64{0, 0, 1}, tiltAz),
		quat.AxisAngle([3]float64{0, 1, 0}, tilt-90),
	)

	// Specific force for the commanded earth-Z acceleration, expressed in
	// the body frame.
	earthG := [3]float64{0, 0, (az + fusion.G0) / fusion.G0}
	bodyG := quat.RotateVec(quat.Conj(q), earthG)

	return sensors.Frame{
		Baro: sensors.BaroSample{
			TemperatureC: tempC,
			PressurePa:   pressureFromAltitudeM(altM, f.script.SeaLevelHPa),
			AltitudeM:    altM,
			Valid:        !kf0.BaroFault,
		},
		IMU: sensors.IMUSample{
			Quat:     q,
			AccelG:   bodyG,
			BaroAltM: altM + imuOff,
			Valid:    !kf0.IMUFault,
		},
		IMU2: sensors.SecondaryIMUSample{
			AccelG:       bodyG,
			TemperatureC: tempC,
			Valid:        !kf0.SecondaryFault,
		},
	}
}

// tempOrDefault substitutes the standard atmosphere surface temperature for
// an unset keyframe temperature.
func tempOrDefault(kf Keyframe) float64 {
	if kf.TempC == 0 {
		return 15.0
	}
	return kf.TempC
}

// pressureFromAltitudeM inverts the ISA barometric formula.
func pressureFromAltitudeM(altM, seaLevelHPa float64) float64 {
	return seaLevelHPa * 100.0 * math.Pow(1.0-altM/44330.0, 5.255)
}

func maxKeyframeTime(s Script) time.Duration {
	max := time.Duration(0)
	for _, kf := range s.Keyframes {
		if kf.T > max {
			max = kf.T
		}
	}
	return max
}

func selectSegment(kfs []Keyframe, t time.Duration) (Keyframe, Keyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func lerpAngleDeg(a0, a1, t float64) float64 {
	// Shortest-path interpolation across wraparound.
	norm := func(x float64) float64 {
		for x < 0 {
			x += 360
		}
		for x >= 360 {
			x -= 360
		}
		return x
	}
	a0 = norm(a0)
	a1 = norm(a1)
	delta := a1 - a0
	if delta > 180 {
		delta -= 360
	} else if delta < -180 {
		delta += 360
	}
	return norm(a0 + delta*t)
}
