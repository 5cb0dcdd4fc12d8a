// Package sensors defines the typed sample snapshots produced by the sensor
// drivers and consumed by the fusion engine and flight controller. Samples are
// plain data: captured once per tick, immutable afterwards.
//
// Frames/units:
//   - Earth frame: ENU, +Z up, for vertical quantities.
//   - Body frame: +X forward (nose).
//   - Units: degrees C, Pa, m, g, deg/s.
package sensors

import "math"

// BaroSample is one reading from the primary barometric sensor.
type BaroSample struct {
	TemperatureC float64
	PressurePa   float64
	AltitudeM    float64 // above mean sea level, barometric formula
	Valid        bool
}

// IMUSample is one reading from the primary inertial unit, which carries its
// own fusion coprocessor (quaternion output) and internal barometer.
type IMUSample struct {
	Quat     [4]float64 // [w,x,y,z], body -> earth, unit norm
	AccelG   [3]float64 // body frame
	BaroAltM float64    // internal baro altitude (m MSL)
	Valid    bool
}

// SecondaryIMUSample is one reading from the secondary accelerometer/gyro,
// already remapped into the rocket body frame by the driver's fixed
// orientation matrix. The controller consumes it only as a validity signal.
type SecondaryIMUSample struct {
	AccelG       [3]float64
	GyroDps      [3]float64
	TemperatureC float64
	Valid        bool
}

// Frame is the set of samples captured for one controller tick. Sample
// sources (drivers, simulator, replay) all produce Frames.
type Frame struct {
	Baro BaroSample
	IMU  IMUSample
	IMU2 SecondaryIMUSample
}

// DefaultSeaLevelHPa is the reference pressure used for barometric altitude
// when the config does not override it.
const DefaultSeaLevelHPa = 1012.0

// PressureAltitudeM converts a static pressure to altitude (m) with the
// International Standard Atmosphere approximation.
func PressureAltitudeM(pressurePa, seaLevelHPa float64) float64 {
	if pressurePa <= 0 || seaLevelHPa <= 0 {
		return math.NaN()
	}
	return 44330.0 * (1.0 - math.Pow(pressurePa/(seaLevelHPa*100.0), 1.0/5.255))
}
