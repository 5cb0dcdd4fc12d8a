// Package fusion combines the barometric and inertial altitude sources into a
// single best-estimate of height above ground, vertical speed/acceleration,
// attitude, and a safety-biased apogee prediction.
//
// The engine is a pure step function over its own state: one Step per fixed
// tick, deterministic given state and inputs, never blocking, never failing.
// Missing or invalid inputs degrade the dependent outputs to NaN; they are
// never silently zeroed.
package fusion

import (
	"math"
	"time"

	"airbrake-fc/internal/quat"
	"airbrake-fc/internal/sensors"
)

// G0 is standard gravity (m/s^2).
const G0 = 9.80665

const degPerRad = 180.0 / math.Pi

// Config holds the fusion tuning. All values are load-time configuration;
// zero fields are replaced by the flight defaults in New.
type Config struct {
	// ArmingDelay is how long after the first tick baseline capture stays
	// disabled, letting pressure readings settle.
	ArmingDelay time.Duration

	// BaroWeight is the primary baro's weight in fused AGL (0..1); the
	// primary IMU's internal baro gets the complement.
	BaroWeight float64

	// VzAlpha is the EMA smoothing factor for derivative vertical speed
	// (0..1, higher = more smoothing).
	VzAlpha float64
	// VzMaxDt caps the elapsed time used in the finite difference, bounding
	// spikes after a gap.
	VzMaxDt time.Duration
	// VzLeak is the per-tick decay fraction of the acceleration integrator.
	VzLeak float64
	// VzFuseBeta blends derivative and integrated vertical speed:
	// fused = beta*derivative + (1-beta)*integrated.
	VzFuseBeta float64

	// TiltAzAlpha is the EMA factor for the tilt-azimuth unit vector.
	TiltAzAlpha float64
	// TiltAzMinTiltDeg is the minimum tilt below which azimuth is held
	// (numerically unstable near vertical).
	TiltAzMinTiltDeg float64

	// TimeApogeeFactor biases predicted time-to-apogee early (<= 1).
	TimeApogeeFactor float64
	// AltApogeeFactor biases predicted apogee altitude low (<= 1).
	AltApogeeFactor float64

	// TiltMaxDeployDeg is the worst-case tilt assumed when converting
	// vertical speed to along-body speed for the conservative Mach proxy.
	TiltMaxDeployDeg float64
	// SoSAloftDeltaK is the temperature drop from ground to the reference
	// altitude used for the conservative speed-of-sound estimate.
	SoSAloftDeltaK float64
	// SoSMinFloorMps is the absolute floor for the conservative
	// speed-of-sound reference.
	SoSMinFloorMps float64
}

func (c Config) withDefaults() Config {
	if c.ArmingDelay <= 0 {
		c.ArmingDelay = 10 * time.Second
	}
	if c.BaroWeight == 0 {
		c.BaroWeight = 0.70
	}
	if c.VzAlpha == 0 {
		c.VzAlpha = 0.85
	}
	if c.VzMaxDt <= 0 {
		c.VzMaxDt = 200 * time.Millisecond
	}
	if c.VzLeak == 0 {
		c.VzLeak = 0.02
	}
	if c.VzFuseBeta == 0 {
		c.VzFuseBeta = 0.2
	}
	if c.TiltAzAlpha == 0 {
		c.TiltAzAlpha = 0.9
	}
	if c.TiltAzMinTiltDeg == 0 {
		c.TiltAzMinTiltDeg = 2.0
	}
	if c.TimeApogeeFactor == 0 {
		c.TimeApogeeFactor = 0.7
	}
	if c.AltApogeeFactor == 0 {
		c.AltApogeeFactor = 0.8
	}
	if c.TiltMaxDeployDeg == 0 {
		c.TiltMaxDeployDeg = 20.0
	}
	if c.SoSAloftDeltaK == 0 {
		c.SoSAloftDeltaK = 19.8
	}
	if c.SoSMinFloorMps == 0 {
		c.SoSMinFloorMps = 300.0
	}
	return c
}

// Snapshot is the fused output of one tick, immutable to consumers.
// Undefined values are NaN.
type Snapshot struct {
	Stamp time.Duration

	// Raw altitudes (m MSL).
	BaroAltM float64
	IMUAltM  float64

	// AGL per source and fused (m). Defined only once AGLReady and the
	// source's baseline is captured.
	AGLBaroM  float64
	AGLIMUM   float64
	AGLFusedM float64
	AGLReady  bool

	// Kinematics.
	VzMps      float64 // from AGL derivative (EMA)
	VzAccMps   float64 // from accel integration (leaky)
	VzFusedMps float64
	AzMps2     float64 // earth-Z acceleration, gravity removed

	// Atmospherics.
	TempC        float64
	PressHPa     float64
	SoSMps       float64 // instantaneous, from measured temperature
	MachVz       float64 // |VzMps| / SoSMps
	SoSGroundMps float64 // one-time reference at ground temperature
	SoSAloftMps  float64 // one-time reference at altitude offset
	SoSMinMps    float64 // conservative gating reference
	MachCons     float64 // conservative Mach proxy

	// Attitude (display Euler plus tilt metrics robust near vertical).
	YawDeg             float64
	PitchDeg           float64
	RollDeg            float64
	TiltDeg            float64 // angle between body +X and earth +Z
	TiltAzDeg          float64 // smoothed azimuth, (-180,180]
	TiltAzDeg360       float64 // [0,360)
	TiltAzUnwrappedDeg float64 // continuous, unwrapped

	// Apogee prediction (deliberately biased early/low).
	TimeToApogeeS float64
	ApogeeAGLM    float64
}

// Engine owns all fusion filter state. It is not safe for concurrent use;
// callers invoking Step from more than one goroutine must serialize.
type Engine struct {
	cfg Config

	// Baseline zeroing.
	armDeadline    time.Duration
	armDeadlineSet bool
	aglReady       bool
	baseBaroM      float64
	baseIMUM       float64

	// Vertical speed filters.
	havePrevAlt bool
	prevAltM    float64
	prevStamp   time.Duration
	vzFilt      float64
	vzAcc       float64

	// Smoothed tilt azimuth unit vector (earth XY) and unwrap accumulator.
	haveTiltAz      bool
	tiltAzX         float64
	tiltAzY         float64
	haveTiltAzAcc   bool
	tiltAzPrevDeg   float64
	tiltAzUnwrapped float64

	// One-time conservative speed-of-sound references.
	haveSoSRefs  bool
	sosGroundMps float64
	sosAloftMps  float64
	sosMinMps    float64
}

// New returns an engine with cfg (zero fields take flight defaults).
func New(cfg Config) *Engine {
	e := &Engine{cfg: cfg.withDefaults()}
	e.Reset()
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Reset clears all filter state: baselines, filters, azimuth smoothing,
// atmospheric references, and arming. The next Step re-arms from scratch.
func (e *Engine) Reset() {
	e.armDeadline = 0
	e.armDeadlineSet = false
	e.aglReady = false
	e.baseBaroM = math.NaN()
	e.baseIMUM = math.NaN()
	e.havePrevAlt = false
	e.prevAltM = math.NaN()
	e.prevStamp = 0
	e.vzFilt = math.NaN()
	e.vzAcc = 0
	e.haveTiltAz = false
	e.tiltAzX = math.NaN()
	e.tiltAzY = math.NaN()
	e.haveTiltAzAcc = false
	e.tiltAzPrevDeg = 0
	e.tiltAzUnwrapped = 0
	e.haveSoSRefs = false
	e.sosGroundMps = math.NaN()
	e.sosAloftMps = math.NaN()
	e.sosMinMps = e.cfg.SoSMinFloorMps
}

// Step consumes one tick of raw samples and produces the fused snapshot.
// now is the absolute tick time (monotonic, since process start).
func (e *Engine) Step(now time.Duration, baro sensors.BaroSample, imu sensors.IMUSample) Snapshot {
	out := emptySnapshot(now)

	baroAlt := math.NaN()
	if baro.Valid {
		baroAlt = baro.AltitudeM
	}
	imuAlt := math.NaN()
	if imu.Valid {
		imuAlt = imu.BaroAltM
	}
	out.BaroAltM = baroAlt
	out.IMUAltM = imuAlt

	// Arming: deadline set on first tick, baselines captured lazily per
	// source once armed. A captured baseline is never overwritten.
	if !e.armDeadlineSet {
		e.armDeadline = now + e.cfg.ArmingDelay
		e.armDeadlineSet = true
	}
	if !e.aglReady && now >= e.armDeadline {
		e.aglReady = true
	}
	if e.aglReady {
		if math.IsNaN(e.baseBaroM) && !math.IsNaN(baroAlt) {
			e.baseBaroM = baroAlt
		}
		if math.IsNaN(e.baseIMUM) && !math.IsNaN(imuAlt) {
			e.baseIMUM = imuAlt
		}
	}
	out.AGLReady = e.aglReady

	// AGL per source, then weighted fusion with single-source fallback.
	aglFused := math.NaN()
	if e.aglReady {
		aglBaro := math.NaN()
		aglIMU := math.NaN()
		if !math.IsNaN(e.baseBaroM) && !math.IsNaN(baroAlt) {
			aglBaro = baroAlt - e.baseBaroM
		}
		if !math.IsNaN(e.baseIMUM) && !math.IsNaN(imuAlt) {
			aglIMU = imuAlt - e.baseIMUM
		}
		switch {
		case !math.IsNaN(aglBaro) && !math.IsNaN(aglIMU):
			aglFused = e.cfg.BaroWeight*aglBaro + (1-e.cfg.BaroWeight)*aglIMU
		case !math.IsNaN(aglBaro):
			aglFused = aglBaro
		case !math.IsNaN(aglIMU):
			aglFused = aglIMU
		}
		out.AGLBaroM = aglBaro
		out.AGLIMUM = aglIMU
		out.AGLFusedM = aglFused
	}

	// Vertical speed from the AGL derivative, EMA smoothed. The anchor is
	// lost whenever fused AGL goes undefined.
	vz := math.NaN()
	dtStep := math.NaN()
	if e.aglReady && !math.IsNaN(aglFused) {
		if e.havePrevAlt {
			dt := now - e.prevStamp
			if dt < time.Millisecond {
				dt = time.Millisecond
			}
			if dt > e.cfg.VzMaxDt {
				dt = e.cfg.VzMaxDt
			}
			dtStep = dt.Seconds()
			instVz := (aglFused - e.prevAltM) / dtStep
			if math.IsNaN(e.vzFilt) {
				e.vzFilt = instVz
			}
			e.vzFilt = e.cfg.VzAlpha*e.vzFilt + (1-e.cfg.VzAlpha)*instVz
			vz = e.vzFilt
		}
		e.prevAltM = aglFused
		e.prevStamp = now
		e.havePrevAlt = true
	} else {
		e.havePrevAlt = false
		e.vzFilt = math.NaN()
	}
	out.VzMps = vz

	// Earth-Z acceleration from the primary IMU, and its leaky integration
	// into a second vertical-speed estimate.
	azE := math.NaN()
	if imu.Valid {
		vBody := [3]float64{imu.AccelG[0] * G0, imu.AccelG[1] * G0, imu.AccelG[2] * G0}
		vEarth := quat.RotateVec(imu.Quat, vBody)
		azE = vEarth[2] - G0
		if !math.IsNaN(azE) && e.havePrevAlt {
			dt := dtStep
			if math.IsNaN(dt) {
				dt = e.cfg.VzMaxDt.Seconds()
			}
			e.vzAcc = (1-e.cfg.VzLeak)*e.vzAcc + azE*dt
		} else if !e.havePrevAlt {
			e.vzAcc = 0
		}
	}
	if !e.havePrevAlt {
		e.vzAcc = 0
	}
	out.AzMps2 = azE
	out.VzAccMps = e.vzAcc

	// Atmospherics: instantaneous speed of sound from measured temperature.
	tempC := math.NaN()
	pressHPa := math.NaN()
	if baro.Valid {
		tempC = baro.TemperatureC
		pressHPa = baro.PressurePa / 100.0
	}
	out.TempC = tempC
	out.PressHPa = pressHPa
	const gamma = 1.4
	const rAir = 287.05
	if !math.IsNaN(tempC) {
		sos := math.Sqrt(gamma * rAir * (tempC + 273.15))
		out.SoSMps = sos
		if !math.IsNaN(vz) {
			out.MachVz = math.Abs(vz) / sos
		}
	}

	// Conservative references, captured once on the first valid baro read:
	// speed of sound at ground temperature and at the altitude offset,
	// floored at a physically sane minimum.
	if !e.haveSoSRefs && baro.Valid {
		t0 := baro.TemperatureC + 273.15
		e.sosGroundMps = math.Sqrt(gamma * rAir * t0)
		tAloft := t0 - e.cfg.SoSAloftDeltaK
		if tAloft < 150.0 {
			tAloft = 150.0
		}
		e.sosAloftMps = math.Sqrt(gamma * rAir * tAloft)
		e.sosMinMps = math.Max(e.cfg.SoSMinFloorMps, math.Min(e.sosGroundMps, e.sosAloftMps))
		e.haveSoSRefs = true
	}
	out.SoSGroundMps = e.sosGroundMps
	out.SoSAloftMps = e.sosAloftMps
	out.SoSMinMps = e.sosMinMps

	// Apogee prediction from the derivative-path speed, biased early/low so
	// the prediction is never later/higher than reality.
	if e.aglReady && !math.IsNaN(aglFused) && !math.IsNaN(vz) {
		if vz > 0 {
			out.TimeToApogeeS = e.cfg.TimeApogeeFactor * (vz / G0)
			out.ApogeeAGLM = aglFused + e.cfg.AltApogeeFactor*(vz*vz)/(2*G0)
		} else {
			out.TimeToApogeeS = 0
			out.ApogeeAGLM = aglFused
		}
	}

	// Attitude: display Euler, plus tilt metrics robust near vertical.
	if imu.Valid {
		out.YawDeg, out.PitchDeg, out.RollDeg = quat.ToEulerDeg(imu.Quat)

		xEarth := quat.RotateVec(imu.Quat, [3]float64{1, 0, 0})
		cz := quat.Clamp(xEarth[2], -1, 1)
		tiltDeg := math.Acos(cz) * degPerRad
		out.TiltDeg = tiltDeg

		// Azimuth of the tilt direction, smoothed on the horizontal unit
		// vector itself and renormalized to avoid shrinkage. Below the
		// minimum tilt the last smoothed value is held.
		h := math.Hypot(xEarth[0], xEarth[1])
		tiltAzDeg := math.NaN()
		if tiltDeg >= e.cfg.TiltAzMinTiltDeg && h > 1e-4 {
			hx := xEarth[0] / h
			hy := xEarth[1] / h
			if !e.haveTiltAz || math.IsNaN(e.tiltAzX) || math.IsNaN(e.tiltAzY) {
				e.tiltAzX = hx
				e.tiltAzY = hy
				e.haveTiltAz = true
			} else {
				e.tiltAzX = e.cfg.TiltAzAlpha*e.tiltAzX + (1-e.cfg.TiltAzAlpha)*hx
				e.tiltAzY = e.cfg.TiltAzAlpha*e.tiltAzY + (1-e.cfg.TiltAzAlpha)*hy
				n := math.Hypot(e.tiltAzX, e.tiltAzY)
				if n > 1e-6 {
					e.tiltAzX /= n
					e.tiltAzY /= n
				}
			}
			tiltAzDeg = math.Atan2(e.tiltAzY, e.tiltAzX) * degPerRad
		} else if e.haveTiltAz {
			tiltAzDeg = math.Atan2(e.tiltAzY, e.tiltAzX) * degPerRad
		}
		out.TiltAzDeg = tiltAzDeg

		if !math.IsNaN(tiltAzDeg) {
			az360 := tiltAzDeg
			if az360 < 0 {
				az360 += 360
			}
			out.TiltAzDeg360 = az360

			// Unwrap across +/-180 into a continuous trace.
			if !e.haveTiltAzAcc {
				e.tiltAzPrevDeg = tiltAzDeg
				e.tiltAzUnwrapped = tiltAzDeg
				e.haveTiltAzAcc = true
			} else {
				delta := tiltAzDeg - e.tiltAzPrevDeg
				for delta > 180 {
					delta -= 360
				}
				for delta < -180 {
					delta += 360
				}
				e.tiltAzUnwrapped += delta
				e.tiltAzPrevDeg = tiltAzDeg
			}
			out.TiltAzUnwrappedDeg = e.tiltAzUnwrapped
		}
	}

	// Fused vertical speed: convex blend, falling back to whichever path is
	// defined. The integrator holds zero while unanchored, so the fallback
	// keeps the fused estimate defined through short derivative gaps.
	vzAcc := e.vzAcc
	vzFused := math.NaN()
	switch {
	case !math.IsNaN(vz) && !math.IsNaN(vzAcc):
		vzFused = e.cfg.VzFuseBeta*vz + (1-e.cfg.VzFuseBeta)*vzAcc
	case !math.IsNaN(vz):
		vzFused = vz
	case !math.IsNaN(vzAcc):
		vzFused = vzAcc
	}
	out.VzFusedMps = vzFused

	// Conservative Mach proxy: assume worst-case deployment tilt so the
	// along-body speed is never underestimated, then divide by the
	// conservative speed-of-sound reference.
	if !math.IsNaN(vzFused) && e.haveSoSRefs {
		c := math.Cos(e.cfg.TiltMaxDeployDeg * math.Pi / 180.0)
		if c < 0.1 {
			c = 0.1
		}
		out.MachCons = math.Abs(vzFused) / c / e.sosMinMps
	}

	return out
}

func emptySnapshot(now time.Duration) Snapshot {
	nan := math.NaN()
	return Snapshot{
		Stamp:              now,
		BaroAltM:           nan,
		IMUAltM:            nan,
		AGLBaroM:           nan,
		AGLIMUM:            nan,
		AGLFusedM:          nan,
		VzMps:              nan,
		VzAccMps:           nan,
		VzFusedMps:         nan,
		AzMps2:             nan,
		TempC:              nan,
		PressHPa:           nan,
		SoSMps:             nan,
		MachVz:             nan,
		SoSGroundMps:       nan,
		SoSAloftMps:        nan,
		SoSMinMps:          nan,
		MachCons:           nan,
		YawDeg:             nan,
		PitchDeg:           nan,
		RollDeg:            nan,
		TiltDeg:            nan,
		TiltAzDeg:          nan,
		TiltAzDeg360:       nan,
		TiltAzUnwrappedDeg: nan,
		TimeToApogeeS:      nan,
		ApogeeAGLM:         nan,
	}
}
