// Package fc is the airbrake flight-controller state machine. It consumes the
// fused estimate plus raw sensor validity each tick, applies debounced and
// hysteretic safety gates, and decides when the airbrake may open, must
// retract, and must lock out.
//
// The Core is a pure step function over its own context: all latches and
// debounce accumulators live in the struct (nothing hidden in function-local
// state), so Reset fully re-arms detection and multiple instances can run
// side by side for simulation or replay.
package fc

import (
	"math"
	"time"
)

// State is the flight phase.
type State uint8

const (
	StateSafe State = iota
	StatePreflight
	StateBoost
	StatePostBurnHold
	StateWindow
	StateDeployed
	StateRetracting
	StateLocked
	StateAbortLockout
)

func (s State) String() string {
	switch s {
	case StateSafe:
		return "SAFE"
	case StatePreflight:
		return "PREFLIGHT"
	case StateBoost:
		return "BOOST"
	case StatePostBurnHold:
		return "POST_BURN_HOLD"
	case StateWindow:
		return "WINDOW"
	case StateDeployed:
		return "DEPLOYED"
	case StateRetracting:
		return "RETRACTING"
	case StateLocked:
		return "LOCKED"
	case StateAbortLockout:
		return "ABORT_LOCKOUT"
	default:
		return "UNKNOWN"
	}
}

// Flags is the gate/event bitmask exposed at the interface boundary.
// Internally the core keeps named booleans; the mask is assembled per tick.
type Flags uint32

const (
	FlagIMUOK Flags = 1 << iota
	FlagBaroOK
	FlagIMU2OK
	FlagBaroAgree
	FlagMachOK
	FlagTiltOK
	FlagTiltLatch
	FlagLiftoffDet
	FlagBurnoutDet
)

// Config holds the controller thresholds and dwell times. Zero fields take
// the flight defaults in New.
type Config struct {
	// Mach gate: OK below Max, lost above Max+Hyst, with a dwell before
	// flipping to OK.
	MachMaxForDeploy float64
	MachHyst         float64
	MachDwell        time.Duration
	// SoSFixedMps is the fixed conservative speed of sound used for the
	// controller's own Mach proxy.
	SoSFixedMps float64

	// Tilt abort: latched once tilt stays at/above the angle for the dwell.
	TiltAbortDeg   float64
	TiltAbortDwell time.Duration

	// Liftoff detection (any condition, held for the dwell).
	VzLiftoffMps  float64
	AzLiftoffMps2 float64
	LiftoffMinAGL float64
	LiftoffDwell  time.Duration

	// Burnout detection (earth-Z accel at/below threshold for the dwell).
	BurnoutAzDoneMps2 float64
	BurnoutDwell      time.Duration
	BurnoutHold       time.Duration

	// Deployment window guards.
	MinDeployAGLM    float64
	TargetApogeeAGLM float64
	ApogeeMarginM    float64

	// Retraction timing.
	RetractBeforeApogee      time.Duration
	ExpectedTimeToApogee     time.Duration
	TimeToApogeeTimeoutScale float64

	// Sensor validity debounce.
	SensorInvalid  time.Duration
	SensorRecovery time.Duration

	// Baro agreement gate.
	BaroAgreeM     float64
	BaroAgreeDwell time.Duration

	// Airbrake command while deployed.
	DeployCmdDeg float64
}

func (c Config) withDefaults() Config {
	if c.MachMaxForDeploy == 0 {
		c.MachMaxForDeploy = 0.50
	}
	if c.MachHyst == 0 {
		c.MachHyst = 0.02
	}
	if c.MachDwell <= 0 {
		c.MachDwell = 300 * time.Millisecond
	}
	if c.SoSFixedMps == 0 {
		c.SoSFixedMps = 300.0
	}
	if c.TiltAbortDeg == 0 {
		c.TiltAbortDeg = 30.0
	}
	if c.TiltAbortDwell <= 0 {
		c.TiltAbortDwell = 200 * time.Millisecond
	}
	if c.VzLiftoffMps == 0 {
		c.VzLiftoffMps = 8.0
	}
	if c.AzLiftoffMps2 == 0 {
		c.AzLiftoffMps2 = 15.0
	}
	if c.LiftoffMinAGL == 0 {
		c.LiftoffMinAGL = 5.0
	}
	if c.LiftoffDwell <= 0 {
		c.LiftoffDwell = 150 * time.Millisecond
	}
	if c.BurnoutAzDoneMps2 == 0 {
		c.BurnoutAzDoneMps2 = 1.0
	}
	if c.BurnoutDwell <= 0 {
		c.BurnoutDwell = 200 * time.Millisecond
	}
	if c.BurnoutHold <= 0 {
		c.BurnoutHold = 1500 * time.Millisecond
	}
	if c.MinDeployAGLM == 0 {
		c.MinDeployAGLM = 200.0
	}
	if c.TargetApogeeAGLM == 0 {
		c.TargetApogeeAGLM = 3048.0 // 10,000 ft
	}
	if c.ApogeeMarginM == 0 {
		c.ApogeeMarginM = 45.0
	}
	if c.RetractBeforeApogee <= 0 {
		c.RetractBeforeApogee = 5 * time.Second
	}
	if c.ExpectedTimeToApogee <= 0 {
		c.ExpectedTimeToApogee = 18 * time.Second
	}
	if c.TimeToApogeeTimeoutScale == 0 {
		c.TimeToApogeeTimeoutScale = 1.2
	}
	if c.SensorInvalid <= 0 {
		c.SensorInvalid = 150 * time.Millisecond
	}
	if c.SensorRecovery <= 0 {
		c.SensorRecovery = 1500 * time.Millisecond
	}
	if c.BaroAgreeM == 0 {
		c.BaroAgreeM = 15.0
	}
	if c.BaroAgreeDwell <= 0 {
		c.BaroAgreeDwell = 500 * time.Millisecond
	}
	if c.DeployCmdDeg == 0 {
		c.DeployCmdDeg = 30.0
	}
	return c
}

// Inputs is the plain data consumed by one controller tick. Undefined numeric
// values are NaN; comparisons against NaN are false, so every gate
// fails closed rather than default-passing.
type Inputs struct {
	Dt  time.Duration // since previous tick, caller-clamped to [1ms, 1s]
	Now time.Duration // absolute tick time

	TiltDeg       float64
	AGLFusedM     float64
	VzFusedMps    float64
	VzMps         float64 // fallback when the fused speed is undefined
	AzMps2        float64 // earth-Z
	TimeToApogeeS float64 // biased early
	ApogeeAGLM    float64 // biased low
	AGLReady      bool

	// Raw altitudes for the agreement gate.
	BaroAltM float64
	IMUAltM  float64 // primary IMU internal baro

	// Raw device sampling validity.
	IMUValid  bool
	BaroValid bool
	IMU2Valid bool
}

// Outputs is the result of one controller tick.
type Outputs struct {
	State             State
	Flags             Flags
	AirbrakeCmdDeg    float64
	TimeSinceLiftoffS float64
	TimeToApogeeS     float64
	MachCons          float64
	TiltDeg           float64
}

// sensorDebounce is the per-sensor validity hysteresis: a sensor goes
// bad->good only after SensorRecovery of continuously valid samples, and
// good->bad only after SensorInvalid of continuously invalid ones.
type sensorDebounce struct {
	ok      bool
	goodAcc time.Duration
	badAcc  time.Duration
}

func (d *sensorDebounce) update(sampleOK bool, dt, recovery, invalid time.Duration) {
	if sampleOK {
		d.goodAcc += dt
		d.badAcc = 0
		if !d.ok && d.goodAcc >= recovery {
			d.ok = true
		}
		return
	}
	d.badAcc += dt
	d.goodAcc = 0
	if d.ok && d.badAcc >= invalid {
		d.ok = false
	}
}

// Core owns the controller context. Not safe for concurrent use; the caller
// serializes Step/Reset.
type Core struct {
	cfg Config

	state    State
	tState   time.Duration
	tLaunch  time.Duration
	tBurnout time.Duration
	tDeploy  time.Duration

	// Latches. Sticky until Reset.
	tiltLatched    bool
	liftoffLatched bool
	burnoutLatched bool

	// Gate states and debounce accumulators.
	machOK       bool
	tiltOKNow    bool
	machOKAcc    time.Duration
	tiltBadAcc   time.Duration
	liftoffAcc   time.Duration
	burnoutAcc   time.Duration
	baroAgree    bool
	baroAgreeAcc time.Duration

	imu  sensorDebounce
	baro sensorDebounce
	imu2 sensorDebounce
}

// New returns a controller core in PREFLIGHT (zero config fields take flight
// defaults).
func New(cfg Config) *Core {
	c := &Core{cfg: cfg.withDefaults()}
	c.Reset()
	return c
}

// Config returns the effective configuration.
func (c *Core) Config() Config {
	return c.cfg
}

// Reset reinitializes the context: FSM back to PREFLIGHT, every latch and
// debounce accumulator cleared, liftoff/burnout detection re-armed.
func (c *Core) Reset() {
	c.state = StatePreflight
	c.tState = 0
	c.tLaunch = 0
	c.tBurnout = 0
	c.tDeploy = 0
	c.tiltLatched = false
	c.liftoffLatched = false
	c.burnoutLatched = false
	c.machOK = false
	c.tiltOKNow = false
	c.machOKAcc = 0
	c.tiltBadAcc = 0
	c.liftoffAcc = 0
	c.burnoutAcc = 0
	c.baroAgree = false
	c.baroAgreeAcc = 0
	c.imu = sensorDebounce{}
	c.baro = sensorDebounce{}
	c.imu2 = sensorDebounce{}
}

// State returns the current flight phase.
func (c *Core) State() State {
	return c.state
}

// Step runs one controller tick: gate evaluation, then FSM transitions, then
// the airbrake command.
func (c *Core) Step(in Inputs) Outputs {
	mach := c.updateGates(in)
	c.updateFSM(in)

	cmdDeg := 0.0
	if c.state == StateDeployed {
		cmdDeg = c.cfg.DeployCmdDeg
	}

	sinceLiftoff := 0.0
	if c.liftoffLatched {
		sinceLiftoff = (in.Now - c.tLaunch).Seconds()
	}

	return Outputs{
		State:             c.state,
		Flags:             c.flags(),
		AirbrakeCmdDeg:    cmdDeg,
		TimeSinceLiftoffS: sinceLiftoff,
		TimeToApogeeS:     in.TimeToApogeeS,
		MachCons:          mach,
		TiltDeg:           in.TiltDeg,
	}
}

func (c *Core) flags() Flags {
	var f Flags
	if c.imu.ok {
		f |= FlagIMUOK
	}
	if c.baro.ok {
		f |= FlagBaroOK
	}
	if c.imu2.ok {
		f |= FlagIMU2OK
	}
	if c.baroAgree {
		f |= FlagBaroAgree
	}
	if c.machOK {
		f |= FlagMachOK
	}
	if c.tiltOKNow {
		f |= FlagTiltOK
	}
	if c.tiltLatched {
		f |= FlagTiltLatch
	}
	if c.liftoffLatched {
		f |= FlagLiftoffDet
	}
	if c.burnoutLatched {
		f |= FlagBurnoutDet
	}
	return f
}

// tiltOK is true when tilt is known, below the abort angle, and not latched.
// NaN tilt fails closed.
func (c *Core) tiltOK(tiltDeg float64) bool {
	return !c.tiltLatched && tiltDeg <= c.cfg.TiltAbortDeg
}

func (c *Core) updateGates(in Inputs) float64 {
	// Sensor validity debounce.
	c.imu.update(in.IMUValid, in.Dt, c.cfg.SensorRecovery, c.cfg.SensorInvalid)
	c.baro.update(in.BaroValid, in.Dt, c.cfg.SensorRecovery, c.cfg.SensorInvalid)
	c.imu2.update(in.IMU2Valid, in.Dt, c.cfg.SensorRecovery, c.cfg.SensorInvalid)

	// Tilt latch: sticky once tilt holds at/above the abort angle for the
	// dwell. NaN ticks neither accumulate nor clear the dwell.
	if !math.IsNaN(in.TiltDeg) {
		if in.TiltDeg >= c.cfg.TiltAbortDeg {
			c.tiltBadAcc += in.Dt
			if c.tiltBadAcc >= c.cfg.TiltAbortDwell {
				c.tiltLatched = true
			}
		} else {
			c.tiltBadAcc = 0
		}
	}
	c.tiltOKNow = c.tiltOK(in.TiltDeg)

	// Conservative Mach proxy with the fixed speed of sound and worst-case
	// tilt, then the hysteretic OK gate. An undefined speed fails closed.
	vz := in.VzFusedMps
	if math.IsNaN(vz) {
		vz = in.VzMps
	}
	mach := math.NaN()
	if !math.IsNaN(vz) {
		cth := math.Cos(c.cfg.TiltAbortDeg * math.Pi / 180.0)
		if cth < 0.1 {
			cth = 0.1
		}
		mach = math.Abs(vz) / cth / c.cfg.SoSFixedMps
		onTh := c.cfg.MachMaxForDeploy
		offTh := c.cfg.MachMaxForDeploy + c.cfg.MachHyst
		if mach < onTh {
			c.machOKAcc += in.Dt
			if !c.machOK && c.machOKAcc >= c.cfg.MachDwell {
				c.machOK = true
			}
		} else if mach > offTh {
			c.machOKAcc = 0
			c.machOK = false
		}
	} else {
		c.machOKAcc = 0
		c.machOK = false
	}

	// Baro agreement: earned over the dwell, lost immediately. Missing or
	// NaN altitudes fail closed.
	if in.BaroValid && in.IMUValid && !math.IsNaN(in.BaroAltM) && !math.IsNaN(in.IMUAltM) {
		diff := math.Abs(in.BaroAltM - in.IMUAltM)
		if diff <= c.cfg.BaroAgreeM {
			c.baroAgreeAcc += in.Dt
			if c.baroAgreeAcc >= c.cfg.BaroAgreeDwell {
				c.baroAgree = true
			}
		} else {
			c.baroAgreeAcc = 0
			c.baroAgree = false
		}
	} else {
		c.baroAgreeAcc = 0
		c.baroAgree = false
	}

	return mach
}

func (c *Core) updateFSM(in Inputs) {
	// Liftoff: any trigger condition held for the dwell, then latched.
	if !c.liftoffLatched {
		cond := false
		if in.VzFusedMps > c.cfg.VzLiftoffMps {
			cond = true
		}
		if in.AzMps2 > c.cfg.AzLiftoffMps2 {
			cond = true
		}
		if in.AGLFusedM >= c.cfg.LiftoffMinAGL {
			cond = true
		}
		if cond {
			c.liftoffAcc += in.Dt
			if c.liftoffAcc >= c.cfg.LiftoffDwell {
				c.liftoffLatched = true
				c.tLaunch = in.Now
			}
		} else {
			c.liftoffAcc = 0
		}
	}

	// Burnout: only meaningful after liftoff.
	if c.liftoffLatched && !c.burnoutLatched {
		if in.AzMps2 <= c.cfg.BurnoutAzDoneMps2 {
			c.burnoutAcc += in.Dt
			if c.burnoutAcc >= c.cfg.BurnoutDwell {
				c.burnoutLatched = true
				c.tBurnout = in.Now
			}
		} else {
			c.burnoutAcc = 0
		}
	}

	// A latched tilt abort preempts every transition below.
	if c.tiltLatched && c.state != StateAbortLockout {
		c.enter(StateAbortLockout, in.Now)
		return
	}

	switch c.state {
	case StatePreflight:
		if c.liftoffLatched {
			c.enter(StateBoost, in.Now)
		}
	case StateBoost:
		if c.burnoutLatched {
			c.enter(StatePostBurnHold, in.Now)
		}
	case StatePostBurnHold:
		if in.Now-c.tState >= c.cfg.BurnoutHold {
			c.enter(StateWindow, in.Now)
		}
	case StateWindow:
		gates := c.imu.ok && c.baro.ok && c.tiltOK(in.TiltDeg) && c.machOK
		if in.AGLFusedM >= c.cfg.MinDeployAGLM &&
			in.ApogeeAGLM >= c.cfg.TargetApogeeAGLM+c.cfg.ApogeeMarginM &&
			gates {
			c.tDeploy = in.Now
			c.enter(StateDeployed, in.Now)
		}
	case StateDeployed:
		if in.TimeToApogeeS <= c.cfg.RetractBeforeApogee.Seconds() {
			c.enter(StateRetracting, in.Now)
		} else if c.liftoffLatched {
			sinceLaunch := (in.Now - c.tLaunch).Seconds()
			if sinceLaunch > c.cfg.ExpectedTimeToApogee.Seconds()*c.cfg.TimeToApogeeTimeoutScale {
				c.enter(StateRetracting, in.Now)
			}
		}
	case StateRetracting:
		c.enter(StateLocked, in.Now)
	case StateLocked, StateAbortLockout:
		// Terminal for this flight.
	default:
		c.enter(StateSafe, in.Now)
	}
}

func (c *Core) enter(s State, now time.Duration) {
	c.state = s
	c.tState = now
}
