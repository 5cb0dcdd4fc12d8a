package fc

import (
	"math"
	"reflect"
	"testing"
	"time"
)

const dt = 10 * time.Millisecond

// deskConfig mirrors the bench-scale threshold overlay.
func deskConfig() Config {
	return Config{
		TiltAbortDeg:             75.0,
		VzLiftoffMps:             0.5,
		AzLiftoffMps2:            1.0,
		LiftoffMinAGL:            0.20,
		LiftoffDwell:             50 * time.Millisecond,
		BurnoutAzDoneMps2:        0.3,
		BurnoutDwell:             120 * time.Millisecond,
		BurnoutHold:              400 * time.Millisecond,
		MinDeployAGLM:            0.20,
		TargetApogeeAGLM:         0.25,
		ApogeeMarginM:            0.05,
		RetractBeforeApogee:      500 * time.Millisecond,
		ExpectedTimeToApogee:     3 * time.Second,
		TimeToApogeeTimeoutScale: 1.1,
		SensorInvalid:            80 * time.Millisecond,
		SensorRecovery:           200 * time.Millisecond,
		MachDwell:                50 * time.Millisecond,
		DeployCmdDeg:             10.0,
	}
}

// quietInputs is an on-the-pad tick: all sensors valid, no motion.
func quietInputs() Inputs {
	return Inputs{
		TiltDeg:       0,
		AGLFusedM:     0,
		VzFusedMps:    0,
		VzMps:         0,
		AzMps2:        0,
		TimeToApogeeS: 0,
		ApogeeAGLM:    0,
		AGLReady:      true,
		BaroAltM:      100,
		IMUAltM:       100,
		IMUValid:      true,
		BaroValid:     true,
		IMU2Valid:     true,
	}
}

// harness steps a core through time with a fixed dt.
type harness struct {
	c   *Core
	now time.Duration
	out Outputs
}

func (h *harness) run(t *testing.T, d time.Duration, in Inputs) {
	t.Helper()
	for elapsed := time.Duration(0); elapsed < d; elapsed += dt {
		h.now += dt
		in.Dt = dt
		in.Now = h.now
		h.out = h.c.Step(in)
	}
}

// settle runs long enough on quiet inputs for sensor recovery, baro
// agreement, and the Mach dwell to all pass.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	h.run(t, 1*time.Second, quietInputs())
}

func TestStep_PreflightGatesSettle(t *testing.T) {
	h := &harness{c: New(deskConfig())}
	h.settle(t)

	if h.out.State != StatePreflight {
		t.Fatalf("state after settle: got %v want PREFLIGHT", h.out.State)
	}
	want := FlagIMUOK | FlagBaroOK | FlagIMU2OK | FlagBaroAgree | FlagMachOK | FlagTiltOK
	if h.out.Flags != want {
		t.Fatalf("flags after settle: got %b want %b", h.out.Flags, want)
	}
	if h.out.AirbrakeCmdDeg != 0 {
		t.Fatalf("preflight command: got %v want 0", h.out.AirbrakeCmdDeg)
	}
}

func TestStep_LiftoffLatchesOnce(t *testing.T) {
	h := &harness{c: New(deskConfig())}
	h.settle(t)

	// Inject liftoff-grade motion for 200 ms: the 50 ms dwell is satisfied
	// on the 5th tick, and liftoff latches exactly once.
	in := quietInputs()
	in.VzFusedMps = 10
	in.AzMps2 = 20
	in.AGLFusedM = 1

	transitions := 0
	var liftoffAt time.Duration
	prev := h.out.State
	for elapsed := time.Duration(0); elapsed < 200*time.Millisecond; elapsed += dt {
		h.now += dt
		in.Dt = dt
		in.Now = h.now
		h.out = h.c.Step(in)
		if prev == StatePreflight && h.out.State == StateBoost {
			transitions++
			liftoffAt = h.now
		}
		prev = h.out.State
	}

	if transitions != 1 {
		t.Fatalf("preflight->boost transitions: got %d want 1", transitions)
	}
	if h.out.Flags&FlagLiftoffDet == 0 {
		t.Fatalf("liftoff flag not set")
	}
	// Dwell is 50 ms at 10 ms ticks: latch on the 5th motion tick.
	wantAt := 1*time.Second + 5*dt
	if liftoffAt != wantAt {
		t.Fatalf("liftoff latched at %s want %s", liftoffAt, wantAt)
	}
	if got := h.out.TimeSinceLiftoffS; math.Abs(got-(h.now-wantAt).Seconds()) > 1e-9 {
		t.Fatalf("time since liftoff: got %v want %v", got, (h.now - wantAt).Seconds())
	}
}

func TestStep_FullFlightSequence(t *testing.T) {
	h := &harness{c: New(deskConfig())}
	h.settle(t)

	// Boost.
	boost := quietInputs()
	boost.VzFusedMps = 10
	boost.AzMps2 = 20
	boost.AGLFusedM = 1
	h.run(t, 200*time.Millisecond, boost)
	if h.out.State != StateBoost {
		t.Fatalf("after boost inputs: got %v want BOOST", h.out.State)
	}

	// Burnout: accel drops to near zero, still climbing. The predicted
	// apogee falls short of target+margin for now, so the window holds.
	coast := quietInputs()
	coast.VzFusedMps = 8 // keeps Mach far below the gate
	coast.AzMps2 = -9.8
	coast.AGLFusedM = 0.5
	coast.ApogeeAGLM = 0.2
	coast.TimeToApogeeS = 2.0
	h.run(t, 200*time.Millisecond, coast)
	if h.out.State != StatePostBurnHold {
		t.Fatalf("after burnout inputs: got %v want POST_BURN_HOLD", h.out.State)
	}
	if h.out.Flags&FlagBurnoutDet == 0 {
		t.Fatalf("burnout flag not set")
	}

	// Hold expires into the deployment window, which blocks while the
	// prediction stays below target+margin.
	h.run(t, 450*time.Millisecond, coast)
	if h.out.State != StateWindow {
		t.Fatalf("after hold: got %v want WINDOW", h.out.State)
	}

	// All gates OK and the predicted apogee clears target+margin: deploy,
	// exactly once.
	overshoot := coast
	overshoot.ApogeeAGLM = 0.5
	deployed := 0
	prev := h.out.State
	for elapsed := time.Duration(0); elapsed < 300*time.Millisecond; elapsed += dt {
		h.now += dt
		in := overshoot
		in.Dt = dt
		in.Now = h.now
		h.out = h.c.Step(in)
		if prev != StateDeployed && h.out.State == StateDeployed {
			deployed++
		}
		prev = h.out.State
	}
	if deployed != 1 {
		t.Fatalf("window->deployed transitions: got %d want 1", deployed)
	}
	if h.out.State != StateDeployed {
		t.Fatalf("state: got %v want DEPLOYED", h.out.State)
	}
	if h.out.AirbrakeCmdDeg != 10.0 {
		t.Fatalf("deployed command: got %v want 10", h.out.AirbrakeCmdDeg)
	}

	// Approaching apogee: retract lead reached, then locked on the next
	// tick, command back to 0 immediately.
	near := overshoot
	near.TimeToApogeeS = 0.3
	h.run(t, dt, near)
	if h.out.State != StateRetracting {
		t.Fatalf("near apogee: got %v want RETRACTING", h.out.State)
	}
	if h.out.AirbrakeCmdDeg != 0 {
		t.Fatalf("retracting command: got %v want 0", h.out.AirbrakeCmdDeg)
	}
	h.run(t, dt, near)
	if h.out.State != StateLocked {
		t.Fatalf("after retract: got %v want LOCKED", h.out.State)
	}

	// Locked is terminal.
	h.run(t, 500*time.Millisecond, boost)
	if h.out.State != StateLocked {
		t.Fatalf("locked not terminal: got %v", h.out.State)
	}
}

func TestStep_DeployedTimeoutRetracts(t *testing.T) {
	h := &harness{c: New(deskConfig())}
	h.settle(t)

	boost := quietInputs()
	boost.AzMps2 = 20
	h.run(t, 200*time.Millisecond, boost)

	coast := quietInputs()
	coast.VzFusedMps = 8
	coast.AzMps2 = -9.8
	coast.AGLFusedM = 0.5
	coast.ApogeeAGLM = 0.5
	coast.TimeToApogeeS = 10 // never reaches the retract lead
	h.run(t, 700*time.Millisecond, coast)
	if h.out.State != StateDeployed {
		t.Fatalf("setup: got %v want DEPLOYED", h.out.State)
	}

	// Expected time to apogee is 3 s, timeout scale 1.1: past 3.3 s since
	// liftoff the controller retracts regardless of the prediction.
	h.run(t, 3500*time.Millisecond, coast)
	if h.out.State != StateLocked {
		t.Fatalf("after timeout: got %v want LOCKED", h.out.State)
	}
}

func TestStep_TiltLatchMonotonic(t *testing.T) {
	h := &harness{c: New(deskConfig())}
	h.settle(t)

	// Sustained 80 deg tilt (abort angle 75) for dwell plus margin.
	tilted := quietInputs()
	tilted.TiltDeg = 80
	h.run(t, 300*time.Millisecond, tilted)

	if h.out.Flags&FlagTiltLatch == 0 {
		t.Fatalf("tilt latch not set")
	}
	if h.out.State != StateAbortLockout {
		t.Fatalf("state: got %v want ABORT_LOCKOUT", h.out.State)
	}
	if h.out.AirbrakeCmdDeg != 0 {
		t.Fatalf("abort command: got %v want 0", h.out.AirbrakeCmdDeg)
	}

	// Tilt returning to nominal must not clear the latch.
	h.run(t, 1*time.Second, quietInputs())
	if h.out.Flags&FlagTiltLatch == 0 {
		t.Fatalf("tilt latch cleared by good tilt")
	}
	if h.out.State != StateAbortLockout {
		t.Fatalf("state after recovery: got %v want ABORT_LOCKOUT", h.out.State)
	}
	if h.out.Flags&FlagTiltOK != 0 {
		t.Fatalf("tilt OK set while latched")
	}
}

func TestStep_TiltAbortPreemptsDeployed(t *testing.T) {
	h := &harness{c: New(deskConfig())}
	h.settle(t)

	boost := quietInputs()
	boost.AzMps2 = 20
	h.run(t, 200*time.Millisecond, boost)

	coast := quietInputs()
	coast.VzFusedMps = 8
	coast.AzMps2 = -9.8
	coast.AGLFusedM = 0.5
	coast.ApogeeAGLM = 0.5
	coast.TimeToApogeeS = 10
	h.run(t, 700*time.Millisecond, coast)
	if h.out.State != StateDeployed {
		t.Fatalf("setup: got %v want DEPLOYED", h.out.State)
	}

	tilted := coast
	tilted.TiltDeg = 85
	h.run(t, 300*time.Millisecond, tilted)
	if h.out.State != StateAbortLockout {
		t.Fatalf("tilt during deploy: got %v want ABORT_LOCKOUT", h.out.State)
	}
	if h.out.AirbrakeCmdDeg != 0 {
		t.Fatalf("abort command: got %v want 0", h.out.AirbrakeCmdDeg)
	}
}

func TestStep_MachGateHysteresis(t *testing.T) {
	cfg := deskConfig()
	h := &harness{c: New(cfg)}
	h.settle(t)
	if h.out.Flags&FlagMachOK == 0 {
		t.Fatalf("mach gate not OK after settle")
	}

	// Map a Mach value back to a fused vertical speed through the fixed
	// conservative conversion.
	cth := math.Cos(75.0 * math.Pi / 180.0)
	vzForMach := func(m float64) float64 { return m * cth * 300.0 }

	// Oscillate between max-eps and max+hyst-eps every tick: inside the
	// hysteresis band nothing changes, so the flag must not toggle at all.
	toggles := 0
	prevOK := true
	for i := 0; i < 100; i++ {
		in := quietInputs()
		if i%2 == 0 {
			in.VzFusedMps = vzForMach(0.499)
		} else {
			in.VzFusedMps = vzForMach(0.515)
		}
		h.now += dt
		in.Dt = dt
		in.Now = h.now
		h.out = h.c.Step(in)
		ok := h.out.Flags&FlagMachOK != 0
		if ok != prevOK {
			toggles++
		}
		prevOK = ok
	}
	if toggles != 0 {
		t.Fatalf("mach flag toggled %d times inside hysteresis band", toggles)
	}

	// Above the off threshold the gate is lost immediately.
	in := quietInputs()
	in.VzFusedMps = vzForMach(0.60)
	h.run(t, dt, in)
	if h.out.Flags&FlagMachOK != 0 {
		t.Fatalf("mach gate still OK above off threshold")
	}

	// Regaining it requires the dwell below the on threshold.
	in.VzFusedMps = vzForMach(0.40)
	h.run(t, 2*dt, in)
	if h.out.Flags&FlagMachOK != 0 {
		t.Fatalf("mach gate OK before dwell elapsed")
	}
	h.run(t, 100*time.Millisecond, in)
	if h.out.Flags&FlagMachOK == 0 {
		t.Fatalf("mach gate not OK after dwell")
	}
}

func TestStep_GatesFailClosedOnNaN(t *testing.T) {
	nan := math.NaN()

	t.Run("tilt", func(t *testing.T) {
		h := &harness{c: New(deskConfig())}
		h.settle(t)
		in := quietInputs()
		in.TiltDeg = nan
		h.run(t, dt, in)
		if h.out.Flags&FlagTiltOK != 0 {
			t.Fatalf("tilt gate OK with NaN tilt")
		}
	})

	t.Run("mach", func(t *testing.T) {
		h := &harness{c: New(deskConfig())}
		h.settle(t)
		in := quietInputs()
		in.VzFusedMps = nan
		in.VzMps = nan
		h.run(t, dt, in)
		if h.out.Flags&FlagMachOK != 0 {
			t.Fatalf("mach gate OK with NaN vertical speed")
		}
	})

	t.Run("baro agreement", func(t *testing.T) {
		h := &harness{c: New(deskConfig())}
		h.settle(t)
		in := quietInputs()
		in.IMUAltM = nan
		h.run(t, dt, in)
		if h.out.Flags&FlagBaroAgree != 0 {
			t.Fatalf("baro agreement OK with NaN altitude")
		}
	})

	t.Run("window deploy blocked", func(t *testing.T) {
		h := &harness{c: New(deskConfig())}
		h.settle(t)
		boost := quietInputs()
		boost.AzMps2 = 20
		h.run(t, 200*time.Millisecond, boost)
		coast := quietInputs()
		coast.AzMps2 = -9.8
		h.run(t, 700*time.Millisecond, coast)
		if h.out.State != StateWindow {
			t.Fatalf("setup: got %v want WINDOW", h.out.State)
		}
		// Apogee prediction missing: the deploy condition must not pass.
		in := coast
		in.AGLFusedM = 0.5
		in.ApogeeAGLM = nan
		h.run(t, 500*time.Millisecond, in)
		if h.out.State != StateWindow {
			t.Fatalf("deployed with NaN apogee prediction: %v", h.out.State)
		}
	})
}

func TestStep_SensorDebounce(t *testing.T) {
	h := &harness{c: New(deskConfig())}
	h.settle(t)
	if h.out.Flags&FlagBaroOK == 0 {
		t.Fatalf("baro not OK after settle")
	}

	// A single dropped sample (10 ms < 80 ms invalid dwell) must not flap
	// the flag.
	in := quietInputs()
	in.BaroValid = false
	h.run(t, dt, in)
	if h.out.Flags&FlagBaroOK == 0 {
		t.Fatalf("baro flag dropped on a single bad sample")
	}
	h.run(t, dt, quietInputs())
	if h.out.Flags&FlagBaroOK == 0 {
		t.Fatalf("baro flag lost after recovery sample")
	}

	// Sustained invalidity crosses the dwell and drops the flag.
	h.run(t, 100*time.Millisecond, in)
	if h.out.Flags&FlagBaroOK != 0 {
		t.Fatalf("baro flag survived sustained invalidity")
	}

	// A single good sample is not enough to recover.
	h.run(t, dt, quietInputs())
	if h.out.Flags&FlagBaroOK != 0 {
		t.Fatalf("baro flag recovered from one good sample")
	}
	// Sustained good data past the recovery dwell is.
	h.run(t, 250*time.Millisecond, quietInputs())
	if h.out.Flags&FlagBaroOK == 0 {
		t.Fatalf("baro flag did not recover after recovery dwell")
	}
}

func TestStep_BaroAgreement(t *testing.T) {
	h := &harness{c: New(deskConfig())}

	// Agreement is earned over the dwell.
	h.run(t, 490*time.Millisecond, quietInputs())
	if h.out.Flags&FlagBaroAgree != 0 {
		t.Fatalf("baro agreement set before dwell")
	}
	h.run(t, 50*time.Millisecond, quietInputs())
	if h.out.Flags&FlagBaroAgree == 0 {
		t.Fatalf("baro agreement not set after dwell")
	}

	// Loss is immediate once the difference exceeds the threshold.
	in := quietInputs()
	in.IMUAltM = in.BaroAltM + 16.0
	h.run(t, dt, in)
	if h.out.Flags&FlagBaroAgree != 0 {
		t.Fatalf("baro agreement survived a 16 m split")
	}
}

func TestReset_MatchesFreshCore(t *testing.T) {
	cfg := deskConfig()

	used := New(cfg)
	h := &harness{c: used}
	h.settle(t)
	tilted := quietInputs()
	tilted.TiltDeg = 80
	h.run(t, 300*time.Millisecond, tilted)
	if used.State() != StateAbortLockout {
		t.Fatalf("setup: got %v want ABORT_LOCKOUT", used.State())
	}

	used.Reset()
	if used.State() != StatePreflight {
		t.Fatalf("state after reset: got %v want PREFLIGHT", used.State())
	}
	if !reflect.DeepEqual(used, New(cfg)) {
		t.Fatalf("reset core differs from a fresh one:\n got %+v\nwant %+v", used, New(cfg))
	}

	// Liftoff detection is re-armed: the latch cleared with the rest.
	h.now = 0
	h.settle(t)
	boost := quietInputs()
	boost.AzMps2 = 20
	h.run(t, 200*time.Millisecond, boost)
	if used.State() != StateBoost {
		t.Fatalf("liftoff after reset: got %v want BOOST", used.State())
	}
}
