// Package flight runs the control loop: each tick it pulls a sensor frame
// from the configured source, steps the estimator and the flight controller,
// commands the actuator and status LED, and publishes a snapshot for the
// telemetry and web layers.
package flight

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"airbrake-fc/internal/fc"
	"airbrake-fc/internal/fusion"
	"airbrake-fc/internal/sensors"
)

// Source produces the sensor frame for a given elapsed mission time. ok is
// false once the source is exhausted (a finished replay).
type Source interface {
	FrameAt(elapsed time.Duration) (sensors.Frame, bool)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(elapsed time.Duration) (sensors.Frame, bool)

func (f SourceFunc) FrameAt(elapsed time.Duration) (sensors.Frame, bool) {
	return f(elapsed)
}

// Actuator is the airbrake command surface the loop drives.
type Actuator interface {
	SetAngle(deg float64) error
}

// StateSink is notified of the controller state each tick (the status LED).
type StateSink interface {
	SetState(st fc.State)
}

// TickFunc observes one completed tick. Callbacks run on the loop goroutine
// and must not block.
type TickFunc func(elapsed time.Duration, fr sensors.Frame, est fusion.Snapshot, out fc.Outputs)

// JSONFloat marshals NaN as null instead of failing, so undefined estimates
// survive the trip to the web UI.
type JSONFloat float64

func (f JSONFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return []byte(fmt.Sprintf("%g", v)), nil
}

// Snapshot is the published view of the last completed tick.
type Snapshot struct {
	LastUpdateAt time.Time `json:"last_update_utc"`
	ElapsedS     float64   `json:"elapsed_s"`

	State          string    `json:"state"`
	Flags          uint32    `json:"flags"`
	AirbrakeCmdDeg float64   `json:"airbrake_cmd_deg"`
	AGLFusedM      JSONFloat `json:"agl_fused_m"`
	VzFusedMps     JSONFloat `json:"vz_fused_mps"`
	MachCons       JSONFloat `json:"mach_cons"`
	TiltDeg        JSONFloat `json:"tilt_deg"`
	TimeToApogeeS  JSONFloat `json:"time_to_apogee_s"`
	ApogeeAGLM     JSONFloat `json:"apogee_agl_m"`
	AGLReady       bool      `json:"agl_ready"`

	SourceDone bool   `json:"source_done"`
	LastError  string `json:"last_error,omitempty"`
}

type Config struct {
	// Tick is the control period.
	Tick time.Duration
}

// Service owns the estimator and controller and serializes every access to
// them on the loop goroutine.
type Service struct {
	cfg    Config
	source Source

	eng  *fusion.Engine
	core *fc.Core

	servo Actuator  // optional
	led   StateSink // optional
	ticks []TickFunc

	mu   sync.RWMutex
	snap Snapshot

	resetReq atomic.Bool

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	started  bool
}

// New assembles a service. The fusion and controller configs come from the
// active profile.
func New(cfg Config, fuCfg fusion.Config, fcCfg fc.Config, source Source) *Service {
	if cfg.Tick <= 0 {
		cfg.Tick = 50 * time.Millisecond
	}
	return &Service{
		cfg:    cfg,
		source: source,
		eng:    fusion.New(fuCfg),
		core:   fc.New(fcCfg),
		stopCh: make(chan struct{}),
	}
}

// SetActuator attaches the airbrake servo. Must be called before Start.
func (s *Service) SetActuator(a Actuator) { s.servo = a }

// SetStateSink attaches the status LED. Must be called before Start.
func (s *Service) SetStateSink(l StateSink) { s.led = l }

// OnTick registers a per-tick observer. Must be called before Start.
func (s *Service) OnTick(fn TickFunc) { s.ticks = append(s.ticks, fn) }

// Snapshot returns the last published tick.
func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// RequestReset re-arms the estimator and controller. The reset is applied on
// the loop goroutine between ticks, never concurrently with a step.
func (s *Service) RequestReset() {
	s.resetReq.Store(true)
}

// Start launches the control loop.
func (s *Service) Start(ctx context.Context) error {
	if s.source == nil {
		return fmt.Errorf("flight: source is required")
	}
	if s.started {
		return fmt.Errorf("flight: already started")
	}
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return nil
}

// Close stops the loop and waits for it.
func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Service) run(ctx context.Context) {
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()

	var elapsed time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-t.C:
			elapsed += s.cfg.Tick
			s.step(elapsed)
		}
	}
}

// step runs one control tick. It is exported to the test harness through
// StepOnce; the estimator and controller are only ever touched here.
func (s *Service) step(elapsed time.Duration) {
	if s.resetReq.Swap(false) {
		s.eng.Reset()
		s.core.Reset()
	}

	fr, ok := s.source.FrameAt(elapsed)
	if !ok {
		s.mu.Lock()
		s.snap.SourceDone = true
		s.snap.LastUpdateAt = time.Now().UTC()
		s.mu.Unlock()
		return
	}

	est := s.eng.Step(elapsed, fr.Baro, fr.IMU)

	dt := s.cfg.Tick
	if dt < time.Millisecond {
		dt = time.Millisecond
	}
	if dt > time.Second {
		dt = time.Second
	}
	out := s.core.Step(fc.Inputs{
		Dt:            dt,
		Now:           elapsed,
		TiltDeg:       est.TiltDeg,
		AGLFusedM:     est.AGLFusedM,
		VzFusedMps:    est.VzFusedMps,
		VzMps:         est.VzMps,
		AzMps2:        est.AzMps2,
		TimeToApogeeS: est.TimeToApogeeS,
		ApogeeAGLM:    est.ApogeeAGLM,
		AGLReady:      est.AGLReady,
		BaroAltM:      est.BaroAltM,
		IMUAltM:       est.IMUAltM,
		IMUValid:      fr.IMU.Valid,
		BaroValid:     fr.Baro.Valid,
		IMU2Valid:     fr.IMU2.Valid,
	})

	var errMsg string
	if s.servo != nil {
		if err := s.servo.SetAngle(out.AirbrakeCmdDeg); err != nil {
			errMsg = fmt.Sprintf("actuator: %v", err)
		}
	}
	if s.led != nil {
		s.led.SetState(out.State)
	}

	s.mu.Lock()
	s.snap = Snapshot{
		LastUpdateAt:   time.Now().UTC(),
		ElapsedS:       elapsed.Seconds(),
		State:          out.State.String(),
		Flags:          uint32(out.Flags),
		AirbrakeCmdDeg: out.AirbrakeCmdDeg,
		AGLFusedM:      JSONFloat(est.AGLFusedM),
		VzFusedMps:     JSONFloat(est.VzFusedMps),
		MachCons:       JSONFloat(out.MachCons),
		TiltDeg:        JSONFloat(est.TiltDeg),
		TimeToApogeeS:  JSONFloat(est.TimeToApogeeS),
		ApogeeAGLM:     JSONFloat(est.ApogeeAGLM),
		AGLReady:       est.AGLReady,
		LastError:      errMsg,
	}
	s.mu.Unlock()

	for _, fn := range s.ticks {
		fn(elapsed, fr, est, out)
	}
}

// StepOnce drives a single tick synchronously. Only for tests and tooling;
// must not be mixed with Start.
func (s *Service) StepOnce(elapsed time.Duration) {
	s.step(elapsed)
}
