package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"airbrake-fc/internal/actuator"
	"airbrake-fc/internal/config"
	"airbrake-fc/internal/fc"
	"airbrake-fc/internal/flight"
	"airbrake-fc/internal/fusion"
	"airbrake-fc/internal/hw"
	"airbrake-fc/internal/replay"
	"airbrake-fc/internal/sensors"
	"airbrake-fc/internal/sim"
	"airbrake-fc/internal/statusled"
	"airbrake-fc/internal/telemetry"
	"airbrake-fc/internal/web"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./dev.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var src flight.Source
	if cfg.Source.Mode == "live" {
		board := hw.New(hw.Config{
			I2CBus:      cfg.Source.Live.Bus,
			BaroAddr:    uint16(cfg.Source.Live.BaroAddr),
			IMUAddr:     uint16(cfg.Source.Live.IMUAddr),
			SeaLevelHPa: cfg.SeaLevelHPa,
		})
		if err := board.Start(ctx); err != nil {
			log.Fatalf("sensor board init failed: %v", err)
		}
		defer board.Close()
		src = board
		log.Printf("live sensors on i2c bus %d", cfg.Source.Live.Bus)
	} else {
		src, err = buildSource(cfg)
		if err != nil {
			log.Fatalf("sensor source init failed: %v", err)
		}
	}

	svc := flight.New(flight.Config{Tick: cfg.Tick}, cfg.FusionConfig(), cfg.FCConfig(), src)

	if cfg.Actuator.Enable {
		drv, err := actuator.OpenPWM(cfg.Actuator.Chip, cfg.Actuator.Channel)
		if err != nil {
			log.Fatalf("actuator pwm init failed: %v", err)
		}
		servo, err := actuator.NewServo(actuator.Config{
			MinPulseUs:  cfg.Actuator.MinPulseUs,
			MaxPulseUs:  cfg.Actuator.MaxPulseUs,
			MaxAngleDeg: cfg.Actuator.MaxAngleDeg,
		}, drv)
		if err != nil {
			log.Fatalf("actuator init failed: %v", err)
		}
		defer servo.Close()
		svc.SetActuator(servo)
		log.Printf("actuator pwmchip%d/pwm%d pulse=%d..%dus", cfg.Actuator.Chip, cfg.Actuator.Channel, cfg.Actuator.MinPulseUs, cfg.Actuator.MaxPulseUs)
	}

	if cfg.LED.Enable {
		line, err := statusled.OpenLine(cfg.LED.Chip, cfg.LED.Line)
		if err != nil {
			// The controller still flies without its status LED.
			log.Printf("status led init failed: %v", err)
		} else {
			led := statusled.New(line)
			defer led.Close()
			svc.SetStateSink(led)
		}
	}

	if cfg.Source.Record.Enable {
		w, err := replay.CreateWriter(cfg.Source.Record.Path)
		if err != nil {
			log.Fatalf("record init failed: %v", err)
		}
		defer w.Close()
		svc.OnTick(func(_ time.Duration, fr sensors.Frame, _ fusion.Snapshot, _ fc.Outputs) {
			if err := w.WriteFrame(time.Now().UTC(), fr); err != nil {
				log.Printf("record write: %v", err)
			}
		})
		log.Printf("recording frames to %s", cfg.Source.Record.Path)
	}

	batcher, err := buildTelemetry(cfg)
	if err != nil {
		log.Fatalf("telemetry init failed: %v", err)
	}
	if batcher != nil {
		defer batcher.Close()
		svc.OnTick(func(elapsed time.Duration, fr sensors.Frame, est fusion.Snapshot, out fc.Outputs) {
			batcher.Add(buildPacket(elapsed, fr, est, out))
		})
	}

	bc := web.NewBroadcaster()
	svc.OnTick(func(time.Duration, sensors.Frame, fusion.Snapshot, fc.Outputs) {
		bc.Publish(svc.Snapshot())
	})
	go func() {
		if err := web.Serve(ctx, cfg.Web.Listen, svc, bc); err != nil && ctx.Err() == nil {
			log.Printf("web server stopped: %v", err)
			cancel()
		}
	}()

	log.Printf("airbrake-fc starting profile=%s tick=%s source=%s web=%s", cfg.Profile, cfg.Tick, cfg.Source.Mode, cfg.Web.Listen)

	if err := svc.Start(ctx); err != nil {
		log.Fatalf("control loop start failed: %v", err)
	}

	<-ctx.Done()
	svc.Close()
	log.Printf("airbrake-fc stopping")
}

func buildSource(cfg config.Config) (flight.Source, error) {
	switch cfg.Source.Mode {
	case "replay":
		recs, err := replay.ReadFile(cfg.Source.Replay.Path)
		if err != nil {
			return nil, err
		}
		log.Printf("replaying %d frames from %s speed=%g loop=%v", len(recs), cfg.Source.Replay.Path, cfg.Source.Replay.Speed, cfg.Source.Replay.Loop)
		return replay.NewSource(recs, cfg.Source.Replay.Speed, cfg.Source.Replay.Loop)
	default: // "sim", validated by config.Load
		script, err := sim.LoadScript(cfg.Source.Script)
		if err != nil {
			return nil, err
		}
		if script.SeaLevelHPa == 0 {
			script.SeaLevelHPa = cfg.SeaLevelHPa
		}
		fl, err := sim.NewFlight(script)
		if err != nil {
			return nil, err
		}
		log.Printf("simulating %s duration=%s", cfg.Source.Script, fl.Duration())
		return flight.SourceFunc(func(elapsed time.Duration) (sensors.Frame, bool) {
			return fl.FrameAt(elapsed, false), true
		}), nil
	}
}

func buildTelemetry(cfg config.Config) (*telemetry.Batcher, error) {
	var sinks []telemetry.Sink
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	if cfg.Telemetry.UDPDest != "" {
		s, err := telemetry.NewUDPSink(cfg.Telemetry.UDPDest)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, s)
		log.Printf("telemetry udp dest=%s", cfg.Telemetry.UDPDest)
	}
	if cfg.Telemetry.Serial.Enable {
		s, err := telemetry.NewSerialSink(cfg.Telemetry.Serial.Device, cfg.Telemetry.Serial.Baud)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, s)
		log.Printf("telemetry serial device=%s baud=%d", cfg.Telemetry.Serial.Device, cfg.Telemetry.Serial.Baud)
	}
	if cfg.Telemetry.Log.Enable {
		s, err := telemetry.NewFileSink(cfg.Telemetry.Log.Path)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, s)
		log.Printf("telemetry log path=%s", cfg.Telemetry.Log.Path)
	}

	if len(sinks) == 0 {
		return nil, nil
	}
	return telemetry.NewBatcher(sinks, telemetry.DefaultMaxRecords, telemetry.DefaultFlushEvery), nil
}

func buildPacket(elapsed time.Duration, fr sensors.Frame, est fusion.Snapshot, out fc.Outputs) telemetry.Packet {
	p := telemetry.Packet{
		Type:        telemetry.TypeData,
		TimestampMs: uint32(elapsed.Milliseconds()),
		Present:     telemetry.PresentSystem | telemetry.PresentControl,
		System: telemetry.SystemSection{
			State: uint8(out.State),
			Flags: uint32(out.Flags),
		},
		Control: telemetry.ControlSection{
			CmdDeg:  float32(out.AirbrakeCmdDeg),
			AGLM:    float32(est.AGLFusedM),
			VzMps:   float32(est.VzFusedMps),
			Mach:    float32(out.MachCons),
			TiltDeg: float32(est.TiltDeg),
			TtaS:    float32(est.TimeToApogeeS),
			ApogeeM: float32(est.ApogeeAGLM),
		},
	}
	if fr.Baro.Valid {
		p.Present |= telemetry.PresentBaro
		p.Baro = telemetry.BaroSection{
			TempC:   float32(fr.Baro.TemperatureC),
			PressPa: float32(fr.Baro.PressurePa),
			AltM:    float32(fr.Baro.AltitudeM),
		}
	}
	if fr.IMU.Valid {
		p.Present |= telemetry.PresentIMU
		p.IMU.BaroAltM = float32(fr.IMU.BaroAltM)
		for i, v := range fr.IMU.Quat {
			p.IMU.Quat[i] = float32(v)
		}
		for i, v := range fr.IMU.AccelG {
			p.IMU.AccelG[i] = float32(v)
		}
	}
	if fr.IMU2.Valid {
		p.Present |= telemetry.PresentIMU2
		p.IMU2.TempC = float32(fr.IMU2.TemperatureC)
		for i, v := range fr.IMU2.AccelG {
			p.IMU2.AccelG[i] = float32(v)
		}
		for i, v := range fr.IMU2.GyroDps {
			p.IMU2.GyroDps[i] = float32(v)
		}
	}
	return p
}
