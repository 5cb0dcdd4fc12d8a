// Package config loads and validates the controller's YAML configuration and
// maps the selected profile onto the estimator and flight-controller tuning.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"airbrake-fc/internal/fc"
	"airbrake-fc/internal/fusion"
)

type Config struct {
	// Profile selects the threshold set: "flight" (default) or "desk" for
	// bench-scale testing with hand motion.
	Profile     string          `yaml:"profile"`
	Tick        time.Duration   `yaml:"tick"`
	SeaLevelHPa float64         `yaml:"sea_level_hpa"`
	Source      SourceConfig    `yaml:"source"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Web         WebConfig       `yaml:"web"`
	LED         LEDConfig       `yaml:"led"`
	Actuator    ActuatorConfig  `yaml:"actuator"`
}

// SourceConfig selects where sensor samples come from.
type SourceConfig struct {
	// Mode is "sim" (scripted flight), "replay" (recorded sample log) or
	// "live" (real sensors over I2C).
	Mode   string       `yaml:"mode"`
	Script string       `yaml:"script"`
	Record RecordConfig `yaml:"record"`
	Replay ReplayConfig `yaml:"replay"`
	Live   LiveConfig   `yaml:"live"`
}

// LiveConfig points at the sensor board. Zero addresses take the drivers'
// chip defaults.
type LiveConfig struct {
	Bus      int `yaml:"bus"`
	BaroAddr int `yaml:"baro_addr"`
	IMUAddr  int `yaml:"imu_addr"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type ReplayConfig struct {
	Path  string  `yaml:"path"`
	Speed float64 `yaml:"speed"`
	Loop  bool    `yaml:"loop"`
}

type TelemetryConfig struct {
	UDPDest string             `yaml:"udp_dest"`
	Serial  SerialConfig       `yaml:"serial"`
	Log     TelemetryLogConfig `yaml:"log"`
}

type SerialConfig struct {
	Enable bool   `yaml:"enable"`
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

type TelemetryLogConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

type LEDConfig struct {
	Enable bool   `yaml:"enable"`
	Chip   string `yaml:"chip"`
	Line   int    `yaml:"line"`
}

type ActuatorConfig struct {
	Enable      bool    `yaml:"enable"`
	Chip        int     `yaml:"chip"`
	Channel     int     `yaml:"channel"`
	MinPulseUs  int     `yaml:"min_pulse_us"`
	MaxPulseUs  int     `yaml:"max_pulse_us"`
	MaxAngleDeg float64 `yaml:"max_angle_deg"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if strings.Contains(err.Error(), "not found in type") {
			return Config{}, fmt.Errorf("config contains unknown fields: %s",
				strings.TrimPrefix(strings.TrimSpace(err.Error()), "yaml: unmarshal errors:\n  "))
		}
		return Config{}, err
	}

	if cfg.Profile == "" {
		cfg.Profile = "flight"
	}
	if cfg.Profile != "flight" && cfg.Profile != "desk" {
		return Config{}, fmt.Errorf("profile must be 'flight' or 'desk'")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 50 * time.Millisecond
	}
	if cfg.SeaLevelHPa == 0 {
		cfg.SeaLevelHPa = 1012.0
	}
	if cfg.SeaLevelHPa < 0 {
		return Config{}, fmt.Errorf("sea_level_hpa must be > 0")
	}

	if cfg.Source.Mode == "" {
		cfg.Source.Mode = "sim"
	}
	switch cfg.Source.Mode {
	case "sim":
		if cfg.Source.Script == "" {
			return Config{}, fmt.Errorf("source.script is required when source.mode is 'sim'")
		}
	case "replay":
		if cfg.Source.Replay.Path == "" {
			return Config{}, fmt.Errorf("source.replay.path is required when source.mode is 'replay'")
		}
		if cfg.Source.Replay.Speed == 0 {
			cfg.Source.Replay.Speed = 1
		}
		if cfg.Source.Replay.Speed < 0 {
			return Config{}, fmt.Errorf("source.replay.speed must be > 0")
		}
	case "live":
		if cfg.Source.Live.Bus < 0 {
			return Config{}, fmt.Errorf("source.live.bus must be >= 0")
		}
		if cfg.Source.Live.BaroAddr < 0 || cfg.Source.Live.BaroAddr > 0x7F {
			return Config{}, fmt.Errorf("source.live.baro_addr must be a 7-bit i2c address")
		}
		if cfg.Source.Live.IMUAddr < 0 || cfg.Source.Live.IMUAddr > 0x7F {
			return Config{}, fmt.Errorf("source.live.imu_addr must be a 7-bit i2c address")
		}
	default:
		return Config{}, fmt.Errorf("source.mode must be 'sim', 'replay' or 'live'")
	}

	if cfg.Source.Record.Enable {
		if cfg.Source.Record.Path == "" {
			return Config{}, fmt.Errorf("source.record.path is required when source.record.enable is true")
		}
		if cfg.Source.Mode == "replay" {
			return Config{}, fmt.Errorf("source.record cannot be used with source.mode=replay")
		}
	}

	if cfg.Telemetry.Serial.Enable {
		if cfg.Telemetry.Serial.Device == "" {
			return Config{}, fmt.Errorf("telemetry.serial.device is required when telemetry.serial.enable is true")
		}
		if cfg.Telemetry.Serial.Baud == 0 {
			cfg.Telemetry.Serial.Baud = 115200
		}
	}
	if cfg.Telemetry.Log.Enable && cfg.Telemetry.Log.Path == "" {
		return Config{}, fmt.Errorf("telemetry.log.path is required when telemetry.log.enable is true")
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}

	if cfg.LED.Enable && cfg.LED.Chip == "" {
		cfg.LED.Chip = "gpiochip0"
	}

	if cfg.Actuator.Enable {
		if cfg.Actuator.MinPulseUs == 0 {
			cfg.Actuator.MinPulseUs = 1000
		}
		if cfg.Actuator.MaxPulseUs == 0 {
			cfg.Actuator.MaxPulseUs = 2000
		}
		if cfg.Actuator.MinPulseUs >= cfg.Actuator.MaxPulseUs {
			return Config{}, fmt.Errorf("actuator.min_pulse_us must be < actuator.max_pulse_us")
		}
		if cfg.Actuator.MaxAngleDeg == 0 {
			cfg.Actuator.MaxAngleDeg = 90
		}
	}

	return cfg, nil
}

// FusionConfig returns the estimator tuning for the selected profile. Zero
// fields take the estimator's flight defaults.
func (c Config) FusionConfig() fusion.Config {
	if c.Profile == "desk" {
		return fusion.Config{
			ArmingDelay: 1500 * time.Millisecond,
			VzMaxDt:     100 * time.Millisecond,
		}
	}
	return fusion.Config{}
}

// FCConfig returns the flight-controller tuning for the selected profile.
// The desk profile scales thresholds down so the full state sequence can be
// exercised by hand on a bench.
func (c Config) FCConfig() fc.Config {
	if c.Profile == "desk" {
		return fc.Config{
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
	return fc.Config{}
}
