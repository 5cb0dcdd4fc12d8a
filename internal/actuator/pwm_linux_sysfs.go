//go:build linux

package actuator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// sysfsPWM drives a hardware PWM channel via /sys/class/pwm at the standard
// 50 Hz servo frame.
//
// On Raspberry Pi, you typically need `dtoverlay=pwm-2chan` (or equivalent)
// so the servo header pin is exposed as a PWM channel under /sys/class/pwm.
type sysfsPWM struct {
	pwmPath string // /sys/class/pwm/pwmchipN/pwmM
	chip    int
	channel int

	enabled bool
}

var pwmSysfsBase = "/sys/class/pwm"

// servo frame period, 50 Hz
const framePeriodNs = 20_000_000

// OpenPWM exports and configures the given chip/channel for servo output.
func OpenPWM(chip, channel int) (Driver, error) {
	if chip < 0 || channel < 0 {
		return nil, fmt.Errorf("actuator: invalid pwm chip %d channel %d", chip, channel)
	}
	chipPath := filepath.Join(pwmSysfsBase, fmt.Sprintf("pwmchip%d", chip))
	if _, err := os.Stat(chipPath); err != nil {
		return nil, fmt.Errorf("actuator: pwm chip: %w (is the pwm overlay enabled?)", err)
	}

	d := &sysfsPWM{
		pwmPath: filepath.Join(chipPath, fmt.Sprintf("pwm%d", channel)),
		chip:    chip,
		channel: channel,
	}
	if err := d.ensureExported(chipPath); err != nil {
		return nil, err
	}

	// Period must be set while disabled (common sysfs requirement).
	_ = d.writeBool("enable", false)
	if err := d.writeUint("period", framePeriodNs); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *sysfsPWM) ensureExported(chipPath string) error {
	if _, err := os.Stat(d.pwmPath); err == nil {
		return nil
	}
	exportPath := filepath.Join(chipPath, "export")
	if err := writeSysfs(exportPath, strconv.Itoa(d.channel)); err != nil {
		// If already exported by someone else, ignore.
		if _, statErr := os.Stat(d.pwmPath); statErr == nil {
			return nil
		}
		return fmt.Errorf("actuator: export pwm: %w", err)
	}

	// Wait briefly for the sysfs node to appear.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(d.pwmPath); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(d.pwmPath); err != nil {
		return fmt.Errorf("actuator: pwm path not created after export: %w", err)
	}
	return nil
}

func (d *sysfsPWM) SetPulseUs(us int) error {
	if us <= 0 || us*1000 > framePeriodNs {
		return fmt.Errorf("actuator: invalid pulse %dus", us)
	}
	if err := d.writeUint("duty_cycle", uint64(us)*1000); err != nil {
		return err
	}
	if !d.enabled {
		if err := d.writeBool("enable", true); err != nil {
			return err
		}
		d.enabled = true
	}
	return nil
}

func (d *sysfsPWM) Close() error {
	_ = d.writeBool("enable", false)
	d.enabled = false
	return nil
}

func (d *sysfsPWM) writeUint(name string, v uint64) error {
	return writeSysfs(filepath.Join(d.pwmPath, name), strconv.FormatUint(v, 10))
}

func (d *sysfsPWM) writeBool(name string, v bool) error {
	val := "0"
	if v {
		val = "1"
	}
	return writeSysfs(filepath.Join(d.pwmPath, name), val)
}

func writeSysfs(path string, value string) error {
	// Use O_WRONLY without O_TRUNC/O_CREATE.
	// Some sysfs attributes reject truncation flags even when mode bits allow
	// writes, resulting in confusing EACCES/EPERM at open() time.
	// Additionally: immediately after exporting a PWM channel, the kernel
	// creates new sysfs files and udev may adjust permissions asynchronously.
	// On some systems there's a short window where open() returns EACCES or
	// ENOENT even though the steady-state permissions are correct.
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			lastErr = err
			if time.Now().Before(deadline) && isRetryableSysfsErr(err) {
				time.Sleep(25 * time.Millisecond)
				continue
			}
			return err
		}
		_, werr := f.WriteString(value)
		cerr := f.Close()
		if werr == nil && cerr == nil {
			return nil
		}
		if werr != nil {
			lastErr = werr
		} else {
			lastErr = cerr
		}
		if time.Now().Before(deadline) && isRetryableSysfsErr(lastErr) {
			time.Sleep(25 * time.Millisecond)
			continue
		}
		if werr != nil && cerr != nil {
			return errors.Join(werr, cerr)
		}
		if werr != nil {
			return werr
		}
		return cerr
	}
}

func isRetryableSysfsErr(err error) bool {
	return os.IsPermission(err) || os.IsNotExist(err) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOENT)
}
