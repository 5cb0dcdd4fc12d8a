package hw

import (
	"math"
	"time"

	"airbrake-fc/internal/quat"
	"airbrake-fc/internal/sensors/icm20948"
)

// tiltFilter tracks the gravity "up" direction in body coordinates with a
// vector complementary filter: the gyro propagates the estimate between
// samples and the accelerometer pulls it back toward measured gravity.
//
// The output quaternion is the minimal rotation taking the estimated body-up
// vector onto earth +Z, which is exactly what the downstream tilt gates need;
// heading is unobservable without a magnetometer and is left at zero.
type tiltFilter struct {
	tau time.Duration

	up     [3]float64
	haveUp bool
	lastAt time.Time

	// Stationary gyro bias, captured over the first biasSamples reads.
	biasSamples int
	biasSum     [3]float64
	biasN       int
	bias        [3]float64
}

const (
	defaultFilterTau  = 500 * time.Millisecond
	defaultBiasWindow = 100 // samples; 2s at the 50Hz poll rate
)

func newTiltFilter() *tiltFilter {
	return &tiltFilter{tau: defaultFilterTau, biasSamples: defaultBiasWindow}
}

func (f *tiltFilter) reset() {
	f.up = [3]float64{}
	f.haveUp = false
	f.lastAt = time.Time{}
	f.biasSum = [3]float64{}
	f.biasN = 0
	f.bias = [3]float64{}
}

// step folds one IMU sample in and returns the body-to-earth attitude
// quaternion. now is the sample time.
func (f *tiltFilter) step(s icm20948.Sample, now time.Time) [4]float64 {
	dt := 0.0
	if !f.lastAt.IsZero() {
		dt = now.Sub(f.lastAt).Seconds()
	}
	f.lastAt = now
	if dt <= 0 || dt > 0.5 {
		dt = 0
	}

	// The pad is stationary through arming, so the first window of samples
	// doubles as the gyro bias capture.
	if f.biasN < f.biasSamples {
		f.biasSum[0] += s.Gx
		f.biasSum[1] += s.Gy
		f.biasSum[2] += s.Gz
		f.biasN++
		if f.biasN == f.biasSamples {
			n := float64(f.biasN)
			f.bias = [3]float64{f.biasSum[0] / n, f.biasSum[1] / n, f.biasSum[2] / n}
		}
	}

	acc := [3]float64{s.Ax, s.Ay, s.Az}
	accUnit, accOK := unit3(acc)

	if !f.haveUp {
		if !accOK {
			return quatFromUp(f.up)
		}
		f.up = accUnit
		f.haveUp = true
		return quatFromUp(f.up)
	}

	if dt > 0 {
		// A fixed earth vector seen from a rotating body: du/dt = -w x u.
		w := [3]float64{
			(s.Gx - f.bias[0]) * math.Pi / 180.0,
			(s.Gy - f.bias[1]) * math.Pi / 180.0,
			(s.Gz - f.bias[2]) * math.Pi / 180.0,
		}
		wxu := cross3(w, f.up)
		f.up[0] -= wxu[0] * dt
		f.up[1] -= wxu[1] * dt
		f.up[2] -= wxu[2] * dt
	}

	if accOK && dt > 0 {
		alpha := f.tau.Seconds() / (f.tau.Seconds() + dt)
		f.up[0] = alpha*f.up[0] + (1-alpha)*accUnit[0]
		f.up[1] = alpha*f.up[1] + (1-alpha)*accUnit[1]
		f.up[2] = alpha*f.up[2] + (1-alpha)*accUnit[2]
	}
	if u, ok := unit3(f.up); ok {
		f.up = u
	} else if accOK {
		f.up = accUnit
	}
	return quatFromUp(f.up)
}

// quatFromUp builds the minimal body-to-earth rotation that maps the body-up
// direction onto earth +Z.
func quatFromUp(up [3]float64) [4]float64 {
	u, ok := unit3(up)
	if !ok {
		return [4]float64{1, 0, 0, 0}
	}
	c := quat.Clamp(u[2], -1, 1) // u . z
	axis := [3]float64{u[1], -u[0], 0}
	a, ok := unit3(axis)
	if !ok {
		// Aligned with +/-Z: identity, or a half turn about any horizontal
		// axis for the upside-down case.
		if c > 0 {
			return [4]float64{1, 0, 0, 0}
		}
		return [4]float64{0, 1, 0, 0}
	}
	angle := math.Acos(c)
	s := math.Sin(angle / 2)
	return [4]float64{math.Cos(angle / 2), s * a[0], s * a[1], s * a[2]}
}

func cross3(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func unit3(v [3]float64) ([3]float64, bool) {
	n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if n < 1e-9 || math.IsNaN(n) {
		return [3]float64{}, false
	}
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}, true
}
