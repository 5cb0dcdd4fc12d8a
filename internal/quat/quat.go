// Package quat holds the small pure-math helpers shared by the fusion engine
// and the flight controller: quaternion rotation, Euler conversion, clamping.
//
// Quaternions are [w, x, y, z], unit norm, body -> earth.
package quat

import "math"

const degPerRad = 180.0 / math.Pi

// RotateVec rotates a body-frame vector into the earth frame by applying the
// rotation matrix equivalent of q.
func RotateVec(q [4]float64, v [3]float64) [3]float64 {
	w, x, y, z := q[0], q[1], q[2], q[3]
	xx, yy, zz := x*x, y*y, z*z

	r00 := 1 - 2*(yy+zz)
	r01 := 2 * (x*y - w*z)
	r02 := 2 * (x*z + w*y)
	r10 := 2 * (x*y + w*z)
	r11 := 1 - 2*(xx+zz)
	r12 := 2 * (y*z - w*x)
	r20 := 2 * (x*z - w*y)
	r21 := 2 * (y*z + w*x)
	r22 := 1 - 2*(xx+yy)

	return [3]float64{
		r00*v[0] + r01*v[1] + r02*v[2],
		r10*v[0] + r11*v[1] + r12*v[2],
		r20*v[0] + r21*v[1] + r22*v[2],
	}
}

// ToEulerDeg converts q to yaw/pitch/roll in degrees (aerospace sequence).
// The asin argument is clamped so floating-point drift in a nominally-unit
// quaternion cannot produce a domain error.
func ToEulerDeg(q [4]float64) (yawDeg, pitchDeg, rollDeg float64) {
	w, x, y, z := q[0], q[1], q[2], q[3]
	yawDeg = math.Atan2(2*(x*y+w*z), 1-2*(y*y+z*z)) * degPerRad
	pitchDeg = math.Asin(Clamp(2*(w*y-z*x), -1, 1)) * degPerRad
	rollDeg = math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y)) * degPerRad
	return yawDeg, pitchDeg, rollDeg
}

// Mul returns the Hamilton product a*b (apply b first, then a).
func Mul(a, b [4]float64) [4]float64 {
	return [4]float64{
		a[0]*b[0] - a[1]*b[1] - a[2]*b[2] - a[3]*b[3],
		a[0]*b[1] + a[1]*b[0] + a[2]*b[3] - a[3]*b[2],
		a[0]*b[2] - a[1]*b[3] + a[2]*b[0] + a[3]*b[1],
		a[0]*b[3] + a[1]*b[2] - a[2]*b[1] + a[3]*b[0],
	}
}

// Conj returns the conjugate of q; for a unit quaternion this is the inverse
// rotation.
func Conj(q [4]float64) [4]float64 {
	return [4]float64{q[0], -q[1], -q[2], -q[3]}
}

// AxisAngle builds the unit quaternion rotating by deg about the given unit
// axis.
func AxisAngle(axis [3]float64, deg float64) [4]float64 {
	half := deg / degPerRad / 2
	s := math.Sin(half)
	return [4]float64{math.Cos(half), s * axis[0], s * axis[1], s * axis[2]}
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
