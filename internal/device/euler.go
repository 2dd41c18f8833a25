package device

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// EulerDeg returns roll, pitch and yaw in degrees (ZYX convention) for a unit
// quaternion.
func EulerDeg(q quat.Number) (roll, pitch, yaw float64) {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag

	roll = math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y))
	sinp := 2 * (w*y - z*x)
	pitch = math.Asin(math.Max(-1, math.Min(1, sinp)))
	yaw = math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))

	const toDeg = 180 / math.Pi
	return roll * toDeg, pitch * toDeg, yaw * toDeg
}
