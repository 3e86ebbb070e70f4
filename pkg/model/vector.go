package model

import "math"

// world-space vector, meters
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

func (v Vec3) Length() float64 {
	return math.Sqrt(v.Dot(v))
}

// Normalized returns the unit vector and false if the length is too small
// to normalize safely.
func (v Vec3) Normalized() (Vec3, bool) {
	l := v.Length()
	if l < 1e-6 {
		return Vec3{}, false
	}
	return Vec3{X: v.X / l, Y: v.Y / l, Z: v.Z / l}, true
}
