package transform

import (
	"math"
	"time"
)

// PositionTEME is a satellite position in the TEME frame, in kilometres.
type PositionTEME struct {
	X, Y, Z float64
}

// PositionECEF is a position in the Earth-fixed frame, in metres.
type PositionECEF struct {
	X, Y, Z float64
}

// Norm returns the distance from the Earth's centre in metres.
func (p PositionECEF) Norm() float64 {
	return math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z)
}

// TEMEToECEF rotates a TEME position about Z by GMST at t and converts km to m.
func TEMEToECEF(teme PositionTEME, t time.Time) PositionECEF {
	return TEMEToECEFWithGMST(teme, GMST(t))
}

// TEMEToECEFWithGMST is TEMEToECEF with a precomputed GMST angle in radians.
func TEMEToECEFWithGMST(teme PositionTEME, gmst float64) PositionECEF {
	cosG, sinG := math.Cos(gmst), math.Sin(gmst)
	return PositionECEF{
		X: (teme.X*cosG + teme.Y*sinG) * 1000.0,
		Y: (-teme.X*sinG + teme.Y*cosG) * 1000.0,
		Z: teme.Z * 1000.0,
	}
}

// Earth-orbit sanity bounds for ValidateECEF, in metres.
const (
	minOrbitRadius = 6200e3
	maxOrbitRadius = 50000e3
)

// ValidateECEF reports whether pos is finite and at a plausible orbital radius.
func ValidateECEF(pos PositionECEF) bool {
	for _, v := range []float64{pos.X, pos.Y, pos.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	r := pos.Norm()
	return r >= minOrbitRadius && r <= maxOrbitRadius
}
