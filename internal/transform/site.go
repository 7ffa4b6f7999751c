package transform

import "math"

// WGS-84 ellipsoid.
const (
	wgs84A  = 6378137.0
	wgs84F  = 1.0 / 298.257223563
	wgs84E2 = wgs84F * (2 - wgs84F)
)

const deg = math.Pi / 180.0

// Site is a ground location with its Earth-fixed position and the
// trigonometry needed for look angles precomputed, so one Site can be reused
// for thousands of samples.
type Site struct {
	LatDeg, LonDeg, AltM float64
	ECEF                 PositionECEF

	sinLat, cosLat, sinLon, cosLon float64
}

// LookAngles is the direction and distance from a site to a target.
type LookAngles struct {
	AzimuthDeg   float64 // 0 = North, clockwise
	ElevationDeg float64 // 0 = horizon, 90 = zenith
	RangeKm      float64
}

// NewSite builds a Site from geodetic latitude and longitude in degrees and
// altitude in metres above the ellipsoid.
func NewSite(latDeg, lonDeg, altM float64) Site {
	s := Site{LatDeg: latDeg, LonDeg: lonDeg, AltM: altM}
	s.sinLat, s.cosLat = math.Sincos(latDeg * deg)
	s.sinLon, s.cosLon = math.Sincos(lonDeg * deg)

	// Prime vertical radius of curvature.
	n := wgs84A / math.Sqrt(1-wgs84E2*s.sinLat*s.sinLat)
	s.ECEF = PositionECEF{
		X: (n + altM) * s.cosLat * s.cosLon,
		Y: (n + altM) * s.cosLat * s.sinLon,
		Z: (n*(1-wgs84E2) + altM) * s.sinLat,
	}
	return s
}

// LookAt returns the look angles from the site to an Earth-fixed target
// using the SEZ rotation (Vallado 4.4).
func (s Site) LookAt(target PositionECEF) LookAngles {
	rx := target.X - s.ECEF.X
	ry := target.Y - s.ECEF.Y
	rz := target.Z - s.ECEF.Z

	south := s.sinLat*s.cosLon*rx + s.sinLat*s.sinLon*ry - s.cosLat*rz
	east := -s.sinLon*rx + s.cosLon*ry
	zenith := s.cosLat*s.cosLon*rx + s.cosLat*s.sinLon*ry + s.sinLat*rz

	rng := math.Sqrt(south*south + east*east + zenith*zenith)

	az := math.Atan2(east, -south)
	if az < 0 {
		az += 2 * math.Pi
	}
	return LookAngles{
		AzimuthDeg:   az / deg,
		ElevationDeg: math.Asin(zenith/rng) / deg,
		RangeKm:      rng / 1000.0,
	}
}
