package transform

import (
	"math"
	"time"

	"github.com/star/orbitsim/internal/orbit"
)

// WGS-84 ellipsoid parameters.
const (
	wgs84A  = 6378.137              // semi-major axis (km)
	wgs84F  = 1.0 / 298.257223563   // flattening
	wgs84E2 = wgs84F * (2 - wgs84F) // first eccentricity squared
)

// Geodetic is a point above the WGS-84 ellipsoid.
type Geodetic struct {
	LatDeg float64 `json:"lat_deg"`
	LonDeg float64 `json:"lon_deg"`
	AltKm  float64 `json:"alt_km"`
}

// ECEFToGeodetic converts an ECEF position (km) to geodetic coordinates with
// Bowring's iteration. Converges in 2-3 iterations for Earth orbits.
func ECEFToGeodetic(pos orbit.Vec3) Geodetic {
	x, y, z := pos[0], pos[1], pos[2]
	lon := math.Atan2(y, x)
	p := math.Hypot(x, y)

	lat := math.Atan2(z, p*(1-wgs84E2))
	for i := 0; i < 5; i++ {
		sinLat := math.Sin(lat)
		n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
		lat = math.Atan2(z+wgs84E2*n*sinLat, p)
	}

	sinLat, cosLat := math.Sin(lat), math.Cos(lat)
	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)

	var alt float64
	if math.Abs(cosLat) > 1e-10 {
		alt = p/cosLat - n
	} else {
		alt = math.Abs(z)/math.Abs(sinLat) - n*(1-wgs84E2)
	}

	return Geodetic{
		LatDeg: lat * 180.0 / math.Pi,
		LonDeg: lon * 180.0 / math.Pi,
		AltKm:  alt,
	}
}

// GeodeticToECEF converts geodetic coordinates to an ECEF position (km).
func GeodeticToECEF(g Geodetic) orbit.Vec3 {
	lat := g.LatDeg * math.Pi / 180.0
	lon := g.LonDeg * math.Pi / 180.0
	sinLat, cosLat := math.Sin(lat), math.Cos(lat)

	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
	return orbit.Vec3{
		(n + g.AltKm) * cosLat * math.Cos(lon),
		(n + g.AltKm) * cosLat * math.Sin(lon),
		(n*(1-wgs84E2) + g.AltKm) * sinLat,
	}
}

// GroundTrack returns the sub-satellite points of TEME states whose epochs are
// seconds since start.
func GroundTrack(states []orbit.State, start time.Time) []Geodetic {
	out := make([]Geodetic, len(states))
	for i, s := range states {
		out[i] = ECEFToGeodetic(ToECEF(s, EpochTime(start, s.Epoch)).Position)
	}
	return out
}
