// Package geodesy holds the great-circle math used to point at a destination.
package geodesy

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	geo "github.com/kellydunn/golang-geo"
)

// EarthRadiusKm is the mean Earth radius used by DistanceKm.
const EarthRadiusKm = 6371.0

// ErrInvalidCoordinate is returned for NaN or out-of-range coordinates.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// GeoPoint is a latitude/longitude pair in decimal degrees.
type GeoPoint struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

func (p GeoPoint) String() string {
	return fmt.Sprintf("(%.4f, %.4f)", p.Lat, p.Lon)
}

// Validate rejects non-finite values first, then values outside
// lat [-90,90] / lon [-180,180].
func (p GeoPoint) Validate() error {
	if !finite(p.Lat) || !finite(p.Lon) {
		return fmt.Errorf("%w: Please enter valid coordinates", ErrInvalidCoordinate)
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: Invalid coordinates range", ErrInvalidCoordinate)
	}
	return nil
}

// ParsePoint parses free-form user input such as "52.52" and "13.405".
func ParsePoint(lat, lon string) (GeoPoint, error) {
	la, err1 := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	lo, err2 := strconv.ParseFloat(strings.TrimSpace(lon), 64)
	if err1 != nil || err2 != nil {
		return GeoPoint{}, fmt.Errorf("%w: Please enter valid coordinates", ErrInvalidCoordinate)
	}
	p := GeoPoint{Lat: la, Lon: lo}
	if err := p.Validate(); err != nil {
		return GeoPoint{}, err
	}
	return p, nil
}

// ParsePair parses "lat,lon".
func ParsePair(s string) (GeoPoint, error) {
	lat, lon, ok := strings.Cut(s, ",")
	if !ok {
		return GeoPoint{}, fmt.Errorf("%w: Please enter valid coordinates", ErrInvalidCoordinate)
	}
	return ParsePoint(lat, lon)
}

// DistanceKm is the haversine great-circle distance between a and b.
func DistanceKm(a, b GeoPoint) float64 {
	if a == b {
		return 0
	}
	return toGeo(a).GreatCircleDistance(toGeo(b))
}

// InitialBearingDegrees is the forward azimuth from -> to in [0,360).
// It returns 0 when the points coincide.
func InitialBearingDegrees(from, to GeoPoint) float64 {
	if from == to {
		return 0
	}
	return normalize(toGeo(from).BearingTo(toGeo(to)))
}

var compassPoints = [16]string{
	"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE",
	"S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW",
}

// DirectionText returns the 16-point compass label for a bearing.
func DirectionText(bearing float64) string {
	idx := int(math.Round(normalize(bearing)/22.5)) % 16
	return compassPoints[idx]
}

func toGeo(p GeoPoint) *geo.Point {
	return geo.NewPoint(p.Lat, p.Lon)
}

func normalize(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d < 0 {
		d += 360
	}
	if d >= 360 {
		d = 0
	}
	return d
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
