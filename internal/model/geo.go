package model

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// SRID is the spatial reference used for unit locations (WGS 84).
const SRID = 4326

// Coordinates is a latitude/longitude pair in decimal degrees.
type Coordinates struct {
	Lat float64 `json:"lat" mapstructure:"lat" yaml:"lat"`
	Lon float64 `json:"lon" mapstructure:"lon" yaml:"lon"`
}

// DefaultSentinel is the placeholder position given to units created before
// their real location was known.
var DefaultSentinel = Coordinates{Lat: -19.0078, Lon: -57.6547}

// sentinelTolerance absorbs DECIMAL rounding in stored coordinates.
const sentinelTolerance = 1e-6

// Equal reports whether c and o denote the same position within tolerance.
func (c Coordinates) Equal(o Coordinates) bool {
	return math.Abs(c.Lat-o.Lat) <= sentinelTolerance && math.Abs(c.Lon-o.Lon) <= sentinelTolerance
}

// IsZero reports whether both components are zero.
func (c Coordinates) IsZero() bool {
	return c.Lat == 0 && c.Lon == 0
}

// Point returns c as a go-geom point (x = longitude, y = latitude).
func (c Coordinates) Point() *geom.Point {
	return geom.NewPointFlat(geom.XY, []float64{c.Lon, c.Lat}).SetSRID(SRID)
}

// EWKB encodes c as extended well-known binary for PostGIS.
func (c Coordinates) EWKB() ([]byte, error) {
	data, err := ewkb.Marshal(c.Point(), ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "model: encode location")
	}
	return data, nil
}

// Region is the plausible operating area, as a lat/lon bounding box.
type Region struct {
	MinLat float64 `json:"min_lat" mapstructure:"min_lat" yaml:"min_lat"`
	MaxLat float64 `json:"max_lat" mapstructure:"max_lat" yaml:"max_lat"`
	MinLon float64 `json:"min_lon" mapstructure:"min_lon" yaml:"min_lon"`
	MaxLon float64 `json:"max_lon" mapstructure:"max_lon" yaml:"max_lon"`
}

// DefaultRegion covers Corumbá and Ladário (MS) with generous margins.
var DefaultRegion = Region{MinLat: -21.5, MaxLat: -17.0, MinLon: -59.0, MaxLon: -55.0}

// Bounds returns the region as go-geom bounds in XY (lon, lat) order.
func (r Region) Bounds() *geom.Bounds {
	return geom.NewBounds(geom.XY).Set(r.MinLon, r.MinLat, r.MaxLon, r.MaxLat)
}

// Contains reports whether c lies inside the region (edges included).
func (r Region) Contains(c Coordinates) bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return false
	}
	return r.Bounds().OverlapsPoint(geom.XY, geom.Coord{c.Lon, c.Lat})
}

// Valid reports whether the region describes a non-empty box of real
// latitudes and longitudes.
func (r Region) Valid() bool {
	return r.MinLat < r.MaxLat && r.MinLon < r.MaxLon &&
		r.MinLat >= -90 && r.MaxLat <= 90 && r.MinLon >= -180 && r.MaxLon <= 180
}

// DistanceMeters returns the great-circle distance between a and b.
func DistanceMeters(a, b Coordinates) float64 {
	const earthRadius = 6371000.0
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(h))
}
