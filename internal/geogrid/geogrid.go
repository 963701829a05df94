// Package geogrid holds the pure coordinate math used to carve a search area
// into squares: bounding boxes, quadrant subdivision, and zoom heuristics.
//
// Distances use an equirectangular approximation: one degree of latitude is
// MetersPerDegree meters and one degree of longitude is MetersPerDegree scaled
// by cos(latitude). That is accurate enough for the few-kilometer squares the
// crawler works with and keeps subdivision exact in degree space.
package geogrid

import (
	"math"

	"github.com/JakeFAU/gridcrawler/internal/harvest"
)

const (
	// MetersPerDegree is the length of one degree of latitude.
	MetersPerDegree = 111000.0
	// EarthCircumference is the equatorial circumference in meters.
	EarthCircumference = 40075000.0
	// MinZoom and MaxZoom bound every zoom level produced here.
	MinZoom = 1
	MaxZoom = 21

	// cos(lat) floor so longitude spans stay finite at the poles.
	minCosLat = 1e-6
)

// BoundingSquare returns the box width meters wide centered on center.
// Longitudes are wrapped into [-180,180], so a box that crosses the
// antimeridian has East < West. A box wide enough to circle the globe spans
// the full [-180,180] range.
func BoundingSquare(center harvest.Point, width float64) harvest.Square {
	latHalf := (width / 2) / MetersPerDegree
	lngHalf := (width / 2) / (MetersPerDegree * cosLat(center.Lat))
	east, west := 180.0, -180.0
	if lngHalf < 180 {
		east = NormalizeLng(center.Lng + lngHalf)
		west = NormalizeLng(center.Lng - lngHalf)
	}
	return harvest.Square{
		Center:      harvest.Point{Lat: center.Lat, Lng: NormalizeLng(center.Lng)},
		WidthMeters: width,
		North:       clampLat(center.Lat + latHalf),
		South:       clampLat(center.Lat - latHalf),
		East:        east,
		West:        west,
	}
}

// Subdivide splits sq into its four quadrants in NE, NW, SE, SW order. Each
// quadrant is half the width and is centered on the midpoint of its quarter,
// so the four boxes tile the parent exactly. Quadrants of a square that
// crosses the antimeridian keep their longitudes inside [-180,180].
func Subdivide(sq harvest.Square) [4]harvest.Square {
	half := sq.WidthMeters / 2
	midLat := sq.Center.Lat

	// Work on an unwrapped span where west <= midLng <= east.
	west, east := sq.West, sq.East
	if east < west {
		east += 360
	}
	midLng := sq.Center.Lng
	if midLng < west {
		midLng += 360
	}

	quad := func(north, south, east, west float64) harvest.Square {
		return harvest.Square{
			Center:      harvest.Point{Lat: (north + south) / 2, Lng: NormalizeLng((east + west) / 2)},
			WidthMeters: half,
			North:       north,
			South:       south,
			East:        NormalizeLng(east),
			West:        NormalizeLng(west),
		}
	}
	return [4]harvest.Square{
		quad(sq.North, midLat, east, midLng),
		quad(sq.North, midLat, midLng, west),
		quad(midLat, sq.South, east, midLng),
		quad(midLat, sq.South, midLng, west),
	}
}

// NormalizeLng wraps a longitude into [-180,180]. Values already in range
// are returned unchanged.
func NormalizeLng(lng float64) float64 {
	if lng >= -180 && lng <= 180 {
		return lng
	}
	wrapped := math.Mod(lng+180, 360)
	if wrapped < 0 {
		wrapped += 360
	}
	return wrapped - 180
}

// CircumscribedRadius is the radius in meters of the circle enclosing a square
// of the given width, rounded up.
func CircumscribedRadius(width float64) int {
	return int(math.Ceil(width * math.Sqrt2 / 2))
}

// ZoomForWidth maps a region width to a display zoom level. Wider regions get
// smaller zoom levels; the thresholds are the equatorial tile widths.
func ZoomForWidth(width float64) int {
	if width <= 0 {
		return MaxZoom
	}
	return clampZoom(math.Floor(math.Log2(EarthCircumference / (width * math.Sqrt2))))
}

// ZoomAt is the latitude-aware zoom the provider uses to frame the circle
// circumscribing a square of the given width.
func ZoomAt(width float64, lat float64) int {
	radius := CircumscribedRadius(width)
	if radius <= 0 {
		return MaxZoom
	}
	circumference := EarthCircumference * cosLat(lat)
	return clampZoom(math.Floor(math.Log2(circumference / float64(2*radius))))
}

func clampZoom(z float64) int {
	switch {
	case math.IsNaN(z) || z > MaxZoom:
		return MaxZoom
	case z < MinZoom:
		return MinZoom
	default:
		return int(z)
	}
}

func cosLat(lat float64) float64 {
	c := math.Cos(lat * math.Pi / 180)
	if c < minCosLat {
		return minCosLat
	}
	return c
}

func clampLat(lat float64) float64 {
	return math.Max(-90, math.Min(90, lat))
}
