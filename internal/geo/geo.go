// Package geo computes great-circle distances between coordinates.
package geo

import (
	"math"

	"github.com/m-lab/speedtest/pkg/speedtest/model"
	"github.com/m-lab/speedtest/pkg/speedtest/spec"
)

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Distance returns the haversine distance in kilometers between origin and
// destination. The result is symmetric in its arguments.
func Distance(origin, destination model.Coordinate) float64 {
	dLat := radians(destination.Lat - origin.Lat)
	dLon := radians(destination.Lon - origin.Lon)
	a := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(radians(origin.Lat))*math.Cos(radians(destination.Lat))*
			math.Pow(math.Sin(dLon/2), 2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return spec.EarthRadiusKm * c
}
