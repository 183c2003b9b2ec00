package geo

import (
	"context"
	"errors"
	"math"
	"sort"
)

var ErrBadCoordinates = errors.New("coordinates out of range")

// Shop is a nearby repair shop or parts store.
type Shop struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Lat        float64  `json:"lat"`
	Lon        float64  `json:"lon"`
	Services   []string `json:"services,omitempty"`
	DistanceKm float64  `json:"distance_km"`
}

// Resolver finds shops near a coordinate.
type Resolver interface {
	Nearby(ctx context.Context, lat, lon, radiusKm float64) ([]Shop, error)
}

const earthRadiusKm = 6371.0

// DistanceKm is the haversine great-circle distance.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// StaticResolver serves a fixed shop directory. Production deployments
// would back this with a places API; the interface keeps that swap local.
type StaticResolver struct {
	shops []Shop
}

func NewStaticResolver(shops []Shop) *StaticResolver {
	return &StaticResolver{shops: shops}
}

func (r *StaticResolver) Nearby(_ context.Context, lat, lon, radiusKm float64) ([]Shop, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, ErrBadCoordinates
	}
	if radiusKm <= 0 {
		radiusKm = 25
	}

	out := make([]Shop, 0, len(r.shops))
	for _, s := range r.shops {
		d := DistanceKm(lat, lon, s.Lat, s.Lon)
		if d > radiusKm {
			continue
		}
		s.DistanceKm = math.Round(d*10) / 10
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

// DemoDirectory is a small seed directory so the daemon answers nearby-shop
// queries out of the box.
func DemoDirectory() []Shop {
	return []Shop{
		{ID: "s-001", Name: "Midtown Auto Care", Lat: 40.754, Lon: -73.984, Services: []string{"oil_change", "brakes", "tires"}},
		{ID: "s-002", Name: "Hudson Parts & Service", Lat: 40.741, Lon: -74.005, Services: []string{"parts", "oil_change"}},
		{ID: "s-003", Name: "Queens Boulevard Garage", Lat: 40.737, Lon: -73.880, Services: []string{"brakes", "transmission", "diagnostics"}},
		{ID: "s-004", Name: "Bay Ridge Tire Center", Lat: 40.625, Lon: -74.030, Services: []string{"tires", "alignment"}},
	}
}
