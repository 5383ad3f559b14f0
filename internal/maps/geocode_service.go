// README: Reverse geocoding of request coordinates via Google Maps.
package maps

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"presto/internal/types"
)

// GeocodeService resolves coordinates to display addresses for offer
// payloads. Failures degrade to an empty address, never block dispatch.
type GeocodeService struct {
	client *maps.Client
}

func NewGeocodeService(apiKey string) (*GeocodeService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create maps client: %w", err)
	}
	return &GeocodeService{client: client}, nil
}

func (s *GeocodeService) ReverseGeocode(ctx context.Context, p types.Point) (string, error) {
	results, err := s.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng:   &maps.LatLng{Lat: p.Lat, Lng: p.Lng},
		Language: "fr",
	})
	if err != nil {
		return "", fmt.Errorf("reverse geocode: %w", err)
	}
	if len(results) == 0 {
		return "", nil
	}
	return results[0].FormattedAddress, nil
}
