package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"compass-ng/internal/catalog"
	"compass-ng/internal/geodesy"
	"compass-ng/internal/lifecycle"
)

var errNoDestination = errors.New("web: country and city, or lat and lon, are required")

// DestinationRequest selects a catalog city or a custom coordinate pair.
// Lat and Lon are kept as the user typed them.
type DestinationRequest struct {
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
	Lat     string `json:"lat,omitempty"`
	Lon     string `json:"lon,omitempty"`
}

func (r DestinationRequest) custom() bool {
	return strings.TrimSpace(r.Lat) != "" || strings.TrimSpace(r.Lon) != ""
}

func resolveDestination(cat *catalog.Catalog, req DestinationRequest) (catalog.Destination, error) {
	if req.custom() {
		p, err := geodesy.ParsePoint(req.Lat, req.Lon)
		if err != nil {
			return catalog.Destination{}, err
		}
		return catalog.Destination{Label: catalog.CustomLabel(p), Point: p}, nil
	}
	if strings.TrimSpace(req.Country) == "" || strings.TrimSpace(req.City) == "" {
		return catalog.Destination{}, errNoDestination
	}
	if cat == nil {
		cat = catalog.Default()
	}
	return cat.Lookup(req.Country, req.City)
}

// Targeter is the destination surface of a lifecycle.Controller.
type Targeter interface {
	SetDestination(ctx context.Context, p geodesy.GeoPoint, label string) error
	ClearDestination(ctx context.Context) error
}

func applyDestination(ctx context.Context, t Targeter, cat *catalog.Catalog, req DestinationRequest) (catalog.Destination, error) {
	dest, err := resolveDestination(cat, req)
	if err != nil {
		return catalog.Destination{}, err
	}
	if err := t.SetDestination(ctx, dest.Point, dest.Label); err != nil {
		return catalog.Destination{}, fmt.Errorf("web: set destination: %w", err)
	}
	return dest, nil
}

// destinationStatus maps resolution and targeting errors to HTTP codes.
func destinationStatus(err error) int {
	switch {
	case errors.Is(err, catalog.ErrUnknownCountry), errors.Is(err, catalog.ErrUnknownCity):
		return http.StatusNotFound
	case errors.Is(err, geodesy.ErrInvalidCoordinate), errors.Is(err, errNoDestination):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrNoLocation):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// destinationMessage is the user-facing text for err.
func destinationMessage(err error) string {
	switch {
	case errors.Is(err, lifecycle.ErrNoLocation):
		return "Location not available yet"
	case errors.Is(err, geodesy.ErrInvalidCoordinate):
		prefix := geodesy.ErrInvalidCoordinate.Error() + ": "
		if _, after, ok := strings.Cut(err.Error(), prefix); ok {
			return after
		}
	}
	return err.Error()
}
