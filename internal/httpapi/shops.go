package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/lucafier/wrenchmate/internal/geo"
)

func (s *Server) handleNearbyShops(w http.ResponseWriter, r *http.Request) {
	lat, err := parseFloat(r.URL.Query().Get("lat"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_lat", "lat must be a number")
		return
	}
	lon, err := parseFloat(r.URL.Query().Get("lon"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_lon", "lon must be a number")
		return
	}
	radiusKm := 25.0
	if raw := strings.TrimSpace(r.URL.Query().Get("radius_km")); raw != "" {
		radiusKm, err = parseFloat(raw)
		if err != nil || radiusKm <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_radius", "radius_km must be positive")
			return
		}
	}

	shops, err := s.shops.Nearby(r.Context(), lat, lon, radiusKm)
	if err != nil {
		if errors.Is(err, geo.ErrBadCoordinates) {
			respondError(w, http.StatusBadRequest, "invalid_coordinates", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "resolver_error", err.Error())
		return
	}
	if shops == nil {
		shops = []geo.Shop{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"shops": shops})
}

func parseFloat(raw string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(raw), 64)
}
