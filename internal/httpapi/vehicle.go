package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lucafier/wrenchmate/internal/garage"
	"github.com/lucafier/wrenchmate/internal/vin"
)

func (s *Server) handleDecodeVIN(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "vin")
	info, err := vin.Decode(raw, time.Now())
	if err != nil {
		respondError(w, http.StatusBadRequest, vinErrorCode(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func vinErrorCode(err error) string {
	switch {
	case errors.Is(err, vin.ErrLength):
		return "vin_length"
	case errors.Is(err, vin.ErrCharset):
		return "vin_charset"
	case errors.Is(err, vin.ErrCheckDigit):
		return "vin_check_digit"
	default:
		return "vin_invalid"
	}
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	v, err := vin.Validate(r.URL.Query().Get("vin"))
	if err != nil {
		respondError(w, http.StatusBadRequest, vinErrorCode(err), err.Error())
		return
	}
	odometer, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("odometer")))
	if err != nil || odometer < 0 {
		respondError(w, http.StatusBadRequest, "invalid_odometer", "odometer must be a non-negative integer")
		return
	}

	history, err := s.store.RecordsForVehicle(r.Context(), v, 100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"vin":      v,
		"odometer": odometer,
		"items":    garage.DueItems(garage.DefaultSchedule, history, odometer, time.Now()),
	})
}

type addServiceRecordRequest struct {
	VIN      string `json:"vin"`
	Service  string `json:"service"`
	Odometer int    `json:"odometer"`
	Notes    string `json:"notes,omitempty"`
}

func (s *Server) handleAddServiceRecord(w http.ResponseWriter, r *http.Request) {
	var req addServiceRecordRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body is required")
		return
	}
	v, err := vin.Validate(req.VIN)
	if err != nil {
		respondError(w, http.StatusBadRequest, vinErrorCode(err), err.Error())
		return
	}
	if strings.TrimSpace(req.Service) == "" {
		respondError(w, http.StatusBadRequest, "invalid_service", "service is required")
		return
	}
	if req.Odometer < 0 {
		respondError(w, http.StatusBadRequest, "invalid_odometer", "odometer must be non-negative")
		return
	}

	// Assign identity and timestamp here so the 201 body matches what the
	// store keeps.
	record := garage.ServiceRecord{
		ID:          uuid.NewString(),
		VIN:         v,
		Service:     req.Service,
		Odometer:    req.Odometer,
		Notes:       req.Notes,
		PerformedAt: time.Now().UTC(),
	}
	if err := s.store.SaveRecord(r.Context(), record); err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, record)
}

func (s *Server) handleListServiceRecords(w http.ResponseWriter, r *http.Request) {
	v, err := vin.Validate(r.URL.Query().Get("vin"))
	if err != nil {
		respondError(w, http.StatusBadRequest, vinErrorCode(err), err.Error())
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
	}

	records, err := s.store.RecordsForVehicle(r.Context(), v, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if records == nil {
		records = []garage.ServiceRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"vin": v, "records": records})
}
