package garage

import (
	"context"
	"time"
)

// ServiceRecord stores one completed maintenance job on a vehicle.
type ServiceRecord struct {
	ID          string    `json:"id"`
	VIN         string    `json:"vin"`
	Service     string    `json:"service"`
	Odometer    int       `json:"odometer"`
	Notes       string    `json:"notes,omitempty"`
	PerformedAt time.Time `json:"performed_at"`
}

// Store persists and retrieves vehicle service history.
type Store interface {
	SaveRecord(ctx context.Context, record ServiceRecord) error
	RecordsForVehicle(ctx context.Context, vin string, limit int) ([]ServiceRecord, error)
	Close() error
}
