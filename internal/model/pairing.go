package model

import (
	"time"
)

// PairingRecord is one device-linking attempt, stored in the tvSetup collection
// keyed by its code.
type PairingRecord struct {
	Code       string        `json:"code"`
	CreatedAt  time.Time     `json:"createdAt"`
	Status     PairingStatus `json:"status"`
	DeviceID   *string       `json:"deviceId"`
	LocationID *string       `json:"locationId"`
	OwnerID    *string       `json:"ownerId"`
}

// NewPairingRecord returns a pending record created at now.
func NewPairingRecord(code string, now time.Time) PairingRecord {
	return PairingRecord{
		Code:      code,
		CreatedAt: now.UTC(),
		Status:    PairingStatusPending,
	}
}

// Age returns how long ago the record was created.
func (r *PairingRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// IsExpired reports whether the record must be treated as expired, either
// because it says so or because it outlived ttl while still pending.
func (r *PairingRecord) IsExpired(now time.Time, ttl time.Duration) bool {
	if r.Status == PairingStatusExpired {
		return true
	}
	return r.Status == PairingStatusPending && r.Age(now) >= ttl
}

// IsLinked reports a claimed record. A linked record always carries a device id.
func (r *PairingRecord) IsLinked() bool {
	return r.Status == PairingStatusLinked && r.DeviceID != nil && *r.DeviceID != ""
}

// HasLocation reports whether a location has been assigned to the record.
func (r *PairingRecord) HasLocation() bool {
	return r.LocationID != nil && *r.LocationID != ""
}

// CanTransition enforces the forward-only lifecycle pending -> linked|expired.
func (s PairingStatus) CanTransition(to PairingStatus) bool {
	return s == PairingStatusPending && (to == PairingStatusLinked || to == PairingStatusExpired)
}

// DeviceRecord is the tvs/{deviceId} document.
type DeviceRecord struct {
	DeviceID string `json:"deviceId"`
	OwnerID  string `json:"ownerId,omitempty"`
	// PairingCode is the tvSetup record the device was claimed through.
	PairingCode string    `json:"pairingCode,omitempty"`
	LocationID  string    `json:"locationId,omitempty"`
	PairedAt    time.Time `json:"pairedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
