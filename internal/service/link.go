package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/adgenius/carousel-tv/internal/audit"
	"github.com/adgenius/carousel-tv/internal/clock"
	"github.com/adgenius/carousel-tv/internal/docstore"
	apperrors "github.com/adgenius/carousel-tv/internal/errors"
	"github.com/adgenius/carousel-tv/internal/events"
	"github.com/adgenius/carousel-tv/internal/identity"
	"github.com/adgenius/carousel-tv/internal/model"
	"github.com/adgenius/carousel-tv/internal/pairing"
	"github.com/adgenius/carousel-tv/internal/util"
)

const (
	DefaultClaimLimit  = 10
	claimLimitWindow   = time.Minute
	codeLength         = 9
	defaultPairingTTL  = pairing.DefaultTTL
	linkPublishTimeout = 5 * time.Second
)

var pendingOnly = docstore.Filter{Equals: map[string]string{"status": string(model.PairingStatusPending)}}

type LinkOptions struct {
	// TTL is how long a pending code may be claimed after it was created.
	TTL time.Duration
	// ClaimLimit is the number of claim attempts allowed per owner per minute.
	ClaimLimit int
	Clock      clock.Clock
	// NewDeviceID mints device identities. Defaults to random UUIDs.
	NewDeviceID func() string
}

// LinkService is the administrative side of pairing: it claims codes shown
// on TVs and assigns devices to locations.
type LinkService struct {
	store   docstore.Store
	limiter Limiter
	events  events.Publisher
	opts    LinkOptions
}

func NewLinkService(store docstore.Store, limiter Limiter, publisher events.Publisher, opts LinkOptions) *LinkService {
	if opts.TTL <= 0 {
		opts.TTL = defaultPairingTTL
	}
	if opts.ClaimLimit <= 0 {
		opts.ClaimLimit = DefaultClaimLimit
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.NewDeviceID == nil {
		opts.NewDeviceID = func() string { return uuid.NewString() }
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &LinkService{store: store, limiter: limiter, events: publisher, opts: opts}
}

type ClaimRequest struct {
	Code       string `json:"code"`
	LocationID string `json:"locationId,omitempty"`
}

type ClaimResult struct {
	Code       string    `json:"code"`
	DeviceID   string    `json:"deviceId"`
	OwnerID    string    `json:"ownerId"`
	LocationID string    `json:"locationId,omitempty"`
	LinkedAt   time.Time `json:"linkedAt"`
}

// Claim links the TV showing req.Code to the signed-in identity. The
// pairing record moves from pending to linked in a single conditional
// update carrying the new device id, the owner and the optional location.
// The device record is written only by the claim that won that update.
func (s *LinkService) Claim(ctx context.Context, who identity.Provider, req ClaimRequest) (*ClaimResult, error) {
	owner := who.CurrentIdentity()
	if owner == nil {
		return nil, apperrors.Unauthorized("Sign in to link a device")
	}

	code := pairing.NormalizeCode(req.Code)
	if code == "" {
		return nil, apperrors.MissingRequired("code")
	}
	if len(code) != codeLength {
		s.reject(ctx, owner, code, "malformed")
		return nil, apperrors.InvalidPairingCode()
	}
	if req.LocationID != "" && !util.IsValidLocationID(req.LocationID) {
		return nil, apperrors.ValidationError("Invalid locationId")
	}

	if s.limiter != nil {
		allowed, resetAt := s.limiter.CheckLimit(ctx, ClaimLimitKey(owner.Subject), s.opts.ClaimLimit, claimLimitWindow)
		if !allowed {
			audit.Log(ctx, audit.Event{
				Type:    audit.EventRateLimitExceed,
				OwnerID: owner.Subject,
				Details: map[string]any{"action": "claim", "resetAt": resetAt.UTC().Format(time.RFC3339)},
			})
			return nil, apperrors.RateLimitExceeded().WithDetails(map[string]string{
				"resetAt": resetAt.UTC().Format(time.RFC3339),
			})
		}
	}

	doc, err := s.store.GetRecord(ctx, docstore.CollectionSetup, code)
	if err != nil {
		return nil, apperrors.Query("pairing record", err)
	}
	if doc == nil {
		s.reject(ctx, owner, code, "unknown")
		return nil, apperrors.InvalidPairingCode()
	}

	var record model.PairingRecord
	if err := doc.Decode(&record); err != nil {
		log.Error().Err(err).Str("code", util.MaskCode(code)).Msg("malformed pairing record")
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Pairing record is unreadable", err)
	}

	now := s.opts.Clock.Now()
	switch {
	case record.Status == model.PairingStatusLinked:
		s.reject(ctx, owner, code, "already_linked")
		return nil, apperrors.AlreadyPaired()
	case record.IsExpired(now, s.opts.TTL):
		s.reject(ctx, owner, code, "expired")
		return nil, apperrors.PairingExpired()
	case !record.Status.CanTransition(model.PairingStatusLinked):
		s.reject(ctx, owner, code, string(record.Status))
		return nil, apperrors.InvalidPairingCode()
	}

	deviceID := s.opts.NewDeviceID()
	fields := docstore.Fields{
		"status":   model.PairingStatusLinked,
		"deviceId": deviceID,
		"ownerId":  owner.Subject,
	}
	if req.LocationID != "" {
		fields["locationId"] = req.LocationID
	}

	// Only the claim that moves the record out of pending wins.
	linked, err := s.store.UpdateRecordIf(ctx, docstore.CollectionSetup, code, pendingOnly, fields)
	if err != nil {
		return nil, apperrors.Persistence("pairing record", err)
	}
	if !linked {
		return nil, s.lostClaim(ctx, owner, code)
	}

	device := docstore.Fields{
		"deviceId":    deviceID,
		"ownerId":     owner.Subject,
		"pairingCode": code,
		"pairedAt":    now.UTC(),
		"updatedAt":   now.UTC(),
	}
	if req.LocationID != "" {
		device["locationId"] = req.LocationID
	}
	// Merged rather than created: a screen may already have written the
	// location step to the same record.
	if err := s.store.UpdateRecord(ctx, docstore.CollectionDevices, deviceID, device); err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("pairing record linked but device record not written")
		return nil, apperrors.Persistence("device record", err)
	}

	result := &ClaimResult{
		Code:       code,
		DeviceID:   deviceID,
		OwnerID:    owner.Subject,
		LocationID: req.LocationID,
		LinkedAt:   now.UTC(),
	}

	audit.Log(ctx, audit.Event{
		Type:     audit.EventDeviceClaimed,
		OwnerID:  owner.Subject,
		DeviceID: deviceID,
		Details:  map[string]any{"code": util.MaskCode(code), "withLocation": req.LocationID != ""},
	})

	s.publish(ctx, events.DeviceLinked, events.DeviceLinkedEvent{
		Code:       code,
		DeviceID:   deviceID,
		OwnerID:    owner.Subject,
		LocationID: req.LocationID,
		LinkedAt:   result.LinkedAt,
	})

	return result, nil
}

// lostClaim explains why the conditional link did not apply: another claim
// won, or the code expired in between.
func (s *LinkService) lostClaim(ctx context.Context, owner *identity.Identity, code string) error {
	doc, err := s.store.GetRecord(ctx, docstore.CollectionSetup, code)
	if err == nil && doc != nil {
		var record model.PairingRecord
		if doc.Decode(&record) == nil && record.Status == model.PairingStatusExpired {
			s.reject(ctx, owner, code, "expired")
			return apperrors.PairingExpired()
		}
	}
	s.reject(ctx, owner, code, "already_linked")
	return apperrors.AlreadyPaired()
}

// Device returns the device record when it belongs to the signed-in identity.
func (s *LinkService) Device(ctx context.Context, who identity.Provider, deviceID string) (*model.DeviceRecord, error) {
	owner := who.CurrentIdentity()
	if owner == nil {
		return nil, apperrors.Unauthorized("Sign in to manage devices")
	}
	if deviceID == "" {
		return nil, apperrors.MissingRequired("deviceId")
	}

	doc, err := s.store.GetRecord(ctx, docstore.CollectionDevices, deviceID)
	if err != nil {
		return nil, apperrors.Query("device record", err)
	}
	if doc == nil {
		return nil, apperrors.NotFound("Device")
	}

	var device model.DeviceRecord
	if err := doc.Decode(&device); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Device record is unreadable", err)
	}
	if device.OwnerID != owner.Subject {
		audit.Log(ctx, audit.Event{
			Type:     audit.EventAccessDenied,
			OwnerID:  owner.Subject,
			DeviceID: deviceID,
		})
		return nil, apperrors.Forbidden("Device belongs to another account")
	}
	if device.DeviceID == "" {
		device.DeviceID = deviceID
	}
	return &device, nil
}

// AssignLocation moves a device to a location. A pairing record that still
// references the device receives the location too, which completes a TV
// waiting at the location step.
func (s *LinkService) AssignLocation(ctx context.Context, who identity.Provider, deviceID, locationID string) (*model.DeviceRecord, error) {
	if locationID == "" {
		return nil, apperrors.MissingRequired("locationId")
	}
	if !util.IsValidLocationID(locationID) {
		return nil, apperrors.ValidationError("Invalid locationId")
	}

	device, err := s.Device(ctx, who, deviceID)
	if err != nil {
		return nil, err
	}

	now := s.opts.Clock.Now().UTC()
	if err := s.store.UpdateRecord(ctx, docstore.CollectionDevices, deviceID, docstore.Fields{
		"locationId": locationID,
		"updatedAt":  now,
	}); err != nil {
		return nil, apperrors.Persistence("device location", err)
	}
	device.LocationID = locationID
	device.UpdatedAt = now

	if device.PairingCode != "" {
		s.updatePairingLocation(ctx, device.PairingCode, deviceID, locationID)
	}

	audit.Log(ctx, audit.Event{
		Type:     audit.EventLocationAssigned,
		OwnerID:  device.OwnerID,
		DeviceID: deviceID,
		Details:  map[string]any{"locationId": locationID},
	})

	s.publish(ctx, events.DeviceLocationAssigned, events.LocationAssignedEvent{
		DeviceID:   deviceID,
		OwnerID:    device.OwnerID,
		LocationID: locationID,
		AssignedAt: now,
	})

	return device, nil
}

func (s *LinkService) updatePairingLocation(ctx context.Context, code, deviceID, locationID string) {
	doc, err := s.store.GetRecord(ctx, docstore.CollectionSetup, code)
	if err != nil || doc == nil {
		if err != nil {
			log.Warn().Err(err).Str("code", util.MaskCode(code)).Msg("failed to read pairing record for location update")
		}
		return
	}

	var record model.PairingRecord
	if err := doc.Decode(&record); err != nil || !record.IsLinked() || *record.DeviceID != deviceID {
		return
	}

	if err := s.store.UpdateRecord(ctx, docstore.CollectionSetup, code, docstore.Fields{"locationId": locationID}); err != nil {
		log.Warn().Err(err).Str("code", util.MaskCode(code)).Msg("failed to copy location to pairing record")
	}
}

func (s *LinkService) reject(ctx context.Context, owner *identity.Identity, code, reason string) {
	audit.Log(ctx, audit.Event{
		Type:    audit.EventClaimRejected,
		OwnerID: owner.Subject,
		Details: map[string]any{"code": util.MaskCode(code), "reason": reason},
	})
}

// publish sends a domain event. Delivery failures never fail the request.
func (s *LinkService) publish(ctx context.Context, name string, payload any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), linkPublishTimeout)
	defer cancel()

	if err := s.events.Publish(ctx, name, payload); err != nil {
		log.Warn().Err(err).Str("event", name).Msg("failed to publish device event")
	}
}
