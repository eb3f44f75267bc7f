package pairing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/adgenius/carousel-tv/internal/docstore"
	apperrors "github.com/adgenius/carousel-tv/internal/errors"
	"github.com/adgenius/carousel-tv/internal/model"
)

// IdentityStore is the device-local persistence of the paired identity.
// LoadIdentity reports a stored device id without a location as an
// IncompleteIdentity error.
type IdentityStore interface {
	LoadIdentity(ctx context.Context) (*model.DeviceIdentity, error)
	SaveIdentity(ctx context.Context, identity model.DeviceIdentity) error
}

// ClaimState is what the device knows about its own pairing. Only Ready is
// ever written to local storage.
type ClaimState interface {
	claimName() string
}

type Unclaimed struct{}

type ClaimedNoLocation struct {
	DeviceID string
}

type Ready struct {
	Identity model.DeviceIdentity
}

func (Unclaimed) claimName() string         { return "unclaimed" }
func (ClaimedNoLocation) claimName() string { return "claimed_no_location" }
func (Ready) claimName() string             { return "ready" }

type AcceptorState struct {
	Claim      string `json:"claim"`
	DeviceID   string `json:"deviceId,omitempty"`
	LocationID string `json:"locationId,omitempty"`
	Pairing    *State `json:"pairing,omitempty"`
}

type AcceptorOptions struct {
	// Session configures every coordinator session. Its OnChange is replaced.
	Session Options
	// RestartDelay is the pause before a new code replaces an expired or
	// failed one.
	RestartDelay time.Duration
	OnChange     func(AcceptorState)
}

// Acceptor runs pairing on an unattended TV. It keeps starting sessions
// until one completes, since nobody is in front of the screen to retry.
type Acceptor struct {
	store      docstore.Store
	identities IdentityStore
	opts       AcceptorOptions

	emitMu sync.Mutex

	mu        sync.Mutex
	claim     ClaimState
	session   *Coordinator
	locations chan string
}

func NewAcceptor(store docstore.Store, identities IdentityStore, opts AcceptorOptions) *Acceptor {
	opts.Session = opts.Session.withDefaults()
	return &Acceptor{
		store:      store,
		identities: identities,
		opts:       opts,
		claim:      Unclaimed{},
	}
}

// Run returns the device identity, pairing first when none is stored. It
// blocks until the identity is complete and persisted or ctx ends.
func (a *Acceptor) Run(ctx context.Context) (model.DeviceIdentity, error) {
	identity, err := a.identities.LoadIdentity(ctx)
	switch {
	case err == nil && identity != nil:
		a.setClaim(Ready{Identity: *identity})
		log.Info().
			Str("deviceId", identity.DeviceID).
			Str("locationId", identity.LocationID).
			Msg("device identity found, skipping pairing")
		return *identity, nil

	case apperrors.HasCode(err, apperrors.ErrCodeIncompleteIdentity):
		deviceID := incompleteDeviceID(err)
		log.Warn().Str("deviceId", deviceID).Msg("stored identity has no location, resuming at location step")
		return a.resume(ctx, deviceID)

	case err != nil:
		return model.DeviceIdentity{}, apperrors.Wrap(apperrors.ErrCodePersistence, "Failed to read device identity", err)
	}

	a.setClaim(Unclaimed{})
	for {
		sessionOpts := a.opts.Session
		sessionOpts.OnChange = a.onSession
		session := NewCoordinator(a.store, sessionOpts)

		a.mu.Lock()
		a.session = session
		a.mu.Unlock()

		// Failures surface through the session phase.
		_ = session.Start(ctx)

		select {
		case <-ctx.Done():
			session.Cancel()
			return model.DeviceIdentity{}, ctx.Err()
		case <-session.Done():
		}

		if result, ok := session.Result(); ok {
			return a.finish(ctx, model.DeviceIdentity{DeviceID: result.DeviceID, LocationID: result.LocationID})
		}

		state := session.State()
		log.Info().
			Str("phase", string(state.Phase)).
			Str("error", state.Error).
			Dur("restartDelay", a.opts.RestartDelay).
			Msg("pairing session ended without a link, starting a new one")

		if err := a.wait(ctx, a.opts.RestartDelay); err != nil {
			return model.DeviceIdentity{}, err
		}
		a.setClaim(Unclaimed{})
	}
}

// resume waits for the location of a device that was claimed before a
// restart, either from the device record or from SubmitLocation.
func (a *Acceptor) resume(ctx context.Context, deviceID string) (model.DeviceIdentity, error) {
	locations := make(chan string, 1)

	a.mu.Lock()
	a.claim = ClaimedNoLocation{DeviceID: deviceID}
	a.locations = locations
	a.mu.Unlock()
	a.emit()

	sub, err := a.store.SubscribeDoc(docstore.CollectionDevices, deviceID, func(doc *docstore.Document, err error) {
		if err != nil {
			log.Warn().Err(err).Str("deviceId", deviceID).Msg("device record subscription failed")
			return
		}
		if doc == nil {
			return
		}
		var record model.DeviceRecord
		if err := doc.Decode(&record); err != nil {
			log.Warn().Err(err).Str("deviceId", deviceID).Msg("ignoring malformed device record")
			return
		}
		if record.LocationID != "" {
			offer(locations, record.LocationID)
		}
	})
	if err != nil {
		log.Warn().Err(err).Str("deviceId", deviceID).Msg("failed to observe device record, waiting for local location entry")
	} else {
		defer sub.Unsubscribe()
	}

	select {
	case <-ctx.Done():
		return model.DeviceIdentity{}, ctx.Err()
	case locationID := <-locations:
		return a.finish(ctx, model.DeviceIdentity{DeviceID: deviceID, LocationID: locationID})
	}
}

func (a *Acceptor) finish(ctx context.Context, identity model.DeviceIdentity) (model.DeviceIdentity, error) {
	if err := a.identities.SaveIdentity(ctx, identity); err != nil {
		return model.DeviceIdentity{}, apperrors.Persistence("device identity", err)
	}

	a.setClaim(Ready{Identity: identity})
	log.Info().
		Str("deviceId", identity.DeviceID).
		Str("locationId", identity.LocationID).
		Msg("device identity persisted")
	return identity, nil
}

// SubmitLocation is the location-collection step for a claimed device.
func (a *Acceptor) SubmitLocation(ctx context.Context, locationID string) error {
	if locationID == "" {
		return apperrors.MissingRequired("locationId")
	}

	a.mu.Lock()
	claim := a.claim
	session := a.session
	locations := a.locations
	a.mu.Unlock()

	claimed, ok := claim.(ClaimedNoLocation)
	if !ok {
		return apperrors.ValidationError("device is not awaiting a location")
	}

	if locations == nil {
		return session.Complete(ctx, locationID)
	}

	fields := docstore.Fields{
		"deviceId":   claimed.DeviceID,
		"locationId": locationID,
		"updatedAt":  a.opts.Session.Clock.Now().UTC(),
	}
	if err := a.store.UpdateRecord(ctx, docstore.CollectionDevices, claimed.DeviceID, fields); err != nil {
		return apperrors.Persistence("device location", err)
	}
	offer(locations, locationID)
	return nil
}

func (a *Acceptor) Claim() ClaimState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.claim
}

// Session returns the current coordinator session, if any.
func (a *Acceptor) Session() *Coordinator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *Acceptor) State() AcceptorState {
	a.mu.Lock()
	claim := a.claim
	session := a.session
	resuming := a.locations != nil
	a.mu.Unlock()

	var pairing *State
	switch {
	case resuming:
		if c, ok := claim.(ClaimedNoLocation); ok {
			pairing = &State{Phase: PhaseAwaitingLocation, DeviceID: c.DeviceID}
		}
	case session != nil:
		s := session.State()
		pairing = &s
	}
	return a.describe(claim, pairing)
}

func (a *Acceptor) describe(claim ClaimState, pairing *State) AcceptorState {
	state := AcceptorState{Claim: claim.claimName(), Pairing: pairing}
	switch c := claim.(type) {
	case ClaimedNoLocation:
		state.DeviceID = c.DeviceID
	case Ready:
		state.DeviceID = c.Identity.DeviceID
		state.LocationID = c.Identity.LocationID
	}
	return state
}

// onSession runs inside the coordinator's notification path, so it must
// not call back into methods of the coordinator that notify.
func (a *Acceptor) onSession(state State) {
	a.mu.Lock()
	if _, ready := a.claim.(Ready); !ready {
		switch state.Phase {
		case PhaseAwaitingLocation:
			a.claim = ClaimedNoLocation{DeviceID: state.DeviceID}
		case PhaseGenerating, PhaseCodeReady:
			a.claim = Unclaimed{}
		}
	}
	claim := a.claim
	a.mu.Unlock()

	a.publish(a.describe(claim, &state))
}

func (a *Acceptor) setClaim(claim ClaimState) {
	a.mu.Lock()
	a.claim = claim
	a.mu.Unlock()
	a.emit()
}

func (a *Acceptor) emit() {
	if a.opts.OnChange == nil {
		return
	}
	a.publish(a.State())
}

func (a *Acceptor) publish(state AcceptorState) {
	if a.opts.OnChange == nil {
		return
	}
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	a.opts.OnChange(state)
}

func (a *Acceptor) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	elapsed := make(chan struct{})
	timer := a.opts.Session.Clock.AfterFunc(d, func() { close(elapsed) })
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-elapsed:
		return nil
	}
}

func incompleteDeviceID(err error) string {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		return ""
	}
	if details, ok := appErr.Details.(map[string]string); ok {
		return details["deviceId"]
	}
	return ""
}

func offer(ch chan string, value string) {
	select {
	case ch <- value:
	default:
	}
}
