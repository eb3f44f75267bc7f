// Package pairing links an unconfigured TV to an account. The Coordinator
// publishes a short-lived code and watches for an administrator to claim
// it; the Acceptor runs coordinator sessions on the TV itself until the
// device holds a complete identity.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/adgenius/carousel-tv/internal/clock"
	"github.com/adgenius/carousel-tv/internal/docstore"
	apperrors "github.com/adgenius/carousel-tv/internal/errors"
	"github.com/adgenius/carousel-tv/internal/model"
	"github.com/adgenius/carousel-tv/internal/util"
)

const (
	DefaultTTL         = 300 * time.Second
	DefaultMaxAttempts = 3
)

type Phase string

const (
	PhaseGenerating       Phase = "generating"
	PhaseCodeReady        Phase = "code_ready"
	PhaseAwaitingLocation Phase = "awaiting_location"
	PhaseComplete         Phase = "complete"
	PhaseExpired          Phase = "expired"
	PhaseFailed           Phase = "failed"
)

// Terminal reports whether a session in this phase is finished.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseExpired || p == PhaseFailed
}

// State is the view of a session exposed to the presentation layer.
type State struct {
	Phase            Phase  `json:"phase"`
	Code             string `json:"code,omitempty"`
	CountdownSeconds *int   `json:"countdownSeconds,omitempty"`
	LinkURL          string `json:"linkUrl,omitempty"`
	DeviceID         string `json:"deviceId,omitempty"`
	LocationID       string `json:"locationId,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorCode        string `json:"errorCode,omitempty"`
}

type Result struct {
	DeviceID   string
	LocationID string
}

type Options struct {
	TTL         time.Duration
	MaxAttempts int
	Clock       clock.Clock
	// LinkBaseURL is the dashboard page an operator opens to claim a code.
	LinkBaseURL string
	// OnChange receives every state change. Calls are serialized.
	OnChange func(State)
	// Generate overrides code generation.
	Generate func() (string, error)
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Generate == nil {
		o.Generate = GenerateCode
	}
	return o
}

type Coordinator struct {
	store docstore.Store
	opts  Options

	emitMu sync.Mutex

	mu         sync.Mutex
	started    bool
	cancelled  bool
	phase      Phase
	code       string
	createdAt  time.Time
	deviceID   string
	locationID string
	err        error
	subGen     uint64
	sub        docstore.Subscription
	expiry     clock.Timer
	done       chan struct{}
}

func NewCoordinator(store docstore.Store, opts Options) *Coordinator {
	return &Coordinator{
		store: store,
		opts:  opts.withDefaults(),
		phase: PhaseGenerating,
		done:  make(chan struct{}),
	}
}

// Start publishes a new pairing record and begins observing it. A code
// whose record cannot be written is never shown; a new code is generated
// instead, up to MaxAttempts times, after which the session fails.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return apperrors.ValidationError("pairing session already started")
	}
	c.started = true
	c.mu.Unlock()
	c.notify()

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		code, err := c.opts.Generate()
		if err != nil {
			lastErr = err
			continue
		}

		record := model.NewPairingRecord(code, c.opts.Clock.Now())
		if err := c.store.CreateRecord(ctx, docstore.CollectionSetup, code, record); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Str("code", util.MaskCode(code)).
				Int("attempt", attempt).
				Msg("pairing record not published, regenerating code")
			continue
		}

		return c.publish(record)
	}

	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return context.Canceled
	}
	c.err = apperrors.Persistence("pairing record", lastErr)
	err := c.err
	c.finishLocked(PhaseFailed)
	c.mu.Unlock()

	log.Error().Err(lastErr).Int("attempts", c.opts.MaxAttempts).Msg("pairing code generation failed")
	c.notify()
	return err
}

func (c *Coordinator) publish(record model.PairingRecord) error {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return context.Canceled
	}
	c.code = record.Code
	c.createdAt = record.CreatedAt
	c.phase = PhaseCodeReady
	c.expiry = c.opts.Clock.AfterFunc(c.opts.TTL, c.onExpiry)
	c.mu.Unlock()

	log.Info().
		Str("code", util.MaskCode(record.Code)).
		Dur("ttl", c.opts.TTL).
		Msg("pairing code published")

	c.notify()
	c.observe()
	return nil
}

// observe subscribes to the session's record. The subscription generation
// guards against deliveries that race with a teardown.
func (c *Coordinator) observe() {
	c.mu.Lock()
	if c.phase != PhaseCodeReady && c.phase != PhaseAwaitingLocation {
		c.mu.Unlock()
		return
	}
	c.subGen++
	gen := c.subGen
	code := c.code
	c.mu.Unlock()

	sub, err := c.store.SubscribeDoc(docstore.CollectionSetup, code, func(doc *docstore.Document, err error) {
		c.onRecord(gen, doc, err)
	})

	c.mu.Lock()
	if err != nil {
		if gen == c.subGen && !c.phase.Terminal() {
			c.err = apperrors.Query("pairing record subscription", err)
		}
		c.mu.Unlock()
		log.Error().Err(err).Str("code", util.MaskCode(code)).Msg("failed to observe pairing record")
		c.notify()
		return
	}
	if gen != c.subGen || c.phase.Terminal() || c.cancelled {
		c.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	c.sub = sub
	c.mu.Unlock()
}

func (c *Coordinator) onRecord(gen uint64, doc *docstore.Document, err error) {
	c.mu.Lock()
	if gen != c.subGen || c.phase.Terminal() || c.cancelled {
		c.mu.Unlock()
		return
	}

	if err != nil {
		c.err = apperrors.Query("pairing record subscription", err)
		c.detachLocked()
		code := c.code
		c.mu.Unlock()
		log.Warn().Err(err).Str("code", util.MaskCode(code)).Msg("pairing record subscription failed")
		c.notify()
		return
	}

	if doc == nil {
		c.mu.Unlock()
		return
	}

	var record model.PairingRecord
	if err := doc.Decode(&record); err != nil {
		c.mu.Unlock()
		log.Warn().Err(err).Str("code", util.MaskCode(doc.ID)).Msg("ignoring malformed pairing record")
		return
	}

	changed := c.applyLocked(record)
	c.mu.Unlock()

	if changed {
		c.notify()
	}
}

// applyLocked advances the state machine for one observed record.
func (c *Coordinator) applyLocked(record model.PairingRecord) bool {
	now := c.opts.Clock.Now()

	if c.phase == PhaseCodeReady {
		if record.Status == model.PairingStatusExpired || now.Sub(c.createdAt) >= c.opts.TTL {
			c.expireLocked()
			return true
		}
	}

	if !record.IsLinked() {
		return false
	}

	deviceID := *record.DeviceID
	if record.HasLocation() {
		c.deviceID = deviceID
		c.locationID = *record.LocationID
		c.finishLocked(PhaseComplete)
		log.Info().
			Str("code", util.MaskCode(c.code)).
			Str("deviceId", deviceID).
			Str("locationId", c.locationID).
			Msg("pairing complete")
		return true
	}

	if c.phase == PhaseCodeReady {
		c.deviceID = deviceID
		c.phase = PhaseAwaitingLocation
		c.stopExpiryLocked()
		log.Info().
			Str("code", util.MaskCode(c.code)).
			Str("deviceId", deviceID).
			Msg("device claimed, awaiting location")
		return true
	}

	return false
}

func (c *Coordinator) onExpiry() {
	c.mu.Lock()
	if c.phase != PhaseCodeReady || c.cancelled {
		c.mu.Unlock()
		return
	}
	c.expireLocked()
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) expireLocked() {
	c.err = apperrors.PairingExpired()
	c.finishLocked(PhaseExpired)
	log.Info().Str("code", util.MaskCode(c.code)).Msg("pairing code expired")
}

// Complete collects the location for a claimed device. It writes the
// assignment to the device record and finishes the session.
func (c *Coordinator) Complete(ctx context.Context, locationID string) error {
	if locationID == "" {
		return apperrors.MissingRequired("locationId")
	}

	c.mu.Lock()
	if c.phase != PhaseAwaitingLocation {
		phase := c.phase
		c.mu.Unlock()
		return apperrors.ValidationError(fmt.Sprintf("cannot assign a location in phase %s", phase))
	}
	deviceID := c.deviceID
	c.mu.Unlock()

	fields := docstore.Fields{
		"deviceId":   deviceID,
		"locationId": locationID,
		"updatedAt":  c.opts.Clock.Now().UTC(),
	}
	if err := c.store.UpdateRecord(ctx, docstore.CollectionDevices, deviceID, fields); err != nil {
		return apperrors.Persistence("device location", err)
	}

	c.mu.Lock()
	if c.phase != PhaseAwaitingLocation {
		c.mu.Unlock()
		return nil
	}
	c.locationID = locationID
	c.finishLocked(PhaseComplete)
	c.mu.Unlock()

	log.Info().Str("deviceId", deviceID).Str("locationId", locationID).Msg("location assigned, pairing complete")
	c.notify()
	return nil
}

// RetryObserve re-subscribes after a subscription error. It is the manual
// retry action; nothing retries automatically.
func (c *Coordinator) RetryObserve() error {
	c.mu.Lock()
	if c.phase != PhaseCodeReady && c.phase != PhaseAwaitingLocation {
		phase := c.phase
		c.mu.Unlock()
		return apperrors.ValidationError(fmt.Sprintf("nothing to observe in phase %s", phase))
	}
	if c.sub != nil {
		c.mu.Unlock()
		return nil
	}
	if c.phase == PhaseCodeReady && c.opts.Clock.Now().Sub(c.createdAt) >= c.opts.TTL {
		c.expireLocked()
		c.mu.Unlock()
		c.notify()
		return apperrors.PairingExpired()
	}
	c.err = nil
	c.mu.Unlock()

	c.notify()
	c.observe()
	return nil
}

// Cancel tears the session down without changing its phase. Further store
// deliveries and timer firings are ignored.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelled {
		return
	}
	c.cancelled = true
	c.detachLocked()
	c.stopExpiryLocked()
	if !c.phase.Terminal() {
		close(c.done)
	}
}

// Done is closed once the session reaches a terminal phase or is cancelled.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the linked identity once the session is complete.
func (c *Coordinator) Result() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseComplete {
		return Result{}, false
	}
	return Result{DeviceID: c.deviceID, LocationID: c.locationID}, true
}

// Err returns the error behind a failed or expired session, or the pending
// subscription error of a live one.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Coordinator) Code() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Coordinator) stateLocked() State {
	state := State{
		Phase:      c.phase,
		Code:       c.code,
		DeviceID:   c.deviceID,
		LocationID: c.locationID,
	}

	if c.code != "" && c.phase != PhaseComplete {
		state.LinkURL = LinkURL(c.opts.LinkBaseURL, c.code)
	}

	if c.phase == PhaseCodeReady {
		remaining := c.createdAt.Add(c.opts.TTL).Sub(c.opts.Clock.Now())
		seconds := int((remaining + time.Second - 1) / time.Second)
		if seconds < 0 {
			seconds = 0
		}
		state.CountdownSeconds = &seconds
	}

	if c.err != nil {
		state.Error = c.err.Error()
		var appErr *apperrors.AppError
		if errors.As(c.err, &appErr) {
			state.Error = appErr.Message
			state.ErrorCode = string(appErr.Code)
		}
	}

	return state
}

func (c *Coordinator) finishLocked(phase Phase) {
	c.phase = phase
	c.detachLocked()
	c.stopExpiryLocked()
	if !c.cancelled {
		close(c.done)
	}
}

func (c *Coordinator) detachLocked() {
	c.subGen++
	if c.sub != nil {
		c.sub.Unsubscribe()
		c.sub = nil
	}
}

func (c *Coordinator) stopExpiryLocked() {
	if c.expiry != nil {
		c.expiry.Stop()
		c.expiry = nil
	}
}

func (c *Coordinator) notify() {
	if c.opts.OnChange == nil {
		return
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.opts.OnChange(c.State())
}

// LinkURL builds the dashboard address an operator opens to claim code.
func LinkURL(base, code string) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return base + "?code=" + url.QueryEscape(code)
	}
	q := u.Query()
	q.Set("code", code)
	u.RawQuery = q.Encode()
	return u.String()
}
