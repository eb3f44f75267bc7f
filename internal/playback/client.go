package playback

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/adgenius/carousel-tv/internal/docstore"
	apperrors "github.com/adgenius/carousel-tv/internal/errors"
	"github.com/adgenius/carousel-tv/internal/model"
	"github.com/adgenius/carousel-tv/internal/render"
)

type Phase string

const (
	PhaseLoading   Phase = "loading"
	PhaseError     Phase = "error"
	PhaseNoContent Phase = "no_content"
	PhasePlaying   Phase = "playing"
)

// Status is what the playback view shows. CurrentIndex and ItemCount are
// only set while playing.
type Status struct {
	Phase        Phase  `json:"phase"`
	CurrentIndex *int   `json:"currentIndex,omitempty"`
	ItemCount    *int   `json:"itemCount,omitempty"`
	Offline      bool   `json:"offline"`
	Error        string `json:"error,omitempty"`
	DeviceID     string `json:"deviceId,omitempty"`
	LocationID   string `json:"locationId,omitempty"`
	CarouselID   string `json:"carouselId,omitempty"`
	FromCache    bool   `json:"fromCache,omitempty"`
}

// IdentitySaver persists a new identity when the device is moved to another
// location.
type IdentitySaver interface {
	SaveIdentity(ctx context.Context, identity model.DeviceIdentity) error
}

type ClientOptions struct {
	// Engine configures the rotation. Its OnProgress is replaced.
	Engine EngineOptions
	// Identities enables following location changes of the device record.
	Identities IdentitySaver
	// OnStatus observes every status change. Calls are serialized and must
	// not call back into the client.
	OnStatus func(Status)
}

// Client is the unattended playback loop of a paired TV. It keeps the
// carousel for the device location resolved, online through a live
// subscription and offline from the local cache, and feeds it to the
// rotation engine.
type Client struct {
	store    docstore.Store
	resolver *Resolver
	engine   *Engine
	opts     ClientOptions

	applyMu sync.Mutex
	emitMu  sync.Mutex

	mu        sync.Mutex
	identity  model.DeviceIdentity
	online    bool
	phase     Phase
	err       error
	res       Resolution
	gen       uint64
	sub       docstore.Subscription
	deviceGen uint64
	deviceSub docstore.Subscription
	started   bool
	stopped   bool
}

func NewClient(store docstore.Store, cache SnapshotStore, renderer render.Renderer, opts ClientOptions) *Client {
	c := &Client{
		store: store,
		opts:  opts,
		phase: PhaseLoading,
	}

	engineOpts := opts.Engine
	engineOpts.OnProgress = c.onProgress
	c.engine = NewEngine(renderer, engineOpts)
	c.resolver = NewResolver(store, cache, c.engine.opts.Clock)
	return c
}

// Start begins playback for identity. online is the connectivity known at
// boot; later changes arrive through SetOnline.
func (c *Client) Start(identity model.DeviceIdentity, online bool) error {
	if !identity.Valid() {
		return apperrors.ValidationError("playback requires a complete device identity")
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("playback client already started")
	}
	c.started = true
	c.identity = identity
	c.online = online
	c.mu.Unlock()

	log.Info().
		Str("deviceId", identity.DeviceID).
		Str("locationId", identity.LocationID).
		Bool("online", online).
		Msg("playback starting")

	c.activate()
	return nil
}

// SetOnline records the result of a connectivity probe. A transition
// re-resolves the carousel, and so does being online after the live
// subscription was lost.
func (c *Client) SetOnline(online bool) {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.online = online
		c.mu.Unlock()
		return
	}
	changed := c.online != online
	c.online = online
	lost := online && (c.sub == nil || (c.opts.Identities != nil && c.deviceSub == nil))
	c.mu.Unlock()

	switch {
	case changed:
		log.Info().Bool("online", online).Msg("connectivity changed, re-resolving carousel")
	case lost:
		log.Info().Msg("re-subscribing to carousel changes")
	default:
		return
	}
	c.activate()
	c.emit(c.engine.Progress())
}

// Refresh is the manual retry after a query error.
func (c *Client) Refresh() {
	log.Info().Msg("manual carousel refresh")
	c.activate()
}

// Stop detaches every subscription and halts the rotation. No store
// callback changes the client after Stop returns.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.gen++
	c.deviceGen++
	sub, deviceSub := c.sub, c.deviceSub
	c.sub, c.deviceSub = nil, nil
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if deviceSub != nil {
		deviceSub.Unsubscribe()
	}
	c.engine.Stop()
	log.Info().Msg("playback stopped")
}

func (c *Client) Identity() model.DeviceIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Client) Status() Status {
	return c.status(c.engine.Progress())
}

func (c *Client) status(p Progress) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		Phase:      c.phase,
		Offline:    !c.online,
		DeviceID:   c.identity.DeviceID,
		LocationID: c.identity.LocationID,
	}
	if c.err != nil {
		s.Error = c.err.Error()
		if appErr, ok := apperrors.AsAppError(c.err); ok {
			s.Error = appErr.Message
		}
	}
	if c.res.Carousel != nil {
		s.CarouselID = c.res.Carousel.ID
		s.FromCache = c.res.FromCache
	}
	if c.phase == PhasePlaying && p.Count > 0 {
		index, count := p.Index, p.Count
		s.CurrentIndex = &index
		s.ItemCount = &count
	}
	return s
}

// activate starts a new resolution generation for the current identity and
// connectivity. Callbacks of older generations are ignored.
func (c *Client) activate() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	old := c.sub
	c.sub = nil
	locationID := c.identity.LocationID
	online := c.online
	c.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}

	if !online {
		c.apply(gen, c.resolver.ResolveOffline(context.Background(), locationID))
		return
	}

	c.follow()

	sub, err := c.resolver.Watch(locationID, func(docs []docstore.Document, err error) {
		c.onCarousels(gen, locationID, docs, err)
	})
	if err != nil {
		c.fail(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	c.sub = sub
	c.mu.Unlock()
}

func (c *Client) onCarousels(gen uint64, locationID string, docs []docstore.Document, err error) {
	if err != nil {
		c.fail(gen, apperrors.Query("carousels", err))
		return
	}
	if !c.current(gen) {
		return
	}
	c.apply(gen, c.resolver.Accept(context.Background(), locationID, docs))
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && !c.stopped
}

func (c *Client) apply(gen uint64, res Resolution) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		return
	}
	c.res = res
	c.err = nil
	if res.HasContent() {
		c.phase = PhasePlaying
	} else {
		c.phase = PhaseNoContent
	}
	phase := c.phase
	c.mu.Unlock()

	event := log.Info().Str("phase", string(phase)).Bool("fromCache", res.FromCache)
	if res.Carousel != nil {
		event = event.Str("carouselId", res.Carousel.ID).Int("itemCount", len(res.Carousel.Items))
	}
	event.Msg("carousel resolved")

	c.engine.Load(res.Items())
	c.emit(c.engine.Progress())
}

// fail drops the subscription of gen. Content that is already playing keeps
// playing; otherwise the error is shown with a refresh action.
func (c *Client) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		return
	}
	c.gen++
	sub := c.sub
	c.sub = nil
	c.err = err
	playing := c.phase == PhasePlaying
	if !playing {
		c.phase = PhaseError
	}
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}

	if playing {
		log.Warn().Err(err).Msg("carousel query failed, continuing current playback")
	} else {
		log.Error().Err(err).Msg("carousel query failed")
	}
	c.emit(c.engine.Progress())
}

// follow watches the device record so a move to another location reaches
// the TV without a re-pair.
func (c *Client) follow() {
	if c.opts.Identities == nil {
		return
	}

	c.mu.Lock()
	if c.deviceSub != nil || c.stopped {
		c.mu.Unlock()
		return
	}
	c.deviceGen++
	gen := c.deviceGen
	deviceID := c.identity.DeviceID
	c.mu.Unlock()

	sub, err := c.store.SubscribeDoc(docstore.CollectionDevices, deviceID, func(doc *docstore.Document, err error) {
		c.onDevice(gen, doc, err)
	})
	if err != nil {
		log.Warn().Err(err).Str("deviceId", deviceID).Msg("failed to watch device record")
		return
	}

	c.mu.Lock()
	if gen != c.deviceGen || c.stopped || c.deviceSub != nil {
		c.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	c.deviceSub = sub
	c.mu.Unlock()
}

func (c *Client) onDevice(gen uint64, doc *docstore.Document, err error) {
	if err != nil {
		c.mu.Lock()
		var sub docstore.Subscription
		if gen == c.deviceGen {
			c.deviceGen++
			sub = c.deviceSub
			c.deviceSub = nil
		}
		c.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		log.Warn().Err(err).Msg("device record subscription failed")
		return
	}
	if doc == nil {
		return
	}

	var record model.DeviceRecord
	if err := doc.Decode(&record); err != nil {
		log.Warn().Err(err).Str("deviceId", doc.ID).Msg("ignoring malformed device record")
		return
	}

	c.mu.Lock()
	if gen != c.deviceGen || c.stopped || record.LocationID == "" || record.LocationID == c.identity.LocationID {
		c.mu.Unlock()
		return
	}
	next := model.DeviceIdentity{DeviceID: c.identity.DeviceID, LocationID: record.LocationID}
	c.mu.Unlock()

	if err := c.opts.Identities.SaveIdentity(context.Background(), next); err != nil {
		log.Error().
			Err(apperrors.Persistence("device identity", err)).
			Str("locationId", next.LocationID).
			Msg("failed to persist new location, staying on the current one")
		return
	}

	c.mu.Lock()
	previous := c.identity.LocationID
	c.identity = next
	c.mu.Unlock()

	log.Info().
		Str("deviceId", next.DeviceID).
		Str("from", previous).
		Str("to", next.LocationID).
		Msg("device moved to another location")
	c.activate()
}

func (c *Client) onProgress(p Progress) {
	c.emit(p)
}

func (c *Client) emit(p Progress) {
	if c.opts.OnStatus == nil {
		return
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.opts.OnStatus(c.status(p))
}
