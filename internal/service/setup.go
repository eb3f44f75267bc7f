package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/adgenius/carousel-tv/internal/clock"
	"github.com/adgenius/carousel-tv/internal/docstore"
	apperrors "github.com/adgenius/carousel-tv/internal/errors"
	"github.com/adgenius/carousel-tv/internal/pairing"
	redisclient "github.com/adgenius/carousel-tv/internal/redis"
	"github.com/adgenius/carousel-tv/internal/util"
)

const (
	SetupStateEvent       = "state"
	DefaultSetupRetention = 10 * time.Minute
	DefaultSetupAbandon   = time.Hour
	statePublishTimeout   = 5 * time.Second
)

// TopicPublisher delivers JSON events to the subscribers of a topic.
type TopicPublisher interface {
	PublishJSON(ctx context.Context, topic, eventType string, data any) error
}

type SetupOptions struct {
	// Session configures every coordinator. OnChange is replaced.
	Session pairing.Options
	// Retention is how long a finished session stays readable.
	Retention time.Duration
	// AbandonAfter bounds the life of a session that never finishes, such
	// as a screen left at the location step.
	AbandonAfter time.Duration
}

type setupSession struct {
	coord         *pairing.Coordinator
	startedAt     time.Time
	terminalSince time.Time
}

// SetupService hosts pairing coordinators for screens that run the setup
// page in a browser. Every state change is published on the session's
// setup topic.
type SetupService struct {
	store     docstore.Store
	publisher TopicPublisher
	opts      SetupOptions
	clock     clock.Clock

	mu       sync.Mutex
	sessions map[string]*setupSession
}

func NewSetupService(store docstore.Store, publisher TopicPublisher, opts SetupOptions) *SetupService {
	if opts.Retention <= 0 {
		opts.Retention = DefaultSetupRetention
	}
	if opts.AbandonAfter <= 0 {
		opts.AbandonAfter = DefaultSetupAbandon
	}
	if opts.Session.Clock == nil {
		opts.Session.Clock = clock.New()
	}
	return &SetupService{
		store:     store,
		publisher: publisher,
		opts:      opts,
		clock:     opts.Session.Clock,
		sessions:  make(map[string]*setupSession),
	}
}

// Start publishes a new pairing code and returns its first visible state.
func (s *SetupService) Start(ctx context.Context) (pairing.State, error) {
	sessionOpts := s.opts.Session
	sessionOpts.OnChange = s.broadcast
	coord := pairing.NewCoordinator(s.store, sessionOpts)

	if err := coord.Start(ctx); err != nil {
		return coord.State(), err
	}

	code := coord.Code()
	s.mu.Lock()
	s.sessions[code] = &setupSession{coord: coord, startedAt: s.clock.Now()}
	count := len(s.sessions)
	s.mu.Unlock()

	log.Info().Str("code", util.MaskCode(code)).Int("sessions", count).Msg("setup session started")
	return coord.State(), nil
}

func (s *SetupService) Get(code string) (pairing.State, error) {
	coord, err := s.lookup(code)
	if err != nil {
		return pairing.State{}, err
	}
	return coord.State(), nil
}

// Retry re-subscribes a session whose record subscription failed.
func (s *SetupService) Retry(code string) (pairing.State, error) {
	coord, err := s.lookup(code)
	if err != nil {
		return pairing.State{}, err
	}
	if err := coord.RetryObserve(); err != nil {
		return coord.State(), err
	}
	return coord.State(), nil
}

// SubmitLocation is the location step for a session whose device was
// claimed without one.
func (s *SetupService) SubmitLocation(ctx context.Context, code, locationID string) (pairing.State, error) {
	coord, err := s.lookup(code)
	if err != nil {
		return pairing.State{}, err
	}
	if locationID != "" && !util.IsValidLocationID(locationID) {
		return coord.State(), apperrors.ValidationError("Invalid locationId")
	}
	if err := coord.Complete(ctx, locationID); err != nil {
		return coord.State(), err
	}
	return coord.State(), nil
}

// Prune forgets sessions that finished more than the retention ago, and
// cancels those still open past AbandonAfter. It returns how many were
// removed.
func (s *SetupService) Prune(ctx context.Context) (int64, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for code, session := range s.sessions {
		if !session.coord.State().Phase.Terminal() {
			if now.Sub(session.startedAt) >= s.opts.AbandonAfter {
				session.coord.Cancel()
				delete(s.sessions, code)
				removed++
				log.Info().Str("code", util.MaskCode(code)).Msg("abandoned setup session removed")
			}
			continue
		}
		if session.terminalSince.IsZero() {
			session.terminalSince = now
			continue
		}
		if now.Sub(session.terminalSince) >= s.opts.Retention {
			delete(s.sessions, code)
			removed++
		}
	}
	return removed, nil
}

// Close cancels every live session.
func (s *SetupService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for code, session := range s.sessions {
		session.coord.Cancel()
		delete(s.sessions, code)
	}
}

func (s *SetupService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *SetupService) lookup(code string) (*pairing.Coordinator, error) {
	code = pairing.NormalizeCode(code)
	if code == "" {
		return nil, apperrors.MissingRequired("code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[code]
	if !ok {
		return nil, apperrors.NotFound("Setup session")
	}
	return session.coord, nil
}

func (s *SetupService) broadcast(state pairing.State) {
	if s.publisher == nil || state.Code == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), statePublishTimeout)
	defer cancel()

	if err := s.publisher.PublishJSON(ctx, redisclient.SetupTopic(state.Code), SetupStateEvent, state); err != nil {
		log.Warn().Err(err).Str("code", util.MaskCode(state.Code)).Msg("failed to publish setup state")
	}
}
