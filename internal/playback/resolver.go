// Package playback turns a device identity into pictures on the screen: it
// resolves the carousel for the device location, keeps an offline copy of it
// and rotates through its items forever.
package playback

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/adgenius/carousel-tv/internal/clock"
	"github.com/adgenius/carousel-tv/internal/docstore"
	apperrors "github.com/adgenius/carousel-tv/internal/errors"
	"github.com/adgenius/carousel-tv/internal/model"
)

// SnapshotStore is the device-local cache of the last resolved carousel.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context) (*model.CarouselSnapshot, error)
	SaveSnapshot(ctx context.Context, snapshot model.CarouselSnapshot) error
}

// Resolution is the outcome of carousel resolution. A nil Carousel means
// there is nothing to play at the location.
type Resolution struct {
	Carousel  *model.Carousel
	FromCache bool
}

// HasContent reports whether the resolved carousel has items to play.
func (r Resolution) HasContent() bool {
	return r.Carousel.HasContent()
}

// Items returns the playable sequence, or nil when there is no content.
func (r Resolution) Items() []model.MediaItem {
	if !r.HasContent() {
		return nil
	}
	return r.Carousel.PlaybackItems()
}

type Resolver struct {
	store docstore.Store
	cache SnapshotStore
	clock clock.Clock
}

func NewResolver(store docstore.Store, cache SnapshotStore, clk clock.Clock) *Resolver {
	if clk == nil {
		clk = clock.New()
	}
	return &Resolver{store: store, cache: cache, clock: clk}
}

// ActiveFilter selects the carousels that may play at locationID.
func ActiveFilter(locationID string) docstore.Filter {
	return docstore.Filter{
		Equals:        map[string]string{"status": string(model.CarouselStatusActive)},
		ArrayContains: map[string]string{"locations": locationID},
	}
}

// Resolve picks the carousel for locationID. Offline it only reads the local
// cache. Online it queries the store and refreshes the cache; an empty result
// is reported as no content and never replaced by cached data.
func (r *Resolver) Resolve(ctx context.Context, locationID string, online bool) (Resolution, error) {
	if !online {
		return r.ResolveOffline(ctx, locationID), nil
	}

	docs, err := r.store.Query(ctx, docstore.CollectionCarousels, ActiveFilter(locationID))
	if err != nil {
		return Resolution{}, apperrors.Query("carousels", err)
	}
	return r.Accept(ctx, locationID, docs), nil
}

// ResolveOffline returns the cached carousel when it was resolved for
// locationID. Anything else, including an unreadable cache, is no content.
func (r *Resolver) ResolveOffline(ctx context.Context, locationID string) Resolution {
	snapshot, err := r.cache.LoadSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read cached carousel")
		return Resolution{FromCache: true}
	}
	if snapshot == nil || snapshot.LocationID != locationID {
		return Resolution{FromCache: true}
	}

	carousel := snapshot.Carousel
	return Resolution{Carousel: &carousel, FromCache: true}
}

// Accept resolves a full result set delivered by the store and caches the
// winner. It is the shared tail of Resolve and live subscriptions.
func (r *Resolver) Accept(ctx context.Context, locationID string, docs []docstore.Document) Resolution {
	carousel := Select(docs, locationID, r.clock.Now())
	if carousel == nil {
		return Resolution{}
	}

	snapshot := model.CarouselSnapshot{LocationID: locationID, Carousel: *carousel}
	if err := r.cache.SaveSnapshot(ctx, snapshot); err != nil {
		log.Warn().
			Err(apperrors.Persistence("carousel snapshot", err)).
			Str("carouselId", carousel.ID).
			Msg("failed to cache carousel, continuing with live copy")
	}
	return Resolution{Carousel: carousel}
}

// Watch subscribes to the carousels that may play at locationID. fn receives
// the full matching set on every change.
func (r *Resolver) Watch(locationID string, fn func([]docstore.Document, error)) (docstore.Subscription, error) {
	sub, err := r.store.Subscribe(docstore.CollectionCarousels, ActiveFilter(locationID), fn)
	if err != nil {
		return nil, apperrors.Query("carousel subscription", err)
	}
	return sub, nil
}

// Select returns the eligible carousel with the latest modification time.
// Ties go to the lowest id. Documents that do not decode are skipped.
func Select(docs []docstore.Document, locationID string, now time.Time) *model.Carousel {
	var (
		best     *model.Carousel
		bestTime time.Time
	)

	for i := range docs {
		var c model.Carousel
		if err := docs[i].Decode(&c); err != nil {
			log.Warn().Err(err).Str("carouselId", docs[i].ID).Msg("ignoring malformed carousel")
			continue
		}
		if c.ID == "" {
			c.ID = docs[i].ID
		}
		if !c.IsEligible(locationID, now) {
			continue
		}

		modified := c.UpdatedAt
		if modified.IsZero() {
			modified = docs[i].UpdatedAt
		}

		switch {
		case best == nil, modified.After(bestTime):
		case modified.Equal(bestTime) && c.ID < best.ID:
		default:
			continue
		}
		best = &c
		bestTime = modified
	}

	return best
}
