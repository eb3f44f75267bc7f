package service

import (
	"context"

	"github.com/adgenius/carousel-tv/internal/clock"
	"github.com/adgenius/carousel-tv/internal/docstore"
	apperrors "github.com/adgenius/carousel-tv/internal/errors"
	"github.com/adgenius/carousel-tv/internal/identity"
	"github.com/adgenius/carousel-tv/internal/model"
	"github.com/adgenius/carousel-tv/internal/playback"
	"github.com/adgenius/carousel-tv/internal/util"
)

// CarouselService answers which carousel a TV at a location would play.
type CarouselService struct {
	store docstore.Store
	clock clock.Clock
}

func NewCarouselService(store docstore.Store, clk clock.Clock) *CarouselService {
	if clk == nil {
		clk = clock.New()
	}
	return &CarouselService{store: store, clock: clk}
}

// Preview runs the online resolution for locationID without touching any
// device cache.
func (s *CarouselService) Preview(ctx context.Context, who identity.Provider, locationID string) (*model.Carousel, error) {
	if who.CurrentIdentity() == nil {
		return nil, apperrors.Unauthorized("Sign in to preview carousels")
	}
	if !util.IsValidLocationID(locationID) {
		return nil, apperrors.ValidationError("Invalid locationId")
	}

	docs, err := s.store.Query(ctx, docstore.CollectionCarousels, playback.ActiveFilter(locationID))
	if err != nil {
		return nil, apperrors.Query("carousels", err)
	}

	carousel := playback.Select(docs, locationID, s.clock.Now())
	if carousel == nil {
		return nil, apperrors.NotFound("Carousel")
	}
	return carousel, nil
}
