package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adgenius/carousel-tv/internal/clock"
	"github.com/adgenius/carousel-tv/internal/docstore"
	apperrors "github.com/adgenius/carousel-tv/internal/errors"
	"github.com/adgenius/carousel-tv/internal/identity"
	"github.com/adgenius/carousel-tv/internal/model"
)

func TestCarouselPreview(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(testStart)
	store := docstore.NewMemory(clk)
	t.Cleanup(store.Close)
	svc := NewCarouselService(store, clk)

	start := testStart.Add(-time.Hour)
	end := testStart.Add(time.Hour)
	for _, c := range []model.Carousel{
		{ID: "current", Status: model.CarouselStatusActive, Locations: []string{"loc-1"}, Schedule: model.Schedule{StartDate: &start, EndDate: &end}, UpdatedAt: testStart},
		{ID: "elsewhere", Status: model.CarouselStatusActive, Locations: []string{"loc-2"}, UpdatedAt: testStart.Add(time.Minute)},
		{ID: "archived", Status: model.CarouselStatusArchived, Locations: []string{"loc-1"}, UpdatedAt: testStart.Add(time.Minute)},
	} {
		require.NoError(t, store.CreateRecord(ctx, docstore.CollectionCarousels, c.ID, c))
	}

	t.Run("selects the eligible carousel", func(t *testing.T) {
		c, err := svc.Preview(ctx, signedIn("owner-1"), "loc-1")
		require.NoError(t, err)
		assert.Equal(t, "current", c.ID)
	})

	t.Run("rejects anonymous and malformed requests", func(t *testing.T) {
		_, err := svc.Preview(ctx, identity.NewSession(nil), "loc-1")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnauthorized))

		_, err = svc.Preview(ctx, signedIn("owner-1"), "")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
	})

	t.Run("outside the window nothing plays", func(t *testing.T) {
		clk.Advance(2 * time.Hour)

		_, err := svc.Preview(ctx, signedIn("owner-1"), "loc-1")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	})
}
