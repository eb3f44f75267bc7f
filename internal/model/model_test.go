package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPairingRecord(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ttl := 300 * time.Second

	t.Run("pending record expires once older than ttl", func(t *testing.T) {
		rec := NewPairingRecord("ABCD-EFGH", created)
		assert.False(t, rec.IsExpired(created.Add(299*time.Second), ttl))
		assert.True(t, rec.IsExpired(created.Add(310*time.Second), ttl))
	})

	t.Run("linked record is not aged out", func(t *testing.T) {
		device := "tv-1"
		rec := NewPairingRecord("ABCD-EFGH", created)
		rec.Status = PairingStatusLinked
		rec.DeviceID = &device
		assert.False(t, rec.IsExpired(created.Add(time.Hour), ttl))
		assert.True(t, rec.IsLinked())
	})

	t.Run("linked without device id is not linked", func(t *testing.T) {
		rec := NewPairingRecord("ABCD-EFGH", created)
		rec.Status = PairingStatusLinked
		assert.False(t, rec.IsLinked())
	})

	t.Run("status only moves forward", func(t *testing.T) {
		assert.True(t, PairingStatusPending.CanTransition(PairingStatusLinked))
		assert.True(t, PairingStatusPending.CanTransition(PairingStatusExpired))
		assert.False(t, PairingStatusLinked.CanTransition(PairingStatusPending))
		assert.False(t, PairingStatusExpired.CanTransition(PairingStatusLinked))
		assert.False(t, PairingStatusLinked.CanTransition(PairingStatusExpired))
	})
}

func TestCarousel(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("eligibility requires active status and location", func(t *testing.T) {
		c := Carousel{Status: CarouselStatusActive, Locations: []string{"loc-1"}}
		assert.True(t, c.IsEligible("loc-1", now))
		assert.False(t, c.IsEligible("loc-2", now))

		c.Status = CarouselStatusDraft
		assert.False(t, c.IsEligible("loc-1", now))
	})

	t.Run("schedule window restricts only when both bounds are set", func(t *testing.T) {
		start := now.Add(24 * time.Hour)
		end := now.Add(48 * time.Hour)
		c := Carousel{Status: CarouselStatusActive, Locations: []string{"loc-1"}}

		c.Schedule.StartDate = &start
		assert.True(t, c.IsEligible("loc-1", now))

		c.Schedule.EndDate = &end
		assert.False(t, c.IsEligible("loc-1", now))
		assert.True(t, c.IsEligible("loc-1", start.Add(time.Hour)))
	})

	t.Run("playback items follow order and inherit display duration", func(t *testing.T) {
		c := Carousel{
			Schedule: Schedule{DisplayDuration: 7},
			Items: []MediaItem{
				{ID: "c", Order: 2, Duration: 3},
				{ID: "a", Order: 0},
				{ID: "b", Order: 1, Duration: 5},
			},
		}

		items := c.PlaybackItems()
		assert.Equal(t, "a", items[0].ID)
		assert.Equal(t, "b", items[1].ID)
		assert.Equal(t, "c", items[2].ID)
		assert.Equal(t, 7, items[0].Duration)
		assert.Equal(t, 0, c.Items[1].Duration, "source carousel must not be mutated")
	})

	t.Run("nil or empty carousel has no content", func(t *testing.T) {
		var c *Carousel
		assert.False(t, c.HasContent())
		assert.False(t, (&Carousel{}).HasContent())
	})
}

func TestMediaItemDisplayDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, MediaItem{Duration: 5}.DisplayDuration(time.Second))
	assert.Equal(t, time.Second, MediaItem{}.DisplayDuration(time.Second))
}
