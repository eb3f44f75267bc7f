package model

import (
	"sort"
	"time"
)

type Carousel struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Status    CarouselStatus `json:"status"`
	Locations []string       `json:"locations"`
	Items     []MediaItem    `json:"items"`
	Schedule  Schedule       `json:"schedule"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Schedule is the display window of a carousel. DisplayDuration is the
// per-item default in seconds.
type Schedule struct {
	StartDate       *time.Time `json:"startDate,omitempty"`
	EndDate         *time.Time `json:"endDate,omitempty"`
	DisplayDuration int        `json:"displayDuration"`
}

type MediaItem struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	Type     MediaType `json:"type"`
	Name     string    `json:"name,omitempty"`
	Order    int       `json:"order"`
	Duration int       `json:"duration"`
}

// IsVideo reports whether the item's own end-of-playback signal decides its on-screen time.
func (m MediaItem) IsVideo() bool {
	return m.Type == MediaTypeVideo
}

// DisplayDuration returns the authoritative image duration, or the fallback
// budget for a video.
func (m MediaItem) DisplayDuration(fallback time.Duration) time.Duration {
	if m.Duration > 0 {
		return time.Duration(m.Duration) * time.Second
	}
	return fallback
}

// AssignedTo reports whether the carousel lists locationID.
func (c *Carousel) AssignedTo(locationID string) bool {
	for _, l := range c.Locations {
		if l == locationID {
			return true
		}
	}
	return false
}

// InWindow reports whether now is inside the schedule. A schedule without
// both bounds never restricts playback.
func (c *Carousel) InWindow(now time.Time) bool {
	s := c.Schedule
	if s.StartDate == nil || s.EndDate == nil {
		return true
	}
	return !now.Before(*s.StartDate) && !now.After(*s.EndDate)
}

// IsEligible reports whether the carousel may play at locationID at now.
func (c *Carousel) IsEligible(locationID string, now time.Time) bool {
	return c.Status == CarouselStatusActive && c.AssignedTo(locationID) && c.InWindow(now)
}

// PlaybackItems returns the items sorted by order, with durations defaulted
// from the schedule. The carousel itself is left untouched.
func (c *Carousel) PlaybackItems() []MediaItem {
	items := make([]MediaItem, len(c.Items))
	copy(items, c.Items)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Order < items[j].Order
	})
	for i := range items {
		if items[i].Duration <= 0 && c.Schedule.DisplayDuration > 0 {
			items[i].Duration = c.Schedule.DisplayDuration
		}
	}
	return items
}

// HasContent reports whether there is anything to play.
func (c *Carousel) HasContent() bool {
	return c != nil && len(c.Items) > 0
}
