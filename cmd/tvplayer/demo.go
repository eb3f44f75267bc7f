package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/adgenius/carousel-tv/internal/clock"
	"github.com/adgenius/carousel-tv/internal/docstore"
	"github.com/adgenius/carousel-tv/internal/events"
	"github.com/adgenius/carousel-tv/internal/identity"
	"github.com/adgenius/carousel-tv/internal/model"
	"github.com/adgenius/carousel-tv/internal/pairing"
	"github.com/adgenius/carousel-tv/internal/service"
)

const (
	demoLocationID = "demo-lobby"
	demoOwnerID    = "demo-owner"
	demoLinkDelay  = 5 * time.Second
)

// seedDemo writes a carousel for the demo location.
func seedDemo(ctx context.Context, store docstore.Store) error {
	now := time.Now().UTC()
	carousel := model.Carousel{
		ID:        "demo-carousel",
		Name:      "Lobby demo",
		Status:    model.CarouselStatusActive,
		Locations: []string{demoLocationID},
		Schedule:  model.Schedule{DisplayDuration: 8},
		Items: []model.MediaItem{
			{ID: "welcome", URL: "https://picsum.photos/seed/welcome/1920/1080", Type: model.MediaTypeImage, Name: "Welcome", Order: 0, Duration: 8},
			{ID: "specials", URL: "https://picsum.photos/seed/specials/1920/1080", Type: model.MediaTypeImage, Name: "Specials", Order: 1, Duration: 6},
			{ID: "loop", URL: "https://test-videos.co.uk/vids/bigbuckbunny/mp4/h264/360/Big_Buck_Bunny_360_10s_1MB.mp4", Type: model.MediaTypeVideo, Name: "Teaser", Order: 2, Duration: 10},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return store.CreateRecord(ctx, docstore.CollectionCarousels, carousel.ID, carousel)
}

// demoLinker plays the dashboard operator: it claims every code the TV shows
// for the demo location after a short pause.
type demoLinker struct {
	link  *service.LinkService
	owner identity.Provider

	mu      sync.Mutex
	claimed map[string]bool
	timers  []*time.Timer
	stopped bool
}

func newDemoLinker(store docstore.Store, clk clock.Clock, ttl time.Duration) *demoLinker {
	return &demoLinker{
		link:    service.NewLinkService(store, nil, events.Nop{}, service.LinkOptions{TTL: ttl, Clock: clk}),
		owner:   identity.NewSession(&identity.Identity{Subject: demoOwnerID, Name: "Demo operator"}),
		claimed: make(map[string]bool),
	}
}

func (d *demoLinker) offer(state pairing.State) {
	if state.Phase != pairing.PhaseCodeReady || state.Code == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.claimed[state.Code] {
		return
	}
	d.claimed[state.Code] = true

	code := state.Code
	d.timers = append(d.timers, time.AfterFunc(demoLinkDelay, func() {
		result, err := d.link.Claim(context.Background(), d.owner, service.ClaimRequest{Code: code, LocationID: demoLocationID})
		if err != nil {
			log.Warn().Err(err).Msg("demo link failed")
			return
		}
		log.Info().Str("deviceId", result.DeviceID).Str("locationId", result.LocationID).Msg("demo link claimed the code")
	}))
}

func (d *demoLinker) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for _, t := range d.timers {
		t.Stop()
	}
}
