// Package render is the media surface of the TV: it puts one item on screen
// at a time and reports back how that went.
package render

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/adgenius/carousel-tv/internal/model"
)

type Cue int

const (
	// CueReady means the item loaded and is on screen.
	CueReady Cue = iota
	// CueEnded means a video played to its end.
	CueEnded
	// CueFailed means the item could not be loaded or decoded.
	CueFailed
)

func (c Cue) String() string {
	switch c {
	case CueReady:
		return "ready"
	case CueEnded:
		return "ended"
	case CueFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Report receives the cues of one Show call. It may be called from any
// goroutine, including synchronously from inside Show.
type Report func(cue Cue, err error)

type Renderer interface {
	// Show replaces whatever is on screen with item.
	Show(ctx context.Context, item model.MediaItem, report Report)
	// Clear blanks the media surface, leaving room for a status message.
	Clear()
	Close() error
}

// Headless renders nothing. Every item is reported ready immediately and
// videos rely on their fallback timer. It backs demo runs and status-only
// deployments.
type Headless struct {
	mu      sync.Mutex
	current *model.MediaItem
	shown   int
}

func NewHeadless() *Headless {
	return &Headless{}
}

func (h *Headless) Show(ctx context.Context, item model.MediaItem, report Report) {
	h.mu.Lock()
	h.current = &item
	h.shown++
	h.mu.Unlock()

	log.Info().
		Str("itemId", item.ID).
		Str("type", string(item.Type)).
		Str("url", item.URL).
		Msg("showing media item")
	report(CueReady, nil)
}

func (h *Headless) Clear() {
	h.mu.Lock()
	h.current = nil
	h.mu.Unlock()
}

func (h *Headless) Close() error {
	h.Clear()
	return nil
}

// Current returns the item on screen, or nil.
func (h *Headless) Current() *model.MediaItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return nil
	}
	item := *h.current
	return &item
}

// Shown returns how many items were shown so far.
func (h *Headless) Shown() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shown
}
