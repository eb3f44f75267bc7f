package playback

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/adgenius/carousel-tv/internal/clock"
	apperrors "github.com/adgenius/carousel-tv/internal/errors"
	"github.com/adgenius/carousel-tv/internal/model"
	"github.com/adgenius/carousel-tv/internal/render"
)

const (
	DefaultItemDuration = 10 * time.Second
	DefaultVideoGrace   = 10 * time.Second
	DefaultErrorBackoff = 5 * time.Second
)

type EngineOptions struct {
	Clock clock.Clock
	// DefaultDuration applies to items without a positive duration.
	DefaultDuration time.Duration
	// VideoGrace is added to a video's duration before the fallback timer
	// advances past a video that never reported its end.
	VideoGrace time.Duration
	// ErrorBackoff is the pause after every item of the cycle failed in a row.
	ErrorBackoff time.Duration
	// OnProgress observes every index change. It runs on the goroutine that
	// drives the renderer and must not call back into the engine.
	OnProgress func(Progress)
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.DefaultDuration <= 0 {
		o.DefaultDuration = DefaultItemDuration
	}
	if o.VideoGrace <= 0 {
		o.VideoGrace = DefaultVideoGrace
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = DefaultErrorBackoff
	}
	return o
}

// Progress is the read-only position of the rotation. Count is zero while idle.
type Progress struct {
	Index  int    `json:"currentIndex"`
	Count  int    `json:"itemCount"`
	ItemID string `json:"itemId,omitempty"`
}

func (p Progress) Idle() bool {
	return p.Count == 0
}

// Engine rotates through a carousel's items forever. Every armed trigger
// carries the epoch it was armed in; entering an item starts a new epoch, so
// exactly one trigger per item can advance the rotation and any later timer
// or cue for that item is ignored.
type Engine struct {
	renderer render.Renderer
	opts     EngineOptions
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	items     []model.MediaItem
	index     int
	epoch     uint64
	timer     clock.Timer
	failures  int
	loaded    bool
	stopped   bool
	queue     []frame
	rendering bool
}

// frame is one pending update of the screen. A frame with neither item nor
// clear set only reports progress.
type frame struct {
	epoch    uint64
	item     *model.MediaItem
	clear    bool
	progress Progress
}

func NewEngine(renderer render.Renderer, opts EngineOptions) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		renderer: renderer,
		opts:     opts.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Load swaps in a new item sequence. The rotation keeps its index, wrapped to
// the new length, and an unchanged sequence leaves the current item and its
// timer alone. An empty sequence makes the engine idle.
func (e *Engine) Load(items []model.MediaItem) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}

	var f *frame
	switch {
	case len(items) == 0:
		if e.loaded && len(e.items) == 0 {
			break
		}
		e.stopTimerLocked()
		e.epoch++
		e.items = nil
		e.index = 0
		e.failures = 0
		f = &frame{epoch: e.epoch, clear: true, progress: e.progressLocked()}
		log.Info().Msg("rotation idle, nothing to play")

	case len(e.items) == 0:
		e.items = slices.Clone(items)
		e.index = 0
		e.failures = 0
		f = e.enterLocked()
		log.Info().Int("itemCount", len(items)).Msg("rotation started")

	case slices.Equal(items, e.items):
		// Unchanged: the current item keeps playing on its own timer.

	default:
		current := e.items[e.index]
		e.items = slices.Clone(items)
		e.index %= len(e.items)
		e.failures = 0
		if e.items[e.index] != current {
			f = e.enterLocked()
		} else {
			f = &frame{epoch: e.epoch, progress: e.progressLocked()}
		}
		log.Info().
			Int("itemCount", len(items)).
			Int("index", e.index).
			Msg("rotation sequence replaced")
	}

	e.loaded = true
	e.mu.Unlock()

	if f != nil {
		e.render(*f)
	}
}

// Stop halts the rotation for good and kills any media still playing.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.stopTimerLocked()
	e.epoch++
	e.items = nil
	e.queue = nil
	e.mu.Unlock()

	e.cancel()
}

func (e *Engine) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progressLocked()
}

func (e *Engine) progressLocked() Progress {
	p := Progress{Count: len(e.items)}
	if p.Count > 0 {
		p.Index = e.index
		p.ItemID = e.items[e.index].ID
	}
	return p
}

// enterLocked starts a new epoch on the current index and arms its timer.
// Images advance when it fires; for videos it is the fallback behind the
// end-of-playback cue.
func (e *Engine) enterLocked() *frame {
	e.stopTimerLocked()
	e.epoch++
	epoch := e.epoch

	item := e.items[e.index]
	budget := item.DisplayDuration(e.opts.DefaultDuration)
	if item.IsVideo() {
		budget += e.opts.VideoGrace
	}
	e.timer = e.opts.Clock.AfterFunc(budget, func() { e.onTimer(epoch, false) })

	return &frame{epoch: epoch, item: &item, progress: e.progressLocked()}
}

func (e *Engine) advanceLocked() *frame {
	e.index = (e.index + 1) % len(e.items)
	return e.enterLocked()
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) onTimer(epoch uint64, backoff bool) {
	e.mu.Lock()
	if epoch != e.epoch || e.stopped || len(e.items) == 0 {
		e.mu.Unlock()
		return
	}

	item := e.items[e.index]
	if item.IsVideo() && !backoff {
		log.Warn().
			Str("itemId", item.ID).
			Int("index", e.index).
			Msg("video did not report its end, advancing on fallback timer")
	}
	if !backoff {
		e.failures = 0
	}
	f := e.advanceLocked()
	e.mu.Unlock()

	e.render(*f)
}

func (e *Engine) onCue(epoch uint64, item model.MediaItem, cue render.Cue, err error) {
	e.mu.Lock()
	if epoch != e.epoch || e.stopped {
		e.mu.Unlock()
		return
	}

	var f *frame
	switch cue {
	case render.CueReady:
		log.Debug().Str("itemId", item.ID).Int("index", e.index).Msg("media item ready")

	case render.CueEnded:
		if item.IsVideo() {
			e.failures = 0
			f = e.advanceLocked()
		}

	case render.CueFailed:
		e.failures++
		log.Warn().
			Err(apperrors.Media(item.ID, err)).
			Str("url", item.URL).
			Int("index", e.index).
			Msg("skipping media item")

		if e.failures < len(e.items) {
			f = e.advanceLocked()
			break
		}

		e.failures = 0
		e.stopTimerLocked()
		e.epoch++
		backoffEpoch := e.epoch
		e.timer = e.opts.Clock.AfterFunc(e.opts.ErrorBackoff, func() { e.onTimer(backoffEpoch, true) })
		log.Warn().
			Int("itemCount", len(e.items)).
			Dur("backoff", e.opts.ErrorBackoff).
			Msg("every media item failed, backing off")
	}
	e.mu.Unlock()

	if f != nil {
		e.render(*f)
	}
}

// render queues f and drains the queue unless another goroutine already is.
// Renderer calls therefore happen one at a time, in order and without the
// engine lock, and a renderer may report cues synchronously from Show.
func (e *Engine) render(f frame) {
	e.mu.Lock()
	e.queue = append(e.queue, f)
	if e.rendering {
		e.mu.Unlock()
		return
	}

	e.rendering = true
	for len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		if next.epoch != e.epoch || e.stopped {
			continue
		}
		e.mu.Unlock()
		e.draw(next)
		e.mu.Lock()
	}
	e.rendering = false
	e.mu.Unlock()
}

func (e *Engine) draw(f frame) {
	switch {
	case f.clear:
		e.renderer.Clear()
	case f.item != nil:
		item := *f.item
		epoch := f.epoch
		e.renderer.Show(e.ctx, item, func(cue render.Cue, err error) {
			e.onCue(epoch, item, cue, err)
		})
	}

	if e.opts.OnProgress != nil {
		e.opts.OnProgress(f.progress)
	}
}
