package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adgenius/carousel-tv/internal/docstore"
	"github.com/adgenius/carousel-tv/internal/model"
	"github.com/adgenius/carousel-tv/internal/pairing"
	"github.com/adgenius/carousel-tv/internal/playback"
)

func TestCarouselsHandler(t *testing.T) {
	newRouter := func(t *testing.T) (*fixture, http.Handler) {
		f := newFixture(t)
		r := chi.NewRouter()
		r.Get("/v1/locations/{locationId}/carousel", NewCarouselsHandler(f.carousels).Preview)
		return f, r
	}

	put := func(t *testing.T, f *fixture, c model.Carousel) {
		require.NoError(t, f.store.CreateRecord(context.Background(), docstore.CollectionCarousels, c.ID, c))
	}

	t.Run("previews the newest eligible carousel", func(t *testing.T) {
		f, router := newRouter(t)
		put(t, f, model.Carousel{
			ID:        "old",
			Status:    model.CarouselStatusActive,
			Locations: []string{"loc-1"},
			UpdatedAt: testStart.Add(-time.Hour),
		})
		put(t, f, model.Carousel{
			ID:        "new",
			Status:    model.CarouselStatusActive,
			Locations: []string{"loc-1"},
			Schedule:  model.Schedule{DisplayDuration: 7},
			Items: []model.MediaItem{
				{ID: "b", URL: "https://cdn.example.com/b.png", Type: model.MediaTypeImage, Order: 2},
				{ID: "a", URL: "https://cdn.example.com/a.png", Type: model.MediaTypeImage, Order: 1, Duration: 3},
			},
			UpdatedAt: testStart,
		})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, asOwner(httptest.NewRequest(http.MethodGet, "/v1/locations/loc-1/carousel", nil), "owner-1"))

		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Carousel model.Carousel    `json:"carousel"`
			Items    []model.MediaItem `json:"items"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "new", body.Carousel.ID)
		require.Len(t, body.Items, 2)
		assert.Equal(t, "a", body.Items[0].ID)
		assert.Equal(t, 3, body.Items[0].Duration)
		assert.Equal(t, 7, body.Items[1].Duration)
	})

	t.Run("location without content is not found", func(t *testing.T) {
		f, router := newRouter(t)
		put(t, f, model.Carousel{ID: "draft", Status: model.CarouselStatusDraft, Locations: []string{"loc-1"}})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, asOwner(httptest.NewRequest(http.MethodGet, "/v1/locations/loc-1/carousel", nil), "owner-1"))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("store failure is unavailable", func(t *testing.T) {
		f, router := newRouter(t)
		f.store.SetFault(func(op docstore.Op, collection string) error {
			if op == docstore.OpQuery {
				return errors.New("connection reset")
			}
			return nil
		})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, asOwner(httptest.NewRequest(http.MethodGet, "/v1/locations/loc-1/carousel", nil), "owner-1"))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "QUERY_ERROR")
	})

	t.Run("requires an identity", func(t *testing.T) {
		_, router := newRouter(t)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/locations/loc-1/carousel", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestHealthHandler(t *testing.T) {
	t.Run("reports ok when every dependency answers", func(t *testing.T) {
		h := NewHealthHandler(time.Second, map[string]Pinger{
			"database": PingFunc(func(ctx context.Context) error { return nil }),
		})

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	})

	t.Run("reports degraded when a dependency is down", func(t *testing.T) {
		h := NewHealthHandler(time.Second, map[string]Pinger{
			"database": PingFunc(func(ctx context.Context) error { return nil }),
			"redis":    PingFunc(func(ctx context.Context) error { return errors.New("refused") }),
		})

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), `"redis":"down"`)
		assert.Contains(t, rec.Body.String(), `"database":"up"`)
	})
}

type fakePlayer struct {
	status    PlayerStatus
	locations []string
	refreshed int
	err       error
}

func (p *fakePlayer) Status() PlayerStatus { return p.status }

func (p *fakePlayer) SubmitLocation(ctx context.Context, locationID string) error {
	p.locations = append(p.locations, locationID)
	return p.err
}

func (p *fakePlayer) Refresh() error {
	p.refreshed++
	return p.err
}

func TestPlayerHandler(t *testing.T) {
	t.Run("status while pairing", func(t *testing.T) {
		player := &fakePlayer{status: PlayerStatus{Pairing: &pairing.AcceptorState{
			Claim:   "unclaimed",
			Pairing: &pairing.State{Phase: pairing.PhaseCodeReady, Code: "WXYZ-2345", LinkURL: "https://dash.example.com/link?code=WXYZ-2345"},
		}}}
		router := NewPlayerHandler(player).Routes()

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"code":"WXYZ-2345"`)
		assert.NotContains(t, rec.Body.String(), `"playback"`)

		qr := httptest.NewRecorder()
		router.ServeHTTP(qr, httptest.NewRequest(http.MethodGet, "/setup/qr.png", nil))
		assert.Equal(t, http.StatusOK, qr.Code)
		assert.Equal(t, "image/png", qr.Header().Get("Content-Type"))
	})

	t.Run("no qr code once playing", func(t *testing.T) {
		player := &fakePlayer{status: PlayerStatus{Playback: &playback.Status{Phase: playback.PhasePlaying}}}
		router := NewPlayerHandler(player).Routes()

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/setup/qr.png", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("location and refresh are forwarded", func(t *testing.T) {
		player := &fakePlayer{}
		router := NewPlayerHandler(player).Routes()

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/setup/location", jsonBody(t, map[string]string{"locationId": "loc-3"})))
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, []string{"loc-3"}, player.locations)

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/refresh", nil))
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, 1, player.refreshed)
	})

	t.Run("player errors are mapped", func(t *testing.T) {
		player := &fakePlayer{err: errors.New("boom")}
		router := NewPlayerHandler(player).Routes()

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/refresh", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
	})
}
