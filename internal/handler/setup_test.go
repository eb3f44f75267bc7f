package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adgenius/carousel-tv/internal/pairing"
	"github.com/adgenius/carousel-tv/internal/service"
)

func passthrough(next http.Handler) http.Handler { return next }

func TestSetupHandler(t *testing.T) {
	newRouter := func(t *testing.T) (*fixture, http.Handler) {
		f := newFixture(t)
		return f, NewSetupHandler(f.setup, f.broker).Routes(passthrough, passthrough)
	}

	start := func(t *testing.T, router http.Handler) pairing.State {
		t.Helper()
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		require.Equal(t, http.StatusCreated, rec.Code)
		return decode[pairing.State](t, rec)
	}

	t.Run("start returns a claimable code", func(t *testing.T) {
		_, router := newRouter(t)

		state := start(t, router)

		assert.Equal(t, pairing.PhaseCodeReady, state.Phase)
		assert.Equal(t, "WXYZ-2345", state.Code)
		require.NotNil(t, state.CountdownSeconds)
		assert.Equal(t, 300, *state.CountdownSeconds)
		assert.Equal(t, "https://dash.example.com/dashboard/devices/link?code=WXYZ-2345", state.LinkURL)
	})

	t.Run("get accepts typed codes", func(t *testing.T) {
		_, router := newRouter(t)
		start(t, router)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/wxyz2345", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "WXYZ-2345", decode[pairing.State](t, rec).Code)
	})

	t.Run("unknown session is not found", func(t *testing.T) {
		_, router := newRouter(t)

		for _, path := range []string{"/ABCD-EFGH", "/ABCD-EFGH/qr.png", "/ABCD-EFGH/events"} {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusNotFound, rec.Code, path)
			assert.Contains(t, rec.Body.String(), "NOT_FOUND", path)
		}
	})

	t.Run("qr code encodes the link", func(t *testing.T) {
		_, router := newRouter(t)
		start(t, router)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/WXYZ-2345/qr.png", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
		assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))
	})

	t.Run("retry on a live subscription is a no-op", func(t *testing.T) {
		_, router := newRouter(t)
		start(t, router)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/WXYZ-2345/retry", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, pairing.PhaseCodeReady, decode[pairing.State](t, rec).Phase)
	})

	t.Run("location before a claim is rejected", func(t *testing.T) {
		_, router := newRouter(t)
		start(t, router)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/WXYZ-2345/location", strings.NewReader(`{"locationId":"loc-1"}`)))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
	})

	t.Run("malformed body is rejected", func(t *testing.T) {
		_, router := newRouter(t)
		start(t, router)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/WXYZ-2345/location", strings.NewReader(`{"locationId":`)))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("events stream the claim and the location step", func(t *testing.T) {
		f, router := newRouter(t)
		start(t, router)

		rec, stop := startStream(router, httptest.NewRequest(http.MethodGet, "/WXYZ-2345/events", nil))
		defer stop()

		require.Eventually(t, func() bool {
			return strings.Contains(rec.Body(), `"phase":"code_ready"`)
		}, time.Second, 10*time.Millisecond)
		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Body(), "event: "+service.SetupStateEvent+"\n")

		_, err := f.link.Claim(context.Background(), signedIn("owner-1"), service.ClaimRequest{Code: "WXYZ-2345"})
		require.NoError(t, err)
		f.store.Flush()

		require.Eventually(t, func() bool {
			return strings.Contains(rec.Body(), `"phase":"awaiting_location"`)
		}, time.Second, 10*time.Millisecond)

		loc := httptest.NewRecorder()
		router.ServeHTTP(loc, httptest.NewRequest(http.MethodPost, "/WXYZ-2345/location", strings.NewReader(`{"locationId":"loc-1"}`)))
		require.Equal(t, http.StatusOK, loc.Code)
		state := decode[pairing.State](t, loc)
		assert.Equal(t, pairing.PhaseComplete, state.Phase)
		assert.Equal(t, "loc-1", state.LocationID)

		require.Eventually(t, func() bool {
			return strings.Contains(rec.Body(), `"phase":"complete"`)
		}, time.Second, 10*time.Millisecond)

		qr := httptest.NewRecorder()
		router.ServeHTTP(qr, httptest.NewRequest(http.MethodGet, "/WXYZ-2345/qr.png", nil))
		assert.Equal(t, http.StatusNotFound, qr.Code)
	})
}
