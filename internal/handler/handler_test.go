package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adgenius/carousel-tv/internal/clock"
	"github.com/adgenius/carousel-tv/internal/docstore"
	"github.com/adgenius/carousel-tv/internal/events"
	"github.com/adgenius/carousel-tv/internal/identity"
	"github.com/adgenius/carousel-tv/internal/model"
	"github.com/adgenius/carousel-tv/internal/pairing"
	"github.com/adgenius/carousel-tv/internal/service"
	"github.com/adgenius/carousel-tv/internal/sse"
)

var testStart = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

type allowAll struct{}

func (allowAll) CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Time) {
	return true, time.Now().Add(window)
}

type fixture struct {
	clock     *clock.Manual
	store     *docstore.Memory
	broker    *sse.Broker
	setup     *service.SetupService
	link      *service.LinkService
	carousels *service.CarouselService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(testStart)
	store := docstore.NewMemory(clk)
	t.Cleanup(store.Close)

	broker := sse.NewBroker(nil)
	t.Cleanup(broker.Close)

	setup := service.NewSetupService(store, broker, service.SetupOptions{
		Session: pairing.Options{
			TTL:         5 * time.Minute,
			Clock:       clk,
			LinkBaseURL: "https://dash.example.com/dashboard/devices/link",
			Generate:    func() (string, error) { return "WXYZ-2345", nil },
		},
	})
	t.Cleanup(setup.Close)

	ids := 0
	link := service.NewLinkService(store, allowAll{}, events.Nop{}, service.LinkOptions{
		TTL:   5 * time.Minute,
		Clock: clk,
		NewDeviceID: func() string {
			ids++
			return "tv-" + string(rune('0'+ids))
		},
	})

	return &fixture{
		clock:     clk,
		store:     store,
		broker:    broker,
		setup:     setup,
		link:      link,
		carousels: service.NewCarouselService(store, clk),
	}
}

func (f *fixture) pending(t *testing.T, code string) {
	t.Helper()
	record := model.NewPairingRecord(code, f.clock.Now())
	require.NoError(t, f.store.CreateRecord(context.Background(), docstore.CollectionSetup, code, record))
}

func (f *fixture) device(t *testing.T, id, owner string) {
	t.Helper()
	require.NoError(t, f.store.CreateRecord(context.Background(), docstore.CollectionDevices, id, model.DeviceRecord{
		DeviceID: id,
		OwnerID:  owner,
		PairedAt: f.clock.Now(),
	}))
}

func signedIn(subject string) identity.Provider {
	return identity.NewSession(&identity.Identity{Subject: subject})
}

func asOwner(r *http.Request, subject string) *http.Request {
	return r.WithContext(identity.WithIdentity(r.Context(), &identity.Identity{Subject: subject}))
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

// streamRecorder is a ResponseWriter that an SSE handler can write to while
// the test reads what has been flushed so far.
type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	status int
	body   strings.Builder
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header)}
}

func (s *streamRecorder) Header() http.Header { return s.header }

func (s *streamRecorder) WriteHeader(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == 0 {
		s.status = status
	}
}

func (s *streamRecorder) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.body.Write(p)
}

func (s *streamRecorder) Flush() {}

func (s *streamRecorder) Body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.body.String()
}

// startStream runs h in the background and returns a stop func that ends
// the request and waits for the handler to return.
func startStream(h http.Handler, r *http.Request) (*streamRecorder, func()) {
	ctx, cancel := context.WithCancel(r.Context())
	rec := newStreamRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(rec, r.WithContext(ctx))
	}()
	return rec, func() {
		cancel()
		<-done
	}
}
