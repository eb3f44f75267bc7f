package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/adgenius/carousel-tv/internal/httputil"
	"github.com/adgenius/carousel-tv/internal/pairing"
	redisclient "github.com/adgenius/carousel-tv/internal/redis"
	"github.com/adgenius/carousel-tv/internal/service"
	"github.com/adgenius/carousel-tv/internal/sse"
	"github.com/adgenius/carousel-tv/internal/util"
)

const qrSize = 256

// SetupHandler serves the waiting screen of a browser-hosted TV.
type SetupHandler struct {
	setup  *service.SetupService
	stream *eventStream
}

func NewSetupHandler(setup *service.SetupService, broker *sse.Broker) *SetupHandler {
	return &SetupHandler{
		setup:  setup,
		stream: newEventStream(broker),
	}
}

// Routes wraps Start in start and every route except the event stream in
// request, which is where per-request timeouts belong.
func (h *SetupHandler) Routes(start, request func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/{code}/events", h.Events)

	r.Group(func(r chi.Router) {
		r.Use(request)
		r.With(start).Post("/", h.Start)
		r.Get("/{code}", h.Get)
		r.Get("/{code}/qr.png", h.QRCode)
		r.Post("/{code}/retry", h.Retry)
		r.Post("/{code}/location", h.SubmitLocation)
	})

	return r
}

// POST /v1/setup
func (h *SetupHandler) Start(w http.ResponseWriter, r *http.Request) {
	state, err := h.setup.Start(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to start setup session")
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, state)
}

// GET /v1/setup/{code}
func (h *SetupHandler) Get(w http.ResponseWriter, r *http.Request) {
	state, err := h.setup.Get(chi.URLParam(r, "code"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GET /v1/setup/{code}/events
// Streams coordinator states, starting with the current one.
func (h *SetupHandler) Events(w http.ResponseWriter, r *http.Request) {
	code := pairing.NormalizeCode(chi.URLParam(r, "code"))
	if _, err := h.setup.Get(code); err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.stream.serve(w, r, redisclient.SetupTopic(code), service.SetupStateEvent, func() any {
		state, err := h.setup.Get(code)
		if err != nil {
			// Pruned between the check and the subscription.
			return pairing.State{Phase: pairing.PhaseExpired, Code: code}
		}
		return state
	})
}

// GET /v1/setup/{code}/qr.png
func (h *SetupHandler) QRCode(w http.ResponseWriter, r *http.Request) {
	state, err := h.setup.Get(chi.URLParam(r, "code"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if state.Phase != pairing.PhaseCodeReady {
		writeQR(w, "")
		return
	}
	writeQR(w, state.LinkURL)
}

// POST /v1/setup/{code}/retry
func (h *SetupHandler) Retry(w http.ResponseWriter, r *http.Request) {
	state, err := h.setup.Retry(chi.URLParam(r, "code"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// POST /v1/setup/{code}/location
func (h *SetupHandler) SubmitLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LocationID string `json:"locationId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	state, err := h.setup.SubmitLocation(r.Context(), chi.URLParam(r, "code"), req.LocationID)
	if err != nil {
		log.Warn().Err(err).Str("code", util.MaskCode(state.Code)).Msg("setup location step failed")
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// writeQR renders linkURL as a PNG. An empty URL means there is nothing to
// claim right now.
func writeQR(w http.ResponseWriter, linkURL string) {
	if linkURL == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "No link to show", "code": "NOT_FOUND"})
		return
	}

	png, err := qrcode.Encode(linkURL, qrcode.Medium, qrSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode link qr code")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}
