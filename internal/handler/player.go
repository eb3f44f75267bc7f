package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/adgenius/carousel-tv/internal/httputil"
	"github.com/adgenius/carousel-tv/internal/pairing"
	"github.com/adgenius/carousel-tv/internal/playback"
)

// PlayerStatus is the local view of a TV. Pairing is set until the device
// has a complete identity and Playback from then on.
type PlayerStatus struct {
	Pairing  *pairing.AcceptorState `json:"pairing,omitempty"`
	Playback *playback.Status       `json:"playback,omitempty"`
}

// Player is the running TV as seen by its local control surface.
type Player interface {
	Status() PlayerStatus
	SubmitLocation(ctx context.Context, locationID string) error
	Refresh() error
}

// PlayerHandler serves the loopback-only surface of a TV.
type PlayerHandler struct {
	player Player
}

func NewPlayerHandler(player Player) *PlayerHandler {
	return &PlayerHandler{player: player}
}

func (h *PlayerHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.Status)
	r.Get("/setup/qr.png", h.QRCode)
	r.Post("/setup/location", h.SubmitLocation)
	r.Post("/refresh", h.Refresh)

	return r
}

// GET /status
func (h *PlayerHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.player.Status())
}

// GET /setup/qr.png
func (h *PlayerHandler) QRCode(w http.ResponseWriter, r *http.Request) {
	status := h.player.Status()
	if status.Pairing == nil || status.Pairing.Pairing == nil || status.Pairing.Pairing.Phase != pairing.PhaseCodeReady {
		writeQR(w, "")
		return
	}
	writeQR(w, status.Pairing.Pairing.LinkURL)
}

// POST /setup/location
func (h *PlayerHandler) SubmitLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LocationID string `json:"locationId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.player.SubmitLocation(r.Context(), req.LocationID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.player.Status())
}

// POST /refresh
func (h *PlayerHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.player.Refresh(); err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.player.Status())
}
