package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/adgenius/carousel-tv/internal/audit"
	"github.com/adgenius/carousel-tv/internal/httputil"
	"github.com/adgenius/carousel-tv/internal/identity"
	redisclient "github.com/adgenius/carousel-tv/internal/redis"
	"github.com/adgenius/carousel-tv/internal/service"
	"github.com/adgenius/carousel-tv/internal/sse"
	"github.com/adgenius/carousel-tv/internal/util"
)

// DeviceEvent is the first event on a device stream. Players publish their
// playback status on the same topic afterwards as StatusEvent.
const (
	DeviceEvent = "device"
	StatusEvent = "status"
)

type DevicesHandler struct {
	link   *service.LinkService
	stream *eventStream
}

func NewDevicesHandler(link *service.LinkService, broker *sse.Broker) *DevicesHandler {
	return &DevicesHandler{
		link:   link,
		stream: newEventStream(broker),
	}
}

// Routes wraps every route except the event stream in request.
func (h *DevicesHandler) Routes(request func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/{deviceId}/events", h.Events)

	r.Group(func(r chi.Router) {
		r.Use(request)
		r.Post("/link", h.Link)
		r.Put("/{deviceId}/location", h.AssignLocation)
	})

	return r
}

// POST /v1/devices/link
// Claims the code shown on a TV for the signed-in account.
func (h *DevicesHandler) Link(w http.ResponseWriter, r *http.Request) {
	var req service.ClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	ctx := audit.WithRequest(r)
	result, err := h.link.Claim(ctx, identity.ForRequest(ctx), req)
	if err != nil {
		log.Warn().Err(err).Str("code", util.MaskCode(req.Code)).Msg("device link rejected")
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// PUT /v1/devices/{deviceId}/location
func (h *DevicesHandler) AssignLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LocationID string `json:"locationId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	ctx := audit.WithRequest(r)
	device, err := h.link.AssignLocation(ctx, identity.ForRequest(ctx), chi.URLParam(r, "deviceId"), req.LocationID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, device)
}

// GET /v1/devices/{deviceId}/events
func (h *DevicesHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := audit.WithRequest(r)
	deviceID := chi.URLParam(r, "deviceId")

	device, err := h.link.Device(ctx, identity.ForRequest(ctx), deviceID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.stream.serve(w, r, redisclient.DeviceTopic(device.DeviceID), DeviceEvent, func() any { return device })
}
