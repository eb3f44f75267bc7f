package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/adgenius/carousel-tv/internal/httputil"
	"github.com/adgenius/carousel-tv/internal/identity"
	"github.com/adgenius/carousel-tv/internal/service"
)

type CarouselsHandler struct {
	carousels *service.CarouselService
}

func NewCarouselsHandler(carousels *service.CarouselService) *CarouselsHandler {
	return &CarouselsHandler{carousels: carousels}
}

// GET /v1/locations/{locationId}/carousel
// Returns the carousel a TV at the location would play right now.
func (h *CarouselsHandler) Preview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	carousel, err := h.carousels.Preview(ctx, identity.ForRequest(ctx), chi.URLParam(r, "locationId"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"carousel": carousel,
		"items":    carousel.PlaybackItems(),
	})
}
