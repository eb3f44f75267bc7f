package middleware

import (
	"net/http"

	"github.com/adgenius/carousel-tv/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}
