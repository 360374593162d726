package api

import (
	"net/http"
	"strconv"

	"github.com/graaaaa/livecast/internal/layout"
)

// maxLayoutSide bounds container dimensions accepted by the layout endpoint.
const maxLayoutSide = 16384

type layoutResponse struct {
	Mode      string        `json:"mode"`
	Count     int           `json:"count"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Landscape bool          `json:"landscape"`
	Tiles     []layout.Tile `json:"tiles"`
}

// handleLayout handles GET /api/v1/layout?count=&width=&height=&landscape=&mode=
// landscape defaults to width >= height.
func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	count, ok := intParam(w, q.Get("count"), "count", 0, 1024)
	if !ok {
		return
	}
	width, ok := intParam(w, q.Get("width"), "width", 0, maxLayoutSide)
	if !ok {
		return
	}
	height, ok := intParam(w, q.Get("height"), "height", 0, maxLayoutSide)
	if !ok {
		return
	}

	landscape := width >= height
	if v := q.Get("landscape"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid landscape", nil)
			return
		}
		landscape = b
	}

	mode, err := layout.ParseMode(q.Get("mode"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	tiles := s.layout.ComputeMode(mode, count, width, height, landscape)
	writeJSON(w, http.StatusOK, layoutResponse{
		Mode:      layout.Resolve(mode, max(count, 1)).String(),
		Count:     count,
		Width:     width,
		Height:    height,
		Landscape: landscape,
		Tiles:     tiles,
	})
}

// intParam parses a required integer query parameter within [lo, hi].
func intParam(w http.ResponseWriter, raw, name string, lo, hi int) (int, bool) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		writeError(w, http.StatusBadRequest, "invalid "+name, nil)
		return 0, false
	}
	return n, true
}
