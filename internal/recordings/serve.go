package recordings

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/notdienststation/dispatch/internal/store"
)

// HandleInitial serves the caller's recorded address statement.
func (h *Handler) HandleInitial(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, store.RecordingInitial)
}

// HandleFollowup serves the recorded leg of the transferred call.
func (h *Handler) HandleFollowup(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, store.RecordingFollowup)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, recordingType string) {
	ctx, span := recTracer.Start(r.Context(), "recordings.serve")
	defer span.End()

	number := chi.URLParam(r, "number")
	timestamp := chi.URLParam(r, "timestamp")
	rec, err := h.store.GetRecording(ctx, number, timestamp, recordingType)
	if err != nil {
		h.logger.Error("recording lookup failed", "number", number, "timestamp", timestamp, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.NotFound(w, r)
		return
	}

	contentType := rec.ContentType
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	header := w.Header()
	header.Set("Content-Type", contentType)
	header.Set("Accept-Ranges", "bytes")
	header.Set("Cache-Control", "public, max-age=3600")
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Range")
	header.Set("Access-Control-Expose-Headers", "Content-Range, Accept-Ranges")

	n := len(rec.Body)
	if start, end, ok := parseRange(r.Header.Get("Range"), n); ok {
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, n))
		header.Set("Content-Length", strconv.Itoa(end-start+1))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(rec.Body[start : end+1])
		return
	}

	header.Set("Content-Length", strconv.Itoa(n))
	w.Write(rec.Body)
}

// parseRange interprets a single bytes=a-b request against a body of n
// bytes. Out-of-bounds offsets are clamped instead of rejected so seeking
// audio players always receive playable data; anything the parser does not
// understand falls back to the full body.
func parseRange(header string, n int) (int, int, bool) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || n == 0 {
		return 0, 0, false
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, false
	}
	start, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || start < 0 {
		return 0, 0, false
	}
	end := n - 1
	if s := strings.TrimSpace(last); s != "" {
		end, err = strconv.Atoi(s)
		if err != nil {
			return 0, 0, false
		}
	}
	if start > n-1 {
		start = n - 1
	}
	if end > n-1 {
		end = n - 1
	}
	if end < start {
		end = start
	}
	return start, end, true
}
