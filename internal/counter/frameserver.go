package counter

import (
	"fmt"
	"net/http"
	"time"

	"cvcounter/internal/annotate"
	"cvcounter/internal/log"
)

const frameRetry = 10 * time.Millisecond

// ServeMJPEG streams the engine's annotated frames to one viewer as
// multipart/x-mixed-replace. It marks the viewer as attached for the
// duration so the ingestion loop produces annotated frames, and exits when
// the client disconnects or the engine stops.
func ServeMJPEG(w http.ResponseWriter, r *http.Request, e *Engine) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	e.ViewerAttach()
	defer e.ViewerDetach()

	logger := log.WithLocation("stream", e.loc.Name)
	logger.Info().Msg("viewer connected")
	defer logger.Info().Msg("viewer disconnected")

	scale := e.loc.VideoScale
	quality := e.loc.VideoQuality

	var lastSeq uint64
	for e.running.Load() {
		select {
		case <-r.Context().Done():
			return
		default:
		}

		frame, seq := e.LatestFrame()
		if frame == nil || seq == lastSeq {
			time.Sleep(frameRetry)
			continue
		}
		lastSeq = seq

		if scale > 0 && scale != 100 {
			frame = annotate.Scale(frame, scale)
		}
		data, err := annotate.EncodeJPEG(frame, quality)
		if err != nil {
			// Drop the frame, keep the stream alive.
			logger.Warn().Err(err).Msg("frame encoding failed")
			continue
		}

		if _, err := fmt.Fprintf(w, "\r\n--frame\r\nContent-Type: image/jpeg\r\n\r\n"); err != nil {
			return
		}
		if _, err := w.Write(data); err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
			return
		}
		flusher.Flush()
	}
}
