package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"cvcounter/internal/counter"

	"github.com/go-chi/chi/v5"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// isAJAX reports whether the request came from the dashboard's JavaScript.
func isAJAX(r *http.Request) bool {
	return r.Header.Get("X-Requested-With") == "XMLHttpRequest"
}

// respond writes the JSON payload for AJAX callers and redirects everyone
// else back to the dashboard.
func respond(w http.ResponseWriter, r *http.Request, payload any) {
	if isAJAX(r) {
		writeJSON(w, http.StatusOK, payload)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// location validates the {location} parameter against the configuration.
// Unknown locations get a 400 and a false return.
func (s *Server) location(w http.ResponseWriter, r *http.Request, param string) (string, bool) {
	loc := chi.URLParam(r, param)
	if loc == "" || !s.settings.HasLocation(loc) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Unknown location: " + loc})
		return "", false
	}
	return loc, true
}

// engine resolves (and lazily creates) the engine for the request's
// {location}. Writes the error response itself on failure.
func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*counter.Engine, bool) {
	loc, ok := s.location(w, r, "location")
	if !ok {
		return nil, false
	}
	e, err := s.engineFor(loc)
	if err != nil {
		s.logger.Error().Err(err).Str("location", loc).Msg("engine setup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to start counter"})
		return nil, false
	}
	return e, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	counter.ServeMJPEG(w, r, e)
}

func formInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.FormValue(key))
	return n
}

// customFields collects every form field that is not one of the count
// deltas; these ride along into the session's custom_fields mapping.
func customFields(r *http.Request) map[string]string {
	fields := make(map[string]string)
	for key, values := range r.Form {
		switch key {
		case "correct_count", "defect_count":
			continue
		}
		if len(values) > 0 {
			fields[key] = values[0]
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func (s *Server) handleSaveCount(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid form"})
		return
	}

	result, saved := e.SaveCount(formInt(r, "correct_count"), formInt(r, "defect_count"), customFields(r), true)
	if !saved {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Save error!"})
		return
	}
	respond(w, r, result)
}

func (s *Server) handleResetCount(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	e.ResetCount()
	respond(w, r, map[string]int{"total_count": 0, "defect_count": 0, "correct_count": 0})
}

func (s *Server) handleResetCountCurrent(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid form"})
		return
	}
	e.ResetCountCurrent(formInt(r, "correct_count"), formInt(r, "defect_count"))
	respond(w, r, map[string]int{"current_count": 0})
}

func (s *Server) handleSaveCapture(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	if !e.SaveCapture() {
		respond(w, r, map[string]string{"status": "error"})
		return
	}
	respond(w, r, map[string]string{"status": "saved"})
}

func (s *Server) handleStartCount(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	e.Start()
	respond(w, r, map[string]string{"status": string(e.Status())})
}

func (s *Server) handlePauseCount(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	e.Pause()
	respond(w, r, map[string]string{"status": string(e.Status())})
}

// handleStopCount stops the worker and removes the registry entry. The
// session stays open; closing it is reset_count's job.
func (s *Server) handleStopCount(w http.ResponseWriter, r *http.Request) {
	loc, ok := s.location(w, r, "location")
	if !ok {
		return
	}
	s.registry.Remove(loc)
	respond(w, r, map[string]string{"status": string(counter.StatusStopped)})
}
