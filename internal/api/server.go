package api

import (
	"context"
	"net/http"
	"time"

	"cvcounter/internal/config"
	"cvcounter/internal/counter"
	"cvcounter/internal/dataset"
	"cvcounter/internal/detect"
	"cvcounter/internal/events"
	"cvcounter/internal/log"
	"cvcounter/internal/store"
	"cvcounter/internal/track"
	"cvcounter/internal/video"
	"cvcounter/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const defaultDetectEndpoint = "http://127.0.0.1:8500"

// Server is the operator-facing HTTP surface. It owns no engine state; it
// resolves locations through the registry and talks to engines by method
// call.
type Server struct {
	settings *config.Manager
	store    *store.Store
	registry *counter.Registry
	bus      *events.Bus
	hub      *ws.Hub
	logger   zerolog.Logger
}

// New wires the HTTP surface to its collaborators.
func New(settings *config.Manager, st *store.Store, registry *counter.Registry, bus *events.Bus, hub *ws.Hub) *Server {
	return &Server{
		settings: settings,
		store:    st,
		registry: registry,
		bus:      bus,
		hub:      hub,
		logger:   log.WithComponent("api"),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleDashboard)
	r.Get("/healthz", s.handleHealth)

	r.Get("/counter/{location}", s.handleCounterPage)
	r.Get("/counter/{location}/video", s.handleCounterPage)
	r.Get("/counter/{location}/text", s.handleCounterTextPage)
	r.Get("/counter_dual/{location_a}/{location_b}", s.handleCounterDualPage)
	r.Get("/counter_get_frames/{location}", s.handleFrames)

	r.Post("/save_count/{location}", s.handleSaveCount)
	r.Get("/reset_count/{location}", s.handleResetCount)
	r.Post("/reset_count_current/{location}", s.handleResetCountCurrent)
	r.Get("/save_capture/{location}", s.handleSaveCapture)

	r.Get("/start_count/{location}", s.handleStartCount)
	r.Get("/pause_count/{location}", s.handlePauseCount)
	r.Get("/stop_count/{location}", s.handleStopCount)

	r.Get("/reports", s.handleReports)
	r.Get("/reports/{location}", s.handleReportsLocation)
	r.Get("/reports/{location}/{id}", s.handleReportDetail)

	if s.hub != nil {
		r.Get("/ws/{location}", ws.NewHandler(s.hub, s.settings).ServeHTTP)
	}

	return r
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// engineFor returns the engine for location, creating and starting it on
// first use. A detector failure at startup still yields a registered engine
// in the Error state so the page can show what went wrong.
func (s *Server) engineFor(location string) (*counter.Engine, error) {
	return s.registry.Ensure(location, func() (*counter.Engine, error) {
		loc, err := s.settings.Location(location)
		if err != nil {
			return nil, err
		}

		det, err := detect.New(loc.ModelType, s.settings.GetString("general.detect_endpoint", defaultDetectEndpoint))
		if err != nil {
			return nil, err
		}

		e := counter.New(counter.Config{
			Location: loc,
			Source:   video.NewFFmpegSource(loc.VideoPath, loc.VideoFPS),
			Detector: det,
			Tracker:  track.New(track.Options{}),
			Bus:      s.bus,
			Store:    s.store,
			Sampler:  dataset.New(location, loc.Dataset),
			Settings: s.settings,
			Debug:    s.settings.GetBool("general.debug", false),
		})

		if err := e.StartWorker(context.Background()); err != nil {
			// The engine is registered in Error state, not discarded.
			s.logger.Error().Err(err).Str("location", location).Msg("worker start failed")
		}
		return e, nil
	})
}
