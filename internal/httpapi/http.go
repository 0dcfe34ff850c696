// Package httpapi is the thin HTTP trigger layer over ingestion, queries,
// delivery and settings.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"listen_report/internal/ingest"
	"listen_report/internal/notify"
	"listen_report/internal/scheduler"
	"listen_report/internal/store"
	"listen_report/queue"
)

const maxUploadBytes = 200 << 20

// Deps are the collaborators the routes call into.
type Deps struct {
	Store        *store.Store
	Orchestrator *ingest.Orchestrator
	Scheduler    *scheduler.Scheduler
	Queue        *queue.Queue
	Gatherer     prometheus.Gatherer
	DefaultTime  string
}

// Router builds HTTP handlers for /api and /ops.
type Router struct {
	deps     Deps
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewRouter(deps Deps, logger zerolog.Logger) *Router {
	if deps.DefaultTime == "" {
		deps.DefaultTime = "10:00"
	}
	return &Router{deps: deps, validate: validator.New(), logger: logger.With().Str("component", "http").Logger()}
}

// Handler returns the mounted chi router.
func (r *Router) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(chimiddleware.RequestID)
	mux.Use(chimiddleware.RealIP)
	mux.Use(chimiddleware.Recoverer)
	mux.Use(r.requestLog)

	mux.Route("/api", func(api chi.Router) {
		api.Post("/upload", r.upload)
		api.Get("/reports/daily/{date}", r.daily)
		api.Get("/reports/monthly/{yearMonth}", r.monthly)
		api.Get("/files", r.files)
		api.Delete("/files/{name}", r.deleteFile)
		api.Get("/archives", r.archives)
		api.Post("/send-to-wecom", r.send)
		api.Get("/schedule/status", r.scheduleStatus)
		api.Post("/schedule/update", r.scheduleUpdate)
		api.Get("/team-leaders", r.listLeaders)
		api.Post("/team-leaders", r.addLeader)
		api.Put("/team-leaders/{id}", r.updateLeader)
		api.Delete("/team-leaders/{id}", r.deleteLeader)
		api.Get("/deliveries", r.deliveries)
	})
	mux.Get("/ops/health", r.health)
	mux.Get("/ops/status", r.status)
	if r.deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(r.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (r *Router) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		r.logger.Debug().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", ww.Status()).
			Str("request_id", chimiddleware.GetReqID(req.Context())).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.deps.Store.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	payload := map[string]any{}
	if r.deps.Queue != nil {
		payload["queue"] = r.deps.Queue.Stats()
	}
	if r.deps.Scheduler != nil {
		payload["scheduler"] = r.deps.Scheduler.Status()
	}
	archives, err := r.deps.Store.ListArchives(req.Context(), 10)
	if err == nil {
		payload["recent_archives"] = archives
	}
	respondJSON(w, http.StatusOK, payload)
}

func (r *Router) archives(w http.ResponseWriter, req *http.Request) {
	list, err := r.deps.Store.ListArchives(req.Context(), limitParam(req, 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "archives": list})
}

func (r *Router) deliveries(w http.ResponseWriter, req *http.Request) {
	list, err := r.deps.Store.ListDeliveries(req.Context(), limitParam(req, 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "deliveries": list})
}

func (r *Router) decode(req *http.Request, dst any) error {
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		return err
	}
	return r.validate.Struct(dst)
}

func limitParam(req *http.Request, def int) int {
	v, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || v <= 0 || v > 1000 {
		return def
	}
	return v
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]any{"success": false, "message": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ingest.ErrNoData), errors.Is(err, store.ErrLeaderNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrLeaderExists):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrUnknownEnvironment), errors.Is(err, ingest.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, notify.ErrNoTarget):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
