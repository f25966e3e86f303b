// Package server exposes the executor over HTTP: a manual run-now entry for
// one scout plus health endpoints. The dispatcher drives the same executor
// in-process; this surface exists for user-triggered runs and operations.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"goa.design/scout/runtime/agent"
	storemongo "goa.design/scout/store/mongo"
)

type (
	// Executor runs one scout and returns the outcome.
	Executor interface {
		Execute(ctx context.Context, scoutID string) (*agent.Result, error)
	}

	// Options configures the HTTP surface.
	Options struct {
		Executor Executor
		// Pingers back the health endpoint.
		Pingers []health.Pinger
		// AllowedOrigins configures CORS, "*" when empty.
		AllowedOrigins []string
	}

	// runRequest is the JSON body of a run-now call. The scout id may come
	// from the body or the scoutId query parameter.
	runRequest struct {
		ScoutID string `json:"scoutId"`
	}

	// runResponse is the success payload of a run-now call.
	runResponse struct {
		Success     bool   `json:"success"`
		ScoutID     string `json:"scoutId"`
		Title       string `json:"title"`
		ExecutionID string `json:"executionId"`
		Duplicate   bool   `json:"duplicate,omitempty"`
	}

	// conflictResponse is the payload returned while a run is in flight.
	conflictResponse struct {
		Success            bool   `json:"success"`
		Error              string `json:"error"`
		RunningExecutionID string `json:"runningExecutionId"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}
)

// Handler builds the HTTP handler: POST /api/scouts/run, GET /healthz and
// GET /livez.
func Handler(opts Options) (http.Handler, error) {
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	check := health.NewChecker(opts.Pingers...)
	r.Method(http.MethodGet, "/healthz", health.Handler(check))
	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/api/scouts/run", runHandler(opts.Executor))
	return r, nil
}

func runHandler(exec Executor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scoutID := strings.TrimSpace(r.URL.Query().Get("scoutId"))
		if scoutID == "" && r.Body != nil {
			var body runRequest
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
				scoutID = strings.TrimSpace(body.ScoutID)
			}
		}
		if scoutID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "scoutId is required"})
			return
		}

		ctx := log.With(r.Context(), log.KV{K: "scout_id", V: scoutID})
		started := time.Now()
		res, err := exec.Execute(ctx, scoutID)
		if err != nil {
			writeRunError(ctx, w, scoutID, err)
			return
		}
		log.Info(ctx, log.KV{K: "msg", V: "run completed"},
			log.KV{K: "execution_id", V: res.ExecutionID},
			log.KV{K: "duration", V: time.Since(started).Round(time.Millisecond).String()})
		writeJSON(w, http.StatusOK, runResponse{
			Success:     true,
			ScoutID:     res.ScoutID,
			Title:       res.Title,
			ExecutionID: res.ExecutionID,
			Duplicate:   res.Report.Duplicate,
		})
	}
}

func writeRunError(ctx context.Context, w http.ResponseWriter, scoutID string, err error) {
	var already *storemongo.ErrAlreadyRunning
	switch {
	case errors.As(err, &already):
		writeJSON(w, http.StatusConflict, conflictResponse{
			Error:              "scout is already running",
			RunningExecutionID: already.ExecutionID,
		})
	case errors.Is(err, storemongo.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "scout not found"})
	case errors.Is(err, agent.ErrScoutInactive):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: agent.ErrScoutInactive.Error()})
	default:
		log.Error(ctx, err, log.KV{K: "msg", V: "run failed"},
			log.KV{K: "scout_id", V: scoutID})
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
