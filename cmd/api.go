package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"

	"github.com/civicnorth/tracker-cli/internal/model"
	"github.com/civicnorth/tracker-cli/internal/orchestrator"
	"github.com/civicnorth/tracker-cli/internal/store"
)

// newRouter builds the HTTP API over the orchestrator.
func newRouter(orch *orchestrator.Orchestrator) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/jobs", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, orch.Jobs())
	})

	r.Post("/jobs/{stage}/{job}", func(w http.ResponseWriter, req *http.Request) {
		stage := model.Stage(chi.URLParam(req, "stage"))
		jobName := chi.URLParam(req, "job")
		if !model.ValidStage(stage) {
			writeError(w, http.StatusBadRequest, "unknown stage "+string(stage))
			return
		}
		if !jobInStage(orch, jobName, stage) {
			writeError(w, http.StatusNotFound, "no job "+jobName+" in stage "+string(stage))
			return
		}

		res, err := orch.ExecuteJob(req.Context(), jobName)
		switch {
		case eris.Is(err, orchestrator.ErrJobQueued):
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "job": jobName})
		case eris.Is(err, orchestrator.ErrJobBusy):
			writeError(w, http.StatusConflict, err.Error())
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		default:
			writeJSON(w, http.StatusOK, res)
		}
	})

	r.Post("/jobs/batch", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Jobs []struct {
				Stage string `json:"stage"`
				Job   string `json:"job"`
			} `json:"jobs"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(body.Jobs) == 0 {
			writeError(w, http.StatusBadRequest, "jobs is required")
			return
		}

		names := make([]string, 0, len(body.Jobs))
		for _, j := range body.Jobs {
			names = append(names, j.Job)
		}

		outcomes := orch.ExecuteBatch(req.Context(), names)
		type batchEntry struct {
			Job    string      `json:"job"`
			Result interface{} `json:"result,omitempty"`
			Error  string      `json:"error,omitempty"`
		}
		out := make([]batchEntry, 0, len(outcomes))
		for _, o := range outcomes {
			entry := batchEntry{Job: o.Name}
			if o.Err != nil {
				entry.Error = o.Err.Error()
			} else {
				entry.Result = o.Result
			}
			out = append(out, entry)
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/jobs/history", func(w http.ResponseWriter, req *http.Request) {
		filter := store.ExecutionFilter{
			JobName: req.URL.Query().Get("job"),
			Stage:   model.Stage(req.URL.Query().Get("stage")),
			Status:  model.ExecutionStatus(req.URL.Query().Get("status")),
		}
		if v := req.URL.Query().Get("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			filter.Limit = limit
		}

		recs, err := orch.History(req.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, recs)
	})

	r.Get("/jobs/{id}/status", func(w http.ResponseWriter, req *http.Request) {
		rec, err := orch.Execution(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	r.Get("/alerts", func(w http.ResponseWriter, req *http.Request) {
		includeResolved := req.URL.Query().Get("include_resolved") == "true"
		alerts, err := orch.Alerts(req.Context(), includeResolved, 100)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, alerts)
	})

	return r
}

func jobInStage(orch *orchestrator.Orchestrator, name string, stage model.Stage) bool {
	for _, info := range orch.Jobs() {
		if info.Name == name && info.Stage == stage {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
