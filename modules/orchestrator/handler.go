package orchestrator

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"tryon-canvas-server/modules/ratelimit"
	"tryon-canvas-server/modules/uploads"
)

// Handler exposes the batch and job endpoints.
type Handler struct {
	orch    *Orchestrator
	uploads *uploads.Store
}

func NewHandler(orch *Orchestrator, store *uploads.Store) *Handler {
	return &Handler{orch: orch, uploads: store}
}

// RegisterRoutes attaches the batch/job endpoints to the router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/sessions/{sessionId}/batches", h.StartBatch).Methods("POST")
	r.HandleFunc("/api/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/api/jobs", h.ClearJobs).Methods("DELETE")
	r.HandleFunc("/api/jobs/{jobId}/cancel", h.CancelJob).Methods("POST")
	r.HandleFunc("/api/jobs/{jobId}/select", h.SelectJob).Methods("POST")
}

type startBatchRequest struct {
	Prompt          string `json:"prompt"`
	AspectRatio     string `json:"aspectRatio"`
	AllCombinations bool   `json:"allCombinations"`
}

// StartBatch snapshots the session's upload sets and kicks off one job per
// (model, product) pair.
func (h *Handler) StartBatch(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	session, ok := h.uploads.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	var body startBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "Prompt is required")
		return
	}

	models := session.Snapshot(uploads.KindModel)
	products := session.Snapshot(uploads.KindProduct)
	if len(models) == 0 || len(products) == 0 {
		writeError(w, http.StatusBadRequest, "At least one model image and one product image are required")
		return
	}

	jobs, err := h.orch.StartBatch(BatchRequest{
		Models:          models,
		Products:        products,
		Prompt:          body.Prompt,
		AspectRatio:     body.AspectRatio,
		AllCombinations: body.AllCombinations,
		ClientID:        ratelimit.ClientIP(r),
		Referer:         r.Header.Get("Referer"),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// ListJobs returns all jobs, newest first.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": h.orch.Jobs(),
		"idle": h.orch.Idle(),
	})
}

// CancelJob cancels one in-flight job.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	if err := h.orch.CancelJob(jobID); err != nil {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"message": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Job cancelled successfully",
		"job_id":  jobID,
	})
}

// SelectJob moves the thumbnail selection.
func (h *Handler) SelectJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	if !h.orch.SelectJob(jobID) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

// ClearJobs removes finished jobs from the list.
func (h *Handler) ClearJobs(w http.ResponseWriter, r *http.Request) {
	removed := h.orch.Clear()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"removed": removed,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
