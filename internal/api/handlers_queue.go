package api

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/shohag/convrelay/internal/conversion"
	"github.com/shohag/convrelay/internal/models"
	"github.com/shohag/convrelay/internal/storage"
)

type QueueHandler struct {
	jobs    storage.JobStore
	queue   *conversion.Queue
	trigger Trigger
}

func NewQueueHandler(jobs storage.JobStore, queue *conversion.Queue, trigger Trigger) *QueueHandler {
	return &QueueHandler{jobs: jobs, queue: queue, trigger: trigger}
}

func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Process runs one batch synchronously, for operators who do not want to
// wait for the poll loop.
func (h *QueueHandler) Process(w http.ResponseWriter, r *http.Request) {
	res, err := h.queue.ProcessQueue(r.Context(), queryInt(r, "batch", 0))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  err.Error(),
			"result": res,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *QueueHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))
	if status != "" && !slices.Contains(models.AllJobStatuses, status) {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	jobs, err := h.jobs.ListJobs(r.Context(), status, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []models.ConversionJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *QueueHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	res, err := h.queue.RetryDeadJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retry job")
		return
	}
	if !res.Success {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	if h.trigger != nil {
		h.trigger.Trigger()
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *QueueHandler) Failures(w http.ResponseWriter, r *http.Request) {
	recs, err := h.jobs.ListFailures(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list failures")
		return
	}
	if recs == nil {
		recs = []models.ConversionFailureRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}
