package api

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/promptmux/promptmux/pkg/models"
	"github.com/promptmux/promptmux/pkg/orchestrator"
	"github.com/promptmux/promptmux/pkg/store"
)

// FetchTask returns one job by id.
func (h *Handler) FetchTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.store.GetJob(id)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job.Clone())
}

// ListTasks returns jobs, optionally filtered by status or account.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	var jobs []*models.Job
	switch {
	case r.URL.Query().Get("status") != "":
		jobs = h.store.ListJobsByStatus(models.Status(r.URL.Query().Get("status")))
	case r.URL.Query().Get("instance_id") != "":
		jobs = h.store.ListJobsByInstance(r.URL.Query().Get("instance_id"))
	default:
		jobs = h.store.ListJobs()
	}
	out := make([]*models.Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Clone())
	}
	// Newest first; ids are time-ordered.
	sort.Slice(out, func(i, k int) bool { return out[i].ID > out[k].ID })
	writeJSON(w, http.StatusOK, out)
}

// FetchSeed returns a job's generation seed, triggering the upstream seed
// request when it has not arrived yet.
func (h *Handler) FetchSeed(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	seed, err := h.orch.GetSeed(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "seed": seed})
	case errors.Is(err, orchestrator.ErrSeedPending):
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "seed requested, retry shortly"})
	case errors.Is(err, store.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// CancelTask cancels a queued or running job.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.orch.CancelJob(id); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "task_id": id})
}
