package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/huzipatel/rad-labelling-sub000/internal/download"
	"github.com/huzipatel/rad-labelling-sub000/internal/job"
	"github.com/huzipatel/rad-labelling-sub000/internal/keypool"
	"github.com/huzipatel/rad-labelling-sub000/internal/upload"
)

type handler struct {
	jobSvc    *job.Service
	uploads   *upload.Receiver
	downloads *download.Manager
	pool      *keypool.Manager
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	req := job.ListJobsRequest{
		Kind:     r.URL.Query().Get("kind"),
		Status:   r.URL.Query().Get("status"),
		OwnerRef: r.URL.Query().Get("owner"),
	}
	if appErr := req.Validate(); appErr != nil {
		writeError(w, appErr.HTTPStatus(), appErr.Message())
		return
	}

	jobs, err := h.jobSvc.List(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) listStalledJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobSvc.ListStalled(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	req := job.GetJobRequest{ID: r.PathValue("id")}
	if appErr := req.Validate(); appErr != nil {
		writeError(w, appErr.HTTPStatus(), appErr.Message())
		return
	}

	j, err := h.jobSvc.Get(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type startUploadRequest struct {
	Filename  string `json:"filename"`
	TotalSize int64  `json:"totalSize"`
	Metadata  string `json:"metadata,omitempty"`
}

func (h *handler) startUpload(w http.ResponseWriter, r *http.Request) {
	var body startUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := h.uploads.StartTransfer(r.Context(), upload.StartRequest{
		Filename:  body.Filename,
		TotalSize: body.TotalSize,
		Metadata:  body.Metadata,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *handler) putWholeUpload(w http.ResponseWriter, r *http.Request) {
	size, err := strconv.ParseInt(r.URL.Query().Get("size"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "size query parameter is required")
		return
	}

	j, err := h.uploads.PutWhole(r.Context(), upload.StartRequest{
		Filename:  r.URL.Query().Get("filename"),
		TotalSize: size,
		Metadata:  r.URL.Query().Get("metadata"),
	}, r.Body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (h *handler) putChunk(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseInt(r.PathValue("index"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chunk index")
		return
	}

	if err := h.uploads.PutChunk(r.Context(), r.PathValue("id"), index, r.Body); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"chunkIndex": index})
}

func (h *handler) completeUpload(w http.ResponseWriter, r *http.Request) {
	j, err := h.uploads.CompleteTransfer(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) uploadStatus(w http.ResponseWriter, r *http.Request) {
	t, err := h.uploads.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handler) startDownload(w http.ResponseWriter, r *http.Request) {
	j, err := h.downloads.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) pauseDownload(w http.ResponseWriter, r *http.Request) {
	h.downloads.Pause(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]string{"taskId": r.PathValue("id")})
}

func (h *handler) resumeDownload(w http.ResponseWriter, r *http.Request) {
	j, err := h.downloads.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) cancelDownload(w http.ResponseWriter, r *http.Request) {
	if err := h.downloads.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"taskId": r.PathValue("id")})
}

func (h *handler) restartDownload(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	j, err := h.downloads.Restart(r.Context(), r.PathValue("id"), force)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) downloadLog(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since sequence")
			return
		}
		since = parsed
	}
	writeJSON(w, http.StatusOK, h.downloads.Log(r.PathValue("id"), since))
}

func (h *handler) startEnhancement(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobSvc.Create(r.Context(), job.KindEnhancement, r.PathValue("id"), 0)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (h *handler) poolCapacity(w http.ResponseWriter, r *http.Request) {
	summary, err := h.pool.Capacity(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := struct {
		keypool.Capacity
		EstimatedHours *float64 `json:"estimatedHoursForTarget,omitempty"`
	}{Capacity: summary}

	if v := r.URL.Query().Get("targetImages"); v != "" {
		target, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid targetImages")
			return
		}
		if hours, ok := summary.EstimateHours(target); ok {
			resp.EstimatedHours = &hours
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) reloadPool(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.Reload(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}

	summary, err := h.pool.Capacity(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
