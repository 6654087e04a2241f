package server

import (
	"net/http"

	"github.com/huzipatel/rad-labelling-sub000/internal/download"
	"github.com/huzipatel/rad-labelling-sub000/internal/job"
	"github.com/huzipatel/rad-labelling-sub000/internal/keypool"
	"github.com/huzipatel/rad-labelling-sub000/internal/upload"
)

// NewHandler creates the full HTTP handler with routes and middleware.
// Exported for use in tests (e.g., httptest.NewServer).
func NewHandler(jobSvc *job.Service, uploads *upload.Receiver, downloads *download.Manager, pool *keypool.Manager) http.Handler {
	return newMux(jobSvc, uploads, downloads, pool)
}

func newMux(jobSvc *job.Service, uploads *upload.Receiver, downloads *download.Manager, pool *keypool.Manager) http.Handler {
	h := &handler{
		jobSvc:    jobSvc,
		uploads:   uploads,
		downloads: downloads,
		pool:      pool,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	mux.HandleFunc("GET /api/v1/jobs", h.listJobs)
	mux.HandleFunc("GET /api/v1/jobs/stalled", h.listStalledJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.getJob)

	mux.HandleFunc("POST /api/v1/uploads", h.startUpload)
	mux.HandleFunc("POST /api/v1/uploads/whole", h.putWholeUpload)
	mux.HandleFunc("PUT /api/v1/uploads/{id}/chunks/{index}", h.putChunk)
	mux.HandleFunc("POST /api/v1/uploads/{id}/complete", h.completeUpload)
	mux.HandleFunc("GET /api/v1/uploads/{id}", h.uploadStatus)

	mux.HandleFunc("POST /api/v1/tasks/{id}/download/start", h.startDownload)
	mux.HandleFunc("POST /api/v1/tasks/{id}/download/pause", h.pauseDownload)
	mux.HandleFunc("POST /api/v1/tasks/{id}/download/resume", h.resumeDownload)
	mux.HandleFunc("POST /api/v1/tasks/{id}/download/cancel", h.cancelDownload)
	mux.HandleFunc("POST /api/v1/tasks/{id}/download/restart", h.restartDownload)
	mux.HandleFunc("GET /api/v1/tasks/{id}/download/log", h.downloadLog)

	mux.HandleFunc("POST /api/v1/tasks/{id}/enhance", h.startEnhancement)

	mux.HandleFunc("GET /api/v1/keypool/capacity", h.poolCapacity)
	mux.HandleFunc("POST /api/v1/keypool/reload", h.reloadPool)

	// Apply middleware stack: recovery -> requestID -> logging
	var handler http.Handler = mux
	handler = logging(handler)
	handler = requestID(handler)
	handler = recovery(handler)

	return handler
}
