package job

import "github.com/huzipatel/rad-labelling-sub000/internal/apperror"

type GetJobRequest struct {
	ID string
}

func (r GetJobRequest) Validate() *apperror.AppError {
	if r.ID == "" {
		return apperror.New(apperror.BadRequest, "invalid job id")
	}
	return nil
}

type ListJobsRequest struct {
	Kind     string
	Status   string
	OwnerRef string
}

func (r ListJobsRequest) Validate() *apperror.AppError {
	switch Kind(r.Kind) {
	case "", KindUploadIngest, KindImageDownload, KindEnhancement:
	default:
		return apperror.New(apperror.BadRequest, "unknown job kind")
	}
	switch Status(r.Status) {
	case "", StatusPending, StatusAnalyzing, StatusRunning, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
	default:
		return apperror.New(apperror.BadRequest, "unknown job status")
	}
	return nil
}
