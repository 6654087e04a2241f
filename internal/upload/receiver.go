// Package upload accepts large files as a sequence of byte-range chunks,
// reassembles them durably, and enqueues an ingestion job for the completed
// file. A transfer that errors mid-flight stays resumable from its chunk
// high-watermark.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/huzipatel/rad-labelling-sub000/internal/apperror"
	"github.com/huzipatel/rad-labelling-sub000/internal/blob"
	"github.com/huzipatel/rad-labelling-sub000/internal/job"
)

var supportedExtensions = map[string]bool{
	".xlsx":    true,
	".csv":     true,
	".geojson": true,
	// Geopackage and zipped shapefile transfers are accepted and stored;
	// ingestion fails their job until a parser for them exists.
	".gpkg": true,
	".zip":  true,
}

// BlobKey is where the reassembled file lands in blob storage.
func BlobKey(transferID, filename string) string {
	return path.Join("uploads", transferID, filename)
}

type Options struct {
	ChunkSize      int64
	MaxUploadSize  int64
	SmallFileLimit int64
	TransferTTL    time.Duration
}

type Receiver struct {
	repo    Repository
	blobs   *blob.Store
	jobs    *job.Service
	staging afero.Fs
	opts    Options
}

func NewReceiver(repo Repository, blobs *blob.Store, jobs *job.Service, staging afero.Fs, opts Options) *Receiver {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 5 * 1024 * 1024
	}
	if opts.TransferTTL <= 0 {
		opts.TransferTTL = 24 * time.Hour
	}
	return &Receiver{repo: repo, blobs: blobs, jobs: jobs, staging: staging, opts: opts}
}

type StartRequest struct {
	Filename  string
	TotalSize int64
	Metadata  string
}

func (r StartRequest) Validate(maxSize int64) *apperror.AppError {
	if r.Filename == "" {
		return apperror.New(apperror.BadRequest, "filename is required")
	}
	if !supportedExtensions[strings.ToLower(path.Ext(r.Filename))] {
		return apperror.New(apperror.BadRequest,
			fmt.Sprintf("unsupported file type %q", path.Ext(r.Filename)))
	}
	if r.TotalSize <= 0 {
		return apperror.New(apperror.BadRequest, "total size must be positive")
	}
	if maxSize > 0 && r.TotalSize > maxSize {
		return apperror.New(apperror.BadRequest,
			fmt.Sprintf("file exceeds maximum upload size of %d bytes", maxSize))
	}
	return nil
}

// StartTransfer registers a new chunked transfer and returns its record.
func (r *Receiver) StartTransfer(ctx context.Context, req StartRequest) (*Transfer, error) {
	if appErr := req.Validate(r.opts.MaxUploadSize); appErr != nil {
		return nil, appErr
	}

	t := &Transfer{
		ID:             uuid.NewString(),
		Filename:       path.Base(req.Filename),
		ExpectedSize:   req.TotalSize,
		ChunkWatermark: -1,
		Status:         StatusActive,
		Metadata:       req.Metadata,
	}
	if err := r.repo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("start transfer: %w", err)
	}

	slog.Info("transfer started", "transfer", t.ID, "filename", t.Filename, "size", t.ExpectedSize)
	return t, nil
}

// PutChunk stores one chunk. Re-sending a chunk at or below the watermark is
// an idempotent no-op; a chunk more than one ahead of the watermark is
// rejected without touching prior state, which bounds server-side buffering.
func (r *Receiver) PutChunk(ctx context.Context, transferID string, index int64, data io.Reader) error {
	t, err := r.repo.Get(ctx, transferID)
	if err != nil {
		return err
	}
	if t.Status != StatusActive {
		return apperror.New(apperror.Conflict,
			fmt.Sprintf("transfer is %s, not accepting chunks", t.Status))
	}

	if index < 0 {
		return apperror.New(apperror.BadRequest, "chunk index cannot be negative")
	}
	if index <= t.ChunkWatermark {
		// Retry of an already-received chunk.
		_, _ = io.Copy(io.Discard, data)
		return nil
	}
	if index > t.ChunkWatermark+1 {
		return apperror.New(apperror.Corrupted,
			fmt.Sprintf("chunk %d out of order: next expected is %d", index, t.ChunkWatermark+1))
	}

	dir := r.stagingDir(transferID)
	if err := r.staging.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("put chunk: mkdir: %w", err)
	}

	chunkPath := path.Join(dir, strconv.FormatInt(index, 10)+".chunk")
	f, err := r.staging.Create(chunkPath)
	if err != nil {
		return fmt.Errorf("put chunk: create: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(data, r.opts.ChunkSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = r.staging.Remove(chunkPath)
		return fmt.Errorf("put chunk: write: %w", err)
	}
	if n > r.opts.ChunkSize {
		_ = r.staging.Remove(chunkPath)
		return apperror.New(apperror.BadRequest,
			fmt.Sprintf("chunk exceeds configured chunk size of %d bytes", r.opts.ChunkSize))
	}
	if t.ReceivedSize+n > t.ExpectedSize {
		_ = r.staging.Remove(chunkPath)
		return apperror.New(apperror.Corrupted, "received bytes exceed expected size")
	}

	if err := r.repo.UpdateProgress(ctx, transferID, t.ReceivedSize+n, index); err != nil {
		// A concurrent put of this index won the watermark update. Both
		// writers staged the same bytes at the same path, so the file
		// must stay: removing it would orphan the winner's record.
		var ae *apperror.AppError
		if errors.As(err, &ae) && ae.Code() == apperror.Conflict {
			return nil
		}
		_ = r.staging.Remove(chunkPath)
		return fmt.Errorf("put chunk: record progress: %w", err)
	}
	return nil
}

// CompleteTransfer verifies the received byte count, reassembles the chunks
// into a single durable blob, clears the staging area, and enqueues the
// ingestion job.
func (r *Receiver) CompleteTransfer(ctx context.Context, transferID string) (*job.Job, error) {
	t, err := r.repo.Get(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusAssembled {
		// Completion is idempotent once assembled.
		if t.JobID != "" {
			return r.jobs.Get(ctx, job.GetJobRequest{ID: t.JobID})
		}
		return nil, nil
	}
	if t.Status != StatusActive {
		return nil, apperror.New(apperror.Conflict,
			fmt.Sprintf("transfer is %s and cannot be completed", t.Status))
	}
	if t.ReceivedSize != t.ExpectedSize {
		return nil, apperror.New(apperror.Corrupted,
			fmt.Sprintf("received %d of %d expected bytes", t.ReceivedSize, t.ExpectedSize))
	}

	readers := make([]io.Reader, 0, t.ChunkWatermark+1)
	closers := make([]io.Closer, 0, t.ChunkWatermark+1)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	dir := r.stagingDir(transferID)
	for i := int64(0); i <= t.ChunkWatermark; i++ {
		f, err := r.staging.Open(path.Join(dir, strconv.FormatInt(i, 10)+".chunk"))
		if err != nil {
			return nil, apperror.New(apperror.Corrupted,
				fmt.Sprintf("chunk %d missing from staging", i))
		}
		readers = append(readers, f)
		closers = append(closers, f)
	}

	n, err := r.blobs.Put(BlobKey(t.ID, t.Filename), io.MultiReader(readers...))
	if err != nil {
		return nil, fmt.Errorf("complete transfer: assemble: %w", err)
	}
	if n != t.ExpectedSize {
		_ = r.blobs.Delete(BlobKey(t.ID, t.Filename))
		return nil, apperror.New(apperror.Corrupted,
			fmt.Sprintf("assembled %d bytes, expected %d", n, t.ExpectedSize))
	}

	if err := r.staging.RemoveAll(dir); err != nil {
		slog.Warn("failed to clear transfer staging", "transfer", t.ID, "error", err)
	}
	if err := r.repo.SetStatus(ctx, transferID, StatusAssembled); err != nil {
		return nil, fmt.Errorf("complete transfer: %w", err)
	}

	j, err := r.jobs.Create(ctx, job.KindUploadIngest, t.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("complete transfer: enqueue ingestion: %w", err)
	}
	if err := r.repo.AttachJob(ctx, transferID, j.ID); err != nil {
		return nil, fmt.Errorf("complete transfer: %w", err)
	}

	slog.Info("transfer assembled", "transfer", t.ID, "bytes", n, "job", j.ID)
	return j, nil
}

// PutWhole submits a file below the small-file threshold in one request,
// bypassing chunking.
func (r *Receiver) PutWhole(ctx context.Context, req StartRequest, data io.Reader) (*job.Job, error) {
	if appErr := req.Validate(r.opts.MaxUploadSize); appErr != nil {
		return nil, appErr
	}
	if r.opts.SmallFileLimit > 0 && req.TotalSize > r.opts.SmallFileLimit {
		return nil, apperror.New(apperror.BadRequest, "file too large for whole-file submission, use chunked transfer")
	}

	t := &Transfer{
		ID:             uuid.NewString(),
		Filename:       path.Base(req.Filename),
		ExpectedSize:   req.TotalSize,
		ChunkWatermark: 0,
		Status:         StatusActive,
		Metadata:       req.Metadata,
	}
	if err := r.repo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("put whole: %w", err)
	}

	n, err := r.blobs.Put(BlobKey(t.ID, t.Filename), data)
	if err != nil {
		return nil, fmt.Errorf("put whole: store: %w", err)
	}
	if n != req.TotalSize {
		_ = r.blobs.Delete(BlobKey(t.ID, t.Filename))
		return nil, apperror.New(apperror.Corrupted,
			fmt.Sprintf("received %d bytes, expected %d", n, req.TotalSize))
	}

	if err := r.repo.UpdateProgress(ctx, t.ID, n, 0); err != nil {
		return nil, fmt.Errorf("put whole: %w", err)
	}
	if err := r.repo.SetStatus(ctx, t.ID, StatusAssembled); err != nil {
		return nil, fmt.Errorf("put whole: %w", err)
	}

	j, err := r.jobs.Create(ctx, job.KindUploadIngest, t.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("put whole: enqueue ingestion: %w", err)
	}
	if err := r.repo.AttachJob(ctx, t.ID, j.ID); err != nil {
		return nil, fmt.Errorf("put whole: %w", err)
	}
	return j, nil
}

func (r *Receiver) Status(ctx context.Context, transferID string) (*Transfer, error) {
	return r.repo.Get(ctx, transferID)
}

func (r *Receiver) stagingDir(transferID string) string {
	return path.Join("chunks", transferID)
}

// ExpireStale garbage-collects transfers abandoned beyond the TTL, removing
// their staging chunks and failing any job already attached.
func (r *Receiver) ExpireStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.opts.TransferTTL)
	stale, err := r.repo.ListExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire transfers: %w", err)
	}

	for _, t := range stale {
		if err := r.repo.SetStatus(ctx, t.ID, StatusExpired); err != nil {
			return 0, fmt.Errorf("expire transfer %s: %w", t.ID, err)
		}
		if err := r.staging.RemoveAll(r.stagingDir(t.ID)); err != nil {
			slog.Warn("failed to clear staging for expired transfer", "transfer", t.ID, "error", err)
		}
		if t.JobID != "" {
			_ = r.jobs.Fail(ctx, t.JobID, "transfer_expired")
		}
		slog.Info("transfer expired", "transfer", t.ID, "filename", t.Filename)
	}
	return len(stale), nil
}

// RunGC expires stale transfers on the given interval until ctx is done.
func (r *Receiver) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ExpireStale(ctx); err != nil {
				slog.Error("transfer gc", "error", err)
			}
		}
	}
}
