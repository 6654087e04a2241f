package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/huzipatel/rad-labelling-sub000/internal/apperror"
	"github.com/huzipatel/rad-labelling-sub000/internal/blob"
	"github.com/huzipatel/rad-labelling-sub000/internal/job"
)

type mockTransferRepo struct {
	mu          sync.Mutex
	transfers   map[string]*Transfer
	stealUpdate bool
}

func newMockTransferRepo() *mockTransferRepo {
	return &mockTransferRepo{transfers: make(map[string]*Transfer)}
}

func (m *mockTransferRepo) Create(_ context.Context, t *Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.CreatedAt = time.Now().UTC()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	m.transfers[t.ID] = &cp
	return nil
}

func (m *mockTransferRepo) Get(_ context.Context, id string) (*Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, apperror.New(apperror.NotFound, "transfer not found")
	}
	cp := *t
	return &cp, nil
}

func (m *mockTransferRepo) UpdateProgress(_ context.Context, id string, received, watermark int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok {
		return apperror.New(apperror.NotFound, "transfer not found")
	}
	if m.stealUpdate {
		// A rival writer lands the same update first.
		m.stealUpdate = false
		t.ReceivedSize = received
		t.ChunkWatermark = watermark
		t.UpdatedAt = time.Now().UTC()
		return apperror.New(apperror.Conflict, "transfer progress would regress")
	}
	if t.ChunkWatermark >= watermark {
		return apperror.New(apperror.Conflict, "transfer progress would regress")
	}
	t.ReceivedSize = received
	t.ChunkWatermark = watermark
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *mockTransferRepo) SetStatus(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.transfers[id]; ok {
		t.Status = status
		t.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *mockTransferRepo) AttachJob(_ context.Context, id, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.transfers[id]; ok {
		t.JobID = jobID
	}
	return nil
}

func (m *mockTransferRepo) ListExpired(_ context.Context, cutoff time.Time) ([]Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transfer
	for _, t := range m.transfers {
		if t.Status == StatusActive && t.UpdatedAt.Before(cutoff) {
			out = append(out, *t)
		}
	}
	return out, nil
}

// mockJobRepo backs a real job.Service so enqueued ingestion jobs are
// observable from the tests.
type mockJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
}

func newMockJobRepo() *mockJobRepo {
	return &mockJobRepo{jobs: make(map[string]*job.Job)}
}

func (m *mockJobRepo) Create(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *mockJobRepo) Get(_ context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	cp := *j
	return &cp, nil
}

func (m *mockJobRepo) List(_ context.Context, _ job.Filter) ([]job.Job, error) { return nil, nil }

func (m *mockJobRepo) FindActive(_ context.Context, kind job.Kind, ownerRef string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Kind == kind && j.OwnerRef == ownerRef && !j.Status.Terminal() {
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockJobRepo) Advance(_ context.Context, _ string, _ job.Progress) error { return nil }
func (m *mockJobRepo) SetTotal(_ context.Context, _ string, _ int64) error       { return nil }

func (m *mockJobRepo) Transition(_ context.Context, id string, to job.Status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.Status = to
		if to == job.StatusFailed {
			j.Error = errMsg
		}
	}
	return nil
}

func (m *mockJobRepo) Claim(_ context.Context, id, _ string) (*job.Job, error) {
	return m.Get(context.Background(), id)
}

func (m *mockJobRepo) Release(_ context.Context, _, _ string) error { return nil }

func (m *mockJobRepo) ClaimPending(_ context.Context, _ string, _ ...job.Kind) (*job.Job, error) {
	return nil, nil
}

func (m *mockJobRepo) RecoverStale(_ context.Context) (int64, error)              { return 0, nil }
func (m *mockJobRepo) ListStalled(_ context.Context, _ time.Time) ([]job.Job, error) { return nil, nil }

func newTestReceiver(t *testing.T, opts Options) (*Receiver, *mockTransferRepo, *mockJobRepo, *blob.Store) {
	t.Helper()
	fs := afero.NewMemMapFs()
	blobs := blob.NewStore(fs, "blobs")
	repo := newMockTransferRepo()
	jobRepo := newMockJobRepo()
	jobs := job.NewService(jobRepo, 15*time.Minute)
	return NewReceiver(repo, blobs, jobs, afero.NewBasePathFs(fs, "staging"), opts), repo, jobRepo, blobs
}

func TestStartTransfer_RejectsUnsupportedType(t *testing.T) {
	recv, _, _, _ := newTestReceiver(t, Options{})

	_, err := recv.StartTransfer(context.Background(), StartRequest{Filename: "points.pdf", TotalSize: 100})
	if err == nil {
		t.Fatal("expected error for unsupported file type")
	}
}

func TestStartTransfer_AcceptsGeoFormats(t *testing.T) {
	recv, _, _, _ := newTestReceiver(t, Options{})
	ctx := context.Background()

	for _, name := range []string{"boundaries.gpkg", "boundaries.zip", "boundaries.geojson"} {
		if _, err := recv.StartTransfer(ctx, StartRequest{Filename: name, TotalSize: 100}); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
}

func TestPutChunk_OrderingAndIdempotency(t *testing.T) {
	recv, repo, _, _ := newTestReceiver(t, Options{ChunkSize: 4})
	ctx := context.Background()

	tr, err := recv.StartTransfer(ctx, StartRequest{Filename: "points.csv", TotalSize: 10})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := recv.PutChunk(ctx, tr.ID, 0, strings.NewReader("aaaa")); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	if err := recv.PutChunk(ctx, tr.ID, 1, strings.NewReader("bbbb")); err != nil {
		t.Fatalf("chunk 1: %v", err)
	}

	// Re-sending an already-received chunk succeeds without changing state.
	if err := recv.PutChunk(ctx, tr.ID, 1, strings.NewReader("bbbb")); err != nil {
		t.Fatalf("duplicate chunk: %v", err)
	}
	got, _ := repo.Get(ctx, tr.ID)
	if got.ReceivedSize != 8 || got.ChunkWatermark != 1 {
		t.Errorf("duplicate chunk changed state: received=%d watermark=%d", got.ReceivedSize, got.ChunkWatermark)
	}

	// Skipping ahead is a hard error.
	err = recv.PutChunk(ctx, tr.ID, 3, strings.NewReader("dd"))
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) || appErr.Code() != apperror.Corrupted {
		t.Fatalf("expected corrupted error for out-of-order chunk, got %v", err)
	}
}

func TestPutChunk_RejectsOversizedChunk(t *testing.T) {
	recv, _, _, _ := newTestReceiver(t, Options{ChunkSize: 4})
	ctx := context.Background()

	tr, err := recv.StartTransfer(ctx, StartRequest{Filename: "points.csv", TotalSize: 100})
	if err != nil {
		t.Fatal(err)
	}

	if err := recv.PutChunk(ctx, tr.ID, 0, strings.NewReader("too big chunk")); err == nil {
		t.Fatal("expected error for oversized chunk")
	}
}

func TestPutChunk_LostWatermarkRaceKeepsStagedChunk(t *testing.T) {
	recv, repo, _, blobs := newTestReceiver(t, Options{ChunkSize: 4})
	ctx := context.Background()

	tr, err := recv.StartTransfer(ctx, StartRequest{Filename: "points.csv", TotalSize: 8})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := recv.PutChunk(ctx, tr.ID, 0, strings.NewReader("aaaa")); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}

	// A rival put of chunk 1 records the watermark first; this put loses
	// the race but must not delete the staged file both writers share.
	repo.mu.Lock()
	repo.stealUpdate = true
	repo.mu.Unlock()
	if err := recv.PutChunk(ctx, tr.ID, 1, strings.NewReader("bbbb")); err != nil {
		t.Fatalf("losing chunk 1 put should be treated as a retry: %v", err)
	}

	j, err := recv.CompleteTransfer(ctx, tr.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if j == nil {
		t.Fatal("expected ingestion job")
	}

	rc, err := blobs.Open(BlobKey(tr.ID, "points.csv"))
	if err != nil {
		t.Fatalf("open assembled blob: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "aaaabbbb" {
		t.Errorf("expected both chunks assembled, got %q", data)
	}
}

func TestCompleteTransfer_ThreeChunks(t *testing.T) {
	// 12 MiB with 5 MiB chunks splits into two full chunks and a 2 MiB tail.
	const chunkSize = 5 * 1024 * 1024
	const totalSize = 12 * 1024 * 1024

	recv, repo, _, blobs := newTestReceiver(t, Options{ChunkSize: chunkSize})
	ctx := context.Background()

	tr, err := recv.StartTransfer(ctx, StartRequest{Filename: "points.csv", TotalSize: totalSize})
	if err != nil {
		t.Fatal(err)
	}

	full := bytes.Repeat([]byte{'x'}, chunkSize)
	tail := bytes.Repeat([]byte{'y'}, totalSize-2*chunkSize)

	if err := recv.PutChunk(ctx, tr.ID, 0, bytes.NewReader(full)); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	if err := recv.PutChunk(ctx, tr.ID, 1, bytes.NewReader(full)); err != nil {
		t.Fatalf("chunk 1: %v", err)
	}

	// Completing before the last chunk must fail without corrupting state.
	if _, err := recv.CompleteTransfer(ctx, tr.ID); err == nil {
		t.Fatal("expected error completing with missing bytes")
	}

	if err := recv.PutChunk(ctx, tr.ID, 2, bytes.NewReader(tail)); err != nil {
		t.Fatalf("chunk 2: %v", err)
	}

	j, err := recv.CompleteTransfer(ctx, tr.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if j == nil || j.Kind != job.KindUploadIngest {
		t.Fatalf("expected ingestion job, got %+v", j)
	}

	got, _ := repo.Get(ctx, tr.ID)
	if got.Status != StatusAssembled {
		t.Errorf("expected assembled, got %s", got.Status)
	}
	if got.JobID != j.ID {
		t.Errorf("expected job %s attached, got %q", j.ID, got.JobID)
	}

	rc, err := blobs.Open(BlobKey(tr.ID, "points.csv"))
	if err != nil {
		t.Fatalf("open assembled blob: %v", err)
	}
	defer rc.Close()
	var n int64
	buf := make([]byte, 64*1024)
	for {
		read, err := rc.Read(buf)
		n += int64(read)
		if err != nil {
			break
		}
	}
	if n != totalSize {
		t.Errorf("assembled blob is %d bytes, expected %d", n, totalSize)
	}

	// Completing again returns the same job.
	again, err := recv.CompleteTransfer(ctx, tr.ID)
	if err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if again == nil || again.ID != j.ID {
		t.Errorf("expected same job on repeat completion")
	}
}

func TestPutWhole_SmallFile(t *testing.T) {
	recv, repo, _, _ := newTestReceiver(t, Options{SmallFileLimit: 64})
	ctx := context.Background()

	j, err := recv.PutWhole(ctx, StartRequest{Filename: "points.geojson", TotalSize: 10},
		strings.NewReader("0123456789"))
	if err != nil {
		t.Fatalf("put whole: %v", err)
	}
	if j == nil {
		t.Fatal("expected ingestion job")
	}

	tr, err := repo.Get(ctx, j.OwnerRef)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Status != StatusAssembled {
		t.Errorf("expected assembled, got %s", tr.Status)
	}
}

func TestPutWhole_RejectsLargeFiles(t *testing.T) {
	recv, _, _, _ := newTestReceiver(t, Options{SmallFileLimit: 4})

	_, err := recv.PutWhole(context.Background(),
		StartRequest{Filename: "points.csv", TotalSize: 10}, strings.NewReader("0123456789"))
	if err == nil {
		t.Fatal("expected error for file above the small-file limit")
	}
}

func TestExpireStale_FailsAttachedJob(t *testing.T) {
	recv, repo, jobRepo, _ := newTestReceiver(t, Options{TransferTTL: time.Hour})
	ctx := context.Background()

	tr, err := recv.StartTransfer(ctx, StartRequest{Filename: "points.csv", TotalSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	j := &job.Job{ID: "job-1", Kind: job.KindUploadIngest, Status: job.StatusPending, OwnerRef: tr.ID}
	if err := jobRepo.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	if err := repo.AttachJob(ctx, tr.ID, j.ID); err != nil {
		t.Fatal(err)
	}

	// Age the transfer past the TTL.
	repo.mu.Lock()
	repo.transfers[tr.ID].UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	repo.mu.Unlock()

	n, err := recv.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired transfer, got %d", n)
	}

	got, _ := repo.Get(ctx, tr.ID)
	if got.Status != StatusExpired {
		t.Errorf("expected expired, got %s", got.Status)
	}
	failed, _ := jobRepo.Get(ctx, j.ID)
	if failed.Status != job.StatusFailed || failed.Error != "transfer_expired" {
		t.Errorf("expected failed job with transfer_expired, got %s %q", failed.Status, failed.Error)
	}

	// Expired transfers no longer accept chunks.
	if err := recv.PutChunk(ctx, tr.ID, 0, strings.NewReader("aa")); err == nil {
		t.Error("expected error putting chunk on expired transfer")
	}
}
