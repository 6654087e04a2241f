package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/huzipatel/rad-labelling-sub000/internal/apperror"
)

type mockRepo struct {
	mu         sync.Mutex
	jobs       map[string]*Job
	staleCount int64
	recoverErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{jobs: make(map[string]*Job)}
}

func (m *mockRepo) Create(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.CreatedAt = time.Now().UTC()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *mockRepo) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	cp := *j
	return &cp, nil
}

func (m *mockRepo) List(_ context.Context, f Filter) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if f.Kind != "" && j.Kind != f.Kind {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.OwnerRef != "" && j.OwnerRef != f.OwnerRef {
			continue
		}
		result = append(result, *j)
	}
	return result, nil
}

func (m *mockRepo) FindActive(_ context.Context, kind Kind, ownerRef string) (*Job, error) {
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

func (m *mockRepo) Advance(_ context.Context, id string, p Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return apperror.New(apperror.NotFound, "job not found")
	}
	j.Succeeded = max(j.Succeeded, p.Succeeded)
	j.Failed = max(j.Failed, p.Failed)
	j.Skipped = max(j.Skipped, p.Skipped)
	j.Processed = j.Succeeded + j.Failed + j.Skipped
	if p.Stage != "" {
		j.Stage = p.Stage
	}
	return nil
}

func (m *mockRepo) SetTotal(_ context.Context, id string, total int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return apperror.New(apperror.NotFound, "job not found")
	}
	j.Total = total
	return nil
}

func (m *mockRepo) Transition(_ context.Context, id string, to Status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return apperror.New(apperror.NotFound, "job not found")
	}
	if j.Status == to {
		return nil
	}
	if !ValidTransition(j.Kind, j.Status, to) {
		return apperror.New(apperror.Conflict, "invalid transition")
	}
	j.Status = to
	if to == StatusFailed {
		j.Error = errMsg
	}
	return nil
}

func (m *mockRepo) Claim(_ context.Context, id, owner string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	if j.LeaseOwner != "" && j.LeaseOwner != owner {
		return nil, apperror.New(apperror.Conflict, "job busy")
	}
	j.LeaseOwner = owner
	j.Status = StatusRunning
	cp := *j
	return &cp, nil
}

func (m *mockRepo) Release(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok && j.LeaseOwner == owner {
		j.LeaseOwner = ""
	}
	return nil
}

func (m *mockRepo) ClaimPending(_ context.Context, owner string, kinds ...Kind) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Status != StatusPending {
			continue
		}
		for _, k := range kinds {
			if j.Kind == k {
				j.Status = StatusRunning
				j.LeaseOwner = owner
				cp := *j
				return &cp, nil
			}
		}
	}
	return nil, nil
}

func (m *mockRepo) RecoverStale(_ context.Context) (int64, error) {
	return m.staleCount, m.recoverErr
}

func (m *mockRepo) ListStalled(_ context.Context, _ time.Time) ([]Job, error) {
	return nil, nil
}

func TestService_Create_DedupesActiveJob(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, 15*time.Minute)
	ctx := context.Background()

	first, err := svc.Create(ctx, KindUploadIngest, "transfer-1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := svc.Create(ctx, KindUploadIngest, "transfer-1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected existing job %s, got new job %s", first.ID, second.ID)
	}
}

// racingRepo rejects inserts after a rival job appears between the lookup
// and the insert, the way the store's unique active-job index does.
type racingRepo struct {
	*mockRepo
	rival *Job
}

func (r *racingRepo) Create(_ context.Context, _ *Job) error {
	r.mu.Lock()
	cp := *r.rival
	r.jobs[r.rival.ID] = &cp
	r.mu.Unlock()
	return errors.New("create job: UNIQUE constraint failed")
}

func TestService_Create_LostRaceReturnsWinner(t *testing.T) {
	repo := &racingRepo{
		mockRepo: newMockRepo(),
		rival: &Job{
			ID:       "winner",
			Kind:     KindImageDownload,
			Status:   StatusPending,
			OwnerRef: "task-1",
		},
	}
	svc := NewService(repo, time.Minute)

	j, err := svc.Create(context.Background(), KindImageDownload, "task-1", 40)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if j.ID != "winner" {
		t.Errorf("expected the rival job to be returned, got %s", j.ID)
	}
}

func TestService_Create_NewJobAfterTerminal(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, 15*time.Minute)
	ctx := context.Background()

	first, err := svc.Create(ctx, KindImageDownload, "task-1", 160)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.Transition(ctx, first.ID, StatusRunning, ""); err != nil {
		t.Fatal(err)
	}
	if err := repo.Transition(ctx, first.ID, StatusCancelled, ""); err != nil {
		t.Fatal(err)
	}

	second, err := svc.Create(ctx, KindImageDownload, "task-1", 160)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID == first.ID {
		t.Error("expected a fresh job after the previous one was cancelled")
	}
}

func TestService_Get_MissingID(t *testing.T) {
	svc := NewService(newMockRepo(), 15*time.Minute)
	_, err := svc.Get(context.Background(), GetJobRequest{ID: ""})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestService_List_FiltersByKind(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, 15*time.Minute)
	ctx := context.Background()

	_ = repo.Create(ctx, &Job{Kind: KindUploadIngest, OwnerRef: "t-1", Status: StatusPending})
	_ = repo.Create(ctx, &Job{Kind: KindEnhancement, OwnerRef: "task-1", Status: StatusPending})

	jobs, err := svc.List(ctx, ListJobsRequest{Kind: string(KindEnhancement)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("expected 1 job, got %d", len(jobs))
	}
}

func TestService_List_RejectsUnknownStatus(t *testing.T) {
	svc := NewService(newMockRepo(), 15*time.Minute)
	_, err := svc.List(context.Background(), ListJobsRequest{Status: "sleeping"})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestService_Fail_RecordsReason(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, 15*time.Minute)
	ctx := context.Background()

	j, err := svc.Create(ctx, KindUploadIngest, "transfer-2", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Fail(ctx, j.ID, "transfer_expired"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := svc.Get(ctx, GetJobRequest{ID: j.ID})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.Error != "transfer_expired" {
		t.Errorf("expected transfer_expired, got %q", got.Error)
	}
}

func TestService_RecoverStaleJobs(t *testing.T) {
	repo := newMockRepo()
	repo.staleCount = 3
	svc := NewService(repo, 15*time.Minute)

	if err := svc.RecoverStaleJobs(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		from Status
		to   Status
		want bool
	}{
		{"pending to running", KindImageDownload, StatusPending, StatusRunning, true},
		{"pending to analyzing for upload", KindUploadIngest, StatusPending, StatusAnalyzing, true},
		{"pending to analyzing for download", KindImageDownload, StatusPending, StatusAnalyzing, false},
		{"running to paused", KindImageDownload, StatusRunning, StatusPaused, true},
		{"paused to running", KindImageDownload, StatusPaused, StatusRunning, true},
		{"paused to completed", KindImageDownload, StatusPaused, StatusCompleted, false},
		{"completed is terminal", KindImageDownload, StatusCompleted, StatusRunning, false},
		{"cancelled is terminal", KindEnhancement, StatusCancelled, StatusPending, false},
		{"running to cancelled", KindEnhancement, StatusRunning, StatusCancelled, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidTransition(tt.kind, tt.from, tt.to); got != tt.want {
				t.Errorf("ValidTransition(%s, %s, %s) = %v, want %v", tt.kind, tt.from, tt.to, got, tt.want)
			}
		})
	}
}
