package keypool

import (
	"context"
	"testing"
	"time"

	"github.com/huzipatel/rad-labelling-sub000/internal/platform/sqlite"
)

func setupTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedCredential(t *testing.T, db *sqlite.DB, account, project, key string, quota, used int64, resetAt time.Time) int64 {
	t.Helper()
	res, err := db.DB.Exec(`INSERT INTO api_credentials
		(account_id, project_id, api_key, daily_quota, used_today, reset_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		account, project, key, quota, used, resetAt.UTC().Format(time.RFC3339))
	if err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

func TestList_StableOrder(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.DB)
	reset := time.Now().UTC().Add(12 * time.Hour)

	seedCredential(t, db, "acc-a", "proj-1", "key-1", 100, 0, reset)
	seedCredential(t, db, "acc-b", "proj-1", "key-2", 100, 0, reset)

	creds, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(creds))
	}
	if creds[0].Key != "key-1" || creds[1].Key != "key-2" {
		t.Error("expected credentials in id order")
	}
}

func TestTryAcquire_ConsumesQuota(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.DB)
	ctx := context.Background()

	now := time.Now().UTC()
	reset := now.Add(12 * time.Hour)
	id := seedCredential(t, db, "acc-a", "proj-1", "key-1", 2, 0, reset)

	for i := 0; i < 2; i++ {
		ok, err := repo.TryAcquire(ctx, id, now, now.Add(24*time.Hour))
		if err != nil {
			t.Fatalf("try acquire: %v", err)
		}
		if !ok {
			t.Fatalf("expected acquisition %d to succeed", i)
		}
	}

	// Third acquisition exceeds the quota.
	ok, err := repo.TryAcquire(ctx, id, now, now.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected acquisition past quota to fail")
	}

	cred, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if cred.UsedToday != 2 {
		t.Errorf("expected used_today 2, got %d", cred.UsedToday)
	}
}

func TestTryAcquire_RollsOverLapsedWindow(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.DB)
	ctx := context.Background()

	now := time.Now().UTC()
	id := seedCredential(t, db, "acc-a", "proj-1", "key-1", 5, 5, now.Add(-time.Hour))

	nextReset := now.Add(24 * time.Hour)
	ok, err := repo.TryAcquire(ctx, id, now, nextReset)
	if err != nil {
		t.Fatalf("try acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected rollover acquisition to succeed")
	}

	cred, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if cred.UsedToday != 1 {
		t.Errorf("expected fresh window with used_today 1, got %d", cred.UsedToday)
	}
	if !cred.ResetAt.Equal(nextReset.Truncate(time.Second)) {
		t.Errorf("expected reset_at %s, got %s", nextReset.Truncate(time.Second), cred.ResetAt)
	}
}

func TestTryAcquire_ZeroQuotaKey(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.DB)

	now := time.Now().UTC()
	id := seedCredential(t, db, "acc-a", "proj-1", "key-1", 0, 0, now.Add(-time.Hour))

	ok, err := repo.TryAcquire(context.Background(), id, now, now.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected zero-quota key to never be acquired")
	}
}
