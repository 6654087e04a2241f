package keypool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager allocates credentials round-robin across the pool. The rotation
// order is held in memory; quota counters live in the store and are
// consumed with an atomic guarded increment, so several download tasks can
// share one pool safely.
type Manager struct {
	repo Repository

	mu       sync.Mutex
	rotation []int64 // credential ids in round-robin order
	next     int

	reloaded chan struct{}
	now      func() time.Time
}

func NewManager(repo Repository) *Manager {
	return &Manager{
		repo:     repo,
		reloaded: make(chan struct{}),
		now:      time.Now,
	}
}

// Load reads the credential set from the store into the rotation. Called on
// startup and again by Reload.
func (m *Manager) Load(ctx context.Context) error {
	creds, err := m.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("load credential pool: %w", err)
	}

	ids := make([]int64, len(creds))
	for i, c := range creds {
		ids[i] = c.ID
	}

	m.mu.Lock()
	m.rotation = ids
	if m.next >= len(ids) {
		m.next = 0
	}
	m.mu.Unlock()

	slog.Info("credential pool loaded", "keys", len(ids))
	return nil
}

// Reload hot-swaps the credential set without a restart and wakes any
// worker backing off on an exhausted pool so it can retry against fresh
// keys immediately.
func (m *Manager) Reload(ctx context.Context) error {
	if err := m.Load(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	close(m.reloaded)
	m.reloaded = make(chan struct{})
	m.mu.Unlock()
	return nil
}

// Reloaded returns a channel closed on the next pool reload. Workers waiting
// out a quota backoff select on it to retry early.
func (m *Manager) Reloaded() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloaded
}

// Acquire returns a credential with remaining quota, consuming one unit of
// it at dispatch time. When every key is spent it fails with
// *QuotaExhaustedError carrying the earliest reset.
func (m *Manager) Acquire(ctx context.Context, purpose string) (*Credential, error) {
	m.mu.Lock()
	rotation := make([]int64, len(m.rotation))
	copy(rotation, m.rotation)
	start := m.next
	if len(rotation) > 0 {
		m.next = (m.next + 1) % len(rotation)
	}
	m.mu.Unlock()

	if len(rotation) == 0 {
		return nil, &QuotaExhaustedError{}
	}

	now := m.now().UTC()
	nextReset := now.Add(24 * time.Hour)

	for i := range rotation {
		id := rotation[(start+i)%len(rotation)]

		ok, err := m.repo.TryAcquire(ctx, id, now, nextReset)
		if err != nil {
			return nil, fmt.Errorf("acquire credential: %w", err)
		}
		if !ok {
			continue
		}

		cred, err := m.repo.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("acquire credential: %w", err)
		}
		slog.Debug("credential acquired", "credential", id, "purpose", purpose,
			"used", cred.UsedToday, "quota", cred.DailyQuota)
		return cred, nil
	}

	return nil, &QuotaExhaustedError{NextReset: m.earliestReset(ctx, now)}
}

func (m *Manager) earliestReset(ctx context.Context, now time.Time) time.Time {
	creds, err := m.repo.List(ctx)
	if err != nil || len(creds) == 0 {
		return time.Time{}
	}

	var earliest time.Time
	for _, c := range creds {
		if earliest.IsZero() || c.ResetAt.Before(earliest) {
			earliest = c.ResetAt
		}
	}
	if earliest.Before(now) {
		earliest = now
	}
	return earliest
}

// Capacity summarises the pool for the administrative view.
func (m *Manager) Capacity(ctx context.Context) (Capacity, error) {
	creds, err := m.repo.List(ctx)
	if err != nil {
		return Capacity{}, fmt.Errorf("pool capacity: %w", err)
	}

	now := m.now().UTC()
	accounts := make(map[string]struct{})
	projects := make(map[string]struct{})

	var out Capacity
	for _, c := range creds {
		accounts[c.AccountID] = struct{}{}
		projects[c.AccountID+"/"+c.ProjectID] = struct{}{}
		out.DailyCapacity += c.DailyQuota

		if c.ResetAt.After(now) {
			remaining := c.DailyQuota - c.UsedToday
			if remaining > 0 {
				out.Remaining += remaining
			}
		} else {
			out.Remaining += c.DailyQuota
		}
	}

	out.Accounts = len(accounts)
	out.Projects = len(projects)
	out.Keys = len(creds)
	return out, nil
}
