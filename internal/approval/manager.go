package approval

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultTTL = 5 * time.Minute

// PendingApproval is a queued Request and, once decided, its resolution.
type PendingApproval struct {
	ID         string    `json:"id"`
	Request    Request   `json:"request"`
	Status     Status    `json:"status"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`

	done chan struct{}
}

// Manager is the in-memory queue behind the queue approval mode. A
// pending entry is decided by Approve or Deny, or expires after the TTL.
// Decided entries are kept for one more TTL so late readers see the
// outcome, then dropped by Cleanup.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*PendingApproval
	ttl     time.Duration
	notify  func(*PendingApproval)
	now     func() time.Time
	logger  *slog.Logger
}

// NewManager creates a Manager. A non-positive ttl means five minutes.
func NewManager(ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Manager{
		entries: make(map[string]*PendingApproval),
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// OnChange sets the callback run after each create and each decision.
// It receives a copy and must not block.
func (m *Manager) OnChange(fn func(*PendingApproval)) {
	m.mu.Lock()
	m.notify = fn
	m.mu.Unlock()
}

// Create queues req and returns the approval ID.
func (m *Manager) Create(_ context.Context, req Request) (string, error) {
	now := m.now()
	pa := &PendingApproval{
		ID:        uuid.NewString(),
		Request:   req,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.entries[pa.ID] = pa
	snap, notify := pa.copy(), m.notify
	m.mu.Unlock()

	m.logger.Info("approval queued",
		slog.String("approval_id", pa.ID),
		slog.String("request_id", req.RequestID),
		slog.String("tool", req.Tool),
		slog.String("risk", req.RiskLevel),
		slog.Time("expires_at", pa.ExpiresAt),
	)
	if notify != nil {
		notify(snap)
	}
	return pa.ID, nil
}

// Approve lets the queued call run.
func (m *Manager) Approve(_ context.Context, id, by string) error {
	return m.decide(id, by, StatusApproved)
}

// Deny rejects the queued call.
func (m *Manager) Deny(_ context.Context, id, by string) error {
	return m.decide(id, by, StatusDenied)
}

func (m *Manager) decide(id, by string, status Status) error {
	m.mu.Lock()
	pa, err := m.lookup(id)
	if err == nil {
		switch pa.Status {
		case StatusPending:
		case StatusExpired:
			err = ErrExpired
		default:
			err = ErrAlreadyResolved
		}
	}
	if err != nil {
		m.mu.Unlock()
		return err
	}
	pa.Status = status
	pa.ResolvedBy = by
	pa.ResolvedAt = m.now()
	close(pa.done)
	snap, notify := pa.copy(), m.notify
	m.mu.Unlock()

	m.logger.Info("approval decided",
		slog.String("approval_id", id),
		slog.String("status", status.String()),
		slog.String("by", by),
		slog.String("tool", pa.Request.Tool),
	)
	if notify != nil {
		notify(snap)
	}
	return nil
}

// Get returns a copy of the approval.
func (m *Manager) Get(_ context.Context, id string) (*PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return pa.copy(), nil
}

// List returns the approvals still awaiting a decision, oldest first.
func (m *Manager) List(_ context.Context) []*PendingApproval {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []*PendingApproval
	for _, pa := range m.entries {
		pa.expireIfDue(now)
		if pa.Status == StatusPending {
			out = append(out, pa.copy())
		}
	}
	slices.SortFunc(out, func(a, b *PendingApproval) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Wait blocks until id is decided or expires. Expiry returns the
// approval together with ErrExpired.
func (m *Manager) Wait(ctx context.Context, id string) (*PendingApproval, error) {
	m.mu.Lock()
	pa, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	done, left := pa.done, pa.ExpiresAt.Sub(m.now())
	m.mu.Unlock()

	timer := time.NewTimer(left)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	got, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if got.Status == StatusExpired {
		return got, ErrExpired
	}
	return got, nil
}

// Cleanup expires overdue entries and drops those decided or expired
// more than one TTL ago.
func (m *Manager) Cleanup(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, pa := range m.entries {
		pa.expireIfDue(now)
		if pa.Status != StatusPending && now.After(pa.ExpiresAt.Add(m.ttl)) {
			delete(m.entries, id)
		}
	}
}

// StartCleanup runs Cleanup every interval until ctx ends or the
// returned stop function is called.
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Cleanup(ctx)
			}
		}
	}()
	return cancel
}

// lookup finds id and applies expiry. Must be called with m.mu held.
func (m *Manager) lookup(id string) (*PendingApproval, error) {
	pa, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	pa.expireIfDue(m.now())
	return pa, nil
}

func (pa *PendingApproval) expireIfDue(now time.Time) {
	if pa.Status == StatusPending && now.After(pa.ExpiresAt) {
		pa.Status = StatusExpired
		close(pa.done)
	}
}

func (pa *PendingApproval) copy() *PendingApproval {
	cp := *pa
	cp.done = nil
	return &cp
}
