package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and local runs.
type Memory struct {
	mu           sync.RWMutex
	deployments  map[string]*Deployment
	byHash       map[string]string
	phaseLogs    []*PhaseLog
	wallets      map[string]*WalletRecord // by deployment id
	byAddress    map[string]string        // address -> deployment id
	pool         *Pool
	backers      map[string]*Backer
	reservations map[string]*Reservation
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		deployments:  make(map[string]*Deployment),
		byHash:       make(map[string]string),
		wallets:      make(map[string]*WalletRecord),
		byAddress:    make(map[string]string),
		backers:      make(map[string]*Backer),
		reservations: make(map[string]*Reservation),
	}
}

func (m *Memory) CreateDeployment(ctx context.Context, d *Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.deployments[cp.ID] = &cp
	if cp.ContentHash != "" {
		m.byHash[cp.ContentHash] = cp.ID
	}
	return nil
}

func (m *Memory) UpdateDeployment(ctx context.Context, d *Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	cp.UpdatedAt = time.Now()
	m.deployments[cp.ID] = &cp
	return nil
}

func (m *Memory) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) GetDeploymentByHash(ctx context.Context, contentHash string) (*Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHash[contentHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.deployments[id]
	return &cp, nil
}

func (m *Memory) AppendPhaseLog(ctx context.Context, entry *PhaseLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.phaseLogs = append(m.phaseLogs, &cp)
	return nil
}

// PhaseLogs returns the appended phase entries for a deployment (test helper).
func (m *Memory) PhaseLogs(deploymentID string) []*PhaseLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PhaseLog
	for _, e := range m.phaseLogs {
		if e.DeploymentID == deploymentID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

func (m *Memory) SaveWallet(ctx context.Context, w *WalletRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.wallets[cp.DeploymentID] = &cp
	m.byAddress[cp.Address] = cp.DeploymentID
	return nil
}

func (m *Memory) GetWalletByDeployment(ctx context.Context, deploymentID string) (*WalletRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[deploymentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) GetWalletByAddress(ctx context.Context, address string) (*WalletRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byAddress[address]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.wallets[id]
	return &cp, nil
}

func (m *Memory) GetPool(ctx context.Context) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pool == nil {
		return nil, ErrNotFound
	}
	cp := *m.pool
	return &cp, nil
}

func (m *Memory) SavePool(ctx context.Context, p *Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.pool = &cp
	return nil
}

func (m *Memory) GetBacker(ctx context.Context, address string) (*Backer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backers[address]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) SaveBacker(ctx context.Context, b *Backer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.backers[cp.Address] = &cp
	return nil
}

func (m *Memory) ListBackers(ctx context.Context) ([]*Backer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Backer, 0, len(m.backers))
	for _, b := range m.backers {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) GetReservation(ctx context.Context, contentHash string) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[contentHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) SaveReservation(ctx context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.reservations[cp.ContentHash] = &cp
	return nil
}

func (m *Memory) DeleteReservation(ctx context.Context, contentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reservations, contentHash)
	return nil
}
