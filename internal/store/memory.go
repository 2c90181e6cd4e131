package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/pkg/models"
)

// saveInterval is how often a dirty in-memory store flushes its snapshot.
const saveInterval = 5 * time.Second

// snapshot is the on-disk JSON shape of a Memory store.
type snapshot struct {
	Usage       []*models.UsageRecord      `json:"usage"`
	Costs       []*models.CostRecord       `json:"costs"`
	Budgets     []*models.Budget           `json:"budgets"`
	Experiments []*models.Experiment       `json:"experiments"`
	Assignments map[string]string          `json:"assignments"`
	Results     []*models.ExperimentResult `json:"results"`
}

// Memory is an in-process Store. With a data directory it persists a JSON
// snapshot on a debounce loop; without one it is purely ephemeral.
type Memory struct {
	mu sync.RWMutex

	usage       []*models.UsageRecord
	costs       []*models.CostRecord
	budgets     map[string]*models.Budget
	experiments map[string]*models.Experiment
	assignments map[string]string // "<experimentID>/<userID>" -> variant
	results     []*models.ExperimentResult

	path   string
	dirty  bool
	doneCh chan struct{}
	once   sync.Once
}

// NewMemory creates a Memory store. dataDir may be empty for an ephemeral
// store; otherwise an existing snapshot is loaded and the save loop started.
func NewMemory(dataDir string) (*Memory, error) {
	m := &Memory{
		budgets:     make(map[string]*models.Budget),
		experiments: make(map[string]*models.Experiment),
		assignments: make(map[string]string),
		doneCh:      make(chan struct{}),
	}
	if dataDir == "" {
		return m, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	m.path = filepath.Join(dataDir, "store.json")
	if err := m.load(); err != nil {
		return nil, err
	}
	go m.saveLoop()
	return m, nil
}

func (m *Memory) load() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	m.usage = snap.Usage
	m.costs = snap.Costs
	m.results = snap.Results
	for _, b := range snap.Budgets {
		m.budgets[b.ID] = b
	}
	for _, e := range snap.Experiments {
		m.experiments[e.ID] = e
	}
	if snap.Assignments != nil {
		m.assignments = snap.Assignments
	}
	log.Info().Str("path", m.path).Int("usage_records", len(m.usage)).Msg("Store snapshot loaded")
	return nil
}

func (m *Memory) saveLoop() {
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.saveIfDirty()
		}
	}
}

func (m *Memory) saveIfDirty() {
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return
	}
	snap := snapshot{
		Usage:       m.usage,
		Costs:       m.costs,
		Results:     m.results,
		Assignments: m.assignments,
	}
	for _, b := range m.budgets {
		snap.Budgets = append(snap.Budgets, b)
	}
	for _, e := range m.experiments {
		snap.Experiments = append(snap.Experiments, e)
	}
	m.dirty = false
	m.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal store snapshot")
		return
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Msg("Failed to write store snapshot")
		return
	}
	if err := os.Rename(tmp, m.path); err != nil {
		log.Error().Err(err).Msg("Failed to replace store snapshot")
	}
}

// markDirty must be called with the write lock held.
func (m *Memory) markDirty() {
	if m.path != "" {
		m.dirty = true
	}
}

// Close stops the save loop and flushes a final snapshot.
func (m *Memory) Close(ctx context.Context) error {
	m.once.Do(func() { close(m.doneCh) })
	if m.path != "" {
		m.saveIfDirty()
	}
	return nil
}

// ── Usage ───────────────────────────────────────────────────

func (m *Memory) InsertUsage(_ context.Context, rec *models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.usage = append(m.usage, &cp)
	m.markDirty()
	return nil
}

func (m *Memory) ListUsage(_ context.Context, filter UsageFilter) ([]*models.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.UsageRecord
	for _, r := range m.usage {
		if filter.Matches(r) {
			cp := *r
			out = append(out, &cp)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) PurgeUsageBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.usage[:0]
	purged := 0
	for _, r := range m.usage {
		if r.Timestamp.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	m.usage = kept
	if purged > 0 {
		m.markDirty()
	}
	return purged, nil
}

// ── Costs ───────────────────────────────────────────────────

func (m *Memory) InsertCost(_ context.Context, rec *models.CostRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.costs = append(m.costs, &cp)
	m.markDirty()
	return nil
}

func (m *Memory) ListCosts(_ context.Context, filter CostFilter) ([]*models.CostRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.CostRecord
	for _, r := range m.costs {
		if filter.Matches(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) SumCosts(_ context.Context, filter CostFilter) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total float64
	for _, r := range m.costs {
		if filter.Matches(r) {
			total += r.TotalCostUSD
		}
	}
	return total, nil
}

// ── Budgets ─────────────────────────────────────────────────

func (m *Memory) CreateBudget(_ context.Context, b *models.Budget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.budgets[b.ID] = &cp
	m.markDirty()
	return nil
}

func (m *Memory) GetBudget(_ context.Context, id string) (*models.Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.budgets[id]
	if !ok {
		return nil, &ErrNotFound{Kind: "budget", ID: id}
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) ListBudgets(_ context.Context, ownerUserID, projectID string) ([]*models.Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Budget
	for _, b := range m.budgets {
		if ownerUserID != "" && b.OwnerUserID != ownerUserID {
			continue
		}
		if projectID != "" && b.ProjectID != projectID {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateBudget(_ context.Context, b *models.Budget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.budgets[b.ID]; !ok {
		return &ErrNotFound{Kind: "budget", ID: b.ID}
	}
	cp := *b
	m.budgets[b.ID] = &cp
	m.markDirty()
	return nil
}

func (m *Memory) DeleteBudget(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.budgets[id]; !ok {
		return &ErrNotFound{Kind: "budget", ID: id}
	}
	delete(m.budgets, id)
	m.markDirty()
	return nil
}

// ── Experiments ─────────────────────────────────────────────

func (m *Memory) CreateExperiment(_ context.Context, e *models.Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.experiments[e.ID] = &cp
	m.markDirty()
	return nil
}

func (m *Memory) GetExperiment(_ context.Context, id string) (*models.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.experiments[id]
	if !ok {
		return nil, &ErrNotFound{Kind: "experiment", ID: id}
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) ListExperiments(_ context.Context, activeOnly bool) ([]*models.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Experiment
	for _, e := range m.experiments {
		if activeOnly && !e.Active {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	// Stable order: oldest first, ID as tiebreak.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdateExperiment(_ context.Context, e *models.Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.experiments[e.ID]; !ok {
		return &ErrNotFound{Kind: "experiment", ID: e.ID}
	}
	cp := *e
	m.experiments[e.ID] = &cp
	m.markDirty()
	return nil
}

func (m *Memory) DeleteExperiment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.experiments[id]; !ok {
		return &ErrNotFound{Kind: "experiment", ID: id}
	}
	delete(m.experiments, id)
	m.markDirty()
	return nil
}

func assignmentKey(experimentID, userID string) string {
	return experimentID + "/" + userID
}

func (m *Memory) AssignVariant(_ context.Context, experimentID, userID, variant string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := assignmentKey(experimentID, userID)
	if existing, ok := m.assignments[key]; ok {
		return existing, nil
	}
	m.assignments[key] = variant
	m.markDirty()
	return variant, nil
}

func (m *Memory) GetAssignment(_ context.Context, experimentID, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.assignments[assignmentKey(experimentID, userID)]
	if !ok {
		return "", &ErrNotFound{Kind: "assignment", ID: assignmentKey(experimentID, userID)}
	}
	return v, nil
}

func (m *Memory) RecordResult(_ context.Context, r *models.ExperimentResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.results = append(m.results, &cp)
	m.markDirty()
	return nil
}

func (m *Memory) ListResults(_ context.Context, experimentID string) ([]*models.ExperimentResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ExperimentResult
	for _, r := range m.results {
		if r.ExperimentID == experimentID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}
