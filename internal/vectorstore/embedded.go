package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/pkg/models"
)

// defaultCapacity bounds the embedded store; oldest documents are dropped
// past it.
const defaultCapacity = 10000

// Embedded is an in-process Store using brute-force cosine similarity.
// Suitable for small corpora and tests.
type Embedded struct {
	mu       sync.RWMutex
	docs     map[string]map[string]*models.VectorDoc // namespace -> id -> doc
	capacity int
	count    int
}

// NewEmbedded creates an Embedded store. capacity <= 0 gets the default.
func NewEmbedded(capacity int) *Embedded {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Embedded{
		docs:     make(map[string]map[string]*models.VectorDoc),
		capacity: capacity,
	}
}

func (s *Embedded) Upsert(_ context.Context, docs []models.VectorDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range docs {
		d := docs[i]
		if d.CreatedAt.IsZero() {
			d.CreatedAt = time.Now().UTC()
		}
		ns, ok := s.docs[d.Namespace]
		if !ok {
			ns = make(map[string]*models.VectorDoc)
			s.docs[d.Namespace] = ns
		}
		if _, exists := ns[d.ID]; !exists {
			s.count++
		}
		ns[d.ID] = &d
	}
	s.enforceCapacity()
	return nil
}

// enforceCapacity drops the oldest documents when over capacity. Caller
// holds the write lock.
func (s *Embedded) enforceCapacity() {
	for s.count > s.capacity {
		var oldestNS, oldestID string
		var oldestAt time.Time
		for ns, docs := range s.docs {
			for id, d := range docs {
				if oldestID == "" || d.CreatedAt.Before(oldestAt) {
					oldestNS, oldestID, oldestAt = ns, id, d.CreatedAt
				}
			}
		}
		delete(s.docs[oldestNS], oldestID)
		s.count--
	}
}

func (s *Embedded) Search(_ context.Context, namespace string, vector []float64, limit int) ([]models.SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.SearchResult
	for _, d := range s.docs[namespace] {
		score := cosineSimilarity(vector, d.Vector)
		out = append(out, models.SearchResult{Doc: *d, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Embedded) Delete(_ context.Context, namespace, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.docs[namespace]
	if !ok {
		return &ErrDocNotFound{Namespace: namespace, ID: id}
	}
	if _, ok := ns[id]; !ok {
		return &ErrDocNotFound{Namespace: namespace, ID: id}
	}
	delete(ns, id)
	s.count--
	return nil
}

func (s *Embedded) Close(_ context.Context) error { return nil }

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
