package index

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/coder/hnsw"

	"github.com/your-org/facetag/internal/models"
	"github.com/your-org/facetag/internal/observability"
)

const (
	hnswMaxNeighbors = 16
	// Candidates requested per wanted result, since PhotoID and face index
	// filters apply after the graph search.
	hnswSearchMultiplier = 10
	hnswMinCandidates    = 100
)

// partKey identifies one graph. Searches always carry a kind and usually a
// set of weddings, so records from other weddings never compete for the
// candidate window.
type partKey struct {
	kind    models.Kind
	wedding string
}

type partition struct {
	graph      *hnsw.Graph[uint64]
	members    map[uint64]struct{}
	tombstones int
}

func newPartition() *partition {
	return &partition{graph: newGraph(), members: make(map[uint64]struct{})}
}

// MemoryIndex is an in-process Index backed by one HNSW graph per kind and
// wedding. Replaced and deleted records are tombstoned and a graph is rebuilt
// once its tombstones outnumber its live nodes. A search that the graph
// answers with fewer than topK results falls back to an exact scan of the
// partition.
type MemoryIndex struct {
	mu         sync.RWMutex
	dim        int
	nextKey    uint64
	keys       map[string]uint64
	records    map[uint64]models.FaceRecord
	partitions map[partKey]*partition
}

func NewMemoryIndex(dim int) *MemoryIndex {
	return &MemoryIndex{
		dim:        dim,
		keys:       make(map[string]uint64),
		records:    make(map[uint64]models.FaceRecord),
		partitions: make(map[partKey]*partition),
	}
}

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors)
	g.EfSearch = hnswMinCandidates
	g.Distance = hnsw.CosineDistance
	return g
}

func keyOf(meta models.FaceMetadata) partKey {
	return partKey{kind: meta.Kind, wedding: meta.WeddingID}
}

func (m *MemoryIndex) Upsert(_ context.Context, records ...models.FaceRecord) error {
	defer observeIndex("upsert", time.Now())

	for _, r := range records {
		if err := m.check(r); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	touched := make(map[partKey]struct{})
	for _, r := range records {
		if old, ok := m.keys[r.ID]; ok {
			touched[m.remove(old)] = struct{}{}
		}
		m.nextKey++
		key := m.nextKey
		vec := make([]float32, len(r.Embedding))
		copy(vec, r.Embedding)
		r.Embedding = vec

		pk := keyOf(r.Metadata)
		p, ok := m.partitions[pk]
		if !ok {
			p = newPartition()
			m.partitions[pk] = p
		}
		p.graph.Add(hnsw.MakeNode(key, vec))
		p.members[key] = struct{}{}
		m.keys[r.ID] = key
		m.records[key] = r
		touched[pk] = struct{}{}
	}
	m.compact(touched)
	return nil
}

func (m *MemoryIndex) check(r models.FaceRecord) error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", models.ErrInvalidRecord)
	}
	if len(r.Embedding) != m.dim {
		return fmt.Errorf("%w: record %s has %d, index has %d", ErrDimension, r.ID, len(r.Embedding), m.dim)
	}
	return r.Metadata.Validate()
}

// remove drops a live record and tombstones its graph node. Caller holds mu.
func (m *MemoryIndex) remove(key uint64) partKey {
	rec := m.records[key]
	pk := keyOf(rec.Metadata)
	delete(m.records, key)
	delete(m.keys, rec.ID)
	if p, ok := m.partitions[pk]; ok {
		delete(p.members, key)
		p.tombstones++
	}
	return pk
}

func (m *MemoryIndex) Search(_ context.Context, embedding []float32, filter Filter, topK int, minScore float64) ([]models.Match, error) {
	defer observeIndex("search", time.Now())

	if len(embedding) != m.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimension, len(embedding), m.dim)
	}
	if topK <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Match
	for pk, p := range m.partitions {
		if filter.Kind != "" && pk.kind != filter.Kind {
			continue
		}
		if len(filter.WeddingIDs) > 0 && !slices.Contains(filter.WeddingIDs, pk.wedding) {
			continue
		}
		out = append(out, m.searchPartition(p, embedding, filter, topK, minScore)...)
	}
	return rank(out, topK), nil
}

// searchPartition asks the graph first. When the graph yields fewer than topK
// qualifying records, tombstones or post-filters may have crowded real
// matches out of the window, so every live member is scored instead.
func (m *MemoryIndex) searchPartition(p *partition, embedding []float32, filter Filter, topK int, minScore float64) []models.Match {
	if len(p.members) == 0 {
		return nil
	}
	k := min(max(topK*hnswSearchMultiplier, hnswMinCandidates), p.graph.Len())

	var out []models.Match
	for _, node := range p.graph.Search(embedding, k) {
		if match, ok := m.score(node.Key, embedding, filter, minScore); ok {
			out = append(out, match)
		}
	}
	if len(out) >= topK {
		return out
	}

	out = out[:0]
	for key := range p.members {
		if match, ok := m.score(key, embedding, filter, minScore); ok {
			out = append(out, match)
		}
	}
	return out
}

func (m *MemoryIndex) score(key uint64, embedding []float32, filter Filter, minScore float64) (models.Match, bool) {
	rec, ok := m.records[key]
	if !ok || !filter.Matches(rec.Metadata) {
		return models.Match{}, false
	}
	score := CosineSimilarity(embedding, rec.Embedding)
	if score < minScore {
		return models.Match{}, false
	}
	return models.Match{ID: rec.ID, Score: score, Metadata: rec.Metadata}, true
}

func (m *MemoryIndex) DeleteByFilter(_ context.Context, filter Filter) (int64, error) {
	defer observeIndex("delete", time.Now())

	if filter.IsEmpty() {
		return 0, ErrEmptyFilter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	touched := make(map[partKey]struct{})
	for key, rec := range m.records {
		if !filter.Matches(rec.Metadata) {
			continue
		}
		touched[m.remove(key)] = struct{}{}
		deleted++
	}
	m.compact(touched)
	return deleted, nil
}

// Len returns the number of live records.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Get returns the live record with id.
func (m *MemoryIndex) Get(id string) (models.FaceRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[id]
	if !ok {
		return models.FaceRecord{}, false
	}
	return m.records[key], true
}

// compact drops empty partitions and rebuilds graphs whose tombstones
// outnumber live nodes. Caller holds mu.
func (m *MemoryIndex) compact(touched map[partKey]struct{}) {
	for pk := range touched {
		p, ok := m.partitions[pk]
		if !ok {
			continue
		}
		if len(p.members) == 0 {
			delete(m.partitions, pk)
			continue
		}
		if p.tombstones == 0 || p.tombstones <= len(p.members) {
			continue
		}
		g := newGraph()
		for key := range p.members {
			g.Add(hnsw.MakeNode(key, m.records[key].Embedding))
		}
		p.graph = g
		p.tombstones = 0
	}
}

func (m *MemoryIndex) Ping(context.Context) error { return nil }

func (m *MemoryIndex) Close() error { return nil }

func observeIndex(op string, start time.Time) {
	observability.IndexDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
