package orchestration

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStorageProvider is the zero-dependency StorageProvider used when no
// Redis URL is configured. TTLs are honored lazily: expired values disappear
// on the next read. Safe for concurrent use.
type MemoryStorageProvider struct {
	mu      sync.Mutex
	values  map[string]memoryValue
	indexes map[string]map[string]float64
}

type memoryValue struct {
	data      string
	expiresAt time.Time
}

// NewMemoryStorageProvider creates an empty in-memory provider.
func NewMemoryStorageProvider() *MemoryStorageProvider {
	return &MemoryStorageProvider{
		values:  make(map[string]memoryValue),
		indexes: make(map[string]map[string]float64),
	}
}

func (p *MemoryStorageProvider) Get(ctx context.Context, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[key]
	if !ok {
		return "", nil
	}
	if !v.expiresAt.IsZero() && time.Now().After(v.expiresAt) {
		delete(p.values, key)
		return "", nil
	}
	return v.data, nil
}

func (p *MemoryStorageProvider) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := memoryValue{data: value}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	p.values[key] = v
	return nil
}

func (p *MemoryStorageProvider) Del(ctx context.Context, keys ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range keys {
		delete(p.values, key)
	}
	return nil
}

func (p *MemoryStorageProvider) Exists(ctx context.Context, key string) (bool, error) {
	v, err := p.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return v != "", nil
}

func (p *MemoryStorageProvider) AddToIndex(ctx context.Context, key string, score float64, member string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.indexes[key]
	if !ok {
		idx = make(map[string]float64)
		p.indexes[key] = idx
	}
	idx[member] = score
	return nil
}

func (p *MemoryStorageProvider) ListByScoreDesc(ctx context.Context, key string, min, max string, offset, count int64) ([]string, error) {
	lo, err := parseScoreBound(min, math.Inf(-1))
	if err != nil {
		return nil, err
	}
	hi, err := parseScoreBound(max, math.Inf(1))
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	type entry struct {
		member string
		score  float64
	}
	entries := make([]entry, 0, len(p.indexes[key]))
	for member, score := range p.indexes[key] {
		if score < lo || score > hi {
			continue
		}
		entries = append(entries, entry{member, score})
	}
	// Highest score first; ties break on reverse member order, matching the
	// Redis sorted-set reverse range.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].member > entries[j].member
	})

	if offset >= int64(len(entries)) {
		return nil, nil
	}
	entries = entries[offset:]
	if count > 0 && count < int64(len(entries)) {
		entries = entries[:count]
	}

	members := make([]string, len(entries))
	for i, e := range entries {
		members[i] = e.member
	}
	return members, nil
}

func (p *MemoryStorageProvider) RemoveFromIndex(ctx context.Context, key string, members ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.indexes[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(idx, member)
	}
	return nil
}

// parseScoreBound maps Redis-style bound strings onto floats. An empty
// bound falls back to the caller's default.
func parseScoreBound(s string, def float64) (float64, error) {
	switch s {
	case "":
		return def, nil
	case "-inf":
		return math.Inf(-1), nil
	case "+inf", "inf":
		return math.Inf(1), nil
	}
	return strconv.ParseFloat(s, 64)
}
