package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrGenerationDeleted is returned when writing to a generation that has been
// deleted after it was opened.
var ErrGenerationDeleted = errors.New("generation deleted")

// Storage is a set of named cache generations belonging to a single origin.
// A generation is a complete namespace of stored responses; superseded
// generations are deleted wholesale.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the generation with the given tag, creating it if absent.
	Open(ctx context.Context, tag string) (Generation, error)
	// Has checks if a generation with the given tag exists.
	Has(ctx context.Context, tag string) (bool, error)
	// Keys returns the tags of all generations, in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the generation and all of its entries.
	// It returns false if there was no such generation.
	Delete(ctx context.Context, tag string) (bool, error)
}

// Generation stores response snapshots keyed by request identity.
// Concurrent writes to the same key are last-write-wins.
type Generation interface {
	Tag() string
	// Get returns the entry for the given key, if it exists.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry under its key, replacing any previous entry.
	Put(ctx context.Context, entry Entry) error
	// PutAll stores all entries in a single write.
	PutAll(ctx context.Context, entries []Entry) error
	// Keys returns all keys in the generation, sorted.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the entry for the given key.
	Delete(ctx context.Context, key string) (bool, error)
}

type Entry struct {
	Key      string
	StoredAt time.Time
	// HTTP/1.1 representation of the stored response
	Bytes []byte
}

type MemStorage struct {
	mutex       *sync.RWMutex
	generations map[string]*memGeneration
	order       []string
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:       &sync.RWMutex{},
		generations: make(map[string]*memGeneration),
	}
}

func (m *MemStorage) Open(ctx context.Context, tag string) (Generation, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if gen, ok := m.generations[tag]; ok {
		return gen, nil
	}
	gen := &memGeneration{
		tag:   tag,
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
	}
	m.generations[tag] = gen
	m.order = append(m.order, tag)
	return gen, nil
}

func (m *MemStorage) Has(ctx context.Context, tag string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.generations[tag]
	return ok, nil
}

func (m *MemStorage) Keys(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]string, len(m.order))
	copy(keys, m.order)
	return keys, nil
}

func (m *MemStorage) Delete(ctx context.Context, tag string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	gen, ok := m.generations[tag]
	if !ok {
		return false, nil
	}
	// handles opened earlier must not write into a deleted generation
	gen.mutex.Lock()
	gen.deleted = true
	gen.db = make(map[string]Entry)
	gen.mutex.Unlock()
	delete(m.generations, tag)

	order := make([]string, 0, len(m.order))
	for _, t := range m.order {
		if t != tag {
			order = append(order, t)
		}
	}
	m.order = order
	return true, nil
}

type memGeneration struct {
	tag     string
	mutex   *sync.RWMutex
	db      map[string]Entry
	deleted bool
}

func (g *memGeneration) Tag() string {
	return g.tag
}

func (g *memGeneration) Get(ctx context.Context, key string) (Entry, bool, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	entry, ok := g.db[key]
	return entry, ok, nil
}

func (g *memGeneration) Put(ctx context.Context, entry Entry) error {
	return g.PutAll(ctx, []Entry{entry})
}

func (g *memGeneration) PutAll(ctx context.Context, entries []Entry) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.deleted {
		return ErrGenerationDeleted
	}
	for _, entry := range entries {
		g.db[entry.Key] = entry
	}
	return nil
}

func (g *memGeneration) Keys(ctx context.Context) ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	keys := make([]string, 0, len(g.db))
	for key := range g.db {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (g *memGeneration) Delete(ctx context.Context, key string) (bool, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	_, ok := g.db[key]
	delete(g.db, key)
	return ok, nil
}
