package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Provider manages named partitions of stored responses.
// A partition name is expected to embed a version tag (e.g. `static-v3`),
// which is how stale partitions from a previous deployment are recognized.
//
// Implementations must be thread-safe!
type Provider interface {
	// Open returns the partition with the given name, creating it if needed.
	// Opening an existing partition returns a handle to the same data.
	Open(ctx context.Context, name string) (Partition, error)
	// Delete removes the partition and all of its entries.
	// It returns false if there was no such partition.
	Delete(ctx context.Context, name string) (bool, error)
	// List returns the names of all existing partitions.
	List(ctx context.Context) ([]string, error)
	// Close releases the resources held by the provider.
	Close() error
}

// Partition is a key-value store of request identities to serialized responses.
// Entries are kept in insertion order. Writing an existing key replaces the entry
// and moves it to the end, i.e. it becomes the newest entry.
//
// A handle to a partition that has been deleted behaves as an empty partition,
// and writing to it creates the partition again.
type Partition interface {
	// Name returns the name the partition was opened with.
	Name() string
	// Get returns the entry stored under the given key.
	// The boolean is false if there is no such entry.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the bytes under the given key, replacing any previous entry.
	Put(ctx context.Context, key string, bytes []byte) error
	// Delete removes the entry with the given key.
	// It returns false if there was no such entry.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns the keys of all entries, oldest first.
	Keys(ctx context.Context) ([]string, error)
	// Len returns the number of entries.
	Len(ctx context.Context) (int, error)
}

// Entry is a single stored response.
// The bytes must be treated as immutable.
type Entry struct {
	Key string
	// Insertion sequence number within the partition, higher is newer.
	Seq      int64
	StoredAt time.Time
	Bytes    []byte
}

type memPartitionData struct {
	seq     int64
	entries map[string]Entry
}

// MemProvider keeps all partitions in memory.
type MemProvider struct {
	mutex      *sync.RWMutex
	partitions map[string]*memPartitionData
	now        func() time.Time
}

var _ Provider = MemProvider{}

func NewMemProvider() MemProvider {
	return MemProvider{
		mutex:      &sync.RWMutex{},
		partitions: make(map[string]*memPartitionData),
		now:        time.Now,
	}
}

func (m MemProvider) Open(ctx context.Context, name string) (Partition, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.data(name)
	return memPartition{name: name, m: m}, nil
}

func (m MemProvider) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.partitions[name]
	delete(m.partitions, name)
	return ok, nil
}

func (m MemProvider) List(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.partitions))
	for name := range m.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m MemProvider) Close() error {
	return nil
}

// data returns the partition data, creating it if needed.
// The write lock must be held.
func (m MemProvider) data(name string) *memPartitionData {
	d, ok := m.partitions[name]
	if !ok {
		d = &memPartitionData{entries: make(map[string]Entry)}
		m.partitions[name] = d
	}
	return d
}

type memPartition struct {
	name string
	m    MemProvider
}

func (p memPartition) Name() string {
	return p.name
}

func (p memPartition) Get(ctx context.Context, key string) (Entry, bool, error) {
	p.m.mutex.RLock()
	defer p.m.mutex.RUnlock()
	d, ok := p.m.partitions[p.name]
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := d.entries[key]
	return entry, ok, nil
}

func (p memPartition) Put(ctx context.Context, key string, bytes []byte) error {
	p.m.mutex.Lock()
	defer p.m.mutex.Unlock()
	d := p.m.data(p.name)
	d.seq++
	d.entries[key] = Entry{
		Key:      key,
		Seq:      d.seq,
		StoredAt: p.m.now(),
		Bytes:    bytes,
	}
	return nil
}

func (p memPartition) Delete(ctx context.Context, key string) (bool, error) {
	p.m.mutex.Lock()
	defer p.m.mutex.Unlock()
	d, ok := p.m.partitions[p.name]
	if !ok {
		return false, nil
	}
	_, ok = d.entries[key]
	delete(d.entries, key)
	return ok, nil
}

func (p memPartition) Keys(ctx context.Context) ([]string, error) {
	p.m.mutex.RLock()
	defer p.m.mutex.RUnlock()
	d, ok := p.m.partitions[p.name]
	if !ok {
		return []string{}, nil
	}
	entries := make([]Entry, 0, len(d.entries))
	for _, entry := range d.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Seq < entries[j].Seq
	})
	keys := make([]string, len(entries))
	for i, entry := range entries {
		keys[i] = entry.Key
	}
	return keys, nil
}

func (p memPartition) Len(ctx context.Context) (int, error) {
	p.m.mutex.RLock()
	defer p.m.mutex.RUnlock()
	d, ok := p.m.partitions[p.name]
	if !ok {
		return 0, nil
	}
	return len(d.entries), nil
}
