package keyValStore

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

type memoryItem struct {
	key   []byte
	value []byte
}

func (a memoryItem) Less(than btree.Item) bool {
	return bytes.Compare(a.key, than.(memoryItem).key) < 0
}

// MemoryStore is an ordered in-process store. Nothing survives Close; it is
// meant for tests and throwaway instances.
type MemoryStore struct {
	mu       sync.RWMutex
	tree     *btree.BTree
	counters map[string]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tree:     btree.New(32),
		counters: make(map[string]uint64),
	}
}

func (m *MemoryStore) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item := m.tree.Get(memoryItem{key: key})
	if item == nil {
		return nil, ErrKeyNotFound
	}
	return bytes.Clone(item.(memoryItem).value), nil
}

func (m *MemoryStore) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.ReplaceOrInsert(memoryItem{key: bytes.Clone(key), value: bytes.Clone(value)})
	return nil
}

func (m *MemoryStore) PutIfAbsent(key, value []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item := m.tree.Get(memoryItem{key: key}); item != nil {
		return bytes.Clone(item.(memoryItem).value), false, nil
	}
	m.tree.ReplaceOrInsert(memoryItem{key: bytes.Clone(key), value: bytes.Clone(value)})
	return bytes.Clone(value), true, nil
}

func (m *MemoryStore) WriteBatch(batch []Pair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kv := range batch {
		m.tree.ReplaceOrInsert(memoryItem{key: bytes.Clone(kv.Key), value: bytes.Clone(kv.Value)})
	}
	return nil
}

func (m *MemoryStore) InsertBatch(guard []byte, batch []Pair) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tree.Has(memoryItem{key: guard}) {
		return false, nil
	}
	for _, kv := range batch {
		m.tree.ReplaceOrInsert(memoryItem{key: bytes.Clone(kv.Key), value: bytes.Clone(kv.Value)})
	}
	return true, nil
}

func (m *MemoryStore) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Delete(memoryItem{key: key})
	return nil
}

// Scan copies the matching range under the read lock and calls fn without
// holding it.
func (m *MemoryStore) Scan(prefix, from []byte, reverse bool, fn ScanFunc) error {
	var matches []memoryItem

	m.mu.RLock()
	collect := func(i btree.Item) bool {
		item := i.(memoryItem)
		if !bytes.HasPrefix(item.key, prefix) {
			return false
		}
		matches = append(matches, memoryItem{key: bytes.Clone(item.key), value: bytes.Clone(item.value)})
		return true
	}
	if reverse {
		seek := reverseSeekKey(prefix, from)
		m.tree.DescendLessOrEqual(memoryItem{key: seek}, func(i btree.Item) bool {
			// the seek key itself lies outside the range unless it is from
			if from == nil && bytes.Equal(i.(memoryItem).key, seek) {
				return true
			}
			return collect(i)
		})
	} else {
		m.tree.AscendGreaterOrEqual(memoryItem{key: forwardSeekKey(prefix, from)}, collect)
	}
	m.mu.RUnlock()

	for _, item := range matches {
		more, err := fn(item.key, item.value)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) Increment(counter []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[string(counter)]++
	return m.counters[string(counter)], nil
}

func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
