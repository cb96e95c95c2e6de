package clustertest

import (
	"sort"
	"sync"

	"github.com/treeverse/clusterkv/pkg/key"
)

// StoredRecord is a record held by a Store.
type StoredRecord struct {
	Bins       map[string]interface{}
	Generation uint32
	Expiration uint32
	Version    uint64
	// UserKey is set when a write sent the user key.
	UserKey []byte
}

func (r *StoredRecord) clone() *StoredRecord {
	c := *r
	c.Bins = make(map[string]interface{}, len(r.Bins))
	for k, v := range r.Bins {
		c.Bins[k] = v
	}
	return &c
}

func (r *StoredRecord) binNames() []string {
	names := make([]string, 0, len(r.Bins))
	for name := range r.Bins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type storeKey struct {
	namespace string
	digest    key.Digest
}

// Store is the record storage shared by the servers of a fake cluster.
type Store struct {
	mu      sync.Mutex
	records map[storeKey]*StoredRecord
}

func NewStore() *Store {
	return &Store{records: make(map[storeKey]*StoredRecord)}
}

// Get returns a copy of the record, or nil.
func (s *Store) Get(namespace string, d key.Digest) *StoredRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[storeKey{namespace, d}]
	if !ok {
		return nil
	}
	return r.clone()
}

// Put stores bins as a new generation of the record.
func (s *Store) Put(namespace string, d key.Digest, bins map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk := storeKey{namespace, d}
	r, ok := s.records[sk]
	if !ok {
		r = &StoredRecord{Bins: make(map[string]interface{})}
		s.records[sk] = r
	}
	for k, v := range bins {
		r.Bins[k] = v
	}
	r.Generation++
	r.Version++
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// update runs fn on a copy of the record under the store lock. fn returns
// the record to store, nil to delete it, and whether to store at all.
func (s *Store) update(namespace string, d key.Digest, fn func(r *StoredRecord) (*StoredRecord, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk := storeKey{namespace, d}
	var cur *StoredRecord
	if r, ok := s.records[sk]; ok {
		cur = r.clone()
	}
	next, commit := fn(cur)
	if !commit {
		return
	}
	if next == nil {
		delete(s.records, sk)
		return
	}
	s.records[sk] = next
}
