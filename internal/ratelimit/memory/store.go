package memory

import (
	"sync"

	"github.com/AlexKimmel/EdgeAdmit/internal/ratelimit"
	"github.com/cespare/xxhash/v2"
)

// entry is a store slot. prev/next link it into its shard's recency list,
// head is the most recently used.
type entry struct {
	key        string
	bucket     *ratelimit.Bucket
	prev, next *entry
}

type shard struct {
	mu    sync.Mutex
	max   int
	items map[string]*entry
	head  *entry
	tail  *entry
}

// Store is a bounded map from identity key to bucket with least-recently-used
// eviction. Keys are spread over shards by hash; each shard owns its lock,
// its recency list and an equal share of the capacity, so the total size
// never exceeds the configured maximum. With one shard the eviction order is
// the exact global LRU order.
type Store struct {
	shards  []*shard
	onEvict func(key string)
}

type Option func(*Store)

// WithShards sets the number of lock shards. It is clamped to [1, maxEntries].
// With more than one shard each shard evicts its own oldest entry once its
// share is full, so eviction can happen before the store as a whole is full
// and the victim is not always the globally least recently used key.
func WithShards(n int) Option {
	return func(s *Store) {
		if n < 1 {
			n = 1
		}
		s.shards = make([]*shard, n)
	}
}

// WithEvictHook registers fn to be called, outside any lock, for every key
// evicted for capacity.
func WithEvictHook(fn func(key string)) Option {
	return func(s *Store) { s.onEvict = fn }
}

// NewStore creates a store holding at most maxEntries buckets.
func NewStore(maxEntries int, opts ...Option) *Store {
	if maxEntries < 1 {
		maxEntries = 1
	}
	s := &Store{shards: make([]*shard, 1)}
	for _, o := range opts {
		o(s)
	}
	if len(s.shards) > maxEntries {
		s.shards = make([]*shard, maxEntries)
	}
	per := maxEntries / len(s.shards)
	for i := range s.shards {
		s.shards[i] = &shard{max: per, items: make(map[string]*entry)}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	if len(s.shards) == 1 {
		return s.shards[0]
	}
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// GetOrCreate returns the bucket for key and marks it most recently used. If
// key is absent, seed is called once under the shard lock and its bucket is
// inserted, evicting the least recently used entry of the shard if it is now
// over capacity. Concurrent callers for the same unseen key all receive the
// same bucket.
func (s *Store) GetOrCreate(key string, seed func() *ratelimit.Bucket) *ratelimit.Bucket {
	sh := s.shardFor(key)

	sh.mu.Lock()
	if e, ok := sh.items[key]; ok {
		sh.moveToFront(e)
		b := e.bucket
		sh.mu.Unlock()
		return b
	}

	e := &entry{key: key, bucket: seed()}
	sh.items[key] = e
	sh.pushFront(e)
	evicted := sh.evictIfOverCapacity()
	sh.mu.Unlock()

	if s.onEvict != nil {
		for _, k := range evicted {
			s.onEvict(k)
		}
	}
	return e.bucket
}

// Contains reports whether key is present without touching its recency.
func (s *Store) Contains(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.items[key]
	return ok
}

// Delete removes key if present.
func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.items[key]
	if !ok {
		return false
	}
	sh.unlink(e)
	delete(sh.items, key)
	return true
}

// Len returns the number of buckets held.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.items)
		sh.mu.Unlock()
	}
	return n
}

// Cap returns the effective capacity: the per-shard share times the number of
// shards, which can be below the requested maximum when it does not divide
// evenly.
func (s *Store) Cap() int {
	return len(s.shards) * s.shards[0].max
}

// Shards returns the effective shard count after clamping.
func (s *Store) Shards() int { return len(s.shards) }

// Reset drops every bucket.
func (s *Store) Reset() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.items = make(map[string]*entry)
		sh.head, sh.tail = nil, nil
		sh.mu.Unlock()
	}
}

// evictIfOverCapacity removes tail entries until the shard is within its
// share. Callers hold sh.mu.
func (sh *shard) evictIfOverCapacity() []string {
	var evicted []string
	for len(sh.items) > sh.max && sh.tail != nil {
		victim := sh.tail
		sh.unlink(victim)
		delete(sh.items, victim.key)
		evicted = append(evicted, victim.key)
	}
	return evicted
}

func (sh *shard) pushFront(e *entry) {
	e.prev = nil
	e.next = sh.head
	if sh.head != nil {
		sh.head.prev = e
	}
	sh.head = e
	if sh.tail == nil {
		sh.tail = e
	}
}

func (sh *shard) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		sh.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		sh.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (sh *shard) moveToFront(e *entry) {
	if sh.head == e {
		return
	}
	sh.unlink(e)
	sh.pushFront(e)
}
