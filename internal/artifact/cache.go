package artifact

import (
	"container/list"
	"context"
	"sync"

	"github.com/joseph-ayodele/credit-extractor/constants"
)

// CachedStore wraps a Store with a bounded LRU over selected stages.
// Stages outside the set always go to the backend. A hit is served only
// while the backend still reports the cached content hash, so a rewrite by
// another process is never masked.
type CachedStore struct {
	backend  Store
	capacity int
	stages   map[constants.ArtifactStage]struct{}

	mu      sync.Mutex
	order   *list.List
	entries map[Key]*list.Element
}

type cacheEntry struct {
	key  Key
	sha  string
	data []byte
}

// DefaultCachedStages are read by more than one pipeline step.
var DefaultCachedStages = []constants.ArtifactStage{constants.ArtifactOCRClean, constants.ArtifactLLMExtracted}

// NewCachedStore returns backend unchanged when capacity is not positive.
func NewCachedStore(backend Store, capacity int, stages ...constants.ArtifactStage) Store {
	if capacity <= 0 {
		return backend
	}
	if len(stages) == 0 {
		stages = DefaultCachedStages
	}
	set := make(map[constants.ArtifactStage]struct{}, len(stages))
	for _, st := range stages {
		set[st] = struct{}{}
	}
	return &CachedStore{
		backend:  backend,
		capacity: capacity,
		stages:   set,
		order:    list.New(),
		entries:  make(map[Key]*list.Element),
	}
}

func (c *CachedStore) cached(key Key) bool {
	_, ok := c.stages[key.Stage]
	return ok
}

func (c *CachedStore) Put(ctx context.Context, key Key, data []byte) (Artifact, error) {
	a, err := c.backend.Put(ctx, key, data)
	if err != nil {
		// the backend may still hold the previous value; drop ours to stay consistent
		c.evict(key)
		return a, err
	}
	if c.cached(key) {
		sha := a.SHA256
		if sha == "" {
			sha = Hash(data)
		}
		c.add(key, sha, data)
	}
	return a, nil
}

func (c *CachedStore) Get(ctx context.Context, key Key) ([]byte, error) {
	if !c.cached(key) {
		return c.backend.Get(ctx, key)
	}
	if sha, ok := c.cachedHash(key); ok {
		a, err := c.backend.Stat(ctx, key)
		if err != nil {
			c.evict(key)
			return nil, err
		}
		if a.SHA256 != "" && a.SHA256 == sha {
			if b, ok := c.lookup(key, sha); ok {
				return b, nil
			}
		}
		c.evict(key)
	}
	b, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.add(key, Hash(b), b)
	return b, nil
}

func (c *CachedStore) Stat(ctx context.Context, key Key) (Artifact, error) {
	return c.backend.Stat(ctx, key)
}

// Len returns the number of cached entries.
func (c *CachedStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *CachedStore) cachedHash(key Key) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	return el.Value.(*cacheEntry).sha, true
}

// lookup returns a copy of the entry if it still carries sha.
func (c *CachedStore) lookup(key Key, sha string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*cacheEntry)
	if e.sha != sha {
		return nil, false
	}
	c.order.MoveToFront(el)
	return append([]byte(nil), e.data...), true
}

func (c *CachedStore) add(key Key, sha string, data []byte) {
	data = append([]byte(nil), data...)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*cacheEntry)
		e.sha, e.data = sha, data
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, sha: sha, data: data})
	for c.order.Len() > c.capacity {
		last := c.order.Back()
		c.order.Remove(last)
		delete(c.entries, last.Value.(*cacheEntry).key)
	}
}

func (c *CachedStore) evict(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}
