package ratelimit

import (
	"container/list"
	"sync"
)

const defaultMaxKeys = 4096

// KeyedConfig configures a KeyedLimiter.
type KeyedConfig struct {
	// Burst and PerSecond size the bucket created for each key. PerSecond <= 0
	// disables limiting entirely.
	Burst     int64
	PerSecond int64

	// MaxKeys bounds the number of buckets kept. The least recently used
	// bucket is evicted when a new key arrives at the bound. When <= 0,
	// defaultMaxKeys is used.
	MaxKeys int

	// OnEvict is invoked once per evicted bucket, outside of the limiter's
	// mutex.
	OnEvict func(key string)
}

// KeyedLimiter keeps one TokenBucket per key (typically a remote IP) with an
// LRU bound on the number of tracked keys.
type KeyedLimiter struct {
	clock Clock
	cfg   KeyedConfig

	mu      sync.Mutex
	buckets map[string]*keyedEntry
	lru     *list.List
}

type keyedEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

func NewKeyedLimiter(clock Clock, cfg KeyedConfig) *KeyedLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = defaultMaxKeys
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.PerSecond
	}
	return &KeyedLimiter{
		clock:   clock,
		cfg:     cfg,
		buckets: make(map[string]*keyedEntry),
		lru:     list.New(),
	}
}

// Allow consumes one token from key's bucket.
func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil || l.cfg.PerSecond <= 0 {
		return true
	}
	return l.bucket(key).Allow(1)
}

// Len returns the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *KeyedLimiter) bucket(key string) *TokenBucket {
	var (
		bucket  *TokenBucket
		evicted string
		onEvict func(string)
	)

	l.mu.Lock()

	if entry, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(entry.elem)
		bucket = entry.bucket
		l.mu.Unlock()
		return bucket
	}

	if len(l.buckets) >= l.cfg.MaxKeys {
		// Oldest at the back.
		if elem := l.lru.Back(); elem != nil {
			evicted = elem.Value.(string)
			l.lru.Remove(elem)
			delete(l.buckets, evicted)
			onEvict = l.cfg.OnEvict
		}
	}

	bucket = NewTokenBucket(l.clock, l.cfg.Burst, l.cfg.PerSecond)
	l.buckets[key] = &keyedEntry{
		bucket: bucket,
		elem:   l.lru.PushFront(key),
	}

	l.mu.Unlock()

	if onEvict != nil {
		onEvict(evicted)
	}
	return bucket
}
