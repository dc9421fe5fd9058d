package core

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"PrizeSettle/internal/observability"
)

// DBIdempotencyChecker answers whether an event was already durably
// processed. Errors are surfaced, not swallowed: the caller decides
// the conservative path (refuse the event, let the bus redeliver).
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker implements two-tier deduplication: an in-memory
// LRU screens the recent window, Postgres screens everything the
// engine has ever durably written, across restarts.
type IdempotencyChecker struct {
	mu        sync.Mutex
	lru       *idempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

// IsDuplicate checks whether the event has been processed. A database
// error is returned as-is; treating it as "not a duplicate" could pay
// winners twice, so the caller must not proceed on error.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, eventType string, idempotencyKey string) (bool, error) {
	compositeKey := eventType + ":" + idempotencyKey

	ic.mu.Lock()
	hit := ic.lru.contains(compositeKey)
	ic.mu.Unlock()
	if hit {
		if ic.metrics != nil {
			ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, "lru").Inc()
		}
		return true, nil
	}

	if ic.dbChecker == nil {
		return false, nil
	}

	isDup, err := ic.dbChecker.IsDuplicate(ctx, eventType, idempotencyKey)
	if err != nil {
		if ic.metrics != nil {
			ic.metrics.DedupCheckErrors.Inc()
		}
		return false, fmt.Errorf("idempotency lookup %s: %w", compositeKey, err)
	}
	if isDup {
		if ic.metrics != nil {
			ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, "postgres").Inc()
		}
		ic.mu.Lock()
		ic.lru.add(compositeKey)
		ic.mu.Unlock()
		return true, nil
	}

	return false, nil
}

// MarkProcessed records the key after the event was durably accepted.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.mu.Lock()
	ic.lru.add(eventType + ":" + idempotencyKey)
	size := ic.lru.size()
	ic.mu.Unlock()

	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(size))
	}
}

// --- LRU ---

// idempotencyLRU is a plain LRU over composite keys. Guarded by the
// checker's mutex.
type idempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

type lruEntry struct {
	key string
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

func (lru *idempotencyLRU) contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

func (lru *idempotencyLRU) add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *idempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(*lruEntry).key)
	}
}

func (lru *idempotencyLRU) size() int {
	return lru.lruList.Len()
}
