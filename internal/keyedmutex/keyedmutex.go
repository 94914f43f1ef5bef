// Package keyedmutex implements a per-key lock table, one mutex per key
// created on first use: per-job, per-pool (repository), and
// per-container-id locking all use the same primitive.
package keyedmutex

import "sync"

// Table is a map of independent mutexes keyed by string, created lazily and
// never removed — entity keys (job ids, repositories, container ids) are
// bounded in practice by retention policy, not by this table's lifetime.
type Table struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an empty Table.
func New() *Table {
	return &Table{locks: make(map[string]*sync.Mutex)}
}

func (t *Table) lockFor(key string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	return l
}

// Lock acquires the mutex for key, blocking until it is available.
func (t *Table) Lock(key string) {
	t.lockFor(key).Lock()
}

// Unlock releases the mutex for key.
func (t *Table) Unlock(key string) {
	t.lockFor(key).Unlock()
}

// With runs fn while holding the lock for key, propagating fn's error.
func (t *Table) With(key string, fn func() error) error {
	t.Lock(key)
	defer t.Unlock(key)
	return fn()
}
