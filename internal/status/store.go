package status

import (
	"sync"

	"go.uber.org/zap"
)

// Observer is notified synchronously after every committed store update, in
// subscription order. Implementations must not call back into the store and
// should hand off anything slow (network I/O) to their own goroutine.
type Observer interface {
	OnStatusUpdate(s Snapshot)
}

// Store holds the authoritative in-memory snapshot for one vehicle. All
// writes go through Replace or Merge; both commit the new value and then fan
// out to observers while holding the commit lock, so no second write can
// interleave between a commit and its notifications.
type Store struct {
	logger *zap.Logger

	commitMu  sync.Mutex
	mu        sync.RWMutex
	data      Snapshot
	observers []Observer
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{logger: logger}
}

// Subscribe registers an observer. Fan-out runs in subscription order, so
// register the charge-edge detector before the telemetry forwarder.
// Not safe to call concurrently with updates; subscribe during setup.
func (st *Store) Subscribe(o Observer) {
	st.observers = append(st.observers, o)
}

// Read returns the current snapshot, or nil before the first successful
// refresh. Callers must treat the returned map as read-only.
func (st *Store) Read() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.data
}

// Replace overwrites the snapshot wholesale. Used by successful poll cycles.
func (st *Store) Replace(s Snapshot) {
	st.commitMu.Lock()
	defer st.commitMu.Unlock()

	st.mu.Lock()
	st.data = s
	st.mu.Unlock()

	st.logger.Debug("snapshot replaced", zap.Int("fields", len(s)))
	st.notify(s)
}

// Merge overlays a partial update onto the current snapshot and commits the
// result. Used by push ingestion. Returns the merged snapshot.
func (st *Store) Merge(update Snapshot) Snapshot {
	st.commitMu.Lock()
	defer st.commitMu.Unlock()

	st.mu.Lock()
	merged := Merge(st.data, update)
	st.data = merged
	st.mu.Unlock()

	st.logger.Debug("snapshot merged", zap.Int("updated_fields", len(update)))
	st.notify(merged)
	return merged
}

func (st *Store) notify(s Snapshot) {
	for _, o := range st.observers {
		o.OnStatusUpdate(s)
	}
}
