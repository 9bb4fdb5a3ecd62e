package processor

import (
	"fmt"
	"sync"
)

// slotLocks serializes processing per (date, hour) inside one process. The
// scheduler's hourly trigger and a manual process-hour invocation can race
// on the same window; the loser backs off with ErrSlotBusy instead of
// double-uploading.
type slotLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newSlotLocks() *slotLocks {
	return &slotLocks{held: make(map[string]struct{})}
}

func slotKey(date string, hour int) string {
	return fmt.Sprintf("%s/%02d", date, hour)
}

// TryLock acquires the lock for a window without blocking and reports
// whether it succeeded.
func (l *slotLocks) TryLock(date string, hour int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := slotKey(date, hour)
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

// Unlock releases a previously acquired window lock.
func (l *slotLocks) Unlock(date string, hour int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, slotKey(date, hour))
}
