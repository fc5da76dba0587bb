package memory

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryManager keeps process-wide counters of resources held by live scopes
type MemoryManager struct {
	liveBytes  atomic.Int64
	liveScopes atomic.Int64
	tracked    atomic.Int64
	released   atomic.Int64
}

// Stats is a point-in-time copy of the manager counters
type Stats struct {
	LiveBytes     int64
	LiveScopes    int64
	TrackedTotal  int64
	ReleasedTotal int64
}

func (s Stats) String() string {
	return fmt.Sprintf("live=%d bytes in %d scopes, tracked=%d released=%d",
		s.LiveBytes, s.LiveScopes, s.TrackedTotal, s.ReleasedTotal)
}

// Stats returns the current counters
func (mm *MemoryManager) Stats() Stats {
	return Stats{
		LiveBytes:     mm.liveBytes.Load(),
		LiveScopes:    mm.liveScopes.Load(),
		TrackedTotal:  mm.tracked.Load(),
		ReleasedTotal: mm.released.Load(),
	}
}

var (
	globalMemoryManager *MemoryManager
	globalOnce          sync.Once
)

// GetGlobalMemoryManager returns the process-wide manager
func GetGlobalMemoryManager() *MemoryManager {
	globalOnce.Do(func() {
		globalMemoryManager = &MemoryManager{}
	})
	return globalMemoryManager
}
