package memory

import (
	"errors"
	"fmt"
	"sync"
)

// ReleaseFunc frees one tracked resource
type ReleaseFunc func() error

type resource struct {
	name    string
	bytes   int64
	release ReleaseFunc
}

// Scope owns a set of resources and releases all of them exactly once, in
// reverse order of tracking. A Scope is safe for concurrent use but is meant
// to have a single owner.
type Scope struct {
	mu        sync.Mutex
	name      string
	resources []resource
	bytes     int64
	released  bool
	manager   *MemoryManager
}

// NewScope creates an empty scope registered with the global manager
func NewScope(name string) *Scope {
	mm := GetGlobalMemoryManager()
	mm.liveScopes.Add(1)
	return &Scope{name: name, manager: mm}
}

// Name returns the scope name
func (s *Scope) Name() string {
	return s.name
}

// Track adds a resource to the scope. release may be nil for memory that only
// needs its references dropped. Tracking into a released scope releases the
// resource immediately and returns an error.
func (s *Scope) Track(name string, bytes int64, release ReleaseFunc) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		if release != nil {
			_ = release()
		}
		return fmt.Errorf("scope %s already released, cannot track %s", s.name, name)
	}
	s.resources = append(s.resources, resource{name: name, bytes: bytes, release: release})
	s.bytes += bytes
	s.mu.Unlock()

	s.manager.liveBytes.Add(bytes)
	s.manager.tracked.Add(1)
	return nil
}

// Bytes returns the bytes currently held by the scope
func (s *Scope) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Len returns the number of live resources in the scope
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resources)
}

// Released reports whether Release has run
func (s *Scope) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Release frees every resource in reverse tracking order. Later calls are
// no-ops. All release errors are joined into the returned error.
func (s *Scope) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	resources := s.resources
	bytes := s.bytes
	s.resources = nil
	s.bytes = 0
	s.mu.Unlock()

	var errs []error
	for i := len(resources) - 1; i >= 0; i-- {
		r := resources[i]
		if r.release != nil {
			if err := r.release(); err != nil {
				errs = append(errs, fmt.Errorf("failed to release %s: %w", r.name, err))
			}
		}
	}

	s.manager.liveBytes.Add(-bytes)
	s.manager.released.Add(int64(len(resources)))
	s.manager.liveScopes.Add(-1)
	return errors.Join(errs...)
}
