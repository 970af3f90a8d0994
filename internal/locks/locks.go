// Package locks provides the in-process file lock service agents use to
// coordinate workspace access. Multiple readers may share a path; writers
// are exclusive.
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandem-ai/tandem/internal/core"
	"github.com/tandem-ai/tandem/internal/logging"
)

type pathLocks struct {
	writer  *core.FileLock
	readers map[string]*core.FileLock // lockID -> lock
}

// Service implements core.FileLockService in memory.
type Service struct {
	mu       sync.Mutex
	paths    map[string]*pathLocks
	byID     map[string]*core.FileLock
	byAgent  map[string]map[string]*core.FileLock
	handlers map[int]func(core.LockEvent)
	nextSub  int
	logger   *logging.Logger
}

// NewService creates an empty lock service.
func NewService(logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		paths:    make(map[string]*pathLocks),
		byID:     make(map[string]*core.FileLock),
		byAgent:  make(map[string]map[string]*core.FileLock),
		handlers: make(map[int]func(core.LockEvent)),
		logger:   logger,
	}
}

// AcquireLock grants a read or write lock on the path, waiting up to
// req.Timeout for conflicting holders to release.
func (s *Service) AcquireLock(ctx context.Context, req core.LockRequest) (*core.FileLock, error) {
	if req.FilePath == "" {
		return nil, core.ErrInvalidMessage("file_path", "is required")
	}
	if req.AgentID == "" {
		return nil, core.ErrInvalidMessage("agent_id", "is required")
	}
	if req.Mode != core.LockModeRead && req.Mode != core.LockModeWrite {
		return nil, core.ErrInvalidMessage("mode", "must be read or write")
	}

	deadline := time.Now().Add(req.Timeout)
	for {
		s.mu.Lock()
		lock, ok := s.tryAcquireLocked(req)
		s.mu.Unlock()
		if ok {
			s.emit(core.LockEvent{Type: "lock_acquired", Lock: *lock, Occurred: time.Now()})
			return lock, nil
		}
		if req.Timeout <= 0 || time.Now().After(deadline) {
			return nil, core.ErrTimeout("acquiring " + string(req.Mode) + " lock on " + req.FilePath)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *Service) tryAcquireLocked(req core.LockRequest) (*core.FileLock, bool) {
	pl, ok := s.paths[req.FilePath]
	if !ok {
		pl = &pathLocks{readers: make(map[string]*core.FileLock)}
		s.paths[req.FilePath] = pl
	}

	if req.Mode == core.LockModeWrite {
		if pl.writer != nil || len(pl.readers) > 0 {
			return nil, false
		}
	} else {
		if pl.writer != nil {
			return nil, false
		}
	}

	lock := &core.FileLock{
		LockID:     uuid.NewString(),
		FilePath:   req.FilePath,
		AgentID:    req.AgentID,
		Mode:       req.Mode,
		AcquiredAt: time.Now(),
	}
	if req.Mode == core.LockModeWrite {
		pl.writer = lock
	} else {
		pl.readers[lock.LockID] = lock
	}
	s.byID[lock.LockID] = lock
	agentLocks := s.byAgent[req.AgentID]
	if agentLocks == nil {
		agentLocks = make(map[string]*core.FileLock)
		s.byAgent[req.AgentID] = agentLocks
	}
	agentLocks[lock.LockID] = lock
	return lock, true
}

// ReleaseLock releases one lock by id.
func (s *Service) ReleaseLock(ctx context.Context, lockID string) error {
	s.mu.Lock()
	lock, ok := s.byID[lockID]
	if !ok {
		s.mu.Unlock()
		return core.ErrNotFound("lock", lockID)
	}
	s.releaseLocked(lock)
	s.mu.Unlock()

	s.emit(core.LockEvent{Type: "lock_released", Lock: *lock, Occurred: time.Now()})
	return nil
}

// ReleaseAllLocksForAgent releases every lock the agent holds and returns
// how many were released.
func (s *Service) ReleaseAllLocksForAgent(ctx context.Context, agentID string) (int, error) {
	s.mu.Lock()
	agentLocks := s.byAgent[agentID]
	released := make([]*core.FileLock, 0, len(agentLocks))
	for _, lock := range agentLocks {
		s.releaseLocked(lock)
		released = append(released, lock)
	}
	s.mu.Unlock()

	for _, lock := range released {
		s.emit(core.LockEvent{Type: "lock_released", Lock: *lock, Occurred: time.Now()})
	}
	return len(released), nil
}

func (s *Service) releaseLocked(lock *core.FileLock) {
	delete(s.byID, lock.LockID)
	if agentLocks, ok := s.byAgent[lock.AgentID]; ok {
		delete(agentLocks, lock.LockID)
		if len(agentLocks) == 0 {
			delete(s.byAgent, lock.AgentID)
		}
	}
	if pl, ok := s.paths[lock.FilePath]; ok {
		if pl.writer != nil && pl.writer.LockID == lock.LockID {
			pl.writer = nil
		}
		delete(pl.readers, lock.LockID)
		if pl.writer == nil && len(pl.readers) == 0 {
			delete(s.paths, lock.FilePath)
		}
	}
}

// GetLocksForAgent lists the agent's held locks.
func (s *Service) GetLocksForAgent(agentID string) []core.FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.FileLock, 0, len(s.byAgent[agentID]))
	for _, lock := range s.byAgent[agentID] {
		out = append(out, *lock)
	}
	return out
}

// AgentHasLocks reports whether the agent holds any lock.
func (s *Service) AgentHasLocks(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byAgent[agentID]) > 0
}

// GetLockStatus returns the write lock or any read lock held on the path.
func (s *Service) GetLockStatus(filePath string) (*core.FileLock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl, ok := s.paths[filePath]
	if !ok {
		return nil, false
	}
	if pl.writer != nil {
		cp := *pl.writer
		return &cp, true
	}
	for _, lock := range pl.readers {
		cp := *lock
		return &cp, true
	}
	return nil, false
}

// Subscribe registers a lock event handler and returns its unsubscribe.
func (s *Service) Subscribe(handler func(core.LockEvent)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.handlers[id] = handler
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

func (s *Service) emit(event core.LockEvent) {
	s.mu.Lock()
	handlers := make([]func(core.LockEvent), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(event)
	}
}
