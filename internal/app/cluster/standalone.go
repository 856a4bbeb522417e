package cluster

import (
	"context"
	"sync"
)

var _ Coordinator = (*Standalone)(nil)

// Standalone is a Coordinator for single-instance deployments. It becomes
// leader as soon as it starts and stays leader until stopped.
type Standalone struct {
	mu        sync.Mutex
	callbacks []func(isLeader bool)
	leader    bool
	cancel    context.CancelFunc
}

// NewStandalone creates a Standalone coordinator.
func NewStandalone() *Standalone { return new(Standalone) }

// Start assumes leadership and blocks until ctx is cancelled or Stop is called.
func (s *Standalone) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.leader = true
	cbs := append([]func(bool){}, s.callbacks...)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(true)
	}

	<-ctx.Done()
	s.resign()
	return nil
}

// Stop relinquishes leadership.
func (s *Standalone) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// OnLeadershipChange registers cb. It is invoked immediately if the
// coordinator is already leading.
func (s *Standalone) OnLeadershipChange(cb func(isLeader bool)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	leader := s.leader
	s.mu.Unlock()
	if leader {
		cb(true)
	}
}

func (s *Standalone) resign() {
	s.mu.Lock()
	if !s.leader {
		s.mu.Unlock()
		return
	}
	s.leader = false
	cbs := append([]func(bool){}, s.callbacks...)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(false)
	}
}
