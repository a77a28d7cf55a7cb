// Package mape implements the control loop stages: Monitor derives facts
// from the latest snapshots, Analyze maps facts to one decision, Plan
// turns decisions into routes, Execute actuates one robot step per tick
// and writes results back to knowledge. Stages communicate only over the
// bus, so each can run against a remote transport unchanged.
package mape

import (
	"sync"

	"gridcourier/internal/bus"
	"gridcourier/internal/protocol"
)

// snapshots caches the latest knowledge and environment broadcasts for a
// stage. Snapshots from an older epoch are dropped on read.
type snapshots struct {
	mu sync.Mutex
	k  *protocol.KnowledgeSnapshot
	e  *protocol.EnvironmentSnapshot
}

func (s *snapshots) onKnowledge(env bus.Envelope) {
	snap, ok := env.Payload.(protocol.KnowledgeSnapshot)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.k == nil || snap.Rev >= s.k.Rev || snap.Epoch > s.k.Epoch {
		s.k = &snap
	}
	s.mu.Unlock()
}

func (s *snapshots) onEnvironment(env bus.Envelope) {
	snap, ok := env.Payload.(protocol.EnvironmentSnapshot)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.e == nil || snap.Rev >= s.e.Rev || snap.Epoch > s.e.Epoch {
		s.e = &snap
	}
	s.mu.Unlock()
}

func (s *snapshots) clear() {
	s.mu.Lock()
	s.k, s.e = nil, nil
	s.mu.Unlock()
}

// latest returns both snapshots if present and current for epoch.
func (s *snapshots) latest(epoch uint64) (*protocol.KnowledgeSnapshot, *protocol.EnvironmentSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.k == nil || s.e == nil {
		return nil, nil, false
	}
	if s.k.Epoch != epoch || s.e.Epoch != epoch {
		return nil, nil, false
	}
	return s.k, s.e, true
}
