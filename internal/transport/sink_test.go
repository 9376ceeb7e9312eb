package transport

import (
	"sync"

	"github.com/vthunder/meshrelay/internal/types"
)

// recordingSink captures events for assertions
type recordingSink struct {
	mu          sync.Mutex
	established []types.SenderID
	lost        []string
	inbound     []*types.InboundMessage
}

func (s *recordingSink) SessionEstablished(local types.SenderID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.established = append(s.established, local)
}

func (s *recordingSink) SessionLost(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = append(s.lost, reason)
}

func (s *recordingSink) Inbound(msg *types.InboundMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbound = append(s.inbound, msg)
}

func (s *recordingSink) messages() []*types.InboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.InboundMessage(nil), s.inbound...)
}

func (s *recordingSink) sessions() ([]types.SenderID, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.SenderID(nil), s.established...), append([]string(nil), s.lost...)
}
