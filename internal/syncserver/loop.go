package syncserver

import (
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"mirror/internal/metrics"
	"mirror/internal/protocol"
)

// run is the only goroutine that touches the active set, the peer table
// and the debounce timer.
func (s *Server) run() {
	defer s.wg.Done()
	defer s.closePeers()

	for {
		select {
		case <-s.ctx.Done():
			s.stopTimer()
			return

		case <-s.notify:
			s.armTimer()

		case <-s.timerC():
			s.timer = nil
			s.rebuild(s.ctx)

		case p := <-s.joins:
			s.stopTimer()
			s.join(p)

		case p := <-s.leaves:
			s.removePeer(p, "disconnected")

		case done := <-s.flushes:
			s.stopTimer()
			s.rebuild(s.ctx)
			close(done)
		}
	}
}

// armTimer restarts the single debounce slot; a pending rebuild is pushed
// back rather than stacked.
func (s *Server) armTimer() {
	if s.timer == nil {
		s.timer = time.NewTimer(s.opts.Debounce)
		return
	}
	s.timer.Reset(s.opts.Debounce)
}

func (s *Server) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// timerC is nil, and so never ready, while no rebuild is pending.
func (s *Server) timerC() <-chan time.Time {
	if s.timer == nil {
		return nil
	}
	return s.timer.C
}

// join brings the active set up to date for everyone already connected,
// then registers p and sends it a full snapshot.
func (s *Server) join(p *peer) {
	snapshot := s.rebuild(s.ctx)

	select {
	case <-p.done:
		return
	default:
	}

	s.peers[p.id] = p
	s.peerCount.Store(int32(len(s.peers)))
	metrics.SetConnectedPeers(len(s.peers))

	frame, err := protocol.Encode(protocol.TypeInitialSync, protocol.NewSnapshot(snapshot))
	if err != nil {
		s.logger.Error("encoding initial sync", zap.Error(err))
		return
	}
	if !p.enqueue(frame) {
		s.removePeer(p, "initial sync did not fit the send queue")
		return
	}
	metrics.RecordSnapshot("join")
	s.logger.Info("peer connected",
		zap.String("peer", p.id),
		zap.Int("files", len(snapshot)),
		zap.Int("peers", len(s.peers)))
}

func (s *Server) removePeer(p *peer, reason string) {
	p.close(websocket.StatusPolicyViolation, reason)
	if _, ok := s.peers[p.id]; !ok {
		return
	}
	delete(s.peers, p.id)
	s.peerCount.Store(int32(len(s.peers)))
	metrics.SetConnectedPeers(len(s.peers))
	s.logger.Info("peer removed",
		zap.String("peer", p.id),
		zap.String("reason", reason),
		zap.Int("peers", len(s.peers)))
}

func (s *Server) closePeers() {
	for id, p := range s.peers {
		p.close(websocket.StatusGoingAway, "server shutting down")
		delete(s.peers, id)
	}
	s.peerCount.Store(0)
	metrics.SetConnectedPeers(0)
}

// broadcast encodes once and queues the frame for every peer. Peers whose
// queue is full are dropped.
func (s *Server) broadcast(t protocol.MessageType, payload any) {
	frame, err := protocol.Encode(t, payload)
	if err != nil {
		s.logger.Error("encoding broadcast", zap.String("type", string(t)), zap.Error(err))
		return
	}
	for _, p := range s.peers {
		if !p.enqueue(frame) {
			metrics.RecordDroppedPeer()
			s.removePeer(p, "send queue full")
		}
	}
}
