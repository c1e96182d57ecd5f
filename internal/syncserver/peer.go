package syncserver

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"mirror/internal/errors"
	"mirror/internal/metrics"
	"mirror/internal/protocol"
)

// peer is one websocket connection. Outbound frames go through a bounded
// queue drained by writeLoop.
type peer struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newPeer(id string, conn *websocket.Conn, buffer int) *peer {
	return &peer{
		id:   id,
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// enqueue reports false when the queue is full or the peer is closed.
func (p *peer) enqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

func (p *peer) close(code websocket.StatusCode, reason string) {
	p.once.Do(func() {
		close(p.done)
		if p.conn != nil {
			_ = p.conn.Close(code, reason)
		}
	})
}

func (p *peer) writeLoop(ctx context.Context, timeout time.Duration, leave func(*peer)) {
	for {
		select {
		case <-ctx.Done():
			p.close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-p.done:
			return
		case frame := <-p.send:
			writeCtx, cancel := context.WithTimeout(ctx, timeout)
			err := p.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				leave(p)
				return
			}
		}
	}
}

// leave hands a dead peer back to the loop for removal.
func (s *Server) leave(p *peer) {
	p.close(websocket.StatusNormalClosure, "")
	select {
	case s.leaves <- p:
	case <-s.ctx.Done():
	}
}

// readLoop applies peer mutations until the connection ends. A malformed
// frame is dropped and the connection stays open.
func (s *Server) readLoop(p *peer) {
	defer s.leave(p)

	for {
		_, frame, err := p.conn.Read(s.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && s.ctx.Err() == nil {
				s.logger.Debug("peer read ended", zap.String("peer", p.id), zap.Error(err))
			}
			return
		}
		s.handleFrame(p.id, frame)
	}
}

// handleFrame applies one inbound frame through the change-detection
// layer. Whatever the outcome, a rebuild is scheduled unless the frame
// could not be decoded.
func (s *Server) handleFrame(peerID string, frame []byte) {
	change, data, err := protocol.DecodeClientChange(frame)
	if err != nil {
		metrics.RecordInbound("invalid", false)
		s.logger.Warn("dropping malformed peer message", zap.String("peer", peerID), zap.Error(err))
		return
	}

	target, err := s.fromPeer(change.Path)
	if err != nil {
		metrics.RecordInbound(string(change.Event), false)
		s.logger.Warn("dropping peer message", zap.String("peer", peerID), zap.Error(err))
		return
	}

	switch change.Event {
	case protocol.EventWrite:
		// The store also changes on disk and through other writers.
		s.files.Invalidate(target)
		err = s.files.WriteFile(target, data)
	case protocol.EventDelete:
		err = s.files.DeleteFile(target)
	}
	metrics.RecordInbound(string(change.Event), err == nil)
	if err != nil {
		s.logger.Error("applying peer change",
			zap.String("peer", peerID),
			zap.String("event", string(change.Event)),
			zap.String("path", target),
			zap.Bool("io_failure", errors.IsType(err, errors.ErrorTypeIOFailure)),
			zap.Error(err))
	}

	s.Notify("peer " + string(change.Event))
}
