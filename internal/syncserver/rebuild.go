package syncserver

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"mirror/internal/content"
	"mirror/internal/metrics"
	"mirror/internal/protocol"
)

// rebuild runs one cycle: resolve the desired set, diff it against the
// active set, broadcast the result. It returns a snapshot of every
// desired file it could read, for peers joining on this cycle.
func (s *Server) rebuild(ctx context.Context) []protocol.File {
	start := time.Now()
	desired, err := s.resolver.Resolve(ctx, s.opts.WatchDir, s.opts.ProjectRoot)
	if err != nil {
		// Nothing is known this cycle: keep every active path, still
		// picking up content changes.
		desired = make(map[string]struct{}, len(s.active))
		for p := range s.active {
			desired[p] = struct{}{}
		}
	}
	wasEmpty := len(s.active) == 0

	paths := make([]string, 0, len(desired))
	for p := range desired {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var (
		updates  []protocol.FileChange
		snapshot = make([]protocol.File, 0, len(paths))
		allAdds  = true
		skipped  int
	)
	for _, p := range paths {
		data, err := s.store.Read(p)
		if err != nil {
			skipped++
			s.logger.Warn("skipping unreadable path this cycle", zap.String("path", p), zap.Error(err))
			continue
		}

		peerPath := s.toPeer(p)
		encoded := content.EncodeBase64(data)
		snapshot = append(snapshot, protocol.File{Path: peerPath, Content: encoded})

		stat := content.StatOf(data)
		prev, known := s.active[p]
		if known && prev.hash == stat.Hash && prev.size == stat.Size {
			continue
		}

		event := protocol.EventAdd
		if known {
			event = protocol.EventChange
			allAdds = false
		}
		updates = append(updates, protocol.FileChange{Event: event, Path: peerPath, Content: encoded})
		s.active[p] = activeEntry{hash: stat.Hash, size: stat.Size}
	}

	var deletions []string
	for p := range s.active {
		if _, ok := desired[p]; !ok {
			deletions = append(deletions, p)
		}
	}
	sort.Strings(deletions)
	for _, p := range deletions {
		delete(s.active, p)
	}
	s.activeCount.Store(int32(len(s.active)))

	for _, p := range deletions {
		s.broadcast(protocol.TypeFileChange, protocol.FileChange{Event: protocol.EventDelete, Path: s.toPeer(p)})
		metrics.RecordBroadcast(string(protocol.EventDelete))
	}

	switch {
	case len(s.active) == 0 && len(desired) == 0 && len(deletions) > 0:
		s.broadcast(protocol.TypeInitialSync, protocol.NewSnapshot(nil))
		metrics.RecordSnapshot("empty")

	case wasEmpty && allAdds && len(updates) > 0 && len(updates) == len(desired):
		s.broadcast(protocol.TypeInitialSync, protocol.NewSnapshot(snapshot))
		metrics.RecordSnapshot("rehydrate")

	default:
		for _, u := range updates {
			s.broadcast(protocol.TypeFileChange, u)
			metrics.RecordBroadcast(string(u.Event))
		}
	}

	metrics.RecordRebuild(time.Since(start), len(s.active), skipped)
	if len(updates) > 0 || len(deletions) > 0 || skipped > 0 {
		s.logger.Info("rebuild complete",
			zap.Int("desired", len(desired)),
			zap.Int("updates", len(updates)),
			zap.Int("deletions", len(deletions)),
			zap.Int("skipped", skipped),
			zap.Int("peers", len(s.peers)),
			zap.Duration("took", time.Since(start)))
	}
	return snapshot
}
