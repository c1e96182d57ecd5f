// Package syncserver keeps connected peers in step with the desired set of
// a project. A single loop goroutine owns the active set, the debounce
// timer and the peer table; everything else talks to it over channels.
package syncserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mirror/internal/logging"
	"mirror/internal/metrics"
	"mirror/internal/middleware"
	"mirror/internal/resolver"
	"mirror/internal/storage"
	"mirror/internal/watcher"
)

const (
	DefaultDebounce        = 100 * time.Millisecond
	DefaultSendBuffer      = 256
	DefaultWriteTimeout    = 10 * time.Second
	DefaultMaxMessageBytes = 64 << 20
)

type Options struct {
	// ProjectRoot is the directory peer paths are relative to.
	ProjectRoot string
	// WatchDir is the root handed to the graph resolver. Defaults to
	// ProjectRoot.
	WatchDir string
	Addr     string

	Debounce time.Duration
	// WatchOS turns on fsnotify for WatchDir. Only meaningful on the node
	// backend.
	WatchOS bool

	SendBuffer      int
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

func (o *Options) withDefaults() error {
	if o.ProjectRoot == "" {
		return fmt.Errorf("project root is required")
	}
	o.ProjectRoot = storage.Normalize(o.ProjectRoot)
	if o.WatchDir == "" {
		o.WatchDir = o.ProjectRoot
	}
	o.WatchDir = storage.Normalize(o.WatchDir)
	if o.Addr == "" {
		o.Addr = "127.0.0.1:0"
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return nil
}

// activeEntry is what the server believes peers hold for one path.
type activeEntry struct {
	hash string
	size int64
}

type Server struct {
	opts     Options
	store    storage.Storage
	files    *watcher.Watcher
	resolver *resolver.Resolver
	logger   *zap.Logger

	listener net.Listener
	server   *http.Server
	fs       *fsWatcher

	// Owned by the loop goroutine.
	active map[string]activeEntry
	peers  map[string]*peer
	timer  *time.Timer

	peerCount   atomic.Int32
	activeCount atomic.Int32

	notify  chan struct{}
	joins   chan *peer
	leaves  chan *peer
	flushes chan chan struct{}

	started  atomic.Bool
	stopOnce sync.Once
	stopErr  error
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(opts Options, store storage.Storage, graph resolver.GraphResolver, logger *zap.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if err := opts.withDefaults(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("sync")

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		opts:     opts,
		store:    store,
		files:    watcher.New(store, logger.Named("watcher")),
		resolver: resolver.New(store, graph, logger.Named("resolver")),
		logger:   logger,
		active:   make(map[string]activeEntry),
		peers:    make(map[string]*peer),
		notify:   make(chan struct{}, 1),
		joins:    make(chan *peer),
		leaves:   make(chan *peer, 16),
		flushes:  make(chan chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.files.OnChange(func(c watcher.FileChange) {
		s.logger.Debug("peer change applied",
			zap.String("path", c.Path),
			zap.String("kind", string(c.Kind)))
	})
	return s, nil
}

// Files is the change-detection layer inbound peer writes go through.
func (s *Server) Files() *watcher.Watcher {
	return s.files
}

// Handler returns the HTTP surface: /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	httpLogger := &logging.Logger{Logger: s.logger.Named("http")}
	// Chain wraps in order, so RequestID ends up outermost.
	return middleware.Chain(
		mux,
		middleware.Recover(httpLogger),
		middleware.Logger(httpLogger),
		middleware.RequestID,
	)
}

// Start binds the listener and starts the loop. A bind failure is
// returned and nothing is left running.
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("server already started")
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln

	if s.opts.WatchOS {
		fs, err := newFSWatcher(s.opts.WatchDir, s.opts.ProjectRoot, s.Notify, s.logger.Named("fs"))
		if err != nil {
			ln.Close()
			return err
		}
		s.fs = fs
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.run()
	go func() {
		defer s.wg.Done()
		s.logger.Info("sync server listening",
			zap.String("addr", ln.Addr().String()),
			zap.String("project_root", s.opts.ProjectRoot),
			zap.String("watch_dir", s.opts.WatchDir))
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", zap.Error(err))
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop()
		case <-s.ctx.Done():
		}
	}()

	s.Notify("startup")
	return nil
}

// Stop closes every peer, the OS watcher and the HTTP server.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.shutdown()
	})
	return s.stopErr
}

func (s *Server) shutdown() error {
	s.logger.Info("stopping sync server")
	s.cancel()

	if s.fs != nil {
		if err := s.fs.Close(); err != nil {
			s.logger.Warn("closing fs watcher", zap.Error(err))
		}
	}

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("server shutdown error: %w", shutdownErr)
		}
	}

	s.wg.Wait()
	s.logger.Info("sync server stopped")
	return err
}

// Addr is the bound listen address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

// Notify schedules a debounced rebuild. It never blocks; bursts collapse
// into the pending trigger.
func (s *Server) Notify(reason string) {
	select {
	case s.notify <- struct{}{}:
		s.logger.Debug("rebuild scheduled", zap.String("reason", reason))
	default:
	}
}

// Flush runs a rebuild now and waits for it. It returns immediately on a
// server that is not running.
func (s *Server) Flush() {
	if !s.started.Load() {
		return
	}
	done := make(chan struct{})
	select {
	case s.flushes <- done:
	case <-s.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-s.ctx.Done():
	}
}

func (s *Server) PeerCount() int {
	return int(s.peerCount.Load())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(s.opts.MaxMessageBytes)

	p := newPeer(uuid.New().String(), conn, s.opts.SendBuffer)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		p.writeLoop(s.ctx, s.opts.WriteTimeout, s.leave)
	}()

	select {
	case s.joins <- p:
	case <-s.ctx.Done():
		p.close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	s.readLoop(p)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       "ok",
		"peers":        s.PeerCount(),
		"active_set":   int(s.activeCount.Load()),
		"project_root": s.opts.ProjectRoot,
	})
}
