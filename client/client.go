// Package client is a peer of the sync server: it keeps an in-memory
// mirror of the project and can push writes and deletes back.
package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"mirror/internal/content"
	"mirror/internal/protocol"
)

// Update is one message received from the server, already applied to the
// local mirror. Exactly one of Snapshot and Change is set.
type Update struct {
	Type     protocol.MessageType
	Snapshot *protocol.InitialSync
	Change   *protocol.FileChange
}

type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	mu    sync.RWMutex
	files map[string][]byte

	updates chan Update
	done    chan struct{}
	closing chan struct{}
	once    sync.Once
	err     error
}

type Options struct {
	Logger          *zap.Logger
	MaxMessageBytes int64
	// Buffer is the capacity of Messages. Reading stops while it is full.
	Buffer int
}

// Dial connects to addr, which is host:port or a ws:// URL.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	url := addr
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		url = "ws://" + strings.TrimSuffix(addr, "/") + "/ws"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 << 20
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	conn.SetReadLimit(opts.MaxMessageBytes)

	c := &Client{
		conn:    conn,
		logger:  opts.Logger,
		files:   make(map[string][]byte),
		updates: make(chan Update, opts.Buffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Messages yields every applied update and is closed when the connection
// ends.
func (c *Client) Messages() <-chan Update {
	return c.updates
}

// Err reports why the connection ended, once Messages is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) readLoop() {
	defer close(c.updates)
	defer close(c.done)

	for {
		_, frame, err := c.conn.Read(context.Background())
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.err = err
			}
			return
		}

		update, err := c.apply(frame)
		if err != nil {
			c.logger.Warn("ignoring server message", zap.Error(err))
			continue
		}
		select {
		case c.updates <- update:
		case <-c.closing:
			return
		}
	}
}

func (c *Client) apply(frame []byte) (Update, error) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		return Update{}, err
	}

	switch msg.Type {
	case protocol.TypeInitialSync:
		snap, err := protocol.DecodeInitialSync(msg.Data)
		if err != nil {
			return Update{}, err
		}
		files := make(map[string][]byte, len(snap.Files))
		for _, f := range snap.Files {
			data, err := content.Decode(f.Content, content.EncodingBase64)
			if err != nil {
				return Update{}, fmt.Errorf("decoding %s: %w", f.Path, err)
			}
			files[f.Path] = data
		}
		c.mu.Lock()
		c.files = files
		c.mu.Unlock()
		return Update{Type: msg.Type, Snapshot: &snap}, nil

	case protocol.TypeFileChange:
		change, err := protocol.DecodeFileChange(msg.Data)
		if err != nil {
			return Update{}, err
		}
		switch change.Event {
		case protocol.EventAdd, protocol.EventChange:
			data, err := change.Data()
			if err != nil {
				return Update{}, fmt.Errorf("decoding %s: %w", change.Path, err)
			}
			c.mu.Lock()
			c.files[change.Path] = data
			c.mu.Unlock()
		case protocol.EventDelete:
			c.mu.Lock()
			delete(c.files, change.Path)
			c.mu.Unlock()
		default:
			return Update{}, fmt.Errorf("unknown event %q", change.Event)
		}
		return Update{Type: msg.Type, Change: &change}, nil

	default:
		return Update{}, fmt.Errorf("unexpected message type %q", msg.Type)
	}
}

// Write asks the server to store data at the peer path p.
func (c *Client) Write(ctx context.Context, p string, data []byte) error {
	return c.send(ctx, protocol.FileChange{
		Event:   protocol.EventWrite,
		Path:    p,
		Content: content.EncodeBase64(data),
	})
}

func (c *Client) Delete(ctx context.Context, p string) error {
	return c.send(ctx, protocol.FileChange{Event: protocol.EventDelete, Path: p})
}

func (c *Client) send(ctx context.Context, change protocol.FileChange) error {
	frame, err := protocol.Encode(protocol.TypeClientFileChange, change)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("sending %s %s: %w", change.Event, change.Path, err)
	}
	return nil
}

// Files returns a copy of the local mirror.
func (c *Client) Files() map[string][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]byte, len(c.files))
	for p, data := range c.files {
		out[p] = data
	}
	return out
}

func (c *Client) File(p string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.files[p]
	return data, ok
}

func (c *Client) Close() error {
	c.once.Do(func() { close(c.closing) })
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	<-c.done
	return err
}
