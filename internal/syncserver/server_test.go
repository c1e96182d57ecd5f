package syncserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirror/internal/content"
	"mirror/internal/protocol"
	"mirror/internal/resolver"
	"mirror/internal/storage"
)

// testProject is a server over memory storage whose desired set is
// whatever the test says it is.
type testProject struct {
	server  *Server
	store   *storage.Memory
	desired []string
}

func setupProject(t *testing.T) *testProject {
	tp := &testProject{store: storage.NewMemory()}
	graph := resolver.GraphFunc(func(ctx context.Context, req resolver.GraphRequest) (*resolver.GraphResult, error) {
		return &resolver.GraphResult{VfsFiles: resolver.Paths(tp.desired...)}, nil
	})

	s, err := New(Options{ProjectRoot: "/proj"}, tp.store, graph, nil)
	require.NoError(t, err)
	tp.server = s
	return tp
}

func (tp *testProject) write(t *testing.T, p, body string) {
	require.NoError(t, tp.store.Write(p, []byte(body)))
}

func (tp *testProject) want(paths ...string) {
	tp.desired = paths
}

// fakePeer is registered directly in the peer table; frames pile up in
// its queue.
func (tp *testProject) fakePeer(id string, buffer int) *peer {
	p := newPeer(id, nil, buffer)
	tp.server.peers[id] = p
	return p
}

func drain(t *testing.T, p *peer) []protocol.Message {
	var msgs []protocol.Message
	for {
		select {
		case frame := <-p.send:
			msg, err := protocol.Decode(frame)
			require.NoError(t, err)
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func asChange(t *testing.T, msg protocol.Message) protocol.FileChange {
	require.Equal(t, protocol.TypeFileChange, msg.Type)
	c, err := protocol.DecodeFileChange(msg.Data)
	require.NoError(t, err)
	return c
}

func asSnapshot(t *testing.T, msg protocol.Message) protocol.InitialSync {
	require.Equal(t, protocol.TypeInitialSync, msg.Type)
	s, err := protocol.DecodeInitialSync(msg.Data)
	require.NoError(t, err)
	return s
}

func b64(s string) string {
	return content.EncodeBase64([]byte(s))
}

func TestRehydrationSendsOneSnapshot(t *testing.T) {
	tp := setupProject(t)
	p := tp.fakePeer("p", 16)
	tp.write(t, "/proj/c.ts", "c")
	tp.write(t, "/proj/a.ts", "a")
	tp.write(t, "/proj/b.ts", "b")
	tp.want("/proj/a.ts", "/proj/b.ts", "/proj/c.ts")

	tp.server.rebuild(context.Background())

	msgs := drain(t, p)
	require.Len(t, msgs, 1)
	snap := asSnapshot(t, msgs[0])
	assert.Equal(t, []protocol.File{
		{Path: "/a.ts", Content: b64("a")},
		{Path: "/b.ts", Content: b64("b")},
		{Path: "/c.ts", Content: b64("c")},
	}, snap.Files)
	assert.Len(t, tp.server.active, 3)
}

func TestEmptiedDesiredSetRebaselines(t *testing.T) {
	tp := setupProject(t)
	p := tp.fakePeer("p", 16)
	tp.write(t, "/proj/a.ts", "a")
	tp.write(t, "/proj/b.ts", "b")
	tp.want("/proj/a.ts", "/proj/b.ts")
	tp.server.rebuild(context.Background())
	drain(t, p)

	tp.want()
	tp.server.rebuild(context.Background())

	msgs := drain(t, p)
	require.Len(t, msgs, 3)
	assert.Equal(t, protocol.FileChange{Event: protocol.EventDelete, Path: "/a.ts"}, asChange(t, msgs[0]))
	assert.Equal(t, protocol.FileChange{Event: protocol.EventDelete, Path: "/b.ts"}, asChange(t, msgs[1]))
	assert.Empty(t, asSnapshot(t, msgs[2]).Files)
	assert.Empty(t, tp.server.active)
}

func TestMixedChangeAndAddAreIndividual(t *testing.T) {
	tp := setupProject(t)
	p := tp.fakePeer("p", 16)
	tp.write(t, "/proj/a.ts", "a")
	tp.want("/proj/a.ts")
	tp.server.rebuild(context.Background())
	drain(t, p)

	tp.write(t, "/proj/a.ts", "a2")
	tp.write(t, "/proj/b.ts", "b")
	tp.want("/proj/a.ts", "/proj/b.ts")
	tp.server.rebuild(context.Background())

	msgs := drain(t, p)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.FileChange{Event: protocol.EventChange, Path: "/a.ts", Content: b64("a2")}, asChange(t, msgs[0]))
	assert.Equal(t, protocol.FileChange{Event: protocol.EventAdd, Path: "/b.ts", Content: b64("b")}, asChange(t, msgs[1]))
}

func TestUnchangedRebuildIsSilent(t *testing.T) {
	tp := setupProject(t)
	p := tp.fakePeer("p", 16)
	tp.write(t, "/proj/a.ts", "a")
	tp.want("/proj/a.ts")
	tp.server.rebuild(context.Background())
	drain(t, p)

	tp.server.rebuild(context.Background())
	assert.Empty(t, drain(t, p))
}

func TestUnreadablePathIsSkippedForTheCycle(t *testing.T) {
	tp := setupProject(t)
	p := tp.fakePeer("p", 16)
	tp.write(t, "/proj/a.ts", "a")
	tp.want("/proj/a.ts", "/proj/missing.ts")

	tp.server.rebuild(context.Background())

	msgs := drain(t, p)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.FileChange{Event: protocol.EventAdd, Path: "/a.ts", Content: b64("a")}, asChange(t, msgs[0]))
	assert.NotContains(t, tp.server.active, "/proj/missing.ts")

	// it shows up once it becomes readable
	tp.write(t, "/proj/missing.ts", "late")
	tp.server.rebuild(context.Background())
	msgs = drain(t, p)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.EventAdd, asChange(t, msgs[0]).Event)
}

func TestPathsOutsideProjectRootKeepAbsoluteForm(t *testing.T) {
	tp := setupProject(t)
	p := tp.fakePeer("p", 16)
	tp.write(t, "/proj/a.ts", "a")
	tp.write(t, "/shared/node_modules/x/index.d.ts", "x")
	tp.want("/proj/a.ts")
	tp.server.rebuild(context.Background())
	drain(t, p)

	tp.want("/proj/a.ts", "/shared/node_modules/x/index.d.ts")
	tp.server.rebuild(context.Background())

	msgs := drain(t, p)
	require.Len(t, msgs, 1)
	assert.Equal(t, "/shared/node_modules/x/index.d.ts", asChange(t, msgs[0]).Path)
}

func TestJoinSendsSnapshotAfterCatchingUpOthers(t *testing.T) {
	tp := setupProject(t)
	existing := tp.fakePeer("existing", 16)
	tp.write(t, "/proj/a.ts", "a")
	tp.want("/proj/a.ts")
	tp.server.rebuild(context.Background())
	drain(t, existing)

	tp.write(t, "/proj/b.ts", "b")
	tp.want("/proj/a.ts", "/proj/b.ts")

	joining := newPeer("joining", nil, 16)
	tp.server.join(joining)

	old := drain(t, existing)
	require.Len(t, old, 1)
	assert.Equal(t, protocol.FileChange{Event: protocol.EventAdd, Path: "/b.ts", Content: b64("b")}, asChange(t, old[0]))

	fresh := drain(t, joining)
	require.Len(t, fresh, 1)
	assert.Equal(t, []protocol.File{
		{Path: "/a.ts", Content: b64("a")},
		{Path: "/b.ts", Content: b64("b")},
	}, asSnapshot(t, fresh[0]).Files)
	assert.Equal(t, 2, tp.server.PeerCount())
}

func TestFullQueueDropsPeer(t *testing.T) {
	tp := setupProject(t)
	slow := tp.fakePeer("slow", 1)
	tp.write(t, "/proj/a.ts", "a")
	tp.want("/proj/a.ts")
	tp.server.rebuild(context.Background())

	tp.write(t, "/proj/a.ts", "a2")
	tp.write(t, "/proj/b.ts", "b")
	tp.want("/proj/a.ts", "/proj/b.ts")
	tp.server.rebuild(context.Background())

	assert.NotContains(t, tp.server.peers, "slow")
	select {
	case <-slow.done:
	default:
		t.Fatal("dropped peer was not closed")
	}
}

func TestHandleFrame(t *testing.T) {
	tp := setupProject(t)

	tp.server.handleFrame("p", []byte(`{"type":"client-file-change","data":{"event":"write","path":"/src/x.ts","content":"`+b64("x")+`"}}`))
	got, err := tp.store.Read("/proj/src/x.ts")
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))

	tp.server.handleFrame("p", []byte(`{"type":"client-file-change","data":{"event":"write","path":"/../escape.ts","content":""}}`))
	assert.False(t, tp.store.Exists("/escape.ts"))
	assert.False(t, tp.store.Exists("/proj/escape.ts"))

	tp.server.handleFrame("p", []byte(`not json`))

	tp.server.handleFrame("p", []byte(`{"type":"client-file-change","data":{"event":"delete","path":"/src/x.ts"}}`))
	assert.False(t, tp.store.Exists("/proj/src/x.ts"))

	// every applied frame leaves a rebuild pending
	select {
	case <-tp.server.notify:
	default:
		t.Fatal("no rebuild scheduled")
	}
}

func writeFrame(path, body string) []byte {
	return []byte(`{"type":"client-file-change","data":{"event":"write","path":"` + path + `","content":"` + b64(body) + `"}}`)
}

func TestPeerWriteAfterOutOfBandChange(t *testing.T) {
	tp := setupProject(t)
	p := tp.fakePeer("p", 16)
	tp.want("/proj/x.ts")

	tp.server.handleFrame("p", writeFrame("/x.ts", "A"))
	tp.server.rebuild(context.Background())
	drain(t, p)

	t.Run("restores a file deleted on disk", func(t *testing.T) {
		require.NoError(t, tp.store.Remove("/proj/x.ts"))

		tp.server.handleFrame("p", writeFrame("/x.ts", "A"))

		got, err := tp.store.Read("/proj/x.ts")
		require.NoError(t, err)
		assert.Equal(t, "A", string(got))
	})

	t.Run("reverts a file edited on disk", func(t *testing.T) {
		tp.write(t, "/proj/x.ts", "B")
		tp.server.rebuild(context.Background())
		assert.Equal(t, protocol.FileChange{Event: protocol.EventChange, Path: "/x.ts", Content: b64("B")}, asChange(t, drain(t, p)[0]))

		tp.server.handleFrame("p", writeFrame("/x.ts", "A"))
		got, err := tp.store.Read("/proj/x.ts")
		require.NoError(t, err)
		assert.Equal(t, "A", string(got))

		tp.server.rebuild(context.Background())
		msgs := drain(t, p)
		require.Len(t, msgs, 1)
		assert.Equal(t, protocol.FileChange{Event: protocol.EventChange, Path: "/x.ts", Content: b64("A")}, asChange(t, msgs[0]))
	})
}

func TestResolutionFailureKeepsActiveSet(t *testing.T) {
	store := storage.NewMemory()
	fail := false
	graph := resolver.GraphFunc(func(ctx context.Context, req resolver.GraphRequest) (*resolver.GraphResult, error) {
		if fail {
			return nil, fmt.Errorf("graph crashed")
		}
		return &resolver.GraphResult{VfsFiles: resolver.Paths("/proj/a.ts")}, nil
	})
	s, err := New(Options{ProjectRoot: "/proj"}, store, graph, nil)
	require.NoError(t, err)
	p := newPeer("p", nil, 16)
	s.peers["p"] = p

	require.NoError(t, store.Write("/proj/a.ts", []byte("a")))
	s.rebuild(context.Background())
	drain(t, p)

	fail = true
	require.NoError(t, store.Write("/proj/a.ts", []byte("a2")))
	snapshot := s.rebuild(context.Background())

	msgs := drain(t, p)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.FileChange{Event: protocol.EventChange, Path: "/a.ts", Content: b64("a2")}, asChange(t, msgs[0]))
	assert.Len(t, snapshot, 1)
	assert.Contains(t, s.active, "/proj/a.ts")
}

func TestPeerPaths(t *testing.T) {
	tp := setupProject(t)
	s := tp.server

	assert.Equal(t, "/a/b.ts", s.toPeer("/proj/a/b.ts"))
	assert.Equal(t, "/", s.toPeer("/proj"))
	assert.Equal(t, "/elsewhere/c.ts", s.toPeer("/elsewhere/c.ts"))
	assert.Equal(t, "/project2/c.ts", s.toPeer("/project2/c.ts"))

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/a/b.ts", "/proj/a/b.ts", false},
		{"a/b.ts", "/proj/a/b.ts", false},
		{"\\win\\style.ts", "/proj/win/style.ts", false},
		{"/a/../../etc/passwd", "", true},
		{"/", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := s.fromPeer(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	tp := setupProject(t)
	h := tp.server.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["peers"])
	assert.Equal(t, "/proj", body["project_root"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mirror_")
}

func TestNewRequiresProjectRoot(t *testing.T) {
	_, err := New(Options{}, storage.NewMemory(), nil, nil)
	assert.Error(t, err)

	_, err = New(Options{ProjectRoot: "/p"}, nil, nil, nil)
	assert.Error(t, err)
}
