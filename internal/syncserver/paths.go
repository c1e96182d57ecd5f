package syncserver

import (
	"strings"

	"mirror/internal/errors"
	"mirror/internal/storage"
)

// toPeer maps a storage path to the peer-rooted form. Paths outside the
// project root keep their absolute form.
func (s *Server) toPeer(p string) string {
	root := s.opts.ProjectRoot
	if !storage.Within(root, p) {
		return p
	}
	if root == "/" {
		return p
	}
	return "/" + strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
}

// fromPeer maps a peer path into the project root, refusing any path that
// tries to climb out of it.
func (s *Server) fromPeer(p string) (string, error) {
	slashed := strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", errors.ProtocolDecode("path escapes project root: "+p, nil)
		}
	}
	rel := storage.Normalize(slashed)
	if rel == "/" {
		return "", errors.ProtocolDecode("path names the project root", nil)
	}
	if s.opts.ProjectRoot == "/" {
		return rel, nil
	}
	return s.opts.ProjectRoot + rel, nil
}
