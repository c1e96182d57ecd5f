// Package protocol defines the JSON messages exchanged between the sync
// server and its peers over a websocket.
package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"mirror/internal/content"
	"mirror/internal/errors"
)

type MessageType string

const (
	TypeInitialSync      MessageType = "initial-sync"
	TypeFileChange       MessageType = "file-change"
	TypeClientFileChange MessageType = "client-file-change"
)

type Event string

const (
	EventAdd    Event = "add"
	EventChange Event = "change"
	EventDelete Event = "delete"
	EventWrite  Event = "write"
)

// Message is the envelope of every frame.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// File is one entry of a full snapshot. Content is base64.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type InitialSync struct {
	Files []File `json:"files"`
}

// FileChange is used in both directions: add/change/delete from the
// server, write/delete from a peer. Content is base64 and absent on
// deletes.
type FileChange struct {
	Event   Event  `json:"event"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (c FileChange) MarshalJSON() ([]byte, error) {
	if c.Event == EventDelete {
		return json.Marshal(struct {
			Event Event  `json:"event"`
			Path  string `json:"path"`
		}{c.Event, c.Path})
	}
	type wire FileChange
	return json.Marshal(wire(c))
}

// Data returns the decoded content.
func (c FileChange) Data() ([]byte, error) {
	return content.Decode(c.Content, content.EncodingBase64)
}

func NewFile(p string, data []byte) File {
	return File{Path: p, Content: content.EncodeBase64(data)}
}

// NewSnapshot sorts files by path. The result always has a non-nil list
// so an empty snapshot encodes as "files": [].
func NewSnapshot(files []File) InitialSync {
	out := make([]File, len(files))
	copy(out, files)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return InitialSync{Files: out}
}

func Encode(t MessageType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return json.Marshal(Message{Type: t, Data: data})
}

// Decode parses an envelope without interpreting its data.
func Decode(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, errors.ProtocolDecode("malformed frame", err)
	}
	if msg.Type == "" {
		return Message{}, errors.ProtocolDecode("missing message type", nil)
	}
	return msg, nil
}

// DecodeClientChange parses and validates a peer's client-file-change
// frame, including its base64 content.
func DecodeClientChange(frame []byte) (FileChange, []byte, error) {
	msg, err := Decode(frame)
	if err != nil {
		return FileChange{}, nil, err
	}
	if msg.Type != TypeClientFileChange {
		return FileChange{}, nil, errors.ProtocolDecode(fmt.Sprintf("unexpected message type %q", msg.Type), nil)
	}

	var change FileChange
	if err := json.Unmarshal(msg.Data, &change); err != nil {
		return FileChange{}, nil, errors.ProtocolDecode("malformed client-file-change", err)
	}
	if strings.TrimSpace(change.Path) == "" {
		return FileChange{}, nil, errors.ProtocolDecode("missing path", nil)
	}

	switch change.Event {
	case EventWrite:
		data, err := change.Data()
		if err != nil {
			return FileChange{}, nil, errors.ProtocolDecode("invalid content for "+change.Path, err)
		}
		return change, data, nil
	case EventDelete:
		return change, nil, nil
	default:
		return FileChange{}, nil, errors.ProtocolDecode(fmt.Sprintf("unknown event %q", change.Event), nil)
	}
}

// DecodeInitialSync and DecodeFileChange are used by peers.
func DecodeInitialSync(data json.RawMessage) (InitialSync, error) {
	var s InitialSync
	if err := json.Unmarshal(data, &s); err != nil {
		return InitialSync{}, errors.ProtocolDecode("malformed initial-sync", err)
	}
	return s, nil
}

func DecodeFileChange(data json.RawMessage) (FileChange, error) {
	var c FileChange
	if err := json.Unmarshal(data, &c); err != nil {
		return FileChange{}, errors.ProtocolDecode("malformed file-change", err)
	}
	return c, nil
}
