// Package protocol defines the tagged JSON frames exchanged between
// clients and the relay: request/response commands and server-push events.
//
// authorLabel, payload and fingerprint values are opaque byte blobs
// (base64 on the wire). The relay stores and compares them but never
// interprets their contents; encryption happens entirely client-side.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Command names accepted from clients.
const (
	CmdJoin          = "join"
	CmdUsers         = "users"
	CmdMessages      = "messages"
	CmdExit          = "exit"
	CmdDeleteChat    = "delete-chat"
	CmdSend          = "send"
	CmdDeleteMessage = "delete-message"
)

// Event names pushed to clients.
const (
	EventMemberJoined   = "member-joined"
	EventMemberLeft     = "member-left"
	EventMessage        = "message"
	EventMessageDeleted = "message-deleted"
	EventChatDeleted    = "chat-deleted"
)

// ErrMalformed covers any frame that fails shape validation before
// dispatch: bad JSON, unknown command, or missing required fields.
var ErrMalformed = errors.New("malformed request")

// Request is a single client command frame.
type Request struct {
	Seq int64  `json:"seq"`
	Cmd string `json:"cmd"`

	ChatID          string          `json:"chatId,omitempty"`
	AuthorLabel     []byte          `json:"authorLabel,omitempty"`
	Fingerprint     []byte          `json:"fingerprint,omitempty"`
	KnownMessageIDs map[string]bool `json:"knownMessageIds,omitempty"`
	MessageID       string          `json:"messageId,omitempty"`
	Payload         []byte          `json:"payload,omitempty"`
}

// Response answers exactly one Request, matched by Seq. A failed command
// carries ok=false and no result; the relay deliberately does not
// distinguish failure causes on the wire.
type Response struct {
	Seq    int64 `json:"seq"`
	OK     bool  `json:"ok"`
	Result any   `json:"result,omitempty"`
}

// Event is a server-push frame. No response is expected.
type Event struct {
	Event       string `json:"event"`
	ChatID      string `json:"chatId"`
	AuthorLabel []byte `json:"authorLabel,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
}

// Message is one stored history entry: an opaque payload under a
// client-chosen id.
type Message struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

// SyncRecord is one entry of a join result. Either a missed message
// (ID/Payload set) or the trailing tombstone (Deleted set) listing ids
// the client knows that no longer exist.
type SyncRecord struct {
	ID         string   `json:"id,omitempty"`
	Payload    []byte   `json:"payload,omitempty"`
	Deleted    bool     `json:"deleted,omitempty"`
	DeletedIDs []string `json:"deletedMessages,omitempty"`
}

// DecodeRequest parses and shape-validates a client frame. Every failure
// mode maps to ErrMalformed so the caller can answer with a uniform
// rejection. On a validation failure the partially decoded request is
// still returned so the caller can echo its seq.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := req.Validate(); err != nil {
		return &req, err
	}
	return &req, nil
}

// Validate checks that the required fields for the frame's command are
// present. It does not inspect opaque values beyond non-emptiness.
func (r *Request) Validate() error {
	if r.ChatID == "" {
		return fmt.Errorf("%w: missing chatId", ErrMalformed)
	}
	switch r.Cmd {
	case CmdJoin:
		if len(r.AuthorLabel) == 0 {
			return fmt.Errorf("%w: join requires authorLabel", ErrMalformed)
		}
		if len(r.Fingerprint) == 0 {
			return fmt.Errorf("%w: join requires fingerprint", ErrMalformed)
		}
	case CmdSend:
		if r.MessageID == "" {
			return fmt.Errorf("%w: send requires messageId", ErrMalformed)
		}
	case CmdDeleteMessage:
		if r.MessageID == "" {
			return fmt.Errorf("%w: delete-message requires messageId", ErrMalformed)
		}
	case CmdUsers, CmdMessages, CmdExit, CmdDeleteChat:
		// chatId alone is sufficient
	default:
		return fmt.Errorf("%w: unknown command %q", ErrMalformed, r.Cmd)
	}
	return nil
}
