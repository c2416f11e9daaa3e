package message

import (
	"errors"
	"time"

	"mist-chat/go-core/pkg/entity"
	"mist-chat/go-core/pkg/ids"
)

// Content type tags routed by the dispatch registry.
const (
	TypeText    = "text"
	TypeFile    = "file"
	TypeCommand = "command"
	TypeReceipt = "receipt"
	TypeForward = "forward"
)

var (
	ErrInvalidEnvelope = errors.New("invalid message envelope")
	ErrInvalidContent  = errors.New("invalid message content")
)

// Envelope addresses one logical message through all three stages.
type Envelope struct {
	Sender   ids.Identifier
	Receiver ids.Identifier
	Time     time.Time
	// Type mirrors the content type tag so relays can route without
	// decrypting.
	Type string
	// Group is the exposed group for messages sent to one member but
	// scoped to a group conversation. Zero when unused.
	Group ids.Identifier
}

// Content is the plaintext payload: a closed header plus type-specific
// verbose fields. Unknown tags still round-trip through Body untouched,
// which is the dispatch registry's "unregistered" variant.
type Content struct {
	Type         string
	SerialNumber int64
	Time         time.Time
	Group        ids.Identifier
	Body         map[string]any
}

// Plain is the cleartext stage: content plus the symmetric key scope it
// will be (or was) encrypted under.
type Plain struct {
	Envelope
	Content Content
}

// Encrypted is the ciphertext stage. Key carries the symmetric key sealed
// to the single receiver; Keys carries per-recipient sealed copies for
// multi-recipient delivery. Both are nil for broadcast destinations, which
// are never encrypted.
type Encrypted struct {
	Envelope
	Data []byte
	Key  []byte
	Keys map[string][]byte
}

// Signed is the wire-ready stage: ciphertext plus the sender's signature
// over it, and optionally the sender's meta/visa for first-contact peers.
type Signed struct {
	Encrypted
	Signature []byte
	Meta      *entity.Meta
	Visa      *entity.Document
}

func (e Envelope) Validate() error {
	if e.Sender.IsZero() || e.Receiver.IsZero() {
		return ErrInvalidEnvelope
	}
	if e.Time.IsZero() {
		return ErrInvalidEnvelope
	}
	return nil
}

// NewContent builds a content node stamped with a fresh serial number.
func NewContent(typeTag string, body map[string]any) Content {
	if body == nil {
		body = map[string]any{}
	}
	return Content{
		Type:         typeTag,
		SerialNumber: newSerialNumber(),
		Time:         time.Now().UTC().Truncate(time.Second),
		Body:         body,
	}
}

// NewText builds a plain text content node.
func NewText(text string) Content {
	return NewContent(TypeText, map[string]any{"text": text})
}
