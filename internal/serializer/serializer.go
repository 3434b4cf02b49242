// Package serializer defines the byte-oriented wire contract the core
// depends on. Concrete formats are external collaborators (spec §1); this
// package ships two reference implementations (JSON and MessagePack) the
// way the teacher pack's omni module ships msgpack alongside JSON, but the
// bus and transports never import a concrete format directly — only this
// interface.
package serializer

import "github.com/relaygrid/core/internal/envelope"

// MessageSerializer turns an Envelope into wire bytes and back. A
// transport's TransportMessage payload is produced by a MessageSerializer.
type MessageSerializer interface {
	// Serialize encodes an envelope to bytes.
	Serialize(*envelope.Envelope) ([]byte, error)

	// Deserialize decodes bytes produced by Serialize back into an envelope.
	Deserialize([]byte) (*envelope.Envelope, error)

	// ContentType names the wire format (e.g. "application/json").
	ContentType() string
}
