package serializer

import (
	"github.com/relaygrid/core/internal/envelope"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack is an alternate MessageSerializer using MessagePack, grounded on
// the teacher pack's omni module (github.com/vmihailenco/msgpack/v5),
// useful when wire size matters more than JSON's human-readability.
type MsgPack struct{}

func (MsgPack) Serialize(e *envelope.Envelope) ([]byte, error) {
	return msgpack.Marshal(e)
}

func (MsgPack) Deserialize(data []byte) (*envelope.Envelope, error) {
	var e envelope.Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (MsgPack) ContentType() string { return "application/msgpack" }
