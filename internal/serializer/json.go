package serializer

import "github.com/relaygrid/core/internal/envelope"

// JSON is the default MessageSerializer, grounded on the teacher's own
// envelope.ToJSON/FromJSON pair.
type JSON struct{}

func (JSON) Serialize(e *envelope.Envelope) ([]byte, error) { return e.ToJSON() }

func (JSON) Deserialize(data []byte) (*envelope.Envelope, error) { return envelope.FromJSON(data) }

func (JSON) ContentType() string { return "application/json" }
