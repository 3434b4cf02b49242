package serializer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/core/internal/envelope"
	"github.com/relaygrid/core/internal/serializer"
)

func roundTrip(t *testing.T, s serializer.MessageSerializer) {
	t.Helper()

	env, err := envelope.New(envelope.Command, "client", "", "Ping", map[string]string{"echo": "hi"})
	require.NoError(t, err)

	data, err := s.Serialize(env)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	got, err := s.Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, env.MessageType, got.MessageType)
	assert.Equal(t, env.Kind, got.Kind)

	var payload map[string]string
	require.NoError(t, got.UnmarshalPayload(&payload))
	assert.Equal(t, "hi", payload["echo"])
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()
	roundTrip(t, serializer.JSON{})
	assert.Equal(t, "application/json", serializer.JSON{}.ContentType())
}

func TestMsgPackRoundTrip(t *testing.T) {
	t.Parallel()
	roundTrip(t, serializer.MsgPack{})
	assert.Equal(t, "application/msgpack", serializer.MsgPack{}.ContentType())
}
