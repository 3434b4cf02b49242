package badgerstore

import (
	"testing"

	"github.com/relaygrid/core/internal/deadletter"
	"github.com/relaygrid/core/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnEnqueueThenLoadRoundTrips(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	env := &envelope.Envelope{ID: "env-1", Kind: envelope.Command, MessageType: "Ping"}
	entry := deadletter.Entry{Envelope: env, Reason: deadletter.ReasonTimeout, Detail: "slow handler"}
	store.OnEnqueue(entry)

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "env-1", loaded[0].Envelope.ID)
	assert.Equal(t, deadletter.ReasonTimeout, loaded[0].Reason)
}

func TestOnRemoveDeletesPersistedEntry(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	env := &envelope.Envelope{ID: "env-2", Kind: envelope.Command, MessageType: "Ping"}
	entry := deadletter.Entry{Envelope: env, Reason: deadletter.ReasonExpired}
	store.OnEnqueue(entry)
	store.OnRemove(entry)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
