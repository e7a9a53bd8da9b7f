package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"devicegateway/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(zap.NewNop(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndLoadPendingMessages(t *testing.T) {
	store := openTestStore(t)

	msg, err := model.NewMessage("urn:device:1", "server", "", model.PriorityHigh, model.ReliabilityGuaranteedDelivery,
		time.Now(), model.TypeData, model.Payload{Format: "urn:format:test", Data: map[string]interface{}{"x": 1.0}})
	require.NoError(t, err)

	require.NoError(t, store.SaveMessage("endpoint-1", msg))

	loaded, err := store.LoadPendingMessages("endpoint-1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, msg.ClientID, loaded[0].ClientID)
}

func TestDeleteMessageRemovesIt(t *testing.T) {
	store := openTestStore(t)

	msg, err := model.NewMessage("urn:device:1", "server", "", model.PriorityHigh, model.ReliabilityGuaranteedDelivery,
		time.Now(), model.TypeData, model.Payload{Format: "urn:format:test"})
	require.NoError(t, err)
	require.NoError(t, store.SaveMessage("endpoint-1", msg))
	require.NoError(t, store.DeleteMessage(msg.ClientID))

	loaded, err := store.LoadPendingMessages("endpoint-1")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestBatchMessagesRoundTripAndClear(t *testing.T) {
	store := openTestStore(t)

	msg, err := model.NewMessage("urn:device:1", "server", "", model.PriorityMedium, model.ReliabilityBestEffort,
		time.Now(), model.TypeData, model.Payload{Format: "urn:format:test"})
	require.NoError(t, err)

	require.NoError(t, store.SaveBatchMessage("endpoint-1", msg.ClientID, msg))

	loaded, err := store.LoadBatch("endpoint-1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	require.NoError(t, store.ClearBatch("endpoint-1"))
	loaded, err = store.LoadBatch("endpoint-1")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
