package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/decision-engine/internal/adapters/ai"
)

func TestEntryCodec(t *testing.T) {
	created := time.Date(2025, 5, 10, 10, 0, 0, 0, time.UTC)
	in := ai.SharedEntry{
		Result:    &ai.Result{Text: `{"winner":"NONE"}`, FinishReason: "stop", Provider: "claude", Model: "m", CorrelationID: "c-1", Cached: true},
		CreatedAt: created,
	}

	raw, err := encodeEntry(in)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Cached")

	out, err := decodeEntry(raw)
	require.NoError(t, err)
	assert.Equal(t, in.Result.Text, out.Result.Text)
	assert.Equal(t, in.Result.Provider, out.Result.Provider)
	assert.Equal(t, in.Result.CorrelationID, out.Result.CorrelationID)
	assert.False(t, out.Result.Cached)
	assert.True(t, created.Equal(out.CreatedAt))

	_, err = encodeEntry(ai.SharedEntry{CreatedAt: created})
	assert.Error(t, err)
	_, err = encodeEntry(ai.SharedEntry{Result: in.Result})
	assert.Error(t, err, "creation time is required")
	_, err = decodeEntry([]byte(`{"result":{"text":""},"created_at":"2025-05-10T10:00:00Z"}`))
	assert.Error(t, err)
	_, err = decodeEntry([]byte(`{"result":{"text":"{}"}}`))
	assert.Error(t, err, "entries written without a creation time are misses")
	_, err = decodeEntry([]byte(`not json`))
	assert.Error(t, err)
}

func TestLockName(t *testing.T) {
	assert.Equal(t, "decision:lock:BTC/USDT", lockName("BTC/USDT"))
}
