package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	original := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = original })
	return &buf
}

func TestLog(t *testing.T) {
	t.Run("writes a security event with details", func(t *testing.T) {
		buf := captureLog(t)

		Log(context.Background(), Event{
			Type:     EventDeviceClaimed,
			OwnerID:  "owner-1",
			DeviceID: "tv-1",
			Details:  map[string]any{"code": "ABCD-****", "attempt": 2},
		})

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "security", entry["audit"])
		assert.Equal(t, "device_claimed", entry["event_type"])
		assert.Equal(t, "owner-1", entry["owner_id"])
		assert.Equal(t, "tv-1", entry["device_id"])
		assert.Equal(t, "ABCD-****", entry["code"])
		assert.EqualValues(t, 2, entry["attempt"])
	})

	t.Run("picks up request metadata from the context", func(t *testing.T) {
		buf := captureLog(t)

		r := httptest.NewRequest("POST", "/v1/devices/link", nil)
		r.Header.Set("X-Real-IP", "203.0.113.7")
		r.Header.Set("User-Agent", "dashboard/1.0")

		Log(WithRequest(r), Event{Type: EventClaimRejected})

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "203.0.113.7", entry["ip"])
		assert.Equal(t, "dashboard/1.0", entry["user_agent"])
		assert.NotContains(t, entry, "owner_id")
	})
}
