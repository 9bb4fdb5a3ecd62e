package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captured struct {
	headers http.Header
	body    []byte
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, *[]captured) {
	t.Helper()
	var calls []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		calls = append(calls, captured{headers: r.Header.Clone(), body: body})
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestNotifierDisabledWithoutURL(t *testing.T) {
	n := New("", "secret", time.Second, zap.NewNop())
	assert.False(t, n.Enabled())

	// No URL: alerts are dropped without error or panic.
	n.SlotExhausted(context.Background(), "2025-08-25", "14-15", "boom", 3)
	n.RetentionFailed(context.Background(), "database", fmt.Errorf("boom"))
}

func TestSlotExhaustedDelivery(t *testing.T) {
	srv, calls := newCaptureServer(t, http.StatusOK)
	n := New(srv.URL, "", time.Second, zap.NewNop())
	require.True(t, n.Enabled())

	n.SlotExhausted(context.Background(), "2025-08-25", "14-15", "upload failed", 3)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "application/json", call.headers.Get("Content-Type"))
	assert.Equal(t, "Logarc-Webhook/1.0", call.headers.Get("User-Agent"))
	assert.Empty(t, call.headers.Get("X-Logarc-Signature"))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(call.body, &payload))
	assert.Equal(t, "slot_exhausted", payload["type"])
	assert.Contains(t, payload["text"], "14-15")
	assert.Contains(t, payload["text"], "upload failed")

	inner := payload["payload"].(map[string]any)
	assert.Equal(t, "2025-08-25", inner["date"])
	assert.Equal(t, float64(3), inner["retries"])
}

func TestDeliverySignsWithSecret(t *testing.T) {
	srv, calls := newCaptureServer(t, http.StatusOK)
	n := New(srv.URL, "s3cret", time.Second, zap.NewNop())

	n.RetentionFailed(context.Background(), "storage", fmt.Errorf("list failed"))

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	sig := call.headers.Get("X-Logarc-Signature")
	require.NotEmpty(t, sig)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(call.body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestSendRejectsNon2xx(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusBadGateway)
	n := New(srv.URL, "", time.Second, zap.NewNop())

	err := n.send(context.Background(), "test", "t", "b", nil)
	assert.ErrorIs(t, err, ErrSendFailed)
}

func TestDeliverSwallowsFailures(t *testing.T) {
	n := New("http://127.0.0.1:0/unreachable", "", 100*time.Millisecond, zap.NewNop())
	// Unreachable endpoint: logged, never propagated.
	n.SlotExhausted(context.Background(), "2025-08-25", "14-15", "boom", 3)
}
