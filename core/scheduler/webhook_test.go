package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tilde-lab/yascheduler/core/limits"
	"github.com/tilde-lab/yascheduler/core/models"
)

func TestWebhookDelivery(t *testing.T) {
	received := make(chan WebhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var payload WebhookPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload
	}))
	defer server.Close()

	gate := limits.NewGate("webhook_reqs", 5, 0, zap.NewNop())
	sender := NewWebhookSender(gate, zap.NewNop())

	sender.Enqueue(&models.Task{
		TaskID: 42,
		Label:  "test run",
		Status: models.StatusDone,
		Metadata: map[string]interface{}{
			models.MetaWebhookURL: server.URL,
		},
	})
	sender.Drain(context.Background())

	select {
	case payload := <-received:
		assert.Equal(t, 42, payload.TaskID)
		assert.Equal(t, "test run", payload.Label)
		assert.Equal(t, int(models.StatusDone), payload.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestWebhookSkippedWithoutURL(t *testing.T) {
	gate := limits.NewGate("webhook_reqs", 5, 0, zap.NewNop())
	sender := NewWebhookSender(gate, zap.NewNop())

	sender.Enqueue(&models.Task{TaskID: 1, Status: models.StatusDone})

	select {
	case <-sender.queue:
		t.Fatal("task without webhook_url was enqueued")
	default:
	}
}

func TestWebhookFailureIsFireAndForget(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	gate := limits.NewGate("webhook_reqs", 1, 0, zap.NewNop())
	sender := NewWebhookSender(gate, zap.NewNop())
	// drive send directly to observe the retry budget without timing
	// on the drain goroutine
	sender.send(context.Background(), webhookJob{
		url:     server.URL,
		payload: WebhookPayload{TaskID: 7, Status: 2},
	})

	// initial attempt plus five retries, then dropped for good
	assert.Equal(t, int32(6), hits.Load())
}
