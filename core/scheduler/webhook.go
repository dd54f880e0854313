package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/tilde-lab/yascheduler/core/limits"
	"github.com/tilde-lab/yascheduler/core/models"
)

// webhookQueueSize bounds the in-memory webhook backlog; beyond it the
// newest notification is dropped (it is fire-and-forget by contract).
const webhookQueueSize = 256

// WebhookPayload is the JSON body POSTed on task completion.
type WebhookPayload struct {
	TaskID int    `json:"task_id"`
	Label  string `json:"label"`
	Status int    `json:"status"`
}

type webhookJob struct {
	url     string
	payload WebhookPayload
}

// WebhookSender delivers task notifications with bounded concurrency.
// Failed deliveries are logged and never re-delivered.
type WebhookSender struct {
	gate  *limits.Gate
	queue chan webhookJob
	http  *http.Client
	log   *zap.Logger
}

// NewWebhookSender creates the sender.
func NewWebhookSender(gate *limits.Gate, log *zap.Logger) *WebhookSender {
	return &WebhookSender{
		gate:  gate,
		queue: make(chan webhookJob, webhookQueueSize),
		http:  &http.Client{Timeout: 30 * time.Second},
		log:   log.Named("webhook"),
	}
}

// Enqueue queues a notification for the task if it has a webhook URL.
func (w *WebhookSender) Enqueue(task *models.Task) {
	url := task.WebhookURL()
	if url == "" {
		return
	}
	job := webhookJob{
		url: url,
		payload: WebhookPayload{
			TaskID: task.TaskID,
			Label:  task.Label,
			Status: int(task.Status),
		},
	}
	select {
	case w.queue <- job:
	default:
		w.log.Warn("webhook queue full, dropping notification",
			zap.Int("task_id", task.TaskID))
	}
}

// Drain sends queued notifications until the queue is empty or the
// context is canceled. Called at the end of every reconciler tick.
func (w *WebhookSender) Drain(ctx context.Context) {
	for {
		select {
		case job := <-w.queue:
			if err := w.gate.AcquireBlocking(ctx); err != nil {
				return
			}
			go func(job webhookJob) {
				defer w.gate.Release()
				w.send(ctx, job)
			}(job)
		default:
			return
		}
	}
}

func (w *WebhookSender) send(ctx context.Context, job webhookJob) {
	body, err := json.Marshal(job.payload)
	if err != nil {
		w.log.Error("webhook marshal failed", zap.Error(err))
		return
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.url,
			bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.http.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("status %s", resp.Status)
		}
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(attempt, backoff.WithContext(bo, ctx)); err != nil {
		w.log.Info("webhook delivery failed",
			zap.String("url", job.url),
			zap.Int("task_id", job.payload.TaskID),
			zap.Error(err))
		return
	}
	w.log.Debug("webhook delivered",
		zap.String("url", job.url),
		zap.Int("task_id", job.payload.TaskID))
}
