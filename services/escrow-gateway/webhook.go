package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	maxWebhookAttempts = 5
	maxWebhookBackoff  = 5 * time.Minute

	// HeaderWebhookSignature carries the hex HMAC-SHA256 of the delivery body.
	HeaderWebhookSignature = "X-Webhook-Signature"
)

// WebhookWorker delivers queued escrow events to external subscribers.
type WebhookWorker struct {
	store  *SQLiteStore
	queue  *WebhookQueue
	client *http.Client
	logger *slog.Logger
	nowFn  func() time.Time

	rateMu sync.Mutex
	rate   map[int64]rateWindow
}

type rateWindow struct {
	windowStart time.Time
	count       int
}

func NewWebhookWorker(store *SQLiteStore, queue *WebhookQueue, logger *slog.Logger) *WebhookWorker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &WebhookWorker{
		store:  store,
		queue:  queue,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		nowFn:  time.Now,
		rate:   make(map[int64]rateWindow),
	}
}

// Run processes webhook tasks until the context is cancelled.
func (w *WebhookWorker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.expandTask(ctx, task)
		} else {
			w.handleDelivery(ctx, task)
		}
		w.queue.Done(task)
	}
}

func (w *WebhookWorker) expandTask(ctx context.Context, task WebhookTask) {
	subs, err := w.store.ListWebhooksForEvent(ctx, task.Event.Type)
	if err != nil {
		w.logger.Warn("webhook lookup failed", "type", task.Event.Type, "error", err)
		return
	}
	for i := range subs {
		sub := subs[i]
		if !sub.Active {
			continue
		}
		w.queue.enqueueTask(WebhookTask{Event: task.Event, Subscription: &sub})
	}
}

type webhookBody struct {
	Type       string            `json:"type"`
	EscrowID   uint64            `json:"escrowId"`
	Sequence   uint64            `json:"sequence"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  string            `json:"timestamp"`
}

func (w *WebhookWorker) handleDelivery(ctx context.Context, task WebhookTask) {
	sub := task.Subscription
	now := w.nowFn()
	if !w.allow(sub.ID, sub.RateLimit, now) {
		task.NotBefore = w.rateReset(sub.ID)
		w.queue.enqueueTask(task)
		return
	}
	payload, err := json.Marshal(webhookBody{
		Type:       task.Event.Type,
		EscrowID:   task.Event.EscrowID,
		Sequence:   task.Event.Sequence,
		Attributes: task.Event.Attributes,
		Timestamp:  task.Event.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now, time.Time{})
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now, time.Time{})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderWebhookSignature, signPayload(sub.Secret, payload))
	req.Header.Set("X-Webhook-Event", task.Event.Type)
	req.Header.Set("X-Webhook-Delivery", strconv.FormatUint(task.Event.EscrowID, 10)+":"+strconv.FormatUint(task.Event.Sequence, 10))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(ctx, task, err.Error())
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(ctx, task, resp.Status)
		return
	}
	w.recordAttempt(ctx, task, "success", "", now, time.Time{})
}

func (w *WebhookWorker) retryLater(ctx context.Context, task WebhookTask, errMsg string) {
	now := w.nowFn()
	attemptNum := task.Attempt + 1
	if attemptNum >= maxWebhookAttempts {
		w.recordAttempt(ctx, task, "abandoned", errMsg, now, time.Time{})
		w.logger.Warn("webhook delivery abandoned", "webhook", task.Subscription.ID, "escrow", task.Event.EscrowID, "seq", task.Event.Sequence, "error", errMsg)
		return
	}
	next := now.Add(backoffDuration(attemptNum))
	w.recordAttempt(ctx, task, "failed", errMsg, now, next)
	task.Attempt++
	task.NotBefore = next
	w.queue.enqueueTask(task)
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if attempt > 10 {
		return maxWebhookBackoff
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > maxWebhookBackoff {
		return maxWebhookBackoff
	}
	return d
}

func (w *WebhookWorker) recordAttempt(ctx context.Context, task WebhookTask, status, errMsg string, now, next time.Time) {
	attempt := WebhookAttempt{
		WebhookID:     task.Subscription.ID,
		EscrowID:      task.Event.EscrowID,
		EventSequence: task.Event.Sequence,
		Attempt:       task.Attempt + 1,
		Status:        status,
		Error:         errMsg,
		NextAttempt:   next,
		CreatedAt:     now,
	}
	if err := w.store.InsertWebhookAttempt(ctx, attempt); err != nil {
		w.logger.Warn("record webhook attempt", "webhook", attempt.WebhookID, "error", err)
	}
}

func (w *WebhookWorker) allow(id int64, limit int, now time.Time) bool {
	if limit <= 0 {
		limit = 60
	}
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if now.Sub(state.windowStart) >= time.Minute {
		state.windowStart = now
		state.count = 0
	}
	if state.count >= limit {
		w.rate[id] = state
		return false
	}
	state.count++
	w.rate[id] = state
	return true
}

func (w *WebhookWorker) rateReset(id int64) time.Time {
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	state := w.rate[id]
	if state.windowStart.IsZero() {
		state.windowStart = w.nowFn()
		w.rate[id] = state
	}
	return state.windowStart.Add(time.Minute)
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
