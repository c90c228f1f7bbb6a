package main

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"time"

	"veilescrow/core/events"
	"veilescrow/core/types"
	"veilescrow/native/escrow"
)

type eventSource interface {
	Count() (uint64, error)
	Events(id uint64) ([]escrow.EventRecord, error)
}

// EventWatcher mirrors escrow events into SQLite and enqueues webhook
// fan-out. Live events arrive from the bus; a periodic resync against the
// engine log covers anything the bus dropped.
type EventWatcher struct {
	bus            *events.Bus
	source         eventSource
	store          *SQLiteStore
	queue          *WebhookQueue
	logger         *slog.Logger
	resyncInterval time.Duration
	nowFn          func() time.Time
}

func NewEventWatcher(bus *events.Bus, source eventSource, store *SQLiteStore, queue *WebhookQueue, logger *slog.Logger) *EventWatcher {
	if queue == nil {
		queue = NewWebhookQueue()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &EventWatcher{
		bus:            bus,
		source:         source,
		store:          store,
		queue:          queue,
		logger:         logger,
		resyncInterval: 30 * time.Second,
		nowFn:          time.Now,
	}
}

// Run consumes bus events until ctx is cancelled.
func (w *EventWatcher) Run(ctx context.Context) {
	if w.bus == nil || w.store == nil {
		return
	}
	live, cancel, backlog := w.bus.Subscribe(ctx, 0, 256)
	defer cancel()
	if err := w.Resync(ctx); err != nil {
		w.logger.Warn("escrow event resync failed", "error", err)
	}
	for _, env := range backlog {
		w.handleEnvelope(ctx, env)
	}
	ticker := time.NewTicker(w.resyncInterval)
	defer ticker.Stop()
	dropped := w.bus.Dropped()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-live:
			if !ok {
				return
			}
			w.handleEnvelope(ctx, env)
		case <-ticker.C:
			if current := w.bus.Dropped(); current != dropped {
				dropped = current
				if err := w.Resync(ctx); err != nil {
					w.logger.Warn("escrow event resync failed", "error", err)
				}
			}
		}
	}
}

// Resync mirrors every engine log entry not yet stored.
func (w *EventWatcher) Resync(ctx context.Context) error {
	if w.source == nil {
		return nil
	}
	total, err := w.source.Count()
	if err != nil {
		return err
	}
	for id := uint64(1); id <= total; id++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		records, err := w.source.Events(id)
		if err != nil {
			return err
		}
		for _, rec := range records {
			w.handleEvent(ctx, rec.EscrowID, rec.Sequence, rec.Event, w.nowFn().UTC())
		}
	}
	return nil
}

func (w *EventWatcher) handleEnvelope(ctx context.Context, env events.Envelope) {
	if env.Event == nil {
		return
	}
	id, err := strconv.ParseUint(env.Event.Attributes["id"], 10, 64)
	if err != nil {
		return
	}
	seq, err := strconv.ParseUint(env.Event.Attributes["seq"], 10, 64)
	if err != nil {
		return
	}
	w.handleEvent(ctx, id, seq, env.Event, env.Timestamp)
}

func (w *EventWatcher) handleEvent(ctx context.Context, id, seq uint64, evt *types.Event, at time.Time) {
	if evt == nil {
		return
	}
	payload := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		payload[k] = v
	}
	payload["seq"] = strconv.FormatUint(seq, 10)
	if at.IsZero() {
		at = w.nowFn().UTC()
	}
	inserted, err := w.store.InsertEvent(ctx, StoredEvent{
		EscrowID:  id,
		Sequence:  seq,
		Type:      evt.Type,
		Payload:   payload,
		CreatedAt: at,
	})
	if err != nil {
		w.logger.Warn("mirror escrow event", "id", id, "seq", seq, "error", err)
		return
	}
	if !inserted {
		return
	}
	w.queue.Enqueue(WebhookEvent{
		EscrowID:   id,
		Sequence:   seq,
		Type:       evt.Type,
		Attributes: payload,
		CreatedAt:  at,
	})
}
