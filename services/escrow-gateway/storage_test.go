package main

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"veilescrow/settlement"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreIdempotency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	resp, err := store.LookupIdempotency(ctx, "test", "k1", "hash-a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if resp != nil {
		t.Fatalf("expected no stored response, got %+v", resp)
	}
	if err := store.SaveIdempotency(ctx, "test", "k1", "hash-a", 201, []byte(`{"id":"1"}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	resp, err = store.LookupIdempotency(ctx, "test", "k1", "hash-a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if resp == nil || resp.Status != 201 || string(resp.Body) != `{"id":"1"}` {
		t.Fatalf("unexpected stored response: %+v", resp)
	}
	if _, err := store.LookupIdempotency(ctx, "test", "k1", "hash-b"); !errors.Is(err, ErrIdempotencyMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	// Keys are scoped per integration.
	resp, err = store.LookupIdempotency(ctx, "other", "k1", "hash-b")
	if err != nil || resp != nil {
		t.Fatalf("expected miss for other api key, got %+v %v", resp, err)
	}
}

func TestStoreEventsDeduplicateBySequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	insert := func(id, seq uint64, typ string) bool {
		t.Helper()
		inserted, err := store.InsertEvent(ctx, StoredEvent{
			EscrowID:  id,
			Sequence:  seq,
			Type:      typ,
			Payload:   map[string]string{"id": "x", "seq": "y"},
			CreatedAt: now,
		})
		if err != nil {
			t.Fatalf("insert event: %v", err)
		}
		return inserted
	}

	if !insert(1, 2, "escrow.signed") {
		t.Fatalf("expected first insert to be new")
	}
	if !insert(1, 1, "escrow.created") {
		t.Fatalf("expected first insert to be new")
	}
	if insert(1, 1, "escrow.created") {
		t.Fatalf("expected duplicate insert to be ignored")
	}
	insert(2, 1, "escrow.created")

	events, err := store.ListEvents(ctx, 1)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Sequence != 1 || events[1].Sequence != 2 {
		t.Fatalf("events out of order: %+v", events)
	}
	if events[0].Type != "escrow.created" || events[0].Payload["id"] != "x" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	empty, err := store.ListEvents(ctx, 99)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no events, got %d", len(empty))
	}
}

func TestStoreDisclosureKeyUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.DisclosureKey(ctx, "esc1abc"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := store.PutDisclosureKey(ctx, "esc1abc", "aa"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutDisclosureKey(ctx, "esc1abc", "bb"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	key, ok, err := store.DisclosureKey(ctx, "esc1abc")
	if err != nil || !ok {
		t.Fatalf("expected key, got ok=%v err=%v", ok, err)
	}
	if key != "bb" {
		t.Fatalf("expected replaced key, got %q", key)
	}
}

func TestStoreWebhooksMatchWildcard(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	exact, err := store.InsertWebhook(ctx, WebhookSubscription{APIKey: "test", EventType: "escrow.released", URL: "http://a", Secret: "s", Active: true, CreatedAt: now})
	if err != nil {
		t.Fatalf("insert webhook: %v", err)
	}
	wildcard, err := store.InsertWebhook(ctx, WebhookSubscription{APIKey: "test", EventType: "*", URL: "http://b", Secret: "s", RateLimit: 5, Active: true, CreatedAt: now})
	if err != nil {
		t.Fatalf("insert webhook: %v", err)
	}
	if _, err := store.InsertWebhook(ctx, WebhookSubscription{APIKey: "test", EventType: "escrow.refunded", URL: "http://c", Secret: "s", CreatedAt: now}); err != nil {
		t.Fatalf("insert webhook: %v", err)
	}

	subs, err := store.ListWebhooksForEvent(ctx, "escrow.released")
	if err != nil {
		t.Fatalf("list webhooks: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(subs))
	}
	byID := map[int64]WebhookSubscription{}
	for _, sub := range subs {
		byID[sub.ID] = sub
	}
	if byID[exact].RateLimit != 60 {
		t.Fatalf("expected default rate limit, got %d", byID[exact].RateLimit)
	}
	if byID[wildcard].RateLimit != 5 || !byID[wildcard].Active {
		t.Fatalf("unexpected wildcard subscription: %+v", byID[wildcard])
	}

	refunds, err := store.ListWebhooksForEvent(ctx, "escrow.refunded")
	if err != nil {
		t.Fatalf("list webhooks: %v", err)
	}
	for _, sub := range refunds {
		if sub.EventType == "escrow.refunded" && sub.Active {
			t.Fatalf("inactive subscription reported active")
		}
	}
}

func TestStoreWebhookAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	attempts := []WebhookAttempt{
		{WebhookID: 7, EscrowID: 1, EventSequence: 3, Attempt: 1, Status: "failed", Error: "502 Bad Gateway", NextAttempt: now.Add(time.Second), CreatedAt: now},
		{WebhookID: 7, EscrowID: 1, EventSequence: 3, Attempt: 2, Status: "success", CreatedAt: now.Add(time.Second)},
		{WebhookID: 8, EscrowID: 1, EventSequence: 3, Attempt: 1, Status: "success", CreatedAt: now},
	}
	for _, a := range attempts {
		if err := store.InsertWebhookAttempt(ctx, a); err != nil {
			t.Fatalf("insert attempt: %v", err)
		}
	}
	got, err := store.WebhookAttempts(ctx, 7)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(got))
	}
	if got[0].Status != "failed" || got[0].Error != "502 Bad Gateway" {
		t.Fatalf("unexpected first attempt: %+v", got[0])
	}
	if got[1].Status != "success" || got[1].Error != "" || got[1].Attempt != 2 {
		t.Fatalf("unexpected second attempt: %+v", got[1])
	}
}

func TestStoreAuditCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := store.InsertAuditLog(ctx, AuditEntry{RequestID: "r", APIKey: "test", Method: "POST", Path: "/v1/escrows", ResponseStatus: 201, Timestamp: time.Now().UTC()})
		if err != nil {
			t.Fatalf("insert audit: %v", err)
		}
	}
	count, err := store.AuditCount(ctx)
	if err != nil {
		t.Fatalf("audit count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 audit rows, got %d", count)
	}
}

func TestStoreAndJournalShareOneSQLiteDriver(t *testing.T) {
	registered := 0
	for _, name := range sql.Drivers() {
		if name == "sqlite" {
			registered++
		}
	}
	if registered != 1 {
		t.Fatalf("expected a single sqlite driver, got %d in %v", registered, sql.Drivers())
	}

	store := newTestStore(t)
	journal, err := settlement.OpenJournal("sqlite:" + filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := journal.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := store.PutDisclosureKey(context.Background(), "esc1abc", "aa"); err != nil {
		t.Fatalf("store write alongside journal: %v", err)
	}
}
