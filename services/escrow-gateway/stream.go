package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"veilescrow/core/events"
	"veilescrow/gateway/api"
)

const (
	wsWriteTimeout     = 10 * time.Second
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
	streamBuffer       = 128
)

func streamEvent(env events.Envelope) api.StreamEvent {
	out := api.StreamEvent{Sequence: env.Sequence, Timestamp: env.Timestamp}
	if env.Event != nil {
		out.Type = env.Event.Type
		out.Attributes = env.Event.Attributes
	}
	return out
}

// matchesEscrow reports whether env belongs to escrow id; an empty id matches
// every event.
func matchesEscrow(env events.Envelope, id string) bool {
	if id == "" {
		return true
	}
	return env.Event != nil && env.Event.Attributes["id"] == id
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	after, err := uintParam(query.Get("after"))
	if err != nil {
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	limit, err := intParam(query.Get("limit"), defaultEventsLimit, maxEventsLimit)
	if err != nil {
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	envs := s.bus.Since(after, limit)
	page := api.EventsPage{Events: make([]api.StreamEvent, 0, len(envs)), Latest: s.bus.Latest()}
	for _, env := range envs {
		page.Events = append(page.Events, streamEvent(env))
	}
	writeJSON(w, http.StatusOK, page)
}

// handleStream upgrades to a websocket and pushes retained events newer than
// ?after= followed by live ones. ?escrow= narrows the stream to one id.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	after, err := uintParam(r.URL.Query().Get("after"))
	if err != nil {
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	escrowFilter := strings.TrimSpace(r.URL.Query().Get("escrow"))
	origins := s.cors.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, after, escrowFilter); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			s.logger.Debug("event stream ended", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, after uint64, escrowFilter string) error {
	live, cancel, backlog := s.bus.Subscribe(ctx, after, streamBuffer)
	defer cancel()
	last := after
	for _, env := range backlog {
		if matchesEscrow(env, escrowFilter) {
			if err := writeStreamEvent(ctx, conn, env); err != nil {
				return err
			}
		}
		last = env.Sequence
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-live:
			if !ok {
				return nil
			}
			if env.Sequence <= last || !matchesEscrow(env, escrowFilter) {
				continue
			}
			last = env.Sequence
			if err := writeStreamEvent(ctx, conn, env); err != nil {
				return err
			}
		}
	}
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, env events.Envelope) error {
	data, err := json.Marshal(streamEvent(env))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func uintParam(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, badRequest("invalid sequence %q", raw)
	}
	return v, nil
}
