package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"veilescrow/crypto"
	"veilescrow/crypto/confidential"
	"veilescrow/gateway/api"
	"veilescrow/gateway/auth"
	"veilescrow/integrations/exports"
	"veilescrow/native/escrow"
)

const (
	headerExportChecksum = "X-Export-Checksum"

	defaultListLimit = 50
	maxListLimit     = 500
)

func escrowID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, badRequest("invalid escrow id %q", raw)
	}
	return id, nil
}

func caller(r *http.Request) ([20]byte, bool) {
	addr, ok := auth.ParticipantFrom(r.Context())
	if !ok {
		return [20]byte{}, false
	}
	return addr.Raw(), true
}

func decodeBody(body []byte, out interface{}) error {
	if len(body) == 0 {
		return badRequest("request body required")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return badRequest("invalid JSON payload: %v", err)
	}
	return nil
}

func (s *Server) now() int64 { return s.nowFn().Unix() }

func (s *Server) escrowView(id uint64) *api.Escrow {
	esc, err := s.engine.Details(id)
	if err != nil {
		return nil
	}
	view := api.FromEscrow(esc, s.now())
	return &view
}

func (s *Server) handleCreate(ctx context.Context, r *http.Request, body []byte) (int, interface{}) {
	buyer, _ := caller(r)
	var req api.CreateRequest
	if err := decodeBody(body, &req); err != nil {
		return statusFor(err), errorBody(err)
	}
	seller, err := api.ParseAddress(req.Seller)
	if err != nil {
		err = badRequest("seller: %v", err)
		return statusFor(err), errorBody(err)
	}
	arbitrator, err := api.ParseAddress(req.Arbitrator)
	if err != nil {
		err = badRequest("arbitrator: %v", err)
		return statusFor(err), errorBody(err)
	}
	amount, err := req.Amount.Decode()
	if err != nil {
		return statusFor(err), errorBody(err)
	}
	esc, err := s.engine.Create(ctx, escrow.CreateParams{
		Buyer:       buyer,
		Seller:      seller,
		Arbitrator:  arbitrator,
		Amount:      amount,
		Description: req.Description,
		Timeout:     req.Timeout,
	})
	if errors.Is(err, escrow.ErrDepositNotConfirmed) && esc != nil {
		view := api.FromEscrow(esc, s.now())
		return http.StatusAccepted, api.ActionResponse{Escrow: &view}
	}
	if err != nil {
		return statusFor(err), errorBody(err)
	}
	view := api.FromEscrow(esc, s.now())
	return http.StatusCreated, api.ActionResponse{Escrow: &view}
}

type signFunc func(ctx context.Context, id uint64, caller [20]byte, ct escrow.Ciphertext) (escrow.Decision, error)

func (s *Server) sign(fn signFunc) mutationFunc {
	return func(ctx context.Context, r *http.Request, body []byte) (int, interface{}) {
		id, err := escrowID(r)
		if err != nil {
			return statusFor(err), errorBody(err)
		}
		addr, _ := caller(r)
		var req api.SignRequest
		if err := decodeBody(body, &req); err != nil {
			return statusFor(err), errorBody(err)
		}
		payload, err := req.Payload.Decode()
		if err != nil {
			return statusFor(err), errorBody(err)
		}
		decision, err := fn(ctx, id, addr, payload)
		return s.decisionResponse(id, decision, err)
	}
}

func (s *Server) handleApprove(ctx context.Context, r *http.Request, body []byte) (int, interface{}) {
	return s.sign(s.engine.SignApproval)(ctx, r, body)
}

func (s *Server) handleRefund(ctx context.Context, r *http.Request, body []byte) (int, interface{}) {
	return s.sign(s.engine.RequestRefund)(ctx, r, body)
}

// decisionResponse renders the result of an operation that may resolve the
// escrow. A settlement failure still reports the decision that was reached.
func (s *Server) decisionResponse(id uint64, decision escrow.Decision, err error) (int, interface{}) {
	if err != nil {
		body := errorBody(err)
		if errors.Is(err, escrow.ErrSettlementFailed) && decision.Settles() {
			d := api.FromDecision(decision)
			body.Decision = &d
			body.Escrow = s.escrowView(id)
		}
		return statusFor(err), body
	}
	resp := api.ActionResponse{Escrow: s.escrowView(id)}
	if decision.Settles() {
		d := api.FromDecision(decision)
		resp.Decision = &d
	}
	return http.StatusOK, resp
}

func (s *Server) handleDispute(ctx context.Context, r *http.Request, _ []byte) (int, interface{}) {
	id, err := escrowID(r)
	if err != nil {
		return statusFor(err), errorBody(err)
	}
	addr, _ := caller(r)
	esc, err := s.engine.Dispute(ctx, id, addr)
	if err != nil {
		return statusFor(err), errorBody(err)
	}
	view := api.FromEscrow(esc, s.now())
	return http.StatusOK, api.ActionResponse{Escrow: &view}
}

func (s *Server) handleEmergencyRefund(ctx context.Context, r *http.Request, _ []byte) (int, interface{}) {
	id, err := escrowID(r)
	if err != nil {
		return statusFor(err), errorBody(err)
	}
	addr, _ := caller(r)
	decision, err := s.engine.EmergencyRefund(ctx, id, addr)
	return s.decisionResponse(id, decision, err)
}

func (s *Server) handleFund(ctx context.Context, r *http.Request, _ []byte) (int, interface{}) {
	id, err := escrowID(r)
	if err != nil {
		return statusFor(err), errorBody(err)
	}
	esc, err := s.engine.ConfirmFunding(ctx, id)
	if errors.Is(err, escrow.ErrDepositNotConfirmed) && esc != nil {
		view := api.FromEscrow(esc, s.now())
		return http.StatusAccepted, api.ActionResponse{Escrow: &view}
	}
	if err != nil {
		return statusFor(err), errorBody(err)
	}
	view := api.FromEscrow(esc, s.now())
	return http.StatusOK, api.ActionResponse{Escrow: &view}
}

func (s *Server) handleSettle(ctx context.Context, r *http.Request, _ []byte) (int, interface{}) {
	id, err := escrowID(r)
	if err != nil {
		return statusFor(err), errorBody(err)
	}
	decision, err := s.engine.RetrySettlement(ctx, id)
	return s.decisionResponse(id, decision, err)
}

func (s *Server) handlePutKey(ctx context.Context, r *http.Request, body []byte) (int, interface{}) {
	addr, _ := auth.ParticipantFrom(r.Context())
	var req api.DisclosureKey
	if err := decodeBody(body, &req); err != nil {
		return statusFor(err), errorBody(err)
	}
	if strings.TrimSpace(req.Address) != "" {
		claimed, err := crypto.DecodeEscrowAddress(strings.TrimSpace(req.Address))
		if err != nil {
			err = badRequest("address: %v", err)
			return statusFor(err), errorBody(err)
		}
		if !claimed.Equal(addr) {
			return http.StatusForbidden, errorBody(escrow.ErrNotEligible)
		}
	}
	pub, err := confidential.ParsePublicKey(req.PublicKey)
	if err != nil {
		err = badRequest("publicKey: %v", err)
		return statusFor(err), errorBody(err)
	}
	key := api.DisclosureKey{Address: addr.String(), PublicKey: confidential.FormatPublicKey(pub)}
	if err := s.store.PutDisclosureKey(ctx, key.Address, key.PublicKey); err != nil {
		return http.StatusInternalServerError, errorBody(err)
	}
	return http.StatusOK, key
}

func (s *Server) handleRegisterWebhook(ctx context.Context, r *http.Request, body []byte) (int, interface{}) {
	var req api.WebhookRequest
	if err := decodeBody(body, &req); err != nil {
		return statusFor(err), errorBody(err)
	}
	eventType := strings.TrimSpace(req.EventType)
	if eventType != "*" && !strings.HasPrefix(eventType, "escrow.") {
		err := badRequest("eventType must be \"*\" or an escrow event type")
		return statusFor(err), errorBody(err)
	}
	target, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		err = badRequest("url must be an absolute http(s) URL")
		return statusFor(err), errorBody(err)
	}
	if strings.TrimSpace(req.Secret) == "" {
		err := badRequest("secret required")
		return statusFor(err), errorBody(err)
	}
	apiKey := ""
	if principal, ok := auth.PrincipalFrom(r.Context()); ok {
		apiKey = principal.APIKey
	}
	id, err := s.store.InsertWebhook(ctx, WebhookSubscription{
		APIKey:    apiKey,
		EventType: eventType,
		URL:       target.String(),
		Secret:    strings.TrimSpace(req.Secret),
		RateLimit: req.RateLimit,
		Active:    true,
		CreatedAt: s.nowFn().UTC(),
	})
	if err != nil {
		return http.StatusInternalServerError, errorBody(err)
	}
	return http.StatusCreated, api.WebhookResponse{ID: id, EventType: eventType, URL: target.String()}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := escrowID(r)
	if err != nil {
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	esc, err := s.engine.Details(id)
	if err != nil {
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, api.FromEscrow(esc, s.now()))
}

func (s *Server) handleHasSigned(w http.ResponseWriter, r *http.Request) {
	id, err := escrowID(r)
	if err != nil {
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	addr, err := api.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		err = badRequest("address: %v", err)
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	signed, err := s.engine.HasSigned(id, addr)
	if err != nil {
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, api.SignerResponse{Address: crypto.AddressFromRaw(addr).String(), Signed: signed})
}

func (s *Server) handleAmount(w http.ResponseWriter, r *http.Request) {
	id, err := escrowID(r)
	if err != nil {
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	addr, _ := caller(r)
	amount, err := s.engine.EncryptedAmount(id, addr)
	if err != nil {
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, api.AmountResponse{EscrowID: id, Amount: api.FromCiphertext(amount)})
}

func (s *Server) handleCount(w http.ResponseWriter, _ *http.Request) {
	count, err := s.engine.Count()
	if err != nil {
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, api.CountResponse{Count: count})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := escrow.ListFilter{Limit: defaultListLimit}
	if raw := strings.TrimSpace(query.Get("participant")); raw != "" {
		addr, err := api.ParseAddress(raw)
		if err != nil {
			err = badRequest("participant: %v", err)
			writeJSON(w, statusFor(err), errorBody(err))
			return
		}
		filter.Participant = addr
	}
	if raw := strings.TrimSpace(query.Get("state")); raw != "" {
		state, err := escrow.ParseState(raw)
		if err != nil {
			err = badRequest("state: %v", err)
			writeJSON(w, statusFor(err), errorBody(err))
			return
		}
		filter.State = &state
	}
	var err error
	if filter.Offset, err = intParam(query.Get("offset"), 0, 0); err != nil {
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	if filter.Limit, err = intParam(query.Get("limit"), defaultListLimit, maxListLimit); err != nil {
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	escrows, err := s.engine.List(filter)
	if err != nil {
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	now := s.now()
	resp := api.ListResponse{Escrows: make([]api.Escrow, 0, len(escrows)), Tally: escrow.Tally(escrows)}
	for _, esc := range escrows {
		resp.Escrows = append(resp.Escrows, api.FromEscrow(esc, now))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEscrowEvents(w http.ResponseWriter, r *http.Request) {
	id, err := escrowID(r)
	if err != nil {
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	records, err := s.engine.Events(id)
	if err != nil {
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	writeJSON(w, http.StatusOK, api.FromEventRecords(records))
}

// handleExport serves the event log of one escrow as CSV or JSON Lines. The
// SHA-256 of the body is returned in X-Export-Checksum.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id, err := escrowID(r)
	if err != nil {
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	records, err := s.engine.Events(id)
	if err != nil {
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	var (
		data        []byte
		checksum    string
		contentType string
	)
	switch format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))); format {
	case "", "csv":
		data, checksum, err = exports.EventsCSV(records)
		contentType = "text/csv"
	case "jsonl":
		data, checksum, err = exports.EventsJSONL(records)
		contentType = "application/x-ndjson"
	default:
		err = badRequest("unsupported export format %q", format)
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set(headerExportChecksum, checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	addr, err := api.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		err = badRequest("address: %v", err)
		writeJSON(w, statusFor(err), errorBody(err))
		return
	}
	formatted := crypto.AddressFromRaw(addr).String()
	key, ok, err := s.store.DisclosureKey(r.Context(), formatted)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody(err))
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "no disclosure key published", Kind: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, api.DisclosureKey{Address: formatted, PublicKey: key})
}

// intParam parses a non-negative integer query value. A positive max marks
// the value as a page size: zero falls back to def and larger values clamp.
func intParam(raw string, def, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, badRequest("invalid integer %q", raw)
	}
	if max > 0 && v == 0 {
		return def, nil
	}
	if max > 0 && v > max {
		v = max
	}
	return v, nil
}
