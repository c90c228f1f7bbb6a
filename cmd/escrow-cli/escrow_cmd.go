package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"veilescrow/core/types"
	"veilescrow/crypto"
	"veilescrow/crypto/confidential"
	"veilescrow/gateway/api"
	"veilescrow/integrations/exports"
	"veilescrow/native/escrow"
)

func requireID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("--id must be a positive integer")
	}
	return id, nil
}

// parseTimeout accepts a Go duration or a plain number of seconds.
func parseTimeout(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("--timeout is required")
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if secs <= 0 {
			return 0, errors.New("--timeout must be positive")
		}
		return secs, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("--timeout: %w", err)
	}
	if d < time.Second {
		return 0, errors.New("--timeout must be at least one second")
	}
	return int64(d / time.Second), nil
}

func runCreate(s *session, args []string) error {
	fs := newFlagSet("create", s)
	var (
		buyer       string
		seller      string
		arbitrator  string
		amount      string
		timeout     string
		description string
		idemKey     string
	)
	fs.StringVar(&buyer, "buyer", "", "buyer address (defaults to the identity address)")
	fs.StringVar(&seller, "seller", "", "seller address")
	fs.StringVar(&arbitrator, "arbitrator", "", "arbitrator address")
	fs.StringVar(&amount, "amount", "", "amount in base units")
	fs.StringVar(&timeout, "timeout", "", "emergency refund timeout (seconds or duration)")
	fs.StringVar(&description, "description", "", "optional description")
	fs.StringVar(&idemKey, "idempotency-key", "", "optional idempotency key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if seller == "" {
		return errors.New("--seller is required")
	}
	if arbitrator == "" {
		return errors.New("--arbitrator is required")
	}
	value, err := uint256.FromDecimal(strings.TrimSpace(amount))
	if err != nil || value.IsZero() {
		return errors.New("--amount must be a positive integer")
	}
	secs, err := parseTimeout(timeout)
	if err != nil {
		return err
	}
	if buyer == "" {
		key, err := s.loadIdentity()
		if err != nil {
			return err
		}
		buyer = key.PubKey().Address().String()
	}

	ctx, cancel := s.context()
	defer cancel()
	client := s.client()
	dir, recipients, err := directory(ctx, client, buyer, seller, arbitrator)
	if err != nil {
		return err
	}
	sealed, err := confidential.NewCodec(dir).SealAmount(value, recipients...)
	if err != nil {
		return fmt.Errorf("seal amount: %w", err)
	}
	req := api.CreateRequest{
		Seller:      seller,
		Arbitrator:  arbitrator,
		Amount:      api.FromCiphertext(sealed),
		Description: description,
		Timeout:     secs,
	}
	var out api.ActionResponse
	status, err := client.call(ctx, http.MethodPost, "/v1/escrows", req, &out, callOptions{idempotencyKey: idemKey})
	if err != nil {
		return err
	}
	if status == http.StatusAccepted {
		fmt.Fprintln(s.stderr, "Deposit not yet confirmed; run `escrow-cli fund` once it settles.")
	}
	return printJSON(s.stdout, out)
}

func fetchEscrow(s *session, id uint64) (*api.Escrow, error) {
	ctx, cancel := s.context()
	defer cancel()
	var out api.Escrow
	if _, err := s.client().call(ctx, http.MethodGet, fmt.Sprintf("/v1/escrows/%d", id), nil, &out, callOptions{}); err != nil {
		return nil, err
	}
	return &out, nil
}

func runGet(s *session, args []string) error {
	fs := newFlagSet("get", s)
	idStr := fs.String("id", "", "escrow id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireID(*idStr)
	if err != nil {
		return err
	}
	esc, err := fetchEscrow(s, id)
	if err != nil {
		return err
	}
	return printJSON(s.stdout, esc)
}

func runList(s *session, args []string) error {
	fs := newFlagSet("list", s)
	participant := fs.String("participant", "", "only escrows involving this address")
	state := fs.String("state", "", "only escrows in this state")
	offset := fs.Int("offset", 0, "number of escrows to skip")
	limit := fs.Int("limit", 50, "maximum escrows to return")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := url.Values{}
	if *participant != "" {
		query.Set("participant", *participant)
	}
	if *state != "" {
		query.Set("state", *state)
	}
	query.Set("offset", strconv.Itoa(*offset))
	query.Set("limit", strconv.Itoa(*limit))
	ctx, cancel := s.context()
	defer cancel()
	var out api.ListResponse
	if _, err := s.client().call(ctx, http.MethodGet, "/v1/escrows?"+query.Encode(), nil, &out, callOptions{}); err != nil {
		return err
	}
	return printJSON(s.stdout, out)
}

func runCount(s *session, args []string) error {
	fs := newFlagSet("count", s)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, cancel := s.context()
	defer cancel()
	var out api.CountResponse
	if _, err := s.client().call(ctx, http.MethodGet, "/v1/escrows/count", nil, &out, callOptions{}); err != nil {
		return err
	}
	fmt.Fprintln(s.stdout, out.Count)
	return nil
}

func runApprove(s *session, args []string) error {
	return runSign(s, "approve", args)
}

func runRefund(s *session, args []string) error {
	return runSign(s, "refund", args)
}

// runSign seals the note to all three participants and submits it as the
// caller's signature for the outcome named by action.
func runSign(s *session, action string, args []string) error {
	fs := newFlagSet(action, s)
	idStr := fs.String("id", "", "escrow id")
	note := fs.String("note", "", "note sealed into the signature")
	idemKey := fs.String("idempotency-key", "", "optional idempotency key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireID(*idStr)
	if err != nil {
		return err
	}
	esc, err := fetchEscrow(s, id)
	if err != nil {
		return err
	}
	ctx, cancel := s.context()
	defer cancel()
	client := s.client()
	dir, recipients, err := directory(ctx, client, esc.Buyer, esc.Seller, esc.Arbitrator)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(*note)
	if text == "" {
		text = action
	}
	codec := confidential.NewCodec(dir)
	var sealed escrow.Ciphertext
	if action == "refund" {
		sealed, err = codec.SealReason(text, recipients...)
	} else {
		sealed, err = codec.SealApproval(text, recipients...)
	}
	if err != nil {
		return fmt.Errorf("seal note: %w", err)
	}
	var out api.ActionResponse
	if _, err := client.call(ctx, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/%s", id, action), api.SignRequest{Payload: api.FromCiphertext(sealed)}, &out, callOptions{idempotencyKey: *idemKey}); err != nil {
		return err
	}
	return printJSON(s.stdout, out)
}

func runDispute(s *session, args []string) error {
	return runAction(s, "dispute", args)
}

func runEmergencyRefund(s *session, args []string) error {
	return runAction(s, "emergency-refund", args)
}

func runFund(s *session, args []string) error {
	return runAction(s, "fund", args)
}

func runSettle(s *session, args []string) error {
	return runAction(s, "settle", args)
}

func runAction(s *session, action string, args []string) error {
	fs := newFlagSet(action, s)
	idStr := fs.String("id", "", "escrow id")
	idemKey := fs.String("idempotency-key", "", "optional idempotency key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireID(*idStr)
	if err != nil {
		return err
	}
	ctx, cancel := s.context()
	defer cancel()
	var out api.ActionResponse
	if _, err := s.client().call(ctx, http.MethodPost, fmt.Sprintf("/v1/escrows/%d/%s", id, action), nil, &out, callOptions{idempotencyKey: *idemKey}); err != nil {
		return err
	}
	return printJSON(s.stdout, out)
}

func runHasSigned(s *session, args []string) error {
	fs := newFlagSet("has-signed", s)
	idStr := fs.String("id", "", "escrow id")
	address := fs.String("address", "", "participant address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireID(*idStr)
	if err != nil {
		return err
	}
	if _, err := crypto.DecodeEscrowAddress(strings.TrimSpace(*address)); err != nil {
		return fmt.Errorf("--address: %w", err)
	}
	ctx, cancel := s.context()
	defer cancel()
	var out api.SignerResponse
	if _, err := s.client().call(ctx, http.MethodGet, fmt.Sprintf("/v1/escrows/%d/signers/%s", id, strings.TrimSpace(*address)), nil, &out, callOptions{}); err != nil {
		return err
	}
	fmt.Fprintln(s.stdout, out.Signed)
	return nil
}

// runAmount fetches the participant-gated ciphertext and opens it with the
// identity disclosure key.
func runAmount(s *session, args []string) error {
	fs := newFlagSet("amount", s)
	idStr := fs.String("id", "", "escrow id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireID(*idStr)
	if err != nil {
		return err
	}
	key, err := s.loadIdentity()
	if err != nil {
		return err
	}
	kp, err := disclosureKey(key)
	if err != nil {
		return err
	}
	ctx, cancel := s.context()
	defer cancel()
	var out api.AmountResponse
	if _, err := s.client().call(ctx, http.MethodGet, fmt.Sprintf("/v1/escrows/%d/amount", id), nil, &out, callOptions{}); err != nil {
		return err
	}
	ct, err := out.Amount.Decode()
	if err != nil {
		return err
	}
	value, err := confidential.OpenAmount(ct, key.PubKey().Address().Raw(), kp)
	if err != nil {
		return fmt.Errorf("open amount: %w", err)
	}
	fmt.Fprintln(s.stdout, value.Dec())
	return nil
}

func fetchEvents(s *session, id uint64) ([]api.EventRecord, error) {
	ctx, cancel := s.context()
	defer cancel()
	var out []api.EventRecord
	if _, err := s.client().call(ctx, http.MethodGet, fmt.Sprintf("/v1/escrows/%d/events", id), nil, &out, callOptions{}); err != nil {
		return nil, err
	}
	return out, nil
}

func runEvents(s *session, args []string) error {
	fs := newFlagSet("events", s)
	idStr := fs.String("id", "", "escrow id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireID(*idStr)
	if err != nil {
		return err
	}
	events, err := fetchEvents(s, id)
	if err != nil {
		return err
	}
	return printJSON(s.stdout, events)
}

// runExport writes the event log locally. CSV and JSON Lines are produced by
// the gateway; parquet is rendered from the fetched log.
func runExport(s *session, args []string) error {
	fs := newFlagSet("export", s)
	idStr := fs.String("id", "", "escrow id")
	format := fs.String("format", "csv", "csv, jsonl or parquet")
	out := fs.String("out", "", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireID(*idStr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*out) == "" {
		return errors.New("--out is required")
	}
	switch strings.ToLower(*format) {
	case "parquet":
		events, err := fetchEvents(s, id)
		if err != nil {
			return err
		}
		records := make([]escrow.EventRecord, 0, len(events))
		for _, evt := range events {
			records = append(records, escrow.EventRecord{
				EscrowID: evt.EscrowID,
				Sequence: evt.Sequence,
				Event:    &types.Event{Type: evt.Type, Attributes: evt.Attributes},
			})
		}
		rows, err := exports.EventsParquet(*out, records)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.stdout, "wrote %d rows to %s\n", rows, *out)
		return nil
	case "csv", "jsonl":
		ctx, cancel := s.context()
		defer cancel()
		status, header, data, err := s.client().raw(ctx, http.MethodGet, fmt.Sprintf("/v1/escrows/%d/export?format=%s", id, strings.ToLower(*format)), nil, callOptions{})
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return &apiError{Status: status}
		}
		if err := os.WriteFile(*out, data, 0o600); err != nil {
			return err
		}
		fmt.Fprintf(s.stdout, "wrote %s (sha256 %s)\n", *out, header.Get("X-Export-Checksum"))
		return nil
	default:
		return fmt.Errorf("unsupported --format %q", *format)
	}
}
