package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"veilescrow/crypto"
	"veilescrow/crypto/confidential"
	"veilescrow/gateway/api"
	"veilescrow/gateway/auth"
)

const (
	testAPIKey    = "cli"
	testAPISecret = "cli-secret"
)

type party struct {
	addr crypto.Address
	keys confidential.KeyPair
}

func newParty(t *testing.T, seedByte byte) party {
	t.Helper()
	var seed [32]byte
	for i := range seed {
		seed[i] = seedByte
	}
	kp, err := confidential.KeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	var raw [20]byte
	for i := range raw {
		raw[i] = seedByte
	}
	return party{addr: crypto.AddressFromRaw(raw), keys: kp}
}

// fakeGateway verifies request signatures and serves disclosure keys for the
// registered parties.
type fakeGateway struct {
	t             *testing.T
	authenticator *auth.Authenticator
	mu            sync.Mutex
	keys          map[string]string
	created       []api.CreateRequest
	amount        api.Ciphertext
	events        []api.EventRecord
}

func newFakeGateway(t *testing.T, parties ...party) (*fakeGateway, *httptest.Server) {
	t.Helper()
	g := &fakeGateway{
		t:             t,
		authenticator: auth.NewAuthenticator(auth.HMACConfig{Secrets: map[string]string{testAPIKey: testAPISecret}}),
		keys:          make(map[string]string),
	}
	for _, p := range parties {
		g.keys[p.addr.String()] = p.keys.PublicHex()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/keys/{address}", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		key, ok := g.keys[r.PathValue("address")]
		g.mu.Unlock()
		if !ok {
			writeTestJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "missing", Kind: "not_found"})
			return
		}
		writeTestJSON(w, http.StatusOK, api.DisclosureKey{Address: r.PathValue("address"), PublicKey: key})
	})
	mux.HandleFunc("POST /v1/keys", func(w http.ResponseWriter, r *http.Request) {
		body := g.verify(w, r)
		if body == nil {
			return
		}
		var req api.DisclosureKey
		_ = json.Unmarshal(body, &req)
		g.mu.Lock()
		g.keys[req.Address] = req.PublicKey
		g.mu.Unlock()
		writeTestJSON(w, http.StatusOK, req)
	})
	mux.HandleFunc("POST /v1/escrows", func(w http.ResponseWriter, r *http.Request) {
		body := g.verify(w, r)
		if body == nil {
			return
		}
		var req api.CreateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeTestJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
			return
		}
		g.mu.Lock()
		g.created = append(g.created, req)
		g.mu.Unlock()
		writeTestJSON(w, http.StatusCreated, api.ActionResponse{Escrow: &api.Escrow{ID: 1, Seller: req.Seller, State: "funded"}})
	})
	mux.HandleFunc("GET /v1/escrows/{id}/amount", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get(auth.HeaderAuthorization), "Bearer ") {
			writeTestJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: "token required"})
			return
		}
		writeTestJSON(w, http.StatusOK, api.AmountResponse{EscrowID: 1, Amount: g.amount})
	})
	mux.HandleFunc("GET /v1/escrows/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, g.events)
	})
	mux.HandleFunc("POST /v1/escrows/{id}/dispute", func(w http.ResponseWriter, r *http.Request) {
		if g.verify(w, r) == nil {
			return
		}
		writeTestJSON(w, http.StatusForbidden, api.ErrorResponse{Error: "escrow: caller not eligible", Kind: "not_eligible"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return g, srv
}

func (g *fakeGateway) verify(w http.ResponseWriter, r *http.Request) []byte {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		g.t.Errorf("read body: %v", err)
		return nil
	}
	if _, err := g.authenticator.Authenticate(r, body); err != nil {
		writeTestJSON(w, http.StatusUnauthorized, api.ErrorResponse{Error: err.Error()})
		return nil
	}
	return body
}

func writeTestJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsageAndUnknownCommand(t *testing.T) {
	code, _, stderr := runCLI(t)
	if code != 1 || !strings.Contains(stderr, "Usage: escrow-cli") {
		t.Fatalf("expected usage, got %d %q", code, stderr)
	}
	code, _, stderr = runCLI(t, "bogus")
	if code != 1 || !strings.Contains(stderr, "Unknown command: bogus") {
		t.Fatalf("expected unknown command error, got %d %q", code, stderr)
	}
}

func TestArgumentValidation(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"get"}, "--id must be a positive integer"},
		{[]string{"approve", "--id", "0"}, "--id must be a positive integer"},
		{[]string{"create", "--arbitrator", "x"}, "--seller is required"},
		{[]string{"create", "--seller", "x", "--arbitrator", "y", "--amount", "-5", "--timeout", "60"}, "--amount must be a positive integer"},
		{[]string{"create", "--seller", "x", "--arbitrator", "y", "--amount", "5"}, "--timeout is required"},
		{[]string{"export", "--id", "1"}, "--out is required"},
		{[]string{"has-signed", "--id", "1", "--address", "nope"}, "--address"},
	}
	for _, tc := range cases {
		code, _, stderr := runCLI(t, tc.args...)
		if code != 1 || !strings.Contains(stderr, tc.want) {
			t.Fatalf("%v: expected %q, got %d %q", tc.args, tc.want, code, stderr)
		}
	}
}

func TestParseTimeout(t *testing.T) {
	cases := map[string]int64{"60": 60, "2m": 120, "72h": 259200}
	for raw, want := range cases {
		got, err := parseTimeout(raw)
		if err != nil || got != want {
			t.Fatalf("%s: expected %d, got %d (%v)", raw, want, got, err)
		}
	}
	for _, raw := range []string{"", "0", "-1", "500ms", "soon"} {
		if _, err := parseTimeout(raw); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
}

func TestKeygenAndAddress(t *testing.T) {
	t.Setenv(envPassphrase, "correct horse")
	path := filepath.Join(t.TempDir(), "id.json")

	code, stdout, stderr := runCLI(t, "--identity", path, "keygen")
	if code != 0 {
		t.Fatalf("keygen failed: %s", stderr)
	}
	var generated api.DisclosureKey
	if err := json.Unmarshal([]byte(stdout), &generated); err != nil {
		t.Fatalf("decode keygen output: %v", err)
	}
	if !strings.HasPrefix(generated.Address, "esc1") || len(generated.PublicKey) != 64 {
		t.Fatalf("unexpected keygen output %+v", generated)
	}

	code, _, stderr = runCLI(t, "--identity", path, "keygen")
	if code != 1 || !strings.Contains(stderr, "already exists") {
		t.Fatalf("expected overwrite refusal, got %d %q", code, stderr)
	}

	code, stdout, _ = runCLI(t, "--identity", path, "address")
	var again api.DisclosureKey
	if err := json.Unmarshal([]byte(stdout), &again); err != nil || code != 0 {
		t.Fatalf("address failed: %d %v", code, err)
	}
	if again != generated {
		t.Fatalf("address mismatch: %+v vs %+v", again, generated)
	}
}

func TestTokenResolvesToSubject(t *testing.T) {
	t.Setenv(envTokenSecret, "shared-token-secret")
	original := cliNow
	cliNow = func() time.Time { return time.Unix(1700000000, 0) }
	defer func() { cliNow = original }()

	seller := newParty(t, 0x22)
	code, stdout, stderr := runCLI(t, "token", "--subject", seller.addr.String(), "--ttl", "10m")
	if code != 0 {
		t.Fatalf("token failed: %s", stderr)
	}
	resolver, err := auth.NewIdentityResolver(auth.IdentityConfig{
		Secret:   "shared-token-secret",
		Issuer:   defaultTokenIssuer,
		Audience: defaultTokenAudience,
		Now:      func() time.Time { return time.Unix(1700000100, 0) },
	})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	addr, err := resolver.Resolve(strings.TrimSpace(stdout))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !addr.Equal(seller.addr) {
		t.Fatalf("expected %s, got %s", seller.addr, addr)
	}
}

func TestCreateSealsAmountForAllParticipants(t *testing.T) {
	buyer, seller, arbitrator := newParty(t, 0x11), newParty(t, 0x22), newParty(t, 0x33)
	gw, srv := newFakeGateway(t, buyer, seller, arbitrator)

	code, stdout, stderr := runCLI(t,
		"--gateway", srv.URL, "--api-key", testAPIKey, "--api-secret", testAPISecret, "--token", "opaque",
		"create",
		"--buyer", buyer.addr.String(),
		"--seller", seller.addr.String(),
		"--arbitrator", arbitrator.addr.String(),
		"--amount", "2500",
		"--timeout", "72h",
		"--description", "camera",
	)
	if code != 0 {
		t.Fatalf("create failed: %s", stderr)
	}
	var resp api.ActionResponse
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil || resp.Escrow == nil || resp.Escrow.ID != 1 {
		t.Fatalf("unexpected create output %q (%v)", stdout, err)
	}
	if len(gw.created) != 1 {
		t.Fatalf("expected one create request, got %d", len(gw.created))
	}
	req := gw.created[0]
	if req.Timeout != 259200 || req.Description != "camera" {
		t.Fatalf("unexpected request %+v", req)
	}
	ct, err := req.Amount.Decode()
	if err != nil {
		t.Fatalf("decode amount: %v", err)
	}
	for _, p := range []party{buyer, seller, arbitrator} {
		value, err := confidential.OpenAmount(ct, p.addr.Raw(), p.keys)
		if err != nil {
			t.Fatalf("open for %s: %v", p.addr, err)
		}
		if value.Uint64() != 2500 {
			t.Fatalf("expected 2500, got %s", value.Dec())
		}
	}
}

func TestCreateRequiresPublishedKeys(t *testing.T) {
	buyer, seller, arbitrator := newParty(t, 0x11), newParty(t, 0x22), newParty(t, 0x33)
	_, srv := newFakeGateway(t, buyer, seller)

	code, _, stderr := runCLI(t,
		"--gateway", srv.URL, "--api-key", testAPIKey, "--api-secret", testAPISecret,
		"create",
		"--buyer", buyer.addr.String(),
		"--seller", seller.addr.String(),
		"--arbitrator", arbitrator.addr.String(),
		"--amount", "10",
		"--timeout", "60",
	)
	if code != 1 || !strings.Contains(stderr, "has not published a disclosure key") {
		t.Fatalf("expected missing key error, got %d %q", code, stderr)
	}
}

func TestAmountOpensWithIdentity(t *testing.T) {
	t.Setenv(envPassphrase, "pw")
	path := filepath.Join(t.TempDir(), "id.json")
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := crypto.SaveIdentity(path, key, "pw"); err != nil {
		t.Fatalf("save identity: %v", err)
	}
	kp, err := confidential.KeyPairFromSeed(key.DisclosureSeed())
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	self := key.PubKey().Address()
	dir := confidential.NewDirectory()
	dir.Register(self.Raw(), kp.Public)
	sealed, err := confidential.NewCodec(dir).SealAmount(uint256.NewInt(4242), self.Raw())
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	gw, srv := newFakeGateway(t)
	gw.amount = api.FromCiphertext(sealed)

	code, stdout, stderr := runCLI(t, "--gateway", srv.URL, "--identity", path, "--token", "opaque", "amount", "--id", "1")
	if code != 0 {
		t.Fatalf("amount failed: %s", stderr)
	}
	if strings.TrimSpace(stdout) != "4242" {
		t.Fatalf("expected 4242, got %q", stdout)
	}
}

func TestGatewayErrorsAreReported(t *testing.T) {
	_, srv := newFakeGateway(t)
	code, _, stderr := runCLI(t, "--gateway", srv.URL, "--api-key", testAPIKey, "--api-secret", testAPISecret, "dispute", "--id", "3")
	if code != 1 || !strings.Contains(stderr, "403 (not_eligible)") {
		t.Fatalf("expected not_eligible error, got %d %q", code, stderr)
	}
	code, _, stderr = runCLI(t, "--gateway", srv.URL, "--api-key", testAPIKey, "--api-secret", "wrong", "dispute", "--id", "3")
	if code != 1 || !strings.Contains(stderr, "gateway returned 401") {
		t.Fatalf("expected 401, got %d %q", code, stderr)
	}
}

func TestExportParquet(t *testing.T) {
	gw, srv := newFakeGateway(t)
	gw.events = []api.EventRecord{
		{EscrowID: 1, Sequence: 1, Type: "escrow.created", Attributes: map[string]string{"state": "created"}},
		{EscrowID: 1, Sequence: 2, Type: "escrow.funded", Attributes: map[string]string{"state": "funded"}},
	}
	out := filepath.Join(t.TempDir(), "events.parquet")
	code, stdout, stderr := runCLI(t, "--gateway", srv.URL, "export", "--id", "1", "--format", "parquet", "--out", out)
	if code != 0 {
		t.Fatalf("export failed: %s", stderr)
	}
	if !strings.Contains(stdout, "wrote 2 rows") {
		t.Fatalf("unexpected output %q", stdout)
	}
	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		t.Fatalf("expected parquet file, got %v", err)
	}
}
