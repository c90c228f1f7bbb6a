package auth

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"veilescrow/crypto"
)

func testParticipant() crypto.Address {
	return crypto.NewAddress(crypto.EscrowPrefix, bytes.Repeat([]byte{0x11}, crypto.AddressLength))
}

func TestIdentityResolverRoundTrip(t *testing.T) {
	now := time.Unix(1_717_000_000, 0).UTC()
	resolver, err := NewIdentityResolver(IdentityConfig{Secret: "s3cret", Issuer: "veil", Audience: "escrow-gateway", Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	token, err := IssueToken("s3cret", "veil", "escrow-gateway", testParticipant(), time.Hour, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req := httptest.NewRequest("GET", "/v1/escrows/1", nil)
	req.Header.Set(HeaderAuthorization, "Bearer "+token)
	addr, err := resolver.ResolveRequest(req)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !addr.Equal(testParticipant()) {
		t.Fatalf("resolved %s, want %s", addr, testParticipant())
	}
}

func TestIdentityResolverRejects(t *testing.T) {
	now := time.Unix(1_717_000_000, 0).UTC()
	resolver, err := NewIdentityResolver(IdentityConfig{Secret: "s3cret", Issuer: "veil", Audience: "escrow-gateway", Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}

	cases := map[string]string{}
	if tok, err := IssueToken("other", "veil", "escrow-gateway", testParticipant(), time.Hour, now); err == nil {
		cases["wrong secret"] = tok
	}
	if tok, err := IssueToken("s3cret", "someone", "escrow-gateway", testParticipant(), time.Hour, now); err == nil {
		cases["wrong issuer"] = tok
	}
	if tok, err := IssueToken("s3cret", "veil", "explorer", testParticipant(), time.Hour, now); err == nil {
		cases["wrong audience"] = tok
	}
	if tok, err := IssueToken("s3cret", "veil", "escrow-gateway", testParticipant(), time.Minute, now.Add(-time.Hour)); err == nil {
		cases["expired"] = tok
	}
	if len(cases) != 4 {
		t.Fatalf("failed to issue fixtures: %v", cases)
	}
	for name, token := range cases {
		if _, err := resolver.Resolve(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected invalid token, got %v", name, err)
		}
	}

	req := httptest.NewRequest("GET", "/", nil)
	if _, err := resolver.ResolveRequest(req); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
	if _, err := IssueToken("s3cret", "veil", "escrow-gateway", crypto.Address{}, time.Hour, now); err == nil {
		t.Fatalf("expected zero participant to be rejected")
	}
	if _, err := NewIdentityResolver(IdentityConfig{Secret: "x", Issuer: "veil"}); err == nil {
		t.Fatalf("expected missing audience to fail")
	}
}
