package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"veilescrow/crypto"
)

const (
	// HeaderAuthorization carries the participant bearer token.
	HeaderAuthorization = "Authorization"

	defaultTokenTTL    = time.Hour
	defaultTokenLeeway = 30 * time.Second
)

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid bearer token")
)

// IdentityConfig configures participant token verification.
type IdentityConfig struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
	Now      func() time.Time
}

// IdentityResolver turns a bearer token into the participant address named by
// its subject.
type IdentityResolver struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

func NewIdentityResolver(cfg IdentityConfig) (*IdentityResolver, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth: token secret required")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errors.New("auth: token issuer required")
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, errors.New("auth: token audience required")
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultTokenLeeway
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &IdentityResolver{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
		now:      now,
	}, nil
}

// Resolve verifies token and returns the participant address it names.
func (r *IdentityResolver) Resolve(token string) (crypto.Address, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return r.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(r.issuer),
		jwt.WithAudience(r.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(r.leeway),
		jwt.WithTimeFunc(r.now),
	)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return crypto.Address{}, ErrInvalidToken
	}
	addr, err := crypto.DecodeEscrowAddress(strings.TrimSpace(claims.Subject))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	return addr, nil
}

// ResolveRequest reads the bearer token from r.
func (r *IdentityResolver) ResolveRequest(req *http.Request) (crypto.Address, error) {
	if r == nil {
		return crypto.Address{}, ErrMissingToken
	}
	header := strings.TrimSpace(req.Header.Get(HeaderAuthorization))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return crypto.Address{}, ErrMissingToken
	}
	return r.Resolve(strings.TrimSpace(token))
}

// IssueToken signs an HS256 token whose subject is participant.
func IssueToken(secret, issuer, audience string, participant crypto.Address, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("auth: token secret required")
	}
	if participant.IsZero() {
		return "", errors.New("auth: participant required")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	claims := jwt.RegisteredClaims{
		Subject:   participant.String(),
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}

type contextKey struct{ name string }

var (
	principalKey   = contextKey{"principal"}
	participantKey = contextKey{"participant"}
)

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}

func WithParticipant(ctx context.Context, addr crypto.Address) context.Context {
	return context.WithValue(ctx, participantKey, addr)
}

// ParticipantFrom returns the verified caller address stored by the gateway.
func ParticipantFrom(ctx context.Context) (crypto.Address, bool) {
	addr, ok := ctx.Value(participantKey).(crypto.Address)
	return addr, ok && !addr.IsZero()
}
