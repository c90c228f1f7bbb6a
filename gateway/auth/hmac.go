package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey identifies the calling integration.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp carries the unix seconds used when signing.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection together with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature is the hex HMAC-SHA256 over the canonical request.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature bounds the body hashed during authentication.
	MaxBodyForSignature = 1 << 20

	maxTimestampSkew     = 2 * time.Minute
	maxNonceWindow       = 10 * time.Minute
	defaultNonceWindow   = maxNonceWindow
	defaultNonceCapacity = 4096
	maxNonceCapacity     = 65536
	pruneInterval        = time.Minute
)

var (
	ErrMissingHeader     = errors.New("auth: missing signature header")
	ErrUnknownAPIKey     = errors.New("auth: unknown API key")
	ErrInvalidSignature  = errors.New("auth: invalid signature")
	ErrTimestampSkew     = errors.New("auth: timestamp outside allowed skew")
	ErrNonceReused       = errors.New("auth: nonce already used")
	ErrTimestampReplayed = errors.New("auth: timestamp not increasing")
	ErrBodyTooLarge      = errors.New("auth: request body too large")
)

// Principal is the integration that signed a request.
type Principal struct {
	APIKey string
}

// NonceRecord is one persisted nonce observation.
type NonceRecord struct {
	APIKey     string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence stores nonce usage across restarts.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// HMACConfig configures an Authenticator. Zero durations and capacities fall
// back to defaults; values above the hard limits are clamped.
type HMACConfig struct {
	Secrets       map[string]string
	Skew          time.Duration
	NonceTTL      time.Duration
	NonceCapacity int
	Now           func() time.Time
	Persistence   NoncePersistence
}

// Authenticator verifies HMAC signed gateway requests.
type Authenticator struct {
	secrets       map[string]string
	skew          time.Duration
	nonceTTL      time.Duration
	nonceCapacity int
	now           func() time.Time
	persistence   NoncePersistence

	mu         sync.Mutex
	caches     map[string]*nonceCache
	lastSeen   map[string]int64
	lastPruned time.Time
}

func NewAuthenticator(cfg HMACConfig) *Authenticator {
	secrets := make(map[string]string, len(cfg.Secrets))
	for key, secret := range cfg.Secrets {
		key = strings.TrimSpace(key)
		secret = strings.TrimSpace(secret)
		if key == "" || secret == "" {
			continue
		}
		secrets[key] = secret
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Authenticator{
		secrets:       secrets,
		skew:          clampDuration(cfg.Skew, maxTimestampSkew, maxTimestampSkew),
		nonceTTL:      clampDuration(cfg.NonceTTL, defaultNonceWindow, maxNonceWindow),
		nonceCapacity: clampInt(cfg.NonceCapacity, defaultNonceCapacity, maxNonceCapacity),
		now:           now,
		persistence:   cfg.Persistence,
		caches:        make(map[string]*nonceCache),
		lastSeen:      make(map[string]int64),
	}
}

// Enabled reports whether any API key is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secrets) > 0
}

// Authenticate checks the signature headers against body and returns the
// signing integration.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, ErrBodyTooLarge
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	signature := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if apiKey == "" || timestamp == "" || nonce == "" || signature == "" {
		return nil, ErrMissingHeader
	}
	secret, ok := a.secrets[apiKey]
	if !ok {
		return nil, ErrUnknownAPIKey
	}
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("auth: invalid timestamp: %w", err)
	}
	now := a.now().UTC()
	drift := now.Sub(time.Unix(secs, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > a.skew {
		return nil, ErrTimestampSkew
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("auth: invalid signature encoding: %w", err)
	}
	expected := ComputeSignature(secret, timestamp, nonce, r.Method, CanonicalRequestPath(r), body)
	if !hmac.Equal(provided, expected) {
		return nil, ErrInvalidSignature
	}
	reused, err := a.registerNonce(r.Context(), apiKey, timestamp, nonce, now)
	if err != nil {
		return nil, err
	}
	if reused {
		return nil, ErrNonceReused
	}
	if a.replayed(apiKey, secs, now) {
		return nil, ErrTimestampReplayed
	}
	return &Principal{APIKey: apiKey}, nil
}

// HydrateNonces loads persisted observations newer than cutoff into memory.
func (a *Authenticator) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if a == nil || a.persistence == nil {
		return nil
	}
	records, err := a.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("auth: load nonces: %w", err)
	}
	for _, rec := range records {
		if rec.APIKey == "" || rec.Timestamp == "" || rec.Nonce == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.cache(rec.APIKey).Add(nonceKey(rec.Timestamp, rec.Nonce), observed)
	}
	return nil
}

func (a *Authenticator) registerNonce(ctx context.Context, apiKey, timestamp, nonce string, now time.Time) (bool, error) {
	cache := a.cache(apiKey)
	key := nonceKey(timestamp, nonce)
	if cache.Contains(key, now) {
		return true, nil
	}
	if a.persistence != nil {
		if err := a.prune(ctx, now); err != nil {
			return false, err
		}
		existed, err := a.persistence.EnsureNonce(ctx, NonceRecord{
			APIKey:     apiKey,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("auth: persist nonce: %w", err)
		}
		cache.Add(key, now)
		return existed, nil
	}
	return cache.Observe(key, now), nil
}

func (a *Authenticator) prune(ctx context.Context, now time.Time) error {
	a.mu.Lock()
	due := a.lastPruned.IsZero() || now.Sub(a.lastPruned) >= pruneInterval
	if due {
		a.lastPruned = now
	}
	a.mu.Unlock()
	if !due {
		return nil
	}
	if err := a.persistence.PruneNonces(ctx, now.Add(-a.nonceTTL)); err != nil {
		return fmt.Errorf("auth: prune nonces: %w", err)
	}
	return nil
}

// replayed rejects timestamps that do not advance within the skew window.
func (a *Authenticator) replayed(apiKey string, secs int64, now time.Time) bool {
	cutoff := now.Add(-a.skew).Unix()
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastSeen[apiKey]
	if ok && last > cutoff && secs < last {
		return true
	}
	if !ok || secs > last || last <= cutoff {
		a.lastSeen[apiKey] = secs
	}
	return false
}

func (a *Authenticator) cache(apiKey string) *nonceCache {
	a.mu.Lock()
	defer a.mu.Unlock()
	cache, ok := a.caches[apiKey]
	if !ok {
		cache = newNonceCache(a.nonceTTL, a.nonceCapacity)
		a.caches[apiKey] = cache
	}
	return cache
}

func nonceKey(timestamp, nonce string) string {
	return timestamp + "|" + nonce
}

// CanonicalRequestPath returns the path plus a sorted query string.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		parts := strings.Split(r.URL.RawQuery, "&")
		sort.Strings(parts)
		path += "?" + strings.Join(parts, "&")
	}
	return path
}

// ComputeSignature returns the HMAC-SHA256 over the newline joined request
// metadata and body.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")))
	return mac.Sum(nil)
}

// SignRequest sets the four signature headers on req.
func SignRequest(req *http.Request, apiKey, secret string, body []byte, now time.Time, nonce string) {
	timestamp := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set(HeaderAPIKey, apiKey)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	sig := ComputeSignature(secret, timestamp, nonce, req.Method, CanonicalRequestPath(req), body)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
}
