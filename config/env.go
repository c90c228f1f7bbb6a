package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "ESCROW_GATEWAY_"

// applyEnv overlays ESCROW_GATEWAY_* variables on cfg. API keys are a JSON
// array of {"key","secret"} objects.
func applyEnv(cfg *Config, getenv func(string) string) error {
	lookup := func(name string) (string, bool) {
		v := strings.TrimSpace(getenv(envPrefix + name))
		return v, v != ""
	}
	strs := map[string]*string{
		"LISTEN":           &cfg.ListenAddress,
		"ENV":              &cfg.Environment,
		"DATA_DIR":         &cfg.DataDir,
		"DB_PATH":          &cfg.DatabasePath,
		"SETTLEMENT_MODE":  &cfg.Settlement.Mode,
		"SETTLEMENT_URL":   &cfg.Settlement.URL,
		"SETTLEMENT_TOKEN": &cfg.Settlement.AuthToken,
		"JOURNAL_DSN":      &cfg.Settlement.JournalDSN,
		"NONCE_STORE":      &cfg.Auth.NonceStorePath,
		"TOKEN_SECRET":     &cfg.Auth.TokenSecret,
		"TOKEN_ISSUER":     &cfg.Auth.TokenIssuer,
		"TOKEN_AUDIENCE":   &cfg.Auth.TokenAudience,
		"LOG_LEVEL":        &cfg.Observability.LogLevel,
		"LOG_FILE":         &cfg.Observability.LogFile,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	durations := map[string]*time.Duration{
		"TIMESTAMP_SKEW":     &cfg.Auth.TimestampSkew,
		"NONCE_TTL":          &cfg.Auth.NonceTTL,
		"QUEUE_TTL":          &cfg.Webhooks.QueueTTL,
		"SETTLEMENT_TIMEOUT": &cfg.Settlement.Timeout,
	}
	for name, dst := range durations {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", envPrefix, name, err)
		}
		if dur <= 0 {
			return fmt.Errorf("%s%s must be positive", envPrefix, name)
		}
		*dst = dur
	}
	ints := map[string]*int{
		"NONCE_CAP":     &cfg.Auth.NonceCapacity,
		"QUEUE_CAP":     &cfg.Webhooks.QueueCapacity,
		"QUEUE_HISTORY": &cfg.Webhooks.HistorySize,
		"EVENT_HISTORY": &cfg.Events.History,
	}
	for name, dst := range ints {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", envPrefix, name, err)
		}
		if n <= 0 {
			return fmt.Errorf("%s%s must be positive", envPrefix, name)
		}
		*dst = n
	}
	if v, ok := lookup("AUTO_CONFIRM"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %sAUTO_CONFIRM: %w", envPrefix, err)
		}
		cfg.Settlement.AutoConfirm = b
	}
	if v, ok := lookup("API_KEYS"); ok {
		var keys []APIKey
		if err := json.Unmarshal([]byte(v), &keys); err != nil {
			return fmt.Errorf("parse %sAPI_KEYS: %w", envPrefix, err)
		}
		cfg.Auth.APIKeys = keys
	}
	if v, ok := lookup("CORS_ORIGINS"); ok {
		cfg.CORS.AllowedOrigins = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
