package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrTokenSecretRequired = errors.New("auth.TokenSecret is required outside the dev environment")

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("ListenAddress is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Settlement.Mode)) {
	case "", "memory":
		c.Settlement.Mode = "memory"
	case "rpc":
		c.Settlement.Mode = "rpc"
		target, err := url.Parse(c.Settlement.URL)
		if err != nil || target.Host == "" {
			return fmt.Errorf("settlement.URL must be an absolute URL, got %q", c.Settlement.URL)
		}
		if target.Scheme != "https" && !(target.Scheme == "http" && c.IsDev()) {
			return fmt.Errorf("settlement.URL must use https outside dev")
		}
	default:
		return fmt.Errorf("unsupported settlement.Mode %q", c.Settlement.Mode)
	}
	seen := make(map[string]struct{}, len(c.Auth.APIKeys))
	for i, k := range c.Auth.APIKeys {
		k.Key = strings.TrimSpace(k.Key)
		k.Secret = strings.TrimSpace(k.Secret)
		if k.Key == "" || k.Secret == "" {
			return fmt.Errorf("auth.APIKeys[%d] must include key and secret", i)
		}
		if _, dup := seen[k.Key]; dup {
			return fmt.Errorf("auth.APIKeys[%d] duplicates key %q", i, k.Key)
		}
		seen[k.Key] = struct{}{}
		c.Auth.APIKeys[i] = k
	}
	if !c.IsDev() {
		if strings.TrimSpace(c.Auth.TokenSecret) == "" {
			return ErrTokenSecretRequired
		}
		if len(c.Auth.APIKeys) == 0 {
			return errors.New("auth.APIKeys must list at least one key outside the dev environment")
		}
	}
	if c.Auth.TokenSecret != "" && (c.Auth.TokenIssuer == "" || c.Auth.TokenAudience == "") {
		return errors.New("auth.TokenIssuer and auth.TokenAudience are required with a token secret")
	}
	if c.Auth.NonceTTL > 0 && c.Auth.NonceTTL < c.Auth.TimestampSkew {
		c.Auth.NonceTTL = c.Auth.TimestampSkew
	}
	for i, rl := range c.RateLimits {
		if strings.TrimSpace(rl.Group) == "" {
			return fmt.Errorf("rate_limits[%d].Group is required", i)
		}
		if rl.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate_limits[%d].RequestsPerMinute must be positive", i)
		}
	}
	return nil
}
