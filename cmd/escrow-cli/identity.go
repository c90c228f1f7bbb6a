package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"veilescrow/crypto"
	"veilescrow/crypto/confidential"
	"veilescrow/gateway/api"
	"veilescrow/gateway/auth"
)

const (
	defaultTokenIssuer   = "veil-escrow"
	defaultTokenAudience = "escrow-gateway"
)

func (s *session) loadIdentity() (*crypto.PrivateKey, error) {
	if _, err := os.Stat(s.identityPath); err != nil {
		return nil, fmt.Errorf("identity %s: %w", s.identityPath, err)
	}
	pass, err := s.passphrase.Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadIdentity(s.identityPath, pass)
	if err != nil {
		return nil, fmt.Errorf("unlock identity: %w", err)
	}
	return key, nil
}

func disclosureKey(key *crypto.PrivateKey) (confidential.KeyPair, error) {
	return confidential.KeyPairFromSeed(key.DisclosureSeed())
}

func runKeygen(s *session, args []string) error {
	fs := newFlagSet("keygen", s)
	out := fs.String("out", s.identityPath, "keystore output path")
	force := fs.Bool("force", false, "overwrite an existing keystore")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("%s already exists; pass --force to overwrite", *out)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	pass, err := s.passphrase.Get()
	if err != nil {
		return err
	}
	if err := crypto.SaveIdentity(*out, key, pass); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	kp, err := disclosureKey(key)
	if err != nil {
		return err
	}
	return printJSON(s.stdout, api.DisclosureKey{Address: key.PubKey().Address().String(), PublicKey: kp.PublicHex()})
}

func runAddress(s *session, args []string) error {
	fs := newFlagSet("address", s)
	if err := fs.Parse(args); err != nil {
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
	return printJSON(s.stdout, api.DisclosureKey{Address: key.PubKey().Address().String(), PublicKey: kp.PublicHex()})
}

func runToken(s *session, args []string) error {
	fs := newFlagSet("token", s)
	subject := fs.String("subject", "", "participant address (defaults to the identity address)")
	issuer := fs.String("issuer", defaultTokenIssuer, "token issuer")
	audience := fs.String("audience", defaultTokenAudience, "token audience")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var addr crypto.Address
	if strings.TrimSpace(*subject) != "" {
		parsed, err := crypto.DecodeEscrowAddress(strings.TrimSpace(*subject))
		if err != nil {
			return fmt.Errorf("--subject: %w", err)
		}
		addr = parsed
	} else {
		key, err := s.loadIdentity()
		if err != nil {
			return err
		}
		addr = key.PubKey().Address()
	}
	secret, err := s.tokenSecret.Get()
	if err != nil {
		return err
	}
	token, err := auth.IssueToken(secret, *issuer, *audience, addr, *ttl, cliNow())
	if err != nil {
		return err
	}
	fmt.Fprintln(s.stdout, token)
	return nil
}

func runPublishKey(s *session, args []string) error {
	fs := newFlagSet("publish-key", s)
	if err := fs.Parse(args); err != nil {
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
	var out api.DisclosureKey
	req := api.DisclosureKey{Address: key.PubKey().Address().String(), PublicKey: kp.PublicHex()}
	if _, err := s.client().call(ctx, http.MethodPost, "/v1/keys", req, &out, callOptions{}); err != nil {
		return err
	}
	return printJSON(s.stdout, out)
}

// directory fetches the published disclosure keys of addrs.
func directory(ctx context.Context, c *gatewayClient, addrs ...string) (*confidential.Directory, [][20]byte, error) {
	dir := confidential.NewDirectory()
	recipients := make([][20]byte, 0, len(addrs))
	for _, raw := range addrs {
		addr, err := api.ParseAddress(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("address %q: %w", raw, err)
		}
		var key api.DisclosureKey
		if _, err := c.call(ctx, http.MethodGet, "/v1/keys/"+crypto.AddressFromRaw(addr).String(), nil, &key, callOptions{}); err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
				return nil, nil, fmt.Errorf("%s has not published a disclosure key", raw)
			}
			return nil, nil, err
		}
		pub, err := confidential.ParsePublicKey(key.PublicKey)
		if err != nil {
			return nil, nil, fmt.Errorf("disclosure key of %s: %w", raw, err)
		}
		dir.Register(addr, pub)
		recipients = append(recipients, addr)
	}
	return dir, recipients, nil
}
