package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"veilescrow/cmd/internal/passphrase"
)

const (
	envGateway     = "ESCROW_CLI_GATEWAY"
	envAPIKey      = "ESCROW_CLI_API_KEY"
	envAPISecret   = "ESCROW_CLI_API_SECRET"
	envToken       = "ESCROW_CLI_TOKEN"
	envIdentity    = "ESCROW_CLI_IDENTITY"
	envPassphrase  = "ESCROW_CLI_PASSPHRASE"
	envTokenSecret = "ESCROW_CLI_TOKEN_SECRET"

	defaultGateway  = "http://127.0.0.1:8090"
	defaultIdentity = "escrow-identity.json"
	requestTimeout  = 30 * time.Second
)

var cliNow = time.Now

// session holds the resolved global options shared by every subcommand.
type session struct {
	gateway      string
	apiKey       string
	apiSecret    string
	token        string
	identityPath string
	passphrase   *passphrase.Source
	tokenSecret  *passphrase.Source
	httpClient   *http.Client
	stdout       io.Writer
	stderr       io.Writer
}

func (s *session) client() *gatewayClient {
	return &gatewayClient{
		baseURL:   s.gateway,
		apiKey:    s.apiKey,
		apiSecret: s.apiSecret,
		token:     s.token,
		http:      s.httpClient,
		now:       cliNow,
	}
}

func (s *session) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

type command struct {
	name    string
	summary string
	run     func(s *session, args []string) error
}

var commands = []command{
	{"keygen", "generate a participant identity keystore", runKeygen},
	{"address", "print the identity address and disclosure key", runAddress},
	{"token", "issue a participant bearer token", runToken},
	{"publish-key", "publish the identity disclosure key to the gateway", runPublishKey},
	{"create", "create an escrow as the buyer", runCreate},
	{"get", "show one escrow", runGet},
	{"list", "list escrows", runList},
	{"count", "print the number of escrows", runCount},
	{"approve", "sign the release outcome", runApprove},
	{"refund", "sign the refund outcome", runRefund},
	{"dispute", "flag an escrow as disputed (arbitrator)", runDispute},
	{"emergency-refund", "refund after the timeout (buyer)", runEmergencyRefund},
	{"has-signed", "report whether an address signed", runHasSigned},
	{"amount", "decrypt the escrowed amount", runAmount},
	{"events", "print the escrow event log", runEvents},
	{"export", "export the escrow event log", runExport},
	{"fund", "re-check the deposit of a created escrow", runFund},
	{"settle", "retry a pending settlement", runSettle},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("escrow-cli", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sess := &session{stdout: stdout, stderr: stderr, httpClient: &http.Client{Timeout: requestTimeout}}
	fs.StringVar(&sess.gateway, "gateway", envOr(envGateway, defaultGateway), "escrow gateway base URL")
	fs.StringVar(&sess.apiKey, "api-key", os.Getenv(envAPIKey), "integration API key")
	fs.StringVar(&sess.apiSecret, "api-secret", os.Getenv(envAPISecret), "integration API secret")
	fs.StringVar(&sess.token, "token", os.Getenv(envToken), "participant bearer token")
	fs.StringVar(&sess.identityPath, "identity", envOr(envIdentity, defaultIdentity), "identity keystore path")
	fs.Usage = func() { fmt.Fprint(stderr, usage()) }
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprint(stderr, usage())
		return 1
	}
	if _, err := url.ParseRequestURI(sess.gateway); err != nil {
		fmt.Fprintf(stderr, "Error: invalid --gateway: %v\n", err)
		return 1
	}
	sess.passphrase = passphrase.NewSource(envPassphrase, "identity keystore passphrase")
	sess.tokenSecret = passphrase.NewSource(envTokenSecret, "token signing secret")

	for _, cmd := range commands {
		if cmd.name != rest[0] {
			continue
		}
		if err := cmd.run(sess, rest[1:]); err != nil {
			if !errors.Is(err, flag.ErrHelp) {
				fmt.Fprintf(stderr, "Error: %v\n", err)
			}
			return 1
		}
		return 0
	}
	fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
	fmt.Fprint(stderr, usage())
	return 1
}

func usage() string {
	var b strings.Builder
	b.WriteString("Usage: escrow-cli [global flags] <command> [flags]\n\nCommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(&b, "  %-17s %s\n", cmd.name, cmd.summary)
	}
	b.WriteString("\nGlobal flags default to the ESCROW_CLI_* environment variables.\n")
	return b.String()
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func newFlagSet(name string, s *session) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(s.stderr)
	return fs
}

func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
