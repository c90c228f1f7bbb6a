package settlement

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"veilescrow/crypto"
	"veilescrow/native/escrow"
)

// RPCClient forwards settlement calls to an external JSON-RPC endpoint.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCClient(baseURL, authToken string) *RPCClient {
	return &RPCClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type depositResult struct {
	Confirmed bool `json:"confirmed"`
}

type receiptResult struct {
	EscrowID    uint64 `json:"escrowId"`
	Beneficiary string `json:"beneficiary"`
	Reference   string `json:"reference"`
	SettledAt   int64  `json:"settledAt"`
}

// ConfirmDeposit implements escrow.Settlement.
func (c *RPCClient) ConfirmDeposit(ctx context.Context, id uint64, amount escrow.Ciphertext) (bool, error) {
	params := map[string]interface{}{
		"escrowId":     id,
		"amountHandle": amount.HandleHex(),
	}
	var result depositResult
	if err := c.call(ctx, "settlement_confirmDeposit", []interface{}{params}, &result); err != nil {
		return false, err
	}
	return result.Confirmed, nil
}

// Disburse implements escrow.Settlement. The amount travels as its handle and
// sealed payload; the remote side is expected to hold the matching key.
func (c *RPCClient) Disburse(ctx context.Context, d escrow.Decision, amount escrow.Ciphertext) (*escrow.Receipt, error) {
	beneficiary := crypto.AddressFromRaw(d.Beneficiary).String()
	params := map[string]interface{}{
		"escrowId":      d.EscrowID,
		"outcome":       d.Kind.String(),
		"beneficiary":   beneficiary,
		"amountHandle":  amount.HandleHex(),
		"amountPayload": hex.EncodeToString(amount.Payload),
	}
	var result receiptResult
	if err := c.call(ctx, "settlement_disburse", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	if result.EscrowID != d.EscrowID || !strings.EqualFold(result.Beneficiary, beneficiary) {
		return nil, ErrReceiptMismatch
	}
	return &escrow.Receipt{
		EscrowID:    result.EscrowID,
		Beneficiary: d.Beneficiary,
		Reference:   result.Reference,
		SettledAt:   result.SettledAt,
	}, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("settlement rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("settlement rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("settlement rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// SetTimeout bounds each RPC round trip. Non-positive values are ignored.
func (c *RPCClient) SetTimeout(d time.Duration) {
	if d > 0 {
		c.http.Timeout = d
	}
}
