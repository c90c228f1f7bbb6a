package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"veilescrow/gateway/api"
	"veilescrow/gateway/auth"
)

// gatewayClient signs requests with the integration HMAC key and forwards
// the participant bearer token when one is configured.
type gatewayClient struct {
	baseURL   string
	apiKey    string
	apiSecret string
	token     string
	http      *http.Client
	now       func() time.Time
}

// apiError is returned for any non-2xx gateway response.
type apiError struct {
	Status int
	Body   api.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Body.Kind != "" {
		return fmt.Sprintf("gateway returned %d (%s): %s", e.Status, e.Body.Kind, e.Body.Error)
	}
	if e.Body.Error != "" {
		return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Body.Error)
	}
	return fmt.Sprintf("gateway returned %d", e.Status)
}

type callOptions struct {
	idempotencyKey string
}

func (c *gatewayClient) raw(ctx context.Context, method, path string, payload interface{}, opts callOptions) (int, http.Header, []byte, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return 0, nil, nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" && c.apiSecret != "" {
		auth.SignRequest(req, c.apiKey, c.apiSecret, body, c.now(), uuid.NewString())
	}
	if c.token != "" {
		req.Header.Set(auth.HeaderAuthorization, "Bearer "+c.token)
	}
	if opts.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", opts.idempotencyKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return resp.StatusCode, resp.Header, nil, err
	}
	return resp.StatusCode, resp.Header, data, nil
}

// call performs the request and decodes a 2xx JSON body into out.
func (c *gatewayClient) call(ctx context.Context, method, path string, payload, out interface{}, opts callOptions) (int, error) {
	status, _, data, err := c.raw(ctx, method, path, payload, opts)
	if err != nil {
		return status, err
	}
	if status < 200 || status >= 300 {
		apiErr := &apiError{Status: status}
		_ = json.Unmarshal(data, &apiErr.Body)
		return status, apiErr
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return status, fmt.Errorf("decode response: %w", err)
		}
	}
	return status, nil
}
