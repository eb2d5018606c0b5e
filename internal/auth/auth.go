// Package auth checks hello tokens against an external identity service.
//
// Without a validator the server trusts the address a connection declares.
// With one, hello must carry a token the service maps to that address.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidToken means the service rejected the token or it names a
	// different address.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrUnavailable means the service could not give an answer.
	ErrUnavailable = errors.New("auth: unavailable")
)

const validateTimeout = 500 * time.Millisecond

// Validator resolves a token to the address it authorises.
type Validator interface {
	Validate(ctx context.Context, token string) (common.Address, error)
}

// Check validates token and confirms it authorises declared.
func Check(ctx context.Context, v Validator, token string, declared common.Address) error {
	addr, err := v.Validate(ctx, token)
	if err != nil {
		return err
	}
	if addr != declared {
		return fmt.Errorf("%w: token is for %s", ErrInvalidToken, addr.Hex())
	}
	return nil
}

// HTTPValidator posts {"token": ...} to a URL and expects
// {"valid": bool, "address": "0x..."} back.
type HTTPValidator struct {
	url    string
	secret string
	client *http.Client
}

// NewHTTPValidator returns a validator calling url. A non-empty secret is
// sent as X-Admin-Secret.
func NewHTTPValidator(url, secret string) *HTTPValidator {
	return &HTTPValidator{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: validateTimeout},
	}
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	Valid   bool   `json:"valid"`
	Address string `json:"address,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (v *HTTPValidator) Validate(ctx context.Context, token string) (common.Address, error) {
	if token == "" {
		return common.Address{}, ErrInvalidToken
	}

	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	body, err := json.Marshal(validateRequest{Token: token})
	if err != nil {
		return common.Address{}, fmt.Errorf("auth: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return common.Address{}, fmt.Errorf("auth: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if v.secret != "" {
		req.Header.Set("X-Admin-Secret", v.secret)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return common.Address{}, ErrInvalidToken
	default:
		return common.Address{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var res validateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&res); err != nil {
		return common.Address{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if !res.Valid {
		return common.Address{}, ErrInvalidToken
	}
	if !common.IsHexAddress(res.Address) {
		return common.Address{}, fmt.Errorf("%w: service returned address %q", ErrUnavailable, res.Address)
	}
	return common.HexToAddress(res.Address), nil
}

// StaticValidator maps fixed tokens to addresses. It suits tests and small
// deployments configured from a file.
type StaticValidator map[string]common.Address

func (v StaticValidator) Validate(_ context.Context, token string) (common.Address, error) {
	addr, ok := v[token]
	if !ok || token == "" {
		return common.Address{}, ErrInvalidToken
	}
	return addr, nil
}
