package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPGateway talks to the processor's REST API. Kept deliberately
// thin: request shaping and decline decoding only, no business rules.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type authorizeDTO struct {
	Amount             string            `json:"amount"`
	PayerRef           string            `json:"payer_ref"`
	PayeeRef           string            `json:"payee_ref,omitempty"`
	FeeAmount          string            `json:"fee_amount,omitempty"`
	CaptureImmediately bool              `json:"capture_immediately"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

type authorizeResultDTO struct {
	AuthID       string `json:"auth_id"`
	DeclineCode  string `json:"decline_code"`
	DeclineMsg   string `json:"decline_message"`
	Declined     bool   `json:"declined"`
	ErrorMessage string `json:"error"`
}

func (g *HTTPGateway) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	dto := authorizeDTO{
		Amount:             req.Amount.StringFixed(2),
		PayerRef:           req.PayerRef,
		PayeeRef:           req.PayeeRef,
		CaptureImmediately: req.CaptureImmediately,
		Metadata:           req.Metadata,
	}
	if !req.FeeAmount.IsZero() {
		dto.FeeAmount = req.FeeAmount.StringFixed(2)
	}

	var result authorizeResultDTO
	if err := g.post(ctx, "/v1/authorizations", dto, &result); err != nil {
		return "", err
	}
	if result.Declined {
		return "", &DeclineError{Code: result.DeclineCode, Message: result.DeclineMsg}
	}
	if result.ErrorMessage != "" {
		return "", fmt.Errorf("gateway error: %s", result.ErrorMessage)
	}
	return result.AuthID, nil
}

func (g *HTTPGateway) Capture(ctx context.Context, authID string) error {
	return g.authAction(ctx, authID, "capture")
}

func (g *HTTPGateway) Cancel(ctx context.Context, authID string) error {
	return g.authAction(ctx, authID, "cancel")
}

func (g *HTTPGateway) Refund(ctx context.Context, authID string) error {
	return g.authAction(ctx, authID, "refund")
}

func (g *HTTPGateway) authAction(ctx context.Context, authID, action string) error {
	var result authorizeResultDTO
	path := fmt.Sprintf("/v1/authorizations/%s/%s", authID, action)
	if err := g.post(ctx, path, struct{}{}, &result); err != nil {
		return err
	}
	if result.Declined {
		return &DeclineError{Code: result.DeclineCode, Message: result.DeclineMsg}
	}
	if result.ErrorMessage != "" {
		return fmt.Errorf("gateway error: %s", result.ErrorMessage)
	}
	return nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}
