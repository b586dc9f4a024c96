package gateway

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

type Config struct {
	BaseURL     string
	SecretKey   string
	WebhookHash string
	RedirectURL string
	Timeout     time.Duration
}

// Client talks to the Flutterwave v3 API.
type Client struct {
	cfg  Config
	http *http.Client
	cb   *gobreaker.CircuitBreaker[*response]
	log  *zap.Logger
}

type response struct {
	status int
	body   []byte
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return &Client{
		cfg:  cfg,
		http: httpClient,
		cb:   newBreaker[*response]("flutterwave", log),
		log:  log,
	}
}

func (c *Client) Initialize(ctx context.Context, req ChargeRequest) (*Charge, error) {
	redirect := req.RedirectURL
	if redirect == "" {
		redirect = c.cfg.RedirectURL
	}

	payload := chargePayload{
		TxRef:          req.TxRef,
		Amount:         req.Amount,
		Currency:       req.Currency,
		RedirectURL:    redirect,
		PaymentOptions: req.PaymentOptions,
		Customer: customerPayload{
			Email:       req.Customer.Email,
			Name:        req.Customer.Name,
			PhoneNumber: req.Customer.PhoneNumber,
		},
		Meta:           req.Meta,
		Customizations: customizations{Title: req.Title, Description: req.Description},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal charge request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/payments", body)
	if err != nil {
		return nil, err
	}

	env, err := decodeEnvelope(resp)
	if err != nil {
		return nil, err
	}
	if resp.status >= 400 || !strings.EqualFold(env.Status, "success") {
		return nil, fmt.Errorf("%w: %s", ErrRejected, env.Message)
	}

	var link hostedLink
	if err := json.Unmarshal(env.Data, &link); err != nil || link.Link == "" {
		return nil, fmt.Errorf("%w: response carries no payment link", ErrRejected)
	}
	return &Charge{TxRef: req.TxRef, Link: link.Link}, nil
}

func (c *Client) Verify(ctx context.Context, txRef string) (*Transaction, error) {
	path := "/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(txRef)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	env, err := decodeEnvelope(resp)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusNotFound ||
		(resp.status >= 400 && strings.Contains(strings.ToLower(env.Message), "no transaction")) {
		return nil, ErrTransactionNotFound
	}
	if resp.status >= 400 || !strings.EqualFold(env.Status, "success") {
		return nil, fmt.Errorf("%w: %s", ErrRejected, env.Message)
	}

	var data transactionData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &Transaction{
		ID:                data.ID.String(),
		TxRef:             data.TxRef,
		FlwRef:            data.FlwRef,
		Amount:            data.Amount,
		Currency:          data.Currency,
		Status:            data.Status,
		ProcessorResponse: data.ProcessorResponse,
		Raw:               env.Data,
	}, nil
}

// VerifyWebhookHash checks the verif-hash header sent with webhooks.
func (c *Client) VerifyWebhookHash(hash string) bool {
	if c.cfg.WebhookHash == "" || hash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hash), []byte(c.cfg.WebhookHash)) == 1
}

// do runs a call through the breaker. Only transient failures come back as
// errors from inside the breaker; 4xx answers are returned as responses.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*response, error) {
	resp, err := c.cb.Execute(func() (*response, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		httpResp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
		}
		if httpResp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, httpResp.StatusCode)
		}
		return &response{status: httpResp.StatusCode, body: data}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return resp, nil
}

func decodeEnvelope(resp *response) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(resp.body, &env); err != nil {
		if resp.status >= 400 {
			return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.status)
		}
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	return &env, nil
}
