// Package gateway talks to the ZenoPay mobile-money API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/honeynil/sms-billing/internal/circuitbreaker"
	"github.com/honeynil/sms-billing/internal/infrastructure/observability"
	"github.com/honeynil/sms-billing/internal/models"
	"github.com/honeynil/sms-billing/internal/retry"
	pkgerrors "github.com/honeynil/sms-billing/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const breakerKey = "zenopay"

type Config struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	WebhookURL       string
	PollAttempts     int
	PollBackoff      time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 3
	}
	if c.PollBackoff <= 0 {
		c.PollBackoff = 500 * time.Millisecond
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

type InitiateRequest struct {
	OrderID    string
	BuyerEmail string
	BuyerName  string
	BuyerPhone string
	Amount     decimal.Decimal
	Channel    models.Channel
}

// InitiateResult reports whether the gateway accepted the push request.
// A rejected request carries the gateway message.
type InitiateResult struct {
	Accepted  bool
	Reference string
	Message   string
}

// PollResult is the normalized order status. Raw holds the response body.
type PollResult struct {
	Status    Status
	Reference string
	TransID   string
	Channel   string
	MSISDN    string
	Raw       json.RawMessage
}

// Client is the ZenoPay HTTP adapter. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
}

type initiateBody struct {
	OrderID    string `json:"order_id"`
	BuyerEmail string `json:"buyer_email"`
	BuyerName  string `json:"buyer_name"`
	BuyerPhone string `json:"buyer_phone"`
	Amount     int64  `json:"amount"`
	WebhookURL string `json:"webhook_url,omitempty"`
	Channel    string `json:"channel,omitempty"`
}

type initiateResponse struct {
	Status     string `json:"status"`
	ResultCode string `json:"resultcode"`
	Message    string `json:"message"`
	OrderID    string `json:"order_id"`
	Reference  string `json:"reference"`
}

// Initiate asks the gateway to push a payment prompt to the buyer's phone.
// It is never retried: a second push would prompt the buyer twice.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	ctx, span := otel.Tracer("gateway").Start(ctx, "Initiate")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", req.OrderID), attribute.String("channel", string(req.Channel)))

	phone, err := NormalizePhone(req.BuyerPhone)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(initiateBody{
		OrderID:    req.OrderID,
		BuyerEmail: req.BuyerEmail,
		BuyerName:  req.BuyerName,
		BuyerPhone: phone,
		Amount:     req.Amount.Round(0).IntPart(),
		WebhookURL: c.cfg.WebhookURL,
		Channel:    string(req.Channel),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal initiate request: %w", err)
	}

	var resp initiateResponse
	status, err := c.do(ctx, "initiate", http.MethodPost, c.cfg.BaseURL+"/mobile_money_tanzania", body, &resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("gateway initiate failed", "order_id", req.OrderID, "error", err)
		return &InitiateResult{Message: err.Error()}, err
	}

	res := &InitiateResult{Reference: resp.Reference, Message: resp.Message}
	if status >= 200 && status < 300 && strings.EqualFold(resp.Status, "success") {
		res.Accepted = true
	} else if res.Message == "" {
		res.Message = fmt.Sprintf("gateway rejected payment request (http %d)", status)
	}
	slog.Info("gateway initiate", "order_id", req.OrderID, "accepted", res.Accepted, "http_status", status)
	return res, nil
}

type orderStatusResponse struct {
	Result    string `json:"result"`
	Message   string `json:"message"`
	Reference string `json:"reference"`
	Data      []struct {
		OrderID       string `json:"order_id"`
		PaymentStatus string `json:"payment_status"`
		TransID       string `json:"transid"`
		Channel       string `json:"channel"`
		MSISDN        string `json:"msisdn"`
		Reference     string `json:"reference"`
		Amount        string `json:"amount"`
	} `json:"data"`
}

// PollStatus queries the current status of gatewayOrderID. Transport errors
// and 5xx responses are retried with backoff; once the breaker opens calls
// fail fast with ErrGatewayUnavailable.
func (c *Client) PollStatus(ctx context.Context, gatewayOrderID string) (*PollResult, error) {
	ctx, span := otel.Tracer("gateway").Start(ctx, "PollStatus")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", gatewayOrderID))

	if !c.breaker.Allow(breakerKey) {
		observability.GatewayRequests.WithLabelValues("poll", "breaker_open").Inc()
		return nil, fmt.Errorf("%w: circuit open", pkgerrors.ErrGatewayUnavailable)
	}

	endpoint := c.cfg.BaseURL + "/order-status?order_id=" + url.QueryEscape(gatewayOrderID)

	var (
		resp orderStatusResponse
		raw  []byte
	)
	err := retry.Do(ctx, c.cfg.PollAttempts, c.cfg.PollBackoff, func(ctx context.Context) error {
		resp = orderStatusResponse{}
		status, body, err := c.send(ctx, "poll", http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		if status >= 500 {
			return fmt.Errorf("%w: http %d", pkgerrors.ErrGatewayUnavailable, status)
		}
		if status >= 400 {
			return retry.Permanent(fmt.Errorf("%w: http %d", pkgerrors.ErrGatewayUnavailable, status))
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return retry.Permanent(fmt.Errorf("%w: decode order status: %v", pkgerrors.ErrGatewayUnavailable, err))
		}
		raw = body
		return nil
	})
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	c.breaker.RecordSuccess(breakerKey)

	res := &PollResult{Status: StatusUnknown, Reference: resp.Reference, Raw: raw}
	if len(resp.Data) > 0 {
		d := resp.Data[0]
		res.Status = pollStatus(resp.Result, d.PaymentStatus)
		res.TransID = d.TransID
		res.Channel = d.Channel
		res.MSISDN = d.MSISDN
		if d.Reference != "" {
			res.Reference = d.Reference
		}
	} else if strings.EqualFold(resp.Result, "FAILED") {
		res.Status = StatusFailed
	}
	span.SetAttributes(attribute.String("status", string(res.Status)))
	return res, nil
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body []byte, out any) (int, error) {
	status, respBody, err := c.send(ctx, op, method, endpoint, body)
	if err != nil {
		return 0, err
	}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil && status < 300 {
			return status, fmt.Errorf("%w: decode %s response: %v", pkgerrors.ErrGatewayUnavailable, op, err)
		}
	}
	return status, nil
}

// send performs one request. Network failures and timeouts are reported as
// ErrGatewayUnavailable.
func (c *Client) send(ctx context.Context, op, method, endpoint string, body []byte) (int, []byte, error) {
	start := time.Now()
	defer func() {
		observability.GatewayDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return 0, nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		observability.GatewayRequests.WithLabelValues(op, "error").Inc()
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return 0, nil, retry.Permanent(err)
		}
		return 0, nil, fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		observability.GatewayRequests.WithLabelValues(op, "error").Inc()
		return 0, nil, fmt.Errorf("%w: read %s response: %v", pkgerrors.ErrGatewayUnavailable, op, err)
	}
	observability.GatewayRequests.WithLabelValues(op, fmt.Sprint(resp.StatusCode)).Inc()
	return resp.StatusCode, respBody, nil
}
