// Package webhook implements the inbound payment-provider webhook
// ingress and the outbound order-completed notification, dispatching on
// the provider's declared event-type strings rather than parsing
// provider JSON directly in this package.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/driftline-commerce/driftline/internal/apperror"
	"github.com/driftline-commerce/driftline/internal/claim"
	"github.com/driftline-commerce/driftline/internal/provider"
	"github.com/driftline-commerce/driftline/internal/reservation"
	"github.com/driftline-commerce/driftline/internal/store"
	"github.com/driftline-commerce/driftline/pkg/logging"
)

// SignatureHeaderName returns the HTTP header carrying a provider's
// webhook signature.
func SignatureHeaderName(kind provider.Kind) string {
	switch kind {
	case provider.KindStripe:
		return "Stripe-Signature"
	case provider.KindSquare:
		return "X-Square-Hmacsha256-Signature"
	default:
		return ""
	}
}

// Result summarises the outcome of HandleInbound for the HTTP response
// body.
type Result struct {
	Received        bool   `json:"received"`
	Processed       bool   `json:"processed,omitempty"`
	Action          string `json:"action,omitempty"`
	ConfirmedCount  int    `json:"confirmed_count,omitempty"`
	ExpiredCount    int    `json:"expired_count,omitempty"`
	RestockedCount  int    `json:"restocked_count,omitempty"`
}

// Integrator wires together the provider abstraction, the reservation
// engine, the idempotency claim store, and outbound notification.
type Integrator struct {
	Store        *store.Store
	Reservations *reservation.Engine
	Claims       *claim.Store
	Provider     *provider.Provider
	OutboundURL  string
	HTTPClient   *http.Client
	Log          *logging.Logger
}

// New constructs an Integrator. httpClient may be nil, in which case a
// bounded-timeout default client is used for outbound notification.
func New(s *store.Store, reservations *reservation.Engine, claims *claim.Store, p *provider.Provider, outboundURL string, httpClient *http.Client) *Integrator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Integrator{
		Store:        s,
		Reservations: reservations,
		Claims:       claims,
		Provider:     p,
		OutboundURL:  outboundURL,
		HTTPClient:   httpClient,
		Log:          logging.GetDefault().Component("webhook"),
	}
}

// HandleInbound runs the full inbound webhook algorithm: provider
// configured check, signature verification, event dispatch, and
// idempotent completion/expiry/refund handling.
func (in *Integrator) HandleInbound(ctx context.Context, header string, body []byte) (Result, error) {
	if in.Provider == nil {
		return Result{}, apperror.New(apperror.NotConfigured, "no payment provider configured")
	}

	if header == "" {
		return Result{}, apperror.New(apperror.SignatureInvalid, "missing signature header")
	}

	webhookURL, _, err := in.Store.GetSetting(nil, store.SettingWebhookURL)
	if err != nil {
		return Result{}, apperror.Wrap(apperror.Internal, "failed to read webhook url setting", err)
	}

	event, err := in.Provider.VerifyWebhookSignature(header, body, webhookURL)
	if err != nil {
		return Result{}, apperror.Wrap(apperror.SignatureInvalid, "signature verification failed", err)
	}

	eventType, _ := event["type"].(string)

	switch eventType {
	case in.Provider.CheckoutCompletedEventType():
		return in.handleCompleted(ctx, event)
	case in.Provider.CheckoutExpiredEventType():
		return in.handleExpired(ctx, event)
	case in.Provider.RefundEventType():
		return in.handleRefund(ctx, event)
	default:
		return Result{Received: true}, nil
	}
}

func (in *Integrator) handleCompleted(ctx context.Context, event map[string]any) (Result, error) {
	sessionID, err := in.Provider.SessionIDFromEvent(event)
	if err != nil {
		return Result{}, apperror.Wrap(apperror.Validation, "could not resolve session id", err)
	}

	outcome, err := in.Claims.Claim(ctx, sessionID)
	if err != nil {
		return Result{}, apperror.Wrap(apperror.Internal, "claim failed", err)
	}

	if outcome.Outcome == claim.AlreadyProcessed || outcome.Outcome == claim.AlreadyClaimed {
		return Result{Received: true, Processed: true, Action: "already_processed"}, nil
	}

	confirmed, err := in.Reservations.Confirm(ctx, sessionID)
	if err != nil {
		_ = in.Claims.Unclaim(ctx, sessionID)
		return Result{}, apperror.Wrap(apperror.Internal, "confirm failed", err)
	}

	in.notifyOrderCompleted(ctx, sessionID)

	return Result{Received: true, Processed: true, Action: "confirmed", ConfirmedCount: confirmed}, nil
}

func (in *Integrator) handleExpired(ctx context.Context, event map[string]any) (Result, error) {
	sessionID, err := in.Provider.SessionIDFromEvent(event)
	if err != nil {
		return Result{}, apperror.Wrap(apperror.Validation, "could not resolve session id", err)
	}

	expired, err := in.Reservations.Expire(ctx, sessionID)
	if err != nil {
		return Result{}, apperror.Wrap(apperror.Internal, "expire failed", err)
	}

	return Result{Received: true, Processed: true, Action: "expired", ExpiredCount: expired}, nil
}

func (in *Integrator) handleRefund(ctx context.Context, event map[string]any) (Result, error) {
	sessionID, err := in.Provider.GetRefundReference(ctx, event)
	if err != nil {
		return Result{}, apperror.Wrap(apperror.Validation, "could not resolve refund reference", err)
	}

	restocked, err := in.Reservations.RestockFromRefund(ctx, sessionID)
	if err != nil {
		return Result{}, apperror.Wrap(apperror.Internal, "restock failed", err)
	}

	return Result{Received: true, Processed: true, Action: "restocked", RestockedCount: restocked}, nil
}

// orderCompletedPayload mirrors the outbound notification shape of
// spec.md §6.
type orderCompletedPayload struct {
	EventType         string            `json:"event_type"`
	ProviderSessionID string            `json:"provider_session_id"`
	Currency          string            `json:"currency"`
	LineItems         []orderLineItem   `json:"line_items"`
	Timestamp         string            `json:"timestamp"`
}

type orderLineItem struct {
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int64  `json:"quantity"`
}

// notifyOrderCompleted posts the order.completed payload to OutboundURL.
// Failures are logged at Warn and never affect the caller's webhook
// response.
func (in *Integrator) notifyOrderCompleted(ctx context.Context, sessionID string) {
	if in.OutboundURL == "" {
		return
	}

	reservations, err := in.Reservations.ListBySession(ctx, sessionID)
	if err != nil {
		in.Log.Warn("failed to list reservations for notification", "session_id", sessionID, "error", err)
		return
	}

	currency, _, err := in.Store.GetSetting(nil, store.SettingCurrencyCode)
	if err != nil {
		currency = ""
	}

	lineItems := make([]orderLineItem, 0, len(reservations))
	for _, r := range reservations {
		product, err := in.Store.GetProduct(r.ProductID)
		if err != nil {
			continue
		}
		lineItems = append(lineItems, orderLineItem{
			SKU:       product.SKU,
			Name:      product.Name,
			UnitPrice: product.UnitPrice,
			Quantity:  r.Quantity,
		})
	}

	payload := orderCompletedPayload{
		EventType:         "order.completed",
		ProviderSessionID: sessionID,
		Currency:          currency,
		LineItems:         lineItems,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		in.Log.Warn("failed to marshal order notification", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.OutboundURL, bytes.NewReader(body))
	if err != nil {
		in.Log.Warn("failed to build order notification request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := in.HTTPClient.Do(req)
	if err != nil {
		in.Log.Warn("order notification delivery failed", "url", in.OutboundURL, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		in.Log.Warn("order notification rejected", "url", in.OutboundURL, "status", resp.StatusCode)
	}
}
