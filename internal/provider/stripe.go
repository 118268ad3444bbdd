package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/driftline-commerce/driftline/internal/cryptoutil"
)

const stripeAPIBase = "https://api.stripe.com/v1"

// stripeSignatureTolerance bounds how old a signed timestamp may be
// before the signature is rejected as a replay.
const stripeSignatureTolerance = 5 * time.Minute

func (p *Provider) stripeCreateCheckoutSession(ctx context.Context, amount int64, currency, successURL, cancelURL string) (*CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", successURL)
	form.Set("cancel_url", cancelURL)
	form.Set("line_items[0][price_data][currency]", strings.ToLower(currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(amount, 10))
	form.Set("line_items[0][price_data][product_data][name]", "Order")
	form.Set("line_items[0][quantity]", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, stripeAPIBase+"/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("provider: stripe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.Stripe.SecretKey, "")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: stripe call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider: stripe status %d", resp.StatusCode)
	}

	var out struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("provider: decode stripe response: %w", err)
	}

	return &CheckoutSession{ID: out.ID, URL: out.URL}, nil
}

// stripeVerifySignature parses a "Stripe-Signature" header of the form
// "t=<epoch>,v1=<hex>[,v1=<hex>...]" and verifies that
// HMAC-SHA256(webhookSecret, "<t>.<body>") matches one of the v1 values,
// rejecting timestamps outside stripeSignatureTolerance. Only once the
// signature checks out does it decode body into the event map it returns.
func (p *Provider) stripeVerifySignature(header string, body []byte) (map[string]any, error) {
	var timestamp string
	var signatures []string

	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		return nil, ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	if age := time.Since(time.Unix(ts, 0)); age > stripeSignatureTolerance || age < -stripeSignatureTolerance {
		return nil, ErrInvalidSignature
	}

	signedPayload := timestamp + "." + string(body)
	expected := cryptoutil.HMACSHA256Hex([]byte(p.Stripe.WebhookSecret), []byte(signedPayload))

	verified := false
	for _, sig := range signatures {
		if cryptoutil.ConstantTimeEqual([]byte(expected), []byte(sig)) {
			verified = true
			break
		}
	}
	if !verified {
		return nil, ErrInvalidSignature
	}

	var event map[string]any
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("provider: decode stripe webhook body: %w", err)
	}
	return event, nil
}

func stripeSessionIDFromEvent(event map[string]any) (string, error) {
	data, _ := event["data"].(map[string]any)
	obj, _ := data["object"].(map[string]any)
	id, _ := obj["id"].(string)
	if id == "" {
		return "", fmt.Errorf("provider: stripe event missing session id")
	}
	return id, nil
}

func (p *Provider) stripeGetRefundReference(ctx context.Context, event map[string]any) (string, error) {
	data, _ := event["data"].(map[string]any)
	obj, _ := data["object"].(map[string]any)

	if sessionID, _ := obj["payment_intent"].(string); sessionID != "" {
		return p.stripeLookupSessionByPaymentIntent(ctx, sessionID)
	}

	return "", fmt.Errorf("provider: stripe refund event missing payment_intent")
}

func (p *Provider) stripeLookupSessionByPaymentIntent(ctx context.Context, paymentIntentID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		stripeAPIBase+"/checkout/sessions?payment_intent="+url.QueryEscape(paymentIntentID), nil)
	if err != nil {
		return "", fmt.Errorf("provider: stripe request: %w", err)
	}
	req.SetBasicAuth(p.Stripe.SecretKey, "")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider: stripe call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("provider: stripe status %d", resp.StatusCode)
	}

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("provider: decode stripe response: %w", err)
	}
	if len(out.Data) == 0 {
		return "", fmt.Errorf("provider: no session found for payment intent %s", paymentIntentID)
	}

	return out.Data[0].ID, nil
}
