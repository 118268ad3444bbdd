package provider

import (
	"context"
	"testing"
	"time"

	"github.com/driftline-commerce/driftline/internal/cryptoutil"
)

func TestNewRejectsMismatchedConfig(t *testing.T) {
	if _, err := New(KindStripe, &SquareConfig{}); err != ErrUnsupportedKind {
		t.Errorf("New(KindStripe, *SquareConfig) error = %v, want ErrUnsupportedKind", err)
	}
	if _, err := New(Kind("amex"), &StripeConfig{}); err != ErrUnsupportedKind {
		t.Errorf("New(unknown kind) error = %v, want ErrUnsupportedKind", err)
	}
}

func TestEventTypesDifferByKind(t *testing.T) {
	stripe, _ := New(KindStripe, &StripeConfig{})
	square, _ := New(KindSquare, &SquareConfig{})

	if stripe.CheckoutCompletedEventType() != "checkout.session.completed" {
		t.Errorf("stripe CheckoutCompletedEventType() = %q", stripe.CheckoutCompletedEventType())
	}
	if square.CheckoutCompletedEventType() != "payment.updated" {
		t.Errorf("square CheckoutCompletedEventType() = %q", square.CheckoutCompletedEventType())
	}
	if stripe.RefundEventType() == square.RefundEventType() {
		t.Error("stripe and square RefundEventType() should differ")
	}
}

func TestStripeVerifySignatureRoundTrip(t *testing.T) {
	p, err := New(KindStripe, &StripeConfig{WebhookSecret: "whsec_test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	body := []byte(`{"type":"checkout.session.completed"}`)
	header := signStripe(t, "whsec_test", time.Now(), body)

	event, err := p.VerifyWebhookSignature(header, body, "")
	if err != nil {
		t.Errorf("VerifyWebhookSignature() error = %v, want nil", err)
	}
	if event["type"] != "checkout.session.completed" {
		t.Errorf("event[type] = %v, want checkout.session.completed", event["type"])
	}
}

func TestStripeVerifySignatureRejectsTampering(t *testing.T) {
	p, err := New(KindStripe, &StripeConfig{WebhookSecret: "whsec_test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	body := []byte(`{"type":"checkout.session.completed"}`)
	header := signStripe(t, "whsec_test", time.Now(), body)

	if _, err := p.VerifyWebhookSignature(header, []byte(`{"type":"tampered"}`), ""); err != ErrInvalidSignature {
		t.Errorf("VerifyWebhookSignature(tampered body) error = %v, want ErrInvalidSignature", err)
	}
}

func TestStripeVerifySignatureRejectsWrongSecret(t *testing.T) {
	p, err := New(KindStripe, &StripeConfig{WebhookSecret: "whsec_test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	body := []byte(`{}`)
	header := signStripe(t, "whsec_other", time.Now(), body)

	if _, err := p.VerifyWebhookSignature(header, body, ""); err != ErrInvalidSignature {
		t.Errorf("VerifyWebhookSignature(wrong secret) error = %v, want ErrInvalidSignature", err)
	}
}

func TestStripeVerifySignatureRejectsStaleTimestamp(t *testing.T) {
	p, err := New(KindStripe, &StripeConfig{WebhookSecret: "whsec_test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	body := []byte(`{}`)
	header := signStripe(t, "whsec_test", time.Now().Add(-time.Hour), body)

	if _, err := p.VerifyWebhookSignature(header, body, ""); err != ErrInvalidSignature {
		t.Errorf("VerifyWebhookSignature(stale) error = %v, want ErrInvalidSignature", err)
	}
}

func TestStripeSessionIDFromEvent(t *testing.T) {
	event := map[string]any{
		"data": map[string]any{
			"object": map[string]any{"id": "cs_test_abc"},
		},
	}
	p, _ := New(KindStripe, &StripeConfig{})
	id, err := p.SessionIDFromEvent(event)
	if err != nil {
		t.Fatalf("SessionIDFromEvent() error = %v", err)
	}
	if id != "cs_test_abc" {
		t.Errorf("id = %q, want %q", id, "cs_test_abc")
	}
}

func TestSquareVerifySignatureRoundTrip(t *testing.T) {
	p, err := New(KindSquare, &SquareConfig{WebhookSignatureKey: "square-signing-key"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	body := []byte(`{"type":"payment.updated"}`)
	header := signSquare(t, "square-signing-key", "https://example.test/webhooks/square", body)

	event, err := p.VerifyWebhookSignature(header, body, "https://example.test/webhooks/square")
	if err != nil {
		t.Errorf("VerifyWebhookSignature() error = %v, want nil", err)
	}
	if event["type"] != "payment.updated" {
		t.Errorf("event[type] = %v, want payment.updated", event["type"])
	}
}

func TestSquareVerifySignatureRejectsTampering(t *testing.T) {
	p, err := New(KindSquare, &SquareConfig{WebhookSignatureKey: "square-signing-key"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	body := []byte(`{"type":"payment.updated"}`)
	header := signSquare(t, "square-signing-key", "https://example.test/webhooks/square", body)

	if _, err := p.VerifyWebhookSignature(header, []byte(`{"type":"tampered"}`), "https://example.test/webhooks/square"); err != ErrInvalidSignature {
		t.Errorf("VerifyWebhookSignature(tampered) error = %v, want ErrInvalidSignature", err)
	}
}

func TestSquareVerifySignatureRejectsWrongURL(t *testing.T) {
	p, err := New(KindSquare, &SquareConfig{WebhookSignatureKey: "square-signing-key"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	body := []byte(`{"type":"payment.updated"}`)
	header := signSquare(t, "square-signing-key", "https://example.test/webhooks/square", body)

	if _, err := p.VerifyWebhookSignature(header, body, "https://attacker.test/webhooks/square"); err != ErrInvalidSignature {
		t.Errorf("VerifyWebhookSignature(wrong url) error = %v, want ErrInvalidSignature", err)
	}
}

func TestSquareSessionIDFromEventPrefersOrder(t *testing.T) {
	event := map[string]any{
		"data": map[string]any{
			"object": map[string]any{
				"order": map[string]any{"id": "order_123"},
			},
		},
	}
	id, err := squareSessionIDFromEvent(event)
	if err != nil {
		t.Fatalf("squareSessionIDFromEvent() error = %v", err)
	}
	if id != "order_123" {
		t.Errorf("id = %q, want %q", id, "order_123")
	}
}

func TestSquareSessionIDFromEventFallsBackToPaymentOrderID(t *testing.T) {
	event := map[string]any{
		"data": map[string]any{
			"object": map[string]any{
				"payment": map[string]any{"order_id": "order_456"},
			},
		},
	}
	id, err := squareSessionIDFromEvent(event)
	if err != nil {
		t.Fatalf("squareSessionIDFromEvent() error = %v", err)
	}
	if id != "order_456" {
		t.Errorf("id = %q, want %q", id, "order_456")
	}
}

func TestSquareGetRefundReferenceNeedsNoNetworkCall(t *testing.T) {
	p, err := New(KindSquare, &SquareConfig{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	event := map[string]any{
		"data": map[string]any{
			"object": map[string]any{
				"refund": map[string]any{"order_id": "order_789"},
			},
		},
	}
	id, err := p.GetRefundReference(context.Background(), event)
	if err != nil {
		t.Fatalf("GetRefundReference() error = %v", err)
	}
	if id != "order_789" {
		t.Errorf("id = %q, want %q", id, "order_789")
	}
}

func signStripe(t *testing.T, secret string, ts time.Time, body []byte) string {
	t.Helper()
	tsStr := itoa(ts.Unix())
	sig := cryptoutil.HMACSHA256Hex([]byte(secret), []byte(tsStr+"."+string(body)))
	return "t=" + tsStr + ",v1=" + sig
}

func signSquare(t *testing.T, key, notificationURL string, body []byte) string {
	t.Helper()
	signedPayload := append([]byte(notificationURL), body...)
	return hexToBase64(cryptoutil.HMACSHA256Hex([]byte(key), signedPayload))
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
