package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftline-commerce/driftline/internal/claim"
	"github.com/driftline-commerce/driftline/internal/provider"
	"github.com/driftline-commerce/driftline/internal/reservation"
	"github.com/driftline-commerce/driftline/internal/store"
)

const squareSigningKey = "test-square-signing-key"

func newTestIntegrator(t *testing.T, outboundURL string) (*Integrator, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(&store.Config{Path: path})
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reservations := reservation.New(s.DB())
	claims := claim.New(s.DB(), 5*time.Minute)

	p, err := provider.New(provider.KindSquare, &provider.SquareConfig{WebhookSignatureKey: squareSigningKey})
	if err != nil {
		t.Fatalf("provider.New() error = %v", err)
	}

	return New(s, reservations, claims, p, outboundURL, nil), s
}

// squareHeader signs body as if notificationURL were "", matching the
// integrator's default of no "webhook_url" setting configured.
func squareHeader(t *testing.T, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(squareSigningKey))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	return body
}

// TestHandleInboundReservesConfirmsAndNotifies covers scenario 1: a
// completed checkout confirms its reservations and fires the outbound
// order.completed notification.
func TestHandleInboundReservesConfirmsAndNotifies(t *testing.T) {
	var notified int32
	notifyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&notified, 1)
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["event_type"] != "order.completed" {
			t.Errorf("notification event_type = %v, want order.completed", payload["event_type"])
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer notifyServer.Close()

	in, s := newTestIntegrator(t, notifyServer.URL)
	product := &store.Product{ID: "p1", SKU: "WIDGET", Name: "Widget", UnitPrice: 500, Stock: 10, Active: true, Created: time.Unix(0, 0)}
	if err := s.CreateProduct(product); err != nil {
		t.Fatalf("CreateProduct() error = %v", err)
	}

	ctx := context.Background()
	if _, err := in.Reservations.ReserveOne(ctx, product.ID, 2, "order_completed_1"); err != nil {
		t.Fatalf("ReserveOne() error = %v", err)
	}

	event := map[string]any{
		"type": "payment.updated",
		"data": map[string]any{
			"object": map[string]any{
				"order": map[string]any{"id": "order_completed_1"},
			},
		},
	}
	body := mustMarshal(t, event)
	header := squareHeader(t, body)

	result, err := in.HandleInbound(ctx, header, body)
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if result.Action != "confirmed" || result.ConfirmedCount != 1 {
		t.Errorf("result = %+v, want confirmed/1", result)
	}

	// notifyOrderCompleted is called inline (New() uses a 5s-timeout
	// client), so delivery has finished by the time HandleInbound returns.
	if atomic.LoadInt32(&notified) != 1 {
		t.Errorf("notification delivered %d times, want 1", notified)
	}
}

// TestHandleInboundIsIdempotentOnReplay covers scenario 3: replaying the
// same completed-checkout event must not double-confirm or double-notify.
func TestHandleInboundIsIdempotentOnReplay(t *testing.T) {
	var notifyCount int32
	notifyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&notifyCount, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer notifyServer.Close()

	in, s := newTestIntegrator(t, notifyServer.URL)
	product := &store.Product{ID: "p2", SKU: "GADGET", Name: "Gadget", UnitPrice: 750, Stock: 10, Active: true, Created: time.Unix(0, 0)}
	if err := s.CreateProduct(product); err != nil {
		t.Fatalf("CreateProduct() error = %v", err)
	}

	ctx := context.Background()
	if _, err := in.Reservations.ReserveOne(ctx, product.ID, 1, "order_replay_1"); err != nil {
		t.Fatalf("ReserveOne() error = %v", err)
	}

	event := map[string]any{
		"type": "payment.updated",
		"data": map[string]any{
			"object": map[string]any{
				"order": map[string]any{"id": "order_replay_1"},
			},
		},
	}
	body := mustMarshal(t, event)
	header := squareHeader(t, body)

	first, err := in.HandleInbound(ctx, header, body)
	if err != nil {
		t.Fatalf("first HandleInbound() error = %v", err)
	}
	if first.Action != "confirmed" {
		t.Fatalf("first Action = %q, want confirmed", first.Action)
	}

	second, err := in.HandleInbound(ctx, header, body)
	if err != nil {
		t.Fatalf("second HandleInbound() error = %v", err)
	}
	if second.Action != "already_processed" {
		t.Errorf("second Action = %q, want already_processed", second.Action)
	}

	if atomic.LoadInt32(&notifyCount) != 1 {
		t.Errorf("notification delivered %d times on replay, want 1 (no duplicate)", notifyCount)
	}
}

// TestHandleInboundRecoversFromStaleClaim covers scenario 4: a claim left
// behind by a crashed handler past the stale threshold must be
// reclaimable and re-processed rather than permanently stuck.
func TestHandleInboundRecoversFromStaleClaim(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(&store.Config{Path: path})
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reservations := reservation.New(s.DB())
	claims := claim.New(s.DB(), 1*time.Millisecond)
	p, err := provider.New(provider.KindSquare, &provider.SquareConfig{WebhookSignatureKey: squareSigningKey})
	if err != nil {
		t.Fatalf("provider.New() error = %v", err)
	}
	in := New(s, reservations, claims, p, "", nil)

	product := &store.Product{ID: "p3", SKU: "STALE", Name: "Stale", UnitPrice: 100, Stock: 5, Active: true, Created: time.Unix(0, 0)}
	if err := s.CreateProduct(product); err != nil {
		t.Fatalf("CreateProduct() error = %v", err)
	}

	ctx := context.Background()
	if _, err := in.Reservations.ReserveOne(ctx, product.ID, 1, "order_stale_1"); err != nil {
		t.Fatalf("ReserveOne() error = %v", err)
	}

	// Simulate a crashed first delivery: claim the session directly
	// without confirming, then let the stale threshold elapse.
	if _, err := claims.Claim(ctx, "order_stale_1"); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	event := map[string]any{
		"type": "payment.updated",
		"data": map[string]any{
			"object": map[string]any{
				"order": map[string]any{"id": "order_stale_1"},
			},
		},
	}
	body := mustMarshal(t, event)
	header := squareHeader(t, body)

	result, err := in.HandleInbound(ctx, header, body)
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if result.Action != "confirmed" || result.ConfirmedCount != 1 {
		t.Errorf("result = %+v, want confirmed/1 (stale claim should be reclaimed)", result)
	}
}

// TestHandleInboundRefundRestocksReservation covers scenario 5: a refund
// event restocks the originally confirmed reservation. Square resolves
// the refund's order id directly from the decoded payload, so this runs
// with no outbound network call involved.
func TestHandleInboundRefundRestocksReservation(t *testing.T) {
	in, s := newTestIntegrator(t, "")
	product := &store.Product{ID: "p4", SKU: "REFUNDABLE", Name: "Refundable", UnitPrice: 200, Stock: 3, Active: true, Created: time.Unix(0, 0)}
	if err := s.CreateProduct(product); err != nil {
		t.Fatalf("CreateProduct() error = %v", err)
	}

	ctx := context.Background()
	if _, err := in.Reservations.ReserveOne(ctx, product.ID, 1, "order_refund_1"); err != nil {
		t.Fatalf("ReserveOne() error = %v", err)
	}
	if _, err := in.Reservations.Confirm(ctx, "order_refund_1"); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}

	available, err := s.AvailableStock(product.ID)
	if err != nil {
		t.Fatalf("AvailableStock() error = %v", err)
	}
	if available != 2 {
		t.Fatalf("available stock before refund = %d, want 2", available)
	}

	event := map[string]any{
		"type": "refund.updated",
		"data": map[string]any{
			"object": map[string]any{
				"refund": map[string]any{"order_id": "order_refund_1"},
			},
		},
	}
	body := mustMarshal(t, event)
	header := squareHeader(t, body)

	result, err := in.HandleInbound(ctx, header, body)
	if err != nil {
		t.Fatalf("HandleInbound() error = %v", err)
	}
	if result.Action != "restocked" || result.RestockedCount != 1 {
		t.Errorf("result = %+v, want restocked/1", result)
	}

	available, err = s.AvailableStock(product.ID)
	if err != nil {
		t.Fatalf("AvailableStock() error = %v", err)
	}
	if available != 3 {
		t.Errorf("available stock after refund = %d, want 3", available)
	}
}

func TestHandleInboundRejectsBadSignature(t *testing.T) {
	in, _ := newTestIntegrator(t, "")
	body := mustMarshal(t, map[string]any{"type": "payment.updated"})

	if _, err := in.HandleInbound(context.Background(), "not-a-real-signature", body); err == nil {
		t.Error("HandleInbound() with bad signature error = nil, want error")
	}
}

func TestHandleInboundRejectsMissingProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(&store.Config{Path: path})
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	in := New(s, reservation.New(s.DB()), claim.New(s.DB(), 5*time.Minute), nil, "", nil)

	if _, err := in.HandleInbound(context.Background(), "whatever", []byte(`{}`)); err == nil {
		t.Error("HandleInbound() with nil provider error = nil, want error")
	}
}
