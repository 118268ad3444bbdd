// Package httpapi exposes driftline's public HTTP surface: product
// listing, checkout, and the payment webhook ingress. Route registration
// follows the teacher's net/http ServeMux + per-route handler-function
// style, adapted from JSON-RPC method dispatch to REST routes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/driftline-commerce/driftline/internal/apperror"
	"github.com/driftline-commerce/driftline/internal/provider"
	"github.com/driftline-commerce/driftline/internal/ratelimit"
	"github.com/driftline-commerce/driftline/internal/reservation"
	"github.com/driftline-commerce/driftline/internal/store"
	"github.com/driftline-commerce/driftline/internal/webhook"
	"github.com/driftline-commerce/driftline/pkg/logging"
)

// Server is driftline's public HTTP surface.
type Server struct {
	store        *store.Store
	reservations *reservation.Engine
	checkoutRL   *ratelimit.Limiter
	provider     *provider.Provider
	integrator   *webhook.Integrator
	log          *logging.Logger

	server   *http.Server
	listener net.Listener
}

// New constructs a Server. provider/integrator may be nil before /setup
// completes; handlers return NotConfigured in that case.
func New(s *store.Store, reservations *reservation.Engine, checkoutRL *ratelimit.Limiter, p *provider.Provider, integrator *webhook.Integrator) *Server {
	return &Server{
		store:        s,
		reservations: reservations,
		checkoutRL:   checkoutRL,
		provider:     p,
		integrator:   integrator,
		log:          logging.GetDefault().Component("httpapi"),
	}
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/products", s.handleListProducts)
	mux.HandleFunc("POST /api/checkout", s.handleCheckout)
	mux.HandleFunc("POST /payment/webhook", s.handleWebhook)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	s.log.Info("HTTP API server started", "addr", addr)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type productView struct {
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Available *int64 `json:"available"` // nil means unlimited
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.store.ListActiveProducts()
	if err != nil {
		s.writeError(w, apperror.Wrap(apperror.Internal, "failed to list products", err))
		return
	}

	views := make([]productView, 0, len(products))
	for _, p := range products {
		available, err := s.store.AvailableStock(p.ID)
		if err != nil {
			s.writeError(w, apperror.Wrap(apperror.Internal, "failed to compute available stock", err))
			return
		}

		view := productView{SKU: p.SKU, Name: p.Name, UnitPrice: p.UnitPrice}
		if available != -1 {
			view.Available = &available
		}
		views = append(views, view)
	}

	s.writeJSON(w, http.StatusOK, views)
}

type checkoutItem struct {
	SKU      string `json:"sku"`
	Quantity int64  `json:"quantity"`
}

type checkoutRequest struct {
	Items      []checkoutItem `json:"items"`
	SuccessURL string         `json:"success_url"`
	CancelURL  string         `json:"cancel_url"`
}

type checkoutResponse struct {
	SessionID   string `json:"sessionId"`
	CheckoutURL string `json:"checkoutUrl"`
}

type outOfStockItem struct {
	SKU       string `json:"sku"`
	Requested int64  `json:"requested"`
	Available int64  `json:"available"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	limited, err := s.checkoutRL.IsRateLimited(ip)
	if err != nil {
		s.writeError(w, apperror.Wrap(apperror.Internal, "rate limit check failed", err))
		return
	}
	if limited {
		s.writeError(w, apperror.New(apperror.RateLimited, "too many checkout attempts"))
		return
	}

	if _, err := s.checkoutRL.RecordAttempt(ip); err != nil {
		s.log.Debug("failed to record checkout attempt", "error", err)
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperror.Wrap(apperror.Validation, "malformed request body", err))
		return
	}

	if len(req.Items) == 0 || req.SuccessURL == "" || req.CancelURL == "" {
		s.writeError(w, apperror.New(apperror.Validation, "items, success_url, and cancel_url are required"))
		return
	}

	items := make([]reservation.Item, 0, len(req.Items))
	var outOfStock []outOfStockItem

	for _, item := range req.Items {
		if item.Quantity <= 0 {
			s.writeError(w, apperror.New(apperror.Validation, "quantity must be positive"))
			return
		}

		product, err := s.store.GetProductBySKU(item.SKU)
		if err != nil {
			if errors.Is(err, store.ErrProductNotFound) {
				s.writeError(w, apperror.New(apperror.Validation, fmt.Sprintf("unknown sku %q", item.SKU)))
				return
			}
			s.writeError(w, apperror.Wrap(apperror.Internal, "failed to look up product", err))
			return
		}

		available, err := s.store.AvailableStock(product.ID)
		if err != nil {
			s.writeError(w, apperror.Wrap(apperror.Internal, "failed to compute available stock", err))
			return
		}
		if available != -1 && item.Quantity > available {
			outOfStock = append(outOfStock, outOfStockItem{SKU: item.SKU, Requested: item.Quantity, Available: available})
			continue
		}

		items = append(items, reservation.Item{ProductID: product.ID, Quantity: item.Quantity})
	}

	if len(outOfStock) > 0 {
		s.writeError(w, apperror.New(apperror.OutOfStock, "one or more items are out of stock").WithDetail(outOfStock))
		return
	}

	if s.provider == nil {
		s.writeError(w, apperror.New(apperror.NotConfigured, "no payment provider configured"))
		return
	}

	// A provisional session id seeds the reservation rows; it is
	// replaced by the provider's real session id once the checkout
	// session is created. Reserve happens first so stock is committed
	// before the provider call, per the batched-reserve-before-provider
	// ordering.
	provisionalID := fmt.Sprintf("pending-%d", time.Now().UnixNano())

	_, failedProductID, err := s.reservations.ReserveBatch(r.Context(), items, provisionalID)
	if err != nil {
		if errors.Is(err, reservation.ErrOutOfStock) {
			detail := []outOfStockItem{{SKU: failedProductID}}
			if product, lookupErr := s.store.GetProduct(failedProductID); lookupErr == nil {
				available, _ := s.store.AvailableStock(product.ID)
				var requested int64
				for _, item := range items {
					if item.ProductID == failedProductID {
						requested = item.Quantity
						break
					}
				}
				detail = []outOfStockItem{{SKU: product.SKU, Requested: requested, Available: available}}
			}
			s.writeError(w, apperror.New(apperror.OutOfStock, "product went out of stock").WithDetail(detail))
			return
		}
		s.writeError(w, apperror.Wrap(apperror.Internal, "failed to reserve stock", err))
		return
	}

	currency, _, err := s.store.GetSetting(nil, store.SettingCurrencyCode)
	if err != nil || currency == "" {
		currency = "usd"
	}

	var total int64
	for _, item := range items {
		product, _ := s.store.GetProduct(item.ProductID)
		if product != nil {
			total += product.UnitPrice * item.Quantity
		}
	}

	session, err := s.provider.CreateCheckoutSession(r.Context(), total, currency, req.SuccessURL, req.CancelURL)
	if err != nil {
		s.writeError(w, apperror.Wrap(apperror.ProviderUnavailable, "failed to create checkout session", err))
		return
	}

	if err := s.reservations.RebindSession(r.Context(), provisionalID, session.ID); err != nil {
		s.writeError(w, apperror.Wrap(apperror.Internal, "failed to finalize reservations", err))
		return
	}

	s.writeJSON(w, http.StatusOK, checkoutResponse{SessionID: session.ID, CheckoutURL: session.URL})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.integrator == nil || s.provider == nil {
		s.writeError(w, apperror.New(apperror.NotConfigured, "no payment provider configured"))
		return
	}

	header := r.Header.Get(webhook.SignatureHeaderName(s.provider.Kind))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, apperror.Wrap(apperror.Validation, "failed to read request body", err))
		return
	}

	result, err := s.integrator.HandleInbound(r.Context(), header, body)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		if apperror.IsExpectedOutcome(appErr) {
			s.log.Debug("request rejected", apperror.LogFields(appErr)...)
		} else {
			s.log.Error("request failed", apperror.LogFields(appErr)...)
		}
		body := map[string]any{"error": appErr.Message}
		if appErr.Detail != nil {
			body["details"] = appErr.Detail
		}
		s.writeJSON(w, apperror.HTTPStatus(err), body)
		return
	}

	s.log.Error("request failed", "error", err)
	s.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
