// Package provider abstracts the two supported payment processors
// (Stripe, Square) behind a tagged-variant struct rather than an
// interface, following the config package's registry-by-tag style: a
// single concrete type switches on a Kind field instead of dispatching
// through a virtual method table.
package provider

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Kind identifies which payment processor a Provider is configured for.
type Kind string

const (
	KindStripe Kind = "stripe"
	KindSquare Kind = "square"
)

var (
	ErrNotConfigured    = errors.New("provider: not configured")
	ErrUnsupportedKind  = errors.New("provider: unsupported kind")
	ErrInvalidSignature = errors.New("provider: invalid webhook signature")
)

// StripeConfig holds Stripe credentials. Only present when Kind == KindStripe.
type StripeConfig struct {
	SecretKey          string
	WebhookSecret      string
	WebhookEndpointID  string
}

// SquareConfig holds Square credentials. Only present when Kind == KindSquare.
type SquareConfig struct {
	AccessToken         string
	LocationID          string
	WebhookSignatureKey string
}

// CheckoutSession is the processor-neutral result of creating a checkout.
type CheckoutSession struct {
	ID  string
	URL string
}

// Provider is a tagged union over the supported payment processors.
// Exactly one of Stripe/Square is non-nil, matching Kind.
type Provider struct {
	Kind   Kind
	Stripe *StripeConfig
	Square *SquareConfig

	httpClient *http.Client
}

// New constructs a Provider for kind using the given credentials struct
// (a *StripeConfig or *SquareConfig matching kind).
func New(kind Kind, cfg interface{}) (*Provider, error) {
	p := &Provider{
		Kind:       kind,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}

	switch kind {
	case KindStripe:
		sc, ok := cfg.(*StripeConfig)
		if !ok {
			return nil, ErrUnsupportedKind
		}
		p.Stripe = sc
	case KindSquare:
		sq, ok := cfg.(*SquareConfig)
		if !ok {
			return nil, ErrUnsupportedKind
		}
		p.Square = sq
	default:
		return nil, ErrUnsupportedKind
	}

	return p, nil
}

// CheckoutCompletedEventType returns the provider's event-type string for
// a completed checkout.
func (p *Provider) CheckoutCompletedEventType() string {
	switch p.Kind {
	case KindStripe:
		return "checkout.session.completed"
	case KindSquare:
		return "payment.updated"
	default:
		return ""
	}
}

// CheckoutExpiredEventType returns the provider's event-type string for
// an expired checkout session.
func (p *Provider) CheckoutExpiredEventType() string {
	switch p.Kind {
	case KindStripe:
		return "checkout.session.expired"
	case KindSquare:
		return "order.updated"
	default:
		return ""
	}
}

// RefundEventType returns the provider's event-type string for a refund.
func (p *Provider) RefundEventType() string {
	switch p.Kind {
	case KindStripe:
		return "charge.refunded"
	case KindSquare:
		return "refund.updated"
	default:
		return ""
	}
}

// CreateCheckoutSession creates a hosted checkout session for amount
// (minor units, currency) redirecting to successURL/cancelURL on
// completion/cancellation.
func (p *Provider) CreateCheckoutSession(ctx context.Context, amount int64, currency, successURL, cancelURL string) (*CheckoutSession, error) {
	switch p.Kind {
	case KindStripe:
		if p.Stripe == nil {
			return nil, ErrNotConfigured
		}
		return p.stripeCreateCheckoutSession(ctx, amount, currency, successURL, cancelURL)
	case KindSquare:
		if p.Square == nil {
			return nil, ErrNotConfigured
		}
		return p.squareCreateCheckoutSession(ctx, amount, currency, successURL, cancelURL)
	default:
		return nil, ErrUnsupportedKind
	}
}

// VerifyWebhookSignature verifies header against body using the
// provider's signing scheme and, only on success, decodes and returns the
// event payload. notificationURL is the publicly reachable webhook
// endpoint the provider was configured to call; Square binds its
// signature to it, Stripe ignores it. Callers never decode body
// themselves — this keeps provider JSON shapes out of every other
// package.
func (p *Provider) VerifyWebhookSignature(header string, body []byte, notificationURL string) (map[string]any, error) {
	switch p.Kind {
	case KindStripe:
		if p.Stripe == nil {
			return nil, ErrNotConfigured
		}
		return p.stripeVerifySignature(header, body)
	case KindSquare:
		if p.Square == nil {
			return nil, ErrNotConfigured
		}
		return p.squareVerifySignature(header, body, notificationURL)
	default:
		return nil, ErrUnsupportedKind
	}
}

// SessionIDFromEvent extracts the provider_session_id from a decoded
// webhook event payload.
func (p *Provider) SessionIDFromEvent(event map[string]any) (string, error) {
	switch p.Kind {
	case KindStripe:
		return stripeSessionIDFromEvent(event)
	case KindSquare:
		return squareSessionIDFromEvent(event)
	default:
		return "", ErrUnsupportedKind
	}
}

// GetRefundReference resolves the provider_session_id a refund event
// refers back to, which may require a secondary API lookup since refund
// payloads often only carry a charge/payment id, not the checkout
// session id.
func (p *Provider) GetRefundReference(ctx context.Context, event map[string]any) (string, error) {
	switch p.Kind {
	case KindStripe:
		if p.Stripe == nil {
			return "", ErrNotConfigured
		}
		return p.stripeGetRefundReference(ctx, event)
	case KindSquare:
		if p.Square == nil {
			return "", ErrNotConfigured
		}
		return p.squareGetRefundReference(ctx, event)
	default:
		return "", ErrUnsupportedKind
	}
}
