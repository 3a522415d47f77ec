package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/paymentintent"
)

// Error is returned when Stripe rejects an operation (bad state, declined,
// not found). Callers must never surface Msg to end users directly.
type Error struct {
	Op       string
	IntentID string
	Code     string
	Msg      string
	err      error
}

func (e *Error) Error() string {
	if e.IntentID != "" {
		return fmt.Sprintf("stripe %s %s: %s (%s)", e.Op, e.IntentID, e.Msg, e.Code)
	}
	return fmt.Sprintf("stripe %s: %s (%s)", e.Op, e.Msg, e.Code)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Intent is the subset of the processor's payment intent state the jobs care about.
type Intent struct {
	ID             string
	Status         string
	Amount         int64
	AmountReceived int64
	Currency       string
}

// Client wraps Stripe's manual-capture payment intent primitives. Holds are
// placed at booking time and only settled near the consultation, so every
// create uses manual capture.
type Client struct {
	logger *slog.Logger
}

type Config struct {
	SecretKey string
	// Timeout bounds each Stripe API call. The processor default is generous;
	// a hung call would otherwise stall the whole job run.
	Timeout time.Duration
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if !strings.HasPrefix(key, "sk_") {
		logger.Warn("stripe secret key does not look like a secret key (expected sk_ prefix)")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	stripe.Key = key
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient: &http.Client{Timeout: timeout},
	}))

	return &Client{logger: logger}, nil
}

// CreateHold pre-authorizes amount (whole BRL) against the customer's default
// payment method without settling it. Returns the processor's intent id.
func (c *Client) CreateHold(ctx context.Context, amount float64, customerRef string, metadata map[string]string) (string, error) {
	centavos, err := ToMinorUnits(amount)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(customerRef) == "" {
		return "", errors.New("customer reference is required")
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(centavos),
		Currency:           stripe.String(string(stripe.CurrencyBRL)),
		Customer:           stripe.String(customerRef),
		CaptureMethod:      stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return "", wrap("create_hold", "", err)
	}
	return pi.ID, nil
}

// Capture settles a previously authorized hold. Stripe rejects captures on
// intents that are not in requires_capture state, which is what makes
// overlapping job runs safe.
func (c *Client) Capture(ctx context.Context, intentID string) (*Intent, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	pi, err := paymentintent.Capture(intentID, params)
	if err != nil {
		return nil, wrap("capture", intentID, err)
	}
	return fromStripe(pi), nil
}

// Cancel releases a hold without charging.
func (c *Client) Cancel(ctx context.Context, intentID string) (*Intent, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	pi, err := paymentintent.Cancel(intentID, params)
	if err != nil {
		return nil, wrap("cancel", intentID, err)
	}
	return fromStripe(pi), nil
}

// CheckStatus is a read-only diagnostic lookup.
func (c *Client) CheckStatus(ctx context.Context, intentID string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(intentID, params)
	if err != nil {
		return nil, wrap("check_status", intentID, err)
	}
	return fromStripe(pi), nil
}

// ToMinorUnits converts a whole-BRL amount to centavos. Stripe only deals in
// minor units.
func ToMinorUnits(amount float64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("amount must be positive (got %.2f)", amount)
	}
	return int64(math.Round(amount * 100)), nil
}

func fromStripe(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ID:             pi.ID,
		Status:         string(pi.Status),
		Amount:         pi.Amount,
		AmountReceived: pi.AmountReceived,
		Currency:       string(pi.Currency),
	}
}

func wrap(op, intentID string, err error) error {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		return &Error{
			Op:       op,
			IntentID: intentID,
			Code:     string(sErr.Code),
			Msg:      sErr.Msg,
			err:      err,
		}
	}
	return &Error{
		Op:       op,
		IntentID: intentID,
		Code:     "unknown",
		Msg:      err.Error(),
		err:      err,
	}
}
