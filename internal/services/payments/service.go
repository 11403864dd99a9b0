package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/infra/stripeclient"
	pgrepo "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/repo/postgres"
	"github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/services/catalog"
)

const eventTypePaymentSucceeded = "payment_intent.succeeded"

// Metadata keys frozen onto the provider intent at issue time. The
// reconciler reads grant terms from here, never from the live catalog.
const (
	metaAccountID        = "account_id"
	metaPlanID           = "plan_id"
	metaPlanName         = "plan_name"
	metaCreditsGranted   = "credits_granted"
	metaUnlimitedDays    = "unlimited_days"
	metaUnlimitedForever = "unlimited_forever"
	metaCouponCode       = "coupon_code"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrInvalidCoupon    = errors.New("invalid coupon code")
	ErrProvider         = errors.New("payment provider failure")
	ErrLedgerWrite      = errors.New("ledger write failed")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed webhook event")
)

type PlanResolver interface {
	Resolve(planID string) (catalog.Plan, error)
}

type IntentStore interface {
	CreatePending(ctx context.Context, rec pgrepo.PaymentIntentRecord) (pgrepo.PaymentIntentRecord, error)
	FindByProviderIntentID(ctx context.Context, providerIntentID string) (pgrepo.PaymentIntentRecord, error)
}

type LedgerStore interface {
	ApplyGrant(ctx context.Context, eventID, providerIntentID, accountID string, grant pgrepo.GrantTerms, now time.Time) (bool, error)
}

type IntentCreator interface {
	CreateIntent(ctx context.Context, in stripeclient.IntentInput) (stripeclient.IntentResult, error)
}

type Config struct {
	Currency      string
	WebhookSecret string
	// Coupons maps a code to its percent discount (1..90).
	Coupons map[string]int
}

type Service struct {
	plans    PlanResolver
	intents  IntentStore
	ledger   LedgerStore
	provider IntentCreator
	cfg      Config
	now      func() time.Time
}

type Dependencies struct {
	Plans    PlanResolver
	Intents  IntentStore
	Ledger   LedgerStore
	Provider IntentCreator
}

type IssueResult struct {
	ProviderIntentID string
	ClientSecret     string
	PlanID           string
	Amount           int64
	Currency         string
}

type ReconcileResult struct {
	EventID          string
	EventType        string
	ProviderIntentID string
	AccountID        string
	// Applied is true when this delivery mutated the ledger; Duplicate is
	// true when the event id had already been applied earlier.
	Applied   bool
	Duplicate bool
	// Ignored marks event types this service does not act on.
	Ignored bool
}

func NewService(deps Dependencies, cfg Config) *Service {
	coupons := make(map[string]int, len(cfg.Coupons))
	for code, percent := range cfg.Coupons {
		coupons[strings.ToLower(strings.TrimSpace(code))] = percent
	}
	cfg.Coupons = coupons
	if cfg.Currency == "" {
		cfg.Currency = "eur"
	}

	return &Service{
		plans:    deps.Plans,
		intents:  deps.Intents,
		ledger:   deps.Ledger,
		provider: deps.Provider,
		cfg:      cfg,
		now:      time.Now,
	}
}

// IssueIntent opens a provider-side payment intent for a plan and records
// the pending payment locally before the client secret is released. Each
// call creates one intent and one row; retrying a checkout creates a new
// pair on purpose.
func (s *Service) IssueIntent(ctx context.Context, accountID, planID, couponCode string) (IssueResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return IssueResult{}, ErrValidation
	}
	if s.plans == nil || s.intents == nil || s.provider == nil {
		return IssueResult{}, fmt.Errorf("payments dependencies are not configured")
	}

	plan, err := s.plans.Resolve(planID)
	if err != nil {
		return IssueResult{}, err
	}

	amount := plan.Amount
	coupon := strings.ToLower(strings.TrimSpace(couponCode))
	if coupon != "" {
		percent, ok := s.cfg.Coupons[coupon]
		if !ok {
			return IssueResult{}, ErrInvalidCoupon
		}
		amount -= amount * int64(percent) / 100
	}

	created, err := s.provider.CreateIntent(ctx, stripeclient.IntentInput{
		Amount:   amount,
		Currency: s.cfg.Currency,
		Metadata: map[string]string{
			metaAccountID:        accountID,
			metaPlanID:           plan.ID,
			metaPlanName:         plan.Name,
			metaCreditsGranted:   strconv.Itoa(plan.Credits),
			metaUnlimitedDays:    strconv.Itoa(plan.UnlimitedDays),
			metaUnlimitedForever: strconv.FormatBool(plan.UnlimitedForever),
			metaCouponCode:       coupon,
		},
	})
	if err != nil {
		return IssueResult{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	rec := pgrepo.PaymentIntentRecord{
		ProviderIntentID: created.ProviderIntentID,
		AccountID:        accountID,
		PlanID:           plan.ID,
		Amount:           amount,
		Currency:         s.cfg.Currency,
		Grant: pgrepo.GrantTerms{
			Credits:          plan.Credits,
			UnlimitedDays:    plan.UnlimitedDays,
			UnlimitedForever: plan.UnlimitedForever,
		},
	}
	if coupon != "" {
		rec.CouponCode = &coupon
	}

	// The provider intent already exists at this point. If the audit row
	// cannot be written the client secret is withheld: a token that cannot
	// be reconciled later must not reach the client.
	if _, err := s.intents.CreatePending(ctx, rec); err != nil {
		return IssueResult{}, fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}

	return IssueResult{
		ProviderIntentID: created.ProviderIntentID,
		ClientSecret:     created.ClientSecret,
		PlanID:           plan.ID,
		Amount:           amount,
		Currency:         s.cfg.Currency,
	}, nil
}

// Reconcile turns one webhook delivery into at most one ledger mutation.
// Signature verification runs before anything in the body is trusted, and
// the grant application is keyed by the provider event id so redeliveries
// are acknowledged without re-granting.
func (s *Service) Reconcile(ctx context.Context, rawBody []byte, signatureHeader string) (ReconcileResult, error) {
	if s.intents == nil || s.ledger == nil {
		return ReconcileResult{}, fmt.Errorf("payments dependencies are not configured")
	}
	if strings.TrimSpace(s.cfg.WebhookSecret) == "" {
		return ReconcileResult{}, fmt.Errorf("webhook secret is not configured")
	}

	event, err := webhook.ConstructEventWithOptions(rawBody, signatureHeader, s.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		// Both answer 400, but a forged signature and a signed body that
		// does not decode are different incidents when reconciling logs.
		if isSignatureErr(err) {
			return ReconcileResult{}, ErrInvalidSignature
		}
		return ReconcileResult{}, fmt.Errorf("%w: undecodable event envelope: %v", ErrMalformedEvent, err)
	}

	result := ReconcileResult{
		EventID:   event.ID,
		EventType: string(event.Type),
	}

	if string(event.Type) != eventTypePaymentSucceeded {
		result.Ignored = true
		return result, nil
	}
	if strings.TrimSpace(event.ID) == "" {
		return result, fmt.Errorf("%w: event id is empty", ErrMalformedEvent)
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil || intent.ID == "" {
		return result, fmt.Errorf("%w: undecodable payment intent payload", ErrMalformedEvent)
	}
	result.ProviderIntentID = intent.ID

	accountID, grant, err := grantFromMetadata(intent.Metadata)
	if err != nil {
		return result, err
	}
	result.AccountID = accountID

	// The issuer persists a row before releasing any client secret, so a
	// succeeded intent without one references state this service never
	// created (or an account deleted upstream). Permanent failure.
	if _, err := s.intents.FindByProviderIntentID(ctx, intent.ID); err != nil {
		if errors.Is(err, pgrepo.ErrPaymentIntentNotFound) {
			return result, fmt.Errorf("%w: no local record for intent %s", ErrMalformedEvent, intent.ID)
		}
		return result, fmt.Errorf("load payment intent record: %w", err)
	}

	applied, err := s.ledger.ApplyGrant(ctx, event.ID, intent.ID, accountID, grant, s.now().UTC())
	if err != nil {
		return result, fmt.Errorf("apply grant: %w", err)
	}

	result.Applied = applied
	result.Duplicate = !applied
	return result, nil
}

func isSignatureErr(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func grantFromMetadata(metadata map[string]string) (string, pgrepo.GrantTerms, error) {
	accountID := strings.TrimSpace(metadata[metaAccountID])
	if accountID == "" {
		return "", pgrepo.GrantTerms{}, fmt.Errorf("%w: missing account id in metadata", ErrMalformedEvent)
	}

	var grant pgrepo.GrantTerms
	if raw := strings.TrimSpace(metadata[metaCreditsGranted]); raw != "" {
		credits, err := strconv.Atoi(raw)
		if err != nil || credits < 0 {
			return "", pgrepo.GrantTerms{}, fmt.Errorf("%w: bad credits_granted %q", ErrMalformedEvent, raw)
		}
		grant.Credits = credits
	}
	if raw := strings.TrimSpace(metadata[metaUnlimitedDays]); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 0 {
			return "", pgrepo.GrantTerms{}, fmt.Errorf("%w: bad unlimited_days %q", ErrMalformedEvent, raw)
		}
		grant.UnlimitedDays = days
	}
	if raw := strings.TrimSpace(metadata[metaUnlimitedForever]); raw != "" {
		forever, err := strconv.ParseBool(raw)
		if err != nil {
			return "", pgrepo.GrantTerms{}, fmt.Errorf("%w: bad unlimited_forever %q", ErrMalformedEvent, raw)
		}
		grant.UnlimitedForever = forever
	}

	kinds := 0
	if grant.Credits > 0 {
		kinds++
	}
	if grant.UnlimitedDays > 0 {
		kinds++
	}
	if grant.UnlimitedForever {
		kinds++
	}
	if kinds != 1 {
		return "", pgrepo.GrantTerms{}, fmt.Errorf("%w: metadata carries %d grant kinds", ErrMalformedEvent, kinds)
	}

	return accountID, grant, nil
}
