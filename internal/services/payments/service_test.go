package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/infra/stripeclient"
	pgrepo "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/repo/postgres"
	"github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/services/catalog"
)

const testWebhookSecret = "whsec_unit_test"

type providerStub struct {
	calls int
	fail  bool
}

func (p *providerStub) CreateIntent(_ context.Context, in stripeclient.IntentInput) (stripeclient.IntentResult, error) {
	p.calls++
	if p.fail {
		return stripeclient.IntentResult{}, fmt.Errorf("provider unreachable")
	}
	id := "pi_" + strconv.Itoa(p.calls)
	return stripeclient.IntentResult{
		ProviderIntentID: id,
		ClientSecret:     id + "_secret",
	}, nil
}

type intentStoreStub struct {
	records    map[string]pgrepo.PaymentIntentRecord
	failCreate bool
	findErr    error
}

func newIntentStoreStub() *intentStoreStub {
	return &intentStoreStub{records: make(map[string]pgrepo.PaymentIntentRecord)}
}

func (s *intentStoreStub) CreatePending(_ context.Context, rec pgrepo.PaymentIntentRecord) (pgrepo.PaymentIntentRecord, error) {
	if s.failCreate {
		return pgrepo.PaymentIntentRecord{}, fmt.Errorf("connection reset")
	}
	rec.ID = "row-" + rec.ProviderIntentID
	rec.CreatedAt = time.Now().UTC()
	s.records[rec.ProviderIntentID] = rec
	return rec, nil
}

func (s *intentStoreStub) FindByProviderIntentID(_ context.Context, providerIntentID string) (pgrepo.PaymentIntentRecord, error) {
	if s.findErr != nil {
		return pgrepo.PaymentIntentRecord{}, s.findErr
	}
	rec, ok := s.records[providerIntentID]
	if !ok {
		return pgrepo.PaymentIntentRecord{}, pgrepo.ErrPaymentIntentNotFound
	}
	return rec, nil
}

type ledgerStub struct {
	appliedEvents map[string]struct{}
	applyCount    int
	lastAccountID string
	lastGrant     pgrepo.GrantTerms
	fail          bool
}

func newLedgerStub() *ledgerStub {
	return &ledgerStub{appliedEvents: make(map[string]struct{})}
}

func (l *ledgerStub) ApplyGrant(_ context.Context, eventID, _, accountID string, grant pgrepo.GrantTerms, _ time.Time) (bool, error) {
	if l.fail {
		return false, fmt.Errorf("store unavailable")
	}
	if _, seen := l.appliedEvents[eventID]; seen {
		return false, nil
	}
	l.appliedEvents[eventID] = struct{}{}
	l.applyCount++
	l.lastAccountID = accountID
	l.lastGrant = grant
	return true, nil
}

func newTestService(provider *providerStub, intents *intentStoreStub, ledger *ledgerStub) *Service {
	return NewService(Dependencies{
		Plans:    catalog.New(),
		Intents:  intents,
		Ledger:   ledger,
		Provider: provider,
	}, Config{
		Currency:      "eur",
		WebhookSecret: testWebhookSecret,
		Coupons:       map[string]int{"student10": 10},
	})
}

func signedEvent(t *testing.T, secret, eventID, eventType, intentID string, metadata map[string]string) ([]byte, string) {
	t.Helper()

	event := map[string]any{
		"id":   eventID,
		"type": eventType,
		"data": map[string]any{
			"object": map[string]any{
				"id":       intentID,
				"object":   "payment_intent",
				"metadata": metadata,
			},
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return payload, signed.Header
}

func succeededMetadata(accountID string) map[string]string {
	return map[string]string{
		"account_id":        accountID,
		"plan_id":           "basic",
		"credits_granted":   "5",
		"unlimited_days":    "0",
		"unlimited_forever": "false",
	}
}

func TestIssueIntentPersistsFrozenGrant(t *testing.T) {
	provider := &providerStub{}
	intents := newIntentStoreStub()
	svc := newTestService(provider, intents, newLedgerStub())

	result, err := svc.IssueIntent(context.Background(), "acc-1", "basic", "")
	if err != nil {
		t.Fatalf("issue intent: %v", err)
	}
	if result.ClientSecret == "" || result.ProviderIntentID == "" {
		t.Fatalf("missing provider data: %+v", result)
	}
	if result.Amount != 500 {
		t.Fatalf("unexpected amount: %d", result.Amount)
	}

	rec, ok := intents.records[result.ProviderIntentID]
	if !ok {
		t.Fatalf("payment intent record was not persisted")
	}
	if rec.AccountID != "acc-1" || rec.PlanID != "basic" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Grant.Credits != 5 || rec.Grant.UnlimitedDays != 0 || rec.Grant.UnlimitedForever {
		t.Fatalf("grant terms not frozen: %+v", rec.Grant)
	}
}

func TestIssueIntentUnknownPlanSkipsProvider(t *testing.T) {
	provider := &providerStub{}
	svc := newTestService(provider, newIntentStoreStub(), newLedgerStub())

	_, err := svc.IssueIntent(context.Background(), "acc-1", "platinum", "")
	if !errors.Is(err, catalog.ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got %v", err)
	}
	if provider.calls != 0 {
		t.Fatalf("provider must not be called for unknown plans, got %d calls", provider.calls)
	}
}

func TestIssueIntentRejectsUnknownCoupon(t *testing.T) {
	provider := &providerStub{}
	svc := newTestService(provider, newIntentStoreStub(), newLedgerStub())

	_, err := svc.IssueIntent(context.Background(), "acc-1", "basic", "NOPE50")
	if !errors.Is(err, ErrInvalidCoupon) {
		t.Fatalf("expected ErrInvalidCoupon, got %v", err)
	}
	if provider.calls != 0 {
		t.Fatalf("provider must not be called for invalid coupons, got %d calls", provider.calls)
	}
}

func TestIssueIntentAppliesCouponDiscount(t *testing.T) {
	provider := &providerStub{}
	intents := newIntentStoreStub()
	svc := newTestService(provider, intents, newLedgerStub())

	result, err := svc.IssueIntent(context.Background(), "acc-1", "basic", "STUDENT10")
	if err != nil {
		t.Fatalf("issue intent with coupon: %v", err)
	}
	if result.Amount != 450 {
		t.Fatalf("expected 10%% off 500, got %d", result.Amount)
	}

	rec := intents.records[result.ProviderIntentID]
	if rec.CouponCode == nil || *rec.CouponCode != "student10" {
		t.Fatalf("coupon code not recorded: %+v", rec.CouponCode)
	}
	if rec.Grant.Credits != 5 {
		t.Fatalf("coupon must not change grant terms: %+v", rec.Grant)
	}
}

func TestIssueIntentFailsLoudlyWhenRecordWriteFails(t *testing.T) {
	provider := &providerStub{}
	intents := newIntentStoreStub()
	intents.failCreate = true
	svc := newTestService(provider, intents, newLedgerStub())

	_, err := svc.IssueIntent(context.Background(), "acc-1", "basic", "")
	if !errors.Is(err, ErrLedgerWrite) {
		t.Fatalf("expected ErrLedgerWrite, got %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("expected provider to have been called once, got %d", provider.calls)
	}
}

func TestReconcileAppliesGrantExactlyOnce(t *testing.T) {
	provider := &providerStub{}
	intents := newIntentStoreStub()
	ledger := newLedgerStub()
	svc := newTestService(provider, intents, ledger)

	issued, err := svc.IssueIntent(context.Background(), "acc-7", "basic", "")
	if err != nil {
		t.Fatalf("issue intent: %v", err)
	}

	payload, header := signedEvent(t, testWebhookSecret, "evt_1", eventTypePaymentSucceeded, issued.ProviderIntentID, succeededMetadata("acc-7"))

	first, err := svc.Reconcile(context.Background(), payload, header)
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if !first.Applied || first.Duplicate {
		t.Fatalf("first delivery must apply: %+v", first)
	}
	if ledger.applyCount != 1 || ledger.lastAccountID != "acc-7" {
		t.Fatalf("unexpected ledger state: count=%d account=%s", ledger.applyCount, ledger.lastAccountID)
	}
	if ledger.lastGrant.Credits != 5 {
		t.Fatalf("unexpected grant: %+v", ledger.lastGrant)
	}

	second, err := svc.Reconcile(context.Background(), payload, header)
	if err != nil {
		t.Fatalf("redelivered reconcile: %v", err)
	}
	if second.Applied || !second.Duplicate {
		t.Fatalf("redelivery must be a no-op: %+v", second)
	}
	if ledger.applyCount != 1 {
		t.Fatalf("redelivery mutated the ledger: count=%d", ledger.applyCount)
	}
}

func TestReconcileRejectsInvalidSignature(t *testing.T) {
	svc := newTestService(&providerStub{}, newIntentStoreStub(), newLedgerStub())

	payload, header := signedEvent(t, "whsec_wrong", "evt_1", eventTypePaymentSucceeded, "pi_1", succeededMetadata("acc-7"))

	_, err := svc.Reconcile(context.Background(), payload, header)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	if _, err := svc.Reconcile(context.Background(), payload, ""); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for a missing header, got %v", err)
	}
}

func TestReconcileClassifiesSignedGarbageAsMalformed(t *testing.T) {
	svc := newTestService(&providerStub{}, newIntentStoreStub(), newLedgerStub())

	payload := []byte("credits-report")
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	_, err := svc.Reconcile(context.Background(), payload, signed.Header)
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent for a signed non-JSON body, got %v", err)
	}
	if errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("a correctly signed body must not be reported as a signature failure")
	}
}

func TestReconcileAcknowledgesOtherEventTypes(t *testing.T) {
	ledger := newLedgerStub()
	svc := newTestService(&providerStub{}, newIntentStoreStub(), ledger)

	payload, header := signedEvent(t, testWebhookSecret, "evt_2", "payment_intent.created", "pi_1", succeededMetadata("acc-7"))

	result, err := svc.Reconcile(context.Background(), payload, header)
	if err != nil {
		t.Fatalf("reconcile ignored event: %v", err)
	}
	if !result.Ignored || result.Applied {
		t.Fatalf("expected ignored no-op, got %+v", result)
	}
	if ledger.applyCount != 0 {
		t.Fatalf("ignored event mutated the ledger")
	}
}

func TestReconcileRejectsMalformedMetadata(t *testing.T) {
	provider := &providerStub{}
	intents := newIntentStoreStub()
	svc := newTestService(provider, intents, newLedgerStub())

	issued, err := svc.IssueIntent(context.Background(), "acc-7", "basic", "")
	if err != nil {
		t.Fatalf("issue intent: %v", err)
	}

	cases := map[string]map[string]string{
		"missing account": {
			"credits_granted": "5",
		},
		"no grant kind": {
			"account_id":        "acc-7",
			"credits_granted":   "0",
			"unlimited_days":    "0",
			"unlimited_forever": "false",
		},
		"two grant kinds": {
			"account_id":        "acc-7",
			"credits_granted":   "5",
			"unlimited_days":    "30",
			"unlimited_forever": "false",
		},
		"unparsable credits": {
			"account_id":      "acc-7",
			"credits_granted": "five",
		},
	}

	for name, metadata := range cases {
		payload, header := signedEvent(t, testWebhookSecret, "evt_"+name, eventTypePaymentSucceeded, issued.ProviderIntentID, metadata)
		if _, err := svc.Reconcile(context.Background(), payload, header); !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("%s: expected ErrMalformedEvent, got %v", name, err)
		}
	}
}

func TestReconcileRejectsUnknownIntent(t *testing.T) {
	svc := newTestService(&providerStub{}, newIntentStoreStub(), newLedgerStub())

	payload, header := signedEvent(t, testWebhookSecret, "evt_3", eventTypePaymentSucceeded, "pi_never_issued", succeededMetadata("acc-7"))

	_, err := svc.Reconcile(context.Background(), payload, header)
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent for unknown intent, got %v", err)
	}
}

func TestReconcileSurfacesTransientLedgerFailure(t *testing.T) {
	provider := &providerStub{}
	intents := newIntentStoreStub()
	ledger := newLedgerStub()
	ledger.fail = true
	svc := newTestService(provider, intents, ledger)

	issued, err := svc.IssueIntent(context.Background(), "acc-7", "basic", "")
	if err != nil {
		t.Fatalf("issue intent: %v", err)
	}

	payload, header := signedEvent(t, testWebhookSecret, "evt_4", eventTypePaymentSucceeded, issued.ProviderIntentID, succeededMetadata("acc-7"))

	_, err = svc.Reconcile(context.Background(), payload, header)
	if err == nil {
		t.Fatalf("expected transient error")
	}
	if errors.Is(err, ErrMalformedEvent) || errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("transient failure must not be classified as permanent: %v", err)
	}
}

func TestGrantFromMetadataUnlimitedKinds(t *testing.T) {
	accountID, grant, err := grantFromMetadata(map[string]string{
		"account_id":     "acc-9",
		"unlimited_days": "30",
	})
	if err != nil {
		t.Fatalf("unlimited-days metadata: %v", err)
	}
	if accountID != "acc-9" || grant.UnlimitedDays != 30 {
		t.Fatalf("unexpected grant: %s %+v", accountID, grant)
	}

	_, grant, err = grantFromMetadata(map[string]string{
		"account_id":        "acc-9",
		"unlimited_forever": "true",
	})
	if err != nil {
		t.Fatalf("unlimited-forever metadata: %v", err)
	}
	if !grant.UnlimitedForever {
		t.Fatalf("unexpected grant: %+v", grant)
	}
}
