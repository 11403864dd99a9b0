package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrPaymentIntentNotFound = errors.New("payment intent not found")

type PaymentIntentRepo struct {
	pool *pgxpool.Pool
}

// GrantTerms is the entitlement a payment buys, frozen at issue time.
// Exactly one of the three fields is set.
type GrantTerms struct {
	Credits          int
	UnlimitedDays    int
	UnlimitedForever bool
}

// PaymentIntentRecord is the audit row for one provider-side payment intent.
// Rows are never deleted; processed_event_id marks reconciliation.
type PaymentIntentRecord struct {
	ID               string
	ProviderIntentID string
	AccountID        string
	PlanID           string
	Amount           int64
	Currency         string
	Grant            GrantTerms
	CouponCode       *string
	ProcessedEventID *string
	ProcessedAt      *time.Time
	CreatedAt        time.Time
}

func NewPaymentIntentRepo(pool *pgxpool.Pool) *PaymentIntentRepo {
	return &PaymentIntentRepo{pool: pool}
}

func (r *PaymentIntentRepo) CreatePending(ctx context.Context, rec PaymentIntentRecord) (PaymentIntentRecord, error) {
	if r.pool == nil {
		return PaymentIntentRecord{}, fmt.Errorf("postgres pool is nil")
	}

	rec.ProviderIntentID = strings.TrimSpace(rec.ProviderIntentID)
	rec.AccountID = strings.TrimSpace(rec.AccountID)
	if rec.ProviderIntentID == "" || rec.AccountID == "" || rec.PlanID == "" || rec.Amount <= 0 {
		return PaymentIntentRecord{}, fmt.Errorf("invalid payment intent payload")
	}

	rowID := uuid.NewString()
	row := r.pool.QueryRow(ctx, `
INSERT INTO payment_intents (
	id,
	provider_intent_id,
	account_id,
	plan_id,
	amount,
	currency,
	credits_granted,
	unlimited_days,
	unlimited_forever,
	coupon_code,
	created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
RETURNING
	id,
	provider_intent_id,
	account_id,
	plan_id,
	amount,
	currency,
	credits_granted,
	unlimited_days,
	unlimited_forever,
	coupon_code,
	processed_event_id,
	processed_at,
	created_at
`, rowID, rec.ProviderIntentID, rec.AccountID, rec.PlanID, rec.Amount, rec.Currency,
		rec.Grant.Credits, rec.Grant.UnlimitedDays, rec.Grant.UnlimitedForever, rec.CouponCode)

	stored, err := scanPaymentIntentRow(row)
	if err != nil {
		return PaymentIntentRecord{}, fmt.Errorf("insert payment intent: %w", err)
	}
	return stored, nil
}

func (r *PaymentIntentRepo) FindByProviderIntentID(ctx context.Context, providerIntentID string) (PaymentIntentRecord, error) {
	if r.pool == nil {
		return PaymentIntentRecord{}, fmt.Errorf("postgres pool is nil")
	}

	providerIntentID = strings.TrimSpace(providerIntentID)
	if providerIntentID == "" {
		return PaymentIntentRecord{}, fmt.Errorf("provider intent id is required")
	}

	row := r.pool.QueryRow(ctx, `
SELECT
	id,
	provider_intent_id,
	account_id,
	plan_id,
	amount,
	currency,
	credits_granted,
	unlimited_days,
	unlimited_forever,
	coupon_code,
	processed_event_id,
	processed_at,
	created_at
FROM payment_intents
WHERE provider_intent_id = $1
LIMIT 1
`, providerIntentID)

	rec, err := scanPaymentIntentRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PaymentIntentRecord{}, ErrPaymentIntentNotFound
		}
		return PaymentIntentRecord{}, fmt.Errorf("find payment intent: %w", err)
	}
	return rec, nil
}

// ApplyGrant performs the reconciliation transaction. The webhook_events
// insert is the idempotency gate: the unique event id makes redelivered
// events lose the insert and return applied=false with the ledger untouched.
func (r *PaymentIntentRepo) ApplyGrant(
	ctx context.Context,
	eventID, providerIntentID, accountID string,
	grant GrantTerms,
	now time.Time,
) (bool, error) {
	if r.pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}

	eventID = strings.TrimSpace(eventID)
	providerIntentID = strings.TrimSpace(providerIntentID)
	accountID = strings.TrimSpace(accountID)
	if eventID == "" || providerIntentID == "" || accountID == "" {
		return false, fmt.Errorf("invalid grant payload")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	applied := false
	err := WithTx(ctx, r.pool, func(txCtx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(txCtx, `
INSERT INTO webhook_events (event_id, provider_intent_id, received_at)
VALUES ($1, $2, NOW())
ON CONFLICT (event_id) DO NOTHING
`, eventID, providerIntentID)
		if err != nil {
			return fmt.Errorf("record webhook event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Redelivery of an already-applied event.
			applied = false
			return nil
		}

		if err := ensureEntitlementRow(txCtx, tx, accountID); err != nil {
			return err
		}
		if err := applyGrantTx(txCtx, tx, accountID, grant, now); err != nil {
			return err
		}

		if _, err := tx.Exec(txCtx, `
UPDATE payment_intents
SET processed_event_id = $2, processed_at = NOW()
WHERE provider_intent_id = $1
`, providerIntentID, eventID); err != nil {
			return fmt.Errorf("mark payment intent processed: %w", err)
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return applied, nil
}

// PruneEventsOlderThan drops webhook dedup rows received before cutoff.
// The set only needs to cover the provider's redelivery horizon; the
// payment_intents audit rows themselves are never deleted.
func (r *PaymentIntentRepo) PruneEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}

	tag, err := r.pool.Exec(ctx, `
DELETE FROM webhook_events
WHERE received_at < $1
`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune webhook events: %w", err)
	}

	return tag.RowsAffected(), nil
}

func scanPaymentIntentRow(row pgx.Row) (PaymentIntentRecord, error) {
	var rec PaymentIntentRecord
	if err := row.Scan(
		&rec.ID,
		&rec.ProviderIntentID,
		&rec.AccountID,
		&rec.PlanID,
		&rec.Amount,
		&rec.Currency,
		&rec.Grant.Credits,
		&rec.Grant.UnlimitedDays,
		&rec.Grant.UnlimitedForever,
		&rec.CouponCode,
		&rec.ProcessedEventID,
		&rec.ProcessedAt,
		&rec.CreatedAt,
	); err != nil {
		return PaymentIntentRecord{}, err
	}
	return rec, nil
}
