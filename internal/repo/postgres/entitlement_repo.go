package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type EntitlementRepo struct {
	pool *pgxpool.Pool
}

// EntitlementRecord mirrors one user_credits row. A missing row means the
// zero value: no credits, no unlimited access.
type EntitlementRecord struct {
	AccountID        string
	Credits          int
	UnlimitedUntil   *time.Time
	UnlimitedForever bool
	UpdatedAt        time.Time
}

// ConsumeOutcome reports the result of a single atomic consume attempt.
type ConsumeOutcome struct {
	Allowed   bool
	Unlimited bool
	Remaining int
}

func NewEntitlementRepo(pool *pgxpool.Pool) *EntitlementRepo {
	return &EntitlementRepo{pool: pool}
}

func (r *EntitlementRepo) GetSnapshot(ctx context.Context, accountID string) (EntitlementRecord, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return EntitlementRecord{}, fmt.Errorf("invalid account id")
	}
	if r.pool == nil {
		return EntitlementRecord{}, fmt.Errorf("postgres pool is nil")
	}

	var rec EntitlementRecord
	err := r.pool.QueryRow(ctx, `
SELECT
	account_id,
	credits,
	unlimited_until,
	unlimited_forever,
	updated_at
FROM user_credits
WHERE account_id = $1
LIMIT 1
`, accountID).Scan(
		&rec.AccountID,
		&rec.Credits,
		&rec.UnlimitedUntil,
		&rec.UnlimitedForever,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EntitlementRecord{AccountID: accountID}, nil
		}
		return EntitlementRecord{}, fmt.Errorf("get entitlement snapshot: %w", err)
	}

	return rec, nil
}

// ConsumeOne is a single guarded UPDATE: unlimited rows pass through without
// touching the counter, everything else decrements only while credits >= 1.
// Two concurrent calls against a balance of 1 serialize on the row and
// exactly one of them matches the WHERE clause.
func (r *EntitlementRepo) ConsumeOne(ctx context.Context, accountID string, now time.Time) (ConsumeOutcome, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ConsumeOutcome{}, fmt.Errorf("invalid account id")
	}
	if r.pool == nil {
		return ConsumeOutcome{}, fmt.Errorf("postgres pool is nil")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var (
		credits          int
		unlimitedUntil   *time.Time
		unlimitedForever bool
	)
	err := r.pool.QueryRow(ctx, `
UPDATE user_credits
SET
	credits = CASE
		WHEN unlimited_forever OR (unlimited_until IS NOT NULL AND unlimited_until > $2::timestamptz)
			THEN credits
		ELSE credits - 1
	END,
	updated_at = NOW()
WHERE
	account_id = $1
	AND (
		unlimited_forever
		OR (unlimited_until IS NOT NULL AND unlimited_until > $2::timestamptz)
		OR credits >= 1
	)
RETURNING credits, unlimited_until, unlimited_forever
`, accountID, now.UTC()).Scan(&credits, &unlimitedUntil, &unlimitedForever)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ConsumeOutcome{Allowed: false}, nil
		}
		return ConsumeOutcome{}, fmt.Errorf("consume credit: %w", err)
	}

	unlimited := unlimitedForever || (unlimitedUntil != nil && unlimitedUntil.After(now.UTC()))
	return ConsumeOutcome{
		Allowed:   true,
		Unlimited: unlimited,
		Remaining: credits,
	}, nil
}

func ensureEntitlementRow(ctx context.Context, tx pgx.Tx, accountID string) error {
	if _, err := tx.Exec(ctx, `
INSERT INTO user_credits (
	account_id,
	credits,
	unlimited_forever,
	updated_at
) VALUES ($1, 0, FALSE, NOW())
ON CONFLICT (account_id) DO NOTHING
`, accountID); err != nil {
		return fmt.Errorf("ensure user_credits row: %w", err)
	}
	return nil
}

func applyGrantTx(ctx context.Context, tx pgx.Tx, accountID string, grant GrantTerms, now time.Time) error {
	switch {
	case grant.UnlimitedForever:
		// Re-applying is a no-op: the flag never clears.
		if _, err := tx.Exec(ctx, `
UPDATE user_credits
SET unlimited_forever = TRUE, updated_at = NOW()
WHERE account_id = $1
`, accountID); err != nil {
			return fmt.Errorf("apply unlimited-forever grant: %w", err)
		}
		return nil
	case grant.UnlimitedDays > 0:
		// Stack on a still-running window; an expired window restarts from now.
		if _, err := tx.Exec(ctx, `
UPDATE user_credits
SET
	unlimited_until = CASE
		WHEN unlimited_until IS NOT NULL AND unlimited_until > $2::timestamptz
			THEN unlimited_until + make_interval(days => $3)
		ELSE $2::timestamptz + make_interval(days => $3)
	END,
	updated_at = NOW()
WHERE account_id = $1
`, accountID, now.UTC(), grant.UnlimitedDays); err != nil {
			return fmt.Errorf("apply unlimited-days grant: %w", err)
		}
		return nil
	case grant.Credits > 0:
		if _, err := tx.Exec(ctx, `
UPDATE user_credits
SET credits = credits + $2, updated_at = NOW()
WHERE account_id = $1
`, accountID, grant.Credits); err != nil {
			return fmt.Errorf("apply credits grant: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("grant carries no terms")
	}
}
