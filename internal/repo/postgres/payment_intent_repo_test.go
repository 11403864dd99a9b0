package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// newTestPool connects to the database named by TEST_POSTGRES_DSN and
// applies the schema. Tests that need it are skipped when the variable is
// unset so the suite stays runnable without a database.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("schema.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	for _, stmt := range strings.Split(string(schema), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("apply schema statement: %v", err)
		}
	}

	return pool
}

func testAccountID() string {
	return "acc-" + uuid.NewString()
}

func mustApplyGrant(t *testing.T, repo *PaymentIntentRepo, accountID string, grant GrantTerms, now time.Time) bool {
	t.Helper()

	applied, err := repo.ApplyGrant(context.Background(), "evt-"+uuid.NewString(), "pi-"+uuid.NewString(), accountID, grant, now)
	if err != nil {
		t.Fatalf("apply grant %+v: %v", grant, err)
	}
	return applied
}

func TestApplyGrantStacksDaysOnActiveWindow(t *testing.T) {
	pool := newTestPool(t)
	repo := NewPaymentIntentRepo(pool)
	ledger := NewEntitlementRepo(pool)
	ctx := context.Background()

	accountID := testAccountID()
	now := time.Now().UTC()

	if applied := mustApplyGrant(t, repo, accountID, GrantTerms{UnlimitedDays: 5}, now); !applied {
		t.Fatalf("first grant must apply")
	}

	first, err := ledger.GetSnapshot(ctx, accountID)
	if err != nil {
		t.Fatalf("snapshot after first grant: %v", err)
	}
	if first.UnlimitedUntil == nil {
		t.Fatalf("expected an unlimited window after a days grant")
	}
	assertWithin(t, *first.UnlimitedUntil, now.AddDate(0, 0, 5), "first window end")

	// The window is still running, so the second grant extends it rather
	// than restarting from now.
	if applied := mustApplyGrant(t, repo, accountID, GrantTerms{UnlimitedDays: 30}, now); !applied {
		t.Fatalf("second grant must apply")
	}

	second, err := ledger.GetSnapshot(ctx, accountID)
	if err != nil {
		t.Fatalf("snapshot after second grant: %v", err)
	}
	if second.UnlimitedUntil == nil {
		t.Fatalf("expected an unlimited window after stacking")
	}
	assertWithin(t, *second.UnlimitedUntil, first.UnlimitedUntil.AddDate(0, 0, 30), "stacked window end")
}

func TestApplyGrantDaysRestartsFromNowWhenExpired(t *testing.T) {
	pool := newTestPool(t)
	repo := NewPaymentIntentRepo(pool)
	ledger := NewEntitlementRepo(pool)
	ctx := context.Background()

	accountID := testAccountID()
	past := time.Now().UTC().AddDate(0, 0, -10)
	now := time.Now().UTC()

	if applied := mustApplyGrant(t, repo, accountID, GrantTerms{UnlimitedDays: 5}, past); !applied {
		t.Fatalf("seed grant must apply")
	}

	if applied := mustApplyGrant(t, repo, accountID, GrantTerms{UnlimitedDays: 30}, now); !applied {
		t.Fatalf("renewal grant must apply")
	}

	rec, err := ledger.GetSnapshot(ctx, accountID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if rec.UnlimitedUntil == nil {
		t.Fatalf("expected an unlimited window")
	}
	assertWithin(t, *rec.UnlimitedUntil, now.AddDate(0, 0, 30), "restarted window end")
}

func TestApplyGrantForeverIsIdempotentAcrossEvents(t *testing.T) {
	pool := newTestPool(t)
	repo := NewPaymentIntentRepo(pool)
	ledger := NewEntitlementRepo(pool)
	ctx := context.Background()

	accountID := testAccountID()
	now := time.Now().UTC()

	if applied := mustApplyGrant(t, repo, accountID, GrantTerms{UnlimitedForever: true}, now); !applied {
		t.Fatalf("first forever grant must apply")
	}
	// A second purchase is a distinct event, so it applies, but the flag
	// cannot be stacked or degraded.
	if applied := mustApplyGrant(t, repo, accountID, GrantTerms{UnlimitedForever: true}, now); !applied {
		t.Fatalf("second forever grant must apply")
	}

	rec, err := ledger.GetSnapshot(ctx, accountID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !rec.UnlimitedForever {
		t.Fatalf("expected unlimited_forever to hold")
	}
	if rec.Credits != 0 || rec.UnlimitedUntil != nil {
		t.Fatalf("forever grants must not touch other terms: %+v", rec)
	}
}

func TestApplyGrantDeduplicatesEventID(t *testing.T) {
	pool := newTestPool(t)
	repo := NewPaymentIntentRepo(pool)
	ledger := NewEntitlementRepo(pool)
	ctx := context.Background()

	accountID := testAccountID()
	eventID := "evt-" + uuid.NewString()
	intentID := "pi-" + uuid.NewString()
	now := time.Now().UTC()

	applied, err := repo.ApplyGrant(ctx, eventID, intentID, accountID, GrantTerms{Credits: 5}, now)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if !applied {
		t.Fatalf("first delivery must apply")
	}

	applied, err = repo.ApplyGrant(ctx, eventID, intentID, accountID, GrantTerms{Credits: 5}, now)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if applied {
		t.Fatalf("redelivered event id must not apply again")
	}

	rec, err := ledger.GetSnapshot(ctx, accountID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if rec.Credits != 5 {
		t.Fatalf("expected exactly one grant, got %d credits", rec.Credits)
	}
}

func assertWithin(t *testing.T, got, want time.Time, label string) {
	t.Helper()

	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > 2*time.Second {
		t.Fatalf("%s: got %v want %v (diff %v)", label, got, want, diff)
	}
}
