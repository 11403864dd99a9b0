package entitlements

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pgrepo "github.com/NelsonGaucho/tfg-plagiarism-sensor/internal/repo/postgres"
)

var (
	ErrValidation  = errors.New("entitlements: validation failed")
	ErrNoBalance   = errors.New("entitlements: no credits available")
	ErrUnavailable = errors.New("entitlements: store unavailable")
)

// Store is the persistence surface the service needs. The production
// implementation is the postgres entitlement repo.
type Store interface {
	GetSnapshot(ctx context.Context, accountID string) (pgrepo.EntitlementRecord, error)
	ConsumeOne(ctx context.Context, accountID string, now time.Time) (pgrepo.ConsumeOutcome, error)
}

type Service struct {
	store Store
	now   func() time.Time
}

// Status is the read-only entitlement view served to clients. Unlimited
// access wins over the credit counter when both are present.
type Status struct {
	AccountID        string     `json:"account_id"`
	HasCredits       bool       `json:"has_credits"`
	CreditsCount     int        `json:"credits_count"`
	HasUnlimited     bool       `json:"has_unlimited"`
	UnlimitedForever bool       `json:"unlimited_forever"`
	UnlimitedUntil   *time.Time `json:"unlimited_until,omitempty"`
}

// ConsumeResult reports one granted consume. Remaining is meaningless for
// unlimited accounts and stays at the stored counter value.
type ConsumeResult struct {
	Unlimited bool
	Remaining int
}

func NewService(store Store) *Service {
	return &Service{
		store: store,
		now:   time.Now,
	}
}

// Status reports the current entitlement state. Accounts with no ledger
// row get the zero state rather than an error.
func (s *Service) Status(ctx context.Context, accountID string) (Status, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Status{}, ErrValidation
	}
	if s.store == nil {
		return Status{}, fmt.Errorf("%w: store is not configured", ErrUnavailable)
	}

	rec, err := s.store.GetSnapshot(ctx, accountID)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := s.now().UTC()
	st := Status{
		AccountID:        accountID,
		CreditsCount:     rec.Credits,
		HasCredits:       rec.Credits > 0,
		UnlimitedForever: rec.UnlimitedForever,
	}
	switch {
	case rec.UnlimitedForever:
		st.HasUnlimited = true
	case rec.UnlimitedUntil != nil && rec.UnlimitedUntil.After(now):
		st.HasUnlimited = true
		until := rec.UnlimitedUntil.UTC()
		st.UnlimitedUntil = &until
	}
	return st, nil
}

// Consume spends one credit, or passes for free under an active unlimited
// window. The decision and the decrement happen in one statement at the
// store, so concurrent calls cannot overspend.
func (s *Service) Consume(ctx context.Context, accountID string) (ConsumeResult, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ConsumeResult{}, ErrValidation
	}
	if s.store == nil {
		return ConsumeResult{}, fmt.Errorf("%w: store is not configured", ErrUnavailable)
	}

	outcome, err := s.store.ConsumeOne(ctx, accountID, s.now().UTC())
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !outcome.Allowed {
		return ConsumeResult{}, ErrNoBalance
	}
	return ConsumeResult{
		Unlimited: outcome.Unlimited,
		Remaining: outcome.Remaining,
	}, nil
}
