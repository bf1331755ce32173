package model

import (
	"time"

	"tryon-pipeline/internal/domain"

	"github.com/google/uuid"
)

type AccountKind string

const (
	AccountKindStore    AccountKind = "store"
	AccountKindConsumer AccountKind = "consumer"
)

type SubscriptionStatus string

const (
	SubscriptionStatusNone     SubscriptionStatus = "none"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// CreditSource names the bucket a debit (or the refund compensating it) was
// drawn from.
type CreditSource string

const (
	SourceFree         CreditSource = "free"
	SourceSubscription CreditSource = "subscription"
	SourcePaid         CreditSource = "paid"
	SourceStoreB2B     CreditSource = "store_b2b"
)

// ResetLocation is the reference timezone for daily free-ticket resets.
// Stores configure a reset hour in this zone regardless of where their
// customers are.
var ResetLocation = mustLoadJST()

func mustLoadJST() *time.Location {
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		return time.FixedZone("JST", 9*60*60)
	}
	return loc
}

// NextResetAt returns the next occurrence of resetHour in the reference
// timezone, strictly after now.
func NextResetAt(now time.Time, resetHour int) time.Time {
	local := now.In(ResetLocation)
	next := time.Date(local.Year(), local.Month(), local.Day(), resetHour, 0, 0, 0, ResetLocation)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// CreditAccount is the billing identity charged for try-on jobs. Consumer
// accounts hold the three prioritized buckets; store (B2B) accounts hold a
// single flat balance. Exactly one account exists per owner reference and is
// created on first access.
type CreditAccount struct {
	ID      string
	Kind    AccountKind
	StoreID string // owning store; equals the store itself for B2B accounts

	// Consumer identity: exactly one of these is set for consumer accounts.
	ConsumerID string
	ExternalID string // messaging-platform user id

	// Consumer buckets, drawn down free -> subscription -> paid.
	FreeTicketsRemaining  int
	FreeTicketsResetAt    time.Time
	SubscriptionCredits   int
	SubscriptionStatus    SubscriptionStatus
	SubscriptionPeriodEnd *time.Time
	PaidCredits           int

	// Store balance (B2B only).
	Balance        int
	TotalPurchased int
	TotalConsumed  int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewConsumerAccount seeds a consumer account from the owning store's
// free-ticket policy.
func NewConsumerAccount(store *Store, consumerID, externalID string, now time.Time) (*CreditAccount, error) {
	if store == nil {
		return nil, domain.ErrInvalidArgument
	}
	if consumerID == "" && externalID == "" {
		return nil, domain.ErrAuthRequired
	}
	limit := store.DailyFreeLimit
	if limit <= 0 {
		limit = DefaultDailyFreeLimit
	}
	return &CreditAccount{
		ID:                   uuid.NewString(),
		Kind:                 AccountKindConsumer,
		StoreID:              store.ID,
		ConsumerID:           consumerID,
		ExternalID:           externalID,
		FreeTicketsRemaining: limit,
		FreeTicketsResetAt:   NextResetAt(now, store.FreeResetHour),
		SubscriptionStatus:   SubscriptionStatusNone,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

// NewStoreAccount creates the flat-balance B2B account for a store.
func NewStoreAccount(storeID string, now time.Time) (*CreditAccount, error) {
	if storeID == "" {
		return nil, domain.ErrInvalidArgument
	}
	return &CreditAccount{
		ID:                 uuid.NewString(),
		Kind:               AccountKindStore,
		StoreID:            storeID,
		SubscriptionStatus: SubscriptionStatusNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// MaybeResetFreeTickets refreshes the free bucket when the reset time has
// passed. The store's current limit applies from the reset onward; a limit
// change mid-cycle never touches tickets already seeded.
func (a *CreditAccount) MaybeResetFreeTickets(store *Store, now time.Time) bool {
	if a.Kind != AccountKindConsumer || a.FreeTicketsResetAt.After(now) {
		return false
	}
	limit := store.DailyFreeLimit
	if limit <= 0 {
		limit = DefaultDailyFreeLimit
	}
	a.FreeTicketsRemaining = limit
	a.FreeTicketsResetAt = NextResetAt(now, store.FreeResetHour)
	a.UpdatedAt = now
	return true
}

// SubscriptionUsable reports whether the subscription bucket may be debited.
func (a *CreditAccount) SubscriptionUsable(now time.Time) bool {
	if a.SubscriptionStatus != SubscriptionStatusActive || a.SubscriptionCredits <= 0 {
		return false
	}
	if a.SubscriptionPeriodEnd != nil && now.After(*a.SubscriptionPeriodEnd) {
		return false
	}
	return true
}

// CancelSubscription marks the subscription as canceled, which removes its
// bucket from the debit order immediately. Credits and period end are kept
// for bookkeeping; the expiry sweep clears them once the period lapses.
func (a *CreditAccount) CancelSubscription(now time.Time) error {
	if a.Kind != AccountKindConsumer || a.SubscriptionStatus != SubscriptionStatusActive {
		return domain.ErrInvalidArgument
	}
	a.SubscriptionStatus = SubscriptionStatusCanceled
	a.UpdatedAt = now
	return nil
}

// Debit consumes one unit from the highest-priority non-empty bucket and
// returns the bucket it came from.
func (a *CreditAccount) Debit(now time.Time) (CreditSource, error) {
	if a.Kind == AccountKindStore {
		if a.Balance <= 0 {
			return "", domain.ErrNoCredits
		}
		a.Balance--
		a.TotalConsumed++
		a.UpdatedAt = now
		return SourceStoreB2B, nil
	}
	var src CreditSource
	switch {
	case a.FreeTicketsRemaining > 0:
		a.FreeTicketsRemaining--
		src = SourceFree
	case a.SubscriptionUsable(now):
		a.SubscriptionCredits--
		src = SourceSubscription
	case a.PaidCredits > 0:
		a.PaidCredits--
		src = SourcePaid
	default:
		return "", domain.ErrNoCredits
	}
	a.UpdatedAt = now
	return src, nil
}

// Credit returns one unit to the named bucket. Used by refunds so the unit
// always lands back where it came from.
func (a *CreditAccount) Credit(source CreditSource, amount int, now time.Time) error {
	if amount <= 0 {
		return domain.ErrInvalidArgument
	}
	switch source {
	case SourceFree:
		a.FreeTicketsRemaining += amount
	case SourceSubscription:
		a.SubscriptionCredits += amount
	case SourcePaid:
		a.PaidCredits += amount
	case SourceStoreB2B:
		a.Balance += amount
		if a.TotalConsumed >= amount {
			a.TotalConsumed -= amount
		}
	default:
		return domain.ErrInvalidArgument
	}
	a.UpdatedAt = now
	return nil
}
