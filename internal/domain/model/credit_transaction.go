package model

import (
	"time"

	"github.com/google/uuid"
)

type TransactionKind string

const (
	TransactionKindDebit    TransactionKind = "debit"
	TransactionKindRefund   TransactionKind = "refund"
	TransactionKindPurchase TransactionKind = "purchase"
)

// CreditTransaction is an append-only ledger entry. Debits and refunds carry
// the job id they belong to; the unique (account_id, job_id, kind) constraint
// in storage is what makes both operations idempotent under retry.
type CreditTransaction struct {
	ID        string
	AccountID string
	Kind      TransactionKind
	Source    CreditSource
	Amount    int    // -1 for a try-on debit, +1 for its refund, +N for purchases
	JobID     string // empty for purchases
	CreatedAt time.Time
}

func NewDebit(accountID, jobID string, source CreditSource, now time.Time) *CreditTransaction {
	return &CreditTransaction{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Kind:      TransactionKindDebit,
		Source:    source,
		Amount:    -1,
		JobID:     jobID,
		CreatedAt: now,
	}
}

func NewRefund(accountID, jobID string, source CreditSource, now time.Time) *CreditTransaction {
	return &CreditTransaction{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Kind:      TransactionKindRefund,
		Source:    source,
		Amount:    1,
		JobID:     jobID,
		CreatedAt: now,
	}
}

func NewPurchase(accountID string, source CreditSource, amount int, now time.Time) *CreditTransaction {
	return &CreditTransaction{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Kind:      TransactionKindPurchase,
		Source:    source,
		Amount:    amount,
		CreatedAt: now,
	}
}
