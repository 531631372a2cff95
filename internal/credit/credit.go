// Package credit implements the admission gate that reserves a user's
// credits before a paid tool call and settles the reservation afterwards.
package credit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentFlow/internal/errors"
)

// Status is the lifecycle state of a reservation.
type Status string

const (
	StatusReserved Status = "reserved"
	StatusCharged  Status = "charged"
	StatusReleased Status = "released"
)

// Reservation holds credits between admission and settlement.
type Reservation struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// Empty reports whether the reservation holds nothing.
func (r Reservation) Empty() bool {
	return r.ID == "" || !r.Amount.IsPositive()
}

// EntryKind classifies ledger rows.
type EntryKind string

const (
	EntryReserve EntryKind = "reserve"
	EntryCharge  EntryKind = "charge"
	EntryRelease EntryKind = "release"
	EntryDeposit EntryKind = "deposit"
)

// LedgerEntry is an append-only record of a balance change.
type LedgerEntry struct {
	UserID        string          `json:"user_id"`
	ReservationID string          `json:"reservation_id,omitempty"`
	Kind          EntryKind       `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Gate admits paid work. Reserve and settle must be atomic per user: two
// concurrent reservations can never both succeed when their sum exceeds the
// available balance. Finalize and Release are idempotent; settling a
// reservation twice moves no credits the second time.
type Gate interface {
	CheckAndReserve(ctx context.Context, userID string, amount decimal.Decimal) (Reservation, error)
	Finalize(ctx context.Context, r Reservation) (decimal.Decimal, error)
	Release(ctx context.Context, r Reservation) (decimal.Decimal, error)
}

// Insufficient builds the INSUFFICIENT_CREDITS error.
func Insufficient(userID string, required, available decimal.Decimal) error {
	return xerrors.New(xerrors.CodeInsufficientCredits, "insufficient credits",
		xerrors.WithMetadata("user_id", userID),
		xerrors.WithMetadata("required", required.String()),
		xerrors.WithMetadata("available", available.String()))
}

// ValidateRequest checks the arguments of CheckAndReserve.
func ValidateRequest(userID string, amount decimal.Decimal) error {
	if userID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "user id is required")
	}
	if amount.IsNegative() {
		return xerrors.New(xerrors.CodeInvalidArgument, "credit amount cannot be negative")
	}
	return nil
}
