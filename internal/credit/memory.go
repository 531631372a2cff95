package credit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"AgentFlow/pkg/logger"
)

// MemoryGate keeps balances in process memory. Each user has its own lock so
// reservations for different users never contend.
type MemoryGate struct {
	now func() time.Time

	mu       sync.Mutex
	accounts map[string]*account
	// pending 只保存尚未结算的预留，结算后即删除，结算记录留在账本里。
	pending map[string]Reservation
}

type account struct {
	mu       sync.Mutex
	balance  decimal.Decimal
	reserved decimal.Decimal
	ledger   []LedgerEntry
}

// NewMemoryGate creates an empty gate.
func NewMemoryGate() *MemoryGate {
	return &MemoryGate{
		now:      time.Now,
		accounts: make(map[string]*account),
		pending:  make(map[string]Reservation),
	}
}

// Deposit adds credits to a user's available balance.
func (g *MemoryGate) Deposit(userID string, amount decimal.Decimal) {
	acct := g.account(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.balance = acct.balance.Add(amount)
	acct.ledger = append(acct.ledger, LedgerEntry{UserID: userID, Kind: EntryDeposit, Amount: amount, BalanceAfter: acct.balance, CreatedAt: g.now()})
}

// Balance returns the available and reserved credits of a user.
func (g *MemoryGate) Balance(userID string) (available, reserved decimal.Decimal) {
	acct := g.account(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.balance, acct.reserved
}

// Ledger returns a copy of the user's ledger.
func (g *MemoryGate) Ledger(userID string) []LedgerEntry {
	acct := g.account(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	out := make([]LedgerEntry, len(acct.ledger))
	copy(out, acct.ledger)
	return out
}

// CheckAndReserve moves amount from available to reserved, or fails with
// INSUFFICIENT_CREDITS leaving the balance untouched.
func (g *MemoryGate) CheckAndReserve(_ context.Context, userID string, amount decimal.Decimal) (Reservation, error) {
	if err := ValidateRequest(userID, amount); err != nil {
		return Reservation{}, err
	}
	res := Reservation{ID: uuid.NewString(), UserID: userID, Amount: amount, CreatedAt: g.now()}
	if amount.IsZero() {
		return res, nil
	}

	acct := g.account(userID)
	acct.mu.Lock()
	if acct.balance.LessThan(amount) {
		available := acct.balance
		acct.mu.Unlock()
		return Reservation{}, Insufficient(userID, amount, available)
	}
	acct.balance = acct.balance.Sub(amount)
	acct.reserved = acct.reserved.Add(amount)
	acct.ledger = append(acct.ledger, LedgerEntry{UserID: userID, ReservationID: res.ID, Kind: EntryReserve, Amount: amount, BalanceAfter: acct.balance, CreatedAt: res.CreatedAt})
	acct.mu.Unlock()

	g.mu.Lock()
	g.pending[res.ID] = res
	g.mu.Unlock()
	return res, nil
}

// Finalize charges a held reservation.
func (g *MemoryGate) Finalize(_ context.Context, r Reservation) (decimal.Decimal, error) {
	held, ok := g.settle(r)
	if !ok {
		return decimal.Zero, nil
	}
	acct := g.account(held.UserID)
	acct.mu.Lock()
	acct.reserved = acct.reserved.Sub(held.Amount)
	acct.ledger = append(acct.ledger, LedgerEntry{UserID: held.UserID, ReservationID: held.ID, Kind: EntryCharge, Amount: held.Amount, BalanceAfter: acct.balance, CreatedAt: g.now()})
	acct.mu.Unlock()
	logger.Audit().Info("credit.finalize", "user_id", held.UserID, "reservation_id", held.ID, "amount", held.Amount.String())
	return held.Amount, nil
}

// Release returns a held reservation to the available balance.
func (g *MemoryGate) Release(_ context.Context, r Reservation) (decimal.Decimal, error) {
	held, ok := g.settle(r)
	if !ok {
		return decimal.Zero, nil
	}
	acct := g.account(held.UserID)
	acct.mu.Lock()
	acct.reserved = acct.reserved.Sub(held.Amount)
	acct.balance = acct.balance.Add(held.Amount)
	acct.ledger = append(acct.ledger, LedgerEntry{UserID: held.UserID, ReservationID: held.ID, Kind: EntryRelease, Amount: held.Amount, BalanceAfter: acct.balance, CreatedAt: g.now()})
	acct.mu.Unlock()
	logger.Audit().Info("credit.release", "user_id", held.UserID, "reservation_id", held.ID, "amount", held.Amount.String())
	return held.Amount, nil
}

// settle removes a pending reservation and returns it. ok is false when the
// reservation was unknown or already settled.
func (g *MemoryGate) settle(r Reservation) (Reservation, bool) {
	if r.Empty() {
		return Reservation{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	held, ok := g.pending[r.ID]
	if ok {
		delete(g.pending, r.ID)
	}
	return held, ok
}

// Pending reports how many reservations are held but not yet settled.
func (g *MemoryGate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *MemoryGate) account(userID string) *account {
	g.mu.Lock()
	defer g.mu.Unlock()
	acct, ok := g.accounts[userID]
	if !ok {
		acct = &account{}
		g.accounts[userID] = acct
	}
	return acct
}
