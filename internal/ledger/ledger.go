// Package ledger holds the per-user balance/reserved bookkeeping. Every
// operation runs against an already-open store.Tx and writes an
// append-only Transaction row alongside the balance mutation, in the
// teacher repo's style of folding wallet math and its audit trail into
// the same database transaction as the order it settles.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"slotauction/internal/model"
	"slotauction/internal/store"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
)

// Ledger operates on a single open transaction; callers construct one
// per store.Tx rather than holding it across transactions.
type Ledger struct {
	tx store.Tx
}

func New(tx store.Tx) *Ledger { return &Ledger{tx: tx} }

func (l *Ledger) checkInvariant(u *model.User) error {
	if u.Reserved < 0 || u.Reserved > u.Balance {
		return fmt.Errorf("ledger: invariant violated for user %s: reserved=%d balance=%d", u.ID, u.Reserved, u.Balance)
	}
	return nil
}

func (l *Ledger) record(u *model.User, txType model.TransactionType, amount, before, after int64, auctionID, bidID *string, desc string) error {
	return l.tx.AppendTransaction(&model.Transaction{
		ID:            uuid.NewString(),
		UserID:        u.ID,
		Type:          txType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		AuctionID:     auctionID,
		BidID:         bidID,
		Description:   desc,
		CreatedAt:     time.Now(),
	})
}

// Reserve immobilises amount against the user's available balance,
// recording it as a bid_placed or bid_increased transaction depending
// on the caller's context (placeBid vs increaseBid pick the type).
func (l *Ledger) Reserve(u *model.User, amount int64, txType model.TransactionType, auctionID, bidID *string, desc string) error {
	if u.Available() < amount {
		return ErrInsufficientFunds
	}
	before := u.Balance
	u.Reserved += amount
	if err := l.checkInvariant(u); err != nil {
		return err
	}
	if err := l.tx.SaveUser(u); err != nil {
		return err
	}
	return l.record(u, txType, amount, before, u.Balance, auctionID, bidID, desc)
}

// CommitWin converts a reservation into a spend: balance and reserved
// both drop by amount, totalWins/totalSpent increment.
func (l *Ledger) CommitWin(u *model.User, amount int64, auctionID, bidID *string) error {
	before := u.Balance
	u.Balance -= amount
	u.Reserved -= amount
	u.TotalWins++
	u.TotalSpent += amount
	if err := l.checkInvariant(u); err != nil {
		return err
	}
	if err := l.tx.SaveUser(u); err != nil {
		return err
	}
	return l.record(u, model.TxBidWon, amount, before, u.Balance, auctionID, bidID, "round win settled")
}

// Refund releases a reservation without ever having spent it; balance
// is untouched. Used for both terminal-round refunds and auction
// cancellation — callers vary only the description.
func (l *Ledger) Refund(u *model.User, amount int64, auctionID, bidID *string, desc string) error {
	before := u.Balance
	u.Reserved -= amount
	if u.Reserved < 0 {
		u.Reserved = 0
	}
	if err := l.checkInvariant(u); err != nil {
		return err
	}
	if err := l.tx.SaveUser(u); err != nil {
		return err
	}
	return l.record(u, model.TxBidRefunded, amount, before, u.Balance, auctionID, bidID, desc)
}

func (l *Ledger) Deposit(u *model.User, amount int64, desc string) error {
	before := u.Balance
	u.Balance += amount
	if err := l.checkInvariant(u); err != nil {
		return err
	}
	if err := l.tx.SaveUser(u); err != nil {
		return err
	}
	return l.record(u, model.TxDeposit, amount, before, u.Balance, nil, nil, desc)
}

func (l *Ledger) Withdraw(u *model.User, amount int64, desc string) error {
	if u.Available() < amount {
		return ErrInsufficientFunds
	}
	before := u.Balance
	u.Balance -= amount
	if err := l.checkInvariant(u); err != nil {
		return err
	}
	if err := l.tx.SaveUser(u); err != nil {
		return err
	}
	return l.record(u, model.TxWithdrawal, amount, before, u.Balance, nil, nil, desc)
}
