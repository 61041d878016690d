package ledger

import (
	"context"
	"testing"
	"time"

	"slotauction/internal/model"
	"slotauction/internal/store/memstore"
)

func newUser(t *testing.T, st *memstore.Store, balance int64) *model.User {
	t.Helper()
	u := &model.User{ID: "u1", Username: "alice", Balance: balance, CreatedAt: time.Now()}
	if err := st.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func TestReserveEnforcesInvariant(t *testing.T) {
	st := memstore.New()
	newUser(t, st, 1000)

	tx, err := st.BeginTx(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	u, err := tx.GetUserForUpdate("u1")
	if err != nil {
		t.Fatal(err)
	}
	lg := New(tx)
	if err := lg.Reserve(u, 400, model.TxBidPlaced, nil, nil, "test"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if u.Reserved != 400 || u.Balance != 1000 {
		t.Fatalf("unexpected state: reserved=%d balance=%d", u.Reserved, u.Balance)
	}
	if u.Available() != 600 {
		t.Fatalf("expected available 600, got %d", u.Available())
	}
}

func TestReserveInsufficientFunds(t *testing.T) {
	st := memstore.New()
	newUser(t, st, 500)

	tx, _ := st.BeginTx(context.Background())
	defer tx.Rollback()
	u, _ := tx.GetUserForUpdate("u1")
	lg := New(tx)

	err := lg.Reserve(u, 600, model.TxBidPlaced, nil, nil, "test")
	if err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if u.Reserved != 0 {
		t.Fatalf("reserved should be unchanged on failure, got %d", u.Reserved)
	}
}

func TestCommitWinMovesReservedToSpent(t *testing.T) {
	st := memstore.New()
	newUser(t, st, 1000)

	tx, _ := st.BeginTx(context.Background())
	defer tx.Rollback()
	u, _ := tx.GetUserForUpdate("u1")
	lg := New(tx)
	if err := lg.Reserve(u, 300, model.TxBidPlaced, nil, nil, "bid"); err != nil {
		t.Fatal(err)
	}
	if err := lg.CommitWin(u, 300, nil, nil); err != nil {
		t.Fatal(err)
	}
	if u.Balance != 700 {
		t.Fatalf("expected balance 700, got %d", u.Balance)
	}
	if u.Reserved != 0 {
		t.Fatalf("expected reserved 0, got %d", u.Reserved)
	}
	if u.TotalWins != 1 || u.TotalSpent != 300 {
		t.Fatalf("expected totalWins=1 totalSpent=300, got %d/%d", u.TotalWins, u.TotalSpent)
	}
}

func TestRefundReleasesWithoutSpending(t *testing.T) {
	st := memstore.New()
	newUser(t, st, 1000)

	tx, _ := st.BeginTx(context.Background())
	defer tx.Rollback()
	u, _ := tx.GetUserForUpdate("u1")
	lg := New(tx)
	if err := lg.Reserve(u, 300, model.TxBidPlaced, nil, nil, "bid"); err != nil {
		t.Fatal(err)
	}
	if err := lg.Refund(u, 300, nil, nil, "refund"); err != nil {
		t.Fatal(err)
	}
	if u.Balance != 1000 {
		t.Fatalf("balance must be unchanged by a refund, got %d", u.Balance)
	}
	if u.Reserved != 0 {
		t.Fatalf("expected reserved 0, got %d", u.Reserved)
	}
}

func TestWithdrawRequiresAvailable(t *testing.T) {
	st := memstore.New()
	newUser(t, st, 500)

	tx, _ := st.BeginTx(context.Background())
	defer tx.Rollback()
	u, _ := tx.GetUserForUpdate("u1")
	lg := New(tx)
	if err := lg.Reserve(u, 400, model.TxBidPlaced, nil, nil, "bid"); err != nil {
		t.Fatal(err)
	}
	if err := lg.Withdraw(u, 200, "withdraw"); err != ErrInsufficientFunds {
		t.Fatalf("expected insufficient funds withdrawing beyond available, got %v", err)
	}
	if err := lg.Withdraw(u, 100, "withdraw"); err != nil {
		t.Fatalf("withdraw within available should succeed: %v", err)
	}
	if u.Balance != 400 {
		t.Fatalf("expected balance 400 after withdraw, got %d", u.Balance)
	}
}
