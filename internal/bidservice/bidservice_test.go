package bidservice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"slotauction/internal/model"
	"slotauction/internal/roundengine"
	"slotauction/internal/store/memstore"
)

type fakeBus struct{}

func (fakeBus) PublishAuctionRoom(ctx context.Context, auctionID, eventType string, data any) {}
func (fakeBus) PublishDirectUser(ctx context.Context, userID, auctionID, eventType string, data any) {
}

type fakeScheduler struct{}

func (fakeScheduler) Schedule(ctx context.Context, key string, deadline time.Time, payload any) error {
	return nil
}
func (fakeScheduler) Reschedule(ctx context.Context, key string, newDeadline time.Time) error {
	return nil
}
func (fakeScheduler) Cancel(ctx context.Context, key string) error { return nil }

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(nilWriter{})
	return log
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }

func setup(t *testing.T) (*memstore.Store, *Service, *model.Auction) {
	t.Helper()
	st := memstore.New()
	eng := roundengine.New(st, fakeScheduler{}, fakeBus{}, testLogger())
	svc := New(st, fakeBus{}, eng, testLogger())

	now := time.Now()
	auction := &model.Auction{
		ID: "a1", Name: "test", TotalItems: 1, ItemsPerRound: 1, TotalRounds: 1,
		StartTime: now, RoundDuration: 300, AntiSnipeWindow: 60, AntiSnipeExtension: 60,
		MaxExtensions: 3, MinBid: 100, MinBidStepPct: 5, Currency: "default",
		Status: model.AuctionActive, CurrentRound: 1,
	}
	round := &model.Round{
		ID: "r1", AuctionID: "a1", RoundNumber: 1, ItemsInRound: 1,
		ScheduledStartTime: now, ScheduledEndTime: now.Add(300 * time.Second), Status: model.RoundActive,
		ActualStartTime: &now,
	}
	endTime := now.Add(300 * time.Second)
	round.ActualEndTime = &endTime

	ctx := context.Background()
	tx, err := st.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.SaveAuction(auction); err != nil {
		t.Fatal(err)
	}
	if err := tx.CreateRound(round); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return st, svc, auction
}

func seedUser(t *testing.T, st *memstore.Store, id string, balance int64) {
	t.Helper()
	if err := st.CreateUser(context.Background(), &model.User{ID: id, Username: id, Balance: balance, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
}

func TestPlaceBidInsufficientFunds(t *testing.T) {
	st, svc, _ := setup(t)
	seedUser(t, st, "alice", 500)

	_, err := svc.PlaceBid(context.Background(), "a1", "alice", 600)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	u, err := st.GetUser(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.Balance != 500 || u.Reserved != 0 {
		t.Fatalf("user state must be unchanged after a failed bid, got balance=%d reserved=%d", u.Balance, u.Reserved)
	}
	if _, err := st.GetLiveBidForUser(context.Background(), "a1", "alice"); err == nil {
		t.Fatal("expected no bid to have been created")
	}
}

func TestPlaceBidRejectsBelowMinimum(t *testing.T) {
	st, svc, _ := setup(t)
	seedUser(t, st, "alice", 5000)

	_, err := svc.PlaceBid(context.Background(), "a1", "alice", 50)
	if !errors.Is(err, ErrBidTooLow) {
		t.Fatalf("expected ErrBidTooLow, got %v", err)
	}
}

func TestPlaceBidAlreadyBiddingConflict(t *testing.T) {
	st, svc, _ := setup(t)
	seedUser(t, st, "alice", 5000)

	if _, err := svc.PlaceBid(context.Background(), "a1", "alice", 200); err != nil {
		t.Fatalf("first bid should succeed: %v", err)
	}
	_, err := svc.PlaceBid(context.Background(), "a1", "alice", 300)
	if !errors.Is(err, ErrAlreadyBidding) {
		t.Fatalf("expected ErrAlreadyBidding on a second concurrent bid, got %v", err)
	}

	u, err := st.GetUser(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.Reserved != 200 {
		t.Fatalf("expected only the first bid's reservation to stick, got reserved=%d", u.Reserved)
	}
}

func TestPlaceBidSucceeds(t *testing.T) {
	st, svc, _ := setup(t)
	seedUser(t, st, "alice", 5000)

	bid, err := svc.PlaceBid(context.Background(), "a1", "alice", 200)
	if err != nil {
		t.Fatalf("placeBid: %v", err)
	}
	if bid.Status != model.BidActive || bid.Amount != 200 {
		t.Fatalf("unexpected bid state: %+v", bid)
	}
	u, err := st.GetUser(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.Reserved != 200 || u.TotalBids != 1 {
		t.Fatalf("expected reserved=200 totalBids=1, got reserved=%d totalBids=%d", u.Reserved, u.TotalBids)
	}
}

func TestIncreaseBidEnforcesStep(t *testing.T) {
	st, svc, _ := setup(t)
	seedUser(t, st, "alice", 5000)

	bid, err := svc.PlaceBid(context.Background(), "a1", "alice", 100)
	if err != nil {
		t.Fatalf("placeBid: %v", err)
	}

	// 5% step on 100 rounds up to 105; 104 must be rejected.
	_, err = svc.IncreaseBid(context.Background(), bid.ID, "alice", 104)
	if !errors.Is(err, ErrBidTooLow) {
		t.Fatalf("expected ErrBidTooLow for a sub-step increase, got %v", err)
	}

	updated, err := svc.IncreaseBid(context.Background(), bid.ID, "alice", 105)
	if err != nil {
		t.Fatalf("increaseBid at the exact step boundary should succeed: %v", err)
	}
	if updated.Amount != 105 {
		t.Fatalf("expected amount 105, got %d", updated.Amount)
	}

	u, err := st.GetUser(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.Reserved != 105 {
		t.Fatalf("expected reserved to track the increased amount, got %d", u.Reserved)
	}
}

func TestIncreaseBidRejectsNonOwner(t *testing.T) {
	st, svc, _ := setup(t)
	seedUser(t, st, "alice", 5000)
	seedUser(t, st, "bob", 5000)

	bid, err := svc.PlaceBid(context.Background(), "a1", "alice", 200)
	if err != nil {
		t.Fatalf("placeBid: %v", err)
	}
	_, err = svc.IncreaseBid(context.Background(), bid.ID, "bob", 300)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden when a non-owner increases a bid, got %v", err)
	}
}

func TestCancelBidOnlyWhileScheduled(t *testing.T) {
	st, svc, _ := setup(t)
	seedUser(t, st, "alice", 5000)

	bid, err := svc.PlaceBid(context.Background(), "a1", "alice", 200)
	if err != nil {
		t.Fatalf("placeBid: %v", err)
	}

	// the round is active in setup(), so cancellation must be refused.
	_, err = svc.CancelBid(context.Background(), bid.ID, "alice")
	if !errors.Is(err, ErrNotCancelable) {
		t.Fatalf("expected ErrNotCancelable while the round is active, got %v", err)
	}

	// move the round back to scheduled and retry.
	ctx := context.Background()
	tx, err := st.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	r, err := tx.GetRound("r1")
	if err != nil {
		t.Fatal(err)
	}
	r.Status = model.RoundScheduled
	if err := tx.SaveRound(r); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	cancelled, err := svc.CancelBid(context.Background(), bid.ID, "alice")
	if err != nil {
		t.Fatalf("cancelBid while scheduled should succeed: %v", err)
	}
	if cancelled.Status != model.BidRefunded {
		t.Fatalf("expected status refunded, got %s", cancelled.Status)
	}
	u, err := st.GetUser(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.Reserved != 0 {
		t.Fatalf("expected full release of the reservation, got reserved=%d", u.Reserved)
	}
}
