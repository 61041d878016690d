package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"slotauction/internal/bidservice"
	"slotauction/internal/model"
	"slotauction/internal/roundengine"
	"slotauction/internal/store/memstore"
)

// fakeScheduler is an in-memory stand-in for *scheduler.Scheduler: it
// accepts every call without recording or firing anything, so tests
// drive rounds directly through the engine (see driveRound) instead of
// depending on wall-clock sleeps.
type fakeScheduler struct {
	mu      sync.Mutex
	handler func(ctx context.Context, key string, payload []byte)
}

func newFakeScheduler() *fakeScheduler { return &fakeScheduler{} }

func (f *fakeScheduler) Schedule(ctx context.Context, key string, deadline time.Time, payload any) error {
	return nil
}
func (f *fakeScheduler) Reschedule(ctx context.Context, key string, newDeadline time.Time) error {
	return nil
}
func (f *fakeScheduler) Cancel(ctx context.Context, key string) error { return nil }
func (f *fakeScheduler) Rehydrate(ctx context.Context) error          { return nil }

type fakeBus struct{}

func (fakeBus) PublishAuctionRoom(ctx context.Context, auctionID, eventType string, data any) {}
func (fakeBus) PublishDirectUser(ctx context.Context, userID, auctionID, eventType string, data any) {
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(nilWriter{})
	return log
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }

func wire(t *testing.T) (*memstore.Store, *Coordinator, *bidservice.Service) {
	t.Helper()
	st := memstore.New()
	eng := roundengine.New(st, newFakeScheduler(), fakeBus{}, testLogger())
	coord := New(st, newFakeScheduler(), fakeBus{}, eng, testLogger())
	bids := bidservice.New(st, fakeBus{}, eng, testLogger())
	return st, coord, bids
}

// driveRound advances one round to completion the way the sweeper would:
// start it (if still scheduled), then complete it (as if its deadline
// had already passed), bypassing real wall-clock waits.
func driveRound(t *testing.T, st *memstore.Store, coord *Coordinator, roundID string) {
	t.Helper()
	ctx := context.Background()
	round, err := st.GetRound(ctx, roundID)
	if err != nil {
		t.Fatal(err)
	}
	if round.Status == model.RoundScheduled {
		if err := coord.engine.StartRound(ctx, roundID); err != nil {
			t.Fatalf("startRound: %v", err)
		}
	}
	if err := coord.engine.CompleteRound(ctx, roundID); err != nil {
		t.Fatalf("completeRound: %v", err)
	}
}

// TestFourRoundDistribution exercises the headline end-to-end scenario:
// 200 items split 50 per round across 4 rounds, 200 users each placing a
// single minimum bid. Each round admits exactly 50 winners and carries
// the rest forward, so the pool of live bidders exhausts exactly at
// round 4: 200 distinct won items, zero refunds, every reservation
// released.
func TestFourRoundDistribution(t *testing.T) {
	st, coord, bids := wire(t)
	ctx := context.Background()

	auction, err := coord.CreateAuction(ctx, CreateAuctionInput{
		Name: "distribution", TotalItems: 200, ItemsPerRound: 50,
		StartTime: time.Now(), RoundDuration: 300, AntiSnipeWindow: 60, AntiSnipeExtension: 60,
		MaxExtensions: 3, MinBid: 100, MinBidStepPct: 5, Currency: "default",
	})
	if err != nil {
		t.Fatalf("createAuction: %v", err)
	}
	if auction.TotalRounds != 4 {
		t.Fatalf("expected 4 rounds, got %d", auction.TotalRounds)
	}

	const numUsers = 200
	for i := 0; i < numUsers; i++ {
		uid := fmt.Sprintf("user-%03d", i)
		if err := st.CreateUser(ctx, &model.User{ID: uid, Username: uid, Balance: 1000, CreatedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}

	round1, err := st.GetRoundByNumber(ctx, auction.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := coord.engine.StartRound(ctx, round1.ID); err != nil {
		t.Fatalf("startRound 1: %v", err)
	}

	for i := 0; i < numUsers; i++ {
		uid := fmt.Sprintf("user-%03d", i)
		if _, err := bids.PlaceBid(ctx, auction.ID, uid, 100); err != nil {
			t.Fatalf("placeBid(%s): %v", uid, err)
		}
	}

	if err := coord.engine.CompleteRound(ctx, round1.ID); err != nil {
		t.Fatalf("completeRound 1: %v", err)
	}
	for round := 2; round <= 4; round++ {
		r, err := st.GetRoundByNumber(ctx, auction.ID, round)
		if err != nil {
			t.Fatal(err)
		}
		driveRound(t, st, coord, r.ID)
	}

	totalWon, err := st.CountWonItems(ctx, auction.ID)
	if err != nil {
		t.Fatal(err)
	}
	if totalWon != 200 {
		t.Fatalf("expected 200 distinct won items across all rounds, got %d", totalWon)
	}

	totalWinsAcrossUsers := 0
	for i := 0; i < numUsers; i++ {
		uid := fmt.Sprintf("user-%03d", i)
		u, err := st.GetUser(ctx, uid)
		if err != nil {
			t.Fatal(err)
		}
		if u.Reserved != 0 {
			t.Fatalf("expected zero reservation for %s once every round has settled, got %d", uid, u.Reserved)
		}
		totalWinsAcrossUsers += u.TotalWins
	}
	if totalWinsAcrossUsers != 200 {
		t.Fatalf("expected total wins across all users to sum to 200, got %d", totalWinsAcrossUsers)
	}

	// completeRound's OnRoundCompleted hook already drives checkCompletion
	// after round 4; this just asserts the terminal state it left behind.
	finalAuction, err := st.GetAuction(ctx, auction.ID)
	if err != nil {
		t.Fatal(err)
	}
	if finalAuction.Status != model.AuctionCompleted {
		t.Fatalf("expected auction completed, got %s", finalAuction.Status)
	}
}

func TestCancelAuctionRefundsEveryLiveBid(t *testing.T) {
	st, coord, bids := wire(t)
	ctx := context.Background()

	auction, err := coord.CreateAuction(ctx, CreateAuctionInput{
		Name: "cancel-me", TotalItems: 10, ItemsPerRound: 5,
		StartTime: time.Now().Add(time.Hour), RoundDuration: 300, AntiSnipeWindow: 60, AntiSnipeExtension: 60,
		MaxExtensions: 3, MinBid: 100, MinBidStepPct: 5, Currency: "default",
	})
	if err != nil {
		t.Fatalf("createAuction: %v", err)
	}

	round1, err := st.GetRoundByNumber(ctx, auction.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := coord.engine.StartRound(ctx, round1.ID); err != nil {
		t.Fatalf("startRound: %v", err)
	}
	if err := st.CreateUser(ctx, &model.User{ID: "carol", Username: "carol", Balance: 1000, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if _, err := bids.PlaceBid(ctx, auction.ID, "carol", 200); err != nil {
		t.Fatalf("placeBid: %v", err)
	}

	// a cancel while a round is active is outside the auction's
	// cancelable states (scheduled/paused); simulate the auction having
	// never started by resetting its status directly for this test's
	// purpose of exercising the refund/conservation path.
	tx, err := st.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	a, err := tx.GetAuction(auction.ID)
	if err != nil {
		t.Fatal(err)
	}
	a.Status = model.AuctionScheduled
	if err := tx.SaveAuction(a); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := coord.CancelAuction(ctx, auction.ID); err != nil {
		t.Fatalf("cancelAuction: %v", err)
	}

	carol, err := st.GetUser(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if carol.Reserved != 0 || carol.Balance != 1000 {
		t.Fatalf("expected carol fully refunded, got balance=%d reserved=%d", carol.Balance, carol.Reserved)
	}
	finalAuction, err := st.GetAuction(ctx, auction.ID)
	if err != nil {
		t.Fatal(err)
	}
	if finalAuction.Status != model.AuctionCancelled {
		t.Fatalf("expected auction cancelled, got %s", finalAuction.Status)
	}
}
