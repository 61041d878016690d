// Package roundengine is the per-round state machine: startRound's
// carry-over promotion, maybeExtend's anti-snipe CAS, and
// completeRound's winner selection. It is the component every bid and
// every timer callback eventually calls into.
package roundengine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"slotauction/internal/ledger"
	"slotauction/internal/model"
	"slotauction/internal/store"
)

var (
	ErrRoundNotActive    = errors.New("roundengine: round not active")
	ErrRoundNotScheduled = errors.New("roundengine: round not scheduled")
)

// CompletionNotifier lets the coordinator learn when a round finishes
// without roundengine importing the coordinator package (it owns
// checkCompletion and the next round's chaining).
type CompletionNotifier func(ctx context.Context, auctionID string, completedRoundNumber int)

// TimerScheduler is the subset of *scheduler.Scheduler the round engine
// calls into. Kept as an interface so tests can substitute a fake
// instead of a live Redis client.
type TimerScheduler interface {
	Schedule(ctx context.Context, key string, deadline time.Time, payload any) error
	Reschedule(ctx context.Context, key string, newDeadline time.Time) error
	Cancel(ctx context.Context, key string) error
}

// Publisher is the subset of *eventbus.Bus the round engine calls into.
type Publisher interface {
	PublishAuctionRoom(ctx context.Context, auctionID, eventType string, data any)
	PublishDirectUser(ctx context.Context, userID, auctionID, eventType string, data any)
}

type Engine struct {
	store store.Store
	sched TimerScheduler
	bus   Publisher
	log   *logrus.Logger

	OnRoundCompleted CompletionNotifier
}

func New(st store.Store, sched TimerScheduler, bus Publisher, log *logrus.Logger) *Engine {
	return &Engine{store: st, sched: sched, bus: bus, log: log}
}

func endRoundKey(roundID string) string  { return "end-round:" + roundID }
func startRoundKey(roundID string) string { return "start-round:" + roundID }

// StartRound transitions a scheduled round to active, promoting the
// previous round's carried-over bids, and arms the end-round timer.
func (e *Engine) StartRound(ctx context.Context, roundID string) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	round, err := tx.GetRound(roundID)
	if err != nil {
		return err
	}
	if round.Status != model.RoundScheduled {
		// already started by a duplicate timer delivery; no-op.
		return nil
	}

	auction, err := tx.GetAuction(round.AuctionID)
	if err != nil {
		return err
	}

	now := time.Now()
	round.ActualStartTime = &now
	endTime := now.Add(round.ScheduledEndTime.Sub(round.ScheduledStartTime))
	round.ActualEndTime = &endTime

	if round.RoundNumber > 1 {
		// CompleteRound files carried-over bids under the round they move
		// into; bids still filed under the previous round are promoted too.
		var carried []*model.Bid
		for _, n := range []int{round.RoundNumber - 1, round.RoundNumber} {
			bids, err := tx.ListLiveBidsForRound(auction.ID, n)
			if err != nil {
				return err
			}
			carried = append(carried, bids...)
		}
		for _, b := range carried {
			if b.Status != model.BidCarriedOver {
				continue
			}
			b.Status = model.BidActive
			b.CurrentRound = round.RoundNumber
			b.History = append(b.History, model.BidHistoryEntry{
				Action: model.HistoryCarriedOver, Amount: b.Amount, Round: round.RoundNumber, Timestamp: now,
			})
			if err := tx.SaveBid(b); err != nil {
				return err
			}
		}
	}

	round.Status = model.RoundActive
	if err := tx.SaveRound(round); err != nil {
		return err
	}

	if auction.CurrentRound == 0 {
		auction.CurrentRound = round.RoundNumber
		auction.Status = model.AuctionActive
		if err := tx.SaveAuction(auction); err != nil {
			return err
		}
	} else if auction.CurrentRound != round.RoundNumber {
		auction.CurrentRound = round.RoundNumber
		if err := tx.SaveAuction(auction); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	e.bus.PublishAuctionRoom(ctx, auction.ID, "round:started", map[string]any{
		"auctionId": auction.ID, "roundNumber": round.RoundNumber,
		"itemsInRound": round.ItemsInRound, "scheduledEndTime": endTime,
	})
	if round.RoundNumber == 1 {
		e.bus.PublishAuctionRoom(ctx, auction.ID, "auction:started", map[string]any{
			"auctionId": auction.ID, "name": auction.Name, "currentRound": auction.CurrentRound, "startTime": auction.StartTime,
		})
	}

	if err := e.sched.Schedule(ctx, endRoundKey(round.ID), endTime, map[string]string{"roundId": round.ID}); err != nil {
		e.log.WithError(err).WithField("round_id", round.ID).Warn("roundengine: failed to arm end-round timer")
	}
	return nil
}

// MaybeExtend is the anti-snipe CAS: called after every bid placement
// or increase during an active round.
func (e *Engine) MaybeExtend(ctx context.Context, roundID string) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	round, err := tx.GetRound(roundID)
	if err != nil {
		return err
	}
	if round.Status != model.RoundActive || round.ActualEndTime == nil {
		return nil
	}
	auction, err := tx.GetAuction(round.AuctionID)
	if err != nil {
		return err
	}

	now := time.Now()
	delta := round.ActualEndTime.Sub(now).Seconds()
	if delta <= 0 {
		return nil
	}
	if delta > float64(auction.AntiSnipeWindow) {
		return nil
	}
	if round.ExtensionsCount >= auction.MaxExtensions {
		return nil
	}

	newEnd := round.ActualEndTime.Add(time.Duration(auction.AntiSnipeExtension) * time.Second)
	round.ActualEndTime = &newEnd
	round.ExtensionsCount++
	// SaveRound's optimistic CAS on Version is the compare-and-set: a
	// loser of this race sees ErrVersionConflict and simply no-ops,
	// a loser of the CAS race is simply a no-op, not an error.
	if err := tx.SaveRound(round); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	e.bus.PublishAuctionRoom(ctx, auction.ID, "round:extended", map[string]any{
		"auctionId": auction.ID, "roundNumber": round.RoundNumber,
		"newEndTime": newEnd, "extensionsCount": round.ExtensionsCount,
	})
	if err := e.sched.Reschedule(ctx, endRoundKey(round.ID), newEnd); err != nil {
		e.log.WithError(err).WithField("round_id", round.ID).Warn("roundengine: failed to reschedule end-round timer")
	}
	return nil
}

// CompleteRound is idempotent via winnersProcessed: a retry after a
// partial failure, or a duplicate timer delivery, is a safe no-op.
func (e *Engine) CompleteRound(ctx context.Context, roundID string) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	round, err := tx.GetRound(roundID)
	if err != nil {
		return err
	}
	if round.WinnersProcessed {
		return nil
	}
	if round.Status != model.RoundActive {
		return ErrRoundNotActive
	}

	auction, err := tx.GetAuction(round.AuctionID)
	if err != nil {
		return err
	}

	now := time.Now()
	round.Status = model.RoundCompleted
	round.ActualEndTime = &now

	bids, err := tx.ListLiveBidsForRound(auction.ID, round.RoundNumber)
	if err != nil {
		return err
	}
	// bids already come ordered (amount DESC, createdAt ASC) from the
	// store, but winner selection recomputes the sort from stored
	// fields rather than trusting any cached ordering (design note:
	// runtime sorts vs persisted ordering).
	live := make([]*model.Bid, 0, len(bids))
	for _, b := range bids {
		if b.Status == model.BidActive {
			live = append(live, b)
		}
	}
	sortByRank(live)

	lg := ledger.New(tx)

	winnersCount := round.ItemsInRound
	if len(live) < winnersCount {
		winnersCount = len(live)
	}
	startItemNumber := (round.RoundNumber-1)*auction.ItemsPerRound + 1

	winnersTotal := 0
	for i := 0; i < winnersCount; i++ {
		bid := live[i]
		itemNumber := startItemNumber + i
		position := i + 1

		u, err := tx.GetUserForUpdate(bid.UserID)
		if err != nil {
			return err
		}

		bid.Status = model.BidWon
		itemCopy, roundCopy, posCopy := itemNumber, round.RoundNumber, position
		bid.WonItemNumber = &itemCopy
		bid.WonInRound = &roundCopy
		bid.WonPosition = &posCopy
		bid.History = append(bid.History, model.BidHistoryEntry{
			Action: model.HistoryWon, Amount: bid.Amount, Round: round.RoundNumber, Timestamp: now,
		})
		if err := tx.SaveBid(bid); err != nil {
			return err
		}

		aid, bidID := auction.ID, bid.ID
		if err := lg.CommitWin(u, bid.Amount, &aid, &bidID); err != nil {
			return err
		}

		if err := tx.CreateWonItem(&model.WonItem{
			ID: uuid.NewString(), AuctionID: auction.ID, UserID: bid.UserID, BidID: bid.ID,
			ItemNumber: itemNumber, RoundNumber: round.RoundNumber, PositionInRound: position, WinningBidAmount: bid.Amount, CreatedAt: now,
		}); err != nil {
			return err
		}
		winnersTotal++
	}

	for i := winnersCount; i < len(live); i++ {
		bid := live[i]
		u, err := tx.GetUserForUpdate(bid.UserID)
		if err != nil {
			return err
		}
		aid, bidID := auction.ID, bid.ID
		if round.RoundNumber < auction.TotalRounds {
			bid.Status = model.BidCarriedOver
			bid.CurrentRound = round.RoundNumber + 1
			bid.History = append(bid.History, model.BidHistoryEntry{
				Action: model.HistoryCarriedOver, Amount: bid.Amount, Round: round.RoundNumber + 1, Timestamp: now,
			})
			if err := tx.SaveBid(bid); err != nil {
				return err
			}
		} else {
			if err := lg.Refund(u, bid.Amount, &aid, &bidID, "terminal round refund"); err != nil {
				return err
			}
			bid.Status = model.BidRefunded
			bid.History = append(bid.History, model.BidHistoryEntry{
				Action: model.HistoryRefunded, Amount: bid.Amount, Round: round.RoundNumber, Timestamp: now,
			})
			// currentRound is deliberately left at the terminal round:
			// status is the authoritative signal, currentRound is historical.
			if err := tx.SaveBid(bid); err != nil {
				return err
			}
		}
	}

	round.WinnersProcessed = true
	if err := tx.SaveRound(round); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	e.bus.PublishAuctionRoom(ctx, auction.ID, "round:completed", map[string]any{
		"auctionId": auction.ID, "roundNumber": round.RoundNumber, "winnersCount": winnersTotal,
	})
	for i := 0; i < winnersCount; i++ {
		bid := live[i]
		e.bus.PublishDirectUser(ctx, bid.UserID, auction.ID, "user:won", map[string]any{
			"auctionId": auction.ID, "itemNumber": *bid.WonItemNumber, "amount": bid.Amount, "roundNumber": round.RoundNumber,
		})
	}
	for i := winnersCount; i < len(live); i++ {
		bid := live[i]
		if bid.Status == model.BidRefunded {
			e.bus.PublishDirectUser(ctx, bid.UserID, auction.ID, "bid:refunded", map[string]any{
				"auctionId": auction.ID, "amount": bid.Amount,
			})
		}
	}

	if err := e.sched.Cancel(ctx, endRoundKey(round.ID)); err != nil {
		e.log.WithError(err).Warn("roundengine: failed to clear end-round timer after completion")
	}
	if e.OnRoundCompleted != nil {
		e.OnRoundCompleted(ctx, auction.ID, round.RoundNumber)
	}
	return nil
}

func sortByRank(bids []*model.Bid) {
	// insertion sort is fine at the round sizes this engine targets (≤10,000
	// items, far fewer live bids per round); keeps the dependency
	// surface to the comparator instead of sort.Slice's indirection.
	for i := 1; i < len(bids); i++ {
		j := i
		for j > 0 && model.LessRank(bids[j], bids[j-1]) {
			bids[j], bids[j-1] = bids[j-1], bids[j]
			j--
		}
	}
}
