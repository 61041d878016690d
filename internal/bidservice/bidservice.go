// Package bidservice is the public place/increase/cancel API: it
// orchestrates the ledger and the bid store under one transaction, then
// calls the round engine's anti-snipe hook after that transaction commits.
package bidservice

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"slotauction/internal/ledger"
	"slotauction/internal/model"
	"slotauction/internal/roundengine"
	"slotauction/internal/store"
)

// Publisher is the subset of *eventbus.Bus the bid service calls into.
type Publisher interface {
	PublishAuctionRoom(ctx context.Context, auctionID, eventType string, data any)
	PublishDirectUser(ctx context.Context, userID, auctionID, eventType string, data any)
}

var (
	ErrAuctionNotActive  = errors.New("bidservice: auction not active")
	ErrRoundNotActive    = errors.New("bidservice: round not active")
	ErrAlreadyBidding    = errors.New("bidservice: already bidding")
	ErrBidTooLow         = errors.New("bidservice: bid too low")
	ErrInsufficientFunds = errors.New("bidservice: insufficient funds")
	ErrConflict          = errors.New("bidservice: conflict")
	ErrForbidden         = errors.New("bidservice: forbidden")
	ErrNotCancelable     = errors.New("bidservice: bid not cancelable")
)

const maxIncreaseRetries = 3

type Service struct {
	store  store.Store
	bus    Publisher
	engine *roundengine.Engine
	log    *logrus.Logger
}

func New(st store.Store, bus Publisher, engine *roundengine.Engine, log *logrus.Logger) *Service {
	return &Service{store: st, bus: bus, engine: engine, log: log}
}

// PlaceBid records a new bid, reserving funds atomically.
func (s *Service) PlaceBid(ctx context.Context, auctionID, userID string, amount int64) (*model.Bid, error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	auction, err := tx.GetAuction(auctionID)
	if err != nil {
		return nil, err
	}
	if auction.Status != model.AuctionActive || auction.CurrentRound == 0 {
		return nil, ErrAuctionNotActive
	}
	round, err := tx.GetRoundByNumber(auctionID, auction.CurrentRound)
	if err != nil {
		return nil, err
	}
	if round.Status != model.RoundActive {
		return nil, ErrRoundNotActive
	}
	if amount < auction.MinBid {
		return nil, fmt.Errorf("%w: minimum is %d", ErrBidTooLow, auction.MinBid)
	}

	existing, err := tx.GetLiveBidForUser(auctionID, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyBidding
	}

	u, err := tx.GetUserForUpdate(userID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	bid := &model.Bid{
		ID: uuid.NewString(), AuctionID: auctionID, UserID: userID, Amount: amount, OriginalAmount: amount,
		CreatedInRound: round.RoundNumber, CurrentRound: round.RoundNumber, Status: model.BidActive,
		History: []model.BidHistoryEntry{{Action: model.HistoryCreated, Amount: amount, Round: round.RoundNumber, Timestamp: now}},
		CreatedAt: now,
	}

	lg := ledger.New(tx)
	bidID := bid.ID
	if err := lg.Reserve(u, amount, model.TxBidPlaced, &auctionID, &bidID, "bid placed"); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return nil, ErrInsufficientFunds
		}
		return nil, err
	}

	if err := tx.CreateBid(bid); err != nil {
		return nil, err
	}
	u.TotalBids++
	if err := tx.SaveUser(u); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.bus.PublishAuctionRoom(ctx, auctionID, "bid:placed", map[string]any{
		"auctionId": auctionID, "bidId": bid.ID, "userId": userID, "username": u.Username,
		"amount": amount, "roundNumber": round.RoundNumber, "ts": now,
	})
	s.bus.PublishAuctionRoom(ctx, auctionID, "leaderboard:updated", map[string]any{"auctionId": auctionID, "roundNumber": round.RoundNumber, "ts": now})

	if err := s.engine.MaybeExtend(ctx, round.ID); err != nil {
		s.log.WithError(err).WithField("round_id", round.ID).Warn("bidservice: maybeExtend failed after placeBid")
	}
	return bid, nil
}

// IncreaseBid raises an existing bid's amount, retrying on optimistic
// version conflicts up to 3 times with 100ms*attempt backoff.
func (s *Service) IncreaseBid(ctx context.Context, bidID, userID string, newAmount int64) (*model.Bid, error) {
	var lastErr error
	for attempt := 1; attempt <= maxIncreaseRetries; attempt++ {
		bid, roundID, err := s.tryIncrease(ctx, bidID, userID, newAmount)
		if err == nil {
			if err := s.engine.MaybeExtend(ctx, roundID); err != nil {
				s.log.WithError(err).WithField("round_id", roundID).Warn("bidservice: maybeExtend failed after increaseBid")
			}
			return bid, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	s.log.WithField("bid_id", bidID).Warn("bidservice: increaseBid exhausted retries on version conflict")
	return nil, fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

func (s *Service) tryIncrease(ctx context.Context, bidID, userID string, newAmount int64) (*model.Bid, string, error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, "", err
	}
	defer tx.Rollback()

	bid, err := tx.GetBid(bidID)
	if err != nil {
		return nil, "", err
	}
	if bid.UserID != userID {
		return nil, "", ErrForbidden
	}
	if bid.Status != model.BidActive {
		return nil, "", ErrRoundNotActive
	}

	auction, err := tx.GetAuction(bid.AuctionID)
	if err != nil {
		return nil, "", err
	}
	minNext := minNextAmount(bid.Amount, auction.MinBidStepPct)
	if newAmount < minNext {
		return nil, "", fmt.Errorf("%w: minimum next bid is %d", ErrBidTooLow, minNext)
	}

	round, err := tx.GetRoundByNumber(bid.AuctionID, bid.CurrentRound)
	if err != nil {
		return nil, "", err
	}

	u, err := tx.GetUserForUpdate(userID)
	if err != nil {
		return nil, "", err
	}

	delta := newAmount - bid.Amount
	lg := ledger.New(tx)
	if err := lg.Reserve(u, delta, model.TxBidIncreased, &bid.AuctionID, &bidID, "bid increased"); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return nil, "", ErrInsufficientFunds
		}
		return nil, "", err
	}

	prev := bid.Amount
	now := time.Now()
	bid.Amount = newAmount
	bid.History = append(bid.History, model.BidHistoryEntry{
		Action: model.HistoryIncreased, Amount: newAmount, Round: bid.CurrentRound, Timestamp: now, PrevAmount: &prev,
	})
	if err := tx.SaveBid(bid); err != nil {
		return nil, "", err
	}

	if err := tx.Commit(); err != nil {
		return nil, "", err
	}

	s.bus.PublishAuctionRoom(ctx, bid.AuctionID, "bid:increased", map[string]any{
		"auctionId": bid.AuctionID, "bidId": bid.ID, "userId": userID, "username": u.Username,
		"previousAmount": prev, "newAmount": newAmount, "roundNumber": bid.CurrentRound, "ts": now,
	})
	s.bus.PublishAuctionRoom(ctx, bid.AuctionID, "leaderboard:updated", map[string]any{"auctionId": bid.AuctionID, "roundNumber": bid.CurrentRound, "ts": now})
	return bid, round.ID, nil
}

// minNextAmount rounds the step requirement to whole minor units the
// same way currency amounts round to whole units once scaled up from
// modelled as integer minor units rather than floats.
func minNextAmount(current int64, stepPct int) int64 {
	min := float64(current) * (1 + float64(stepPct)/100)
	return int64(math.Ceil(min))
}

// CancelBid withdraws a live bid: only while the bid's
// current round is still scheduled.
func (s *Service) CancelBid(ctx context.Context, bidID, userID string) (*model.Bid, error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	bid, err := tx.GetBid(bidID)
	if err != nil {
		return nil, err
	}
	if bid.UserID != userID {
		return nil, ErrForbidden
	}
	if !bid.IsLive() {
		return nil, ErrNotCancelable
	}
	round, err := tx.GetRoundByNumber(bid.AuctionID, bid.CurrentRound)
	if err != nil {
		return nil, err
	}
	if round.Status != model.RoundScheduled {
		return nil, ErrNotCancelable
	}

	u, err := tx.GetUserForUpdate(userID)
	if err != nil {
		return nil, err
	}
	lg := ledger.New(tx)
	if err := lg.Refund(u, bid.Amount, &bid.AuctionID, &bidID, "bid cancelled"); err != nil {
		return nil, err
	}
	bid.Status = model.BidRefunded
	bid.History = append(bid.History, model.BidHistoryEntry{Action: model.HistoryRefunded, Amount: bid.Amount, Round: bid.CurrentRound, Timestamp: time.Now()})
	if err := tx.SaveBid(bid); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.bus.PublishDirectUser(ctx, userID, bid.AuctionID, "bid:refunded", map[string]any{"auctionId": bid.AuctionID, "amount": bid.Amount})
	return bid, nil
}
