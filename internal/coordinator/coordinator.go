// Package coordinator owns an Auction's lifecycle end to end: creating
// its precomputed Rounds, driving manual starts, checking for overall
// completion, and cancelling with a full reservation refund.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"slotauction/internal/ledger"
	"slotauction/internal/model"
	"slotauction/internal/roundengine"
	"slotauction/internal/store"
)

// TimerScheduler mirrors roundengine.TimerScheduler plus Rehydrate; the
// coordinator owns process-startup rehydration so it needs the one extra
// method the round engine itself never calls.
type TimerScheduler interface {
	roundengine.TimerScheduler
	Rehydrate(ctx context.Context) error
}

// Publisher is the subset of *eventbus.Bus the coordinator calls into.
type Publisher interface {
	PublishAuctionRoom(ctx context.Context, auctionID, eventType string, data any)
	PublishDirectUser(ctx context.Context, userID, auctionID, eventType string, data any)
}

var (
	ErrValidation    = errors.New("coordinator: validation")
	ErrNotScheduled  = errors.New("coordinator: auction not scheduled")
	ErrNotCancelable = errors.New("coordinator: auction not cancelable")
)

const startRoundPrefix = "start-round:"
const endRoundPrefix = "end-round:"

type CreateAuctionInput struct {
	Name               string
	TotalItems         int
	ItemsPerRound      int
	StartTime          time.Time
	RoundDuration      int
	AntiSnipeWindow    int
	AntiSnipeExtension int
	MaxExtensions      int
	MinBid             int64
	MinBidStepPct      int
	Currency           string
}

func (in CreateAuctionInput) Validate() error {
	switch {
	case in.TotalItems < 1 || in.TotalItems > 10000:
		return fmt.Errorf("%w: totalItems must be 1-10000", ErrValidation)
	case in.ItemsPerRound < 1 || in.ItemsPerRound > 1000:
		return fmt.Errorf("%w: itemsPerRound must be 1-1000", ErrValidation)
	case in.RoundDuration < 60 || in.RoundDuration > 604800:
		return fmt.Errorf("%w: roundDuration must be 60-604800 seconds", ErrValidation)
	case in.AntiSnipeWindow < 30 || in.AntiSnipeWindow > 300:
		return fmt.Errorf("%w: antiSnipeWindow must be 30-300 seconds", ErrValidation)
	case in.AntiSnipeWindow >= in.RoundDuration:
		return fmt.Errorf("%w: antiSnipeWindow must be less than roundDuration", ErrValidation)
	case in.AntiSnipeExtension < 30 || in.AntiSnipeExtension > 300:
		return fmt.Errorf("%w: antiSnipeExtension must be 30-300 seconds", ErrValidation)
	case in.MaxExtensions < 0 || in.MaxExtensions > 100:
		return fmt.Errorf("%w: maxExtensions must be 0-100", ErrValidation)
	case in.MinBid <= 0:
		return fmt.Errorf("%w: minBid must be > 0", ErrValidation)
	case in.MinBidStepPct < 1 || in.MinBidStepPct > 100:
		return fmt.Errorf("%w: minBidStep must be 1-100", ErrValidation)
	}
	return nil
}

type Coordinator struct {
	store  store.Store
	sched  TimerScheduler
	bus    Publisher
	engine *roundengine.Engine
	log    *logrus.Logger
}

func New(st store.Store, sched TimerScheduler, bus Publisher, engine *roundengine.Engine, log *logrus.Logger) *Coordinator {
	c := &Coordinator{store: st, sched: sched, bus: bus, engine: engine, log: log}
	engine.OnRoundCompleted = c.onRoundCompleted
	return c
}

// HandleTimer is the scheduler.Handler wired at process startup; it
// dispatches fired keys back into the round engine.
func (c *Coordinator) HandleTimer(ctx context.Context, key string, payload json.RawMessage) {
	var body struct {
		RoundID string `json:"roundId"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("coordinator: malformed timer payload")
		return
	}
	switch {
	case strings.HasPrefix(key, startRoundPrefix):
		if err := c.engine.StartRound(ctx, body.RoundID); err != nil {
			c.log.WithError(err).WithField("round_id", body.RoundID).Error("coordinator: startRound timer failed")
		}
	case strings.HasPrefix(key, endRoundPrefix):
		if err := c.engine.CompleteRound(ctx, body.RoundID); err != nil {
			c.log.WithError(err).WithField("round_id", body.RoundID).Error("coordinator: completeRound timer failed")
		}
	}
}

// CreateAuction validates the input, precomputes every Round, and
// persists auction+rounds atomically before arming their start timers.
func (c *Coordinator) CreateAuction(ctx context.Context, in CreateAuctionInput) (*model.Auction, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	totalRounds := model.TotalRoundsFor(in.TotalItems, in.ItemsPerRound)

	auction := &model.Auction{
		ID: uuid.NewString(), Name: in.Name, TotalItems: in.TotalItems, ItemsPerRound: in.ItemsPerRound,
		TotalRounds: totalRounds, StartTime: in.StartTime, RoundDuration: in.RoundDuration,
		AntiSnipeWindow: in.AntiSnipeWindow, AntiSnipeExtension: in.AntiSnipeExtension, MaxExtensions: in.MaxExtensions,
		MinBid: in.MinBid, MinBidStepPct: in.MinBidStepPct, Currency: in.Currency,
		Status: model.AuctionScheduled, CurrentRound: 0, CreatedAt: time.Now(),
	}
	if auction.Currency == "" {
		auction.Currency = "default"
	}

	rounds := make([]*model.Round, totalRounds)
	remaining := in.TotalItems
	for k := 0; k < totalRounds; k++ {
		itemsInRound := in.ItemsPerRound
		if k == totalRounds-1 {
			itemsInRound = remaining
		}
		remaining -= itemsInRound
		start := in.StartTime.Add(time.Duration(k*in.RoundDuration) * time.Second)
		end := start.Add(time.Duration(in.RoundDuration) * time.Second)
		rounds[k] = &model.Round{
			ID: uuid.NewString(), AuctionID: auction.ID, RoundNumber: k + 1, ItemsInRound: itemsInRound,
			ScheduledStartTime: start, ScheduledEndTime: end, Status: model.RoundScheduled,
		}
	}

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := tx.SaveAuction(auction); err != nil {
		return nil, err
	}
	for _, r := range rounds {
		if err := tx.CreateRound(r); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for _, r := range rounds {
		if err := c.sched.Schedule(ctx, startRoundPrefix+r.ID, r.ScheduledStartTime, map[string]string{"roundId": r.ID}); err != nil {
			c.log.WithError(err).WithField("round_id", r.ID).Warn("coordinator: failed to arm start-round timer")
		}
	}
	return auction, nil
}

// StartAuction is the manual fast-start path: round 1 starts
// immediately, later rounds still chain through normal completion.
func (c *Coordinator) StartAuction(ctx context.Context, auctionID string) error {
	auction, err := c.store.GetAuction(ctx, auctionID)
	if err != nil {
		return err
	}
	if auction.Status != model.AuctionScheduled {
		return ErrNotScheduled
	}
	round1, err := c.store.GetRoundByNumber(ctx, auctionID, 1)
	if err != nil {
		return err
	}
	if err := c.sched.Cancel(ctx, startRoundPrefix+round1.ID); err != nil {
		c.log.WithError(err).Warn("coordinator: failed to clear precomputed start timer on manual start")
	}
	return c.engine.StartRound(ctx, round1.ID)
}

// onRoundCompleted implements the authoritative chaining rule (spec
// §4.5 note): scheduled timestamps go stale once a round extends, so
// completeRound re-arms the next round's start at max(now, scheduled).
func (c *Coordinator) onRoundCompleted(ctx context.Context, auctionID string, completedRoundNumber int) {
	auction, err := c.store.GetAuction(ctx, auctionID)
	if err != nil {
		c.log.WithError(err).WithField("auction_id", auctionID).Error("coordinator: failed to load auction after round completion")
		return
	}
	if err := c.checkCompletion(ctx, auction); err != nil {
		c.log.WithError(err).WithField("auction_id", auctionID).Error("coordinator: checkCompletion failed")
	}
	if auction.Status == model.AuctionCompleted {
		return
	}
	next, err := c.store.GetRoundByNumber(ctx, auctionID, completedRoundNumber+1)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		c.log.WithError(err).Error("coordinator: failed to load next round")
		return
	}
	now := time.Now()
	start := next.ScheduledStartTime
	if now.After(start) {
		start = now
	}
	if err := c.sched.Reschedule(ctx, startRoundPrefix+next.ID, start); err != nil {
		// entry may not exist if this is a re-run after crash recovery;
		// Schedule creates it fresh either way.
		if err2 := c.sched.Schedule(ctx, startRoundPrefix+next.ID, start, map[string]string{"roundId": next.ID}); err2 != nil {
			c.log.WithError(err2).Warn("coordinator: failed to chain next round's start timer")
		}
	}
}

// checkCompletion marks the auction completed once every round is;
// idempotent, safe to call repeatedly.
func (c *Coordinator) checkCompletion(ctx context.Context, auction *model.Auction) error {
	if auction.Status == model.AuctionCompleted {
		return nil
	}
	rounds, err := c.store.ListRounds(ctx, auction.ID)
	if err != nil {
		return err
	}
	for _, r := range rounds {
		if r.Status != model.RoundCompleted {
			return nil
		}
	}
	totalWinners, err := c.store.CountWonItems(ctx, auction.ID)
	if err != nil {
		return err
	}

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	a, err := tx.GetAuction(auction.ID)
	if err != nil {
		return err
	}
	if a.Status == model.AuctionCompleted {
		return nil
	}
	a.Status = model.AuctionCompleted
	if err := tx.SaveAuction(a); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	c.bus.PublishAuctionRoom(ctx, auction.ID, "auction:completed", map[string]any{
		"auctionId": auction.ID, "totalRounds": auction.TotalRounds, "totalWinners": totalWinners,
	})
	return nil
}

// CancelAuction is only valid from scheduled or paused; it cancels
// every pending timer and refunds every active/carried-over
// reservation. A partial refund failure leaves the auction in
// AuctionCancelling for an operator to reconcile.
func (c *Coordinator) CancelAuction(ctx context.Context, auctionID string) error {
	auction, err := c.store.GetAuction(ctx, auctionID)
	if err != nil {
		return err
	}
	if auction.Status != model.AuctionScheduled && auction.Status != model.AuctionPaused {
		return ErrNotCancelable
	}

	rounds, err := c.store.ListRounds(ctx, auctionID)
	if err != nil {
		return err
	}
	for _, r := range rounds {
		_ = c.sched.Cancel(ctx, startRoundPrefix+r.ID)
		_ = c.sched.Cancel(ctx, endRoundPrefix+r.ID)
	}

	var refundErrs *multierror.Error
	for _, r := range rounds {
		bids, err := c.store.ListLiveBidsForRound(ctx, auctionID, r.RoundNumber)
		if err != nil {
			refundErrs = multierror.Append(refundErrs, err)
			continue
		}
		for _, b := range bids {
			if err := c.refundOne(ctx, auctionID, b); err != nil {
				refundErrs = multierror.Append(refundErrs, fmt.Errorf("bid %s: %w", b.ID, err))
			}
		}
	}

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	a, err := tx.GetAuction(auctionID)
	if err != nil {
		return err
	}
	if refundErrs.ErrorOrNil() != nil {
		a.Status = model.AuctionCancelling
		c.log.WithError(refundErrs).WithField("auction_id", auctionID).Error("coordinator: cancel refunds partially failed, holding for reconciliation")
	} else {
		a.Status = model.AuctionCancelled
	}
	if err := tx.SaveAuction(a); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *Coordinator) refundOne(ctx context.Context, auctionID string, bid *model.Bid) error {
	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	b, err := tx.GetBid(bid.ID)
	if err != nil {
		return err
	}
	if !b.IsLive() {
		return nil
	}
	u, err := tx.GetUserForUpdate(b.UserID)
	if err != nil {
		return err
	}
	lg := ledger.New(tx)
	aid, bidID := auctionID, b.ID
	if err := lg.Refund(u, b.Amount, &aid, &bidID, "auction cancelled"); err != nil {
		return err
	}
	b.Status = model.BidRefunded
	b.History = append(b.History, model.BidHistoryEntry{Action: model.HistoryRefunded, Amount: b.Amount, Round: b.CurrentRound, Timestamp: time.Now()})
	if err := tx.SaveBid(b); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	c.bus.PublishDirectUser(ctx, b.UserID, auctionID, "bid:refunded", map[string]any{"auctionId": auctionID, "amount": b.Amount})
	return nil
}

// Sweep is the recovery path: rounds whose deadline
// has passed but whose transition never fired.
func (c *Coordinator) Sweep(ctx context.Context) {
	now := time.Now()
	due, err := c.store.ListDueScheduledRounds(ctx, now)
	if err != nil {
		c.log.WithError(err).Error("coordinator: sweep failed to list due scheduled rounds")
	}
	for _, r := range due {
		if err := c.engine.StartRound(ctx, r.ID); err != nil {
			c.log.WithError(err).WithField("round_id", r.ID).Error("coordinator: sweep startRound failed")
		}
	}
	activeDue, err := c.store.ListDueActiveRounds(ctx, now)
	if err != nil {
		c.log.WithError(err).Error("coordinator: sweep failed to list due active rounds")
	}
	for _, r := range activeDue {
		if err := c.engine.CompleteRound(ctx, r.ID); err != nil {
			c.log.WithError(err).WithField("round_id", r.ID).Error("coordinator: sweep completeRound failed")
		}
	}
}

// Rehydrate arms every persisted timer at process start after a restart.
func (c *Coordinator) Rehydrate(ctx context.Context) error {
	return c.sched.Rehydrate(ctx)
}
