// Package model holds the entities of the auction engine: User, Auction,
// Round, Bid, Transaction and WonItem. Types carry no behaviour beyond
// small invariant helpers — the state machines that mutate them live in
// internal/ledger, internal/roundengine, internal/coordinator and
// internal/bidservice.
package model

import "time"

// ── Enums ────────────────────────────────────────────

type AuctionStatus string

const (
	AuctionScheduled AuctionStatus = "scheduled"
	AuctionActive    AuctionStatus = "active"
	AuctionPaused    AuctionStatus = "paused"
	AuctionCompleted AuctionStatus = "completed"
	AuctionCancelled AuctionStatus = "cancelled"
	// AuctionCancelling is not part of the normal lifecycle diagram;
	// it is an implementation-note escape hatch for a cancel whose
	// refunds only partially succeeded. An operator must reconcile
	// before it can move to AuctionCancelled.
	AuctionCancelling AuctionStatus = "cancelling"
)

type RoundStatus string

const (
	RoundScheduled RoundStatus = "scheduled"
	RoundActive    RoundStatus = "active"
	RoundCompleted RoundStatus = "completed"
)

type BidStatus string

const (
	BidActive      BidStatus = "active"
	BidCarriedOver BidStatus = "carried_over"
	BidWon         BidStatus = "won"
	BidRefunded    BidStatus = "refunded"
	BidOutbid      BidStatus = "outbid"
)

type TransactionType string

const (
	TxDeposit         TransactionType = "deposit"
	TxWithdrawal      TransactionType = "withdrawal"
	TxBidPlaced       TransactionType = "bid_placed"
	TxBidIncreased    TransactionType = "bid_increased"
	TxBidWon          TransactionType = "bid_won"
	TxBidRefunded     TransactionType = "bid_refunded"
	TxAdminAdjustment TransactionType = "admin_adjustment"
)

type BidHistoryAction string

const (
	HistoryCreated     BidHistoryAction = "created"
	HistoryIncreased   BidHistoryAction = "increased"
	HistoryCarriedOver BidHistoryAction = "carried_over"
	HistoryWon         BidHistoryAction = "won"
	HistoryRefunded    BidHistoryAction = "refunded"
	HistoryOutbid      BidHistoryAction = "outbid"
)

// ── Domain objects ───────────────────────────────────

type User struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Email      string    `json:"email,omitempty"`
	Balance    int64     `json:"balance"`  // minor units (cents)
	Reserved   int64     `json:"reserved"` // minor units (cents)
	TotalBids  int       `json:"total_bids"`
	TotalWins  int       `json:"total_wins"`
	TotalSpent int64     `json:"total_spent"`
	CreatedAt  time.Time `json:"created_at"`
}

// Available returns the portion of the balance not immobilised by
// outstanding bids.
func (u *User) Available() int64 { return u.Balance - u.Reserved }

type Auction struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	TotalItems         int           `json:"total_items"`
	ItemsPerRound      int           `json:"items_per_round"`
	TotalRounds        int           `json:"total_rounds"`
	StartTime          time.Time     `json:"start_time"`
	RoundDuration      int           `json:"round_duration_secs"`
	AntiSnipeWindow    int           `json:"anti_snipe_window_secs"`
	AntiSnipeExtension int           `json:"anti_snipe_extension_secs"`
	MaxExtensions      int           `json:"max_extensions"`
	MinBid             int64         `json:"min_bid"`
	MinBidStepPct      int           `json:"min_bid_step_pct"`
	Currency           string        `json:"currency"`
	Status             AuctionStatus `json:"status"`
	CurrentRound       int           `json:"current_round"`
	CreatedAt          time.Time     `json:"created_at"`
	Version            int64         `json:"version"`
}

// TotalRoundsFor computes ⌈totalItems/itemsPerRound⌉.
func TotalRoundsFor(totalItems, itemsPerRound int) int {
	if itemsPerRound <= 0 {
		return 0
	}
	return (totalItems + itemsPerRound - 1) / itemsPerRound
}

type Round struct {
	ID                 string      `json:"id"`
	AuctionID          string      `json:"auction_id"`
	RoundNumber        int         `json:"round_number"`
	ItemsInRound       int         `json:"items_in_round"`
	ScheduledStartTime time.Time   `json:"scheduled_start_time"`
	ScheduledEndTime   time.Time   `json:"scheduled_end_time"`
	ActualStartTime    *time.Time  `json:"actual_start_time,omitempty"`
	ActualEndTime      *time.Time  `json:"actual_end_time,omitempty"`
	ExtensionsCount    int         `json:"extensions_count"`
	Status             RoundStatus `json:"status"`
	WinnersProcessed   bool        `json:"winners_processed"`
	Version            int64       `json:"version"`
}

type BidHistoryEntry struct {
	Action     BidHistoryAction `json:"action"`
	Amount     int64            `json:"amount"`
	Round      int              `json:"round"`
	Timestamp  time.Time        `json:"ts"`
	PrevAmount *int64           `json:"prev_amount,omitempty"`
}

type Bid struct {
	ID             string            `json:"id"`
	AuctionID      string            `json:"auction_id"`
	UserID         string            `json:"user_id"`
	Amount         int64             `json:"amount"`
	OriginalAmount int64             `json:"original_amount"`
	CreatedInRound int               `json:"created_in_round"`
	CurrentRound   int               `json:"current_round"`
	Status         BidStatus         `json:"status"`
	WonItemNumber  *int              `json:"won_item_number,omitempty"`
	WonInRound     *int              `json:"won_in_round,omitempty"`
	WonPosition    *int              `json:"won_position,omitempty"`
	History        []BidHistoryEntry `json:"history"`
	CreatedAt      time.Time         `json:"created_at"`
	Version        int64             `json:"version"`
}

// IsLive reports whether the bid still occupies a slot in the running
// auction (as opposed to won/refunded/outbid).
func (b *Bid) IsLive() bool {
	return b.Status == BidActive || b.Status == BidCarriedOver
}

type Transaction struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Type          TransactionType `json:"type"`
	Amount        int64           `json:"amount"`
	BalanceBefore int64           `json:"balance_before"`
	BalanceAfter  int64           `json:"balance_after"`
	AuctionID     *string         `json:"auction_id,omitempty"`
	BidID         *string         `json:"bid_id,omitempty"`
	Description   string          `json:"description"`
	CreatedAt     time.Time       `json:"created_at"`
}

type WonItem struct {
	ID               string    `json:"id"`
	AuctionID        string    `json:"auction_id"`
	UserID           string    `json:"user_id"`
	BidID            string    `json:"bid_id"`
	ItemNumber       int       `json:"item_number"`
	RoundNumber      int       `json:"round_number"`
	PositionInRound  int       `json:"position_in_round"`
	WinningBidAmount int64     `json:"winning_bid_amount"`
	CreatedAt        time.Time `json:"created_at"`
}

// ── Ranking ──────────────────────────────────────────

// LessRank reports whether a ranks strictly ahead of b under the
// authoritative ordering: amount DESC, then createdAt ASC. Every
// leaderboard read and every winner-selection scan sorts with this
// comparator so the ranking is reproducible from stored fields alone.
func LessRank(a, b *Bid) bool {
	if a.Amount != b.Amount {
		return a.Amount > b.Amount
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// ── API types ────────────────────────────────────────

type LeaderboardEntry struct {
	Position      int    `json:"position"`
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	Amount        int64  `json:"amount"`
	IsCurrentUser bool   `json:"is_current_user"`
}

type MyPosition struct {
	Position  int  `json:"position"`
	TotalBids int  `json:"total_bids"`
	IsWinning bool `json:"is_winning"`
}
