// Package store abstracts the transactional document store the engine is
// built against: a document store with optimistic versioning, where the
// choice of backing engine is an implementation detail. internal/store/postgres
// implements it against Postgres with hand-written SQL; internal/store/memstore
// implements it in memory so the same invariants can be exercised by the
// test suite without a live database.
package store

import (
	"context"
	"errors"
	"time"

	"slotauction/internal/model"
)

// Sentinel errors every implementation must return so callers can branch
// on them regardless of backing engine.
var (
	ErrNotFound        = errors.New("store: not found")
	ErrVersionConflict = errors.New("store: version conflict")
	ErrDuplicate       = errors.New("store: duplicate key")
	ErrTransient       = errors.New("store: transient failure, retry")
)

// AuctionFilter narrows ListAuctions.
type AuctionFilter struct {
	Status model.AuctionStatus // empty = any
	Offset int
	Limit  int
}

// Store is the top-level handle: it opens transactions and answers the
// read-only queries the HTTP surface needs outside of any single
// transaction, so ranked-list and leaderboard endpoints stay readable
// even while a round's completion transaction is in flight.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)

	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	CreateUser(ctx context.Context, u *model.User) error
	ListUsers(ctx context.Context) ([]*model.User, error)

	// SetPasswordHash/PasswordHash isolate credential storage from the
	// User document itself: authentication is an external adapter,
	// not part of the auction domain model.
	SetPasswordHash(ctx context.Context, userID, hash string) error
	PasswordHash(ctx context.Context, userID string) (string, error)

	GetAuction(ctx context.Context, id string) (*model.Auction, error)
	ListAuctions(ctx context.Context, f AuctionFilter) ([]*model.Auction, int, error)

	GetRound(ctx context.Context, id string) (*model.Round, error)
	GetRoundByNumber(ctx context.Context, auctionID string, number int) (*model.Round, error)
	ListRounds(ctx context.Context, auctionID string) ([]*model.Round, error)

	GetBid(ctx context.Context, id string) (*model.Bid, error)
	ListLiveBidsForRound(ctx context.Context, auctionID string, roundNumber int) ([]*model.Bid, error)
	GetLiveBidForUser(ctx context.Context, auctionID, userID string) (*model.Bid, error)

	CountWonItems(ctx context.Context, auctionID string) (int, error)

	// ListDueScheduledRounds/ListDueActiveRounds back the recovery
	// sweeper: rounds whose scheduled/actual deadline has already
	// passed but whose transition hasn't been applied.
	ListDueScheduledRounds(ctx context.Context, now time.Time) ([]*model.Round, error)
	ListDueActiveRounds(ctx context.Context, now time.Time) ([]*model.Round, error)
}

// Tx is a single serializable transaction: every operation that mutates
// a User or Bid runs inside exactly one of these. All mutating operations
// across the engine happen through a Tx; callers must Commit or Rollback
// exactly once.
type Tx interface {
	// GetUserForUpdate takes the single-row lock on the User document for
	// the duration of the transaction.
	GetUserForUpdate(userID string) (*model.User, error)
	SaveUser(u *model.User) error
	AppendTransaction(t *model.Transaction) error

	GetBid(id string) (*model.Bid, error)
	// GetLiveBidForUser enforces bid uniqueness while active: per
	// (auctionId, userId) at most one bid with status active/carried_over.
	GetLiveBidForUser(auctionID, userID string) (*model.Bid, error)
	CreateBid(b *model.Bid) error
	// SaveBid performs an optimistic compare-and-set on Version; it
	// returns ErrVersionConflict if the stored version has moved since
	// the caller loaded b.
	SaveBid(b *model.Bid) error
	ListLiveBidsForRound(auctionID string, roundNumber int) ([]*model.Bid, error)

	GetAuction(id string) (*model.Auction, error)
	SaveAuction(a *model.Auction) error

	GetRound(id string) (*model.Round, error)
	GetRoundByNumber(auctionID string, number int) (*model.Round, error)
	CreateRound(r *model.Round) error
	// SaveRound performs an optimistic compare-and-set on Version, the
	// mechanism behind the anti-snipe extension's CAS.
	SaveRound(r *model.Round) error
	ListRounds(auctionID string) ([]*model.Round, error)

	CreateWonItem(w *model.WonItem) error
	CountWonItems(auctionID string) (int, error)

	Commit() error
	Rollback() error
}
