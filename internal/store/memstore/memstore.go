// Package memstore is an in-memory implementation of store.Store used by
// the test suite. It serializes every operation the way
// internal/store/postgres does (a single exclusive lock held for the
// lifetime of a Tx, in place of Postgres's row locks and SERIALIZABLE
// isolation) so the same invariants can be asserted without a live
// database. Writes inside a Tx go straight to the maps: Rollback
// releases the lock but does not undo them. Reads outside a Tx take the
// same lock, so they wait until any open Tx finishes.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"slotauction/internal/model"
	"slotauction/internal/store"
)

type Store struct {
	mu sync.Mutex // held for the duration of any open Tx

	users     map[string]*model.User
	passwords map[string]string
	auctions  map[string]*model.Auction
	rounds    map[string]*model.Round
	bids      map[string]*model.Bid
	won       map[string]*model.WonItem
	txlog     []*model.Transaction
}

func New() *Store {
	return &Store{
		users:     make(map[string]*model.User),
		passwords: make(map[string]string),
		auctions:  make(map[string]*model.Auction),
		rounds:    make(map[string]*model.Round),
		bids:      make(map[string]*model.Bid),
		won:       make(map[string]*model.WonItem),
	}
}

func cloneUser(u *model.User) *model.User       { c := *u; return &c }
func cloneAuction(a *model.Auction) *model.Auction { c := *a; return &c }
func cloneRound(r *model.Round) *model.Round    { c := *r; return &c }

func cloneBid(b *model.Bid) *model.Bid {
	c := *b
	c.History = append([]model.BidHistoryEntry(nil), b.History...)
	return &c
}

// ── Store (outside-transaction reads) ────────────────

func (s *Store) BeginTx(ctx context.Context) (store.Tx, error) {
	s.mu.Lock()
	return &tx{s: s}, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return cloneUser(u), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[u.ID]; exists {
		return store.ErrDuplicate
	}
	for _, other := range s.users {
		if other.Username == u.Username {
			return store.ErrDuplicate
		}
		if u.Email != "" && other.Email == u.Email {
			return store.ErrDuplicate
		}
	}
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *Store) SetPasswordHash(ctx context.Context, userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return store.ErrNotFound
	}
	s.passwords[userID] = hash
	return nil
}

func (s *Store) PasswordHash(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.passwords[userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return h, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneAuction(a), nil
}

func (s *Store) ListAuctions(ctx context.Context, f store.AuctionFilter) ([]*model.Auction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*model.Auction
	for _, a := range s.auctions {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		matched = append(matched, cloneAuction(a))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = total
	}
	start := f.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *Store) GetRound(ctx context.Context, id string) (*model.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRound(r), nil
}

func (s *Store) GetRoundByNumber(ctx context.Context, auctionID string, number int) (*model.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rounds {
		if r.AuctionID == auctionID && r.RoundNumber == number {
			return cloneRound(r), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListRounds(ctx context.Context, auctionID string) ([]*model.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Round
	for _, r := range s.rounds {
		if r.AuctionID == auctionID {
			out = append(out, cloneRound(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoundNumber < out[j].RoundNumber })
	return out, nil
}

func (s *Store) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bids[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneBid(b), nil
}

func (s *Store) ListLiveBidsForRound(ctx context.Context, auctionID string, roundNumber int) ([]*model.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return listLiveBidsForRound(s.bids, auctionID, roundNumber), nil
}

func (s *Store) GetLiveBidForUser(ctx context.Context, auctionID, userID string) (*model.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bids {
		if b.AuctionID == auctionID && b.UserID == userID && b.IsLive() {
			return cloneBid(b), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CountWonItems(ctx context.Context, auctionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.won {
		if w.AuctionID == auctionID {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListDueScheduledRounds(ctx context.Context, now time.Time) ([]*model.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Round
	for _, r := range s.rounds {
		if r.Status == model.RoundScheduled && !r.ScheduledStartTime.After(now) {
			out = append(out, cloneRound(r))
		}
	}
	return out, nil
}

func (s *Store) ListDueActiveRounds(ctx context.Context, now time.Time) ([]*model.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Round
	for _, r := range s.rounds {
		if r.Status == model.RoundActive && !r.WinnersProcessed && r.ActualEndTime != nil && !r.ActualEndTime.After(now) {
			out = append(out, cloneRound(r))
		}
	}
	return out, nil
}

func listLiveBidsForRound(bids map[string]*model.Bid, auctionID string, roundNumber int) []*model.Bid {
	var out []*model.Bid
	for _, b := range bids {
		if b.AuctionID == auctionID && b.CurrentRound == roundNumber && b.IsLive() {
			out = append(out, cloneBid(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return model.LessRank(out[i], out[j]) })
	return out
}

// ── Tx ────────────────────────────────────────────────

type tx struct {
	s         *Store
	committed bool
	done      bool
}

func (t *tx) finish() {
	if !t.done {
		t.done = true
		t.s.mu.Unlock()
	}
}

func (t *tx) Commit() error {
	t.finish()
	return nil
}

func (t *tx) Rollback() error {
	// Nothing was buffered — every write below mutates the store's maps
	// directly under the exclusive lock, so there is nothing to discard;
	// Rollback only releases the lock. Writes made before the Rollback
	// stay in place and are visible to every later reader.
	t.finish()
	return nil
}

func (t *tx) GetUserForUpdate(userID string) (*model.User, error) {
	u, ok := t.s.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneUser(u), nil
}

func (t *tx) SaveUser(u *model.User) error {
	t.s.users[u.ID] = cloneUser(u)
	return nil
}

func (t *tx) AppendTransaction(tr *model.Transaction) error {
	t.s.txlog = append(t.s.txlog, tr)
	return nil
}

func (t *tx) GetBid(id string) (*model.Bid, error) {
	b, ok := t.s.bids[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneBid(b), nil
}

func (t *tx) GetLiveBidForUser(auctionID, userID string) (*model.Bid, error) {
	for _, b := range t.s.bids {
		if b.AuctionID == auctionID && b.UserID == userID && b.IsLive() {
			return cloneBid(b), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) CreateBid(b *model.Bid) error {
	if _, exists := t.s.bids[b.ID]; exists {
		return store.ErrDuplicate
	}
	t.s.bids[b.ID] = cloneBid(b)
	return nil
}

func (t *tx) SaveBid(b *model.Bid) error {
	cur, ok := t.s.bids[b.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != b.Version {
		return store.ErrVersionConflict
	}
	next := cloneBid(b)
	next.Version = b.Version + 1
	t.s.bids[b.ID] = next
	b.Version = next.Version
	return nil
}

func (t *tx) ListLiveBidsForRound(auctionID string, roundNumber int) ([]*model.Bid, error) {
	return listLiveBidsForRound(t.s.bids, auctionID, roundNumber), nil
}

func (t *tx) GetAuction(id string) (*model.Auction, error) {
	a, ok := t.s.auctions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneAuction(a), nil
}

func (t *tx) SaveAuction(a *model.Auction) error {
	cur, exists := t.s.auctions[a.ID]
	if exists && cur.Version != a.Version {
		return store.ErrVersionConflict
	}
	next := cloneAuction(a)
	next.Version = a.Version + 1
	t.s.auctions[a.ID] = next
	a.Version = next.Version
	return nil
}

func (t *tx) GetRound(id string) (*model.Round, error) {
	r, ok := t.s.rounds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRound(r), nil
}

func (t *tx) GetRoundByNumber(auctionID string, number int) (*model.Round, error) {
	for _, r := range t.s.rounds {
		if r.AuctionID == auctionID && r.RoundNumber == number {
			return cloneRound(r), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) CreateRound(r *model.Round) error {
	if _, exists := t.s.rounds[r.ID]; exists {
		return store.ErrDuplicate
	}
	for _, other := range t.s.rounds {
		if other.AuctionID == r.AuctionID && other.RoundNumber == r.RoundNumber {
			return store.ErrDuplicate
		}
	}
	t.s.rounds[r.ID] = cloneRound(r)
	return nil
}

func (t *tx) SaveRound(r *model.Round) error {
	cur, ok := t.s.rounds[r.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != r.Version {
		return store.ErrVersionConflict
	}
	next := cloneRound(r)
	next.Version = r.Version + 1
	t.s.rounds[r.ID] = next
	r.Version = next.Version
	return nil
}

func (t *tx) ListRounds(auctionID string) ([]*model.Round, error) {
	var out []*model.Round
	for _, r := range t.s.rounds {
		if r.AuctionID == auctionID {
			out = append(out, cloneRound(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoundNumber < out[j].RoundNumber })
	return out, nil
}

func (t *tx) CreateWonItem(w *model.WonItem) error {
	if _, exists := t.s.won[w.ID]; exists {
		return store.ErrDuplicate
	}
	for _, other := range t.s.won {
		if other.AuctionID == w.AuctionID && other.ItemNumber == w.ItemNumber {
			return store.ErrDuplicate
		}
		if other.BidID == w.BidID {
			return store.ErrDuplicate
		}
	}
	cp := *w
	t.s.won[w.ID] = &cp
	return nil
}

func (t *tx) CountWonItems(auctionID string) (int, error) {
	n := 0
	for _, w := range t.s.won {
		if w.AuctionID == auctionID {
			n++
		}
	}
	return n, nil
}
