// Package postgres implements store.Store against a Postgres schema: a
// thin *sql.DB wrapper, hand-written SQL, no ORM, migrations driven by
// golang-migrate.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"slotauction/internal/model"
	"slotauction/internal/store"
)

type Store struct{ db *sql.DB }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// ── Store (outside-transaction reads) ────────────────

func (s *Store) BeginTx(ctx context.Context) (store.Tx, error) {
	t, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	return &tx{t: t}, nil
}

const userCols = `id, username, email, password_hash, balance, reserved, total_bids, total_wins, total_spent, created_at`

func scanUser(row interface{ Scan(...any) error }) (*model.User, error) {
	u := &model.User{}
	var email sql.NullString
	var hash string
	if err := row.Scan(&u.ID, &u.Username, &email, &hash, &u.Balance, &u.Reserved, &u.TotalBids, &u.TotalWins, &u.TotalSpent, &u.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	u.Email = email.String
	_ = hash
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=$1`, id)
	return scanUser(row)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE username=$1`, username)
	return scanUser(row)
}

func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	// password hash lives outside model.User (the auth adapter owns
	// credentials); the row is inserted with an empty hash and the
	// adapters package fills it in afterwards via SetPasswordHash.
	var email any
	if u.Email != "" {
		email = u.Email
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, balance, reserved) VALUES ($1,$2,$3,'',$4,0)`,
		u.ID, u.Username, email, u.Balance,
	)
	if err != nil {
		return mapDuplicate(err)
	}
	return nil
}

func mapDuplicate(err error) error {
	if err == nil {
		return nil
	}
	// lib/pq surfaces unique_violation as SQLSTATE 23505; map it to the
	// store sentinel so callers can branch on store.ErrDuplicate.
	var sqlErr interface{ SQLState() string }
	if errors.As(err, &sqlErr) && sqlErr.SQLState() == "23505" {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) SetPasswordHash(ctx context.Context, userID, hash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$1 WHERE id=$2`, hash, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) PasswordHash(ctx context.Context, userID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE id=$1`, userID).Scan(&hash)
	return hash, mapErr(err)
}

func (s *Store) ListUsers(ctx context.Context) ([]*model.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userCols+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

const auctionCols = `id, name, total_items, items_per_round, total_rounds, start_time, round_duration_secs, anti_snipe_window_secs, anti_snipe_extension_secs, max_extensions, min_bid, min_bid_step_pct, currency, status, current_round, created_at, version`

func scanAuction(row interface{ Scan(...any) error }) (*model.Auction, error) {
	a := &model.Auction{}
	if err := row.Scan(&a.ID, &a.Name, &a.TotalItems, &a.ItemsPerRound, &a.TotalRounds, &a.StartTime, &a.RoundDuration,
		&a.AntiSnipeWindow, &a.AntiSnipeExtension, &a.MaxExtensions, &a.MinBid, &a.MinBidStepPct, &a.Currency,
		&a.Status, &a.CurrentRound, &a.CreatedAt, &a.Version); err != nil {
		return nil, mapErr(err)
	}
	return a, nil
}

func (s *Store) GetAuction(ctx context.Context, id string) (*model.Auction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+auctionCols+` FROM auctions WHERE id=$1`, id)
	return scanAuction(row)
}

func (s *Store) ListAuctions(ctx context.Context, f store.AuctionFilter) ([]*model.Auction, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
		total int
	)
	if f.Status != "" {
		if err = s.db.QueryRowContext(ctx, `SELECT count(*) FROM auctions WHERE status=$1`, f.Status).Scan(&total); err != nil {
			return nil, 0, err
		}
		rows, err = s.db.QueryContext(ctx, `SELECT `+auctionCols+` FROM auctions WHERE status=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, f.Status, limit, f.Offset)
	} else {
		if err = s.db.QueryRowContext(ctx, `SELECT count(*) FROM auctions`).Scan(&total); err != nil {
			return nil, 0, err
		}
		rows, err = s.db.QueryContext(ctx, `SELECT `+auctionCols+` FROM auctions ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, f.Offset)
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*model.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

const roundCols = `id, auction_id, round_number, items_in_round, scheduled_start_time, scheduled_end_time, actual_start_time, actual_end_time, extensions_count, status, winners_processed, version`

func scanRound(row interface{ Scan(...any) error }) (*model.Round, error) {
	r := &model.Round{}
	if err := row.Scan(&r.ID, &r.AuctionID, &r.RoundNumber, &r.ItemsInRound, &r.ScheduledStartTime, &r.ScheduledEndTime,
		&r.ActualStartTime, &r.ActualEndTime, &r.ExtensionsCount, &r.Status, &r.WinnersProcessed, &r.Version); err != nil {
		return nil, mapErr(err)
	}
	return r, nil
}

func (s *Store) GetRound(ctx context.Context, id string) (*model.Round, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roundCols+` FROM rounds WHERE id=$1`, id)
	return scanRound(row)
}

func (s *Store) GetRoundByNumber(ctx context.Context, auctionID string, number int) (*model.Round, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+roundCols+` FROM rounds WHERE auction_id=$1 AND round_number=$2`, auctionID, number)
	return scanRound(row)
}

func (s *Store) ListRounds(ctx context.Context, auctionID string) ([]*model.Round, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+roundCols+` FROM rounds WHERE auction_id=$1 ORDER BY round_number`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const bidCols = `id, auction_id, user_id, amount, original_amount, created_in_round, current_round, status, won_item_number, won_in_round, won_position, history, created_at, version`

func scanBid(row interface{ Scan(...any) error }) (*model.Bid, error) {
	b := &model.Bid{}
	var raw []byte
	if err := row.Scan(&b.ID, &b.AuctionID, &b.UserID, &b.Amount, &b.OriginalAmount, &b.CreatedInRound, &b.CurrentRound,
		&b.Status, &b.WonItemNumber, &b.WonInRound, &b.WonPosition, &raw, &b.CreatedAt, &b.Version); err != nil {
		return nil, mapErr(err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &b.History); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (s *Store) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bidCols+` FROM bids WHERE id=$1`, id)
	return scanBid(row)
}

func (s *Store) ListLiveBidsForRound(ctx context.Context, auctionID string, roundNumber int) ([]*model.Bid, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bidCols+` FROM bids WHERE auction_id=$1 AND current_round=$2 AND status IN ('active','carried_over')
		 ORDER BY amount DESC, created_at ASC`, auctionID, roundNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) GetLiveBidForUser(ctx context.Context, auctionID, userID string) (*model.Bid, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bidCols+` FROM bids WHERE auction_id=$1 AND user_id=$2 AND status IN ('active','carried_over')`,
		auctionID, userID)
	return scanBid(row)
}

func (s *Store) CountWonItems(ctx context.Context, auctionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM won_items WHERE auction_id=$1`, auctionID).Scan(&n)
	return n, err
}

func (s *Store) ListDueScheduledRounds(ctx context.Context, now time.Time) ([]*model.Round, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+roundCols+` FROM rounds WHERE status='scheduled' AND scheduled_start_time <= $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListDueActiveRounds(ctx context.Context, now time.Time) ([]*model.Round, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+roundCols+` FROM rounds WHERE status='active' AND winners_processed=false AND actual_end_time <= $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── Tx ────────────────────────────────────────────────

type tx struct{ t *sql.Tx }

func (t *tx) Commit() error   { return t.t.Commit() }
func (t *tx) Rollback() error { return t.t.Rollback() }

func (t *tx) GetUserForUpdate(userID string) (*model.User, error) {
	row := t.t.QueryRow(`SELECT `+userCols+` FROM users WHERE id=$1 FOR UPDATE`, userID)
	return scanUser(row)
}

func (t *tx) SaveUser(u *model.User) error {
	_, err := t.t.Exec(
		`UPDATE users SET balance=$1, reserved=$2, total_bids=$3, total_wins=$4, total_spent=$5 WHERE id=$6`,
		u.Balance, u.Reserved, u.TotalBids, u.TotalWins, u.TotalSpent, u.ID,
	)
	return err
}

func (t *tx) AppendTransaction(tr *model.Transaction) error {
	_, err := t.t.Exec(
		`INSERT INTO transactions (id, user_id, type, amount, balance_before, balance_after, auction_id, bid_id, description)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		tr.ID, tr.UserID, tr.Type, tr.Amount, tr.BalanceBefore, tr.BalanceAfter, tr.AuctionID, tr.BidID, tr.Description,
	)
	return err
}

func (t *tx) GetBid(id string) (*model.Bid, error) {
	row := t.t.QueryRow(`SELECT `+bidCols+` FROM bids WHERE id=$1 FOR UPDATE`, id)
	return scanBid(row)
}

func (t *tx) GetLiveBidForUser(auctionID, userID string) (*model.Bid, error) {
	row := t.t.QueryRow(
		`SELECT `+bidCols+` FROM bids WHERE auction_id=$1 AND user_id=$2 AND status IN ('active','carried_over') FOR UPDATE`,
		auctionID, userID)
	return scanBid(row)
}

func (t *tx) CreateBid(b *model.Bid) error {
	raw, err := json.Marshal(b.History)
	if err != nil {
		return err
	}
	_, err = t.t.Exec(
		`INSERT INTO bids (id, auction_id, user_id, amount, original_amount, created_in_round, current_round, status, history, created_at, version)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,0)`,
		b.ID, b.AuctionID, b.UserID, b.Amount, b.OriginalAmount, b.CreatedInRound, b.CurrentRound, b.Status, raw, b.CreatedAt,
	)
	return err
}

func (t *tx) SaveBid(b *model.Bid) error {
	raw, err := json.Marshal(b.History)
	if err != nil {
		return err
	}
	res, err := t.t.Exec(
		`UPDATE bids SET amount=$1, status=$2, won_item_number=$3, won_in_round=$4, won_position=$5, history=$6,
		 current_round=$7, version=version+1
		 WHERE id=$8 AND version=$9`,
		b.Amount, b.Status, b.WonItemNumber, b.WonInRound, b.WonPosition, raw, b.CurrentRound, b.ID, b.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrVersionConflict
	}
	b.Version++
	return nil
}

func (t *tx) ListLiveBidsForRound(auctionID string, roundNumber int) ([]*model.Bid, error) {
	rows, err := t.t.Query(
		`SELECT `+bidCols+` FROM bids WHERE auction_id=$1 AND current_round=$2 AND status IN ('active','carried_over')
		 ORDER BY amount DESC, created_at ASC FOR UPDATE`, auctionID, roundNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *tx) GetAuction(id string) (*model.Auction, error) {
	row := t.t.QueryRow(`SELECT `+auctionCols+` FROM auctions WHERE id=$1 FOR UPDATE`, id)
	return scanAuction(row)
}

func (t *tx) SaveAuction(a *model.Auction) error {
	if a.Version == 0 {
		// first persist: created inside this same transaction by the
		// coordinator (createAuction inserts, never updates, on version 0)
		_, err := t.t.Exec(
			`INSERT INTO auctions (id, name, total_items, items_per_round, total_rounds, start_time, round_duration_secs,
			 anti_snipe_window_secs, anti_snipe_extension_secs, max_extensions, min_bid, min_bid_step_pct, currency, status, current_round, version)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,1)
			 ON CONFLICT (id) DO UPDATE SET status=$14, current_round=$15, version=auctions.version+1`,
			a.ID, a.Name, a.TotalItems, a.ItemsPerRound, a.TotalRounds, a.StartTime, a.RoundDuration,
			a.AntiSnipeWindow, a.AntiSnipeExtension, a.MaxExtensions, a.MinBid, a.MinBidStepPct, a.Currency, a.Status, a.CurrentRound,
		)
		if err != nil {
			return err
		}
		a.Version = 1
		return nil
	}
	res, err := t.t.Exec(
		`UPDATE auctions SET status=$1, current_round=$2, version=version+1 WHERE id=$3 AND version=$4`,
		a.Status, a.CurrentRound, a.ID, a.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrVersionConflict
	}
	a.Version++
	return nil
}

func (t *tx) GetRound(id string) (*model.Round, error) {
	row := t.t.QueryRow(`SELECT `+roundCols+` FROM rounds WHERE id=$1 FOR UPDATE`, id)
	return scanRound(row)
}

func (t *tx) GetRoundByNumber(auctionID string, number int) (*model.Round, error) {
	row := t.t.QueryRow(`SELECT `+roundCols+` FROM rounds WHERE auction_id=$1 AND round_number=$2 FOR UPDATE`, auctionID, number)
	return scanRound(row)
}

func (t *tx) CreateRound(r *model.Round) error {
	_, err := t.t.Exec(
		`INSERT INTO rounds (id, auction_id, round_number, items_in_round, scheduled_start_time, scheduled_end_time, status, version)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,0)`,
		r.ID, r.AuctionID, r.RoundNumber, r.ItemsInRound, r.ScheduledStartTime, r.ScheduledEndTime, r.Status,
	)
	return err
}

func (t *tx) SaveRound(r *model.Round) error {
	res, err := t.t.Exec(
		`UPDATE rounds SET actual_start_time=$1, actual_end_time=$2, extensions_count=$3, status=$4, winners_processed=$5, version=version+1
		 WHERE id=$6 AND version=$7`,
		r.ActualStartTime, r.ActualEndTime, r.ExtensionsCount, r.Status, r.WinnersProcessed, r.ID, r.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrVersionConflict
	}
	r.Version++
	return nil
}

func (t *tx) ListRounds(auctionID string) ([]*model.Round, error) {
	rows, err := t.t.Query(`SELECT `+roundCols+` FROM rounds WHERE auction_id=$1 ORDER BY round_number`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *tx) CreateWonItem(w *model.WonItem) error {
	_, err := t.t.Exec(
		`INSERT INTO won_items (id, auction_id, user_id, bid_id, item_number, round_number, position_in_round, winning_bid_amount)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		w.ID, w.AuctionID, w.UserID, w.BidID, w.ItemNumber, w.RoundNumber, w.PositionInRound, w.WinningBidAmount,
	)
	return err
}

func (t *tx) CountWonItems(auctionID string) (int, error) {
	var n int
	err := t.t.QueryRow(`SELECT count(*) FROM won_items WHERE auction_id=$1`, auctionID).Scan(&n)
	return n, err
}
