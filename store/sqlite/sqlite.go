/*
Package sqlite provides the SQLite-backed implementation of loyalty.Store.

PURPOSE:
  Implements every repository in loyalty/store.go with explicit SQL.
  In production the same statements apply to PostgreSQL with minor
  dialect differences.

KEY TABLES:
  wallets            One balance per (merchant, customer)
  holds              Quote reservations and their state machine
  transactions       Immutable balance-change records
  earn_lots          FIFO-consumed earning batches
  ledger_entries     Append-only double-entry rows
  receipts           Commit evidence, UNIQUE (merchant_id, order_id)
  idempotency_keys   Retry-key claims, UNIQUE (merchant_id, scope, key)
  qr_nonces          Used token ids, UNIQUE jti
  merchant_settings  Per-merchant configuration
  tiers / tier_assignments

SINGLE-WINNER SEMANTICS:
  The invariants that must survive races are expressed in SQL, not in
  Go: hold transitions are UPDATE ... WHERE status='OPEN', lot sweep
  transitions are gated the same way, and the receipt/nonce/idempotency
  uniqueness comes from UNIQUE constraints mapped onto the domain
  sentinels (ErrDuplicateOrder and friends).

WAL MODE:
  Opened with WAL and foreign keys on. A sync.Mutex serializes write
  transactions; with PostgreSQL the database would do this instead.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a versioned
  migration tool.

SEE ALSO:
  - loyalty/store.go: interface contracts
  - loyalty/store/memory.go: the in-memory twin
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
)

// dbtx is the subset of *sql.DB and *sql.Tx the repositories need.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements loyalty.Store using SQLite.
type Store struct {
	db *sql.DB
	q  dbtx
	mu *sync.Mutex
}

// New opens (or creates) the database at dbPath and migrates the
// schema. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite allows a single writer, and ":memory:"
	// databases exist per connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, q: db, mu: &sync.Mutex{}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (merchant_id, customer_id)
	);

	CREATE TABLE IF NOT EXISTS holds (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		redeem_points INTEGER NOT NULL DEFAULT 0,
		earn_points INTEGER NOT NULL DEFAULT 0,
		total TEXT NOT NULL,
		eligible_total TEXT NOT NULL,
		order_id TEXT,
		receipt_number TEXT,
		qr_jti TEXT,
		outlet_id TEXT,
		staff_id TEXT,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_holds_status_expiry ON holds(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_holds_jti ON holds(merchant_id, qr_jti) WHERE qr_jti != '';

	-- Append-only: no UPDATE except canceled_at, no DELETE.
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		order_id TEXT,
		outlet_id TEXT,
		staff_id TEXT,
		source_kind TEXT,
		source_ref TEXT,
		canceled_at TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_txns_customer
		ON transactions(merchant_id, customer_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_txns_order ON transactions(merchant_id, order_id);

	CREATE TABLE IF NOT EXISTS earn_lots (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		points INTEGER NOT NULL,
		consumed_points INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		earned_at TEXT NOT NULL,
		matures_at TEXT,
		expires_at TEXT,
		order_id TEXT,
		outlet_id TEXT,
		staff_id TEXT,
		source_kind TEXT,
		source_ref TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_lots_fifo
		ON earn_lots(merchant_id, customer_id, status, earned_at, id);
	CREATE INDEX IF NOT EXISTS idx_lots_expiry ON earn_lots(status, expires_at);
	CREATE INDEX IF NOT EXISTS idx_lots_maturity ON earn_lots(status, matures_at);
	CREATE INDEX IF NOT EXISTS idx_lots_order ON earn_lots(merchant_id, order_id);

	-- Append-only.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		debit TEXT NOT NULL,
		credit TEXT NOT NULL,
		amount INTEGER NOT NULL,
		order_id TEXT,
		outlet_id TEXT,
		staff_id TEXT,
		kind TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_merchant ON ledger_entries(merchant_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_order ON ledger_entries(merchant_id, order_id);

	CREATE TABLE IF NOT EXISTS receipts (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		receipt_number TEXT,
		total TEXT NOT NULL,
		eligible_total TEXT NOT NULL,
		redeem_applied INTEGER NOT NULL DEFAULT 0,
		earn_applied INTEGER NOT NULL DEFAULT 0,
		outlet_id TEXT,
		staff_id TEXT,
		canceled_at TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (merchant_id, order_id)
	);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		merchant_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		key TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		response BLOB,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		PRIMARY KEY (merchant_id, scope, key)
	);

	CREATE TABLE IF NOT EXISTS qr_nonces (
		jti TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		issued_at TEXT,
		expires_at TEXT,
		used_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS merchant_settings (
		merchant_id TEXT PRIMARY KEY,
		earn_bps INTEGER NOT NULL DEFAULT 0,
		redeem_limit_bps INTEGER NOT NULL DEFAULT 0,
		redeem_cooldown_sec INTEGER NOT NULL DEFAULT 0,
		earn_cooldown_sec INTEGER NOT NULL DEFAULT 0,
		redeem_daily_cap INTEGER NOT NULL DEFAULT 0,
		earn_daily_cap INTEGER NOT NULL DEFAULT 0,
		earn_delay_days INTEGER NOT NULL DEFAULT 0,
		points_ttl_days INTEGER NOT NULL DEFAULT 0,
		min_payment INTEGER NOT NULL DEFAULT 0,
		allow_same_receipt INTEGER NOT NULL DEFAULT 0,
		require_jwt INTEGER NOT NULL DEFAULT 0,
		ledger_enabled INTEGER NOT NULL DEFAULT 0,
		lots_enabled INTEGER NOT NULL DEFAULT 0,
		qr_secret TEXT NOT NULL DEFAULT '',
		qr_ttl_sec INTEGER NOT NULL DEFAULT 0,
		webhook_secret TEXT NOT NULL DEFAULT '',
		webhook_key_id TEXT NOT NULL DEFAULT '',
		webhook_secret_next TEXT NOT NULL DEFAULT '',
		webhook_key_id_next TEXT NOT NULL DEFAULT '',
		use_webhook_next INTEGER NOT NULL DEFAULT 0,
		registration_bonus INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS tiers (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		earn_rate_bps INTEGER,
		redeem_rate_bps INTEGER,
		min_payment INTEGER,
		threshold_amount INTEGER NOT NULL DEFAULT 0,
		is_initial INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS tier_assignments (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		tier_id TEXT NOT NULL,
		assigned_at TEXT NOT NULL,
		expires_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tier_assignments_customer
		ON tier_assignments(merchant_id, customer_id, assigned_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STORE INTERFACE
// =============================================================================

func (s *Store) Wallets() loyalty.WalletRepo           { return walletRepo{s.q} }
func (s *Store) Holds() loyalty.HoldRepo               { return holdRepo{s.q} }
func (s *Store) Transactions() loyalty.TransactionRepo { return txnRepo{s.q} }
func (s *Store) Lots() loyalty.LotRepo                 { return lotRepo{s.q} }
func (s *Store) Ledger() loyalty.LedgerRepo            { return ledgerRepo{s.q} }
func (s *Store) Receipts() loyalty.ReceiptRepo         { return receiptRepo{s.q} }
func (s *Store) Idempotency() loyalty.IdempotencyRepo  { return idemRepo{s.q} }
func (s *Store) Nonces() loyalty.NonceRepo             { return nonceRepo{s.q} }
func (s *Store) Settings() loyalty.SettingsRepo        { return settingsRepo{s.q} }
func (s *Store) Tiers() loyalty.TierRepo               { return tierRepo{s.q} }

// WithTx runs fn against repositories bound to one SQL transaction.
// The mutex serializes writers; SQLite allows only one at a time anyway.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	child := &Store{db: s.db, q: tx, mu: s.mu}
	if err := fn(child); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

// =============================================================================
// TIME AND NULL HELPERS
// =============================================================================

const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// =============================================================================
// WALLETS
// =============================================================================

type walletRepo struct{ q dbtx }

const walletCols = `id, merchant_id, customer_id, balance, created_at, updated_at`

func (r walletRepo) scan(row *sql.Row) (*loyalty.Wallet, error) {
	var w loyalty.Wallet
	var created, updated string
	err := row.Scan(&w.ID, &w.MerchantID, &w.CustomerID, &w.Balance, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	w.CreatedAt = parseTime(created)
	w.UpdatedAt = parseTime(updated)
	return &w, nil
}

func (r walletRepo) Get(ctx context.Context, merchantID, customerID string) (*loyalty.Wallet, error) {
	return r.scan(r.q.QueryRowContext(ctx,
		`SELECT `+walletCols+` FROM wallets WHERE merchant_id = ? AND customer_id = ?`,
		merchantID, customerID))
}

func (r walletRepo) GetOrCreate(ctx context.Context, merchantID, customerID string) (*loyalty.Wallet, error) {
	w, err := r.Get(ctx, merchantID, customerID)
	if err == nil {
		return w, nil
	}
	if err != loyalty.ErrWalletNotFound {
		return nil, err
	}
	now := fmtTime(time.Now())
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO wallets (id, merchant_id, customer_id, balance, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)
		 ON CONFLICT (merchant_id, customer_id) DO NOTHING`,
		loyalty.NewID(), merchantID, customerID, now, now)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, merchantID, customerID)
}

func (r walletRepo) AddBalance(ctx context.Context, merchantID, customerID string, delta int64) (*loyalty.Wallet, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE wallets SET balance = balance + ?, updated_at = ?
		 WHERE merchant_id = ? AND customer_id = ? AND balance + ? >= 0`,
		delta, fmtTime(time.Now()), merchantID, customerID, delta)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Either no wallet, or the delta would go negative.
		if _, gerr := r.Get(ctx, merchantID, customerID); gerr != nil {
			return nil, gerr
		}
		return nil, loyalty.ErrInsufficientBalance
	}
	return r.Get(ctx, merchantID, customerID)
}

// =============================================================================
// HOLDS
// =============================================================================

type holdRepo struct{ q dbtx }

const holdCols = `id, merchant_id, customer_id, mode, status, redeem_points, earn_points,
	total, eligible_total, order_id, receipt_number, qr_jti, outlet_id, staff_id,
	created_at, expires_at`

func (r holdRepo) scan(row *sql.Row) (*loyalty.Hold, error) {
	var h loyalty.Hold
	var total, eligible, created, expires string
	err := row.Scan(&h.ID, &h.MerchantID, &h.CustomerID, &h.Mode, &h.Status,
		&h.RedeemPoints, &h.EarnPoints, &total, &eligible, &h.OrderID,
		&h.ReceiptNumber, &h.QRJti, &h.OutletID, &h.StaffID, &created, &expires)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrHoldNotFound
	}
	if err != nil {
		return nil, err
	}
	h.Total = parseDecimal(total)
	h.EligibleTotal = parseDecimal(eligible)
	h.CreatedAt = parseTime(created)
	h.ExpiresAt = parseTime(expires)
	return &h, nil
}

func (r holdRepo) Create(ctx context.Context, h *loyalty.Hold) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO holds (`+holdCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.MerchantID, h.CustomerID, string(h.Mode), string(h.Status),
		h.RedeemPoints, h.EarnPoints, h.Total.String(), h.EligibleTotal.String(),
		h.OrderID, h.ReceiptNumber, h.QRJti, h.OutletID, h.StaffID,
		fmtTime(h.CreatedAt), fmtTime(h.ExpiresAt))
	return err
}

func (r holdRepo) Get(ctx context.Context, id string) (*loyalty.Hold, error) {
	return r.scan(r.q.QueryRowContext(ctx, `SELECT `+holdCols+` FROM holds WHERE id = ?`, id))
}

func (r holdRepo) FindOpenByJti(ctx context.Context, merchantID, jti string) (*loyalty.Hold, error) {
	return r.scan(r.q.QueryRowContext(ctx,
		`SELECT `+holdCols+` FROM holds
		 WHERE merchant_id = ? AND qr_jti = ? AND status = 'OPEN'
		 ORDER BY created_at DESC LIMIT 1`,
		merchantID, jti))
}

func (r holdRepo) Transition(ctx context.Context, id string, to loyalty.HoldStatus) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE holds SET status = ? WHERE id = ? AND status = 'OPEN'`,
		string(to), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := r.Get(ctx, id); gerr != nil {
			return gerr
		}
		return loyalty.ErrHoldNotOpen
	}
	return nil
}

func (r holdRepo) ExpireOlderThan(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE holds SET status = 'EXPIRED' WHERE status = 'OPEN' AND expires_at < ?`,
		fmtTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// =============================================================================
// TRANSACTIONS (append-only)
// =============================================================================

type txnRepo struct{ q dbtx }

const txnCols = `id, merchant_id, customer_id, type, amount, order_id, outlet_id,
	staff_id, source_kind, source_ref, canceled_at, created_at`

func (r txnRepo) Append(ctx context.Context, t *loyalty.Transaction) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO transactions (`+txnCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.MerchantID, t.CustomerID, string(t.Type), t.Amount, t.OrderID,
		t.OutletID, t.StaffID, string(t.Source.Kind), t.Source.RefID,
		fmtTimePtr(t.CanceledAt), fmtTime(t.CreatedAt))
	return err
}

func scanTxn(scan func(...any) error) (*loyalty.Transaction, error) {
	var t loyalty.Transaction
	var kind, created string
	var canceled sql.NullString
	err := scan(&t.ID, &t.MerchantID, &t.CustomerID, &t.Type, &t.Amount,
		&t.OrderID, &t.OutletID, &t.StaffID, &kind, &t.Source.RefID,
		&canceled, &created)
	if err != nil {
		return nil, err
	}
	t.Source.Kind = loyalty.SourceKind(kind)
	t.CanceledAt = parseTimePtr(canceled)
	t.CreatedAt = parseTime(created)
	return &t, nil
}

func (r txnRepo) Get(ctx context.Context, id string) (*loyalty.Transaction, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+txnCols+` FROM transactions WHERE id = ?`, id)
	t, err := scanTxn(row.Scan)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrRecordNotFound
	}
	return t, err
}

func (r txnRepo) queryMany(ctx context.Context, query string, args ...any) ([]loyalty.Transaction, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.Transaction
	for rows.Next() {
		t, err := scanTxn(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r txnRepo) List(ctx context.Context, merchantID, customerID string, before *time.Time, limit int) ([]loyalty.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if before != nil {
		return r.queryMany(ctx,
			`SELECT `+txnCols+` FROM transactions
			 WHERE merchant_id = ? AND customer_id = ? AND created_at < ?
			 ORDER BY created_at DESC LIMIT ?`,
			merchantID, customerID, fmtTime(*before), limit)
	}
	return r.queryMany(ctx,
		`SELECT `+txnCols+` FROM transactions
		 WHERE merchant_id = ? AND customer_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		merchantID, customerID, limit)
}

func (r txnRepo) SumSince(ctx context.Context, merchantID, customerID string, typ loyalty.TxnType, since time.Time) (int64, error) {
	var sum sql.NullInt64
	err := r.q.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM transactions
		 WHERE merchant_id = ? AND customer_id = ? AND type = ?
		   AND created_at >= ? AND canceled_at IS NULL`,
		merchantID, customerID, string(typ), fmtTime(since)).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Int64, nil
}

func (r txnRepo) LastOfType(ctx context.Context, merchantID, customerID string, typ loyalty.TxnType) (*loyalty.Transaction, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+txnCols+` FROM transactions
		 WHERE merchant_id = ? AND customer_id = ? AND type = ?
		 ORDER BY created_at DESC LIMIT 1`,
		merchantID, customerID, string(typ))
	t, err := scanTxn(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (r txnRepo) FindByOrder(ctx context.Context, merchantID, orderID string) ([]loyalty.Transaction, error) {
	return r.queryMany(ctx,
		`SELECT `+txnCols+` FROM transactions
		 WHERE merchant_id = ? AND order_id = ? ORDER BY created_at`,
		merchantID, orderID)
}

func (r txnRepo) MarkCanceled(ctx context.Context, id string, at time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE transactions SET canceled_at = ? WHERE id = ? AND canceled_at IS NULL`,
		fmtTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrRecordNotFound
	}
	return nil
}

// =============================================================================
// EARN LOTS
// =============================================================================

type lotRepo struct{ q dbtx }

const lotCols = `id, merchant_id, customer_id, points, consumed_points, status,
	earned_at, matures_at, expires_at, order_id, outlet_id, staff_id,
	source_kind, source_ref`

func (r lotRepo) Create(ctx context.Context, l *loyalty.EarnLot) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO earn_lots (`+lotCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.MerchantID, l.CustomerID, l.Points, l.ConsumedPoints, string(l.Status),
		fmtTime(l.EarnedAt), fmtTimePtr(l.MaturesAt), fmtTimePtr(l.ExpiresAt),
		l.OrderID, l.OutletID, l.StaffID, string(l.Source.Kind), l.Source.RefID)
	return err
}

func (r lotRepo) Get(ctx context.Context, id string) (*loyalty.EarnLot, error) {
	out, err := r.queryMany(ctx, `SELECT `+lotCols+` FROM earn_lots WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, loyalty.ErrRecordNotFound
	}
	return &out[0], nil
}

func (r lotRepo) queryMany(ctx context.Context, query string, args ...any) ([]loyalty.EarnLot, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.EarnLot
	for rows.Next() {
		var l loyalty.EarnLot
		var kind, earned string
		var matures, expires sql.NullString
		if err := rows.Scan(&l.ID, &l.MerchantID, &l.CustomerID, &l.Points,
			&l.ConsumedPoints, &l.Status, &earned, &matures, &expires,
			&l.OrderID, &l.OutletID, &l.StaffID, &kind, &l.Source.RefID); err != nil {
			return nil, err
		}
		l.Source.Kind = loyalty.SourceKind(kind)
		l.EarnedAt = parseTime(earned)
		l.MaturesAt = parseTimePtr(matures)
		l.ExpiresAt = parseTimePtr(expires)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r lotRepo) ActiveFIFO(ctx context.Context, merchantID, customerID string) ([]loyalty.EarnLot, error) {
	return r.queryMany(ctx,
		`SELECT `+lotCols+` FROM earn_lots
		 WHERE merchant_id = ? AND customer_id = ? AND status = 'ACTIVE'
		   AND consumed_points < points
		 ORDER BY earned_at, id`,
		merchantID, customerID)
}

func (r lotRepo) ConsumedFIFO(ctx context.Context, merchantID, customerID string) ([]loyalty.EarnLot, error) {
	return r.queryMany(ctx,
		`SELECT `+lotCols+` FROM earn_lots
		 WHERE merchant_id = ? AND customer_id = ? AND consumed_points > 0
		 ORDER BY earned_at, id`,
		merchantID, customerID)
}

func (r lotRepo) ByOrder(ctx context.Context, merchantID, orderID string) ([]loyalty.EarnLot, error) {
	return r.queryMany(ctx,
		`SELECT `+lotCols+` FROM earn_lots
		 WHERE merchant_id = ? AND order_id = ? ORDER BY earned_at, id`,
		merchantID, orderID)
}

func (r lotRepo) Pending(ctx context.Context, merchantID, customerID string) ([]loyalty.EarnLot, error) {
	return r.queryMany(ctx,
		`SELECT `+lotCols+` FROM earn_lots
		 WHERE merchant_id = ? AND customer_id = ? AND status = 'PENDING'
		 ORDER BY earned_at, id`,
		merchantID, customerID)
}

func (r lotRepo) SetConsumed(ctx context.Context, id string, consumed int64, status loyalty.LotStatus) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE earn_lots SET consumed_points = ?, status = ? WHERE id = ?`,
		consumed, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrRecordNotFound
	}
	return nil
}

func (r lotRepo) TransitionStatus(ctx context.Context, id string, from, to loyalty.LotStatus) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE earn_lots SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r lotRepo) ExpiredBefore(ctx context.Context, now time.Time, limit int) ([]loyalty.EarnLot, error) {
	return r.queryMany(ctx,
		`SELECT `+lotCols+` FROM earn_lots
		 WHERE status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at < ?
		 ORDER BY expires_at LIMIT ?`,
		fmtTime(now), limit)
}

func (r lotRepo) MaturedBefore(ctx context.Context, now time.Time, limit int) ([]loyalty.EarnLot, error) {
	return r.queryMany(ctx,
		`SELECT `+lotCols+` FROM earn_lots
		 WHERE status = 'PENDING' AND matures_at IS NOT NULL AND matures_at <= ?
		 ORDER BY matures_at LIMIT ?`,
		fmtTime(now), limit)
}

// =============================================================================
// LEDGER (append-only)
// =============================================================================

type ledgerRepo struct{ q dbtx }

const ledgerCols = `id, merchant_id, customer_id, debit, credit, amount,
	order_id, outlet_id, staff_id, kind, created_at`

func (r ledgerRepo) Append(ctx context.Context, e *loyalty.LedgerEntry) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO ledger_entries (`+ledgerCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.MerchantID, e.CustomerID, string(e.Debit), string(e.Credit),
		e.Amount, e.OrderID, e.OutletID, e.StaffID, e.Kind, fmtTime(e.CreatedAt))
	return err
}

func (r ledgerRepo) ByOrder(ctx context.Context, merchantID, orderID string) ([]loyalty.LedgerEntry, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+ledgerCols+` FROM ledger_entries
		 WHERE merchant_id = ? AND order_id = ? ORDER BY created_at`,
		merchantID, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loyalty.LedgerEntry
	for rows.Next() {
		var e loyalty.LedgerEntry
		var created string
		if err := rows.Scan(&e.ID, &e.MerchantID, &e.CustomerID, &e.Debit, &e.Credit,
			&e.Amount, &e.OrderID, &e.OutletID, &e.StaffID, &e.Kind, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r ledgerRepo) Sums(ctx context.Context, merchantID string) (map[loyalty.LedgerAccount]int64, map[loyalty.LedgerAccount]int64, error) {
	debits := make(map[loyalty.LedgerAccount]int64)
	credits := make(map[loyalty.LedgerAccount]int64)

	rows, err := r.q.QueryContext(ctx,
		`SELECT debit, credit, SUM(amount) FROM ledger_entries
		 WHERE merchant_id = ? GROUP BY debit, credit`,
		merchantID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var debit, credit loyalty.LedgerAccount
		var sum int64
		if err := rows.Scan(&debit, &credit, &sum); err != nil {
			return nil, nil, err
		}
		debits[debit] += sum
		credits[credit] += sum
	}
	return debits, credits, rows.Err()
}

// =============================================================================
// RECEIPTS
// =============================================================================

type receiptRepo struct{ q dbtx }

const receiptCols = `id, merchant_id, customer_id, order_id, receipt_number,
	total, eligible_total, redeem_applied, earn_applied, outlet_id, staff_id,
	canceled_at, created_at`

func (r receiptRepo) Create(ctx context.Context, rc *loyalty.Receipt) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO receipts (`+receiptCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rc.ID, rc.MerchantID, rc.CustomerID, rc.OrderID, rc.ReceiptNumber,
		rc.Total.String(), rc.EligibleTotal.String(), rc.RedeemApplied, rc.EarnApplied,
		rc.OutletID, rc.StaffID, fmtTimePtr(rc.CanceledAt), fmtTime(rc.CreatedAt))
	if isUniqueConstraintError(err) {
		return loyalty.ErrDuplicateOrder
	}
	return err
}

func (r receiptRepo) ByOrder(ctx context.Context, merchantID, orderID string) (*loyalty.Receipt, error) {
	var rc loyalty.Receipt
	var total, eligible, created string
	var canceled sql.NullString
	err := r.q.QueryRowContext(ctx,
		`SELECT `+receiptCols+` FROM receipts WHERE merchant_id = ? AND order_id = ?`,
		merchantID, orderID).
		Scan(&rc.ID, &rc.MerchantID, &rc.CustomerID, &rc.OrderID, &rc.ReceiptNumber,
			&total, &eligible, &rc.RedeemApplied, &rc.EarnApplied, &rc.OutletID,
			&rc.StaffID, &canceled, &created)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrReceiptNotFound
	}
	if err != nil {
		return nil, err
	}
	rc.Total = parseDecimal(total)
	rc.EligibleTotal = parseDecimal(eligible)
	rc.CanceledAt = parseTimePtr(canceled)
	rc.CreatedAt = parseTime(created)
	return &rc, nil
}

func (r receiptRepo) MarkCanceled(ctx context.Context, id string, at time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE receipts SET canceled_at = ? WHERE id = ? AND canceled_at IS NULL`,
		fmtTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrReceiptNotFound
	}
	return nil
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

type idemRepo struct{ q dbtx }

func (r idemRepo) Insert(ctx context.Context, rec *loyalty.IdempotencyRecord) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO idempotency_keys (merchant_id, scope, key, fingerprint, response, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.MerchantID, rec.Scope, rec.Key, rec.Fingerprint, rec.Response,
		fmtTime(rec.CreatedAt), fmtTime(rec.ExpiresAt))
	if isUniqueConstraintError(err) {
		return loyalty.ErrDuplicateIdempotencyKey
	}
	return err
}

func (r idemRepo) Get(ctx context.Context, merchantID, scope, key string) (*loyalty.IdempotencyRecord, error) {
	var rec loyalty.IdempotencyRecord
	var created, expires string
	err := r.q.QueryRowContext(ctx,
		`SELECT merchant_id, scope, key, fingerprint, response, created_at, expires_at
		 FROM idempotency_keys WHERE merchant_id = ? AND scope = ? AND key = ?`,
		merchantID, scope, key).
		Scan(&rec.MerchantID, &rec.Scope, &rec.Key, &rec.Fingerprint, &rec.Response,
			&created, &expires)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = parseTime(created)
	rec.ExpiresAt = parseTime(expires)
	return &rec, nil
}

func (r idemRepo) SetResponse(ctx context.Context, merchantID, scope, key string, response []byte) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE idempotency_keys SET response = ? WHERE merchant_id = ? AND scope = ? AND key = ?`,
		response, merchantID, scope, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return loyalty.ErrRecordNotFound
	}
	return nil
}

func (r idemRepo) Delete(ctx context.Context, merchantID, scope, key string) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE merchant_id = ? AND scope = ? AND key = ?`,
		merchantID, scope, key)
	return err
}

func (r idemRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at < ?`, fmtTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// =============================================================================
// QR NONCES
// =============================================================================

type nonceRepo struct{ q dbtx }

func (r nonceRepo) Insert(ctx context.Context, n *loyalty.QRNonce) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO qr_nonces (jti, merchant_id, customer_id, issued_at, expires_at, used_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		n.Jti, n.MerchantID, n.CustomerID, fmtTime(n.IssuedAt), fmtTime(n.ExpiresAt), fmtTime(n.UsedAt))
	if isUniqueConstraintError(err) {
		return loyalty.ErrDuplicateNonce
	}
	return err
}

func (r nonceRepo) Get(ctx context.Context, jti string) (*loyalty.QRNonce, error) {
	var n loyalty.QRNonce
	var issued, expires, used string
	err := r.q.QueryRowContext(ctx,
		`SELECT jti, merchant_id, customer_id, issued_at, expires_at, used_at
		 FROM qr_nonces WHERE jti = ?`, jti).
		Scan(&n.Jti, &n.MerchantID, &n.CustomerID, &issued, &expires, &used)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	n.IssuedAt = parseTime(issued)
	n.ExpiresAt = parseTime(expires)
	n.UsedAt = parseTime(used)
	return &n, nil
}

// =============================================================================
// MERCHANT SETTINGS
// =============================================================================

type settingsRepo struct{ q dbtx }

const settingsCols = `merchant_id, earn_bps, redeem_limit_bps, redeem_cooldown_sec,
	earn_cooldown_sec, redeem_daily_cap, earn_daily_cap, earn_delay_days,
	points_ttl_days, min_payment, allow_same_receipt, require_jwt, ledger_enabled,
	lots_enabled, qr_secret, qr_ttl_sec, webhook_secret, webhook_key_id,
	webhook_secret_next, webhook_key_id_next, use_webhook_next, registration_bonus`

func (r settingsRepo) Get(ctx context.Context, merchantID string) (*loyalty.MerchantSettings, error) {
	var s loyalty.MerchantSettings
	err := r.q.QueryRowContext(ctx,
		`SELECT `+settingsCols+` FROM merchant_settings WHERE merchant_id = ?`, merchantID).
		Scan(&s.MerchantID, &s.EarnBps, &s.RedeemLimitBps, &s.RedeemCooldownSec,
			&s.EarnCooldownSec, &s.RedeemDailyCap, &s.EarnDailyCap, &s.EarnDelayDays,
			&s.PointsTTLDays, &s.MinPayment, &s.AllowSameReceipt, &s.RequireJWTForQuote,
			&s.LedgerEnabled, &s.LotsEnabled, &s.QRSecret, &s.QRTTLSec,
			&s.WebhookSecret, &s.WebhookKeyID, &s.WebhookSecretNext,
			&s.WebhookKeyIDNext, &s.UseWebhookNext, &s.RegistrationBonusPoints)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrMerchantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r settingsRepo) Put(ctx context.Context, s *loyalty.MerchantSettings) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO merchant_settings (`+settingsCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (merchant_id) DO UPDATE SET
			earn_bps = excluded.earn_bps,
			redeem_limit_bps = excluded.redeem_limit_bps,
			redeem_cooldown_sec = excluded.redeem_cooldown_sec,
			earn_cooldown_sec = excluded.earn_cooldown_sec,
			redeem_daily_cap = excluded.redeem_daily_cap,
			earn_daily_cap = excluded.earn_daily_cap,
			earn_delay_days = excluded.earn_delay_days,
			points_ttl_days = excluded.points_ttl_days,
			min_payment = excluded.min_payment,
			allow_same_receipt = excluded.allow_same_receipt,
			require_jwt = excluded.require_jwt,
			ledger_enabled = excluded.ledger_enabled,
			lots_enabled = excluded.lots_enabled,
			qr_secret = excluded.qr_secret,
			qr_ttl_sec = excluded.qr_ttl_sec,
			webhook_secret = excluded.webhook_secret,
			webhook_key_id = excluded.webhook_key_id,
			webhook_secret_next = excluded.webhook_secret_next,
			webhook_key_id_next = excluded.webhook_key_id_next,
			use_webhook_next = excluded.use_webhook_next,
			registration_bonus = excluded.registration_bonus`,
		s.MerchantID, s.EarnBps, s.RedeemLimitBps, s.RedeemCooldownSec,
		s.EarnCooldownSec, s.RedeemDailyCap, s.EarnDailyCap, s.EarnDelayDays,
		s.PointsTTLDays, s.MinPayment, s.AllowSameReceipt, s.RequireJWTForQuote,
		s.LedgerEnabled, s.LotsEnabled, s.QRSecret, s.QRTTLSec,
		s.WebhookSecret, s.WebhookKeyID, s.WebhookSecretNext,
		s.WebhookKeyIDNext, s.UseWebhookNext, s.RegistrationBonusPoints)
	return err
}

// =============================================================================
// TIERS
// =============================================================================

type tierRepo struct{ q dbtx }

func (r tierRepo) ActiveFor(ctx context.Context, merchantID, customerID string, now time.Time) (*loyalty.Tier, error) {
	var t loyalty.Tier
	var earnBps, redeemBps, minPay sql.NullInt64
	err := r.q.QueryRowContext(ctx,
		`SELECT t.id, t.merchant_id, t.name, t.earn_rate_bps, t.redeem_rate_bps,
			t.min_payment, t.threshold_amount, t.is_initial
		 FROM tier_assignments a
		 JOIN tiers t ON t.id = a.tier_id
		 WHERE a.merchant_id = ? AND a.customer_id = ?
		   AND (a.expires_at IS NULL OR a.expires_at >= ?)
		 ORDER BY a.assigned_at DESC LIMIT 1`,
		merchantID, customerID, fmtTime(now)).
		Scan(&t.ID, &t.MerchantID, &t.Name, &earnBps, &redeemBps,
			&minPay, &t.ThresholdAmount, &t.IsInitial)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if earnBps.Valid {
		t.EarnRateBps = &earnBps.Int64
	}
	if redeemBps.Valid {
		t.RedeemRateBps = &redeemBps.Int64
	}
	if minPay.Valid {
		t.MinPayment = &minPay.Int64
	}
	return &t, nil
}

func (r tierRepo) Put(ctx context.Context, t *loyalty.Tier) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO tiers (id, merchant_id, name, earn_rate_bps, redeem_rate_bps,
			min_payment, threshold_amount, is_initial)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			earn_rate_bps = excluded.earn_rate_bps,
			redeem_rate_bps = excluded.redeem_rate_bps,
			min_payment = excluded.min_payment,
			threshold_amount = excluded.threshold_amount,
			is_initial = excluded.is_initial`,
		t.ID, t.MerchantID, t.Name, nullInt(t.EarnRateBps), nullInt(t.RedeemRateBps),
		nullInt(t.MinPayment), t.ThresholdAmount, t.IsInitial)
	return err
}

func (r tierRepo) Assign(ctx context.Context, a *loyalty.TierAssignment) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO tier_assignments (id, merchant_id, customer_id, tier_id, assigned_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.MerchantID, a.CustomerID, a.TierID, fmtTime(a.AssignedAt), fmtTimePtr(a.ExpiresAt))
	return err
}
