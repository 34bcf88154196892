/*
Package sqlite provides the SQLite-backed implementation of the engine's
storage interfaces.

PURPOSE:
  Implements ledger.Store, grant.Store, subscription.Store, and
  payment.IntentStore over a single SQLite database.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE ever touches ledger_entries. The unique index on
  (reference_type, reference_id) is the idempotency backstop: even a
  racing writer that slips past the application-level check cannot
  settle a reference twice.

ATOMICITY:
  Every mutating operation runs inside one SQL transaction:
  - Append re-reads the current balance inside the transaction and
    rejects the write with ErrConcurrentModification when it no longer
    matches entry.BalanceBefore (the ledger retries).
  - Subscription Create performs the one-active-per-(user,novel) check
    and the insert in the same transaction.
  - Intent Transition performs the forward-only status CAS in the same
    transaction.

WAL MODE:
  Opened with WAL so readers don't block behind the single writer.

USAGE:
  st, err := sqlite.New("./data/engine.db")   // or ":memory:"
  led := ledger.New(st)
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/inkgate/entitlement-engine/grant"
	"github.com/inkgate/entitlement-engine/ledger"
	"github.com/inkgate/entitlement-engine/payment"
	"github.com/inkgate/entitlement-engine/subscription"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// Interface conformance.
var (
	_ ledger.Store        = (*Store)(nil)
	_ grant.Store         = (*Store)(nil)
	_ subscription.Store  = (*Store)(nil)
	_ payment.IntentStore = (*Store)(nil)
)

// New opens (and migrates) a SQLite store. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer connection keeps SQLite's locking simple.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	-- Append-only currency ledger
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		delta INTEGER NOT NULL,
		balance_before INTEGER NOT NULL,
		balance_after INTEGER NOT NULL CHECK (balance_after >= 0),
		reference_type TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		occurred_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_reference
		ON ledger_entries(reference_type, reference_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_user_currency
		ON ledger_entries(user_id, currency);

	-- Permanent unlock grants: one row per (user, chapter, method), forever
	CREATE TABLE IF NOT EXISTS unlock_grants (
		user_id TEXT NOT NULL,
		chapter_id TEXT NOT NULL,
		method TEXT NOT NULL,
		granted_at TEXT NOT NULL,
		PRIMARY KEY (user_id, chapter_id, method)
	);
	CREATE INDEX IF NOT EXISTS idx_grants_user ON unlock_grants(user_id);

	-- Time-unlock countdowns: never reset once started
	CREATE TABLE IF NOT EXISTS time_unlock_timers (
		user_id TEXT NOT NULL,
		chapter_id TEXT NOT NULL,
		started_at TEXT NOT NULL,
		unlock_at TEXT NOT NULL,
		PRIMARY KEY (user_id, chapter_id)
	);

	-- Champion subscriptions
	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		novel_id TEXT NOT NULL,
		tier_level INTEGER NOT NULL,
		advance_chapters INTEGER NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		auto_renew INTEGER NOT NULL,
		cancel_at_period_end INTEGER NOT NULL,
		status TEXT NOT NULL,
		provider_subscription_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_subs_user_novel ON subscriptions(user_id, novel_id);
	CREATE INDEX IF NOT EXISTS idx_subs_provider ON subscriptions(provider_subscription_id);

	-- Payment intents: status moves forward only
	CREATE TABLE IF NOT EXISTS payment_intents (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		purpose TEXT NOT NULL,
		user_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency_code TEXT NOT NULL,
		status TEXT NOT NULL,
		confirm_retry_count INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT NOT NULL UNIQUE,
		karma_amount INTEGER NOT NULL DEFAULT 0,
		chapter_id TEXT,
		novel_id TEXT,
		tier_level INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_intents_user ON payment_intents(user_id, created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

const timeLayout = time.RFC3339Nano

// =============================================================================
// LEDGER STORE
// =============================================================================

func (s *Store) Append(ctx context.Context, e ledger.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM ledger_entries WHERE reference_type = ? AND reference_id = ?`,
		string(e.ReferenceType), e.ReferenceID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return ledger.ErrDuplicateReference
	}

	current, err := balanceTx(ctx, tx, e.UserID, e.Currency)
	if err != nil {
		return err
	}
	if current != e.BalanceBefore {
		return ledger.ErrConcurrentModification
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(id, user_id, currency, delta, balance_before, balance_after,
			 reference_type, reference_id, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, string(e.Currency), e.Delta, e.BalanceBefore, e.BalanceAfter,
		string(e.ReferenceType), e.ReferenceID, e.OccurredAt.Format(timeLayout))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ledger.ErrDuplicateReference
		}
		return err
	}
	return tx.Commit()
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func balanceTx(ctx context.Context, q rowQuerier, userID string, c ledger.Currency) (int64, error) {
	var bal int64
	err := q.QueryRowContext(ctx, `
		SELECT balance_after FROM ledger_entries
		WHERE user_id = ? AND currency = ?
		ORDER BY rowid DESC LIMIT 1`,
		userID, string(c)).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return bal, nil
}

func (s *Store) FindByReference(ctx context.Context, ref ledger.Reference) (*ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, currency, delta, balance_before, balance_after,
		       reference_type, reference_id, occurred_at
		FROM ledger_entries WHERE reference_type = ? AND reference_id = ?`,
		string(ref.Type), ref.ID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) Entries(ctx context.Context, userID string) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, currency, delta, balance_before, balance_after,
		       reference_type, reference_id, occurred_at
		FROM ledger_entries WHERE user_id = ? ORDER BY rowid`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Balance(ctx context.Context, userID string, c ledger.Currency) (int64, error) {
	return balanceTx(ctx, s.db, userID, c)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanEntry(r rowScanner) (ledger.Entry, error) {
	var e ledger.Entry
	var currency, refType, occurredAt string
	if err := r.Scan(&e.ID, &e.UserID, &currency, &e.Delta, &e.BalanceBefore,
		&e.BalanceAfter, &refType, &e.ReferenceID, &occurredAt); err != nil {
		return ledger.Entry{}, err
	}
	e.Currency = ledger.Currency(currency)
	e.ReferenceType = ledger.ReferenceType(refType)
	t, err := time.Parse(timeLayout, occurredAt)
	if err != nil {
		return ledger.Entry{}, err
	}
	e.OccurredAt = t
	return e, nil
}

// =============================================================================
// GRANT STORE
// =============================================================================

func (s *Store) InsertGrant(ctx context.Context, g grant.Grant) (grant.Grant, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO unlock_grants (user_id, chapter_id, method, granted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, chapter_id, method) DO NOTHING`,
		g.UserID, g.ChapterID, string(g.Method), g.GrantedAt.Format(timeLayout))
	if err != nil {
		return grant.Grant{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return grant.Grant{}, false, err
	}
	if n > 0 {
		return g, true, nil
	}

	var grantedAt string
	err = s.db.QueryRowContext(ctx, `
		SELECT granted_at FROM unlock_grants
		WHERE user_id = ? AND chapter_id = ? AND method = ?`,
		g.UserID, g.ChapterID, string(g.Method)).Scan(&grantedAt)
	if err != nil {
		return grant.Grant{}, false, err
	}
	existing := g
	existing.GrantedAt, err = time.Parse(timeLayout, grantedAt)
	return existing, false, err
}

func (s *Store) FindGrant(ctx context.Context, userID, chapterID string) (*grant.Grant, error) {
	var method, grantedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT method, granted_at FROM unlock_grants
		WHERE user_id = ? AND chapter_id = ? LIMIT 1`,
		userID, chapterID).Scan(&method, &grantedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(timeLayout, grantedAt)
	if err != nil {
		return nil, err
	}
	return &grant.Grant{UserID: userID, ChapterID: chapterID, Method: grant.Method(method), GrantedAt: t}, nil
}

func (s *Store) GrantsFor(ctx context.Context, userID string) ([]grant.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chapter_id, method, granted_at FROM unlock_grants
		WHERE user_id = ? ORDER BY granted_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []grant.Grant
	for rows.Next() {
		var chapterID, method, grantedAt string
		if err := rows.Scan(&chapterID, &method, &grantedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, grantedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, grant.Grant{UserID: userID, ChapterID: chapterID, Method: grant.Method(method), GrantedAt: t})
	}
	return out, rows.Err()
}

func (s *Store) InsertTimer(ctx context.Context, t grant.Timer) (grant.Timer, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO time_unlock_timers (user_id, chapter_id, started_at, unlock_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, chapter_id) DO NOTHING`,
		t.UserID, t.ChapterID, t.StartedAt.Format(timeLayout), t.UnlockAt.Format(timeLayout))
	if err != nil {
		return grant.Timer{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return grant.Timer{}, false, err
	}
	if n > 0 {
		return t, true, nil
	}

	existing, err := s.FindTimer(ctx, t.UserID, t.ChapterID)
	if err != nil {
		return grant.Timer{}, false, err
	}
	return *existing, false, nil
}

func (s *Store) FindTimer(ctx context.Context, userID, chapterID string) (*grant.Timer, error) {
	var startedAt, unlockAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT started_at, unlock_at FROM time_unlock_timers
		WHERE user_id = ? AND chapter_id = ?`,
		userID, chapterID).Scan(&startedAt, &unlockAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := grant.Timer{UserID: userID, ChapterID: chapterID}
	if t.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return nil, err
	}
	if t.UnlockAt, err = time.Parse(timeLayout, unlockAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// =============================================================================
// SUBSCRIPTION STORE
// =============================================================================

func (s *Store) Create(ctx context.Context, sub subscription.Subscription, activeAsOf time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	asOf := activeAsOf.Format(timeLayout)
	var active int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM subscriptions
		WHERE user_id = ? AND novel_id = ? AND start_date <= ? AND end_date > ?`,
		sub.UserID, sub.NovelID, asOf, asOf).Scan(&active)
	if err != nil {
		return err
	}
	if active > 0 {
		return subscription.ErrAlreadyActive
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions
			(id, user_id, novel_id, tier_level, advance_chapters, start_date,
			 end_date, auto_renew, cancel_at_period_end, status, provider_subscription_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.UserID, sub.NovelID, sub.TierLevel, sub.AdvanceChapters,
		sub.StartDate.Format(timeLayout), sub.EndDate.Format(timeLayout),
		boolInt(sub.AutoRenew), boolInt(sub.CancelAtPeriodEnd), string(sub.Status),
		sub.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id string) (*subscription.Subscription, error) {
	return s.subRow(ctx, `WHERE id = ?`, id)
}

func (s *Store) ByProviderID(ctx context.Context, providerSubID string) (*subscription.Subscription, error) {
	return s.subRow(ctx, `WHERE provider_subscription_id = ?`, providerSubID)
}

func (s *Store) subRow(ctx context.Context, where string, arg any) (*subscription.Subscription, error) {
	subs, err := s.querySubs(ctx, where+` LIMIT 1`, arg)
	if err != nil || len(subs) == 0 {
		return nil, err
	}
	return &subs[0], nil
}

func (s *Store) Update(ctx context.Context, sub subscription.Subscription) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			tier_level = ?, advance_chapters = ?, start_date = ?, end_date = ?,
			auto_renew = ?, cancel_at_period_end = ?, status = ?, provider_subscription_id = ?
		WHERE id = ?`,
		sub.TierLevel, sub.AdvanceChapters, sub.StartDate.Format(timeLayout),
		sub.EndDate.Format(timeLayout), boolInt(sub.AutoRenew),
		boolInt(sub.CancelAtPeriodEnd), string(sub.Status),
		sub.ProviderSubscriptionID, sub.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return subscription.ErrNotFound
	}
	return nil
}

func (s *Store) ForUserNovel(ctx context.Context, userID, novelID string) ([]subscription.Subscription, error) {
	return s.querySubs(ctx, `WHERE user_id = ? AND novel_id = ?`, userID, novelID)
}

func (s *Store) ForUser(ctx context.Context, userID string) ([]subscription.Subscription, error) {
	return s.querySubs(ctx, `WHERE user_id = ? ORDER BY start_date`, userID)
}

func (s *Store) querySubs(ctx context.Context, where string, args ...any) ([]subscription.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, novel_id, tier_level, advance_chapters, start_date,
		       end_date, auto_renew, cancel_at_period_end, status, provider_subscription_id
		FROM subscriptions `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []subscription.Subscription
	for rows.Next() {
		var sub subscription.Subscription
		var startDate, endDate, status string
		var autoRenew, cancelAtEnd int
		var providerID sql.NullString
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.NovelID, &sub.TierLevel,
			&sub.AdvanceChapters, &startDate, &endDate, &autoRenew, &cancelAtEnd,
			&status, &providerID); err != nil {
			return nil, err
		}
		if sub.StartDate, err = time.Parse(timeLayout, startDate); err != nil {
			return nil, err
		}
		if sub.EndDate, err = time.Parse(timeLayout, endDate); err != nil {
			return nil, err
		}
		sub.AutoRenew = autoRenew != 0
		sub.CancelAtPeriodEnd = cancelAtEnd != 0
		sub.Status = subscription.Status(status)
		sub.ProviderSubscriptionID = providerID.String
		out = append(out, sub)
	}
	return out, rows.Err()
}

// =============================================================================
// PAYMENT INTENT STORE
// =============================================================================

const selectIntent = `
	SELECT id, provider, purpose, user_id, amount, currency_code, status,
	       confirm_retry_count, idempotency_key, karma_amount, chapter_id,
	       novel_id, tier_level, created_at, updated_at
	FROM payment_intents`

func (s *Store) CreateIntent(ctx context.Context, in payment.Intent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_intents
			(id, provider, purpose, user_id, amount, currency_code, status,
			 confirm_retry_count, idempotency_key, karma_amount, chapter_id,
			 novel_id, tier_level, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, string(in.Provider), string(in.Purpose), in.UserID,
		in.Amount.String(), in.CurrencyCode, string(in.Status),
		in.ConfirmRetryCount, in.IdempotencyKey, in.Fulfillment.KarmaAmount,
		in.Fulfillment.ChapterID, in.Fulfillment.NovelID, in.Fulfillment.TierLevel,
		in.CreatedAt.Format(timeLayout), in.UpdatedAt.Format(timeLayout))
	return err
}

func (s *Store) GetIntent(ctx context.Context, id string) (*payment.Intent, error) {
	row := s.db.QueryRowContext(ctx, selectIntent+` WHERE id = ?`, id)
	in, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func scanIntent(r rowScanner) (payment.Intent, error) {
	var in payment.Intent
	var provider, purpose, amount, status, createdAt, updatedAt string
	var chapterID, novelID sql.NullString
	if err := r.Scan(&in.ID, &provider, &purpose, &in.UserID, &amount,
		&in.CurrencyCode, &status, &in.ConfirmRetryCount, &in.IdempotencyKey,
		&in.Fulfillment.KarmaAmount, &chapterID, &novelID,
		&in.Fulfillment.TierLevel, &createdAt, &updatedAt); err != nil {
		return payment.Intent{}, err
	}
	in.Provider = payment.Provider(provider)
	in.Purpose = payment.Purpose(purpose)
	in.Status = payment.Status(status)
	in.Fulfillment.ChapterID = chapterID.String
	in.Fulfillment.NovelID = novelID.String

	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return payment.Intent{}, err
	}
	in.Amount = amt
	if in.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return payment.Intent{}, err
	}
	if in.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return payment.Intent{}, err
	}
	return in, nil
}

func (s *Store) Transition(ctx context.Context, id string, next payment.Status, retryCount int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM payment_intents WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, payment.ErrIntentNotFound
	}
	if err != nil {
		return false, err
	}

	cur := payment.Status(current)
	switch {
	case cur == payment.StatusConfirmed || cur == payment.StatusFailed:
		// Terminal already; a racing confirm settled it.
		return false, nil
	case cur == next:
		// no-op transition, still persist the retry counter
	case !cur.CanTransitionTo(next):
		return false, payment.ErrIllegalTransition
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payment_intents
		SET status = ?, confirm_retry_count = ?, updated_at = ?
		WHERE id = ?`,
		string(next), retryCount, time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) IntentsFor(ctx context.Context, userID string) ([]payment.Intent, error) {
	rows, err := s.db.QueryContext(ctx, selectIntent+` WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []payment.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
