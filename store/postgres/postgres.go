/*
Package postgres provides the PostgreSQL-backed implementation of the
engine's storage interfaces, over a pgx connection pool.

Same semantics as store/sqlite; see the atomicity notes there. The
behavioral differences are all at the driver level: numbered
placeholders, server-side timestamps, and real multi-connection
concurrency with row-level conflicts resolved by the same unique
indexes.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/inkgate/entitlement-engine/grant"
	"github.com/inkgate/entitlement-engine/ledger"
	"github.com/inkgate/entitlement-engine/payment"
	"github.com/inkgate/entitlement-engine/subscription"
)

// Store implements all storage interfaces using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Interface conformance.
var (
	_ ledger.Store        = (*Store)(nil)
	_ grant.Store         = (*Store)(nil)
	_ subscription.Store  = (*Store)(nil)
	_ payment.IntentStore = (*Store)(nil)
)

// New connects and migrates.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		delta BIGINT NOT NULL,
		balance_before BIGINT NOT NULL,
		balance_after BIGINT NOT NULL CHECK (balance_after >= 0),
		reference_type TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		seq BIGSERIAL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_reference
		ON ledger_entries(reference_type, reference_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_user_currency
		ON ledger_entries(user_id, currency);

	CREATE TABLE IF NOT EXISTS unlock_grants (
		user_id TEXT NOT NULL,
		chapter_id TEXT NOT NULL,
		method TEXT NOT NULL,
		granted_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, chapter_id, method)
	);
	CREATE INDEX IF NOT EXISTS idx_grants_user ON unlock_grants(user_id);

	CREATE TABLE IF NOT EXISTS time_unlock_timers (
		user_id TEXT NOT NULL,
		chapter_id TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		unlock_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, chapter_id)
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		novel_id TEXT NOT NULL,
		tier_level INT NOT NULL,
		advance_chapters INT NOT NULL,
		start_date TIMESTAMPTZ NOT NULL,
		end_date TIMESTAMPTZ NOT NULL,
		auto_renew BOOLEAN NOT NULL,
		cancel_at_period_end BOOLEAN NOT NULL,
		status TEXT NOT NULL,
		provider_subscription_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_subs_user_novel ON subscriptions(user_id, novel_id);
	CREATE INDEX IF NOT EXISTS idx_subs_provider ON subscriptions(provider_subscription_id);

	CREATE TABLE IF NOT EXISTS payment_intents (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		purpose TEXT NOT NULL,
		user_id TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		currency_code TEXT NOT NULL,
		status TEXT NOT NULL,
		confirm_retry_count INT NOT NULL DEFAULT 0,
		idempotency_key TEXT NOT NULL UNIQUE,
		karma_amount BIGINT NOT NULL DEFAULT 0,
		chapter_id TEXT,
		novel_id TEXT,
		tier_level INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_intents_user ON payment_intents(user_id, created_at DESC);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (s *Store) Append(ctx context.Context, e ledger.Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Serialize appends per (user, currency). READ COMMITTED alone lets
	// two debits with distinct references read the same latest
	// balance_after and both commit; the advisory lock is held to the
	// end of the transaction, so the second writer re-reads after the
	// first commits and fails the balance compare-and-set instead.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('ledger:' || $1), hashtext($2))`,
		e.UserID, string(e.Currency)); err != nil {
		return err
	}

	var exists int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(1) FROM ledger_entries WHERE reference_type = $1 AND reference_id = $2`,
		string(e.ReferenceType), e.ReferenceID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return ledger.ErrDuplicateReference
	}

	var current int64
	err = tx.QueryRow(ctx, `
		SELECT balance_after FROM ledger_entries
		WHERE user_id = $1 AND currency = $2
		ORDER BY seq DESC LIMIT 1`,
		e.UserID, string(e.Currency)).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		current = 0
	} else if err != nil {
		return err
	}
	if current != e.BalanceBefore {
		return ledger.ErrConcurrentModification
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries
			(id, user_id, currency, delta, balance_before, balance_after,
			 reference_type, reference_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.UserID, string(e.Currency), e.Delta, e.BalanceBefore, e.BalanceAfter,
		string(e.ReferenceType), e.ReferenceID, e.OccurredAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateReference
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) FindByReference(ctx context.Context, ref ledger.Reference) (*ledger.Entry, error) {
	var e ledger.Entry
	var currency, refType string
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, currency, delta, balance_before, balance_after,
		       reference_type, reference_id, occurred_at
		FROM ledger_entries WHERE reference_type = $1 AND reference_id = $2`,
		string(ref.Type), ref.ID).Scan(&e.ID, &e.UserID, &currency, &e.Delta,
		&e.BalanceBefore, &e.BalanceAfter, &refType, &e.ReferenceID, &e.OccurredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Currency = ledger.Currency(currency)
	e.ReferenceType = ledger.ReferenceType(refType)
	return &e, nil
}

func (s *Store) Entries(ctx context.Context, userID string) ([]ledger.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, currency, delta, balance_before, balance_after,
		       reference_type, reference_id, occurred_at
		FROM ledger_entries WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var currency, refType string
		if err := rows.Scan(&e.ID, &e.UserID, &currency, &e.Delta, &e.BalanceBefore,
			&e.BalanceAfter, &refType, &e.ReferenceID, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Currency = ledger.Currency(currency)
		e.ReferenceType = ledger.ReferenceType(refType)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Balance(ctx context.Context, userID string, c ledger.Currency) (int64, error) {
	var bal int64
	err := s.pool.QueryRow(ctx, `
		SELECT balance_after FROM ledger_entries
		WHERE user_id = $1 AND currency = $2
		ORDER BY seq DESC LIMIT 1`,
		userID, string(c)).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return bal, err
}

// =============================================================================
// GRANT STORE
// =============================================================================

func (s *Store) InsertGrant(ctx context.Context, g grant.Grant) (grant.Grant, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO unlock_grants (user_id, chapter_id, method, granted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, chapter_id, method) DO NOTHING`,
		g.UserID, g.ChapterID, string(g.Method), g.GrantedAt)
	if err != nil {
		return grant.Grant{}, false, err
	}
	if tag.RowsAffected() > 0 {
		return g, true, nil
	}

	existing := g
	err = s.pool.QueryRow(ctx, `
		SELECT granted_at FROM unlock_grants
		WHERE user_id = $1 AND chapter_id = $2 AND method = $3`,
		g.UserID, g.ChapterID, string(g.Method)).Scan(&existing.GrantedAt)
	return existing, false, err
}

func (s *Store) FindGrant(ctx context.Context, userID, chapterID string) (*grant.Grant, error) {
	g := grant.Grant{UserID: userID, ChapterID: chapterID}
	var method string
	err := s.pool.QueryRow(ctx, `
		SELECT method, granted_at FROM unlock_grants
		WHERE user_id = $1 AND chapter_id = $2 LIMIT 1`,
		userID, chapterID).Scan(&method, &g.GrantedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g.Method = grant.Method(method)
	return &g, nil
}

func (s *Store) GrantsFor(ctx context.Context, userID string) ([]grant.Grant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chapter_id, method, granted_at FROM unlock_grants
		WHERE user_id = $1 ORDER BY granted_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []grant.Grant
	for rows.Next() {
		g := grant.Grant{UserID: userID}
		var method string
		if err := rows.Scan(&g.ChapterID, &method, &g.GrantedAt); err != nil {
			return nil, err
		}
		g.Method = grant.Method(method)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) InsertTimer(ctx context.Context, t grant.Timer) (grant.Timer, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO time_unlock_timers (user_id, chapter_id, started_at, unlock_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, chapter_id) DO NOTHING`,
		t.UserID, t.ChapterID, t.StartedAt, t.UnlockAt)
	if err != nil {
		return grant.Timer{}, false, err
	}
	if tag.RowsAffected() > 0 {
		return t, true, nil
	}

	existing, err := s.FindTimer(ctx, t.UserID, t.ChapterID)
	if err != nil {
		return grant.Timer{}, false, err
	}
	return *existing, false, nil
}

func (s *Store) FindTimer(ctx context.Context, userID, chapterID string) (*grant.Timer, error) {
	t := grant.Timer{UserID: userID, ChapterID: chapterID}
	err := s.pool.QueryRow(ctx, `
		SELECT started_at, unlock_at FROM time_unlock_timers
		WHERE user_id = $1 AND chapter_id = $2`,
		userID, chapterID).Scan(&t.StartedAt, &t.UnlockAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// =============================================================================
// SUBSCRIPTION STORE
// =============================================================================

func (s *Store) Create(ctx context.Context, sub subscription.Subscription, activeAsOf time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Serialize the active check against concurrent Subscribe calls for
	// the same (user, novel); see the matching lock in Append.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('subscription:' || $1), hashtext($2))`,
		sub.UserID, sub.NovelID); err != nil {
		return err
	}

	var active int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(1) FROM subscriptions
		WHERE user_id = $1 AND novel_id = $2 AND start_date <= $3 AND end_date > $3`,
		sub.UserID, sub.NovelID, activeAsOf).Scan(&active)
	if err != nil {
		return err
	}
	if active > 0 {
		return subscription.ErrAlreadyActive
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO subscriptions
			(id, user_id, novel_id, tier_level, advance_chapters, start_date,
			 end_date, auto_renew, cancel_at_period_end, status, provider_subscription_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sub.ID, sub.UserID, sub.NovelID, sub.TierLevel, sub.AdvanceChapters,
		sub.StartDate, sub.EndDate, sub.AutoRenew, sub.CancelAtPeriodEnd,
		string(sub.Status), sub.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const selectSub = `
	SELECT id, user_id, novel_id, tier_level, advance_chapters, start_date,
	       end_date, auto_renew, cancel_at_period_end, status, provider_subscription_id
	FROM subscriptions`

func (s *Store) Get(ctx context.Context, id string) (*subscription.Subscription, error) {
	subs, err := s.querySubs(ctx, selectSub+` WHERE id = $1`, id)
	if err != nil || len(subs) == 0 {
		return nil, err
	}
	return &subs[0], nil
}

func (s *Store) ByProviderID(ctx context.Context, providerSubID string) (*subscription.Subscription, error) {
	subs, err := s.querySubs(ctx, selectSub+` WHERE provider_subscription_id = $1`, providerSubID)
	if err != nil || len(subs) == 0 {
		return nil, err
	}
	return &subs[0], nil
}

func (s *Store) Update(ctx context.Context, sub subscription.Subscription) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET
			tier_level = $1, advance_chapters = $2, start_date = $3, end_date = $4,
			auto_renew = $5, cancel_at_period_end = $6, status = $7, provider_subscription_id = $8
		WHERE id = $9`,
		sub.TierLevel, sub.AdvanceChapters, sub.StartDate, sub.EndDate,
		sub.AutoRenew, sub.CancelAtPeriodEnd, string(sub.Status),
		sub.ProviderSubscriptionID, sub.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrNotFound
	}
	return nil
}

func (s *Store) ForUserNovel(ctx context.Context, userID, novelID string) ([]subscription.Subscription, error) {
	return s.querySubs(ctx, selectSub+` WHERE user_id = $1 AND novel_id = $2`, userID, novelID)
}

func (s *Store) ForUser(ctx context.Context, userID string) ([]subscription.Subscription, error) {
	return s.querySubs(ctx, selectSub+` WHERE user_id = $1 ORDER BY start_date`, userID)
}

func (s *Store) querySubs(ctx context.Context, query string, args ...any) ([]subscription.Subscription, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []subscription.Subscription
	for rows.Next() {
		var sub subscription.Subscription
		var status string
		var providerID *string
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.NovelID, &sub.TierLevel,
			&sub.AdvanceChapters, &sub.StartDate, &sub.EndDate, &sub.AutoRenew,
			&sub.CancelAtPeriodEnd, &status, &providerID); err != nil {
			return nil, err
		}
		sub.Status = subscription.Status(status)
		if providerID != nil {
			sub.ProviderSubscriptionID = *providerID
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// =============================================================================
// PAYMENT INTENT STORE
// =============================================================================

const selectIntent = `
	SELECT id, provider, purpose, user_id, amount::text, currency_code, status,
	       confirm_retry_count, idempotency_key, karma_amount, chapter_id,
	       novel_id, tier_level, created_at, updated_at
	FROM payment_intents`

func (s *Store) CreateIntent(ctx context.Context, in payment.Intent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payment_intents
			(id, provider, purpose, user_id, amount, currency_code, status,
			 confirm_retry_count, idempotency_key, karma_amount, chapter_id,
			 novel_id, tier_level, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		in.ID, string(in.Provider), string(in.Purpose), in.UserID,
		in.Amount.String(), in.CurrencyCode, string(in.Status),
		in.ConfirmRetryCount, in.IdempotencyKey, in.Fulfillment.KarmaAmount,
		in.Fulfillment.ChapterID, in.Fulfillment.NovelID, in.Fulfillment.TierLevel,
		in.CreatedAt, in.UpdatedAt)
	return err
}

func (s *Store) GetIntent(ctx context.Context, id string) (*payment.Intent, error) {
	rows, err := s.pool.Query(ctx, selectIntent+` WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	intents, err := collectIntents(rows)
	if err != nil || len(intents) == 0 {
		return nil, err
	}
	return &intents[0], nil
}

func (s *Store) Transition(ctx context.Context, id string, next payment.Status, retryCount int) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM payment_intents WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
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

	_, err = tx.Exec(ctx, `
		UPDATE payment_intents
		SET status = $1, confirm_retry_count = $2, updated_at = now()
		WHERE id = $3`,
		string(next), retryCount, id)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *Store) IntentsFor(ctx context.Context, userID string) ([]payment.Intent, error) {
	rows, err := s.pool.Query(ctx, selectIntent+` WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIntents(rows)
}

func collectIntents(rows pgx.Rows) ([]payment.Intent, error) {
	var out []payment.Intent
	for rows.Next() {
		var in payment.Intent
		var provider, purpose, amount, status string
		var chapterID, novelID *string
		if err := rows.Scan(&in.ID, &provider, &purpose, &in.UserID, &amount,
			&in.CurrencyCode, &status, &in.ConfirmRetryCount, &in.IdempotencyKey,
			&in.Fulfillment.KarmaAmount, &chapterID, &novelID,
			&in.Fulfillment.TierLevel, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, err
		}
		in.Provider = payment.Provider(provider)
		in.Purpose = payment.Purpose(purpose)
		in.Status = payment.Status(status)
		if chapterID != nil {
			in.Fulfillment.ChapterID = *chapterID
		}
		if novelID != nil {
			in.Fulfillment.NovelID = *novelID
		}
		amt, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, err
		}
		in.Amount = amt
		out = append(out, in)
	}
	return out, rows.Err()
}
