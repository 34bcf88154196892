/*
store.go - Persistence interface for ledger entries

PURPOSE:
  Defines the contract between the ledger and its database. The store is
  append-only: entries are written once and never updated or deleted.

APPEND-ONLY CONTRACT:
  - Append(): the ONLY write operation
  - No Update() or Delete() methods exist
  - Corrections are compensating entries, not edits

ATOMICITY CONTRACT:
  Append must perform BOTH checks inside one critical section (a database
  transaction, or a lock for the in-memory store):

  1. Reference uniqueness: if an entry with the same (ReferenceType,
     ReferenceID) exists, fail with ErrDuplicateReference.
  2. Balance compare-and-swap: if the current balance for the entry's
     (UserID, Currency) differs from entry.BalanceBefore, fail with
     ErrConcurrentModification.

  Together these let the ledger run a lock-free CAS loop: read balance,
  build the entry, Append; on ErrConcurrentModification re-read and retry.
  Two concurrent debits against a balance that only covers one of them
  can never both commit, because the loser's BalanceBefore is stale.

IMPLEMENTATIONS:
  - store/memory:   mutex-guarded maps, for tests and dev
  - store/sqlite:   SQL transaction per Append, WAL mode
  - store/postgres: pgx pool, same transaction shape
*/
package ledger

import "context"

// Store handles persistence of ledger entries.
// IMPORTANT: append-only. See the atomicity contract above.
type Store interface {
	// Append persists one entry atomically, enforcing reference
	// uniqueness and the balance compare-and-swap.
	Append(ctx context.Context, e Entry) error

	// FindByReference returns the entry settled under the reference,
	// or (nil, nil) when the reference is unused.
	FindByReference(ctx context.Context, ref Reference) (*Entry, error)

	// Entries returns all entries for a user, oldest first.
	Entries(ctx context.Context, userID string) ([]Entry, error)

	// Balance returns the current balance for (user, currency),
	// derived from entries. Zero for users never seen.
	Balance(ctx context.Context, userID string, c Currency) (int64, error)
}
