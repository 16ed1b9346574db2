package db

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

const ledgerColumns = `requester_id, handle, email, presumed, created_at`

// LookupAccount returns the ledger entry for a requester, or nil if none exists.
func (r *Repository) LookupAccount(ctx context.Context, requesterID int64) (*LedgerEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM amp_accounts WHERE requester_id = ?`, requesterID)
	return r.scanLedger(row, "requester_id", requesterID)
}

// LookupAccountByHandle returns the ledger entry owning handle, or nil if none exists.
func (r *Repository) LookupAccountByHandle(ctx context.Context, handle string) (*LedgerEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM amp_accounts WHERE handle = ?`, handle)
	return r.scanLedger(row, "handle", handle)
}

func (r *Repository) scanLedger(row *sql.Row, key string, value any) (*LedgerEntry, error) {
	var e LedgerEntry
	var presumed int
	var createdAt int64

	err := row.Scan(&e.RequesterID, &e.Handle, &e.Email, &presumed, &createdAt)
	if err == sql.ErrNoRows {
		slog.Debug("database_account_not_found", key, value)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_account_query_failed", key, value, "error", err)
		return nil, storageErr(err, "failed to query account ledger")
	}

	e.Presumed = presumed != 0
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	return &e, nil
}

// RecordAccount adds a ledger entry. Recording the same requester or handle
// twice keeps the first entry.
func (r *Repository) RecordAccount(ctx context.Context, e LedgerEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}

	presumed := 0
	if e.Presumed {
		presumed = 1
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO amp_accounts (requester_id, handle, email, presumed, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.RequesterID, e.Handle, e.Email, presumed, e.CreatedAt.UTC().UnixNano())
	if err != nil {
		slog.Error("database_account_insert_failed", "requester_id", e.RequesterID, "handle", e.Handle, "error", err)
		return storageErr(err, "failed to record account")
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		slog.Info("database_account_already_recorded", "requester_id", e.RequesterID, "handle", e.Handle)
		return nil
	}

	slog.Info("database_account_recorded", "requester_id", e.RequesterID, "handle", e.Handle, "presumed", e.Presumed)
	return nil
}
