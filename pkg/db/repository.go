package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/panelbroker/gamebroker/pkg/errors"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const requestColumns = `
	id, user_id, username, game_name, status, requested_at,
	processed_at, processed_by, notes, amp_user_id, amp_instance_id,
	message_id, admin_message_id, thread_id`

// DefaultClaimTTL is how long an approval claim blocks other writers before it is considered abandoned.
const DefaultClaimTTL = 15 * time.Minute

// Repository provides database operations for game server requests
type Repository struct {
	db       *sql.DB
	now      func() time.Time
	claimTTL time.Duration
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the time source used for requested_at, processed_at and expiry cutoffs.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithClaimTTL sets how long an approval claim stays valid.
func WithClaimTTL(ttl time.Duration) Option {
	return func(r *Repository) {
		if ttl > 0 {
			r.claimTTL = ttl
		}
	}
}

// NewRepository opens the SQLite database at dbPath and applies pending migrations.
func NewRepository(ctx context.Context, dbPath string, opts ...Option) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, storageErr(err, "failed to open database")
	}

	// Conditional updates rely on writers being serialized.
	db.SetMaxOpenConns(1)

	slog.Info("database_migrate", "db_path", dbPath)
	if err := migrate(ctx, db); err != nil {
		db.Close()
		slog.Error("database_migrate_failed", "db_path", dbPath, "error", err)
		return nil, storageErr(err, "failed to migrate schema")
	}

	r := &Repository{
		db:       db,
		now:      time.Now,
		claimTTL: DefaultClaimTTL,
	}
	for _, opt := range opts {
		opt(r)
	}

	slog.Info("database_ready", "db_path", dbPath)
	return r, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	return goose.UpContext(ctx, db, "migrations")
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return storageErr(err, "database unreachable")
	}
	return nil
}

// CreateRequest inserts a new pending request and sets its ID and RequestedAt.
func (r *Repository) CreateRequest(ctx context.Context, req *Request) error {
	slog.Info("database_create_request", "user_id", req.UserID, "game", req.GameName)

	req.Status = StatusPending
	req.RequestedAt = r.now().UTC()

	query := `
		INSERT INTO requests (user_id, username, game_name, status, requested_at,
		                      message_id, admin_message_id, thread_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		req.UserID, req.Username, req.GameName, req.Status, req.RequestedAt.UnixNano(),
		nullString(req.Correlation.MessageID),
		nullString(req.Correlation.AdminMessageID),
		nullString(req.Correlation.ThreadID))
	if err != nil {
		slog.Error("database_insert_failed", "user_id", req.UserID, "error", err)
		return storageErr(err, "failed to insert request")
	}

	id, err := result.LastInsertId()
	if err != nil {
		slog.Error("database_last_insert_id_failed", "user_id", req.UserID, "error", err)
		return storageErr(err, "failed to get last insert id")
	}
	req.ID = id

	slog.Info("database_request_created", "request_id", req.ID, "user_id", req.UserID, "game", req.GameName)
	return nil
}

// GetRequest retrieves a request by ID.
func (r *Repository) GetRequest(ctx context.Context, id int64) (*Request, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		slog.Info("database_request_not_found", "request_id", id)
		return nil, fmt.Errorf("request %d: %w", id, errors.ErrNotFound)
	}
	if err != nil {
		slog.Error("database_query_failed", "request_id", id, "error", err)
		return nil, storageErr(err, "failed to query request")
	}
	return req, nil
}

// ListPending returns all pending requests, oldest first.
func (r *Repository) ListPending(ctx context.Context) ([]*Request, error) {
	return r.listRequests(ctx, "list_pending",
		`WHERE status = 'pending' ORDER BY requested_at ASC, id ASC`)
}

// ListPendingForUser returns the pending requests submitted by userID, oldest first.
func (r *Repository) ListPendingForUser(ctx context.Context, userID int64) ([]*Request, error) {
	return r.listRequests(ctx, "list_pending_for_user",
		`WHERE status = 'pending' AND user_id = ? ORDER BY requested_at ASC, id ASC`, userID)
}

// ListDecided returns requests that left pending at or after since, in decision order.
func (r *Repository) ListDecided(ctx context.Context, since time.Time) ([]*Request, error) {
	var cutoff int64
	if !since.IsZero() {
		cutoff = since.UTC().UnixNano()
	}
	return r.listRequests(ctx, "list_decided",
		`WHERE status != 'pending' AND processed_at >= ? ORDER BY processed_at ASC, id ASC`,
		cutoff)
}

func (r *Repository) listRequests(ctx context.Context, op, where string, args ...any) ([]*Request, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests `+where, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "op", op, "error", err)
		return nil, storageErr(err, "failed to list requests")
	}
	defer rows.Close()

	var requests []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "op", op, "error", err)
			return nil, storageErr(err, "failed to scan row")
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "op", op, "error", err)
		return nil, storageErr(err, "rows error")
	}

	slog.Debug("database_list_complete", "op", op, "request_count", len(requests))
	return requests, nil
}

// TransitionStatus moves a pending request to a terminal status together with
// the supplied decision fields. Exactly one of several concurrent callers wins;
// the others get ErrInvalidTransition (ErrAlreadyDecided or ErrRequestBusy).
func (r *Repository) TransitionStatus(ctx context.Context, id int64, t Transition) (*Request, error) {
	if !t.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot move request %d to %q", errors.ErrInvalidTransition, id, t.Status)
	}

	slog.Info("database_transition_request", "request_id", id, "status", t.Status, "decided_by", t.DecidedBy)

	now := r.now().UTC()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed_to_begin_transaction", "error", err)
		return nil, storageErr(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	query := `
		UPDATE requests
		SET status = ?, processed_at = ?, processed_by = ?,
		    notes = COALESCE(?, notes),
		    amp_user_id = ?, amp_instance_id = ?,
		    message_id = COALESCE(?, message_id),
		    admin_message_id = COALESCE(?, admin_message_id),
		    thread_id = COALESCE(?, thread_id),
		    claim_token = NULL, claimed_by = NULL, claimed_at = NULL
		WHERE id = ? AND status = 'pending'
		  AND (claim_token IS NULL OR claim_token = ? OR claimed_at < ?)
	`
	result, err := tx.ExecContext(ctx, query,
		t.Status, now.UnixNano(), t.DecidedBy,
		nullString(t.Notes),
		nullString(t.AccountHandle), nullString(t.InstanceID),
		nullString(t.Correlation.MessageID),
		nullString(t.Correlation.AdminMessageID),
		nullString(t.Correlation.ThreadID),
		id, t.ClaimToken, now.Add(-r.claimTTL).UnixNano())
	if err != nil {
		slog.Error("database_transition_failed", "request_id", id, "error", err)
		return nil, storageErr(err, "failed to update request status")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, storageErr(err, "failed to get rows affected")
	}
	if rows == 0 {
		conflict := r.diagnose(ctx, tx, id, t.ClaimToken, now)
		slog.Warn("database_transition_rejected", "request_id", id, "status", t.Status, "reason", conflict)
		return nil, conflict
	}

	req, err := scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id))
	if err != nil {
		return nil, storageErr(err, "failed to reload request")
	}

	if err := tx.Commit(); err != nil {
		slog.Error("failed_to_commit_transaction", "error", err)
		return nil, storageErr(err, "failed to commit transaction")
	}

	slog.Info("database_request_transitioned", "request_id", id, "status", req.Status)
	return req, nil
}

// ClaimRequest marks a pending request as being provisioned by adminID and
// returns the claim token. Other writers are refused until the claim is
// released, consumed by TransitionStatus, or older than the claim TTL.
func (r *Repository) ClaimRequest(ctx context.Context, id, adminID int64) (string, error) {
	now := r.now().UTC()
	token := uuid.NewString()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", storageErr(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE requests SET claim_token = ?, claimed_by = ?, claimed_at = ?
		WHERE id = ? AND status = 'pending' AND (claim_token IS NULL OR claimed_at < ?)
	`, token, adminID, now.UnixNano(), id, now.Add(-r.claimTTL).UnixNano())
	if err != nil {
		slog.Error("database_claim_failed", "request_id", id, "error", err)
		return "", storageErr(err, "failed to claim request")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return "", storageErr(err, "failed to get rows affected")
	}
	if rows == 0 {
		return "", r.diagnose(ctx, tx, id, "", now)
	}

	if err := tx.Commit(); err != nil {
		return "", storageErr(err, "failed to commit transaction")
	}

	slog.Info("database_request_claimed", "request_id", id, "admin_id", adminID)
	return token, nil
}

// RenewClaim restarts the TTL of a claim still held under token. It fails
// once the request was decided or claimed by someone else.
func (r *Repository) RenewClaim(ctx context.Context, id int64, token string) error {
	now := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE requests SET claimed_at = ?
		WHERE id = ? AND status = 'pending' AND claim_token = ?
	`, now.UnixNano(), id, token)
	if err != nil {
		slog.Error("database_renew_claim_failed", "request_id", id, "error", err)
		return storageErr(err, "failed to renew claim")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storageErr(err, "failed to get rows affected")
	}
	if rows == 0 {
		return r.diagnose(ctx, tx, id, token, now)
	}

	if err := tx.Commit(); err != nil {
		return storageErr(err, "failed to commit transaction")
	}

	slog.Info("database_claim_renewed", "request_id", id)
	return nil
}

// ReleaseClaim drops a claim without changing the request status.
func (r *Repository) ReleaseClaim(ctx context.Context, id int64, token string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE requests SET claim_token = NULL, claimed_by = NULL, claimed_at = NULL
		WHERE id = ? AND claim_token = ?
	`, id, token)
	if err != nil {
		slog.Error("database_release_claim_failed", "request_id", id, "error", err)
		return storageErr(err, "failed to release claim")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		slog.Warn("database_claim_already_gone", "request_id", id)
	}
	return nil
}

// diagnose explains why a conditional update on a pending request touched no rows.
func (r *Repository) diagnose(ctx context.Context, tx *sql.Tx, id int64, token string, now time.Time) error {
	var status Status
	var claimToken sql.NullString
	var claimedAt sql.NullInt64

	err := tx.QueryRowContext(ctx,
		`SELECT status, claim_token, claimed_at FROM requests WHERE id = ?`, id).
		Scan(&status, &claimToken, &claimedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("request %d: %w", id, errors.ErrNotFound)
	}
	if err != nil {
		return storageErr(err, "failed to inspect request")
	}

	if status != StatusPending {
		return fmt.Errorf("request %d is %s: %w", id, status, errors.ErrAlreadyDecided)
	}
	if claimToken.Valid && claimToken.String != token && claimedAt.Int64 >= now.Add(-r.claimTTL).UnixNano() {
		return fmt.Errorf("request %d: %w", id, errors.ErrRequestBusy)
	}
	return fmt.Errorf("request %d: %w", id, errors.ErrInvalidTransition)
}

// UpdateCorrelation stores presentation handles without touching the status.
// Empty fields leave the stored value unchanged.
func (r *Repository) UpdateCorrelation(ctx context.Context, id int64, c Correlation) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE requests
		SET message_id = COALESCE(?, message_id),
		    admin_message_id = COALESCE(?, admin_message_id),
		    thread_id = COALESCE(?, thread_id)
		WHERE id = ?
	`, nullString(c.MessageID), nullString(c.AdminMessageID), nullString(c.ThreadID), id)
	if err != nil {
		slog.Error("database_correlation_update_failed", "request_id", id, "error", err)
		return storageErr(err, "failed to update correlation")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return storageErr(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("request %d: %w", id, errors.ErrNotFound)
	}
	return nil
}

// ExpireStale moves every pending request older than maxAge to expired and
// returns how many rows changed. Requests with a live approval claim are skipped.
func (r *Repository) ExpireStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	now := r.now().UTC()
	cutoff := now.Add(-maxAge)

	slog.Info("database_expire_stale", "cutoff", cutoff.Format(time.RFC3339))

	result, err := r.db.ExecContext(ctx, `
		UPDATE requests
		SET status = 'expired', processed_at = ?, processed_by = ?, notes = ?
		WHERE status = 'pending' AND requested_at < ?
		  AND (claim_token IS NULL OR claimed_at < ?)
	`, now.UnixNano(), SystemActor, fmt.Sprintf("Expired after %s without a decision", maxAge),
		cutoff.UnixNano(), now.Add(-r.claimTTL).UnixNano())
	if err != nil {
		slog.Error("database_expire_failed", "error", err)
		return 0, storageErr(err, "failed to expire requests")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, storageErr(err, "failed to get rows affected")
	}

	slog.Info("database_expire_complete", "expired_count", rows)
	return rows, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var req Request
	var requestedAt int64
	var processedAt, processedBy sql.NullInt64
	var notes, accountHandle, instanceID sql.NullString
	var messageID, adminMessageID, threadID sql.NullString

	err := row.Scan(
		&req.ID, &req.UserID, &req.Username, &req.GameName, &req.Status, &requestedAt,
		&processedAt, &processedBy, &notes, &accountHandle, &instanceID,
		&messageID, &adminMessageID, &threadID)
	if err != nil {
		return nil, err
	}

	req.RequestedAt = time.Unix(0, requestedAt).UTC()
	if processedAt.Valid {
		t := time.Unix(0, processedAt.Int64).UTC()
		req.ProcessedAt = &t
	}
	if processedBy.Valid {
		by := processedBy.Int64
		req.ProcessedBy = &by
	}
	req.Notes = notes.String
	req.AccountHandle = accountHandle.String
	req.InstanceID = instanceID.String
	req.Correlation = Correlation{
		MessageID:      messageID.String,
		AdminMessageID: adminMessageID.String,
		ThreadID:       threadID.String,
	}
	return &req, nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

func storageErr(err error, msg string) error {
	return errors.Wrap(errors.Mark(err, errors.ErrStorage), msg)
}
