package db

import (
	"embed"
	"time"
)

// migrationsFS holds the goose migrations for the requests, amp_accounts and
// template_overrides tables.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

// Status is the lifecycle state of a request.
type Status string

// Status constants
const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// SystemActor is recorded as processed_by for transitions nobody asked for.
const SystemActor int64 = 0

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s.Valid() && s != StatusPending
}

// Correlation holds opaque presentation handles (chat message IDs, thread IDs)
// so a front end can find and refresh what it posted for a request.
type Correlation struct {
	MessageID      string
	AdminMessageID string
	ThreadID       string
}

// Request represents a game server request record
type Request struct {
	ID          int64
	UserID      int64
	Username    string
	GameName    string
	Status      Status
	RequestedAt time.Time

	// Set once the request leaves pending.
	ProcessedAt *time.Time
	ProcessedBy *int64
	Notes       string

	// Panel handles, set only on approval.
	AccountHandle string
	InstanceID    string

	Correlation Correlation
}

// Transition describes a terminal status change and the fields written with it.
type Transition struct {
	Status    Status
	DecidedBy int64
	Notes     string

	AccountHandle string
	InstanceID    string

	// Non-empty fields overwrite the stored handles.
	Correlation Correlation

	// ClaimToken must match when the request is claimed for provisioning.
	ClaimToken string
}

// LedgerEntry records a panel account created (or found) for a requester.
type LedgerEntry struct {
	RequesterID int64
	Handle      string
	Email       string
	Presumed    bool
	CreatedAt   time.Time
}
