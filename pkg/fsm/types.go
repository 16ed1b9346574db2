package fsm

import "github.com/panelbroker/gamebroker/pkg/panel"

// ApprovalRequest is the FSM input
type ApprovalRequest struct {
	RunID     string
	RequestID int64
	AdminID   int64
	// ClaimToken is the approval claim held on the request while it runs.
	ClaimToken string
	Account    panel.AccountRequest
	Instance   panel.InstanceRequest
}

// ApprovalResponse is the FSM output (accumulated across transitions)
type ApprovalResponse struct {
	// From EnsureAccount
	Account *panel.Account

	// From DeployInstance
	Instance *panel.Instance

	// From Complete/Failed
	Status       string
	AccountError string
	DeployError  string
}

// State names
const (
	StateEnsureAccount  = "ensure_account"
	StateDeployInstance = "deploy_instance"
	StateComplete       = "complete"
	StateFailed         = "failed"
)

// Response statuses
const (
	StatusProvisioned = "provisioned"
	StatusPartial     = "partial"
	StatusNoAccount   = "no_account"
)
