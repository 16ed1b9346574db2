package broker

import (
	"context"
	"log/slog"
	"strings"

	"github.com/panelbroker/gamebroker/pkg/panel"
	"github.com/panelbroker/gamebroker/pkg/security"
)

// Provisioner creates accounts and instances on the panel. *panel.Client
// implements it.
type Provisioner interface {
	EnsureAccount(ctx context.Context, req panel.AccountRequest) (*panel.Account, error)
	DeployInstance(ctx context.Context, req panel.InstanceRequest) (*panel.Instance, error)
}

// ProvisionJob is everything needed to provision one approved request.
type ProvisionJob struct {
	RequestID int64
	AdminID   int64
	// ClaimToken is the approval claim the run provisions under.
	ClaimToken string
	Account    panel.AccountRequest
	Instance   panel.InstanceRequest
}

// InstanceFor returns the instance to deploy under handle. The instance name
// follows the handle when the account ended up with a different one.
func (j ProvisionJob) InstanceFor(handle string) panel.InstanceRequest {
	inst := j.Instance
	if handle != inst.Owner && strings.HasPrefix(inst.Name, inst.Owner) {
		name := handle + strings.TrimPrefix(inst.Name, inst.Owner)
		if len(name) > security.MaxInstanceNameLength {
			name = name[:security.MaxInstanceNameLength]
		}
		inst.Name = name
	}
	inst.Owner = handle
	return inst
}

// ProvisionOutcome holds what a provisioning run obtained. Account is nil
// when no account could be ensured; in that case deployment was not tried.
// Instance may be set with a failed status alongside DeployErr.
type ProvisionOutcome struct {
	Account    *panel.Account
	Instance   *panel.Instance
	AccountErr error
	DeployErr  error
}

// ProvisionRunner executes the provisioning steps of an approval.
type ProvisionRunner interface {
	Run(ctx context.Context, job ProvisionJob) (*ProvisionOutcome, error)
}

// DirectRunner runs the steps inline in the caller's goroutine.
type DirectRunner struct {
	provisioner Provisioner
}

// NewDirectRunner creates a runner calling p directly.
func NewDirectRunner(p Provisioner) *DirectRunner {
	return &DirectRunner{provisioner: p}
}

// Run ensures the account and, if that worked, deploys the instance under it.
func (d *DirectRunner) Run(ctx context.Context, job ProvisionJob) (*ProvisionOutcome, error) {
	return RunSteps(ctx, d.provisioner, job), nil
}

// RunSteps is the provisioning sequence shared by every runner.
func RunSteps(ctx context.Context, p Provisioner, job ProvisionJob) *ProvisionOutcome {
	out := &ProvisionOutcome{}

	account, err := p.EnsureAccount(ctx, job.Account)
	if err != nil {
		slog.Error("provision_account_failed", "request_id", job.RequestID, "handle", job.Account.Handle, "error", err)
		out.AccountErr = err
		return out
	}
	out.Account = account

	inst := job.InstanceFor(account.Handle)
	out.Instance, out.DeployErr = p.DeployInstance(ctx, inst)
	if out.DeployErr != nil {
		slog.Error("provision_deploy_failed", "request_id", job.RequestID, "instance", inst.Name, "error", out.DeployErr)
	}
	return out
}
