package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/panelbroker/gamebroker/pkg/broker"
	"github.com/panelbroker/gamebroker/pkg/errors"
	"github.com/superfly/fsm"
)

// handleEnsureAccount creates or finds the requester's panel account. The
// panel client is idempotent through the ledger, so a resumed run repeats
// this step safely once its claim is renewed.
func (m *Machine) handleEnsureAccount(ctx context.Context, req *fsm.Request[ApprovalRequest, ApprovalResponse]) (*fsm.Response[ApprovalResponse], error) {
	slog.Info("fsm_state_ensure_account", "run_id", req.Msg.RunID, "request_id", req.Msg.RequestID, "handle", req.Msg.Account.Handle)

	if err := m.checkRetries(ctx, req.Msg.RunID); err != nil {
		return nil, err
	}

	resumed := m.resumed(req.Msg.RunID)
	if resumed {
		if err := m.renewClaim(ctx, req.Msg); err != nil {
			return nil, err
		}
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &ApprovalResponse{}
	}

	out := m.outcome(req.Msg.RunID)

	account, err := m.provisioner.EnsureAccount(ctx, req.Msg.Account)
	if err != nil {
		slog.Error("fsm_account_failed", "run_id", req.Msg.RunID, "error", err)
		out.AccountErr = err
		resp.Status = StatusNoAccount
		resp.AccountError = err.Error()
		if resumed {
			// Releases the claim so the request can be approved again.
			m.takeOutcome(req.Msg.RunID)
			_, _ = m.recorder.RecordProvisioned(ctx, jobFor(req.Msg), out)
		}
		return nil, fsm.Abort(err)
	}
	out.Account = account

	// The persisted copy never carries the secret.
	redacted := *account
	redacted.Secret = ""
	resp.Account = &redacted

	slog.Info("fsm_account_ready", "run_id", req.Msg.RunID, "handle", account.Handle, "origin", account.Origin)
	return fsm.NewResponse(resp), nil
}

// handleDeployInstance starts the deployment. A failed deployment still
// completes the run: the account alone is a partial approval.
func (m *Machine) handleDeployInstance(ctx context.Context, req *fsm.Request[ApprovalRequest, ApprovalResponse]) (*fsm.Response[ApprovalResponse], error) {
	slog.Info("fsm_state_deploy_instance", "run_id", req.Msg.RunID, "instance", req.Msg.Instance.Name)

	if err := m.checkRetries(ctx, req.Msg.RunID); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil || resp.Account == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	out := m.outcome(req.Msg.RunID)
	if out.Account == nil {
		// Resumed in a new process; the secret is gone but the handle is known.
		out.Account = resp.Account
	}

	if m.resumed(req.Msg.RunID) {
		if resp.Instance != nil {
			// Deployments are not idempotent; keep the one already made.
			slog.Info("fsm_deploy_skipped", "run_id", req.Msg.RunID, "instance_id", resp.Instance.ID)
			out.Instance = resp.Instance
			return fsm.NewResponse(resp), nil
		}
		if err := m.renewClaim(ctx, req.Msg); err != nil {
			return nil, err
		}
	}

	inst := jobFor(req.Msg).InstanceFor(resp.Account.Handle)

	instance, err := m.provisioner.DeployInstance(ctx, inst)
	out.Instance = instance
	resp.Instance = instance
	if err != nil {
		slog.Error("fsm_deploy_failed", "run_id", req.Msg.RunID, "instance", inst.Name, "error", err)
		out.DeployErr = err
		resp.DeployError = err.Error()
	}

	return fsm.NewResponse(resp), nil
}

// handleComplete marks the run finished. A resumed run has no caller
// waiting for it, so it records the approval itself.
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[ApprovalRequest, ApprovalResponse]) (*fsm.Response[ApprovalResponse], error) {
	slog.Info("fsm_state_complete", "run_id", req.Msg.RunID, "request_id", req.Msg.RequestID)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	resp.Status = StatusProvisioned
	if resp.DeployError != "" {
		resp.Status = StatusPartial
	}

	if m.resumed(req.Msg.RunID) {
		if err := m.recordResumed(ctx, req.Msg, resp); err != nil {
			return nil, err
		}
	}

	slog.Info("fsm_complete", "run_id", req.Msg.RunID, "status", resp.Status)
	return fsm.NewResponse(resp), nil
}

func (m *Machine) recordResumed(ctx context.Context, msg *ApprovalRequest, resp *ApprovalResponse) error {
	if m.recorder == nil {
		return fsm.Abort(fmt.Errorf("resumed run %s has no recorder", msg.RunID))
	}
	m.takeOutcome(msg.RunID)

	out := &broker.ProvisionOutcome{Account: resp.Account, Instance: resp.Instance}
	if resp.DeployError != "" {
		out.DeployErr = errors.New(resp.DeployError)
	}

	result, err := m.recorder.RecordProvisioned(ctx, jobFor(msg), out)
	switch {
	case err == nil:
		slog.Info("fsm_resumed_run_recorded", "run_id", msg.RunID, "request_id", msg.RequestID, "outcome", result.Outcome)
		return nil
	case errors.Is(err, errors.ErrStorage):
		return err
	default:
		slog.Error("fsm_resumed_run_not_recorded", "run_id", msg.RunID, "request_id", msg.RequestID, "error", err)
		return nil
	}
}

func (m *Machine) checkRetries(ctx context.Context, runID string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "run_id", runID, "max_retries", m.maxRetries)
		return fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}
	return nil
}
