// Package fsm runs the provisioning steps of an approval as a durable
// finite state machine on top of the superfly/fsm library. Each step is
// persisted so an interrupted approval can be resumed after a restart.
package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/panelbroker/gamebroker/pkg/broker"
	"github.com/panelbroker/gamebroker/pkg/errors"
	"github.com/superfly/fsm"
)

// Recorder writes the result of runs nobody in this process waits for.
// *broker.Orchestrator implements it.
type Recorder interface {
	RenewClaim(ctx context.Context, requestID int64, token string) error
	RecordProvisioned(ctx context.Context, job broker.ProvisionJob, out *broker.ProvisionOutcome) (*broker.ApprovalResult, error)
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	provisioner broker.Provisioner
	recorder    Recorder
	maxRetries  int

	// outcomes keeps the unredacted results of runs started by this process.
	// Runs missing from started were resumed after a restart.
	mu       sync.Mutex
	outcomes map[string]*broker.ProvisionOutcome
	started  map[string]bool

	manager *fsm.Manager
	start   fsm.Start[ApprovalRequest, ApprovalResponse]
}

// DefaultMaxRetries bounds how often a single state is retried.
const DefaultMaxRetries = 5

// NewMachine creates a new FSM machine with dependencies
func NewMachine(provisioner broker.Provisioner, maxRetries int) *Machine {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Machine{
		provisioner: provisioner,
		maxRetries:  maxRetries,
		outcomes:    make(map[string]*broker.ProvisionOutcome),
		started:     make(map[string]bool),
	}
}

// SetRecorder sets where resumed runs record their result. Without one,
// resumed runs are aborted before touching the panel.
func (m *Machine) SetRecorder(r Recorder) {
	m.recorder = r
}

// Register registers the approval FSM and returns a resume function for runs
// interrupted by a previous shutdown.
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Resume, error) {
	start, resume, err := fsm.Register[ApprovalRequest, ApprovalResponse](manager, "approval-provision").
		Start(StateEnsureAccount, m.handleEnsureAccount).
		To(StateDeployInstance, m.handleDeployInstance).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to register FSM")
	}

	m.manager = manager
	m.start = start
	return resume, nil
}

// Run starts one approval run and waits for it to finish. It satisfies
// broker.ProvisionRunner.
func (m *Machine) Run(ctx context.Context, job broker.ProvisionJob) (*broker.ProvisionOutcome, error) {
	if m.start == nil {
		return nil, fmt.Errorf("approval FSM not registered")
	}

	runID := fmt.Sprintf("request-%d-%s", job.RequestID, uuid.NewString())
	req := &ApprovalRequest{
		RunID:      runID,
		RequestID:  job.RequestID,
		AdminID:    job.AdminID,
		ClaimToken: job.ClaimToken,
		Account:    job.Account,
		Instance:   job.Instance,
	}
	resp := &ApprovalResponse{}

	m.begin(runID)
	defer m.finish(runID)

	version, err := m.start(ctx, runID, fsm.NewRequest(req, resp))
	if err != nil {
		return nil, errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm_started", "run_id", runID, "request_id", job.RequestID, "version", version)

	waitErr := m.manager.Wait(ctx, version)

	out := m.takeOutcome(runID)
	if out != nil {
		// An aborted run still reports what it obtained.
		if waitErr != nil {
			slog.Warn("fsm_run_ended_early", "run_id", runID, "error", waitErr)
		}
		return out, nil
	}
	if waitErr != nil {
		return nil, errors.Wrap(waitErr, "FSM execution failed")
	}
	return nil, fmt.Errorf("FSM run %s finished without an outcome", runID)
}

func (m *Machine) outcome(runID string) *broker.ProvisionOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, ok := m.outcomes[runID]
	if !ok {
		out = &broker.ProvisionOutcome{}
		m.outcomes[runID] = out
	}
	return out
}

func (m *Machine) takeOutcome(runID string) *broker.ProvisionOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, ok := m.outcomes[runID]
	if !ok {
		return nil
	}
	delete(m.outcomes, runID)
	return out
}

func (m *Machine) begin(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started[runID] = true
}

func (m *Machine) finish(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.started, runID)
}

func (m *Machine) resumed(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.started[runID]
}

// renewClaim keeps a resumed run's claim alive before it touches the panel.
// A claim taken over by another approval aborts the run.
func (m *Machine) renewClaim(ctx context.Context, msg *ApprovalRequest) error {
	if m.recorder == nil {
		return fsm.Abort(fmt.Errorf("resumed run %s has no recorder", msg.RunID))
	}
	err := m.recorder.RenewClaim(ctx, msg.RequestID, msg.ClaimToken)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errors.ErrStorage):
		return err
	default:
		slog.Warn("fsm_claim_lost", "run_id", msg.RunID, "request_id", msg.RequestID, "error", err)
		return fsm.Abort(err)
	}
}

func jobFor(msg *ApprovalRequest) broker.ProvisionJob {
	return broker.ProvisionJob{
		RequestID:  msg.RequestID,
		AdminID:    msg.AdminID,
		ClaimToken: msg.ClaimToken,
		Account:    msg.Account,
		Instance:   msg.Instance,
	}
}
