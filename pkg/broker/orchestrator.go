// Package broker drives the request lifecycle: submissions, admin decisions,
// cancellations and expiry. All mutual exclusion between concurrent decisions
// is left to the store's conditional updates.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/panelbroker/gamebroker/pkg/catalog"
	"github.com/panelbroker/gamebroker/pkg/db"
	"github.com/panelbroker/gamebroker/pkg/errors"
	"github.com/panelbroker/gamebroker/pkg/metrics"
	"github.com/panelbroker/gamebroker/pkg/panel"
	"github.com/panelbroker/gamebroker/pkg/security"
)

// Store is the persistence the orchestrator needs. *db.Repository implements it.
type Store interface {
	CreateRequest(ctx context.Context, req *db.Request) error
	GetRequest(ctx context.Context, id int64) (*db.Request, error)
	ListPending(ctx context.Context) ([]*db.Request, error)
	ListPendingForUser(ctx context.Context, userID int64) ([]*db.Request, error)
	TransitionStatus(ctx context.Context, id int64, t db.Transition) (*db.Request, error)
	ClaimRequest(ctx context.Context, id, adminID int64) (string, error)
	RenewClaim(ctx context.Context, id int64, token string) error
	ReleaseClaim(ctx context.Context, id int64, token string) error
	UpdateCorrelation(ctx context.Context, id int64, c db.Correlation) error
	ExpireStale(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Games is the catalog view the orchestrator needs. *catalog.Catalog implements it.
type Games interface {
	Lookup(name string) (catalog.Template, error)
	List() []catalog.Template
	SetTemplateRef(ctx context.Context, name string, templateID int) error
}

// Config holds the request policy.
type Config struct {
	MaxPendingPerUser int
	AllowDuplicates   bool
	PanelURL          string
}

// DefaultMaxPendingPerUser is used when Config.MaxPendingPerUser is not set.
const DefaultMaxPendingPerUser = 3

// ApprovedNote is stored as the notes of an approved request.
const ApprovedNote = "Approved by admin"

// Outcome distinguishes complete from partial provisioning on approval.
type Outcome string

const (
	OutcomeFull    Outcome = "full"
	OutcomePartial Outcome = "partial"
)

// ApprovalResult is what an approval produced. Account.Secret is set only
// when the account was created by this approval and must be shown once.
type ApprovalResult struct {
	Request   *db.Request
	Outcome   Outcome
	Account   *panel.Account
	Instance  *panel.Instance
	PanelURL  string
	DeployErr error
}

// Partial reports whether the instance deployment failed.
func (r *ApprovalResult) Partial() bool {
	return r.Outcome == OutcomePartial
}

// SubmitParams describes a new request.
type SubmitParams struct {
	RequesterID int64
	Username    string
	Game        string
	Correlation db.Correlation
}

// Orchestrator applies lifecycle operations to requests.
type Orchestrator struct {
	store     Store
	games     Games
	runner    ProvisionRunner
	validator *security.Validator
	cfg       Config
}

// New creates an orchestrator.
func New(store Store, games Games, runner ProvisionRunner, validator *security.Validator, cfg Config) *Orchestrator {
	if cfg.MaxPendingPerUser <= 0 {
		cfg.MaxPendingPerUser = DefaultMaxPendingPerUser
	}
	if validator == nil {
		validator = security.NewValidator(security.DefaultLimits, "")
	}

	slog.Info("broker_init",
		"max_pending_per_user", cfg.MaxPendingPerUser,
		"allow_duplicates", cfg.AllowDuplicates)

	return &Orchestrator{
		store:     store,
		games:     games,
		runner:    runner,
		validator: validator,
		cfg:       cfg,
	}
}

// Submit records a new pending request after checking input, the game, the
// per-user quota and the duplicate policy.
func (o *Orchestrator) Submit(ctx context.Context, p SubmitParams) (*db.Request, error) {
	if err := o.validator.ValidateRequester(p.RequesterID, p.Username); err != nil {
		metrics.SubmissionsRefused.WithLabelValues("invalid_input").Inc()
		return nil, err
	}

	tmpl, err := o.games.Lookup(p.Game)
	if err != nil {
		metrics.SubmissionsRefused.WithLabelValues("unknown_game").Inc()
		return nil, err
	}

	pending, err := o.store.ListPendingForUser(ctx, p.RequesterID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count pending requests")
	}
	if len(pending) >= o.cfg.MaxPendingPerUser {
		slog.Warn("broker_quota_exceeded", "requester_id", p.RequesterID, "pending", len(pending))
		metrics.SubmissionsRefused.WithLabelValues("quota").Inc()
		return nil, fmt.Errorf("%w: %d of %d pending", errors.ErrQuotaExceeded, len(pending), o.cfg.MaxPendingPerUser)
	}
	if !o.cfg.AllowDuplicates {
		for _, r := range pending {
			if r.GameName == tmpl.Name {
				metrics.SubmissionsRefused.WithLabelValues("duplicate").Inc()
				return nil, fmt.Errorf("%w: request %d for %s", errors.ErrDuplicateRequest, r.ID, tmpl.Name)
			}
		}
	}

	req := &db.Request{
		UserID:      p.RequesterID,
		Username:    p.Username,
		GameName:    tmpl.Name,
		Correlation: p.Correlation,
	}
	if err := o.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	metrics.RequestsSubmitted.WithLabelValues(tmpl.Name).Inc()
	slog.Info("broker_request_submitted", "request_id", req.ID, "requester_id", req.UserID, "game", req.GameName)
	return req, nil
}

// Approve provisions a pending request and records the result. Whatever was
// obtained is persisted: account and instance make a full approval, an
// account alone makes a partial one. If no account could be ensured the
// request stays pending and ErrProvisioning is returned.
func (o *Orchestrator) Approve(ctx context.Context, requestID, adminID int64) (*ApprovalResult, error) {
	if err := o.validator.ValidateActor(adminID); err != nil {
		return nil, err
	}

	req, err := o.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != db.StatusPending {
		return nil, fmt.Errorf("request %d is %s: %w", requestID, req.Status, errors.ErrAlreadyDecided)
	}

	tmpl, err := o.games.Lookup(req.GameName)
	if err != nil {
		return nil, err
	}

	token, err := o.store.ClaimRequest(ctx, requestID, adminID)
	if err != nil {
		return nil, err
	}

	// Provisioning and the writes that follow it run to completion once started.
	ctx = context.WithoutCancel(ctx)
	log := slog.With("request_id", requestID, "admin_id", adminID, "game", tmpl.Name)

	handle := o.validator.Handle(req.UserID, req.Username)
	job := ProvisionJob{
		RequestID:  requestID,
		AdminID:    adminID,
		ClaimToken: token,
		Account: panel.AccountRequest{
			RequesterID: req.UserID,
			Handle:      handle,
			Email:       o.validator.Email(handle),
			Roles:       roles(tmpl),
		},
		Instance: panel.InstanceRequest{
			Name:        o.validator.InstanceName(handle, tmpl.Name),
			Game:        tmpl.Name,
			Owner:       handle,
			RequesterID: req.UserID,
		},
	}

	log.Info("broker_provision_started", "handle", handle, "instance", job.Instance.Name)
	out, err := o.runner.Run(ctx, job)
	if err != nil {
		o.releaseClaim(ctx, job)
		metrics.ApprovalOutcomes.WithLabelValues("failed").Inc()
		log.Error("broker_approval_failed", "error", err)
		return nil, errors.Mark(fmt.Errorf("request %d: %w", requestID, err), errors.ErrProvisioning)
	}

	return o.RecordProvisioned(ctx, job, out)
}

// RecordProvisioned writes what a provisioning run obtained for job. Without
// an account the claim is released and the request stays pending. If the
// approval cannot be written the result is returned with the error so the
// caller still learns the panel handles; the claim is then left to expire.
func (o *Orchestrator) RecordProvisioned(ctx context.Context, job ProvisionJob, out *ProvisionOutcome) (*ApprovalResult, error) {
	log := slog.With("request_id", job.RequestID, "admin_id", job.AdminID)

	if out == nil || out.Account == nil {
		err := errors.New("no account obtained")
		if out != nil && out.AccountErr != nil {
			err = out.AccountErr
		}
		o.releaseClaim(ctx, job)
		metrics.ApprovalOutcomes.WithLabelValues("failed").Inc()
		log.Error("broker_approval_failed", "error", err)
		return nil, errors.Mark(fmt.Errorf("request %d: %w", job.RequestID, err), errors.ErrProvisioning)
	}

	t := db.Transition{
		Status:        db.StatusApproved,
		DecidedBy:     job.AdminID,
		Notes:         ApprovedNote,
		AccountHandle: out.Account.Handle,
		ClaimToken:    job.ClaimToken,
	}
	outcome := OutcomeFull
	if out.DeployErr != nil || out.Instance == nil {
		outcome = OutcomePartial
		t.Notes = fmt.Sprintf("%s; instance deployment failed: %v", ApprovedNote, out.DeployErr)
	} else {
		t.InstanceID = out.Instance.ID
	}

	result := &ApprovalResult{
		Outcome:   outcome,
		Account:   out.Account,
		Instance:  out.Instance,
		PanelURL:  o.cfg.PanelURL,
		DeployErr: out.DeployErr,
	}

	updated, err := o.store.TransitionStatus(ctx, job.RequestID, t)
	if err != nil {
		log.Error("broker_approval_not_recorded", "handle", t.AccountHandle, "instance_id", t.InstanceID, "outcome", outcome, "error", err)
		return result, fmt.Errorf("request %d provisioned (account %q, instance %q) but approval not recorded: %w",
			job.RequestID, t.AccountHandle, t.InstanceID, err)
	}
	result.Request = updated

	metrics.RequestTransitions.WithLabelValues(string(db.StatusApproved)).Inc()
	metrics.ApprovalOutcomes.WithLabelValues(string(outcome)).Inc()
	log.Info("broker_request_approved", "handle", t.AccountHandle, "instance_id", t.InstanceID, "outcome", outcome)

	return result, nil
}

// RenewClaim restarts the TTL of the claim a provisioning run holds.
func (o *Orchestrator) RenewClaim(ctx context.Context, requestID int64, token string) error {
	return o.store.RenewClaim(ctx, requestID, token)
}

func (o *Orchestrator) releaseClaim(ctx context.Context, job ProvisionJob) {
	if job.ClaimToken == "" {
		return
	}
	if err := o.store.ReleaseClaim(ctx, job.RequestID, job.ClaimToken); err != nil {
		slog.Error("broker_release_claim_failed", "request_id", job.RequestID, "error", err)
	}
}

// Reject declines a pending request with an optional reason.
func (o *Orchestrator) Reject(ctx context.Context, requestID, adminID int64, reason string) (*db.Request, error) {
	if err := o.validator.ValidateActor(adminID); err != nil {
		return nil, err
	}
	if err := o.validator.ValidateReason(reason); err != nil {
		return nil, err
	}

	req, err := o.store.TransitionStatus(ctx, requestID, db.Transition{
		Status:    db.StatusRejected,
		DecidedBy: adminID,
		Notes:     reason,
	})
	if err != nil {
		return nil, err
	}

	metrics.RequestTransitions.WithLabelValues(string(db.StatusRejected)).Inc()
	slog.Info("broker_request_rejected", "request_id", requestID, "admin_id", adminID)
	return req, nil
}

// Cancel withdraws a pending request on behalf of its requester.
func (o *Orchestrator) Cancel(ctx context.Context, requestID, requesterID int64) (*db.Request, error) {
	if err := o.validator.ValidateActor(requesterID); err != nil {
		return nil, err
	}

	req, err := o.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.UserID != requesterID {
		slog.Warn("broker_cancel_not_owner", "request_id", requestID, "requester_id", requesterID)
		return nil, fmt.Errorf("request %d: %w", requestID, errors.ErrNotOwner)
	}

	updated, err := o.store.TransitionStatus(ctx, requestID, db.Transition{
		Status:    db.StatusCancelled,
		DecidedBy: requesterID,
		Notes:     "Cancelled by requester",
	})
	if err != nil {
		return nil, err
	}

	metrics.RequestTransitions.WithLabelValues(string(db.StatusCancelled)).Inc()
	slog.Info("broker_request_cancelled", "request_id", requestID, "requester_id", requesterID)
	return updated, nil
}

// SweepExpired moves pending requests older than maxAge to expired.
func (o *Orchestrator) SweepExpired(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("%w: max age must be positive", errors.ErrInvalidInput)
	}

	n, err := o.store.ExpireStale(ctx, maxAge)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.RequestTransitions.WithLabelValues(string(db.StatusExpired)).Add(float64(n))
		metrics.RequestsExpired.Add(float64(n))
	}
	return n, nil
}

// GetRequest returns one request.
func (o *Orchestrator) GetRequest(ctx context.Context, id int64) (*db.Request, error) {
	return o.store.GetRequest(ctx, id)
}

// ListPending returns every pending request, oldest first.
func (o *Orchestrator) ListPending(ctx context.Context) ([]*db.Request, error) {
	return o.store.ListPending(ctx)
}

// ListPendingForUser returns a requester's pending requests.
func (o *Orchestrator) ListPendingForUser(ctx context.Context, userID int64) ([]*db.Request, error) {
	return o.store.ListPendingForUser(ctx, userID)
}

// UpdateCorrelation stores the presentation handles of a request.
func (o *Orchestrator) UpdateCorrelation(ctx context.Context, id int64, c db.Correlation) error {
	return o.store.UpdateCorrelation(ctx, id, c)
}

// Games lists the requestable games.
func (o *Orchestrator) Games() []catalog.Template {
	return o.games.List()
}

// SetTemplateRef changes the panel template used for a game.
func (o *Orchestrator) SetTemplateRef(ctx context.Context, game string, templateID int) error {
	if err := o.validator.ValidateTemplateID(templateID); err != nil {
		return err
	}
	return o.games.SetTemplateRef(ctx, game, templateID)
}

func roles(t catalog.Template) []string {
	if t.DefaultRole == "" {
		return nil
	}
	return []string{t.DefaultRole}
}
