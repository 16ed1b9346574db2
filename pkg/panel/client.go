// Package panel provisions accounts and game server instances on the remote
// management panel. Account creation is idempotent through a durable ledger;
// every remote call is bounded by its own timeout and normalized to a
// success, timeout or error outcome.
package panel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/panelbroker/gamebroker/pkg/catalog"
	"github.com/panelbroker/gamebroker/pkg/db"
	"github.com/panelbroker/gamebroker/pkg/errors"
	"github.com/panelbroker/gamebroker/pkg/metrics"
	"github.com/panelbroker/gamebroker/pkg/security"
	"golang.org/x/sync/singleflight"
)

// Origin says how an account handed back by EnsureAccount came to be.
type Origin string

const (
	OriginCreated  Origin = "created"
	OriginExisting Origin = "existing"
	OriginPresumed Origin = "presumed"
	OriginLedger   Origin = "ledger"
)

// Instance statuses. Only the start of deployment is ever reported.
const (
	InstanceDeploying = "deploying_template"
	InstanceFailed    = "failed"
)

// Account is a panel account. Secret is set only when this call created the
// account and pushed the password; it must be disclosed once and dropped.
type Account struct {
	Handle string
	Email  string
	Secret string
	Roles  []string
	Origin Origin
	UserID string
}

// Redacted reports whether the account secret is unknown to the caller.
func (a *Account) Redacted() bool {
	return a.Secret == ""
}

// Instance is a deployment started on the panel.
type Instance struct {
	Name       string
	Game       string
	TemplateID int
	Owner      string
	ID         string
	HostID     string
	Status     string
}

// AccountRequest identifies the account to ensure.
type AccountRequest struct {
	RequesterID int64
	Handle      string
	Email       string
	Roles       []string
}

// InstanceRequest describes an instance to deploy.
type InstanceRequest struct {
	Name        string
	Game        string
	Owner       string
	RequesterID int64
}

// Ledger is the durable record of accounts already created or found.
type Ledger interface {
	LookupAccount(ctx context.Context, requesterID int64) (*db.LedgerEntry, error)
	LookupAccountByHandle(ctx context.Context, handle string) (*db.LedgerEntry, error)
	RecordAccount(ctx context.Context, e db.LedgerEntry) error
}

// TemplateResolver maps a game to its deployment template.
type TemplateResolver interface {
	Lookup(name string) (catalog.Template, error)
}

// Config holds panel connection settings and per-call timeouts.
type Config struct {
	BaseURL   string
	PublicURL string
	Username  string
	Password  string

	DeployHost   string
	DeployHostID string

	LoginTimeout  time.Duration
	ExistsTimeout time.Duration
	CreateTimeout time.Duration
	DeployTimeout time.Duration

	// PresumeCreatedOnTimeout treats a timed out account creation as applied.
	// The panel is known to commit user creation before answering; nothing
	// verifies the account afterwards.
	PresumeCreatedOnTimeout bool

	SessionTTL time.Duration
}

func (c *Config) setDefaults() {
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = 10 * time.Second
	}
	if c.ExistsTimeout <= 0 {
		c.ExistsTimeout = 5 * time.Second
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = 10 * time.Second
	}
	if c.DeployTimeout <= 0 {
		c.DeployTimeout = 60 * time.Second
	}
	if c.DeployHost == "" {
		c.DeployHost = "Local Instances"
	}
	if c.PublicURL == "" {
		c.PublicURL = c.BaseURL
	}
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	cache      SessionCache
}

// WithHTTPClient replaces the HTTP client used for both transports.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithSessionCache shares the panel session through cache.
func WithSessionCache(cache SessionCache) Option {
	return func(o *clientOptions) { o.cache = cache }
}

// Client provisions accounts and instances on the panel.
type Client struct {
	cfg       Config
	session   *Session
	bridge    *Bridge
	fallback  *HTTPFallback
	ledger    Ledger
	templates TemplateResolver

	ensures singleflight.Group
	handles keyedMutex
}

// NewClient creates a panel client. No remote call is made until first use.
func NewClient(cfg Config, ledger Ledger, templates TemplateResolver, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: panel url cannot be empty", errors.ErrInvalidInput)
	}
	if ledger == nil || templates == nil {
		return nil, fmt.Errorf("%w: panel client needs a ledger and a template resolver", errors.ErrInvalidInput)
	}
	cfg.setDefaults()

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	r := newRPC(cfg.BaseURL, o.httpClient)
	session := newSession(r, cfg.Username, cfg.Password, cfg.LoginTimeout, o.cache, cfg.SessionTTL)

	slog.Info("panel_client_init",
		"base_url", cfg.BaseURL,
		"deploy_host", cfg.DeployHost,
		"presume_created_on_timeout", cfg.PresumeCreatedOnTimeout)

	return &Client{
		cfg:       cfg,
		session:   session,
		bridge:    &Bridge{rpc: r, session: session},
		fallback:  &HTTPFallback{rpc: r, session: session},
		ledger:    ledger,
		templates: templates,
	}, nil
}

// PublicURL is the panel address shown to requesters.
func (c *Client) PublicURL() string {
	return c.cfg.PublicURL
}

// Session exposes the shared session for diagnostics and shutdown.
func (c *Client) Session() *Session {
	return c.session
}

// Close ends the panel session.
func (c *Client) Close(ctx context.Context) error {
	return c.session.Logout(ctx)
}

// EnsureAccount returns the panel account for a requester, creating it at
// most once per requester for the lifetime of the ledger. Concurrent calls
// for one requester share a single attempt; only the caller that ran it
// receives the secret.
func (c *Client) EnsureAccount(ctx context.Context, req AccountRequest) (*Account, error) {
	ran := false
	v, err, _ := c.ensures.Do(strconv.FormatInt(req.RequesterID, 10), func() (any, error) {
		ran = true
		return c.ensureAccount(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	account := v.(*Account)
	if !ran {
		joined := *account
		joined.Secret = ""
		joined.Origin = OriginLedger
		joined.Roles = req.Roles
		slog.Info("panel_account_attempt_joined", "requester_id", req.RequesterID, "handle", joined.Handle)
		return &joined, nil
	}
	return account, nil
}

func (c *Client) ensureAccount(ctx context.Context, req AccountRequest) (*Account, error) {
	entry, err := c.ledger.LookupAccount(ctx, req.RequesterID)
	if err != nil {
		return nil, errors.Wrap(err, "ledger lookup failed")
	}
	if entry != nil {
		slog.Info("panel_account_from_ledger", "requester_id", req.RequesterID, "ledger_handle", entry.Handle, "presumed", entry.Presumed)
		return &Account{Handle: entry.Handle, Email: entry.Email, Roles: req.Roles, Origin: OriginLedger}, nil
	}

	req, unlock, err := c.reserveHandle(ctx, req)
	if err != nil {
		return nil, err
	}
	defer unlock()

	log := slog.With("requester_id", req.RequesterID, "handle", req.Handle)

	// Existence check. Failures fall through to creation.
	start := time.Now()
	lookup := call(ctx, c.cfg.ExistsTimeout, func(ctx context.Context) (*UserInfo, error) {
		return c.bridge.GetUserInfo(ctx, req.Handle)
	})
	metrics.ObservePanelCall("get_user_info", lookup.Outcome.String(), start)

	if lookup.Outcome == OutcomeSuccess && lookup.Value != nil {
		log.Info("panel_account_exists", "user_id", lookup.Value.ID)
		c.record(ctx, req, false)
		return &Account{Handle: req.Handle, Email: req.Email, Roles: req.Roles, Origin: OriginExisting, UserID: lookup.Value.ID}, nil
	}
	if lookup.Outcome != OutcomeSuccess {
		log.Info("panel_account_lookup_inconclusive", "outcome", lookup.Outcome, "error", lookup.Err)
	}

	// The create timeout covers the create request only, never a login.
	if _, err := c.session.Token(ctx); err != nil {
		log.Error("panel_account_create_skipped", "reason", "no_session", "error", err)
		return nil, fmt.Errorf("create account %q: %w", req.Handle, err)
	}

	start = time.Now()
	created := call(ctx, c.cfg.CreateTimeout, func(ctx context.Context) (string, error) {
		return c.bridge.CreateUser(ctx, req.Handle)
	})
	metrics.ObservePanelCall("create_user", created.Outcome.String(), start)

	switch {
	case created.Outcome == OutcomeSuccess:
		account := &Account{Handle: req.Handle, Email: req.Email, Roles: req.Roles, Origin: OriginCreated, UserID: created.Value}
		c.record(ctx, req, false)
		if secret, err := c.pushSecret(ctx, req.Handle); err != nil {
			log.Warn("panel_password_push_failed", "error", err)
		} else {
			account.Secret = secret
		}
		log.Info("panel_account_created", "user_id", created.Value, "secret_set", !account.Redacted())
		return account, nil

	case created.Outcome == OutcomeTimeout && c.cfg.PresumeCreatedOnTimeout:
		log.Warn("panel_account_presumed_created", "timeout", c.cfg.CreateTimeout)
		c.record(ctx, req, true)
		return &Account{Handle: req.Handle, Email: req.Email, Roles: req.Roles, Origin: OriginPresumed}, nil

	case created.Outcome == OutcomeError && isAlreadyExists(created.Err):
		log.Info("panel_account_exists", "detected_from", "create_error")
		c.record(ctx, req, false)
		return &Account{Handle: req.Handle, Email: req.Email, Roles: req.Roles, Origin: OriginExisting}, nil
	}

	log.Error("panel_account_create_failed", "outcome", created.Outcome, "error", created.Err)
	return nil, errors.Mark(fmt.Errorf("create account %q: %w", req.Handle, created.Err), errors.ErrProvisioning)
}

// reserveHandle locks req.Handle for the rest of the attempt. A handle the
// ledger already gives to another requester is replaced by a suffixed one.
func (c *Client) reserveHandle(ctx context.Context, req AccountRequest) (AccountRequest, func(), error) {
	unlock := c.handles.Lock(req.Handle)
	owner, err := c.ledger.LookupAccountByHandle(ctx, req.Handle)
	if err != nil {
		unlock()
		return req, nil, errors.Wrap(err, "ledger lookup failed")
	}
	if owner == nil || owner.RequesterID == req.RequesterID {
		return req, unlock, nil
	}
	unlock()

	taken := req.Handle
	req.Handle = security.DisambiguateHandle(taken, req.RequesterID)
	if strings.HasPrefix(req.Email, taken+"@") {
		req.Email = req.Handle + strings.TrimPrefix(req.Email, taken)
	}
	slog.Warn("panel_handle_taken", "requester_id", req.RequesterID, "taken", taken,
		"owner_requester_id", owner.RequesterID, "handle", req.Handle)

	unlock = c.handles.Lock(req.Handle)
	owner, err = c.ledger.LookupAccountByHandle(ctx, req.Handle)
	if err != nil {
		unlock()
		return req, nil, errors.Wrap(err, "ledger lookup failed")
	}
	if owner != nil && owner.RequesterID != req.RequesterID {
		unlock()
		return req, nil, fmt.Errorf("%w: handles %q and %q already belong to other requesters", errors.ErrProvisioning, taken, req.Handle)
	}
	return req, unlock, nil
}

func (c *Client) pushSecret(ctx context.Context, handle string) (string, error) {
	secret, err := security.GenerateSecret(security.DefaultSecretLength)
	if err != nil {
		return "", err
	}

	start := time.Now()
	res := call(ctx, c.cfg.CreateTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.bridge.ResetUserPassword(ctx, handle, secret)
	})
	metrics.ObservePanelCall("reset_user_password", res.Outcome.String(), start)

	if res.Outcome != OutcomeSuccess {
		return "", res.Err
	}
	return secret, nil
}

// record writes the ledger entry. A failure here is logged rather than
// returned: the remote account exists either way and the existence check
// will find it on the next attempt.
func (c *Client) record(ctx context.Context, req AccountRequest, presumed bool) {
	err := c.ledger.RecordAccount(context.WithoutCancel(ctx), db.LedgerEntry{
		RequesterID: req.RequesterID,
		Handle:      req.Handle,
		Email:       req.Email,
		Presumed:    presumed,
	})
	if err != nil {
		slog.Error("panel_ledger_record_failed", "requester_id", req.RequesterID, "handle", req.Handle, "error", err)
	}
}

// DeployInstance starts deploying the game's template for owner. A timeout
// is a hard failure: deployment is never presumed to have started.
func (c *Client) DeployInstance(ctx context.Context, req InstanceRequest) (*Instance, error) {
	tmpl, err := c.templates.Lookup(req.Game)
	if err != nil {
		return nil, err
	}

	log := slog.With("instance", req.Name, "game", tmpl.Name, "template_id", tmpl.TemplateID, "owner", req.Owner)

	instance := &Instance{
		Name:       req.Name,
		Game:       tmpl.Name,
		TemplateID: tmpl.TemplateID,
		Owner:      req.Owner,
		HostID:     c.deploymentHost(ctx),
		Status:     InstanceFailed,
	}

	start := time.Now()
	res := call(ctx, c.cfg.DeployTimeout, func(ctx context.Context) (*DeployAck, error) {
		return c.fallback.DeployTemplate(ctx, DeployParams{
			TemplateID:   tmpl.TemplateID,
			Owner:        req.Owner,
			Tag:          fmt.Sprintf("bot_created_%d", req.RequesterID),
			FriendlyName: req.Name,
		})
	})
	metrics.ObservePanelCall("deploy_template", res.Outcome.String(), start)

	if res.Outcome != OutcomeSuccess {
		log.Error("panel_deploy_failed", "outcome", res.Outcome, "error", res.Err)
		return instance, errors.Mark(fmt.Errorf("deploy %q (%s): %w", req.Name, res.Outcome, res.Err), errors.ErrProvisioning)
	}

	instance.ID = res.Value.TaskID
	if instance.ID == "" {
		instance.ID = req.Name
	}
	instance.Status = InstanceDeploying

	log.Info("panel_deploy_started", "task_id", instance.ID, "host_id", instance.HostID)
	return instance, nil
}

// deploymentHost finds the configured ADS target. Lookup problems only
// cost the host ID on the result and fall back to the configured ID.
func (c *Client) deploymentHost(ctx context.Context) string {
	start := time.Now()
	res := call(ctx, c.cfg.ExistsTimeout, func(ctx context.Context) ([]DeploymentHost, error) {
		return c.bridge.ListDeploymentHosts(ctx)
	})
	metrics.ObservePanelCall("list_deployment_hosts", res.Outcome.String(), start)

	if res.Outcome == OutcomeSuccess {
		for _, host := range res.Value {
			if host.FriendlyName == c.cfg.DeployHost && host.InstanceID != "" {
				return host.InstanceID
			}
		}
		slog.Warn("panel_deploy_host_not_found", "deploy_host", c.cfg.DeployHost, "host_count", len(res.Value))
	} else {
		slog.Warn("panel_deploy_host_lookup_failed", "outcome", res.Outcome, "error", res.Err)
	}
	return c.cfg.DeployHostID
}
