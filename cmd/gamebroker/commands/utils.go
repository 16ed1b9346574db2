package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/panelbroker/gamebroker/internal/config"
	"github.com/panelbroker/gamebroker/pkg/broker"
	"github.com/panelbroker/gamebroker/pkg/catalog"
	"github.com/panelbroker/gamebroker/pkg/db"
	"github.com/panelbroker/gamebroker/pkg/errors"
	appfsm "github.com/panelbroker/gamebroker/pkg/fsm"
	"github.com/panelbroker/gamebroker/pkg/panel"
	"github.com/panelbroker/gamebroker/pkg/security"
	"github.com/superfly/fsm"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Create FSM database directory (only with durable approvals)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	return nil
}

// app is the wired set of components a command works with.
type app struct {
	cfg          *config.Config
	repo         *db.Repository
	catalog      *catalog.Catalog
	orchestrator *broker.Orchestrator
	panel        *panel.Client
	machine      *appfsm.Machine
	resume       fsm.Resume

	closers []func()
}

// appMode selects how much of the application a command wires.
type appMode int

const (
	// storeOnly refuses approvals.
	storeOnly appMode = iota
	// withPanel wires the panel client and the provisioning runner.
	withPanel
	// resumeRuns is withPanel plus resuming interrupted durable approvals.
	// Without durable approvals it falls back to storeOnly.
	resumeRuns
)

// openApp loads configuration and wires storage, catalog and orchestrator
// as far as mode asks for.
func openApp(ctx context.Context, mode appMode) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	if mode == resumeRuns && !cfg.DurableApprovals {
		mode = storeOnly
	}
	if mode != storeOnly {
		if err := cfg.ValidatePanel(); err != nil {
			return nil, errors.Wrap(err, "config invalid")
		}
	}

	fsmDBPath := ""
	if mode != storeOnly && cfg.DurableApprovals {
		fsmDBPath = cfg.FSMDBPath
	}
	if err := ensureDirectories(cfg.SQLitePath, fsmDBPath); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}

	repo, err := db.NewRepository(ctx, cfg.SQLitePath, db.WithClaimTTL(cfg.ClaimTTL))
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	a.repo = repo
	a.closers = append(a.closers, func() { repo.Close() })

	var catOpts []catalog.Option
	if cfg.CatalogPersistOverrides {
		catOpts = append(catOpts, catalog.WithOverrideStore(repo))
	}
	cat, err := catalog.New(cfg.Games, catOpts...)
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, "catalog init failed")
	}
	if err := cat.LoadOverrides(ctx); err != nil {
		a.Close()
		return nil, errors.Wrap(err, "catalog overrides failed")
	}
	a.catalog = cat

	validator := security.NewValidator(security.DefaultLimits, cfg.PanelEmailDomain)

	var runner broker.ProvisionRunner = panelUnavailable{}
	panelURL := cfg.PanelPublicURL
	if mode != storeOnly {
		runner, err = a.wirePanel(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		panelURL = a.panel.PublicURL()
	}

	a.orchestrator = broker.New(repo, cat, runner, validator, broker.Config{
		MaxPendingPerUser: cfg.MaxPendingPerUser,
		AllowDuplicates:   cfg.AllowDuplicateRequests,
		PanelURL:          panelURL,
	})

	if a.machine != nil {
		a.machine.SetRecorder(a.orchestrator)
		if mode == resumeRuns {
			if err := a.resume(ctx); err != nil {
				slog.Warn("fsm_resume_failed", "error", err)
			}
		}
	}

	return a, nil
}

// wirePanel builds the panel client and the runner that drives it.
func (a *app) wirePanel(ctx context.Context) (broker.ProvisionRunner, error) {
	cfg := a.cfg

	var opts []panel.Option
	if cfg.RedisURL != "" {
		cache, err := panel.NewRedisCache(ctx, cfg.RedisURL, "")
		if err != nil {
			return nil, errors.Wrap(err, "panel session cache failed")
		}
		a.closers = append(a.closers, func() { cache.Close() })
		opts = append(opts, panel.WithSessionCache(cache))
	}

	client, err := panel.NewClient(panel.Config{
		BaseURL:                 cfg.PanelURL,
		PublicURL:               cfg.PanelPublicURL,
		Username:                cfg.PanelUsername,
		Password:                cfg.PanelPassword,
		DeployHost:              cfg.PanelDeployHost,
		DeployHostID:            cfg.PanelDeployHostID,
		ExistsTimeout:           cfg.ExistsTimeout,
		CreateTimeout:           cfg.CreateTimeout,
		DeployTimeout:           cfg.DeployTimeout,
		PresumeCreatedOnTimeout: cfg.PresumeCreatedOnTimeout,
		SessionTTL:              cfg.SessionTTL,
	}, a.repo, a.catalog, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "panel client failed")
	}
	a.panel = client
	// Runs first among closers so logout happens before Redis goes away.
	a.closers = append(a.closers, func() {
		logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(logoutCtx); err != nil {
			slog.Warn("panel_logout_failed", "error", err)
		}
	})

	if !cfg.DurableApprovals {
		return broker.NewDirectRunner(client), nil
	}

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return nil, errors.Wrap(err, "FSM manager failed")
	}
	a.closers = append(a.closers, func() { manager.Shutdown(10 * time.Second) })

	machine := appfsm.NewMachine(client, cfg.FSMMaxRetries)
	resume, err := machine.Register(ctx, manager)
	if err != nil {
		return nil, errors.Wrap(err, "FSM register failed")
	}
	// Resuming waits for the orchestrator, which records resumed runs.
	a.machine = machine
	a.resume = resume

	return machine, nil
}

// Close releases everything openApp acquired, most recent first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// panelUnavailable refuses provisioning for commands that never reach the panel.
type panelUnavailable struct{}

func (panelUnavailable) Run(ctx context.Context, job broker.ProvisionJob) (*broker.ProvisionOutcome, error) {
	return nil, fmt.Errorf("%w: panel is not configured for this command", errors.ErrInvalidInput)
}

// explain turns an error category into a message for the operator.
func explain(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errors.ErrNotFound):
		return fmt.Errorf("request not found: %w", err)
	case errors.Is(err, errors.ErrRequestBusy):
		return fmt.Errorf("request is being processed by another admin: %w", err)
	case errors.Is(err, errors.ErrAlreadyDecided), errors.Is(err, errors.ErrInvalidTransition):
		return fmt.Errorf("request has already been processed: %w", err)
	case errors.Is(err, errors.ErrNotOwner):
		return fmt.Errorf("only the requester can cancel this request: %w", err)
	case errors.Is(err, errors.ErrQuotaExceeded):
		return fmt.Errorf("too many pending requests, wait for a decision first: %w", err)
	case errors.Is(err, errors.ErrDuplicateRequest):
		return fmt.Errorf("a request for this game is already pending: %w", err)
	case errors.Is(err, errors.ErrUnknownGame):
		return fmt.Errorf("game is not in the catalog: %w", err)
	case errors.Is(err, errors.ErrProvisioning):
		return fmt.Errorf("panel account could not be provisioned, the request is still pending: %w", err)
	case errors.Is(err, errors.ErrStorage):
		return fmt.Errorf("database unavailable, try again later: %w", err)
	default:
		return err
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
