package broker

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panelbroker/gamebroker/pkg/catalog"
	"github.com/panelbroker/gamebroker/pkg/db"
	"github.com/panelbroker/gamebroker/pkg/errors"
	"github.com/panelbroker/gamebroker/pkg/panel"
	"github.com/panelbroker/gamebroker/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProvisioner struct {
	mock.Mock
}

func (m *mockProvisioner) EnsureAccount(ctx context.Context, req panel.AccountRequest) (*panel.Account, error) {
	args := m.Called(ctx, req)
	account, _ := args.Get(0).(*panel.Account)
	return account, args.Error(1)
}

func (m *mockProvisioner) DeployInstance(ctx context.Context, req panel.InstanceRequest) (*panel.Instance, error) {
	args := m.Called(ctx, req)
	instance, _ := args.Get(0).(*panel.Instance)
	return instance, args.Error(1)
}

type fixture struct {
	orch  *Orchestrator
	repo  *db.Repository
	prov  *mockProvisioner
	clock *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo, err := db.NewRepository(context.Background(), filepath.Join(t.TempDir(), "broker.db"), db.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	games, err := catalog.New(nil)
	require.NoError(t, err)

	if cfg.PanelURL == "" {
		cfg.PanelURL = "https://panel.example.com"
	}
	prov := &mockProvisioner{}
	orch := New(repo, games, NewDirectRunner(prov), security.NewValidator(security.DefaultLimits, ""), cfg)

	return &fixture{orch: orch, repo: repo, prov: prov, clock: clk}
}

func (f *fixture) submit(t *testing.T, userID int64, username, game string) *db.Request {
	t.Helper()
	req, err := f.orch.Submit(context.Background(), SubmitParams{RequesterID: userID, Username: username, Game: game})
	require.NoError(t, err)
	return req
}

func createdAccount(handle string) *panel.Account {
	return &panel.Account{Handle: handle, Email: handle + "@discord.local", Secret: "s3cret!Pass1", Origin: panel.OriginCreated}
}

func TestApprove_FullSuccess(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	req := f.submit(t, 42, "Steve Builder", "minecraft")
	assert.Equal(t, int64(1), req.ID)
	assert.Equal(t, db.StatusPending, req.Status)

	f.prov.On("EnsureAccount", mock.Anything, panel.AccountRequest{
		RequesterID: 42,
		Handle:      "steve_builder",
		Email:       "steve_builder@discord.local",
		Roles:       []string{"minecraft_admin"},
	}).Return(createdAccount("steve_builder"), nil).Once()
	f.prov.On("DeployInstance", mock.Anything, panel.InstanceRequest{
		Name:        "steve_builder_minecraft_server",
		Game:        "minecraft",
		Owner:       "steve_builder",
		RequesterID: 42,
	}).Return(&panel.Instance{Name: "steve_builder_minecraft_server", ID: "task-1", Status: panel.InstanceDeploying}, nil).Once()

	f.clock.Advance(time.Minute)
	result, err := f.orch.Approve(ctx, req.ID, 7)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFull, result.Outcome)
	assert.False(t, result.Partial())
	assert.Equal(t, "s3cret!Pass1", result.Account.Secret)
	assert.Equal(t, "https://panel.example.com", result.PanelURL)
	assert.NoError(t, result.DeployErr)

	stored, err := f.repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusApproved, stored.Status)
	assert.Equal(t, "steve_builder", stored.AccountHandle)
	assert.Equal(t, "task-1", stored.InstanceID)
	assert.Equal(t, ApprovedNote, stored.Notes)
	require.NotNil(t, stored.ProcessedBy)
	assert.Equal(t, int64(7), *stored.ProcessedBy)
	require.NotNil(t, stored.ProcessedAt)
	assert.False(t, stored.ProcessedAt.Before(stored.RequestedAt))

	f.prov.AssertExpectations(t)
}

func TestApprove_PresumedAccountDeployFailureIsPartial(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	req := f.submit(t, 42, "steve", "minecraft")

	f.prov.On("EnsureAccount", mock.Anything, mock.Anything).
		Return(&panel.Account{Handle: "steve", Origin: panel.OriginPresumed}, nil).Once()
	f.prov.On("DeployInstance", mock.Anything, mock.Anything).
		Return(&panel.Instance{Name: "steve_minecraft_server", Status: panel.InstanceFailed},
			errors.Mark(errors.New("deploy timed out"), errors.ErrProvisioning)).Once()

	result, err := f.orch.Approve(ctx, req.ID, 7)
	require.NoError(t, err)

	assert.Equal(t, OutcomePartial, result.Outcome)
	assert.True(t, result.Account.Redacted())
	assert.ErrorIs(t, result.DeployErr, errors.ErrProvisioning)

	stored, err := f.repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusApproved, stored.Status)
	assert.Equal(t, "steve", stored.AccountHandle)
	assert.Empty(t, stored.InstanceID)
	assert.Contains(t, stored.Notes, "instance deployment failed")
}

func TestApprove_NoAccountKeepsPending(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	req := f.submit(t, 42, "steve", "ark")

	f.prov.On("EnsureAccount", mock.Anything, mock.Anything).
		Return(nil, errors.Mark(errors.New("panel refused"), errors.ErrProvisioning)).Once()

	_, err := f.orch.Approve(ctx, req.ID, 7)
	assert.ErrorIs(t, err, errors.ErrProvisioning)

	stored, err := f.repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, stored.Status)
	assert.Nil(t, stored.ProcessedAt)
	f.prov.AssertNotCalled(t, "DeployInstance", mock.Anything, mock.Anything)

	// The claim was released so a retry can proceed.
	f.prov.On("EnsureAccount", mock.Anything, mock.Anything).Return(createdAccount("steve"), nil).Once()
	f.prov.On("DeployInstance", mock.Anything, mock.Anything).Return(&panel.Instance{ID: "task-2", Status: panel.InstanceDeploying}, nil).Once()

	result, err := f.orch.Approve(ctx, req.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFull, result.Outcome)
}

func TestApprove_Conflicts(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.orch.Approve(ctx, 99, 7)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = f.orch.Approve(ctx, 1, 0)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	req := f.submit(t, 42, "steve", "cs2")
	_, err = f.orch.Reject(ctx, req.ID, 7, "no slots")
	require.NoError(t, err)

	_, err = f.orch.Approve(ctx, req.ID, 7)
	assert.ErrorIs(t, err, errors.ErrAlreadyDecided)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
	f.prov.AssertNotCalled(t, "EnsureAccount", mock.Anything, mock.Anything)
}

func TestApprove_ConcurrentProvisionsOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	req := f.submit(t, 42, "steve", "gmod")

	release := make(chan struct{})
	f.prov.On("EnsureAccount", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(createdAccount("steve"), nil)
	f.prov.On("DeployInstance", mock.Anything, mock.Anything).
		Return(&panel.Instance{ID: "task-9", Status: panel.InstanceDeploying}, nil)

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(admin int64) {
			defer wg.Done()
			_, err := f.orch.Approve(ctx, req.ID, admin)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, errors.ErrInvalidTransition):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(i + 1))
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), conflicts.Load())
	f.prov.AssertNumberOfCalls(t, "EnsureAccount", 1)
	f.prov.AssertNumberOfCalls(t, "DeployInstance", 1)
}

// failingTransitions lets everything through except the final status write.
type failingTransitions struct {
	Store
}

func (s failingTransitions) TransitionStatus(ctx context.Context, id int64, t db.Transition) (*db.Request, error) {
	return nil, errors.Mark(errors.New("disk I/O error"), errors.ErrStorage)
}

func TestApprove_UnrecordedApprovalKeepsHandles(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	req := f.submit(t, 42, "steve", "minecraft")

	games, err := catalog.New(nil)
	require.NoError(t, err)
	orch := New(failingTransitions{Store: f.repo}, games, NewDirectRunner(f.prov), nil, Config{PanelURL: "https://panel.example.com"})

	f.prov.On("EnsureAccount", mock.Anything, mock.Anything).Return(createdAccount("steve"), nil).Once()
	f.prov.On("DeployInstance", mock.Anything, mock.Anything).
		Return(&panel.Instance{ID: "task-7", Status: panel.InstanceDeploying}, nil).Once()

	result, err := orch.Approve(ctx, req.ID, 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStorage)
	assert.Contains(t, err.Error(), `account "steve"`)
	assert.Contains(t, err.Error(), `instance "task-7"`)

	require.NotNil(t, result)
	assert.Equal(t, "s3cret!Pass1", result.Account.Secret)
	assert.Equal(t, "task-7", result.Instance.ID)
	assert.Nil(t, result.Request)

	// The claim stays held so nothing deploys a second instance meanwhile.
	_, err = f.orch.Approve(ctx, req.ID, 8)
	assert.ErrorIs(t, err, errors.ErrRequestBusy)
	f.prov.AssertNumberOfCalls(t, "DeployInstance", 1)
}

func TestApprove_RenamedHandleRenamesInstance(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	req := f.submit(t, 42, "steve", "minecraft")

	f.prov.On("EnsureAccount", mock.Anything, mock.Anything).Return(createdAccount("steve_42"), nil).Once()
	f.prov.On("DeployInstance", mock.Anything, panel.InstanceRequest{
		Name:        "steve_42_minecraft_server",
		Game:        "minecraft",
		Owner:       "steve_42",
		RequesterID: 42,
	}).Return(&panel.Instance{ID: "task-8", Status: panel.InstanceDeploying}, nil).Once()

	result, err := f.orch.Approve(ctx, req.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFull, result.Outcome)
	assert.Equal(t, "steve_42", result.Request.AccountHandle)
	f.prov.AssertExpectations(t)
}

func TestInstanceFor(t *testing.T) {
	job := ProvisionJob{Instance: panel.InstanceRequest{Name: "steve_minecraft_server", Game: "minecraft", Owner: "steve"}}

	same := job.InstanceFor("steve")
	assert.Equal(t, "steve_minecraft_server", same.Name)

	renamed := job.InstanceFor("a.very.long.d_345678")
	assert.Equal(t, "a.very.long.d_345678", renamed.Owner)
	assert.Equal(t, "a.very.long.d_345678_minecraft", renamed.Name)
	assert.LessOrEqual(t, len(renamed.Name), security.MaxInstanceNameLength)
}

func TestRecordProvisioned_ResumedRun(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	req := f.submit(t, 42, "steve", "minecraft")

	token, err := f.repo.ClaimRequest(ctx, req.ID, 7)
	require.NoError(t, err)
	require.NoError(t, f.orch.RenewClaim(ctx, req.ID, token))

	job := ProvisionJob{RequestID: req.ID, AdminID: 7, ClaimToken: token}
	out := &ProvisionOutcome{
		Account:  &panel.Account{Handle: "steve", Origin: panel.OriginLedger},
		Instance: &panel.Instance{ID: "task-4", Status: panel.InstanceDeploying},
	}
	result, err := f.orch.RecordProvisioned(ctx, job, out)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFull, result.Outcome)

	stored, err := f.repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusApproved, stored.Status)
	assert.Equal(t, "task-4", stored.InstanceID)

	_, err = f.orch.RecordProvisioned(ctx, job, out)
	assert.ErrorIs(t, err, errors.ErrAlreadyDecided)
	f.prov.AssertNotCalled(t, "EnsureAccount", mock.Anything, mock.Anything)
}

func TestRejectTwice(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	req := f.submit(t, 42, "steve", "minecraft")

	rejected, err := f.orch.Reject(ctx, req.ID, 7, "Server capacity reached")
	require.NoError(t, err)
	assert.Equal(t, db.StatusRejected, rejected.Status)
	assert.Equal(t, "Server capacity reached", rejected.Notes)

	_, err = f.orch.Reject(ctx, req.ID, 8, "again")
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	stored, err := f.repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), *stored.ProcessedBy)
	assert.Equal(t, "Server capacity reached", stored.Notes)
}

func TestSubmit_Quota(t *testing.T) {
	f := newFixture(t, Config{MaxPendingPerUser: 3, AllowDuplicates: true})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.submit(t, 42, "steve", "minecraft")
	}

	_, err := f.orch.Submit(ctx, SubmitParams{RequesterID: 42, Username: "steve", Game: "minecraft"})
	assert.ErrorIs(t, err, errors.ErrQuotaExceeded)

	// Other requesters are unaffected.
	f.submit(t, 43, "alex", "minecraft")

	// A decision frees a slot.
	pending, err := f.orch.ListPendingForUser(ctx, 42)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	_, err = f.orch.Cancel(ctx, pending[0].ID, 42)
	require.NoError(t, err)
	f.submit(t, 42, "steve", "minecraft")
}

func TestSubmit_DuplicatePolicy(t *testing.T) {
	tests := []struct {
		name      string
		allow     bool
		wantError error
	}{
		{"duplicates refused", false, errors.ErrDuplicateRequest},
		{"duplicates allowed", true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{AllowDuplicates: tt.allow})
			f.submit(t, 42, "steve", "minecraft")

			_, err := f.orch.Submit(context.Background(), SubmitParams{RequesterID: 42, Username: "steve", Game: "MineCraft"})
			if tt.wantError != nil {
				assert.ErrorIs(t, err, tt.wantError)
			} else {
				assert.NoError(t, err)
			}

			// A different game is never a duplicate.
			f.submit(t, 42, "steve", "ark")
		})
	}
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name   string
		params SubmitParams
		want   error
	}{
		{"missing requester", SubmitParams{Username: "steve", Game: "minecraft"}, errors.ErrInvalidInput},
		{"blank username", SubmitParams{RequesterID: 1, Username: "  ", Game: "minecraft"}, errors.ErrInvalidInput},
		{"unknown game", SubmitParams{RequesterID: 1, Username: "steve", Game: "palworld"}, errors.ErrUnknownGame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Submit(ctx, tt.params)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	pending, err := f.orch.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	req := f.submit(t, 42, "steve", "minecraft")

	_, err := f.orch.Cancel(ctx, req.ID, 43)
	assert.ErrorIs(t, err, errors.ErrNotOwner)

	cancelled, err := f.orch.Cancel(ctx, req.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCancelled, cancelled.Status)

	_, err = f.orch.Cancel(ctx, req.ID, 42)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	_, err = f.orch.Cancel(ctx, 99, 42)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t, Config{AllowDuplicates: true})
	ctx := context.Background()

	old := f.submit(t, 42, "steve", "minecraft")
	f.clock.Advance(23 * time.Hour)
	fresh := f.submit(t, 43, "alex", "ark")
	f.clock.Advance(2 * time.Hour)

	n, err := f.orch.SweepExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = f.orch.SweepExpired(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	expired, err := f.orch.GetRequest(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusExpired, expired.Status)
	assert.Equal(t, db.SystemActor, *expired.ProcessedBy)

	still, err := f.orch.GetRequest(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, still.Status)

	_, err = f.orch.SweepExpired(ctx, 0)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestSetTemplateRef(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	require.NoError(t, f.orch.SetTemplateRef(ctx, "minecraft", 12))
	for _, g := range f.orch.Games() {
		if g.Name == "minecraft" {
			assert.Equal(t, 12, g.TemplateID)
		}
	}

	assert.ErrorIs(t, f.orch.SetTemplateRef(ctx, "minecraft", 0), errors.ErrInvalidInput)
	assert.ErrorIs(t, f.orch.SetTemplateRef(ctx, "palworld", 3), errors.ErrUnknownGame)
}

func TestUpdateCorrelation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	req, err := f.orch.Submit(ctx, SubmitParams{
		RequesterID: 42, Username: "steve", Game: "minecraft",
		Correlation: db.Correlation{MessageID: "m-1"},
	})
	require.NoError(t, err)

	require.NoError(t, f.orch.UpdateCorrelation(ctx, req.ID, db.Correlation{AdminMessageID: "a-1"}))

	stored, err := f.orch.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "m-1", stored.Correlation.MessageID)
	assert.Equal(t, "a-1", stored.Correlation.AdminMessageID)
}
