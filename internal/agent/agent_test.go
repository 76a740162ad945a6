package agent

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vesaa/talonops/internal/database"
	"github.com/vesaa/talonops/internal/models"
	"github.com/vesaa/talonops/internal/server"
)

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "agent.json")

	_, ok, err := LoadState(path)
	require.NoError(t, err)
	assert.False(t, ok)

	want := State{DeviceID: "dev-1", Secret: "s3cret"}
	require.NoError(t, SaveState(path, want))

	got, ok, err := LoadState(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

type dataPlane struct {
	srv  *server.Server
	url  string
	acme uint
}

func newDataPlane(t *testing.T) *dataPlane {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := server.New(server.Options{DB: database.OpenTest(t), JWTSecret: "test"})
	r := gin.New()
	srv.RegisterDataRoutes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	acme := models.Client{Name: "Acme", Slug: "acme"}
	require.NoError(t, srv.Repo().CreateClient(context.Background(), &acme))
	return &dataPlane{srv: srv, url: ts.URL, acme: acme.ID}
}

func (d *dataPlane) token(t *testing.T) string {
	t.Helper()
	tok := models.EnrollmentToken{ClientID: &d.acme}
	require.NoError(t, d.srv.Repo().CreateEnrollmentToken(context.Background(), &tok))
	return tok.Token
}

type killRecorder struct {
	mu    sync.Mutex
	names []string
}

func (k *killRecorder) kill(_ context.Context, name string) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.names = append(k.names, name)
	return 2, nil
}

func TestCycleReportsAndRunsRemediation(t *testing.T) {
	dp := newDataPlane(t)
	ctx := context.Background()

	client := NewClient(dp.url, State{})
	st, err := client.Enroll(ctx, EnrollRequest{Token: dp.token(t), Hostname: "web-01", AgentVer: Version})
	require.NoError(t, err)
	require.NotEmpty(t, st.DeviceID)

	host := &fakeHost{
		cpu:    97,
		vm:     mem.VirtualMemoryStat{Total: 100, Used: 50, UsedPercent: 50},
		mounts: map[string]float64{"/": 30},
		order:  []string{"/"},
		clock:  time.Unix(0, 0),
	}
	killer := &killRecorder{}
	a := New(client, host.collector(), nil)
	a.killer = killer.kill

	th := models.Threshold{
		CheckType:           "cpu",
		FieldPath:           "usagePercent",
		Operator:            models.OperatorGT,
		ThresholdValue:      90,
		Severity:            models.SeverityCritical,
		ConsecutiveRequired: 1,
		Enabled:             true,
	}
	require.NoError(t, dp.srv.Engine().Store().CreateThreshold(ctx, &th))
	param := "stress"
	require.NoError(t, dp.srv.Gate().CreatePolicy(ctx, &models.AutoRemediationPolicy{
		ThresholdID: &th.ID,
		ActionID:    ActionKillProcess,
		Parameter:   &param,
		Enabled:     true,
	}))

	require.NoError(t, a.Cycle(ctx))

	checks, err := dp.srv.Repo().LatestChecks(ctx, st.DeviceID)
	require.NoError(t, err)
	assert.Len(t, checks, len(CheckTypes))

	assert.Equal(t, []string{"stress"}, killer.names)
	cmds, err := dp.srv.Repo().ListCommands(ctx, st.DeviceID, 10)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, models.CommandSucceeded, cmds[0].Status)
	assert.Contains(t, cmds[0].Output, "killed 2")
}

func TestRunCommandVariants(t *testing.T) {
	dp := newDataPlane(t)
	ctx := context.Background()
	client := NewClient(dp.url, State{})
	_, err := client.Enroll(ctx, EnrollRequest{Token: dp.token(t), Hostname: "web-02", AgentVer: Version})
	require.NoError(t, err)

	host := &fakeHost{cpu: 5, mounts: map[string]float64{}, clock: time.Unix(0, 0)}
	a := New(client, host.collector(), nil)
	a.killer = func(context.Context, string) (int, error) { return 0, nil }

	out, err := a.run(ctx, models.AgentCommand{Kind: models.CommandDiagnose, Target: "all"})
	require.NoError(t, err)
	assert.Equal(t, "reported cpu, memory, disk, network", out)

	_, err = a.run(ctx, models.AgentCommand{Kind: models.CommandDiagnose, Target: "gpu"})
	assert.Error(t, err)

	_, err = a.run(ctx, models.AgentCommand{Kind: models.CommandRemediate, Target: "reboot"})
	assert.ErrorContains(t, err, "unsupported remediation action")

	_, err = a.run(ctx, models.AgentCommand{Kind: models.CommandRemediate, Target: ActionKillProcess})
	assert.ErrorContains(t, err, "needs a process name")

	name := "ghost"
	_, err = a.run(ctx, models.AgentCommand{Kind: models.CommandRemediate, Target: ActionKillProcess, Parameter: &name})
	assert.ErrorContains(t, err, "no process named")
}

func TestCycleStopsOnRevokedCredentials(t *testing.T) {
	dp := newDataPlane(t)
	client := NewClient(dp.url, State{DeviceID: "forged", Secret: "nope"})
	a := New(client, (&fakeHost{}).collector(), nil)

	err := a.Cycle(context.Background())
	assert.True(t, errors.Is(err, ErrUnauthorized))
}
