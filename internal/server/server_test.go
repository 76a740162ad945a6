package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vesaa/talonops/internal/database"
	"github.com/vesaa/talonops/internal/models"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	t     *testing.T
	srv   *Server
	db    *gorm.DB
	clock *testClock
	ctrl  *gin.Engine
	data  *gin.Engine
}

type agentCreds struct {
	DeviceID string `json:"device_id"`
	Secret   string `json:"secret"`
}

func newTestEnv(t *testing.T, opts ...func(*Options)) *testEnv {
	t.Helper()
	db := database.OpenTest(t)
	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	o := Options{DB: db, JWTSecret: "test-secret", Now: clock.Now}
	for _, fn := range opts {
		fn(&o)
	}
	srv := New(o)

	ctrl := gin.New()
	srv.RegisterControlRoutes(ctrl)
	data := gin.New()
	srv.RegisterDataRoutes(data)

	return &testEnv{t: t, srv: srv, db: db, clock: clock, ctrl: ctrl, data: data}
}

func (e *testEnv) request(h http.Handler, method, path string, body any, remote string, headers map[string]string) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if remote != "" {
		req.RemoteAddr = remote
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// console calls the control plane from a remote address, with an optional JWT.
func (e *testEnv) console(method, path string, body any, token string) *httptest.ResponseRecorder {
	hdr := map[string]string{}
	if token != "" {
		hdr["Authorization"] = "Bearer " + token
	}
	return e.request(e.ctrl, method, path, body, "203.0.113.7:51000", hdr)
}

// local calls the control plane from loopback without credentials.
func (e *testEnv) local(method, path string, body any) *httptest.ResponseRecorder {
	return e.request(e.ctrl, method, path, body, "127.0.0.1:51000", nil)
}

func (e *testEnv) agent(creds agentCreds, method, path string, body any) *httptest.ResponseRecorder {
	return e.request(e.data, method, path, body, "198.51.100.20:40000", map[string]string{
		"X-Device-ID":   creds.DeviceID,
		"Authorization": "Bearer " + creds.Secret,
	})
}

func (e *testEnv) client(name string) uint {
	e.t.Helper()
	c := models.Client{Name: name, Slug: slugify(name)}
	require.NoError(e.t, e.srv.repo.CreateClient(context.Background(), &c))
	return c.ID
}

func (e *testEnv) enroll(clientID uint, hostname string) agentCreds {
	e.t.Helper()
	tok := models.EnrollmentToken{ClientID: &clientID}
	require.NoError(e.t, e.srv.repo.CreateEnrollmentToken(context.Background(), &tok))

	rec := e.request(e.data, http.MethodPost, "/api/enroll", map[string]any{
		"token":    tok.Token,
		"hostname": hostname,
		"os":       "linux",
	}, "198.51.100.20:40000", nil)
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[agentCreds](e.t, rec)
}

func (e *testEnv) login(username, password string, role models.Role, clients ...uint) string {
	e.t.Helper()
	ctx := context.Background()
	u, err := e.srv.repo.CreateUser(ctx, username, password, role)
	require.NoError(e.t, err)
	for _, id := range clients {
		require.NoError(e.t, e.srv.repo.AssignClient(ctx, u.ID, id))
	}
	rec := e.console(http.MethodPost, "/api/login", map[string]string{"username": username, "password": password}, "")
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[struct {
		Token string `json:"token"`
	}](e.t, rec).Token
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type listResponse[T any] struct {
	Data []T `json:"data"`
}

func deviceIDs(devs []models.Device) []string {
	out := make([]string, len(devs))
	for i, d := range devs {
		out[i] = d.DeviceID
	}
	return out
}

// ── Auth & scope ─────────────────────────────────────────────────────────────

func TestLoginRejectsBadPassword(t *testing.T) {
	env := newTestEnv(t)
	env.login("ops", "right", models.RoleViewer)

	rec := env.console(http.MethodPost, "/api/login", map[string]string{"username": "ops", "password": "wrong"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.console(http.MethodPost, "/api/login", map[string]string{"username": "nobody", "password": "x"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeviceListIsScoped(t *testing.T) {
	env := newTestEnv(t)
	acme := env.client("Acme")
	globex := env.client("Globex")
	a := env.enroll(acme, "acme-web")
	g := env.enroll(globex, "globex-db")

	admin := env.login("root", "pw", models.RoleAdmin)
	tech := env.login("tech", "pw", models.RoleTechnician, acme)
	viewer := env.login("viewer", "pw", models.RoleViewer)

	cases := []struct {
		name string
		rec  *httptest.ResponseRecorder
		want []string
	}{
		{"admin sees all", env.console(http.MethodGet, "/api/devices", nil, admin), []string{a.DeviceID, g.DeviceID}},
		{"technician sees assigned client", env.console(http.MethodGet, "/api/devices", nil, tech), []string{a.DeviceID}},
		{"unassigned user sees nothing", env.console(http.MethodGet, "/api/devices", nil, viewer), []string{}},
		{"anonymous remote sees nothing", env.console(http.MethodGet, "/api/devices", nil, ""), []string{}},
		{"loopback sees all", env.local(http.MethodGet, "/api/devices", nil), []string{a.DeviceID, g.DeviceID}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, http.StatusOK, tc.rec.Code, tc.rec.Body.String())
			got := decode[listResponse[models.Device]](t, tc.rec)
			assert.ElementsMatch(t, tc.want, deviceIDs(got.Data))
		})
	}
}

func TestDeviceSecretNeverSerialised(t *testing.T) {
	env := newTestEnv(t)
	creds := env.enroll(env.client("Acme"), "web-01")

	rec := env.local(http.MethodGet, "/api/devices/"+creds.DeviceID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
	assert.NotContains(t, rec.Body.String(), creds.Secret)
}

func TestInvalidTokenIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)

	rec := env.console(http.MethodGet, "/api/devices", nil, "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.request(env.ctrl, http.MethodGet, "/api/devices", nil, "203.0.113.7:1", map[string]string{"Authorization": "Basic abc"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExpiredTokenIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	token := env.login("root", "pw", models.RoleAdmin)

	env.clock.Advance(tokenTTL + time.Minute)
	rec := env.console(http.MethodGet, "/api/devices", nil, token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOutOfScopeDeviceIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	acme := env.client("Acme")
	other := env.enroll(env.client("Globex"), "globex-db")
	tech := env.login("tech", "pw", models.RoleTechnician, acme)

	for _, path := range []string{"/api/devices/" + other.DeviceID, "/api/devices/" + other.DeviceID + "/checks", "/api/devices/unknown"} {
		rec := env.console(http.MethodGet, path, nil, tech)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := env.console(http.MethodDelete, "/api/devices/"+other.DeviceID, nil, tech)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := env.srv.repo.GetDevice(context.Background(), other.DeviceID)
	assert.NoError(t, err, "device must survive an out-of-scope delete")
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	env := newTestEnv(t)
	acme := env.client("Acme")
	tech := env.login("tech", "pw", models.RoleTechnician, acme)
	admin := env.login("root", "pw", models.RoleAdmin)

	threshold := map[string]any{
		"check_type":      "cpu",
		"field_path":      "usagePercent",
		"operator":        ">",
		"threshold_value": 90,
		"severity":        "critical",
	}
	rec := env.console(http.MethodPost, "/api/thresholds", threshold, tech)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.console(http.MethodPost, "/api/thresholds", threshold, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	th := decode[struct {
		Data models.Threshold `json:"data"`
	}](t, rec).Data
	assert.True(t, th.Enabled)
	assert.Equal(t, 1, th.ConsecutiveRequired)

	rec = env.console(http.MethodPost, "/api/policies", map[string]any{
		"threshold_id":     th.ID,
		"action_id":        "kill_process",
		"parameter":        "stress",
		"cooldown_minutes": 30,
	}, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.console(http.MethodPost, "/api/policies", map[string]any{
		"threshold_id": 999,
		"action_id":    "kill_process",
	}, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClientsAndAssignments(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login("root", "pw", models.RoleAdmin)

	rec := env.console(http.MethodPost, "/api/clients", map[string]string{"name": "Acme Corp"}, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	acme := decode[struct {
		Data models.Client `json:"data"`
	}](t, rec).Data
	assert.Equal(t, "acme-corp", acme.Slug)
	env.client("Globex")

	rec = env.console(http.MethodPost, "/api/users", map[string]string{"username": "tech", "password": "pw", "role": "technician"}, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "password")
	user := decode[struct {
		Data models.User `json:"data"`
	}](t, rec).Data

	rec = env.console(http.MethodPost, "/api/users/"+itoa(user.ID)+"/clients", map[string]uint{"client_id": acme.ID}, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.console(http.MethodPost, "/api/users/"+itoa(user.ID)+"/clients", map[string]uint{"client_id": 999}, admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.console(http.MethodPost, "/api/login", map[string]string{"username": "tech", "password": "pw"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	tech := decode[struct {
		Token string `json:"token"`
	}](t, rec).Token

	rec = env.console(http.MethodGet, "/api/clients", nil, tech)
	require.Equal(t, http.StatusOK, rec.Code)
	clients := decode[listResponse[models.Client]](t, rec).Data
	require.Len(t, clients, 1)
	assert.Equal(t, acme.ID, clients[0].ID)

	rec = env.console(http.MethodPost, "/api/users", map[string]string{"username": "x", "password": "pw", "role": "owner"}, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnrollmentTokenScope(t *testing.T) {
	env := newTestEnv(t)
	acme := env.client("Acme")
	globex := env.client("Globex")
	tech := env.login("tech", "pw", models.RoleTechnician, acme)

	rec := env.console(http.MethodPost, "/api/enrollment-tokens", map[string]any{"client_id": globex}, tech)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.console(http.MethodPost, "/api/enrollment-tokens", map[string]any{"client_id": acme, "max_uses": 1, "expires_in_hours": 1}, tech)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tok := decode[struct {
		Data models.EnrollmentToken `json:"data"`
	}](t, rec).Data
	require.NotNil(t, tok.ExpiresAt)

	rec = env.console(http.MethodGet, "/api/enrollment-tokens", nil, tech)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[listResponse[models.EnrollmentToken]](t, rec).Data, 1)

	enroll := func() int {
		return env.request(env.data, http.MethodPost, "/api/enroll", map[string]string{
			"token": tok.Token, "hostname": "h",
		}, "198.51.100.1:1", nil).Code
	}
	assert.Equal(t, http.StatusCreated, enroll())
	assert.Equal(t, http.StatusUnauthorized, enroll(), "max_uses exhausted")
}

func TestEnrollmentTokenExpires(t *testing.T) {
	env := newTestEnv(t)
	acme := env.client("Acme")
	exp := env.clock.Now().Add(time.Hour)
	tok := models.EnrollmentToken{ClientID: &acme, ExpiresAt: &exp}
	require.NoError(t, env.srv.repo.CreateEnrollmentToken(context.Background(), &tok))

	env.clock.Advance(2 * time.Hour)
	rec := env.request(env.data, http.MethodPost, "/api/enroll", map[string]string{
		"token": tok.Token, "hostname": "late",
	}, "198.51.100.1:1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeviceAuthRejectsBadSecret(t *testing.T) {
	env := newTestEnv(t)
	creds := env.enroll(env.client("Acme"), "web-01")

	rec := env.agent(agentCreds{DeviceID: creds.DeviceID, Secret: "wrong"}, http.MethodPost, "/api/heartbeat", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.agent(agentCreds{DeviceID: "nope", Secret: creds.Secret}, http.MethodPost, "/api/heartbeat", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.request(env.data, http.MethodPost, "/api/heartbeat", nil, "198.51.100.1:1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.agent(creds, http.MethodPost, "/api/heartbeat", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.local(http.MethodGet, "/api/health", nil).Code)

	rec := env.local(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "talonops_http_request_duration_seconds")
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "acme-corp", slugify("  Acme  Corp! "))
	assert.Equal(t, "r2-d2", slugify("R2 -- D2"))
	assert.Equal(t, "", slugify("!!!"))
}

func itoa(v uint) string { return strconv.FormatUint(uint64(v), 10) }
