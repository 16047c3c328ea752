package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftsky/pdsmover/pkg/migrate"
	"github.com/driftsky/pdsmover/pkg/storage"
	"github.com/driftsky/pdsmover/pkg/types"
	"github.com/driftsky/pdsmover/pkg/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct{}

func (fakeResolver) ResolveHandleToPDS(ctx context.Context, handle string) (string, string, error) {
	return "did:plc:alice", "https://old.example.com", nil
}

type nullMailer struct{}

func (nullMailer) SendVerification(to, token, verifyURL string) error { return nil }
func (nullMailer) SendAdminAlert(subject, body string) error          { return nil }

type env struct {
	srv   *httptest.Server
	store storage.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	v, err := vault.New(vault.DevKey("api-test"))
	require.NoError(t, err)

	sm := migrate.NewStateMachine(store, nil)
	svc := migrate.NewService(store, v, sm, nil, nullMailer{}, fakeResolver{}, migrate.Config{
		DirectoryHost:  "https://plc.directory",
		DeploymentMode: migrate.ModeStandalone,
		InviteCodeMode: migrate.InviteOptional,
		DataDir:        t.TempDir(),
		PublicURL:      "https://mover.example.com",
	}).WithLookup(func(host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	})

	srv := httptest.NewServer(NewServer(svc, store).Router())
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: store}
}

func (e *env) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *env) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func createBody() map[string]any {
	return map[string]any{
		"email":        "alice@example.com",
		"old_handle":   "alice.old.example.com",
		"new_handle":   "alice.new.example.com",
		"new_pds_host": "new.example.com",
		"password":     "hunter2",
	}
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	resp := e.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	resp := e.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateMigrationEndpoint(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/migrations", createBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	out := decode[map[string]any](t, resp)
	assert.Equal(t, "did:plc:alice", out["did"])
	assert.Equal(t, "pending_account", out["status"])
	assert.NotEmpty(t, out["token"])
	assert.Equal(t, false, out["email_verified"])
}

func TestCreateMigrationValidationError(t *testing.T) {
	e := newEnv(t)

	body := createBody()
	body["email"] = "not-an-email"
	resp := e.post(t, "/api/migrations", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := decode[map[string]any](t, resp)
	assert.Equal(t, "validation", out["kind"])
}

func TestVerifyAndStatusFlow(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/migrations", createBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]any](t, resp)
	token := created["token"].(string)

	m, err := e.store.GetMigrationByToken(token)
	require.NoError(t, err)

	// The email link is a GET with the code in the query.
	resp = e.get(t, "/api/migrations/"+token+"/verify?code="+m.EmailVerificationToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	verified := decode[map[string]any](t, resp)
	assert.Equal(t, true, verified["email_verified"])

	resp = e.get(t, "/api/migrations/"+token+"/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[map[string]any](t, resp)
	assert.Equal(t, "pending_account", status["status"])
}

func TestVerifyWithWrongCode(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/migrations", createBody())
	created := decode[map[string]any](t, resp)
	token := created["token"].(string)

	resp = e.get(t, "/api/migrations/"+token+"/verify?code=wrong")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusUnknownTokenIs404(t *testing.T) {
	e := newEnv(t)
	resp := e.get(t, "/api/migrations/pdsm-doesnotexistxxxx/")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPLCTokenRejectedOutsideWaitState(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/migrations", createBody())
	created := decode[map[string]any](t, resp)
	token := created["token"].(string)

	resp = e.post(t, "/api/migrations/"+token+"/plc-token", map[string]string{"token": "abc123"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPLCTokenAcceptedWhenWaiting(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/migrations", createBody())
	created := decode[map[string]any](t, resp)
	token := created["token"].(string)

	m, err := e.store.GetMigrationByToken(token)
	require.NoError(t, err)
	m.Status = types.StatusPendingPLC
	require.NoError(t, e.store.UpdateMigration(m))

	resp = e.post(t, "/api/migrations/"+token+"/plc-token", map[string]string{"token": "abc123"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	jobs, err := e.store.ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.QueueCritical, jobs[0].Queue)
}

func TestBackupDownload(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/migrations", createBody())
	created := decode[map[string]any](t, resp)
	token := created["token"].(string)

	// No bundle yet.
	resp = e.get(t, "/api/migrations/"+token+"/backup")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bundle := filepath.Join(t.TempDir(), "bundle.zip")
	require.NoError(t, os.WriteFile(bundle, []byte("zip-bytes"), 0600))

	m, err := e.store.GetMigrationByToken(token)
	require.NoError(t, err)
	now := time.Now()
	expires := now.Add(time.Hour)
	m.BackupBundlePath = bundle
	m.BackupCreatedAt = &now
	m.BackupExpiresAt = &expires
	require.NoError(t, e.store.UpdateMigration(m))

	resp = e.get(t, "/api/migrations/"+token+"/backup")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))

	// Expired bundles are refused.
	past := now.Add(-time.Minute)
	m.BackupExpiresAt = &past
	require.NoError(t, e.store.UpdateMigration(m))
	resp = e.get(t, "/api/migrations/"+token+"/backup")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelEndpoint(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/migrations", createBody())
	created := decode[map[string]any](t, resp)
	token := created["token"].(string)

	resp = e.post(t, "/api/migrations/"+token+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[map[string]any](t, resp)
	assert.Equal(t, "cancelled", out["status"])

	// Cancelling twice is rejected: the migration is already terminal.
	resp = e.post(t, "/api/migrations/"+token+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRetryRequiresFailedState(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/migrations", createBody())
	created := decode[map[string]any](t, resp)
	token := created["token"].(string)

	resp = e.post(t, "/api/migrations/"+token+"/retry", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	m, err := e.store.GetMigrationByToken(token)
	require.NoError(t, err)
	m.Status = types.StatusFailed
	m.CurrentJobStep = migrate.PhaseCreateAccount
	require.NoError(t, e.store.UpdateMigration(m))

	resp = e.post(t, "/api/migrations/"+token+"/retry", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[map[string]any](t, resp)
	assert.Equal(t, "pending_account", out["status"])
}
