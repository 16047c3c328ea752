package pds

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/driftsky/pdsmover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestLoginAndRefresh(t *testing.T) {
	refreshCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.createSession":
			var in map[string]string
			json.NewDecoder(r.Body).Decode(&in)
			if in["password"] != "hunter2" {
				writeJSON(w, http.StatusUnauthorized, xrpcError{Error: "AuthenticationRequired"})
				return
			}
			writeJSON(w, http.StatusOK, Session{
				DID: "did:plc:alice", Handle: "alice.example.com",
				AccessJWT: "access-1", RefreshJWT: "refresh-1",
			})
		case "/xrpc/com.atproto.server.refreshSession":
			refreshCalls++
			require.Equal(t, "Bearer refresh-1", r.Header.Get("Authorization"))
			writeJSON(w, http.StatusOK, Session{
				DID: "did:plc:alice", AccessJWT: "access-2", RefreshJWT: "refresh-2",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)

	var rotated *Session
	c.SetOnRefresh(func(s *Session) error {
		rotated = s
		return nil
	})

	_, err := c.Login(context.Background(), "alice.example.com", "wrong")
	assert.True(t, types.IsKind(err, types.ErrAuthentication))

	s, err := c.Login(context.Background(), "alice.example.com", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:alice", s.DID)

	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, 1, refreshCalls)
	require.NotNil(t, rotated)
	assert.Equal(t, "refresh-2", rotated.RefreshJWT)
	assert.Equal(t, "access-2", c.Session().AccessJWT)
}

func TestAuthedCallRefreshesOnceOn401(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.refreshSession":
			writeJSON(w, http.StatusOK, Session{AccessJWT: "access-new", RefreshJWT: "refresh-new"})
		case "/xrpc/com.atproto.server.activateAccount":
			attempts++
			if r.Header.Get("Authorization") != "Bearer access-new" {
				writeJSON(w, http.StatusUnauthorized, xrpcError{Error: "ExpiredToken"})
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetSession(&Session{AccessJWT: "access-stale", RefreshJWT: "refresh-1"})

	require.NoError(t, c.ActivateAccount(context.Background()))
	assert.Equal(t, 2, attempts)
}

func TestRateLimitClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "429", status: http.StatusTooManyRequests, body: `{"error":"whatever"}`},
		{name: "body marker", status: http.StatusBadRequest, body: `{"error":"RateLimitExceeded"}`},
		{name: "plain text", status: http.StatusServiceUnavailable, body: `slow down, rate limit hit`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL)
			err := c.RequestPLCOperationSignature(context.Background())
			assert.True(t, types.IsKind(err, types.ErrRateLimit), "got %v", err)
		})
	}
}

func TestGetServiceAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/xrpc/com.atproto.server.getServiceAuth", r.URL.Path)
		assert.Equal(t, "did:web:new.example.com", r.URL.Query().Get("aud"))
		assert.Equal(t, "com.atproto.server.createAccount", r.URL.Query().Get("lxm"))
		writeJSON(w, http.StatusOK, map[string]string{"token": r.URL.Query().Get("aud") + "-token"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetSession(&Session{AccessJWT: "access"})

	token, err := c.GetServiceAuth(context.Background(), "did:web:new.example.com")
	require.NoError(t, err)
	assert.Equal(t, "did:web:new.example.com-token", token)
}

func TestGetServiceAuthEmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"token": ""})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetSession(&Session{AccessJWT: "access"})

	_, err := c.GetServiceAuth(context.Background(), "did:web:new.example.com")
	assert.True(t, types.IsKind(err, types.ErrProtocol))
}

func TestCheckAccountExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("repo") {
		case "did:plc:active":
			writeJSON(w, http.StatusOK, map[string]string{"handle": "bob.example.com"})
		case "did:plc:orphan":
			writeJSON(w, http.StatusBadRequest, xrpcError{Error: "RepoDeactivated"})
		default:
			writeJSON(w, http.StatusBadRequest, xrpcError{Error: "RepoNotFound"})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)

	st := c.CheckAccountExists(context.Background(), "did:plc:active")
	assert.True(t, st.Exists)
	assert.False(t, st.Deactivated)
	assert.Equal(t, "bob.example.com", st.Handle)

	st = c.CheckAccountExists(context.Background(), "did:plc:orphan")
	assert.True(t, st.Exists)
	assert.True(t, st.Deactivated)

	st = c.CheckAccountExists(context.Background(), "did:plc:absent")
	assert.False(t, st.Exists)
}

func TestCreateAccountAlreadyExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, xrpcError{Error: "AlreadyExists", Message: "repo exists"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.CreateAccount(context.Background(), "service-auth", CreateAccountInput{
		DID: "did:plc:alice", Handle: "alice.new.example.com",
		Email: "a@x.example", Password: "pw",
	})
	assert.True(t, types.IsKind(err, types.ErrAccountExists))
}

func TestListBlobsPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("cursor") {
		case "":
			writeJSON(w, http.StatusOK, map[string]any{"cids": []string{"b1", "b2"}, "cursor": "page2"})
		case "page2":
			writeJSON(w, http.StatusOK, map[string]any{"cids": []string{"b3"}})
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	cids, err := c.ListBlobs(context.Background(), "did:plc:alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2", "b3"}, cids)
}

func TestBlobDownloadUpload(t *testing.T) {
	payload := strings.Repeat("x", 1024)
	var uploaded string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.sync.getBlob":
			w.Write([]byte(payload))
		case "/xrpc/com.atproto.repo.uploadBlob":
			body := make([]byte, 2048)
			n, _ := r.Body.Read(body)
			uploaded = string(body[:n])
			writeJSON(w, http.StatusOK, map[string]any{"blob": map[string]string{"ref": "b1"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetSession(&Session{AccessJWT: "access"})

	dest := filepath.Join(t.TempDir(), "b1")
	n, err := c.DownloadBlob(context.Background(), "did:plc:alice", "b1", dest)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), n)

	require.NoError(t, c.UploadBlob(context.Background(), dest, ""))
	assert.Equal(t, payload, uploaded)
}

func TestExportRepoEmptyArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.ExportRepo(context.Background(), "did:plc:alice", filepath.Join(t.TempDir(), "repo.car"))
	assert.True(t, types.IsKind(err, types.ErrProtocol))
}

func TestImportRepoRetriesTransientFailure(t *testing.T) {
	carPath := filepath.Join(t.TempDir(), "repo.car")
	require.NoError(t, os.WriteFile(carPath, []byte("car-bytes"), 0600))

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			writeJSON(w, http.StatusTooManyRequests, xrpcError{Error: "RateLimitExceeded"})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetSession(&Session{AccessJWT: "access"})

	require.NoError(t, c.ImportRepo(context.Background(), carPath))
	assert.Equal(t, 3, attempts)
}

func TestSignPLCOperationMergesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "one-time-token", body["token"])
		assert.Equal(t, "value", body["field"])
		writeJSON(w, http.StatusOK, map[string]any{"operation": map[string]string{"sig": "zzz"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetSession(&Session{AccessJWT: "access"})

	op, err := c.SignPLCOperation(context.Background(), "one-time-token",
		json.RawMessage(`{"field":"value"}`))
	require.NoError(t, err)
	assert.Contains(t, string(op), "zzz")
}

func TestAddRotationKeyPrepends(t *testing.T) {
	var submitted map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.identity.getRecommendedDidCredentials":
			writeJSON(w, http.StatusOK, map[string]any{
				"rotationKeys": []string{"did:key:zPDSKey"},
			})
		case "/xrpc/com.atproto.identity.signPlcOperation":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			keys := body["rotationKeys"].([]any)
			assert.Equal(t, "did:key:zUserKey", keys[0])
			assert.Equal(t, "did:key:zPDSKey", keys[1])
			writeJSON(w, http.StatusOK, map[string]any{"operation": body})
		case "/xrpc/com.atproto.identity.submitPlcOperation":
			json.NewDecoder(r.Body).Decode(&submitted)
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.SetSession(&Session{AccessJWT: "access"})

	require.NoError(t, c.AddRotationKey(context.Background(), "did:key:zUserKey"))
	assert.NotNil(t, submitted["operation"])
}
