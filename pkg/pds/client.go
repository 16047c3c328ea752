package pds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/driftsky/pdsmover/pkg/types"
)

// Timeouts by call class. Control calls are small JSON round-trips; blob and
// repo transfers move real data and get correspondingly longer ceilings.
const (
	controlTimeout = 30 * time.Second
	blobTimeout    = 300 * time.Second
	importTimeout  = 600 * time.Second
)

// Session holds the token pair returned by createSession/refreshSession.
type Session struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJWT  string `json:"accessJwt"`
	RefreshJWT string `json:"refreshJwt"`
}

// RefreshCallback is invoked after token rotation so the caller can persist
// the new refresh token. Refresh tokens rotate on every refresh; losing one
// means a re-login with the password.
type RefreshCallback func(s *Session) error

// Client is an XRPC client bound to one PDS host. Safe for concurrent use;
// the session is guarded by a mutex and refreshed at most once per 401.
type Client struct {
	host string
	http *http.Client

	mu        sync.Mutex
	session   *Session
	onRefresh RefreshCallback
}

// NewClient creates a client for the given https:// origin. Per-call
// timeouts are applied through contexts, not the transport.
func NewClient(host string) *Client {
	return &Client{
		host: strings.TrimSuffix(host, "/"),
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 30 * time.Second,
				}).DialContext,
			},
		},
	}
}

// WithHTTPClient overrides the underlying HTTP client. Used in tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// Host returns the origin this client talks to.
func (c *Client) Host() string {
	return c.host
}

// SetOnRefresh registers the token-rotation persistence hook.
func (c *Client) SetOnRefresh(cb RefreshCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRefresh = cb
}

// Session returns a copy of the current session, or nil if not logged in.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// SetSession installs a previously persisted session.
func (c *Client) SetSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// Login authenticates with identifier and password via
// com.atproto.server.createSession and caches the returned token pair.
func (c *Client) Login(ctx context.Context, identifier, password string) (*Session, error) {
	var s Session
	in := map[string]string{
		"identifier": identifier,
		"password":   password,
	}
	if err := c.procedure(ctx, "com.atproto.server.createSession", nil, in, &s, ""); err != nil {
		// A rejected password comes back as a 400/401 protocol error.
		if types.IsKind(err, types.ErrProtocol) || types.IsKind(err, types.ErrAuthentication) {
			return nil, types.NewError(types.ErrAuthentication, "pds.login", err)
		}
		return nil, err
	}
	c.mu.Lock()
	c.session = &s
	c.mu.Unlock()
	return &s, nil
}

// Resume obtains a fresh token pair from a stored refresh token via
// com.atproto.server.refreshSession.
func (c *Client) Resume(ctx context.Context, refreshJWT string) (*Session, error) {
	var s Session
	err := c.procedure(ctx, "com.atproto.server.refreshSession", nil, nil, &s, refreshJWT)
	if err != nil {
		if types.IsKind(err, types.ErrProtocol) {
			return nil, types.NewError(types.ErrAuthentication, "pds.resume", err)
		}
		return nil, err
	}
	c.mu.Lock()
	c.session = &s
	cb := c.onRefresh
	c.mu.Unlock()
	if cb != nil {
		if err := cb(&s); err != nil {
			return nil, fmt.Errorf("persisting rotated session: %w", err)
		}
	}
	return &s, nil
}

// Refresh rotates the cached session in place.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil || sess.RefreshJWT == "" {
		return types.Errorf(types.ErrAuthentication, "pds.refresh", "no refresh token")
	}
	_, err := c.Resume(ctx, sess.RefreshJWT)
	return err
}

func (c *Client) accessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessJWT
}

// authedQuery runs a GET with the cached access token, refreshing the
// session once on an authentication failure.
func (c *Client) authedQuery(ctx context.Context, nsid string, params url.Values, out any) error {
	err := c.query(ctx, nsid, params, out, c.accessToken())
	if types.IsKind(err, types.ErrAuthentication) {
		if rerr := c.Refresh(ctx); rerr != nil {
			return rerr
		}
		return c.query(ctx, nsid, params, out, c.accessToken())
	}
	return err
}

// authedProcedure runs a POST with the cached access token, refreshing the
// session once on an authentication failure.
func (c *Client) authedProcedure(ctx context.Context, nsid string, params url.Values, in, out any) error {
	err := c.procedure(ctx, nsid, params, in, out, c.accessToken())
	if types.IsKind(err, types.ErrAuthentication) {
		if rerr := c.Refresh(ctx); rerr != nil {
			return rerr
		}
		return c.procedure(ctx, nsid, params, in, out, c.accessToken())
	}
	return err
}

func (c *Client) query(ctx context.Context, nsid string, params url.Values, out any, token string) error {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()
	return c.do(ctx, http.MethodGet, nsid, params, nil, "", out, token)
}

func (c *Client) procedure(ctx context.Context, nsid string, params url.Values, in, out any, token string) error {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", nsid, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, http.MethodPost, nsid, params, body, contentType, out, token)
}

// do issues one XRPC call and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, nsid string, params url.Values, body io.Reader, contentType string, out any, token string) error {
	op := "pds." + nsid

	u := c.host + "/xrpc/" + nsid
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return types.NewError(types.ErrProtocol, op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(op, resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return classifyTransport(op, err)
		}
		*raw = data
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewError(types.ErrProtocol, op, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// xrpcError is the standard XRPC error body.
type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func readXRPCError(resp *http.Response) (xrpcError, string) {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	var xe xrpcError
	json.Unmarshal(data, &xe)
	return xe, string(data)
}

var rateLimitMarkers = []string{"RateLimitExceeded", "Too Many Requests", "rate limit"}

func rateLimited(status int, body string) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	for _, marker := range rateLimitMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

func classifyStatus(op string, resp *http.Response) *types.Error {
	xe, raw := readXRPCError(resp)
	if rateLimited(resp.StatusCode, raw) {
		return types.Errorf(types.ErrRateLimit, op, "%s (HTTP %d)", errText(xe, raw), resp.StatusCode)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return types.Errorf(types.ErrAuthentication, op, "%s (HTTP %d)", errText(xe, raw), resp.StatusCode)
	}
	e := types.Errorf(types.ErrProtocol, op, "%s (HTTP %d)", errText(xe, raw), resp.StatusCode)
	e.Err = &XRPCError{Code: xe.Error, Message: xe.Message, Status: resp.StatusCode}
	return e
}

func errText(xe xrpcError, raw string) string {
	switch {
	case xe.Error != "" && xe.Message != "":
		return xe.Error + ": " + xe.Message
	case xe.Error != "":
		return xe.Error
	case len(raw) > 0:
		return strings.TrimSpace(raw)
	default:
		return "request failed"
	}
}

func classifyTransport(op string, err error) *types.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrTimeout, op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return types.NewError(types.ErrTimeout, op, err)
	}
	return types.NewError(types.ErrNetwork, op, err)
}

// XRPCError preserves the remote error code for callers that branch on it
// (AlreadyExists, RepoDeactivated, RepoNotFound).
type XRPCError struct {
	Code    string
	Message string
	Status  int
}

func (e *XRPCError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// ErrorCode extracts the remote XRPC error code from err, or "".
func ErrorCode(err error) string {
	var xe *XRPCError
	if errors.As(err, &xe) {
		return xe.Code
	}
	return ""
}
