package pds

import (
	"context"
	"net/url"

	"github.com/driftsky/pdsmover/pkg/types"
)

// ServerInfo is the subset of com.atproto.server.describeServer we need.
type ServerInfo struct {
	DID                  string `json:"did"`
	InviteCodeRequired   bool   `json:"inviteCodeRequired"`
	AvailableUserDomains []string `json:"availableUserDomains"`
}

// DescribeServer fetches the target's service DID and invite policy. No auth.
func (c *Client) DescribeServer(ctx context.Context) (*ServerInfo, error) {
	var info ServerInfo
	if err := c.query(ctx, "com.atproto.server.describeServer", nil, &info, ""); err != nil {
		return nil, err
	}
	if info.DID == "" {
		return nil, types.Errorf(types.ErrProtocol, "pds.describe_server",
			"server at %s did not report a service DID", c.host)
	}
	return &info, nil
}

// GetServiceAuth mints a short-lived bearer token on the source PDS scoped to
// account creation on the target service.
func (c *Client) GetServiceAuth(ctx context.Context, audienceDID string) (string, error) {
	params := url.Values{}
	params.Set("aud", audienceDID)
	params.Set("lxm", "com.atproto.server.createAccount")

	var out struct {
		Token string `json:"token"`
	}
	if err := c.authedQuery(ctx, "com.atproto.server.getServiceAuth", params, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", types.Errorf(types.ErrProtocol, "pds.get_service_auth",
			"source returned an empty service auth token")
	}
	return out.Token, nil
}

// AccountStatus is the result of probing the target for an existing account.
type AccountStatus struct {
	Exists      bool
	Deactivated bool
	Handle      string
}

// CheckAccountExists probes for an account with the given DID via the public
// describeRepo endpoint. Never fatal: probe failures report absence.
func (c *Client) CheckAccountExists(ctx context.Context, did string) *AccountStatus {
	params := url.Values{}
	params.Set("repo", did)

	var out struct {
		Handle string `json:"handle"`
	}
	err := c.query(ctx, "com.atproto.repo.describeRepo", params, &out, "")
	if err == nil {
		return &AccountStatus{Exists: true, Handle: out.Handle}
	}
	if ErrorCode(err) == "RepoDeactivated" {
		return &AccountStatus{Exists: true, Deactivated: true}
	}
	return &AccountStatus{}
}

// CreateAccountInput carries the explicit allowlist of account-creation
// parameters.
type CreateAccountInput struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	InviteCode string `json:"inviteCode,omitempty"`
}

// CreateAccount creates a deactivated account for an existing DID on the
// target, authorized by a service auth token minted on the source. An
// existing account surfaces as an account-exists error and is never retried.
func (c *Client) CreateAccount(ctx context.Context, serviceAuth string, in CreateAccountInput) (*Session, error) {
	var s Session
	err := c.procedure(ctx, "com.atproto.server.createAccount", nil, in, &s, serviceAuth)
	if err != nil {
		if code := ErrorCode(err); code == "AlreadyExists" || code == "HandleNotAvailable" {
			return nil, &types.Error{
				Kind: types.ErrAccountExists,
				Op:   "pds.create_account",
				Msg:  "account already exists on target",
				Err:  err,
			}
		}
		return nil, err
	}
	c.mu.Lock()
	c.session = &s
	c.mu.Unlock()
	return &s, nil
}

// ActivateAccount makes the target account live. Called after the directory
// points the DID at the new host.
func (c *Client) ActivateAccount(ctx context.Context) error {
	return c.authedProcedure(ctx, "com.atproto.server.activateAccount", nil, nil, nil)
}

// DeactivateAccount quiesces the account on the source. Best-effort at the
// migration level; the directory update already made the new host
// authoritative.
func (c *Client) DeactivateAccount(ctx context.Context) error {
	return c.authedProcedure(ctx, "com.atproto.server.deactivateAccount", nil, nil, nil)
}

// CheckAccountStatus returns the account's own view of its activation state.
type AccountState struct {
	Activated    bool `json:"activated"`
	ValidDid     bool `json:"validDid"`
	RepoCommit   string `json:"repoCommit"`
	RepoBlocks   int  `json:"repoBlocks"`
	ExpectedBlobs int `json:"expectedBlobs"`
	ImportedBlobs int `json:"importedBlobs"`
}

// CheckAccountStatus queries com.atproto.server.checkAccountStatus on the
// authenticated host.
func (c *Client) CheckAccountStatus(ctx context.Context) (*AccountState, error) {
	var out AccountState
	if err := c.authedQuery(ctx, "com.atproto.server.checkAccountStatus", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
