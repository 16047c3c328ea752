package pds

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/driftsky/pdsmover/pkg/types"
)

// RequestPLCOperationSignature asks the source PDS to email the user a
// one-time token authorizing a directory operation. The token never passes
// through this system on the way out; the user pastes it back in via the
// form.
func (c *Client) RequestPLCOperationSignature(ctx context.Context) error {
	return c.authedProcedure(ctx, "com.atproto.identity.requestPlcOperationSignature", nil, nil, nil)
}

// GetRecommendedDidCredentials fetches the target's recommended directory
// credentials (rotation keys, verification methods, services) as an opaque
// document.
func (c *Client) GetRecommendedDidCredentials(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.authedQuery(ctx, "com.atproto.identity.getRecommendedDidCredentials", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// SignPLCOperation has the source sign a directory operation built from the
// given credentials, authorized by the user's one-time token.
func (c *Client) SignPLCOperation(ctx context.Context, token string, credentials json.RawMessage) (json.RawMessage, error) {
	const op = "pds.sign_plc_operation"

	body := map[string]any{}
	if len(credentials) > 0 {
		if err := json.Unmarshal(credentials, &body); err != nil {
			return nil, types.NewError(types.ErrProtocol, op,
				fmt.Errorf("decoding credentials document: %w", err))
		}
	}
	if token != "" {
		body["token"] = token
	}

	var out struct {
		Operation json.RawMessage `json:"operation"`
	}
	if err := c.authedProcedure(ctx, "com.atproto.identity.signPlcOperation", nil, body, &out); err != nil {
		return nil, err
	}
	if len(out.Operation) == 0 {
		return nil, types.Errorf(types.ErrProtocol, op, "signer returned an empty operation")
	}
	return out.Operation, nil
}

// SubmitPLCOperation submits a signed directory operation through the
// target. This is the point of no return: once the directory accepts it, the
// DID points at the new host.
func (c *Client) SubmitPLCOperation(ctx context.Context, operation json.RawMessage) error {
	body := map[string]json.RawMessage{"operation": operation}
	return c.authedProcedure(ctx, "com.atproto.identity.submitPlcOperation", nil, body, nil)
}

// AddRotationKey registers a user-held recovery key on the directory record
// via a target-signed operation: fetch the recommended credentials, prepend
// the key to the rotation set, sign, submit. Best-effort at the migration
// level.
func (c *Client) AddRotationKey(ctx context.Context, publicDIDKey string) error {
	const op = "pds.add_rotation_key"

	raw, err := c.GetRecommendedDidCredentials(ctx)
	if err != nil {
		return err
	}

	var creds map[string]any
	if err := json.Unmarshal(raw, &creds); err != nil {
		return types.NewError(types.ErrProtocol, op,
			fmt.Errorf("decoding credentials document: %w", err))
	}

	keys := []any{publicDIDKey}
	if existing, ok := creds["rotationKeys"].([]any); ok {
		for _, k := range existing {
			if k == publicDIDKey {
				return nil // already registered
			}
			keys = append(keys, k)
		}
	}
	creds["rotationKeys"] = keys

	amended, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials document: %w", err)
	}

	signed, err := c.SignPLCOperation(ctx, "", amended)
	if err != nil {
		return err
	}
	return c.SubmitPLCOperation(ctx, signed)
}
