package pds

import (
	"context"
	"encoding/json"

	"github.com/driftsky/pdsmover/pkg/types"
)

// ExportPreferences fetches the account's app preferences document from the
// source. The document is opaque to us; it is round-tripped verbatim.
func (c *Client) ExportPreferences(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.authedQuery(ctx, "app.bsky.actor.getPreferences", nil, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, types.Errorf(types.ErrProtocol, "pds.export_preferences",
			"source returned an empty preferences document")
	}
	return raw, nil
}

// ImportPreferences writes a previously exported preferences document to the
// target.
func (c *Client) ImportPreferences(ctx context.Context, prefs json.RawMessage) error {
	return c.authedProcedure(ctx, "app.bsky.actor.putPreferences", nil, prefs, nil)
}
