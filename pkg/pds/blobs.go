package pds

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/driftsky/pdsmover/pkg/types"
)

const listBlobsPageSize = 500

// ListBlobs enumerates the DID's blob CIDs from the source, following the
// cursor until the server stops returning one.
func (c *Client) ListBlobs(ctx context.Context, did string) ([]string, error) {
	var all []string
	cursor := ""
	for {
		params := url.Values{}
		params.Set("did", did)
		params.Set("limit", strconv.Itoa(listBlobsPageSize))
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var out struct {
			CIDs   []string `json:"cids"`
			Cursor string   `json:"cursor"`
		}
		if err := c.query(ctx, "com.atproto.sync.listBlobs", params, &out, ""); err != nil {
			return nil, err
		}
		all = append(all, out.CIDs...)
		if out.Cursor == "" || len(out.CIDs) == 0 {
			return all, nil
		}
		cursor = out.Cursor
	}
}

// DownloadBlob fetches one blob from the source to destPath. Blob reads are
// public sync endpoints and need no auth.
func (c *Client) DownloadBlob(ctx context.Context, did, cid, destPath string) (int64, error) {
	const op = "pds.download_blob"

	ctx, cancel := context.WithTimeout(ctx, blobTimeout)
	defer cancel()

	params := url.Values{}
	params.Set("did", did)
	params.Set("cid", cid)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.host+"/xrpc/com.atproto.sync.getBlob?"+params.Encode(), nil)
	if err != nil {
		return 0, types.NewError(types.ErrProtocol, op, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, classifyStatus(op, resp)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("creating blob file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		os.Remove(destPath)
		return 0, classifyTransport(op, err)
	}
	return n, f.Sync()
}

// UploadBlob pushes one blob file to the target. On an authentication
// failure the session is refreshed once and the upload repeated from the
// start of the file.
func (c *Client) UploadBlob(ctx context.Context, srcPath, contentType string) error {
	err := c.uploadBlobOnce(ctx, srcPath, contentType)
	if types.IsKind(err, types.ErrAuthentication) {
		if rerr := c.Refresh(ctx); rerr != nil {
			return rerr
		}
		return c.uploadBlobOnce(ctx, srcPath, contentType)
	}
	return err
}

func (c *Client) uploadBlobOnce(ctx context.Context, srcPath, contentType string) error {
	const op = "pds.upload_blob"

	ctx, cancel := context.WithTimeout(ctx, blobTimeout)
	defer cancel()

	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening blob file: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.host+"/xrpc/com.atproto.repo.uploadBlob", f)
	if err != nil {
		return types.NewError(types.ErrProtocol, op, err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.accessToken())
	if fi, err := f.Stat(); err == nil {
		req.ContentLength = fi.Size()
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(op, resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
