package pds

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/driftsky/pdsmover/pkg/types"
)

const (
	exportCeiling = 10 * time.Minute
	exportWindow  = 60 * time.Second
	exportMinRate = 1024 // bytes per second, sustained

	importMaxAttempts = 7
)

// ExportRepo streams the DID's CAR archive from the source to destPath.
// The stream has a hard ceiling and a sustained-throughput watchdog: a
// connection trickling below 1 KB/s for a full minute is aborted rather than
// left to hold a worker until the ceiling.
func (c *Client) ExportRepo(ctx context.Context, did, destPath string) error {
	const op = "pds.export_repo"

	ctx, cancel := context.WithTimeout(ctx, exportCeiling)
	defer cancel()

	params := url.Values{}
	params.Set("did", did)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.host+"/xrpc/com.atproto.sync.getRepo?"+params.Encode(), nil)
	if err != nil {
		return types.NewError(types.ErrProtocol, op, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(op, resp)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("creating repo archive: %w", err)
	}
	defer f.Close()

	var received atomic.Int64
	var starved atomic.Bool
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)

	go func() {
		ticker := time.NewTicker(exportWindow)
		defer ticker.Stop()
		last := int64(0)
		for {
			select {
			case <-ticker.C:
				n := received.Load()
				if n-last < exportMinRate*int64(exportWindow.Seconds()) {
					starved.Store(true)
					cancel()
					return
				}
				last = n
			case <-watchdogDone:
				return
			}
		}
	}()

	n, err := io.Copy(f, countingReader{r: resp.Body, n: &received})
	if err != nil {
		if starved.Load() {
			return types.Errorf(types.ErrTimeout, op,
				"repo export stalled below %d B/s", exportMinRate)
		}
		return classifyTransport(op, err)
	}
	if n == 0 {
		return types.Errorf(types.ErrProtocol, op, "source returned an empty repo archive")
	}
	return f.Sync()
}

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (cr countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n.Add(int64(n))
	return n, err
}

// ImportRepo uploads a CAR archive to the target. The whole body is retried
// with exponential backoff because a multi-hundred-megabyte POST failing at
// 99% is common enough to handle here rather than re-running the phase.
func (c *Client) ImportRepo(ctx context.Context, carPath string) error {
	const op = "pds.import_repo"

	attempt := func() error {
		f, err := os.Open(carPath)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("opening repo archive: %w", err))
		}
		defer f.Close()

		callCtx, cancel := context.WithTimeout(ctx, importTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost,
			c.host+"/xrpc/com.atproto.repo.importRepo", f)
		if err != nil {
			return backoff.Permanent(types.NewError(types.ErrProtocol, op, err))
		}
		req.Header.Set("Content-Type", "application/vnd.ipld.car")
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
			cerr := classifyStatus(op, resp)
			if cerr.Kind == types.ErrAuthentication {
				if rerr := c.Refresh(ctx); rerr != nil {
					return backoff.Permanent(rerr)
				}
				return cerr // retried with the refreshed token
			}
			if cerr.Kind == types.ErrProtocol {
				return backoff.Permanent(cerr)
			}
			return cerr
		}
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), importMaxAttempts-1), ctx)
	return backoff.Retry(attempt, bo)
}
