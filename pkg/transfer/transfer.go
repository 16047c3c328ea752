package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/driftsky/pdsmover/pkg/log"
	"github.com/driftsky/pdsmover/pkg/metrics"
	"github.com/driftsky/pdsmover/pkg/types"
)

const (
	// DefaultWorkers is the pool size for two-phase download and upload.
	DefaultWorkers = 10

	// progressEvery controls how often the progress callback fires, counted
	// in blob completions.
	progressEvery = 10

	blobAttempts = 3
)

var (
	retryDelays     = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	rateLimitDelays = []time.Duration{8 * time.Second, 16 * time.Second, 32 * time.Second}
)

// EstimateMemoryMB is a coarse residency hint for a blob run, stored on the
// migration record. Blobs stream through fixed buffers to disk, so the
// estimate scales with the effective pool width, not the blob count.
func EstimateMemoryMB(blobCount, workers int) int {
	if workers > blobCount {
		workers = blobCount
	}
	if workers < 1 {
		workers = 1
	}
	return 64 + 8*workers
}

// BlobSource downloads blobs from the source PDS.
type BlobSource interface {
	DownloadBlob(ctx context.Context, did, cid, destPath string) (int64, error)
}

// BlobSink uploads blobs to the target PDS.
type BlobSink interface {
	UploadBlob(ctx context.Context, srcPath, contentType string) error
}

// Snapshot is a point-in-time copy of the transfer counters, taken under the
// engine mutex so (count, bytes) is internally consistent.
type Snapshot struct {
	Completed       int
	Uploaded        int
	Bytes           int64
	FailedDownloads []string
	FailedUploads   []string
}

// ProgressFunc receives periodic snapshots for persistence.
type ProgressFunc func(Snapshot)

// Engine moves an enumerated blob set between two servers with bounded
// memory and per-item failure isolation. A blob that exhausts its retries is
// recorded, not fatal; only an authentication failure aborts the run, since
// it would fail every remaining blob the same way.
type Engine struct {
	source  BlobSource
	sink    BlobSink
	workers int

	onProgress ProgressFunc
	sleep      func(time.Duration)

	mu sync.Mutex
	s  Snapshot
}

// New creates an engine with the default pool size.
func New(source BlobSource, sink BlobSink) *Engine {
	return &Engine{
		source:  source,
		sink:    sink,
		workers: DefaultWorkers,
		sleep:   time.Sleep,
	}
}

// WithWorkers overrides the pool size.
func (e *Engine) WithWorkers(n int) *Engine {
	if n > 0 {
		e.workers = n
	}
	return e
}

// WithProgress registers the periodic snapshot callback.
func (e *Engine) WithProgress(fn ProgressFunc) *Engine {
	e.onProgress = fn
	return e
}

// WithSleep overrides the retry delay. Used in tests.
func (e *Engine) WithSleep(fn func(time.Duration)) *Engine {
	e.sleep = fn
	return e
}

// Stream moves blobs strictly sequentially: download, upload, delete, one
// blob resident at a time. This is the memory-safe path used when no backup
// bundle is kept.
func (e *Engine) Stream(ctx context.Context, did string, cids []string, workdir string) (*Snapshot, error) {
	logger := log.WithComponent("transfer")

	for _, cid := range cids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path := filepath.Join(workdir, cid)
		size, err := e.withRetry(ctx, func() (int64, error) {
			return e.source.DownloadBlob(ctx, did, cid, path)
		})
		if err != nil {
			if abortKind(err) {
				return nil, err
			}
			logger.Warn().Str("cid", cid).Err(err).Msg("blob download exhausted retries")
			e.recordFailure(cid, false)
			metrics.BlobFailures.WithLabelValues("download").Inc()
			continue
		}

		_, err = e.withRetry(ctx, func() (int64, error) {
			return 0, e.sink.UploadBlob(ctx, path, "")
		})
		os.Remove(path)
		if err != nil {
			if abortKind(err) {
				return nil, err
			}
			logger.Warn().Str("cid", cid).Err(err).Msg("blob upload exhausted retries")
			e.recordFailure(cid, true)
			metrics.BlobFailures.WithLabelValues("upload").Inc()
			continue
		}

		e.recordSuccess(size, true)
	}

	snap := e.snapshot()
	e.flush(snap)
	return &snap, nil
}

// DownloadAll fetches every blob into destDir with the worker pool. Used by
// the backup path; uploads happen in a later phase from disk.
func (e *Engine) DownloadAll(ctx context.Context, did string, cids []string, destDir string) (*Snapshot, error) {
	err := e.pooled(ctx, cids, func(ctx context.Context, cid string) error {
		size, err := e.withRetry(ctx, func() (int64, error) {
			return e.source.DownloadBlob(ctx, did, cid, filepath.Join(destDir, cid))
		})
		if err != nil {
			if abortKind(err) {
				return err
			}
			e.recordFailure(cid, false)
			metrics.BlobFailures.WithLabelValues("download").Inc()
			return nil
		}
		e.recordSuccess(size, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	snap := e.snapshot()
	e.flush(snap)
	return &snap, nil
}

// UploadAll pushes previously downloaded blobs from srcDir with the worker
// pool.
func (e *Engine) UploadAll(ctx context.Context, cids []string, srcDir string) (*Snapshot, error) {
	err := e.pooled(ctx, cids, func(ctx context.Context, cid string) error {
		path := filepath.Join(srcDir, cid)
		fi, statErr := os.Stat(path)
		if statErr != nil {
			// Not downloaded earlier; already in the failed-downloads set.
			return nil
		}
		_, err := e.withRetry(ctx, func() (int64, error) {
			return 0, e.sink.UploadBlob(ctx, path, "")
		})
		if err != nil {
			if abortKind(err) {
				return err
			}
			e.recordFailure(cid, true)
			metrics.BlobFailures.WithLabelValues("upload").Inc()
			return nil
		}
		e.recordSuccess(fi.Size(), true)
		return nil
	})
	if err != nil {
		return nil, err
	}
	snap := e.snapshot()
	e.flush(snap)
	return &snap, nil
}

// pooled runs fn over cids with the fixed-size worker pool. The first abort
// error cancels the remaining work.
func (e *Engine) pooled(ctx context.Context, cids []string, fn func(context.Context, string) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan string)
	errCh := make(chan error, e.workers)
	var wg sync.WaitGroup

	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cid := range work {
				if err := fn(ctx, cid); err != nil {
					errCh <- err
					cancel()
					return
				}
			}
		}()
	}

feed:
	for _, cid := range cids {
		select {
		case work <- cid:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

// withRetry runs op up to blobAttempts times with the per-class delay
// ladder. Rate-limit responses wait longer between attempts.
func (e *Engine) withRetry(ctx context.Context, op func() (int64, error)) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < blobAttempts; attempt++ {
		if attempt > 0 {
			delays := retryDelays
			if types.IsKind(lastErr, types.ErrRateLimit) {
				delays = rateLimitDelays
			}
			e.sleep(delays[attempt-1])
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		n, err := op()
		if err == nil {
			return n, nil
		}
		lastErr = err
		if abortKind(err) {
			return 0, err
		}
	}
	return 0, lastErr
}

// abortKind reports whether an error should stop the whole run instead of
// being charged to one blob.
func abortKind(err error) bool {
	return types.IsKind(err, types.ErrAuthentication)
}

func (e *Engine) recordSuccess(size int64, uploaded bool) {
	e.mu.Lock()
	e.s.Completed++
	e.s.Bytes += size
	if uploaded {
		e.s.Uploaded++
	}
	flush := e.s.Completed%progressEvery == 0
	snap := e.s
	e.mu.Unlock()

	metrics.BlobsTransferred.Inc()
	metrics.BlobBytesTransferred.Add(float64(size))
	if flush {
		e.flush(snap)
	}
}

func (e *Engine) recordFailure(cid string, upload bool) {
	e.mu.Lock()
	if upload {
		e.s.FailedUploads = append(e.s.FailedUploads, cid)
	} else {
		e.s.FailedDownloads = append(e.s.FailedDownloads, cid)
	}
	e.mu.Unlock()
}

func (e *Engine) snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s
}

func (e *Engine) flush(snap Snapshot) {
	if e.onProgress != nil {
		e.onProgress(snap)
	}
}

// WriteMissingManifest writes the failed-download list for inclusion in a
// backup bundle. No file is written when nothing failed.
func WriteMissingManifest(dir string, failed []string) (string, error) {
	if len(failed) == 0 {
		return "", nil
	}
	path := filepath.Join(dir, "MISSING_BLOBS.txt")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("writing missing-blobs manifest: %w", err)
	}
	defer f.Close()
	for _, cid := range failed {
		fmt.Fprintln(f, cid)
	}
	return path, f.Sync()
}
