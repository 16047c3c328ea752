package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/driftsky/pdsmover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves configurable blobs and can fail specific CIDs.
type fakeSource struct {
	mu    sync.Mutex
	blobs map[string][]byte
	fail  map[string]error
	calls map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		blobs: make(map[string][]byte),
		fail:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (s *fakeSource) DownloadBlob(ctx context.Context, did, cid, destPath string) (int64, error) {
	s.mu.Lock()
	s.calls[cid]++
	failErr := s.fail[cid]
	data := s.blobs[cid]
	s.mu.Unlock()

	if failErr != nil {
		return 0, failErr
	}
	if err := os.WriteFile(destPath, data, 0600); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

type fakeSink struct {
	mu       sync.Mutex
	uploaded []string
	fail     error
}

func (s *fakeSink) UploadBlob(ctx context.Context, srcPath, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.uploaded = append(s.uploaded, filepath.Base(srcPath))
	return nil
}

func noSleep(time.Duration) {}

func TestStreamHappyPath(t *testing.T) {
	src := newFakeSource()
	src.blobs["b1"] = make([]byte, 1024)
	src.blobs["b2"] = make([]byte, 2048)
	sink := &fakeSink{}

	var snaps []Snapshot
	engine := New(src, sink).
		WithSleep(noSleep).
		WithProgress(func(s Snapshot) { snaps = append(snaps, s) })

	workdir := t.TempDir()
	snap, err := engine.Stream(context.Background(), "did:plc:alice", []string{"b1", "b2"}, workdir)
	require.NoError(t, err)

	assert.Equal(t, 2, snap.Completed)
	assert.Equal(t, 2, snap.Uploaded)
	assert.Equal(t, int64(3072), snap.Bytes)
	assert.Empty(t, snap.FailedDownloads)
	assert.ElementsMatch(t, []string{"b1", "b2"}, sink.uploaded)
	assert.NotEmpty(t, snaps)

	// Streamed blobs are deleted after upload.
	entries, err := os.ReadDir(workdir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStreamZeroBlobs(t *testing.T) {
	engine := New(newFakeSource(), &fakeSink{}).WithSleep(noSleep)

	snap, err := engine.Stream(context.Background(), "did:plc:alice", nil, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Completed)
	assert.Equal(t, int64(0), snap.Bytes)
}

func TestStreamOneBlobFailsAllAttempts(t *testing.T) {
	src := newFakeSource()
	for i := 1; i <= 10; i++ {
		src.blobs[fmt.Sprintf("b%d", i)] = make([]byte, 100)
	}
	src.fail["b5"] = types.Errorf(types.ErrNetwork, "pds.download_blob", "connection reset")
	sink := &fakeSink{}

	engine := New(src, sink).WithSleep(noSleep)

	var cids []string
	for i := 1; i <= 10; i++ {
		cids = append(cids, fmt.Sprintf("b%d", i))
	}

	snap, err := engine.Stream(context.Background(), "did:plc:alice", cids, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 9, snap.Completed)
	assert.Equal(t, int64(900), snap.Bytes)
	assert.Equal(t, []string{"b5"}, snap.FailedDownloads)
	assert.Equal(t, 3, src.calls["b5"], "failed blob retried to its attempt budget")
}

func TestStreamAbortsOnAuthenticationError(t *testing.T) {
	src := newFakeSource()
	src.blobs["b1"] = make([]byte, 100)
	sink := &fakeSink{fail: types.Errorf(types.ErrAuthentication, "pds.upload_blob", "expired token")}

	engine := New(src, sink).WithSleep(noSleep)

	_, err := engine.Stream(context.Background(), "did:plc:alice", []string{"b1"}, t.TempDir())
	assert.True(t, types.IsKind(err, types.ErrAuthentication))
}

func TestDownloadAllPooled(t *testing.T) {
	src := newFakeSource()
	var cids []string
	for i := 0; i < 25; i++ {
		cid := fmt.Sprintf("b%02d", i)
		src.blobs[cid] = make([]byte, 10)
		cids = append(cids, cid)
	}
	src.fail["b07"] = types.Errorf(types.ErrNetwork, "pds.download_blob", "unreachable")

	dir := t.TempDir()
	engine := New(src, &fakeSink{}).WithWorkers(5).WithSleep(noSleep)

	snap, err := engine.DownloadAll(context.Background(), "did:plc:alice", cids, dir)
	require.NoError(t, err)

	assert.Equal(t, 24, snap.Completed)
	assert.Equal(t, []string{"b07"}, snap.FailedDownloads)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 24)
}

func TestUploadAllSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b1"), make([]byte, 50), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b2"), make([]byte, 70), 0600))

	sink := &fakeSink{}
	engine := New(newFakeSource(), sink).WithWorkers(2).WithSleep(noSleep)

	// b3 was never downloaded; the upload pass skips it silently.
	snap, err := engine.UploadAll(context.Background(), []string{"b1", "b2", "b3"}, dir)
	require.NoError(t, err)

	assert.Equal(t, 2, snap.Uploaded)
	assert.Equal(t, int64(120), snap.Bytes)
	assert.ElementsMatch(t, []string{"b1", "b2"}, sink.uploaded)
	assert.Empty(t, snap.FailedUploads)
}

func TestRetryUsesRateLimitLadder(t *testing.T) {
	src := newFakeSource()
	src.fail["b1"] = types.Errorf(types.ErrRateLimit, "pds.download_blob", "slow down")

	var delays []time.Duration
	engine := New(src, &fakeSink{}).WithSleep(func(d time.Duration) { delays = append(delays, d) })

	snap, err := engine.Stream(context.Background(), "did:plc:alice", []string{"b1"}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, snap.FailedDownloads)
	assert.Equal(t, []time.Duration{8 * time.Second, 16 * time.Second}, delays)
}

func TestWriteMissingManifest(t *testing.T) {
	dir := t.TempDir()

	path, err := WriteMissingManifest(dir, nil)
	require.NoError(t, err)
	assert.Empty(t, path)

	path, err = WriteMissingManifest(dir, []string{"b3", "b9"})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "b3\nb9\n", string(data))
}

func TestEstimateMemoryMB(t *testing.T) {
	assert.Equal(t, 72, EstimateMemoryMB(1000, 1), "streamed: one blob resident")
	assert.Equal(t, 144, EstimateMemoryMB(1000, DefaultWorkers))
	assert.Equal(t, 88, EstimateMemoryMB(3, DefaultWorkers), "pool narrower than the blob set")
	assert.Equal(t, 72, EstimateMemoryMB(0, DefaultWorkers))
}
