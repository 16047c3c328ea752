package backup

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/driftsky/pdsmover/pkg/types"
)

// Retention is how long a bundle stays downloadable before the housekeeper
// deletes it.
const Retention = 24 * time.Hour

// Metadata is the human-readable description embedded in every bundle.
type Metadata struct {
	Token     string `json:"token"`
	DID       string `json:"did"`
	OldHandle string `json:"old_handle"`
	NewHandle string `json:"new_handle"`
	OldPDS    string `json:"old_pds_host"`
	NewPDS    string `json:"new_pds_host"`

	CreatedAt    time.Time `json:"created_at"`
	RepoBytes    int64     `json:"repo_bytes"`
	BlobCount    int       `json:"blob_count"`
	BlobBytes    int64     `json:"blob_bytes"`
	MissingBlobs []string  `json:"missing_blobs,omitempty"`

	Instructions string `json:"instructions"`
}

const instructions = "This archive contains a snapshot of your account taken during " +
	"migration: repo.car is your full repository in CAR format and blobs/ holds " +
	"your media files. Keep it somewhere safe; it can be re-imported into any " +
	"PDS with standard atproto tooling."

// Build assembles a ZIP bundle from a migration working directory. The
// directory must contain repo.car and a blobs/ subdirectory as produced by
// the download phase. Returns the bundle path and its expiry.
func Build(m *types.Migration, workdir, destDir string) (string, time.Time, error) {
	carPath := filepath.Join(workdir, "repo.car")
	carInfo, err := os.Stat(carPath)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("repo archive missing from working directory: %w", err)
	}

	blobsDir := filepath.Join(workdir, "blobs")
	blobEntries, err := os.ReadDir(blobsDir)
	if err != nil && !os.IsNotExist(err) {
		return "", time.Time{}, fmt.Errorf("reading blobs directory: %w", err)
	}

	now := time.Now()
	meta := Metadata{
		Token:        m.Token,
		DID:          m.DID,
		OldHandle:    m.OldHandle,
		NewHandle:    m.NewHandle,
		OldPDS:       m.OldPDSHost,
		NewPDS:       m.NewPDSHost,
		CreatedAt:    now,
		RepoBytes:    carInfo.Size(),
		MissingBlobs: m.Progress.FailedDownloads,
		Instructions: instructions,
	}

	if err := os.MkdirAll(destDir, 0700); err != nil {
		return "", time.Time{}, err
	}
	bundlePath := filepath.Join(destDir, fmt.Sprintf("%s-backup.zip", m.Token))
	f, err := os.Create(bundlePath)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("creating bundle: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	for _, entry := range blobEntries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(blobsDir, entry.Name())
		n, err := addFile(zw, src, "blobs/"+entry.Name())
		if err != nil {
			os.Remove(bundlePath)
			return "", time.Time{}, err
		}
		meta.BlobCount++
		meta.BlobBytes += n
	}

	if _, err := addFile(zw, carPath, "repo.car"); err != nil {
		os.Remove(bundlePath)
		return "", time.Time{}, err
	}

	if len(meta.MissingBlobs) > 0 {
		w, err := zw.Create("MISSING_BLOBS.txt")
		if err != nil {
			os.Remove(bundlePath)
			return "", time.Time{}, err
		}
		for _, cid := range meta.MissingBlobs {
			fmt.Fprintln(w, cid)
		}
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		os.Remove(bundlePath)
		return "", time.Time{}, err
	}
	w, err := zw.Create("metadata.json")
	if err != nil {
		os.Remove(bundlePath)
		return "", time.Time{}, err
	}
	if _, err := w.Write(metaBytes); err != nil {
		os.Remove(bundlePath)
		return "", time.Time{}, err
	}

	if err := zw.Close(); err != nil {
		os.Remove(bundlePath)
		return "", time.Time{}, fmt.Errorf("finalizing bundle: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", time.Time{}, err
	}
	return bundlePath, now.Add(Retention), nil
}

func addFile(zw *zip.Writer, srcPath, name string) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", srcPath, err)
	}
	defer src.Close()

	w, err := zw.Create(name)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, src)
	if err != nil {
		return 0, fmt.Errorf("archiving %s: %w", name, err)
	}
	return n, nil
}
