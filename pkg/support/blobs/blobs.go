// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package blobs fetches model artifacts from remote storage (Google Cloud Storage or HTTP servers) into a
// local cache directory, so engines can load them from the file system.
//
// Locations are URLs: "gs://bucket/path/to/object", "http://host/path" or "https://host/path".
// Anything else is considered a local path.
package blobs

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/pipeline/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Reader downloads blobs.
type Reader interface {
	// Download writes the blob at location to destPath.
	// If the blob doesn't exist, the error matches os.ErrNotExist with errors.Is.
	Download(ctx context.Context, location, destPath string) error
}

// IsRemote returns whether location must be fetched by a Reader.
func IsRemote(location string) bool {
	switch scheme(location) {
	case "gs", "http", "https":
		return true
	}
	return false
}

func scheme(location string) string {
	before, _, found := strings.Cut(location, "://")
	if !found {
		return ""
	}
	return strings.ToLower(before)
}

// ReaderFor returns the Reader for the scheme of location.
func ReaderFor(location string) (Reader, error) {
	switch scheme(location) {
	case "gs":
		return &GCSReader{}, nil
	case "http", "https":
		return &HTTPReader{}, nil
	}
	return nil, errors.Errorf("no blob reader for location %q", location)
}

// CachePath returns the path where location is stored in cacheDir: a name-based UUID of the location,
// followed by the base name of the blob, so the file extension is preserved.
func CachePath(location, cacheDir string) string {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(location))
	base := path.Base(location)
	if u, err := url.Parse(location); err == nil && u.Path != "" {
		base = path.Base(u.Path)
	}
	return filepath.Join(cacheDir, id.String()+"-"+base)
}

// Fetcher downloads remote blobs into a cache directory, with retries.
type Fetcher struct {
	CacheDir string

	// MaxAttempts is the number of download attempts for transient errors. Default is 3.
	MaxAttempts int

	// Backoff is the wait before the first retry, doubled for each following one. Default is 1s.
	Backoff time.Duration

	// ReaderFor selects the Reader for a location. Default is the package ReaderFor.
	ReaderFor func(location string) (Reader, error)
}

// NewFetcher returns a Fetcher with default settings, caching into cacheDir.
func NewFetcher(cacheDir string) *Fetcher {
	return &Fetcher{CacheDir: cacheDir, MaxAttempts: 3, Backoff: time.Second, ReaderFor: ReaderFor}
}

// Fetch returns a local path for location. Local paths have "~" expanded and are returned as is; remote
// blobs are downloaded into the cache directory, unless already there.
func (f *Fetcher) Fetch(ctx context.Context, location string) (string, error) {
	if !IsRemote(location) {
		return fsutil.ReplaceTildeInDir(location)
	}
	if f.CacheDir == "" {
		return "", errors.Errorf("a cache directory is required to fetch %q", location)
	}
	cacheDir, err := fsutil.EnsureDir(f.CacheDir)
	if err != nil {
		return "", err
	}
	destPath := CachePath(location, cacheDir)
	exists, err := fsutil.FileExists(destPath)
	if err != nil {
		return "", err
	}
	if exists {
		klog.V(1).Infof("blobs: using cached %q for %q", destPath, location)
		return destPath, nil
	}

	readerFor := f.ReaderFor
	if readerFor == nil {
		readerFor = ReaderFor
	}
	reader, err := readerFor(location)
	if err != nil {
		return "", err
	}
	maxAttempts := max(f.MaxAttempts, 1)
	backoff := f.Backoff
	for attempt := 1; ; attempt++ {
		start := time.Now()
		err = reader.Download(ctx, location, destPath)
		if err == nil {
			if klog.V(1).Enabled() {
				var size string
				if info, statErr := os.Stat(destPath); statErr == nil {
					size = humanize.IBytes(uint64(info.Size()))
				}
				klog.Infof("blobs: fetched %q (%s) in %s", location, size, time.Since(start))
			}
			return destPath, nil
		}
		if errors.Is(err, os.ErrNotExist) || ctx.Err() != nil || attempt >= maxAttempts {
			return "", errors.WithMessagef(err, "failed to fetch %q after %d attempt(s)", location, attempt)
		}
		klog.Warningf("blobs: attempt %d to fetch %q failed, retrying in %s: %v", attempt, location, backoff, err)
		select {
		case <-ctx.Done():
			return "", errors.Wrapf(ctx.Err(), "fetching %q", location)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// writeToFile writes src to destPath atomically: it is written into a temporary file in the same
// directory, which is renamed on success.
func writeToFile(src io.Reader, destPath string) (n int64, err error) {
	tempFile, err := os.CreateTemp(filepath.Dir(destPath), ".download-*")
	if err != nil {
		return 0, errors.Wrap(err, "creating temp file")
	}
	defer func() {
		if err != nil {
			_ = tempFile.Close()
			if removeErr := os.Remove(tempFile.Name()); removeErr != nil {
				klog.Errorf("blobs: failed to remove temp file %q: %v", tempFile.Name(), removeErr)
			}
		}
	}()
	n, err = io.Copy(tempFile, src)
	if err != nil {
		return n, errors.Wrap(err, "downloading from upstream source")
	}
	if err = tempFile.Close(); err != nil {
		return n, errors.Wrap(err, "closing temp file")
	}
	if err = os.Rename(tempFile.Name(), destPath); err != nil {
		return n, errors.Wrap(err, "renaming temp file")
	}
	return n, nil
}
