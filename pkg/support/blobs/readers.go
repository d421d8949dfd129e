// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blobs

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GCSReader downloads "gs://bucket/object" blobs from Google Cloud Storage, using the default credentials.
type GCSReader struct {
	// Client is optional: if nil a new client is created (and closed) for each download.
	Client *storage.Client
}

var _ Reader = (*GCSReader)(nil)

// ParseGCSLocation splits "gs://bucket/object" into bucket and object.
func ParseGCSLocation(location string) (bucket, object string, err error) {
	rest, found := strings.CutPrefix(location, "gs://")
	if !found {
		return "", "", errors.Errorf("%q is not a gs:// location", location)
	}
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" || object == "" {
		return "", "", errors.Errorf("%q must be of the form gs://bucket/object", location)
	}
	return bucket, object, nil
}

// Download implements Reader.
func (r *GCSReader) Download(ctx context.Context, location, destPath string) error {
	bucket, object, err := ParseGCSLocation(location)
	if err != nil {
		return err
	}
	client := r.Client
	if client == nil {
		client, err = storage.NewClient(ctx)
		if err != nil {
			return errors.Wrap(err, "creating GCS storage client")
		}
		defer func() { _ = client.Close() }()
	}

	start := time.Now()
	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return errors.Wrapf(os.ErrNotExist, "%q", location)
		}
		return errors.Wrapf(err, "opening object %q", location)
	}
	defer func() { _ = reader.Close() }()
	n, err := writeToFile(reader, destPath)
	if err != nil {
		return errors.WithMessagef(err, "downloading %q", location)
	}
	klog.V(2).Infof("blobs: downloaded %d bytes from %q in %s", n, location, time.Since(start))
	return nil
}

// HTTPReader downloads blobs with HTTP GET requests, e.g. from a model server.
type HTTPReader struct {
	// Client is optional, http.DefaultClient is used if nil.
	Client *http.Client
}

var _ Reader = (*HTTPReader)(nil)

// Download implements Reader.
func (r *HTTPReader) Download(ctx context.Context, location, destPath string) error {
	if _, err := url.Parse(location); err != nil {
		return errors.Wrapf(err, "invalid URL %q", location)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "requesting %q", location)
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrapf(os.ErrNotExist, "blob %q not found", location)
	case resp.StatusCode != http.StatusOK:
		return errors.Errorf("unexpected status downloading %q: %s", location, resp.Status)
	}
	n, err := writeToFile(resp.Body, destPath)
	if err != nil {
		return errors.WithMessagef(err, "downloading %q", location)
	}
	klog.V(2).Infof("blobs: downloaded %d bytes from %q in %s", n, location, time.Since(start))
	return nil
}
