// Package artifact bundles task outputs and uploads them whether or not the
// task succeeded.
package artifact

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Promptonauts/fleetci/pkg/models"
	"github.com/Promptonauts/fleetci/pkg/observability"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

// ResultFile is the name of the task result document every bundle carries.
const ResultFile = "fleetci-result.json"

type Relay struct {
	Store   Store
	Logger  logrus.FieldLogger
	Metrics *observability.MetricsRegistry
}

// Upload bundles the entry's matched files plus the task result and stores
// the bundle under the entry's artifact name. Failures are reported in the
// UploadReport and never touch the result.
func (r *Relay) Upload(ctx context.Context, entry models.MatrixEntry, result models.TaskResult) models.UploadReport {
	report := models.UploadReport{Job: entry.Job, Key: entry.ArtifactName()}
	log := r.logger().WithFields(logrus.Fields{"run": result.RunID, "job": entry.Job, "key": report.Key})

	timeout := entry.Timeouts.Upload.Duration
	if timeout <= 0 {
		timeout = models.DefaultStepTimeouts.Upload.Duration
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := r.upload(ctx, entry, result, &report)
	if err != nil {
		report.Error = fmt.Errorf("%w: %v", models.ErrUploadFailure, err).Error()
		log.WithError(err).Warn("artifact upload failed")
		if r.Metrics != nil {
			r.Metrics.Counter("uploads_failed_total").Inc()
		}
		return report
	}
	log.WithField("files", len(report.Files)).WithField("bytes", report.Bytes).Info("artifacts uploaded")
	if r.Metrics != nil {
		r.Metrics.Counter("uploads_total").Inc()
		r.Metrics.Counter("upload_bytes_total").Add(report.Bytes)
	}
	return report
}

func (r *Relay) upload(ctx context.Context, entry models.MatrixEntry, result models.TaskResult, report *models.UploadReport) error {
	if r.Store == nil {
		return fmt.Errorf("no artifact store configured")
	}
	root := entry.Dir
	if root == "" {
		root = "."
	}
	files, matchErr := Match(root, entry.ArtifactGlobs, result.Artifacts)
	report.Files = files

	tmp, err := os.CreateTemp("", "fleetci-bundle-*.tar.gz")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	bundleErr := writeBundle(tmp, root, files, result)
	if bundleErr != nil && !isPartial(bundleErr) {
		return bundleErr
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := r.Store.Put(ctx, report.Key, tmp, size, "application/gzip"); err != nil {
		return err
	}
	report.Bytes = size
	report.Uploaded = true

	var merr *multierror.Error
	merr = multierror.Append(merr, matchErr, unwrapPartial(bundleErr))
	if err := merr.ErrorOrNil(); err != nil {
		// the bundle went up; note the files that could not be included
		report.Error = err.Error()
	}
	return nil
}

// Match expands globs relative to root and adds the reported paths that exist
// under it. Paths are slash-separated, relative to root, sorted and unique.
func Match(root string, globs []string, reported []string) ([]string, error) {
	var merr *multierror.Error
	set := map[string]struct{}{}
	fsys := os.DirFS(root)
	for _, g := range globs {
		matches, err := doublestar.Glob(fsys, g, doublestar.WithFilesOnly())
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("glob %q: %w", g, err))
			continue
		}
		for _, m := range matches {
			set[m] = struct{}{}
		}
	}
	for _, p := range reported {
		rel := p
		if filepath.IsAbs(p) {
			var err error
			rel, err = filepath.Rel(root, p)
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("artifact %q: %w", p, err))
				continue
			}
		}
		rel = filepath.ToSlash(filepath.Clean(rel))
		if rel == "." || strings.HasPrefix(rel, "../") || rel == ".." {
			merr = multierror.Append(merr, fmt.Errorf("artifact %q is outside %s", p, root))
			continue
		}
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("artifact %q: %w", p, err))
			continue
		}
		if info.Mode().IsRegular() {
			set[rel] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, merr.ErrorOrNil()
}

type partialError struct{ err error }

func (p partialError) Error() string { return p.err.Error() }

func (p partialError) Unwrap() error { return p.err }

func isPartial(err error) bool {
	var p partialError
	return errors.As(err, &p)
}

// unwrapPartial returns the skipped-file errors of a partial bundle, or err
// unchanged.
func unwrapPartial(err error) error {
	var p partialError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}

func writeBundle(w io.Writer, root string, files []string, result models.TaskResult) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	doc, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    ResultFile,
		Mode:    0o644,
		Size:    int64(len(doc)),
		ModTime: time.Now().UTC(),
	}); err != nil {
		return err
	}
	if _, err := tw.Write(doc); err != nil {
		return err
	}

	var skipped *multierror.Error
	for _, rel := range files {
		if err := addFile(tw, root, rel); err != nil {
			if isPartial(err) {
				skipped = multierror.Append(skipped, unwrapPartial(err))
				continue
			}
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if err := skipped.ErrorOrNil(); err != nil {
		return partialError{err: err}
	}
	return nil
}

// addFile returns partialError when the file cannot be read, so the rest of
// the bundle is still written.
func addFile(tw *tar.Writer, root, rel string) error {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return partialError{err: err}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return partialError{err: err}
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return partialError{err: err}
	}
	hdr.Name = path.Clean(rel)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.CopyN(tw, f, info.Size())
	return err
}

func (r *Relay) logger() logrus.FieldLogger {
	if r.Logger == nil {
		return logrus.StandardLogger()
	}
	return r.Logger
}
