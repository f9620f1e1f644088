package artifacts

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/forgenet/forge/config/params"
	"github.com/forgenet/forge/validator/protocol"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// UploadFailed wraps the last error of an upload that exhausted its
// retries. Earlier uploads of the same multi_upload are not rolled back.
type UploadFailed struct {
	URL string
	Err error
}

func (e *UploadFailed) Error() string {
	return "upload to " + e.URL + " failed: " + e.Err.Error()
}

func (e *UploadFailed) Unwrap() error { return e.Err }

// Uploader pushes job output directories to their destinations. Network
// calls across all jobs share one concurrency semaphore.
type Uploader struct {
	client     *http.Client
	sem        *semaphore.Weighted
	attempts   int
	backoffMin time.Duration
	maxFiles   int
	maxBytes   int64
	sleep      func(time.Duration)
}

// NewUploader builds an uploader with the network's concurrency and
// timeout caps.
func NewUploader(client *http.Client) *Uploader {
	cfg := params.ForgeNetworkConfig()
	if client == nil {
		client = &http.Client{Timeout: cfg.OutputUploadTimeout}
	}
	return &Uploader{
		client:     client,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentUploads),
		attempts:   cfg.OutputUploadRetries,
		backoffMin: cfg.OutputUploadBackoff,
		maxFiles:   cfg.MaxNumberOfFiles,
		maxBytes:   cfg.MaxVolumeSizeBytes,
		sleep:      time.Sleep,
	}
}

// Upload pushes dir per the job's output spec.
func (u *Uploader) Upload(ctx context.Context, dir string, spec *protocol.OutputUpload) error {
	switch spec.OutputUploadType {
	case protocol.UploadZipAndPost, protocol.UploadZipAndPut:
		if err := u.zipAndSend(ctx, dir, spec, nil); err != nil {
			return err
		}
	case protocol.UploadMulti:
		if err := u.multiUpload(ctx, dir, spec); err != nil {
			return err
		}
	default:
		return errors.Errorf("unsupported output upload type %q", spec.OutputUploadType)
	}
	outputUploads.WithLabelValues(string(spec.OutputUploadType)).Inc()
	return nil
}

// zipAndSend zips dir minus exclude into a scratch file and ships it to
// the spec's URL.
func (u *Uploader) zipAndSend(ctx context.Context, dir string, spec *protocol.OutputUpload, exclude map[string]bool) error {
	tmp, err := os.CreateTemp("", "forge-output-*.zip")
	if err != nil {
		return errors.Wrap(err, "could not create scratch file")
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	if err := zipDirectory(tmp, dir, exclude, u.maxFiles); err != nil {
		return errors.Wrap(err, "could not zip output directory")
	}
	info, err := tmp.Stat()
	if err != nil {
		return errors.Wrap(err, "could not stat archive")
	}
	if info.Size() > u.maxBytes {
		return &VolumeTooLarge{Size: info.Size(), Limit: u.maxBytes}
	}
	log.WithFields(logrus.Fields{
		"size": humanize.Bytes(uint64(info.Size())),
		"url":  spec.URL,
	}).Debug("Uploading output archive")

	switch spec.OutputUploadType {
	case protocol.UploadZipAndPost:
		return u.withRetry(ctx, spec.URL, func() error {
			return u.postMultipart(ctx, spec, tmp)
		})
	case protocol.UploadZipAndPut:
		return u.withRetry(ctx, spec.URL, func() error {
			return u.putFile(ctx, spec.URL, nil, tmp, info.Size())
		})
	default:
		return errors.Errorf("cannot zip for upload type %q", spec.OutputUploadType)
	}
}

// multiUpload ships each named single file, then zips the rest of the
// directory for the system upload. Files already shipped individually are
// excluded from the zip. Uploads that succeeded before a later failure
// stay where they landed.
func (u *Uploader) multiUpload(ctx context.Context, dir string, spec *protocol.OutputUpload) error {
	exclude := make(map[string]bool, len(spec.Uploads))
	for _, f := range spec.Uploads {
		exclude[f.RelativePath] = true
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := range spec.Uploads {
		f := spec.Uploads[i]
		g.Go(func() error {
			return u.uploadSingleFile(gctx, dir, &f)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if spec.SystemOutputUpload == nil {
		return nil
	}
	return u.zipAndSend(ctx, dir, spec.SystemOutputUpload, exclude)
}

func (u *Uploader) uploadSingleFile(ctx context.Context, dir string, f *protocol.SingleFileUpload) error {
	path, err := volumeRoot(dir, &protocol.Volume{RelativePath: f.RelativePath})
	if err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "could not read output file %s", f.RelativePath)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return errors.Wrapf(err, "could not stat %s", f.RelativePath)
	}
	return u.withRetry(ctx, f.URL, func() error {
		return u.putFile(ctx, f.URL, f.SignedHeaders, src, info.Size())
	})
}

// withRetry runs one network attempt at a time under the process-wide
// semaphore, retrying failed uploads with exponential backoff.
func (u *Uploader) withRetry(ctx context.Context, url string, attempt func() error) error {
	var last error
	for i := 0; i < u.attempts; i++ {
		if i > 0 {
			uploadRetries.Inc()
			u.sleep(u.backoffMin << (i - 1))
		}
		if err := u.sem.Acquire(ctx, 1); err != nil {
			return errors.Wrap(err, "upload cancelled")
		}
		last = attempt()
		u.sem.Release(1)
		if last == nil {
			return nil
		}
		log.WithError(last).WithField("url", url).Warn("Output upload attempt failed")
	}
	return &UploadFailed{URL: url, Err: last}
}

// postMultipart sends the archive as the "file" part of a multipart form,
// with the spec's form fields alongside.
func (u *Uploader) postMultipart(ctx context.Context, spec *protocol.OutputUpload, archive *os.File) error {
	if _, err := archive.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "could not rewind archive")
	}
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			for k, v := range spec.FormFields {
				if err := mw.WriteField(k, v); err != nil {
					return err
				}
			}
			part, err := mw.CreateFormFile("file", "output.zip")
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, archive); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.URL, pr)
	if err != nil {
		return errors.Wrap(err, "could not build upload request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return u.do(req)
}

// putFile streams raw bytes to url. body must support seeking so retries
// can rewind.
func (u *Uploader) putFile(ctx context.Context, url string, headers map[string]string, body io.ReadSeeker, size int64) error {
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "could not rewind upload body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return errors.Wrap(err, "could not build upload request")
	}
	req.ContentLength = size
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return u.do(req)
}

func (u *Uploader) do(req *http.Request) error {
	resp, err := u.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "upload request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("upload returned status %d", resp.StatusCode)
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
