// Package artifacts moves job bytes: it fetches input volumes ahead of
// dispatch and pushes output directories to their upload destinations,
// enforcing the network's size and file-count caps throughout.
package artifacts

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/forgenet/forge/config/params"
	"github.com/forgenet/forge/validator/protocol"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "artifacts")

// VolumeTooLarge reports a volume over the configured byte cap.
type VolumeTooLarge struct {
	Size  int64
	Limit int64
}

func (e *VolumeTooLarge) Error() string {
	return fmt.Sprintf("volume of %s exceeds the %s limit",
		humanize.Bytes(uint64(e.Size)), humanize.Bytes(uint64(e.Limit)))
}

// HuggingfaceFetcher pulls a model snapshot into a directory. The hub
// client itself lives outside the validator.
type HuggingfaceFetcher interface {
	Fetch(ctx context.Context, repoID, revision string, allowPatterns []string, destDir string) error
}

// Downloader fetches one volume variant into a job's volume root.
type Downloader interface {
	Validate(ctx context.Context, v *protocol.Volume) error
	Download(ctx context.Context, v *protocol.Volume, destDir string) error
}

// Registry dispatches volumes to their variant downloader. It satisfies
// the job driver's pre-flight volume check.
type Registry struct {
	client      *http.Client
	maxBytes    int64
	maxFiles    int
	downloaders map[protocol.VolumeType]Downloader
}

// RegistryConfig options for NewRegistry.
type RegistryConfig struct {
	// Client overrides the HTTP client; nil means http.DefaultClient.
	Client *http.Client
	// Huggingface handles huggingface_volume fetches; nil rejects them at
	// download time.
	Huggingface HuggingfaceFetcher
}

// NewRegistry builds the variant table with the network's caps.
func NewRegistry(cfg *RegistryConfig) *Registry {
	if cfg == nil {
		cfg = &RegistryConfig{}
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	netCfg := params.ForgeNetworkConfig()
	r := &Registry{
		client:   client,
		maxBytes: netCfg.MaxVolumeSizeBytes,
		maxFiles: netCfg.MaxNumberOfFiles,
	}
	r.downloaders = map[protocol.VolumeType]Downloader{
		protocol.VolumeInline:      &inlineDownloader{reg: r},
		protocol.VolumeSingleFile:  &singleFileDownloader{reg: r},
		protocol.VolumeZipURL:      &zipURLDownloader{reg: r},
		protocol.VolumeMulti:       &multiDownloader{reg: r},
		protocol.VolumeHuggingface: &huggingfaceDownloader{fetcher: cfg.Huggingface},
	}
	return r
}

func (r *Registry) downloader(t protocol.VolumeType) (Downloader, error) {
	d, ok := r.downloaders[t]
	if !ok {
		return nil, errors.Errorf("unsupported volume type %q", t)
	}
	return d, nil
}

// Validate checks a volume without moving bytes: variant known, addresses
// well formed, and any advertised size within the cap.
func (r *Registry) Validate(ctx context.Context, v *protocol.Volume) error {
	d, err := r.downloader(v.VolumeType)
	if err != nil {
		return err
	}
	return d.Validate(ctx, v)
}

// Download fetches a volume into destDir.
func (r *Registry) Download(ctx context.Context, v *protocol.Volume, destDir string) error {
	d, err := r.downloader(v.VolumeType)
	if err != nil {
		return err
	}
	if err := d.Download(ctx, v, destDir); err != nil {
		return err
	}
	volumeDownloads.WithLabelValues(string(v.VolumeType)).Inc()
	return nil
}

// checkLength rejects a response whose Content-Length already exceeds the
// cap, before any bytes stream.
func (r *Registry) checkLength(resp *http.Response) error {
	if resp.ContentLength > r.maxBytes {
		return &VolumeTooLarge{Size: resp.ContentLength, Limit: r.maxBytes}
	}
	return nil
}

// fetch streams a URL into w, capped at the registry's byte limit.
func (r *Registry) fetch(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, errors.Wrap(err, "could not build volume request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "could not fetch volume")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("volume fetch returned status %d", resp.StatusCode)
	}
	if err := r.checkLength(resp); err != nil {
		return 0, err
	}
	n, err := io.Copy(w, io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return n, errors.Wrap(err, "could not stream volume")
	}
	if n > r.maxBytes {
		return n, &VolumeTooLarge{Size: n, Limit: r.maxBytes}
	}
	return n, nil
}

func validateHTTPURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrapf(err, "invalid volume url %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("unsupported url scheme %q", u.Scheme)
	}
	return nil
}

// volumeRoot resolves the extraction directory for a volume, honoring its
// relative path without letting it escape destDir.
func volumeRoot(destDir string, v *protocol.Volume) (string, error) {
	if v.RelativePath == "" {
		return destDir, nil
	}
	target := filepath.Join(destDir, filepath.FromSlash(v.RelativePath))
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("volume path %q escapes the volume root", v.RelativePath)
	}
	return target, nil
}

type inlineDownloader struct {
	reg *Registry
}

func (d *inlineDownloader) Validate(_ context.Context, v *protocol.Volume) error {
	if v.Contents == "" {
		return errors.New("inline volume has no contents")
	}
	// Decoded size is fixed by the encoding; reject oversized payloads
	// before decoding anything.
	decoded := int64(base64.StdEncoding.DecodedLen(len(v.Contents)))
	if decoded > d.reg.maxBytes {
		return &VolumeTooLarge{Size: decoded, Limit: d.reg.maxBytes}
	}
	return nil
}

func (d *inlineDownloader) Download(ctx context.Context, v *protocol.Volume, destDir string) error {
	if err := d.Validate(ctx, v); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(v.Contents)
	if err != nil {
		return errors.Wrap(err, "could not decode inline volume")
	}
	root, err := volumeRoot(destDir, v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return errors.Wrap(err, "could not create volume root")
	}
	return extractZip(bytes.NewReader(raw), int64(len(raw)), root, d.reg.maxFiles, d.reg.maxBytes)
}

type singleFileDownloader struct {
	reg *Registry
}

func (d *singleFileDownloader) Validate(_ context.Context, v *protocol.Volume) error {
	if v.RelativePath == "" {
		return errors.New("single_file volume has no relative path")
	}
	return validateHTTPURL(v.URL)
}

func (d *singleFileDownloader) Download(ctx context.Context, v *protocol.Volume, destDir string) error {
	if err := d.Validate(ctx, v); err != nil {
		return err
	}
	target := filepath.Join(destDir, filepath.FromSlash(v.RelativePath))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.Wrap(err, "could not create volume directory")
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "could not create %s", target)
	}
	defer f.Close()
	n, err := d.reg.fetch(ctx, v.URL, f)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"path": v.RelativePath,
		"size": humanize.Bytes(uint64(n)),
	}).Debug("Downloaded single file volume")
	return nil
}

type zipURLDownloader struct {
	reg *Registry
}

func (d *zipURLDownloader) Validate(_ context.Context, v *protocol.Volume) error {
	return validateHTTPURL(v.URL)
}

func (d *zipURLDownloader) Download(ctx context.Context, v *protocol.Volume, destDir string) error {
	if err := d.Validate(ctx, v); err != nil {
		return err
	}
	tmp, err := os.CreateTemp("", "forge-volume-*.zip")
	if err != nil {
		return errors.Wrap(err, "could not create scratch file")
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	n, err := d.reg.fetch(ctx, v.URL, tmp)
	if err != nil {
		return err
	}
	root, err := volumeRoot(destDir, v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return errors.Wrap(err, "could not create volume root")
	}
	return extractZip(tmp, n, root, d.reg.maxFiles, d.reg.maxBytes)
}

type multiDownloader struct {
	reg *Registry
}

func (d *multiDownloader) Validate(ctx context.Context, v *protocol.Volume) error {
	if len(v.Volumes) == 0 {
		return errors.New("multi_volume has no parts")
	}
	for i := range v.Volumes {
		if err := d.reg.Validate(ctx, &v.Volumes[i]); err != nil {
			return errors.Wrapf(err, "volume part %d", i)
		}
	}
	return nil
}

func (d *multiDownloader) Download(ctx context.Context, v *protocol.Volume, destDir string) error {
	if err := d.Validate(ctx, v); err != nil {
		return err
	}
	for i := range v.Volumes {
		if err := d.reg.Download(ctx, &v.Volumes[i], destDir); err != nil {
			return errors.Wrapf(err, "volume part %d", i)
		}
	}
	return nil
}

type huggingfaceDownloader struct {
	fetcher HuggingfaceFetcher
}

func (d *huggingfaceDownloader) Validate(_ context.Context, v *protocol.Volume) error {
	if v.RepoID == "" {
		return errors.New("huggingface_volume has no repo id")
	}
	return nil
}

func (d *huggingfaceDownloader) Download(ctx context.Context, v *protocol.Volume, destDir string) error {
	if err := d.Validate(ctx, v); err != nil {
		return err
	}
	if d.fetcher == nil {
		return errors.New("no huggingface fetcher configured")
	}
	root, err := volumeRoot(destDir, v)
	if err != nil {
		return err
	}
	return d.fetcher.Fetch(ctx, v.RepoID, v.Revision, v.AllowPatterns, root)
}
