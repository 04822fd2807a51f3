// pkg/fetch/fetch.go - authenticated repository downloads with resume,
// conditional GET, redirect policy, and integrity verification.
//
// A Fetcher is built once per run from the effective preferences and is
// used for every repository artifact: manifests, catalogs, icons, and
// installer items. Completed files carry their ETag, Last-Modified, and
// sha256 in extended attributes so the next run can issue conditional
// requests without a separate manifest of cache state.

package fetch

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/macadmins/orchard/pkg/logging"
	"github.com/macadmins/orchard/pkg/retry"
	"github.com/macadmins/orchard/pkg/version"
)

// Status reports how a fetch was satisfied.
type Status int

const (
	// DownloadedNew means the file was transferred in full.
	DownloadedNew Status = iota
	// NotModified means the server confirmed the cached copy is current.
	NotModified
	// Resumed means a partial download was completed with a range request.
	Resumed
)

// Redirect policies.
const (
	RedirectNone  = "none"
	RedirectHTTPS = "https"
	RedirectAll   = "all"
)

// Verification modes for installer artifacts.
const (
	VerifyNone       = "none"
	VerifyHash       = "hash"
	VerifyHashStrict = "hash_strict"
)

// DownloadSuffix is appended to in-flight downloads; the partial file is
// renamed into place only after a complete, verified transfer.
const DownloadSuffix = ".download"

// Options carries per-request settings.
type Options struct {
	Resume          bool
	ExpectedHash    string
	Message         string
	CustomHeaders   map[string]string
	FollowRedirects string // empty means the Fetcher default
	AllowInsecure   bool

	// IsPackage marks installer and uninstaller artifacts. Strict hash
	// verification only applies to packages; repo documents such as
	// manifests, catalogs and icons never carry a catalog hash.
	IsPackage bool
}

// Config carries the per-run settings shared by all requests.
type Config struct {
	RepoHost          string // host of SoftwareRepoURL; cross-host redirects to it are always allowed
	FollowRedirects   string
	VerificationMode  string
	AdditionalHeaders map[string]string
	ClientCertPath    string
	ClientKeyPath     string
	CACertPath        string
	InactivityTimeout time.Duration
}

// Fetcher performs repository GETs.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New builds a Fetcher from config. TLS material is loaded eagerly so a
// misconfigured client certificate fails at startup, not mid-run.
func New(cfg Config) (*Fetcher, error) {
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = 60 * time.Second
	}
	if cfg.FollowRedirects == "" {
		cfg.FollowRedirects = RedirectNone
	}
	if cfg.VerificationMode == "" {
		cfg.VerificationMode = VerifyHash
	}

	tlsConfig := &tls.Config{}
	if cfg.ClientCertPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.CACertPath)
		}
		tlsConfig.RootCAs = pool
	}

	f := &Fetcher{cfg: cfg}
	f.client = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:       tlsConfig,
			ResponseHeaderTimeout: cfg.InactivityTimeout,
			IdleConnTimeout:       cfg.InactivityTimeout,
		},
		CheckRedirect: f.checkRedirect,
	}
	return f, nil
}

// checkRedirect enforces the FollowHTTPRedirects policy. A cross-host
// redirect to the declared repo host is always permitted; everything else
// depends on the configured mode.
func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("too many redirects")
	}
	prev := via[len(via)-1].URL
	next := req.URL

	if next.Host == f.cfg.RepoHost && next.Scheme == "https" {
		return nil
	}

	mode := f.cfg.FollowRedirects
	switch mode {
	case RedirectAll:
		// http may upgrade to https; same-scheme always fine. Downgrades
		// from https to http are never followed.
		if prev.Scheme == "https" && next.Scheme != "https" {
			return fmt.Errorf("refusing https to %s downgrade redirect", next.Scheme)
		}
		return nil
	case RedirectHTTPS:
		if prev.Scheme == "https" && next.Scheme == "https" && prev.Host == next.Host {
			return nil
		}
		return fmt.Errorf("redirect to %s not permitted by policy %q", next, mode)
	default:
		return fmt.Errorf("redirect to %s not permitted by policy %q", next, mode)
	}
}

// Fetch downloads rawurl to destPath. See Options for resume and
// verification behavior. The returned Status distinguishes a fresh
// transfer, a confirmed-current cache hit, and a completed resume.
func (f *Fetcher) Fetch(ctx context.Context, rawurl, destPath string, opts Options) (Status, error) {
	var status Status
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		var err error
		status, err = f.fetchOnce(ctx, rawurl, destPath, opts)
		return err
	})
	return status, err
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawurl, destPath string, opts Options) (Status, error) {
	if opts.Message != "" {
		logging.Info(opts.Message, "url", rawurl)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return 0, retry.NonRetryable{Err: err}
	}
	req.Header.Set("User-Agent", version.UserAgent())
	for k, v := range f.cfg.AdditionalHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range opts.CustomHeaders {
		req.Header.Set(k, v)
	}

	// Conditional GET against the completed cached copy.
	if _, err := os.Stat(destPath); err == nil {
		if etag := getXattr(destPath, xattrETag); etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
		if lm := getXattr(destPath, xattrLastModified); lm != "" {
			req.Header.Set("If-Modified-Since", lm)
		}
	}

	// Resume from a partial sibling.
	partialPath := destPath + DownloadSuffix
	var resumeFrom int64
	if opts.Resume {
		if info, err := os.Stat(partialPath); err == nil && info.Size() > 0 {
			resumeFrom = info.Size()
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
			// a ranged request cannot also be conditional
			req.Header.Del("If-None-Match")
			req.Header.Del("If-Modified-Since")
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Err != nil && strings.Contains(uerr.Err.Error(), "redirect") {
			return 0, retry.NonRetryable{Err: err}
		}
		return 0, &ConnectionError{URL: rawurl, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return NotModified, nil
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// the partial file already covers the full length
		if err := os.Rename(partialPath, destPath); err == nil {
			return f.finalize(rawurl, destPath, resp, opts, Resumed)
		}
		if _, err := os.Stat(destPath); err == nil {
			return NotModified, nil
		}
		return 0, retry.NonRetryable{Err: &HTTPError{Code: resp.StatusCode, URL: rawurl}}
	case resp.StatusCode == http.StatusPartialContent && resumeFrom > 0:
		if err := appendBody(partialPath, resp.Body); err != nil {
			return 0, err
		}
		if err := os.Rename(partialPath, destPath); err != nil {
			return 0, err
		}
		return f.finalize(rawurl, destPath, resp, opts, Resumed)
	case resp.StatusCode == http.StatusOK:
		// full transfer, restarting from zero even if we asked for a range
		if err := writeBody(partialPath, resp.Body); err != nil {
			return 0, err
		}
		if err := os.Rename(partialPath, destPath); err != nil {
			return 0, err
		}
		return f.finalize(rawurl, destPath, resp, opts, DownloadedNew)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusGone:
		return 0, retry.NonRetryable{Err: &HTTPError{Code: resp.StatusCode, URL: rawurl}}
	default:
		return 0, &HTTPError{Code: resp.StatusCode, URL: rawurl}
	}
}

// finalize verifies integrity and records caching metadata on the
// completed file. On an integrity failure the file is removed so the next
// run does not trust it.
func (f *Fetcher) finalize(rawurl, destPath string, resp *http.Response, opts Options, status Status) (Status, error) {
	actual, err := FileSHA256(destPath)
	if err != nil {
		return 0, err
	}

	mode := f.cfg.VerificationMode
	if mode != VerifyNone {
		if opts.ExpectedHash == "" {
			if mode == VerifyHashStrict && opts.IsPackage {
				os.Remove(destPath)
				return 0, retry.NonRetryable{Err: &IntegrityError{URL: rawurl}}
			}
		} else if !strings.EqualFold(actual, opts.ExpectedHash) {
			os.Remove(destPath)
			return 0, retry.NonRetryable{Err: &IntegrityError{
				URL: rawurl, Expected: opts.ExpectedHash, Actual: actual}}
		}
	}

	if err := setXattr(destPath, xattrETag, resp.Header.Get("Etag")); err != nil {
		logging.Debug("Could not record ETag", "path", destPath, "error", err)
	}
	if err := setXattr(destPath, xattrLastModified, resp.Header.Get("Last-Modified")); err != nil {
		logging.Debug("Could not record Last-Modified", "path", destPath, "error", err)
	}
	if err := setXattr(destPath, xattrSHA256, actual); err != nil {
		logging.Debug("Could not record sha256", "path", destPath, "error", err)
	}

	logging.Debug("Fetch complete", "url", rawurl, "path", destPath, "status", int(status))
	return status, nil
}

func writeBody(path string, body io.Reader) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, body); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func appendBody(path string, body io.Reader) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, body)
	return err
}

// FileSHA256 returns the lowercase hex sha256 of the file at path.
func FileSHA256(path string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fh.Close()
	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CachedSHA256 returns the sha256 recorded on a completed download, falling
// back to hashing the bytes when no attribute is present.
func CachedSHA256(path string) (string, error) {
	if v := getXattr(path, xattrSHA256); v != "" {
		return v, nil
	}
	return FileSHA256(path)
}

// Verify reports whether the file at path matches expectedHash.
func Verify(path, expectedHash string) bool {
	actual, err := FileSHA256(path)
	if err != nil {
		return false
	}
	return strings.EqualFold(actual, expectedHash)
}
