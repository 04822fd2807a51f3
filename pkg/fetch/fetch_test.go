package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFetcher(t *testing.T, cfg Config) *Fetcher {
	t.Helper()
	f, err := New(cfg)
	require.NoError(t, err)
	return f
}

func destIn(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "artifact")
}

// xattrsSupported reports whether the test filesystem can carry user
// extended attributes; conditional-GET tests need them.
func xattrsSupported(t *testing.T) bool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "probe")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return setXattr(path, xattrETag, "probe") == nil
}

func TestFetchDownloadsNewFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("catalog payload"))
	}))
	defer srv.Close()

	f := newFetcher(t, Config{VerificationMode: VerifyNone})
	dest := destIn(t)

	status, err := f.Fetch(context.Background(), srv.URL+"/catalogs/testing", dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, DownloadedNew, status)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "catalog payload", string(data))

	// no partial file left behind
	_, err = os.Stat(dest + DownloadSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestFetchSendsAdditionalAndCustomHeaders(t *testing.T) {
	var gotAuth, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Request-Kind")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newFetcher(t, Config{
		VerificationMode:  VerifyNone,
		AdditionalHeaders: map[string]string{"Authorization": "Bearer abc"},
	})

	_, err := f.Fetch(context.Background(), srv.URL, destIn(t), Options{
		CustomHeaders: map[string]string{"X-Request-Kind": "manifest"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", gotAuth)
	assert.Equal(t, "manifest", gotCustom)
}

func TestFetchNotFoundDoesNotRetry(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newFetcher(t, Config{VerificationMode: VerifyNone})

	_, err := f.Fetch(context.Background(), srv.URL, destIn(t), Options{})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Code)
	assert.Equal(t, 1, hits)
}

func TestFetchResumesPartialDownload(t *testing.T) {
	const full = "0123456789abcdef"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if !strings.HasPrefix(rng, "bytes=") {
			w.Write([]byte(full))
			return
		}
		from, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", from, len(full)-1, len(full)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(full[from:]))
	}))
	defer srv.Close()

	f := newFetcher(t, Config{VerificationMode: VerifyNone})
	dest := destIn(t)
	require.NoError(t, os.WriteFile(dest+DownloadSuffix, []byte(full[:6]), 0o644))

	status, err := f.Fetch(context.Background(), srv.URL, dest, Options{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, Resumed, status)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, full, string(data))
}

func TestFetchRangeNotSatisfiablePromotesPartial(t *testing.T) {
	const full = "complete content"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Write([]byte(full))
	}))
	defer srv.Close()

	f := newFetcher(t, Config{VerificationMode: VerifyNone})
	dest := destIn(t)
	require.NoError(t, os.WriteFile(dest+DownloadSuffix, []byte(full), 0o644))

	status, err := f.Fetch(context.Background(), srv.URL, dest, Options{Resume: true})
	require.NoError(t, err)
	assert.Equal(t, Resumed, status)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, full, string(data))
}

func TestFetchConditionalGetNotModified(t *testing.T) {
	if !xattrsSupported(t) {
		t.Skip("filesystem does not support user xattrs")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Etag", `"v1"`)
		w.Write([]byte("cacheable"))
	}))
	defer srv.Close()

	f := newFetcher(t, Config{VerificationMode: VerifyNone})
	dest := destIn(t)

	status, err := f.Fetch(context.Background(), srv.URL, dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, DownloadedNew, status)

	status, err = f.Fetch(context.Background(), srv.URL, dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, NotModified, status)
}

func TestFetchVerifiesExpectedHash(t *testing.T) {
	payload := []byte("installer bytes")
	sum := sha256.Sum256(payload)
	good := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	f := newFetcher(t, Config{VerificationMode: VerifyHash})

	dest := destIn(t)
	_, err := f.Fetch(context.Background(), srv.URL, dest, Options{ExpectedHash: good})
	assert.NoError(t, err)

	dest = destIn(t)
	_, err = f.Fetch(context.Background(), srv.URL, dest, Options{
		ExpectedHash: strings.Repeat("0", 64),
	})
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	// the corrupt download must not survive for the next run to trust
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFetchStrictModeRequiresPackageHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	f := newFetcher(t, Config{VerificationMode: VerifyHashStrict})

	dest := destIn(t)
	_, err := f.Fetch(context.Background(), srv.URL, dest, Options{IsPackage: true})
	var integrity *IntegrityError
	assert.ErrorAs(t, err, &integrity)
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFetchStrictModeAllowsUnhashedDocuments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("catalog contents"))
	}))
	defer srv.Close()

	f := newFetcher(t, Config{VerificationMode: VerifyHashStrict})

	// manifests, catalogs and icons carry no catalog hash; strict mode
	// must still retrieve them
	dest := destIn(t)
	status, err := f.Fetch(context.Background(), srv.URL, dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, DownloadedNew, status)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "catalog contents", string(data))
}

func TestFetchRedirectPolicyNoneRefuses(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("elsewhere"))
	}))
	defer target.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer srv.Close()

	f := newFetcher(t, Config{VerificationMode: VerifyNone, FollowRedirects: RedirectNone})
	_, err := f.Fetch(context.Background(), srv.URL, destIn(t), Options{})
	assert.Error(t, err)
}

func TestFetchRedirectPolicyAllFollows(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("elsewhere"))
	}))
	defer target.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer srv.Close()

	f := newFetcher(t, Config{VerificationMode: VerifyNone, FollowRedirects: RedirectAll})
	dest := destIn(t)
	_, err := f.Fetch(context.Background(), srv.URL, dest, Options{})
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "elsewhere", string(data))
}

func TestFileSHA256(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	got, err := FileSHA256(path)
	require.NoError(t, err)
	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", got)

	assert.True(t, Verify(path, strings.ToUpper(got)))
	assert.False(t, Verify(path, strings.Repeat("0", 64)))
}
