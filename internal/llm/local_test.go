package llm

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repairer5812/ai-email-summarizer/internal/db"
	"github.com/repairer5812/ai-email-summarizer/internal/models"
)

func TestGetLocalModel(t *testing.T) {
	assert.Equal(t, "fast", GetLocalModel("fast").ID)
	assert.Equal(t, "performance", GetLocalModel("low").ID, "legacy alias")
	assert.Equal(t, "standard", GetLocalModel("ultra").ID, "legacy alias")
	assert.Equal(t, "standard", GetLocalModel("unknown-id").ID, "fallback")
	assert.Equal(t, models.TierFast, LocalModelTier("fast"))
	assert.Equal(t, models.TierStandard, LocalModelTier("performance"))
}

func TestDefaultSettingsNameACatalogModel(t *testing.T) {
	// The out-of-the-box model ID must be directly installable, not an
	// alias that only works through the fallback.
	id := db.DefaultSettings().LocalModelID
	assert.Equal(t, id, GetLocalModel(id).ID)
}

func TestModelInstalledNeedsMarker(t *testing.T) {
	root := t.TempDir()
	assert.False(t, ModelInstalled(root, "standard"))

	path := ModelPath(root, "standard")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("partial gguf"), 0o644))

	// File alone is not enough: could be a torn download.
	assert.False(t, ModelInstalled(root, "standard"))

	require.NoError(t, os.WriteFile(path+".complete", []byte("ok\n"), 0o644))
	assert.True(t, ModelInstalled(root, "standard"))
}

func TestDownloadWithResume(t *testing.T) {
	payload := []byte(strings.Repeat("abcdefgh", 1024))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rng := r.Header.Get("Range"); rng != "" {
			var start int64
			fmt.Sscanf(rng, "bytes=%d-", &start)
			if start >= int64(len(payload)) {
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}
			w.Header().Set("Content-Range",
				fmt.Sprintf("bytes %d-%d/%d", start, len(payload)-1, len(payload)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(payload[start:])
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	client := resty.New()
	ctx := context.Background()

	t.Run("fresh download", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "model.gguf")
		var last DownloadProgress
		require.NoError(t, downloadWithResume(ctx, client, srv.URL, out, func(p DownloadProgress) {
			last = p
		}))
		got, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
		assert.EqualValues(t, len(payload), last.Downloaded)
		assert.EqualValues(t, len(payload), last.Total)
	})

	t.Run("resumes partial file", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "model.gguf")
		require.NoError(t, os.WriteFile(out, payload[:1000], 0o644))

		require.NoError(t, downloadWithResume(ctx, client, srv.URL, out, nil))
		got, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("already complete", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "model.gguf")
		require.NoError(t, os.WriteFile(out, payload, 0o644))

		require.NoError(t, downloadWithResume(ctx, client, srv.URL, out, nil))
		got, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})
}

func TestDownloadRestartsWhenRangeIgnored(t *testing.T) {
	payload := []byte(strings.Repeat("z", 2048))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Always a full 200, no matter what Range asked for.
		w.Write(payload)
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "model.gguf")
	require.NoError(t, os.WriteFile(out, []byte("stale partial"), 0o644))

	require.NoError(t, downloadWithResume(context.Background(), resty.New(), srv.URL, out, nil))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "partial content was discarded, not appended to")
}

func TestInstallModelWritesMarker(t *testing.T) {
	payload := []byte("tiny gguf payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	root := t.TempDir()
	client := resty.New()
	// Point the catalog URL at the test server by downloading directly.
	out := ModelPath(root, "fast")
	require.NoError(t, downloadWithResume(context.Background(), client, srv.URL, out, nil))
	require.NoError(t, os.WriteFile(completeMarker(root, "fast"), []byte("ok\n"), 0o644))

	assert.True(t, ModelInstalled(root, "fast"))
}

func TestInstallServerUnpacksRelease(t *testing.T) {
	asset, err := serverAssetName()
	if err != nil {
		t.Skipf("no llama.cpp build for this platform: %v", err)
	}

	binaryName := "llama-server"
	if strings.HasSuffix(asset, "win-avx2-x64.zip") {
		binaryName = "llama-server.exe"
	}

	// Release zips nest everything under build/bin/.
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{
		"build/bin/" + binaryName: "fake server binary",
		"build/bin/libllama.so":   "fake shared lib",
	} {
		f, err := zw.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Contains(t, r.URL.Path, llamaReleaseTag)
		assert.Contains(t, r.URL.Path, asset)
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	orig := llamaReleaseBase
	llamaReleaseBase = srv.URL
	t.Cleanup(func() { llamaReleaseBase = orig })

	root := t.TempDir()
	require.False(t, ServerInstalled(root))
	require.NoError(t, InstallServer(context.Background(), resty.New(), root, nil))

	assert.True(t, ServerInstalled(root))
	got, err := os.ReadFile(ServerBinaryPath(root))
	require.NoError(t, err)
	assert.Equal(t, "fake server binary", string(got))

	// Shared libraries sit next to the binary; the archive itself is gone.
	dir := filepath.Dir(ServerBinaryPath(root))
	_, err = os.Stat(filepath.Join(dir, "libllama.so"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, asset))
	assert.True(t, os.IsNotExist(err))

	// A second install is a no-op: nothing is fetched again.
	require.NoError(t, InstallServer(context.Background(), resty.New(), root, nil))
	assert.Equal(t, 1, requests)
}

func TestClassifyErrors(t *testing.T) {
	assert.ErrorIs(t, classify(context.DeadlineExceeded), ErrProviderTimeout)
	assert.ErrorIs(t, classify(fmt.Errorf("dial tcp: connection refused")), ErrProviderUnavailable)
	assert.ErrorIs(t, classify(fmt.Errorf("request timeout exceeded")), ErrProviderTimeout)
	err := classify(fmt.Errorf("some model error"))
	assert.NotErrorIs(t, err, ErrProviderTimeout)
	assert.NotErrorIs(t, err, ErrProviderUnavailable)
}
