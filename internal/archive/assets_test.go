package archive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repairer5812/ai-email-summarizer/internal/models"
)

func TestCheckPublicURL(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		url     string
		blocked bool
	}{
		{"loopback ip", "http://127.0.0.1/x.png", true},
		{"localhost", "http://localhost/x.png", true},
		{"private 10", "http://10.0.0.5/x.png", true},
		{"private 192.168", "https://192.168.1.1/x.png", true},
		{"link local", "http://169.254.169.254/meta", true},
		{"file scheme", "file:///etc/passwd", true},
		{"ftp scheme", "ftp://example.com/x", true},
		{"public ip", "https://93.184.216.34/x.png", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkPublicURL(ctx, tt.url)
			if tt.blocked {
				require.ErrorIs(t, err, ErrBlocked)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRewriteBlocksPrivateReferences(t *testing.T) {
	loc := NewLocalizer(resty.New(), DefaultBudget())
	htmlIn := `<html><body><img src="http://10.0.0.1/tracker.gif"></body></html>`

	out, assets := loc.Rewrite(context.Background(), htmlIn, t.TempDir(), nil)

	require.Len(t, assets, 1)
	assert.Equal(t, models.AssetBlocked, assets[0].Status)
	assert.Empty(t, assets[0].RelPath)
	// The original reference stays in place when nothing was downloaded.
	assert.Contains(t, out, "http://10.0.0.1/tracker.gif")
}

func TestRewriteAssetLimit(t *testing.T) {
	budget := DefaultBudget()
	budget.MaxAssets = 1
	loc := NewLocalizer(resty.New(), budget)

	htmlIn := `<html><body>` +
		`<img src="http://10.0.0.1/a.gif">` +
		`<img src="http://10.0.0.2/b.gif">` +
		`</body></html>`

	_, assets := loc.Rewrite(context.Background(), htmlIn, t.TempDir(), nil)

	require.Len(t, assets, 2)
	assert.Equal(t, models.AssetBlocked, assets[0].Status)
	// Second reference hits the asset limit before the guard even runs,
	// but is still recorded.
	assert.Equal(t, models.AssetSkippedMax, assets[1].Status)
}

func TestRewriteTimeBudget(t *testing.T) {
	budget := DefaultBudget()
	budget.MaxDuration = -time.Second
	loc := NewLocalizer(resty.New(), budget)

	htmlIn := `<html><body><img src="https://cdn.example.com/a.png"></body></html>`
	_, assets := loc.Rewrite(context.Background(), htmlIn, t.TempDir(), nil)

	require.Len(t, assets, 1)
	assert.Equal(t, models.AssetSkippedTime, assets[0].Status)
}

func TestRewriteMapsCIDReferences(t *testing.T) {
	loc := NewLocalizer(resty.New(), DefaultBudget())
	cidMap := map[string]string{"logo123": "attachments/logo.png"}

	htmlIn := `<html><body><img src="cid:logo123">` +
		`<div style="background: url('cid:logo123')">x</div></body></html>`
	out, assets := loc.Rewrite(context.Background(), htmlIn, t.TempDir(), cidMap)

	assert.Empty(t, assets, "cid references are not downloads")
	assert.Contains(t, out, `src="attachments/logo.png"`)
	assert.Contains(t, out, "url(attachments/logo.png)")
	assert.NotContains(t, out, "cid:logo123")
}

func TestRewriteStripsScripts(t *testing.T) {
	loc := NewLocalizer(resty.New(), DefaultBudget())
	htmlIn := `<html><body><p>hi</p><script>fetch("https://evil.example")</script></body></html>`

	out, _ := loc.Rewrite(context.Background(), htmlIn, t.TempDir(), nil)
	assert.NotContains(t, out, "evil.example")
	assert.Contains(t, out, "<p>hi</p>")
}

func TestDownloadEnforcesByteBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	loc := NewLocalizer(resty.New(), DefaultBudget())

	// Under budget: full payload comes back.
	data, _, err := loc.download(context.Background(), srv.URL, 8192)
	require.NoError(t, err)
	assert.Len(t, data, 4096)

	// Over budget: the transfer is aborted, not truncated.
	_, _, err = loc.download(context.Background(), srv.URL, 1024)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "byte budget")
}

func TestGuessExt(t *testing.T) {
	tests := []struct {
		contentType string
		url         string
		want        string
	}{
		{"", "https://cdn.example.com/pic.png", ".png"},
		{"image/jpeg", "https://cdn.example.com/pic", ".jpg"},
		{"text/css", "https://cdn.example.com/styles", ".css"},
		{"", "https://cdn.example.com/blob", ".bin"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, guessExt(tt.contentType, tt.url))
	}
}
