package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeSegment(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "INBOX", "INBOX"},
		{"email address", "alice@example.com", "alice-example.com"},
		{"spaces and slashes", "All Mail/2026", "All-Mail-2026"},
		{"empty", "", "default"},
		{"only junk", "///", "default"},
		{"collapses dashes", "a---b", "a-b"},
		{"truncates", strings.Repeat("x", 200), strings.Repeat("x", 80)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SafeSegment(tt.input))
		})
	}
}

func TestResolvePathsLayout(t *testing.T) {
	root := t.TempDir()
	p, err := ResolvePaths(root, "alice@example.com", "INBOX", 7, 42)
	require.NoError(t, err)

	want := filepath.Join(root, "data", "messages", "alice-example.com", "INBOX", "7", "42")
	assert.Equal(t, want, p.BaseDir)

	for _, dir := range []string{p.BaseDir, p.AttachmentsDir(), p.ExternalDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

const multipartMessage = "Subject: Invoice June\r\n" +
	"From: billing@example.org\r\n" +
	"To: alice@example.com\r\n" +
	"Date: Mon, 17 Aug 2026 10:00:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=outer\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=inner\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Your invoice is attached.\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><body><p>Your invoice is attached.</p>" +
	"<img src=\"cid:logo123\"></body></html>\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: image/png\r\n" +
	"Content-Id: <logo123>\r\n" +
	"Content-Disposition: inline\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"iVBORw0KGgo=\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"invoice.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQ=\r\n" +
	"--outer--\r\n"

func TestWriteMultipart(t *testing.T) {
	p, err := ResolvePaths(t.TempDir(), "alice", "INBOX", 1, 1)
	require.NoError(t, err)

	res, err := Write(context.Background(), []byte(multipartMessage), p, nil)
	require.NoError(t, err)

	raw, err := os.ReadFile(res.RawEMLPath)
	require.NoError(t, err)
	assert.Equal(t, multipartMessage, string(raw))

	text, err := os.ReadFile(res.BodyTextPath)
	require.NoError(t, err)
	assert.Contains(t, string(text), "Your invoice is attached.")

	htmlBody, err := os.ReadFile(res.BodyHTMLPath)
	require.NoError(t, err)
	assert.Contains(t, string(htmlBody), "cid:logo123")

	require.Len(t, res.Attachments, 2)

	var inline, pdf bool
	for _, a := range res.Attachments {
		switch {
		case a.ContentID == "logo123":
			inline = true
			assert.True(t, a.IsInline)
			assert.Equal(t, "image/png", a.MIMEType)
		case a.Filename == "invoice.pdf":
			pdf = true
			assert.False(t, a.IsInline)
		}
		_, err := os.Stat(filepath.Join(p.BaseDir, filepath.FromSlash(a.RelPath)))
		require.NoError(t, err)
	}
	assert.True(t, inline, "inline cid part saved")
	assert.True(t, pdf, "pdf attachment saved")

	// Rendered HTML maps the cid reference onto the saved attachment.
	rendered, err := os.ReadFile(res.RenderedHTMLPath)
	require.NoError(t, err)
	assert.NotContains(t, string(rendered), "cid:logo123")
}

func TestWriteIsIdempotent(t *testing.T) {
	p, err := ResolvePaths(t.TempDir(), "alice", "INBOX", 1, 2)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := Write(ctx, []byte(multipartMessage), p, nil)
	require.NoError(t, err)
	second, err := Write(ctx, []byte(multipartMessage), p, nil)
	require.NoError(t, err)

	// Bodies land on the same paths both times.
	assert.Equal(t, first.RawEMLPath, second.RawEMLPath)
	assert.Equal(t, first.BodyHTMLPath, second.BodyHTMLPath)

	// Attachments too: a retried message (say, after a summarize timeout)
	// must overwrite its files in place, not mint invoice_1.pdf copies.
	require.Len(t, second.Attachments, len(first.Attachments))
	for i := range first.Attachments {
		assert.Equal(t, first.Attachments[i].RelPath, second.Attachments[i].RelPath)
	}

	entries, err := os.ReadDir(p.AttachmentsDir())
	require.NoError(t, err)
	assert.Len(t, entries, len(first.Attachments),
		"attachments dir holds exactly one file per part after a re-archive")
}

func TestWriteDeduplicatesRepeatedFilenames(t *testing.T) {
	msg := "Subject: Twice\r\n" +
		"From: a@example.org\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=b\r\n" +
		"\r\n" +
		"--b\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"two attachments, same name\r\n" +
		"--b\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
		"\r\n" +
		"first\r\n" +
		"--b\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
		"\r\n" +
		"second\r\n" +
		"--b--\r\n"

	p, err := ResolvePaths(t.TempDir(), "alice", "INBOX", 1, 9)
	require.NoError(t, err)

	res, err := Write(context.Background(), []byte(msg), p, nil)
	require.NoError(t, err)
	require.Len(t, res.Attachments, 2)
	assert.Equal(t, "attachments/report.pdf", res.Attachments[0].RelPath)
	assert.Equal(t, "attachments/report_1.pdf", res.Attachments[1].RelPath)

	// The suffix comes from part order, so a second pass is stable.
	again, err := Write(context.Background(), []byte(msg), p, nil)
	require.NoError(t, err)
	assert.Equal(t, res.Attachments[1].RelPath, again.Attachments[1].RelPath)
}

func TestWriteUnparseableFallsBackToRaw(t *testing.T) {
	p, err := ResolvePaths(t.TempDir(), "alice", "INBOX", 1, 3)
	require.NoError(t, err)

	garbage := []byte("not a mime message at all")
	res, err := Write(context.Background(), garbage, p, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, res.RawEMLPath)
	text, err := os.ReadFile(res.BodyTextPath)
	require.NoError(t, err)
	assert.Equal(t, garbage, text)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{`inv:oice*2026?.pdf`, "inv-oice-2026-.pdf"},
		{"", "file.bin"},
		{"  spaced   name.txt ", "spaced name.txt"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeFilename(tt.input), "input %q", tt.input)
	}
}

func TestStripTags(t *testing.T) {
	got := StripTags(`<html><head><style>p{color:red}</style></head>` +
		`<body><p>Hello</p><script>alert(1)</script><p>World</p></body></html>`)
	assert.Contains(t, got, "Hello")
	assert.Contains(t, got, "World")
	assert.NotContains(t, got, "alert")
	assert.NotContains(t, got, "color:red")
}
