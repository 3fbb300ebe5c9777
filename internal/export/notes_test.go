package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Weekly digest", "Weekly digest"},
		{`Re: invoice / "urgent"`, "Re- invoice - -urgent-"},
		{"", "(no subject)"},
		{strings.Repeat("a", 200), strings.Repeat("a", 120)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SafeFilename(tt.input), "input %q", tt.input)
	}
}

func TestSafeTopicName(t *testing.T) {
	assert.Equal(t, "AI Research", SafeTopicName("[AI Research]"))
	assert.Equal(t, "Topic", SafeTopicName("  "))
	assert.Equal(t, "a-b", SafeTopicName(`a\b`))
}

func seedArchiveDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw.eml"), []byte("raw"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rendered.html"), []byte("<html/>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "body.txt"), []byte("text"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "attachments"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "attachments", "chart.png"), []byte("png"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "external"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "external", "logo.gif"), []byte("gif"), 0o644))
	return dir
}

func TestExportMessage(t *testing.T) {
	vault := t.TempDir()
	e := New(vault)

	inp := MessageInput{
		MessageKey: "alice-7-42",
		Date:       time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC),
		Sender:     "news@example.org",
		Subject:    "Weekly digest",
		Summary:    "- point one\n- point two",
		Tags:       []string{"#newsletter", "ai"},
		Topics:     []string{"[AI Research]"},
		ArchiveDir: seedArchiveDir(t),
	}

	notePath, err := e.ExportMessage(inp)
	require.NoError(t, err)
	assert.Equal(t,
		filepath.Join(vault, "Mail", "2026-08", "2026-08-20 - Weekly digest.md"),
		notePath)

	note, err := os.ReadFile(notePath)
	require.NoError(t, err)
	text := string(note)

	assert.Contains(t, text, "title: Weekly digest")
	assert.Contains(t, text, "sender: news@example.org")
	assert.Contains(t, text, "  - newsletter", "tag hash prefix stripped")
	assert.Contains(t, text, "  - AI Research")
	assert.Contains(t, text, "[[Daily/2026-08-20]]")
	assert.Contains(t, text, "[[Topic/AI Research]]")
	assert.Contains(t, text, "- point one")
	assert.Contains(t, text, "[[Assets/alice-7-42/rendered.html]]")
	assert.Contains(t, text, "[[Raw/alice-7-42.eml]]")
	assert.Contains(t, text, "![[Assets/alice-7-42/attachments/chart.png]]")

	// Artifacts copied into the vault.
	for _, rel := range []string{
		filepath.Join("Assets", "alice-7-42", "rendered.html"),
		filepath.Join("Assets", "alice-7-42", "body.txt"),
		filepath.Join("Assets", "alice-7-42", "attachments", "chart.png"),
		filepath.Join("Assets", "alice-7-42", "external", "logo.gif"),
		filepath.Join("Raw", "alice-7-42.eml"),
	} {
		_, err := os.Stat(filepath.Join(vault, rel))
		assert.NoError(t, err, rel)
	}
}

func TestExportMessageIsIdempotent(t *testing.T) {
	vault := t.TempDir()
	e := New(vault)
	inp := MessageInput{
		MessageKey: "k",
		Date:       time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
		Subject:    "Same subject",
		Summary:    "- a",
		ArchiveDir: seedArchiveDir(t),
	}

	first, err := e.ExportMessage(inp)
	require.NoError(t, err)
	second, err := e.ExportMessage(inp)
	require.NoError(t, err)
	assert.Equal(t, first, second, "re-export lands on the same note")

	entries, err := os.ReadDir(filepath.Dir(first))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestExportDaily(t *testing.T) {
	vault := t.TempDir()
	e := New(vault)

	notes := []string{
		filepath.Join(vault, "Mail", "2026-08", "2026-08-20 - A.md"),
		filepath.Join(vault, "Mail", "2026-08", "2026-08-20 - B.md"),
	}
	notePath, err := e.ExportDaily("2026-08-20", notes, "- busy day")
	require.NoError(t, err)

	text, err := os.ReadFile(notePath)
	require.NoError(t, err)
	assert.Contains(t, string(text), "- busy day")
	assert.Contains(t, string(text), "[[Mail/2026-08/2026-08-20 - A]]")
	assert.Contains(t, string(text), "[[Mail/2026-08/2026-08-20 - B]]")
}

func TestExportDailyEmptyOverview(t *testing.T) {
	e := New(t.TempDir())
	notePath, err := e.ExportDaily("2026-08-21", nil, "")
	require.NoError(t, err)

	text, err := os.ReadFile(notePath)
	require.NoError(t, err)
	assert.Contains(t, string(text), "(no digest)")
}

func TestExportTopic(t *testing.T) {
	vault := t.TempDir()
	e := New(vault)

	notePath, err := e.ExportTopic("[AI Research]", []string{
		filepath.Join(vault, "Mail", "2026-08", "2026-08-20 - A.md"),
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(vault, "Topic", "AI Research.md"), notePath)

	text, err := os.ReadFile(notePath)
	require.NoError(t, err)
	assert.Contains(t, string(text), "topic: AI Research")
	assert.Contains(t, string(text), "[[Mail/2026-08/2026-08-20 - A]]")
}
