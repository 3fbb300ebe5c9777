// Package export writes the markdown vault: one note per message plus
// daily and topic index notes, with the archived assets copied alongside so
// the vault is self-contained and readable offline.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/repairer5812/ai-email-summarizer/internal/archive"
)

// Exporter writes notes under one vault root.
type Exporter struct {
	VaultRoot string
}

// New returns an exporter for the vault root.
func New(vaultRoot string) *Exporter {
	return &Exporter{VaultRoot: vaultRoot}
}

// MessageInput carries everything needed to export one message note.
type MessageInput struct {
	MessageKey string
	Date       time.Time
	Sender     string
	Subject    string
	Summary    string
	Tags       []string
	Topics     []string
	ArchiveDir string
}

var badNameRe = regexp.MustCompile(`[\\/:*?"<>|]`)

// SafeFilename makes a subject usable as a note filename.
func SafeFilename(text string) string {
	s := badNameRe.ReplaceAllString(strings.TrimSpace(text), "-")
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		s = "(no subject)"
	}
	if len(s) > 120 {
		s = strings.TrimRight(s[:120], " ")
	}
	return s
}

// SafeTopicName makes a topic usable as a note name.
func SafeTopicName(text string) string {
	s := strings.Trim(strings.TrimSpace(text), "[]")
	s = badNameRe.ReplaceAllString(s, "-")
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		s = "Topic"
	}
	if len(s) > 80 {
		s = strings.TrimRight(s[:80], " ")
	}
	return s
}

// NotePath returns where the note for a subject on a date lives, whether or
// not it has been written yet. Daily notes use it to link every message of a
// day, including ones exported by earlier runs.
func (e *Exporter) NotePath(date time.Time, subject string) string {
	return filepath.Join(e.VaultRoot, "Mail", date.Format("2006-01"),
		fmt.Sprintf("%s - %s.md", date.Format("2006-01-02"), SafeFilename(subject)))
}

// wikilink renders a vault-relative note path as an Obsidian link.
func (e *Exporter) wikilink(notePath string) string {
	rel, err := filepath.Rel(e.VaultRoot, notePath)
	if err != nil {
		rel = filepath.Base(notePath)
	}
	s := filepath.ToSlash(rel)
	s = strings.TrimSuffix(s, ".md")
	return fmt.Sprintf("[[%s]]", s)
}

// ExportMessage writes the note for one message and copies its archived
// artifacts into the vault. Returns the note path. Re-export overwrites the
// same note, so a retried pipeline stage cannot duplicate notes.
func (e *Exporter) ExportMessage(inp MessageInput) (string, error) {
	mailDir := filepath.Join(e.VaultRoot, "Mail", inp.Date.Format("2006-01"))
	assetsDir := filepath.Join(e.VaultRoot, "Assets", inp.MessageKey)
	rawDir := filepath.Join(e.VaultRoot, "Raw")
	for _, dir := range []string{mailDir, assetsDir, rawDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create vault dir %s: %w", dir, err)
		}
	}

	for _, name := range []string{"rendered.html", "body.html", "body.txt"} {
		src := filepath.Join(inp.ArchiveDir, name)
		if _, err := os.Stat(src); err == nil {
			if err := copyFile(src, filepath.Join(assetsDir, name)); err != nil {
				return "", err
			}
		}
	}
	if err := copyTree(filepath.Join(inp.ArchiveDir, "attachments"), filepath.Join(assetsDir, "attachments")); err != nil {
		return "", err
	}
	if err := copyTree(filepath.Join(inp.ArchiveDir, "external"), filepath.Join(assetsDir, "external")); err != nil {
		return "", err
	}
	if src := filepath.Join(inp.ArchiveDir, "raw.eml"); fileExists(src) {
		if err := copyFile(src, filepath.Join(rawDir, inp.MessageKey+".eml")); err != nil {
			return "", err
		}
	}

	var b strings.Builder
	day := inp.Date.Format("2006-01-02")

	b.WriteString("---\n")
	fmt.Fprintf(&b, "title: %s\n", inp.Subject)
	fmt.Fprintf(&b, "date: %s\n", day)
	fmt.Fprintf(&b, "sender: %s\n", inp.Sender)
	fmt.Fprintf(&b, "message_key: %s\n", inp.MessageKey)
	b.WriteString("tags:\n")
	for _, t := range inp.Tags {
		if t = strings.TrimPrefix(strings.TrimSpace(t), "#"); t != "" {
			fmt.Fprintf(&b, "  - %s\n", t)
		}
	}
	b.WriteString("topics:\n")
	topics := make([]string, 0, len(inp.Topics))
	for _, t := range inp.Topics {
		if strings.TrimSpace(t) == "" {
			continue
		}
		name := SafeTopicName(t)
		topics = append(topics, name)
		fmt.Fprintf(&b, "  - %s\n", name)
	}
	b.WriteString("---\n\n")

	fmt.Fprintf(&b, "[[Daily/%s]]", day)
	for _, t := range topics {
		fmt.Fprintf(&b, " [[Topic/%s]]", t)
	}
	b.WriteString("\n\n## Summary\n\n")
	summary := strings.TrimSpace(inp.Summary)
	if summary == "" {
		summary = "(no summary)"
	}
	b.WriteString(summary)
	b.WriteString("\n\n## Original\n\n")
	fmt.Fprintf(&b, "- Rendered HTML: [[Assets/%s/rendered.html]]\n", inp.MessageKey)
	fmt.Fprintf(&b, "- Raw EML: [[Raw/%s.eml]]\n", inp.MessageKey)

	if imgs := inlineImages(filepath.Join(assetsDir, "attachments")); len(imgs) > 0 {
		b.WriteString("\n## Images\n\n")
		for _, img := range imgs {
			fmt.Fprintf(&b, "![[Assets/%s/attachments/%s]]\n", inp.MessageKey, img)
		}
	}

	notePath := e.NotePath(inp.Date, inp.Subject)
	if err := archive.AtomicWriteFile(notePath, []byte(b.String())); err != nil {
		return "", err
	}
	return notePath, nil
}

// ExportDaily writes the daily digest note linking every message note of
// the day.
func (e *Exporter) ExportDaily(day string, notePaths []string, overview string) (string, error) {
	dailyDir := filepath.Join(e.VaultRoot, "Daily")
	if err := os.MkdirAll(dailyDir, 0o755); err != nil {
		return "", fmt.Errorf("create daily dir: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "---\ndate: %s\n---\n\n", day)
	b.WriteString("## Daily Digest\n\n")
	if overview = strings.TrimSpace(overview); overview == "" {
		overview = "(no digest)"
	}
	b.WriteString(overview)
	b.WriteString("\n\n## Messages\n\n")
	for _, p := range notePaths {
		fmt.Fprintf(&b, "- %s\n", e.wikilink(p))
	}

	notePath := filepath.Join(dailyDir, day+".md")
	if err := archive.AtomicWriteFile(notePath, []byte(b.String())); err != nil {
		return "", err
	}
	return notePath, nil
}

// ExportTopic writes (or rewrites) the index note for one topic.
func (e *Exporter) ExportTopic(topic string, notePaths []string) (string, error) {
	topicDir := filepath.Join(e.VaultRoot, "Topic")
	if err := os.MkdirAll(topicDir, 0o755); err != nil {
		return "", fmt.Errorf("create topic dir: %w", err)
	}

	name := SafeTopicName(topic)
	var b strings.Builder
	fmt.Fprintf(&b, "---\ntopic: %s\n---\n\n", name)
	b.WriteString("## Messages\n\n")
	for _, p := range notePaths {
		fmt.Fprintf(&b, "- %s\n", e.wikilink(p))
	}

	notePath := filepath.Join(topicDir, name+".md")
	if err := archive.AtomicWriteFile(notePath, []byte(b.String())); err != nil {
		return "", err
	}
	return notePath, nil
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

func inlineImages(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var imgs []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if imageExts[strings.ToLower(filepath.Ext(entry.Name()))] {
			imgs = append(imgs, entry.Name())
		}
		if len(imgs) == 20 {
			break
		}
	}
	return imgs
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", dst, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	return out.Close()
}

func copyTree(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read dir %s: %w", src, err)
	}
	for _, entry := range entries {
		s := filepath.Join(src, entry.Name())
		d := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyTree(s, d); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(s, d); err != nil {
			return err
		}
	}
	return nil
}
