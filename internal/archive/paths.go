// Package archive writes fetched messages to the on-disk store: raw source,
// extracted bodies, attachments and localized external assets. Layout is
// deterministic from the message identity, so re-archiving a message is a
// no-op overwrite rather than a duplicate.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	unsafeSegRe  = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
	dashRunsRe   = regexp.MustCompile(`-+`)
	maxSegLength = 80
)

// SafeSegment reduces arbitrary text (account names, mailbox names) to a
// filesystem-safe path segment.
func SafeSegment(text string) string {
	s := strings.TrimSpace(text)
	s = unsafeSegRe.ReplaceAllString(s, "-")
	s = dashRunsRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "default"
	}
	if len(s) > maxSegLength {
		s = s[:maxSegLength]
	}
	return s
}

// MessagePaths locates every artifact of one archived message.
type MessagePaths struct {
	BaseDir string
}

func (p MessagePaths) RawEML() string         { return filepath.Join(p.BaseDir, "raw.eml") }
func (p MessagePaths) BodyHTML() string       { return filepath.Join(p.BaseDir, "body.html") }
func (p MessagePaths) BodyText() string       { return filepath.Join(p.BaseDir, "body.txt") }
func (p MessagePaths) RenderedHTML() string   { return filepath.Join(p.BaseDir, "rendered.html") }
func (p MessagePaths) AttachmentsDir() string { return filepath.Join(p.BaseDir, "attachments") }
func (p MessagePaths) ExternalDir() string    { return filepath.Join(p.BaseDir, "external") }

// ResolvePaths builds (and creates) the directory tree for one message.
// Layout: <dataRoot>/data/messages/<account>/<mailbox>/<uidvalidity>/<uid>/.
func ResolvePaths(dataRoot, accountID, mailbox string, uidValidity, uid uint32) (MessagePaths, error) {
	base := filepath.Join(
		dataRoot, "data", "messages",
		SafeSegment(accountID), SafeSegment(mailbox),
		fmt.Sprint(uidValidity), fmt.Sprint(uid),
	)
	p := MessagePaths{BaseDir: base}
	for _, dir := range []string{base, p.AttachmentsDir(), p.ExternalDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return MessagePaths{}, fmt.Errorf("create archive dir %s: %w", dir, err)
		}
	}
	return p, nil
}
