package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/repairer5812/ai-email-summarizer/internal/models"
)

// Result is the outcome of archiving one raw message.
type Result struct {
	RawEMLPath       string
	BodyHTMLPath     string
	BodyTextPath     string
	RenderedHTMLPath string
	BodyText         string
	Attachments      []models.Attachment
	ExternalAssets   []models.ExternalAsset

	// LocalizeTime is how long asset localization took; zero when no
	// localizer ran.
	LocalizeTime time.Duration
}

var badFilenameRe = regexp.MustCompile(`[\\/:*?"<>|]`)

func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\x00", "")
	name = filepath.Base(name)
	name = badFilenameRe.ReplaceAllString(name, "-")
	name = strings.Join(strings.Fields(name), " ")
	if name == "" || name == "." || name == ".." {
		return "file.bin"
	}
	return name
}

// dedupeName resolves name collisions within one message by appending
// _1, _2, ... in MIME part order. The map tracks names handed out during
// this pass only, never what is on disk, so re-archiving the same message
// reproduces the exact same paths instead of minting fresh copies.
func dedupeName(used map[string]bool, name string) string {
	if !used[name] {
		used[name] = true
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		cand := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if !used[cand] {
			used[cand] = true
			return cand
		}
	}
}

func extFor(contentType string) string {
	exts, _ := mime.ExtensionsByType(contentType)
	if len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// Write archives one raw RFC 5322 message under paths. It saves the raw
// source, splits out text and HTML bodies, extracts attachments, and when a
// Localizer is given produces rendered.html with remote references replaced
// by local copies. Safe to re-run: every artifact lands on the same path.
func Write(ctx context.Context, raw []byte, paths MessagePaths, loc *Localizer) (*Result, error) {
	if err := atomicWrite(paths.RawEML(), raw); err != nil {
		return nil, err
	}
	res := &Result{RawEMLPath: paths.RawEML()}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Unparseable MIME still archives: keep the raw source and treat
		// the whole payload as the text body.
		res.BodyText = string(raw)
		if werr := atomicWrite(paths.BodyText(), raw); werr != nil {
			return nil, werr
		}
		res.BodyTextPath = paths.BodyText()
		return res, nil
	}
	defer mr.Close()

	var textBody, htmlBody string
	cidMap := map[string]string{}
	usedNames := map[string]bool{}
	partCounter := 1

	saveAttachment := func(body io.Reader, filename, contentType, contentID string, inline bool) error {
		payload, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("read attachment %q: %w", filename, err)
		}
		if filename == "" {
			filename = fmt.Sprintf("part_%d%s", partCounter, extFor(contentType))
			partCounter++
		}
		name := dedupeName(usedNames, sanitizeFilename(filename))
		path := filepath.Join(paths.AttachmentsDir(), name)
		if err := atomicWrite(path, payload); err != nil {
			return err
		}

		rel := "attachments/" + filepath.Base(path)
		res.Attachments = append(res.Attachments, models.Attachment{
			Filename:  filepath.Base(path),
			MIMEType:  contentType,
			SizeBytes: int64(len(payload)),
			RelPath:   rel,
			ContentID: contentID,
			IsInline:  inline,
		})
		if contentID != "" {
			cidMap[contentID] = rel
		}
		return nil
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep what parsed so far; a malformed trailing part must not
			// lose the message.
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			contentID := strings.Trim(strings.TrimSpace(h.Get("Content-Id")), "<>")

			switch {
			case strings.HasPrefix(contentType, "text/plain") && textBody == "":
				body, err := io.ReadAll(part.Body)
				if err == nil {
					textBody = string(body)
				}
			case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
				body, err := io.ReadAll(part.Body)
				if err == nil {
					htmlBody = string(body)
				}
			default:
				// Inline non-text part, typically a cid-referenced image.
				if err := saveAttachment(part.Body, "", contentType, contentID, true); err != nil {
					return nil, err
				}
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			contentID := strings.Trim(strings.TrimSpace(h.Get("Content-Id")), "<>")
			if err := saveAttachment(part.Body, filename, contentType, contentID, false); err != nil {
				return nil, err
			}
		}
	}

	if textBody != "" {
		if err := atomicWrite(paths.BodyText(), []byte(textBody)); err != nil {
			return nil, err
		}
		res.BodyTextPath = paths.BodyText()
		res.BodyText = textBody
	}

	if htmlBody != "" {
		if err := atomicWrite(paths.BodyHTML(), []byte(htmlBody)); err != nil {
			return nil, err
		}
		res.BodyHTMLPath = paths.BodyHTML()

		rendered := htmlBody
		if loc != nil {
			t0 := time.Now()
			var assets []models.ExternalAsset
			rendered, assets = loc.Rewrite(ctx, htmlBody, paths.ExternalDir(), cidMap)
			res.ExternalAssets = assets
			res.LocalizeTime = time.Since(t0)
		}
		if err := atomicWrite(paths.RenderedHTML(), []byte(rendered)); err != nil {
			return nil, err
		}
		res.RenderedHTMLPath = paths.RenderedHTML()

		if res.BodyText == "" {
			res.BodyText = StripTags(htmlBody)
		}
	}

	return res, nil
}
