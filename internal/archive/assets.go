package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/net/html"

	"github.com/repairer5812/ai-email-summarizer/internal/models"
)

// ErrBlocked marks a download refused by the SSRF guard.
var ErrBlocked = fmt.Errorf("download blocked")

// Budget caps what one message's asset localization may consume. All three
// limits apply together; whichever runs out first stops further downloads.
type Budget struct {
	MaxTotalBytes int64
	MaxAssets     int
	MaxDuration   time.Duration
	FetchTimeout  time.Duration
}

// DefaultBudget mirrors the per-message defaults stored in settings.
func DefaultBudget() Budget {
	return Budget{
		MaxTotalBytes: 1 << 30,
		MaxAssets:     120,
		MaxDuration:   90 * time.Second,
		FetchTimeout:  20 * time.Second,
	}
}

// Localizer downloads external references of a message's HTML body into the
// archive and rewrites the HTML to point at the local copies. Every
// reference is accounted for: skipped or blocked URLs are recorded with
// their status, never silently dropped.
type Localizer struct {
	http   *resty.Client
	budget Budget
}

// NewLocalizer builds a Localizer around an existing resty client.
func NewLocalizer(client *resty.Client, budget Budget) *Localizer {
	if budget.MaxTotalBytes <= 0 {
		budget = DefaultBudget()
	}
	return &Localizer{http: client, budget: budget}
}

type localizeRun struct {
	loc       *Localizer
	dir       string
	cidMap    map[string]string
	deadline  time.Time
	remaining int64
	assets    []models.ExternalAsset
}

// Rewrite walks the HTML, replaces cid: references using cidMap, downloads
// http(s) references into externalDir, and strips script elements. It
// returns the rewritten HTML and the full asset ledger.
func (l *Localizer) Rewrite(ctx context.Context, rawHTML, externalDir string, cidMap map[string]string) (string, []models.ExternalAsset) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return rawHTML, nil
	}

	run := &localizeRun{
		loc:       l,
		dir:       externalDir,
		cidMap:    cidMap,
		deadline:  time.Now().Add(l.budget.MaxDuration),
		remaining: l.budget.MaxTotalBytes,
	}

	run.walk(ctx, doc)

	var out strings.Builder
	if err := html.Render(&out, doc); err != nil {
		return rawHTML, run.assets
	}
	return out.String(), run.assets
}

var refAttrs = []string{"src", "href", "poster"}

func (r *localizeRun) walk(ctx context.Context, n *html.Node) {
	if n.Type == html.ElementNode {
		if n.Data == "script" {
			// Archived mail renders offline; scripts never run and never
			// survive the rewrite.
			n.FirstChild = nil
			n.LastChild = nil
		} else {
			r.rewriteAttrs(ctx, n)
		}
		if n.Data == "style" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
			n.FirstChild.Data = r.rewriteCSS(ctx, n.FirstChild.Data)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.walk(ctx, c)
	}
}

func (r *localizeRun) rewriteAttrs(ctx context.Context, n *html.Node) {
	for i, attr := range n.Attr {
		if attr.Key == "style" {
			n.Attr[i].Val = r.rewriteCSS(ctx, attr.Val)
			continue
		}

		match := false
		for _, key := range refAttrs {
			if attr.Key == key {
				match = true
				break
			}
		}
		if !match || attr.Val == "" {
			continue
		}

		if replaced, ok := r.resolveRef(ctx, attr.Val); ok {
			n.Attr[i].Val = replaced
		}
	}
}

var cssURLRe = regexp.MustCompile(`url\(([^)]+)\)`)

func (r *localizeRun) rewriteCSS(ctx context.Context, css string) string {
	return cssURLRe.ReplaceAllStringFunc(css, func(m string) string {
		raw := strings.Trim(strings.TrimSpace(cssURLRe.FindStringSubmatch(m)[1]), `"'`)
		if replaced, ok := r.resolveRef(ctx, raw); ok {
			return fmt.Sprintf("url(%s)", replaced)
		}
		return m
	})
}

// resolveRef maps one reference to a local path. cid: references resolve
// through the attachment map; http(s) references are downloaded.
func (r *localizeRun) resolveRef(ctx context.Context, ref string) (string, bool) {
	if strings.HasPrefix(ref, "cid:") {
		cid := strings.Trim(strings.TrimSpace(ref[4:]), "<>")
		if mapped, ok := r.cidMap[cid]; ok {
			return mapped, true
		}
		return "", false
	}
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return "", false
	}

	asset := r.fetch(ctx, ref)
	r.assets = append(r.assets, asset)
	if asset.RelPath != "" {
		return asset.RelPath, true
	}
	return "", false
}

func (r *localizeRun) fetch(ctx context.Context, rawURL string) models.ExternalAsset {
	asset := models.ExternalAsset{OriginalURL: rawURL}

	switch {
	case len(r.assets) >= r.loc.budget.MaxAssets:
		asset.Status = models.AssetSkippedMax
		asset.Detail = fmt.Sprintf("asset limit %d reached", r.loc.budget.MaxAssets)
		return asset
	case time.Now().After(r.deadline):
		asset.Status = models.AssetSkippedTime
		asset.Detail = "time budget exhausted"
		return asset
	case r.remaining <= 0:
		asset.Status = models.AssetSkippedSize
		asset.Detail = "byte budget exhausted"
		return asset
	}

	if err := checkPublicURL(ctx, rawURL); err != nil {
		asset.Status = models.AssetBlocked
		asset.Detail = err.Error()
		return asset
	}

	data, contentType, err := r.loc.download(ctx, rawURL, r.remaining)
	if err != nil {
		if strings.Contains(err.Error(), "exceeds byte budget") {
			asset.Status = models.AssetSkippedSize
		} else {
			asset.Status = models.AssetFailed
		}
		asset.Detail = err.Error()
		return asset
	}
	r.remaining -= int64(len(data))

	name := hashURL(rawURL) + guessExt(contentType, rawURL)
	if err := atomicWrite(filepath.Join(r.dir, name), data); err != nil {
		asset.Status = models.AssetFailed
		asset.Detail = err.Error()
		return asset
	}

	asset.Status = models.AssetDownloaded
	asset.RelPath = "external/" + name
	asset.MIMEType = contentType
	asset.SizeBytes = int64(len(data))
	return asset
}

// download streams the URL body up to maxBytes. Exceeding the limit aborts
// the transfer so one huge asset cannot blow the message budget.
func (l *Localizer) download(ctx context.Context, rawURL string, maxBytes int64) ([]byte, string, error) {
	timeout := l.budget.FetchTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := l.http.R().
		SetContext(fetchCtx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode())
	}

	data, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", rawURL, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, "", fmt.Errorf("fetch %s: exceeds byte budget", rawURL)
	}

	return data, resp.Header().Get("Content-Type"), nil
}

// checkPublicURL enforces the SSRF guard: only http/https, and every
// resolved address must be public unicast.
func checkPublicURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: unparseable url", ErrBlocked)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %s", ErrBlocked, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing hostname", ErrBlocked)
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("%w: localhost", ErrBlocked)
	}

	if ip := net.ParseIP(host); ip != nil {
		if !isPublicIP(ip) {
			return fmt.Errorf("%w: private address", ErrBlocked)
		}
		return nil
	}

	resolveCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupIPAddr(resolveCtx, host)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrBlocked, host, err)
	}
	for _, addr := range addrs {
		if !isPublicIP(addr.IP) {
			return fmt.Errorf("%w: %s resolves to private address", ErrBlocked, host)
		}
	}
	return nil
}

func isPublicIP(ip net.IP) bool {
	return !(ip.IsPrivate() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified())
}

func hashURL(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])[:16]
}

func guessExt(contentType, rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext := path.Ext(path.Base(u.Path)); ext != "" && len(ext) <= 6 {
			return ext
		}
	}
	for frag, ext := range map[string]string{
		"png": ".png", "jpeg": ".jpg", "gif": ".gif", "webp": ".webp",
		"svg": ".svg", "css": ".css", "javascript": ".js", "mp4": ".mp4",
	} {
		if strings.Contains(contentType, frag) {
			return ext
		}
	}
	return ".bin"
}

// StripTags extracts readable text from HTML, used when a message carries
// no text/plain alternative.
func StripTags(rawHTML string) string {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return rawHTML
	}
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				b.WriteString(t)
				b.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)
	return strings.TrimSpace(b.String())
}
