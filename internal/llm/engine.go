package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/repairer5812/ai-email-summarizer/internal/models"
)

// EngineConfig tunes long-message handling.
type EngineConfig struct {
	// Bodies longer than this are chunked before summarizing.
	ChunkThreshold int
	// Approximate chunk size; paragraph boundaries are respected when
	// possible.
	ChunkChars int
	// Caps on the merged output.
	MaxBullets  int
	PartBullets int
	MaxTags     int
	MaxTopics   int
}

// DefaultEngineConfig matches the settings the summaries were tuned with.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ChunkThreshold: 4500,
		ChunkChars:     2400,
		MaxBullets:     15,
		PartBullets:    5,
		MaxTags:        10,
		MaxTopics:      10,
	}
}

// Summarizer is the provider surface the engine needs. *Provider satisfies
// it; tests substitute scripted implementations.
type Summarizer interface {
	Summarize(ctx context.Context, subject, body string) (*Result, error)
	Generate(ctx context.Context, prompt string) (string, error)
	Tier() models.SummaryTier
}

// Engine runs the chunk-and-synthesize strategy over a provider.
type Engine struct {
	provider Summarizer
	cfg      EngineConfig

	// UserProfile, when set, steers synthesis toward what the user cares
	// about. Free-form text from settings.
	UserProfile string
}

// NewEngine wraps a provider.
func NewEngine(provider Summarizer, cfg EngineConfig) *Engine {
	if cfg.ChunkThreshold <= 0 {
		cfg = DefaultEngineConfig()
	}
	return &Engine{provider: provider, cfg: cfg}
}

// Tier exposes the underlying provider tier.
func (e *Engine) Tier() models.SummaryTier {
	return e.provider.Tier()
}

// Summarize produces the final summary for one message. Short bodies go to
// the provider in one call; long bodies are split into chunks, each chunk
// summarized, and the chunk summaries synthesized into one report. Every
// chunk is covered: there is no sampling.
func (e *Engine) Summarize(ctx context.Context, subject, body string, onProgress func(done, total int)) (*Result, error) {
	body = strings.TrimSpace(body)
	if len(body) <= e.cfg.ChunkThreshold {
		return e.provider.Summarize(ctx, subject, body)
	}

	chunks := chunkText(body, e.cfg.ChunkChars)
	if len(chunks) == 0 {
		return e.provider.Summarize(ctx, subject, body[:e.cfg.ChunkChars])
	}

	// Units: one per chunk plus the synthesis call.
	total := len(chunks) + 1

	var detailedParts []string
	var allBullets, tags, topics []string

	for i, chunk := range chunks {
		part := fmt.Sprintf("[Part %d/%d]\n%s", i+1, len(chunks), chunk)
		res, err := e.provider.Summarize(ctx, subject, part)
		if err != nil {
			return nil, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}

		bullets := extractBullets(res.Summary)
		allBullets = append(allBullets, bullets...)
		tags = append(tags, res.Tags...)
		topics = append(topics, res.Topics...)

		short := dedupeKeepOrder(bullets)
		if len(short) > e.cfg.PartBullets {
			short = short[:e.cfg.PartBullets]
		}
		if len(short) > 0 {
			detailedParts = append(detailedParts, "- "+strings.Join(short, "\n- "))
		}

		if onProgress != nil {
			onProgress(i+1, total)
		}
	}

	final := e.synthesize(ctx, subject, detailedParts, &tags, &topics)
	if onProgress != nil {
		onProgress(total, total)
	}

	if final == "" {
		merged := dedupeKeepOrder(allBullets)
		if len(merged) > e.cfg.MaxBullets {
			merged = merged[:e.cfg.MaxBullets]
		}
		final = "- " + strings.Join(merged, "\n- ")
		if len(merged) == 0 {
			final = "(no summary)"
		}
	}

	return &Result{
		Summary: final,
		Tags:    capList(dedupeKeepOrder(tags), e.cfg.MaxTags),
		Topics:  capList(dedupeKeepOrder(topics), e.cfg.MaxTopics),
	}, nil
}

// synthesize merges the per-chunk drafts into one report. The instruction
// set scales with the provider tier: small models get a simple format, the
// cloud tier is asked for an analyst-grade report. A synthesis failure is
// not fatal; the caller falls back to merged bullets.
func (e *Engine) synthesize(ctx context.Context, subject string, parts []string, tags, topics *[]string) string {
	if len(parts) == 0 {
		return ""
	}

	var guidelines string
	switch e.provider.Tier() {
	case models.TierFast:
		guidelines = `1. List the 3-5 most important points as bullet points.
2. Group related points under simple [Topic] labels.
3. Drop noise: addresses, copyright footers, unsubscribe instructions.`
	case models.TierCloud:
		guidelines = `1. Start with the single most important takeaway, bolded as **[Key Takeaway]**.
2. Structure the report with ### [Topic] headings.
3. Keep the data: numbers, names and decisions belong in the report.
4. Add a short "Why it matters" line per section.`
	default:
		guidelines = `1. Start with the most important conclusion, bolded as **[Key Takeaway]**.
2. Group related points under 2-3 ### [Topic] headings.
3. Under each heading, state the gist and support it with bullets.
4. Drop noise: addresses, copyright footers, unsubscribe instructions.`
	}

	profile := ""
	if e.UserProfile != "" {
		profile = fmt.Sprintf("\nTailor the report to this reader:\n%s\n", e.UserProfile)
	}

	prompt := fmt.Sprintf(`You are an editor producing the final report for the email %q.
Combine the draft summaries below into one report.

Guidelines:
%s%s

Draft summaries:
%s`, subject, guidelines, profile, strings.Join(parts, "\n\n---\n\n"))

	out, err := e.provider.Generate(ctx, prompt)
	if err != nil {
		return ""
	}

	res := ParseResult(out)
	*tags = append(*tags, res.Tags...)
	*topics = append(*topics, res.Topics...)

	raw := strings.TrimSpace(res.Summary)
	if isStructured(raw) {
		return raw
	}
	bullets := extractBullets(raw)
	if len(bullets) == 0 {
		return ""
	}
	return "- " + strings.Join(bullets, "\n- ")
}

// DailyOverview condenses one day's summaries into a short briefing of at
// most five bullets.
func (e *Engine) DailyOverview(ctx context.Context, day string, summaries []string) (string, error) {
	if len(summaries) == 0 {
		return "", nil
	}

	var items []string
	for _, s := range summaries {
		s = strings.TrimSpace(s)
		if len(s) > 300 {
			s = s[:300]
		}
		if s != "" {
			items = append(items, "- "+s)
		}
	}

	profile := ""
	if e.UserProfile != "" {
		profile = fmt.Sprintf("\nTailor the briefing to this reader:\n%s\n", e.UserProfile)
	}

	prompt := fmt.Sprintf(`These are summaries of email received on %s.
Condense them into a briefing of at most 5 bullet points covering what the
reader most needs to know.%s

Summaries:
%s`, day, profile, strings.Join(items, "\n"))

	out, err := e.provider.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}

	bullets := extractBullets(ParseResult(out).Summary)
	if len(bullets) > 5 {
		bullets = bullets[:5]
	}
	if len(bullets) == 0 {
		return "", nil
	}
	return "- " + strings.Join(bullets, "\n- "), nil
}

// chunkText splits text into ~chunkChars pieces along paragraph boundaries.
// A paragraph longer than twice the chunk size is split hard.
func chunkText(text string, chunkChars int) []string {
	paras := splitParagraphs(text)
	if len(paras) == 0 {
		return nil
	}

	var chunks []string
	var cur []string
	curLen := 0

	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, strings.TrimSpace(strings.Join(cur, "\n\n")))
			cur = nil
			curLen = 0
		}
	}

	for _, p := range paras {
		if len(p) > chunkChars*2 {
			flush()
			for i := 0; i < len(p); i += chunkChars {
				end := i + chunkChars
				if end > len(p) {
					end = len(p)
				}
				chunks = append(chunks, strings.TrimSpace(p[i:end]))
			}
			continue
		}

		sep := 0
		if curLen > 0 {
			sep = 2
		}
		if curLen+len(p)+sep > chunkChars && curLen > 0 {
			flush()
		}
		cur = append(cur, p)
		curLen += len(p) + sep
	}
	flush()

	var out []string
	for _, c := range chunks {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func splitParagraphs(text string) []string {
	s := strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(text, "\r\n", "\n"), "\r", "\n"))
	if s == "" {
		return nil
	}

	var paras []string
	var cur []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				paras = append(paras, strings.TrimSpace(strings.Join(cur, "\n")))
				cur = nil
			}
			continue
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		paras = append(paras, strings.TrimSpace(strings.Join(cur, "\n")))
	}
	return paras
}

// extractBullets normalizes a summary into plain bullet texts. Bullet lines
// keep their text; a "; "-separated single line splits; anything else comes
// back as one item.
func extractBullets(summary string) []string {
	s := strings.TrimSpace(summary)
	if s == "" {
		return nil
	}

	var lines []string
	hasBullet := false
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			lines = append(lines, t)
			if strings.HasPrefix(t, "-") {
				hasBullet = true
			}
		}
	}

	if hasBullet {
		var out []string
		for _, line := range lines {
			out = append(out, strings.TrimSpace(strings.TrimLeft(line, "- ")))
		}
		return compact(out)
	}

	if strings.Contains(s, "; ") {
		var out []string
		for _, part := range strings.Split(s, "; ") {
			out = append(out, strings.TrimSpace(part))
		}
		return compact(out)
	}

	return []string{s}
}

func compact(items []string) []string {
	var out []string
	for _, x := range items {
		if x != "" {
			out = append(out, x)
		}
	}
	return out
}

func dedupeKeepOrder(items []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, x := range items {
		k := strings.ToLower(strings.TrimSpace(x))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, strings.TrimSpace(x))
	}
	return out
}

func capList(items []string, max int) []string {
	if len(items) > max {
		return items[:max]
	}
	return items
}

// isStructured reports whether the text already carries report formatting
// worth preserving verbatim.
func isStructured(text string) bool {
	s := strings.TrimSpace(text)
	return strings.Contains(s, "###") || strings.Contains(s, "**") ||
		strings.Count(s, "\n\n") >= 2
}
