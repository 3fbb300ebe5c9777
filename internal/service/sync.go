package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/repairer5812/ai-email-summarizer/internal/archive"
	"github.com/repairer5812/ai-email-summarizer/internal/db"
	"github.com/repairer5812/ai-email-summarizer/internal/export"
	"github.com/repairer5812/ai-email-summarizer/internal/llm"
	"github.com/repairer5812/ai-email-summarizer/internal/mailbox"
	"github.com/repairer5812/ai-email-summarizer/internal/metrics"
	"github.com/repairer5812/ai-email-summarizer/internal/models"
)

// Slow-stage warning thresholds.
const (
	archiveSlowAfter   = 15 * time.Second
	summarizeSlowAfter = 60 * time.Second

	// After this many summaries fail in a row the job records a warning;
	// something systematic (provider down, bad model) is likely.
	failureWarnStreak = 3
)

// MailSession is the IMAP surface the pipeline needs. *mailbox.Session
// satisfies it; tests substitute fakes.
type MailSession interface {
	UIDValidity() uint32
	Folder() string
	SearchUnseen(ctx context.Context, since time.Time, sender string, afterUID uint32) ([]imap.UID, error)
	FetchRaw(ctx context.Context, uid imap.UID) (*mailbox.RawMessage, error)
	MarkSeen(ctx context.Context, uid imap.UID) error
	Close() error
}

// SessionDialer opens a mail session.
type SessionDialer func(ctx context.Context, cfg mailbox.Config) (MailSession, error)

// SummaryEngine is the summarization surface the pipeline needs.
// *llm.Engine satisfies it.
type SummaryEngine interface {
	Summarize(ctx context.Context, subject, body string, onProgress func(done, total int)) (*llm.Result, error)
	DailyOverview(ctx context.Context, day string, summaries []string) (string, error)
	Tier() models.SummaryTier
}

// NoteExporter is the vault surface the pipeline needs. *export.Exporter
// satisfies it.
type NoteExporter interface {
	ExportMessage(inp export.MessageInput) (string, error)
	ExportDaily(day string, notePaths []string, overview string) (string, error)
	ExportTopic(topic string, notePaths []string) (string, error)
	NotePath(date time.Time, subject string) string
}

// Syncer runs the sync pipeline inside a worker process.
type Syncer struct {
	DB        *db.Client
	DataRoot  string
	Settings  db.Settings
	Password  string
	Dial      SessionDialer
	Engine    SummaryEngine
	Exporter  NoteExporter
	Localizer *archive.Localizer

	// Metrics, when set, collects per-stage timings for the run report.
	Metrics *metrics.Collector
}

// record notes a stage timing (or error) when a collector is attached.
func (s *Syncer) record(stage string, start time.Time, err error) {
	if s.Metrics == nil {
		return
	}
	if err != nil {
		s.Metrics.RecordError(stage)
		return
	}
	s.Metrics.RecordTiming(stage, time.Since(start))
}

// Run executes one sync job: find unread mail above the watermark, and for
// each message archive, index, summarize, export, then set the remote read
// flag. The read flag is only ever set after archive, index and summarize
// all succeeded locally; export and mark failures warn but never undo a
// stored summary.
func (s *Syncer) Run(ctx context.Context, jobID string) error {
	cfg := mailbox.Config{
		Host:     s.Settings.IMAPHost,
		Port:     s.Settings.IMAPPort,
		Username: s.Settings.IMAPUser,
		Password: s.Password,
		Folder:   s.Settings.IMAPFolder,
	}
	if cfg.Host == "" || cfg.Username == "" {
		return fmt.Errorf("imap account not configured")
	}

	session, err := s.Dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect mailbox: %w", err)
	}
	defer session.Close()

	accountID := s.Settings.AccountID
	if accountID == "" {
		accountID = s.Settings.IMAPUser
	}
	uidValidity := session.UIDValidity()

	watermark, err := s.DB.MaxSeenUID(ctx, accountID, session.Folder(), uidValidity)
	if err != nil {
		return err
	}

	since := s.Settings.SyncSince(time.Now())
	uids, err := session.SearchUnseen(ctx, since, s.Settings.SenderFilter, watermark)
	if err != nil {
		return fmt.Errorf("search mailbox: %w", err)
	}

	total := float64(len(uids))
	if total == 0 {
		total = 1
	}
	_ = s.DB.UpdateJobProgress(ctx, jobID, 0, total, "preparing sync")
	_ = s.DB.AddEvent(ctx, jobID, models.EventInfo,
		fmt.Sprintf("sync started: %d messages above uid %d", len(uids), watermark))

	var processed []noteRef
	failStreak := 0

	for i, uid := range uids {
		canceled, err := s.DB.CancelRequested(ctx, jobID)
		if err != nil {
			return err
		}
		if canceled {
			_ = s.DB.AddEvent(ctx, jobID, models.EventInfo,
				fmt.Sprintf("stopping after %d of %d messages", i, len(uids)))
			break
		}

		note, err := s.processMessage(ctx, jobID, session, accountID, uidValidity, uid, i+1, len(uids))
		if err != nil {
			failStreak++
			_ = s.DB.AddEvent(ctx, jobID, models.EventError,
				fmt.Sprintf("uid %d: %v", uid, err))
			if failStreak == failureWarnStreak {
				_ = s.DB.AddEvent(ctx, jobID, models.EventWarn,
					fmt.Sprintf("%d messages failed in a row; check the summarizer backend", failStreak))
			}
			slog.Warn("message pipeline failed", "job_id", jobID, "uid", uid, "error", err)
			_ = s.DB.UpdateJobProgress(ctx, jobID, float64(i+1), total, fmt.Sprintf("failed uid %d", uid))
			continue
		}
		failStreak = 0

		if note.day != "" {
			processed = append(processed, note)
		}
		_ = s.DB.UpdateJobProgress(ctx, jobID, float64(i+1), total,
			fmt.Sprintf("done %d/%d", i+1, len(uids)))
	}

	// Rebuild daily and topic notes for the days touched in this run.
	byDay := map[string]bool{}
	byTopic := map[string][]string{}
	for _, p := range processed {
		byDay[p.day] = true
		if p.path == "" {
			continue
		}
		for _, t := range p.topics {
			byTopic[t] = append(byTopic[t], p.path)
		}
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	for _, day := range days {
		if err := s.refreshDay(ctx, jobID, day); err != nil {
			_ = s.DB.AddEvent(ctx, jobID, models.EventWarn,
				fmt.Sprintf("daily note for %s: %v", day, err))
		}
	}
	for topic, notes := range byTopic {
		if _, err := s.Exporter.ExportTopic(topic, notes); err != nil {
			_ = s.DB.AddEvent(ctx, jobID, models.EventWarn,
				fmt.Sprintf("topic note %q: %v", topic, err))
		}
	}

	if s.Metrics != nil {
		for stage, st := range s.Metrics.Snapshot().Stages {
			slog.Info("stage timings", "job_id", jobID, "stage", stage,
				"count", st.Count, "errors", st.Errors, "avg_ms", st.AvgTimeMs)
		}
	}

	return nil
}

type noteRef struct {
	day    string
	path   string
	topics []string
}

// processMessage runs the stage sequence for one message. Returning an
// error means the summary stage (or earlier) failed; the message stays
// unread remotely and is retried by a later sync.
func (s *Syncer) processMessage(ctx context.Context, jobID string, session MailSession, accountID string, uidValidity uint32, uid imap.UID, seq, count int) (noteRef, error) {
	stage := func(name, subject string) {
		_ = s.DB.UpdateJobProgress(ctx, jobID, float64(seq)-0.99, float64(count),
			fmt.Sprintf("%s: %s (%d/%d)", name, truncate(subject, 30), seq, count))
	}

	// Fetch. BODY.PEEK keeps the remote flag untouched.
	tFetch := time.Now()
	raw, err := session.FetchRaw(ctx, uid)
	s.record(metrics.StageFetch, tFetch, err)
	if err != nil {
		return noteRef{}, fmt.Errorf("fetch: %w", err)
	}
	subject := raw.Subject
	if subject == "" {
		subject = "(no subject)"
	}

	// Archive.
	stage("archiving", subject)
	t0 := time.Now()
	paths, err := archive.ResolvePaths(s.DataRoot, accountID, session.Folder(), uidValidity, uint32(uid))
	if err != nil {
		return noteRef{}, err
	}
	ar, err := archive.Write(ctx, raw.Source, paths, s.Localizer)
	s.record(metrics.StageArchive, t0, err)
	if err != nil {
		return noteRef{}, fmt.Errorf("archive: %w", err)
	}
	if s.Metrics != nil && s.Localizer != nil && ar.RenderedHTMLPath != "" {
		s.Metrics.RecordTiming(metrics.StageLocalize, ar.LocalizeTime)
	}
	if d := time.Since(t0); d > archiveSlowAfter {
		_ = s.DB.AddEvent(ctx, jobID, models.EventWarn,
			fmt.Sprintf("archive slow (%.1fs): %s", d.Seconds(), truncate(subject, 30)))
	}

	// Index.
	stage("indexing", subject)
	msg := &models.Message{
		AccountID:    accountID,
		Mailbox:      session.Folder(),
		UIDValidity:  uidValidity,
		UID:          uint32(uid),
		MessageID:    raw.MessageID,
		InternalDate: raw.InternalDate.Format(time.RFC3339),
		FromAddr:     raw.From,
		ToAddr:       joinAddrs(raw.To),
		Subject:      subject,
	}
	if err := s.DB.UpsertMessage(ctx, msg); err != nil {
		return noteRef{}, err
	}
	if err := s.DB.SetArchived(ctx, msg.ID, ar.RawEMLPath, ar.BodyHTMLPath, ar.BodyTextPath, ar.RenderedHTMLPath); err != nil {
		return noteRef{}, err
	}
	if err := s.DB.ReplaceAttachments(ctx, msg.ID, ar.Attachments); err != nil {
		return noteRef{}, err
	}
	if err := s.DB.ReplaceExternalAssets(ctx, msg.ID, ar.ExternalAssets); err != nil {
		return noteRef{}, err
	}
	if err := s.DB.SetIndexed(ctx, msg.ID); err != nil {
		return noteRef{}, err
	}

	// Summarize.
	stage("summarizing", subject)
	t1 := time.Now()
	res, err := s.Engine.Summarize(ctx,
		llm.SanitizeText(subject), llm.SanitizeText(ar.BodyText),
		func(done, total int) {
			_ = s.DB.UpdateJobProgress(ctx, jobID,
				float64(seq)-1+float64(done)/float64(total), float64(count),
				fmt.Sprintf("summarizing: %s (%d/%d)", truncate(subject, 30), seq, count))
		})
	elapsed := time.Since(t1)
	s.record(metrics.StageSummarize, t1, err)
	if err != nil {
		_ = s.DB.SetErrorNote(ctx, msg.ID, fmt.Sprintf("summarize: %v", err))
		return noteRef{}, fmt.Errorf("summarize: %w", err)
	}
	if elapsed > summarizeSlowAfter {
		_ = s.DB.AddEvent(ctx, jobID, models.EventWarn,
			fmt.Sprintf("summarize slow (%.1fs): %s", elapsed.Seconds(), truncate(subject, 30)))
	}

	tagsJSON, topicsJSON := encodeList(res.Tags), encodeList(res.Topics)
	if err := s.DB.SetAnalysis(ctx, msg.ID, res.Summary, s.Engine.Tier(), tagsJSON, topicsJSON, elapsed.Milliseconds()); err != nil {
		return noteRef{}, err
	}

	day := raw.InternalDate.Format("2006-01-02")
	ref := noteRef{day: day, topics: res.Topics}

	// Export. A failed export keeps the stored summary and does not block
	// the read flag or the next message.
	stage("exporting", subject)
	tExport := time.Now()
	notePath, err := s.Exporter.ExportMessage(export.MessageInput{
		MessageKey: msg.Key(),
		Date:       raw.InternalDate,
		Sender:     raw.From,
		Subject:    subject,
		Summary:    res.Summary,
		Tags:       res.Tags,
		Topics:     res.Topics,
		ArchiveDir: paths.BaseDir,
	})
	s.record(metrics.StageExport, tExport, err)
	if err != nil {
		_ = s.DB.AddEvent(ctx, jobID, models.EventWarn,
			fmt.Sprintf("export failed for %s: %v", truncate(subject, 30), err))
		_ = s.DB.SetErrorNote(ctx, msg.ID, fmt.Sprintf("export: %v", err))
	} else {
		if err := s.DB.SetExported(ctx, msg.ID); err != nil {
			return ref, err
		}
		ref.path = notePath
	}

	// Mark read. Archive, index and summarize all succeeded, so the local
	// record is durable and the flag may move.
	stage("marking read", subject)
	tMark := time.Now()
	err = s.markSeenRetry(ctx, session, uid)
	s.record(metrics.StageMarkSeen, tMark, err)
	if err != nil {
		_ = s.DB.AddEvent(ctx, jobID, models.EventWarn,
			fmt.Sprintf("mark read failed for uid %d: %v", uid, err))
		return ref, nil
	}
	if err := s.DB.SetSeenMarked(ctx, msg.ID); err != nil {
		return ref, err
	}

	return ref, nil
}

// markSeenRetry retries once through a fresh session; transient socket
// errors right after a long summarize are common.
func (s *Syncer) markSeenRetry(ctx context.Context, session MailSession, uid imap.UID) error {
	if err := session.MarkSeen(ctx, uid); err == nil {
		return nil
	}
	fresh, err := s.Dial(ctx, mailbox.Config{
		Host:     s.Settings.IMAPHost,
		Port:     s.Settings.IMAPPort,
		Username: s.Settings.IMAPUser,
		Password: s.Password,
		Folder:   s.Settings.IMAPFolder,
	})
	if err != nil {
		return err
	}
	defer fresh.Close()
	return fresh.MarkSeen(ctx, uid)
}

// refreshDay synthesizes the day's overview from every stored summary of
// that day and rewrites the daily note, linking every summarized message of
// the day regardless of which run exported it.
func (s *Syncer) refreshDay(ctx context.Context, jobID, day string) error {
	msgs, err := s.DB.ListMessagesByDay(ctx, day)
	if err != nil {
		return err
	}
	var summaries []string
	var notePaths []string
	for _, m := range msgs {
		if m.Summary != "" {
			summaries = append(summaries, m.Summary)
		}
		if date, derr := time.Parse(time.RFC3339, m.InternalDate); derr == nil {
			notePaths = append(notePaths, s.Exporter.NotePath(date, m.Subject))
		}
	}

	overview := ""
	if len(summaries) > 0 {
		overview, err = s.Engine.DailyOverview(ctx, day, summaries)
		if err != nil {
			_ = s.DB.AddEvent(ctx, jobID, models.EventWarn,
				fmt.Sprintf("overview for %s: %v", day, err))
			overview = ""
		}
		if overview != "" {
			if err := s.DB.SetDailyOverview(ctx, day, overview); err != nil {
				return err
			}
		}
	}

	_, err = s.Exporter.ExportDaily(day, notePaths, overview)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func joinAddrs(addrs []string) string {
	out := ""
	for i, a := range addrs {
		if i > 0 {
			out += ", "
		}
		out += a
	}
	return out
}

func encodeList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(raw)
}
