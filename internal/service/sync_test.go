package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repairer5812/ai-email-summarizer/internal/archive"
	"github.com/repairer5812/ai-email-summarizer/internal/config"
	"github.com/repairer5812/ai-email-summarizer/internal/db"
	"github.com/repairer5812/ai-email-summarizer/internal/export"
	"github.com/repairer5812/ai-email-summarizer/internal/llm"
	"github.com/repairer5812/ai-email-summarizer/internal/mailbox"
	"github.com/repairer5812/ai-email-summarizer/internal/metrics"
	"github.com/repairer5812/ai-email-summarizer/internal/models"
)

func newTestDB(t *testing.T) *db.Client {
	t.Helper()
	client, err := db.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func textEmail(subject, body string) []byte {
	return []byte(strings.ReplaceAll(fmt.Sprintf(
		"From: news@example.org\nTo: me@example.org\nSubject: %s\nContent-Type: text/plain\n\n%s\n",
		subject, body), "\n", "\r\n"))
}

// fakeSession serves scripted messages and records flag changes.
type fakeSession struct {
	uids       []imap.UID
	messages   map[imap.UID]*mailbox.RawMessage
	seen       []imap.UID
	gotAfter   uint32
	markSeenFn func(uid imap.UID) error
}

func (f *fakeSession) UIDValidity() uint32 { return 7 }
func (f *fakeSession) Folder() string      { return "INBOX" }
func (f *fakeSession) Close() error        { return nil }

func (f *fakeSession) SearchUnseen(_ context.Context, _ time.Time, _ string, afterUID uint32) ([]imap.UID, error) {
	f.gotAfter = afterUID
	var out []imap.UID
	for _, uid := range f.uids {
		if uint32(uid) > afterUID {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (f *fakeSession) FetchRaw(_ context.Context, uid imap.UID) (*mailbox.RawMessage, error) {
	msg, ok := f.messages[uid]
	if !ok {
		return nil, fmt.Errorf("uid %d not scripted", uid)
	}
	return msg, nil
}

func (f *fakeSession) MarkSeen(_ context.Context, uid imap.UID) error {
	if f.markSeenFn != nil {
		if err := f.markSeenFn(uid); err != nil {
			return err
		}
	}
	f.seen = append(f.seen, uid)
	return nil
}

// fakeEngine summarizes deterministically, with optional per-body failures
// and an after-call hook.
type fakeEngine struct {
	failOn map[string]error
	after  func(body string)
	calls  []string
}

func (f *fakeEngine) Summarize(_ context.Context, _, body string, onProgress func(done, total int)) (*llm.Result, error) {
	f.calls = append(f.calls, body)
	if f.after != nil {
		defer f.after(body)
	}
	for needle, err := range f.failOn {
		if strings.Contains(body, needle) {
			return nil, err
		}
	}
	if onProgress != nil {
		onProgress(1, 1)
	}
	return &llm.Result{
		Summary: "- summarized: " + truncate(body, 20),
		Tags:    []string{"test"},
		Topics:  []string{"Testing"},
	}, nil
}

func (f *fakeEngine) DailyOverview(_ context.Context, day string, summaries []string) (string, error) {
	return fmt.Sprintf("- %d messages on %s", len(summaries), day), nil
}

func (f *fakeEngine) Tier() models.SummaryTier { return models.TierStandard }

// failingExporter wraps the real exporter and fails message exports on
// demand.
type failingExporter struct {
	*export.Exporter
	fail bool
}

func (f *failingExporter) ExportMessage(inp export.MessageInput) (string, error) {
	if f.fail {
		return "", fmt.Errorf("vault unavailable")
	}
	return f.Exporter.ExportMessage(inp)
}

func newTestSyncer(t *testing.T, dbClient *db.Client, session *fakeSession, engine *fakeEngine) *Syncer {
	t.Helper()
	settings := db.DefaultSettings()
	settings.IMAPHost = "mail.example.org"
	settings.IMAPUser = "me@example.org"
	settings.VaultRoot = filepath.Join(t.TempDir(), "vault")

	return &Syncer{
		DB:       dbClient,
		DataRoot: t.TempDir(),
		Settings: settings,
		Password: "secret",
		Dial: func(context.Context, mailbox.Config) (MailSession, error) {
			return session, nil
		},
		Engine:   engine,
		Exporter: export.New(settings.VaultRoot),
	}
}

func scriptedSession(uids ...imap.UID) *fakeSession {
	s := &fakeSession{uids: uids, messages: map[imap.UID]*mailbox.RawMessage{}}
	for _, uid := range uids {
		subject := fmt.Sprintf("Message %d", uid)
		s.messages[uid] = &mailbox.RawMessage{
			UID:          uid,
			MessageID:    fmt.Sprintf("<%d@example.org>", uid),
			InternalDate: time.Date(2026, 8, 20, 9, int(uid), 0, 0, time.UTC),
			From:         "news@example.org",
			To:           []string{"me@example.org"},
			Subject:      subject,
			Source:       textEmail(subject, fmt.Sprintf("body of message %d", uid)),
		}
	}
	return s
}

func seedJob(t *testing.T, dbClient *db.Client, kind models.JobKind) string {
	t.Helper()
	job := &models.Job{ID: "job-" + string(kind), Kind: kind, Params: "{}"}
	require.NoError(t, dbClient.CreateJob(context.Background(), job))
	require.NoError(t, dbClient.MarkJobStarted(context.Background(), job.ID, os.Getpid()))
	return job.ID
}

func TestSyncMarksOnlyFullyProcessedMessages(t *testing.T) {
	ctx := context.Background()
	dbClient := newTestDB(t)
	session := scriptedSession(1, 2, 3)
	engine := &fakeEngine{failOn: map[string]error{
		"body of message 2": fmt.Errorf("model stalled: %w", llm.ErrProviderTimeout),
	}}
	syncer := newTestSyncer(t, dbClient, session, engine)
	jobID := seedJob(t, dbClient, models.JobKindSync)

	require.NoError(t, syncer.Run(ctx, jobID))

	// Messages 1 and 3 went through every stage and were marked read.
	assert.Equal(t, []imap.UID{1, 3}, session.seen)
	for _, uid := range []uint32{1, 3} {
		m, err := dbClient.GetMessage(ctx, "me@example.org", "INBOX", 7, uid)
		require.NoError(t, err)
		assert.Equal(t, models.StateMarkedRead, m.State(), "uid %d", uid)
		assert.NotEmpty(t, m.Summary)
	}

	// Message 2 stays unread remotely: archived and indexed, but its
	// summary failed, so the read flag must not move.
	m2, err := dbClient.GetMessage(ctx, "me@example.org", "INBOX", 7, 2)
	require.NoError(t, err)
	assert.Equal(t, models.StateIndexed, m2.State())
	assert.Nil(t, m2.SeenMarkedAt)
	assert.Contains(t, m2.ErrorNote, "summarize")

	// Its archive is intact for the retry.
	_, err = os.Stat(m2.RawEMLPath)
	assert.NoError(t, err)

	events, err := dbClient.EventsSince(ctx, jobID, 0)
	require.NoError(t, err)
	var sawError bool
	for _, e := range events {
		if e.Level == models.EventError && strings.Contains(e.Text, "uid 2") {
			sawError = true
		}
	}
	assert.True(t, sawError, "failed message produces an error event")
}

func TestSyncFailedMessageIsRetriedNextRun(t *testing.T) {
	ctx := context.Background()
	dbClient := newTestDB(t)
	session := scriptedSession(1, 2)
	engine := &fakeEngine{failOn: map[string]error{
		"body of message 2": llm.ErrProviderUnavailable,
	}}
	syncer := newTestSyncer(t, dbClient, session, engine)

	firstJob := seedJob(t, dbClient, models.JobKindSync)
	require.NoError(t, syncer.Run(ctx, firstJob))
	assert.Equal(t, []imap.UID{1}, session.seen)
	require.NoError(t, dbClient.SetJobStatus(ctx, firstJob, models.JobStatusSucceeded, "done"))

	// The watermark is the highest seen-marked UID, so uid 2 is searched
	// again; the provider is back this time.
	engine.failOn = nil
	session.seen = nil
	job2 := &models.Job{ID: "job-retry", Kind: models.JobKindSync, Params: "{}"}
	require.NoError(t, dbClient.CreateJob(ctx, job2))

	require.NoError(t, syncer.Run(ctx, job2.ID))
	assert.Equal(t, uint32(1), session.gotAfter)
	assert.Equal(t, []imap.UID{2}, session.seen)

	m2, err := dbClient.GetMessage(ctx, "me@example.org", "INBOX", 7, 2)
	require.NoError(t, err)
	assert.Equal(t, models.StateMarkedRead, m2.State())
	assert.Empty(t, m2.ErrorNote, "retry clears the error note")
}

func TestSyncExportFailureDoesNotBlockReadFlag(t *testing.T) {
	ctx := context.Background()
	dbClient := newTestDB(t)
	session := scriptedSession(1)
	engine := &fakeEngine{}
	syncer := newTestSyncer(t, dbClient, session, engine)
	syncer.Exporter = &failingExporter{
		Exporter: export.New(syncer.Settings.VaultRoot),
		fail:     true,
	}
	jobID := seedJob(t, dbClient, models.JobKindSync)

	require.NoError(t, syncer.Run(ctx, jobID))

	// Export failed, but the summary is stored and the flag moved anyway.
	m, err := dbClient.GetMessage(ctx, "me@example.org", "INBOX", 7, 1)
	require.NoError(t, err)
	assert.NotNil(t, m.SeenMarkedAt)
	assert.NotNil(t, m.SummarizedAt)
	assert.Nil(t, m.ExportedAt)
	assert.NotEmpty(t, m.Summary)
	assert.Equal(t, []imap.UID{1}, session.seen)
}

func TestSyncCancelStopsBetweenMessages(t *testing.T) {
	ctx := context.Background()
	dbClient := newTestDB(t)
	session := scriptedSession(1, 2, 3)
	jobID := seedJob(t, dbClient, models.JobKindSync)

	engine := &fakeEngine{}
	engine.after = func(string) {
		// Request cancellation during the first summarize; the loop must
		// finish the current message and then stop.
		_ = dbClient.SetJobStatus(ctx, jobID, models.JobStatusCancelRequested, "cancel requested")
	}
	syncer := newTestSyncer(t, dbClient, session, engine)

	require.NoError(t, syncer.Run(ctx, jobID))

	// The in-flight message completed fully; nothing after it started.
	assert.Equal(t, []imap.UID{1}, session.seen)
	assert.Len(t, engine.calls, 1)

	m1, err := dbClient.GetMessage(ctx, "me@example.org", "INBOX", 7, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateMarkedRead, m1.State())

	_, err = dbClient.GetMessage(ctx, "me@example.org", "INBOX", 7, 2)
	assert.ErrorIs(t, err, db.ErrNotFound, "canceled run never touched uid 2")
}

func TestSyncWritesDailyAndTopicNotes(t *testing.T) {
	ctx := context.Background()
	dbClient := newTestDB(t)
	session := scriptedSession(1, 2)
	engine := &fakeEngine{}
	syncer := newTestSyncer(t, dbClient, session, engine)

	require.NoError(t, syncer.Run(ctx, seedJob(t, dbClient, models.JobKindSync)))

	daily, err := os.ReadFile(filepath.Join(syncer.Settings.VaultRoot, "Daily", "2026-08-20.md"))
	require.NoError(t, err)
	assert.Contains(t, string(daily), "2 messages on 2026-08-20")
	assert.Contains(t, string(daily), "[[Mail/2026-08/2026-08-20 - Message 1]]")
	assert.Contains(t, string(daily), "[[Mail/2026-08/2026-08-20 - Message 2]]")

	topic, err := os.ReadFile(filepath.Join(syncer.Settings.VaultRoot, "Topic", "Testing.md"))
	require.NoError(t, err)
	assert.Contains(t, string(topic), "[[Mail/2026-08/2026-08-20 - Message 1]]")

	overview, err := dbClient.GetDailyOverview(ctx, "2026-08-20")
	require.NoError(t, err)
	assert.Contains(t, overview, "2 messages")
}

func TestSyncRecordsStageTimings(t *testing.T) {
	ctx := context.Background()
	dbClient := newTestDB(t)

	// An HTML body so the localizer runs (no remote references, so no
	// network is touched).
	session := scriptedSession(1)
	session.messages[1].Source = []byte(strings.ReplaceAll(
		"From: news@example.org\nTo: me@example.org\nSubject: Message 1\n"+
			"Content-Type: text/html\n\n<html><body><p>body of message 1</p></body></html>\n",
		"\n", "\r\n"))

	syncer := newTestSyncer(t, dbClient, session, &fakeEngine{})
	syncer.Metrics = metrics.NewCollector()
	syncer.Localizer = archive.NewLocalizer(resty.New(), archive.DefaultBudget())

	require.NoError(t, syncer.Run(ctx, seedJob(t, dbClient, models.JobKindSync)))

	stages := syncer.Metrics.Snapshot().Stages
	for _, stage := range []string{
		metrics.StageFetch, metrics.StageArchive, metrics.StageLocalize,
		metrics.StageSummarize, metrics.StageExport, metrics.StageMarkSeen,
	} {
		st := stages[stage]
		require.NotNil(t, st, "stage %s missing from the run report", stage)
		assert.EqualValues(t, 1, st.Count, "stage %s", stage)
	}
}

func TestSyncMarkSeenFailureKeepsLocalRecord(t *testing.T) {
	ctx := context.Background()
	dbClient := newTestDB(t)
	session := scriptedSession(1)
	session.markSeenFn = func(imap.UID) error { return fmt.Errorf("connection reset") }
	engine := &fakeEngine{}
	syncer := newTestSyncer(t, dbClient, session, engine)
	// The retry dials a fresh session, which also fails to mark.
	syncer.Dial = func(context.Context, mailbox.Config) (MailSession, error) {
		return session, nil
	}
	jobID := seedJob(t, dbClient, models.JobKindSync)

	require.NoError(t, syncer.Run(ctx, jobID))

	// Everything local is durable; only the remote flag is missing, so the
	// message will be reprocessed (idempotently) next run.
	m, err := dbClient.GetMessage(ctx, "me@example.org", "INBOX", 7, 1)
	require.NoError(t, err)
	assert.Nil(t, m.SeenMarkedAt)
	assert.NotNil(t, m.SummarizedAt)
}

func TestResummarizeFromArchive(t *testing.T) {
	ctx := context.Background()
	dbClient := newTestDB(t)
	session := scriptedSession(1)
	failing := &fakeEngine{failOn: map[string]error{
		"body of message 1": llm.ErrProviderTimeout,
	}}
	syncer := newTestSyncer(t, dbClient, session, failing)
	require.NoError(t, syncer.Run(ctx, seedJob(t, dbClient, models.JobKindSync)))

	m, err := dbClient.GetMessage(ctx, "me@example.org", "INBOX", 7, 1)
	require.NoError(t, err)
	require.NotEmpty(t, m.ErrorNote)

	// Resummarize reads the archived body, without any mailbox session.
	syncer.Engine = &fakeEngine{}
	syncer.Dial = nil
	job := &models.Job{ID: "job-resum", Kind: models.JobKindResummarize, Params: "{}"}
	require.NoError(t, dbClient.CreateJob(ctx, job))

	require.NoError(t, syncer.Resummarize(ctx, job.ID, models.TierStandard))

	m, err = dbClient.GetMessage(ctx, "me@example.org", "INBOX", 7, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, m.Summary)
	assert.Empty(t, m.ErrorNote)
	assert.NotNil(t, m.SummarizedAt)

	// The vault note was (re)written.
	_, err = os.Stat(filepath.Join(syncer.Settings.VaultRoot,
		"Mail", "2026-08", "2026-08-20 - Message 1.md"))
	assert.NoError(t, err)
}

func TestReconcileFailsDeadWorkerExactlyOnce(t *testing.T) {
	ctx := context.Background()
	dbClient := newTestDB(t)
	orch, err := NewOrchestrator(dbClient, t.TempDir())
	require.NoError(t, err)

	job := &models.Job{ID: "job-dead", Kind: models.JobKindSync, Params: "{}"}
	require.NoError(t, dbClient.CreateJob(ctx, job))
	// A PID near the kernel maximum that no process holds.
	require.NoError(t, dbClient.MarkJobStarted(ctx, job.ID, 4194200))

	require.NoError(t, orch.Reconcile(ctx))

	got, err := dbClient.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)

	events, err := dbClient.EventsSince(ctx, job.ID, 0)
	require.NoError(t, err)
	var crashEvents int
	for _, e := range events {
		if strings.Contains(e.Text, "CrashRecovery") {
			crashEvents++
		}
	}
	assert.Equal(t, 1, crashEvents)

	// A second reconcile sees no active jobs and adds nothing.
	require.NoError(t, orch.Reconcile(ctx))
	events, err = dbClient.EventsSince(ctx, job.ID, 0)
	require.NoError(t, err)
	crashEvents = 0
	for _, e := range events {
		if strings.Contains(e.Text, "CrashRecovery") {
			crashEvents++
		}
	}
	assert.Equal(t, 1, crashEvents, "crash recovery happens exactly once")
}

func TestCancelSettlesJobWithoutOwnedWorker(t *testing.T) {
	ctx := context.Background()
	dbClient := newTestDB(t)
	orch, err := NewOrchestrator(dbClient, t.TempDir())
	require.NoError(t, err)

	// The worker was spawned by a previous orchestrator run and is gone
	// (dead PID, no procs entry), as after `sync --detach` or a serve
	// restart. The cancel must still reach a terminal status.
	job := &models.Job{ID: "job-orph", Kind: models.JobKindSync, Params: "{}"}
	require.NoError(t, dbClient.CreateJob(ctx, job))
	require.NoError(t, dbClient.MarkJobStarted(ctx, job.ID, 4194200))
	require.NoError(t, dbClient.SetJobStatus(ctx, job.ID, models.JobStatusCancelRequested, "cancel requested"))

	orch.enforceCancel(job.ID)

	got, err := dbClient.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, got.Status,
		"cancel settles to canceled, not stuck in cancel_requested")

	events, err := dbClient.EventsSince(ctx, job.ID, 0)
	require.NoError(t, err)
	var sawCanceled bool
	for _, e := range events {
		if e.Text == "canceled" {
			sawCanceled = true
		}
	}
	assert.True(t, sawCanceled)
}

func TestIndexPathUnderDataRoot(t *testing.T) {
	assert.Equal(t,
		filepath.Join("root", "data", "index.db"),
		config.IndexPath("root"))
}
