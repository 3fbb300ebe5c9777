package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/repairer5812/ai-email-summarizer/internal/archive"
	"github.com/repairer5812/ai-email-summarizer/internal/db"
	"github.com/repairer5812/ai-email-summarizer/internal/export"
	"github.com/repairer5812/ai-email-summarizer/internal/llm"
	"github.com/repairer5812/ai-email-summarizer/internal/models"
)

func runResummarizeJob(ctx context.Context, dbClient *db.Client, dataRoot, jobID string, params ResummarizeParams) error {
	settings, err := dbClient.LoadSettings(ctx)
	if err != nil {
		return err
	}

	engine, cleanup, err := buildEngine(ctx, dbClient, dataRoot, jobID, settings)
	if err != nil {
		return err
	}
	defer cleanup()

	syncer := &Syncer{
		DB:       dbClient,
		DataRoot: dataRoot,
		Settings: settings,
		Engine:   engine,
		Exporter: export.New(settings.VaultRoot),
	}

	minTier := models.SummaryTier(params.MinTier)
	if minTier == "" {
		minTier = engine.Tier()
	}
	return syncer.Resummarize(ctx, jobID, minTier)
}

// Resummarize redoes summaries for archived messages whose current summary
// is missing, failed, or from a cheaper tier. It works entirely from the
// local archive; no mailbox connection, and the remote read flag is never
// touched.
func (s *Syncer) Resummarize(ctx context.Context, jobID string, minTier models.SummaryTier) error {
	msgs, err := s.DB.ListResummarizeCandidates(ctx, minTier, 0)
	if err != nil {
		return err
	}
	_ = s.DB.AddEvent(ctx, jobID, models.EventInfo,
		fmt.Sprintf("resummarize: %d candidates below tier %s", len(msgs), minTier))

	total := float64(len(msgs))
	if total == 0 {
		total = 1
	}
	_ = s.DB.UpdateJobProgress(ctx, jobID, 0, total, "preparing resummarize")

	touchedDays := map[string]bool{}
	touchedTopics := map[string][]string{}

	for i, m := range msgs {
		canceled, err := s.DB.CancelRequested(ctx, jobID)
		if err != nil {
			return err
		}
		if canceled {
			_ = s.DB.AddEvent(ctx, jobID, models.EventInfo,
				fmt.Sprintf("stopping after %d of %d messages", i, len(msgs)))
			break
		}

		if err := s.resummarizeOne(ctx, jobID, &m, touchedDays, touchedTopics); err != nil {
			_ = s.DB.AddEvent(ctx, jobID, models.EventError,
				fmt.Sprintf("%s: %v", truncate(m.Subject, 40), err))
		}
		_ = s.DB.UpdateJobProgress(ctx, jobID, float64(i+1), total,
			fmt.Sprintf("resummarized %d/%d", i+1, len(msgs)))
	}

	for day := range touchedDays {
		if err := s.refreshDay(ctx, jobID, day); err != nil {
			_ = s.DB.AddEvent(ctx, jobID, models.EventWarn,
				fmt.Sprintf("daily note for %s: %v", day, err))
		}
	}
	for topic, notes := range touchedTopics {
		if _, err := s.Exporter.ExportTopic(topic, notes); err != nil {
			_ = s.DB.AddEvent(ctx, jobID, models.EventWarn,
				fmt.Sprintf("topic note %q: %v", topic, err))
		}
	}

	return nil
}

func (s *Syncer) resummarizeOne(ctx context.Context, jobID string, m *models.Message, days map[string]bool, topics map[string][]string) error {
	body, err := s.archivedBody(m)
	if err != nil {
		return err
	}

	t0 := time.Now()
	res, err := s.Engine.Summarize(ctx, llm.SanitizeText(m.Subject), llm.SanitizeText(body), nil)
	elapsed := time.Since(t0)
	if err != nil {
		_ = s.DB.SetErrorNote(ctx, m.ID, fmt.Sprintf("resummarize: %v", err))
		return err
	}

	if err := s.DB.SetAnalysis(ctx, m.ID, res.Summary, s.Engine.Tier(),
		encodeList(res.Tags), encodeList(res.Topics), elapsed.Milliseconds()); err != nil {
		return err
	}

	date, derr := time.Parse(time.RFC3339, m.InternalDate)
	if derr != nil {
		return nil
	}

	notePath, err := s.Exporter.ExportMessage(export.MessageInput{
		MessageKey: m.Key(),
		Date:       date,
		Sender:     m.FromAddr,
		Subject:    m.Subject,
		Summary:    res.Summary,
		Tags:       res.Tags,
		Topics:     res.Topics,
		ArchiveDir: filepath.Dir(m.RawEMLPath),
	})
	if err != nil {
		_ = s.DB.AddEvent(ctx, jobID, models.EventWarn,
			fmt.Sprintf("export failed for %s: %v", truncate(m.Subject, 30), err))
		return nil
	}
	if err := s.DB.SetExported(ctx, m.ID); err != nil {
		return err
	}

	days[date.Format("2006-01-02")] = true
	for _, t := range res.Topics {
		topics[t] = append(topics[t], notePath)
	}
	return nil
}

// archivedBody loads the best text representation of an archived message:
// the extracted plain body, or tags stripped from the HTML body.
func (s *Syncer) archivedBody(m *models.Message) (string, error) {
	if m.BodyTextPath != "" {
		if data, err := os.ReadFile(m.BodyTextPath); err == nil {
			return string(data), nil
		}
	}
	if m.BodyHTMLPath != "" {
		if data, err := os.ReadFile(m.BodyHTMLPath); err == nil {
			return archive.StripTags(string(data)), nil
		}
	}
	return "", fmt.Errorf("no archived body for %s", m.Key())
}

func runOverviewsJob(ctx context.Context, dbClient *db.Client, dataRoot, jobID string) error {
	settings, err := dbClient.LoadSettings(ctx)
	if err != nil {
		return err
	}

	engine, cleanup, err := buildEngine(ctx, dbClient, dataRoot, jobID, settings)
	if err != nil {
		return err
	}
	defer cleanup()

	syncer := &Syncer{
		DB:       dbClient,
		DataRoot: dataRoot,
		Settings: settings,
		Engine:   engine,
		Exporter: export.New(settings.VaultRoot),
	}
	return syncer.RefreshOverviews(ctx, jobID)
}

// RefreshOverviews regenerates the daily digest and note for every day with
// summarized mail.
func (s *Syncer) RefreshOverviews(ctx context.Context, jobID string) error {
	days, err := s.DB.ListSummarizedDays(ctx, 0)
	if err != nil {
		return err
	}

	total := float64(len(days))
	if total == 0 {
		total = 1
	}
	_ = s.DB.AddEvent(ctx, jobID, models.EventInfo,
		fmt.Sprintf("refreshing overviews for %d days", len(days)))

	for i, day := range days {
		canceled, err := s.DB.CancelRequested(ctx, jobID)
		if err != nil {
			return err
		}
		if canceled {
			break
		}

		if err := s.refreshDay(ctx, jobID, day); err != nil {
			_ = s.DB.AddEvent(ctx, jobID, models.EventWarn,
				fmt.Sprintf("daily note for %s: %v", day, err))
		}
		_ = s.DB.UpdateJobProgress(ctx, jobID, float64(i+1), total, "refreshed "+day)
	}
	return nil
}
