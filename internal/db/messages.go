package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/repairer5812/ai-email-summarizer/internal/models"
)

// UpsertMessage inserts or refreshes a message row keyed by the IMAP
// identity tuple. Stage timestamps and analysis fields on an existing row
// are preserved; only envelope metadata is refreshed. The row ID is set on
// the passed message.
func (c *Client) UpsertMessage(ctx context.Context, m *models.Message) error {
	now := time.Now().UTC()
	m.UpdatedAt = now
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO messages (account_id, mailbox, uidvalidity, uid,
			message_id, internal_date, from_addr, to_addr, subject,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, mailbox, uidvalidity, uid) DO UPDATE SET
			message_id = excluded.message_id,
			internal_date = excluded.internal_date,
			from_addr = excluded.from_addr,
			to_addr = excluded.to_addr,
			subject = excluded.subject,
			updated_at = excluded.updated_at`,
		m.AccountID, m.Mailbox, m.UIDValidity, m.UID,
		m.MessageID, m.InternalDate, m.FromAddr, m.ToAddr, m.Subject,
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.Key(), err)
	}

	stored, err := c.GetMessage(ctx, m.AccountID, m.Mailbox, m.UIDValidity, m.UID)
	if err != nil {
		return err
	}
	m.ID = stored.ID
	return nil
}

// GetMessage retrieves a message by its IMAP identity tuple.
func (c *Client) GetMessage(ctx context.Context, accountID, mailbox string, uidValidity, uid uint32) (*models.Message, error) {
	var m models.Message
	err := c.db.GetContext(ctx, &m, `
		SELECT * FROM messages
		WHERE account_id = ? AND mailbox = ? AND uidvalidity = ? AND uid = ?`,
		accountID, mailbox, uidValidity, uid,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w",
			models.MessageKey(accountID, uidValidity, uid), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

// GetMessageByID retrieves a message by row ID.
func (c *Client) GetMessageByID(ctx context.Context, id int64) (*models.Message, error) {
	var m models.Message
	err := c.db.GetContext(ctx, &m, "SELECT * FROM messages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message id %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message id %d: %w", id, err)
	}
	return &m, nil
}

// SetArchived records the on-disk archive paths and stamps archived_at.
func (c *Client) SetArchived(ctx context.Context, id int64, rawEML, bodyHTML, bodyText, renderedHTML string) error {
	now := time.Now().UTC()
	_, err := c.db.ExecContext(ctx, `
		UPDATE messages SET raw_eml_path = ?, body_html_path = ?,
			body_text_path = ?, rendered_html_path = ?,
			archived_at = COALESCE(archived_at, ?), updated_at = ?
		WHERE id = ?`,
		rawEML, bodyHTML, bodyText, renderedHTML, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("set message %d archived: %w", id, err)
	}
	return nil
}

// SetIndexed stamps indexed_at after attachments and assets are recorded.
func (c *Client) SetIndexed(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := c.db.ExecContext(ctx, `
		UPDATE messages SET indexed_at = COALESCE(indexed_at, ?), updated_at = ?
		WHERE id = ?`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("set message %d indexed: %w", id, err)
	}
	return nil
}

// SetAnalysis records the summary output and stamps summarized_at.
func (c *Client) SetAnalysis(ctx context.Context, id int64, summary string, tier models.SummaryTier, tagsJSON, topicsJSON string, elapsedMS int64) error {
	now := time.Now().UTC()
	_, err := c.db.ExecContext(ctx, `
		UPDATE messages SET summary = ?, summary_tier = ?, tags_json = ?,
			topics_json = ?, summarize_ms = ?, error_note = '',
			summarized_at = ?, updated_at = ?
		WHERE id = ?`,
		summary, tier, tagsJSON, topicsJSON, elapsedMS, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("set message %d analysis: %w", id, err)
	}
	return nil
}

// SetExported stamps exported_at.
func (c *Client) SetExported(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := c.db.ExecContext(ctx, `
		UPDATE messages SET exported_at = COALESCE(exported_at, ?), updated_at = ?
		WHERE id = ?`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("set message %d exported: %w", id, err)
	}
	return nil
}

// SetSeenMarked stamps seen_marked_at after the remote read flag was set.
func (c *Client) SetSeenMarked(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := c.db.ExecContext(ctx, `
		UPDATE messages SET seen_marked_at = COALESCE(seen_marked_at, ?), updated_at = ?
		WHERE id = ?`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("set message %d seen-marked: %w", id, err)
	}
	return nil
}

// SetErrorNote records why a message's pipeline stalled without touching
// any stage timestamp.
func (c *Client) SetErrorNote(ctx context.Context, id int64, note string) error {
	_, err := c.db.ExecContext(ctx,
		"UPDATE messages SET error_note = ?, updated_at = ? WHERE id = ?",
		note, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set message %d error note: %w", id, err)
	}
	return nil
}

// MaxSeenUID returns the highest UID already marked read for the mailbox
// epoch, or 0 when none. Sync uses this as its fetch watermark.
func (c *Client) MaxSeenUID(ctx context.Context, accountID, mailbox string, uidValidity uint32) (uint32, error) {
	var uid uint32
	err := c.db.GetContext(ctx, &uid, `
		SELECT COALESCE(MAX(uid), 0) FROM messages
		WHERE account_id = ? AND mailbox = ? AND uidvalidity = ?
			AND seen_marked_at IS NOT NULL`,
		accountID, mailbox, uidValidity,
	)
	if err != nil {
		return 0, fmt.Errorf("max seen uid: %w", err)
	}
	return uid, nil
}

// ReplaceAttachments replaces the attachment rows for a message. Archive is
// idempotent, so re-runs swap the full set rather than appending.
func (c *Client) ReplaceAttachments(ctx context.Context, messageID int64, atts []models.Attachment) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace attachments: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM attachments WHERE message_fk = ?", messageID,
	); err != nil {
		return fmt.Errorf("clear attachments for message %d: %w", messageID, err)
	}

	now := time.Now().UTC()
	for _, a := range atts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (message_fk, filename, mime_type,
				size_bytes, rel_path, content_id, is_inline, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			messageID, a.Filename, a.MIMEType, a.SizeBytes,
			a.RelPath, a.ContentID, a.IsInline, now,
		); err != nil {
			return fmt.Errorf("insert attachment %q: %w", a.Filename, err)
		}
	}

	return tx.Commit()
}

// ReplaceExternalAssets replaces the external asset rows for a message.
func (c *Client) ReplaceExternalAssets(ctx context.Context, messageID int64, assets []models.ExternalAsset) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace assets: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM external_assets WHERE message_fk = ?", messageID,
	); err != nil {
		return fmt.Errorf("clear assets for message %d: %w", messageID, err)
	}

	now := time.Now().UTC()
	for _, a := range assets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO external_assets (message_fk, original_url, rel_path,
				mime_type, size_bytes, status, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			messageID, a.OriginalURL, a.RelPath, a.MIMEType,
			a.SizeBytes, a.Status, a.Detail, now,
		); err != nil {
			return fmt.Errorf("insert asset %q: %w", a.OriginalURL, err)
		}
	}

	return tx.Commit()
}

// ListAttachments returns the attachments recorded for a message.
func (c *Client) ListAttachments(ctx context.Context, messageID int64) ([]models.Attachment, error) {
	var atts []models.Attachment
	err := c.db.SelectContext(ctx, &atts,
		"SELECT * FROM attachments WHERE message_fk = ? ORDER BY id ASC", messageID)
	if err != nil {
		return nil, fmt.Errorf("list attachments for message %d: %w", messageID, err)
	}
	return atts, nil
}

// ListExternalAssets returns the external assets recorded for a message.
func (c *Client) ListExternalAssets(ctx context.Context, messageID int64) ([]models.ExternalAsset, error) {
	var assets []models.ExternalAsset
	err := c.db.SelectContext(ctx, &assets,
		"SELECT * FROM external_assets WHERE message_fk = ? ORDER BY id ASC", messageID)
	if err != nil {
		return nil, fmt.Errorf("list assets for message %d: %w", messageID, err)
	}
	return assets, nil
}

// ListMessagesByDay returns summarized messages whose internal date falls on
// the given day (YYYY-MM-DD), oldest first. Feeds daily note export.
func (c *Client) ListMessagesByDay(ctx context.Context, day string) ([]models.Message, error) {
	var msgs []models.Message
	err := c.db.SelectContext(ctx, &msgs, `
		SELECT * FROM messages
		WHERE substr(internal_date, 1, 10) = ? AND summarized_at IS NOT NULL
		ORDER BY internal_date ASC, uid ASC`,
		day,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages for day %s: %w", day, err)
	}
	return msgs, nil
}

// ListRecentMessages returns the newest messages by internal date.
func (c *Client) ListRecentMessages(ctx context.Context, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var msgs []models.Message
	err := c.db.SelectContext(ctx, &msgs, `
		SELECT * FROM messages
		ORDER BY internal_date DESC, uid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	return msgs, nil
}

// ListResummarizeCandidates returns archived messages whose summary should
// be redone: missing entirely, produced by a cheaper tier than requested, or
// flagged with an error note.
func (c *Client) ListResummarizeCandidates(ctx context.Context, minTier models.SummaryTier, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	tiers := []models.SummaryTier{models.TierFast, models.TierStandard, models.TierCloud}
	rank := map[models.SummaryTier]int{}
	for i, t := range tiers {
		rank[t] = i
	}

	var below []any
	for _, t := range tiers {
		if rank[t] < rank[minTier] {
			below = append(below, string(t))
		}
	}

	query := `
		SELECT * FROM messages
		WHERE archived_at IS NOT NULL AND (
			summarized_at IS NULL OR error_note != ''`
	args := []any{}
	if len(below) > 0 {
		query += " OR summary_tier IN (?" + repeatPlaceholder(len(below)-1) + ")"
		args = append(args, below...)
	}
	query += `)
		ORDER BY internal_date DESC LIMIT ?`
	args = append(args, limit)

	var msgs []models.Message
	if err := c.db.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, fmt.Errorf("list resummarize candidates: %w", err)
	}
	return msgs, nil
}

func repeatPlaceholder(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

// ListSummarizedDays returns distinct days (YYYY-MM-DD) that have at least
// one summarized message, newest first.
func (c *Client) ListSummarizedDays(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 90
	}
	var days []string
	err := c.db.SelectContext(ctx, &days, `
		SELECT DISTINCT substr(internal_date, 1, 10) AS day FROM messages
		WHERE summarized_at IS NOT NULL AND internal_date != ''
		ORDER BY day DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list summarized days: %w", err)
	}
	return days, nil
}

// GetDailyOverview returns the stored overview for a day, or ErrNotFound.
func (c *Client) GetDailyOverview(ctx context.Context, day string) (string, error) {
	var overview string
	err := c.db.GetContext(ctx, &overview,
		"SELECT overview FROM daily_overviews WHERE day = ?", day)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("overview for %s: %w", day, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get overview for %s: %w", day, err)
	}
	return overview, nil
}

// SetDailyOverview stores or replaces the overview for a day.
func (c *Client) SetDailyOverview(ctx context.Context, day, overview string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO daily_overviews (day, overview, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			overview = excluded.overview, updated_at = excluded.updated_at`,
		day, overview, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set overview for %s: %w", day, err)
	}
	return nil
}

// ArchiveStats aggregates pipeline counters for the dashboard.
type ArchiveStats struct {
	TotalMessages  int64 `db:"total_messages"`
	Archived       int64 `db:"archived"`
	Summarized     int64 `db:"summarized"`
	Exported       int64 `db:"exported"`
	SeenMarked     int64 `db:"seen_marked"`
	WithErrors     int64 `db:"with_errors"`
	AvgSummarizeMS int64 `db:"avg_summarize_ms"`
}

// Stats computes archive-wide counters in a single query.
func (c *Client) Stats(ctx context.Context) (*ArchiveStats, error) {
	var s ArchiveStats
	err := c.db.GetContext(ctx, &s, `
		SELECT
			COUNT(*) AS total_messages,
			COUNT(archived_at) AS archived,
			COUNT(summarized_at) AS summarized,
			COUNT(exported_at) AS exported,
			COUNT(seen_marked_at) AS seen_marked,
			SUM(CASE WHEN error_note != '' THEN 1 ELSE 0 END) AS with_errors,
			CAST(COALESCE(AVG(CASE WHEN summarize_ms > 0 THEN summarize_ms END), 0) AS INTEGER)
				AS avg_summarize_ms
		FROM messages`,
	)
	if err != nil {
		return nil, fmt.Errorf("compute stats: %w", err)
	}
	return &s, nil
}
