package models

import "time"

// MessageState is the derived pipeline position of an archived message.
// States are strictly ordered; normal flow never regresses a message.
type MessageState string

const (
	StateFetched    MessageState = "fetched"
	StateArchived   MessageState = "archived"
	StateIndexed    MessageState = "indexed"
	StateSummarized MessageState = "summarized"
	StateExported   MessageState = "exported"
	StateMarkedRead MessageState = "marked-read"
)

// SummaryTier is the quality/cost level the summary was produced at.
type SummaryTier string

const (
	TierFast     SummaryTier = "fast"
	TierStandard SummaryTier = "standard"
	TierCloud    SummaryTier = "cloud"
)

// Message is one archived mail item. Identity is the IMAP tuple
// (account, mailbox, uidvalidity, uid); UIDs are only stable within a
// UIDVALIDITY epoch, so all four parts participate in uniqueness.
type Message struct {
	ID          int64  `db:"id"`
	AccountID   string `db:"account_id"`
	Mailbox     string `db:"mailbox"`
	UIDValidity uint32 `db:"uidvalidity"`
	UID         uint32 `db:"uid"`

	MessageID    string `db:"message_id"`
	InternalDate string `db:"internal_date"`
	FromAddr     string `db:"from_addr"`
	ToAddr       string `db:"to_addr"`
	Subject      string `db:"subject"`

	RawEMLPath       string `db:"raw_eml_path"`
	BodyHTMLPath     string `db:"body_html_path"`
	BodyTextPath     string `db:"body_text_path"`
	RenderedHTMLPath string `db:"rendered_html_path"`

	Summary     string      `db:"summary"`
	SummaryTier SummaryTier `db:"summary_tier"`
	TagsJSON    string      `db:"tags_json"`
	TopicsJSON  string      `db:"topics_json"`
	SummarizeMS int64       `db:"summarize_ms"`
	ErrorNote   string      `db:"error_note"`

	ArchivedAt   *time.Time `db:"archived_at"`
	IndexedAt    *time.Time `db:"indexed_at"`
	SummarizedAt *time.Time `db:"summarized_at"`
	ExportedAt   *time.Time `db:"exported_at"`
	SeenMarkedAt *time.Time `db:"seen_marked_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// State derives the pipeline position from the stage timestamps.
func (m *Message) State() MessageState {
	switch {
	case m.SeenMarkedAt != nil:
		return StateMarkedRead
	case m.ExportedAt != nil:
		return StateExported
	case m.SummarizedAt != nil:
		return StateSummarized
	case m.IndexedAt != nil:
		return StateIndexed
	case m.ArchivedAt != nil:
		return StateArchived
	}
	return StateFetched
}

// Key returns the stable cross-store identifier used for archive paths and
// exported note references.
func (m *Message) Key() string {
	return MessageKey(m.AccountID, m.UIDValidity, m.UID)
}
