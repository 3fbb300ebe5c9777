package models

import (
	"fmt"
	"time"
)

// AssetStatus records the outcome of one external asset fetch.
type AssetStatus string

const (
	AssetDownloaded  AssetStatus = "downloaded"
	AssetBlocked     AssetStatus = "blocked"
	AssetFailed      AssetStatus = "failed"
	AssetSkippedSize AssetStatus = "skipped_size_budget"
	AssetSkippedTime AssetStatus = "skipped_time_budget"
	AssetSkippedMax  AssetStatus = "skipped_asset_limit"
)

// Attachment is a MIME part saved alongside the raw message. Inline parts
// carry a content-id that the rendered HTML references instead of a URL.
type Attachment struct {
	ID        int64     `db:"id"`
	MessageFK int64     `db:"message_fk"`
	Filename  string    `db:"filename"`
	MIMEType  string    `db:"mime_type"`
	SizeBytes int64     `db:"size_bytes"`
	RelPath   string    `db:"rel_path"`
	ContentID string    `db:"content_id"`
	IsInline  bool      `db:"is_inline"`
	CreatedAt time.Time `db:"created_at"`
}

// ExternalAsset is a network resource referenced by a message's HTML body.
// RelPath is empty unless the fetch succeeded; the original reference is
// always preserved so a skipped asset is visible, never silently dropped.
type ExternalAsset struct {
	ID          int64       `db:"id"`
	MessageFK   int64       `db:"message_fk"`
	OriginalURL string      `db:"original_url"`
	RelPath     string      `db:"rel_path"`
	MIMEType    string      `db:"mime_type"`
	SizeBytes   int64       `db:"size_bytes"`
	Status      AssetStatus `db:"status"`
	Detail      string      `db:"detail"`
	CreatedAt   time.Time   `db:"created_at"`
}

// MessageKey builds the stable identifier shared by the archive layout and
// the note exporter for a message.
func MessageKey(accountID string, uidValidity uint32, uid uint32) string {
	return fmt.Sprintf("%s-%d-%d", accountID, uidValidity, uid)
}
