package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Settings are the operational knobs stored in the index database. They are
// editable at runtime through the dashboard, unlike the bootstrap config
// (paths, listen address) which comes from the config file.
type Settings struct {
	IMAPHost     string
	IMAPPort     int
	IMAPUser     string
	IMAPFolder   string
	AccountID    string
	SenderFilter string
	SyncWindow   int

	VaultRoot string

	LLMBackend    string
	CloudProvider string
	LocalModelID  string
	SummaryTier   string
	UserProfile   string

	ExternalMaxBytes int64
	ExternalMaxCount int
	ExternalMaxSecs  int
}

// Setting keys. The settings table is a flat key/value store.
const (
	keyIMAPHost     = "imap_host"
	keyIMAPPort     = "imap_port"
	keyIMAPUser     = "imap_user"
	keyIMAPFolder   = "imap_folder"
	keyAccountID    = "account_id"
	keySenderFilter = "sender_filter"
	keySyncWindow   = "sync_window_days"

	keyVaultRoot = "vault_root"

	keyLLMBackend    = "llm_backend"
	keyCloudProvider = "cloud_provider"
	keyLocalModelID  = "local_model_id"
	keySummaryTier   = "summary_tier"
	keyUserProfile   = "user_profile"

	keyExternalMaxBytes = "external_max_bytes"
	keyExternalMaxCount = "external_max_count"
	keyExternalMaxSecs  = "external_max_secs"
)

// DefaultSettings returns the settings applied before the user has
// configured anything.
func DefaultSettings() Settings {
	return Settings{
		IMAPPort:         993,
		IMAPFolder:       "INBOX",
		SyncWindow:       60,
		LLMBackend:       "local",
		LocalModelID:     "standard",
		SummaryTier:      "standard",
		ExternalMaxBytes: 1 << 30,
		ExternalMaxCount: 120,
		ExternalMaxSecs:  90,
	}
}

// GetSetting reads one raw setting value. Missing keys return ErrNotFound.
func (c *Client) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := c.db.GetContext(ctx, &value,
		"SELECT value FROM settings WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting writes one raw setting value.
func (c *Client) SetSetting(ctx context.Context, key, value string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// LoadSettings reads all settings, falling back to defaults for unset keys.
func (c *Client) LoadSettings(ctx context.Context) (Settings, error) {
	s := DefaultSettings()

	rows := []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}{}
	if err := c.db.SelectContext(ctx, &rows, "SELECT key, value FROM settings"); err != nil {
		return s, fmt.Errorf("load settings: %w", err)
	}

	for _, r := range rows {
		switch r.Key {
		case keyIMAPHost:
			s.IMAPHost = r.Value
		case keyIMAPPort:
			if v, err := strconv.Atoi(r.Value); err == nil {
				s.IMAPPort = v
			}
		case keyIMAPUser:
			s.IMAPUser = r.Value
		case keyIMAPFolder:
			s.IMAPFolder = r.Value
		case keyAccountID:
			s.AccountID = r.Value
		case keySenderFilter:
			s.SenderFilter = r.Value
		case keySyncWindow:
			if v, err := strconv.Atoi(r.Value); err == nil && v > 0 {
				s.SyncWindow = v
			}
		case keyVaultRoot:
			s.VaultRoot = r.Value
		case keyLLMBackend:
			s.LLMBackend = r.Value
		case keyCloudProvider:
			s.CloudProvider = r.Value
		case keyLocalModelID:
			s.LocalModelID = r.Value
		case keySummaryTier:
			s.SummaryTier = r.Value
		case keyUserProfile:
			s.UserProfile = r.Value
		case keyExternalMaxBytes:
			if v, err := strconv.ParseInt(r.Value, 10, 64); err == nil && v > 0 {
				s.ExternalMaxBytes = v
			}
		case keyExternalMaxCount:
			if v, err := strconv.Atoi(r.Value); err == nil && v > 0 {
				s.ExternalMaxCount = v
			}
		case keyExternalMaxSecs:
			if v, err := strconv.Atoi(r.Value); err == nil && v > 0 {
				s.ExternalMaxSecs = v
			}
		}
	}

	if s.AccountID == "" && s.IMAPUser != "" {
		s.AccountID = s.IMAPUser
	}
	return s, nil
}

// SaveSettings persists every setting field.
func (c *Client) SaveSettings(ctx context.Context, s Settings) error {
	pairs := map[string]string{
		keyIMAPHost:         s.IMAPHost,
		keyIMAPPort:         strconv.Itoa(s.IMAPPort),
		keyIMAPUser:         s.IMAPUser,
		keyIMAPFolder:       s.IMAPFolder,
		keyAccountID:        s.AccountID,
		keySenderFilter:     s.SenderFilter,
		keySyncWindow:       strconv.Itoa(s.SyncWindow),
		keyVaultRoot:        s.VaultRoot,
		keyLLMBackend:       s.LLMBackend,
		keyCloudProvider:    s.CloudProvider,
		keyLocalModelID:     s.LocalModelID,
		keySummaryTier:      s.SummaryTier,
		keyUserProfile:      s.UserProfile,
		keyExternalMaxBytes: strconv.FormatInt(s.ExternalMaxBytes, 10),
		keyExternalMaxCount: strconv.Itoa(s.ExternalMaxCount),
		keyExternalMaxSecs:  strconv.Itoa(s.ExternalMaxSecs),
	}
	for key, value := range pairs {
		if err := c.SetSetting(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

// SyncSince returns the earliest internal date the sync window covers.
func (s Settings) SyncSince(now time.Time) time.Time {
	return now.AddDate(0, 0, -s.SyncWindow)
}
