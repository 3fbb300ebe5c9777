// Package mailbox talks IMAP. Every fetch uses peeking body sections so the
// server-side read flag never changes as a side effect of archiving; the
// flag is only set explicitly, after the local pipeline has succeeded.
package mailbox

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Config holds the connection parameters for one account.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Folder   string
}

// Session is a logged-in IMAP connection with the configured folder
// selected. Not safe for concurrent use; a worker opens its own session.
type Session struct {
	client      *imapclient.Client
	folder      string
	uidValidity uint32
}

// Dial connects, authenticates and selects the folder. Port 993 uses
// implicit TLS, anything else negotiates STARTTLS.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var client *imapclient.Client
	var err error
	if cfg.Port == 993 {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	if err := client.Login(cfg.Username, cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("login as %s: %w", cfg.Username, err)
	}

	folder := cfg.Folder
	if folder == "" {
		folder = "INBOX"
	}
	selectData, err := client.Select(folder, nil).Wait()
	if err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}

	return &Session{
		client:      client,
		folder:      folder,
		uidValidity: selectData.UIDValidity,
	}, nil
}

// UIDValidity returns the epoch of the selected folder. UIDs from a
// previous epoch must not be compared with this session's UIDs.
func (s *Session) UIDValidity() uint32 {
	return s.uidValidity
}

// Folder returns the selected folder name.
func (s *Session) Folder() string {
	return s.folder
}

// Close logs out and drops the connection.
func (s *Session) Close() error {
	return s.client.Logout().Wait()
}

// SearchUnseen returns UIDs of unread messages received since the given
// time, above the watermark UID, optionally restricted to one sender.
// Results are sorted ascending by the server.
func (s *Session) SearchUnseen(_ context.Context, since time.Time, sender string, afterUID uint32) ([]imap.UID, error) {
	criteria := &imap.SearchCriteria{
		Since:   since,
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	if sender != "" {
		criteria.Header = []imap.SearchCriteriaHeaderField{
			{Key: "From", Value: sender},
		}
	}
	if afterUID > 0 {
		// Stop 0 means "*": everything above the watermark.
		criteria.UID = []imap.UIDSet{
			{imap.UIDRange{Start: imap.UID(afterUID + 1), Stop: 0}},
		}
	}

	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search in %s: %w", s.folder, err)
	}
	return data.AllUIDs(), nil
}

// RawMessage is one fetched message: its full RFC 5322 source plus the
// envelope fields the index keeps.
type RawMessage struct {
	UID          imap.UID
	MessageID    string
	InternalDate time.Time
	From         string
	To           []string
	Subject      string
	Source       []byte
}

// FetchRaw downloads the complete message source for one UID without
// touching the read flag (BODY.PEEK).
func (s *Session) FetchRaw(_ context.Context, uid imap.UID) (*RawMessage, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		Envelope:     true,
		InternalDate: true,
		UID:          true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("uid %d not found in %s", uid, s.folder)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collect uid %d: %w", uid, err)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch uid %d: %w", uid, err)
	}

	raw := &RawMessage{
		UID:          buf.UID,
		InternalDate: buf.InternalDate,
		Source:       buf.FindBodySection(bodySection),
	}
	if raw.Source == nil {
		return nil, fmt.Errorf("uid %d: server returned no body section", uid)
	}

	if env := buf.Envelope; env != nil {
		raw.MessageID = env.MessageID
		raw.Subject = env.Subject
		if len(env.From) > 0 {
			raw.From = env.From[0].Addr()
		}
		for _, to := range env.To {
			raw.To = append(raw.To, to.Addr())
		}
		if raw.InternalDate.IsZero() {
			raw.InternalDate = env.Date
		}
	}

	return raw, nil
}

// MarkSeen sets the read flag on the remote message. Called only after
// archive, index and summarize all succeeded locally.
func (s *Session) MarkSeen(_ context.Context, uid imap.UID) error {
	cmd := s.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("mark uid %d seen: %w", uid, err)
	}
	return nil
}
