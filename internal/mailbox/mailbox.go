// Package mailbox persists a node's received and sent email as JSON
// files on disk, one pair of files per local user.
package mailbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"mailrelay/internal/model"
)

// Store reads and writes per-user mailbox files under a data
// directory. Files are named inbox_<user>.json and sent_<user>.json
// where <user> is the local part of the mail address.
type Store struct {
	dir string
	mu  sync.Mutex
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// AppendInbox records a received email for the addressed user.
func (s *Store) AppendInbox(mailAddress string, email model.Email) error {
	return s.append(s.inboxPath(mailAddress), email)
}

// AppendSent records an outgoing email for the sending user.
func (s *Store) AppendSent(mailAddress string, email model.Email) error {
	return s.append(s.sentPath(mailAddress), email)
}

// Inbox returns the user's received email. A missing file is an empty
// mailbox, not an error.
func (s *Store) Inbox(mailAddress string) ([]model.Email, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(s.inboxPath(mailAddress))
}

// Sent returns the user's outgoing email.
func (s *Store) Sent(mailAddress string) ([]model.Email, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(s.sentPath(mailAddress))
}

// SetSentStatus updates the delivery status of one outgoing email,
// matched by ID. Unknown IDs are a no-op.
func (s *Store) SetSentStatus(mailAddress, emailID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.sentPath(mailAddress)
	emails, err := s.read(path)
	if err != nil {
		return err
	}
	changed := false
	for i := range emails {
		if emails[i].ID == emailID {
			emails[i].Status = status
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.write(path, emails)
}

func (s *Store) append(path string, email model.Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	emails, err := s.read(path)
	if err != nil {
		return err
	}
	emails = append(emails, email)
	return s.write(path, emails)
}

func (s *Store) read(path string) ([]model.Email, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var emails []model.Email
	if err := json.Unmarshal(raw, &emails); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return emails, nil
}

func (s *Store) write(path string, emails []model.Email) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(emails, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func (s *Store) inboxPath(mailAddress string) string {
	return filepath.Join(s.dir, "inbox_"+localPart(mailAddress)+".json")
}

func (s *Store) sentPath(mailAddress string) string {
	return filepath.Join(s.dir, "sent_"+localPart(mailAddress)+".json")
}

func localPart(mailAddress string) string {
	return strings.SplitN(mailAddress, "@", 2)[0]
}
