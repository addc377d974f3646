package imapsession

import (
	"log/slog"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
)

// Login implements the IMAP LOGIN command. The failure response is the
// same for bad passwords, unknown addresses and disabled accounts.
func (s *Session) Login(username, password string) error {
	account, err := dir.Authenticate(username, password)
	if err != nil {
		slog.Info("IMAP login failed", "user", username)
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Text: "Invalid credentials",
		}
	}

	s.accountID = account.ID
	s.username = account.EmailAddress
	slog.Info("IMAP login", "user", s.username)
	return nil
}

// Logout implements the IMAP LOGOUT command
func (s *Session) Logout() error {
	slog.Debug("IMAP logout", "user", s.username)
	return nil
}

// Close implements the IMAP CLOSE command
func (s *Session) Close() error {
	s.folder = ""
	return nil
}

// Unselect implements the IMAP UNSELECT command
func (s *Session) Unselect() error {
	s.folder = ""
	return nil
}

// Idle implements the IMAP IDLE command
func (s *Session) Idle(w *imapserver.UpdateWriter, stop <-chan struct{}) error {
	<-stop
	return nil
}

// Poll implements the IMAP POLL command
func (s *Session) Poll(w *imapserver.UpdateWriter, allowExpunge bool) error {
	return nil
}
