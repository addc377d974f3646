package smtpsession

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/masa23/mailhookd/delivery"
	"github.com/masa23/mailhookd/directory"
	"github.com/masa23/mailhookd/model"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthenticated
	stateEnvelope
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    int
	dir      *directory.Directory
	pipeline *delivery.Pipeline
	hostname string
	maxBytes int64

	// Authenticated account; nil until AUTH succeeds.
	account *model.Account

	// Current transaction
	mailFrom string
	rcpts    []directory.Recipient
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, dir *directory.Directory, pipeline *delivery.Pipeline, hostname string, maxBytes int64) *Session {
	return &Session{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		writer:   bufio.NewWriter(conn),
		state:    stateConnected,
		dir:      dir,
		pipeline: pipeline,
		hostname: hostname,
		maxBytes: maxBytes,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP mailhookd", s.hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		done := s.handleCommand(cmd, arg)
		if done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA()
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

// handleEHLO processes EHLO/HELO commands.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	if cmd == "HELO" {
		s.state = stateGreeted
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	s.state = stateGreeted
	s.writeLine("250-%s Hello %s", s.hostname, arg)
	s.writeLine("250-AUTH PLAIN LOGIN")
	s.writeLine("250-SIZE %d", s.maxBytes)
	s.writeLine("250 OK")
}

// handleAUTH processes AUTH commands (PLAIN and LOGIN mechanisms).
func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	mechanism := strings.ToUpper(parts[0])

	switch mechanism {
	case "PLAIN":
		s.handleAuthPlain(parts)
	case "LOGIN":
		s.handleAuthLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

// handleAuthPlain processes AUTH PLAIN authentication.
func (s *Session) handleAuthPlain(parts []string) {
	var encoded string

	if len(parts) > 1 && parts[1] != "" {
		// Credentials provided inline: AUTH PLAIN <base64>
		encoded = parts[1]
	} else {
		// Challenge-response: send 334 and wait for credentials
		s.writeLine("334")
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Error("failed to read AUTH PLAIN response", "error", err)
			return
		}
		encoded = strings.TrimRight(line, "\r\n")
	}

	if encoded == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	user, pass, err := decodePlain(encoded)
	if err != nil {
		s.writeLine("501 %s", err)
		return
	}
	s.authenticate(user, pass)
}

// handleAuthLogin processes AUTH LOGIN authentication via challenge-response.
func (s *Session) handleAuthLogin() {
	// Challenge for username (base64 encoded "Username:")
	s.writeLine("334 VXNlcm5hbWU6")
	userLine, err := s.reader.ReadString('\n')
	if err != nil {
		slog.Error("failed to read AUTH LOGIN username", "error", err)
		return
	}
	encodedUser := strings.TrimRight(userLine, "\r\n")

	if encodedUser == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	// Challenge for password (base64 encoded "Password:")
	s.writeLine("334 UGFzc3dvcmQ6")
	passLine, err := s.reader.ReadString('\n')
	if err != nil {
		slog.Error("failed to read AUTH LOGIN password", "error", err)
		return
	}
	encodedPass := strings.TrimRight(passLine, "\r\n")

	if encodedPass == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	user, pass, err := decodeLogin(encodedUser, encodedPass)
	if err != nil {
		s.writeLine("501 %s", err)
		return
	}
	s.authenticate(user, pass)
}

// authenticate verifies the credentials against the account directory.
// The failure response is identical for bad passwords, unknown addresses
// and disabled accounts.
func (s *Session) authenticate(user, pass string) {
	account, err := s.dir.Authenticate(user, pass)
	if err != nil {
		slog.Info("authentication failed", "user", user, "remote", s.conn.RemoteAddr())
		s.writeLine("535 Authentication failed")
		return
	}

	s.account = account
	s.state = stateAuthenticated
	slog.Info("authenticated", "user", account.EmailAddress, "remote", s.conn.RemoteAddr())
	s.writeLine("235 Authentication successful")
}

// handleMAIL processes the MAIL FROM command. The sender address must be
// the authenticated account's own address.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateAuthenticated {
		s.writeLine("530 Authentication required")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr := extractAddress(arg[5:])
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	if !strings.EqualFold(addr, s.account.EmailAddress) {
		slog.Warn("sender address mismatch",
			"claimed", addr, "authenticated", s.account.EmailAddress)
		s.writeLine("553 Sender address rejected: not owned by authenticated user")
		return
	}

	s.mailFrom = addr
	s.rcpts = nil
	s.state = stateEnvelope
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command. An unknown recipient is
// rejected on its own; the transaction stays open for further RCPT TO.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateEnvelope {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	rcpt, err := s.dir.ResolveRecipient(addr)
	if err != nil {
		slog.Info("recipient rejected", "address", addr)
		s.writeLine("550 No such recipient here")
		return
	}

	s.rcpts = append(s.rcpts, *rcpt)
	s.writeLine("250 OK")
}

// handleDATA reads the dot-stuffed message body and hands the completed
// transaction to the delivery pipeline. Success is reported only after
// every recipient copy is persisted; webhook delivery happens in the
// background and never affects the wire response.
func (s *Session) handleDATA() {
	if s.state < stateEnvelope {
		s.writeLine("503 Send MAIL FROM first")
		return
	}
	if len(s.rcpts) == 0 {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data strings.Builder
	tooLarge := false
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Error("error reading DATA", "error", err)
			return
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}

		// Dot-unstuffing per RFC 5321 4.5.2: any non-terminator line
		// starting with "." loses its first character.
		if strings.HasPrefix(trimmed, ".") {
			line = line[1:]
		}

		if int64(data.Len()+len(line)) > s.maxBytes {
			// Keep draining to the terminator so the session stays usable.
			tooLarge = true
			continue
		}
		data.WriteString(line)
	}

	if tooLarge {
		s.writeLine("552 Message size exceeds fixed maximum message size")
		s.resetTransaction()
		return
	}

	result, err := s.pipeline.Deliver(s.mailFrom, s.rcpts, []byte(data.String()))
	if err != nil {
		if errors.Is(err, delivery.ErrMalformedMessage) {
			s.writeLine("451 Failed to process message")
		} else {
			s.writeLine("451 Temporary failure, please try again later")
		}
		s.resetTransaction()
		return
	}

	if result.Failed > 0 {
		s.writeLine("451 Temporary failure, please try again later")
		s.resetTransaction()
		return
	}

	s.writeLine("250 OK: delivered to %d recipient(s)", result.Delivered+result.Duplicates)
	s.resetTransaction()
}

// handleRSET resets the current transaction state.
func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction clears the current mail transaction state without
// affecting the session state (greeting, auth).
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcpts = nil

	if s.state >= stateAuthenticated {
		s.state = stateAuthenticated
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	_, err := s.writer.WriteString(line + "\r\n")
	if err != nil {
		slog.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	return s
}
