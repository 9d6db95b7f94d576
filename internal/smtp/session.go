package smtp

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/mixelka/tginbox/pkg/models"
)

// Protocol states. Each command handler checks the current state
// explicitly; anything out of order aborts the session.
type state int

const (
	stateGreeting  state = iota // connection open, awaiting EHLO/HELO
	stateReady                  // greeted, awaiting MAIL
	stateSender                 // sender declared, awaiting recipients
	stateRecipient              // at least one recipient accepted
)

// errAbort signals that the session must be torn down. The rejection
// code has already been written to the peer.
var errAbort = errors.New("session aborted")

// Resolver looks up a recipient address in the account registry.
type Resolver interface {
	Resolve(address string) (models.Account, bool)
}

// Decoder turns accumulated message bytes into a DecodedMessage. The
// envelope sender is the fallback when the message carries no usable
// From header.
type Decoder interface {
	Decode(raw []byte, envelopeSender string) (*models.DecodedMessage, error)
}

// DispatchFunc hands a decoded message and its resolved accounts to
// the forwarding fan-out. It must not block on delivery.
type DispatchFunc func(accounts []models.Account, msg *models.DecodedMessage)

// SessionConfig carries the per-session protocol limits.
type SessionConfig struct {
	Hostname       string
	MaxMessageSize int64
	IdleTimeout    time.Duration
	TLSConfig      *tls.Config // nil disables STARTTLS
}

// Session drives the SMTP state machine for one connection. A session
// never outlives its connection and is owned exclusively by the
// connection's goroutine.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	cfg      SessionConfig
	resolver Resolver
	decoder  Decoder
	dispatch DispatchFunc
	logger   *slog.Logger

	state     state
	tlsActive bool

	// Current transaction.
	sender   string
	accounts []models.Account
	seen     map[string]struct{}
	data     bytes.Buffer
}

// NewSession creates a session for an accepted connection.
func NewSession(conn net.Conn, cfg SessionConfig, resolver Resolver, decoder Decoder, dispatch DispatchFunc, logger *slog.Logger) *Session {
	return &Session{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		writer:   bufio.NewWriter(conn),
		cfg:      cfg,
		resolver: resolver,
		decoder:  decoder,
		dispatch: dispatch,
		logger:   logger.With("remote", conn.RemoteAddr().String()),
		state:    stateGreeting,
		seen:     make(map[string]struct{}),
	}
}

// Handle runs the session until QUIT, a protocol violation or an I/O
// error. The connection is always closed on return.
func (s *Session) Handle() {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP tginbox", s.cfg.Hostname)

	for {
		line, err := s.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("connection read error", "error", err)
			}
			return
		}

		cmd, arg := parseCommand(line)
		if err := s.handleCommand(cmd, arg); err != nil {
			if !errors.Is(err, errAbort) {
				s.logger.Debug("session ended", "error", err)
			}
			return
		}
	}
}

// handleCommand runs one command. A non-nil return tears the session
// down; the response has already been sent.
func (s *Session) handleCommand(cmd, arg string) error {
	switch cmd {
	case "EHLO", "HELO":
		return s.handleHello(cmd, arg)
	case "STARTTLS":
		return s.handleSTARTTLS()
	case "MAIL":
		return s.handleMAIL(arg)
	case "RCPT":
		return s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA()
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
		return nil
	case "NOOP":
		s.writeLine("250 OK")
		return nil
	case "QUIT":
		s.writeLine("221 Bye")
		return errAbort
	default:
		s.writeLine("500 5.5.2 Unrecognized command")
		return errAbort
	}
}

func (s *Session) handleHello(cmd, arg string) error {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return errAbort
	}

	s.resetTransaction()
	s.state = stateReady

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.cfg.Hostname, arg)
		return nil
	}

	s.writeLine("250-%s Hello %s", s.cfg.Hostname, arg)
	if s.cfg.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	s.writeLine("250 SIZE %d", s.cfg.MaxMessageSize)
	return nil
}

func (s *Session) handleSTARTTLS() error {
	if s.cfg.TLSConfig == nil || s.tlsActive {
		s.writeLine("454 TLS not available")
		return errAbort
	}
	if s.state == stateGreeting {
		s.writeLine("503 Send EHLO first")
		return errAbort
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.logger.Debug("TLS handshake failed", "error", err)
		return errAbort
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.resetTransaction()
	s.state = stateGreeting
	return nil
}

// handleMAIL accepts the sender declaration. The sender is free text
// and always accepted syntactically once a greeting happened.
func (s *Session) handleMAIL(arg string) error {
	if s.state != stateReady {
		s.writeLine("503 5.5.1 Send EHLO/HELO first")
		return errAbort
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return errAbort
	}

	s.sender = extractAddress(arg[5:])
	s.state = stateSender
	s.writeLine("250 OK")
	return nil
}

// handleRCPT checks one recipient against the registry. Unknown
// recipients are rejected without aborting so the peer can try other
// recipients in the same transaction.
func (s *Session) handleRCPT(arg string) error {
	if s.state != stateSender && s.state != stateRecipient {
		s.writeLine("503 5.5.1 Send MAIL FROM first")
		return errAbort
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return errAbort
	}

	addr := extractAddress(arg[3:])
	account, ok := s.resolver.Resolve(addr)
	if !ok {
		s.logger.Info("recipient rejected", "recipient", addr)
		s.writeLine("550 5.1.1 No such user: %s", addr)
		return nil
	}

	// The same account declared twice still gets one forward.
	if _, dup := s.seen[account.Address]; !dup {
		s.seen[account.Address] = struct{}{}
		s.accounts = append(s.accounts, account)
	}
	s.state = stateRecipient
	s.writeLine("250 OK")
	return nil
}

func (s *Session) handleDATA() error {
	switch s.state {
	case stateRecipient:
	case stateSender:
		// Recipients were declared but none resolved.
		s.writeLine("554 5.1.1 No valid recipients")
		return errAbort
	default:
		s.writeLine("503 5.5.1 Send RCPT TO first")
		return errAbort
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	if err := s.readData(); err != nil {
		return err
	}

	s.finishTransaction()
	return nil
}

// readData streams the dot-stuffed payload into the session buffer,
// enforcing the size cap so a hostile peer cannot grow the buffer
// without bound.
func (s *Session) readData() error {
	s.data.Reset()
	for {
		line, err := s.readLine()
		if err != nil {
			return fmt.Errorf("reading data: %w", err)
		}

		if line == "." {
			return nil
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		if int64(s.data.Len()+len(line)+2) > s.cfg.MaxMessageSize {
			s.logger.Warn("message too large, aborting session",
				"limit", s.cfg.MaxMessageSize)
			s.writeLine("552 5.3.4 Message too large")
			return errAbort
		}
		s.data.WriteString(line)
		s.data.WriteString("\r\n")
	}
}

// finishTransaction decodes the accumulated payload and hands the
// result to the fan-out. Decode failures are internal: the peer still
// gets a success code because the message was accepted at the
// transport level.
func (s *Session) finishTransaction() {
	raw := make([]byte, s.data.Len())
	copy(raw, s.data.Bytes())
	accounts := s.accounts

	msg, err := s.decoder.Decode(raw, s.sender)
	if err != nil {
		s.logger.Error("decode failed, message dropped",
			"sender", s.sender,
			"recipients", len(accounts),
			"error", err,
		)
	} else {
		s.logger.Info("message accepted",
			"sender", s.sender,
			"recipients", len(accounts),
			"size", len(raw),
		)
		s.dispatch(accounts, msg)
	}

	s.resetTransaction()
	s.writeLine("250 OK message accepted")
}

// resetTransaction clears the mail transaction without losing the
// greeting.
func (s *Session) resetTransaction() {
	s.sender = ""
	s.accounts = nil
	s.seen = make(map[string]struct{})
	s.data.Reset()
	if s.state > stateReady {
		s.state = stateReady
	}
}

// readLine reads one CRLF-terminated line under the idle deadline.
func (s *Session) readLine() (string, error) {
	if s.cfg.IdleTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return "", err
		}
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// writeLine writes a formatted response line followed by CRLF.
func (s *Session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		s.logger.Debug("failed to write response", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Debug("failed to flush response", "error", err)
	}
}

// parseCommand splits a command line into verb and argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

// extractAddress pulls the address out of a MAIL/RCPT parameter,
// accepting both angle-bracket and bare forms.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		if end := strings.Index(s, ">"); end >= 0 {
			return s[1:end]
		}
		return ""
	}
	// Strip trailing ESMTP parameters such as SIZE=...
	addr, _, _ := strings.Cut(s, " ")
	return addr
}
