package ftp

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Response represents an FTP server response.
type Response struct {
	// Code is the three-digit response code (e.g., 220, 550).
	// It is zero for the empty result returned after a repeated 421.
	Code int

	// Message is the human-readable message from the server
	Message string

	// Lines contains all lines of the response (for multi-line responses)
	Lines []string
}

// Is2xx returns true if the response code is in the 2xx range (success).
func (r *Response) Is2xx() bool {
	return r.Code >= 200 && r.Code < 300
}

// Is3xx returns true if the response code is in the 3xx range (intermediate).
func (r *Response) Is3xx() bool {
	return r.Code >= 300 && r.Code < 400
}

// Is4xx returns true if the response code is in the 4xx range (temporary failure).
func (r *Response) Is4xx() bool {
	return r.Code >= 400 && r.Code < 500
}

// Is5xx returns true if the response code is in the 5xx range (permanent failure).
func (r *Response) Is5xx() bool {
	return r.Code >= 500 && r.Code < 600
}

// Empty reports whether r carries no reply at all.
func (r *Response) Empty() bool {
	return r.Code == 0 && len(r.Lines) == 0
}

// String returns the full response as a string.
func (r *Response) String() string {
	return strings.Join(r.Lines, "\n")
}

// statusCode extracts the three leading digits of a reply line.
func statusCode(line string) (int, bool) {
	if len(line) < 3 {
		return 0, false
	}
	for i := 0; i < 3; i++ {
		if line[i] < '0' || line[i] > '9' {
			return 0, false
		}
	}
	code, err := strconv.Atoi(line[:3])
	return code, err == nil
}

// isTerminalLine reports whether line ends a reply whose first line carried
// code. A terminal line is three digits equal to code followed directly by
// whitespace (or nothing at all).
//
//	"220-Welcome"   continuation
//	"220 Ready"     terminal
//	" 230 quota"    continuation (RFC 2389 style indent)
//	"211 End"       terminal only when the reply started with 211
func isTerminalLine(line string, code int) bool {
	got, ok := statusCode(line)
	if !ok || got != code {
		return false
	}
	if len(line) == 3 {
		return true
	}
	return line[3] == ' ' || line[3] == '\t'
}

// readResponse reads one reply from the control channel.
//
// With waitForTerminal set, lines are consumed until the terminal line of the
// reply arrives. Without it, reading stops at the terminal line or as soon as
// nothing more is buffered, which is how unsolicited or truncated replies
// are drained without blocking.
//
// A 530 reply triggers an implicit login when auto-login is enabled and the
// client is not already logging in; the 530 reply is still returned.
func (c *Client) readResponse(waitForTerminal bool) (*Response, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, &TransportError{Op: "set read deadline", Err: err}
		}
	}

	var lines []string
	code := 0
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(lines) > 0 {
				err = io.ErrUnexpectedEOF
			}
			c.markDisconnected()
			return nil, &TransportError{Op: "read reply", Err: err}
		}
		line = strings.TrimRight(line, "\r\n")

		if len(lines) == 0 {
			if line == "" {
				continue
			}
			n, ok := statusCode(line)
			if !ok {
				return nil, &ProtocolError{Command: c.lastVerb, Response: line}
			}
			code = n
		}
		lines = append(lines, line)

		if isTerminalLine(line, code) {
			break
		}
		if !waitForTerminal && c.reader.Buffered() == 0 {
			break
		}
	}

	resp := &Response{
		Code:    code,
		Message: replyMessage(lines),
		Lines:   lines,
	}
	c.status = code

	c.metrics.response(code)
	if c.lastVerb != "NOOP" {
		for _, l := range lines {
			if l != "" {
				c.hooks.responseReceived(l)
			}
		}
		c.logger.Debug("ftp response",
			zap.String("conn", c.id),
			zap.Int("code", resp.Code),
			zap.String("message", resp.Message))
	}

	if code == 530 && c.autoLogin && !c.loggingIn && c.user != "" {
		c.logger.Info("server reports not logged in, logging in again", zap.String("conn", c.id))
		if err := c.login(); err != nil {
			c.logger.Warn("automatic login failed", zap.String("conn", c.id), zap.Error(err))
		}
		// Keep the reply that triggered the login as the visible status.
		c.status = code
	}

	return resp, nil
}

// replyMessage joins the text of every line with the status prefix removed.
func replyMessage(lines []string) string {
	if len(lines) == 1 {
		l := lines[0]
		if len(l) > 4 {
			return l[4:]
		}
		return ""
	}
	msg := make([]string, 0, len(lines))
	for _, l := range lines {
		if _, ok := statusCode(l); ok && len(l) > 4 && (l[3] == '-' || l[3] == ' ') {
			msg = append(msg, l[4:])
			continue
		}
		if _, ok := statusCode(l); ok && len(l) <= 4 {
			continue
		}
		msg = append(msg, l)
	}
	return strings.Join(msg, "\n")
}

// commandVerb returns the upper-cased first word of a command line.
func commandVerb(line string) string {
	verb, _, _ := strings.Cut(line, " ")
	return strings.ToUpper(verb)
}

// observedCommand is the command text shown to hooks and logs.
func observedCommand(line string) string {
	if commandVerb(line) == "PASS" {
		return "PASS **********"
	}
	return line
}

// sendCommand trims line, terminates it with CRLF and writes it to the
// control channel. Every command, NOOP included, is reported to
// CommandSent. A failed write moves the client to Disconnected and is
// reported as *ConnectionClosedError.
func (c *Client) sendCommand(line string) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	line = strings.TrimSpace(line)
	verb := commandVerb(line)
	observed := observedCommand(line)

	c.lastVerb = verb
	c.lastCommand.Store(time.Now().UnixNano())

	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			c.markDisconnected()
			return &ConnectionClosedError{Command: observed, Err: err}
		}
	}
	if _, err := io.WriteString(c.conn, line+"\r\n"); err != nil {
		c.markDisconnected()
		return &ConnectionClosedError{Command: observed, Err: err}
	}

	c.metrics.command(verb)
	c.hooks.commandSent(observed)
	c.logger.Debug("ftp command", zap.String("conn", c.id), zap.String("cmd", observed))
	return nil
}

// exchange sends one command and reads its terminal reply. A 421 reply
// reconnects and resends the command once; a second 421 yields an empty
// Response and no error.
func (c *Client) exchange(line string) (*Response, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			c.logger.Warn("service not available, reconnecting",
				zap.String("conn", c.id),
				zap.String("cmd", observedCommand(line)))
			if err := c.reconnect(); err != nil {
				return nil, errors.Wrap(err, "reconnect after 421")
			}
		}
		if err := c.sendCommand(line); err != nil {
			return nil, err
		}
		resp, err := c.readResponse(true)
		if err != nil {
			return nil, err
		}
		if resp.Code != 421 {
			return resp, nil
		}
	}
	c.status = 0
	return &Response{}, nil
}

// expectCode sends a command and verifies the response code matches the expected code.
// Returns an error if the code doesn't match or if the command fails.
func (c *Client) expectCode(expectedCode int, line string) (*Response, error) {
	resp, err := c.exchange(line)
	if err != nil {
		return nil, err
	}
	if resp.Code != expectedCode {
		return resp, protocolError(observedCommand(line), resp)
	}
	return resp, nil
}

// expect2xx sends a command and verifies the response is in the 2xx range (success).
func (c *Client) expect2xx(line string) (*Response, error) {
	resp, err := c.exchange(line)
	if err != nil {
		return nil, err
	}
	if !resp.Is2xx() {
		return resp, protocolError(observedCommand(line), resp)
	}
	return resp, nil
}
