package ftp

import (
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// pasvRegex matches the PASV response format: 227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)
var pasvRegex = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

// parsePASV parses a PASV response and returns the host and port.
// Example: "227 Entering Passive Mode (192,168,1,1,195,149)"
// Returns: "192.168.1.1:50069" (195*256 + 149 = 50069)
func parsePASV(response string) (string, error) {
	matches := pasvRegex.FindStringSubmatch(response)
	if len(matches) != 7 {
		return "", errors.Errorf("invalid PASV response: %s", response)
	}

	// Parse and validate the IP address parts
	var h [4]int
	for i := 0; i < 4; i++ {
		val, err := strconv.Atoi(matches[i+1])
		if err != nil || val < 0 || val > 255 {
			return "", errors.Errorf("invalid PASV IP part: %s", matches[i+1])
		}
		h[i] = val
	}
	host := fmt.Sprintf("%d.%d.%d.%d", h[0], h[1], h[2], h[3])

	// Parse and validate the port parts
	p1, err1 := strconv.Atoi(matches[5])
	p2, err2 := strconv.Atoi(matches[6])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		return "", errors.Errorf("invalid PASV port parts: %s, %s", matches[5], matches[6])
	}
	port := p1*256 + p2

	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// resolveDataAddr resolves the data connection address.
// If the PASV response contains 0.0.0.0, it replaces it with the control connection host.
func resolveDataAddr(pasvAddr, controlHost string) string {
	host, port, err := net.SplitHostPort(pasvAddr)
	if err != nil {
		// If we can't split it, return as is (dialer will likely fail later)
		return pasvAddr
	}

	if host == "0.0.0.0" {
		return net.JoinHostPort(controlHost, port)
	}

	return pasvAddr
}

// EnterPassive sends PASV and opens the data channel to the advertised
// endpoint. Any previously opened data channel is closed first. When the
// session protection is Private the socket is wrapped in TLS, reusing the
// session's certificate decision.
func (c *Client) EnterPassive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enterPassive()
}

func (c *Client) enterPassive() error {
	c.closeData()

	resp, err := c.expectCode(227, "PASV")
	if err != nil {
		return err
	}

	addr, err := parsePASV(resp.Message)
	if err != nil {
		return &ProtocolError{Command: "PASV", Response: resp.Message, Code: resp.Code}
	}
	addr = resolveDataAddr(addr, c.host)

	conn, err := c.dialer.Dial("tcp", addr)
	if err != nil {
		return &TransportError{Op: "dial data channel", Err: err}
	}

	if c.protection == ProtectionPrivate {
		// The handshake runs once the server acknowledged the transfer
		// command; many servers only start TLS at that point.
		conn = tls.Client(conn, c.tlsConfig)
	}

	dc := &dataChannel{
		Conn:       conn,
		timeout:    c.timeout,
		protection: c.protection,
	}
	dc.onClose = func() {
		if c.data == dc {
			c.data = nil
		}
	}
	c.data = dc

	c.logger.Debug("data channel open",
		zap.String("addr", addr),
		zap.Stringer("protection", dc.protection))
	return nil
}

// closeData disposes the pending data channel, if any.
func (c *Client) closeData() {
	if c.data != nil {
		c.data.Close()
	}
	c.data = nil
}

// SetProtectionMode negotiates the data channel protection level with
// PBSZ 0 and PROT. Data channels already open keep their previous level.
func (c *Client) SetProtectionMode(mode ProtectionMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setProtection(mode)
}

func (c *Client) setProtection(mode ProtectionMode) error {
	if _, err := c.expectCode(200, "PBSZ 0"); err != nil {
		return errors.Wrap(err, "PBSZ failed")
	}
	if _, err := c.expectCode(200, "PROT "+mode.Code()); err != nil {
		return errors.Wrap(err, "PROT failed")
	}
	c.protection = mode
	return nil
}

// openDataCommand sends a command that transfers over the data channel and
// returns the channel once the server answered with a preliminary (1xx) or
// completion (2xx) reply.
//
// Without a pending channel, PASV is sent first when auto-passive is enabled;
// otherwise ErrNoDataChannel is returned. A 425 reply drops the channel,
// enters passive mode again and resends the command once.
func (c *Client) openDataCommand(line string) (*dataChannel, *Response, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if c.data == nil {
			if !c.autoPassive {
				return nil, nil, ErrNoDataChannel
			}
			if err := c.enterPassive(); err != nil {
				return nil, nil, err
			}
		}
		dc := c.data

		resp, err := c.exchange(line)
		if err != nil {
			c.closeData()
			return nil, nil, err
		}

		if resp.Code == 425 && attempt == 0 {
			c.logger.Info("data connection failed, entering passive mode again",
				zap.String("cmd", observedCommand(line)))
			c.closeData()
			if !c.autoPassive {
				// A fresh PASV is part of the 425 recovery.
				if err := c.enterPassive(); err != nil {
					return nil, nil, err
				}
			}
			continue
		}

		if resp.Code < 100 || resp.Code >= 300 {
			c.closeData()
			return nil, resp, protocolError(observedCommand(line), resp)
		}

		if err := dc.handshake(c.timeout); err != nil {
			c.closeData()
			_, _ = c.readResponse(false)
			return nil, resp, err
		}
		return dc, resp, nil
	}
	// unreachable: the second 425 is returned by the loop above
	return nil, nil, errors.New("data command retry exhausted")
}

// handshake completes a pending TLS handshake on a private data channel.
func (dc *dataChannel) handshake(timeout time.Duration) error {
	tconn, ok := dc.Conn.(*tls.Conn)
	if !ok {
		return nil
	}
	if timeout > 0 {
		_ = tconn.SetDeadline(time.Now().Add(timeout))
		defer tconn.SetDeadline(time.Time{})
	}
	if err := tconn.Handshake(); err != nil {
		return &TLSError{Op: "data handshake", Err: err}
	}
	return nil
}
