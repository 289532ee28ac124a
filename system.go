package ftp

import (
	"strings"

	"go.uber.org/zap"
)

// Type sets the transfer type (e.g., "A", "I").
func (c *Client) Type(transferType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setType(transferType)
}

func (c *Client) setType(transferType string) error {
	// Skip if already set to this type
	if c.currentType == transferType {
		return nil
	}

	if _, err := c.expectCode(200, "TYPE "+transferType); err != nil {
		return err
	}

	// Track the current type
	c.currentType = transferType
	return nil
}

// Features queries the server for supported features using the FEAT command.
// Returns a map of feature names to their parameters (if any).
// This implements RFC 2389 - Feature negotiation mechanism for FTP.
//
// Example:
//
//	feats, err := client.Features()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, ok := feats["UTF8"]; ok {
//	    fmt.Println("Server supports UTF8")
//	}
func (c *Client) Features() (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadFeatures()
}

func (c *Client) loadFeatures() (map[string]string, error) {
	// If we've already fetched features, return cached version
	if c.features != nil {
		return c.features, nil
	}

	resp, err := c.expectCode(211, "FEAT")
	if err != nil {
		return nil, err
	}

	c.features = parseFeatureLines(resp.Lines)
	return c.features, nil
}

// parseFeatureLines parses the lines of a FEAT response.
// Supports both formats:
// - RFC 2389: "211-Features:\r\n FEAT1\r\n FEAT2 params\r\n211 End"
// - Traditional: "211-Features\r\n211-FEAT1\r\n211-FEAT2 params\r\n211 End"
func parseFeatureLines(lines []string) map[string]string {
	features := make(map[string]string)
	for i, line := range lines {
		var featureLine string

		switch {
		case len(line) > 0 && line[0] == ' ':
			featureLine = strings.TrimSpace(line)
		case i > 0 && i < len(lines)-1 && len(line) > 4 && line[3] == '-':
			featureLine = strings.TrimSpace(line[4:])
		default:
			// Status lines ("211-Features:", "211 End") and anything else
			continue
		}

		if featureLine == "" {
			continue
		}

		// Split feature name and parameters
		name, params, _ := strings.Cut(featureLine, " ")
		features[strings.ToUpper(name)] = params
	}
	return features
}

// HasFeature checks if the server supports a specific feature.
// This is a convenience method that calls Features() if needed.
func (c *Client) HasFeature(feature string) bool {
	feats, err := c.Features()
	if err != nil {
		return false
	}
	_, ok := feats[strings.ToUpper(feature)]
	return ok
}

// UseUTF8 sends OPTS UTF8 ON when the server advertises UTF8 and reports
// whether UTF-8 paths are in effect.
func (c *Client) UseUTF8() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	feats, err := c.loadFeatures()
	if err != nil {
		return false, err
	}
	if _, ok := feats["UTF8"]; !ok {
		return false, nil
	}
	if _, err := c.expect2xx("OPTS UTF8 ON"); err != nil {
		return false, err
	}
	return true, nil
}

// System asks the server for its operating system with SYST. The result is
// remembered as the listing dialect hint.
func (c *Client) System() (SystemType, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.expect2xx("SYST")
	if err != nil {
		return SystemUnknown, err
	}

	c.system = SystemUnix
	if strings.Contains(strings.ToLower(resp.Message), "windows") {
		c.system = SystemWindows
	}
	c.logger.Debug("server system", zap.String("syst", resp.Message), zap.Stringer("dialect", c.system))
	return c.system, nil
}

// Noop sends a NOOP (no operation) command to the server.
// NOOP exchanges are not reported to the CommandSent and ResponseReceived
// hooks.
func (c *Client) Noop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.expect2xx("NOOP")
	return err
}

// Quote sends a raw command to the server and returns the response.
// This allows sending commands that are not explicitly supported by the client.
//
// Example:
//
//	resp, err := client.Quote("SITE IDLE 600")
func (c *Client) Quote(line string) (*Response, error) {
	if strings.TrimSpace(line) == "" {
		return nil, &ParameterError{Name: "line"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchange(line)
}
