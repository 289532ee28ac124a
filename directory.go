package ftp

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// List returns the entries of the given directory, directories first and
// then by name. An empty path lists the working directory.
func (c *Client) List(dir string) ([]*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := c.listRaw(dir)
	if err != nil {
		return nil, err
	}

	parent := dir
	if parent == "" {
		parent = c.workDir
	}
	entries := ParseListing(raw, parent, c.system)
	SortEntries(entries)
	return entries, nil
}

// ListRaw returns the unparsed text of a LIST reply.
func (c *Client) ListRaw(dir string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listRaw(dir)
}

func (c *Client) listRaw(dir string) (string, error) {
	if err := c.setType("A"); err != nil {
		return "", err
	}

	line := "LIST"
	if dir != "" {
		line += " " + dir
	}

	dc, resp, err := c.openDataCommand(line)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	_, copyErr := io.Copy(&sb, dc)
	dc.Close()

	if err := c.finishData(line, resp); err != nil {
		return "", err
	}
	if copyErr != nil {
		return "", &TransportError{Op: "read listing", Err: copyErr}
	}
	return sb.String(), nil
}

// finishData reads the completion reply of a data command unless the
// preliminary reply was already final.
func (c *Client) finishData(line string, prelim *Response) error {
	final := prelim
	if prelim == nil || prelim.Code < 200 {
		var err error
		final, err = c.readResponse(true)
		if err != nil {
			return err
		}
	}
	if !final.Is2xx() {
		return protocolError(observedCommand(line), final)
	}
	return nil
}

// ChangeDir changes the working directory with CWD and refreshes it with
// PWD. WorkingDirChanged fires when the new directory is known.
func (c *Client) ChangeDir(dir string) error {
	if dir == "" {
		return &ParameterError{Name: "dir"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.expect2xx("CWD " + dir); err != nil {
		return err
	}
	_, err := c.printWorkingDir()
	return err
}

// CurrentDir returns the current working directory.
func (c *Client) CurrentDir() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.printWorkingDir()
}

func (c *Client) printWorkingDir() (string, error) {
	resp, err := c.expect2xx("PWD")
	if err != nil {
		return "", err
	}

	dir, ok := parsePWD(resp.Message)
	if !ok {
		return "", &ProtocolError{Command: "PWD", Response: resp.Message, Code: resp.Code}
	}

	if dir != c.workDir {
		c.workDir = dir
		c.logger.Debug("working directory changed", zap.String("dir", dir))
		c.hooks.workingDirChanged(dir)
	}
	return dir, nil
}

// parsePWD extracts the quoted directory of a 257 reply. Embedded quotes
// are doubled:
//
//	"/home/user" is the current directory
//	"/dir with ""quotes""" is current
func parsePWD(msg string) (string, bool) {
	start := strings.IndexByte(msg, '"')
	if start < 0 {
		return "", false
	}

	var sb strings.Builder
	for i := start + 1; i < len(msg); i++ {
		if msg[i] != '"' {
			sb.WriteByte(msg[i])
			continue
		}
		if i+1 < len(msg) && msg[i+1] == '"' {
			sb.WriteByte('"')
			i++
			continue
		}
		return sb.String(), true
	}
	return "", false
}

// MakeDir creates a new directory.
func (c *Client) MakeDir(dir string) error {
	return c.simpleCommand("MKD", "dir", dir)
}

// RemoveDir removes a directory.
func (c *Client) RemoveDir(dir string) error {
	return c.simpleCommand("RMD", "dir", dir)
}

// Delete deletes a file.
func (c *Client) Delete(name string) error {
	return c.simpleCommand("DELE", "name", name)
}

func (c *Client) simpleCommand(verb, param, arg string) error {
	if arg == "" {
		return &ParameterError{Name: param}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.expect2xx(verb + " " + arg)
	return err
}

// Rename renames a file or directory.
func (c *Client) Rename(from, to string) error {
	if from == "" {
		return &ParameterError{Name: "from"}
	}
	if to == "" {
		return &ParameterError{Name: "to"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.expectCode(350, "RNFR "+from); err != nil {
		return err
	}
	_, err := c.expect2xx("RNTO " + to)
	return err
}

// Chmod changes the permissions of a file using the SITE CHMOD command.
//
// Example:
//
//	err := client.Chmod("script.sh", 0755)
func (c *Client) Chmod(name string, mode os.FileMode) error {
	if name == "" {
		return &ParameterError{Name: "name"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// SITE CHMOD <octal> <path>
	_, err := c.expect2xx(fmt.Sprintf("SITE CHMOD %04o %s", mode&os.ModePerm, name))
	return err
}

// Stat returns the entry for name by listing its parent directory.
func (c *Client) Stat(name string) (*Entry, error) {
	clean := path.Clean(name)
	if clean == "/" || clean == "." {
		return &Entry{Name: clean, Path: clean, IsDir: true, Type: "Directory"}, nil
	}

	parent := path.Dir(clean)
	if parent == "." && !strings.Contains(clean, "/") {
		parent = ""
	}
	entries, err := c.List(parent)
	if err != nil {
		return nil, err
	}
	base := path.Base(clean)
	for _, e := range entries {
		if e.Name == base {
			return e, nil
		}
	}
	return nil, errors.Wrapf(os.ErrNotExist, "stat %s", name)
}
