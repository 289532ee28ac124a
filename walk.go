package ftp

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/kr/fs"
)

// Client implements the github.com/kr/fs.FileSystem interface, so remote
// trees can be traversed with a fs.Walker.

// Walk returns a new Walker rooted at root.
//
// Example:
//
//	walker := client.Walk("/pub")
//	for walker.Step() {
//	    if err := walker.Err(); err != nil {
//	        continue
//	    }
//	    fmt.Println(walker.Path(), walker.Stat().Size())
//	}
func (c *Client) Walk(root string) *fs.Walker {
	return fs.WalkFS(root, c)
}

// ReadDir lists dirname and returns its entries as os.FileInfo values whose
// Sys method yields the *Entry.
func (c *Client) ReadDir(dirname string) ([]os.FileInfo, error) {
	entries, err := c.List(dirname)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, &fileInfo{entry: e})
	}
	return infos, nil
}

// Lstat returns the listing entry for name. Symbolic links are not followed.
func (c *Client) Lstat(name string) (os.FileInfo, error) {
	e, err := c.Stat(name)
	if err != nil {
		return nil, err
	}
	return &fileInfo{entry: e}, nil
}

// Join joins remote path elements.
func (c *Client) Join(elem ...string) string { return path.Join(elem...) }

// Walk walks the tree at root on the primary connection.
func (p *Pool) Walk(root string) (*fs.Walker, error) {
	c, err := p.Primary()
	if err != nil {
		return nil, err
	}
	return c.Walk(root), nil
}

type fileInfo struct {
	entry *Entry
}

func (fi *fileInfo) Name() string { return fi.entry.Name }

func (fi *fileInfo) Size() int64 { return int64(fi.entry.Size) }

func (fi *fileInfo) Mode() os.FileMode {
	mode := entryMode(fi.entry.Permissions)
	switch {
	case fi.entry.IsDir:
		mode |= os.ModeDir
	case fi.entry.Target != "":
		mode |= os.ModeSymlink
	}
	return mode
}

func (fi *fileInfo) ModTime() time.Time {
	return parseListingTime(fi.entry.LastModified, time.Now())
}

func (fi *fileInfo) IsDir() bool { return fi.entry.IsDir }

func (fi *fileInfo) Sys() interface{} { return fi.entry }

// entryMode converts permission digits (754) into file mode bits (0754).
func entryMode(digits int) os.FileMode {
	owner := digits / 100 % 10
	group := digits / 10 % 10
	other := digits % 10
	return os.FileMode(owner<<6 | group<<3 | other)
}

// parseListingTime interprets LastModified text. Unix listings without a
// year are placed in the most recent matching year before now. Unknown
// formats yield the zero time.
func parseListingTime(text string, now time.Time) time.Time {
	if text == "" {
		return time.Time{}
	}

	if strings.Count(text, ".") == 2 {
		if t, err := time.Parse("Jan.2.2006", text); err == nil {
			return t
		}
		if t, err := time.Parse("Jan.2.15:04", text); err == nil {
			t = t.AddDate(now.Year(), 0, 0)
			if t.After(now) {
				t = t.AddDate(-1, 0, 0)
			}
			return t
		}
		return time.Time{}
	}

	for _, layout := range []string{"01-02-06 03:04PM", "01-02-2006 03:04PM", "01-02-06 15:04", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, text); err == nil {
			return t
		}
	}
	return time.Time{}
}
