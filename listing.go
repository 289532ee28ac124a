package ftp

import (
	"sort"
	"strconv"
	"strings"
)

// SystemType is the listing dialect of a server.
type SystemType int

const (
	// SystemUnknown lets ParseListing detect the dialect from the text.
	SystemUnknown SystemType = iota
	// SystemUnix is the "ls -l" style: mode string, links, owner, group,
	// size, three timestamp fields, name.
	SystemUnix
	// SystemWindows is the IIS/DOS style: date, time, <DIR> or size, name.
	SystemWindows
)

func (s SystemType) String() string {
	switch s {
	case SystemUnix:
		return "unix"
	case SystemWindows:
		return "windows"
	default:
		return "unknown"
	}
}

// Entry represents a file or directory entry from a LIST command.
type Entry struct {
	Name string
	// Path is the directory that was listed.
	Path string
	Size uint64
	// LastModified is the timestamp text as sent by the server. Unix
	// listings join month, day and time-or-year with dots ("Jan.01.00:00");
	// Windows listings keep "date time".
	LastModified string
	// Permissions holds owner, group and other digits as a decimal number
	// (rwxr-xr-- is 754). Zero for Windows listings.
	Permissions int
	Owner       string
	Group       string
	IsDir       bool
	// Type is "Directory" for directories, otherwise the extension including
	// the dot, or the whole name when it has no dot.
	Type string
	// Target is the link target of a Unix symlink.
	Target string
	// Raw is the line the entry was parsed from.
	Raw string
}

// IsFile reports whether e is not a directory.
func (e *Entry) IsFile() bool {
	return !e.IsDir
}

// DetectSystem classifies a raw listing by its first meaningful line: a
// non-blank column 9 followed by a blank column 10 (the end of a ten
// character mode string) means Unix, anything else Windows.
func DetectSystem(raw string) SystemType {
	for _, line := range listingLines(raw) {
		if isTotalLine(line) {
			continue
		}
		if len(line) > 10 && line[9] != ' ' && line[10] == ' ' {
			return SystemUnix
		}
		return SystemWindows
	}
	return SystemUnknown
}

// ParseListing turns the text of a LIST reply into entries, in the order of
// the listing. path is recorded as the parent of every entry. A Windows hint
// (usually from SYST) forces the Windows dialect; otherwise the dialect is
// detected from the text. The "." and ".." entries are dropped and lines that
// do not fit the dialect are skipped.
func ParseListing(raw, path string, hint SystemType) []*Entry {
	dialect := DetectSystem(raw)
	if hint == SystemWindows {
		dialect = SystemWindows
	}

	var entries []*Entry
	for _, line := range listingLines(raw) {
		var (
			e  *Entry
			ok bool
		)
		if dialect == SystemWindows {
			e, ok = parseWindowsLine(line)
		} else {
			e, ok = parseUnixLine(line)
		}
		if !ok || e.Name == "." || e.Name == ".." {
			continue
		}
		e.Path = path
		e.Raw = line
		entries = append(entries, e)
	}
	return entries
}

// listingLines splits raw into non-blank lines. Trailing spaces are kept
// since they can be part of a file name.
func listingLines(raw string) []string {
	var lines []string
	for _, l := range strings.Split(raw, "\n") {
		l = strings.TrimLeft(strings.TrimSuffix(l, "\r"), " \t")
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func isTotalLine(line string) bool {
	return strings.HasPrefix(line, "total ")
}

// permissionDigits converts the nine rwx characters after the type
// character into owner*100 + group*10 + other.
func permissionDigits(mode string) int {
	digit := func(s string) int {
		n := 0
		if s[0] == 'r' {
			n += 4
		}
		if s[1] == 'w' {
			n += 2
		}
		if s[2] == 'x' || s[2] == 's' || s[2] == 't' {
			n++
		}
		return n
	}
	return digit(mode[1:4])*100 + digit(mode[4:7])*10 + digit(mode[7:10])
}

// nextField splits off the first whitespace-delimited field of s.
func nextField(s string) (field, rest string) {
	s = strings.TrimLeft(s, " \t")
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i:], " \t")
}

// parseUnixLine parses
//
//	-rw-r--r-- 1 owner group 1234 Jan 01 00:00 file.txt
func parseUnixLine(line string) (*Entry, bool) {
	if isTotalLine(line) {
		return nil, false
	}

	mode, rest := nextField(line)
	if len(mode) < 10 {
		return nil, false
	}

	e := &Entry{
		IsDir:       mode[0] == 'd',
		Permissions: permissionDigits(mode),
	}

	_, rest = nextField(rest) // link count
	e.Owner, rest = nextField(rest)
	e.Group, rest = nextField(rest)

	sizeField, rest := nextField(rest)
	size, err := strconv.ParseUint(sizeField, 10, 64)
	if err != nil {
		return nil, false
	}
	e.Size = size

	month, rest := nextField(rest)
	day, rest := nextField(rest)
	clock, rest := nextField(rest)
	if month == "" || day == "" || clock == "" || rest == "" {
		return nil, false
	}
	e.LastModified = month + "." + day + "." + clock

	e.Name = rest
	if mode[0] == 'l' {
		if name, target, found := strings.Cut(rest, " -> "); found {
			e.Name = name
			e.Target = target
		}
	}
	e.Type = entryType(e.Name, e.IsDir)
	return e, true
}

// parseWindowsLine parses
//
//	01-15-24  10:30AM       <DIR>          Documents
//	01-15-24  10:31AM                 1024 notes.txt
//
// The date and time fields are followed by the size or <DIR> token; the rest
// of the line is the name.
func parseWindowsLine(line string) (*Entry, bool) {
	date, rest := nextField(line)
	clock, rest := nextField(rest)
	token, name := nextField(rest)
	if date == "" || clock == "" || token == "" || name == "" {
		return nil, false
	}

	e := &Entry{
		Name:         name,
		LastModified: date + " " + clock,
	}
	if strings.EqualFold(token, "<DIR>") {
		e.IsDir = true
	} else {
		size, err := strconv.ParseUint(strings.ReplaceAll(token, ",", ""), 10, 64)
		if err != nil {
			return nil, false
		}
		e.Size = size
	}
	e.Type = entryType(e.Name, e.IsDir)
	return e, true
}

func entryType(name string, isDir bool) string {
	if isDir {
		return "Directory"
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return name
}

// entryLess orders directories before files and names lexically within
// each kind.
func entryLess(a, b *Entry) bool {
	if a.IsDir != b.IsDir {
		return a.IsDir
	}
	return a.Name < b.Name
}

// SortEntries sorts entries in place: directories first, then by name.
func SortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entryLess(entries[i], entries[j])
	})
}
