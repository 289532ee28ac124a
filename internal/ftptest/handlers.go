package ftptest

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"path"
	"strconv"
	"strings"
	"time"
)

// commandHandlers maps verbs to handlers. A handler returns false to close
// the connection.
var commandHandlers = map[string]func(*session, string) bool{
	"USER": (*session).handleUSER,
	"PASS": (*session).handlePASS,
	"QUIT": (*session).handleQUIT,
	"NOOP": (*session).handleNOOP,
	"SYST": (*session).handleSYST,
	"FEAT": (*session).handleFEAT,
	"OPTS": (*session).handleOPTS,
	"AUTH": (*session).handleAUTH,
	"PBSZ": (*session).handlePBSZ,
	"PROT": (*session).handlePROT,
	"TYPE": (*session).handleTYPE,
	"PWD":  (*session).handlePWD,
	"CWD":  (*session).handleCWD,
	"MKD":  (*session).handleMKD,
	"RMD":  (*session).handleRMD,
	"DELE": (*session).handleDELE,
	"RNFR": (*session).handleRNFR,
	"RNTO": (*session).handleRNTO,
	"SITE": (*session).handleSITE,
	"PASV": (*session).handlePASV,
	"LIST": (*session).handleLIST,
	"RETR": (*session).handleRETR,
	"STOR": (*session).handleSTOR,
	"STOU": (*session).handleSTOU,
}

// beforeLogin lists the verbs accepted on an unauthenticated session.
var beforeLogin = map[string]bool{
	"USER": true, "PASS": true, "QUIT": true, "NOOP": true, "SYST": true,
	"FEAT": true, "OPTS": true, "AUTH": true, "PBSZ": true, "PROT": true,
}

func (s *session) handle(verb, arg string) bool {
	h, ok := commandHandlers[verb]
	if !ok {
		return s.reply(502, "Command not implemented.")
	}
	if !s.loggedIn && !beforeLogin[verb] {
		return s.reply(530, "Please login with USER and PASS.")
	}
	return h(s, arg)
}

func (s *session) handleUSER(arg string) bool {
	s.user = arg
	s.loggedIn = false
	return s.reply(331, "User name okay, need password.")
}

func (s *session) handlePASS(arg string) bool {
	if s.srv.user != "" && (s.user != s.srv.user || arg != s.srv.password) {
		return s.reply(530, "Login incorrect.")
	}
	s.loggedIn = true
	return s.reply(230, "User logged in, proceed.")
}

func (s *session) handleQUIT(string) bool {
	s.reply(221, "Goodbye.")
	return false
}

func (s *session) handleNOOP(string) bool {
	return s.reply(200, "NOOP ok.")
}

func (s *session) handleSYST(string) bool {
	return s.reply(215, s.srv.system)
}

func (s *session) handleFEAT(string) bool {
	if !s.writeLine("211-Features:") {
		return false
	}
	for _, f := range s.srv.features {
		if !s.writeLine(" " + f) {
			return false
		}
	}
	return s.reply(211, "End")
}

func (s *session) handleOPTS(arg string) bool {
	if strings.EqualFold(arg, "UTF8 ON") {
		return s.reply(200, "UTF8 set to on")
	}
	return s.reply(501, "Option not understood.")
}

func (s *session) handleAUTH(arg string) bool {
	if s.srv.tlsConfig == nil || s.srv.implicit || !strings.EqualFold(arg, "TLS") {
		return s.reply(502, "AUTH not supported.")
	}
	if !s.reply(234, "AUTH TLS successful") {
		return false
	}

	tconn := tls.Server(s.conn, s.srv.tlsConfig)
	_ = tconn.SetDeadline(time.Now().Add(dataTimeout))
	if err := tconn.Handshake(); err != nil {
		return false
	}
	_ = tconn.SetDeadline(time.Time{})
	s.conn = tconn
	s.reader.Reset(tconn)
	return true
}

func (s *session) handlePBSZ(string) bool {
	return s.reply(200, "PBSZ=0")
}

func (s *session) handlePROT(arg string) bool {
	level := strings.ToUpper(arg)
	switch level {
	case "C", "S", "P":
	default:
		return s.reply(504, "PROT level not supported.")
	}
	if level != "C" && s.srv.tlsConfig == nil {
		return s.reply(503, "PROT requires TLS.")
	}
	s.prot = level
	return s.reply(200, "PROT now "+level)
}

func (s *session) handleTYPE(arg string) bool {
	switch strings.ToUpper(arg) {
	case "A", "I":
		return s.reply(200, "Type set to "+strings.ToUpper(arg))
	}
	return s.reply(504, "Type not supported.")
}

func (s *session) handlePWD(string) bool {
	quoted := strings.ReplaceAll(s.cwd, `"`, `""`)
	return s.reply(257, `"`+quoted+`" is the current directory`)
}

func (s *session) handleCWD(arg string) bool {
	dir := s.resolve(arg)
	if !s.srv.HasDir(dir) {
		return s.reply(550, "No such directory.")
	}
	s.cwd = dir
	return s.reply(250, "Directory changed to "+dir)
}

func (s *session) handleMKD(arg string) bool {
	dir := s.resolve(arg)
	if s.srv.HasDir(dir) {
		return s.reply(550, "Directory exists.")
	}
	s.srv.AddDir(dir)
	return s.reply(257, `"`+dir+`" created`)
}

func (s *session) handleRMD(arg string) bool {
	dir := s.resolve(arg)
	if dir == "/" || !s.srv.HasDir(dir) {
		return s.reply(550, "No such directory.")
	}
	if dirs, files := s.srv.children(dir); len(dirs)+len(files) > 0 {
		return s.reply(550, "Directory not empty.")
	}
	s.srv.mu.Lock()
	delete(s.srv.dirs, dir)
	s.srv.mu.Unlock()
	return s.reply(250, "Directory removed.")
}

func (s *session) handleDELE(arg string) bool {
	name := s.resolve(arg)
	s.srv.mu.Lock()
	_, ok := s.srv.files[name]
	delete(s.srv.files, name)
	s.srv.mu.Unlock()
	if !ok {
		return s.reply(550, "No such file.")
	}
	return s.reply(250, "File deleted.")
}

func (s *session) handleRNFR(arg string) bool {
	name := s.resolve(arg)
	s.srv.mu.Lock()
	_, isFile := s.srv.files[name]
	isDir := s.srv.dirs[name]
	s.srv.mu.Unlock()
	if !isFile && !isDir {
		return s.reply(550, "No such file or directory.")
	}
	s.renameFrom = name
	return s.reply(350, "Ready for RNTO.")
}

func (s *session) handleRNTO(arg string) bool {
	if s.renameFrom == "" {
		return s.reply(503, "RNFR required first.")
	}
	from, to := s.renameFrom, s.resolve(arg)
	s.renameFrom = ""

	s.srv.mu.Lock()
	if data, ok := s.srv.files[from]; ok {
		delete(s.srv.files, from)
		s.srv.files[to] = data
	} else {
		delete(s.srv.dirs, from)
		s.srv.dirs[to] = true
	}
	s.srv.mu.Unlock()
	return s.reply(250, "Rename successful.")
}

func (s *session) handleSITE(arg string) bool {
	sub, rest, _ := strings.Cut(arg, " ")
	if !strings.EqualFold(sub, "CHMOD") {
		return s.reply(502, "SITE command not implemented.")
	}
	mode, name, ok := strings.Cut(rest, " ")
	if !ok {
		return s.reply(501, "Usage: SITE CHMOD <mode> <path>")
	}
	if _, err := strconv.ParseUint(mode, 8, 32); err != nil {
		return s.reply(501, "Invalid mode.")
	}
	target := s.resolve(name)
	s.srv.mu.Lock()
	_, isFile := s.srv.files[target]
	s.srv.mu.Unlock()
	if !isFile && !s.srv.HasDir(target) {
		return s.reply(550, "No such file or directory.")
	}
	return s.reply(200, "SITE CHMOD command successful.")
}

func (s *session) handlePASV(string) bool {
	s.closePassive()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return s.reply(425, "Can't open passive connection.")
	}
	s.pasv = ln

	port := ln.Addr().(*net.TCPAddr).Port
	host := "127,0,0,1"
	if s.srv.unspecifiedHost {
		host = "0,0,0,0"
	}
	return s.reply(227, fmt.Sprintf("Entering Passive Mode (%s,%d,%d).", host, port/256, port%256))
}

// transfer answers 150, accepts the passive connection, runs fn on it and
// reports the outcome with 226 or 426.
func (s *session) transfer(msg string, fn func(conn net.Conn) error) bool {
	ln := s.pasv
	s.pasv = nil
	if ln == nil {
		return s.reply(425, "Use PASV first.")
	}
	defer ln.Close()

	if !s.reply(150, msg) {
		return false
	}

	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(dataTimeout))
	}
	conn, err := ln.Accept()
	if err != nil {
		return s.reply(425, "Can't open data connection.")
	}
	defer conn.Close()

	if s.prot == "P" {
		tconn := tls.Server(conn, s.srv.tlsConfig)
		_ = tconn.SetDeadline(time.Now().Add(dataTimeout))
		if err := tconn.Handshake(); err != nil {
			return s.reply(425, "TLS negotiation failed on data connection.")
		}
		_ = tconn.SetDeadline(time.Time{})
		conn = tconn
	}

	if err := fn(conn); err != nil {
		conn.Close()
		return s.reply(426, "Connection closed; transfer aborted.")
	}
	conn.Close()
	return s.reply(226, "Transfer complete.")
}

func (s *session) handleLIST(arg string) bool {
	target := s.resolve(arg)

	s.srv.mu.Lock()
	raw, scripted := s.srv.listings[target]
	data, isFile := s.srv.files[target]
	isDir := s.srv.dirs[target]
	s.srv.mu.Unlock()

	if !scripted {
		switch {
		case isDir:
			raw = s.srv.unixListing(target)
		case isFile:
			raw = unixLine(false, int64(len(data)), path.Base(target))
		default:
			s.closePassive()
			return s.reply(550, "No such file or directory.")
		}
	}

	return s.transfer("Opening data connection for directory list.", func(conn net.Conn) error {
		_, err := io.WriteString(conn, raw)
		return err
	})
}

func (s *session) handleRETR(arg string) bool {
	name := s.resolve(arg)
	data, ok := s.srv.File(name)
	if !ok {
		s.closePassive()
		return s.reply(550, "No such file.")
	}
	msg := fmt.Sprintf("Opening data connection for %s (%d bytes).", path.Base(name), len(data))
	return s.transfer(msg, func(conn net.Conn) error {
		_, err := conn.Write(data)
		return err
	})
}

func (s *session) handleSTOR(arg string) bool {
	if arg == "" {
		return s.reply(501, "Missing file name.")
	}
	return s.store(s.resolve(arg), "Ok to send data.")
}

func (s *session) handleSTOU(string) bool {
	s.srv.mu.Lock()
	s.srv.unique++
	name := path.Join(s.cwd, fmt.Sprintf("ftptest.%d", s.srv.unique))
	s.srv.mu.Unlock()
	return s.store(name, "FILE: "+path.Base(name))
}

func (s *session) store(name, msg string) bool {
	return s.transfer(msg, func(conn net.Conn) error {
		data, err := io.ReadAll(conn)
		s.srv.AddFile(name, data)
		return err
	})
}

// unixListing renders dir in "ls -l" format.
func (srv *Server) unixListing(dir string) string {
	dirs, files := srv.children(dir)

	var sb strings.Builder
	fmt.Fprintf(&sb, "total %d\r\n", len(dirs)+len(files))
	for _, d := range dirs {
		sb.WriteString(unixLine(true, 0, d))
	}
	for _, f := range files {
		data, _ := srv.File(path.Join(dir, f))
		sb.WriteString(unixLine(false, int64(len(data)), f))
	}
	return sb.String()
}

func unixLine(isDir bool, size int64, name string) string {
	mode := "-rw-r--r--"
	if isDir {
		mode = "drwxr-xr-x"
	}
	return fmt.Sprintf("%s 1 owner group %d Jan 01 00:00 %s\r\n", mode, size, name)
}
