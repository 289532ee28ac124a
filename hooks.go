package ftp

import "crypto/x509"

// Hooks are optional callbacks invoked synchronously at the point where the
// event happens, on the goroutine driving the connection. For one exchange,
// CommandSent always runs before the matching ResponseReceived.
type Hooks struct {
	// CommandSent receives each command line as written, with passwords
	// redacted.
	CommandSent func(command string)

	// ResponseReceived receives each non-empty reply line. Replies to NOOP
	// are not reported.
	ResponseReceived func(line string)

	Connected    func()
	Disconnected func()
	LoggedIn     func()

	// CertificateNeeded decides about a certificate that failed verification
	// under the AskCaller policy. The answer is cached for the session.
	CertificateNeeded func(chain []*x509.Certificate, verifyErr error) bool

	// WorkingDirChanged receives the new working directory after a
	// successful PWD.
	WorkingDirChanged func(dir string)
}

func (h *Hooks) commandSent(cmd string) {
	if h.CommandSent != nil {
		h.CommandSent(cmd)
	}
}

func (h *Hooks) responseReceived(line string) {
	if h.ResponseReceived != nil {
		h.ResponseReceived(line)
	}
}

func (h *Hooks) connected() {
	if h.Connected != nil {
		h.Connected()
	}
}

func (h *Hooks) disconnected() {
	if h.Disconnected != nil {
		h.Disconnected()
	}
}

func (h *Hooks) loggedIn() {
	if h.LoggedIn != nil {
		h.LoggedIn()
	}
}

func (h *Hooks) workingDirChanged(dir string) {
	if h.WorkingDirChanged != nil {
		h.WorkingDirChanged(dir)
	}
}
