// Package bastion implements the dual-role SSH proxy session described
// in spec.md: a single component that is simultaneously an SSH server
// to the downstream client and an SSH client to the upstream target,
// demultiplexing channels into shell/exec/subsystem modes and bridging
// them byte-accurately while extracting an audit trail from interactive
// shell traffic.
//
// Grounded throughout on github.com/zmb3/teleport's lib/srv package
// (AuthHandlerConfig/CheckAndSetDefaults, ServerContext-style per-session
// state) and lib/reversetunnel/transport.go (io.Copy pump pairs), scaled
// down from Teleport's certificate/RBAC-driven model to the spec's
// single password-forwarding trust model.
package bastion

import (
	"sync"
)

// Mode identifies which of the three session kinds spec.md §3 describes
// a SessionRequest has settled on.
type Mode int

// The three session modes spec.md §3 allows, plus the zero value meaning
// "not yet requested".
const (
	ModeUnset Mode = iota
	ModeShell
	ModeExec
	ModeSubsystem
)

func (m Mode) String() string {
	switch m {
	case ModeShell:
		return "shell"
	case ModeExec:
		return "exec"
	case ModeSubsystem:
		return "subsystem"
	default:
		return "unset"
	}
}

// PTYInfo is the terminal metadata captured from a pty-req (and updated
// by window-change) request (spec.md §3).
type PTYInfo struct {
	Term   string
	Width  uint32
	Height uint32
}

// defaultPTY matches the original implementation's defaults (80x24, term
// "xterm" when no pty-req was seen) -- see SPEC_FULL.md, "PTY defaults".
func defaultPTY() PTYInfo {
	return PTYInfo{Term: "xterm", Width: 80, Height: 24}
}

// SessionRequest is populated by the downstream server adapter (D)
// during negotiation and observed, once, by everything downstream of the
// "session-ready" event (spec.md §3). Every field is write-once: VMID,
// RealUsername, Password and TargetIP are written by the password
// callback during the handshake, before NegotiateDownstream returns; Mode,
// Command and Subsystem are written only on the goroutine servicing the
// downstream session channel and read only after Ready() has fired. No
// additional locking is needed on these fields. The PTY field is the one exception --
// window-change requests may update it after the session is ready, while
// a shell bridge is relaying resize events upstream -- so it is guarded
// by mu.
type SessionRequest struct {
	VMID         int64
	RealUsername string
	Password     []byte
	TargetIP     string

	Mode      Mode
	Command   []byte // ModeExec
	Subsystem string // ModeSubsystem

	mu  sync.Mutex
	pty PTYInfo

	readyOnce sync.Once
	readyCh   chan struct{}
}

// NewSessionRequest returns a SessionRequest with the PTY defaults the
// original implementation applies before any pty-req arrives.
func NewSessionRequest() *SessionRequest {
	return &SessionRequest{
		pty:     defaultPTY(),
		readyCh: make(chan struct{}),
	}
}

// PTY returns the current terminal metadata.
func (s *SessionRequest) PTY() PTYInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pty
}

// SetPTYSize updates the width/height recorded for the session, as done
// by both pty-req and window-change (spec.md §4.D).
func (s *SessionRequest) SetPTYSize(width, height uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pty.Width = width
	s.pty.Height = height
}

// SetPTYTerm records the terminal type from a pty-req.
func (s *SessionRequest) SetPTYTerm(term string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pty.Term = term
}

// MarkReady fires the one-shot "session-ready" event (spec.md §3). Only
// the first call has any effect; later calls are no-ops, matching the
// invariant that a session settles on exactly one of shell/exec/
// subsystem.
func (s *SessionRequest) MarkReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// Ready returns the channel that closes once the session has settled on
// a mode.
func (s *SessionRequest) Ready() <-chan struct{} {
	return s.readyCh
}

// IsReady reports whether MarkReady has already fired, used to refuse a
// second shell/exec/subsystem request on the same channel (spec.md
// §4.D, "Ordering").
func (s *SessionRequest) IsReady() bool {
	select {
	case <-s.readyCh:
		return true
	default:
		return false
	}
}
