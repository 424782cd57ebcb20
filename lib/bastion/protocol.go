package bastion

// Wire payload structs for the SSH channel requests this proxy sends
// and receives directly at the ssh.Channel level (RFC 4254 §6), mirrored
// from the shapes golang.org/x/crypto/ssh's own (unexported) session
// implementation uses. The dual-role adapter needs raw channel-level
// control -- not the higher-level ssh.Session API -- so it can relay
// pty-req/window-change/exit-status symmetrically between the
// downstream and upstream sides (spec.md §4.F).

// ptyRequestMsg is the payload of a "pty-req" channel request.
type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32 // pixels, unused by this proxy
	Height   uint32 // pixels, unused by this proxy
	Modelist string
}

// ptyWindowChangeMsg is the payload of a "window-change" channel
// request.
type ptyWindowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32 // pixels, unused by this proxy
	Height  uint32 // pixels, unused by this proxy
}

// execMsg is the payload of an "exec" channel request.
type execMsg struct {
	Command string
}

// subsystemMsg is the payload of a "subsystem" channel request.
type subsystemMsg struct {
	Subsystem string
}

// exitStatusMsg is the payload of an "exit-status" channel request.
type exitStatusMsg struct {
	Status uint32
}
