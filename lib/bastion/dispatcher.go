package bastion

import (
	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

// OpenUpstreamChannel opens a "session" channel on client and configures
// it symmetrically with the settled SessionRequest's mode, per the
// per-mode table in spec.md §4.F:
//   - shell:     pty-req(term, width, height) then shell
//   - exec:      exec(command)
//   - subsystem: subsystem(name)
//
// The returned requests channel must be kept alive by the caller for
// the life of the bridge: it carries the upstream's eventual
// exit-status request (component G).
func OpenUpstreamChannel(client *ssh.Client, sreq *SessionRequest) (ssh.Channel, <-chan *ssh.Request, error) {
	channel, requests, err := client.Conn.OpenChannel("session", nil)
	if err != nil {
		return nil, nil, trace.ConnectionProblem(err, "opening upstream session channel")
	}

	switch sreq.Mode {
	case ModeShell:
		pty := sreq.PTY()
		payload := ssh.Marshal(&ptyRequestMsg{
			Term:    pty.Term,
			Columns: pty.Width,
			Rows:    pty.Height,
		})
		ok, err := channel.SendRequest("pty-req", true, payload)
		if err != nil {
			_ = channel.Close()
			return nil, nil, trace.Wrap(err, "sending upstream pty-req")
		}
		if !ok {
			_ = channel.Close()
			return nil, nil, trace.ConnectionProblem(nil, "upstream refused pty-req")
		}

		ok, err = channel.SendRequest("shell", true, nil)
		if err != nil {
			_ = channel.Close()
			return nil, nil, trace.Wrap(err, "sending upstream shell request")
		}
		if !ok {
			_ = channel.Close()
			return nil, nil, trace.ConnectionProblem(nil, "upstream refused shell request")
		}

	case ModeExec:
		ok, err := channel.SendRequest("exec", true, ssh.Marshal(&execMsg{Command: string(sreq.Command)}))
		if err != nil {
			_ = channel.Close()
			return nil, nil, trace.Wrap(err, "sending upstream exec request")
		}
		if !ok {
			_ = channel.Close()
			return nil, nil, trace.ConnectionProblem(nil, "upstream refused exec request")
		}

	case ModeSubsystem:
		ok, err := channel.SendRequest("subsystem", true, ssh.Marshal(&subsystemMsg{Subsystem: sreq.Subsystem}))
		if err != nil {
			_ = channel.Close()
			return nil, nil, trace.Wrap(err, "sending upstream subsystem request")
		}
		if !ok {
			_ = channel.Close()
			return nil, nil, trace.ConnectionProblem(nil, "upstream refused subsystem request")
		}

	default:
		_ = channel.Close()
		return nil, nil, trace.BadParameter("session has no settled mode")
	}

	return channel, requests, nil
}

// ResizeUpstream sends a window-change request on the upstream channel,
// used by resizeHub once a shell bridge is active.
func ResizeUpstream(channel ssh.Channel, columns, rows uint32) error {
	_, err := channel.SendRequest("window-change", false, ssh.Marshal(&ptyWindowChangeMsg{
		Columns: columns,
		Rows:    rows,
	}))
	return trace.Wrap(err)
}
