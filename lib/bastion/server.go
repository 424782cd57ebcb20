package bastion

import (
	"net"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/vm-ssh-bastion/lib/directory"
	"github.com/gravitational/vm-ssh-bastion/lib/metrics"
)

// DownstreamConfig configures the downstream (server-role) half of the
// proxy: the side the SSH client connects to (spec.md §4.D).
type DownstreamConfig struct {
	HostSigner ssh.Signer
	Resolver   directory.Resolver
	Logger     *log.Entry
}

func (c *DownstreamConfig) CheckAndSetDefaults() error {
	if c.HostSigner == nil {
		return trace.BadParameter("HostSigner is required")
	}
	if c.Resolver == nil {
		return trace.BadParameter("Resolver is required")
	}
	if c.Logger == nil {
		c.Logger = log.WithField(trace.Component, "bastion/downstream")
	}
	return nil
}

// NegotiateDownstream performs the downstream SSH handshake over conn,
// parsing the "<vm_id>-<real_username>" username grammar and resolving
// the target VM during the password callback (spec.md §4.D). On
// success, the returned SessionRequest's VMID/RealUsername/Password/
// TargetIP fields are populated; no further authentication of the
// password itself is performed here -- that happens when the upstream
// connection is dialed (component E).
func NegotiateDownstream(conn net.Conn, cfg DownstreamConfig) (*ssh.ServerConn, <-chan ssh.NewChannel, <-chan *ssh.Request, *SessionRequest, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, nil, nil, nil, trace.Wrap(err)
	}

	sreq := NewSessionRequest()
	serverCfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return passwordCallback(meta, password, cfg.Resolver, sreq, cfg.Logger)
		},
	}
	serverCfg.AddHostKey(cfg.HostSigner)

	sconn, chans, reqs, err := ssh.NewServerConn(conn, serverCfg)
	if err != nil {
		return nil, nil, nil, nil, trace.Wrap(err, "downstream handshake failed")
	}
	return sconn, chans, reqs, sreq, nil
}

// passwordCallback implements the username-parsing and resolution
// algorithm of spec.md §4.D exactly: split on the first "-" only, parse
// the prefix as a non-negative integer vm_id, reject on any parse
// failure, otherwise resolve it and reject (AccessDenied) if the lookup
// fails, whether the directory has nothing for it or the query errors.
func passwordCallback(meta ssh.ConnMetadata, password []byte, resolver directory.Resolver, sreq *SessionRequest, logger *log.Entry) (*ssh.Permissions, error) {
	username := meta.User()
	parts := strings.SplitN(username, "-", 2)
	if len(parts) != 2 || parts[1] == "" {
		metrics.FailedAuth.Inc()
		logger.WithField("username", username).Warn("malformed username, expected <vm_id>-<username>")
		return nil, trace.AccessDenied("malformed username")
	}

	vmID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || vmID < 0 {
		metrics.FailedAuth.Inc()
		logger.WithField("username", username).Warn("malformed vm id in username")
		return nil, trace.AccessDenied("malformed username")
	}

	targetIP, err := resolver.Resolve(vmID)
	if err != nil {
		metrics.FailedAuth.Inc()
		logger.WithFields(log.Fields{"vm_id": vmID}).WithError(err).Warn("vm directory lookup failed")
		return nil, trace.AccessDenied("unknown vm")
	}

	sreq.VMID = vmID
	sreq.RealUsername = parts[1]
	sreq.Password = append([]byte(nil), password...)
	sreq.TargetIP = targetIP

	return &ssh.Permissions{}, nil
}

// AcceptFirstSessionChannel reads from chans until it finds a "session"
// channel, rejecting everything else, and accepts it. Further NewChannel
// values (additional session channels included) must be drained and
// rejected separately via RejectExtraChannels -- multiplexing more than
// one session per connection is out of scope (spec.md Non-goals).
func AcceptFirstSessionChannel(chans <-chan ssh.NewChannel) (ssh.Channel, <-chan *ssh.Request, error) {
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		ch, reqs, err := newChan.Accept()
		if err != nil {
			return nil, nil, trace.Wrap(err, "accepting session channel")
		}
		return ch, reqs, nil
	}
	return nil, nil, trace.ConnectionProblem(nil, "connection closed before a session channel was opened")
}

// RejectExtraChannels drains any further channel-open attempts on the
// same connection for its lifetime, rejecting all of them.
func RejectExtraChannels(chans <-chan ssh.NewChannel) {
	for newChan := range chans {
		_ = newChan.Reject(ssh.Prohibited, "only one session channel per connection is supported")
	}
}

// HandleSessionRequests services the first session channel's request
// stream for its entire life: pty-req and window-change update the
// SessionRequest, and window-change is also relayed live to the upstream
// channel via hub once wired; shell/exec/subsystem settle the session
// exactly once. Runs
// until requests is closed; callers should invoke it in its own
// goroutine.
func HandleSessionRequests(requests <-chan *ssh.Request, sreq *SessionRequest, hub *resizeHub, logger *log.Entry) {
	for req := range requests {
		switch req.Type {
		case "pty-req":
			var msg ptyRequestMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				reply(req, false)
				continue
			}
			sreq.SetPTYTerm(msg.Term)
			sreq.SetPTYSize(msg.Columns, msg.Rows)
			reply(req, true)

		case "window-change":
			var msg ptyWindowChangeMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				reply(req, false)
				continue
			}
			sreq.SetPTYSize(msg.Columns, msg.Rows)
			hub.Resize(msg.Columns, msg.Rows)
			// window-change never wants a reply per RFC 4254 §6.7.

		case "shell":
			if sreq.IsReady() {
				reply(req, false)
				continue
			}
			sreq.Mode = ModeShell
			reply(req, true)
			sreq.MarkReady()

		case "exec":
			if sreq.IsReady() {
				reply(req, false)
				continue
			}
			var msg execMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				reply(req, false)
				continue
			}
			sreq.Mode = ModeExec
			sreq.Command = []byte(msg.Command)
			reply(req, true)
			sreq.MarkReady()

		case "subsystem":
			if sreq.IsReady() {
				reply(req, false)
				continue
			}
			var msg subsystemMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				reply(req, false)
				continue
			}
			sreq.Mode = ModeSubsystem
			sreq.Subsystem = msg.Subsystem
			reply(req, true)
			sreq.MarkReady()

		default:
			// signal, env, x11-req, agent-req-forwarding and friends are
			// all out of scope (spec.md Non-goals).
			logger.WithField("request_type", req.Type).Debug("rejecting unsupported channel request")
			reply(req, false)
		}
	}
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}
