package bastion

import (
	"context"
	"net"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/vm-ssh-bastion/lib/audit"
	"github.com/gravitational/vm-ssh-bastion/lib/config"
	"github.com/gravitational/vm-ssh-bastion/lib/directory"
	"github.com/gravitational/vm-ssh-bastion/lib/metrics"
	"github.com/gravitational/vm-ssh-bastion/lib/sessionlog"
)

// SupervisorConfig wires together the components one Supervisor drives
// through the per-connection state machine of spec.md §3:
// START -> AWAIT_AUTH -> AWAIT_SESSION -> UPSTREAM_DIAL -> RUN -> DRAIN ->
// DONE, with FAIL reachable from any state.
//
// Grounded on the teacher's Config + CheckAndSetDefaults convention
// (lib/srv/authhandlers.go's AuthHandlerConfig) and its use of
// jonboulle/clockwork for testable time (lib/srv/session_control.go) and
// go.opentelemetry.io/otel/trace for per-request spans
// (lib/proxy/router.go).
type SupervisorConfig struct {
	HostSigner    ssh.Signer
	Resolver      directory.Resolver
	Sink          audit.Sink
	SessionLogDir string
	TargetSSHPort int

	Clock  clockwork.Clock
	Tracer oteltrace.Tracer
	Logger *log.Entry
}

func (c *SupervisorConfig) CheckAndSetDefaults() error {
	if c.HostSigner == nil {
		return trace.BadParameter("HostSigner is required")
	}
	if c.Resolver == nil {
		return trace.BadParameter("Resolver is required")
	}
	if c.Sink == nil {
		return trace.BadParameter("Sink is required")
	}
	if c.SessionLogDir == "" {
		return trace.BadParameter("SessionLogDir is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer("github.com/gravitational/vm-ssh-bastion/lib/bastion")
	}
	if c.Logger == nil {
		c.Logger = log.WithField(trace.Component, "bastion")
	}
	return nil
}

// Supervisor is component I of spec.md: the per-connection session
// lifecycle driver.
type Supervisor struct {
	cfg SupervisorConfig
}

// NewSupervisor validates cfg and returns a ready Supervisor.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Supervisor{cfg: cfg}, nil
}

// HandleConnection drives one downstream connection through the full
// session state machine. It never returns an error: every failure path
// is terminal (state FAIL) and is logged, not propagated, since the
// caller (the accept loop) has nothing more useful to do with it than
// move on to the next connection.
func (s *Supervisor) HandleConnection(ctx context.Context, conn net.Conn) {
	sessionID := uuid.NewString()
	logger := s.cfg.Logger.WithFields(log.Fields{
		"session_id":  sessionID,
		"client_addr": conn.RemoteAddr().String(),
	})

	ctx, span := s.cfg.Tracer.Start(ctx, "Supervisor/HandleConnection")
	defer span.End()

	// START -> AWAIT_AUTH
	sconn, chans, reqs, sreq, err := NegotiateDownstream(conn, DownstreamConfig{
		HostSigner: s.cfg.HostSigner,
		Resolver:   s.cfg.Resolver,
		Logger:     logger,
	})
	if err != nil {
		logger.WithError(err).Info("session failed during downstream authentication")
		_ = conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	stopKeepalive := make(chan struct{})
	defer close(stopKeepalive)
	go sendDownstreamKeepalives(ctx, stopKeepalive, sconn, s.cfg.Clock, logger)

	downCh, downReqs, err := AcceptFirstSessionChannel(chans)
	if err != nil {
		logger.WithError(err).Info("session failed waiting for a session channel")
		return
	}
	defer downCh.Close()
	go RejectExtraChannels(chans)

	hub := &resizeHub{}
	go HandleSessionRequests(downReqs, sreq, hub, logger)

	recorder, err := sessionlog.Open(s.cfg.SessionLogDir, sreq.TargetIP, sreq.VMID, sreq.RealUsername, s.cfg.Clock.Now())
	if err != nil {
		logger.WithError(err).Warn("failed to open session log, continuing without one")
	} else {
		defer recorder.Close()
		recorder.Announce(conn.RemoteAddr().String())
	}

	// AWAIT_SESSION: wait for shell/exec/subsystem to settle the mode,
	// bounded by config.AwaitSessionTimeout.
	select {
	case <-sreq.Ready():
	case <-s.cfg.Clock.After(config.AwaitSessionTimeout):
		logger.Warn("session timed out waiting for shell/exec/subsystem request")
		return
	case <-ctx.Done():
		return
	}

	logger = logger.WithFields(log.Fields{
		"vm_id":    sreq.VMID,
		"username": sreq.RealUsername,
		"mode":     sreq.Mode.String(),
	})

	// UPSTREAM_DIAL
	dialTimeout := config.FileTransferDialTimeout
	bufferSize := config.FileTransferBufferSize
	if sreq.Mode == ModeShell {
		dialTimeout = config.ShellDialTimeout
		bufferSize = config.ShellBufferSize
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	client, err := DialUpstream(dialCtx, sreq.TargetIP, s.cfg.targetSSHPort(), sreq.RealUsername, sreq.Password, dialTimeout, logger)
	cancel()
	if err != nil {
		logger.WithError(err).Warn("failed to dial upstream target")
		return
	}
	defer client.Close()

	upCh, upReqs, err := OpenUpstreamChannel(client, sreq)
	if err != nil {
		logger.WithError(err).Warn("failed to configure upstream channel")
		return
	}
	defer upCh.Close()

	if sreq.Mode == ModeShell {
		hub.SetHandler(func(columns, rows uint32) error {
			return ResizeUpstream(upCh, columns, rows)
		})
	}

	// RUN
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	var onCommand func(string)
	if sreq.Mode == ModeShell {
		onCommand = func(line string) {
			if recorder != nil {
				recorder.Command(line)
			}
			if err := s.cfg.Sink.Append(sreq.VMID, sreq.RealUsername, line); err != nil {
				logger.WithError(err).Warn("failed to append audited command")
			}
		}
	}

	bridgeErr := Run(ctx, BridgeConfig{
		Mode:       sreq.Mode,
		Down:       downCh,
		Up:         upCh,
		UpRequests: upReqs,
		BufferSize: bufferSize,
		OnCommand:  onCommand,
		Logger:     logger,
	})

	// DRAIN -> DONE
	if bridgeErr != nil {
		logger.WithError(bridgeErr).Debug("session bridge ended")
	} else {
		logger.Debug("session bridge ended cleanly")
	}
}

// targetSSHPort defaults to 22 when the caller (cmd/vm-ssh-bastion)
// doesn't thread through lib/config's TargetSSHPort.
func (c *SupervisorConfig) targetSSHPort() int {
	if c.TargetSSHPort != 0 {
		return c.TargetSSHPort
	}
	return 22
}

// sendDownstreamKeepalives sends a "keepalive@openssh.com" global
// request to the downstream connection every config.DownstreamKeepAlive
// interval, matching spec.md §6's advertised keepalive interval. It runs
// for the life of one downstream connection, stopping on ctx
// cancellation, on stop closing (the connection's own handler
// returning), or on the first failed send (the connection is almost
// certainly already gone by then).
func sendDownstreamKeepalives(ctx context.Context, stop <-chan struct{}, conn ssh.Conn, clock clockwork.Clock, logger *log.Entry) {
	ticker := clock.NewTicker(config.DownstreamKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.Chan():
			if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				logger.WithError(err).Debug("downstream keepalive failed, connection likely gone")
				return
			}
		}
	}
}
