package bastion

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/vm-ssh-bastion/lib/config"
)

// TestHandleConnectionTimesOutAwaitingSessionRequest exercises the
// AWAIT_SESSION -> FAIL transition of spec.md §3's state machine (S6):
// a downstream client authenticates and opens a session channel but
// never sends shell/exec/subsystem, and the supervisor must give up
// after config.AwaitSessionTimeout rather than hang forever.
func TestHandleConnectionTimesOutAwaitingSessionRequest(t *testing.T) {
	fakeClock := clockwork.NewFakeClock()
	resolver := &fakeTargetResolver{ip: "127.0.0.1"}
	sink := &noopSink{}

	supervisor, err := NewSupervisor(SupervisorConfig{
		HostSigner:    testSigner(t),
		Resolver:      resolver,
		Sink:          sink,
		SessionLogDir: t.TempDir(),
		Clock:         fakeClock,
		Logger:        log.WithField("test", "await-session-timeout"),
	})
	require.NoError(t, err)

	downServer, downClient := net.Pipe()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		supervisor.HandleConnection(ctx, downServer)
		close(done)
	}()

	sshConn, chans, reqs, err := ssh.NewClientConn(downClient, "pipe", &ssh.ClientConfig{
		User:            "7-alice",
		Auth:            []ssh.AuthMethod{ssh.Password("whatever")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	require.NoError(t, err)
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	ch, _, err := client.Conn.OpenChannel("session", nil)
	require.NoError(t, err)
	defer ch.Close()

	// Deliberately never send shell/exec/subsystem. Once the supervisor
	// is blocked on the fake clock it has registered two waiters: its own
	// AwaitSessionTimeout wait and the downstream-keepalive ticker
	// started right after the handshake. Advancing past
	// AwaitSessionTimeout (shorter than DownstreamKeepAlive) fires only
	// the timeout.
	fakeClock.BlockUntil(2)
	fakeClock.Advance(config.AwaitSessionTimeout)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not time out awaiting a session request")
	}
}
