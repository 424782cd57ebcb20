package bastion

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/vm-ssh-bastion/lib/metrics"
)

// DialUpstream opens the second SSH connection of the proxy: from the
// bastion to the resolved target VM, authenticating with the same
// password the downstream client supplied (spec.md §4.E). The upstream
// host key is accepted unconditionally -- there is no pinned-key store
// in this deployment model, a documented limitation (spec.md §7, §9;
// SPEC_FULL.md).
//
// Grounded on the teacher's lib/srv/authhandlers.go hostKeyCallback,
// which also logs a warning on every insecure acceptance rather than
// silently trusting it.
func DialUpstream(ctx context.Context, targetIP string, port int, username string, password []byte, timeout time.Duration, logger *log.Entry) (*ssh.Client, error) {
	addr := net.JoinHostPort(targetIP, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		metrics.UpstreamDialFailures.Inc()
		return nil, trace.ConnectionProblem(err, "dialing upstream %v", addr)
	}

	clientCfg := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(string(password))},
		HostKeyCallback: insecureHostKeyCallback(logger),
		Timeout:         timeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		metrics.UpstreamDialFailures.Inc()
		return nil, trace.ConnectionProblem(err, "authenticating to upstream %v", addr)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// insecureHostKeyCallback accepts any host key presented by the target
// VM, logging it so the acceptance is at least auditable even though it
// is not verified.
func insecureHostKeyCallback(logger *log.Entry) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		logger.WithFields(log.Fields{
			"hostname":    hostname,
			"fingerprint": ssh.FingerprintSHA256(key),
		}).Warn("accepting upstream host key without verification (no pinned-key store)")
		return nil
	}
}
