// Command vm-ssh-bastion is the transparent SSH bastion described in
// spec.md: it terminates downstream SSH connections, resolves the
// requested VM against a tenant directory, and bridges the session to a
// second, upstream SSH connection it opens to the resolved target.
//
// Grounded on the teacher's accept-loop shape (one goroutine per
// accepted connection, a shared long-lived process context cancelled on
// SIGINT/SIGTERM) as seen throughout lib/srv and lib/reversetunnel.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational/vm-ssh-bastion/lib/audit"
	"github.com/gravitational/vm-ssh-bastion/lib/bastion"
	"github.com/gravitational/vm-ssh-bastion/lib/config"
	"github.com/gravitational/vm-ssh-bastion/lib/directory"
	"github.com/gravitational/vm-ssh-bastion/lib/metrics"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := run(); err != nil {
		log.WithError(err).Error("vm-ssh-bastion exited with an error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return trace.Wrap(err, "loading configuration")
	}

	if err := metrics.Register(); err != nil {
		return trace.Wrap(err, "registering metrics")
	}

	// A bare SDK tracer provider with the default sampler and no span
	// processor or exporter -- spec.md doesn't call for exporting spans anywhere in
	// particular, but every session still gets one via lib/bastion's
	// Supervisor, matching the teacher's per-request span convention
	// (lib/proxy/router.go).
	tracerProvider := sdktrace.NewTracerProvider()
	defer func() { _ = tracerProvider.Shutdown(context.Background()) }()
	otel.SetTracerProvider(tracerProvider)

	hostSigner, err := loadHostSigner(cfg.ServerKeyFile)
	if err != nil {
		return trace.Wrap(err, "loading server host key")
	}

	resolver, err := directory.NewMySQLResolver(directory.MySQLConfig{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		Username: cfg.DBUsername,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
	})
	if err != nil {
		return trace.Wrap(err, "connecting directory resolver")
	}
	defer resolver.Close()

	sink, err := audit.NewMySQLSink(audit.MySQLConfig{
		Host:             cfg.DBHost,
		Port:             cfg.DBPort,
		Username:         cfg.DBUsername,
		Password:         cfg.DBPassword,
		Database:         cfg.DBName,
		MaxCommandLength: cfg.MaxCommandLength,
	})
	if err != nil {
		return trace.Wrap(err, "connecting audit sink")
	}
	defer sink.Close()

	supervisor, err := bastion.NewSupervisor(bastion.SupervisorConfig{
		HostSigner:    hostSigner,
		Resolver:      resolver,
		Sink:          sink,
		SessionLogDir: cfg.LogDir,
		TargetSSHPort: cfg.TargetSSHPort,
	})
	if err != nil {
		return trace.Wrap(err, "building session supervisor")
	}

	addr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.BindPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return trace.Wrap(err, "binding listener on %v", addr)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
		_ = listener.Close()
	}()

	log.WithField("addr", addr).Info("vm-ssh-bastion listening")
	return acceptLoop(ctx, listener, supervisor, cfg.MaxConnections)
}

// acceptLoop accepts connections until ctx is cancelled, spawning one
// supervisor-driven goroutine per connection. MaxConnections caps the
// number of connections being handled concurrently (from handshake to
// teardown); once reached, new
// connections are accepted and immediately closed rather than queued
// indefinitely, so a flood of attempts can't exhaust file descriptors.
func acceptLoop(ctx context.Context, listener net.Listener, supervisor *bastion.Supervisor, maxConnections int) error {
	slots := make(chan struct{}, maxConnections)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return trace.Wrap(err, "accept failed")
			}
		}

		select {
		case slots <- struct{}{}:
		default:
			log.Warn("rejecting connection: max connections reached")
			_ = conn.Close()
			continue
		}

		go func(conn net.Conn) {
			defer func() { <-slots }()
			supervisor.HandleConnection(ctx, conn)
		}(conn)
	}
}

func loadHostSigner(path string) (ssh.Signer, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err, "reading %v", path)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, trace.Wrap(err, "parsing host key %v", path)
	}
	return signer, nil
}
