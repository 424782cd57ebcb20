package bastion

import (
	"context"
	"io"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// halfCloser is satisfied by ssh.Channel; isolated as its own interface
// so pump helpers can be unit tested against a plain io.Writer fake when
// half-close behavior isn't under test.
type halfCloser interface {
	CloseWrite() error
}

// BridgeConfig configures one run of the bidirectional byte bridge
// (component G) for a single settled session.
type BridgeConfig struct {
	Mode Mode

	Down ssh.Channel
	Up   ssh.Channel

	// UpRequests carries the upstream channel's own requests, notably
	// exit-status. Run reads it only in exec/subsystem mode; in shell
	// mode exit status is n/a (the channel close is itself the signal).
	UpRequests <-chan *ssh.Request

	BufferSize int

	// OnCommand is invoked, in order, with each command line the
	// extractor emits from the C->U stream. Only set for shell mode.
	OnCommand func(line string)

	Logger *log.Entry
}

// Run bridges Down and Up byte-accurately until both directions have
// reached EOF (or ctx is cancelled), then propagates the upstream exit
// status downstream for exec/subsystem sessions (spec.md §4.F, §4.G).
//
// Grounded on the teacher's lib/reversetunnel/transport.go io.Copy pump
// pairs, coordinated here with golang.org/x/sync/errgroup as
// lib/cache/cache.go and lib/srv/discovery/kube_watcher.go do for
// their own concurrent worker groups.
func Run(ctx context.Context, cfg BridgeConfig) error {
	g, _ := errgroup.WithContext(ctx)

	// Cancellation is cooperative and propagates by closing both
	// channels, which unblocks the pumps' blocking Read calls. This
	// watches the caller-supplied ctx directly, not the errgroup's
	// derived context -- gctx is also cancelled as soon as Wait returns,
	// so watching it here would close Down before the exit status below
	// is sent. A pump's error therefore does not close the channels.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = cfg.Down.Close()
			_ = cfg.Up.Close()
		case <-stop:
		}
	}()

	g.Go(func() error {
		return pumpTap(cfg.Down, cfg.Up, cfg.BufferSize, cfg.OnCommand)
	})
	g.Go(func() error {
		return pumpPlain(cfg.Up, cfg.Down, cfg.BufferSize)
	})

	var exitCh chan int
	if cfg.Mode != ModeShell {
		exitCh = make(chan int, 1)
		g.Go(func() error {
			return pumpPlain(cfg.Up.Stderr(), cfg.Down.Stderr(), cfg.BufferSize)
		})
		g.Go(func() error {
			status, ok := waitExitStatus(cfg.UpRequests)
			if ok {
				exitCh <- status
			}
			return nil
		})
	}

	err := g.Wait()

	if cfg.Mode != ModeShell {
		status := 0
		if cfg.Mode == ModeExec {
			status = 1
		}
		select {
		case s := <-exitCh:
			status = s
		default:
		}
		if err != nil {
			status = 1
		}
		_, sendErr := cfg.Down.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{Status: uint32(status)}))
		if sendErr != nil {
			cfg.Logger.WithError(sendErr).Debug("failed to send downstream exit-status (client likely already gone)")
		}
	}

	_ = cfg.Down.Close()
	_ = cfg.Up.Close()

	return err
}

// pumpPlain copies src to dst until src reaches EOF, then half-closes
// dst's write side if it supports it, so peers waiting on stdin-EOF
// (e.g. an scp sink invoked via exec) see it promptly (spec.md §4.G).
func pumpPlain(src io.Reader, dst io.Writer, bufSize int) error {
	buf := make([]byte, bufSize)
	_, err := io.CopyBuffer(dst, src, buf)
	if hc, ok := dst.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
	return err
}

// pumpTap behaves like pumpPlain but also feeds every read chunk through
// a fresh extractor (component H), invoking onCommand for each completed
// line. onCommand may be nil, in which case this behaves exactly like
// pumpPlain.
func pumpTap(src io.Reader, dst io.Writer, bufSize int, onCommand func(string)) error {
	if onCommand == nil {
		return pumpPlain(src, dst, bufSize)
	}

	ext := newExtractor()
	buf := make([]byte, bufSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			for _, cmd := range ext.Observe(buf[:n]) {
				onCommand(cmd)
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if hc, ok := dst.(halfCloser); ok {
				_ = hc.CloseWrite()
			}
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

// waitExitStatus drains requests until it sees an exit-status request or
// the channel closes, replying to (and discarding) anything else it
// sees along the way (e.g. exit-signal).
func waitExitStatus(requests <-chan *ssh.Request) (int, bool) {
	for req := range requests {
		if req.Type == "exit-status" {
			var msg exitStatusMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err == nil {
				if req.WantReply {
					_ = req.Reply(true, nil)
				}
				return int(msg.Status), true
			}
		}
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
	return 0, false
}
