// Package sessionlog implements component C of spec.md: the per-session
// append-only transcript of shell events.
//
// Grounded on _examples/original_source/proxy_session.py's
// setup_session_logging, which opens
// logs/ssh_<vm_tag>_<username>_<ts>.log and writes one line per command
// via a dedicated logrus-style per-session logger. This package keeps
// that shape but constructs the *logrus.Logger explicitly instead of
// reaching into the global logger registry by name, since Go has no
// equivalent of Python's logging.getLogger(name) singleton lookup.
package sessionlog

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// transcriptFormatter renders each entry as spec.md §4.C's literal
// "<ISO-8601 ts> - <message>" line, in place of logrus's default
// key=value form -- the session log is a transcript read by humans and
// other tooling expecting that exact shape, not a structured log.
type transcriptFormatter struct{}

func (transcriptFormatter) Format(entry *log.Entry) ([]byte, error) {
	line := fmt.Sprintf("%s - %s\n", entry.Time.Format(time.RFC3339), entry.Message)
	return []byte(line), nil
}

// Recorder appends one line per shell-mode command to a per-session
// file, formatted as "<ISO-8601 ts> - Command: <line>" (spec.md §4.C).
type Recorder struct {
	logger *log.Logger
	file   *os.File
	path   string
}

// Open creates (or appends to, if it already exists from a prior
// crash-restart of the same second) the session log file for a session
// against targetIP under username, rooted at dir.
//
// vmTag is derived from targetIP exactly as the original does:
// target_ip.split('.')[-1] -- the last dotted component, which for an
// IPv4 address is the host octet. If targetIP has no dots (e.g. an
// IPv6 literal or bare hostname from a non-standard resolver), the
// VM id is used instead so the file name stays unique and legible.
func Open(dir, targetIP string, vmID int64, username string, now time.Time) (*Recorder, error) {
	tag := vmTag(targetIP, vmID)
	name := "ssh_" + tag + "_" + username + "_" + now.Format("20060102_150405") + ".log"
	path := dir + string(os.PathSeparator) + name

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, trace.Wrap(err, "creating session log directory %v", dir)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, trace.Wrap(err, "opening session log file %v", path)
	}

	logger := log.New()
	logger.SetOutput(f)
	logger.SetFormatter(transcriptFormatter{})

	return &Recorder{logger: logger, file: f, path: path}, nil
}

func vmTag(targetIP string, vmID int64) string {
	if idx := strings.LastIndex(targetIP, "."); idx >= 0 && idx+1 < len(targetIP) {
		return targetIP[idx+1:]
	}
	return strconv.FormatInt(vmID, 10)
}

// Announce writes the session-open banner line, mirroring the original
// "New SSH session from <client_ip>" first line.
func (r *Recorder) Announce(clientIP string) {
	r.logger.Infof("New SSH session from %s", clientIP)
}

// Command appends one audited command line.
func (r *Recorder) Command(line string) {
	r.logger.Infof("Command: %s", line)
}

// Path returns the path of the underlying log file.
func (r *Recorder) Path() string {
	return r.path
}

// Close closes the underlying file handle.
func (r *Recorder) Close() error {
	return trace.Wrap(r.file.Close())
}
