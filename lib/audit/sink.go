// Package audit implements component B of spec.md: the append-only
// audit sink that records one row per executed command (or command
// chunk, for oversize commands).
//
// Grounded on _examples/original_source/proxy_session.py's log_cmd,
// which runs `INSERT INTO volum_ssh_logs(vm_id, username, command)
// VALUES(?,?,?)` once per MAX_COMMAND_LENGTH-sized chunk inside a single
// transaction, and on the teacher's use of
// github.com/go-mysql-org/go-mysql as its MariaDB/MySQL wire client
// (see lib/directory for the shared grounding).
package audit

import (
	"fmt"
	"sync"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/vm-ssh-bastion/lib/metrics"
)

// Sink appends audited commands to durable storage (spec.md §4.B).
//
// Append must not return an error to the caller that would make the
// caller abort the bridge: AuditFail is best-effort (spec.md §7). Sink
// implementations are expected to log failures internally; the only
// reason Append returns an error at all is so tests can assert on
// failure without parsing log output.
type Sink interface {
	// Append records command, splitting it into chunks of at most
	// maxCommandLength bytes and inserting one row per chunk, all under
	// the same (vmID, username) tuple, in order.
	Append(vmID int64, username, command string) error
	// Close releases any resources held by the sink.
	Close() error
}

// queryExecutor is the subset of *client.Conn this package depends on.
type queryExecutor interface {
	Execute(command string, args ...interface{}) (*mysql.Result, error)
	Close() error
}

// MySQLConfig describes how to reach the audit database.
type MySQLConfig struct {
	Host             string
	Port             int
	Username         string
	Password         string
	Database         string
	MaxCommandLength int
}

// mysqlSink is shared across every concurrently handled downstream
// connection the same way mysqlResolver is (see lib/directory), for the
// same reason: client.Conn is a single sequential wire-protocol
// connection, so mu serializes Append calls to keep two sessions'
// INSERTs from interleaving on the same socket.
type mysqlSink struct {
	mu               sync.Mutex
	conn             queryExecutor
	maxCommandLength int
	log              *log.Entry
}

// NewMySQLSink dials the audit database and returns a Sink backed by it.
func NewMySQLSink(cfg MySQLConfig) (Sink, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := client.Connect(addr, cfg.Username, cfg.Password, cfg.Database)
	if err != nil {
		return nil, trace.Wrap(err, "connecting to audit database at %v", addr)
	}
	maxLen := cfg.MaxCommandLength
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &mysqlSink{
		conn:             conn,
		maxCommandLength: maxLen,
		log:              log.WithField(trace.Component, "audit"),
	}, nil
}

// newSinkWithExecutor builds a sink around an already-open executor;
// used by tests to inject a fake queryExecutor.
func newSinkWithExecutor(q queryExecutor, maxCommandLength int) Sink {
	return &mysqlSink{conn: q, maxCommandLength: maxCommandLength, log: log.WithField(trace.Component, "audit")}
}

// Chunk splits command into consecutive byte chunks of at most
// maxCommandLength bytes, preserving order. It is exported so the
// chunking rule (spec.md invariants, S7) can be unit tested without a
// database.
func Chunk(command string, maxCommandLength int) []string {
	if maxCommandLength <= 0 || len(command) <= maxCommandLength {
		return []string{command}
	}
	var chunks []string
	b := []byte(command)
	for i := 0; i < len(b); i += maxCommandLength {
		end := i + maxCommandLength
		if end > len(b) {
			end = len(b)
		}
		chunks = append(chunks, string(b[i:end]))
	}
	return chunks
}

func (s *mysqlSink) Append(vmID int64, username, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range Chunk(command, s.maxCommandLength) {
		_, err := s.conn.Execute(
			"INSERT INTO volum_ssh_logs(vm_id, username, command) VALUES(?,?,?)",
			vmID, username, chunk,
		)
		if err != nil {
			// AuditFail (spec.md §7): log and stop at this chunk; the
			// session outlives audit failures. The error is still
			// returned so tests can observe it; the caller in
			// lib/bastion logs it and keeps the bridge running.
			s.log.WithError(err).WithFields(log.Fields{
				"vm_id":    vmID,
				"username": username,
			}).Error("failed to append audit record")
			return trace.Wrap(err, "appending audit record for vm %d", vmID)
		}
	}
	metrics.CommandsAudited.Inc()
	return nil
}

func (s *mysqlSink) Close() error {
	return trace.Wrap(s.conn.Close())
}
