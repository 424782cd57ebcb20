package bastion

import (
	"strings"
	"unicode/utf8"
)

// extractor is component H of spec.md: an in-line tap on the C->U
// (client to upstream) byte stream in shell mode that turns keystrokes
// into logical command lines for auditing. It never rewrites or drops a
// byte from the forwarding path -- it only observes a copy and reports
// complete lines back to its caller.
//
// Grounded on _examples/original_source/proxy_session.py's
// forward_to_target, generalized from "decode the whole recv() chunk as
// one string" (which only behaves line-wise because real terminals
// usually send one byte per recv) to the rune-level state machine
// spec.md §4.H actually specifies, so multi-byte UTF-8 sequences that
// straddle two Read()s are handled correctly instead of by accident.
type extractor struct {
	accum   strings.Builder
	pending []byte // undecoded tail bytes held over from the previous Observe call
}

// newExtractor returns a ready-to-use command extractor.
func newExtractor() *extractor {
	return &extractor{}
}

// Observe feeds newly-read bytes through the extractor and returns any
// command lines that completed as a result, in order. data is never
// modified.
func (e *extractor) Observe(data []byte) []string {
	var commands []string

	buf := data
	if len(e.pending) > 0 {
		buf = append(append([]byte(nil), e.pending...), data...)
	}

	for len(buf) > 0 {
		if buf[0] == 0x03 {
			// Ctrl-C: discard the accumulator, forwarding is the
			// caller's responsibility and happens unconditionally.
			e.accum.Reset()
			buf = buf[1:]
			continue
		}

		r, size := utf8.DecodeRune(buf)
		if r == utf8.RuneError && size <= 1 {
			if !utf8.FullRune(buf) {
				// Might be the start of a multi-byte sequence split
				// across reads; hold it for the next Observe call.
				break
			}
			// Genuinely undecodable: dropped from the tap, but the
			// byte is still forwarded by the bridge regardless.
			buf = buf[1:]
			continue
		}

		if r == '\r' || r == '\n' {
			commands = append(commands, e.flush()...)
		} else {
			e.accum.WriteRune(r)
		}
		buf = buf[size:]
	}

	e.pending = append(e.pending[:0], buf...)
	return commands
}

// flush normalizes the accumulator (\r -> \n), splits it on \n, trims
// each resulting line, and returns the non-empty ones as commands,
// clearing the accumulator (spec.md §4.H, rule 3).
func (e *extractor) flush() []string {
	raw := e.accum.String()
	e.accum.Reset()

	normalized := strings.ReplaceAll(raw, "\r", "\n")
	var out []string
	for _, line := range strings.Split(normalized, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
