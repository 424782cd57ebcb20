package bastion

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractorBasicLine(t *testing.T) {
	e := newExtractor()
	var cmds []string
	cmds = append(cmds, e.Observe([]byte("ls -la"))...)
	cmds = append(cmds, e.Observe([]byte("\r\n"))...)
	require.Equal(t, []string{"ls -la"}, cmds)
}

func TestExtractorCRLFAndBareLF(t *testing.T) {
	e := newExtractor()
	cmds := e.Observe([]byte("echo hi\r\n"))
	require.Equal(t, []string{"echo hi"}, cmds)

	cmds = e.Observe([]byte("echo two\n"))
	require.Equal(t, []string{"echo two"}, cmds)
}

func TestExtractorEmptyLinesSuppressed(t *testing.T) {
	e := newExtractor()
	cmds := e.Observe([]byte("\r\n"))
	require.Empty(t, cmds)

	cmds = e.Observe([]byte("   \r\n"))
	require.Empty(t, cmds)
}

func TestExtractorCtrlCClearsAccumulator(t *testing.T) {
	e := newExtractor()
	cmds := e.Observe([]byte("partial comm"))
	require.Empty(t, cmds)

	cmds = e.Observe([]byte{0x03})
	require.Empty(t, cmds)

	cmds = e.Observe([]byte("and\r\n"))
	require.Equal(t, []string{"and"}, cmds)
}

func TestExtractorUTF8SplitAcrossReads(t *testing.T) {
	e := newExtractor()
	// "é" is 0xC3 0xA9 in UTF-8; split the two bytes across two Observe
	// calls to exercise the pending-byte carry-over path.
	line := "caf\xc3\xa9\r\n"
	first := []byte(line[:4]) // "caf" + 0xC3
	second := []byte(line[4:])

	cmds := e.Observe(first)
	require.Empty(t, cmds)

	cmds = e.Observe(second)
	require.Equal(t, []string{"café"}, cmds)
}

func TestExtractorUndecodableBytesDropped(t *testing.T) {
	e := newExtractor()
	// 0xFF is never valid UTF-8 on its own; it must be dropped from the
	// accumulator without aborting the rest of the line.
	cmds := e.Observe([]byte{'o', 'k', 0xFF, 'a', 'y', '\n'})
	require.Equal(t, []string{"okay"}, cmds)
}

func TestExtractorMultipleLinesInOneChunk(t *testing.T) {
	e := newExtractor()
	cmds := e.Observe([]byte("one\ntwo\nthree\n"))
	require.Equal(t, []string{"one", "two", "three"}, cmds)
}
