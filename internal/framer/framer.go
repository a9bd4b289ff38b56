// Package framer slices a child process's stdout into logical text lines.
package framer

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
)

// DefaultMaxLine is the line-length ceiling used when none is configured.
const DefaultMaxLine = 1 << 20 // 1 MiB

// Framer reads from an io.Reader and yields one logical line at a time,
// tolerating partial reads and folding CRLF and LF identically. A line
// that exceeds MaxLine is discarded (logged) and the next newline
// resynchronizes the stream; the Framer never buffers unboundedly.
type Framer struct {
	r       *bufio.Reader
	maxLine int
}

// New creates a Framer over r with the default max line length.
func New(r io.Reader) *Framer {
	return NewSize(r, DefaultMaxLine)
}

// NewSize creates a Framer with an explicit max line length.
func NewSize(r io.Reader, maxLine int) *Framer {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return &Framer{r: bufio.NewReaderSize(r, 4096), maxLine: maxLine}
}

// ReadLine returns the next non-empty logical line, or io.EOF once the
// underlying reader is exhausted. CRLF and LF both terminate a line; the
// terminator itself is never included in the returned string.
func (f *Framer) ReadLine() (string, error) {
	for {
		line, overflow, err := f.readOneLine()
		if overflow {
			slog.Debug("framer: discarding oversized line", "max_bytes", f.maxLine)
			continue
		}
		if line != "" {
			return line, nil
		}
		if err != nil {
			return "", err
		}
		// Empty line with no error: keep reading (blank lines are skipped).
	}
}

// readOneLine reads up to the next '\n', trims a trailing '\r', and
// reports whether the accumulated line exceeded maxLine (in which case
// the partial content is discarded and the caller should resync by
// reading again).
func (f *Framer) readOneLine() (line string, overflow bool, err error) {
	var buf []byte
	for {
		chunk, readErr := f.r.ReadSlice('\n')

		if !overflow {
			if len(buf)+len(chunk) > f.maxLine {
				// Crossed the ceiling: drop everything buffered so far and
				// stop accumulating. Remaining bytes of this oversized line
				// are discarded as they arrive, not appended, so memory
				// stays bounded no matter how long the line runs.
				overflow = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		if readErr == nil {
			// Found a newline; strip it (and a preceding \r for CRLF).
			if overflow {
				return "", true, nil
			}
			trimmed := buf[:len(buf)-1]
			if n := len(trimmed); n > 0 && trimmed[n-1] == '\r' {
				trimmed = trimmed[:n-1]
			}
			return string(trimmed), false, nil
		}

		if errors.Is(readErr, bufio.ErrBufferFull) {
			// No newline yet within the internal buffer; keep accumulating.
			continue
		}

		// EOF or other read error: return whatever was buffered (the
		// caller treats a non-empty remainder as a final, unterminated
		// line, matching an agent that exits without a trailing \n).
		if overflow {
			return "", true, readErr
		}
		if len(buf) == 0 {
			return "", false, readErr
		}
		trimmed := buf
		if n := len(trimmed); n > 0 && trimmed[n-1] == '\r' {
			trimmed = trimmed[:n-1]
		}
		return string(trimmed), false, readErr
	}
}
