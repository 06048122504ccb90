// Package export writes the quoted CSV format shared by the outbox,
// journal and TTL reconciliation exports: every field wrapped in double
// quotes, inner quotes doubled, comma separated, one row per line,
// header row first.
package export

import (
	"bufio"
	"io"
	"strings"
)

// Quote wraps s in double quotes and doubles inner quotes.
func Quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Writer emits always-quoted CSV rows. The first error sticks.
type Writer struct {
	w   *bufio.Writer
	err error
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write appends one row.
func (cw *Writer) Write(fields ...string) error {
	if cw.err != nil {
		return cw.err
	}
	for i, f := range fields {
		if i > 0 {
			if cw.err = cw.w.WriteByte(','); cw.err != nil {
				return cw.err
			}
		}
		if _, cw.err = cw.w.WriteString(Quote(f)); cw.err != nil {
			return cw.err
		}
	}
	cw.err = cw.w.WriteByte('\n')
	return cw.err
}

// Flush writes buffered rows to the underlying writer.
func (cw *Writer) Flush() error {
	if cw.err != nil {
		return cw.err
	}
	return cw.w.Flush()
}
