package rexec

import (
	"bytes"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LineWriter calls a function for every line written to it, without the
// line break. It is safe for concurrent use.
type LineWriter struct {
	mu   sync.Mutex
	buf  []byte
	line func(line string)
}

// NewLineWriter returns a writer that passes every line to fn.
func NewLineWriter(fn func(line string)) *LineWriter {
	return &LineWriter{line: fn}
}

// NewLogWriter returns a writer that logs every line at the given level.
func NewLogWriter(logger *zerolog.Logger, level zerolog.Level) *LineWriter {
	return NewLineWriter(func(line string) {
		logger.WithLevel(level).Msg(line)
	})
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.line(strings.TrimSuffix(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Close passes on a final line that was not terminated.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.line(string(w.buf))
		w.buf = nil
	}
	return nil
}
