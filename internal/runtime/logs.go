package runtime

import (
	"bytes"
	"strings"
	"sync"
)

// DefaultTailLines is how many trailing log lines are kept for error reports.
const DefaultTailLines = 20

// lineWriter splits a byte stream into lines, hands each one to emit and
// keeps the last few for the ExitStatus.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	tail []string
	max  int
	emit func(string)
}

func newLineWriter(max int, emit func(string)) *lineWriter {
	return &lineWriter{max: max, emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.line(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.line(string(w.buf))
		w.buf = nil
	}
}

// Tail returns a copy of the retained lines, oldest first.
func (w *lineWriter) Tail() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.tail...)
}

func (w *lineWriter) line(s string) {
	// tqdm progress bars redraw with \r; keep the latest state only.
	if i := strings.LastIndexByte(strings.TrimRight(s, "\r"), '\r'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimRight(s, "\r ")
	if s == "" {
		return
	}
	if w.emit != nil {
		w.emit(s)
	}
	if w.max <= 0 {
		return
	}
	if len(w.tail) == w.max {
		copy(w.tail, w.tail[1:])
		w.tail = w.tail[:w.max-1]
	}
	w.tail = append(w.tail, s)
}
