package obs

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Fields are extra key/value pairs attached to a log line.
type Fields map[string]any

// Logger writes one JSON object per line. It is safe for concurrent use.
type Logger struct {
	mu    sync.Mutex
	w     io.Writer
	debug bool
	now   func() time.Time
}

// New returns a Logger writing to w. Debug lines are dropped unless debug is set.
func New(w io.Writer, debug bool) *Logger {
	return &Logger{w: w, debug: debug, now: time.Now}
}

// Discard returns a Logger that writes nothing.
func Discard() *Logger { return New(io.Discard, false) }

func (l *Logger) logWith(level, msg string, f Fields) {
	out := make(Fields, len(f)+3)
	for k, v := range f {
		out[k] = v
	}
	out["ts"] = l.now().UTC().Format(time.RFC3339Nano)
	out["level"] = level
	out["msg"] = msg
	b, err := json.Marshal(out)
	if err != nil {
		b, _ = json.Marshal(Fields{"level": "error", "msg": "log marshal failure", "err": err.Error()})
	}
	l.mu.Lock()
	_, _ = l.w.Write(append(b, '\n'))
	l.mu.Unlock()
}

func (l *Logger) Info(msg string, f Fields)  { l.logWith("info", msg, f) }
func (l *Logger) Error(msg string, f Fields) { l.logWith("error", msg, f) }
func (l *Logger) Debug(msg string, f Fields) {
	if l.debug {
		l.logWith("debug", msg, f)
	}
}
