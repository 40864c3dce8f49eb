package httpmw

import (
	"context"
	"sync"

	"github.com/keithlinneman/lookupguard/internal/log"
)

type logEntry struct {
	level string
	msg   string
	err   error
	kv    []any
}

// spyLogger records entries, With attrs are folded into each entry's kv
type spyLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	attrs   []any
}

func newSpy() *spyLogger {
	return &spyLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (s *spyLogger) With(kv ...any) log.Logger {
	attrs := append(append([]any{}, s.attrs...), kv...)
	return &spyLogger{mu: s.mu, entries: s.entries, attrs: attrs}
}

func (s *spyLogger) record(level string, err error, msg string, kv []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append(append([]any{}, s.attrs...), kv...)
	*s.entries = append(*s.entries, logEntry{level: level, msg: msg, err: err, kv: all})
}

func (s *spyLogger) Debug(_ context.Context, msg string, kv ...any) { s.record("debug", nil, msg, kv) }
func (s *spyLogger) Info(_ context.Context, msg string, kv ...any)  { s.record("info", nil, msg, kv) }
func (s *spyLogger) Warn(_ context.Context, msg string, kv ...any)  { s.record("warn", nil, msg, kv) }
func (s *spyLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	s.record("error", err, msg, kv)
}
func (s *spyLogger) Sync() error { return nil }

func (s *spyLogger) all() []logEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]logEntry(nil), *s.entries...)
}

func (e logEntry) get(key string) (any, bool) {
	for i := 0; i+1 < len(e.kv); i += 2 {
		if k, ok := e.kv[i].(string); ok && k == key {
			return e.kv[i+1], true
		}
	}
	return nil, false
}
