package test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/go-kit/log"
)

type testingLogger struct {
	t  testing.TB
	mu sync.Mutex
}

// NewTestingLogger returns a logger that formats records as logfmt and
// hands them to t.Log, so they only show up for failing or verbose tests.
func NewTestingLogger(t testing.TB) log.Logger {
	return &testingLogger{t: t}
}

func (l *testingLogger) Log(keyvals ...interface{}) error {
	var buf bytes.Buffer
	if err := log.NewLogfmtLogger(&buf).Log(keyvals...); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t.Helper()
	l.t.Log(string(bytes.TrimRight(buf.Bytes(), "\n")))
	return nil
}
