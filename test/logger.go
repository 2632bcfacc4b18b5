// Package test holds helpers shared by the tests of every package.
package test

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger that is silent unless TEST_LOGS is set. TEST_LOGS=1
// logs at info, 2 at debug and 3 at trace, which also dumps every frame the
// NIC receives.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	switch os.Getenv("TEST_LOGS") {
	case "":
		l.SetOutput(io.Discard)
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// LogBuffer collects log output for assertions. It is safe for concurrent use
// so that goroutines started by the code under test can log into it.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewBufferLogger returns a logger at level writing timestamp free text into
// the returned buffer.
func NewBufferLogger(level logrus.Level) (*logrus.Logger, *LogBuffer) {
	b := &LogBuffer{}
	l := logrus.New()
	l.SetOutput(b)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return l, b
}
