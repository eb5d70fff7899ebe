package observability

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// StdLogger writes structured log lines through the standard library logger.
type StdLogger struct {
	logger *log.Logger
}

// NewStdLogger constructs a logger writing to stderr with timestamps.
func NewStdLogger() *StdLogger {
	return &StdLogger{logger: log.New(os.Stderr, "", log.LstdFlags|log.LUTC)}
}

// Debug logs at debug level.
func (l *StdLogger) Debug(msg string, fields ...Field) { l.write("DEBUG", msg, fields) }

// Info logs at info level.
func (l *StdLogger) Info(msg string, fields ...Field) { l.write("INFO", msg, fields) }

// Warn logs at warn level.
func (l *StdLogger) Warn(msg string, fields ...Field) { l.write("WARN", msg, fields) }

// Error logs at error level.
func (l *StdLogger) Error(msg string, fields ...Field) { l.write("ERROR", msg, fields) }

func (l *StdLogger) write(level, msg string, fields []Field) {
	if l == nil || l.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		if strings.TrimSpace(f.Key) == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(f.Key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(f.Value))
	}
	l.logger.Print(b.String())
}
