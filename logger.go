package rpcrelay

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Logger is the structured logging seam the orchestrator writes through:
// stdlib log plus a hand-marshaled JSON line, with a plain-text fallback
// if marshaling itself fails.
type Logger interface {
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// stdLogger is the default Logger: one JSON object per line on stderr.
type stdLogger struct {
	out *log.Logger
}

// NewStdLogger returns the default stdlib-backed structured Logger.
func NewStdLogger() Logger {
	return &stdLogger{out: log.New(os.Stderr, "", 0)}
}

func (l *stdLogger) log(level, msg string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+3)
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	entry["level"] = level
	entry["msg"] = msg
	for k, v := range fields {
		entry[k] = v
	}

	data, err := json.Marshal(entry)
	if err != nil {
		l.out.Printf("[%s] %s (log marshal failed: %v)", level, msg, err)
		return
	}
	l.out.Print(string(data))
}

func (l *stdLogger) Info(msg string, fields map[string]any)  { l.log("INFO", msg, fields) }
func (l *stdLogger) Warn(msg string, fields map[string]any)  { l.log("WARN", msg, fields) }
func (l *stdLogger) Error(msg string, fields map[string]any) { l.log("ERROR", msg, fields) }
