package logutil

import (
	"bytes"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"sort"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
)

const redacted = "[redacted]"

var (
	outputMu sync.Mutex
	sink     = &redactingWriter{out: os.Stderr}
)

// Configure sets the process-wide level and output format. format is one of
// text, json or logfmt; empty means text.
func Configure(levelRaw, formatRaw string) error {
	level, err := parseConfiguredLevel(levelRaw)
	if err != nil {
		return err
	}
	formatter, err := parseFormatter(formatRaw)
	if err != nil {
		return err
	}
	outputMu.Lock()
	defer outputMu.Unlock()
	log.SetLevel(level)
	log.SetFormatter(formatter)
	log.SetReportTimestamp(true)
	log.SetOutput(sink)
	return nil
}

func parseConfiguredLevel(levelRaw string) (log.Level, error) {
	levelRaw = strings.TrimSpace(levelRaw)
	if levelRaw == "" {
		return log.InfoLevel, nil
	}
	switch strings.ToLower(levelRaw) {
	case "trace", "trac":
		// The logger has no native trace enum; map trace to most verbose mode.
		return log.DebugLevel, nil
	default:
		level, err := log.ParseLevel(levelRaw)
		if err != nil {
			return 0, fmt.Errorf("invalid loglevel %q", levelRaw)
		}
		return level, nil
	}
}

func parseFormatter(formatRaw string) (log.Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(formatRaw)) {
	case "", "text":
		return log.TextFormatter, nil
	case "json":
		return log.JSONFormatter, nil
	case "logfmt":
		return log.LogfmtFormatter, nil
	default:
		return 0, fmt.Errorf("invalid log format %q", formatRaw)
	}
}

// SetSecrets registers values that must never reach the log output. Every
// occurrence is replaced before the line is written.
func SetSecrets(secrets ...string) {
	sink.setSecrets(secrets)
}

// SetOutput redirects the filtered log stream, mainly for tests.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	sink.mu.Lock()
	sink.out = w
	sink.mu.Unlock()
	log.SetOutput(sink)
}

// StandardLogger adapts the package logger for code that wants a *log.Logger,
// such as the HTTP access log and net/http's ErrorLog.
func StandardLogger(level log.Level) *stdlog.Logger {
	return log.StandardLog(log.StandardLogOptions{ForceLevel: level})
}

type redactingWriter struct {
	mu      sync.Mutex
	out     io.Writer
	secrets [][]byte
	buf     []byte
}

func (w *redactingWriter) setSecrets(secrets []string) {
	list := make([][]byte, 0, len(secrets))
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		list = append(list, []byte(s))
	}
	// Longest first so a secret containing another is replaced whole.
	sort.Slice(list, func(i, j int) bool { return len(list[i]) > len(list[j]) })
	w.mu.Lock()
	w.secrets = list
	w.mu.Unlock()
}

func (w *redactingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := append([]byte(nil), w.buf[:idx+1]...)
		w.buf = w.buf[idx+1:]
		w.writeLineLocked(line)
	}
	return len(p), nil
}

func (w *redactingWriter) writeLineLocked(line []byte) {
	if w.out == nil || len(line) == 0 {
		return
	}
	for _, s := range w.secrets {
		line = bytes.ReplaceAll(line, s, []byte(redacted))
	}
	_, _ = w.out.Write(line)
}
