package logger

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

var Log *slog.Logger

type asyncWriter struct {
	ch chan []byte
}

func (a *asyncWriter) Write(p []byte) (n int, err error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case a.ch <- cp:
		return len(p), nil
	default:
		// drop if queue full to avoid blocking
		return len(p), nil
	}
}

var (
	logCh     chan []byte
	logStopCh chan struct{}
	logWG     sync.WaitGroup
	stopOnce  *sync.Once
)

// Init initializes the global logger using PACTCACHE_LOG_LEVEL.
func Init() {
	InitWithLevel("")
}

// InitWithLevel initializes the global logger with an async buffered text
// handler. An empty level falls back to PACTCACHE_LOG_LEVEL. The sink is
// stdout unless PACTCACHE_LOG_SINK is "file:/path".
func InitWithLevel(level string) {
	lvl := strings.TrimSpace(level)
	if lvl == "" {
		lvl = os.Getenv("PACTCACHE_LOG_LEVEL")
	}
	sink := os.Getenv("PACTCACHE_LOG_SINK")

	logCh = make(chan []byte, 10000)
	logStopCh = make(chan struct{})
	stopOnce = &sync.Once{}
	aw := &asyncWriter{ch: logCh}
	Log = slog.New(slog.NewTextHandler(aw, &slog.HandlerOptions{Level: ParseLevel(lvl)}))

	logWG.Add(1)
	go drain(sink, logCh, logStopCh)
}

// InitWriter points the global logger at w synchronously. Tests use it to
// capture output.
func InitWriter(w io.Writer, level string) {
	Log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func drain(sink string, ch <-chan []byte, stop <-chan struct{}) {
	defer logWG.Done()
	var buf *bufio.Writer
	var f *os.File
	if strings.HasPrefix(sink, "file:") {
		path := strings.TrimPrefix(sink, "file:")
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", path, err)
			buf = bufio.NewWriterSize(os.Stdout, 8192)
		} else {
			buf = bufio.NewWriterSize(f, 8192)
		}
	} else {
		buf = bufio.NewWriterSize(os.Stdout, 8192)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case b := <-ch:
			buf.Write(b)
		case <-ticker.C:
			buf.Flush()
		case <-stop:
			// write what is still queued before exiting
		rest:
			for {
				select {
				case b := <-ch:
					buf.Write(b)
				default:
					break rest
				}
			}
			buf.Flush()
			if f != nil {
				f.Close()
			}
			return
		}
	}
}

// Sync flushes any buffered logs and stops the writer.
func Sync() {
	if logStopCh == nil || stopOnce == nil {
		return
	}
	stopOnce.Do(func() {
		close(logStopCh)
		logWG.Wait()
	})
}

// Debug logs with slog-style key/value pairs.
func Debug(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Debug(msg, args...)
}

// Info logs with slog-style key/value pairs.
func Info(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Info(msg, args...)
}

// Warn logs with slog-style key/value pairs.
func Warn(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Warn(msg, args...)
}

// Error logs with slog-style key/value pairs.
func Error(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Error(msg, args...)
}

// LogConfigSummary prints a titled, hyphenated list to stdout so startup
// settings are easy to read in a terminal.
func LogConfigSummary(title string, items []string) {
	writeSummary(os.Stdout, title, items)
}

func writeSummary(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	words := strings.Fields(strings.ReplaceAll(title, "_", " "))
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	header := "== " + strings.Join(words, " ") + " "
	const width = 60
	if len(header) < width {
		header = header + strings.Repeat("=", width-len(header))
	}
	fmt.Fprintln(w, header)
	for _, it := range items {
		fmt.Fprintln(w, "- "+it)
	}
	fmt.Fprintln(w)
}
