package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var setupOnce sync.Once

// LogFormatter renders log entries as
// "[timestamp] [level] [file:line] message", matching the compact single-line
// style the rest of the proxy's request logs use.
type LogFormatter struct{}

// Format implements logrus.Formatter.
func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	level := strings.ToUpper(entry.Level.String())

	var location string
	if entry.Caller != nil {
		location = fmt.Sprintf("%s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s]", timestamp, level)
	if location != "" {
		fmt.Fprintf(&b, " [%s]", location)
	}
	fmt.Fprintf(&b, " %s", entry.Message)

	for k, v := range entry.Data {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// SetupBaseLogger wires logrus's global instance with LogFormatter and caller
// reporting. Safe to call repeatedly; only the first call takes effect.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetFormatter(&LogFormatter{})
		log.SetReportCaller(true)
		log.SetOutput(os.Stdout)
		log.AddHook(GlobalBuffer)
	})
}

// ConfigureLogOutput switches the global logger's output between stdout and a
// lumberjack-rotated file, depending on whether filePath is set.
func ConfigureLogOutput(filePath string, maxSizeMB, maxBackups int) {
	if strings.TrimSpace(filePath) == "" {
		log.SetOutput(os.Stdout)
		return
	}

	var out io.Writer = &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	log.SetOutput(out)
}

// SetLogLevel sets the global logrus level from a human-supplied name.
// Unrecognized values fall back to InfoLevel; "quiet"/"silent" map to
// FatalLevel so routine logging is suppressed without losing fatal output.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "quiet", "silent":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}
