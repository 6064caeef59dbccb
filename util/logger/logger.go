package logger

import (
	"fmt"
	stdlog "log"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/op/go-logging"
)

/*
InitLogger creates and returns a logger suitable for logging
human-readable messages. Also returns the path to the log file.
If logDir is empty, the logger writes to STDERR.
*/
func InitLogger(logDir string, logLevel logging.Level) (*logging.Logger, string) {
	processName := path.Base(os.Args[0])
	writer := os.Stderr
	filename := ""
	if logDir != "" {
		filename = filepath.Join(logDir, fmt.Sprintf("%s.log", processName))
		f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot open log file '%s': %v\n", filename, err)
			os.Exit(1)
		}
		writer = f
	}
	log := logging.MustGetLogger(processName)
	format := logging.MustStringFormatter("[%{level}] %{message}")
	logging.SetFormatter(format)
	logBackend := logging.NewLogBackend(writer, "", stdlog.LstdFlags|stdlog.LUTC)
	leveled := logging.AddModuleLevel(logBackend)
	leveled.SetLevel(logLevel, "")
	logging.SetBackend(leveled)
	return log, filename
}

// Redact returns a form of secret that is safe to write to a log:
// the first four characters followed by the length. Short secrets are
// fully masked.
func Redact(secret string) string {
	if secret == "" {
		return "<empty>"
	}
	if len(secret) <= 8 {
		return "****"
	}
	return fmt.Sprintf("%s****(%d chars)", secret[:4], len(secret))
}

// RedactAll replaces every occurrence of each secret in text with its
// redacted form. Provider error bodies sometimes echo request
// parameters, and this keeps passwords and tokens out of log lines.
func RedactAll(text string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		text = strings.ReplaceAll(text, secret, Redact(secret))
	}
	return text
}
