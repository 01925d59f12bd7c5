package observability

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger writes one JSON object per line: timestamp, level, message, plus fields.
type Logger struct {
	base *logrus.Logger
}

func NewLogger() *Logger {
	return NewLoggerWithOutput(os.Stdout, "info")
}

func NewLoggerWithOutput(out io.Writer, level string) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.999999999Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	base.SetLevel(parsed)

	return &Logger{base: base}
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.base.WithFields(logrus.Fields(fields)).Info(message)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.base.WithFields(logrus.Fields(fields)).Warn(message)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.base.WithFields(logrus.Fields(fields)).Error(message)
}

func (l *Logger) Debug(message string, fields map[string]any) {
	l.base.WithFields(logrus.Fields(fields)).Debug(message)
}
