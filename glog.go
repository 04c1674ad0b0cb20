package phase

import (
	"context"
	"io"
	"strings"

	"github.com/goliatone/go-logger/glog"
)

// GlogLogger adapts a go-logger logger to Logger.
type GlogLogger struct {
	logger glog.Logger
}

// NewGlogLogger builds a go-logger backed Logger. format "json" selects the
// JSON encoder, anything else keeps the go-logger default.
func NewGlogLogger(out io.Writer, level, format string) *GlogLogger {
	if level = strings.TrimSpace(level); level == "" {
		level = "info"
	}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return &GlogLogger{logger: glog.NewLogger(
			glog.WithWriter(out),
			glog.WithLoggerTypeJSON(),
			glog.WithLevel(level),
		)}
	}
	return &GlogLogger{logger: glog.NewLogger(
		glog.WithWriter(out),
		glog.WithLevel(level),
	)}
}

// WrapGlog adapts an existing go-logger logger.
func WrapGlog(logger glog.Logger) *GlogLogger {
	return &GlogLogger{logger: logger}
}

func (l *GlogLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l *GlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *GlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *GlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *GlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *GlogLogger) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l *GlogLogger) WithContext(ctx context.Context) Logger {
	if l == nil || l.logger == nil {
		return NewFmtLogger(nil).WithContext(ctx)
	}
	return &GlogLogger{logger: l.logger.WithContext(ctx)}
}

func (l *GlogLogger) WithFields(fields map[string]any) Logger {
	if l == nil || l.logger == nil {
		return NewFmtLogger(nil).WithFields(fields)
	}
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return &GlogLogger{logger: fl.WithFields(fields)}
	}
	return l
}
