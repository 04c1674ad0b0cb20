package phase

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
)

// Logger is the runtime logging contract.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger extends Logger with structured-field support.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

// Field keys shared by every package that logs about a pipeline.
const (
	FieldCaseID  = "case_id"
	FieldRunID   = "run_id"
	FieldPhaseID = "phase_id"
	FieldAttempt = "attempt"
)

// leading fields render first, in this order; the rest follow sorted.
var leadingFields = []string{FieldCaseID, FieldRunID, FieldPhaseID, FieldAttempt}

// Level is a FmtLogger threshold.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l Level) String() string {
	if l < LevelTrace || l > LevelFatal {
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel accepts level names in any case. Unknown names report false.
func ParseLevel(s string) (Level, bool) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "WARNING" {
		name = "WARN"
	}
	if i := slices.Index(levelNames[:], name); i >= 0 {
		return Level(i), true
	}
	return LevelInfo, false
}

// CaseLogger scopes logger to one case.
func CaseLogger(logger Logger, caseID string) Logger {
	return WithLoggerFields(logger, map[string]any{FieldCaseID: caseID})
}

// PhaseLogger scopes logger to one attempt of a phase.
func PhaseLogger(logger Logger, caseID, phaseID string, attempt int) Logger {
	return WithLoggerFields(logger, map[string]any{
		FieldCaseID:  caseID,
		FieldPhaseID: phaseID,
		FieldAttempt: attempt,
	})
}

// FmtLogger writes plain text lines. It is what NormalizeLogger hands out
// when nothing else is configured.
type FmtLogger struct {
	mu     *sync.Mutex
	out    io.Writer
	ctx    context.Context
	level  Level
	fields map[string]any
}

// NewFmtLogger writes to out, or stdout when out is nil, at every level.
func NewFmtLogger(out io.Writer) *FmtLogger {
	if out == nil {
		out = os.Stdout
	}
	return &FmtLogger{mu: &sync.Mutex{}, out: out, ctx: context.Background(), level: LevelTrace}
}

// WithLevel returns a copy that drops lines below threshold.
func (l *FmtLogger) WithLevel(threshold Level) *FmtLogger {
	cp := *l.orDefault()
	cp.level = threshold
	return &cp
}

func (l *FmtLogger) Trace(msg string, args ...any) { l.write(LevelTrace, msg, args) }
func (l *FmtLogger) Debug(msg string, args ...any) { l.write(LevelDebug, msg, args) }
func (l *FmtLogger) Info(msg string, args ...any)  { l.write(LevelInfo, msg, args) }
func (l *FmtLogger) Warn(msg string, args ...any)  { l.write(LevelWarn, msg, args) }
func (l *FmtLogger) Error(msg string, args ...any) { l.write(LevelError, msg, args) }
func (l *FmtLogger) Fatal(msg string, args ...any) { l.write(LevelFatal, msg, args) }

func (l *FmtLogger) WithContext(ctx context.Context) Logger {
	cp := *l.orDefault()
	if ctx != nil {
		cp.ctx = ctx
	}
	return &cp
}

// WithFields returns a copy carrying fields on top of the existing ones.
func (l *FmtLogger) WithFields(fields map[string]any) Logger {
	cp := *l.orDefault()
	merged := make(map[string]any, len(cp.fields)+len(fields))
	maps.Copy(merged, cp.fields)
	maps.Copy(merged, fields)
	cp.fields = merged
	return &cp
}

func (l *FmtLogger) orDefault() *FmtLogger {
	if l == nil {
		return NewFmtLogger(nil)
	}
	return l
}

func (l *FmtLogger) write(level Level, msg string, args []any) {
	l = l.orDefault()
	if level < l.level {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, " %-5s %s", level, strings.TrimSpace(msg))
	appendFields(&b, l.fields)
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.out, b.String())
}

func appendFields(b *strings.Builder, fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	keys := make([]string, 0, len(fields))
	for _, k := range leadingFields {
		if _, ok := fields[k]; ok {
			keys = append(keys, k)
		}
	}
	rest := slices.Sorted(maps.Keys(fields))
	rest = slices.DeleteFunc(rest, func(k string) bool { return slices.Contains(leadingFields, k) })
	for _, k := range append(keys, rest...) {
		fmt.Fprintf(b, " %s=%v", k, fields[k])
	}
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Trace(string, ...any)                 {}
func (NopLogger) Debug(string, ...any)                 {}
func (NopLogger) Info(string, ...any)                  {}
func (NopLogger) Warn(string, ...any)                  {}
func (NopLogger) Error(string, ...any)                 {}
func (NopLogger) Fatal(string, ...any)                 {}
func (n NopLogger) WithContext(context.Context) Logger { return n }

// NormalizeLogger returns logger, or a stdout FmtLogger when it is nil.
func NormalizeLogger(logger Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return logger
}

// WithLoggerFields attaches fields when the logger supports them and
// returns it unchanged otherwise.
func WithLoggerFields(logger Logger, fields map[string]any) Logger {
	logger = NormalizeLogger(logger)
	if fl, ok := logger.(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}
