package phase

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/goliatone/go-errors"
)

// PanicLogger receives recovered panics.
type PanicLogger func(funcName string, err any, stack []byte, fields ...map[string]any)

// MakePanicHandler returns a deferrable recover function that reports through logger.
//
//	defer recoverPanic("engine.poll", map[string]any{"phase_id": id})
func MakePanicHandler(logger PanicLogger) func(funcName string, fields ...map[string]any) {
	return func(funcName string, fields ...map[string]any) {
		if err := recover(); err != nil {
			logger(funcName, err, panicStack(), fields...)
		}
	}
}

// LoggerPanicLogger routes panic reports to a Logger at Error level.
func LoggerPanicLogger(logger Logger) PanicLogger {
	logger = NormalizeLogger(logger)
	return func(funcName string, err any, stack []byte, fields ...map[string]any) {
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("recovered from panic in %s: %v (%T)\n", funcName, err, err))
		if len(fields) > 0 && fields[0] != nil {
			keys := make([]string, 0, len(fields[0]))
			for k := range fields[0] {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				sb.WriteString(fmt.Sprintf("  %s: %v\n", k, fields[0][k]))
			}
		}
		sb.Write(stack)
		logger.Error(sb.String())
	}
}

// PanicError converts a recovered value into an error so callers can treat a
// panicking collaborator as an ordinary failure.
func PanicError(funcName string, recovered any) error {
	if recovered == nil {
		return nil
	}
	var source error
	if e, ok := recovered.(error); ok {
		source = e
	} else {
		source = fmt.Errorf("%v", recovered)
	}
	return errors.Wrap(source, errors.CategoryHandler, fmt.Sprintf("panic in %s", funcName)).
		WithTextCode("PANIC_RECOVERED").
		WithMetadata(map[string]any{"stack": string(panicStack())})
}

func panicStack() []byte {
	full := make([]byte, 8096)
	n := runtime.Stack(full, false)
	return cleanStackTrace(full[:n])
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() call line and its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
