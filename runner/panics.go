package runner

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/goliatone/go-process/logging"
)

type PanicLogger func(funcName string, err any, stack []byte, fields ...map[string]any)

// LoggerPanicLogger reports recovered panics through logger at error level.
func LoggerPanicLogger(logger logging.Logger) PanicLogger {
	logger = logging.Normalize(logger)
	return func(funcName string, err any, stack []byte, fields ...map[string]any) {
		logger.Error("%s", FormatPanic(funcName, err, stack, fields...))
	}
}

// FormatPanic renders a recovered panic with its context and stack.
func FormatPanic(funcName string, err any, stack []byte, fields ...map[string]any) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("recovered from panic in %s\n", funcName))
	sb.WriteString(fmt.Sprintf("Error: %v\n", err))
	sb.WriteString(fmt.Sprintf("Error Type: %T\n", err))

	if len(fields) > 0 && fields[0] != nil {
		sb.WriteString("Context:\n")

		// sort keys for consistent output
		keys := make([]string, 0, len(fields[0]))
		for k := range fields[0] {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("  %s: %v\n", k, fields[0][k]))
		}
	}

	sb.WriteString("Stack Trace:\n")
	sb.Write(stack)

	return sb.String()
}

func captureStack() []byte {
	fullStack := make([]byte, 8096)
	n := runtime.Stack(fullStack, false)
	return cleanStackTrace(fullStack[:n])
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	// we find the index after the panic line
	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// then remove everything before it
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		// remove the panic() call line & file reference line
		// panic({0x101fc1100?, 0x14000817248?})
		//         ./go/src/runtime/panic.go:785 +0x124
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
