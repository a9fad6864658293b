package flagcore

import (
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"
)

// OutputLogger is the SDK's own diagnostic channel: startup/shutdown
// narration and error reporting, entirely separate from the Diagnostics
// marker stream callers consume (SPEC_FULL.md §2.1).
type OutputLogger struct {
	options OutputLoggerOptions
}

// OutputLoggerOptions lets a caller redirect or silence the logger.
type OutputLoggerOptions struct {
	LogCallback func(message string, err error)
	EnableDebug bool
}

func (o *OutputLogger) Log(msg string, err error) {
	if o == nil {
		return
	}
	if o.options.LogCallback != nil {
		o.options.LogCallback(sanitizeLogLine(msg), err)
		return
	}
	timestamp := time.Now().Format(time.RFC3339)
	formatted := fmt.Sprintf("[%s][flagcore] %s", timestamp, msg)
	if err != nil {
		formatted += ": " + err.Error()
		fmt.Fprintln(os.Stderr, sanitizeLogLine(formatted))
	} else if msg != "" {
		fmt.Println(sanitizeLogLine(formatted))
	}
}

func (o *OutputLogger) Debug(msg string) {
	if o == nil || !o.options.EnableDebug {
		return
	}
	o.Log(msg, nil)
}

func (o *OutputLogger) LogError(err error) {
	o.Log("error", err)
}

var secretKeyPattern = regexp.MustCompile(`secret-[a-zA-Z0-9]+`)

func sanitizeLogLine(s string) string {
	return secretKeyPattern.ReplaceAllString(s, "secret-****")
}

// globalState holds the package-level logger the same way the teacher's
// GlobalState does, guarded so concurrent Core construction can't race on
// it (package-level state is otherwise out of place for a library, but the
// teacher's own transport/store code reaches for Logger() from anywhere).
type globalState struct {
	mu     sync.RWMutex
	logger *OutputLogger
}

var global globalState

// Logger returns the process-wide OutputLogger, or a nil-safe default if
// none has been installed yet.
func Logger() *OutputLogger {
	global.mu.RLock()
	defer global.mu.RUnlock()
	if global.logger == nil {
		return &OutputLogger{}
	}
	return global.logger
}

// InitializeGlobalOutputLogger installs the process-wide logger used by
// components that don't carry an explicit reference to one (e.g. the ID
// list poller's background goroutine).
func InitializeGlobalOutputLogger(options OutputLoggerOptions) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.logger = &OutputLogger{options: options}
}
