package debug

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (open/close, session start, faults)
	LevelLive    = 2 // Live info (state transitions, requests submitted)
	LevelVerbose = 3 // Verbose (request parameters, negotiation details)
	LevelTrace   = 4 // Trace (platform callbacks, GPIO, very low level)
)

// slog levels used for the custom debug levels. Live sits between Info and
// Debug, Trace below Debug.
const (
	slogLive  = slog.Level(-2)
	slogTrace = slog.Level(-8)
)

var (
	mu     sync.RWMutex
	level  int
	out    io.Writer = os.Stdout
	logger *slog.Logger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (device open/close, session configuration, faults)
// 2 = live info (state transitions, submitted requests)
// 3 = verbose (request parameters, negotiated sizes)
// 4 = trace (platform callbacks, GPIO)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	rebuild()
}

// SetOutput redirects log output. Useful to tee logs into the web status stream.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	rebuild()
}

func rebuild() {
	if level <= LevelOff {
		logger = nil
		return
	}
	h := slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: slogLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key != slog.LevelKey {
				return a
			}
			switch a.Value.Any().(slog.Level) {
			case slogLive:
				return slog.String(slog.LevelKey, "LIVE")
			case slogTrace:
				return slog.String(slog.LevelKey, "TRACE")
			}
			return a
		},
	})
	logger = slog.New(h).With("app", "camctl")
}

func slogLevel(debugLevel int) slog.Level {
	switch {
	case debugLevel >= LevelTrace:
		return slogTrace
	case debugLevel >= LevelVerbose:
		return slog.LevelDebug
	case debugLevel >= LevelLive:
		return slogLive
	default:
		return slog.LevelInfo
	}
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

func log(l slog.Level, msg string, args ...any) {
	mu.RLock()
	lg := logger
	mu.RUnlock()
	if lg == nil {
		return
	}
	lg.Log(context.Background(), l, msg, args...)
}

// Info logs a level 1 message with structured attributes.
func Info(msg string, args ...any) { log(slog.LevelInfo, msg, args...) }

// Warn logs a warning. Shown whenever debug output is enabled.
func Warn(msg string, args ...any) { log(slog.LevelWarn, msg, args...) }

// Live logs a level 2 message.
func Live(msg string, args ...any) { log(slogLive, msg, args...) }

// Verbose logs a level 3 message.
func Verbose(msg string, args ...any) { log(slog.LevelDebug, msg, args...) }

// Trace logs a level 4 message.
func Trace(msg string, args ...any) { log(slogTrace, msg, args...) }

// Error logs err under msg (level 1+).
func Error(msg string, err error, args ...any) {
	log(slog.LevelError, msg, append([]any{"error", err}, args...)...)
}

// Section prints a section separator (level 3).
func Section(name string) {
	log(slog.LevelDebug, "━━━━━━━━ "+name+" ━━━━━━━━")
}

// Value prints a named value (level 1).
func Value(name string, value any) {
	log(slog.LevelInfo, "value", "name", name, "value", value)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value any) {
	log(slogTrace, "gpio: "+operation, "pin", pin, "value", value)
}
